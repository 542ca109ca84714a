package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wudi/gatekeeper/internal/config"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(clock *fakeClock) *Breaker {
	return NewBreaker(config.CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 3,
		Cooldown:         10 * time.Second,
	}, WithClock(clock.Now))
}

func fail(t *testing.T, b *Breaker) {
	t.Helper()
	tk, err := b.Allow()
	if err != nil {
		t.Fatalf("expected call to be allowed, got %v", err)
	}
	b.Record(tk, false)
}

func TestNewBreakerDefaults(t *testing.T) {
	b := NewBreaker(config.CircuitBreakerConfig{})

	snap := b.Snapshot()
	if snap.State != "closed" {
		t.Errorf("expected closed, got %s", snap.State)
	}
	if snap.FailureThreshold != 5 {
		t.Errorf("expected failure threshold 5, got %d", snap.FailureThreshold)
	}
	if b.Config().Cooldown != 30*time.Second {
		t.Errorf("expected cooldown 30s, got %v", b.Config().Cooldown)
	}
}

func TestBreakerClosedToOpen(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)

	fail(t, b)
	fail(t, b)
	if b.State() != StateClosed {
		t.Fatalf("expected closed after 2 failures, got %s", b.State())
	}

	fail(t, b)
	if b.State() != StateOpen {
		t.Fatalf("expected open after 3 failures, got %s", b.State())
	}

	if _, err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Errorf("expected ErrOpen while open, got %v", err)
	}
	clock.Advance(9 * time.Second)
	if _, err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Errorf("expected ErrOpen before cooldown elapsed, got %v", err)
	}
}

func TestBreakerTrialSuccessCloses(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)
	for i := 0; i < 3; i++ {
		fail(t, b)
	}

	clock.Advance(10 * time.Second)
	tk, err := b.Allow()
	if err != nil {
		t.Fatalf("expected trial after cooldown, got %v", err)
	}
	if !tk.Trial() {
		t.Error("expected trial ticket")
	}
	if b.State() != StateHalfOpen {
		t.Errorf("expected half_open, got %s", b.State())
	}

	b.Record(tk, true)
	snap := b.Snapshot()
	if snap.State != "closed" {
		t.Errorf("expected closed after trial success, got %s", snap.State)
	}
	if snap.FailureCount != 0 {
		t.Errorf("expected failure count reset, got %d", snap.FailureCount)
	}

	// A fresh threshold's worth of failures is needed to reopen.
	fail(t, b)
	fail(t, b)
	if b.State() != StateClosed {
		t.Error("breaker should need 3 new failures to reopen")
	}
}

func TestBreakerTrialFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)
	for i := 0; i < 3; i++ {
		fail(t, b)
	}

	clock.Advance(11 * time.Second)
	tk, err := b.Allow()
	if err != nil {
		t.Fatalf("expected trial, got %v", err)
	}
	b.Record(tk, false)
	if b.State() != StateOpen {
		t.Fatalf("expected open after trial failure, got %s", b.State())
	}

	// Cooldown restarts from the trial failure.
	clock.Advance(9 * time.Second)
	if _, err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Errorf("expected ErrOpen within restarted cooldown, got %v", err)
	}
	clock.Advance(time.Second)
	if _, err := b.Allow(); err != nil {
		t.Errorf("expected new trial after restarted cooldown, got %v", err)
	}
}

func TestBreakerSingleTrial(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)
	for i := 0; i < 3; i++ {
		fail(t, b)
	}
	clock.Advance(10 * time.Second)

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.Allow(); err == nil {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != 1 {
		t.Errorf("expected exactly 1 trial admitted, got %d", got)
	}
}

func TestBreakerReleaseFreesTrial(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)
	for i := 0; i < 3; i++ {
		fail(t, b)
	}
	clock.Advance(10 * time.Second)

	tk, _ := b.Allow()
	if _, err := b.Allow(); err == nil {
		t.Fatal("second caller must not get a trial while one is in flight")
	}

	b.Release(tk)
	if b.State() != StateHalfOpen {
		t.Errorf("release must not change state, got %s", b.State())
	}
	tk2, err := b.Allow()
	if err != nil || !tk2.Trial() {
		t.Fatalf("expected a new trial after release, got %v", err)
	}
	b.Record(tk2, true)
	if b.State() != StateClosed {
		t.Errorf("expected closed, got %s", b.State())
	}
}

func TestBreakerIgnoresStaleOutcomes(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)

	// Admitted while closed, finishes after the breaker opened and recovered.
	slow, _ := b.Allow()
	for i := 0; i < 3; i++ {
		fail(t, b)
	}
	clock.Advance(10 * time.Second)
	trial, _ := b.Allow()

	b.Record(slow, false)
	if b.State() != StateHalfOpen {
		t.Fatalf("stale failure must not decide half_open, got %s", b.State())
	}
	b.Record(trial, true)
	if b.State() != StateClosed {
		t.Errorf("expected closed, got %s", b.State())
	}
}

func TestBreakerSuccessResetsClosed(t *testing.T) {
	b := newTestBreaker(newFakeClock())

	fail(t, b)
	fail(t, b)
	tk, _ := b.Allow()
	b.Record(tk, true)
	fail(t, b)
	fail(t, b)

	if b.State() != StateClosed {
		t.Errorf("expected closed (failures reset by success), got %s", b.State())
	}
}

func TestBreakerStateChangeCallback(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	b := NewBreaker(config.CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Second},
		WithClock(clock.Now),
		WithStateChange(func(from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		}),
	)

	fail(t, b)
	clock.Advance(time.Second)
	tk, _ := b.Allow()
	b.Record(tk, true)

	want := []string{"closed->open", "open->half_open", "half_open->closed"}
	if fmt.Sprint(transitions) != fmt.Sprint(want) {
		t.Errorf("transitions = %v, want %v", transitions, want)
	}
}

func TestBreakerMetrics(t *testing.T) {
	b := NewBreaker(config.CircuitBreakerConfig{FailureThreshold: 2, Cooldown: 10 * time.Second})

	tk, _ := b.Allow()
	b.Record(tk, true)
	fail(t, b)
	fail(t, b)
	b.Allow()

	snap := b.Snapshot()
	if snap.TotalRequests != 4 {
		t.Errorf("expected 4 total requests, got %d", snap.TotalRequests)
	}
	if snap.TotalSuccesses != 1 {
		t.Errorf("expected 1 success, got %d", snap.TotalSuccesses)
	}
	if snap.TotalFailures != 2 {
		t.Errorf("expected 2 failures, got %d", snap.TotalFailures)
	}
	if snap.TotalRejected != 1 {
		t.Errorf("expected 1 rejected, got %d", snap.TotalRejected)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsFailure(t *testing.T) {
	tests := []struct {
		name   string
		status int
		err    error
		want   bool
	}{
		{"ok", 200, nil, false},
		{"redirect", 302, nil, false},
		{"client error", 404, nil, false},
		{"too many requests", 429, nil, false},
		{"server error", 500, nil, true},
		{"bad gateway", 502, nil, true},
		{"transport error", 0, fmt.Errorf("connection refused"), true},
		{"timeout", 0, context.DeadlineExceeded, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsFailure(tt.status, tt.err); got != tt.want {
				t.Errorf("IsFailure(%d, %v) = %v, want %v", tt.status, tt.err, got, tt.want)
			}
		})
	}
}

func TestIsTimeout(t *testing.T) {
	if !IsTimeout(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)) {
		t.Error("wrapped deadline should be a timeout")
	}
	if !IsTimeout(timeoutErr{}) {
		t.Error("net.Error with Timeout() should be a timeout")
	}
	if IsTimeout(fmt.Errorf("connection refused")) {
		t.Error("plain error is not a timeout")
	}
}
