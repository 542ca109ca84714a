package ratelimit

import (
	"context"
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

func TestMemoryStateBucketBounds(t *testing.T) {
	clock := newFakeClock()
	s := NewMemoryState(WithClock(clock.Now), WithSweepInterval(0))
	defer s.Close()

	ctx := context.Background()
	l := Limit{Capacity: 5, RefillRate: 1}

	for i := 0; i < 5; i++ {
		ok, err := s.Acquire(ctx, "k", l)
		if err != nil || !ok {
			t.Fatalf("acquire %d should succeed, got %v %v", i, ok, err)
		}
	}
	if ok, _ := s.Acquire(ctx, "k", l); ok {
		t.Fatal("6th immediate acquire should fail")
	}

	clock.Advance(time.Second)
	if ok, _ := s.Acquire(ctx, "k", l); !ok {
		t.Fatal("one acquire should succeed after 1s")
	}
	if ok, _ := s.Acquire(ctx, "k", l); ok {
		t.Fatal("only one token should have refilled")
	}
}

func TestMemoryStateCapsAtCapacity(t *testing.T) {
	clock := newFakeClock()
	s := NewMemoryState(WithClock(clock.Now), WithSweepInterval(0))
	defer s.Close()

	ctx := context.Background()
	l := Limit{Capacity: 3, RefillRate: 10}

	s.Acquire(ctx, "k", l)
	clock.Advance(time.Hour)

	tokens, _ := s.Check(ctx, "k", l)
	if tokens != 3 {
		t.Errorf("tokens = %v, want capacity 3", tokens)
	}

	granted := 0
	for i := 0; i < 10; i++ {
		if ok, _ := s.Acquire(ctx, "k", l); ok {
			granted++
		}
	}
	if granted != 3 {
		t.Errorf("granted %d after long idle, want 3", granted)
	}
	if tokens, _ := s.Check(ctx, "k", l); tokens < 0 || tokens >= 1 {
		t.Errorf("tokens after drain = %v, want in [0,1)", tokens)
	}
}

func TestMemoryStateCheckDoesNotConsume(t *testing.T) {
	clock := newFakeClock()
	s := NewMemoryState(WithClock(clock.Now), WithSweepInterval(0))
	defer s.Close()

	ctx := context.Background()
	l := Limit{Capacity: 2, RefillRate: 0}

	if tokens, _ := s.Check(ctx, "fresh", l); tokens != 2 {
		t.Errorf("unknown key should report capacity, got %v", tokens)
	}
	s.Acquire(ctx, "k", l)
	for i := 0; i < 3; i++ {
		if tokens, _ := s.Check(ctx, "k", l); tokens != 1 {
			t.Errorf("Check #%d = %v, want 1", i, tokens)
		}
	}
}

func TestMemoryStateKeysAreIndependent(t *testing.T) {
	s := NewMemoryState(WithSweepInterval(0))
	defer s.Close()

	ctx := context.Background()
	l := Limit{Capacity: 1, RefillRate: 0}

	s.Acquire(ctx, "a", l)
	if ok, _ := s.Acquire(ctx, "a", l); ok {
		t.Error("key a should be exhausted")
	}
	if ok, _ := s.Acquire(ctx, "b", l); !ok {
		t.Error("key b should have its own bucket")
	}
}

func TestMemoryStateConcurrentAcquire(t *testing.T) {
	clock := newFakeClock()
	s := NewMemoryState(WithClock(clock.Now), WithSweepInterval(0))
	defer s.Close()

	ctx := context.Background()
	l := Limit{Capacity: 50, RefillRate: 1}

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := s.Acquire(ctx, "hot", l); ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := granted.Load(); got != 50 {
		t.Errorf("granted %d tokens concurrently, want exactly 50", got)
	}
}

func TestMemoryStateSweep(t *testing.T) {
	clock := newFakeClock()
	s := NewMemoryState(WithClock(clock.Now), WithSweepInterval(0))
	defer s.Close()

	ctx := context.Background()
	l := Limit{Capacity: 2, RefillRate: 1}

	s.Acquire(ctx, "idle", l)
	s.Acquire(ctx, "busy", l)
	s.Acquire(ctx, "busy", l)

	clock.Advance(time.Second)
	if removed := s.Sweep(); removed != 1 {
		t.Errorf("Sweep removed %d, want 1 (only the refilled bucket)", removed)
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}

func TestLimiterKey(t *testing.T) {
	tests := []struct {
		strategy string
		clientID string
		want     string
	}{
		{"", "alice", "/api"},
		{KeyRoute, "alice", "/api"},
		{KeyClient, "alice", "/api|client:alice"},
		{KeyClient, "", "/api|ip:10.0.0.1"},
		{KeyIP, "alice", "/api|ip:10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.strategy+"/"+tt.clientID, func(t *testing.T) {
			l := NewLimiter("/api", config.RateLimitConfig{Key: tt.strategy}, nil)
			if got := l.Key(tt.clientID, "10.0.0.1"); got != tt.want {
				t.Errorf("Key = %q, want %q", got, tt.want)
			}
		})
	}
}

type errState struct{}

func (errState) Acquire(context.Context, string, Limit) (bool, error) {
	return false, fmt.Errorf("store down")
}

func (errState) Check(context.Context, string, Limit) (float64, error) {
	return 0, fmt.Errorf("store down")
}

func TestLimiterFailsOpen(t *testing.T) {
	l := NewLimiter("/api", config.RateLimitConfig{Capacity: 1, RefillRate: 1}, errState{})
	for i := 0; i < 3; i++ {
		if !l.TryAcquire(context.Background(), "/api") {
			t.Fatal("store errors must fail open")
		}
	}
	if got := l.Available(context.Background(), "/api"); got != 1 {
		t.Errorf("Available on store error = %v, want capacity", got)
	}
}

func TestLimiterCounters(t *testing.T) {
	s := NewMemoryState(WithSweepInterval(0))
	l := NewLimiter("/api", config.RateLimitConfig{Capacity: 2, RefillRate: 0}, s)
	defer l.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		l.TryAcquire(ctx, "/api")
	}
	snap := l.Snapshot()
	if snap.Allowed != 2 || snap.Rejected != 3 {
		t.Errorf("allowed/rejected = %d/%d, want 2/3", snap.Allowed, snap.Rejected)
	}
	if snap.Key != KeyRoute {
		t.Errorf("default key strategy = %q, want route", snap.Key)
	}
}

func limitedRoute(path string, capacity int) config.RouteConfig {
	return config.RouteConfig{
		Path:        path,
		Destination: "http://backend",
		RateLimit:   &config.RateLimitConfig{Enabled: true, Capacity: capacity, RefillRate: 0},
	}
}

func TestLimiterByRouteReconcile(t *testing.T) {
	lr := NewLimiterByRoute(nil)
	defer lr.Close()

	lr.Reconcile([]config.RouteConfig{limitedRoute("/a", 1), limitedRoute("/b", 1)})
	a, _ := lr.Get("/a")
	a.TryAcquire(context.Background(), "/a")

	lr.Reconcile([]config.RouteConfig{limitedRoute("/a", 1), limitedRoute("/b", 5)})

	a2, _ := lr.Get("/a")
	if a2 != a {
		t.Fatal("unchanged route must keep its limiter")
	}
	if a2.TryAcquire(context.Background(), "/a") {
		t.Error("kept limiter must keep its drained bucket")
	}
	if b, _ := lr.Get("/b"); b.Config().Capacity != 5 {
		t.Error("changed route must get a new limiter")
	}

	lr.Reconcile([]config.RouteConfig{limitedRoute("/b", 5)})
	if _, ok := lr.Get("/a"); ok {
		t.Error("removed route must be dropped")
	}
}

func TestLimiterByRouteDistributedWithoutRedisFallsBack(t *testing.T) {
	lr := NewLimiterByRoute(nil)
	defer lr.Close()

	rc := limitedRoute("/d", 1)
	rc.RateLimit.Mode = config.ModeDistributed
	lr.Reconcile([]config.RouteConfig{rc})

	l, ok := lr.Get("/d")
	if !ok {
		t.Fatal("limiter should exist")
	}
	if _, isMem := l.state.(*MemoryState); !isMem {
		t.Errorf("expected local fallback, got %T", l.state)
	}
}

func BenchmarkMemoryStateAcquire(b *testing.B) {
	s := NewMemoryState(WithSweepInterval(0))
	defer s.Close()
	ctx := context.Background()
	l := Limit{Capacity: 1 << 30, RefillRate: 1e9}

	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			s.Acquire(ctx, fmt.Sprintf("key-%d", i%128), l)
			i++
		}
	})
}
