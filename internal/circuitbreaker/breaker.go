package circuitbreaker

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wudi/gatekeeper/internal/config"
)

// ErrOpen is returned by Allow while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing, reject requests
	StateHalfOpen              // Single trial in progress
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Ticket is handed out by Allow and returned through Record or Release.
// Outcomes carrying a ticket from an earlier generation are ignored, so a
// slow request admitted before a transition cannot decide the new state.
type Ticket struct {
	generation uint64
	trial      bool
}

// Trial reports whether this ticket is the single HalfOpen trial.
func (t Ticket) Trial() bool { return t.trial }

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithStateChange registers a callback run after every transition. It is
// called with the breaker's lock released.
func WithStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) { b.onStateChange = fn }
}

// Breaker is a per-route failure state machine.
type Breaker struct {
	mu             sync.Mutex
	state          State
	failures       int
	generation     uint64
	trialInFlight  bool
	lastTransition time.Time

	cfg           config.CircuitBreakerConfig
	now           func() time.Time
	onStateChange func(from, to State)

	totalRequests  atomic.Int64
	totalFailures  atomic.Int64
	totalSuccesses atomic.Int64
	totalRejected  atomic.Int64
}

// NewBreaker creates a breaker in the Closed state.
func NewBreaker(cfg config.CircuitBreakerConfig, opts ...Option) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	b := &Breaker{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	b.lastTransition = b.now()
	return b
}

// Config returns the settings the breaker was built with.
func (b *Breaker) Config() config.CircuitBreakerConfig {
	return b.cfg
}

// Allow decides whether a backend call may proceed. In Open, the first
// caller after the cooldown moves the breaker to HalfOpen and receives the
// trial ticket; everyone else is rejected until the trial is recorded.
func (b *Breaker) Allow() (Ticket, error) {
	b.totalRequests.Add(1)

	b.mu.Lock()
	var (
		t       Ticket
		err     error
		changed bool
		from    = b.state
	)
	switch b.state {
	case StateClosed:
		t = Ticket{generation: b.generation}

	case StateOpen:
		if b.now().Sub(b.lastTransition) >= b.cfg.Cooldown {
			b.setStateLocked(StateHalfOpen)
			b.trialInFlight = true
			t = Ticket{generation: b.generation, trial: true}
			changed = true
		} else {
			err = ErrOpen
		}

	case StateHalfOpen:
		if b.trialInFlight {
			err = ErrOpen
		} else {
			b.trialInFlight = true
			t = Ticket{generation: b.generation, trial: true}
		}
	}
	b.mu.Unlock()

	if err != nil {
		b.totalRejected.Add(1)
		return Ticket{}, err
	}
	if changed {
		b.notify(from, StateHalfOpen)
	}
	return t, nil
}

// Record reports the outcome of a call admitted by Allow.
func (b *Breaker) Record(t Ticket, success bool) {
	if success {
		b.totalSuccesses.Add(1)
	} else {
		b.totalFailures.Add(1)
	}

	b.mu.Lock()
	if t.generation != b.generation {
		b.mu.Unlock()
		return
	}
	from := b.state
	switch b.state {
	case StateClosed:
		if success {
			b.failures = 0
		} else {
			b.failures++
			if b.failures >= b.cfg.FailureThreshold {
				b.setStateLocked(StateOpen)
			}
		}

	case StateHalfOpen:
		if !t.trial {
			break
		}
		b.trialInFlight = false
		if success {
			b.setStateLocked(StateClosed)
		} else {
			b.setStateLocked(StateOpen)
		}
	}
	to := b.state
	b.mu.Unlock()

	if from != to {
		b.notify(from, to)
	}
}

// Release returns a ticket whose call never produced an outcome, e.g. the
// client went away. A released trial lets the next caller try instead.
func (b *Breaker) Release(t Ticket) {
	if !t.trial {
		return
	}
	b.mu.Lock()
	if t.generation == b.generation && b.state == StateHalfOpen {
		b.trialInFlight = false
	}
	b.mu.Unlock()
}

// setStateLocked moves to state, opening a new generation. Entering Closed
// resets the failure count; entering Open restarts the cooldown.
func (b *Breaker) setStateLocked(state State) {
	b.state = state
	b.generation++
	b.lastTransition = b.now()
	if state == StateClosed {
		b.failures = 0
	}
	if state != StateHalfOpen {
		b.trialInFlight = false
	}
}

func (b *Breaker) notify(from, to State) {
	if b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}

// State returns the current state without side effects. An Open breaker
// whose cooldown has elapsed still reports Open until the next Allow.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a point-in-time view of the breaker state
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BreakerSnapshot{
		State:            b.state.String(),
		FailureCount:     b.failures,
		FailureThreshold: b.cfg.FailureThreshold,
		Cooldown:         b.cfg.Cooldown.String(),
		LastTransition:   b.lastTransition,
		TotalRequests:    b.totalRequests.Load(),
		TotalFailures:    b.totalFailures.Load(),
		TotalSuccesses:   b.totalSuccesses.Load(),
		TotalRejected:    b.totalRejected.Load(),
	}
}

// BreakerSnapshot is a point-in-time view of a circuit breaker
type BreakerSnapshot struct {
	State            string    `json:"state"`
	FailureCount     int       `json:"failure_count"`
	FailureThreshold int       `json:"failure_threshold"`
	Cooldown         string    `json:"cooldown"`
	LastTransition   time.Time `json:"last_transition"`
	TotalRequests    int64     `json:"total_requests"`
	TotalFailures    int64     `json:"total_failures"`
	TotalSuccesses   int64     `json:"total_successes"`
	TotalRejected    int64     `json:"total_rejected"`
}

// IsFailure classifies a backend outcome. Transport errors, timeouts and
// 5xx responses are failures; everything else, 4xx included, is a success.
func IsFailure(status int, err error) bool {
	if err != nil {
		return true
	}
	return status >= http.StatusInternalServerError
}

// IsTimeout reports whether err is a backend timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
