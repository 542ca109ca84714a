package circuitbreaker

import (
	"time"

	"go.uber.org/zap"

	"github.com/wudi/gatekeeper/internal/byroute"
	"github.com/wudi/gatekeeper/internal/config"
	"github.com/wudi/gatekeeper/internal/logging"
)

// BreakerByRoute manages one circuit breaker per route path.
type BreakerByRoute struct {
	byroute.Manager[*Breaker]
	now      func() time.Time
	onChange func(route string, from, to State)
}

// NewBreakerByRoute creates a new route-based circuit breaker manager.
func NewBreakerByRoute() *BreakerByRoute {
	return &BreakerByRoute{now: time.Now}
}

// SetClock replaces time.Now for breakers created afterwards.
func (br *BreakerByRoute) SetClock(now func() time.Time) {
	br.now = now
}

// OnStateChange registers a callback for transitions of any breaker
// created afterwards.
func (br *BreakerByRoute) OnStateChange(fn func(route string, from, to State)) {
	br.onChange = fn
}

// Reconcile makes the set of breakers match routes. A breaker whose route
// keeps the same settings is kept with its state; changed routes get a
// fresh breaker; removed or disabled routes are dropped.
func (br *BreakerByRoute) Reconcile(routes []config.RouteConfig) {
	keep := make(map[string]bool, len(routes))
	for _, rc := range routes {
		if rc.CircuitBreaker == nil || !rc.CircuitBreaker.Enabled {
			continue
		}
		keep[rc.Path] = true
		if existing, ok := br.Get(rc.Path); ok && existing.Config() == *rc.CircuitBreaker {
			continue
		}
		br.Add(rc.Path, br.newBreaker(rc.Path, *rc.CircuitBreaker))
	}
	br.Retain(keep)
}

func (br *BreakerByRoute) newBreaker(route string, cfg config.CircuitBreakerConfig) *Breaker {
	onChange := br.onChange
	return NewBreaker(cfg,
		WithClock(br.now),
		WithStateChange(func(from, to State) {
			logging.Info("circuit breaker state changed",
				zap.String("route", route),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if onChange != nil {
				onChange(route, from, to)
			}
		}),
	)
}

// Snapshots returns snapshots of all circuit breakers
func (br *BreakerByRoute) Snapshots() map[string]BreakerSnapshot {
	result := make(map[string]BreakerSnapshot, br.Len())
	br.Range(func(route string, b *Breaker) bool {
		result[route] = b.Snapshot()
		return true
	})
	return result
}
