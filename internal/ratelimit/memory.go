package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MemoryState keeps token buckets in process. Each key is backed by a
// rate.Limiter whose burst is the bucket capacity; the limiter's own lock
// covers refill and consume. A key's bucket keeps the Limit it was created
// with.
type MemoryState struct {
	buckets *shardedMap[*rate.Limiter]
	now     func() time.Time

	sweepInterval time.Duration
	done          chan struct{}
	closeOnce     sync.Once
}

// MemoryOption configures a MemoryState.
type MemoryOption func(*MemoryState)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryState) { s.now = now }
}

// WithSweepInterval sets how often full (idle) buckets are dropped. Zero
// disables the background sweep.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(s *MemoryState) { s.sweepInterval = d }
}

// NewMemoryState creates an in-process bucket store and starts its sweeper.
func NewMemoryState(opts ...MemoryOption) *MemoryState {
	s := &MemoryState{
		buckets:       newShardedMap[*rate.Limiter](),
		now:           time.Now,
		sweepInterval: time.Minute,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sweepInterval > 0 {
		go s.sweepLoop()
	}
	return s
}

func (s *MemoryState) bucket(key string, l Limit) *rate.Limiter {
	return s.buckets.getOrCreate(key, func() *rate.Limiter {
		// Created with a positive rate so the first advance fills it, then
		// pinned to our clock with the real rate.
		lim := rate.NewLimiter(1, l.Capacity)
		lim.SetLimitAt(s.now(), refillLimit(l.RefillRate))
		return lim
	})
}

// refillLimit maps a refill rate to a rate.Limit. A zero rate becomes the
// smallest positive one: rate.Limiter treats 0 as "burst only" and stops
// tracking tokens.
func refillLimit(perSecond float64) rate.Limit {
	if perSecond <= 0 {
		return rate.Limit(math.SmallestNonzeroFloat64)
	}
	return rate.Limit(perSecond)
}

// Acquire consumes one token for key if one is available.
func (s *MemoryState) Acquire(_ context.Context, key string, l Limit) (bool, error) {
	return s.bucket(key, l).AllowN(s.now(), 1), nil
}

// Check reports the tokens available for key without consuming any.
func (s *MemoryState) Check(_ context.Context, key string, l Limit) (float64, error) {
	lim, ok := s.buckets.get(key)
	if !ok {
		return float64(l.Capacity), nil
	}
	tokens := lim.TokensAt(s.now())
	if tokens < 0 {
		tokens = 0
	}
	return tokens, nil
}

// Len returns the number of tracked buckets.
func (s *MemoryState) Len() int {
	return s.buckets.len()
}

// Sweep drops buckets that have refilled to capacity. A full bucket is
// indistinguishable from a new one, so dropping it is not observable.
func (s *MemoryState) Sweep() int {
	now := s.now()
	return s.buckets.deleteFunc(func(_ string, lim *rate.Limiter) bool {
		return lim.TokensAt(now) >= float64(lim.Burst())
	})
}

func (s *MemoryState) sweepLoop() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.done:
			return
		}
	}
}

// Close stops the background sweeper.
func (s *MemoryState) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
