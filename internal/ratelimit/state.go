package ratelimit

import "context"

// Limit describes a token bucket: it holds at most Capacity tokens and
// refills continuously at RefillRate tokens per second.
type Limit struct {
	Capacity   int
	RefillRate float64
}

// State is the backing store for token buckets. Implementations must make
// refill-and-consume atomic per key.
type State interface {
	// Acquire consumes one token for key if one is available.
	Acquire(ctx context.Context, key string, l Limit) (bool, error)
	// Check reports the tokens available for key without consuming any.
	Check(ctx context.Context, key string, l Limit) (float64, error)
}
