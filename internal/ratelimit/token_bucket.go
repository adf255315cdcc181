package ratelimit

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a per-key token bucket rate limiter. State is
// process-local: the engine runs on a single host, so there is no shared
// backend to coordinate with.
type TokenBucket struct {
	mu       sync.Mutex
	buckets  map[string]*bucketState
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

type bucketState struct {
	tokens float64
	lastMs int64
}

// NewTokenBucket constructs a bucket with the provided capacity/refill.
// Idle keys are dropped after ttl.
func NewTokenBucket(capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		buckets:  make(map[string]*bucketState),
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// Allow consumes a single token for the given key if available.
// Returns allowed flag and current token count.
func (b *TokenBucket) Allow(_ context.Context, key string) (bool, float64, error) {
	now := time.Now().UnixMilli()

	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.buckets[key]
	if !ok || (b.ttl > 0 && now-state.lastMs > b.ttl.Milliseconds()) {
		state = &bucketState{tokens: float64(b.capacity), lastMs: now}
		b.buckets[key] = state
	}

	delta := now - state.lastMs
	if delta < 0 {
		delta = 0
	}
	state.tokens += float64(delta) / 1000 * b.refill
	if state.tokens > float64(b.capacity) {
		state.tokens = float64(b.capacity)
	}
	state.lastMs = now

	if state.tokens >= 1 {
		state.tokens--
		return true, state.tokens, nil
	}
	return false, state.tokens, nil
}
