// Package ratelimit implements a per-user token bucket rate limiter for
// task admission. Thread-safe. No background goroutines — tokens are
// refilled lazily on each Allow call, and idle buckets are evicted by
// Prune, which the server runs on its maintenance schedule.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a user has exhausted their token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
}

// Limiter is a per-user token bucket rate limiter.
// Each user gets an independent bucket; one user cannot exhaust another's quota.
type Limiter struct {
	mu    sync.Mutex
	users map[string]*bucket
	rate  float64 // tokens per second
	burst float64 // max bucket capacity
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
// If RequestsPerMinute is 0, Allow always succeeds (unlimited).
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1 // safety floor
	}
	return &Limiter{
		users: make(map[string]*bucket),
		rate:  float64(cfg.RequestsPerMinute) / 60.0,
		burst: float64(burst),
	}
}

// Allow checks whether the user has tokens remaining.
// Consumes one token on success. Returns ErrRateLimited if the bucket is empty.
func (l *Limiter) Allow(userID string) error {
	// Unlimited mode.
	if l.rate <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.refill(userID, time.Now())
	if b.tokens < 1 {
		return ErrRateLimited
	}
	b.tokens--
	return nil
}

// Remaining reports the whole tokens left in the user's bucket without
// consuming any. Users with no bucket yet report a full burst.
func (l *Limiter) Remaining(userID string) int {
	if l.rate <= 0 {
		return -1 // unlimited
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return int(l.refill(userID, time.Now()).tokens)
}

// Prune evicts buckets idle for longer than maxIdle and returns how many
// were removed. An evicted user starts over with a full bucket, which is
// the same state a fully-refilled bucket would reach anyway.
func (l *Limiter) Prune(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	pruned := 0
	for userID, b := range l.users {
		if b.lastFill.Before(cutoff) {
			delete(l.users, userID)
			pruned++
		}
	}
	return pruned
}

// refill tops up the user's bucket for the time elapsed since the last
// fill, creating it full on first sight. Callers must hold l.mu.
func (l *Limiter) refill(userID string, now time.Time) *bucket {
	b, ok := l.users[userID]
	if !ok {
		b = &bucket{tokens: l.burst, lastFill: now}
		l.users[userID] = b
		return b
	}

	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens += elapsed * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastFill = now
	return b
}
