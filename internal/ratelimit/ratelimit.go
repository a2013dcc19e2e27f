// Package ratelimit implements a sliding-window limiter keyed by connection
// id or source address.
package ratelimit

import (
	"sync"
	"time"
)

const (
	DefaultMessageRateLimit      = 10
	DefaultRegistrationRateLimit = 5
	DefaultWindowSize            = time.Second

	cleanupInterval = 5 * time.Minute
	// Keys idle for this many windows are dropped by the periodic cleanup.
	idleWindows = 10
)

type RateLimiter struct {
	mu          sync.Mutex
	requests    map[string][]time.Time
	limit       int
	window      time.Duration
	cleanupTime time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow records a request for key and reports whether it fits in the window.
// Rejected requests are not recorded.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.After(rl.cleanupTime) {
		rl.cleanup(now)
		rl.cleanupTime = now.Add(cleanupInterval)
	}

	recent := prune(rl.requests[key], now.Add(-rl.window))
	if len(recent) >= rl.limit {
		rl.requests[key] = recent
		return false
	}
	rl.requests[key] = append(recent, now)
	return true
}

// Forget drops the history of a key, e.g. when its connection closes.
func (rl *RateLimiter) Forget(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.requests, key)
}

func (rl *RateLimiter) cleanup(now time.Time) {
	cutoff := now.Add(-idleWindows * rl.window)
	for key, times := range rl.requests {
		if recent := prune(times, cutoff); len(recent) > 0 {
			rl.requests[key] = recent
		} else {
			delete(rl.requests, key)
		}
	}
}

// prune keeps the timestamps after cutoff, reusing the backing array.
func prune(times []time.Time, cutoff time.Time) []time.Time {
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
