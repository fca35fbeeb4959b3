// Package ratelimit provides a sliding-window request limiter keyed by
// client IP, used to guard the room create and join endpoints.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter tracks request timestamps per key within a sliding window.
type Limiter struct {
	mu        sync.Mutex
	entries   map[string][]time.Time
	max       int
	window    time.Duration
	lastPrune time.Time
}

// New creates a Limiter allowing max requests per window per key.
func New(max int, window time.Duration) *Limiter {
	return &Limiter{
		entries:   make(map[string][]time.Time),
		max:       max,
		window:    window,
		lastPrune: time.Now(),
	}
}

// Allow returns true if the key has not exceeded the rate limit.
// If allowed, the request is recorded. At most once per window, stale
// keys are pruned so one-off clients do not accumulate forever.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-l.window)

	if now.Sub(l.lastPrune) >= l.window {
		l.pruneStale(cutoff)
		l.lastPrune = now
	}

	timestamps := l.entries[key]
	valid := timestamps[:0]
	for _, t := range timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= l.max {
		l.entries[key] = valid
		return false
	}

	l.entries[key] = append(valid, now)
	return true
}

// Prune drops keys with no activity inside the window, bounding memory
// for long-running processes.
func (l *Limiter) Prune() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneStale(time.Now().Add(-l.window))
}

// pruneStale removes keys with no timestamps after cutoff. Caller must
// hold mu.
func (l *Limiter) pruneStale(cutoff time.Time) {
	for key, timestamps := range l.entries {
		active := false
		for _, t := range timestamps {
			if t.After(cutoff) {
				active = true
				break
			}
		}
		if !active {
			delete(l.entries, key)
		}
	}
}

// Keys returns the number of tracked keys.
func (l *Limiter) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
