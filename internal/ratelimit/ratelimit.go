// Package ratelimit implements the per-key sliding-window limiter applied to
// inbound webhook traffic.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter allows at most maxCalls events per key within a sliding window.
type Limiter struct {
	mu       sync.Mutex
	maxCalls int
	window   time.Duration
	calls    map[string][]time.Time
	now      func() time.Time
}

// New builds a limiter. maxCalls <= 0 disables limiting.
func New(maxCalls int, window time.Duration) *Limiter {
	return &Limiter{
		maxCalls: maxCalls,
		window:   window,
		calls:    make(map[string][]time.Time),
		now:      time.Now,
	}
}

// Allow records one call for key and reports whether it fits the window.
func (l *Limiter) Allow(key string) bool {
	if l.maxCalls <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	recent := l.calls[key][:0]
	for _, t := range l.calls[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) >= l.maxCalls {
		l.calls[key] = recent
		return false
	}
	l.calls[key] = append(recent, now)
	return true
}

// Reset forgets all recorded calls for key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.calls, key)
}
