// Package ratelimit bounds how fast any one caller can push negotiations and
// validations through the gateway. Fixed-window counting per key, backed by
// Redis when available and process memory otherwise.
package ratelimit

import (
	"sync"
	"time"
)

// Decision reports one Allow call. ResetAt feeds the Retry-After header.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	Allow(key string, limit int) Decision
}

// InMemoryLimiter counts per-caller windows in process memory. It is the
// default for single-replica deployments and the fallback when Redis is down.
type InMemoryLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	windows map[string]callerWindow
}

type callerWindow struct {
	count   int
	resetAt time.Time
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		window:  window,
		windows: make(map[string]callerWindow),
	}
}

func (l *InMemoryLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evictExpired(now)
	curr, ok := l.windows[key]
	if !ok || now.After(curr.resetAt) {
		curr = callerWindow{resetAt: now.Add(l.window)}
	}
	curr.count++
	l.windows[key] = curr
	remaining := limit - curr.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   curr.count <= limit,
		Count:     curr.count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   curr.resetAt,
	}
}

func (l *InMemoryLimiter) evictExpired(now time.Time) {
	for k, w := range l.windows {
		if now.After(w.resetAt) {
			delete(l.windows, k)
		}
	}
}
