// Package ratelimit implements fixed-window request rate limiting, either
// in-process or shared across instances through Redis. The Redis limiter
// fails open: an unreachable backend never turns into a 503 for clients.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limit describes a rate limit: at most Requests per Window.
type Limit struct {
	Requests int
	Window   time.Duration
}

// Result is the outcome of a single Allow call.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// Limiter decides whether a request identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string, limit Limit) (Result, error)
}

type window struct {
	count int
	reset time.Time
}

// MemoryLimiter is a per-process fixed-window limiter.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
}

// NewMemoryLimiter creates an in-process limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{windows: make(map[string]*window)}
}

// Allow counts a request against the key's current window.
func (l *MemoryLimiter) Allow(_ context.Context, key string, limit Limit) (Result, error) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.After(w.reset) {
		w = &window{reset: now.Add(limit.Window)}
		l.windows[key] = w
	}
	w.count++

	remaining := limit.Requests - w.count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   w.count <= limit.Requests,
		Limit:     limit.Requests,
		Remaining: remaining,
		Reset:     w.reset,
	}, nil
}

// Sweep drops windows that have already reset; run periodically.
func (l *MemoryLimiter) Sweep() int {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, w := range l.windows {
		if now.After(w.reset) {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}
