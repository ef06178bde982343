// Package ratelimit implements the per-connection fixed-window counter used
// to throttle chat sends.
package ratelimit

import (
	"sync"
	"time"

	"github.com/zigzag/zzchat/clock"
)

const (
	DefaultLimit  = 30
	DefaultWindow = time.Minute
)

// Decision is the outcome of a Check.
type Decision int

const (
	Allowed Decision = iota
	Limited
)

func (d Decision) String() string {
	if d == Limited {
		return "limited"
	}
	return "allowed"
}

type window struct {
	count   int
	resetAt time.Time
}

// Limiter counts events per key in fixed windows. Bursts straddling a window
// boundary can reach twice the limit; in exchange every key costs one small
// struct and every check is O(1).
type Limiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	clock   clock.Clock
	windows map[string]*window
}

// New returns a Limiter allowing limit events per window for each key.
// Non-positive arguments fall back to the defaults and a nil clock to the
// real one.
func New(limit int, w time.Duration, clk clock.Clock) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if w <= 0 {
		w = DefaultWindow
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Limiter{
		limit:   limit,
		window:  w,
		clock:   clk,
		windows: make(map[string]*window),
	}
}

// Check records one event for key and reports whether it is within the
// limit. A limited event still counts.
func (l *Limiter) Check(key string) Decision {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok {
		w = &window{resetAt: now.Add(l.window)}
		l.windows[key] = w
	}
	if now.After(w.resetAt) {
		w.count = 0
		w.resetAt = now.Add(l.window)
	}
	w.count++

	if w.count > l.limit {
		return Limited
	}
	return Allowed
}

// Release discards the state for key. Sessions call it on close so a new
// connection always starts with a fresh window.
func (l *Limiter) Release(key string) {
	l.mu.Lock()
	delete(l.windows, key)
	l.mu.Unlock()
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Close drops all state.
func (l *Limiter) Close() {
	l.mu.Lock()
	l.windows = make(map[string]*window)
	l.mu.Unlock()
}
