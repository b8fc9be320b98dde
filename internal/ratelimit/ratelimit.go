// Package ratelimit provides per-category sliding-window admission control
// for outbound API calls. Categories (quotes, orders, account, ...) are
// independent so a quote burst cannot starve order placement.
package ratelimit

import (
	"sync"
	"time"
)

// Limit bounds one category to MaxRequests per Window.
type Limit struct {
	MaxRequests int
	Window      time.Duration
}

type window struct {
	limit Limit
	times []time.Time // admission timestamps, oldest first
}

// Limiter is a sliding-window rate limiter keyed by call category. It is
// safe for concurrent use; it is one of the two structures in the system
// shared across worker goroutines.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	def     Limit
	now     func() time.Time
}

// New creates a Limiter. def applies to categories not registered via
// SetLimit.
func New(def Limit) *Limiter {
	return &Limiter{
		windows: make(map[string]*window),
		def:     def,
		now:     time.Now,
	}
}

// SetLimit registers a per-category limit. Existing admission history for
// the category is kept.
func (l *Limiter) SetLimit(category string, limit Limit) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.win(category)
	w.limit = limit
}

// Allow reports whether a request in category may proceed right now. On
// allow the request is counted; a deny has no side effect.
func (l *Limiter) Allow(category string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w := l.win(category)
	w.prune(now)

	if len(w.times) >= w.limit.MaxRequests {
		return false
	}
	w.times = append(w.times, now)
	return true
}

// WaitTime returns how long until the next request in category could be
// admitted. Zero means a request would be admitted immediately.
func (l *Limiter) WaitTime(category string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w := l.win(category)
	w.prune(now)

	if len(w.times) < w.limit.MaxRequests {
		return 0
	}
	if len(w.times) == 0 {
		// MaxRequests <= 0 admits nothing; there is no timestamp whose
		// expiry would free a slot.
		return w.limit.Window
	}
	wait := w.times[0].Add(w.limit.Window).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// win returns the window for category, creating it with the default limit.
// Caller must hold mu.
func (l *Limiter) win(category string) *window {
	w, ok := l.windows[category]
	if !ok {
		w = &window{limit: l.def}
		l.windows[category] = w
	}
	return w
}

// prune drops timestamps that have slid out of the window.
func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.limit.Window)
	i := 0
	for i < len(w.times) && !w.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.times = append(w.times[:0], w.times[i:]...)
	}
}
