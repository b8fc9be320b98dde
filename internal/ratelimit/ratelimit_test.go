package ratelimit

import (
	"testing"
	"time"
)

// fakeClock lets tests advance time deterministically.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(max int, window time.Duration) (*Limiter, *fakeClock) {
	clk := &fakeClock{t: time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC)}
	l := New(Limit{MaxRequests: max, Window: window})
	l.now = clk.now
	return l, clk
}

func TestAllowWithinLimit(t *testing.T) {
	l, _ := newTestLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !l.Allow("orders") {
			t.Fatalf("request %d should be admitted", i+1)
		}
	}
	if l.Allow("orders") {
		t.Fatal("fourth request should be denied")
	}
}

func TestZeroLimitCategory(t *testing.T) {
	l, _ := newTestLimiter(0, time.Minute)

	if l.Allow("orders") {
		t.Fatal("zero-limit category must admit nothing")
	}
	if got := l.WaitTime("orders"); got != time.Minute {
		t.Fatalf("WaitTime = %v, want the full window", got)
	}
}

func TestDenyHasNoSideEffect(t *testing.T) {
	l, clk := newTestLimiter(1, time.Minute)

	if !l.Allow("orders") {
		t.Fatal("first request should be admitted")
	}
	// Repeated denies must not extend the window.
	for i := 0; i < 5; i++ {
		if l.Allow("orders") {
			t.Fatal("should be denied while window is full")
		}
	}
	clk.advance(time.Minute + time.Millisecond)
	if !l.Allow("orders") {
		t.Fatal("should be admitted after the window slides")
	}
}

func TestWindowSlides(t *testing.T) {
	l, clk := newTestLimiter(2, time.Minute)

	l.Allow("quotes")
	clk.advance(30 * time.Second)
	l.Allow("quotes")

	if l.Allow("quotes") {
		t.Fatal("window full, should deny")
	}
	// First admission expires at t+60s.
	clk.advance(31 * time.Second)
	if !l.Allow("quotes") {
		t.Fatal("oldest entry expired, should admit")
	}
}

func TestWaitTime(t *testing.T) {
	l, clk := newTestLimiter(1, time.Minute)

	if got := l.WaitTime("account"); got != 0 {
		t.Fatalf("empty window wait = %v, want 0", got)
	}
	l.Allow("account")
	if got := l.WaitTime("account"); got != time.Minute {
		t.Fatalf("wait = %v, want %v", got, time.Minute)
	}
	clk.advance(40 * time.Second)
	if got := l.WaitTime("account"); got != 20*time.Second {
		t.Fatalf("wait = %v, want %v", got, 20*time.Second)
	}
	clk.advance(20 * time.Second)
	if got := l.WaitTime("account"); got != 0 {
		t.Fatalf("wait = %v, want 0", got)
	}
}

func TestCategoriesAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(1, time.Minute)
	l.SetLimit("orders", Limit{MaxRequests: 2, Window: time.Minute})

	if !l.Allow("quotes") {
		t.Fatal("quotes should admit")
	}
	if l.Allow("quotes") {
		t.Fatal("quotes should be exhausted")
	}
	// A saturated quotes category must not affect orders.
	if !l.Allow("orders") || !l.Allow("orders") {
		t.Fatal("orders category should admit independently")
	}
}

// TestSlidingBound verifies that the number of admissions in any
// window-sized interval never exceeds the configured maximum.
func TestSlidingBound(t *testing.T) {
	const max = 5
	window := time.Minute
	l, clk := newTestLimiter(max, window)

	var admitted []time.Time
	for i := 0; i < 600; i++ {
		if l.Allow("orders") {
			admitted = append(admitted, clk.t)
		}
		clk.advance(time.Second)
	}

	for i := range admitted {
		count := 1
		for j := i + 1; j < len(admitted); j++ {
			if admitted[j].Sub(admitted[i]) <= window {
				count++
			}
		}
		if count > max+1 { // endpoints one full window apart are disjoint admissions
			t.Fatalf("interval starting %v admitted %d > %d", admitted[i], count, max)
		}
	}
}
