// Package ratelimit implements per-destination outbound send admission.
package ratelimit

import (
	"sync"
	"time"
)

// Window is the rolling window the per-destination cap applies to.
const Window = time.Minute

// Limiter tracks the last N send times per destination. A destination is
// limited when its most recent send is younger than MinSpacing, or when its
// Nth most recent send is younger than Window.
type Limiter struct {
	mu         sync.Mutex
	perWindow  int
	minSpacing time.Duration
	now        func() time.Time
	history    map[string]*ring
	blocked    map[string]time.Time
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a limiter admitting perMinute sends per destination per Window
// with at least minSpacing between consecutive sends.
func New(perMinute int, minSpacing time.Duration, opts ...Option) *Limiter {
	if perMinute < 1 {
		perMinute = 1
	}
	l := &Limiter{
		perWindow:  perMinute,
		minSpacing: minSpacing,
		now:        time.Now,
		history:    make(map[string]*ring),
		blocked:    make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// IsHittingLimit reports whether a send to dest right now would break the limits.
func (l *Limiter) IsHittingLimit(dest string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limitedLocked(dest, l.now())
}

// RecordSend records a send to dest at the current time, evicting the oldest.
func (l *Limiter) RecordSend(dest string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.history[dest]
	if !ok {
		r = newRing(l.perWindow)
		l.history[dest] = r
	}
	r.push(l.now())
}

// Penalize blocks dest for d regardless of the local counters. It is used
// after the platform itself rejected a send as flooding.
func (l *Limiter) Penalize(dest string, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	until := l.now().Add(d)
	if until.After(l.blocked[dest]) {
		l.blocked[dest] = until
	}
}

// Sent returns how many sends to dest fall inside the current window.
func (l *Limiter) Sent(dest string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.history[dest]
	if !ok {
		return 0
	}
	now := l.now()
	n := 0
	for i := 0; i < r.len(); i++ {
		if now.Sub(r.recent(i)) < Window {
			n++
		}
	}
	return n
}

func (l *Limiter) limitedLocked(dest string, now time.Time) bool {
	if until, ok := l.blocked[dest]; ok {
		if now.Before(until) {
			return true
		}
		delete(l.blocked, dest)
	}
	r, ok := l.history[dest]
	if !ok || r.len() == 0 {
		return false
	}
	if now.Sub(r.recent(0)) < l.minSpacing {
		return true
	}
	return r.len() == l.perWindow && now.Sub(r.recent(l.perWindow-1)) < Window
}

// ring is a fixed-size buffer of send times, newest last.
type ring struct {
	stamps []time.Time
	next   int
	size   int
}

func newRing(n int) *ring {
	return &ring{stamps: make([]time.Time, n)}
}

func (r *ring) push(t time.Time) {
	r.stamps[r.next] = t
	r.next = (r.next + 1) % len(r.stamps)
	if r.size < len(r.stamps) {
		r.size++
	}
}

func (r *ring) len() int {
	return r.size
}

// recent returns the i-th most recent entry, 0 being the newest.
func (r *ring) recent(i int) time.Time {
	idx := (r.next - 1 - i + 2*len(r.stamps)) % len(r.stamps)
	return r.stamps[idx]
}
