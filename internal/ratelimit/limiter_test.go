package ratelimit

import (
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(perMinute int) (*Limiter, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	return New(perMinute, time.Second, WithClock(clk.now)), clk
}

func TestUnknownDestinationIsNotLimited(t *testing.T) {
	l, _ := newTestLimiter(20)
	if l.IsHittingLimit("chat") {
		t.Error("destination without history should not be limited")
	}
}

func TestMinimumSpacing(t *testing.T) {
	l, clk := newTestLimiter(20)
	l.RecordSend("chat")

	clk.advance(999 * time.Millisecond)
	if !l.IsHittingLimit("chat") {
		t.Error("send under 1s after the previous one should be limited")
	}
	if l.IsHittingLimit("other") {
		t.Error("limits are per destination")
	}

	clk.advance(time.Millisecond)
	if l.IsHittingLimit("chat") {
		t.Error("send 1s after the previous one should be allowed")
	}
}

func TestPerMinuteCap(t *testing.T) {
	l, clk := newTestLimiter(20)
	start := clk.t
	for i := 0; i < 20; i++ {
		if l.IsHittingLimit("chat") {
			t.Fatalf("send %d limited too early", i)
		}
		l.RecordSend("chat")
		clk.advance(time.Second)
	}

	// 20 sends in the last 20s: the 21st must wait until the first leaves the window.
	if !l.IsHittingLimit("chat") {
		t.Fatal("21st send inside the window should be limited")
	}
	clk.t = start.Add(Window - time.Millisecond)
	if !l.IsHittingLimit("chat") {
		t.Error("still inside the window")
	}
	clk.t = start.Add(Window)
	if l.IsHittingLimit("chat") {
		t.Error("oldest send left the window, should be allowed")
	}
}

// TestRollingWindowBound drives the limiter the way the relay does and checks
// that no 60s window ever holds more than N sends and spacing is never under 1s.
func TestRollingWindowBound(t *testing.T) {
	const n = 5
	l, clk := newTestLimiter(n)
	var sends []time.Time
	for step := 0; step < 2000; step++ {
		if !l.IsHittingLimit("chat") {
			l.RecordSend("chat")
			sends = append(sends, clk.t)
		}
		clk.advance(250 * time.Millisecond)
	}

	for i := range sends {
		if i > 0 && sends[i].Sub(sends[i-1]) < time.Second {
			t.Fatalf("sends %d and %d are %v apart", i-1, i, sends[i].Sub(sends[i-1]))
		}
		if i >= n && sends[i].Sub(sends[i-n]) < Window {
			t.Fatalf("%d sends within %v", n+1, sends[i].Sub(sends[i-n]))
		}
	}
	if len(sends) < n {
		t.Fatalf("only %d sends admitted", len(sends))
	}
}

func TestPenalize(t *testing.T) {
	l, clk := newTestLimiter(20)
	l.Penalize("chat", 30*time.Second)
	if !l.IsHittingLimit("chat") {
		t.Error("penalized destination should be limited")
	}
	clk.advance(30 * time.Second)
	if l.IsHittingLimit("chat") {
		t.Error("penalty should expire")
	}
}

func TestSent(t *testing.T) {
	l, clk := newTestLimiter(20)
	l.RecordSend("chat")
	clk.advance(2 * time.Second)
	l.RecordSend("chat")
	if got := l.Sent("chat"); got != 2 {
		t.Errorf("Sent = %d, want 2", got)
	}
	clk.advance(Window)
	if got := l.Sent("chat"); got != 0 {
		t.Errorf("Sent after window = %d, want 0", got)
	}
}
