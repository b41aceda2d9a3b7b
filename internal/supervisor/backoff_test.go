package supervisor

import (
	"testing"
	"time"
)

func TestBackoffDoubles(t *testing.T) {
	b := NewBackoff(DefaultBackoffPolicy())
	t0 := time.Unix(1_700_000_000, 0)

	// Each failure happens right after the previous restart.
	at := t0
	var got []time.Duration
	for range 3 {
		d, abort := b.Failure(at)
		if abort {
			t.Fatalf("breaker opened after %d failures", len(got)+1)
		}
		got = append(got, d)
		at = at.Add(d + time.Second)
	}
	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delay[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestBackoffResetsAfterRecovery(t *testing.T) {
	b := NewBackoff(DefaultBackoffPolicy())
	t0 := time.Unix(1_700_000_000, 0)

	b.Failure(t0)
	b.Failure(t0.Add(6 * time.Second))
	if b.Current() != 20*time.Second {
		t.Fatalf("Current = %s, want 20s", b.Current())
	}

	// Stable for longer than current + grace.
	d, abort := b.Failure(t0.Add(6*time.Second + 20*time.Second + 5*time.Minute + time.Second))
	if abort {
		t.Fatal("unexpected abort")
	}
	if d != 5*time.Second {
		t.Errorf("delay after recovery = %s, want 5s", d)
	}
	if b.LongFailures() != 0 {
		t.Errorf("LongFailures = %d, want 0", b.LongFailures())
	}
}

func TestBackoffOpensBreaker(t *testing.T) {
	b := NewBackoff(DefaultBackoffPolicy())
	at := time.Unix(1_700_000_000, 0)

	failures := 0
	for {
		failures++
		d, abort := b.Failure(at)
		if abort {
			break
		}
		if failures > 10 {
			t.Fatal("breaker never opened")
		}
		at = at.Add(d + time.Second)
	}
	// The first failure starts at base and does not count.
	if failures != 4 {
		t.Errorf("breaker opened on failure %d, want 4", failures)
	}
}

func TestBackoffCapsAtMax(t *testing.T) {
	p := DefaultBackoffPolicy()
	p.MaxLongFailures = 100
	p.LongWindow = time.Hour
	b := NewBackoff(p)
	at := time.Unix(1_700_000_000, 0)
	var d time.Duration
	for range 10 {
		d, _ = b.Failure(at)
		at = at.Add(d)
	}
	if d != p.Max {
		t.Errorf("delay = %s, want capped at %s", d, p.Max)
	}
}

func TestBackoffSlowFailuresDoNotCount(t *testing.T) {
	p := DefaultBackoffPolicy()
	p.LongWindow = 30 * time.Second
	b := NewBackoff(p)
	at := time.Unix(1_700_000_000, 0)

	b.Failure(at)
	at = at.Add(10 * time.Second)
	b.Failure(at)
	if b.LongFailures() != 1 {
		t.Fatalf("LongFailures = %d, want 1", b.LongFailures())
	}
	at = at.Add(time.Minute)
	if _, abort := b.Failure(at); abort {
		t.Fatal("unexpected abort")
	}
	if b.LongFailures() != 1 {
		t.Errorf("LongFailures = %d, want 1 (failure outside the long window)", b.LongFailures())
	}
}
