package supervisor

import "time"

// BackoffPolicy configures restart delays and the circuit breaker.
type BackoffPolicy struct {
	Base time.Duration
	Max  time.Duration
	// RecoveredGrace is added to the current backoff to decide that a worker
	// has recovered since its previous failure.
	RecoveredGrace time.Duration
	// LongWindow is how close two failures must be to count toward the breaker.
	LongWindow time.Duration
	// MaxLongFailures opens the breaker when reached.
	MaxLongFailures int
}

// DefaultBackoffPolicy returns the reference restart policy.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Base:            5 * time.Second,
		Max:             5 * time.Minute,
		RecoveredGrace:  5 * time.Minute,
		LongWindow:      10 * time.Minute,
		MaxLongFailures: 3,
	}
}

// Backoff tracks the restart delay of one worker. It is a pure function of
// the failure times passed to Failure.
type Backoff struct {
	policy       BackoffPolicy
	current      time.Duration
	lastFailure  time.Time
	longFailures int
}

// NewBackoff creates a backoff at its base delay.
func NewBackoff(p BackoffPolicy) *Backoff {
	if p.Base <= 0 {
		p.Base = time.Second
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	if p.MaxLongFailures <= 0 {
		p.MaxLongFailures = 1
	}
	return &Backoff{policy: p, current: p.Base}
}

// Failure records a failure at now and returns the delay before the next
// restart. abort is true once the circuit breaker opens; the delay is then
// meaningless.
func (b *Backoff) Failure(now time.Time) (delay time.Duration, abort bool) {
	if !b.lastFailure.IsZero() {
		elapsed := now.Sub(b.lastFailure)
		switch {
		case elapsed > b.current+b.policy.RecoveredGrace:
			b.current = b.policy.Base
			b.longFailures = 0
		case b.current > b.policy.Base && elapsed <= b.policy.LongWindow:
			b.longFailures++
		}
	}
	b.lastFailure = now
	if b.longFailures >= b.policy.MaxLongFailures {
		return 0, true
	}
	delay = b.current
	b.current = min(b.current*2, b.policy.Max)
	return delay, false
}

// Current returns the delay the next failure will get.
func (b *Backoff) Current() time.Duration {
	return b.current
}

// LongFailures returns the breaker counter.
func (b *Backoff) LongFailures() int {
	return b.longFailures
}
