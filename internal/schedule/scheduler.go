// Package schedule runs periodic tasks from a single cooperative driver loop.
package schedule

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultQuantum is the driver loop's sleep between iterations.
const DefaultQuantum = 200 * time.Millisecond

// TaskFunc is the body of a periodic task.
type TaskFunc func(ctx context.Context) error

// Task is a periodic unit of work. A task is due once the current time
// reaches its next due time; after it runs, the next due time becomes the
// call time plus Interval (plus a random share of Jitter, if set).
type Task struct {
	Name     string
	Interval time.Duration
	Jitter   time.Duration
	Run      TaskFunc

	nextDue time.Time
	lastRun time.Time
}

// LastRun returns when the task was last invoked.
func (t *Task) LastRun() time.Time {
	return t.lastRun
}

// Scheduler drives a table of tasks. Tasks run one at a time on the
// goroutine calling Run, so a task never overlaps itself.
type Scheduler struct {
	tasks   []*Task
	quantum time.Duration
	now     func() time.Time
	logger  *zap.Logger

	beat atomic.Int64
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithQuantum sets the driver loop resolution.
func WithQuantum(d time.Duration) Option {
	return func(s *Scheduler) { s.quantum = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates an empty scheduler.
func New(logger *zap.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		quantum: DefaultQuantum,
		now:     time.Now,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a task. It is due on the first tick.
func (s *Scheduler) Add(name string, interval time.Duration, run TaskFunc) *Task {
	return s.AddTask(&Task{Name: name, Interval: interval, Run: run})
}

// AddTask registers a fully specified task.
func (s *Scheduler) AddTask(t *Task) *Task {
	s.tasks = append(s.tasks, t)
	return t
}

// Tick runs every due task once. Non-fatal task errors are logged; the first
// fatal error stops the tick and is returned.
func (s *Scheduler) Tick(ctx context.Context) error {
	for _, t := range s.tasks {
		called := s.now()
		if called.Before(t.nextDue) {
			continue
		}
		t.lastRun = called
		err := t.Run(ctx)
		t.nextDue = called.Add(t.Interval + jitter(t.Jitter))
		if err == nil {
			continue
		}
		if IsFatal(err) {
			return err
		}
		s.logger.Warn("task failed", zap.String("task", t.Name), zap.Error(err))
	}
	return nil
}

// Run drives the tasks until ctx is cancelled or a task fails fatally.
// Cancellation is observed between ticks only; tasks get a context that is
// not cancelled with ctx so an in-flight send is never cut short.
func (s *Scheduler) Run(ctx context.Context) error {
	taskCtx := context.WithoutCancel(ctx)
	ticker := time.NewTicker(s.quantum)
	defer ticker.Stop()

	for {
		s.beat.Store(s.now().UnixNano())
		if err := s.Tick(taskCtx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// LastBeat returns the start time of the most recent driver iteration, or
// the zero time if Run has not started.
func (s *Scheduler) LastBeat() time.Time {
	ns := s.beat.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}

type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return "fatal: " + e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks err as fatal for the owning scheduler. Fatal(nil) is nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err was marked with Fatal.
func IsFatal(err error) bool {
	var f *fatalError
	return errors.As(err, &f)
}
