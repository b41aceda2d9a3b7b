// Package supervisor starts the platform workers, probes their liveness and
// restarts them with backoff until a circuit breaker gives up.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/pipebridge/internal/bus"
	"github.com/matheus3301/pipebridge/internal/metrics"
	"go.uber.org/zap"
)

// ErrCircuitOpen is returned by Run when a worker failed too often.
var ErrCircuitOpen = errors.New("supervisor: circuit breaker open")

var errStalled = errors.New("worker stalled")

// Worker is one restartable unit, an adapter plus its engines.
type Worker interface {
	Name() string
	// Run blocks until ctx is cancelled (returning nil) or the worker fails.
	Run(ctx context.Context) error
	// Heartbeat returns the last time the worker proved it was making
	// progress, or the zero time if it has not started.
	Heartbeat() time.Time
}

// Policy configures the supervisor.
type Policy struct {
	Backoff        BackoffPolicy
	ProbePeriod    time.Duration
	StallThreshold time.Duration
	Stagger        time.Duration
	Drain          time.Duration
}

// DefaultPolicy returns the reference supervisor policy.
func DefaultPolicy() Policy {
	return Policy{
		Backoff:        DefaultBackoffPolicy(),
		ProbePeriod:    10 * time.Second,
		StallThreshold: 2 * time.Minute,
		Stagger:        2 * time.Second,
		Drain:          5 * time.Second,
	}
}

// WorkerStatus is a snapshot of one supervised worker.
type WorkerStatus struct {
	Name      string
	State     State
	Since     time.Time
	RunID     string
	Restarts  int
	LastError string
	NextStart time.Time
}

type slot struct {
	worker  Worker
	machine *Machine
	backoff *Backoff

	// Guarded by Supervisor.mu.
	runID     string
	started   time.Time
	cancel    context.CancelFunc
	done      chan error
	exited    bool // the current run has returned
	restarts  int
	lastErr   error
	restartAt time.Time
}

// Supervisor owns the lifecycle of a fixed set of workers.
type Supervisor struct {
	policy Policy
	bus    *bus.Bus
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	slots []*slot
}

// New creates a supervisor for workers.
func New(policy Policy, b *bus.Bus, logger *zap.Logger, workers ...Worker) *Supervisor {
	s := &Supervisor{
		policy: policy,
		bus:    b,
		logger: logger.Named("supervisor"),
		now:    time.Now,
	}
	for _, w := range workers {
		s.slots = append(s.slots, &slot{
			worker:  w,
			machine: NewMachine(w.Name(), b),
			backoff: NewBackoff(policy.Backoff),
		})
	}
	return s
}

// Run starts every worker, staggered, then probes them every ProbePeriod.
// It returns nil after a graceful drain once ctx is cancelled, or
// ErrCircuitOpen after draining when a worker exhausted its restarts.
func (s *Supervisor) Run(ctx context.Context) error {
	for i, sl := range s.slots {
		if i > 0 && !sleepCtx(ctx, s.policy.Stagger) {
			s.drain()
			return nil
		}
		s.start(ctx, sl)
	}

	nextProbe := s.now().Add(s.policy.ProbePeriod)
	for {
		timer := time.NewTimer(s.nextWake(nextProbe))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("stop requested, draining workers")
			s.drain()
			return nil
		case <-timer.C:
		}

		now := s.now()
		if !now.Before(nextProbe) {
			if err := s.probe(now); err != nil {
				s.drain()
				return err
			}
			nextProbe = now.Add(s.policy.ProbePeriod)
		}
		s.restartDue(ctx, now)
	}
}

// Status returns a snapshot of every worker.
func (s *Supervisor) Status() []WorkerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WorkerStatus, 0, len(s.slots))
	for _, sl := range s.slots {
		st := WorkerStatus{
			Name:      sl.worker.Name(),
			State:     sl.machine.Current(),
			Since:     sl.machine.Since(),
			RunID:     sl.runID,
			Restarts:  sl.restarts,
			NextStart: sl.restartAt,
		}
		if sl.lastErr != nil {
			st.LastError = sl.lastErr.Error()
		}
		out = append(out, st)
	}
	return out
}

func (s *Supervisor) start(ctx context.Context, sl *slot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runID := uuid.NewString()
	name := sl.worker.Name()
	if err := sl.machine.Transition(Starting, runID); err != nil {
		s.logger.Error("cannot start worker", zap.String("worker", name), zap.Error(err))
		return
	}
	wctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	sl.runID, sl.started, sl.cancel, sl.done = runID, s.now(), cancel, done
	sl.exited, sl.restartAt = false, time.Time{}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("worker panic: %v", r)
			}
		}()
		done <- sl.worker.Run(wctx)
	}()

	_ = sl.machine.Transition(Running, runID)
	metrics.WorkerUp.WithLabelValues(name).Set(1)
	s.logger.Info("worker started", zap.String("worker", name), zap.String("run_id", runID))
}

// probe checks every running worker and schedules restarts for dead ones.
func (s *Supervisor) probe(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sl := range s.slots {
		if sl.machine.Current() != Running {
			continue
		}
		err, dead := s.liveness(sl, now)
		if !dead {
			continue
		}
		name := sl.worker.Name()
		sl.cancel()
		sl.lastErr = err
		metrics.WorkerUp.WithLabelValues(name).Set(0)
		_ = sl.machine.Transition(Failed, sl.runID)
		s.bus.Emit(bus.KindWorkerError, WorkerFailure{Worker: name, RunID: sl.runID, Err: err})

		delay, abort := sl.backoff.Failure(now)
		if abort {
			_ = sl.machine.Transition(Aborted, sl.runID)
			s.logger.Error("worker failed too often, giving up",
				zap.String("worker", name), zap.Int("long_window_failures", sl.backoff.LongFailures()), zap.Error(err))
			s.bus.Emit(bus.KindSupervisor, name)
			return fmt.Errorf("%w: worker %s: %v", ErrCircuitOpen, name, err)
		}
		sl.restartAt = now.Add(delay)
		s.logger.Warn("worker failed, restarting after backoff",
			zap.String("worker", name), zap.Duration("backoff", delay), zap.Error(err))
	}
	return nil
}

// liveness reports whether the worker has exited or stopped beating.
func (s *Supervisor) liveness(sl *slot, now time.Time) (error, bool) {
	select {
	case err := <-sl.done:
		sl.exited = true
		if err == nil {
			err = errors.New("worker exited")
		}
		return err, true
	default:
	}
	beat := sl.worker.Heartbeat()
	if beat.Before(sl.started) {
		beat = sl.started
	}
	if s.policy.StallThreshold > 0 && now.Sub(beat) > s.policy.StallThreshold {
		return fmt.Errorf("%w: no heartbeat for %s", errStalled, now.Sub(beat).Round(time.Second)), true
	}
	return nil, false
}

// restartDue starts failed workers whose backoff elapsed. A stalled run is
// only replaced once it has returned, so two runs never share an adapter.
func (s *Supervisor) restartDue(ctx context.Context, now time.Time) {
	var due []*slot
	s.mu.Lock()
	for _, sl := range s.slots {
		if sl.machine.Current() != Failed || sl.restartAt.IsZero() || now.Before(sl.restartAt) {
			continue
		}
		if !s.reaped(sl) {
			s.logger.Warn("previous run still active, postponing restart",
				zap.String("worker", sl.worker.Name()), zap.String("run_id", sl.runID))
			sl.restartAt = now.Add(s.policy.ProbePeriod)
			continue
		}
		sl.restarts++
		due = append(due, sl)
	}
	s.mu.Unlock()

	for _, sl := range due {
		metrics.WorkerRestarts.WithLabelValues(sl.worker.Name()).Inc()
		s.start(ctx, sl)
	}
}

// reaped reports whether the slot's last run has returned. Caller holds mu.
func (s *Supervisor) reaped(sl *slot) bool {
	if sl.exited {
		return true
	}
	select {
	case err := <-sl.done:
		sl.exited = true
		if err != nil {
			s.logger.Info("stalled run returned", zap.String("worker", sl.worker.Name()),
				zap.String("run_id", sl.runID), zap.Error(err))
		}
		return true
	default:
		return false
	}
}

func (s *Supervisor) nextWake(nextProbe time.Time) time.Duration {
	wake := nextProbe
	s.mu.Lock()
	for _, sl := range s.slots {
		if !sl.restartAt.IsZero() && sl.restartAt.Before(wake) {
			wake = sl.restartAt
		}
	}
	s.mu.Unlock()
	return max(wake.Sub(s.now()), 0)
}

// drain cancels every worker and waits up to the drain period for them to
// return, giving in-flight sends time to finish.
func (s *Supervisor) drain() {
	s.mu.Lock()
	var waits []*slot
	for _, sl := range s.slots {
		if sl.done != nil && !sl.exited {
			sl.cancel()
			waits = append(waits, sl)
		}
	}
	s.mu.Unlock()

	deadline := time.NewTimer(s.policy.Drain)
	defer deadline.Stop()
	for _, sl := range waits {
		name := sl.worker.Name()
		select {
		case err := <-sl.done:
			s.mu.Lock()
			sl.exited = true
			s.mu.Unlock()
			if err != nil {
				s.logger.Warn("worker returned error while draining", zap.String("worker", name), zap.Error(err))
			}
		case <-deadline.C:
			s.logger.Warn("drain period elapsed, abandoning worker", zap.String("worker", name))
			deadline.Reset(0)
		}
		s.mu.Lock()
		_ = sl.machine.Transition(Stopped, sl.runID)
		s.mu.Unlock()
		metrics.WorkerUp.WithLabelValues(name).Set(0)
	}
}

// WorkerFailure is the payload of worker error events.
type WorkerFailure struct {
	Worker string
	RunID  string
	Err    error
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
