// Package side assembles one platform's adapter, relay engine, pairing
// controller and user roster into a worker the supervisor can restart.
package side

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/matheus3301/pipebridge/internal/pairing"
	"github.com/matheus3301/pipebridge/internal/platform"
	"github.com/matheus3301/pipebridge/internal/relay"
	"github.com/matheus3301/pipebridge/internal/roster"
	"github.com/matheus3301/pipebridge/internal/schedule"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrInboundClosed is returned by Run when the adapter's receive stream ends.
var ErrInboundClosed = errors.New("inbound stream closed")

// ErrAlreadyRunning is returned by Run while a previous Run has not returned.
var ErrAlreadyRunning = errors.New("worker already running")

// Replies to preference commands.
const (
	ReplyTimeOn   = "Time updates enabled"
	ReplyTimeOff  = "Time updates disabled"
	ReplyNotifyOn = "Notifications enabled"
	ReplyMuted    = "Notifications disabled"
)

// Intervals are the periods of the worker's scheduled tasks. A zero period
// disables the task.
type Intervals struct {
	Ingest        time.Duration
	Deliver       time.Duration
	Pairing       time.Duration
	PairingExpire time.Duration
	UserFlush     time.Duration
	TimeNotice    time.Duration
	// Presence sampling runs every ObserveMin plus up to ObserveJitter.
	ObserveMin    time.Duration
	ObserveJitter time.Duration
}

// DefaultIntervals returns the reference task periods.
func DefaultIntervals() Intervals {
	return Intervals{
		Ingest:        2 * time.Second,
		Deliver:       4 * time.Second,
		Pairing:       3 * time.Second,
		PairingExpire: 10 * time.Minute,
		UserFlush:     20 * time.Second,
		TimeNotice:    20 * time.Second,
		ObserveMin:    5 * time.Minute,
		ObserveJitter: 25 * time.Minute,
	}
}

// Config holds the parts of a worker.
type Config struct {
	Name      string
	Adapter   platform.Adapter
	Relay     *relay.Engine
	Pairing   *pairing.Controller
	Roster    *roster.Roster
	Intervals Intervals
	// ExpirePending runs the pending pipe purge on this worker. Only one
	// side needs to.
	ExpirePending bool
	// Observe samples presence when the adapter is a platform.PresenceSource.
	Observe bool
	Quantum time.Duration
}

// Worker runs one side. The relay engine, pairing controller and roster
// outlive a single Run, so queued work survives restarts.
type Worker struct {
	cfg    Config
	logger *zap.Logger

	sched   atomic.Pointer[schedule.Scheduler]
	loaded  atomic.Bool
	running atomic.Bool
}

// New creates a worker.
func New(cfg Config, logger *zap.Logger) *Worker {
	if cfg.Quantum <= 0 {
		cfg.Quantum = schedule.DefaultQuantum
	}
	return &Worker{
		cfg:    cfg,
		logger: logger.Named("worker").With(zap.String("worker", cfg.Name)),
	}
}

// Name returns the worker name.
func (w *Worker) Name() string { return w.cfg.Name }

// Heartbeat returns the start of the latest scheduler iteration.
func (w *Worker) Heartbeat() time.Time {
	if s := w.sched.Load(); s != nil {
		return s.LastBeat()
	}
	return time.Time{}
}

// Run connects the adapter and serves until ctx is cancelled, the inbound
// stream closes or a task fails fatally.
func (w *Worker) Run(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer w.running.Store(false)

	a := w.cfg.Adapter
	if err := a.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", a.Platform(), err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			w.logger.Warn("closing adapter", zap.Error(err))
		}
	}()
	w.cfg.Relay.Attach(a)

	if !w.loaded.Load() {
		if err := w.cfg.Roster.Load(ctx); err != nil {
			return err
		}
		w.loaded.Store(true)
	}

	sched := w.scheduler()
	w.sched.Store(sched)
	w.logger.Info("worker running", zap.String("platform", a.Platform()))

	g, gctx := errgroup.WithContext(ctx)
	inbound := a.Receive(gctx)
	g.Go(func() error { return w.pump(gctx, inbound) })
	g.Go(func() error { return sched.Run(gctx) })
	err := g.Wait()

	if ctx.Err() != nil {
		// Stopping: persist what the roster holds before returning.
		if ferr := w.cfg.Roster.Flush(context.WithoutCancel(ctx)); ferr != nil {
			w.logger.Warn("final user flush failed", zap.Error(ferr))
		}
		return nil
	}
	return err
}

func (w *Worker) scheduler() *schedule.Scheduler {
	iv := w.cfg.Intervals
	s := schedule.New(w.logger, schedule.WithQuantum(w.cfg.Quantum))
	add := func(name string, every time.Duration, fn schedule.TaskFunc) {
		if every > 0 {
			s.Add(name, every, fn)
		}
	}
	add("ingest", iv.Ingest, w.cfg.Relay.Ingest)
	add("deliver", iv.Deliver, w.cfg.Relay.Deliver)
	if w.cfg.Pairing != nil {
		add("pairing", iv.Pairing, w.cfg.Pairing.Tick)
		if w.cfg.ExpirePending {
			add("pairing-expire", iv.PairingExpire, w.cfg.Pairing.Expire)
		}
	}
	add("user-flush", iv.UserFlush, w.cfg.Roster.Flush)
	add("time-notice", iv.TimeNotice, func(context.Context) error {
		w.cfg.Roster.TimeNotices(w.cfg.Relay)
		return nil
	})
	if src, ok := w.cfg.Adapter.(platform.PresenceSource); ok && w.cfg.Observe && iv.ObserveMin > 0 {
		s.AddTask(&schedule.Task{
			Name:     "observe",
			Interval: iv.ObserveMin,
			Jitter:   iv.ObserveJitter,
			Run: func(ctx context.Context) error {
				return w.cfg.Roster.Observe(ctx, src)
			},
		})
	}
	return s
}

func (w *Worker) pump(ctx context.Context, inbound <-chan platform.Inbound) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case in, ok := <-inbound:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrInboundClosed
			}
			w.dispatch(in)
		}
	}
}

// dispatch routes one inbound message: preference commands are applied,
// pairing traffic goes to the controller, everything else to the relay.
func (w *Worker) dispatch(in platform.Inbound) {
	w.cfg.Roster.Touch(in)

	if cmd, ok := pairing.ParseCommand(in.Text); ok {
		switch cmd.Kind {
		case pairing.CmdTimeUpdates:
			w.cfg.Roster.SetWantsTime(in.SenderID, cmd.On)
			w.cfg.Relay.Notify(in.ChatID, pick(cmd.On, ReplyTimeOn, ReplyTimeOff))
			return
		case pairing.CmdNotifications:
			w.cfg.Roster.SetMuted(in.SenderID, !cmd.On)
			w.cfg.Relay.Notify(in.ChatID, pick(cmd.On, ReplyNotifyOn, ReplyMuted))
			return
		}
	}

	if w.cfg.Pairing != nil && w.cfg.Pairing.Offer(in) {
		return
	}
	w.cfg.Relay.Enqueue(in)
}

func pick(on bool, yes, no string) string {
	if on {
		return yes
	}
	return no
}
