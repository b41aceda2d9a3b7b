package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/pipebridge/internal/bus"
	"go.uber.org/zap"
)

type fakeWorker struct {
	name  string
	runs  atomic.Int32
	beat  atomic.Int64
	run   func(ctx context.Context, n int32) error
	stopN atomic.Int32
}

func (w *fakeWorker) Name() string { return w.name }

func (w *fakeWorker) Run(ctx context.Context) error {
	n := w.runs.Add(1)
	err := w.run(ctx, n)
	if ctx.Err() != nil {
		w.stopN.Add(1)
	}
	return err
}

func (w *fakeWorker) Heartbeat() time.Time {
	ns := w.beat.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (w *fakeWorker) touch() { w.beat.Store(time.Now().UnixNano()) }

func fastPolicy() Policy {
	return Policy{
		Backoff: BackoffPolicy{
			Base:            20 * time.Millisecond,
			Max:             time.Second,
			RecoveredGrace:  time.Second,
			LongWindow:      10 * time.Second,
			MaxLongFailures: 3,
		},
		ProbePeriod:    10 * time.Millisecond,
		StallThreshold: time.Minute,
		Stagger:        time.Millisecond,
		Drain:          time.Second,
	}
}

func blockUntilCancelled(w *fakeWorker) func(ctx context.Context, _ int32) error {
	return func(ctx context.Context, _ int32) error {
		for {
			w.touch()
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(5 * time.Millisecond):
			}
		}
	}
}

func TestSupervisorStopsGracefully(t *testing.T) {
	a := &fakeWorker{name: "a"}
	a.run = blockUntilCancelled(a)
	b := &fakeWorker{name: "b"}
	b.run = blockUntilCancelled(b)

	s := New(fastPolicy(), bus.New(), zap.NewNop(), a, b)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	for _, st := range s.Status() {
		if st.State != Running {
			t.Errorf("%s state = %s, want RUNNING", st.Name, st.State)
		}
		if st.RunID == "" {
			t.Errorf("%s has no run id", st.Name)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	for _, w := range []*fakeWorker{a, b} {
		if w.stopN.Load() != 1 {
			t.Errorf("%s observed %d cancellations, want 1", w.name, w.stopN.Load())
		}
	}
	for _, st := range s.Status() {
		if st.State != Stopped {
			t.Errorf("%s state = %s, want STOPPED", st.Name, st.State)
		}
	}
}

func TestSupervisorRestartsFailedWorker(t *testing.T) {
	w := &fakeWorker{name: "flaky"}
	healthy := blockUntilCancelled(w)
	w.run = func(ctx context.Context, n int32) error {
		if n == 1 {
			return errors.New("connection lost")
		}
		return healthy(ctx, n)
	}

	s := New(fastPolicy(), bus.New(), zap.NewNop(), w)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for w.runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if w.runs.Load() < 2 {
		t.Fatal("worker was not restarted")
	}
	time.Sleep(20 * time.Millisecond)
	st := s.Status()[0]
	if st.State != Running || st.Restarts != 1 {
		t.Errorf("status = %+v, want RUNNING with 1 restart", st)
	}
	if st.LastError != "connection lost" {
		t.Errorf("LastError = %q", st.LastError)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestSupervisorOpensCircuit(t *testing.T) {
	w := &fakeWorker{name: "broken"}
	w.run = func(context.Context, int32) error { return errors.New("boom") }

	b := bus.New()
	aborted, unsub := b.Subscribe("supervisor.", 4)
	defer unsub()

	s := New(fastPolicy(), b, zap.NewNop(), w)
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	select {
	case err := <-done:
		if !errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("Run() error = %v, want ErrCircuitOpen", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("circuit breaker never opened")
	}
	// First run plus three restarts, the fourth failure opens the breaker.
	if got := w.runs.Load(); got != 4 {
		t.Errorf("runs = %d, want 4", got)
	}
	if st := s.Status()[0]; st.State != Aborted {
		t.Errorf("state = %s, want ABORTED", st.State)
	}
	select {
	case evt := <-aborted:
		if evt.Payload != "broken" {
			t.Errorf("payload = %v", evt.Payload)
		}
	default:
		t.Error("no supervisor event published")
	}
}

func TestSupervisorRestartsStalledWorker(t *testing.T) {
	w := &fakeWorker{name: "stuck"}
	w.run = func(ctx context.Context, _ int32) error {
		<-ctx.Done()
		return nil
	}

	p := fastPolicy()
	p.StallThreshold = 30 * time.Millisecond
	s := New(p, bus.New(), zap.NewNop(), w)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for w.runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if w.runs.Load() < 2 {
		t.Fatal("stalled worker was not restarted")
	}
	if w.stopN.Load() < 1 {
		t.Error("stalled run was not cancelled")
	}
	cancel()
	<-done
}

func TestSupervisorRecoversPanics(t *testing.T) {
	w := &fakeWorker{name: "panicky"}
	healthy := blockUntilCancelled(w)
	w.run = func(ctx context.Context, n int32) error {
		if n == 1 {
			panic("nil map")
		}
		return healthy(ctx, n)
	}

	s := New(fastPolicy(), bus.New(), zap.NewNop(), w)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for w.runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if w.runs.Load() < 2 {
		t.Fatal("worker was not restarted after panic")
	}
	cancel()
	<-done
}

func TestSupervisorWaitsForStalledRunToReturn(t *testing.T) {
	release := make(chan struct{})
	var live, overlap atomic.Int32
	w := &fakeWorker{name: "hung"}
	w.run = func(ctx context.Context, n int32) error {
		if live.Add(1) > 1 {
			overlap.Add(1)
		}
		defer live.Add(-1)
		if n == 1 {
			<-release // ignores cancellation
			return nil
		}
		<-ctx.Done()
		return nil
	}

	p := fastPolicy()
	p.StallThreshold = 30 * time.Millisecond
	s := New(p, bus.New(), zap.NewNop(), w)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(200 * time.Millisecond)
	if n := w.runs.Load(); n != 1 {
		t.Fatalf("runs = %d while the first run is still active", n)
	}
	if st := s.Status(); st[0].State != Failed {
		t.Errorf("state = %s, want Failed", st[0].State)
	}

	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for w.runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if w.runs.Load() < 2 {
		t.Fatal("worker was not restarted after the stalled run returned")
	}
	if overlap.Load() != 0 {
		t.Error("runs overlapped")
	}
	cancel()
	<-done
}
