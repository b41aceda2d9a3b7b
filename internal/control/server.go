// Package control serves the daemon's gRPC health service on the instance
// Unix socket. Each worker is a health service name; "" is the whole bridge.
package control

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/matheus3301/pipebridge/internal/bus"
	"github.com/matheus3301/pipebridge/internal/supervisor"
)

// Overall is the health service name covering every worker.
const Overall = ""

// resyncPeriod is how often Watch checks the bus for dropped events.
const resyncPeriod = 5 * time.Second

// StatusSource reports the current state of every worker.
type StatusSource interface {
	Status() []supervisor.WorkerStatus
}

// Server manages the gRPC server lifecycle for the daemon.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	socketPath string
	bus        *bus.Bus
	source     StatusSource
	events     <-chan bus.Event
	unsub      func()
	logger     *zap.Logger

	mu      sync.Mutex
	workers map[string]supervisor.State
	aborted bool
	drops   uint64 // bus drop count at the last resync
}

// NewServer creates a gRPC server bound to socketPath. workers lists the
// worker names published on the bus; source is reread whenever the bus
// dropped events.
func NewServer(socketPath string, workers []string, source StatusSource, b *bus.Bus, logger *zap.Logger) (*Server, error) {
	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}

	// Set socket permissions to 0600.
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	hs := health.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	s := &Server{
		grpcServer: srv,
		health:     hs,
		listener:   listener,
		socketPath: socketPath,
		bus:        b,
		source:     source,
		logger:     logger.Named("control"),
		workers:    make(map[string]supervisor.State, len(workers)),
	}
	for _, w := range workers {
		s.workers[w] = supervisor.Stopped
	}
	s.publishLocked()
	// Subscribe before any worker starts so no transition is missed.
	s.events, s.unsub = b.Subscribe("", 64)
	s.drops = b.Dropped()
	return s, nil
}

// Start begins serving gRPC requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("gRPC server starting", zap.String("socket", s.socketPath))
	return s.grpcServer.Serve(s.listener)
}

// Watch mirrors worker state changes into health statuses until ctx is done.
// If the bus dropped events, statuses are rebuilt from the source.
func (s *Server) Watch(ctx context.Context) {
	ticker := time.NewTicker(resyncPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-s.events:
			s.apply(evt)
		case <-ticker.C:
		}
		s.resyncIfDropped()
	}
}

// resyncIfDropped discards buffered events, which are older than the
// snapshot, and republishes every status from the source.
func (s *Server) resyncIfDropped() {
	dropped := s.bus.Dropped()
	if s.source == nil || dropped == s.drops {
		return
	}
	for drained := false; !drained; {
		select {
		case <-s.events:
		default:
			drained = true
		}
	}
	statuses := s.source.Status()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.drops = dropped
	for _, ws := range statuses {
		s.workers[ws.Name] = ws.State
		if ws.State == supervisor.Aborted {
			s.aborted = true
		}
	}
	s.logger.Warn("bus dropped events, health resynced", zap.Uint64("dropped", dropped))
	s.publishLocked()
}

func (s *Server) apply(evt bus.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch evt.Kind {
	case bus.KindWorkerState:
		change, ok := evt.Payload.(supervisor.StateChange)
		if !ok {
			return
		}
		s.workers[change.Worker] = change.To
	case bus.KindSupervisor:
		s.aborted = true
	default:
		return
	}
	s.publishLocked()
}

func (s *Server) publishLocked() {
	overall := healthpb.HealthCheckResponse_SERVING
	if s.aborted || len(s.workers) == 0 {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	for name, state := range s.workers {
		st := healthpb.HealthCheckResponse_NOT_SERVING
		if state == supervisor.Running {
			st = healthpb.HealthCheckResponse_SERVING
		} else {
			overall = healthpb.HealthCheckResponse_NOT_SERVING
		}
		s.health.SetServingStatus(name, st)
	}
	s.health.SetServingStatus(Overall, overall)
}

// Stop performs a graceful shutdown and removes the socket file.
func (s *Server) Stop(_ context.Context) {
	s.logger.Info("gRPC server stopping")
	s.unsub()
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	_ = os.Remove(s.socketPath)
}
