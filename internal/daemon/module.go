// Package daemon wires the bridge's components into an fx application.
package daemon

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/pipebridge/internal/admin"
	"github.com/matheus3301/pipebridge/internal/bus"
	"github.com/matheus3301/pipebridge/internal/config"
	"github.com/matheus3301/pipebridge/internal/control"
	"github.com/matheus3301/pipebridge/internal/instance"
	"github.com/matheus3301/pipebridge/internal/lock"
	"github.com/matheus3301/pipebridge/internal/logging"
	"github.com/matheus3301/pipebridge/internal/supervisor"
	"github.com/matheus3301/pipebridge/internal/store"
)

// Params holds the resolved instance configuration passed to the fx module.
type Params struct {
	Instance   string
	ConfigPath string // empty = ~/.pipebridge/config.toml
	SocketPath string // optional override for testing; empty = use default
}

func (p Params) socketPath() string {
	if p.SocketPath != "" {
		return p.SocketPath
	}
	return instance.SocketPath(p.Instance)
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideConfig,
			provideLock,
			provideStore,
			provideSides,
			provideSupervisor,
			provideControl,
			provideAdmin,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	if err := instance.EnsureDir(p.Instance); err != nil {
		return nil, err
	}
	return logging.New(instance.LogPath(p.Instance), p.Instance)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideConfig(p Params, logger *zap.Logger) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = instance.ConfigPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.ApplyEnv(instance.EnvPath(p.Instance)); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger.Info("config loaded", zap.String("path", path))
	return cfg, nil
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring instance lock", zap.String("instance", p.Instance))
	l, err := lock.Acquire(instance.Dir(p.Instance))
	if err != nil {
		return nil, err
	}
	logger.Info("instance lock acquired")
	return l, nil
}

// provideStore depends on the lock so no second daemon migrates the same file.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := instance.StoreDBPath(p.Instance)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideSupervisor(cfg *config.Config, sides *Sides, b *bus.Bus, logger *zap.Logger) *supervisor.Supervisor {
	bo := cfg.Backoff
	policy := supervisor.Policy{
		Backoff: supervisor.BackoffPolicy{
			Base:            bo.Base.Duration,
			Max:             bo.Max.Duration,
			RecoveredGrace:  bo.RecoveredGrace.Duration,
			LongWindow:      bo.LongWindow.Duration,
			MaxLongFailures: bo.MaxLongFailures,
		},
		ProbePeriod:    bo.ProbePeriod.Duration,
		StallThreshold: bo.StallThreshold.Duration,
		Stagger:        bo.Stagger.Duration,
		Drain:          bo.Drain.Duration,
	}
	return supervisor.New(policy, b, logger, sides.A, sides.B)
}

func provideControl(p Params, sides *Sides, sup *supervisor.Supervisor, b *bus.Bus, logger *zap.Logger) (*control.Server, error) {
	return control.NewServer(p.socketPath(), sides.Names(), sup, b, logger)
}

// provideAdmin returns nil when admin_addr is empty.
func provideAdmin(p Params, cfg *config.Config, sup *supervisor.Supervisor, db *store.DB, logger *zap.Logger) *admin.Server {
	if cfg.Control.AdminAddr == "" {
		return nil
	}
	router := admin.NewRouter(p.Instance, sup, db, logger)
	return admin.NewServer(cfg.Control.AdminAddr, router, logger)
}

func registerLifecycle(lc fx.Lifecycle, shutdowner fx.Shutdowner, sup *supervisor.Supervisor, ctl *control.Server, adm *admin.Server, db *store.DB, lk *lock.Lock, logger *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Start gRPC server in background.
			go func() {
				if err := ctl.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			go ctl.Watch(ctx)

			if adm != nil {
				if err := adm.Start(); err != nil {
					return fmt.Errorf("start admin server: %w", err)
				}
			}

			go func() {
				defer close(done)
				err := sup.Run(ctx)
				if errors.Is(err, supervisor.ErrCircuitOpen) {
					logger.Error("supervisor aborted", zap.Error(err))
					_ = shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
				logger.Warn("supervisor did not stop in time")
			}
			if adm != nil {
				if err := adm.Stop(stopCtx); err != nil {
					logger.Warn("error stopping admin server", zap.Error(err))
				}
			}
			ctl.Stop(stopCtx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
