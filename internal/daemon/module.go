package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/backend"
	"github.com/matheus3301/chatsync/internal/backoff"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/transport"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string         // optional override for testing; empty = use default
	Config      *config.Config // optional override; nil = load ~/.chatsync/config.toml
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideBackend,
			provideEngine,
			provideSyncService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, nil
	}
	return config.LoadOrDefault(session.ConfigPath())
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, cfg.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore takes the lock so the database is only opened by its owner.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.StorePath(p.SessionName)
	db, result, err := store.OpenMigrated(dbPath)
	if err != nil {
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

func provideBackend(cfg *config.Config, logger *zap.Logger) (*backend.Client, error) {
	bc := backend.DefaultConfig(cfg.APIURL)
	bc.Timeout = cfg.Backend.Timeout
	bc.Retries = cfg.Backend.Retries
	return backend.New(bc, logger.Named("backend"))
}

// backoffConfig is the retry shape shared by reconnects and outbox resends.
func backoffConfig(cfg *config.Config) backoff.Backoff {
	return backoff.Backoff{
		Base:   cfg.Transport.BackoffBase,
		Factor: cfg.Transport.BackoffFactor,
		Cap:    cfg.Transport.BackoffCap,
		Jitter: cfg.Transport.BackoffJitter,
	}
}

func transportConfig(cfg *config.Config) transport.Config {
	tc := transport.DefaultConfig(cfg.ServerURL)
	tc.BufferCapacity = cfg.Transport.BufferCapacity
	tc.MaxReconnects = cfg.Transport.MaxReconnects
	tc.Backoff = backoffConfig(cfg)
	return tc
}

func engineConfig(cfg *config.Config) intsync.Config {
	ec := intsync.DefaultConfig()
	ec.Outbox = outbox.Config{
		MaxAttempts:   cfg.Outbox.MaxAttempts,
		AckTimeout:    cfg.Outbox.AckTimeout,
		DrainInterval: cfg.Outbox.DrainInterval,
		Backoff:       backoffConfig(cfg),
	}
	ec.TypingTTL = cfg.Presence.TypingTTL
	return ec
}

func provideEngine(cfg *config.Config, db *store.DB, machine *status.Machine, b *bus.Bus, bc *backend.Client, logger *zap.Logger) *intsync.Engine {
	tc := transportConfig(cfg)
	return intsync.New(intsync.Options{
		Config: engineConfig(cfg),
		Store:  db,
		Transport: func(h transport.Handler) intsync.Transport {
			return transport.New(tc, nil, machine, h, logger.Named("transport"))
		},
		Backend: bc,
		Bus:     b,
		Logger:  logger.Named("sync"),
	})
}

func provideSyncService(p Params, engine *intsync.Engine, bc *backend.Client, b *bus.Bus, logger *zap.Logger) *api.SyncService {
	return api.NewSyncService(p.SessionName, engine, bc, b, logger.Named("api"))
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, db *store.DB, engine *intsync.Engine, logger *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := engine.Start(ctx); err != nil {
				return err
			}

			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			// Resume a stored session. Connect only fails on bad input, and
			// network trouble keeps retrying in the background.
			if sess, ok := engine.Session(); ok {
				go func() {
					if err := engine.Connect(ctx, sess); err != nil {
						logger.Error("auto-connect failed", zap.Error(err))
					}
				}()
			} else {
				logger.Info("no stored session, login required")
			}
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			srv.Stop(stopCtx)
			engine.Stop()
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
