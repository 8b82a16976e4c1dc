package daemon

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/api"
	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/chat"
	"github.com/matheus3301/convsync/internal/config"
	"github.com/matheus3301/convsync/internal/lock"
	"github.com/matheus3301/convsync/internal/logging"
	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/notify"
	"github.com/matheus3301/convsync/internal/outbox"
	"github.com/matheus3301/convsync/internal/realtime"
	"github.com/matheus3301/convsync/internal/remote"
	"github.com/matheus3301/convsync/internal/session"
	"github.com/matheus3301/convsync/internal/state"
	"github.com/matheus3301/convsync/internal/status"
	"github.com/matheus3301/convsync/internal/store"
	intsync "github.com/matheus3301/convsync/internal/sync"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	Debug       bool

	// Optional overrides for testing; zero values use the defaults.
	SocketPath       string
	HealthSocketPath string
	Config           *config.Config
	Logger           *zap.Logger
	Backend          remote.Backend
	Feed             chat.Feed
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideBackend,
			provideScope,
			provideSyncEngine,
			provideFetcher,
			provideCache,
			provideToasts,
			provideFeed,
			provideSender,
			provideChat,
			provideSessionService,
			provideSyncService,
			api.NewChatService,
			api.NewMessageService,
			provideRouter,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	if p.Logger != nil {
		return p.Logger, nil
	}
	return logging.New(session.LogPath(p.SessionName), p.SessionName, p.Debug)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg := p.Config
	if cfg == nil {
		var err error
		cfg, err = config.LoadWithEnv(session.ConfigPath(), session.EnvFiles(p.SessionName)...)
		if err != nil {
			return nil, err
		}
	}
	if p.Backend == nil {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
	}
	return cfg, nil
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

// provideStore depends on the lock so that two daemons never migrate the
// same database.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.AppDBPath(p.SessionName)
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

func provideBackend(lc fx.Lifecycle, p Params, cfg *config.Config, logger *zap.Logger) (remote.Backend, error) {
	if p.Backend != nil {
		return p.Backend, nil
	}
	switch cfg.Backend.Kind {
	case config.BackendPostgres:
		pg, err := remote.OpenPostgres(context.Background(), cfg.Backend.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		lc.Append(fx.StopHook(pg.Close))
		logger.Info("using postgres backend")
		return pg, nil
	default:
		token := cfg.Backend.AccessToken
		logger.Info("using rest backend", zap.String("url", cfg.Backend.URL))
		return remote.NewREST(remote.RESTConfig{
			BaseURL: cfg.Backend.URL,
			APIKey:  cfg.Backend.AnonKey,
			Token:   func() string { return token },
			Schema:  cfg.Backend.Schema,
			Timeout: cfg.Backend.Timeout.Duration,
		}, logger), nil
	}
}

func provideScope(cfg *config.Config, backend remote.Backend, logger *zap.Logger) *intsync.Scope {
	return intsync.NewScope(backend, model.Identity{
		UserID:   cfg.Identity.UserID,
		TenantID: cfg.Identity.TenantID,
		Profile:  model.Profile{ID: cfg.Identity.UserID, FullName: cfg.Identity.FullName, TenantID: cfg.Identity.TenantID},
	}, logger)
}

func provideSyncEngine(cfg *config.Config, scope *intsync.Scope, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(state.New(cfg.Sync.SimilarityWindow.Duration), scope, b, logger)
}

func provideFetcher(cfg *config.Config, backend remote.Backend, scope *intsync.Scope, logger *zap.Logger) *intsync.Fetcher {
	return intsync.NewFetcher(backend, scope, cfg.Sync.RecentMessages, logger)
}

func provideCache(cfg *config.Config, db *store.DB, logger *zap.Logger) *intsync.ConversationCache {
	return intsync.NewConversationCache(db, cfg.Sync.CacheTTL.Duration, logger)
}

func provideToasts(b *bus.Bus, logger *zap.Logger) *notify.Sink {
	return notify.New(b, logger)
}

func provideFeed(p Params, cfg *config.Config, b *bus.Bus, m *status.Machine, logger *zap.Logger) chat.Feed {
	if p.Feed != nil {
		return p.Feed
	}
	token := cfg.Backend.AccessToken
	return realtime.NewFeed(realtime.Config{
		URL:       cfg.RealtimeURL(),
		APIKey:    cfg.Backend.AnonKey,
		Token:     func() string { return token },
		Heartbeat: cfg.Realtime.Heartbeat.Duration,
	}, b, m, logger)
}

func provideSender(cfg *config.Config, db *store.DB, backend remote.Backend, engine *intsync.Engine, toasts *notify.Sink, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, backend, engine, toasts, b, outbox.Config{
		MaxAttempts: cfg.Outbox.MaxAttempts,
		BaseDelay:   cfg.Outbox.BaseDelay.Duration,
	}, logger)
}

func provideChat(
	engine *intsync.Engine,
	fetcher *intsync.Fetcher,
	backend remote.Backend,
	sender *outbox.Sender,
	db *store.DB,
	cache *intsync.ConversationCache,
	feed chat.Feed,
	toasts *notify.Sink,
	logger *zap.Logger,
) *chat.Service {
	return chat.New(chat.Deps{
		Engine:  engine,
		Fetcher: fetcher,
		Backend: backend,
		Sender:  sender,
		DB:      db,
		Cache:   cache,
		Feed:    feed,
		Toasts:  toasts,
	}, logger)
}

func provideSessionService(p Params, m *status.Machine, svc *chat.Service, b *bus.Bus) *api.SessionService {
	return api.NewSessionService(p.SessionName, m, svc, b)
}

func provideSyncService(p Params, svc *chat.Service, b *bus.Bus) *api.SyncService {
	return api.NewSyncService(svc, b, p.SessionName)
}

func provideRouter(logger *zap.Logger, sessionSvc *api.SessionService, chatSvc *api.ChatService, messageSvc *api.MessageService, syncSvc *api.SyncService) *gin.Engine {
	return api.NewRouter(logger, sessionSvc, chatSvc, messageSvc, syncSvc)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, db *store.DB, engine *intsync.Engine, svc *chat.Service, sender *outbox.Sender, logger *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			engine.Start(ctx)

			if err := srv.Start(); err != nil {
				return err
			}

			// Initial load, then flush sends left over from the last run.
			go func() {
				defer close(done)
				if _, err := svc.Refresh(ctx); err != nil {
					logger.Warn("initial refresh failed", zap.Error(err))
				}
				res := sender.RetryPending(ctx)
				if res.Succeeded+res.Failed > 0 {
					logger.Info("pending sends retried",
						zap.Int("succeeded", res.Succeeded),
						zap.Int("failed", res.Failed))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			srv.Stop(stopCtx)
			svc.Close()
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
