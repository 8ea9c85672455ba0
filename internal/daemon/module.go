package daemon

import (
	"context"
	"errors"
	"os"

	"github.com/halldesk/matrixd/internal/account"
	"github.com/halldesk/matrixd/internal/bus"
	"github.com/halldesk/matrixd/internal/config"
	"github.com/halldesk/matrixd/internal/diag"
	"github.com/halldesk/matrixd/internal/directory"
	"github.com/halldesk/matrixd/internal/lock"
	"github.com/halldesk/matrixd/internal/logging"
	"github.com/halldesk/matrixd/internal/outbox"
	"github.com/halldesk/matrixd/internal/session"
	"github.com/halldesk/matrixd/internal/status"
	"github.com/halldesk/matrixd/internal/store"
	"github.com/halldesk/matrixd/internal/timeline"
	"github.com/halldesk/matrixd/internal/verify"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"maunium.net/go/mautrix/id"
)

// Params holds the resolved account configuration passed to the fx module.
type Params struct {
	AccountName string
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideConfig,
			provideStateMachine,
			provideLock,
			provideStore,
			provideCache,
			provideTimelineEngine,
			provideProjector,
			provideHolder,
			provideCoordinator,
			provideManager,
			provideSender,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(account.LogPath(p.AccountName), p.AccountName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideConfig(logger *zap.Logger) *config.Config {
	cfg, err := config.Load(account.ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("config load failed, using defaults", zap.Error(err))
		}
		return config.Default()
	}
	return cfg
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := account.EnsureDir(p.AccountName); err != nil {
		return nil, err
	}
	logger.Info("acquiring account lock", zap.String("account", p.AccountName))
	l, err := lock.Acquire(account.Dir(p.AccountName))
	if err != nil {
		return nil, err
	}
	logger.Info("account lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := account.CacheDBPath(p.AccountName)
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

func provideCache(p Params) (*timeline.Cache, error) {
	creds, err := loadCredentials(p)
	localUser := ""
	if err == nil {
		localUser = creds.UserID
	}
	return timeline.NewCache(localUser), nil
}

func provideTimelineEngine(cache *timeline.Cache, b *bus.Bus, logger *zap.Logger) *timeline.Engine {
	return timeline.NewEngine(cache, b, logger)
}

func provideProjector(b *bus.Bus, logger *zap.Logger) *directory.Projector {
	return directory.NewProjector(b, logger)
}

func provideHolder() *adapterHolder {
	return &adapterHolder{}
}

func provideCoordinator(holder *adapterHolder, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *verify.Coordinator {
	return verify.NewCoordinator(&transportProxy{holder: holder}, holder.cryptoReady, cfg.ReadyTimeout(), b, logger)
}

func provideManager(p Params, holder *adapterHolder, coordinator *verify.Coordinator, machine *status.Machine, db *store.DB, cache *timeline.Cache, projector *directory.Projector, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *session.Manager {
	return session.NewManager(session.Options{
		Factory:   newClientFactory(p, holder, coordinator, db, cache, b, logger),
		Machine:   machine,
		Bus:       b,
		DB:        db,
		Cache:     cache,
		Projector: projector,
		Verifier:  coordinator,
		Config:    cfg,
		CryptoDir: account.CryptoDir(p.AccountName),
		Env:       probeEnvironment(p),
		Logger:    logger,
	})
}

// roomSender routes outbox sends through the current connection.
type roomSender struct {
	holder *adapterHolder
}

func (s *roomSender) SendText(ctx context.Context, roomID string, text string) (string, error) {
	adapter := s.holder.get()
	if adapter == nil {
		return "", errors.New("not connected")
	}
	evtID, err := adapter.SendText(ctx, id.RoomID(roomID), text)
	if err != nil {
		return "", err
	}
	return evtID.String(), nil
}

func provideSender(db *store.DB, holder *adapterHolder, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, &roomSender{holder: holder}, b, logger)
}

// probeEnvironment derives the daemon's host-side capability flags: a TLS
// homeserver stands in for a secure browsing context, a writable account
// dir for controlled storage.
func probeEnvironment(p Params) diag.Environment {
	env := diag.Environment{}
	if creds, err := loadCredentials(p); err == nil {
		env.SecureContext = len(creds.HomeserverURL) >= 8 && creds.HomeserverURL[:8] == "https://"
	}
	if f, err := os.CreateTemp(account.Dir(p.AccountName), ".probe-*"); err == nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		env.ServiceWorkerControlled = true
	}
	return env
}

func loadCredentials(p Params) (*config.Credentials, error) {
	return config.LoadCredentials(account.CredentialsPath(p.AccountName))
}

func registerLifecycle(lc fx.Lifecycle, p Params, lk *lock.Lock, engine *timeline.Engine, projector *directory.Projector, manager *session.Manager, sender *outbox.Sender, db *store.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			runCtx := context.Background()
			engine.Start(runCtx)
			projector.Start(runCtx)
			manager.Start(runCtx)
			sender.Start(runCtx)

			creds, err := loadCredentials(p)
			if err != nil {
				logger.Info("no credentials found, staying disconnected",
					zap.String("path", account.CredentialsPath(p.AccountName)))
				return nil
			}
			go func() {
				if err := manager.Connect(runCtx, creds); err != nil {
					logger.Error("auto-connect failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			sender.Stop()
			manager.Stop()
			projector.Stop()
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
