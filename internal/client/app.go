// Package client assembles the sync engine, the session manager and their
// supporting services from configuration.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/TheMichaelB/syncsession/internal/config"
	"github.com/TheMichaelB/syncsession/internal/crypto"
	"github.com/TheMichaelB/syncsession/internal/engine"
	"github.com/TheMichaelB/syncsession/internal/events"
	"github.com/TheMichaelB/syncsession/internal/network"
	"github.com/TheMichaelB/syncsession/internal/services/sync"
	"github.com/TheMichaelB/syncsession/internal/session"
	"github.com/TheMichaelB/syncsession/internal/state"
	"github.com/TheMichaelB/syncsession/internal/transport"
)

// DefaultPartition names the file of a session without a partition value.
const DefaultPartition = "default"

// ErrNoSalt is returned by FileKey when sync.encryption_salt is not set.
var ErrNoSalt = errors.New("sync.encryption_salt is required to derive file keys")

// Option configures an App.
type Option func(*options)

type options struct {
	engine engine.Engine
}

// WithEngine uses eng instead of the engine selected by configuration.
func WithEngine(eng engine.Engine) Option {
	return func(o *options) { o.engine = eng }
}

// App owns everything a process needs to synchronize files.
type App struct {
	Sync    *sync.Manager
	Journal state.Store
	Monitor *network.Monitor

	engine engine.Engine
	config *config.Config
	logger *events.Logger
}

// New validates cfg and builds the app.
func New(ctx context.Context, cfg *config.Config, logger *events.Logger, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	app := &App{
		config: cfg,
		logger: logger.WithField("app_id", cfg.App.ID),
	}

	eng := o.engine
	if eng == nil {
		var err error
		if eng, err = newEngine(ctx, cfg, app.logger); err != nil {
			return nil, err
		}
	}
	app.engine = eng

	var managerOpts []sync.Option
	if cfg.Storage.JournalPath != "" {
		journal, err := state.NewSQLiteStore(cfg.Storage.JournalPath, app.logger)
		if err != nil {
			_ = eng.Close()
			return nil, fmt.Errorf("open journal: %w", err)
		}
		app.Journal = journal
		managerOpts = append(managerOpts, sync.WithStore(journal))
	}

	if cfg.Network.Enabled {
		app.Monitor = network.NewMonitor(cfg.Network, app.logger)
		managerOpts = append(managerOpts, sync.WithConnectivity(app.Monitor))
		app.Monitor.Start(ctx)
	}

	app.Sync = sync.NewManager(eng, app.logger, managerOpts...)

	app.logger.WithField("engine", cfg.Engine.Kind).Info("App initialized")
	return app, nil
}

func newEngine(ctx context.Context, cfg *config.Config, logger *events.Logger) (engine.Engine, error) {
	switch cfg.Engine.Kind {
	case "websocket":
		return transport.Dial(ctx, cfg.Engine, logger)
	default:
		return engine.NewMemory(logger), nil
	}
}

// Engine returns the engine the sessions run on.
func (a *App) Engine() engine.Engine {
	return a.engine
}

// Config returns the configuration the app was built from.
func (a *App) Config() *config.Config {
	return a.config
}

// FilePath returns <root>/<app id>/<user id>/<partition>.realm.
func (a *App) FilePath(userID, partition string) string {
	name := DefaultPartition
	if partition != "" {
		name = url.PathEscape(partition)
	}
	return filepath.Join(a.config.App.SyncRootDir, a.config.App.ID, userID, name+".realm")
}

// SessionConfig returns the configuration of the session synchronizing
// partition for userID.
func (a *App) SessionConfig(userID, partition string) session.Config {
	return session.Config{
		Path:       a.FilePath(userID, partition),
		ServerURL:  a.config.App.ServerURL,
		BackupPath: session.DefaultBackupPath(a.config.Sync.BackupDir, a.config.Sync.BackupSuffix),
	}
}

// FileKey derives the local encryption key for passphrase.
func (a *App) FileKey(passphrase string) ([]byte, error) {
	if a.config.Sync.EncryptionSalt == "" {
		return nil, ErrNoSalt
	}
	key, err := crypto.DeriveFileKey(passphrase, []byte(a.config.Sync.EncryptionSalt))
	if err != nil {
		return nil, err
	}
	a.logger.WithField("key", crypto.Fingerprint(key)).Debug("Derived file key")
	return key, nil
}

// OpenSession creates the session for cfg if needed and starts it.
func (a *App) OpenSession(cfg session.Config) (*session.Session, error) {
	if err := crypto.ValidateFileKey(cfg.EncryptionKey); err != nil {
		return nil, err
	}

	s, err := a.Sync.GetOrCreateSession(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Start(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close stops every session, then releases the engine and the journal.
func (a *App) Close() error {
	if a.Monitor != nil {
		a.Monitor.Stop()
	}

	sessions := a.Sync.AllSessions()
	errs := make([]error, len(sessions))

	var g errgroup.Group
	for i, s := range sessions {
		i, path := i, s.Path()
		g.Go(func() error {
			if err := a.Sync.RemoveSession(path); err != nil {
				a.logger.WithError(err).WithField("path", path).Warn("Failed to close session")
				errs[i] = err
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := a.engine.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close engine: %w", err))
	}
	if a.Journal != nil {
		if err := a.Journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
	}

	a.logger.Debug("App closed")
	return errors.Join(errs...)
}
