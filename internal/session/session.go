// Package session coordinates one synchronized file with the sync engine:
// lifecycle, listener bookkeeping, blocking waits and error dispatch.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/TheMichaelB/syncsession/internal/dispatch"
	"github.com/TheMichaelB/syncsession/internal/engine"
	"github.com/TheMichaelB/syncsession/internal/events"
	"github.com/TheMichaelB/syncsession/internal/models"
)

var _ engine.Handler = (*Session)(nil)

// Config describes the file a session synchronizes.
type Config struct {
	// Path of the local file. It identifies the session.
	Path      string
	ServerURL string

	ErrorHandler       ErrorHandler
	ClientResetHandler ClientResetHandler

	// EncryptionKey of the local file, carried into the recovery
	// configuration of a client reset.
	EncryptionKey []byte

	// BackupPath names the backup of a reset file. Defaults to
	// DefaultBackupPath("recovered-realms", ".bak").
	BackupPath BackupPathFunc
}

// Session synchronizes one local file. It is safe for concurrent use.
type Session struct {
	id     string
	cfg    Config
	engine engine.Engine
	logger *events.Logger

	// inbox runs listener and handler callbacks off the engine goroutine.
	inbox *dispatch.Queue

	// mu serializes lifecycle changes and listener registration.
	mu     sync.Mutex
	closed atomic.Bool

	progress    *progressNotifier
	connections *connectionNotifier
	waits       *waitCoordinator
}

// New creates a session. The native session must be opened separately.
func New(cfg Config, eng engine.Engine, logger *events.Logger) (*Session, error) {
	if cfg.Path == "" {
		return nil, models.WithOp(models.ErrInvalidPath, "new session")
	}

	id := uuid.NewString()
	logger = logger.WithFields(map[string]interface{}{
		"component":  "session",
		"session_id": id,
		"path":       cfg.Path,
	})

	if cfg.BackupPath == nil {
		cfg.BackupPath = DefaultBackupPath(DefaultBackupDir, DefaultBackupSuffix)
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = DefaultErrorHandler(logger)
	}
	if cfg.ClientResetHandler == nil {
		cfg.ClientResetHandler = DefaultClientResetHandler(logger)
	}

	s := &Session{
		id:     id,
		cfg:    cfg,
		engine: eng,
		logger: logger,
		inbox:  dispatch.New(logger),
	}
	s.progress = newProgressNotifier(s)
	s.connections = newConnectionNotifier(s)
	s.waits = newWaitCoordinator(s)

	return s, nil
}

// ID is a random identifier used to correlate log lines.
func (s *Session) ID() string {
	return s.id
}

// Path of the synchronized file.
func (s *Session) Path() string {
	return s.cfg.Path
}

// ServerURL of the remote the file is synchronized with.
func (s *Session) ServerURL() string {
	return s.cfg.ServerURL
}

// Config returns the configuration the session was created with.
func (s *Session) Config() Config {
	return s.cfg
}

// IsClosed reports whether Stop or Close was called. It never resets.
func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

// Start asks the engine to activate the session. Starting an active session
// is a no-op.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.engine.Start(s.cfg.Path); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	s.logger.Debug("Session started")
	return nil
}

// Stop closes the session and asks the engine to deactivate it. Pending
// waits return without reporting engine errors. Stop is idempotent.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed.Store(true)
	if err := s.engine.Stop(s.cfg.Path); err != nil {
		return fmt.Errorf("stop session: %w", err)
	}
	s.logger.Debug("Session stopped")
	return nil
}

// Close marks the session closed and stops dispatching callbacks once the
// queued ones have run. It does not stop synchronization.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed.Store(true)
	s.inbox.Close()
}

// State returns the lifecycle state reported by the engine.
func (s *Session) State() (models.SessionState, error) {
	code, err := s.engine.State(s.cfg.Path)
	if err != nil {
		return models.Inactive, fmt.Errorf("get session state: %w", err)
	}
	if code == models.NotFound {
		return models.Inactive, models.WithOp(models.ErrSessionNotFound, "get session state")
	}
	return models.SessionStateFromNative(code)
}

// ConnectionState returns the state of the connection backing the session.
func (s *Session) ConnectionState() (models.ConnectionState, error) {
	code, err := s.engine.ConnectionState(s.cfg.Path)
	if err != nil {
		return models.Disconnected, fmt.Errorf("get connection state: %w", err)
	}
	if code == models.NotFound {
		return models.Disconnected, models.WithOp(models.ErrSessionNotFound, "get connection state")
	}
	return s.connectionStateFromNative(code), nil
}

// IsConnected reports whether the session is alive and connected, which
// means changes will be synchronized.
func (s *Session) IsConnected() (bool, error) {
	conn, err := s.ConnectionState()
	if err != nil {
		return false, err
	}
	state, err := s.State()
	if err != nil {
		return false, err
	}
	return models.IsConnected(state, conn), nil
}

// DownloadAllServerChanges blocks until all known remote changes have been
// downloaded, an engine error is reported or ctx is done. Cancelling ctx
// does not cancel the download itself.
func (s *Session) DownloadAllServerChanges(ctx context.Context) error {
	if err := checkNotOnMainLoop(ctx, "download all server changes"); err != nil {
		return err
	}
	_, err := s.waits.wait(ctx, models.Download, 0)
	return err
}

// DownloadAllServerChangesTimeout is DownloadAllServerChanges bounded by
// timeout. It returns false if the timeout elapsed first.
func (s *Session) DownloadAllServerChangesTimeout(ctx context.Context, timeout time.Duration) (bool, error) {
	const op = "download all server changes"
	if err := checkNotOnMainLoop(ctx, op); err != nil {
		return false, err
	}
	if timeout <= 0 {
		return false, models.WithOp(models.ErrInvalidTimeout, op)
	}
	return s.waits.wait(ctx, models.Download, timeout)
}

// UploadAllLocalChanges blocks until all local changes have been uploaded,
// an engine error is reported or ctx is done.
func (s *Session) UploadAllLocalChanges(ctx context.Context) error {
	if err := checkNotOnMainLoop(ctx, "upload all local changes"); err != nil {
		return err
	}
	_, err := s.waits.wait(ctx, models.Upload, 0)
	return err
}

// UploadAllLocalChangesTimeout is UploadAllLocalChanges bounded by timeout.
func (s *Session) UploadAllLocalChangesTimeout(ctx context.Context, timeout time.Duration) (bool, error) {
	const op = "upload all local changes"
	if err := checkNotOnMainLoop(ctx, op); err != nil {
		return false, err
	}
	if timeout <= 0 {
		return false, models.WithOp(models.ErrInvalidTimeout, op)
	}
	return s.waits.wait(ctx, models.Upload, timeout)
}

// AddDownloadProgressListener reports download progress to listener.
func (s *Session) AddDownloadProgressListener(mode models.ProgressMode, listener ProgressListener) (*ProgressRegistration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress.add(models.Download, mode, listener)
}

// AddUploadProgressListener reports upload progress to listener.
func (s *Session) AddUploadProgressListener(mode models.ProgressMode, listener ProgressListener) (*ProgressRegistration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress.add(models.Upload, mode, listener)
}

// RemoveProgressListener unregisters reg. Removing an unknown or already
// removed registration does nothing.
func (s *Session) RemoveProgressListener(reg *ProgressRegistration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress.remove(reg)
}

// AddConnectionChangeListener reports connection state transitions.
func (s *Session) AddConnectionChangeListener(listener ConnectionListener) (*ConnectionRegistration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connections.add(listener)
}

// RemoveConnectionChangeListener unregisters reg.
func (s *Session) RemoveConnectionChangeListener(reg *ConnectionRegistration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connections.remove(reg)
}

// OnError queues an engine error for the configured handlers.
func (s *Session) OnError(ev engine.ErrorEvent) {
	s.enqueue("error", func() {
		s.notifySessionError(ev.Category, ev.Code, ev.Message, ev.ResetPathInfo)
	})
}

// OnProgress queues a progress report for its listener.
func (s *Session) OnProgress(ev engine.ProgressEvent) {
	s.enqueue("progress", func() {
		s.progress.notify(ev.ListenerID, ev.Transferred, ev.Transferable)
	})
}

// OnConnectionChange queues a connection transition for the listeners.
func (s *Session) OnConnectionChange(ev engine.ConnectionEvent) {
	s.enqueue("connection", func() {
		s.connections.notify(ev.Old, ev.New)
	})
}

// OnWaitComplete resolves the wait carrying ev.CallbackID. It never blocks.
func (s *Session) OnWaitComplete(ev engine.WaitEvent) {
	s.waits.complete(ev)
}

// Flush waits until every callback queued so far has been delivered.
func (s *Session) Flush(ctx context.Context) error {
	return s.inbox.Flush(ctx)
}

func (s *Session) enqueue(kind string, task func()) {
	if !s.inbox.Push(task) {
		s.logger.WithField("event", kind).Debug("Dropping event for closed session")
	}
}

func (s *Session) connectionStateFromNative(code int8) models.ConnectionState {
	state, err := models.ConnectionStateFromNative(code)
	if err != nil {
		s.logger.WithError(err).Error("Engine reported an invalid connection state")
	}
	return state
}
