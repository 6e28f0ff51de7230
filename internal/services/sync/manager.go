// Package sync owns every session of the process and routes engine events
// to them.
package sync

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/TheMichaelB/syncsession/internal/engine"
	"github.com/TheMichaelB/syncsession/internal/events"
	"github.com/TheMichaelB/syncsession/internal/models"
	"github.com/TheMichaelB/syncsession/internal/network"
	"github.com/TheMichaelB/syncsession/internal/session"
	"github.com/TheMichaelB/syncsession/internal/state"
)

var _ engine.Handler = (*Manager)(nil)

// ErrClientResetUnsupported is returned by SimulateClientReset when the
// engine cannot raise errors on demand.
var ErrClientResetUnsupported = errors.New("engine cannot simulate a client reset")

// Connectivity reports network availability transitions.
type Connectivity interface {
	AddListener(l network.Listener) *network.Registration
	RemoveListener(reg *network.Registration)
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore journals sessions and client resets to store.
func WithStore(store state.Store) Option {
	return func(m *Manager) { m.store = store }
}

// WithConnectivity reconnects every session when conn reports that the
// network came back.
func WithConnectivity(conn Connectivity) Option {
	return func(m *Manager) { m.connectivity = conn }
}

// Manager maps file paths to sessions. It is safe for concurrent use.
type Manager struct {
	engine       engine.Engine
	store        state.Store
	connectivity Connectivity
	logger       *events.Logger
	now          func() time.Time

	// mu guards the maps and the connectivity registration. It is never
	// held across engine calls: a remote engine delivers events on the
	// goroutine that also reads its replies.
	mu         sync.Mutex
	sessions   map[string]*session.Session
	opening    map[string]*pendingOpen
	networkReg *network.Registration
}

// pendingOpen is a session whose native counterpart is being opened.
// done is closed once err is final.
type pendingOpen struct {
	session *session.Session
	done    chan struct{}
	err     error
}

// NewManager creates a manager and installs it as the engine's event
// handler.
func NewManager(eng engine.Engine, logger *events.Logger, opts ...Option) *Manager {
	m := &Manager{
		engine:   eng,
		logger:   logger.WithField("service", "sync"),
		now:      time.Now,
		sessions: make(map[string]*session.Session),
		opening:  make(map[string]*pendingOpen),
	}
	for _, opt := range opts {
		opt(m)
	}

	eng.SetHandler(m)
	return m
}

// GetOrCreateSession returns the session for cfg.Path, creating it and the
// native session if needed. Concurrent callers for one path share a single
// session.
func (m *Manager) GetOrCreateSession(cfg session.Config) (*session.Session, error) {
	m.mu.Lock()
	if s, ok := m.sessions[cfg.Path]; ok {
		m.mu.Unlock()
		return s, nil
	}
	if p, ok := m.opening[cfg.Path]; ok {
		m.mu.Unlock()
		<-p.done
		if p.err != nil {
			return nil, p.err
		}
		return p.session, nil
	}

	cfg.ClientResetHandler = m.journalClientReset(cfg)
	s, err := session.New(cfg, m.engine, m.logger)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	p := &pendingOpen{session: s, done: make(chan struct{})}
	m.opening[cfg.Path] = p
	m.registerConnectivity()
	m.mu.Unlock()

	openErr := m.engine.OpenSession(cfg.Path)

	m.mu.Lock()
	delete(m.opening, cfg.Path)
	if openErr != nil {
		if m.idle() {
			m.unregisterConnectivity()
		}
		p.err = fmt.Errorf("open session %s: %w", cfg.Path, openErr)
	} else {
		m.sessions[cfg.Path] = s
	}
	m.mu.Unlock()
	close(p.done)

	if openErr != nil {
		s.Close()
		return nil, p.err
	}

	m.logger.WithFields(map[string]interface{}{
		"path":       cfg.Path,
		"session_id": s.ID(),
	}).Info("Session created")

	if m.store != nil {
		rec := state.SessionRecord{
			Path:      cfg.Path,
			SessionID: s.ID(),
			ServerURL: cfg.ServerURL,
			OpenedAt:  m.now(),
		}
		if err := m.store.RecordSession(rec); err != nil {
			m.logger.WithError(err).Warn("Failed to journal session")
		}
	}
	return s, nil
}

// GetSession returns the session for path.
func (m *Manager) GetSession(path string) (*session.Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[path]
	m.mu.Unlock()
	if ok {
		return s, nil
	}
	return nil, models.WithOp(models.ErrNoSession, "get session "+path)
}

// AllSessions returns the open sessions ordered by path.
func (m *Manager) AllSessions() []*session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Path() < all[j].Path() })
	return all
}

// RemoveSession stops, closes and forgets the session for path. Removing
// an unknown path does nothing.
func (m *Manager) RemoveSession(path string) error {
	m.mu.Lock()
	s, ok := m.sessions[path]
	if ok {
		delete(m.sessions, path)
		if m.idle() {
			m.unregisterConnectivity()
		}
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}

	err := s.Stop()
	s.Close()

	if m.store != nil {
		if jerr := m.store.MarkClosed(path, m.now()); jerr != nil {
			m.logger.WithError(jerr).Warn("Failed to journal session close")
		}
	}

	m.logger.WithField("path", path).Info("Session removed")
	if err != nil {
		return fmt.Errorf("remove session: %w", err)
	}
	return nil
}

// Reset closes every session without stopping it and drops the
// connectivity listener.
func (m *Manager) Reset() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*session.Session)
	if m.idle() {
		m.unregisterConnectivity()
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	m.logger.WithField("sessions", len(sessions)).Debug("Manager reset")
}

// Reconnect asks the engine to retry every session now instead of waiting
// for its backoff.
func (m *Manager) Reconnect() error {
	if err := m.engine.Reconnect(); err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}
	return nil
}

// OnConnectivityChange reconnects when the network becomes available.
func (m *Manager) OnConnectivityChange(available bool) {
	if !available {
		return
	}
	if err := m.Reconnect(); err != nil {
		m.logger.WithError(err).Warn("Reconnect after connectivity change failed")
	}
}

// SimulateClientReset makes the engine report a client reset for path.
func (m *Manager) SimulateClientReset(path string) error {
	if _, err := m.GetSession(path); err != nil {
		return err
	}

	injector, ok := m.engine.(engine.ErrorInjector)
	if !ok {
		return ErrClientResetUnsupported
	}
	// No payload, so the session's backup naming convention applies.
	return injector.InjectError(engine.ErrorEvent{
		Path:     path,
		Category: models.ClientResetClient.Type,
		Code:     models.ClientResetClient.Code,
	})
}

// OnError routes an engine error to its session.
func (m *Manager) OnError(ev engine.ErrorEvent) {
	m.route("error", ev.Path, func(s *session.Session) { s.OnError(ev) })
}

// OnProgress routes a progress report to its session.
func (m *Manager) OnProgress(ev engine.ProgressEvent) {
	m.route("progress", ev.Path, func(s *session.Session) { s.OnProgress(ev) })
}

// OnConnectionChange routes a connection transition to its session.
func (m *Manager) OnConnectionChange(ev engine.ConnectionEvent) {
	m.route("connection", ev.Path, func(s *session.Session) { s.OnConnectionChange(ev) })
}

// OnWaitComplete routes a wait completion to its session.
func (m *Manager) OnWaitComplete(ev engine.WaitEvent) {
	m.route("wait", ev.Path, func(s *session.Session) { s.OnWaitComplete(ev) })
}

func (m *Manager) route(kind, path string, forward func(*session.Session)) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.WithFields(map[string]interface{}{
				"event": kind,
				"path":  path,
				"panic": fmt.Sprint(r),
			}).Error("Panic while routing engine event")
		}
	}()

	s := m.lookup(path)
	if s == nil {
		m.logger.WithFields(map[string]interface{}{
			"event": kind,
			"path":  path,
		}).Warn("Cannot find session for engine event")
		return
	}
	forward(s)
}

// lookup also finds sessions whose open is still in flight, so events the
// engine sends while opening are not lost.
func (m *Manager) lookup(path string) *session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[path]; ok {
		return s
	}
	if p, ok := m.opening[path]; ok {
		return p.session
	}
	return nil
}

// idle reports whether no session is open or opening. It requires mu.
func (m *Manager) idle() bool {
	return len(m.sessions) == 0 && len(m.opening) == 0
}

// registerConnectivity requires mu.
func (m *Manager) registerConnectivity() {
	if m.connectivity == nil || m.networkReg != nil {
		return
	}
	m.networkReg = m.connectivity.AddListener(m.OnConnectivityChange)
	m.logger.Debug("Connectivity listener registered")
}

// unregisterConnectivity requires mu.
func (m *Manager) unregisterConnectivity() {
	if m.networkReg == nil {
		return
	}
	m.connectivity.RemoveListener(m.networkReg)
	m.networkReg = nil
	m.logger.Debug("Connectivity listener removed")
}

// journalClientReset records resets before handing them to the configured
// handler.
func (m *Manager) journalClientReset(cfg session.Config) session.ClientResetHandler {
	next := cfg.ClientResetHandler
	if next == nil {
		next = session.DefaultClientResetHandler(m.logger.WithField("path", cfg.Path))
	}
	if m.store == nil {
		return next
	}

	return func(s *session.Session, err *models.ClientResetRequiredError) {
		rec := state.ResetRecord{
			Path:       err.OriginalFile,
			SessionID:  s.ID(),
			BackupPath: err.BackupFile,
			Code:       err.Code.Name,
			Message:    err.Message,
			At:         m.now(),
		}
		if jerr := m.store.RecordClientReset(rec); jerr != nil {
			m.logger.WithError(jerr).Warn("Failed to journal client reset")
		}
		next(s, err)
	}
}
