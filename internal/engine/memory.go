package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/TheMichaelB/syncsession/internal/dispatch"
	"github.com/TheMichaelB/syncsession/internal/events"
	"github.com/TheMichaelB/syncsession/internal/models"
)

var (
	_ Engine        = (*Memory)(nil)
	_ ErrorInjector = (*Memory)(nil)
)

// ErrUnknownSession is returned by Memory for paths that were never opened.
var ErrUnknownSession = errors.New("unknown session")

// WaitFailure makes a wait complete with an engine error.
type WaitFailure struct {
	Category string
	Code     int64
	Message  string
}

// Memory is an in-process engine that simulates transfers. Callbacks are
// delivered in order on a dedicated goroutine.
type Memory struct {
	logger *events.Logger
	queue  *dispatch.Queue

	// syncRegistration delivers the first report of a streaming progress
	// listener on the registering goroutine, before the token is returned.
	syncRegistration bool

	mu         sync.Mutex
	handler    Handler
	sessions   map[string]*memSession
	nextToken  int64
	reconnects int
	closed     bool
}

type memCounter struct {
	transferred  uint64
	transferable uint64
}

func (c *memCounter) drained() bool {
	return c.transferred >= c.transferable
}

type memListener struct {
	id        int64
	direction models.Direction
	streaming bool
	target    uint64
}

type memWait struct {
	id        int32
	direction models.Direction
}

type memSession struct {
	state      models.SessionState
	conn       models.ConnectionState
	counters   map[models.Direction]*memCounter
	listeners  map[int64]*memListener
	connTokens map[int64]struct{}
	waits      []memWait
	failNext   *WaitFailure
	resets     int
}

// MemoryOption configures a Memory engine.
type MemoryOption func(*Memory)

// WithSynchronousRegistration makes AddProgressListener report the initial
// progress of streaming listeners before it returns.
func WithSynchronousRegistration() MemoryOption {
	return func(m *Memory) {
		m.syncRegistration = true
	}
}

// NewMemory starts a simulated engine.
func NewMemory(logger *events.Logger, opts ...MemoryOption) *Memory {
	logger = logger.WithField("component", "memory_engine")
	m := &Memory{
		logger:   logger,
		queue:    dispatch.New(logger),
		sessions: make(map[string]*memSession),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetHandler installs the callback receiver.
func (m *Memory) SetHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// OpenSession creates an inactive session for path. Opening twice is a no-op.
func (m *Memory) OpenSession(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return models.ErrEngineUnavailable
	}
	if _, ok := m.sessions[path]; ok {
		return nil
	}

	m.sessions[path] = &memSession{
		state: models.Inactive,
		conn:  models.Disconnected,
		counters: map[models.Direction]*memCounter{
			models.Download: {},
			models.Upload:   {},
		},
		listeners:  make(map[int64]*memListener),
		connTokens: make(map[int64]struct{}),
	}
	m.logger.WithField("path", path).Debug("Opened session")
	return nil
}

// Start activates the session and connects it.
func (m *Memory) Start(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookup(path)
	if err != nil {
		return err
	}

	s.state = models.Active
	m.connect(path, s)
	return nil
}

// Stop deactivates the session. Unsent local changes keep it dying until
// the upload drains.
func (m *Memory) Stop(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookup(path)
	if err != nil {
		return err
	}

	if s.state != models.Active {
		return nil
	}

	if !s.counters[models.Upload].drained() {
		s.state = models.Dying
		return nil
	}

	s.state = models.Inactive
	m.setConnection(path, s, models.Disconnected)
	return nil
}

// State returns the native state code or models.NotFound.
func (m *Memory) State(path string) (int8, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return models.NotFound, models.ErrEngineUnavailable
	}
	s, ok := m.sessions[path]
	if !ok {
		return models.NotFound, nil
	}
	return int8(s.state), nil
}

// ConnectionState returns the native connection code or models.NotFound.
func (m *Memory) ConnectionState(path string) (int8, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return models.NotFound, models.ErrEngineUnavailable
	}
	s, ok := m.sessions[path]
	if !ok {
		return models.NotFound, nil
	}
	return int8(s.conn), nil
}

// AddProgressListener registers listenerID. A non-streaming listener with
// nothing outstanding gets token 0 and is never reported.
func (m *Memory) AddProgressListener(path string, listenerID int64, direction models.Direction, streaming bool) (int64, error) {
	m.mu.Lock()

	s, err := m.lookup(path)
	if err != nil {
		m.mu.Unlock()
		return 0, err
	}

	c := s.counters[direction]
	if c == nil {
		m.mu.Unlock()
		return 0, fmt.Errorf("add progress listener: invalid direction %d", direction)
	}

	if !streaming && c.drained() {
		m.mu.Unlock()
		return 0, nil
	}

	m.nextToken++
	token := m.nextToken
	l := &memListener{
		id:        listenerID,
		direction: direction,
		streaming: streaming,
		target:    c.transferable,
	}
	s.listeners[token] = l
	ev := progressEvent(path, l, c)

	if !m.syncRegistration || !streaming {
		m.emit(func(h Handler) { h.OnProgress(ev) })
		m.mu.Unlock()
		return token, nil
	}

	h := m.handler
	m.mu.Unlock()
	if h != nil {
		h.OnProgress(ev)
	}
	return token, nil
}

// RemoveProgressListener drops the token. Unknown tokens are ignored.
func (m *Memory) RemoveProgressListener(path string, token int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[path]; ok {
		delete(s.listeners, token)
	}
	return nil
}

// AddConnectionListener enables connection events for path.
func (m *Memory) AddConnectionListener(path string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookup(path)
	if err != nil {
		return 0, err
	}

	m.nextToken++
	s.connTokens[m.nextToken] = struct{}{}
	return m.nextToken, nil
}

// RemoveConnectionListener drops the token. Unknown tokens are ignored.
func (m *Memory) RemoveConnectionListener(token int64, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[path]; ok {
		delete(s.connTokens, token)
	}
	return nil
}

func (m *Memory) WaitForDownloadCompletion(callbackID int32, path string) (bool, error) {
	return m.waitFor(callbackID, path, models.Download)
}

func (m *Memory) WaitForUploadCompletion(callbackID int32, path string) (bool, error) {
	return m.waitFor(callbackID, path, models.Upload)
}

func (m *Memory) waitFor(callbackID int32, path string, direction models.Direction) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, nil
	}
	s, ok := m.sessions[path]
	if !ok {
		return false, nil
	}

	s.waits = append(s.waits, memWait{id: callbackID, direction: direction})
	if s.counters[direction].drained() {
		m.completeWaits(path, s, direction)
	}
	return true, nil
}

// Reconnect reconnects every live session.
func (m *Memory) Reconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return models.ErrEngineUnavailable
	}

	m.reconnects++
	for path, s := range m.sessions {
		if s.state != models.Inactive {
			m.connect(path, s)
		}
	}
	return nil
}

// ExecuteClientReset moves the local file of an inactive session to
// backupPath and forgets its transfer history.
func (m *Memory) ExecuteClientReset(path, backupPath string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookup(path)
	if err != nil {
		return false, err
	}
	if s.state != models.Inactive {
		return false, nil
	}

	if _, err := os.Stat(path); err == nil {
		if err := os.MkdirAll(filepath.Dir(backupPath), 0700); err != nil {
			return false, fmt.Errorf("create backup dir: %w", err)
		}
		if err := os.Rename(path, backupPath); err != nil {
			return false, fmt.Errorf("move %s to backup: %w", path, err)
		}
	}

	s.resets++
	s.counters[models.Download] = &memCounter{}
	s.counters[models.Upload] = &memCounter{}
	return true, nil
}

// Close stops callback delivery. Later calls fail with ErrEngineUnavailable.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.queue.Close()
	return nil
}

// AddPending queues local or remote changes of the given size.
func (m *Memory) AddPending(path string, direction models.Direction, bytes uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookup(path)
	if err != nil {
		return err
	}

	c := s.counters[direction]
	c.transferable += bytes
	m.reportProgress(path, s, direction)
	return nil
}

// Transfer moves up to bytes of pending changes. Draining a direction
// completes its waits; draining the upload of a dying session deactivates it.
func (m *Memory) Transfer(path string, direction models.Direction, bytes uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookup(path)
	if err != nil {
		return err
	}

	c := s.counters[direction]
	c.transferred += bytes
	if c.transferred > c.transferable {
		c.transferred = c.transferable
	}
	m.reportProgress(path, s, direction)

	if !c.drained() {
		return nil
	}

	m.completeWaits(path, s, direction)
	if direction == models.Upload && s.state == models.Dying {
		s.state = models.Inactive
		m.setConnection(path, s, models.Disconnected)
	}
	return nil
}

// SetConnection forces a connection state.
func (m *Memory) SetConnection(path string, state models.ConnectionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookup(path)
	if err != nil {
		return err
	}
	m.setConnection(path, s, state)
	return nil
}

// InjectError raises an error for ev.Path.
func (m *Memory) InjectError(ev ErrorEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.lookup(ev.Path); err != nil {
		return err
	}
	m.emit(func(h Handler) { h.OnError(ev) })
	return nil
}

// FailNextWait makes the next completed wait on path report failure.
func (m *Memory) FailNextWait(path string, failure WaitFailure) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookup(path)
	if err != nil {
		return err
	}
	s.failNext = &failure
	return nil
}

// CompleteWait delivers a completion for callbackID whether or not it is
// still outstanding.
func (m *Memory) CompleteWait(path string, callbackID int32, failure *WaitFailure) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[path]; ok {
		kept := s.waits[:0]
		for _, w := range s.waits {
			if w.id != callbackID {
				kept = append(kept, w)
			}
		}
		s.waits = kept
	}
	m.emitWait(path, callbackID, failure)
}

// PendingWaits returns the outstanding wait ids for path in ascending order.
func (m *Memory) PendingWaits(path string) []int32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[path]
	if !ok {
		return nil
	}
	ids := make([]int32, 0, len(s.waits))
	for _, w := range s.waits {
		ids = append(ids, w.id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Forget drops the native session, as happens when its file is released.
func (m *Memory) Forget(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, path)
}

// ListenerCount returns the progress tokens registered for path.
func (m *Memory) ListenerCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[path]; ok {
		return len(s.listeners)
	}
	return 0
}

// ConnectionListenerCount returns the connection tokens registered for path.
func (m *Memory) ConnectionListenerCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[path]; ok {
		return len(s.connTokens)
	}
	return 0
}

// Reconnects returns how many times Reconnect was called.
func (m *Memory) Reconnects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnects
}

// Resets returns how many client resets were executed for path.
func (m *Memory) Resets(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[path]; ok {
		return s.resets
	}
	return 0
}

// Flush waits until every callback raised so far has been delivered.
func (m *Memory) Flush(ctx context.Context) error {
	return m.queue.Flush(ctx)
}

func (m *Memory) lookup(path string) (*memSession, error) {
	if m.closed {
		return nil, models.ErrEngineUnavailable
	}
	s, ok := m.sessions[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, path)
	}
	return s, nil
}

func (m *Memory) connect(path string, s *memSession) {
	if s.conn == models.Connected {
		return
	}
	m.setConnection(path, s, models.Connecting)
	m.setConnection(path, s, models.Connected)
}

func (m *Memory) setConnection(path string, s *memSession, state models.ConnectionState) {
	old := s.conn
	if old == state {
		return
	}
	s.conn = state
	if len(s.connTokens) == 0 {
		return
	}

	ev := ConnectionEvent{Path: path, Old: int8(old), New: int8(state)}
	m.emit(func(h Handler) { h.OnConnectionChange(ev) })
}

func (m *Memory) reportProgress(path string, s *memSession, direction models.Direction) {
	c := s.counters[direction]
	for token, l := range s.listeners {
		if l.direction != direction {
			continue
		}
		ev := progressEvent(path, l, c)
		m.emit(func(h Handler) { h.OnProgress(ev) })

		if !l.streaming && ev.Transferred >= ev.Transferable {
			delete(s.listeners, token)
		}
	}
}

func (m *Memory) completeWaits(path string, s *memSession, direction models.Direction) {
	kept := s.waits[:0]
	for _, w := range s.waits {
		if w.direction != direction {
			kept = append(kept, w)
			continue
		}
		failure := s.failNext
		s.failNext = nil
		m.emitWait(path, w.id, failure)
	}
	s.waits = kept
}

func (m *Memory) emitWait(path string, callbackID int32, failure *WaitFailure) {
	ev := WaitEvent{Path: path, CallbackID: callbackID}
	if failure != nil {
		code := failure.Code
		ev.ErrorCategory = failure.Category
		ev.ErrorCode = &code
		ev.ErrorMessage = failure.Message
	}
	m.emit(func(h Handler) { h.OnWaitComplete(ev) })
}

// emit queues a callback. The handler is resolved at delivery time.
func (m *Memory) emit(deliver func(Handler)) {
	m.queue.Push(func() {
		m.mu.Lock()
		h := m.handler
		m.mu.Unlock()
		if h != nil {
			deliver(h)
		}
	})
}

func progressEvent(path string, l *memListener, c *memCounter) ProgressEvent {
	if l.streaming {
		return ProgressEvent{
			Path:         path,
			ListenerID:   l.id,
			Transferred:  c.transferred,
			Transferable: c.transferable,
		}
	}

	transferred := c.transferred
	if transferred > l.target {
		transferred = l.target
	}
	return ProgressEvent{
		Path:         path,
		ListenerID:   l.id,
		Transferred:  transferred,
		Transferable: l.target,
	}
}
