// Package transport connects to an out-of-process sync engine over a
// WebSocket.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/TheMichaelB/syncsession/internal/config"
	"github.com/TheMichaelB/syncsession/internal/engine"
	"github.com/TheMichaelB/syncsession/internal/events"
	"github.com/TheMichaelB/syncsession/internal/models"
)

var (
	_ engine.Engine        = (*Bridge)(nil)
	_ engine.ErrorInjector = (*Bridge)(nil)
)

// Reply error codes understood by the bridge.
const (
	codeUnknownSession = "unknown_session"
)

const writeTimeout = 10 * time.Second

// Command is a request frame sent to the engine.
type Command struct {
	Op         string             `json:"op"`
	Req        uint64             `json:"req"`
	Path       string             `json:"path,omitempty"`
	ListenerID int64              `json:"listener_id,omitempty"`
	Direction  string             `json:"direction,omitempty"`
	Streaming  bool               `json:"streaming,omitempty"`
	Token      int64              `json:"token,omitempty"`
	CallbackID int32              `json:"callback_id,omitempty"`
	BackupPath string             `json:"backup_path,omitempty"`
	Event      *engine.ErrorEvent `json:"event,omitempty"`
}

type reply struct {
	result gjson.Result
	err    error
}

// Bridge implements engine.Engine by exchanging JSON frames with a remote
// engine. Replies are matched to requests by id; every other frame is an
// event for the handler.
type Bridge struct {
	url            string
	requestTimeout time.Duration
	pingInterval   time.Duration
	logger         *events.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	nextReq atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan reply
	handler engine.Handler
	closed  bool
	lost    error

	cancel context.CancelFunc
	group  *errgroup.Group
	done   chan struct{}
}

// Dial connects to the engine at cfg.URL.
func Dial(ctx context.Context, cfg config.EngineConfig, logger *events.Logger) (*Bridge, error) {
	logger = logger.WithField("component", "engine_bridge")
	logger.WithField("url", cfg.URL).Info("Connecting to sync engine")

	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: connect failed (HTTP %d): %w", models.ErrEngineUnavailable, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("%w: connect failed: %w", models.ErrEngineUnavailable, err)
	}

	b := &Bridge{
		url:            cfg.URL,
		requestTimeout: cfg.RequestTimeout,
		pingInterval:   cfg.PingInterval,
		logger:         logger,
		conn:           conn,
		pending:        make(map[uint64]chan reply),
		done:           make(chan struct{}),
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	g, gctx := errgroup.WithContext(loopCtx)
	g.Go(b.readLoop)
	g.Go(func() error { return b.pingLoop(gctx) })
	b.group = g

	logger.Info("Sync engine connected")
	return b, nil
}

// SetHandler installs the receiver of engine events.
func (b *Bridge) SetHandler(h engine.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

func (b *Bridge) OpenSession(path string) error {
	_, err := b.call(Command{Op: "open_session", Path: path})
	return err
}

func (b *Bridge) Start(path string) error {
	_, err := b.call(Command{Op: "start", Path: path})
	return err
}

func (b *Bridge) Stop(path string) error {
	_, err := b.call(Command{Op: "stop", Path: path})
	return err
}

func (b *Bridge) State(path string) (int8, error) {
	res, err := b.call(Command{Op: "state", Path: path})
	if err != nil {
		return models.NotFound, err
	}
	return int8(res.Int()), nil
}

func (b *Bridge) ConnectionState(path string) (int8, error) {
	res, err := b.call(Command{Op: "connection_state", Path: path})
	if err != nil {
		return models.NotFound, err
	}
	return int8(res.Int()), nil
}

func (b *Bridge) AddProgressListener(path string, listenerID int64, direction models.Direction, streaming bool) (int64, error) {
	res, err := b.call(Command{
		Op:         "add_progress_listener",
		Path:       path,
		ListenerID: listenerID,
		Direction:  direction.String(),
		Streaming:  streaming,
	})
	if err != nil {
		return 0, err
	}
	return res.Int(), nil
}

func (b *Bridge) RemoveProgressListener(path string, token int64) error {
	_, err := b.call(Command{Op: "remove_progress_listener", Path: path, Token: token})
	return err
}

func (b *Bridge) AddConnectionListener(path string) (int64, error) {
	res, err := b.call(Command{Op: "add_connection_listener", Path: path})
	if err != nil {
		return 0, err
	}
	return res.Int(), nil
}

func (b *Bridge) RemoveConnectionListener(token int64, path string) error {
	_, err := b.call(Command{Op: "remove_connection_listener", Path: path, Token: token})
	return err
}

func (b *Bridge) WaitForDownloadCompletion(callbackID int32, path string) (bool, error) {
	res, err := b.call(Command{Op: "wait_for_download", Path: path, CallbackID: callbackID})
	if err != nil {
		return false, err
	}
	return res.Bool(), nil
}

func (b *Bridge) WaitForUploadCompletion(callbackID int32, path string) (bool, error) {
	res, err := b.call(Command{Op: "wait_for_upload", Path: path, CallbackID: callbackID})
	if err != nil {
		return false, err
	}
	return res.Bool(), nil
}

func (b *Bridge) Reconnect() error {
	_, err := b.call(Command{Op: "reconnect"})
	return err
}

func (b *Bridge) ExecuteClientReset(path, backupPath string) (bool, error) {
	res, err := b.call(Command{Op: "execute_client_reset", Path: path, BackupPath: backupPath})
	if err != nil {
		return false, err
	}
	return res.Bool(), nil
}

// InjectError asks the engine to raise ev. Engines without test hooks
// reply with an error.
func (b *Bridge) InjectError(ev engine.ErrorEvent) error {
	_, err := b.call(Command{Op: "inject_error", Path: ev.Path, Event: &ev})
	return err
}

// Close sends a normal closure and waits for the loops to exit. Pending
// requests fail with models.ErrEngineUnavailable.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()

	b.writeMu.Lock()
	_ = b.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	b.writeMu.Unlock()

	b.cancel()
	err := b.conn.Close()
	_ = b.group.Wait()

	b.failPending(models.ErrEngineUnavailable)
	b.logger.Debug("Sync engine bridge closed")
	return err
}

func (b *Bridge) call(cmd Command) (gjson.Result, error) {
	cmd.Req = b.nextReq.Add(1)
	ch := make(chan reply, 1)

	b.mu.Lock()
	if b.closed || b.lost != nil {
		lost := b.lost
		b.mu.Unlock()
		if lost != nil {
			return gjson.Result{}, fmt.Errorf("%w: %s: %w", models.ErrEngineUnavailable, cmd.Op, lost)
		}
		return gjson.Result{}, fmt.Errorf("%w: %s: bridge closed", models.ErrEngineUnavailable, cmd.Op)
	}
	b.pending[cmd.Req] = ch
	b.mu.Unlock()

	if err := b.write(cmd); err != nil {
		b.forget(cmd.Req)
		return gjson.Result{}, fmt.Errorf("%w: send %s: %w", models.ErrEngineUnavailable, cmd.Op, err)
	}

	timer := time.NewTimer(b.requestTimeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			return gjson.Result{}, fmt.Errorf("%s: %w", cmd.Op, r.err)
		}
		return r.result, nil
	case <-timer.C:
		b.forget(cmd.Req)
		return gjson.Result{}, fmt.Errorf("%w: %s timed out after %s", models.ErrEngineUnavailable, cmd.Op, b.requestTimeout)
	}
}

func (b *Bridge) write(cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	_ = b.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return b.conn.WriteMessage(websocket.TextMessage, data)
}

func (b *Bridge) forget(req uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, req)
}

func (b *Bridge) failPending(err error) {
	b.mu.Lock()
	pending := b.pending
	b.pending = make(map[uint64]chan reply)
	b.mu.Unlock()

	for _, ch := range pending {
		ch <- reply{err: err}
	}
}

func (b *Bridge) readLoop() error {
	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			select {
			case <-b.done:
				return nil
			default:
			}

			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.logger.WithError(err).Error("Sync engine connection lost")
			}
			b.mu.Lock()
			b.lost = err
			b.mu.Unlock()
			b.failPending(fmt.Errorf("%w: %w", models.ErrEngineUnavailable, err))
			return err
		}

		b.handleFrame(data)
	}
}

func (b *Bridge) handleFrame(data []byte) {
	if !gjson.ValidBytes(data) {
		b.logger.WithField("size", len(data)).Warn("Ignoring malformed frame")
		return
	}

	op := gjson.GetBytes(data, "op").String()
	if op == "reply" {
		b.handleReply(data)
		return
	}

	b.mu.Lock()
	h := b.handler
	b.mu.Unlock()
	if h == nil {
		b.logger.WithField("op", op).Debug("No handler for engine event")
		return
	}

	raw := []byte(gjson.GetBytes(data, "event").Raw)
	var err error
	switch op {
	case "error":
		var ev engine.ErrorEvent
		if err = json.Unmarshal(raw, &ev); err == nil {
			b.deliver(op, func() { h.OnError(ev) })
		}
	case "progress":
		var ev engine.ProgressEvent
		if err = json.Unmarshal(raw, &ev); err == nil {
			b.deliver(op, func() { h.OnProgress(ev) })
		}
	case "connection":
		var ev engine.ConnectionEvent
		if err = json.Unmarshal(raw, &ev); err == nil {
			b.deliver(op, func() { h.OnConnectionChange(ev) })
		}
	case "wait":
		var ev engine.WaitEvent
		if err = json.Unmarshal(raw, &ev); err == nil {
			b.deliver(op, func() { h.OnWaitComplete(ev) })
		}
	default:
		b.logger.WithField("op", op).Warn("Unknown engine event")
		return
	}

	if err != nil {
		b.logger.WithError(err).WithField("op", op).Warn("Malformed engine event")
	}
}

func (b *Bridge) handleReply(data []byte) {
	fields := gjson.GetManyBytes(data, "req", "ok", "result", "error", "code")
	req := fields[0].Uint()

	b.mu.Lock()
	ch, ok := b.pending[req]
	delete(b.pending, req)
	b.mu.Unlock()

	if !ok {
		b.logger.WithField("req", req).Debug("Reply for unknown request")
		return
	}

	if fields[1].Bool() {
		ch <- reply{result: fields[2]}
		return
	}

	msg := fields[3].String()
	if fields[4].String() == codeUnknownSession {
		ch <- reply{err: fmt.Errorf("%w: %s", engine.ErrUnknownSession, msg)}
		return
	}
	ch <- reply{err: errors.New(msg)}
}

func (b *Bridge) deliver(op string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithFields(map[string]interface{}{
				"op":    op,
				"panic": fmt.Sprint(r),
			}).Error("Engine event handler panicked")
		}
	}()
	fn()
}

func (b *Bridge) pingLoop(ctx context.Context) error {
	if b.pingInterval <= 0 {
		return nil
	}

	ticker := time.NewTicker(b.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.writeMu.Lock()
			err := b.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			b.writeMu.Unlock()
			if err != nil {
				b.logger.WithError(err).Warn("Ping failed")
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}
