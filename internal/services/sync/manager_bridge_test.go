package sync_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/syncsession/internal/config"
	"github.com/TheMichaelB/syncsession/internal/engine"
	"github.com/TheMichaelB/syncsession/internal/events"
	"github.com/TheMichaelB/syncsession/internal/models"
	"github.com/TheMichaelB/syncsession/internal/services/sync"
	"github.com/TheMichaelB/syncsession/internal/session"
	"github.com/TheMichaelB/syncsession/internal/transport"
	"github.com/TheMichaelB/syncsession/test/testutil"
)

// chattyEngine answers bridge commands and, before acknowledging the open
// of any path other than the first, reports progress for the first path's
// most recent listener.
type chattyEngine struct {
	server *httptest.Server

	mu       stdsync.Mutex
	first    string
	listener int64
}

func newChattyEngine(t *testing.T) *chattyEngine {
	t.Helper()

	c := &chattyEngine{}
	upgrader := websocket.Upgrader{}

	c.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			var cmd transport.Command
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}

			var result interface{}
			c.mu.Lock()
			switch cmd.Op {
			case "open_session":
				if c.first == "" {
					c.first = cmd.Path
				} else if c.listener != 0 {
					_ = conn.WriteJSON(map[string]interface{}{
						"op": "progress",
						"event": engine.ProgressEvent{
							Path:         c.first,
							ListenerID:   c.listener,
							Transferred:  3,
							Transferable: 10,
						},
					})
				}
			case "add_progress_listener":
				c.listener = cmd.ListenerID
				result = 5
			}
			c.mu.Unlock()

			frame := map[string]interface{}{"op": "reply", "req": cmd.Req, "ok": true}
			if result != nil {
				frame["result"] = result
			}
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		}
	}))
	t.Cleanup(c.server.Close)
	return c
}

func (c *chattyEngine) url() string {
	return "ws" + strings.TrimPrefix(c.server.URL, "http")
}

func TestManagerOverBridgeOpensWhileEventsArrive(t *testing.T) {
	fake := newChattyEngine(t)

	cfg := config.DefaultConfig().Engine
	cfg.URL = fake.url()
	cfg.RequestTimeout = 2 * time.Second

	bridge, err := transport.Dial(context.Background(), cfg, events.Discard)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bridge.Close() })

	m := sync.NewManager(bridge, events.Discard)

	sa, err := m.GetOrCreateSession(session.Config{Path: "/data/a.realm"})
	require.NoError(t, err)

	var mu stdsync.Mutex
	var seen []models.Progress
	_, err = sa.AddUploadProgressListener(models.Indefinitely, func(p models.Progress) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, p)
	})
	require.NoError(t, err)

	start := time.Now()
	sb, err := m.GetOrCreateSession(session.Config{Path: "/data/b.realm"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), cfg.RequestTimeout)
	assert.Equal(t, "/data/b.realm", sb.Path())

	ctx, cancel := testutil.TestContext()
	defer cancel()
	require.NoError(t, sa.Flush(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []models.Progress{{TransferredBytes: 3, TransferableBytes: 10}}, seen)
}
