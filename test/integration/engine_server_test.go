//go:build integration
// +build integration

package integration_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/TheMichaelB/syncsession/internal/engine"
	"github.com/TheMichaelB/syncsession/internal/events"
	"github.com/TheMichaelB/syncsession/internal/models"
	"github.com/TheMichaelB/syncsession/internal/transport"
)

// engineServer exposes an in-memory engine through the bridge protocol.
type engineServer struct {
	Engine *engine.Memory
	server *httptest.Server

	writeMu sync.Mutex
	conn    *websocket.Conn

	hookMu      sync.Mutex
	beforeReply func(cmd transport.Command)
}

func newEngineServer(t *testing.T) *engineServer {
	t.Helper()

	es := &engineServer{Engine: engine.NewMemory(events.Discard)}
	es.Engine.SetHandler(engine.HandlerFuncs{
		Error:      func(ev engine.ErrorEvent) { es.push("error", ev) },
		Progress:   func(ev engine.ProgressEvent) { es.push("progress", ev) },
		Connection: func(ev engine.ConnectionEvent) { es.push("connection", ev) },
		Wait:       func(ev engine.WaitEvent) { es.push("wait", ev) },
	})

	upgrader := websocket.Upgrader{}
	es.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		es.writeMu.Lock()
		es.conn = conn
		es.writeMu.Unlock()

		for {
			var cmd transport.Command
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			result, err := es.execute(cmd)
			if hook := es.replyHook(); hook != nil {
				hook(cmd)
			}
			es.reply(cmd, result, err)
		}
	}))

	t.Cleanup(func() {
		es.server.Close()
		_ = es.Engine.Close()
	})
	return es
}

// OnBeforeReply runs hook on the server goroutine before every reply.
func (es *engineServer) OnBeforeReply(hook func(cmd transport.Command)) {
	es.hookMu.Lock()
	defer es.hookMu.Unlock()
	es.beforeReply = hook
}

func (es *engineServer) replyHook() func(cmd transport.Command) {
	es.hookMu.Lock()
	defer es.hookMu.Unlock()
	return es.beforeReply
}

func (es *engineServer) URL() string {
	return "ws" + strings.TrimPrefix(es.server.URL, "http")
}

func (es *engineServer) execute(cmd transport.Command) (interface{}, error) {
	m := es.Engine
	switch cmd.Op {
	case "open_session":
		return nil, m.OpenSession(cmd.Path)
	case "start":
		return nil, m.Start(cmd.Path)
	case "stop":
		return nil, m.Stop(cmd.Path)
	case "state":
		return m.State(cmd.Path)
	case "connection_state":
		return m.ConnectionState(cmd.Path)
	case "add_progress_listener":
		dir, err := models.ParseDirection(cmd.Direction)
		if err != nil {
			return nil, err
		}
		return m.AddProgressListener(cmd.Path, cmd.ListenerID, dir, cmd.Streaming)
	case "remove_progress_listener":
		return nil, m.RemoveProgressListener(cmd.Path, cmd.Token)
	case "add_connection_listener":
		return m.AddConnectionListener(cmd.Path)
	case "remove_connection_listener":
		return nil, m.RemoveConnectionListener(cmd.Token, cmd.Path)
	case "wait_for_download":
		return m.WaitForDownloadCompletion(cmd.CallbackID, cmd.Path)
	case "wait_for_upload":
		return m.WaitForUploadCompletion(cmd.CallbackID, cmd.Path)
	case "reconnect":
		return nil, m.Reconnect()
	case "execute_client_reset":
		return m.ExecuteClientReset(cmd.Path, cmd.BackupPath)
	case "inject_error":
		if cmd.Event == nil {
			return nil, nil
		}
		return nil, m.InjectError(*cmd.Event)
	}
	return nil, &unknownOp{cmd.Op}
}

type unknownOp struct{ op string }

func (e *unknownOp) Error() string { return "unknown op " + e.op }

func (es *engineServer) reply(cmd transport.Command, result interface{}, err error) {
	frame := map[string]interface{}{"op": "reply", "req": cmd.Req, "ok": err == nil}
	if err != nil {
		frame["error"] = err.Error()
		if strings.Contains(err.Error(), engine.ErrUnknownSession.Error()) {
			frame["code"] = "unknown_session"
		}
	} else if result != nil {
		frame["result"] = result
	}
	es.write(frame)
}

func (es *engineServer) push(op string, ev interface{}) {
	es.write(map[string]interface{}{"op": op, "event": ev})
}

func (es *engineServer) write(frame interface{}) {
	es.writeMu.Lock()
	defer es.writeMu.Unlock()
	if es.conn != nil {
		_ = es.conn.WriteJSON(frame)
	}
}

