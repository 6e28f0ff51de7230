package testutil

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/TheMichaelB/syncsession/internal/engine"
	"github.com/TheMichaelB/syncsession/internal/events"
	"github.com/TheMichaelB/syncsession/internal/models"
)

// NewTestLogger creates a logger for testing.
func NewTestLogger() *events.Logger {
	var buf bytes.Buffer
	return events.NewTestLogger(events.DebugLevel, "json", &buf)
}

// NewCapturingLogger returns a debug JSON logger and the capture behind it.
func NewCapturingLogger() (*events.Logger, *LogOutput) {
	out := NewLogOutput()
	return events.NewTestLogger(events.DebugLevel, "json", out), out
}

// RealmPath returns a file path for name inside a per-test directory.
func RealmPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join(t.TempDir(), name+".realm")
}

// ClientResetEvent is the error the server sends when history diverged.
func ClientResetEvent(path, backup string) engine.ErrorEvent {
	return engine.ErrorEvent{
		Path:     path,
		Category: models.TypeClient,
		Code:     models.ClientResetClient.Code,
		Message:  backup,
	}
}

// SampleErrors covers one error per native category.
var SampleErrors = []struct {
	Name     string
	Event    engine.ErrorEvent
	Code     models.ErrorCode
	Category models.Category
}{
	{
		Name:     "protocol fatal",
		Event:    engine.ErrorEvent{Category: models.TypeProtocol, Code: 203, Message: "bad auth"},
		Code:     models.BadAuthentication,
		Category: models.Fatal,
	},
	{
		Name:     "protocol recoverable",
		Event:    engine.ErrorEvent{Category: models.TypeProtocol, Code: 202, Message: "token expired"},
		Code:     models.TokenExpired,
		Category: models.Recoverable,
	},
	{
		Name:     "connection recoverable",
		Event:    engine.ErrorEvent{Category: models.TypeConnection, Code: 104, Message: "reset by peer"},
		Code:     models.ConnectionResetByPeer,
		Category: models.Recoverable,
	},
	{
		Name:     "unknown",
		Event:    engine.ErrorEvent{Category: "vendor.custom", Code: 42, Message: "???"},
		Code:     models.UnknownErrorCode,
		Category: models.Fatal,
	},
}
