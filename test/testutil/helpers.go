package testutil

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/TheMichaelB/syncsession/internal/config"
)

// LogEntry represents a captured log entry for testing
type LogEntry struct {
	Level   string                 `json:"level"`
	Message string                 `json:"msg"`
	Fields  map[string]interface{} `json:"-"`
}

// TestTimeout provides timeout context for tests.
func TestTimeout(duration time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), duration)
}

// TestContext creates a test context with reasonable timeout.
func TestContext() (context.Context, context.CancelFunc) {
	return TestTimeout(30 * time.Second)
}

// TestConfigWithDir creates a test configuration rooted at dataDir.
func TestConfigWithDir(dataDir string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.App.ID = "test-app"
	cfg.App.SyncRootDir = filepath.Join(dataDir, "files")
	cfg.Storage.JournalPath = filepath.Join(dataDir, "journal.db")
	cfg.Log = config.LogConfig{
		Level:  "debug",
		Format: "json",
		Color:  false,
	}
	return cfg
}

// WaitForCondition waits for a condition to be true with timeout.
func WaitForCondition(t *testing.T, condition func() bool, timeout time.Duration, message string) {
	t.Helper()

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if condition() {
			return
		}
		select {
		case <-timer.C:
			t.Fatalf("Timeout waiting for condition: %s", message)
		case <-ticker.C:
		}
	}
}

// LogOutput captures JSON log output for testing.
type LogOutput struct {
	mu      sync.RWMutex
	entries []LogEntry
}

// NewLogOutput creates a new log output capturer.
func NewLogOutput() *LogOutput {
	return &LogOutput{}
}

// Write implements io.Writer. Each call carries one JSON line.
func (lo *LogOutput) Write(p []byte) (n int, err error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(p, &fields); err == nil {
		entry := LogEntry{Fields: fields}
		entry.Level, _ = fields["level"].(string)
		entry.Message, _ = fields["msg"].(string)

		lo.mu.Lock()
		lo.entries = append(lo.entries, entry)
		lo.mu.Unlock()
	}
	return len(p), nil
}

// Entries returns captured log entries.
func (lo *LogOutput) Entries() []LogEntry {
	lo.mu.RLock()
	defer lo.mu.RUnlock()

	entries := make([]LogEntry, len(lo.entries))
	copy(entries, lo.entries)
	return entries
}

// Find returns the entries whose message contains message.
func (lo *LogOutput) Find(message string) []LogEntry {
	var found []LogEntry
	for _, entry := range lo.Entries() {
		if strings.Contains(entry.Message, message) {
			found = append(found, entry)
		}
	}
	return found
}

// HasLevel checks if any log entry has the specified level.
func (lo *LogOutput) HasLevel(level string) bool {
	for _, entry := range lo.Entries() {
		if entry.Level == level {
			return true
		}
	}
	return false
}

// HasMessage checks if any log entry contains the message.
func (lo *LogOutput) HasMessage(message string) bool {
	return len(lo.Find(message)) > 0
}

// Clear clears all captured entries.
func (lo *LogOutput) Clear() {
	lo.mu.Lock()
	defer lo.mu.Unlock()
	lo.entries = nil
}
