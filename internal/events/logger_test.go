package events_test

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/syncsession/internal/config"
	"github.com/TheMichaelB/syncsession/internal/events"
)

func TestNewLogger(t *testing.T) {
	cfg := &config.LogConfig{
		Level:  "debug",
		Format: "json",
		File:   filepath.Join(t.TempDir(), "app.log"),
	}

	logger, err := events.NewLogger(cfg)
	require.NoError(t, err)
	assert.Equal(t, events.DebugLevel, logger.Level())
}

func TestLoggerWithField(t *testing.T) {
	var buf bytes.Buffer
	logger := events.NewTestLogger(events.InfoLevel, "json", &buf)

	logger.WithField("session_id", "abc").Info("test message")

	output := buf.String()
	assert.Contains(t, output, `"session_id":"abc"`)
	assert.Contains(t, output, `"msg":"test message"`)
	assert.Contains(t, output, `"level":"info"`)
}

func TestLoggerWithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := events.NewTestLogger(events.InfoLevel, "json", &buf)

	logger.WithFields(map[string]interface{}{
		"path":        "/data/default.realm",
		"listener_id": int64(7),
	}).Info("multi-field test")

	output := buf.String()
	assert.Contains(t, output, `"path":"/data/default.realm"`)
	assert.Contains(t, output, `"listener_id":7`)
	assert.Contains(t, output, `"msg":"multi-field test"`)
}

func TestLoggerDerivedDoesNotLeakFields(t *testing.T) {
	var buf bytes.Buffer
	parent := events.NewTestLogger(events.InfoLevel, "json", &buf)

	_ = parent.WithField("child_only", true)
	parent.Info("parent")

	assert.NotContains(t, buf.String(), "child_only")
}

func TestLoggerLevels(t *testing.T) {
	tests := []struct {
		name      string
		logLevel  events.LogLevel
		msgLevel  events.LogLevel
		shouldLog bool
	}{
		{"debug logger, debug message", events.DebugLevel, events.DebugLevel, true},
		{"debug logger, info message", events.DebugLevel, events.InfoLevel, true},
		{"info logger, debug message", events.InfoLevel, events.DebugLevel, false},
		{"info logger, info message", events.InfoLevel, events.InfoLevel, true},
		{"error logger, warn message", events.ErrorLevel, events.WarnLevel, false},
		{"error logger, error message", events.ErrorLevel, events.ErrorLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := events.NewTestLogger(tt.logLevel, "text", &buf)

			switch tt.msgLevel {
			case events.DebugLevel:
				logger.Debug("test debug")
			case events.InfoLevel:
				logger.Info("test info")
			case events.WarnLevel:
				logger.Warn("test warn")
			case events.ErrorLevel:
				logger.Error("test error")
			}

			if tt.shouldLog {
				assert.NotEmpty(t, buf.String())
			} else {
				assert.Empty(t, buf.String())
			}
		})
	}
}

func TestLoggerSetLevelPropagates(t *testing.T) {
	var buf bytes.Buffer
	root := events.NewTestLogger(events.InfoLevel, "text", &buf)
	child := root.WithField("component", "session")

	child.Debug("hidden")
	assert.Empty(t, buf.String())

	root.SetLevel(events.DebugLevel)
	child.Debug("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestLoggerTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := events.NewTestLogger(events.InfoLevel, "text", &buf)

	logger.WithField("key", "value").Info("test message")

	output := buf.String()
	assert.Contains(t, output, "[INFO]")
	assert.Contains(t, output, "test message")
	assert.Contains(t, output, "key=value")
	assert.NotContains(t, output, "hostname=")
}

func TestLoggerWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := events.NewTestLogger(events.InfoLevel, "json", &buf)

	logger.WithError(errors.New("boom \"quoted\"")).Error("failed")
	assert.Contains(t, buf.String(), `"error":"boom \"quoted\""`)

	assert.Same(t, logger, logger.WithError(nil))
}

func TestLoggerConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	logger := events.NewTestLogger(events.InfoLevel, "json", &buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			logger.WithField("n", i).Info("line")
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 20)
	for _, line := range lines {
		assert.True(t, strings.HasPrefix(line, "{") && strings.HasSuffix(line, "}"), line)
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, events.DebugLevel, events.ParseLevel("DEBUG"))
	assert.Equal(t, events.WarnLevel, events.ParseLevel("warn"))
	assert.Equal(t, events.ErrorLevel, events.ParseLevel("error"))
	assert.Equal(t, events.InfoLevel, events.ParseLevel("nonsense"))
}
