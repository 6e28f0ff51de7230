package config_test

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/syncsession/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()

	assert.NotEmpty(t, cfg.App.ID)
	assert.NotEmpty(t, cfg.App.SyncRootDir)
	assert.Equal(t, "memory", cfg.Engine.Kind)
	assert.Positive(t, cfg.Engine.RequestTimeout)
	assert.Equal(t, "recovered-realms", cfg.Sync.BackupDir)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr string
	}{
		{
			name:    "valid config",
			modify:  func(c *config.Config) {},
			wantErr: "",
		},
		{
			name: "missing app id",
			modify: func(c *config.Config) {
				c.App.ID = ""
			},
			wantErr: "app.id is required",
		},
		{
			name: "unknown engine kind",
			modify: func(c *config.Config) {
				c.Engine.Kind = "carrier-pigeon"
			},
			wantErr: "invalid engine kind",
		},
		{
			name: "websocket engine with http url",
			modify: func(c *config.Config) {
				c.Engine.Kind = "websocket"
				c.Engine.URL = "http://localhost:9090"
			},
			wantErr: "engine.url must be a ws://",
		},
		{
			name: "websocket engine",
			modify: func(c *config.Config) {
				c.Engine.Kind = "websocket"
				c.Engine.URL = "wss://engine.example.com/bridge"
			},
			wantErr: "",
		},
		{
			name: "negative request timeout",
			modify: func(c *config.Config) {
				c.Engine.RequestTimeout = -1
			},
			wantErr: "engine.request_timeout must be positive",
		},
		{
			name: "monitor without probe url",
			modify: func(c *config.Config) {
				c.Network.Enabled = true
				c.Network.ProbeURL = ""
			},
			wantErr: "network.probe_url is required",
		},
		{
			name: "invalid log level",
			modify: func(c *config.Config) {
				c.Log.Level = "invalid"
			},
			wantErr: "invalid log level",
		},
		{
			name: "invalid log format",
			modify: func(c *config.Config) {
				c.Log.Format = "xml"
			},
			wantErr: "invalid log format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoaderEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SYNCSESSION_APP_ID", "env-app")
	t.Setenv("SYNCSESSION_ENGINE_REQUEST_TIMEOUT", "45s")
	t.Setenv("SYNCSESSION_LOG_LEVEL", "debug")
	t.Setenv("SYNCSESSION_NETWORK_ENABLED", "true")

	loader := config.NewLoader("")
	cfg, err := loader.Load()

	require.NoError(t, err)
	assert.Equal(t, "env-app", cfg.App.ID)
	assert.Equal(t, 45*time.Second, cfg.Engine.RequestTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Network.Enabled)
	assert.Same(t, cfg, loader.Current())
}

func TestLoaderFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test.json")

	configJSON := `{
		"app": {
			"id": "file-app"
		},
		"engine": {
			"kind": "websocket",
			"url": "ws://127.0.0.1:7000/engine"
		},
		"log": {
			"level": "warn",
			"format": "json"
		}
	}`

	err := os.WriteFile(configPath, []byte(configJSON), 0644)
	require.NoError(t, err)

	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()

	require.NoError(t, err)
	assert.Equal(t, "file-app", cfg.App.ID)
	assert.Equal(t, "websocket", cfg.Engine.Kind)
	assert.Equal(t, "ws://127.0.0.1:7000/engine", cfg.Engine.URL)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, configPath, loader.ConfigFile())

	// Untouched keys keep their defaults.
	assert.Equal(t, config.DefaultConfig().Sync.BackupDir, cfg.Sync.BackupDir)
}

func TestLoaderInvalidFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{"log": {"level": "loud"}}`), 0644))

	_, err := config.NewLoader(configPath).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestLoaderMissingFile(t *testing.T) {
	_, err := config.NewLoader(filepath.Join(t.TempDir(), "absent.json")).Load()
	assert.Error(t, err)
}

func TestLoaderWatch(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "watch.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{"log": {"level": "info"}}`), 0644))

	loader := config.NewLoader(configPath)
	_, err := loader.Load()
	require.NoError(t, err)

	var level atomic.Value
	loader.Watch(func(cfg *config.Config) {
		level.Store(cfg.Log.Level)
	}, nil)

	require.NoError(t, os.WriteFile(configPath, []byte(`{"log": {"level": "debug"}}`), 0644))

	assert.Eventually(t, func() bool {
		v, _ := level.Load().(string)
		return v == "debug"
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "debug", loader.Current().Log.Level)
}

func TestConfigEnsureDirectories(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.App.SyncRootDir = filepath.Join(tmpDir, "files")
	cfg.Storage.JournalPath = filepath.Join(tmpDir, "state", "journal.db")
	cfg.Log.File = filepath.Join(tmpDir, "logs", "app.log")

	err := cfg.EnsureDirectories()
	require.NoError(t, err)

	assert.DirExists(t, cfg.App.SyncRootDir)
	assert.DirExists(t, filepath.Dir(cfg.Storage.JournalPath))
	assert.DirExists(t, filepath.Dir(cfg.Log.File))
}

func TestSaveExample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "example.json")
	require.NoError(t, config.SaveExample(path))

	cfg, err := config.NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig(), cfg)
}
