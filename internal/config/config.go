package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Application identity and file layout
	App AppConfig `json:"app" mapstructure:"app"`

	// Sync engine connection
	Engine EngineConfig `json:"engine" mapstructure:"engine"`

	// Session behavior
	Sync SyncConfig `json:"sync" mapstructure:"sync"`

	// Connectivity monitoring
	Network NetworkConfig `json:"network" mapstructure:"network"`

	// Journal storage
	Storage StorageConfig `json:"storage" mapstructure:"storage"`

	// Logging
	Log LogConfig `json:"log" mapstructure:"log"`
}

// AppConfig identifies the application owning the sessions.
type AppConfig struct {
	ID          string `json:"id" mapstructure:"id"`
	SyncRootDir string `json:"sync_root_dir" mapstructure:"sync_root_dir"` // Base directory for synced files
	ServerURL   string `json:"server_url" mapstructure:"server_url"`
}

// EngineConfig selects and configures the sync engine.
type EngineConfig struct {
	Kind             string        `json:"kind" mapstructure:"kind"` // memory, websocket
	URL              string        `json:"url" mapstructure:"url"`   // Bridge endpoint for kind=websocket
	RequestTimeout   time.Duration `json:"request_timeout" mapstructure:"request_timeout"`
	HandshakeTimeout time.Duration `json:"handshake_timeout" mapstructure:"handshake_timeout"`
	PingInterval     time.Duration `json:"ping_interval" mapstructure:"ping_interval"`
}

// SyncConfig for session behavior.
type SyncConfig struct {
	BackupDir      string `json:"backup_dir" mapstructure:"backup_dir"`           // Directory name for client reset backups
	BackupSuffix   string `json:"backup_suffix" mapstructure:"backup_suffix"`     // Suffix appended to backup files
	EncryptionSalt string `json:"encryption_salt" mapstructure:"encryption_salt"` // Salt for local file key derivation
}

// NetworkConfig for connectivity monitoring.
type NetworkConfig struct {
	Enabled       bool          `json:"enabled" mapstructure:"enabled"`
	ProbeURL      string        `json:"probe_url" mapstructure:"probe_url"`
	ProbeInterval time.Duration `json:"probe_interval" mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration `json:"probe_timeout" mapstructure:"probe_timeout"`
}

// StorageConfig for the session journal.
type StorageConfig struct {
	JournalPath string `json:"journal_path" mapstructure:"journal_path"` // Empty disables the journal
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level  string `json:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `json:"format" mapstructure:"format"` // text, json
	File   string `json:"file" mapstructure:"file"`     // Log file path (empty = stderr)
	Color  bool   `json:"color" mapstructure:"color"`   // Enable colored output
}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := ".syncsession"

	return &Config{
		App: AppConfig{
			ID:          "default-app",
			SyncRootDir: filepath.Join(dataDir, "files"),
			ServerURL:   "wss://localhost:9443/sync",
		},
		Engine: EngineConfig{
			Kind:             "memory",
			URL:              "ws://127.0.0.1:9090/engine",
			RequestTimeout:   10 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			PingInterval:     30 * time.Second,
		},
		Sync: SyncConfig{
			BackupDir:    "recovered-realms",
			BackupSuffix: ".bak",
		},
		Network: NetworkConfig{
			Enabled:       false,
			ProbeURL:      "https://clients3.google.com/generate_204",
			ProbeInterval: 15 * time.Second,
			ProbeTimeout:  5 * time.Second,
		},
		Storage: StorageConfig{
			JournalPath: filepath.Join(dataDir, "journal.db"),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			File:   "",
			Color:  true,
		},
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.App.ID == "" {
		return errors.New("app.id is required")
	}

	if c.App.SyncRootDir == "" {
		return errors.New("app.sync_root_dir is required")
	}

	switch c.Engine.Kind {
	case "memory":
	case "websocket":
		u, err := url.Parse(c.Engine.URL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("engine.url must be a ws:// or wss:// URL: %q", c.Engine.URL)
		}
	default:
		return fmt.Errorf("invalid engine kind: %s", c.Engine.Kind)
	}

	if c.Engine.RequestTimeout <= 0 {
		return errors.New("engine.request_timeout must be positive")
	}

	if c.Sync.BackupDir == "" {
		return errors.New("sync.backup_dir is required")
	}

	if c.Network.Enabled {
		if c.Network.ProbeURL == "" {
			return errors.New("network.probe_url is required when network monitoring is enabled")
		}
		if c.Network.ProbeInterval <= 0 {
			return errors.New("network.probe_interval must be positive")
		}
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.App.SyncRootDir}

	if c.Storage.JournalPath != "" {
		dirs = append(dirs, filepath.Dir(c.Storage.JournalPath))
	}

	if c.Log.File != "" {
		dirs = append(dirs, filepath.Dir(c.Log.File))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
