package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SYNCSESSION_LOG_LEVEL.
const EnvPrefix = "SYNCSESSION"

// Loader handles configuration loading from file and environment.
type Loader struct {
	configPath string
	v          *viper.Viper

	mu      sync.Mutex
	current *Config
}

// NewLoader creates a config loader. An empty path searches the default
// locations.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
		v:          viper.New(),
	}
}

// Load reads configuration from file and environment.
func (l *Loader) Load() (*Config, error) {
	setDefaults(l.v, DefaultConfig())

	l.v.SetEnvPrefix(EnvPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configPath != "" {
		l.v.SetConfigFile(l.configPath)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	} else {
		l.v.SetConfigName("syncsession")
		for _, dir := range l.defaultDirs() {
			l.v.AddConfigPath(dir)
		}
		if err := l.v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("load config file: %w", err)
			}
		}
	}

	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()

	return cfg, nil
}

// ConfigFile returns the file the configuration was read from, if any.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Watch reloads the file on change and hands each valid configuration to
// onChange. Invalid edits are reported through onError and ignored.
func (l *Loader) Watch(onChange func(*Config), onError func(error)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		cfg, err := l.decode()
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}
		l.mu.Lock()
		l.current = cfg
		l.mu.Unlock()
		onChange(cfg)
	})
	l.v.WatchConfig()
}

// Current returns the last successfully loaded configuration.
func (l *Loader) Current() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

func (l *Loader) decode() (*Config, error) {
	cfg := DefaultConfig()
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// defaultDirs returns default config file locations.
func (l *Loader) defaultDirs() []string {
	dirs := []string{"."}

	if homeDir, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs,
			filepath.Join(homeDir, ".config", "syncsession"),
			filepath.Join(homeDir, ".syncsession"),
		)
	}

	return dirs
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("app.id", d.App.ID)
	v.SetDefault("app.sync_root_dir", d.App.SyncRootDir)
	v.SetDefault("app.server_url", d.App.ServerURL)

	v.SetDefault("engine.kind", d.Engine.Kind)
	v.SetDefault("engine.url", d.Engine.URL)
	v.SetDefault("engine.request_timeout", d.Engine.RequestTimeout)
	v.SetDefault("engine.handshake_timeout", d.Engine.HandshakeTimeout)
	v.SetDefault("engine.ping_interval", d.Engine.PingInterval)

	v.SetDefault("sync.backup_dir", d.Sync.BackupDir)
	v.SetDefault("sync.backup_suffix", d.Sync.BackupSuffix)
	v.SetDefault("sync.encryption_salt", d.Sync.EncryptionSalt)

	v.SetDefault("network.enabled", d.Network.Enabled)
	v.SetDefault("network.probe_url", d.Network.ProbeURL)
	v.SetDefault("network.probe_interval", d.Network.ProbeInterval)
	v.SetDefault("network.probe_timeout", d.Network.ProbeTimeout)

	v.SetDefault("storage.journal_path", d.Storage.JournalPath)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.color", d.Log.Color)
}

// SaveExample writes an example config file.
func SaveExample(path string) error {
	data, err := json.MarshalIndent(DefaultConfig(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("write file: %w", err)
	}

	return nil
}
