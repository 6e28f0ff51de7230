package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/syncsession/internal/client"
	"github.com/TheMichaelB/syncsession/internal/config"
	"github.com/TheMichaelB/syncsession/internal/events"
)

var (
	cfgFile    string
	logLevel   string
	engineURL  string
	jsonOutput bool

	cfg    *config.Config
	loader *config.Loader
	logger *events.Logger
)

var rootCmd = &cobra.Command{
	Use:   "syncsession",
	Short: "Drive and observe file synchronization sessions",
	Long: `syncsession opens sync sessions against an in-process or remote sync
engine, waits for transfers, follows progress and inspects the client
reset journal.`,
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Config file (default: syncsession.{json,yaml} in ., ~/.config/syncsession, ~/.syncsession)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Print machine-readable JSON")
	rootCmd.PersistentFlags().StringVar(&engineURL, "engine-url", "",
		"Connect to a sync engine bridge at this ws:// URL")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func initConfig(cmd *cobra.Command, args []string) error {
	loader = config.NewLoader(cfgFile)

	var err error
	cfg, err = loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if jsonOutput {
		cfg.Log.Format = "json"
	}
	if engineURL != "" {
		cfg.Engine.Kind = "websocket"
		cfg.Engine.URL = engineURL
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err = events.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	events.SetDefault(logger)

	if loader.ConfigFile() != "" && logLevel == "" {
		loader.Watch(func(next *config.Config) {
			logger.SetLevel(events.ParseLevel(next.Log.Level))
			logger.WithField("level", next.Log.Level).Info("Configuration reloaded")
		}, func(err error) {
			logger.WithError(err).Warn("Ignoring invalid configuration change")
		})
	}

	return nil
}

// signalContext is cancelled on Ctrl-C or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newApp(ctx context.Context, opts ...client.Option) (*client.App, error) {
	return client.New(ctx, cfg, logger, opts...)
}
