package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/syncsession/internal/models"
	"github.com/TheMichaelB/syncsession/internal/session"
)

var watchCmd = &cobra.Command{
	Use:   "watch <path>...",
	Short: "Print progress and connection changes until interrupted",
	Example: `  syncsession watch ./data/a.realm ./data/b.realm --engine-url ws://127.0.0.1:9090/engine`,
	Args:    cobra.MinimumNArgs(1),
	RunE:    runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	for _, arg := range args {
		path, err := filepath.Abs(arg)
		if err != nil {
			return fmt.Errorf("resolve path: %w", err)
		}

		s, err := app.OpenSession(session.Config{
			Path:       path,
			ServerURL:  cfg.App.ServerURL,
			BackupPath: session.DefaultBackupPath(cfg.Sync.BackupDir, cfg.Sync.BackupSuffix),
			ErrorHandler: func(s *session.Session, err *models.AppError) {
				report(s.Path(), "error", map[string]interface{}{
					"code":     err.Code.Name,
					"category": err.Category(),
					"message":  err.Message,
				}, func() { printError("%s: %v", s.Path(), err) })
			},
			ClientResetHandler: func(s *session.Session, err *models.ClientResetRequiredError) {
				report(s.Path(), "client_reset", map[string]interface{}{
					"backup": err.BackupFile,
				}, func() { printError("%s: client reset required, backup %s", s.Path(), err.BackupFile) })
			},
		})
		if err != nil {
			return err
		}

		if err := watchSession(s); err != nil {
			return err
		}
	}

	if !jsonOutput {
		printInfo("Watching %d session(s), press Ctrl-C to stop", len(args))
	}
	<-ctx.Done()
	return nil
}

func watchSession(s *session.Session) error {
	path := s.Path()

	for _, direction := range []models.Direction{models.Download, models.Upload} {
		direction := direction
		add := s.AddDownloadProgressListener
		if direction == models.Upload {
			add = s.AddUploadProgressListener
		}
		_, err := add(models.Indefinitely, func(p models.Progress) {
			report(path, direction.String(), map[string]interface{}{
				"transferred":  p.TransferredBytes,
				"transferable": p.TransferableBytes,
			}, func() { fmt.Printf("%s %-8s %s\n", path, direction, formatProgress(p)) })
		})
		if err != nil {
			return err
		}
	}

	_, err := s.AddConnectionChangeListener(func(old, new models.ConnectionState) {
		report(path, "connection", map[string]interface{}{
			"old": old.String(),
			"new": new.String(),
		}, func() { connectionColor(new).Printf("%s connection %s -> %s\n", path, old, new) })
	})
	return err
}

// report prints one event as a JSON line or through text.
func report(path, typ string, details map[string]interface{}, text func()) {
	if !jsonOutput {
		text()
		return
	}
	details["path"] = path
	details["type"] = typ
	details["at"] = time.Now()
	printJSON(details)
}
