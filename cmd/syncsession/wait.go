package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/syncsession/internal/models"
	"github.com/TheMichaelB/syncsession/internal/session"
)

var waitCmd = &cobra.Command{
	Use:   "wait <path>",
	Short: "Block until a file's changes are uploaded or downloaded",
	Long: `Wait opens a session for the file and blocks until every local change
has been uploaded or every remote change has been downloaded. Ctrl-C
interrupts the wait without cancelling the transfer.`,
	Example: `  syncsession wait ./data/default.realm --engine-url ws://127.0.0.1:9090/engine
  syncsession wait ./data/default.realm --direction download --timeout 30s`,
	Args: cobra.ExactArgs(1),
	RunE: runWait,
}

var (
	waitDirection string
	waitTimeout   time.Duration
	waitEncrypted bool
)

func init() {
	rootCmd.AddCommand(waitCmd)

	waitCmd.Flags().StringVarP(&waitDirection, "direction", "d", "upload",
		"Direction to wait for (upload, download)")
	waitCmd.Flags().DurationVarP(&waitTimeout, "timeout", "t", 0,
		"Give up after this long (0 waits forever)")
	waitCmd.Flags().BoolVar(&waitEncrypted, "encrypted", false,
		"Prompt for the passphrase of an encrypted file")
}

func runWait(cmd *cobra.Command, args []string) error {
	direction, err := models.ParseDirection(waitDirection)
	if err != nil {
		return err
	}

	path, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	sessCfg := session.Config{
		Path:       path,
		ServerURL:  cfg.App.ServerURL,
		BackupPath: session.DefaultBackupPath(cfg.Sync.BackupDir, cfg.Sync.BackupSuffix),
	}
	if waitEncrypted {
		passphrase, err := promptPassphrase("Passphrase: ")
		if err != nil {
			return fmt.Errorf("read passphrase: %w", err)
		}
		if sessCfg.EncryptionKey, err = app.FileKey(passphrase); err != nil {
			return err
		}
	}

	s, err := app.OpenSession(sessCfg)
	if err != nil {
		return err
	}

	start := time.Now()
	done := true
	switch {
	case direction == models.Upload && waitTimeout > 0:
		done, err = s.UploadAllLocalChangesTimeout(ctx, waitTimeout)
	case direction == models.Upload:
		err = s.UploadAllLocalChanges(ctx)
	case waitTimeout > 0:
		done, err = s.DownloadAllServerChangesTimeout(ctx, waitTimeout)
	default:
		err = s.DownloadAllServerChanges(ctx)
	}
	elapsed := time.Since(start).Round(time.Millisecond)

	if jsonOutput {
		result := map[string]interface{}{
			"path":      path,
			"direction": direction.String(),
			"completed": err == nil && done,
			"elapsed":   elapsed.String(),
		}
		if err != nil {
			result["error"] = err.Error()
		}
		printJSON(result)
		return err
	}

	switch {
	case errors.Is(err, models.ErrInterrupted):
		printWarning("Wait interrupted after %s", elapsed)
		return err
	case err != nil:
		printError("Wait failed: %v", err)
		return err
	case !done:
		printWarning("%s not finished after %s", direction, waitTimeout)
		return nil
	}

	printSuccess("All %s changes transferred in %s", direction, elapsed)
	return nil
}
