package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/syncsession/internal/client"
	"github.com/TheMichaelB/syncsession/internal/engine"
	"github.com/TheMichaelB/syncsession/internal/models"
	"github.com/TheMichaelB/syncsession/internal/session"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a session against the in-memory engine",
	Long: `Simulate opens a session on the in-memory engine, uploads and downloads
synthetic changes while reporting progress, then walks through a client
reset.`,
	Example: `  syncsession simulate
  syncsession simulate --bytes 10485760 --chunks 20 --json`,
	Args: cobra.NoArgs,
	RunE: runSimulate,
}

var (
	simBytes   uint64
	simChunks  int
	simReset   bool
	simUser    string
	simTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(simulateCmd)

	simulateCmd.Flags().Uint64Var(&simBytes, "bytes", 1<<20,
		"Bytes to upload and download")
	simulateCmd.Flags().IntVar(&simChunks, "chunks", 8,
		"Number of transfer steps")
	simulateCmd.Flags().BoolVar(&simReset, "reset", true,
		"Simulate a client reset at the end")
	simulateCmd.Flags().StringVar(&simUser, "user", "demo",
		"User id used to name the file")
	simulateCmd.Flags().DurationVar(&simTimeout, "timeout", 30*time.Second,
		"Timeout for each wait")
}

// simEvent is one line of simulate output.
type simEvent struct {
	At      time.Time              `json:"at"`
	Type    string                 `json:"type"`
	Details map[string]interface{} `json:"details,omitempty"`
}

type simRecorder struct {
	mu     sync.Mutex
	events []simEvent
}

func (r *simRecorder) record(typ, text string, details map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, simEvent{At: time.Now(), Type: typ, Details: details})
	if !jsonOutput {
		printInfo("%-10s %s", typ, text)
	}
}

func runSimulate(cmd *cobra.Command, args []string) error {
	if simChunks <= 0 {
		return fmt.Errorf("--chunks must be positive")
	}

	ctx, cancel := signalContext()
	defer cancel()

	mem := engine.NewMemory(logger)
	app, err := newApp(ctx, client.WithEngine(mem))
	if err != nil {
		return err
	}
	defer app.Close()

	rec := &simRecorder{}
	resets := make(chan *models.ClientResetRequiredError, 1)

	sessCfg := app.SessionConfig(simUser, "")
	sessCfg.ErrorHandler = func(s *session.Session, err *models.AppError) {
		rec.record("error", err.Error(), map[string]interface{}{
			"code":     err.Code.Name,
			"category": err.Category(),
		})
	}
	sessCfg.ClientResetHandler = func(s *session.Session, err *models.ClientResetRequiredError) {
		rec.record("reset", "client reset required, backup "+err.BackupFile, map[string]interface{}{
			"original": err.OriginalFile,
			"backup":   err.BackupFile,
		})
		resets <- err
	}

	s, err := app.OpenSession(sessCfg)
	if err != nil {
		return err
	}
	rec.record("open", s.Path(), map[string]interface{}{"path": s.Path(), "session_id": s.ID()})

	if _, err := s.AddConnectionChangeListener(func(old, new models.ConnectionState) {
		rec.record("connection", fmt.Sprintf("%s -> %s", old, new), map[string]interface{}{
			"old": old.String(),
			"new": new.String(),
		})
	}); err != nil {
		return err
	}

	for _, direction := range []models.Direction{models.Upload, models.Download} {
		if err := simulateTransfer(ctx, mem, s, direction, rec); err != nil {
			return err
		}
	}

	if simReset {
		if err := simulateReset(ctx, app, mem, s, resets, rec); err != nil {
			return err
		}
	}

	if jsonOutput {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		printJSON(map[string]interface{}{
			"success": true,
			"events":  rec.events,
		})
		return nil
	}

	printSuccess("Simulation completed")
	return nil
}

func simulateTransfer(ctx context.Context, mem *engine.Memory, s *session.Session, direction models.Direction, rec *simRecorder) error {
	listener := func(p models.Progress) {
		rec.record(direction.String(), formatProgress(p), map[string]interface{}{
			"transferred":  p.TransferredBytes,
			"transferable": p.TransferableBytes,
		})
	}

	if err := mem.AddPending(s.Path(), direction, simBytes); err != nil {
		return err
	}

	add := s.AddUploadProgressListener
	if direction == models.Download {
		add = s.AddDownloadProgressListener
	}
	if _, err := add(models.CurrentChanges, listener); err != nil {
		return err
	}

	step := simBytes / uint64(simChunks)
	go func() {
		remaining := simBytes
		for remaining > 0 {
			n := step
			if n == 0 || n > remaining || remaining-n < step {
				n = remaining
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(20 * time.Millisecond):
			}
			if err := mem.Transfer(s.Path(), direction, n); err != nil {
				return
			}
			remaining -= n
		}
	}()

	wait := s.UploadAllLocalChangesTimeout
	if direction == models.Download {
		wait = s.DownloadAllServerChangesTimeout
	}
	done, err := wait(ctx, simTimeout)
	if err != nil {
		return fmt.Errorf("wait for %s: %w", direction, err)
	}
	if !done {
		return fmt.Errorf("%s did not complete within %s", direction, simTimeout)
	}

	if err := s.Flush(ctx); err != nil {
		return err
	}
	rec.record("complete", direction.String()+" finished", map[string]interface{}{"direction": direction.String()})
	return nil
}

func simulateReset(ctx context.Context, app *client.App, mem *engine.Memory, s *session.Session, resets <-chan *models.ClientResetRequiredError, rec *simRecorder) error {
	if err := app.Sync.SimulateClientReset(s.Path()); err != nil {
		return err
	}

	var reset *models.ClientResetRequiredError
	select {
	case reset = <-resets:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(simTimeout):
		return fmt.Errorf("no client reset reported within %s", simTimeout)
	}

	if err := s.Stop(); err != nil {
		return err
	}
	if err := mem.Flush(ctx); err != nil {
		return err
	}
	if err := reset.ExecuteClientReset(); err != nil {
		return fmt.Errorf("execute client reset: %w", err)
	}

	rec.record("executed", "local file moved to "+reset.BackupFile, map[string]interface{}{
		"backup": reset.BackupFile,
	})
	return nil
}
