package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/syncsession/internal/state"
)

var resetsCmd = &cobra.Command{
	Use:   "resets [path]",
	Short: "List client resets recorded in the journal",
	Example: `  syncsession resets
  syncsession resets ./data/default.realm
  syncsession resets --sessions`,
	Args: cobra.MaximumNArgs(1),
	RunE: runResets,
}

var resetsSessions bool

func init() {
	rootCmd.AddCommand(resetsCmd)

	resetsCmd.Flags().BoolVar(&resetsSessions, "sessions", false,
		"List journaled sessions instead")
}

func runResets(cmd *cobra.Command, args []string) error {
	if cfg.Storage.JournalPath == "" {
		return fmt.Errorf("storage.journal_path is not configured")
	}

	journal, err := state.NewSQLiteStore(cfg.Storage.JournalPath, logger)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer journal.Close()

	if resetsSessions {
		return listSessions(journal)
	}

	var path string
	if len(args) == 1 {
		if path, err = filepath.Abs(args[0]); err != nil {
			return fmt.Errorf("resolve path: %w", err)
		}
	}

	resets, err := journal.ListClientResets(path)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(resets)
		return nil
	}
	if len(resets) == 0 {
		printInfo("No client resets recorded")
		return nil
	}

	for _, r := range resets {
		fmt.Printf("%s  %s\n", r.At.Local().Format(time.RFC3339), r.Path)
		fmt.Printf("    code:   %s\n", r.Code)
		fmt.Printf("    backup: %s\n", r.BackupPath)
		if r.Message != "" {
			fmt.Printf("    detail: %s\n", r.Message)
		}
	}
	return nil
}

func listSessions(journal state.Store) error {
	sessions, err := journal.ListSessions()
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(sessions)
		return nil
	}

	for _, s := range sessions {
		status := successColor.Sprint("open")
		if s.ClosedAt != nil {
			status = warnColor.Sprintf("closed %s", s.ClosedAt.Local().Format(time.RFC3339))
		}
		fmt.Printf("%s  %s  opened %s  %s\n", s.SessionID, s.Path, s.OpenedAt.Local().Format(time.RFC3339), status)
	}
	return nil
}
