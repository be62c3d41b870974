package cmd

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/svrl/svrl/internal/logsession"
	"github.com/svrl/svrl/internal/session"
)

var (
	pruneLogs    bool
	pruneHistory bool
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Archive old logs and clear session history",
	Long: `Clean up files left behind by past sessions.

This command:
  - Bundles loose session log files into <date>.tar.gz archives
  - Removes finished session records

Running sessions are never touched.`,
	RunE: runPrune,
}

func init() {
	rootCmd.AddCommand(pruneCmd)
	pruneCmd.Flags().BoolVar(&pruneLogs, "logs", true, "archive loose log files")
	pruneCmd.Flags().BoolVar(&pruneHistory, "history", true, "remove finished session records")
}

func runPrune(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if pruneLogs && sessionActive(cmd.Context(), cfg.Server.Listen) {
		fmt.Println("A session is running; skipping log archiving.")
	} else if pruneLogs {
		fmt.Println("Archiving session logs...")
		archives, err := logsession.Archive(cfg.Logs.Dir)
		if err != nil {
			return fmt.Errorf("failed to archive logs: %w", err)
		}
		for _, path := range archives {
			fmt.Printf("Wrote archive: %s\n", filepath.Base(path))
		}
		if len(archives) == 0 {
			fmt.Println("No loose log files.")
		}
	}

	if !pruneHistory {
		return nil
	}

	store, err := session.NewStore(cfg.Sessions.Dir)
	if err != nil {
		return fmt.Errorf("failed to access session store: %w", err)
	}
	records, err := store.List()
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	removedCount := 0
	for _, rec := range records {
		if rec.Status != session.StatusStopped {
			continue
		}
		if err := store.Delete(rec.ID); err != nil {
			fmt.Printf("Warning: failed to delete session %s: %v\n", rec.ID, err)
		} else {
			Debug("Removed session: %s", rec.ID)
			removedCount++
		}
	}

	if removedCount == 0 {
		fmt.Println("No sessions to remove.")
	} else {
		fmt.Printf("Removed %d session(s).\n", removedCount)
	}
	return nil
}

// sessionActive reports whether a reachable daemon is running a session,
// whose log files are still open
func sessionActive(ctx context.Context, listen string) bool {
	client, err := newAPIClient(listen)
	if err != nil {
		return false
	}
	status, err := client.do(ctx, http.MethodGet, "/api/session/active", nil, nil, nil)
	return err == nil && status == http.StatusOK
}
