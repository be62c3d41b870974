package cmd

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/svrl/svrl/internal/session"
)

var psAll bool

var (
	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	stoppedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	killedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "Show the active session and session history",
	Long: `Show the game session the daemon is currently running.

With --all, the recorded history of finished sessions is listed as well.`,
	RunE: runPs,
}

func init() {
	rootCmd.AddCommand(psCmd)
	psCmd.Flags().BoolVarP(&psAll, "all", "a", false, "also list finished sessions")
}

func runPs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := newAPIClient(cfg.Server.Listen)
	if err != nil {
		return err
	}

	var active session.GameSession
	_, err = client.do(cmd.Context(), http.MethodGet, "/api/session/active", nil, nil, &active)
	var apiErr *apiError
	switch {
	case errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound:
		fmt.Println("No active session.")
	case err != nil:
		fmt.Printf("Warning: could not query daemon: %v\n", err)
	default:
		started := time.Unix(active.StartTimeEpoch, 0)
		fmt.Printf("%s %s (%s) on %s, running for %s\n",
			runningStyle.Render("●"),
			active.Game.Title,
			active.Game.VRBackend,
			deviceLabel(active.VRDeviceSerial),
			time.Since(started).Truncate(time.Second),
		)
	}

	if !psAll {
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
	if len(records) == 0 {
		fmt.Println("No recorded sessions.")
		return nil
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.After(records[j].StartedAt)
	})

	fmt.Println()
	// Create tabwriter for aligned output; the styled status column goes last
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tGAME\tBACKEND\tSTARTED\tDURATION\tSTATUS")
	_, _ = fmt.Fprintln(w, "--\t----\t-------\t-------\t--------\t------")

	now := time.Now()
	for _, rec := range records {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(rec.ID),
			rec.Title,
			rec.Backend,
			rec.StartedAt.Local().Format("2006-01-02 15:04:05"),
			rec.Duration(now).Truncate(time.Second),
			statusLabel(rec),
		)
	}

	_ = w.Flush()
	return nil
}

func statusLabel(rec *session.Record) string {
	switch {
	case rec.Status == session.StatusRunning:
		return runningStyle.Render(rec.Status)
	case rec.ExitReason == session.ExitKilled:
		return killedStyle.Render(rec.Status + " (" + rec.ExitReason + ")")
	case rec.ExitReason != "":
		return stoppedStyle.Render(rec.Status + " (" + rec.ExitReason + ")")
	}
	return stoppedStyle.Render(rec.Status)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func deviceLabel(serial string) string {
	if serial == "" {
		return "no headset"
	}
	return serial
}
