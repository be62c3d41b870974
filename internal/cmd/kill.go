package cmd

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var killCmd = &cobra.Command{
	Use:   "kill",
	Short: "Stop the running game",
	Long: `Stop the running game session.

Every process started for the game is killed, the VR runtime is shut down
and the session is recorded as killed in the history.`,
	RunE: runKill,
}

func init() {
	rootCmd.AddCommand(killCmd)
}

func runKill(cmd *cobra.Command, args []string) error {
	client, err := clientFromConfig()
	if err != nil {
		return err
	}

	_, err = client.do(cmd.Context(), http.MethodPost, "/api/session/kill", nil, nil, nil)
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		fmt.Println("No active session.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to kill session: %w", err)
	}

	fmt.Println("Session killed.")
	return nil
}
