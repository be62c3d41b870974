package cmd

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var launchToken string

var launchCmd = &cobra.Command{
	Use:   "launch <game-id>",
	Short: "Launch a game from the library",
	Long: `Launch a game from the library on the running daemon.

The daemon starts the game's VR runtime, waits for the headset, moves
audio over to it and then runs the game. Each request carries an
idempotency token; repeating a launch with the same --token is a no-op.`,
	Args: cobra.ExactArgs(1),
	RunE: runLaunch,
}

func init() {
	rootCmd.AddCommand(launchCmd)
	launchCmd.Flags().StringVar(&launchToken, "token", "", "idempotency token (default: random)")
}

func runLaunch(cmd *cobra.Command, args []string) error {
	client, err := clientFromConfig()
	if err != nil {
		return err
	}

	token := launchToken
	if token == "" {
		token = uuid.NewString()
	}
	Debug("Launching %s with token %s", args[0], token)

	var resp struct {
		Status string `json:"status"`
	}
	status, err := client.do(cmd.Context(), http.MethodPost, "/api/games/"+url.PathEscape(args[0])+"/launch",
		url.Values{"idem_token": {token}}, nil, &resp)
	if err != nil {
		return fmt.Errorf("failed to launch game: %w", err)
	}

	if status == http.StatusOK {
		fmt.Printf("Launch %s already handled.\n", token)
		return nil
	}
	fmt.Printf("Game launched (token %s).\n", token)
	return nil
}
