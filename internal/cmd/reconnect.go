package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var reconnectCmd = &cobra.Command{
	Use:   "reconnect",
	Short: "Reconnect the headset to the VR runtime",
	Long: `Ask the VR runtime of the active session to reconnect the headset,
for example after it dropped off the network.`,
	RunE: runReconnect,
}

func init() {
	rootCmd.AddCommand(reconnectCmd)
}

func runReconnect(cmd *cobra.Command, args []string) error {
	client, err := clientFromConfig()
	if err != nil {
		return err
	}
	if _, err := client.do(cmd.Context(), http.MethodPost, "/api/session/reconnect", nil, nil, nil); err != nil {
		return fmt.Errorf("failed to reconnect: %w", err)
	}
	fmt.Println("Reconnect requested.")
	return nil
}
