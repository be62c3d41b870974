package cmd

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/svrl/svrl/internal/games"
)

var (
	gameTitle   string
	gameBackend string
	gameSteamID uint32
	gameProton  string
	gameCommand string
)

var gamesCmd = &cobra.Command{
	Use:   "games",
	Short: "Manage the game library",
}

var gamesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List library games",
	RunE:  runGamesList,
}

var gamesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a game to the library",
	Long: `Add a game to the library.

A game is either a Steam app, identified by --steam-id and launched with the
Proton build named by --proton, or a custom --command line. The command
line may carry leading VAR=value assignments and %command% is replaced by
the resolved Steam executable.

Examples:
  svrl games add --title "Beat Saber" --steam-id 620980 --proton "Proton 9.0"
  svrl games add --title "Demo" --backend envision:3f0c... --command "/opt/demo/run.exe"`,
	RunE: runGamesAdd,
}

var gamesRemoveCmd = &cobra.Command{
	Use:     "remove <game-id>",
	Aliases: []string{"rm"},
	Short:   "Remove a game from the library",
	Args:    cobra.ExactArgs(1),
	RunE:    runGamesRemove,
}

func init() {
	rootCmd.AddCommand(gamesCmd)
	gamesCmd.AddCommand(gamesListCmd, gamesAddCmd, gamesRemoveCmd)

	gamesAddCmd.Flags().StringVar(&gameTitle, "title", "", "game title (required)")
	gamesAddCmd.Flags().StringVar(&gameBackend, "backend", "wivrn", "VR runtime: wivrn or envision:<profile-uuid>")
	gamesAddCmd.Flags().Uint32Var(&gameSteamID, "steam-id", 0, "Steam app id")
	gamesAddCmd.Flags().StringVar(&gameProton, "proton", "", "Proton compatibility tool name")
	gamesAddCmd.Flags().StringVar(&gameCommand, "command", "", "custom command line")
	_ = gamesAddCmd.MarkFlagRequired("title")
}

func runGamesList(cmd *cobra.Command, args []string) error {
	client, err := clientFromConfig()
	if err != nil {
		return err
	}

	var list []games.Game
	if _, err := client.do(cmd.Context(), http.MethodGet, "/api/games", nil, nil, &list); err != nil {
		return fmt.Errorf("failed to list games: %w", err)
	}
	if len(list) == 0 {
		fmt.Println("No games in the library.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTITLE\tBACKEND\tSOURCE\tPLAYTIME")
	_, _ = fmt.Fprintln(w, "--\t-----\t-------\t------\t--------")
	for _, g := range list {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			g.ID,
			g.Title,
			g.VRBackend,
			gameSource(g),
			time.Duration(g.TotalPlaytimeSec)*time.Second,
		)
	}
	_ = w.Flush()
	return nil
}

func gameSource(g games.Game) string {
	switch {
	case g.CommandLine != nil && *g.CommandLine != "":
		return "command"
	case g.SteamAppID != nil:
		return fmt.Sprintf("steam:%d", *g.SteamAppID)
	}
	return "-"
}

func runGamesAdd(cmd *cobra.Command, args []string) error {
	client, err := clientFromConfig()
	if err != nil {
		return err
	}

	game := games.Game{Title: gameTitle, VRBackend: gameBackend}
	if cmd.Flags().Changed("steam-id") {
		game.SteamAppID = &gameSteamID
	}
	if gameProton != "" {
		game.ProtonVersion = &gameProton
	}
	if gameCommand != "" {
		game.CommandLine = &gameCommand
	}
	if err := game.Validate(); err != nil {
		return err
	}

	var saved games.Game
	if _, err := client.do(cmd.Context(), http.MethodPost, "/api/games", nil, game, &saved); err != nil {
		return fmt.Errorf("failed to add game: %w", err)
	}
	fmt.Printf("Added %s: %s\n", saved.Title, saved.ID)
	return nil
}

func runGamesRemove(cmd *cobra.Command, args []string) error {
	client, err := clientFromConfig()
	if err != nil {
		return err
	}
	if _, err := client.do(cmd.Context(), http.MethodDelete, "/api/games/"+url.PathEscape(args[0]), nil, nil, nil); err != nil {
		return fmt.Errorf("failed to remove game: %w", err)
	}
	fmt.Printf("Removed game: %s\n", args[0])
	return nil
}
