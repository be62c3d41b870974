package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/svrl/svrl/internal/config"
)

var (
	cfgFile string
	debug   bool
)

// Debug prints a message if debug mode is enabled
func Debug(format string, args ...interface{}) {
	if debug {
		fmt.Printf("[DEBUG] "+format+"\n", args...)
	}
}

var rootCmd = &cobra.Command{
	Use:   "svrl",
	Short: "svrl - VR game session launcher",
	Long: `svrl launches VR games on Linux: it brings up the VR runtime, connects
the headset, hands audio over to it and runs the game through a Proton
compatibility tool.

Run the daemon:
  svrl serve

Manage the library:
  svrl games list
  svrl games add --title "Beat Saber" --steam-id 620980 --proton "Proton 9.0"

Control sessions:
  svrl launch <game-id>
  svrl ps
  svrl kill`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Persistent flags (available to all subcommands)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.svrl/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}

func initConfig() {
	// Config is loaded on-demand in subcommands
}

// loadConfig loads the configuration, letting --debug override the file
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Debug = true
	}
	Debug("Config loaded successfully")
	return cfg, nil
}
