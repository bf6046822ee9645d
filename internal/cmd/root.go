// Package cmd defines the vagent command tree: `serve` runs the Gateway
// Supervisor, `agent run` drives the orchestration loop in the foreground,
// `status` prints a one-shot AgentSnapshot, and `watch` is a live TUI over
// the event socket.
package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	rootSettings string
	rootDir      string
)

var rootCmd = &cobra.Command{
	Use:           "vagent",
	Short:         "Local vision-language desktop agent and gateway",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          requireSubcommand,
}

// Execute runs the command tree; cmd/vagent maps the returned error onto
// the documented exit codes.
func Execute() error {
	return rootCmd.Execute()
}

func requireSubcommand(cmd *cobra.Command, args []string) error {
	if err := cmd.Help(); err != nil {
		return err
	}
	return fmt.Errorf("a subcommand is required")
}

// settingsPath resolves --settings, defaulting to <root>/config/settings.yaml.
func settingsPath() string {
	if rootSettings != "" {
		return rootSettings
	}
	return filepath.Join(rootDir, "config", "settings.yaml")
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", ".vagent", "State root directory (config, secrets, logs)")
	rootCmd.PersistentFlags().StringVar(&rootSettings, "settings", "", "Path to settings.yaml (default: <root>/config/settings.yaml)")
}
