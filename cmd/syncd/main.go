// Command syncd runs the state-sync and notification daemon and inspects
// its outbox.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "syncd",
	Short: "Cross-computer state sync and notification delivery",
	Long: `syncd keeps a cache of projects, todos and sessions from every computer
you run it on, and delivers queued notifications to subscribed people.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"config file (default: ./syncd.toml, then ~/.config/teleclaude/syncd.toml)")
	rootCmd.AddCommand(runCmd, outboxCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
