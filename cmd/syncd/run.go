package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/InstruktAI/TeleClaude-sub013/config"
	"github.com/InstruktAI/TeleClaude-sub013/daemon"
	"github.com/InstruktAI/TeleClaude-sub013/logging"
	"github.com/InstruktAI/TeleClaude-sub013/shutdown"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := config.Load(configPath)
		if err != nil {
			return err
		}

		logger := logging.New()
		logger.SetLevel(logging.ParseLevel(cfg.Log.Level))
		if path != "" {
			logger.Info("config_loaded", map[string]interface{}{"path": path})
		}

		d, err := daemon.New(cfg, daemon.Options{Logger: logger})
		if err != nil {
			return err
		}

		ctx, stop := shutdown.SignalContext(context.Background())
		defer stop()
		return d.Run(ctx)
	},
}
