package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/InstruktAI/TeleClaude-sub013/config"
	"github.com/InstruktAI/TeleClaude-sub013/daemon"
	"github.com/InstruktAI/TeleClaude-sub013/outbox"
	"github.com/InstruktAI/TeleClaude-sub013/subscriptions"
)

var (
	listStatus  string
	listChannel string
	listLimit   int
	fileRef     string
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and manage the notification outbox",
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count rows per status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, _ *config.Config, st outbox.Store) error {
			counts, err := st.CountByStatus(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, s := range outbox.Statuses {
				fmt.Fprintf(w, "%s\t%d\n", s, counts[s])
			}
			return w.Flush()
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List rows, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		status := outbox.Status(listStatus)
		if status != "" && !status.Valid() {
			return fmt.Errorf("unknown status %q", listStatus)
		}
		return withStore(func(ctx context.Context, _ *config.Config, st outbox.Store) error {
			rows, err := st.List(ctx, outbox.Filter{Status: status, Channel: listChannel, Limit: listLimit})
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCHANNEL\tRECIPIENT\tSTATUS\tATTEMPTS\tCLAIMED BY\tLAST ERROR")
			for _, r := range rows {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					r.ID, r.Channel, r.Recipient, r.Status, r.AttemptCount, r.ClaimedBy, oneLine(r.LastError, 60))
			}
			return w.Flush()
		})
	},
}

var releaseCmd = &cobra.Command{
	Use:   "release [worker]",
	Short: "Release rows claimed by a worker that is no longer running",
	Long: `Release returns every pending row claimed by worker to the queue.
Without an argument it releases this computer's delivery worker. Only run
it while that worker is stopped: a row released mid-send may be sent twice.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, cfg *config.Config, st outbox.Store) error {
			worker := daemon.WorkerID(cfg.Computer.Name)
			if len(args) == 1 {
				worker = args[0]
			}
			n, err := st.ReleaseClaims(ctx, worker)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released %d row(s) claimed by %s\n", n, worker)
			return nil
		})
	},
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <channel> <content>",
	Short: "Queue a notification for every subscriber of a channel",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, cfg *config.Config, st outbox.Store) error {
			var subs outbox.SubscriberSource = subscriptions.NewStatic(nil)
			if path := cfg.Subscriptions.Path; path != "" {
				fs, err := subscriptions.NewFileSource(path, nil)
				if err != nil {
					return err
				}
				subs = fs
			}
			router, err := outbox.NewRouter(outbox.RouterConfig{Store: st, Subscribers: subs})
			if err != nil {
				return err
			}
			ids, err := router.Enqueue(ctx, args[0], args[1], fileRef)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %d row(s)\n", len(ids))
			return nil
		})
	},
}

func init() {
	listCmd.Flags().StringVar(&listStatus, "status", "", "only rows with this status")
	listCmd.Flags().StringVar(&listChannel, "channel", "", "only rows for this channel")
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 50, "maximum rows (0 for all)")
	enqueueCmd.Flags().StringVar(&fileRef, "file", "", "attachment reference")
	outboxCmd.AddCommand(statsCmd, listCmd, releaseCmd, enqueueCmd)
}

func withStore(fn func(ctx context.Context, cfg *config.Config, st outbox.Store) error) error {
	cfg, _, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfg.Outbox.DBPath); err != nil {
		return fmt.Errorf("outbox database %s: %w", cfg.Outbox.DBPath, err)
	}
	st, err := outbox.NewSQLiteStore(cfg.Outbox.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return fn(ctx, cfg, st)
}

func oneLine(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}
