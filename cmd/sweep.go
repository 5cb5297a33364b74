package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/autonomy-engine/internal/sweep"
)

var (
	sweepOrg      string
	sweepInterval time.Duration
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Rescore subjects and apply promotions",
	Long:  "Recomputes every subject's trailing-window score and evaluates promotion. One-shot by default; --interval runs it as a daemon.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		queue, err := initQueue(ctx, st)
		if err != nil {
			return err
		}

		sw := sweep.New(st, cfg.Engine, sweep.Options{
			Concurrency:    cfg.Sweep.Concurrency,
			SubjectsPerSec: cfg.Sweep.SubjectsPerSec,
			Queue:          queue,
		})

		if sweepInterval > 0 {
			zap.L().Info("sweep daemon starting", zap.Duration("interval", sweepInterval))
			return sw.Loop(ctx, sweepInterval)
		}

		summary, err := sw.Run(ctx, sweepOrg)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	},
}

func init() {
	sweepCmd.Flags().StringVar(&sweepOrg, "org", "", "restrict the sweep to one org")
	sweepCmd.Flags().DurationVar(&sweepInterval, "interval", 0, "run continuously at this interval (e.g. 1h)")
	rootCmd.AddCommand(sweepCmd)
}
