package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/autonomy-engine/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "autonomy",
	Short: "Autonomy confidence engine",
	Long:  "Tracks per (org, user, action_type) trust tiers from behavioral signals: approvals promote, rejections and undos demote, policy caps and overrides bound everything.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
