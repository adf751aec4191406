package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/dm-finder/internal/config"
)

var sweepOlderThan time.Duration

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Fail processing jobs that stopped checkpointing",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, config.ModeAdmin, false)
		if err != nil {
			return err
		}
		defer env.Close()

		ids, err := env.Orch.MarkStaleAsFailed(ctx, sweepOlderThan)
		if err != nil {
			return err
		}
		zap.L().Info("stale sweep complete", zap.Int("failed", len(ids)))
		for _, id := range ids {
			fmt.Fprintln(cmd.OutOrStdout(), id)
		}
		return nil
	},
}

func init() {
	sweepCmd.Flags().DurationVar(&sweepOlderThan, "older-than", 0, "stale window (default jobs.stale_after)")
	rootCmd.AddCommand(sweepCmd)
}
