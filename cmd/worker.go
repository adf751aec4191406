package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/sells-group/dm-finder/internal/config"
	"github.com/sells-group/dm-finder/internal/workflow"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process dispatched jobs from the Temporal task queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, config.ModeWorker, true)
		if err != nil {
			return err
		}
		defer env.Close()

		tc, err := workflow.Dial(cfg.Temporal.HostPort, cfg.Temporal.Namespace)
		if err != nil {
			return err
		}
		defer tc.Close()

		w := workflow.NewWorker(tc, cfg.Temporal.TaskQueue, workflow.NewActivities(env.Orch))
		zap.L().Info("starting worker",
			zap.String("host_port", cfg.Temporal.HostPort),
			zap.String("task_queue", cfg.Temporal.TaskQueue),
		)
		if err := w.Run(worker.InterruptCh()); err != nil {
			return eris.Wrap(err, "worker run")
		}
		zap.L().Info("worker stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
