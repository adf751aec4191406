package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/dm-finder/internal/api"
	"github.com/sells-group/dm-finder/internal/config"
	"github.com/sells-group/dm-finder/internal/orchestrator"
	"github.com/sells-group/dm-finder/internal/workflow"
)

const shutdownTimeout = 30 * time.Second

var (
	servePort     int
	serveNoSweep  bool
	serveDispatch string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the job API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if serveDispatch != "" {
			cfg.Jobs.Dispatcher = serveDispatch
		}
		local := cfg.Jobs.Dispatcher == "local"

		env, err := initEnv(ctx, config.ModeServe, local)
		if err != nil {
			return err
		}
		defer env.Close()

		var (
			dispatcher orchestrator.Dispatcher
			localDisp  *orchestrator.LocalDispatcher
		)
		if local {
			localDisp = orchestrator.NewLocalDispatcher(ctx, env.Orch)
			dispatcher = localDisp
		} else {
			tc, err := workflow.Dial(cfg.Temporal.HostPort, cfg.Temporal.Namespace)
			if err != nil {
				return err
			}
			defer tc.Close()
			dispatcher = workflow.NewDispatcher(tc, cfg.Temporal.TaskQueue)
		}
		zap.L().Info("job dispatcher ready", zap.String("dispatcher", cfg.Jobs.Dispatcher))

		var sweeper *orchestrator.Sweeper
		if !serveNoSweep {
			sweeper = orchestrator.NewSweeper(env.Orch, cfg.Jobs.SweepSchedule)
			if err := sweeper.Start(ctx); err != nil {
				return err
			}
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr: fmt.Sprintf(":%d", port),
			Handler: api.New(env.Orch, env.Store, env.Ledger, dispatcher, api.Config{
				CORSOrigins: cfg.Server.CORSOrigins,
				AdminToken:  cfg.Server.AdminToken,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		if sweeper != nil {
			sweeper.Stop()
		}
		if localDisp != nil {
			// Interrupted runs stay processing until the stale sweep.
			localDisp.Wait()
		}
		zap.L().Info("server stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveNoSweep, "no-sweep", false, "disable the stale job sweeper")
	serveCmd.Flags().StringVar(&serveDispatch, "dispatcher", "", "local or temporal (default from config)")
	rootCmd.AddCommand(serveCmd)
}
