package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ivr-tutor/ivr-tutor/internal/app"
	"github.com/ivr-tutor/ivr-tutor/pkg/logger"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var noScheduler bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server, background jobs and SMS dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			log := ctx.log()

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log.Info("starting ivr tutor",
				slog.String("env", string(cfg.App.Environment)),
				slog.String("storage", cfg.Storage.Driver),
				slog.Bool("redis", cfg.Redis.Enabled),
				slog.String("timezone", cfg.App.Timezone),
			)

			a, err := app.New(runCtx, cfg, log)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					log.Warn("close stores", logger.Err(err))
				}
			}()

			if err := a.Run(runCtx, app.RunOptions{HTTP: true, Scheduler: !noScheduler}); err != nil {
				return err
			}
			log.Info("shutdown completed")
			return nil
		},
	}
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "Do not run scheduled jobs in this process (idle calls are still expired)")
	return cmd
}
