package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ivr-tutor/ivr-tutor/internal/app"
	"github.com/ivr-tutor/ivr-tutor/pkg/logger"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect or trigger background jobs",
	}
	cmd.AddCommand(newJobsListCommand(ctx), newJobsRunCommand(ctx))
	return cmd
}

func newJobsListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered jobs and their schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			a, err := app.New(cmd.Context(), cfg, ctx.log())
			if err != nil {
				return err
			}
			defer a.Close()

			var rows [][]string
			for _, j := range a.Scheduler.ListJobs() {
				rows = append(rows, []string{j.Name, j.Schedule, j.NextRun.Format(time.RFC3339), j.Description})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Job", "Schedule", "Next run", "Description"}, rows, nil))
			return nil
		},
	}
}

func newJobsRunCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run <job>",
		Short: "Run a job once now and wait for its SMS to be sent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			a, err := app.New(cmd.Context(), cfg, ctx.log())
			if err != nil {
				return err
			}
			defer a.Close()

			a.Dispatcher.Start()
			result, runErr := a.Scheduler.RunNow(cmd.Context(), args[0])
			if err := a.StopDispatcher(cfg.App.ShutdownTimeout); err != nil {
				ctx.log().Warn("dispatcher did not drain", logger.Err(err))
			}
			if runErr != nil {
				return runErr
			}

			m := a.Dispatcher.Metrics().Snapshot()
			fmt.Fprintf(cmd.OutOrStdout(), "%s finished in %s, sms sent %d, failed %d\n",
				result.JobName, result.Duration.Round(time.Millisecond), m.Sent, m.Failed)
			return nil
		},
	}
}
