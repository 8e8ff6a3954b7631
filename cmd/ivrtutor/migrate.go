package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ivr-tutor/ivr-tutor/config"
	"github.com/ivr-tutor/ivr-tutor/internal/app"
	"github.com/ivr-tutor/ivr-tutor/internal/infrastructure/persistence/postgres"
	"github.com/ivr-tutor/ivr-tutor/internal/infrastructure/persistence/sqlite"
)

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.AddCommand(
		newMigrateRunCommand(ctx, "up", "Apply pending migrations"),
		newMigrateRunCommand(ctx, "down", "Roll back the latest migration"),
		newMigrateStatusCommand(ctx),
	)
	return cmd
}

func newMigrateRunCommand(ctx *commandContext, name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			switch cfg.Storage.Driver {
			case config.DriverSQLite:
				if name == "down" {
					return fmt.Errorf("sqlite schema cannot be rolled back")
				}
				db, err := sqlite.Open(cfg.Storage.SQLitePath)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "sqlite schema at %s is up to date\n", cfg.Storage.SQLitePath)
				return db.Close()
			case config.DriverPostgres:
			default:
				return fmt.Errorf("storage driver %q has no schema", cfg.Storage.Driver)
			}

			conn, err := app.ConnectPostgres(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer conn.Close()

			m := postgres.NewMigrator(conn)
			if name == "down" {
				if err := m.Rollback(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(out, "rolled back latest migration")
				return nil
			}
			applied, err := m.Migrate(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "applied %d migration(s)\n", applied)
			return nil
		},
	}
}

func newMigrateStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cfg.Storage.Driver != config.DriverPostgres {
				return fmt.Errorf("migration status is only tracked for postgres")
			}

			conn, err := app.ConnectPostgres(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer conn.Close()

			status, err := postgres.NewMigrator(conn).Status(cmd.Context())
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(status))
			for _, m := range status {
				applied := "pending"
				if m.IsApplied {
					applied = m.AppliedAt.Format("2006-01-02 15:04")
				}
				rows = append(rows, []string{strconv.Itoa(m.Version), m.Name, applied})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Version", "Name", "Applied"}, rows,
				[]columnAlignment{alignRight, alignLeft, alignLeft},
			))
			return nil
		},
	}
}
