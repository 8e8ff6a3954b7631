package main

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/ivr-tutor/ivr-tutor/config"
	"github.com/ivr-tutor/ivr-tutor/pkg/logger"
)

type commandContext struct {
	catalogFlag  *string
	logLevelFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
	logger     *slog.Logger
}

func newCommandContext(catalogFlag, logLevelFlag *string) *commandContext {
	return &commandContext{catalogFlag: catalogFlag, logLevelFlag: logLevelFlag}
}

// ensureConfig loads the environment once and applies flag overrides.
func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, err := config.Load()
		if err != nil {
			c.configErr = err
			return
		}
		if c.catalogFlag != nil && strings.TrimSpace(*c.catalogFlag) != "" {
			cfg.Catalog.Path = strings.TrimSpace(*c.catalogFlag)
		}
		if c.logLevelFlag != nil && *c.logLevelFlag != "" {
			cfg.Observability.LogLevel = *c.logLevelFlag
		}
		c.config = cfg
		c.logger = logger.ForEnvironment(string(cfg.App.Environment), cfg.Observability.LogLevel, cfg.App.Name, cfg.App.Version)
		slog.SetDefault(c.logger)
	})
	return c.config, c.configErr
}

func (c *commandContext) log() *slog.Logger {
	if c.logger == nil {
		return logger.Discard()
	}
	return c.logger
}

func newRootCommand() *cobra.Command {
	var catalogFlag string
	var logLevelFlag string

	ctx := newCommandContext(&catalogFlag, &logLevelFlag)

	rootCmd := &cobra.Command{
		Use:           "ivrtutor",
		Short:         "IVR Tutor call orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&catalogFlag, "catalog", "", "Content catalog file (overrides CATALOG_PATH)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level (overrides OBSERVABILITY_LOG_LEVEL)")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newMigrateCommand(ctx))
	rootCmd.AddCommand(newCatalogCommand(ctx))
	rootCmd.AddCommand(newProgressCommand(ctx))
	rootCmd.AddCommand(newJobsCommand(ctx))

	return rootCmd
}
