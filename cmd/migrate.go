package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawl-orchestrator/internal/logging"
	"github.com/JakeFAU/crawl-orchestrator/internal/server"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Applies the Postgres schema and seeds dev accounts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return server.Migrate(cmd.Context(), cfg, logger)
		},
	}
}
