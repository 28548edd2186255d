package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawl-orchestrator/internal/server"
)

func newRelayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Drains the outbox to the configured publisher",
		Long: `Runs only the outbox relay. Use it when the API replicas run with
outbox.relay_enabled=false. Requires a shared store such as postgres.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			app, err := server.Build(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			return app.RunRelay(cmd.Context())
		},
	}
}
