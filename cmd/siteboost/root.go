package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/siteboost/internal/config"
)

type cfgKey struct{}

// newRootCmd builds the command tree. Subcommands read the loaded config via configFrom.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "siteboost",
		Short: "Asynchronous website analysis service.",
		Long: `siteboost accepts URLs over HTTP, fetches them, runs SEO, performance,
security and accessibility checks in parallel, and produces ranked
recommendations. Progress is recorded as an append-only event log and
delivered to registered webhooks.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(withConfig(cmd.Context(), &cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")
	cmd.AddCommand(newServeCmd(), newMigrateCmd(), newTokenCmd())
	return cmd
}
