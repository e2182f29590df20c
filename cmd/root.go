package cmd

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "possync",
	Short: "Upstream POS sync service",
	Long: `A service that mirrors products, categories, customers, invoices and
purchase orders from the upstream POS into the local store, applies webhook
deliveries ledger-first, and keeps locally-authored merchandising fields
intact across syncs.`,
	Run: func(cmd *cobra.Command, args []string) {
		err := cmd.Help()
		if err != nil {
			log.Error().Err(err).Msg("Failed to display help")
		}
	},
}

// Execute executes the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize()
}
