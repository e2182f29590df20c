package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var refreshTokenCmd = &cobra.Command{
	Use:   "refresh-token",
	Short: "Refresh the upstream access token and exit",
	Long: `Perform the client-credentials grant against the upstream POS and
persist the new access token in the credential store. Exits non-zero when the
grant fails, so external schedulers can alert on it.`,
	RunE: runRefreshToken,
}

func init() {
	rootCmd.AddCommand(refreshTokenCmd)
}

func runRefreshToken(cmd *cobra.Command, args []string) error {
	deps, err := initDependencies()
	if err != nil {
		return err
	}
	defer deps.close()

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := deps.sync.RefreshToken(ctx); err != nil {
		log.Error().Err(err).Msg("Token refresh failed")
		return err
	}

	log.Info().Msg("Token refreshed")
	return nil
}
