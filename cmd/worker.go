package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"example.com/backstage/services/possync/internal/scheduler"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Start the background worker running the scheduled token refresh, the daily sweep and the price table render trigger`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	deps, err := initDependencies()
	if err != nil {
		return err
	}
	defer deps.close()

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Create an error group to manage goroutines
	g, ctx := errgroup.WithContext(ctx)

	// Start the scheduler
	g.Go(func() error {
		log.Info().Str("timezone", deps.location.String()).Msg("Starting scheduler")

		sched, err := scheduler.New(deps.cfg.Scheduler, deps.location, deps.sync, deps.bus, deps.metrics)
		if err != nil {
			return err
		}
		return sched.Run(ctx)
	})

	// Wait for any goroutine to exit
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}
