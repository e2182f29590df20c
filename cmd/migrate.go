package cmd

import (
	"example.com/backstage/services/possync/config"
	"example.com/backstage/services/possync/internal/database"
	"example.com/backstage/services/possync/internal/models"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// migrateCmd represents the migrate command
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long: `Runs database migrations to ensure the database schema
is up-to-date. This is useful for CI/CD pipelines or initial setup.`,
	RunE: runMigration,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

// runMigration executes the database migrations
func runMigration(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return err
	}
	if cfg.DB.DSN == "" {
		return errors.New("database.dsn is required")
	}

	// Connect to database
	log.Info().Msg("Connecting to database")
	db, err := database.Connect(cfg.DB)
	if err != nil {
		return err
	}

	// Run database migrations
	log.Info().Msg("Running database migrations")
	if err := models.SetupModels(db); err != nil {
		return err
	}

	log.Info().Msg("Database migrations completed successfully")
	return nil
}
