package cli

import (
	"github.com/spf13/cobra"

	dbmigrate "github.com/praxisllmlab/tianjibatch/internal/db/migrate"
)

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			pool, err := connect(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := dbmigrate.RunMigrations(cmd.Context(), pool); err != nil {
				return err
			}
			logger.Info().Msg("migrations complete")
			return nil
		},
	}
}
