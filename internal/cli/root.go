// Package cli implements the tianjibatch command tree.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/praxisllmlab/tianjibatch/internal/config"
	dbmigrate "github.com/praxisllmlab/tianjibatch/internal/db/migrate"
	"github.com/praxisllmlab/tianjibatch/internal/engine"
	"github.com/praxisllmlab/tianjibatch/internal/logging"
	"github.com/praxisllmlab/tianjibatch/internal/scheduler"
	"github.com/praxisllmlab/tianjibatch/internal/store"
)

// NewRootCmd creates the root command with serve, migrate, export and
// validate subcommands.
func NewRootCmd(version string) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "tianjibatch",
		Short:         "Batch execution engine for OpenAI-compatible APIs",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "batch_config.yaml", "path to batch config YAML")

	cmd.AddCommand(
		newServeCmd(&configPath),
		newMigrateCmd(&configPath),
		newExportCmd(&configPath),
		newValidateCmd(&configPath),
	)
	return cmd
}

// loadConfig reads the config file and configures the global logger from it.
func loadConfig(path string) (*config.BatchConfig, zerolog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logger := logging.Setup(logging.Config{
		Level:  cfg.GeneralSettings.LogLevel,
		Pretty: !cfg.GeneralSettings.JSONLogs,
		Output: os.Stderr,
	})
	return cfg, logger, nil
}

// batchStore is what serve needs from persistence.
type batchStore interface {
	engine.Store
	scheduler.RecoverableStore
}

// openStore connects to Postgres and applies migrations when database_url
// is set, and falls back to the in-memory store otherwise. The returned
// pool is nil for the memory store.
func openStore(ctx context.Context, cfg *config.BatchConfig, logger zerolog.Logger) (batchStore, *pgxpool.Pool, error) {
	if cfg.GeneralSettings.DatabaseURL == "" {
		logger.Warn().Msg("database_url not set, batches are kept in memory only")
		return store.NewMemory(), nil, nil
	}

	pool, err := connect(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	logger.Info().Msg("database connected")

	if err := dbmigrate.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return store.NewPostgres(pool), pool, nil
}

func connect(ctx context.Context, cfg *config.BatchConfig) (*pgxpool.Pool, error) {
	if cfg.GeneralSettings.DatabaseURL == "" {
		return nil, fmt.Errorf("general_settings.database_url is not configured")
	}
	pool, err := pgxpool.New(ctx, cfg.GeneralSettings.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}
