package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/praxisllmlab/tianjibatch/internal/cache"
	"github.com/praxisllmlab/tianjibatch/internal/callback"
	"github.com/praxisllmlab/tianjibatch/internal/config"
	"github.com/praxisllmlab/tianjibatch/internal/engine"
	"github.com/praxisllmlab/tianjibatch/internal/logging"
	"github.com/praxisllmlab/tianjibatch/internal/metrics"
	"github.com/praxisllmlab/tianjibatch/internal/provider/openai"
	"github.com/praxisllmlab/tianjibatch/internal/proxy"
	"github.com/praxisllmlab/tianjibatch/internal/proxy/handler"
	"github.com/praxisllmlab/tianjibatch/internal/scheduler"
	"github.com/praxisllmlab/tianjibatch/internal/spend"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the batch engine and its HTTP control API",
		Example: `  # Serve with the default config file
  tianjibatch serve

  # Serve with an explicit config
  tianjibatch serve --config /etc/tianjibatch/batch_config.yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, logger)
		},
	}
}

func runServe(ctx context.Context, cfg *config.BatchConfig, logger zerolog.Logger) error {
	st, pool, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
	}

	costs, err := spend.NewCalculator(cfg.GeneralSettings.PricingPath)
	if err != nil {
		return err
	}

	opts := []engine.Option{
		engine.WithLogger(logging.NewLogger("engine")),
		engine.WithObserver(callback.NewPrometheusObserver()),
		engine.WithCalculator(costs),
	}

	handlers := &handler.Handlers{}
	var lock *scheduler.DistributedLock
	var progress *cache.ProgressCache
	if cfg.RedisSettings != nil {
		rc, err := cache.NewRedisClient(ctx, cfg.RedisSettings)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, progress sharing and job locks disabled")
		} else {
			defer rc.Close()
			logger.Info().Msg("redis connected")
			progress = cache.NewProgressCache(rc, cfg.RedisSettings.ProgressTTL)
			lock = scheduler.NewDistributedLock(rc)
			opts = append(opts, engine.WithPublisher(progress))
			handlers.Redis = progress
		}
	}

	// Runs and final flushes outlive ctx so that shutdown can drain them.
	base, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	manager := engine.NewManager(base, cfg, st, openai.New(nil), opts...)

	handlers.Batches = manager
	if pool != nil {
		handlers.DB = pool
	}

	bs := cfg.BatchSettings
	recovery := &scheduler.RecoveryJob{Store: st, StaleAfter: bs.StaleAfter, Live: manager.Live}
	if progress != nil {
		recovery.Progress = progress
	}
	var recoveryJob scheduler.Job = recovery
	if lock != nil {
		recoveryJob = scheduler.NewLocked(recovery, lock, bs.RecoveryInterval)
	}

	sched := scheduler.New(logging.NewLogger("scheduler"), scheduler.WithObserver(callback.NewPrometheusObserver()))
	if err := sched.Add(&scheduler.StatsJob{Source: manager}, scheduler.Schedule{
		Every:   bs.StatsInterval,
		Timeout: bs.StatsInterval,
	}); err != nil {
		return err
	}
	if err := sched.Add(recoveryJob, scheduler.Schedule{
		Every:       bs.RecoveryInterval,
		Immediately: true,
		Timeout:     bs.RecoveryInterval,
	}); err != nil {
		return err
	}
	sched.Start(ctx)
	defer sched.Stop()

	go func() {
		if err := metrics.ListenAndServe(ctx, cfg.Metrics); err != nil {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	srv := proxy.NewServer(proxy.ServerConfig{
		Handlers:  handlers,
		MasterKey: cfg.GeneralSettings.MasterKey,
		Logger:    logging.NewLogger("http"),
	})
	addr := fmt.Sprintf(":%d", cfg.GeneralSettings.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Int("api_configs", len(cfg.APIConfigs)).Msg("tianjibatch listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("server error: %w", err)
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down...")
	case serveErr = <-errc:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	// No heartbeat may race the final batch headers written by Shutdown.
	sched.Stop()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("batches still flushing at shutdown, they will be recovered as interrupted")
	}
	return serveErr
}
