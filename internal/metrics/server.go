// Package metrics serves Prometheus metrics on a dedicated port.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/praxisllmlab/tianjibatch/internal/callback"
	"github.com/praxisllmlab/tianjibatch/internal/config"
)

// Addr returns the listen address for the metrics server, or "" when it is
// disabled.
func Addr(cfg config.MetricsConfig) string {
	if !cfg.Enabled || cfg.Port <= 0 {
		return ""
	}
	return fmt.Sprintf(":%d", cfg.Port)
}

// NewServer builds the metrics HTTP server for addr.
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", callback.Handler())
	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// ListenAndServe runs the metrics server until ctx is cancelled. It returns
// immediately when metrics are disabled.
func ListenAndServe(ctx context.Context, cfg config.MetricsConfig) error {
	addr := Addr(cfg)
	if addr == "" {
		log.Info().Msg("metrics server disabled")
		return nil
	}
	srv := NewServer(addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("metrics server shutdown")
		}
	}()

	log.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
