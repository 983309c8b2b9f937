// Package server assembles the HTTP router and runs the listener.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/taz-flow-cache/internal/api"
	"github.com/mohammed-shakir/taz-flow-cache/internal/core/config"
	"github.com/mohammed-shakir/taz-flow-cache/internal/core/health"
	middleware "github.com/mohammed-shakir/taz-flow-cache/internal/core/middleware"
)

type Deps struct {
	API     *api.Handler
	DB      health.Pinger
	Warmup  health.ReadinessReporter
	Metrics http.Handler
}

// NewRouter mounts the API under cfg.URLPrefix. Probes and metrics stay at
// the root.
func NewRouter(cfg config.Config, logger *slog.Logger, d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logging(logger))
	r.Use(middleware.CORS())

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(d.DB, d.Warmup))
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	if cfg.URLPrefix == "" {
		d.API.Routes(r)
	} else {
		r.Route(cfg.URLPrefix, d.API.Routes)
	}
	return r
}

// sets up http and serves until ctx is done
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, d Deps) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewRouter(cfg, logger, d),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// long enough for a first request to wait out a computation
		WriteTimeout: cfg.ComputeTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", cfg.Addr, "prefix", cfg.URLPrefix)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
