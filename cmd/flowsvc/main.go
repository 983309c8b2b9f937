package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/taz-flow-cache/internal/api"
	"github.com/mohammed-shakir/taz-flow-cache/internal/cache/matstore"
	"github.com/mohammed-shakir/taz-flow-cache/internal/cache/redisstore"
	"github.com/mohammed-shakir/taz-flow-cache/internal/cache/rendered"
	"github.com/mohammed-shakir/taz-flow-cache/internal/core/config"
	"github.com/mohammed-shakir/taz-flow-cache/internal/core/health"
	middleware "github.com/mohammed-shakir/taz-flow-cache/internal/core/middleware"
	"github.com/mohammed-shakir/taz-flow-cache/internal/core/observability"
	"github.com/mohammed-shakir/taz-flow-cache/internal/core/server"
	"github.com/mohammed-shakir/taz-flow-cache/internal/events"
	"github.com/mohammed-shakir/taz-flow-cache/internal/flowcache"
	"github.com/mohammed-shakir/taz-flow-cache/internal/flows"
	"github.com/mohammed-shakir/taz-flow-cache/internal/logger"
	"github.com/mohammed-shakir/taz-flow-cache/internal/metrics"
	"github.com/mohammed-shakir/taz-flow-cache/internal/store/pg"
	warmup "github.com/mohammed-shakir/taz-flow-cache/pkg/warmup/kafka"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	envFile := flag.String("env", "", "optional .env file")
	flag.Parse()

	var cfg config.Config
	if *envFile != "" {
		cfg = config.Load(*envFile)
	} else {
		cfg = config.Load()
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Service:   "flowsvc",
		Component: "main",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	if cfg.DatabaseURL == "" {
		appLog.Error("DATABASE_URL is required")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		reg      prometheus.Registerer
		metricsH *metrics.Provider
	)
	if cfg.MetricsEnabled {
		metricsH = metrics.Init(metrics.Config{
			Addr: cfg.MetricsAddr,
			Build: metrics.BuildInfo{
				Version:   Version,
				Revision:  os.Getenv("BUILD_REVISION"),
				Branch:    os.Getenv("BUILD_BRANCH"),
				BuildDate: os.Getenv("BUILD_DATE"),
			},
		})
		reg = metricsH.Registerer()
	} else {
		observability.Init(nil, false)
	}

	appLog.Info("starting flowsvc", "addr", cfg.Addr, "version", Version, "prefix", cfg.URLPrefix)

	db, err := pg.New(ctx, cfg.DatabaseURL, pg.WithMaxConns(cfg.DBMaxConns))
	if err != nil {
		appLog.Error("database connect failed", "err", err)
		return 1
	}
	defer db.Close()

	mat := matstore.NewPostgres(db, cfg.ComputedSchema)
	if err := mat.Ensure(ctx); err != nil {
		appLog.Error("materialization schema setup failed", "err", err)
		return 1
	}

	var notifier flowcache.Notifier
	if cfg.Events.Enabled {
		pub, err := events.NewPublisher(cfg.Events.Brokers, cfg.Events.Topic, cfg.Events.Queue, appLog)
		if err != nil {
			appLog.Error("events producer failed", "err", err)
			return 1
		}
		defer func() {
			if err := pub.Close(); err != nil {
				appLog.Warn("events close", "err", err)
			}
		}()
		notifier = pub
	}

	fc := flowcache.New(mat, flows.NewComputer(db, appLog), flowcache.Options{
		Logger:         appLog,
		Timeout:        cfg.ComputeTimeout,
		MaxConcurrent:  cfg.ComputeMaxConcurrent,
		ReadyCacheSize: cfg.ReadyCacheSize,
		Notifier:       notifier,
	})
	// registered after the events defer so it runs first
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ComputeTimeout+5*time.Second)
		defer cancel()
		if err := fc.Close(closeCtx); err != nil {
			appLog.Warn("flow cache close", "err", err)
		}
	}()

	var rend rendered.Store = rendered.Nop{}
	if cfg.RedisAddr != "" {
		rc, err := redisstore.New(ctx, cfg.RedisAddr,
			redisstore.WithReadTimeout(cfg.CacheOpTimeout),
			redisstore.WithWriteTimeout(cfg.CacheOpTimeout),
		)
		if err != nil {
			// rendered cache is optional
			appLog.Warn("redis unavailable, rendered cache disabled", "addr", cfg.RedisAddr, "err", err)
		} else {
			defer func() { _ = rc.Close() }()
			rend = rendered.NewRedis(rc, cfg.RenderedTTL, cfg.CacheOpTimeout, appLog)
		}
	}

	var warm health.ReadinessReporter
	if cfg.Warmup.Enabled {
		runner := warmup.New(warmup.Config{
			Enabled: true,
			Brokers: cfg.Warmup.Brokers,
			Topic:   cfg.Warmup.Topic,
			GroupID: cfg.Warmup.GroupID,
		}, fc, warmup.Options{Logger: appLog, Register: reg})
		if err := runner.Start(ctx); err != nil {
			appLog.Error("warm-up consumer failed", "err", err)
			return 1
		}
		defer runner.Stop()
		warm = runner
	}

	h := api.New(api.Deps{
		Logger:        appLog,
		Flows:         fc,
		Registry:      db,
		Aggregator:    mat,
		Rendered:      rend,
		RegisterLimit: middleware.RateLimit(cfg.RegisterRate, cfg.RegisterBurst),
	})

	deps := server.Deps{API: h, DB: db, Warmup: warm}
	if metricsH != nil {
		if cfg.MetricsAddr == "" {
			deps.Metrics = metricsH.Handler()
		} else {
			go func() {
				if err := metricsH.Serve(ctx, appLog); err != nil {
					appLog.Error("metrics server exited", "err", err)
				}
			}()
		}
	}

	if err := server.Run(ctx, cfg, appLog, deps); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}
