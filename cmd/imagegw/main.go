package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/containergw/imagegw/internal/config"
	"github.com/containergw/imagegw/internal/dbpool"
	"github.com/containergw/imagegw/internal/telemetry"
	"github.com/containergw/imagegw/pkg/manager"
	"github.com/containergw/imagegw/pkg/reconciler"
	"github.com/containergw/imagegw/pkg/record"
	"github.com/containergw/imagegw/pkg/worker"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting imagegw", "listen", cfg.ListenAddr())

	platforms, err := config.LoadPlatforms(cfg.PlatformsFile)
	if err != nil {
		return fmt.Errorf("loading platforms: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(telemetry.All()...)
	record.RetryObserver = func() { telemetry.StoreRetriesTotal.Inc() }

	if err := dbpool.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	pool, err := dbpool.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	rdb, err := dbpool.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	store := record.NewPostgresStore(pool)
	bridge := worker.NewRedisBridge(ctx, rdb, logger)

	rec := reconciler.New(store, bridge, logger)
	rec.SetMetrics(telemetry.ReconcilerMetrics{})

	expiration, err := config.ParseImageExpirationTimeout(cfg.ImageExpirationTimeout)
	if err != nil {
		return fmt.Errorf("parsing image expiration timeout: %w", err)
	}

	mgrPlatforms := make(map[string]manager.PlatformConfig, len(platforms))
	for name, p := range platforms {
		mgrPlatforms[name] = manager.PlatformConfig{
			Admins:     p.Admins,
			AccessType: p.AccessType,
			ImageDir:   p.ImageDir,
		}
	}

	authn := manager.NewStaticAuthenticator(nil)

	mgr := manager.New(store, bridge, authn, logger, manager.Config{
		Platforms:              mgrPlatforms,
		PullUpdateTimeout:      cfg.PullUpdateTimeout(),
		ImageExpirationTimeout: expiration,
		DefaultImageFormat:     cfg.DefaultImageFormat,
	}, telemetry.ManagerMetrics{})

	errCh := make(chan error, 2)

	go func() {
		if err := rec.Run(ctx); err != nil {
			errCh <- fmt.Errorf("status reconciler: %w", err)
			return
		}
		errCh <- nil
	}()

	router := chi.NewRouter()
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
	}))
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	router.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable","check":"database"}`))
			return
		}
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable","check":"redis"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})
	if cfg.Metrics {
		router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("ops server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("ops http server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutting down ops server", "error", err)
		}
		if err := mgr.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutting down manager", "error", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}
