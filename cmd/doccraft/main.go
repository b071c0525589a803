package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/doccraft/internal/artifact"
	"github.com/italolelis/doccraft/internal/config"
	"github.com/italolelis/doccraft/internal/http/rest"
	"github.com/italolelis/doccraft/internal/logctx"
	"github.com/italolelis/doccraft/internal/storage"
	"github.com/italolelis/doccraft/internal/storage/fs"
	"github.com/italolelis/doccraft/internal/storage/memory"
	"github.com/italolelis/doccraft/internal/storage/redis"
	s3store "github.com/italolelis/doccraft/internal/storage/s3"
	"github.com/italolelis/doccraft/internal/storage/sqlite"
	"github.com/italolelis/doccraft/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	handler := logctx.NewContextHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	logger := slog.New(handler)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("doccraft starting...",
		"version", version,
		"log_level", cfg.LogLevel,
		"registry_backend", cfg.RegistryBackend,
		"store_backend", cfg.StoreBackend,
		"url_ttl", cfg.URLTTL().String(),
	)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Registry
	registry, registryCloser, err := buildRegistry(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to build registry: %w", err)
	}
	defer registryCloser.Close()

	// =========================================================================
	// Start Transient Store
	store, err := buildStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to build transient store: %w", err)
	}

	// =========================================================================
	// Start Artifact Manager
	manager := artifact.New(
		storage.NewInstrumentedRegistry(registry, tel),
		store,
		artifact.WithTTL(cfg.URLTTL),
		artifact.WithReaperInterval(cfg.ReaperInterval),
		artifact.WithTelemetry(tel),
		artifact.WithPathPrefix(cfg.Web.PathPrefix),
	)

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start artifact manager: %w", err)
	}
	defer manager.Close()

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, manager, tel, cfg)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress, "path_prefix", cfg.Web.PathPrefix)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("start shutdown")

		// Give outstanding downloads a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	})

	return g.Wait()
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

var nopCloser = closerFunc(func() error { return nil })

// buildRegistry is an abstract factory for the handle registry.
func buildRegistry(ctx context.Context, cfg *config.Config) (storage.Registry, io.Closer, error) {
	switch cfg.RegistryBackend {
	case "memory":
		return memory.NewRegistry(), nopCloser, nil
	case "sqlite":
		db, err := sqlite.InitDB(cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}

		return sqlite.NewRegistry(db), db, nil
	case "redis":
		if cfg.RedisURL == "" {
			return nil, nil, errors.New("REDIS_URL is required for the redis registry")
		}

		r, err := redis.NewRegistryFromURL(ctx, cfg.RedisURL, cfg.RedisKeyPrefix)
		if err != nil {
			return nil, nil, err
		}

		return r, r, nil
	}

	return nil, nil, fmt.Errorf("invalid registry backend: %s", cfg.RegistryBackend)
}

// buildStore is an abstract factory for the transient store.
func buildStore(ctx context.Context, cfg *config.Config) (storage.TransientStore, error) {
	switch cfg.StoreBackend {
	case "fs":
		return fs.NewStore(cfg.StoreDir), nil
	case "s3":
		return s3store.New(ctx, s3store.Config{
			Bucket:          cfg.S3.Bucket,
			Prefix:          cfg.S3.Prefix,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UsePathStyle:    cfg.S3.UsePathStyle,
		})
	}

	return nil, fmt.Errorf("invalid store backend: %s", cfg.StoreBackend)
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, manager *artifact.Manager, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	downloads := rest.NewDownloadHandler(manager)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)
	r.NotFound(rest.NotFound)

	r.Handle("/metrics", tel.Handler())

	prefix := cfg.Web.PathPrefix
	if prefix == "" {
		prefix = "/"
	}

	r.Mount(prefix, downloads.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, "http_server"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
