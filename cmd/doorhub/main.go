// Package main is the entry point for the doorhub widget host.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/doorhub/internal/config"
	"github.com/pitabwire/doorhub/internal/dashboard"
	"github.com/pitabwire/doorhub/internal/events"
	"github.com/pitabwire/doorhub/internal/fetch"
	"github.com/pitabwire/doorhub/internal/lifecycle"
	"github.com/pitabwire/doorhub/internal/observability"
	"github.com/pitabwire/doorhub/internal/render"
	"github.com/pitabwire/doorhub/internal/store"
	"github.com/pitabwire/doorhub/internal/transport"
	"github.com/pitabwire/doorhub/internal/widgetpkg"
	"github.com/pitabwire/doorhub/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "doorhub", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Open the configuration and layout store.
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}
	defer st.Close()
	logger.Info("store opened", zap.String("driver", cfg.Store.Driver))

	// Step 5: Build the package loader.
	source, dirSource, err := buildSource(cfg.Packages)
	if err != nil {
		logger.Error("package source initialization failed", zap.Error(err))
		return 1
	}
	loader := widgetpkg.NewLoader(source,
		widgetpkg.WithLogger(logger),
		widgetpkg.WithMetrics(metrics),
		widgetpkg.WithSDKVersion(cfg.Packages.SDKVersion),
		widgetpkg.WithCatalog(cfg.Packages.Catalog),
	)

	// Step 6: Build the fetcher, renderer and lifecycle manager.
	fetcher := fetch.New(cfg.Fetch, fetch.WithLogger(logger), fetch.WithMetrics(metrics))
	renderer := render.New(render.WithLogger(logger), render.WithMetrics(metrics))
	manager := lifecycle.NewManager(loader, fetcher, st,
		lifecycle.WithLogger(logger),
		lifecycle.WithMetrics(metrics),
		lifecycle.WithDefaults(buildDefaults(cfg.Defaults)),
		lifecycle.WithRefreshRates(cfg.Refresh.DefaultRate, cfg.Refresh.MinRate),
	)
	defer manager.Close()

	// Step 7: Restore the dashboard and mount every persisted instance.
	dashOpts := []dashboard.Option{dashboard.WithLogger(logger)}
	if cfg.Store.PurgeOrphanedConfigs {
		dashOpts = append(dashOpts, dashboard.WithOrphanedConfigPurge(st))
	}
	dash := dashboard.New(loader, manager, st, dashOpts...)
	if err := dash.Load(ctx); err != nil {
		logger.Error("dashboard restore failed", zap.Error(err))
		return 1
	}

	// Step 8: Start the refresh bus and the state stream.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	bus := events.NewBus(manager, cfg.Stream.SendBuffer, events.WithBusLogger(logger))
	go bus.Run(bgCtx)

	var stream http.Handler
	if cfg.Stream.Enabled {
		hub := events.NewHub(manager, bus, cfg.Stream,
			events.WithHubLogger(logger),
			events.WithHubMetrics(metrics),
			events.WithAllowedOrigins(cfg.Server.CORS.AllowedOrigins),
		)
		go hub.Run(bgCtx)
		stream = hub
	}

	// Step 9: Watch the package directory for changes.
	if cfg.Packages.HotReload && dirSource != nil {
		watcher := widgetpkg.NewWatcher(loader, dirSource.Root(),
			widgetpkg.WithWatchLogger(logger),
			widgetpkg.WithOnChange(func(widgetID string) {
				manager.Reload(bgCtx, widgetID)
			}),
		)
		if err := watcher.Start(); err != nil {
			logger.Warn("package hot reload disabled", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	// Step 10: Build HTTP router.
	var authenticate func(http.Handler) http.Handler
	if cfg.Auth.Enabled {
		authenticate = transport.JWTAuthenticator(cfg.Auth, []byte(cfg.Auth.Secret()))
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Gatherer:     prometheus.DefaultGatherer,
		Authenticate: authenticate,
		Readiness: observability.ReadinessChecks{
			PackagesReachable: loader.Ping,
			Store:             st,
		},
		Catalog:   loader,
		Dashboard: dash,
		Lifecycle: manager,
		Renderer:  renderer,
		Stream:    stream,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 11: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("packages", cfg.Packages.Source),
		zap.Int("instances", len(dash.List())),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stop the stream, the bus and every instance timer.
	bgCancel()
	manager.Close()

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildSource creates the package source selected by config. The directory
// source is returned separately so it can be watched.
func buildSource(cfg config.PackagesConfig) (widgetpkg.Source, *widgetpkg.DirSource, error) {
	switch cfg.Source {
	case "dir", "":
		src := widgetpkg.NewDirSource(cfg.Directory)
		return src, src, nil
	case "http":
		return widgetpkg.NewHTTPSource(cfg.BaseURL, cfg.Timeout), nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported package source: %q", cfg.Source)
	}
}

// buildDefaults converts the configured defaults into the registry keyed by
// widget id.
func buildDefaults(in map[string]map[string]any) map[string]model.Configuration {
	out := make(map[string]model.Configuration, len(in))
	for id, cfg := range in {
		out[id] = model.Configuration(cfg)
	}
	return out
}
