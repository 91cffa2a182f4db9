// Package main provides the tracker server: the ingestion engine behind a
// REST API and a websocket event stream.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/raphaelgruber/factgraph/internal/client"
	"github.com/raphaelgruber/factgraph/internal/config"
	"github.com/raphaelgruber/factgraph/internal/db"
	"github.com/raphaelgruber/factgraph/internal/metrics"
	"github.com/raphaelgruber/factgraph/internal/server"
	"github.com/raphaelgruber/factgraph/internal/service"
)

func main() {
	configFile := flag.String("config", "", "config file (default factgraph.yaml)")
	wipeDB := flag.Bool("wipe", false, "delete all persisted tasks on startup (testing only)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup logger (dual output: stderr text + file JSON)
	logger, _, cleanup := config.SetupLogger(cfg.Log.File, cfg.LogLevel())
	defer cleanup()
	slog.SetDefault(logger)

	logger.Info("factgraph-server starting",
		"addr", cfg.Server.Addr,
		"api_url", cfg.API.URL,
		"namespace", cfg.Tracker.Namespace,
		"store", cfg.Store.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector()
	api := client.New(cfg.ClientOptions())
	defer api.Close()

	opts := cfg.TrackerOptions()
	opts.Metrics = collector
	opts.Logger = logger

	var store *db.Client
	if cfg.Store.Enabled {
		store, err = connectStore(ctx, cfg.DB(), logger, *wipeDB)
		if err != nil {
			logger.Error("failed to open task store", "error", err)
			os.Exit(1)
		}
		defer func() {
			logger.Info("closing database connection")
			_ = store.Close(context.Background())
		}()
		opts.Store = store
	}

	tracker := service.NewTracker(api, opts)
	defer tracker.Close()

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := tracker.RefreshSources(startCtx); err != nil {
		logger.Warn("initial source list refresh failed", "error", err)
	}
	if store != nil {
		if _, err := tracker.Restore(startCtx); err != nil {
			logger.Warn("restore failed", "error", err)
		}
	}
	cancel()

	scheduler, err := startScheduler(cfg, tracker, logger)
	if err != nil {
		logger.Error("failed to schedule maintenance", "error", err)
		os.Exit(1)
	}
	defer func() { <-scheduler.Stop().Done() }()

	httpServer := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     server.New(tracker, collector, logger).Handler(),
		ReadTimeout: 5 * time.Second,
		// Websocket streams are long-lived; writes set their own deadlines.
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		logger.Info("server ready", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	logger.Info("server stopped")
}

func connectStore(ctx context.Context, cfg db.Config, logger *slog.Logger, wipe bool) (*db.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	store, err := db.NewClient(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := store.InitSchema(ctx); err != nil {
		_ = store.Close(ctx)
		return nil, err
	}
	if wipe || os.Getenv("FACTGRAPH_WIPE_DB") == "true" {
		if err := store.WipeData(ctx); err != nil {
			_ = store.Close(ctx)
			return nil, err
		}
	}
	return store, nil
}

// startScheduler runs the periodic source refresh and, with a store, the
// retention prune.
func startScheduler(cfg config.Config, tracker *service.Tracker, logger *slog.Logger) (*cron.Cron, error) {
	c := cron.New()

	if _, err := c.AddFunc(cfg.Server.MaintenanceSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := tracker.RefreshSources(ctx); err != nil {
			logger.Warn("scheduled source refresh failed", "error", err)
		}
		if !cfg.Store.Enabled {
			return
		}
		if _, err := tracker.Prune(ctx); err != nil {
			logger.Warn("scheduled prune failed", "error", err)
		}
	}); err != nil {
		return nil, err
	}

	c.Start()
	return c, nil
}
