package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"intake/internal/server/analysis"
	"intake/internal/server/api"
	"intake/internal/server/config"
	"intake/internal/server/database"
	"intake/internal/server/notify"
	"intake/internal/server/objectstore"
	"intake/internal/server/scanner"
	"intake/internal/server/service"
	"intake/internal/server/storage"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Structured logging
	logger := config.SetupLogger(cfg)
	logger.Info("configuration loaded",
		"port", cfg.Port,
		"max_upload_size_mb", cfg.MaxUploadSizeMB(),
		"allowed_extensions", cfg.AllowedExtensions,
		"upload_bucket", cfg.UploadBucket,
		"clamav_address", cfg.ClamAVAddress,
		"notify_enabled", cfg.NotifyEnabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to database
	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	// Run migrations
	if err := db.RunMigrations(); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations complete")

	// Object storage
	store, err := objectstore.NewS3Store(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init object store: %w", err)
	}
	if err := store.EnsureBuckets(ctx); err != nil {
		return fmt.Errorf("check buckets: %w", err)
	}

	// Scratch workspace for scan downloads
	ws := storage.NewScratchDir(cfg.ScratchDir)
	if err := ws.EnsureDir(); err != nil {
		return fmt.Errorf("init scratch workspace: %w", err)
	}
	logger.Info("scratch workspace initialized", "path", cfg.ScratchDir)

	// Antivirus: clamd first, clamscan as fallback
	scan := scanner.New(logger, cfg.ScanCacheSize, cfg.ScanCacheTTL,
		scanner.NewDaemonEngine(cfg.ClamAVAddress, cfg.ScanStreamLimit),
		scanner.NewCommandEngine(cfg.ClamscanPath),
	)
	if err := scan.Ping(ctx); err != nil {
		logger.Warn("no scan engine reachable at startup, uploads will fail until one is", "error", err)
	}

	notifier := notify.NewEmailNotifier(cfg.SendGridAPIKey, cfg.EmailFrom, cfg.EmailFromName, cfg.NotifyEnabled, logger)

	// Initialize repository and service
	repo := database.NewRepository(db)
	svc := service.NewIntakeService(service.Dependencies{
		Repo:      repo,
		Store:     store,
		Scanner:   scan,
		Notifier:  notifier,
		Analyzer:  analysis.NewAnalyzer(store, logger),
		Workspace: ws,
	}, cfg, logger)

	// Start stale-upload sweeper
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	sweeper := storage.NewSweeper(repo, ws, storage.SweepPolicy{
		Interval:           cfg.SweepInterval,
		StalePendingAfter:  cfg.StalePendingAfter,
		StaleScanningAfter: cfg.StaleScanningAfter,
	}, svc.NotifyFailed, logger)
	sweeper.Start(sweepCtx)

	// Setup HTTP router
	handler := api.NewHandler(svc, logger,
		api.HealthCheck{Name: "database", Check: db.HealthCheck},
		api.HealthCheck{Name: "object_store", Check: store.Ping},
		api.HealthCheck{Name: "scanner", Check: scan.Ping},
	)
	e, limiter := api.SetupRouter(handler, cfg, logger)
	defer limiter.Close()

	// Start server in a goroutine
	serverErr := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Port)
		logger.Info("starting server", "addr", addr)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Graceful shutdown
	select {
	case err := <-serverErr:
		sweepCancel()
		sweeper.Wait()
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	// Stop accepting new requests, let in-flight scans finish
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	// Stop sweeper
	sweepCancel()
	sweeper.Wait()

	logger.Info("server exited cleanly")
	return nil
}
