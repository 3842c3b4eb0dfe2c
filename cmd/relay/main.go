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
	"time"

	"github.com/Netflix/go-env"
	"github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/database"
	"github.com/mama165/sdk-go/logs"

	"keyrelay/infrastructure/http/server"
	"keyrelay/internal"
	"keyrelay/observability"
	"keyrelay/repositories"
	"keyrelay/runtime"
	"keyrelay/runtime/workers"
	"keyrelay/services"
)

// Exit codes to provide meaningful status to the operating system or service manager (e.g., systemd).
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	// The main function acts as a thin wrapper.
	// Its only responsibility is to call run() and handle the OS exit code.
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Relay terminated with error: %v\n", err)
	}
	os.Exit(code)
}

// run initializes all components, manages the server lifecycle, and
// centralizes error reporting, so 'defer' statements (like database cleanup)
// always execute before the process exits.
func run() (int, error) {
	// 1. Configuration & Logger
	_ = godotenv.Load()

	var config internal.Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}

	logger := logs.GetLoggerFromString(config.LogLevel)
	ctx := context.Background()

	// 2. Database (BadgerDB)
	db, err := badger.Open(buildBadgerOpts(config, logger, ctx))
	if err != nil {
		return exitRuntime, fmt.Errorf("database opening failed: %w", err)
	}
	defer func() {
		// Defer ensures the database lock is released and buffers are flushed before the function returns.
		logger.Info("Closing BadgerDB...")
		_ = db.Close()
	}()

	if logger.Enabled(ctx, slog.LevelDebug) {
		debugPort := 8081
		endpoint := "/inspect"
		logger.Info("Debug Badger inspector available",
			"url", fmt.Sprintf("http://localhost:%d%s", debugPort, endpoint))
		database.StartDebugServer(db, debugPort, endpoint, keyPackageMapper)
	}

	// 3. Stores, registry, router
	monitor := observability.NewMonitor()
	keyPackageRepository := repositories.NewKeyPackageRepository(db, logger)
	backupRepository := repositories.NewBackupRepository(db)
	reservationService := services.NewReservationService(logger, keyPackageRepository, config.ReservationTimeout)
	registry := runtime.NewRegistry(logger, config.PendingQueueSize, monitor)
	router := runtime.NewRouter(logger, registry, monitor)

	// 4. Supervised background workers
	supervisor := workers.NewSupervisor(logger, config.RestartInterval)
	supervisor.Add(workers.NewReservationSweeper(logger, reservationService, config.SweepInterval))
	supervisor.Add(workers.NewSelfStatsWorker(logger, config.MetricInterval))

	// 5. Context & Signals
	// NotifyContext captures OS signals and cancels the context to trigger a shutdown.
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Error (HTTP & workers)
	errChan := make(chan error, 2)

	go func() {
		logger.Info("Starting supervised workers...")
		supervisor.Run(ctx)
	}()

	// 6. HTTP Server Setup
	srv := server.NewServer(
		logger, registry, router,
		reservationService, keyPackageRepository, backupRepository,
		monitor, config.ConnectionBufferSize, []byte(config.JWTSecret),
	)
	address := fmt.Sprintf("%s:%d", config.Host, config.Port)
	httpServer := &http.Server{
		Addr:    address,
		Handler: srv.Routes(),
	}

	go func() {
		logger.Info("Starting HTTP server", "address", address, "at", time.Now().UTC())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("http server error: %w", err)
		}
	}()

	// 7. Wait for Stop or Error
	// The execution blocks here until either a signal is received or the server crashes.
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errChan:
		return exitRuntime, err
	}

	// 8. Final Cleanup (Graceful Shutdown)
	// Active connections get a bounded window to finish before teardown.
	logger.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "error", err)
	}
	supervisor.Stop()
	logger.Info("Program stopped cleanly")

	return exitOK, nil
}

func buildBadgerOpts(config internal.Config, logger *slog.Logger, ctx context.Context) badger.Options {
	options := badger.DefaultOptions(config.BadgerFilepath)

	if logger.Enabled(ctx, slog.LevelDebug) {
		options = options.WithLoggingLevel(badger.DEBUG).
			WithBypassLockGuard(true)
	} else {
		options = options.WithLoggingLevel(badger.INFO)
	}

	return options
}

// keyPackageMapper renders store entries for the debug inspector without
// ever decoding blob contents.
func keyPackageMapper(key string, val []byte) database.InspectRow {
	row := database.DefaultMapper(key, val)
	switch {
	case len(key) > 3 && key[:3] == "kp:":
		row.Type = "KEY_PACKAGE"
		row.Detail = fmt.Sprintf("%d bytes (opaque)", len(val))
	case len(key) > 7 && key[:7] == "backup:":
		row.Type = "BACKUP"
		row.Detail = fmt.Sprintf("%d bytes (opaque)", len(val))
	case len(key) > 5 && key[:5] == "kpid:":
		row.Type = "INDEX"
	}
	return row
}
