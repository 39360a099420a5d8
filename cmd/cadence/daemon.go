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

	"github.com/fentz26/cadence/internal/audit"
	"github.com/fentz26/cadence/internal/browser/devtools"
	"github.com/fentz26/cadence/internal/config"
	"github.com/fentz26/cadence/internal/connectors/scriptexec"
	"github.com/fentz26/cadence/internal/controlplane"
	"github.com/fentz26/cadence/internal/logging"
	"github.com/fentz26/cadence/internal/scheduler"
	"github.com/fentz26/cadence/internal/session"
	"github.com/fentz26/cadence/internal/store"
	"github.com/fentz26/cadence/internal/store/objectstore"
	"github.com/fentz26/cadence/internal/telemetry"
	"github.com/spf13/cobra"
)

var (
	listenAddr string
	dbPath     string
	noLoop     bool
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the cadence daemon",
	Long: `Starts the cadence daemon: the HTTP API plus the loop that runs due
campaigns one cycle at a time.`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (overrides config)")
	daemonCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides config)")
	daemonCmd.Flags().BoolVar(&noLoop, "no-loop", false, "Serve the API only; cycles run when triggered")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}

	logger, err := logging.Setup(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	logger.Info("starting cadence daemon", "config", configPath, "db", cfg.DBPath, "timezone", loc.String())

	// Initialize store
	s, err := store.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer s.Close()

	snapshots, err := openSnapshots(cmd.Context(), cfg, s, logger)
	if err != nil {
		return err
	}

	executor, err := scriptexec.New(cfg.Executor)
	if err != nil {
		return fmt.Errorf("executor: %w", err)
	}
	sessions := session.NewManager(devtools.New(cfg.DevTools.URL), cfg.Session, logger)

	sched := scheduler.New(scheduler.Deps{
		Snapshots:     snapshots,
		Locker:        s,
		Sessions:      sessions,
		Executor:      executor,
		Audit:         audit.NewPDRWriter(s),
		Metrics:       telemetry.Global(),
		Logger:        logger,
		Location:      loc,
		DefaultPolicy: cfg.Admission,
		Delays:        cfg.Delays,
	}, &cfg.Scheduler)
	if err := sched.Load(cmd.Context()); err != nil {
		return err
	}
	if !noLoop {
		sched.Start()
	}
	defer sched.Stop()

	var limiter *controlplane.RateLimiter
	if cfg.API.RateLimit > 0 {
		limiter = controlplane.NewRateLimiter(cfg.API.RateLimit, cfg.API.Burst)
	}
	service := controlplane.NewService(sched, s, sessions)
	server := controlplane.NewServer(service, cfg.Listen, limiter, logger)

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Channel to receive server errors
	serverErr := make(chan error, 1)

	// Start server in goroutine
	go func() {
		err := server.Start()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for shutdown signal or server error
	select {
	case sig := <-sigCh:
		logger.Info("received signal, initiating graceful shutdown", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			logger.Error("server error", "error", err)
			return err
		}
	}

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down HTTP server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// openSnapshots returns the configured snapshot backend.
func openSnapshots(ctx context.Context, cfg *config.Config, s *store.Store, logger *slog.Logger) (scheduler.SnapshotStore, error) {
	if cfg.Snapshot.Backend != config.BackendS3 {
		return s, nil
	}
	obj, err := objectstore.New(cfg.Snapshot.S3)
	if err != nil {
		return nil, err
	}
	if err := obj.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("snapshot bucket: %w", err)
	}
	logger.Info("snapshots stored in object storage", "endpoint", cfg.Snapshot.S3.Endpoint, "bucket", cfg.Snapshot.S3.Bucket)
	return obj, nil
}
