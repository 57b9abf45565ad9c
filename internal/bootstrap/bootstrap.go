package bootstrap

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

	"github.com/joho/godotenv"

	"github.com/passage-dev/passage/internal/config"
	"github.com/passage-dev/passage/internal/database"
	"github.com/passage-dev/passage/internal/job"
	"github.com/passage-dev/passage/pkg/scheduler"
)

// Bootstrap wires the whole edge server together and blocks until
// shutdown: database, services, tunnel server, ingress, management API,
// and background jobs.
func Bootstrap(ctx context.Context) error {
	_ = godotenv.Load()
	cfg := config.Load()

	SetupLogger(cfg)
	slog.InfoContext(ctx, "Passage is starting", "version", config.Version, "domain", cfg.Domain)

	appCtx, cancelApp := context.WithCancel(ctx)
	defer cancelApp()

	db, err := database.Connect(cfg)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("Error closing database", "error", err)
		}
	}()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	appServices := buildServices(db, cfg)

	jobScheduler := scheduler.NewJobScheduler(appCtx, nil)
	registerJobs(appCtx, jobScheduler, appServices, cfg)
	jobScheduler.Start()

	router, tunnelServer := setupRouter(appCtx, cfg, db, appServices)

	if err := runServer(appCtx, cfg, router); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	tunnelServer.Registry().CloseAll()
	cancelApp()
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	tunnelServer.Registry().WaitForSweeper(waitCtx)

	slog.Info("Passage shutdown complete")
	return nil
}

func registerJobs(ctx context.Context, js *scheduler.JobScheduler, appServices *Services, cfg *config.Config) {
	jobs := []scheduler.Job{
		job.NewAgentOfflineJob(appServices.Agent),
		job.NewLogRetentionJob(appServices.ProjectLog, cfg),
	}
	for _, j := range jobs {
		if err := js.RescheduleJob(ctx, j); err != nil {
			slog.ErrorContext(ctx, "Failed to schedule job", "jobName", j.Name(), "error", err)
		}
	}
}

// runServer serves HTTP until a shutdown signal or context cancellation,
// then drains with a timeout.
func runServer(appCtx context.Context, cfg *config.Config, handler http.Handler) error {
	listenAddr := cfg.ListenAddr()
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.InfoContext(appCtx, "Starting HTTP server", "addr", listenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.ErrorContext(appCtx, "Failed to start server", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		slog.InfoContext(appCtx, "Received shutdown signal")
	case <-appCtx.Done():
		slog.InfoContext(appCtx, "Context canceled")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		return err
	}

	slog.Info("Server stopped gracefully")
	return nil
}
