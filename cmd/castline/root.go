package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/castline/castline/internal/api"
	"github.com/castline/castline/internal/backup"
	"github.com/castline/castline/internal/bus"
	"github.com/castline/castline/internal/cloud"
	"github.com/castline/castline/internal/config"
	"github.com/castline/castline/internal/crypto"
	"github.com/castline/castline/internal/lifecycle"
	"github.com/castline/castline/internal/merge"
	"github.com/castline/castline/internal/migrate"
	"github.com/castline/castline/internal/retry"
	"github.com/castline/castline/internal/session"
	"github.com/castline/castline/internal/store"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "castline",
	Short: "Castline - fishing log sync service",
	RunE:  run,
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Log.Level)

	// Local store (migrations, WAL mode)
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	slog.Info("local store initialized", "path", cfg.Database.Path)

	// Remote document store
	remote, err := cloud.NewLibSQLStore(cloudURL(cfg.Cloud))
	if err != nil {
		return err
	}
	slog.Info("cloud store initialized", "url", cfg.Cloud.URL)

	// Per-user record encryption
	provider, err := crypto.NewKeyProvider([]byte(cfg.Encryption.MasterKey))
	if err != nil {
		return err
	}
	sealer := crypto.NewUserSealer(provider)

	eventBus := bus.New()
	policy := retry.NewPolicy(
		cfg.Retry.MaxAttempts,
		time.Duration(cfg.Retry.BaseBackoff),
		func(err error) bool {
			// Missing indexes are structural; retrying never helps.
			_, structural := cloud.IsIndexMissing(err)
			return !structural
		},
	)

	tracker := session.NewTracker(db)
	mergeEngine := merge.NewEngine(db, remote, tracker, sealer, policy)
	migrationEngine := migrate.NewEngine(remote, db, sealer, eventBus, policy,
		cfg.Migration.PageSize, cfg.Cloud.ConsoleURL)
	aggregator := migrate.NewAggregator(migrationEngine, eventBus,
		time.Duration(cfg.Migration.PollInterval))
	defer aggregator.Close()

	uploader, err := backup.NewUploader(cfg.Backup)
	if err != nil {
		return err
	}
	orchestrator := lifecycle.NewOrchestrator(
		mergeEngine, aggregator, migrationEngine, db, uploader, eventBus)

	handler := api.NewHandler(tracker, mergeEngine, aggregator, orchestrator,
		cfg.Auth.APIKey, Version)
	router := api.NewRouter(handler)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	var wg sync.WaitGroup
	startWorker(ctx, &wg, "aggregator", aggregator.Run)

	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called
		// gracefully. Any other error indicates an actual server failure.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	wg.Wait()
	orchestrator.Wait()
	migrationEngine.Wait()

	if err := remote.Close(); err != nil {
		slog.Error("cloud store close error", "error", err)
	}
	if err := db.Close(); err != nil {
		slog.Error("local store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// cloudURL appends the auth token to the configured remote URL; the
// libsql driver reads it from the query string.
func cloudURL(cfg config.CloudConfig) string {
	if cfg.AuthToken == "" {
		return cfg.URL
	}
	sep := "?"
	if u, err := url.Parse(cfg.URL); err == nil && u.RawQuery != "" {
		sep = "&"
	}
	return cfg.URL + sep + "authToken=" + url.QueryEscape(cfg.AuthToken)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startWorker launches a background worker goroutine that respects
// context cancellation. Workers are tracked via WaitGroup for graceful
// shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
