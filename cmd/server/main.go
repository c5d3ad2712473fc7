// ossdrive server
//
// Features:
// - Resumable chunked uploads onto S3, MinIO, Huawei OBS or local storage
// - Range-aware downloads
// - File manager (list, text, mkdir, rename, delete)
// - Optional PostgreSQL metadata mirror
// - SSE file events
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/ossdrive/internal/api"
	"github.com/fruitsalade/ossdrive/internal/auth"
	"github.com/fruitsalade/ossdrive/internal/config"
	"github.com/fruitsalade/ossdrive/internal/drive"
	"github.com/fruitsalade/ossdrive/internal/events"
	"github.com/fruitsalade/ossdrive/internal/logging"
	"github.com/fruitsalade/ossdrive/internal/metadata"
	"github.com/fruitsalade/ossdrive/internal/metadata/postgres"
	"github.com/fruitsalade/ossdrive/internal/metrics"
	"github.com/fruitsalade/ossdrive/internal/retry"
	"github.com/fruitsalade/ossdrive/internal/storage"
	"github.com/fruitsalade/ossdrive/internal/storage/factory"
	"github.com/fruitsalade/ossdrive/internal/upload"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("ossdrive server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("backend", cfg.StorageBackend))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage backend
	backendConfig, err := cfg.BackendConfig()
	if err != nil {
		logging.Fatal("backend config", zap.Error(err))
	}
	backend, err := retry.Do(ctx, retry.Startup(), "storage backend", func(ctx context.Context) (storage.Backend, error) {
		return factory.NewBackendFromConfig(ctx, cfg.StorageBackend, backendConfig)
	})
	if err != nil {
		logging.Fatal("storage backend init failed", zap.Error(err))
	}
	defer backend.Close()

	// SSE broadcaster
	broadcaster := events.NewBroadcaster()
	notifiers := metadata.Fanout{broadcaster}

	// PostgreSQL metadata mirror (optional)
	if cfg.DatabaseURL != "" {
		logging.Info("connecting to PostgreSQL...")
		metaStore, err := retry.Do(ctx, retry.Startup(), "postgres", func(ctx context.Context) (*postgres.Store, error) {
			return postgres.New(ctx, cfg.DatabaseURL)
		})
		if err != nil {
			logging.Fatal("database connection failed", zap.Error(err))
		}
		defer metaStore.Close()

		if dir := findMigrationsDir(); dir != "" {
			logging.Info("running migrations...", zap.String("dir", dir))
			if err := metaStore.Migrate(ctx, dir); err != nil {
				logging.Fatal("migration failed", zap.Error(err))
			}
		}
		notifiers = append(notifiers, metaStore)
	} else {
		logging.Info("metadata mirror disabled (DATABASE_URL not set)")
	}

	// Uploads
	tracker := upload.NewTracker()
	coordinator := upload.NewCoordinator(backend, tracker, notifiers, cfg.RootFolderName)
	coordinator.StartSweeper(ctx, cfg.UploadSweepEvery, cfg.UploadMaxAge, cfg.UploadAbortStale)

	drv := drive.New(backend, notifiers, cfg.RootFolderName, cfg.MaxTextSize)
	srv := api.NewServer(backend, coordinator, drv, broadcaster, auth.New(cfg.JWTSecret), cfg.MaxPartSize)

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()

		shutdownCtx, done := context.WithTimeout(context.Background(), 15*time.Second)
		defer done()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Warn("http shutdown incomplete", zap.Error(err))
			httpServer.Close()
		}
		metricsServer.Close()
	}()

	logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logging.Fatal("server error", zap.Error(err))
	}
}

func findMigrationsDir() string {
	candidates := []string{
		"migrations",
		"../migrations",
	}

	exe, _ := os.Executable()
	if exe != "" {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "migrations"))
	}

	for _, dir := range candidates {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return ""
}
