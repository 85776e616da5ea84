// FolderHub Server
//
// Features:
// - Per-user sandboxed folder storage with quota enforcement
// - Quota-checked multipart uploads
// - Range-aware file downloads and streamed zip archive downloads
// - WebSocket progress events with history replay for late joiners
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/lsh908400/portfolio-be/internal/api"
	"github.com/lsh908400/portfolio-be/internal/config"
	"github.com/lsh908400/portfolio-be/internal/events"
	"github.com/lsh908400/portfolio-be/internal/logging"
	"github.com/lsh908400/portfolio-be/internal/metadata/postgres"
	"github.com/lsh908400/portfolio-be/internal/metrics"
	"github.com/lsh908400/portfolio-be/internal/progress"
	"github.com/lsh908400/portfolio-be/internal/sandbox"
	"github.com/lsh908400/portfolio-be/internal/session"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("FolderHub Server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("data_root", cfg.DataRoot))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize the sandbox root
	sb, err := sandbox.New(cfg.DataRoot, cfg.DefaultFolderQuota)
	if err != nil {
		logging.Fatal("sandbox init failed", zap.Error(err))
	}

	// Initialize PostgreSQL folder record mirror (optional)
	var records api.FolderRecords
	if cfg.DatabaseURL != "" {
		logging.Info("connecting to PostgreSQL...")
		folders, err := postgres.New(cfg.DatabaseURL)
		if err != nil {
			logging.Fatal("database connection failed", zap.Error(err))
		}
		defer folders.Close()

		if err := folders.EnsureSchema(ctx); err != nil {
			logging.Fatal("schema migration failed", zap.Error(err))
		}
		records = folders
	} else {
		logging.Info("DATABASE_URL not set, folder records kept in sidecar files only")
	}

	// Initialize session registry and event broadcaster
	registry := session.NewRegistry()
	broadcaster := events.NewBroadcaster()
	reporter := progress.NewReporter(registry, broadcaster, cfg.SessionRetention)
	logging.Info("session registry and broadcaster initialized",
		zap.Duration("session_retention", cfg.SessionRetention))

	// Create API server
	srv := api.NewServer(sb, registry, reporter, broadcaster, records, nil, cfg.MaxDownloadSize)

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	// Start HTTP server
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()
		httpServer.Close()
		metricsServer.Close()
	}()

	logging.Info("server listening", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
}
