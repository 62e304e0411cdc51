package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arvio/clipd/config"
	httpadapter "github.com/arvio/clipd/internal/adapter/http"
	"github.com/arvio/clipd/internal/adapter/runner/ffmpeg"
	"github.com/arvio/clipd/internal/adapter/storage/memory"
	sqlitestore "github.com/arvio/clipd/internal/adapter/storage/sqlite"
	"github.com/arvio/clipd/internal/domain"
	"github.com/arvio/clipd/internal/infrastructure/logger"
	"github.com/arvio/clipd/internal/port"
	"github.com/arvio/clipd/internal/service"
)

// version is stamped by the build; "dev" for local runs.
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Error.Printf("failed to load config: %v", err)
		os.Exit(1)
	}

	logger.Info.Printf("starting clipd %s on port %d (storage=%s)", version, cfg.Port, cfg.Storage)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Error.Printf("failed to create data directory: %v", err)
		os.Exit(1)
	}

	var store port.RecordStore
	closeStore := func() {}
	switch cfg.Storage {
	case "memory":
		store = memory.NewStore()
	default:
		s, err := sqlitestore.NewStore(cfg.DataDir)
		if err != nil {
			logger.Error.Printf("failed to open record store: %v", err)
			os.Exit(1)
		}
		store = s
		closeStore = func() { _ = s.Close() }
	}
	defer closeStore()

	runner, err := ffmpeg.NewRunner(ffmpeg.Config{
		FFmpegPath: cfg.FFmpegPath,
		StagingDir: cfg.StagingDir,
		OutputDir:  cfg.OutputDir,
	})
	if err != nil {
		logger.Error.Printf("failed to set up renderer: %v", err)
		os.Exit(1)
	}

	var prober port.SourceProber
	if p, err := ffmpeg.NewProber(cfg.FFprobePath); err != nil {
		logger.Warn.Printf("ffprobe unavailable, submissions must carry duration and size: %v", err)
	} else {
		prober = p
	}

	dcfg := domain.DefaultDeadlineConfig()
	dcfg.Base = cfg.DeadlineBase
	dcfg.PerSourceMinute = cfg.DeadlinePerSourceMinute
	dcfg.SafetyBuffer = cfg.DeadlineSafetyBuffer
	dcfg.MaxTotal = cfg.DeadlineMaxTotal
	calc := domain.NewDeadlineCalculator(dcfg)

	events := service.NewBroadcaster()
	orch := service.NewOrchestrator(store, runner, prober, calc, events, service.OrchestratorConfig{
		MaxConcurrent:   cfg.MaxConcurrentJobs,
		MaxActivePerKey: cfg.MaxActivePerKey,
		MaxAttempts:     cfg.MaxAttempts,
	})

	// Pick up work a previous process left behind.
	if err := orch.Recover(); err != nil {
		logger.Error.Printf("recovery sweep failed: %v", err)
		os.Exit(1)
	}

	monitor := service.NewMonitor(store, orch, service.MonitorConfig{
		Interval:        cfg.MonitorInterval,
		StallThreshold:  cfg.StallThreshold,
		MaxJobAge:       cfg.MaxJobAge,
		MaxAttempts:     cfg.MaxAttempts,
		RecordRetention: cfg.RecordRetention,
	})
	monitor.Start()

	server := httpadapter.NewServer(orch, events, version)

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{
		Addr:        addr,
		Handler:     server,
		ReadTimeout: 30 * time.Second,
		// No write timeout: event streams stay open for the life of a job.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info.Printf("received %s, shutting down", sig)

		// Stop accepting new requests
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error.Printf("http shutdown error: %v", err)
		}

		monitor.Stop()
		// Live attempts are cancelled, not finalized; their records stay
		// processing and the next boot recovers them.
		orch.Close()

		logger.Info.Printf("shutdown complete")
	}()

	logger.Info.Printf("server listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error.Printf("server failed: %v", err)
		os.Exit(1)
	}
}
