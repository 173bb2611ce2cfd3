// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/AleutianArbiter/pkg/logging"
	"github.com/AleutianAI/AleutianArbiter/services/arbiter"
	"github.com/AleutianAI/AleutianArbiter/services/arbiter/config"
	"github.com/AleutianAI/AleutianArbiter/services/arbiter/registry"
	"github.com/AleutianAI/AleutianArbiter/services/arbiter/resultcache"
	"github.com/AleutianAI/AleutianArbiter/services/arbiter/roster"
	"github.com/AleutianAI/AleutianArbiter/services/arbiter/source"
	"github.com/AleutianAI/AleutianArbiter/services/arbiter/storage"
	"github.com/AleutianAI/AleutianArbiter/services/arbiter/telemetry"
)

// runServe wires the arbiter service together and runs it until a
// shutdown signal arrives.
func runServe(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Error loading the config: %v", err)
	}
	if listenAddr != "" {
		cfg.Server.ListenAddr = listenAddr
	}

	appLog, err := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Log.Level),
		LogDir:  cfg.Log.Dir,
		Service: "arbiter",
		JSON:    cfg.Log.JSON,
	})
	if err != nil {
		log.Fatalf("Error building the logger: %v", err)
	}
	defer appLog.Close()
	logger := appLog.Logger
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Telemetry ---
	telCfg := telemetry.DefaultConfig()
	telCfg.ServiceVersion = arbiter.ServiceVersion
	telCfg.TraceExporter = cfg.Telemetry.TraceExporter
	telCfg.MetricExporter = cfg.Telemetry.MetricExporter
	if cfg.Telemetry.OTLPEndpoint != "" {
		telCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	telCfg.SampleRate = cfg.Telemetry.SampleRate

	shutdownTelemetry, err := telemetry.Init(ctx, telCfg)
	if err != nil {
		log.Fatalf("Error initializing telemetry: %v", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Error("telemetry shutdown failed", "error", err)
		}
	}()

	// --- Storage ---
	db, err := storage.OpenDB(storage.DBConfig{
		Path:     cfg.Storage.Local.Path,
		InMemory: cfg.Storage.Local.InMemory,
		Logger:   logger,
	})
	if err != nil {
		log.Fatalf("Error opening the local store: %v", err)
	}

	var remote *storage.Remote
	if cfg.Storage.Remote.BaseURL != "" {
		remote, err = storage.NewRemote(storage.RemoteConfig{
			BaseURL:           cfg.Storage.Remote.BaseURL,
			Timeout:           cfg.Storage.Remote.Timeout(),
			RequestsPerSecond: cfg.Storage.Remote.RequestsPerSecond,
			Burst:             cfg.Storage.Remote.Burst,
			MaxRetries:        cfg.Storage.Remote.MaxRetries,
		}, logger)
		if err != nil {
			log.Fatalf("Error building the remote storage client: %v", err)
		}
	} else {
		logger.Warn("remote storage disabled, results stay local only")
	}

	store := storage.NewManager(storage.NewLocal(db, logger), remote, logger)
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("store close failed", "error", err)
		}
	}()

	// --- Category registry ---
	reg, err := registry.New(cfg.Registry.Path, logger)
	if err != nil {
		log.Fatalf("Error loading the category registry: %v", err)
	}
	defer reg.Close()
	if err := reg.Watch(ctx); err != nil {
		logger.Warn("registry watch unavailable, edits need a restart", "error", err)
	}

	// --- Roster and sources ---
	ros, err := roster.New(roster.Config{
		BaseURL:         cfg.Roster.BaseURL,
		MinSourceWeight: cfg.Roster.MinSourceWeight,
		Timeout:         cfg.Roster.Timeout(),
	}, logger)
	if err != nil {
		log.Fatalf("Error building the roster client: %v", err)
	}

	collector := source.NewCollector(source.NewClient(logger), source.CollectorConfig{
		Concurrency:      cfg.Sources.Concurrency,
		PerSourceTimeout: cfg.Sources.PerSourceTimeout(),
	}, logger)

	cache := resultcache.New(nil, resultcache.WithMaxPerCategory(cfg.Cache.MaxPerCategory))

	// --- Metrics ---
	var metrics *telemetry.Metrics
	if cfg.Telemetry.MetricExporter != "none" {
		meter := otel.Meter("arbiter")
		metrics, err = telemetry.NewMetrics(meter)
		if err != nil {
			log.Fatalf("Error registering metrics: %v", err)
		}
		if _, err := metrics.RegisterCacheEntries(meter, func() int64 {
			return int64(cache.Stats().TotalEntries)
		}); err != nil {
			logger.Warn("cache gauge registration failed", "error", err)
		}
	}

	// --- Service ---
	svc, err := arbiter.New(arbiter.Options{
		Epoch:          cfg.Pass.Epoch(),
		ShutdownJoin:   cfg.Pass.ShutdownJoin(),
		WarmStartLimit: cfg.Cache.MaxPerCategory,
	}, arbiter.Deps{
		Registry:  reg,
		Roster:    ros,
		Collector: collector,
		Cache:     cache,
		Store:     store,
		Metrics:   metrics,
		Logger:    logger,
	})
	if err != nil {
		log.Fatalf("Error building the arbiter service: %v", err)
	}
	if err := svc.Start(ctx); err != nil {
		log.Fatalf("Error starting the arbiter service: %v", err)
	}

	// --- HTTP surface ---
	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: arbiter.NewRouter(svc),
	}

	go func() {
		logger.Info("arbiter listening", "addr", cfg.Server.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			cancel()
		}
	}()

	// Handle graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}

	if err := svc.Stop(); err != nil && !errors.Is(err, arbiter.ErrNotRunning) {
		logger.Error("service stop failed", "error", err)
	}

	// A pass that outlived the shutdown join loses its context now.
	cancel()
}
