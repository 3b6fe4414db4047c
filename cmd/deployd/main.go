// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command deployd starts the Aleutian model deployment daemon.
//
// Deployd manages versioned model deployments end to end:
//   - Versioned model registry persisted in BadgerDB
//   - Canary, blue/green, A/B test, and replace rollout strategies
//   - Statistical A/B analysis with early stopping
//   - Performance monitoring with thresholds, baselines, and alerts
//   - Automated update pipeline with validation and rollback
//
// Usage:
//
//	go run ./cmd/deployd
//	go run ./cmd/deployd -config /etc/aleutian/deployd.yaml
//	go run ./cmd/deployd -metrics-addr :9191 -debug
//
// Prometheus metrics are served on /metrics and liveness on /healthz.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianDeploy/pkg/logging"
	"github.com/AleutianAI/AleutianDeploy/services/deploy"
	"github.com/AleutianAI/AleutianDeploy/services/deploy/abtest"
	"github.com/AleutianAI/AleutianDeploy/services/deploy/monitor"
	"github.com/AleutianAI/AleutianDeploy/services/deploy/observability"
	"github.com/AleutianAI/AleutianDeploy/services/deploy/store"
	"github.com/AleutianAI/AleutianDeploy/services/deploy/updater"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	metricsAddr := flag.String("metrics-addr", "", "Override metrics listen address")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := LoadDaemonConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "deployd: %v\n", err)
		os.Exit(1)
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}

	level := logging.ParseLevel(cfg.Logging.Level)
	if *debug {
		level = logging.LevelDebug
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "deployd",
		JSON:    cfg.Logging.JSON,
		Quiet:   cfg.Logging.Quiet,
	})
	defer logger.Close()
	slogger := logger.Slog()

	observability.InitMetrics()

	if err := run(cfg, logger); err != nil {
		slogger.Error("deployd failed", "error", err.Error())
		os.Exit(1)
	}
}

func run(cfg DaemonConfig, logger *logging.Logger) error {
	slogger := logger.Slog()

	// Storage.
	var versionStore deploy.VersionStore
	if cfg.Store.Path == "" {
		s, err := store.OpenInMemory()
		if err != nil {
			return fmt.Errorf("opening in-memory store: %w", err)
		}
		versionStore = s
		logger.Warn("running with in-memory store; state is lost on restart")
	} else {
		storeCfg := store.DefaultConfig(expandHome(cfg.Store.Path))
		storeCfg.SyncWrites = cfg.Store.SyncWrites
		storeCfg.Logger = slogger
		s, err := store.Open(storeCfg)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		versionStore = s
	}
	defer versionStore.Close()

	// Core components.
	manager, err := deploy.NewManager(cfg.Manager, versionStore, slogger)
	if err != nil {
		return fmt.Errorf("constructing manager: %w", err)
	}

	engine, err := abtest.NewEngine(cfg.ABTest, slogger)
	if err != nil {
		return fmt.Errorf("constructing A/B engine: %w", err)
	}
	manager.SetExperimentRegistrar(engine)

	mon := monitor.NewMonitor(cfg.Monitor, slogger)
	mon.AddRollbackCallback(func(model, version, reason string) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := manager.Rollback(ctx, model, "", reason); err != nil {
			slogger.Error("monitor-triggered rollback failed",
				"model", model, "version", version, "error", err.Error())
		}
	})
	mon.AddAlertCallback(func(a monitor.Alert) {
		logger.Warn("performance alert",
			"model", a.ModelName,
			"version", a.Version,
			"metric", a.Metric,
			"severity", string(a.Severity),
			"message", a.Message)
	})

	automation, err := updater.NewAutomation(cfg.Updater, manager, slogger)
	if err != nil {
		return fmt.Errorf("constructing update automation: %w", err)
	}

	// Start loops.
	manager.Start()
	engine.Start()
	mon.Start()
	automation.Start()

	metricsSrv := serveMetrics(cfg.MetricsAddr, slogger)

	printBanner(cfg)

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		slogger.Warn("metrics server shutdown", "error", err.Error())
	}

	automation.Stop()
	mon.Stop()
	engine.Stop()
	manager.Stop()

	logger.Info("shutdown complete")
	return nil
}

// serveMetrics exposes Prometheus metrics and liveness on a side
// listener.
func serveMetrics(addr string, slogger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slogger.Error("metrics server failed", "error", err.Error())
		}
	}()
	return srv
}

// expandHome expands a leading ~ to the user's home directory.
func expandHome(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

func printBanner(cfg DaemonConfig) {
	fmt.Println("╔══════════════════════════════════════════╗")
	fmt.Println("║         Aleutian Deploy Daemon           ║")
	fmt.Println("╚══════════════════════════════════════════╝")
	fmt.Printf("  Metrics:  http://localhost%s/metrics\n", cfg.MetricsAddr)
	fmt.Printf("  Health:   http://localhost%s/healthz\n", cfg.MetricsAddr)
	if cfg.Store.Path == "" {
		fmt.Println("  Store:    in-memory (non-durable)")
	} else {
		fmt.Printf("  Store:    %s\n", cfg.Store.Path)
	}
	fmt.Println()
	fmt.Println("  Press Ctrl+C to stop")
}
