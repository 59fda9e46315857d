// Shrike - Lead deduplication and merge engine.
// Copyright (c) 2025 opensource-crm
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-crm/shrike/internal/api"
	"github.com/opensource-crm/shrike/internal/audit"
	"github.com/opensource-crm/shrike/internal/bulk"
	"github.com/opensource-crm/shrike/internal/bus"
	"github.com/opensource-crm/shrike/internal/cache"
	"github.com/opensource-crm/shrike/internal/domain"
	"github.com/opensource-crm/shrike/internal/group"
	"github.com/opensource-crm/shrike/internal/match"
	"github.com/opensource-crm/shrike/internal/merge"
	"github.com/opensource-crm/shrike/internal/repository"
	"github.com/opensource-crm/shrike/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("SHRIKE_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting shrike",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("SHRIKE_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Audit Sink backed by the repository
	auditSink := audit.NewStoreSink(repo, time.Duration(cfg.Engine.AuditTimeout)*time.Second, 1000)
	defer auditSink.Close()

	// Initialize Duplicate Finder
	finder := match.NewFinder(repo, repo, cacheImpl)
	slog.Info("duplicate finder initialized")

	// Initialize Merge Engine
	merger := merge.NewEngine(repo, repo, repo, auditSink, busImpl)

	// Initialize Group Manager
	groups := group.NewManager(repo, repo, merger, auditSink, busImpl)

	// Initialize Bulk Coordinator
	coordinator := bulk.NewCoordinator(finder, merger, groups, cfg.Engine.ScanWorkers)
	slog.Info("bulk coordinator initialized", "scan_workers", cfg.Engine.ScanWorkers)

	// Initialize async ingest Worker (Pro tier)
	var ingestWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("SHRIKE_ASYNC_WORKER") == "true" {
		ingestWorker = worker.NewWorker(busImpl, repo, finder, merger)

		// Get tenant IDs to process (from environment or default)
		var tenantIDs []string
		if envTenants := os.Getenv("SHRIKE_TENANTS"); envTenants != "" {
			tenantIDs = strings.Split(envTenants, ",")
		}

		workerCfg := worker.Config{
			TenantIDs: tenantIDs,
		}

		if err := ingestWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start ingest worker", "error", err)
		} else {
			slog.Info("ingest worker started", "tenant_count", len(tenantIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, finder, merger, groups, coordinator, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("shrike is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop ingest worker first
	if ingestWorker != nil {
		if err := ingestWorker.Stop(); err != nil {
			slog.Error("failed to stop ingest worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("shrike shutdown complete")
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🐦 SHRIKE                   ║")
	fmt.Println("  ║     Lead Deduplication & Merge Engine     ║")
	fmt.Println("  ║      One record for every customer.       ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /leads/check          - Check a lead for duplicates")
	fmt.Println("    POST /leads/candidates     - List duplicate candidates")
	fmt.Println("    GET  /leads/{id}           - Get lead by ID")
	fmt.Println("    GET  /leads/{id}/audit     - Get lead audit timeline")
	fmt.Println("    POST /merge                - Merge two leads")
	fmt.Println("    POST /bulk/check           - Bulk duplicate scan")
	fmt.Println("    POST /bulk/merge           - Bulk merge")
	fmt.Println("    GET  /groups               - List open duplicate groups")
	fmt.Println("    POST /groups/{id}/resolve  - Resolve a duplicate group")
	fmt.Println("    GET  /config               - Get detection config")
	fmt.Println("    PUT  /config               - Update detection config")
	fmt.Println("    GET  /health               - Health check")
	fmt.Println()
}
