// Command reindex runs one full index of the vault and flushes the store.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ai-coach-context/internal/bootstrap"
	"ai-coach-context/internal/config"
	"ai-coach-context/internal/pkg/logger"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zapcore"
)

func main() {
	cfg := config.Load()

	container, err := bootstrap.NewContainer(cfg, prometheus.NewRegistry(), logger.NewConsoleLogger(zapcore.WarnLevel))
	if err != nil {
		color.Red("Bootstrap failed: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	color.Cyan("Reindexing vault %s (journal=%s, entities=%s)", cfg.Vault.Root, cfg.Vault.JournalFolder, cfg.Vault.EntitiesFolder)

	if err := container.Store.Initialize(ctx); err != nil {
		color.Red("Store failed to initialize: %v", err)
		os.Exit(1)
	}
	if container.Store.HasInitializationError() {
		color.Red("Store is degraded: %v", container.Store.InitError())
		_ = container.Close(context.Background())
		os.Exit(1)
	}

	start := time.Now()
	res, err := container.Indexer.IndexAll(ctx)
	if err != nil {
		color.Red("Indexing stopped: %v", err)
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := container.Close(closeCtx); err != nil {
		color.Red("Failed to flush store: %v", err)
		os.Exit(1)
	}

	stats := container.Store.Stats()
	color.Green("Indexed %d notes in %s", res.Indexed, time.Since(start).Round(time.Millisecond))
	if res.Errors > 0 {
		color.Yellow("%d notes failed, see the log for details", res.Errors)
	}
	color.Cyan("Store: %d records, dimension %d, %d skipped on load", stats.Count, stats.Dimension, stats.SkippedOnLoad)

	if err != nil || res.Errors > 0 {
		os.Exit(2)
	}
}
