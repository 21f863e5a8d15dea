package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ai-coach-context/internal/bootstrap"
	"ai-coach-context/internal/config"
	"ai-coach-context/internal/server"
	"ai-coach-context/internal/tracer"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	// 1. Load Configuration
	cfg := config.Load()

	// 2. Bootstrap Dependencies (Container)
	container, err := bootstrap.NewContainer(cfg, prometheus.DefaultRegisterer, nil)
	if err != nil {
		log.Fatalf("Failed to bootstrap: %v", err)
	}
	sysLog := container.Logger

	// 3. Tracer
	shutdownTracer := tracer.InitTracer(cfg.App.OtelEnabled, sysLog)

	// 4. Start store, indexer, watcher and reconcile job
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := container.Start(ctx); err != nil {
		sysLog.Error("bootstrap", "Failed to start", map[string]interface{}{"error": err.Error()})
		_ = container.Close(context.Background())
		os.Exit(1)
	}

	// 5. Serve
	srv := server.New(cfg, container, prometheus.DefaultRegisterer)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Run()
	}()

	select {
	case <-ctx.Done():
		sysLog.Info("bootstrap", "Shutdown signal received", nil)
	case err := <-serveErr:
		if err != nil {
			sysLog.Error("bootstrap", "Server stopped", map[string]interface{}{"error": err.Error()})
		}
	}

	// 6. Teardown: stop accepting requests, stop indexing, flush the store.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(); err != nil {
		sysLog.Warn("bootstrap", "HTTP shutdown failed", map[string]interface{}{"error": err.Error()})
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		sysLog.Warn("bootstrap", "Tracer shutdown failed", map[string]interface{}{"error": err.Error()})
	}
	// Close syncs the logger, so it runs last
	if err := container.Close(shutdownCtx); err != nil {
		sysLog.Error("bootstrap", "Shutdown incomplete", map[string]interface{}{"error": err.Error()})
	}
}
