package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ovolab/attendant/internal/cdr"
	"github.com/ovolab/attendant/internal/config"
	"github.com/ovolab/attendant/internal/dialog"
	"github.com/ovolab/attendant/internal/httpapi"
	"github.com/ovolab/attendant/internal/observability"
	"github.com/ovolab/attendant/internal/session"
	"github.com/ovolab/attendant/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := cdr.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("record store init failed: %v", err)
	}
	defer store.Close()

	workerClient := worker.NewClient(cfg.WorkerURL, cfg.WorkerRequestTimeout, cfg.WorkerGenerateTimeout)

	calls := session.NewManager(cfg.MaxCallDuration)
	calls.SetExpireHook(func(c *session.Call) {
		// The call loop notices the expired state and accounts for the
		// termination itself; this is just operator visibility.
		log.Printf("call %s hit the duration ceiling after %s", c.ID, c.Duration())
	})

	orchestrator := dialog.NewOrchestrator(cfg, workerClient, calls, store, metrics)

	api := httpapi.New(cfg, calls, orchestrator, workerClient, store, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	calls.StartJanitor(runCtx, 5*time.Second)

	go func() {
		log.Printf("call engine listening on %s (worker %s)", cfg.BindAddr, cfg.WorkerURL)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
