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

	"github.com/ent0n29/chatrelay/internal/config"
	"github.com/ent0n29/chatrelay/internal/httpapi"
	"github.com/ent0n29/chatrelay/internal/observability"
	"github.com/ent0n29/chatrelay/internal/realtime"
	"github.com/ent0n29/chatrelay/internal/relay"
	"github.com/ent0n29/chatrelay/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()

	var persistent store.Persistent
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL, cfg.StoreTimeout)
		if err != nil {
			// Storage is best-effort: keep serving from the volatile
			// tier rather than dying.
			log.Printf("postgres unavailable, falling back to in-memory storage: %v", err)
		} else {
			persistent = pg
			log.Printf("postgres store connected")
		}
	} else {
		log.Printf("DATABASE_URL not set, using in-memory storage only")
	}

	volatile := store.NewVolatileStore(cfg.FallbackSessionCap)
	sessions := store.NewFacade(persistent, volatile)
	defer sessions.Close()

	sessions.SetFallbackHook(func(op string) {
		metrics.StoreFallbacks.WithLabelValues(op).Inc()
		metrics.FallbackSessions.Set(float64(volatile.SessionCount()))
	})

	if cfg.OpenRouterAPIKey != "" {
		log.Printf("OpenRouter API key found")
	} else {
		log.Printf("OPENROUTER_API_KEY not set, relay will answer 503")
	}

	client := relay.NewClient(relay.ClientConfig{
		URL:     cfg.OpenRouterURL,
		APIKey:  cfg.OpenRouterAPIKey,
		Timeout: cfg.RelayTimeout,
	})
	orchestrator := relay.NewOrchestrator(sessions, client, relay.Config{
		TextModel:     cfg.TextModel,
		VisionModel:   cfg.VisionModel,
		ContextWindow: cfg.ContextWindow,
	})
	orchestrator.SetRelayHook(func(model, outcome string, elapsed time.Duration) {
		metrics.RelayRequests.WithLabelValues(model, outcome).Inc()
		metrics.ObserveRelayLatency(elapsed)
	})

	hub := realtime.NewHub()
	hub.SetCountHook(func(n int) {
		metrics.StreamClients.Set(float64(n))
	})
	sessions.SetAppendHook(hub.Publish)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	go hub.Run(runCtx)

	api := httpapi.New(cfg, sessions, orchestrator, hub, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
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
