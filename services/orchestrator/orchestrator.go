// Copyright (C) 2025 Chatcore Team (dev@chatcore.kr)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package orchestrator assembles the chat service from its parts and runs
// the HTTP server.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seoul-2025/chatcore/services/llm"
	"github.com/seoul-2025/chatcore/services/orchestrator/conversation"
	"github.com/seoul-2025/chatcore/services/orchestrator/handlers"
	"github.com/seoul-2025/chatcore/services/orchestrator/observability"
	"github.com/seoul-2025/chatcore/services/orchestrator/promptcache"
	"github.com/seoul-2025/chatcore/services/orchestrator/routes"
	"github.com/seoul-2025/chatcore/services/orchestrator/services"
	"github.com/seoul-2025/chatcore/services/orchestrator/storage"
	"github.com/seoul-2025/chatcore/services/orchestrator/usage"
)

// Config is the orchestrator's top-level configuration, populated from
// the environment by cmd/chatcore.
type Config struct {
	ListenAddr string
	DataDir    string

	// CacheMode is "ttl" or "permanent"; CacheTTLSeconds applies in TTL
	// mode. Zero values take the promptcache defaults.
	CacheMode       string
	CacheTTLSeconds int

	// OpenAIAPIKey enables the OpenAI-compatible provider when set.
	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string

	// OllamaURL enables the Ollama provider when set.
	OllamaURL   string
	OllamaModel string

	// RoutingConfigPath points at the optional YAML provider-routing
	// file. Empty means default routing (first provider, no fallback
	// unless two providers are configured).
	RoutingConfigPath string

	GinMode string
}

// Orchestrator owns the wired service graph and the HTTP server.
type Orchestrator struct {
	cfg    Config
	store  *storage.Store
	router *gin.Engine
	logger *slog.Logger
}

// New wires the full service graph: document store, prompt cache,
// conversation store, providers, selector, usage meter, metrics, the
// stream service, and the HTTP routes.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.GinMode != "" {
		gin.SetMode(cfg.GinMode)
	}

	storeCfg := storage.DefaultConfig()
	if cfg.DataDir != "" {
		storeCfg.Path = cfg.DataDir
	}
	store, err := storage.Open(storeCfg)
	if err != nil {
		return nil, fmt.Errorf("open document store: %w", err)
	}

	metrics := observability.NewStreamingMetrics(prometheus.DefaultRegisterer)

	cache := promptcache.New(store, promptcache.Config{
		Mode:    promptcache.Mode(cfg.CacheMode),
		TTL:     time.Duration(cfg.CacheTTLSeconds) * time.Second,
		Metrics: metrics,
	})

	conv := conversation.NewStore(store, conversation.DefaultConfig(), conversation.SystemClock())
	conv.SetMetrics(metrics)

	providers, err := buildProviders(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	routing, err := llm.LoadRoutingConfig(cfg.RoutingConfigPath)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load routing config: %w", err)
	}
	if routing.Fallback == "" && len(providers) > 1 {
		routing.Fallback = providers[1].Name()
	}
	selector, err := llm.NewSelector(providers, routing)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("build provider selector: %w", err)
	}

	meter := usage.NewMeter(store)
	stream := services.NewStreamService(cache, conv, selector, meter, metrics, services.StreamConfig{})
	chat := handlers.NewChatHandler(stream, conv)

	router := gin.New()
	router.Use(gin.Recovery())
	routes.SetupRoutes(router, chat)

	return &Orchestrator{
		cfg:    cfg,
		store:  store,
		router: router,
		logger: slog.Default(),
	}, nil
}

func buildProviders(cfg Config) ([]llm.ProviderClient, error) {
	var providers []llm.ProviderClient

	if cfg.OpenAIAPIKey != "" {
		client, err := llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.OpenAIModel,
			BaseURL: cfg.OpenAIBaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("build openai client: %w", err)
		}
		providers = append(providers, client)
	}

	if cfg.OllamaURL != "" {
		client, err := llm.NewOllamaClient(cfg.OllamaURL, cfg.OllamaModel)
		if err != nil {
			return nil, fmt.Errorf("build ollama client: %w", err)
		}
		providers = append(providers, client)
	}

	if len(providers) == 0 {
		return nil, errors.New("no LLM provider configured: set an OpenAI API key or an Ollama URL")
	}
	return providers, nil
}

// Run serves HTTP until ctx is canceled, then shuts down gracefully and
// closes the document store.
func (o *Orchestrator) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              o.cfg.ListenAddr,
		Handler:           o.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		o.logger.Info("orchestrator listening", "addr", o.cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		o.logger.Info("shutdown requested")
	case err := <-errCh:
		o.store.Close()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		o.logger.Error("server shutdown failed", "error", err)
	}
	<-errCh

	if err := o.store.Close(); err != nil {
		return fmt.Errorf("close document store: %w", err)
	}
	o.logger.Info("orchestrator stopped")
	return nil
}

// Router exposes the gin engine for tests.
func (o *Orchestrator) Router() *gin.Engine { return o.router }
