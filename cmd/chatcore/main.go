// Copyright (C) 2025 Chatcore Team (dev@chatcore.kr)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command chatcore runs the streaming chat orchestration server.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/seoul-2025/chatcore/services/orchestrator"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(),
	}))
	slog.SetDefault(logger)

	cfg := orchestrator.Config{
		ListenAddr:        getEnvString("CHATCORE_LISTEN_ADDR", ":8080"),
		DataDir:           getEnvString("CHATCORE_DATA_DIR", "./data/chatcore"),
		CacheMode:         getEnvString("CHATCORE_CACHE_MODE", "ttl"),
		CacheTTLSeconds:   getEnvInt("CHATCORE_CACHE_TTL_SECONDS", 300),
		OpenAIAPIKey:      os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:       getEnvString("CHATCORE_OPENAI_MODEL", ""),
		OpenAIBaseURL:     getEnvString("CHATCORE_OPENAI_BASE_URL", ""),
		OllamaURL:         getEnvString("CHATCORE_OLLAMA_URL", ""),
		OllamaModel:       getEnvString("CHATCORE_OLLAMA_MODEL", "llama3.1:8b"),
		RoutingConfigPath: getEnvString("CHATCORE_ROUTING_CONFIG", ""),
		GinMode:           getEnvString("GIN_MODE", "release"),
	}

	orch, err := orchestrator.New(cfg)
	if err != nil {
		logger.Error("failed to build orchestrator", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := orch.Run(ctx); err != nil {
		logger.Error("orchestrator exited with error", "error", err)
		os.Exit(1)
	}
}

func logLevel() slog.Level {
	switch getEnvString("CHATCORE_LOG_LEVEL", "info") {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnvString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
