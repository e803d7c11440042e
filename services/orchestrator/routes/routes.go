// Copyright (C) 2025 Chatcore Team (dev@chatcore.kr)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package routes registers the orchestrator's HTTP surface.
package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seoul-2025/chatcore/services/orchestrator/handlers"
)

// SetupRoutes registers all endpoints on the engine.
//
// The chat WebSocket lives under /v1 for client versioning; health and
// metrics stay unversioned for the infrastructure that scrapes them.
func SetupRoutes(r *gin.Engine, chat *handlers.ChatHandler) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	{
		v1.GET("/chat/ws", chat.Handle)
	}
}
