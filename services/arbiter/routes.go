// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package arbiter

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianArbiter/services/arbiter/telemetry"
)

// RegisterRoutes registers the arbiter status routes with the router.
//
// Description:
//
//	Registers the health probes at the router root and the status
//	endpoints under /v1. The router should already have any required
//	middleware applied.
//
// Inputs:
//
//	router - Gin engine
//	handlers - The handlers instance
//
// Endpoints:
//
//	GET /health - Health check
//	GET /ready - Readiness check (503 until warm start completes)
//	GET /metrics - Prometheus metrics (when the exporter is enabled)
//
//	GET /v1/state - Consolidated public state export
//	GET /v1/pass - Last pass summary
//	GET /v1/cache/stats - Result cache statistics
//
// Example:
//
//	svc, _ := arbiter.New(opts, deps)
//	handlers := arbiter.NewHandlers(svc)
//	arbiter.RegisterRoutes(router, handlers)
func RegisterRoutes(router *gin.Engine, handlers *Handlers) {
	router.GET("/health", handlers.HandleHealth)
	router.GET("/ready", handlers.HandleReady)

	if metricsHandler := telemetry.MetricsHandler(); metricsHandler != nil {
		router.GET("/metrics", gin.WrapH(metricsHandler))
	}

	v1 := router.Group("/v1")
	{
		v1.GET("/state", handlers.HandleState)
		v1.GET("/pass", handlers.HandleLastPass)
		v1.GET("/cache/stats", handlers.HandleCacheStats)
	}
}

// NewRouter builds the arbiter HTTP router.
//
// Description:
//
//	Creates a gin engine with panic recovery and OpenTelemetry request
//	instrumentation, then registers the status routes for the service.
//
// Outputs:
//
//	http.Handler - Ready to serve.
func NewRouter(svc *Service) http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("arbiter-service"))

	RegisterRoutes(router, NewHandlers(svc))
	return router
}
