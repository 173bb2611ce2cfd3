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
)

// ServiceVersion is the arbiter service version.
const ServiceVersion = "0.1.0"

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	// Status is "healthy" or "degraded".
	Status string `json:"status"`

	// Version is the service version.
	Version string `json:"version"`
}

// ReadyResponse is the response for GET /ready.
type ReadyResponse struct {
	// Ready is true once warm start has completed.
	Ready bool `json:"ready"`

	// Categories is the number of categories currently tracked.
	Categories int `json:"categories"`

	// RosterEntities is the size of the validity roster.
	RosterEntities int `json:"roster_entities"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is the error code (optional).
	Code string `json:"code,omitempty"`
}

// Handlers contains the HTTP handlers for the arbiter status surface.
type Handlers struct {
	svc *Service
}

// NewHandlers creates handlers for the given service.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

// HandleHealth handles GET /health.
//
// Description:
//
//	Returns the health status of the service. Always returns 200 if running.
//
// Response:
//
//	200 OK: HealthResponse
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: ServiceVersion,
	})
}

// HandleReady handles GET /ready.
//
// Description:
//
//	Returns the readiness status of the service. Returns 503 Service
//	Unavailable until the warm start (cache seed plus storage repair)
//	has completed.
//
// Response:
//
//	200 OK: ReadyResponse (Ready=true) - Service is fully ready
//	503 Service Unavailable: ReadyResponse (Ready=false) - Warm start in progress
func (h *Handlers) HandleReady(c *gin.Context) {
	ready := h.svc.Ready()

	resp := ReadyResponse{
		Ready:          ready,
		Categories:     h.svc.CategoryCount(),
		RosterEntities: h.svc.RosterSize(),
	}

	if !ready {
		c.Header("Retry-After", "10")
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// HandleState handles GET /v1/state.
//
// Description:
//
//	Returns the consolidated public state: per-category standings, the
//	last pass outcome, and cache occupancy. The same document is
//	published to remote storage after each pass.
//
// Response:
//
//	200 OK: StateExport
func (h *Handlers) HandleState(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.ExportState())
}

// HandleLastPass handles GET /v1/pass.
//
// Description:
//
//	Returns the summary of the most recent scoring pass.
//
// Response:
//
//	200 OK: PassSummary
//	404 Not Found: No pass has completed yet
func (h *Handlers) HandleLastPass(c *gin.Context) {
	summary := h.svc.LastPass()
	if summary == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "no pass has completed yet",
			Code:  "NO_PASS",
		})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// HandleCacheStats handles GET /v1/cache/stats.
//
// Description:
//
//	Returns result cache occupancy and traffic counters.
//
// Response:
//
//	200 OK: resultcache.Stats
func (h *Handlers) HandleCacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.CacheStats())
}
