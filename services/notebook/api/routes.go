// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/telemetry"
)

// RegisterRoutes registers the notebook endpoints.
//
// Endpoints:
//
//	POST   /v1/notebook/notebooks                 - Open a notebook
//	GET    /v1/notebook/notebooks                 - List open notebooks
//	GET    /v1/notebook/notebooks/:id             - Session summary
//	DELETE /v1/notebook/notebooks/:id             - Close a notebook
//	POST   /v1/notebook/notebooks/:id/save        - Write the notebook file
//	POST   /v1/notebook/notebooks/:id/flush       - Rebuild and sync now
//
//	GET    /v1/notebook/notebooks/:id/cells       - List cells
//	PUT    /v1/notebook/notebooks/:id/cells       - Replace the cell list
//	PATCH  /v1/notebook/notebooks/:id/cells/:cell - Replace one cell's source
//
//	GET    /v1/notebook/notebooks/:id/documents   - Virtual documents
//	GET    /v1/notebook/notebooks/:id/diagnostics - Diagnostics in cell coordinates
//	POST   /v1/notebook/notebooks/:id/completion  - Completion at a cell position
//	POST   /v1/notebook/notebooks/:id/hover       - Hover at a cell position
//	POST   /v1/notebook/notebooks/:id/definition  - Definition targets
//	POST   /v1/notebook/notebooks/:id/rename      - Rename edit, optionally applied
//	POST   /v1/notebook/notebooks/:id/format      - Format edit, optionally applied
//	POST   /v1/notebook/notebooks/:id/edits       - Apply a workspace edit
//	GET    /v1/notebook/notebooks/:id/ws          - Rebuild and diagnostics stream
//
//	GET    /v1/notebook/audit                     - Recent notebook changes
//	GET    /v1/notebook/health                    - Health check
//
// Example:
//
//	v1 := router.Group("/v1")
//	api.RegisterRoutes(v1, api.NewHandlers(store))
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	nb := rg.Group("/notebook")
	{
		nb.GET("/health", handlers.HandleHealth)
		nb.GET("/audit", handlers.HandleAudit)

		nb.POST("/notebooks", handlers.HandleOpen)
		nb.GET("/notebooks", handlers.HandleList)

		one := nb.Group("/notebooks/:id")
		{
			one.GET("", handlers.HandleGet)
			one.DELETE("", handlers.HandleClose)
			one.POST("/save", handlers.HandleSave)
			one.POST("/flush", handlers.HandleFlush)

			one.GET("/cells", handlers.HandleGetCells)
			one.PUT("/cells", handlers.HandleSetCells)
			one.PATCH("/cells/:cell", handlers.HandleSetText)

			one.GET("/documents", handlers.HandleDocuments)
			one.GET("/diagnostics", handlers.HandleDiagnostics)
			one.POST("/completion", handlers.HandleCompletion)
			one.POST("/hover", handlers.HandleHover)
			one.POST("/definition", handlers.HandleDefinition)
			one.POST("/rename", handlers.HandleRename)
			one.POST("/format", handlers.HandleFormat)
			one.POST("/edits", handlers.HandleApplyEdit)
			one.GET("/ws", handlers.HandleStream)
		}
	}
}

// NewRouter builds the gin engine for the notebook server.
//
// Description:
//
//	Installs recovery, OpenTelemetry and request-id middleware, the
//	/health and /metrics endpoints and the /v1 notebook routes. /metrics
//	serves the OpenTelemetry Prometheus exporter when telemetry is
//	initialised and the default Prometheus registry otherwise.
func NewRouter(handlers *Handlers, debug bool) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	if debug {
		router.Use(gin.Logger())
	}
	router.Use(otelgin.Middleware("notebook-lsp"))
	router.Use(requestID)

	router.GET("/health", handlers.HandleHealth)
	metrics := telemetry.MetricsHandler()
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	router.GET("/metrics", gin.WrapH(metrics))

	v1 := router.Group("/v1")
	RegisterRoutes(v1, handlers)
	return router
}

// requestID tags every response with X-Request-ID, echoing the caller's.
func requestID(c *gin.Context) {
	getOrCreateRequestID(c)
	c.Next()
}
