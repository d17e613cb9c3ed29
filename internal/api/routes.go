package api

import (
	"github.com/gin-gonic/gin"
	"github.com/jroosing/hrpcd/internal/api/handlers"
	"github.com/jroosing/hrpcd/internal/api/middleware"
	"github.com/jroosing/hrpcd/internal/config"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// RegisterRoutes wires the management API's surface: health, stats and
// call-audit endpoints under /api/v1 (all key-protected when an API key
// is configured), a Prometheus scrape endpoint, and the swagger UI
// mounted over the handler package's swaggo annotations.
func RegisterRoutes(r *gin.Engine, h *handlers.Handler, cfg *config.Config) {
	// Swagger UI at /swagger/*
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// Prometheus scrape target, ungated: metrics carry no secrets and
	// operators typically firewall this port rather than key it.
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")

	// Optional API key protection.
	if cfg != nil && cfg.API.APIKey != "" {
		api.Use(middleware.RequireAPIKey(cfg.API.APIKey))
	}

	api.GET("/health", h.Health)
	api.GET("/stats", h.Stats)
	api.GET("/debug/calls", h.DebugCalls)
}
