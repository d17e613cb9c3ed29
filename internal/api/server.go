// Package api provides the management REST API for hrpcd: health,
// runtime statistics, and Prometheus metrics over a running RPC
// server, via a Gin-based HTTP server.
package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jroosing/hrpcd/internal/api/handlers"
	"github.com/jroosing/hrpcd/internal/api/middleware"
	"github.com/jroosing/hrpcd/internal/config"
)

// Server is the management REST API server.
//
// Security note: do not expose the API to untrusted networks without authentication.
type Server struct {
	cfg        *config.Config
	logger     *slog.Logger
	engine     *gin.Engine
	httpServer *http.Server
	handler    *handlers.Handler
}

func New(cfg *config.Config, logger *slog.Logger) *Server {
	if cfg == nil {
		panic("api.New: cfg is nil")
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.SlogRequestLogger(logger))

	h := handlers.New(cfg, logger)
	RegisterRoutes(engine, h, cfg)

	addr := net.JoinHostPort(cfg.API.Host, strconv.Itoa(cfg.API.Port))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{cfg: cfg, logger: logger, engine: engine, httpServer: httpServer, handler: h}
}

// SetRPCServer attaches the running RPC server so the /stats endpoint
// reports its live connection, queue, and throttler figures.
func (s *Server) SetRPCServer(rpc handlers.RPCStatsSource) {
	s.handler.SetRPCServer(rpc)
}

// SetAuditLog attaches the call-audit log so the /debug/calls endpoint
// can serve recent call records. Leaving this unset makes the endpoint
// respond 404.
func (s *Server) SetAuditLog(a handlers.CallAuditSource) {
	s.handler.SetAuditLog(a)
}

func (s *Server) Addr() string {
	if s.httpServer == nil {
		return ""
	}
	return s.httpServer.Addr
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
