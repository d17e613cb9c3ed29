// Package handlers implements the REST API endpoint handlers for hrpcd.
//
// @title hrpcd Management API
// @version 1.0
// @description REST API for introspecting a running hrpcd RPC server.
//
// @contact.name hrpcd
// @contact.url https://github.com/jroosing/hrpcd
//
// @license.name MIT
// @license.url https://opensource.org/licenses/MIT
//
// @host localhost:8080
// @BasePath /api/v1
//
// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key
package handlers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jroosing/hrpcd/internal/audit"
	"github.com/jroosing/hrpcd/internal/config"
)

// RPCStatsSource is the narrow view of *ratpc.Server the Stats endpoint
// needs. Defined here, rather than importing ratpc directly, so this
// package only depends on the numbers it reports.
type RPCStatsSource interface {
	ConnectionCount() int
	CallQueueDepth() int
	HandlerCount() int
	HandlersBusy() int
	ThrottlerBytes() (current, ceiling int64)
}

// CallAuditSource is the narrow view of *audit.Log the debug/calls
// endpoint needs.
type CallAuditSource interface {
	Recent(ctx context.Context, n int) ([]audit.CallSummary, error)
}

// Handler contains dependencies for API handlers.
type Handler struct {
	cfg       *config.Config
	logger    *slog.Logger
	startTime time.Time

	// rpc is set once the RPC server is running (SetRPCServer); nil
	// until then, in which case Stats reports zeroed RPC figures.
	rpc RPCStatsSource
	// audit is set when the audit log is enabled (SetAuditLog); nil
	// means DebugCalls reports that no audit log is configured.
	audit CallAuditSource
	mu    sync.RWMutex
}

// New creates a new Handler with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) *Handler {
	return &Handler{
		cfg:       cfg,
		logger:    logger,
		startTime: time.Now(),
	}
}

// SetRPCServer attaches the running RPC server for the Stats endpoint
// to report against. Safe to call before or after the server starts
// accepting connections.
func (h *Handler) SetRPCServer(s RPCStatsSource) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rpc = s
}

func (h *Handler) getRPCServer() RPCStatsSource {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rpc
}

// SetAuditLog attaches the call-audit log for the debug/calls endpoint
// to query. Leaving it unset (the default when audit.enabled is false)
// makes DebugCalls respond with 404.
func (h *Handler) SetAuditLog(a CallAuditSource) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.audit = a
}

func (h *Handler) getAuditLog() CallAuditSource {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.audit
}
