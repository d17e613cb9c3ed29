package handlers

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jroosing/hrpcd/internal/api/models"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Health godoc
// @Summary Health check
// @Description Returns server health status
// @Tags system
// @Produce json
// @Success 200 {object} models.StatusResponse
// @Router /health [get]
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, models.StatusResponse{Status: "ok"})
}

// Stats godoc
// @Summary Server statistics
// @Description Returns runtime statistics including system CPU usage, memory usage, and RPC server metrics
// @Tags system
// @Produce json
// @Success 200 {object} models.ServerStatsResponse
// @Security ApiKeyAuth
// @Router /stats [get]
func (h *Handler) Stats(c *gin.Context) {
	uptime := time.Since(h.startTime)

	// Get system memory stats
	memStats := models.MemoryStats{}
	if vmStat, err := mem.VirtualMemory(); err == nil {
		memStats.TotalMB = float64(vmStat.Total) / 1024 / 1024
		memStats.FreeMB = float64(vmStat.Available) / 1024 / 1024
		memStats.UsedMB = float64(vmStat.Used) / 1024 / 1024
		memStats.UsedPercent = vmStat.UsedPercent
	}

	// Get system CPU stats (average over 200ms sample)
	cpuStats := models.CPUStats{
		NumCPU: runtime.NumCPU(),
	}
	if cpuPercent, err := cpu.Percent(200*time.Millisecond, false); err == nil && len(cpuPercent) > 0 {
		cpuStats.UsedPercent = cpuPercent[0]
		cpuStats.IdlePercent = 100.0 - cpuPercent[0]
	}

	resp := models.ServerStatsResponse{
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: int64(uptime.Seconds()),
		StartTime:     h.startTime,
		CPU:           cpuStats,
		Memory:        memStats,
		RPC:           h.getRPCStats(),
	}

	c.JSON(http.StatusOK, resp)
}

// defaultDebugCallsLimit caps the debug/calls page size used when the
// caller does not supply a ?limit= query parameter.
const defaultDebugCallsLimit = 50

// maxDebugCallsLimit bounds the largest page size DebugCalls will ever
// query for, regardless of what the caller asks for.
const maxDebugCallsLimit = 1000

// DebugCalls godoc
// @Summary Recent call audit trail
// @Description Returns the most recently completed calls from the audit log, newest first. 404 if audit.enabled is false.
// @Tags system
// @Produce json
// @Param limit query int false "Maximum number of records to return (default 50, max 1000)"
// @Success 200 {array} audit.CallSummary
// @Failure 404 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /debug/calls [get]
func (h *Handler) DebugCalls(c *gin.Context) {
	log := h.getAuditLog()
	if log == nil {
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "audit log is not enabled"})
		return
	}

	limit := defaultDebugCallsLimit
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxDebugCallsLimit {
		limit = maxDebugCallsLimit
	}

	records, err := log.Recent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, records)
}

// getRPCStats snapshots the attached RPC server's live counters. Before
// the server is attached via SetRPCServer, this reports all zeros
// rather than failing the request.
func (h *Handler) getRPCStats() models.RPCStats {
	rpc := h.getRPCServer()
	if rpc == nil {
		return models.RPCStats{}
	}
	current, ceiling := rpc.ThrottlerBytes()
	return models.RPCStats{
		ConnectionsActive: rpc.ConnectionCount(),
		CallQueueDepth:    rpc.CallQueueDepth(),
		HandlerCount:      rpc.HandlerCount(),
		HandlersBusy:      rpc.HandlersBusy(),
		ThrottlerBytes:    current,
		ThrottlerCeiling:  ceiling,
	}
}
