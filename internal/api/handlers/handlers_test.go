// Package handlers_test provides behavior tests for the API handlers package.
package handlers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/jroosing/hrpcd/internal/api/handlers"
	"github.com/jroosing/hrpcd/internal/api/models"
	"github.com/jroosing/hrpcd/internal/audit"
	"github.com/jroosing/hrpcd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeRPCStats struct {
	conns, queue, handlerCount, busy int
	current, ceiling                 int64
}

func (f fakeRPCStats) ConnectionCount() int               { return f.conns }
func (f fakeRPCStats) CallQueueDepth() int                 { return f.queue }
func (f fakeRPCStats) HandlerCount() int                   { return f.handlerCount }
func (f fakeRPCStats) HandlersBusy() int                   { return f.busy }
func (f fakeRPCStats) ThrottlerBytes() (int64, int64)      { return f.current, f.ceiling }

type fakeAuditLog struct {
	records []audit.CallSummary
}

func (f fakeAuditLog) Recent(_ context.Context, n int) ([]audit.CallSummary, error) {
	if n < len(f.records) {
		return f.records[:n], nil
	}
	return f.records, nil
}

func performRequest(r http.Handler, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealth_ReturnsOK(t *testing.T) {
	h := handlers.New(&config.Config{}, nil)
	router := gin.New()
	router.GET("/health", h.Health)

	w := performRequest(router, "GET", "/health")

	assert.Equal(t, http.StatusOK, w.Code)

	var resp models.StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestStats_WithoutRPCServer_ReportsZeroes(t *testing.T) {
	h := handlers.New(&config.Config{}, nil)
	router := gin.New()
	router.GET("/stats", h.Stats)

	w := performRequest(router, "GET", "/stats")

	assert.Equal(t, http.StatusOK, w.Code)

	var resp models.ServerStatsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Uptime)
	assert.Positive(t, resp.CPU.NumCPU)
	assert.Zero(t, resp.RPC.ConnectionsActive)
}

func TestStats_WithRPCServer_ReportsLiveCounters(t *testing.T) {
	h := handlers.New(&config.Config{}, nil)
	h.SetRPCServer(fakeRPCStats{conns: 3, queue: 5, handlerCount: 32, busy: 2, current: 1024, ceiling: 1 << 30})

	router := gin.New()
	router.GET("/stats", h.Stats)

	w := performRequest(router, "GET", "/stats")

	assert.Equal(t, http.StatusOK, w.Code)

	var resp models.ServerStatsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.RPC.ConnectionsActive)
	assert.Equal(t, 5, resp.RPC.CallQueueDepth)
	assert.Equal(t, 32, resp.RPC.HandlerCount)
	assert.Equal(t, 2, resp.RPC.HandlersBusy)
	assert.EqualValues(t, 1024, resp.RPC.ThrottlerBytes)
	assert.EqualValues(t, 1<<30, resp.RPC.ThrottlerCeiling)
}

func TestDebugCalls_WithoutAuditLog_ReturnsNotFound(t *testing.T) {
	h := handlers.New(&config.Config{}, nil)
	router := gin.New()
	router.GET("/debug/calls", h.DebugCalls)

	w := performRequest(router, "GET", "/debug/calls")

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDebugCalls_WithAuditLog_ReturnsRecords(t *testing.T) {
	h := handlers.New(&config.Config{}, nil)
	h.SetAuditLog(fakeAuditLog{records: []audit.CallSummary{
		{CallID: 1, RemoteAddr: "127.0.0.1:9000", Tag: "ping"},
		{CallID: 2, RemoteAddr: "127.0.0.1:9001", Failed: true, ErrorMessage: "boom"},
	}})

	router := gin.New()
	router.GET("/debug/calls", h.DebugCalls)

	w := performRequest(router, "GET", "/debug/calls?limit=1")

	assert.Equal(t, http.StatusOK, w.Code)

	var resp []audit.CallSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp, 1)
	assert.EqualValues(t, 1, resp[0].CallID)
}

func TestHandler_New(t *testing.T) {
	h := handlers.New(&config.Config{}, nil)
	assert.NotNil(t, h)
}
