// Package models_test provides behavior tests for the API models package.
package models_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/jroosing/hrpcd/internal/api/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorResponse_JSON(t *testing.T) {
	resp := models.ErrorResponse{Error: "something went wrong"}

	data, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded models.ErrorResponse
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "something went wrong", decoded.Error)
}

func TestStatusResponse_JSON(t *testing.T) {
	resp := models.StatusResponse{Status: "ok"}

	data, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded models.StatusResponse
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "ok", decoded.Status)
}

func TestServerStatsResponse_JSON(t *testing.T) {
	startTime := time.Now()
	resp := models.ServerStatsResponse{
		Uptime:        "1h30m",
		UptimeSeconds: 5400,
		StartTime:     startTime,
		CPU: models.CPUStats{
			NumCPU:      8,
			UsedPercent: 25.5,
			IdlePercent: 74.5,
		},
		Memory: models.MemoryStats{
			TotalMB:     16384.0,
			FreeMB:      8192.0,
			UsedMB:      8192.0,
			UsedPercent: 50.0,
		},
		RPC: models.RPCStats{
			ConnectionsActive: 4,
			CallQueueDepth:    1,
			HandlerCount:      32,
			HandlersBusy:      1,
			ThrottlerBytes:    2048,
			ThrottlerCeiling:  1 << 30,
		},
	}

	data, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded models.ServerStatsResponse
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, "1h30m", decoded.Uptime)
	assert.Equal(t, int64(5400), decoded.UptimeSeconds)
	assert.Equal(t, 8, decoded.CPU.NumCPU)
	assert.InDelta(t, 25.5, decoded.CPU.UsedPercent, 0.001)
	assert.InDelta(t, 50.0, decoded.Memory.UsedPercent, 0.001)
	assert.Equal(t, 4, decoded.RPC.ConnectionsActive)
	assert.EqualValues(t, 1<<30, decoded.RPC.ThrottlerCeiling)
}
