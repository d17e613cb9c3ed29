package models

import "time"

// CPUStats contains system CPU statistics.
type CPUStats struct {
	NumCPU      int     `json:"num_cpu"`
	UsedPercent float64 `json:"used_percent"`
	IdlePercent float64 `json:"idle_percent"`
}

// MemoryStats contains system memory statistics.
type MemoryStats struct {
	TotalMB     float64 `json:"total_mb"`
	FreeMB      float64 `json:"free_mb"`
	UsedMB      float64 `json:"used_mb"`
	UsedPercent float64 `json:"used_percent"`
}

// RPCStats reports the live state of the RPC server's connection
// registry, Call Queue, Handler pool, and response-bytes Throttler.
type RPCStats struct {
	ConnectionsActive int   `json:"connections_active"`
	CallQueueDepth    int   `json:"call_queue_depth"`
	HandlerCount      int   `json:"handler_count"`
	HandlersBusy      int   `json:"handlers_busy"`
	ThrottlerBytes    int64 `json:"throttler_bytes_in_flight"`
	ThrottlerCeiling  int64 `json:"throttler_bytes_ceiling"`
}

// ServerStatsResponse contains server runtime statistics.
type ServerStatsResponse struct {
	Uptime        string      `json:"uptime"`
	UptimeSeconds int64       `json:"uptime_seconds"`
	StartTime     time.Time   `json:"start_time"`
	CPU           CPUStats    `json:"cpu"`
	Memory        MemoryStats `json:"memory"`
	RPC           RPCStats    `json:"rpc"`
}
