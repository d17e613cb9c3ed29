// Package config provides configuration loading for hrpcd using Viper.
// Configuration is loaded from YAML files with automatic environment variable binding.
//
// Environment variables use the HRPCD_ prefix and underscore-separated keys:
//   - HRPCD_SERVER_HOST -> server.host
//   - HRPCD_SERVER_PORT -> server.port
//   - HRPCD_SERVER_HANDLER_COUNT -> server.handler_count
//   - HRPCD_AUDIT_ENABLED -> audit.enabled
package config

import (
	"os"
	"strconv"
	"strings"
)

// WorkersMode specifies how listener-goroutine count is determined.
type WorkersMode int

const (
	// WorkersAuto automatically determines listener count based on available CPUs.
	WorkersAuto WorkersMode = iota
	// WorkersFixed uses a specific listener count.
	WorkersFixed
)

// WorkerSetting represents the listeners configuration.
type WorkerSetting struct {
	Mode  WorkersMode
	Value int
}

// String returns the string representation of the worker setting.
func (w WorkerSetting) String() string {
	if w.Mode == WorkersAuto {
		return "auto"
	}
	return strconv.Itoa(w.Value)
}

// ServerConfig contains the ratpc.Config tunables (spec.md §3-4).
type ServerConfig struct {
	Host    string        `yaml:"host"     mapstructure:"host"`
	Port    int           `yaml:"port"     mapstructure:"port"`
	Workers WorkerSetting `yaml:"-"        mapstructure:"-"`

	// ListenersRaw is "auto" or a fixed listener count; parsed into Workers.
	ListenersRaw string `yaml:"listeners" mapstructure:"listeners"`

	ListenBacklog int `yaml:"listen_backlog" mapstructure:"listen_backlog"`

	HandlerCount    int `yaml:"handler_count"      mapstructure:"handler_count"`
	PerHandlerLimit int `yaml:"per_handler_limit"  mapstructure:"per_handler_limit"`

	ResponseQueueMaxBytes int64 `yaml:"response_queue_max_bytes" mapstructure:"response_queue_max_bytes"`
	MaxFrameBytes         int   `yaml:"max_frame_bytes"          mapstructure:"max_frame_bytes"`
	MaxResponseBytes      int   `yaml:"max_response_bytes"       mapstructure:"max_response_bytes"`

	DeserializeCore int    `yaml:"deserialize_core"  mapstructure:"deserialize_core"`
	DeserializeMax  int    `yaml:"deserialize_max"   mapstructure:"deserialize_max"`
	DeserializeIdle string `yaml:"deserialize_idle"  mapstructure:"deserialize_idle"`

	MaxEvictionsPerSweep int    `yaml:"max_evictions_per_sweep" mapstructure:"max_evictions_per_sweep"`
	MaxIdleTime          string `yaml:"max_idle_time"           mapstructure:"max_idle_time"`
	SweepInterval        string `yaml:"sweep_interval"          mapstructure:"sweep_interval"`
	PurgeInterval        string `yaml:"purge_interval"          mapstructure:"purge_interval"`

	WriteChunkSizeBytes int `yaml:"write_chunk_size_bytes" mapstructure:"write_chunk_size_bytes"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level            string            `yaml:"level"             mapstructure:"level"             json:"level"`
	Structured       bool              `yaml:"structured"        mapstructure:"structured"        json:"structured"`
	StructuredFormat string            `yaml:"structured_format" mapstructure:"structured_format" json:"structured_format"`
	IncludePID       bool              `yaml:"include_pid"       mapstructure:"include_pid"       json:"include_pid"`
	ExtraFields      map[string]string `yaml:"extra_fields"      mapstructure:"extra_fields"      json:"extra_fields,omitempty"`
}

// APIConfig contains management API settings.
//
// Note: APIKey is intentionally treated as a secret and should not be returned by API endpoints.
type APIConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Host    string `yaml:"host"    mapstructure:"host"`
	Port    int    `yaml:"port"    mapstructure:"port"`
	APIKey  string `yaml:"api_key" mapstructure:"api_key"`
}

// AuditConfig controls the optional call-audit log (a feature the
// spec.md distillation dropped that original_source's RPC deployments
// typically run behind).
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"  mapstructure:"enabled"`
	DBPath  string `yaml:"db_path"  mapstructure:"db_path"`
}

// Config is the root configuration structure.
type Config struct {
	Server  ServerConfig  `yaml:"server"  mapstructure:"server"`
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
	API     APIConfig     `yaml:"api"     mapstructure:"api"`
	Audit   AuditConfig   `yaml:"audit"   mapstructure:"audit"`
}

// ResolveConfigPath determines the config file path from flag or environment.
func ResolveConfigPath(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	if v := strings.TrimSpace(os.Getenv("HRPCD_CONFIG")); v != "" {
		return v
	}
	return ""
}

// Load loads configuration from a YAML file with environment variable overrides.
//
// Configuration priority (highest to lowest):
//  1. Environment variables (HRPCD_*)
//  2. Config file values
//  3. Default values
func Load(path string) (*Config, error) {
	return loadFromSource(path)
}
