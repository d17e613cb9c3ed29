// Package config provides configuration loading and validation for hrpcd.
//
// Configuration is loaded with the following priority (highest to lowest):
//  1. Command-line flags (not handled here, see cmd/hrpcd/main.go)
//  2. Environment variables (HRPCD_* prefix)
//  3. YAML config file (if specified with --config)
//  4. Hardcoded defaults
//
// All configuration is validated during Load() to ensure correctness early.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// initConfig sets up the config loader with defaults, env binding, and config file.
func initConfig(configPath string) (*viper.Viper, error) {
	v := viper.New()

	setDefaults(v)

	// HRPCD_SERVER_HOST -> server.host
	v.SetEnvPrefix("HRPCD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return v, nil
}

// setDefaults configures all default values. Numeric defaults mirror
// ratpc.Default* so a server started with no config file at all still
// gets spec.md's documented defaults.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 16020)
	v.SetDefault("server.listeners", "auto")
	v.SetDefault("server.listen_backlog", 128)
	v.SetDefault("server.handler_count", 32)
	v.SetDefault("server.per_handler_limit", 100)
	v.SetDefault("server.response_queue_max_bytes", int64(1<<30))
	v.SetDefault("server.max_frame_bytes", 64<<20)
	v.SetDefault("server.max_response_bytes", 0)
	v.SetDefault("server.deserialize_core", 1)
	v.SetDefault("server.deserialize_max", 0) // 0 => NumCPU()+1
	v.SetDefault("server.deserialize_idle", "60s")
	v.SetDefault("server.max_evictions_per_sweep", 10)
	v.SetDefault("server.max_idle_time", "5m")
	v.SetDefault("server.sweep_interval", "10s")
	v.SetDefault("server.purge_interval", "15m")
	v.SetDefault("server.write_chunk_size_bytes", 8<<10)

	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.structured", false)
	v.SetDefault("logging.structured_format", "json")
	v.SetDefault("logging.include_pid", false)
	v.SetDefault("logging.extra_fields", map[string]string{})

	// Default to disabled and bound to localhost for safety.
	v.SetDefault("api.enabled", false)
	v.SetDefault("api.host", "127.0.0.1")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.api_key", "")

	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.db_path", "hrpcd-audit.db")
}

// loadFromSource loads configuration from file and environment.
func loadFromSource(configPath string) (*Config, error) {
	v, err := initConfig(configPath)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}

	loadServerConfig(v, cfg)
	loadLoggingConfig(v, cfg)
	loadAPIConfig(v, cfg)
	loadAuditConfig(v, cfg)

	if err := normalizeConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadServerConfig(v *viper.Viper, cfg *Config) {
	cfg.Server.Host = v.GetString("server.host")
	cfg.Server.Port = v.GetInt("server.port")
	cfg.Server.ListenersRaw = v.GetString("server.listeners")
	cfg.Server.Workers = parseWorkers(cfg.Server.ListenersRaw)
	cfg.Server.ListenBacklog = v.GetInt("server.listen_backlog")
	cfg.Server.HandlerCount = v.GetInt("server.handler_count")
	cfg.Server.PerHandlerLimit = v.GetInt("server.per_handler_limit")
	cfg.Server.ResponseQueueMaxBytes = v.GetInt64("server.response_queue_max_bytes")
	cfg.Server.MaxFrameBytes = v.GetInt("server.max_frame_bytes")
	cfg.Server.MaxResponseBytes = v.GetInt("server.max_response_bytes")
	cfg.Server.DeserializeCore = v.GetInt("server.deserialize_core")
	cfg.Server.DeserializeMax = v.GetInt("server.deserialize_max")
	cfg.Server.DeserializeIdle = v.GetString("server.deserialize_idle")
	cfg.Server.MaxEvictionsPerSweep = v.GetInt("server.max_evictions_per_sweep")
	cfg.Server.MaxIdleTime = v.GetString("server.max_idle_time")
	cfg.Server.SweepInterval = v.GetString("server.sweep_interval")
	cfg.Server.PurgeInterval = v.GetString("server.purge_interval")
	cfg.Server.WriteChunkSizeBytes = v.GetInt("server.write_chunk_size_bytes")
}

func loadLoggingConfig(v *viper.Viper, cfg *Config) {
	cfg.Logging.Level = strings.ToUpper(v.GetString("logging.level"))
	cfg.Logging.Structured = v.GetBool("logging.structured")
	cfg.Logging.StructuredFormat = v.GetString("logging.structured_format")
	cfg.Logging.IncludePID = v.GetBool("logging.include_pid")
	cfg.Logging.ExtraFields = v.GetStringMapString("logging.extra_fields")
}

func loadAPIConfig(v *viper.Viper, cfg *Config) {
	cfg.API.Enabled = v.GetBool("api.enabled")
	cfg.API.Host = v.GetString("api.host")
	cfg.API.Port = v.GetInt("api.port")
	cfg.API.APIKey = v.GetString("api.api_key")
}

func loadAuditConfig(v *viper.Viper, cfg *Config) {
	cfg.Audit.Enabled = v.GetBool("audit.enabled")
	cfg.Audit.DBPath = v.GetString("audit.db_path")
}

// parseWorkers converts the listeners string to WorkerSetting.
func parseWorkers(raw string) WorkerSetting {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" || raw == "auto" {
		return WorkerSetting{Mode: WorkersAuto}
	}
	if n, err := strconv.Atoi(raw); err == nil && n > 0 {
		return WorkerSetting{Mode: WorkersFixed, Value: n}
	}
	return WorkerSetting{Mode: WorkersAuto}
}

// normalizeConfig validates and normalizes the configuration.
func normalizeConfig(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return errors.New("server.port must be 1..65535")
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.StructuredFormat == "" {
		cfg.Logging.StructuredFormat = "json"
	}
	if cfg.Logging.ExtraFields == nil {
		cfg.Logging.ExtraFields = map[string]string{}
	}

	if cfg.API.Host == "" {
		cfg.API.Host = "127.0.0.1"
	}
	if cfg.API.Enabled {
		if cfg.API.Port <= 0 || cfg.API.Port > 65535 {
			return errors.New("api.port must be 1..65535")
		}
	}

	if cfg.Audit.Enabled && strings.TrimSpace(cfg.Audit.DBPath) == "" {
		return errors.New("audit.db_path must be set when audit.enabled is true")
	}

	return nil
}
