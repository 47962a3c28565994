package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Defaults applied after unmarshal and before env overrides.
const (
	DefaultSocketPath      = "/tmp/flowtrace.sock"
	DefaultFlushIntervalMS = 30000
	DefaultBatchSize       = 25
	DefaultStateTimeoutMS  = 30000
	DefaultGapTimeoutMS    = 15000
	DefaultStateRetries    = 3
	DefaultGapRetries      = 2
	DefaultTriggerMS       = 79200000 // 22h
	DefaultOverlapMS       = 600000   // 10m
	DefaultRetryIntervalMS = 300000   // 5m
)

type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

// LoadConfig reads the yaml file, fills defaults and applies the recognised
// environment variables on top.
func (cl *ConfigLoader) LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cl.fillDefaults(&config)
	cl.applyEnv(&config)
	return &config, nil
}

func (cl *ConfigLoader) fillDefaults(c *Config) {
	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Workers.Count == 0 {
		c.Workers.Count = 4
	}
	if c.Workers.ReadyTimeoutMS == 0 {
		c.Workers.ReadyTimeoutMS = 10000
	}
	if c.Workers.MaxQueue == 0 {
		c.Workers.MaxQueue = 1000
	}
	if c.IPC.SocketPath == "" {
		c.IPC.SocketPath = DefaultSocketPath
	}
	if c.IPC.StateTimeoutMS == 0 {
		c.IPC.StateTimeoutMS = DefaultStateTimeoutMS
	}
	if c.IPC.GapTimeoutMS == 0 {
		c.IPC.GapTimeoutMS = DefaultGapTimeoutMS
	}
	if c.IPC.StateMaxRetries == 0 {
		c.IPC.StateMaxRetries = DefaultStateRetries
	}
	if c.IPC.GapMaxRetries == 0 {
		c.IPC.GapMaxRetries = DefaultGapRetries
	}
	if c.State.FlushIntervalMS == 0 {
		c.State.FlushIntervalMS = DefaultFlushIntervalMS
	}
	if c.State.BatchSize == 0 {
		c.State.BatchSize = DefaultBatchSize
	}
	if c.Rotation.TriggerMS == 0 {
		c.Rotation.TriggerMS = DefaultTriggerMS
	}
	if c.Rotation.OverlapMS == 0 {
		c.Rotation.OverlapMS = DefaultOverlapMS
	}
	if c.Rotation.RetryIntervalMS == 0 {
		c.Rotation.RetryIntervalMS = DefaultRetryIntervalMS
	}
	if c.Persistence.DBPath == "" {
		c.Persistence.DBPath = "data/flowtrace.db"
	}
	if c.Persistence.QueueRetentionHours == 0 {
		c.Persistence.QueueRetentionHours = 24
	}
	if c.Persistence.DequeueBatch == 0 {
		c.Persistence.DequeueBatch = 50
	}
	if c.Monitoring.PrometheusPort == "" {
		c.Monitoring.PrometheusPort = "9100"
	}
	if c.API.Port == "" {
		c.API.Port = "8899"
	}
}

// applyEnv overrides configuration from the recognised environment
// variables.
func (cl *ConfigLoader) applyEnv(c *Config) {
	if v := os.Getenv("IPC_SOCKET_PATH"); v != "" {
		c.IPC.SocketPath = v
	}
	envInt("STATE_FLUSH_INTERVAL_MS", &c.State.FlushIntervalMS)
	envInt("STATE_BATCH_SIZE", &c.State.BatchSize)
	envInt("IPC_STATE_TIMEOUT_MS", &c.IPC.StateTimeoutMS)
	envInt("IPC_GAP_TIMEOUT_MS", &c.IPC.GapTimeoutMS)
	envInt("IPC_STATE_MAX_RETRIES", &c.IPC.StateMaxRetries)
	envInt("IPC_GAP_MAX_RETRIES", &c.IPC.GapMaxRetries)
	if v := os.Getenv("WS_ROTATION_ENABLED"); v != "" {
		c.Rotation.Enabled = v == "true" || v == "1"
	}
	envInt64("WS_ROTATION_TRIGGER_MS", &c.Rotation.TriggerMS)
	envInt64("WS_ROTATION_OVERLAP_MS", &c.Rotation.OverlapMS)
	envInt64("WS_ROTATION_RETRY_INTERVAL_MS", &c.Rotation.RetryIntervalMS)
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(name string, dst *int64) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}
