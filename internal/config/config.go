package config

import (
	"fmt"
	"time"
)

// Config is the complete application configuration.
type Config struct {
	Redis       RedisConfig             `yaml:"redis"`
	Exchanges   []ExchangeConfig        `yaml:"exchanges"`
	Symbols     map[string]SymbolConfig `yaml:"symbols"`
	Workers     WorkersConfig           `yaml:"workers"`
	IPC         IPCConfig               `yaml:"ipc"`
	State       StateConfig             `yaml:"state"`
	Rotation    RotationConfig          `yaml:"rotation"`
	Persistence PersistenceConfig       `yaml:"persistence"`
	Monitoring  MonitoringConfig        `yaml:"monitoring"`
	API         APIConfig               `yaml:"api"`
}

// RedisConfig is the pub/sub fan-out connection.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// ExchangeConfig is one venue's ingestion feed.
type ExchangeConfig struct {
	Name         string   `yaml:"name"`
	Enabled      bool     `yaml:"enabled"`
	WebSocketURL string   `yaml:"websocket_url"`
	Symbols      []string `yaml:"symbols"`
}

// SymbolConfig carries per-symbol venue metadata.
type SymbolConfig struct {
	Enabled           bool    `yaml:"enabled"`
	TickValue         float64 `yaml:"tick_value"`
	BinMultiplier     int64   `yaml:"bin_multiplier"`
	PricePrecision    int     `yaml:"price_precision"`
	QuantityPrecision int     `yaml:"quantity_precision"`
}

// WorkersConfig sizes the candle-engine pool.
type WorkersConfig struct {
	Count          int `yaml:"count"`
	ReadyTimeoutMS int `yaml:"ready_timeout_ms"`
	MaxQueue       int `yaml:"max_queue"`
}

// IPCConfig is the persistence-socket client contract.
type IPCConfig struct {
	SocketPath      string `yaml:"socket_path"`
	StateTimeoutMS  int    `yaml:"state_timeout_ms"`
	GapTimeoutMS    int    `yaml:"gap_timeout_ms"`
	StateMaxRetries int    `yaml:"state_max_retries"`
	GapMaxRetries   int    `yaml:"gap_max_retries"`
}

// StateConfig is the checkpoint schedule.
type StateConfig struct {
	FlushIntervalMS int `yaml:"flush_interval_ms"`
	BatchSize       int `yaml:"batch_size"`
}

// RotationConfig is the WebSocket overlap rotation schedule.
type RotationConfig struct {
	Enabled         bool  `yaml:"enabled"`
	TriggerMS       int64 `yaml:"trigger_ms"`
	OverlapMS       int64 `yaml:"overlap_ms"`
	RetryIntervalMS int64 `yaml:"retry_interval_ms"`
}

// PersistenceConfig locates the runtime database.
type PersistenceConfig struct {
	DBPath              string `yaml:"db_path"`
	QueueRetentionHours int    `yaml:"queue_retention_hours"`
	DequeueBatch        int    `yaml:"dequeue_batch"`
}

// MonitoringConfig is the metrics surface.
type MonitoringConfig struct {
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	PrometheusPort string `yaml:"prometheus_port"`
}

// APIConfig is the REST/streaming façade.
type APIConfig struct {
	Port string `yaml:"port"`
}

// RedisAddr formats the redis dial address.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// StateFlushInterval converts the checkpoint interval.
func (c *Config) StateFlushInterval() time.Duration {
	return time.Duration(c.State.FlushIntervalMS) * time.Millisecond
}

// StateTimeout converts the state-channel request timeout.
func (c *Config) StateTimeout() time.Duration {
	return time.Duration(c.IPC.StateTimeoutMS) * time.Millisecond
}

// GapTimeout converts the gap-channel request timeout.
func (c *Config) GapTimeout() time.Duration {
	return time.Duration(c.IPC.GapTimeoutMS) * time.Millisecond
}

// RotationTrigger converts the rotation trigger.
func (c *Config) RotationTrigger() time.Duration {
	return time.Duration(c.Rotation.TriggerMS) * time.Millisecond
}

// RotationOverlap converts the rotation overlap window.
func (c *Config) RotationOverlap() time.Duration {
	return time.Duration(c.Rotation.OverlapMS) * time.Millisecond
}

// RotationRetry converts the rotation retry interval.
func (c *Config) RotationRetry() time.Duration {
	return time.Duration(c.Rotation.RetryIntervalMS) * time.Millisecond
}

// EnabledExchanges filters the configured feeds.
func (c *Config) EnabledExchanges() []ExchangeConfig {
	var out []ExchangeConfig
	for _, ex := range c.Exchanges {
		if ex.Enabled {
			out = append(out, ex)
		}
	}
	return out
}
