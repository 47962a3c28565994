package config

import (
	"os"
	"path/filepath"
	"testing"
)

const testYAML = `
redis:
  enabled: true
  host: redis.internal
  port: 6380
exchanges:
  - name: binance
    enabled: true
    symbols: [BTCUSDT, ETHUSDT]
  - name: okx
    enabled: false
    symbols: [BTCUSDT]
workers:
  count: 8
rotation:
  enabled: true
symbols:
  BTCUSDT:
    enabled: true
    tick_value: 0.1
    bin_multiplier: 1
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := NewConfigLoader().LoadConfig(writeConfig(t, testYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Redis.Host != "redis.internal" || cfg.Redis.Port != 6380 {
		t.Errorf("redis: %+v", cfg.Redis)
	}
	if cfg.Workers.Count != 8 {
		t.Errorf("workers: %d", cfg.Workers.Count)
	}
	if cfg.IPC.SocketPath != DefaultSocketPath {
		t.Errorf("socket default: %s", cfg.IPC.SocketPath)
	}
	if cfg.State.FlushIntervalMS != DefaultFlushIntervalMS || cfg.State.BatchSize != DefaultBatchSize {
		t.Errorf("state defaults: %+v", cfg.State)
	}
	if cfg.Rotation.TriggerMS != DefaultTriggerMS || cfg.Rotation.OverlapMS != DefaultOverlapMS {
		t.Errorf("rotation defaults: %+v", cfg.Rotation)
	}
	if len(cfg.EnabledExchanges()) != 1 || cfg.EnabledExchanges()[0].Name != "binance" {
		t.Errorf("enabled exchanges: %+v", cfg.EnabledExchanges())
	}
	if sc, ok := cfg.Symbols["BTCUSDT"]; !ok || sc.TickValue != 0.1 {
		t.Errorf("symbol config: %+v", cfg.Symbols)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("IPC_SOCKET_PATH", "/run/other.sock")
	t.Setenv("STATE_FLUSH_INTERVAL_MS", "5000")
	t.Setenv("STATE_BATCH_SIZE", "50")
	t.Setenv("IPC_GAP_TIMEOUT_MS", "7000")
	t.Setenv("WS_ROTATION_ENABLED", "false")
	t.Setenv("WS_ROTATION_TRIGGER_MS", "1000")

	cfg, err := NewConfigLoader().LoadConfig(writeConfig(t, testYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.IPC.SocketPath != "/run/other.sock" {
		t.Errorf("socket override: %s", cfg.IPC.SocketPath)
	}
	if cfg.State.FlushIntervalMS != 5000 || cfg.State.BatchSize != 50 {
		t.Errorf("state overrides: %+v", cfg.State)
	}
	if cfg.IPC.GapTimeoutMS != 7000 {
		t.Errorf("gap timeout override: %d", cfg.IPC.GapTimeoutMS)
	}
	if cfg.Rotation.Enabled {
		t.Error("rotation enabled override ignored")
	}
	if cfg.Rotation.TriggerMS != 1000 {
		t.Errorf("trigger override: %d", cfg.Rotation.TriggerMS)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := NewConfigLoader().LoadConfig("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}
