package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"firestige.xyz/cv2x/internal/core"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
cv2x:
  log:
    level: "debug"
    format: "text"
  metrics:
    enabled: true
    listen: "127.0.0.1:9300"
  dispatch:
    workers: 2
    queue_size: 64
  session:
    slot: 1
    categories: ["safety"]
    status_query_timeout: "500ms"
  transport:
    sim:
      initial_state: "active"
      target_load: 500
      capabilities:
        max_sps_flows: 3
        periodicities: ["100ms"]
        priorities: [1, 2]
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Expected log level debug, got %s", cfg.Log.Level)
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Expected log format text, got %s", cfg.Log.Format)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Listen != "127.0.0.1:9300" {
		t.Errorf("Unexpected metrics config: %+v", cfg.Metrics)
	}
	if cfg.Dispatch.Workers != 2 || cfg.Dispatch.QueueSize != 64 {
		t.Errorf("Unexpected dispatch config: %+v", cfg.Dispatch)
	}
	if cfg.Session.Slot != 1 {
		t.Errorf("Expected slot 1, got %d", cfg.Session.Slot)
	}
	if len(cfg.Session.TrafficCategories) != 1 || cfg.Session.TrafficCategories[0] != core.TrafficSafety {
		t.Errorf("Expected [safety], got %v", cfg.Session.TrafficCategories)
	}
	if cfg.Session.StatusQueryTimeout != 500*time.Millisecond {
		t.Errorf("Expected status query timeout 500ms, got %s", cfg.Session.StatusQueryTimeout)
	}
	if cfg.Transport.Sim.State() != core.StateActive {
		t.Errorf("Expected initial state active, got %s", cfg.Transport.Sim.State())
	}

	caps := cfg.Transport.Sim.Capabilities
	if caps.MaxSpsFlows != 3 {
		t.Errorf("Expected max_sps_flows 3, got %d", caps.MaxSpsFlows)
	}
	if len(caps.Periodicities) != 1 || caps.Periodicities[0] != 100*time.Millisecond {
		t.Errorf("Expected periodicities [100ms], got %v", caps.Periodicities)
	}
	if len(caps.Priorities) != 2 || caps.Priorities[1] != 2 {
		t.Errorf("Expected priorities [1 2], got %v", caps.Priorities)
	}
	// untouched keys keep their defaults
	if caps.LinkIPMTU != 1500 {
		t.Errorf("Expected default link_ip_mtu 1500, got %d", caps.LinkIPMTU)
	}
}

func TestLoadInvalidLogLevel(t *testing.T) {
	configPath := writeConfig(t, `
cv2x:
  log:
    level: "invalid"
`)

	if _, err := Load(configPath); err == nil {
		t.Error("Expected error for invalid log level, got nil")
	}
}

func TestLoadInvalidLogFormat(t *testing.T) {
	configPath := writeConfig(t, `
cv2x:
  log:
    format: "xml"
`)

	if _, err := Load(configPath); err == nil {
		t.Error("Expected error for invalid log format, got nil")
	}
}

func TestLoadUnknownCategory(t *testing.T) {
	configPath := writeConfig(t, `
cv2x:
  session:
    categories: ["safety", "emergency"]
`)

	if _, err := Load(configPath); err == nil {
		t.Error("Expected error for unknown traffic category, got nil")
	}
}

func TestLoadDuplicateCategory(t *testing.T) {
	configPath := writeConfig(t, `
cv2x:
  session:
    categories: ["safety", "safety"]
`)

	if _, err := Load(configPath); err == nil {
		t.Error("Expected error for duplicate traffic category, got nil")
	}
}

func TestLoadUnsupportedTransport(t *testing.T) {
	configPath := writeConfig(t, `
cv2x:
  transport:
    type: "qmi"
`)

	if _, err := Load(configPath); err == nil {
		t.Error("Expected error for unsupported transport, got nil")
	}
}

func TestLoadInvalidSimBindAddress(t *testing.T) {
	configPath := writeConfig(t, `
cv2x:
  transport:
    sim:
      udp: true
      bind_address: "localhost"
`)

	if _, err := Load(configPath); err == nil {
		t.Error("Expected error for non-literal bind address, got nil")
	}
}

func TestLoadKafkaExportRequiresBrokers(t *testing.T) {
	configPath := writeConfig(t, `
cv2x:
  export:
    kafka:
      enabled: true
`)

	if _, err := Load(configPath); err == nil {
		t.Error("Expected error for kafka export without brokers, got nil")
	}
}

func TestLoadKafkaExport(t *testing.T) {
	configPath := writeConfig(t, `
cv2x:
  export:
    kafka:
      enabled: true
      brokers: ["kafka-1:9092", "kafka-2:9092"]
      compression: "lz4"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	k := cfg.Export.Kafka
	if len(k.Brokers) != 2 {
		t.Errorf("Expected 2 brokers, got %v", k.Brokers)
	}
	if k.Topic != "cv2x-events" {
		t.Errorf("Expected default topic cv2x-events, got %s", k.Topic)
	}
	if k.BatchTimeout != 100*time.Millisecond {
		t.Errorf("Expected default batch timeout 100ms, got %s", k.BatchTimeout)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Error("Expected error for missing config file, got nil")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	configPath := writeConfig(t, `
cv2x:
  log:
    level: "info"
`)

	t.Setenv("CV2X_LOG_LEVEL", "warn")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Log.Level != "warn" {
		t.Errorf("Expected log level warn from env var, got %s", cfg.Log.Level)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load defaults: %v", err)
	}

	if cfg.Log.Level != "info" {
		t.Errorf("Expected default log level info, got %s", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Expected default log format json, got %s", cfg.Log.Format)
	}
	if cfg.Metrics.Enabled {
		t.Error("Expected metrics disabled by default")
	}
	if len(cfg.Session.TrafficCategories) != 2 {
		t.Errorf("Expected both traffic categories by default, got %v", cfg.Session.TrafficCategories)
	}
	if cfg.Session.ReadyTimeout != 5*time.Second {
		t.Errorf("Expected default ready timeout 5s, got %s", cfg.Session.ReadyTimeout)
	}
	if !cfg.Throttle.Enabled {
		t.Error("Expected throttle enabled by default")
	}
	if got := cfg.Transport.Sim.Capabilities.Periodicities; len(got) != 3 {
		t.Errorf("Expected three default periodicities, got %v", got)
	}
}

func TestLogConfigSlogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"ERROR", slog.LevelError},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level, err := LogConfig{Level: tt.input}.SlogLevel()
			if err != nil {
				t.Errorf("SlogLevel(%q) returned error: %v", tt.input, err)
			}
			if level != tt.expected {
				t.Errorf("SlogLevel(%q) = %v, expected %v", tt.input, level, tt.expected)
			}
		})
	}

	for _, input := range []string{"invalid", "trace", ""} {
		if _, err := (LogConfig{Level: input}).SlogLevel(); err == nil {
			t.Errorf("SlogLevel(%q) should return error, got nil", input)
		}
	}
}

func TestLogConfigValidate(t *testing.T) {
	if err := (LogConfig{Level: "info", Format: "Text"}).Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
	if err := (LogConfig{Level: "info", Format: "xml"}).Validate(); err == nil {
		t.Error("expected error for unsupported format")
	}
	if err := (LogConfig{Level: "info", Format: "json", File: FileConfig{Enabled: true}}).Validate(); err == nil {
		t.Error("expected error for file output without path")
	}
}
