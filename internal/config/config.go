// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/cv2x/internal/core"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `cv2x:` root key in YAML.
type GlobalConfig struct {
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Session   SessionConfig   `mapstructure:"session"`
	Throttle  ThrottleConfig  `mapstructure:"throttle"`
	Transport TransportConfig `mapstructure:"transport"`
	Export    ExportConfig    `mapstructure:"export"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level     string     `mapstructure:"level"`  // debug / info / warn / error
	Format    string     `mapstructure:"format"` // json / text
	AddSource bool       `mapstructure:"add_source"`
	File      FileConfig `mapstructure:"file"`
}

// SlogLevel parses Level case-insensitively; "warning" is accepted for warn.
func (c LogConfig) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", c.Level)
	}
}

// JSON reports whether records are written as JSON rather than text.
func (c LogConfig) JSON() bool {
	return strings.EqualFold(c.Format, "json")
}

// Validate checks the level, the format and the file output.
func (c LogConfig) Validate() error {
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	if !c.JSON() && !strings.EqualFold(c.Format, "text") {
		return fmt.Errorf("invalid log format: %s (must be json/text)", c.Format)
	}
	if c.File.Enabled && c.File.Path == "" {
		return fmt.Errorf("log.file.path is required when log.file.enabled=true")
	}
	return nil
}

// FileConfig configures rotating file output.
type FileConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Dispatch ───

// DispatchConfig sizes the notification worker pool.
type DispatchConfig struct {
	Workers   int `mapstructure:"workers"`    // partitions, each served by one goroutine
	QueueSize int `mapstructure:"queue_size"` // per partition
}

// ─── Session ───

// SessionConfig selects which radio sessions a context opens.
type SessionConfig struct {
	Slot               int           `mapstructure:"slot"`
	Categories         []string      `mapstructure:"categories"`
	StatusQueryTimeout time.Duration `mapstructure:"status_query_timeout"`
	ReadyTimeout       time.Duration `mapstructure:"ready_timeout"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`

	// parsed from Categories by ValidateAndApplyDefaults
	TrafficCategories []core.TrafficCategory `mapstructure:"-"`
}

// ─── Throttle ───

// ThrottleConfig toggles the verification-load feedback loop.
type ThrottleConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ─── Transport ───

// TransportConfig selects the device transport.
type TransportConfig struct {
	Type string    `mapstructure:"type"` // "sim"
	Sim  SimConfig `mapstructure:"sim"`
}

// SimConfig configures the simulated modem.
type SimConfig struct {
	InitialState       string            `mapstructure:"initial_state"` // inactive / active
	AdjustmentInterval time.Duration     `mapstructure:"adjustment_interval"`
	TargetLoad         int               `mapstructure:"target_load"`
	AdjustmentGain     float64           `mapstructure:"adjustment_gain"`
	Capabilities       core.Capabilities `mapstructure:"capabilities"`
	UDP                bool              `mapstructure:"udp"`          // relay payload over loopback sockets
	BindAddress        string            `mapstructure:"bind_address"` // UDP mode only
}

// State parses InitialState.
func (c SimConfig) State() core.RadioState {
	if c.InitialState == "active" {
		return core.StateActive
	}
	return core.StateInactive
}

// ─── Export ───

// ExportConfig configures event export.
type ExportConfig struct {
	Kafka KafkaConfig `mapstructure:"kafka"`
}

// KafkaConfig configures the Kafka event exporter.
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	Compression  string        `mapstructure:"compression"` // none / gzip / snappy / lz4
	MaxAttempts  int           `mapstructure:"max_attempts"`
	QueueSize    int           `mapstructure:"queue_size"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `cv2x: ...`.
type configRoot struct {
	CV2X GlobalConfig `mapstructure:"cv2x"`
}

// Load loads configuration from file. An empty path loads defaults only.
// The YAML file uses `cv2x:` as root key; env vars use the CV2X_ prefix
// (e.g., CV2X_LOG_LEVEL).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// The `cv2x.` key prefix maps to `CV2X_` in env vars via the key replacer
	// (e.g., key "cv2x.log.level" → env "CV2X_LOG_LEVEL").
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.CV2X

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use the "cv2x." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("cv2x.log.level", "info")
	v.SetDefault("cv2x.log.format", "json")
	v.SetDefault("cv2x.log.add_source", false)
	v.SetDefault("cv2x.log.file.enabled", false)
	v.SetDefault("cv2x.log.file.path", "/var/log/cv2x/cv2x.log")
	v.SetDefault("cv2x.log.file.max_size_mb", 100)
	v.SetDefault("cv2x.log.file.max_age_days", 30)
	v.SetDefault("cv2x.log.file.max_backups", 5)
	v.SetDefault("cv2x.log.file.compress", true)

	// Metrics defaults
	v.SetDefault("cv2x.metrics.enabled", false)
	v.SetDefault("cv2x.metrics.listen", ":9092")
	v.SetDefault("cv2x.metrics.path", "/metrics")

	// Dispatch defaults
	v.SetDefault("cv2x.dispatch.workers", 4)
	v.SetDefault("cv2x.dispatch.queue_size", 1024)

	// Session defaults
	v.SetDefault("cv2x.session.slot", 0)
	v.SetDefault("cv2x.session.categories", []string{"safety", "non-safety"})
	v.SetDefault("cv2x.session.status_query_timeout", "3s")
	v.SetDefault("cv2x.session.request_timeout", "10s")
	v.SetDefault("cv2x.session.ready_timeout", "5s")

	v.SetDefault("cv2x.throttle.enabled", true)

	// Simulated modem defaults
	v.SetDefault("cv2x.transport.type", "sim")
	v.SetDefault("cv2x.transport.sim.initial_state", "inactive")
	v.SetDefault("cv2x.transport.sim.adjustment_interval", "1s")
	v.SetDefault("cv2x.transport.sim.target_load", 2000)
	v.SetDefault("cv2x.transport.sim.adjustment_gain", 0.5)
	v.SetDefault("cv2x.transport.sim.udp", false)
	v.SetDefault("cv2x.transport.sim.bind_address", "127.0.0.1")
	v.SetDefault("cv2x.transport.sim.capabilities.link_ip_mtu", 1500)
	v.SetDefault("cv2x.transport.sim.capabilities.link_non_ip_mtu", 1500)
	v.SetDefault("cv2x.transport.sim.capabilities.periodicities", []string{"20ms", "50ms", "100ms"})
	v.SetDefault("cv2x.transport.sim.capabilities.priorities", []int{0, 1, 2, 3, 4, 5, 6, 7})
	v.SetDefault("cv2x.transport.sim.capabilities.max_sps_flows", 2)
	v.SetDefault("cv2x.transport.sim.capabilities.max_event_flows", 4)
	v.SetDefault("cv2x.transport.sim.capabilities.max_retransmissions", 1)
	v.SetDefault("cv2x.transport.sim.capabilities.l2_address_size", 24)
	v.SetDefault("cv2x.transport.sim.capabilities.min_tx_power_dbm", -30)
	v.SetDefault("cv2x.transport.sim.capabilities.max_tx_power_dbm", 23)

	// Export defaults
	v.SetDefault("cv2x.export.kafka.enabled", false)
	v.SetDefault("cv2x.export.kafka.topic", "cv2x-events")
	v.SetDefault("cv2x.export.kafka.batch_size", 100)
	v.SetDefault("cv2x.export.kafka.batch_timeout", "100ms")
	v.SetDefault("cv2x.export.kafka.compression", "snappy")
	v.SetDefault("cv2x.export.kafka.max_attempts", 3)
	v.SetDefault("cv2x.export.kafka.queue_size", 1024)
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	if err := cfg.Log.Validate(); err != nil {
		return err
	}

	// ── Dispatch ──
	if cfg.Dispatch.Workers < 1 {
		cfg.Dispatch.Workers = 1
	}
	if cfg.Dispatch.QueueSize < 1 {
		return fmt.Errorf("invalid dispatch.queue_size: %d (must be > 0)", cfg.Dispatch.QueueSize)
	}

	// ── Session ──
	if cfg.Session.Slot < 0 {
		return fmt.Errorf("invalid session.slot: %d", cfg.Session.Slot)
	}
	if len(cfg.Session.Categories) == 0 {
		return fmt.Errorf("session.categories must name at least one traffic category")
	}
	cfg.Session.TrafficCategories = cfg.Session.TrafficCategories[:0]
	seen := make(map[core.TrafficCategory]bool)
	for _, name := range cfg.Session.Categories {
		cat, err := core.ParseTrafficCategory(name)
		if err != nil {
			return err
		}
		if seen[cat] {
			return fmt.Errorf("duplicate session category: %s", name)
		}
		seen[cat] = true
		cfg.Session.TrafficCategories = append(cfg.Session.TrafficCategories, cat)
	}

	// ── Transport ──
	if cfg.Transport.Type != "sim" {
		return fmt.Errorf("unsupported transport.type: %s (only 'sim' supported)", cfg.Transport.Type)
	}
	sim := &cfg.Transport.Sim
	if sim.InitialState != "inactive" && sim.InitialState != "active" {
		return fmt.Errorf("invalid transport.sim.initial_state: %s (must be inactive/active)", sim.InitialState)
	}
	if sim.TargetLoad < 0 {
		return fmt.Errorf("invalid transport.sim.target_load: %d", sim.TargetLoad)
	}
	if sim.UDP {
		if _, err := netip.ParseAddr(sim.BindAddress); err != nil {
			return fmt.Errorf("invalid transport.sim.bind_address: %w", err)
		}
	}
	caps := sim.Capabilities
	if caps.MaxSpsFlows < 0 || caps.MaxEventFlows < 0 {
		return fmt.Errorf("flow maxima must not be negative")
	}
	if caps.MinTxPowerDbm > caps.MaxTxPowerDbm {
		return fmt.Errorf("min_tx_power_dbm %d exceeds max_tx_power_dbm %d", caps.MinTxPowerDbm, caps.MaxTxPowerDbm)
	}

	// ── Export ──
	if k := cfg.Export.Kafka; k.Enabled {
		if len(k.Brokers) == 0 {
			return fmt.Errorf("export.kafka.brokers is required when export.kafka.enabled=true")
		}
		if k.Topic == "" {
			return fmt.Errorf("export.kafka.topic is required when export.kafka.enabled=true")
		}
		switch k.Compression {
		case "", "none", "gzip", "snappy", "lz4":
		default:
			return fmt.Errorf("invalid export.kafka.compression: %s (must be none/gzip/snappy/lz4)", k.Compression)
		}
	}

	return nil
}
