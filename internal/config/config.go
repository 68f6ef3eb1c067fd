// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/spooftcp/internal/core"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `spooftcp:` root key in YAML.
type GlobalConfig struct {
	Control   ControlConfig   `mapstructure:"control" yaml:"control"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Netfilter NetfilterConfig `mapstructure:"netfilter" yaml:"netfilter"`
	// Spoof holds the rule options. It is decoded by spoof.ParseOptions.
	Spoof map[string]any `mapstructure:"spoof" yaml:"spoof"`
}

// ─── Control ───

// ControlConfig contains process control settings.
type ControlConfig struct {
	PIDFile string `mapstructure:"pid_file" yaml:"pid_file"`
}

// ─── Netfilter ───

// NetfilterConfig describes how the engine is hooked into the output path.
type NetfilterConfig struct {
	QueueStart   uint16   `mapstructure:"queue_start" yaml:"queue_start"`
	QueueCount   int      `mapstructure:"queue_count" yaml:"queue_count"`       // One worker and one execution context per queue
	Mark         uint32   `mapstructure:"mark" yaml:"mark"`                     // Firewall mark of synthesized packets
	Families     []string `mapstructure:"families" yaml:"families"`             // ipv4 / ipv6
	InstallRules bool     `mapstructure:"install_rules" yaml:"install_rules"`   // Install and remove iptables rules
	DstPorts     []int    `mapstructure:"dst_ports" yaml:"dst_ports,omitempty"` // Empty = all TCP
	FailOpen     bool     `mapstructure:"fail_open" yaml:"fail_open"`           // Accept packets when the queue is full or no worker listens
	MaxQueueLen  uint32   `mapstructure:"max_queue_len" yaml:"max_queue_len"`
}

// maxMultiport is the port limit of the iptables multiport match.
const maxMultiport = 15

// QueueEnd returns the last queue number of the configured range.
func (n NetfilterConfig) QueueEnd() uint16 {
	return n.QueueStart + uint16(n.QueueCount) - 1
}

// ParsedFamilies returns the configured families, deduplicated, in order.
func (n NetfilterConfig) ParsedFamilies() ([]core.Family, error) {
	seen := make(map[core.Family]bool)
	var out []core.Family
	for _, s := range n.Families {
		f, err := core.ParseFamily(strings.ToLower(strings.TrimSpace(s)))
		if err != nil {
			return nil, fmt.Errorf("netfilter.families: %q: %w", s, err)
		}
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out, nil
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level" yaml:"level"`   // debug / info / warn / error
	Format  string           `mapstructure:"format" yaml:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs" yaml:"outputs"`
	// RateLimit bounds per-reason warnings on the packet path.
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file" yaml:"file"`
	Loki LokiOutputConfig `mapstructure:"loki" yaml:"loki"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled" yaml:"enabled"`
	Path     string         `mapstructure:"path" yaml:"path"`
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// LokiOutputConfig configures Loki log output.
type LokiOutputConfig struct {
	Enabled      bool              `mapstructure:"enabled" yaml:"enabled"`
	Endpoint     string            `mapstructure:"endpoint" yaml:"endpoint"`
	Labels       map[string]string `mapstructure:"labels" yaml:"labels,omitempty"`
	BatchSize    int               `mapstructure:"batch_size" yaml:"batch_size"`
	BatchTimeout string            `mapstructure:"batch_timeout" yaml:"batch_timeout"` // e.g. "5s"
}

// RateLimitConfig configures the keyed log limiter.
type RateLimitConfig struct {
	Interval string `mapstructure:"interval" yaml:"interval"` // e.g. "10s"
	Burst    int    `mapstructure:"burst" yaml:"burst"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `spooftcp: ...`.
type configRoot struct {
	SpoofTCP GlobalConfig `mapstructure:"spooftcp"`
}

// Load loads configuration from file.
// The YAML file uses `spooftcp:` as root key; env vars use the SPOOFTCP_ prefix (e.g., SPOOFTCP_LOG_LEVEL).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return load(v)
}

// Default returns the configuration used when no file is given.
func Default() (*GlobalConfig, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (*GlobalConfig, error) {
	// The `spooftcp.` key prefix maps to `SPOOFTCP_` in env vars via the key
	// replacer (e.g., key "spooftcp.log.level" → env "SPOOFTCP_LOG_LEVEL").
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.SpoofTCP

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use "spooftcp." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Control defaults
	v.SetDefault("spooftcp.control.pid_file", "/var/run/spooftcp.pid")

	// Log defaults
	v.SetDefault("spooftcp.log.level", "info")
	v.SetDefault("spooftcp.log.format", "json")
	v.SetDefault("spooftcp.log.outputs.file.enabled", false)
	v.SetDefault("spooftcp.log.outputs.file.path", "/var/log/spooftcp/spooftcp.log")
	v.SetDefault("spooftcp.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("spooftcp.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("spooftcp.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("spooftcp.log.outputs.file.rotation.compress", true)
	v.SetDefault("spooftcp.log.outputs.loki.enabled", false)
	v.SetDefault("spooftcp.log.outputs.loki.endpoint", "http://localhost:3100/loki/api/v1/push")
	v.SetDefault("spooftcp.log.outputs.loki.batch_size", 100)
	v.SetDefault("spooftcp.log.outputs.loki.batch_timeout", "5s")
	v.SetDefault("spooftcp.log.rate_limit.interval", "10s")
	v.SetDefault("spooftcp.log.rate_limit.burst", 1)

	// Metrics defaults
	v.SetDefault("spooftcp.metrics.enabled", true)
	v.SetDefault("spooftcp.metrics.listen", ":9092")
	v.SetDefault("spooftcp.metrics.path", "/metrics")

	// Netfilter defaults
	v.SetDefault("spooftcp.netfilter.queue_start", 100)
	v.SetDefault("spooftcp.netfilter.queue_count", 1)
	v.SetDefault("spooftcp.netfilter.mark", 0x5f5f)
	v.SetDefault("spooftcp.netfilter.families", []string{"ipv4", "ipv6"})
	v.SetDefault("spooftcp.netfilter.install_rules", true)
	v.SetDefault("spooftcp.netfilter.fail_open", true)
	v.SetDefault("spooftcp.netfilter.max_queue_len", 4096)
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("%w: invalid log level: %s (must be debug/info/warn/error)", core.ErrConfigInvalid, cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("%w: invalid log format: %s (must be json/text)", core.ErrConfigInvalid, cfg.Log.Format)
	}
	if lo := cfg.Log.Outputs.Loki; lo.Enabled {
		u, err := url.Parse(lo.Endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: log.outputs.loki.endpoint must be an http(s) URL, got %q", core.ErrConfigInvalid, lo.Endpoint)
		}
		if d, err := time.ParseDuration(lo.BatchTimeout); err != nil || d <= 0 {
			return fmt.Errorf("%w: invalid log.outputs.loki.batch_timeout %q", core.ErrConfigInvalid, lo.BatchTimeout)
		}
		if lo.BatchSize < 1 {
			return fmt.Errorf("%w: log.outputs.loki.batch_size must be >= 1", core.ErrConfigInvalid)
		}
	}
	if cfg.Log.RateLimit.Burst < 1 {
		cfg.Log.RateLimit.Burst = 1
	}

	// ── Metrics validation ──
	if cfg.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(cfg.Metrics.Listen); err != nil {
			return fmt.Errorf("%w: invalid metrics.listen %q: %v", core.ErrConfigInvalid, cfg.Metrics.Listen, err)
		}
		if !strings.HasPrefix(cfg.Metrics.Path, "/") {
			return fmt.Errorf("%w: metrics.path must start with '/'", core.ErrConfigInvalid)
		}
	}

	// ── Netfilter validation ──
	nf := &cfg.Netfilter
	if nf.QueueCount < 1 {
		return fmt.Errorf("%w: netfilter.queue_count must be >= 1", core.ErrConfigInvalid)
	}
	if int(nf.QueueStart)+nf.QueueCount > 1<<16 {
		return fmt.Errorf("%w: netfilter queue range %d+%d exceeds 65535", core.ErrConfigInvalid, nf.QueueStart, nf.QueueCount)
	}
	if nf.Mark == 0 {
		return fmt.Errorf("%w: netfilter.mark must be nonzero", core.ErrConfigInvalid)
	}
	families, err := nf.ParsedFamilies()
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}
	if len(families) == 0 {
		return fmt.Errorf("%w: netfilter.families is empty", core.ErrConfigInvalid)
	}
	if len(nf.DstPorts) > maxMultiport {
		return fmt.Errorf("%w: at most %d netfilter.dst_ports", core.ErrConfigInvalid, maxMultiport)
	}
	for _, p := range nf.DstPorts {
		if p < 1 || p > 65535 {
			return fmt.Errorf("%w: netfilter.dst_ports: %d out of range", core.ErrConfigInvalid, p)
		}
	}

	return nil
}
