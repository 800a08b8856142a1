// Package config loads netsentry settings from an optional YAML file and
// NETSENTRY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every process setting
type Config struct {
	LogLevel  string `mapstructure:"log-level"`
	LogFormat string `mapstructure:"log-format"`

	BusDriver           string        `mapstructure:"bus-driver"`
	NATSURL             string        `mapstructure:"nats-url"`
	NATSMaxReconnects   int           `mapstructure:"nats-max-reconnects"`
	NATSReconnectWait   time.Duration `mapstructure:"nats-reconnect-wait"`
	NATSReconnectBuffer int           `mapstructure:"nats-reconnect-buffer"`
	NATSCompressOver    int           `mapstructure:"nats-compress-threshold"`

	DefinitionsPath     string        `mapstructure:"definitions-path"`
	DefinitionsWatch    bool          `mapstructure:"definitions-watch"`
	DefinitionsDebounce time.Duration `mapstructure:"definitions-debounce"`

	SyslogUDPAddr    string `mapstructure:"syslog-udp-addr"`
	SyslogTCPAddr    string `mapstructure:"syslog-tcp-addr"`
	SyslogMaxLine    int    `mapstructure:"syslog-max-line"`
	SyslogLineBuffer int    `mapstructure:"syslog-line-buffer"`

	AgentQueueSize  int           `mapstructure:"agent-queue-size"`
	AgentGCInterval time.Duration `mapstructure:"agent-gc-interval"`
	DedupeSize      int           `mapstructure:"dedupe-size"`
	DedupeTTL       time.Duration `mapstructure:"dedupe-ttl"`

	DefaultCooldown time.Duration `mapstructure:"default-cooldown"`
	StepTimeout     time.Duration `mapstructure:"step-timeout"`
	RetryDelay      time.Duration `mapstructure:"retry-delay"`
	DeadlineGrace   time.Duration `mapstructure:"deadline-grace"`
	PersistRetries  int           `mapstructure:"persist-retries"`
	PersistBackoff  time.Duration `mapstructure:"persist-backoff"`

	StoreDriver      string `mapstructure:"store-driver"`
	StoreDSN         string `mapstructure:"store-dsn"`
	StoreMaxFindings int    `mapstructure:"store-max-findings"`
	StoreMaxActions  int    `mapstructure:"store-max-actions"`

	MaxConcurrent     int64         `mapstructure:"max-concurrent"`
	PerDeviceLimit    int64         `mapstructure:"per-device-limit"`
	SSHConnectTimeout time.Duration `mapstructure:"ssh-connect-timeout"`
	SSHMaxOutput      int           `mapstructure:"ssh-max-output"`
	SSHKnownHosts     string        `mapstructure:"ssh-known-hosts"`
	SSHInsecure       bool          `mapstructure:"ssh-insecure-ignore-host-key"`

	OpsAddr string `mapstructure:"ops-addr"`

	ConfigPath string `mapstructure:"-"`
}

var defaults = map[string]any{
	"log-level":  "info",
	"log-format": "json",

	"bus-driver":              "nats",
	"nats-url":                "nats://localhost:4222",
	"nats-max-reconnects":     -1,
	"nats-reconnect-wait":     2 * time.Second,
	"nats-reconnect-buffer":   8 * 1024 * 1024,
	"nats-compress-threshold": 16 * 1024,

	"definitions-path":     "./definitions",
	"definitions-watch":    true,
	"definitions-debounce": 500 * time.Millisecond,

	"syslog-udp-addr":    ":5514",
	"syslog-tcp-addr":    ":5514",
	"syslog-max-line":    8192,
	"syslog-line-buffer": 4096,

	"agent-queue-size":  4096,
	"agent-gc-interval": 30 * time.Second,
	"dedupe-size":       100_000,
	"dedupe-ttl":        10 * time.Minute,

	"default-cooldown": 5 * time.Minute,
	"step-timeout":     30 * time.Second,
	"retry-delay":      2 * time.Second,
	"deadline-grace":   10 * time.Second,
	"persist-retries":  3,
	"persist-backoff":  200 * time.Millisecond,

	"store-driver":       "memory",
	"store-dsn":          "",
	"store-max-findings": 10_000,
	"store-max-actions":  50_000,

	"max-concurrent":               16,
	"per-device-limit":             1,
	"ssh-connect-timeout":          10 * time.Second,
	"ssh-max-output":               64 * 1024,
	"ssh-known-hosts":              "",
	"ssh-insecure-ignore-host-key": false,

	"ops-addr": ":9090",
}

// Load reads the config file at path, if any, then the environment
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("NETSENTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.ConfigPath = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.BusDriver != "nats" && c.BusDriver != "memory" {
		return fmt.Errorf("bus-driver must be nats or memory")
	}
	switch c.StoreDriver {
	case "memory":
	case "sqlite", "postgres":
		if c.StoreDSN == "" {
			return fmt.Errorf("store-dsn is required for %s", c.StoreDriver)
		}
	default:
		return fmt.Errorf("unknown store-driver %q", c.StoreDriver)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("log-format must be json or text")
	}
	if c.DefinitionsPath == "" {
		return fmt.Errorf("definitions-path cannot be empty")
	}
	if c.SyslogUDPAddr == "" && c.SyslogTCPAddr == "" {
		return fmt.Errorf("at least one of syslog-udp-addr and syslog-tcp-addr is required")
	}
	if c.MaxConcurrent <= 0 || c.PerDeviceLimit <= 0 {
		return fmt.Errorf("max-concurrent and per-device-limit must be positive")
	}
	if c.PersistRetries < 0 {
		return fmt.Errorf("persist-retries cannot be negative")
	}
	return nil
}
