// Package server wires the reactor, protocol handlers, store, and
// gateway into one runnable Courier service: configuration, lifecycle,
// metrics, and the crash log live here.
package server

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "10s" or "500ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("server: invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts back to time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// RateLimitConfig defines per-user SEND throttling parameters.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// DatabaseConfig locates the SQLite directory/history database.
type DatabaseConfig struct {
	Path     string `yaml:"path"`
	PoolSize int    `yaml:"pool_size"`
}

// GatewayConfig controls the optional websocket bridge. An empty
// listen address disables it.
type GatewayConfig struct {
	Listen         string   `yaml:"listen"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// MetricsConfig controls the optional metrics endpoint. An empty
// listen address disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// CrashLogConfig locates the append-only crash log.
type CrashLogConfig struct {
	Path       string `yaml:"path"`
	TimeLayout string `yaml:"time_layout"`
}

// Config holds the full server configuration.
type Config struct {
	Listen          string          `yaml:"listen"`
	Gateway         GatewayConfig   `yaml:"gateway"`
	Metrics         MetricsConfig   `yaml:"metrics"`
	Database        DatabaseConfig  `yaml:"database"`
	Workers         int             `yaml:"workers"`
	MaxBody         int             `yaml:"max_body"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
	CrashLog        CrashLogConfig  `yaml:"crash_log"`
	ShutdownTimeout Duration        `yaml:"shutdown_timeout"`
}

// DefaultConfig returns the configuration used when nothing is
// provided: loopback listener, on-disk database next to the binary,
// no gateway, no metrics endpoint.
func DefaultConfig() Config {
	return Config{
		Listen: ":4242",
		Database: DatabaseConfig{
			Path:     "courier.db",
			PoolSize: 4,
		},
		MaxBody: 1 << 20,
		RateLimit: RateLimitConfig{
			PerSecond: 10,
			Burst:     20,
		},
		CrashLog: CrashLogConfig{
			Path:       "courier-crash.log",
			TimeLayout: time.DateTime,
		},
		ShutdownTimeout: Duration(10 * time.Second),
	}
}

// LoadConfig reads a YAML file over the defaults, applies environment
// overrides, and sanitizes the result. An empty path skips the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("server: reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("server: parsing config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return sanitizeConfig(cfg), nil
}

// sanitizeConfig clamps out-of-range values back to their defaults so
// a partial or sloppy file never produces a non-functional server.
func sanitizeConfig(cfg Config) Config {
	def := DefaultConfig()

	if cfg.Listen == "" {
		cfg.Listen = def.Listen
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = def.Database.Path
	}
	if cfg.Database.PoolSize <= 0 {
		cfg.Database.PoolSize = def.Database.PoolSize
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = def.MaxBody
	}
	if cfg.RateLimit.PerSecond < 0 {
		cfg.RateLimit.PerSecond = def.RateLimit.PerSecond
	}
	if cfg.RateLimit.Burst < 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.CrashLog.TimeLayout == "" {
		cfg.CrashLog.TimeLayout = def.CrashLog.TimeLayout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	cfg.Gateway.AllowedOrigins = trimOrigins(cfg.Gateway.AllowedOrigins)
	return cfg
}

// applyEnv overlays COURIER_* environment variables onto the config.
// Unparseable values are ignored in favor of what is already set.
func (c *Config) applyEnv() {
	if v := os.Getenv("COURIER_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("COURIER_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("COURIER_GATEWAY_LISTEN"); v != "" {
		c.Gateway.Listen = v
	}
	if v := os.Getenv("COURIER_GATEWAY_ORIGINS"); v != "" {
		c.Gateway.AllowedOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("COURIER_METRICS_LISTEN"); v != "" {
		c.Metrics.Listen = v
	}
	if v := os.Getenv("COURIER_WORKERS"); v != "" {
		c.Workers = parseIntValue(v, c.Workers)
	}
	if v := os.Getenv("COURIER_RATE_LIMIT_BURST"); v != "" {
		c.RateLimit.Burst = parseIntValue(v, c.RateLimit.Burst)
	}
	if v := os.Getenv("COURIER_RATE_LIMIT_PER_SECOND"); v != "" {
		c.RateLimit.PerSecond = parseFloatValue(v, c.RateLimit.PerSecond)
	}
	if v := os.Getenv("COURIER_CRASH_LOG"); v != "" {
		c.CrashLog.Path = v
	}
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseFloatValue(value string, defaultValue float64) float64 {
	if parsed, err := strconv.ParseFloat(value, 64); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func trimOrigins(origins []string) []string {
	out := origins[:0]
	for _, o := range origins {
		if trimmed := strings.TrimSpace(o); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
