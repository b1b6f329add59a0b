// Package config defines memlink's configuration surface (spec.md §6)
// using the teacher's struct-of-structs-with-json-tags style: every
// field documents its default inline, DefaultConfig returns the struct
// with those defaults filled in, and LoadFromFile/LoadFromEnv layer a YAML
// file and then environment overrides on top of the defaults.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PoolConfig holds per-server connection pool settings (spec.md §6,
// "pool params").
type PoolConfig struct {
	Min              int  `yaml:"min"`               // Floor below which Borrow dials instead of reusing idle connections, and the level eviction stops at; not preloaded (default: 0)
	Max              int  `yaml:"max"`               // Hard cap per server, 0 = unbounded (default: 50)
	BorrowValidation bool `yaml:"borrow_validation"` // Validate a connection before handing it out (default: false)
	ReturnValidation bool `yaml:"return_validation"` // Validate a connection before re-queuing it (default: false)
	Disposable       bool `yaml:"disposable"`        // Allow untracked overflow connections past Max (default: true)
	KeepAliveSecs    int  `yaml:"keep_alive_secs"`   // Idle connections older than this are evicted down to Min (default: 300)
}

// CacheConfig holds the cache front-end's own settings (spec.md §6,
// "Cache:").
type CacheConfig struct {
	Servers                   []string `yaml:"servers"`                        // host:port pairs
	ConnectTimeoutMs          int      `yaml:"connect_timeout_ms"`             // Default: 5000
	WriteTimeoutMs            int      `yaml:"write_timeout_ms"`               // Default: 5000
	ResponseTimeoutMs         int      `yaml:"response_timeout_ms"`            // Default: 10000
	HealthMonitorIntervalSecs int      `yaml:"health_monitor_interval_secs"`   // Default: 60; <=0 disables
	Failover                  bool     `yaml:"failover"`                      // Default: true
	RetryCount                int      `yaml:"retry_count"`                   // Default: 1
	PreferRemoteConfig        bool     `yaml:"prefer_remote_config"`          // Default: false
	RemoteConfigEndpoint      string   `yaml:"remote_config_endpoint"`        // DSN passed to internal/coordination's reference adapter
	JMXEnabled                bool     `yaml:"jmx_enabled"`                   // Default: false; exposed only as metrics, never interpreted
	Pool                      PoolConfig `yaml:"pool"`
}

// ManagerConfig holds the transport-layer settings spec.md §6 names
// under "Manager:" — the pieces owned by internal/manager rather than
// by an individual Cache.
type ManagerConfig struct {
	Transport            string `yaml:"transport"`              // "tcp" or "vsock" (default: "tcp")
	IOStrategy           string `yaml:"io_strategy"`             // informational; this client always uses one reader goroutine per Connection
	BlockingMode         bool   `yaml:"blocking_mode"`           // not read by this client: Borrow always waits at most the Cache's ConnectTimeout
	WorkerPoolSize       int    `yaml:"worker_pool_size"`        // reserved for a future shared dial-worker pool; unused by this client today
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`      // Default: false
	Exporter    string  `yaml:"exporter"`     // otlp-http, stdout
	Endpoint    string  `yaml:"endpoint"`     // localhost:4318
	ServiceName string  `yaml:"service_name"` // memlink
	SampleRate  float64 `yaml:"sample_rate"`  // 1.0
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled          bool      `yaml:"enabled"`           // Default: true
	Namespace        string    `yaml:"namespace"`         // memlink
	HistogramBuckets []float64 `yaml:"histogram_buckets"` // Latency buckets in ms
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// ObservabilityConfig groups the ambient cross-cutting settings carried
// regardless of spec.md's Non-goals (spec.md §3.1 of SPEC_FULL.md).
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// Config is memlink's top-level configuration.
type Config struct {
	Cache         CacheConfig         `yaml:"cache"`
	Manager       ManagerConfig       `yaml:"manager"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// DefaultConfig returns a Config with every spec.md §6 default applied.
func DefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			ConnectTimeoutMs:          5000,
			WriteTimeoutMs:            5000,
			ResponseTimeoutMs:         10000,
			HealthMonitorIntervalSecs: 60,
			Failover:                  true,
			RetryCount:                1,
			PreferRemoteConfig:        false,
			JMXEnabled:                false,
			Pool: PoolConfig{
				Min:              0,
				Max:              50,
				BorrowValidation: false,
				ReturnValidation: false,
				Disposable:       true,
				KeepAliveSecs:    300,
			},
		},
		Manager: ManagerConfig{
			Transport:    "tcp",
			IOStrategy:   "goroutine-per-connection",
			BlockingMode: false,
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Enabled:     false,
				Exporter:    "otlp-http",
				Endpoint:    "localhost:4318",
				ServiceName: "memlink",
				SampleRate:  1.0,
			},
			Metrics: MetricsConfig{
				Enabled:          true,
				Namespace:        "memlink",
				HistogramBuckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "text",
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file, layering it over
// DefaultConfig so an operator only needs to specify the fields they
// want to override.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv applies MEMLINK_* environment variable overrides to cfg.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("MEMLINK_SERVERS"); v != "" {
		var servers []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				servers = append(servers, s)
			}
		}
		cfg.Cache.Servers = servers
	}
	if v := os.Getenv("MEMLINK_CONNECT_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cache.ConnectTimeoutMs = n
		}
	}
	if v := os.Getenv("MEMLINK_WRITE_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cache.WriteTimeoutMs = n
		}
	}
	if v := os.Getenv("MEMLINK_RESPONSE_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cache.ResponseTimeoutMs = n
		}
	}
	if v := os.Getenv("MEMLINK_HEALTH_MONITOR_INTERVAL_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cache.HealthMonitorIntervalSecs = n
		}
	}
	if v := os.Getenv("MEMLINK_FAILOVER"); v != "" {
		cfg.Cache.Failover = parseBool(v)
	}
	if v := os.Getenv("MEMLINK_RETRY_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cache.RetryCount = n
		}
	}
	if v := os.Getenv("MEMLINK_PREFER_REMOTE_CONFIG"); v != "" {
		cfg.Cache.PreferRemoteConfig = parseBool(v)
	}
	if v := os.Getenv("MEMLINK_REMOTE_CONFIG_ENDPOINT"); v != "" {
		cfg.Cache.RemoteConfigEndpoint = v
	}
	if v := os.Getenv("MEMLINK_JMX_ENABLED"); v != "" {
		cfg.Cache.JMXEnabled = parseBool(v)
	}
	if v := os.Getenv("MEMLINK_POOL_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cache.Pool.Min = n
		}
	}
	if v := os.Getenv("MEMLINK_POOL_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cache.Pool.Max = n
		}
	}
	if v := os.Getenv("MEMLINK_POOL_BORROW_VALIDATION"); v != "" {
		cfg.Cache.Pool.BorrowValidation = parseBool(v)
	}
	if v := os.Getenv("MEMLINK_POOL_RETURN_VALIDATION"); v != "" {
		cfg.Cache.Pool.ReturnValidation = parseBool(v)
	}
	if v := os.Getenv("MEMLINK_POOL_DISPOSABLE"); v != "" {
		cfg.Cache.Pool.Disposable = parseBool(v)
	}
	if v := os.Getenv("MEMLINK_POOL_KEEPALIVE_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cache.Pool.KeepAliveSecs = n
		}
	}
	if v := os.Getenv("MEMLINK_TRANSPORT"); v != "" {
		cfg.Manager.Transport = v
	}
	if v := os.Getenv("MEMLINK_TRACING_ENABLED"); v != "" {
		cfg.Observability.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("MEMLINK_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Endpoint = v
	}
	if v := os.Getenv("MEMLINK_METRICS_ENABLED"); v != "" {
		cfg.Observability.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("MEMLINK_LOG_LEVEL"); v != "" {
		cfg.Observability.Logging.Level = v
	}
	if v := os.Getenv("MEMLINK_LOG_FORMAT"); v != "" {
		cfg.Observability.Logging.Format = v
	}
}

// ConnectTimeout returns Cache.ConnectTimeoutMs as a time.Duration.
func (c *CacheConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMs) * time.Millisecond
}

// WriteTimeout returns Cache.WriteTimeoutMs as a time.Duration.
func (c *CacheConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMs) * time.Millisecond
}

// ResponseTimeout returns Cache.ResponseTimeoutMs as a time.Duration.
func (c *CacheConfig) ResponseTimeout() time.Duration {
	return time.Duration(c.ResponseTimeoutMs) * time.Millisecond
}

// HealthMonitorInterval returns Cache.HealthMonitorIntervalSecs as a
// time.Duration; a value <=0 yields 0, which disables the background
// revival sweep (spec.md §6).
func (c *CacheConfig) HealthMonitorInterval() time.Duration {
	if c.HealthMonitorIntervalSecs <= 0 {
		return 0
	}
	return time.Duration(c.HealthMonitorIntervalSecs) * time.Second
}

// KeepAlive returns Pool.KeepAliveSecs as a time.Duration.
func (c *PoolConfig) KeepAlive() time.Duration {
	return time.Duration(c.KeepAliveSecs) * time.Second
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
