package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/pyrite-env/pyrite/pkg/cache"
	"github.com/pyrite-env/pyrite/pkg/telemetry"
)

// Config is the root daemon configuration.
type Config struct {
	Daemon      DaemonConfig      `yaml:"daemon"`
	Store       StoreConfig       `yaml:"store"`
	Resolver    ResolverConfig    `yaml:"resolver"`
	Cache       CacheConfig       `yaml:"cache"`
	Transaction TransactionConfig `yaml:"transaction"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// DaemonConfig configures the daemon process itself.
type DaemonConfig struct {
	// SocketPath is the unix socket the daemon listens on.
	SocketPath string `yaml:"socket_path" validate:"required"`

	// DataDir is the root directory for daemon state.
	DataDir string `yaml:"data_dir" validate:"required"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

// StoreConfig configures the SQLite persistence layer.
type StoreConfig struct {
	// Path is the database file path. Defaults to DataDir/pyrite.db.
	Path string `yaml:"path"`

	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" validate:"gte=0"`
}

// ResolverConfig configures dependency resolution.
type ResolverConfig struct {
	// MaxDepth caps the resolution search depth.
	MaxDepth int `yaml:"max_depth" validate:"gte=1"`

	// IndexURL is the package index queried for candidate versions.
	IndexURL string `yaml:"index_url" validate:"omitempty,url"`

	// RequestTimeout bounds individual index requests.
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gte=0"`
}

// CacheConfig configures the resolution cache.
type CacheConfig struct {
	// Backend selects the cache implementation.
	Backend string `yaml:"backend" validate:"oneof=memory redis none"`

	// TTL is how long cached resolutions stay valid. Zero means no expiry.
	TTL time.Duration `yaml:"ttl" validate:"gte=0"`

	// Redis configures the redis backend.
	Redis cache.RedisConfig `yaml:"redis"`
}

// TransactionConfig configures sync transaction execution.
type TransactionConfig struct {
	// MaxRetries caps retries of transient operation failures.
	MaxRetries int `yaml:"max_retries" validate:"gte=0"`

	// RetryBaseDelay is the initial retry backoff.
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" validate:"gte=0"`

	// RetryMaxDelay caps the retry backoff.
	RetryMaxDelay time.Duration `yaml:"retry_max_delay" validate:"gte=0"`
}

// TelemetryConfig configures logging, tracing, and metrics.
type TelemetryConfig struct {
	Environment    string  `yaml:"environment" validate:"oneof=development staging production"`
	LogLevel       string  `yaml:"log_level" validate:"oneof=trace debug info warn error fatal"`
	LogFormat      string  `yaml:"log_format" validate:"oneof=console json"`
	TracingEnabled bool    `yaml:"tracing_enabled"`
	TraceExporter  string  `yaml:"trace_exporter" validate:"oneof=otlp stdout none"`
	TraceEndpoint  string  `yaml:"trace_endpoint"`
	SamplingRate   float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
	MetricsAddress string  `yaml:"metrics_address"`
}

// Default returns the default configuration. State lives under the
// user's home directory; a relative fallback keeps tests and containers
// without a home working.
func Default() *Config {
	dataDir := ".pyrite"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".pyrite")
	}

	return &Config{
		Daemon: DaemonConfig{
			SocketPath:      filepath.Join(dataDir, "daemon.sock"),
			DataDir:         dataDir,
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Resolver: ResolverConfig{
			MaxDepth:       50,
			IndexURL:       "https://pypi.org",
			RequestTimeout: 30 * time.Second,
		},
		Cache: CacheConfig{
			Backend: "memory",
			TTL:     time.Hour,
			Redis: cache.RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "pyrite:",
			},
		},
		Transaction: TransactionConfig{
			MaxRetries:     3,
			RetryBaseDelay: 500 * time.Millisecond,
			RetryMaxDelay:  time.Minute,
		},
		Telemetry: TelemetryConfig{
			Environment:    "development",
			LogLevel:       "info",
			LogFormat:      "console",
			TracingEnabled: false,
			TraceExporter:  "none",
			SamplingRate:   1.0,
			MetricsEnabled: true,
			MetricsAddress: ":9477",
		},
	}
}

// Load reads configuration from path, overlaying it onto the defaults,
// then applies PYRITE_* environment overrides and validates the result.
// An empty path loads defaults plus environment overrides only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays PYRITE_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("PYRITE_SOCKET_PATH"); v != "" {
		c.Daemon.SocketPath = v
	}
	if v := os.Getenv("PYRITE_DATA_DIR"); v != "" {
		c.Daemon.DataDir = v
	}
	if v := os.Getenv("PYRITE_LOG_LEVEL"); v != "" {
		c.Telemetry.LogLevel = v
	}
	if v := os.Getenv("PYRITE_INDEX_URL"); v != "" {
		c.Resolver.IndexURL = v
	}
	if v := os.Getenv("PYRITE_CACHE_BACKEND"); v != "" {
		c.Cache.Backend = v
	}
	if v := os.Getenv("PYRITE_REDIS_ADDR"); v != "" {
		c.Cache.Redis.Addr = v
	}
	if v := os.Getenv("PYRITE_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Transaction.MaxRetries = n
		}
	}
}

// applyDerived fills fields whose defaults depend on other fields.
func (c *Config) applyDerived() {
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.Daemon.DataDir, "pyrite.db")
	}
}

// Validate checks the configuration with struct tags plus a few
// cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Telemetry.TracingEnabled && c.Telemetry.TraceExporter == "otlp" && c.Telemetry.TraceEndpoint == "" {
		return fmt.Errorf("invalid configuration: trace_endpoint is required for the otlp exporter")
	}
	if c.Cache.Backend == "redis" && c.Cache.Redis.Addr == "" {
		return fmt.Errorf("invalid configuration: redis.addr is required for the redis cache backend")
	}
	return nil
}

// TelemetryConfig maps the daemon's telemetry section onto the
// telemetry package's full configuration.
func (c *Config) TelemetryConfig(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = version
	tc.Environment = c.Telemetry.Environment
	tc.Logging.Level = c.Telemetry.LogLevel
	tc.Logging.Format = c.Telemetry.LogFormat
	tc.Tracing.Enabled = c.Telemetry.TracingEnabled
	tc.Tracing.Exporter = c.Telemetry.TraceExporter
	tc.Tracing.Endpoint = c.Telemetry.TraceEndpoint
	tc.Tracing.SamplingRate = c.Telemetry.SamplingRate
	tc.Metrics.Enabled = c.Telemetry.MetricsEnabled
	tc.Metrics.ListenAddress = c.Telemetry.MetricsAddress
	return tc
}
