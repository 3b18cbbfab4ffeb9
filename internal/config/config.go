// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig              `yaml:"server"`
	Auth          AuthConfig                `yaml:"auth"`
	Packages      PackagesConfig            `yaml:"packages"`
	Fetch         FetchConfig               `yaml:"fetch"`
	Refresh       RefreshConfig             `yaml:"refresh"`
	Defaults      map[string]map[string]any `yaml:"defaults"`
	Store         StoreConfig               `yaml:"store"`
	Stream        StreamConfig              `yaml:"stream"`
	Observability ObservabilityConfig       `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// AuthConfig describes bearer token verification. Auth is disabled when
// Enabled is false.
type AuthConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Issuer     string   `yaml:"issuer"`
	Audience   string   `yaml:"audience"`
	SecretEnv  string   `yaml:"secret_env"`
	Algorithms []string `yaml:"algorithms"`
}

// Secret returns the HMAC secret from the configured environment variable.
func (a AuthConfig) Secret() string {
	if a.SecretEnv == "" {
		return ""
	}
	return os.Getenv(a.SecretEnv)
}

// PackagesConfig describes where widget packages are served from.
type PackagesConfig struct {
	// Source is "dir" or "http".
	Source     string        `yaml:"source"`
	Directory  string        `yaml:"directory"`
	BaseURL    string        `yaml:"base_url"`
	Timeout    time.Duration `yaml:"timeout"`
	Catalog    []string      `yaml:"catalog"`
	HotReload  bool          `yaml:"hot_reload"`
	SDKVersion string        `yaml:"sdk_version"`
}

// FetchConfig describes binding request settings.
type FetchConfig struct {
	DefaultTimeout  time.Duration        `yaml:"default_timeout"`
	Origin          string               `yaml:"origin"`
	MaxResponseSize int64                `yaml:"max_response_size"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig describes per-host circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// RefreshConfig describes polling settings.
type RefreshConfig struct {
	DefaultRate time.Duration `yaml:"default_rate"`
	MinRate     time.Duration `yaml:"min_rate"`
}

// StoreConfig describes configuration and layout persistence.
type StoreConfig struct {
	// Driver is "memory", "redis" or "postgres".
	Driver          string        `yaml:"driver"`
	AddrEnv         string        `yaml:"addr_env"`
	DB              int           `yaml:"db"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	// PurgeOrphanedConfigs deletes, at startup, configurations whose
	// instance is no longer on the dashboard.
	PurgeOrphanedConfigs bool `yaml:"purge_orphaned_configs"`
}

// StreamConfig describes the WebSocket state stream.
type StreamConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PingInterval time.Duration `yaml:"ping_interval"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	SendBuffer   int           `yaml:"send_buffer"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id",
					"Accept-Language"},
				MaxAge: 86400,
			},
		},
		Auth: AuthConfig{
			SecretEnv:  "DOORHUB_AUTH_SECRET",
			Algorithms: []string{"HS256"},
		},
		Packages: PackagesConfig{
			Source:     "dir",
			Directory:  "/packages",
			Timeout:    10 * time.Second,
			SDKVersion: "1.2.0",
		},
		Fetch: FetchConfig{
			DefaultTimeout:  10 * time.Second,
			MaxResponseSize: 10 << 20,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold:   5,
				SuccessThreshold:   2,
				Timeout:            30 * time.Second,
				ErrorRateThreshold: 0.5,
				ErrorRateWindow:    time.Minute,
			},
		},
		Refresh: RefreshConfig{
			DefaultRate: 300 * time.Second,
			MinRate:     10 * time.Second,
		},
		Store: StoreConfig{
			Driver:          "memory",
			AddrEnv:         "DOORHUB_REDIS_ADDR",
			DSNEnv:          "DOORHUB_DATABASE_URL",
			MaxOpenConns:    10,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Stream: StreamConfig{
			Enabled:      true,
			PingInterval: 30 * time.Second,
			WriteTimeout: 10 * time.Second,
			SendBuffer:   64,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch c.Packages.Source {
	case "dir":
		if c.Packages.Directory == "" {
			errs = append(errs, "packages.directory is required for source dir")
		}
	case "http":
		if c.Packages.BaseURL == "" {
			errs = append(errs, "packages.base_url is required for source http")
		}
		if c.Packages.HotReload {
			errs = append(errs, "packages.hot_reload requires source dir")
		}
	default:
		errs = append(errs, fmt.Sprintf("packages.source %q is not one of dir, http", c.Packages.Source))
	}
	if c.Packages.SDKVersion != "" && !semver.IsValid("v"+strings.TrimPrefix(c.Packages.SDKVersion, "v")) {
		errs = append(errs, fmt.Sprintf("packages.sdk_version %q is not a semantic version", c.Packages.SDKVersion))
	}

	if c.Fetch.DefaultTimeout <= 0 {
		errs = append(errs, "fetch.default_timeout must be positive")
	}
	if c.Refresh.MinRate < 0 {
		errs = append(errs, "refresh.min_rate must not be negative")
	}

	switch c.Store.Driver {
	case "memory", "redis", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of memory, redis, postgres", c.Store.Driver))
	}

	if c.Auth.Enabled {
		if c.Auth.SecretEnv == "" {
			errs = append(errs, "auth.secret_env is required when auth is enabled")
		} else if c.Auth.Secret() == "" {
			errs = append(errs, fmt.Sprintf("auth secret env %s is empty", c.Auth.SecretEnv))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads DOORHUB_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DOORHUB_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("DOORHUB_PACKAGES_SOURCE"); v != "" {
		cfg.Packages.Source = v
	}
	if v := os.Getenv("DOORHUB_PACKAGES_DIRECTORY"); v != "" {
		cfg.Packages.Directory = v
	}
	if v := os.Getenv("DOORHUB_PACKAGES_BASE_URL"); v != "" {
		cfg.Packages.BaseURL = v
	}
	if v := os.Getenv("DOORHUB_FETCH_ORIGIN"); v != "" {
		cfg.Fetch.Origin = v
	}
	if v := os.Getenv("DOORHUB_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("DOORHUB_AUTH_ISSUER"); v != "" {
		cfg.Auth.Issuer = v
	}
	if v := os.Getenv("DOORHUB_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
