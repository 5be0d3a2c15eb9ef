// Package config handles loading and validating Ponya configuration.
// Config files may be YAML or JSON. Environment variables take precedence
// over file values; a .env file in the working directory is loaded first.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Best effort: a missing .env file is not an error.
	_ = godotenv.Load()
}

// Config is the root configuration for Ponya.
type Config struct {
	// Workspace is the runtime state root. Default: ~/.ponya/workspace.
	Workspace string `json:"workspace,omitempty" yaml:"workspace,omitempty"`

	Server        *ServerConfig        `json:"server,omitempty" yaml:"server,omitempty"`
	Sandbox       *SandboxConfig       `json:"sandbox,omitempty" yaml:"sandbox,omitempty"`
	Fixer         FixerConfig          `json:"fixer" yaml:"fixer"`
	Healer        *HealerConfig        `json:"healer,omitempty" yaml:"healer,omitempty"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"`
	Janitor       *JanitorConfig       `json:"janitor,omitempty" yaml:"janitor,omitempty"`
	RateLimit     *RateLimitConfig     `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
}

// ServerConfig configures the HTTP/WebSocket gateway.
type ServerConfig struct {
	Addr   string `json:"addr" yaml:"addr"`       // Default: ":8080"
	APIKey string `json:"api_key" yaml:"api_key"` // Empty = no auth (local dev).

	ReadTimeoutS  int `json:"read_timeout_s" yaml:"read_timeout_s"`   // Default: 60
	WriteTimeoutS int `json:"write_timeout_s" yaml:"write_timeout_s"` // Default: 120

	// MaxUploadMB caps the accepted project archive size. Default: 32.
	MaxUploadMB int `json:"max_upload_mb" yaml:"max_upload_mb"`
}

// ListenAddr returns the listen address with a default of ":8080".
func (s *ServerConfig) ListenAddr() string {
	if s == nil || s.Addr == "" {
		return ":8080"
	}
	return s.Addr
}

// ReadTimeout returns the read timeout with a default of 60s.
func (s *ServerConfig) ReadTimeout() time.Duration {
	if s == nil || s.ReadTimeoutS <= 0 {
		return 60 * time.Second
	}
	return time.Duration(s.ReadTimeoutS) * time.Second
}

// WriteTimeout returns the write timeout with a default of 120s.
func (s *ServerConfig) WriteTimeout() time.Duration {
	if s == nil || s.WriteTimeoutS <= 0 {
		return 120 * time.Second
	}
	return time.Duration(s.WriteTimeoutS) * time.Second
}

// MaxUploadBytes returns the archive size cap with a default of 32 MiB.
func (s *ServerConfig) MaxUploadBytes() int64 {
	if s == nil || s.MaxUploadMB <= 0 {
		return 32 << 20
	}
	return int64(s.MaxUploadMB) << 20
}

// Key returns the configured API key, which may be empty.
func (s *ServerConfig) Key() string {
	if s == nil {
		return ""
	}
	return s.APIKey
}

// SandboxConfig configures the execution engine.
type SandboxConfig struct {
	// Root is the directory for sandbox instances. Default: derived from workspace.
	Root string `json:"root,omitempty" yaml:"root,omitempty"`

	InstallCommand []string `json:"install_command,omitempty" yaml:"install_command,omitempty"` // Default: ["npm", "install"]
	DevCommand     []string `json:"dev_command,omitempty" yaml:"dev_command,omitempty"`         // Default: ["npm", "run", "dev"]

	// PreWarm controls the startup dependency warm-up. Default: true.
	PreWarm *bool `json:"pre_warm,omitempty" yaml:"pre_warm,omitempty"`

	// OutputBufferLines caps the retained output buffer. Default: 100.
	OutputBufferLines int `json:"output_buffer_lines,omitempty" yaml:"output_buffer_lines,omitempty"`
}

// PreWarmEnabled reports whether startup warm-up is on. Default: true.
func (s *SandboxConfig) PreWarmEnabled() bool {
	if s == nil || s.PreWarm == nil {
		return true
	}
	return *s.PreWarm
}

// FixerConfig configures the external code-fixing service.
type FixerConfig struct {
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIKey   string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	TimeoutS int    `json:"timeout_s,omitempty" yaml:"timeout_s,omitempty"` // Default: 90
}

// Timeout returns the per-fix timeout with a default of 90s.
func (f FixerConfig) Timeout() time.Duration {
	if f.TimeoutS <= 0 {
		return 90 * time.Second
	}
	return time.Duration(f.TimeoutS) * time.Second
}

// HealerConfig configures the self-healing feedback loop.
// When nil, healing runs with defaults.
type HealerConfig struct {
	Enabled     *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"` // Default: true.
	MaxAttempts int   `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	DebounceMS  int   `json:"debounce_ms,omitempty" yaml:"debounce_ms,omitempty"`
}

// HealingEnabled reports whether the healing loop is on. Default: true.
func (h *HealerConfig) HealingEnabled() bool {
	if h == nil || h.Enabled == nil {
		return true
	}
	return *h.Enabled
}

// Debounce returns the output settle window before error detection.
func (h *HealerConfig) Debounce() time.Duration {
	if h == nil || h.DebounceMS <= 0 {
		return 0 // healer applies its own default
	}
	return time.Duration(h.DebounceMS) * time.Millisecond
}

// Attempts returns the configured attempt budget, 0 for the healer default.
func (h *HealerConfig) Attempts() int {
	if h == nil {
		return 0
	}
	return h.MaxAttempts
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the workspace.
type StorageConfig struct {
	Driver   string                 `json:"driver,omitempty" yaml:"driver,omitempty"` // "sqlite" (default) or "postgres"
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"`
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s == nil || s.Driver == "" {
		return "sqlite"
	}
	return s.Driver
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"`
	JournalMode string `json:"journal_mode,omitempty" yaml:"journal_mode,omitempty"`
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns,omitempty" yaml:"max_open_conns,omitempty"`
	MaxIdleConns     int    `json:"max_idle_conns,omitempty" yaml:"max_idle_conns,omitempty"`
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s,omitempty" yaml:"conn_max_lifetime_s,omitempty"`
}

// ObservabilityConfig configures metrics, tracing, and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"` // Default: "/metrics"
}

// MetricsPath returns the exposition path with a default of "/metrics".
func (m *MetricsConfig) MetricsPath() string {
	if m == nil || m.Path == "" {
		return "/metrics"
	}
	return m.Path
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "ponya"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB bool `json:"include_db" yaml:"include_db"`
}

// HealthIncludeDB reports whether the database ping belongs in readiness.
func (c *ObservabilityConfig) HealthIncludeDB() bool {
	if c == nil || c.Health == nil {
		return false
	}
	return c.Health.IncludeDB
}

// JanitorConfig configures background maintenance.
// When nil, the janitor runs with defaults.
type JanitorConfig struct {
	Enabled       *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"` // Default: true.
	Schedule      string `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	IdleTimeoutM  int    `json:"idle_timeout_m,omitempty" yaml:"idle_timeout_m,omitempty"`
	UploadMaxAgeH int    `json:"upload_max_age_h,omitempty" yaml:"upload_max_age_h,omitempty"`
}

// JanitorEnabled reports whether background maintenance is on. Default: true.
func (j *JanitorConfig) JanitorEnabled() bool {
	if j == nil || j.Enabled == nil {
		return true
	}
	return *j.Enabled
}

// IdleTimeout returns the session idle timeout, 0 for the janitor default.
func (j *JanitorConfig) IdleTimeout() time.Duration {
	if j == nil || j.IdleTimeoutM <= 0 {
		return 0
	}
	return time.Duration(j.IdleTimeoutM) * time.Minute
}

// UploadMaxAge returns the upload retention, 0 for the janitor default.
func (j *JanitorConfig) UploadMaxAge() time.Duration {
	if j == nil || j.UploadMaxAgeH <= 0 {
		return 0
	}
	return time.Duration(j.UploadMaxAgeH) * time.Hour
}

// RateLimitConfig configures the per-client request limiter.
// When nil, requests are not rate limited.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size,omitempty" yaml:"burst_size,omitempty"`
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/ponya.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".ponya", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// Environment variables override file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", resolved, err)
	}
	return &cfg, nil
}

// Default returns a Config with defaults only, validated with env overrides
// applied. Used when no config file exists.
func Default() (*Config, error) {
	cfg := &Config{}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies environment variable overrides.
// Env vars take precedence over config file values.
func (c *Config) applyEnv() {
	if env := os.Getenv("PONYA_WORKSPACE"); env != "" {
		c.Workspace = env
	}
	if env := os.Getenv("PONYA_ADDR"); env != "" {
		if c.Server == nil {
			c.Server = &ServerConfig{}
		}
		c.Server.Addr = env
	}
	if env := os.Getenv("PONYA_API_KEY"); env != "" {
		if c.Server == nil {
			c.Server = &ServerConfig{}
		}
		c.Server.APIKey = env
	}
	if env := os.Getenv("PONYA_FIXER_URL"); env != "" {
		c.Fixer.BaseURL = env
	}
	if env := os.Getenv("PONYA_FIXER_API_KEY"); env != "" {
		c.Fixer.APIKey = env
	}
	if env := os.Getenv("PONYA_DB_DSN"); env != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Driver = "postgres"
		c.Storage.Postgres.DSN = env
	}
}

func (c *Config) validate() error {
	if c.Fixer.BaseURL == "" {
		return fmt.Errorf("fixer.base_url is required")
	}
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite", "postgres":
			// valid
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.Storage.StorageDriver() == "postgres" {
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required when storage.driver is postgres")
		}
	}
	if c.Healer != nil && c.Healer.MaxAttempts < 0 {
		return fmt.Errorf("healer.max_attempts must not be negative")
	}
	if c.RateLimit != nil && c.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("rate_limit.requests_per_minute must not be negative")
	}
	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		if c.Observability.Tracing.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
	}
	if c.Sandbox != nil {
		if len(c.Sandbox.InstallCommand) == 1 && c.Sandbox.InstallCommand[0] == "" {
			return fmt.Errorf("sandbox.install_command must not be empty")
		}
		if c.Sandbox.OutputBufferLines < 0 {
			return fmt.Errorf("sandbox.output_buffer_lines must not be negative")
		}
	}
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}
