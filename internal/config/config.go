// Package config handles loading and validating Kazi configuration.
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
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Kazi.
type Config struct {
	Workspace     string               `json:"workspace,omitempty" yaml:"workspace,omitempty"` // Workspace root. Default: ~/.kazi/workspace. Override: KAZI_WORKSPACE env var.
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`     // nil = SQLite default (derived from workspace)
	Pool          PoolConfig           `json:"pool" yaml:"pool"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Tools         ToolsConfig          `json:"tools" yaml:"tools"`
	Session       SessionConfig        `json:"session" yaml:"session"`
	Server        ServerConfig         `json:"server" yaml:"server"`
	Planner       *PlannerConfig       `json:"planner,omitempty" yaml:"planner,omitempty"`             // nil = agent loop disabled, dispatch API only
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the workspace.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from workspace.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: KAZI_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// PoolConfig sizes the isolation unit pool.
type PoolConfig struct {
	GlobalMax            int  `json:"global_max" yaml:"global_max"`                         // Default: 32.
	PerSessionMax        int  `json:"per_session_max" yaml:"per_session_max"`               // Default: 2.
	MaxIdlePerSession    int  `json:"max_idle_per_session" yaml:"max_idle_per_session"`     // Default: 1.
	IdleTTLSeconds       int  `json:"idle_ttl_seconds" yaml:"idle_ttl_seconds"`             // Default: 300.
	SweepIntervalSeconds int  `json:"sweep_interval_seconds" yaml:"sweep_interval_seconds"` // Default: 30.
	BlockOnExhausted     bool `json:"block_on_exhausted" yaml:"block_on_exhausted"`         // true = wait for capacity, false = fail fast.
	ProvisionRetries     int  `json:"provision_retries" yaml:"provision_retries"`           // Default: 3.
	ProvisionBackoffMS   int  `json:"provision_backoff_ms" yaml:"provision_backoff_ms"`     // Default: 500.
}

// IdleTTL returns the idle TTL with a default of 5m.
func (p *PoolConfig) IdleTTL() time.Duration {
	if p != nil && p.IdleTTLSeconds > 0 {
		return time.Duration(p.IdleTTLSeconds) * time.Second
	}
	return 5 * time.Minute
}

// SweepInterval returns the sweep interval with a default of 30s.
func (p *PoolConfig) SweepInterval() time.Duration {
	if p != nil && p.SweepIntervalSeconds > 0 {
		return time.Duration(p.SweepIntervalSeconds) * time.Second
	}
	return 30 * time.Second
}

// ProvisionBackoff returns the base provisioning backoff with a default of 500ms.
func (p *PoolConfig) ProvisionBackoff() time.Duration {
	if p != nil && p.ProvisionBackoffMS > 0 {
		return time.Duration(p.ProvisionBackoffMS) * time.Millisecond
	}
	return 500 * time.Millisecond
}

// SandboxConfig configures the environment backend applied to every unit.
type SandboxConfig struct {
	Type                string              `json:"type" yaml:"type"` // "docker" (default) or "process"
	MaxCPUCores         float64             `json:"max_cpu_cores" yaml:"max_cpu_cores"`
	MaxMemoryMB         int                 `json:"max_memory_mb" yaml:"max_memory_mb"`
	PIDsLimit           int                 `json:"pids_limit" yaml:"pids_limit"`
	MaxExecutionSeconds int                 `json:"max_execution_seconds" yaml:"max_execution_seconds"`
	NetworkAllowed      bool                `json:"network_allowed" yaml:"network_allowed"`
	Docker              DockerSandboxConfig `json:"docker" yaml:"docker"`
}

// BackendType returns the backend type, defaulting to "docker".
func (s *SandboxConfig) BackendType() string {
	if s != nil && s.Type != "" {
		return s.Type
	}
	return "docker"
}

// MaxExecution returns the per-call wall-clock budget with a default of 30s.
func (s *SandboxConfig) MaxExecution() time.Duration {
	if s != nil && s.MaxExecutionSeconds > 0 {
		return time.Duration(s.MaxExecutionSeconds) * time.Second
	}
	return 30 * time.Second
}

// DockerSandboxConfig holds Docker-specific backend settings.
type DockerSandboxConfig struct {
	Image                   string `json:"image" yaml:"image"`                                         // Container image (e.g. "kazi-runtime:latest").
	MountDir                string `json:"mount_dir" yaml:"mount_dir"`                                 // In-container mount point. Default: "/workspace".
	ProvisionTimeoutSeconds int    `json:"provision_timeout_seconds" yaml:"provision_timeout_seconds"` // Default: 30.
}

// ProvisionTimeout returns the provisioning timeout with a default of 30s.
func (d *DockerSandboxConfig) ProvisionTimeout() time.Duration {
	if d != nil && d.ProvisionTimeoutSeconds > 0 {
		return time.Duration(d.ProvisionTimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// ToolsConfig configures individual tool adapter settings.
type ToolsConfig struct {
	Code    CodeToolConfig    `json:"code" yaml:"code"`
	Browser BrowserToolConfig `json:"browser" yaml:"browser"`
	File    FileToolConfig    `json:"file" yaml:"file"`
}

// CodeToolConfig restricts which languages can be executed.
type CodeToolConfig struct {
	AllowedLanguages []string `json:"allowed_languages" yaml:"allowed_languages"` // Empty = python, javascript, shell.
}

// BrowserToolConfig restricts browser automation.
type BrowserToolConfig struct {
	AllowedDomains        []string `json:"allowed_domains" yaml:"allowed_domains"`                   // Empty = all public domains (SSRF-checked).
	MaxResponseBytes      int64    `json:"max_response_bytes" yaml:"max_response_bytes"`             // Default: 10 MB.
	TimeoutSeconds        int      `json:"timeout_seconds" yaml:"timeout_seconds"`                   // Default: 30.
	MaxNavigationsPerCall int      `json:"max_navigations_per_call" yaml:"max_navigations_per_call"` // Default: 5.
}

// FileToolConfig restricts file processing.
type FileToolConfig struct {
	MaxFileSizeBytes int64 `json:"max_file_size_bytes" yaml:"max_file_size_bytes"` // Default: 10 MB.
}

// SessionConfig controls session lifecycle.
type SessionConfig struct {
	TTLSeconds           int `json:"ttl_seconds" yaml:"ttl_seconds"`                       // Idle sessions older than this are reaped. Default: 1800.
	SweepIntervalSeconds int `json:"sweep_interval_seconds" yaml:"sweep_interval_seconds"` // Default: 60.
	MaxHistoryEvents     int `json:"max_history_events" yaml:"max_history_events"`         // Per-session event cap. Default: 1000.
}

// TTL returns the session idle TTL with a default of 30m.
func (s *SessionConfig) TTL() time.Duration {
	if s != nil && s.TTLSeconds > 0 {
		return time.Duration(s.TTLSeconds) * time.Second
	}
	return 30 * time.Minute
}

// SweepInterval returns the session sweep interval with a default of 60s.
func (s *SessionConfig) SweepInterval() time.Duration {
	if s != nil && s.SweepIntervalSeconds > 0 {
		return time.Duration(s.SweepIntervalSeconds) * time.Second
	}
	return 60 * time.Second
}

// MaxHistory returns the per-session event cap with a default of 1000.
func (s *SessionConfig) MaxHistory() int {
	if s != nil && s.MaxHistoryEvents > 0 {
		return s.MaxHistoryEvents
	}
	return 1000
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080".
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	APIKeyUserMapping   map[string]string `json:"api_key_user_mapping" yaml:"api_key_user_mapping"` // API key → user ID.
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
}

// Addr returns the listen address with a default of ":8080".
func (s *ServerConfig) Addr() string {
	if s != nil && s.ListenAddr != "" {
		return s.ListenAddr
	}
	return ":8080"
}

// RateLimitConfig configures per-user rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// PlannerConfig configures the decision endpoint driving the agent loop.
// The endpoint receives the session state and returns the next action;
// its internals are opaque to the orchestrator.
type PlannerConfig struct {
	Endpoint       string `json:"endpoint" yaml:"endpoint"`               // Decision endpoint URL.
	Token          string `json:"token,omitempty" yaml:"token,omitempty"` // Override: KAZI_PLANNER_TOKEN env var.
	MaxIterations  int    `json:"max_iterations" yaml:"max_iterations"`   // Tool calls per task. Default: 10.
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"` // Per-decision timeout. Default: 60.
}

// Iterations returns the iteration budget with a default of 10.
func (p *PlannerConfig) Iterations() int {
	if p != nil && p.MaxIterations > 0 {
		return p.MaxIterations
	}
	return 10
}

// Timeout returns the per-decision timeout with a default of 60s.
func (p *PlannerConfig) Timeout() time.Duration {
	if p != nil && p.TimeoutSeconds > 0 {
		return time.Duration(p.TimeoutSeconds) * time.Second
	}
	return 60 * time.Second
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "kazi"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB      bool `json:"include_db" yaml:"include_db"`
	IncludeBackend bool `json:"include_backend" yaml:"include_backend"`
}

// AnomalyConfig configures threshold-based anomaly detection.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// DefaultConfigPath returns the default config file path (~/.kazi/config.json).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/kazi.json" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".kazi", "config.json")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Secrets can be set in the config file or overridden by environment variables.
// Environment variables take precedence.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
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

	// Environment variable overrides — env vars take precedence over config values.
	if envWS := os.Getenv("KAZI_WORKSPACE"); envWS != "" {
		cfg.Workspace = envWS
	}
	if envDSN := os.Getenv("KAZI_DB_DSN"); envDSN != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{Driver: "postgres"}
		}
		if cfg.Storage.Postgres == nil {
			cfg.Storage.Postgres = &PostgresStorageConfig{}
		}
		cfg.Storage.Postgres.DSN = envDSN
	}
	if envToken := os.Getenv("KAZI_PLANNER_TOKEN"); envToken != "" {
		if cfg.Planner != nil {
			cfg.Planner.Token = envToken
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
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

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

func (c *Config) validate() error {
	if c.Pool.GlobalMax < 0 {
		return fmt.Errorf("pool.global_max must not be negative")
	}
	if c.Pool.PerSessionMax < 0 {
		return fmt.Errorf("pool.per_session_max must not be negative")
	}
	if c.Pool.PerSessionMax > 0 && c.Pool.GlobalMax > 0 && c.Pool.PerSessionMax > c.Pool.GlobalMax {
		return fmt.Errorf("pool.per_session_max must not exceed pool.global_max")
	}
	if c.Sandbox.MaxMemoryMB < 0 {
		return fmt.Errorf("sandbox.max_memory_mb must not be negative")
	}
	if c.Sandbox.MaxExecutionSeconds < 0 {
		return fmt.Errorf("sandbox.max_execution_seconds must not be negative")
	}
	switch c.Sandbox.BackendType() {
	case "docker", "process":
		// valid
	default:
		return fmt.Errorf("sandbox.type %q is not supported (use docker or process)", c.Sandbox.Type)
	}
	// Storage driver validation.
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite", "postgres":
			// valid
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.StorageDriverName() == "postgres" {
		if c.Storage == nil || c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (set KAZI_DB_DSN env var)")
		}
	}
	// Planner endpoint is required when the agent loop is configured.
	if c.Planner != nil && c.Planner.Endpoint == "" {
		return fmt.Errorf("planner.endpoint is required when planner is configured")
	}
	return nil
}
