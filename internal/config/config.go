// Package config handles loading and validating Velocity configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Velocity.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.velocity/data. Override: VELOCITY_DATA_DIR env var.
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`   // nil = in-memory history only
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Worker        WorkerConfig         `json:"worker" yaml:"worker"`
	Proxy         ProxyConfig          `json:"proxy" yaml:"proxy"`
	Agent         AgentConfig          `json:"agent" yaml:"agent"`
	Providers     ProvidersConfig      `json:"providers" yaml:"providers"`
	Integrations  IntegrationsConfig   `json:"integrations" yaml:"integrations"`
	Gateways      GatewaysConfig       `json:"gateways" yaml:"gateways"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// StorageConfig configures the conversation history backend.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default), "postgres" or "memory".
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
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/velocity.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: VELOCITY_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// SandboxConfig configures the per-session execution environment.
type SandboxConfig struct {
	Provider            string   `json:"provider" yaml:"provider"`                           // "docker" (default) or "process".
	Driver              string   `json:"driver" yaml:"driver"`                               // "agent" (default) or "loopback" (process provider only).
	Image               string   `json:"image" yaml:"image"`                                 // Container image. Default: python:3.12-slim.
	Memory              string   `json:"memory" yaml:"memory"`                               // Human size, e.g. "1g". Empty = 1g.
	CPUCores            float64  `json:"cpu_cores" yaml:"cpu_cores"`                         // 0 = 1.0.
	PIDsLimit           int64    `json:"pids_limit" yaml:"pids_limit"`                       // 0 = 256.
	Network             string   `json:"network" yaml:"network"`                             // Docker network mode. Default: bridge.
	AutoStopMinutes     int      `json:"auto_stop_minutes" yaml:"auto_stop_minutes"`         // Idle stop. Default: 60.
	AutoDeleteMinutes   int      `json:"auto_delete_minutes" yaml:"auto_delete_minutes"`     // Hard delete. Default: 120.
	ReapIntervalSeconds int      `json:"reap_interval_seconds" yaml:"reap_interval_seconds"` // Default: 60.
	ExecTimeoutSeconds  int      `json:"exec_timeout_seconds" yaml:"exec_timeout_seconds"`   // Default: 600.
	ScriptPath          string   `json:"script_path" yaml:"script_path"`                     // Default: /tmp/sandbox_runner.py.
	SetupCommands       []string `json:"setup_commands" yaml:"setup_commands"`               // Run once after creation. Failures are logged.
	DisableStreaming    bool     `json:"disable_streaming" yaml:"disable_streaming"`         // Force the buffered fallback.
	ProcessRoot         string   `json:"process_root,omitempty" yaml:"process_root,omitempty"`
}

const defaultSetupCommand = "pip install --quiet anthropic claude-agent-sdk httpx"

// SandboxProvider returns the provider name, defaulting to "docker".
func (s *SandboxConfig) SandboxProvider() string {
	if s.Provider != "" {
		return s.Provider
	}
	return "docker"
}

// ProgramDriver returns which program answers queries inside the sandbox,
// defaulting to "agent".
func (s *SandboxConfig) ProgramDriver() string {
	if s.Driver != "" {
		return s.Driver
	}
	return "agent"
}

// SandboxImage returns the container image.
func (s *SandboxConfig) SandboxImage() string {
	if s.Image != "" {
		return s.Image
	}
	return "python:3.12-slim"
}

// MemoryBytes parses Memory into bytes. Empty means 1 GiB.
func (s *SandboxConfig) MemoryBytes() (int64, error) {
	if s.Memory == "" {
		return 1 << 30, nil
	}
	return units.RAMInBytes(s.Memory)
}

// Cores returns the CPU quota with a default of 1.0.
func (s *SandboxConfig) Cores() float64 {
	if s.CPUCores > 0 {
		return s.CPUCores
	}
	return 1.0
}

// PIDs returns the process limit with a default of 256.
func (s *SandboxConfig) PIDs() int64 {
	if s.PIDsLimit > 0 {
		return s.PIDsLimit
	}
	return 256
}

// NetworkMode returns the docker network mode with a default of "bridge".
func (s *SandboxConfig) NetworkMode() string {
	if s.Network != "" {
		return s.Network
	}
	return "bridge"
}

// AutoStop returns the idle-stop window with a default of 60m.
func (s *SandboxConfig) AutoStop() time.Duration {
	if s.AutoStopMinutes > 0 {
		return time.Duration(s.AutoStopMinutes) * time.Minute
	}
	return time.Hour
}

// AutoDelete returns the hard-delete window with a default of 120m.
func (s *SandboxConfig) AutoDelete() time.Duration {
	if s.AutoDeleteMinutes > 0 {
		return time.Duration(s.AutoDeleteMinutes) * time.Minute
	}
	return 2 * time.Hour
}

// ReapInterval returns how often expired sandboxes are swept. Default: 60s.
func (s *SandboxConfig) ReapInterval() time.Duration {
	if s.ReapIntervalSeconds > 0 {
		return time.Duration(s.ReapIntervalSeconds) * time.Second
	}
	return time.Minute
}

// ExecTimeout returns the command timeout with a default of 600s.
func (s *SandboxConfig) ExecTimeout() time.Duration {
	if s.ExecTimeoutSeconds > 0 {
		return time.Duration(s.ExecTimeoutSeconds) * time.Second
	}
	return 600 * time.Second
}

// Script returns the in-sandbox path of the runner program.
func (s *SandboxConfig) Script() string {
	if s.ScriptPath != "" {
		return s.ScriptPath
	}
	return "/tmp/sandbox_runner.py"
}

// Setup returns the provisioning commands. A nil slice yields the default
// pip install; an explicitly empty list disables setup.
func (s *SandboxConfig) Setup() []string {
	if s.SetupCommands == nil {
		return []string{defaultSetupCommand}
	}
	return s.SetupCommands
}

// WorkerConfig configures the session worker pool.
type WorkerConfig struct {
	StopGraceSeconds  int    `json:"stop_grace_seconds" yaml:"stop_grace_seconds"`   // Default: 15.
	MaxHistoryTurns   int    `json:"max_history_turns" yaml:"max_history_turns"`     // Default: 40.
	MaxHistoryTokens  int    `json:"max_history_tokens" yaml:"max_history_tokens"`   // Default: 60000.
	IdleTTLMinutes    int    `json:"idle_ttl_minutes" yaml:"idle_ttl_minutes"`       // 0 = never evict idle workers.
	IdleSweepSchedule string `json:"idle_sweep_schedule" yaml:"idle_sweep_schedule"` // Cron spec. Default: "@every 1m".
}

// StopGrace returns the graceful shutdown window with a default of 15s.
func (w *WorkerConfig) StopGrace() time.Duration {
	if w.StopGraceSeconds > 0 {
		return time.Duration(w.StopGraceSeconds) * time.Second
	}
	return 15 * time.Second
}

// HistoryTurns returns the turn cap with a default of 40.
func (w *WorkerConfig) HistoryTurns() int {
	if w.MaxHistoryTurns > 0 {
		return w.MaxHistoryTurns
	}
	return 40
}

// HistoryTokens returns the token budget with a default of 60000.
func (w *WorkerConfig) HistoryTokens() int {
	if w.MaxHistoryTokens > 0 {
		return w.MaxHistoryTokens
	}
	return 60000
}

// IdleTTL returns the idle eviction window. Zero disables eviction.
func (w *WorkerConfig) IdleTTL() time.Duration {
	return time.Duration(w.IdleTTLMinutes) * time.Minute
}

// SweepSchedule returns the idle sweep cron spec.
func (w *WorkerConfig) SweepSchedule() string {
	if w.IdleSweepSchedule != "" {
		return w.IdleSweepSchedule
	}
	return "@every 1m"
}

// ProxyConfig configures the cross-environment proxy bridge.
type ProxyConfig struct {
	PollIntervalMillis int    `json:"poll_interval_ms" yaml:"poll_interval_ms"`         // Sandbox-side poll. Default: 100.
	TimeoutSeconds     int    `json:"timeout_seconds" yaml:"timeout_seconds"`           // Sandbox-side wait. Default: 30.
	HTTPTimeoutSeconds int    `json:"http_timeout_seconds" yaml:"http_timeout_seconds"` // Upstream call. Default: 15.
	ResponseDir        string `json:"response_dir" yaml:"response_dir"`                 // Default: /tmp.
}

// PollInterval returns the response poll interval.
func (p *ProxyConfig) PollInterval() time.Duration {
	if p.PollIntervalMillis > 0 {
		return time.Duration(p.PollIntervalMillis) * time.Millisecond
	}
	return 100 * time.Millisecond
}

// Timeout returns how long the sandbox side waits for a response.
func (p *ProxyConfig) Timeout() time.Duration {
	if p.TimeoutSeconds > 0 {
		return time.Duration(p.TimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// HTTPTimeout returns the upstream HTTP client timeout.
func (p *ProxyConfig) HTTPTimeout() time.Duration {
	if p.HTTPTimeoutSeconds > 0 {
		return time.Duration(p.HTTPTimeoutSeconds) * time.Second
	}
	return 15 * time.Second
}

// Dir returns the in-sandbox directory for response files.
func (p *ProxyConfig) Dir() string {
	if p.ResponseDir != "" {
		return p.ResponseDir
	}
	return "/tmp"
}

// AgentConfig bounds each agent run inside the sandbox.
type AgentConfig struct {
	MaxTurns     int     `json:"max_turns" yaml:"max_turns"`           // Default: 25.
	MaxBudgetUSD float64 `json:"max_budget_usd" yaml:"max_budget_usd"` // Default: 2.0.
}

type ProvidersConfig struct {
	Anthropic AnthropicConfig `json:"anthropic" yaml:"anthropic"`
}

type AnthropicConfig struct {
	APIKey      string `json:"api_key" yaml:"api_key"` // Override: ANTHROPIC_API_KEY env var.
	ModelOpus   string `json:"model_opus" yaml:"model_opus"`
	ModelSonnet string `json:"model_sonnet" yaml:"model_sonnet"`
}

// IntegrationsConfig holds credentials for services the agent reaches
// either directly from the sandbox or through the proxy bridge.
type IntegrationsConfig struct {
	Slack  SlackConfig  `json:"slack" yaml:"slack"`
	Linear LinearConfig `json:"linear" yaml:"linear"`
	GitHub GitHubConfig `json:"github" yaml:"github"`
}

type SlackConfig struct {
	BotToken string `json:"bot_token,omitempty" yaml:"bot_token,omitempty"` // Override: SLACK_BOT_TOKEN env var.
	TeamID   string `json:"team_id,omitempty" yaml:"team_id,omitempty"`     // Override: SLACK_TEAM_ID env var.
	BaseURL  string `json:"base_url,omitempty" yaml:"base_url,omitempty"`   // Default: https://slack.com/api.
}

type LinearConfig struct {
	APIKey string `json:"api_key,omitempty" yaml:"api_key,omitempty"` // Override: LINEAR_API_KEY env var.
}

type GitHubConfig struct {
	Token string `json:"token,omitempty" yaml:"token,omitempty"` // Override: GITHUB_TOKEN env var.
}

// GatewaysConfig defines which front ends are enabled.
type GatewaysConfig struct {
	CLI  *CLIGatewayConfig  `json:"cli,omitempty" yaml:"cli,omitempty"`
	HTTP *HTTPGatewayConfig `json:"http,omitempty" yaml:"http,omitempty"`
}

// CLIGatewayConfig configures the interactive CLI gateway.
type CLIGatewayConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// HTTPGatewayConfig configures the HTTP API gateway.
type HTTPGatewayConfig struct {
	Enabled             bool              `json:"enabled" yaml:"enabled"`
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"`
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	APIKeyUserMapping   map[string]string `json:"api_key_user_mapping" yaml:"api_key_user_mapping"` // API key → user ID.
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
	WebSocket           bool              `json:"websocket" yaml:"websocket"` // Enable the websocket event stream.
}

// RateLimitConfig configures per-user rate limiting for a gateway.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// ObservabilityConfig configures metrics, tracing and health checks.
// When nil, all observability features are disabled.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
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
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "velocity"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`
}

// HealthConfig selects which dependencies the readiness probe checks.
type HealthConfig struct {
	IncludeDB      bool `json:"include_db" yaml:"include_db"`
	IncludeSandbox bool `json:"include_sandbox" yaml:"include_sandbox"`
}

// DefaultConfigPath returns the default config file path (~/.velocity/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/velocity.yaml"
	}
	return filepath.Join(home, ".velocity", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Credentials can be set in the file or overridden by environment variables.
// Environment variables take precedence.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	cfg, err := Parse(data, filepath.Ext(resolved))
	if err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", resolved, err)
	}
	return cfg, nil
}

// Parse decodes raw config bytes, applies environment overrides and validates.
// ext selects the format (".yaml", ".yml" or anything else for JSON).
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("decoding YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("decoding JSON: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.Providers.Anthropic.APIKey = v
	}
	if v := os.Getenv("SLACK_BOT_TOKEN"); v != "" {
		c.Integrations.Slack.BotToken = v
	}
	if v := os.Getenv("SLACK_TEAM_ID"); v != "" {
		c.Integrations.Slack.TeamID = v
	}
	if v := os.Getenv("LINEAR_API_KEY"); v != "" {
		c.Integrations.Linear.APIKey = v
	}
	if v := os.Getenv("GITHUB_TOKEN"); v != "" {
		c.Integrations.GitHub.Token = v
	}
	if v := os.Getenv("VELOCITY_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("VELOCITY_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
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

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".velocity", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		if p, err := resolvePath(c.Storage.SQLite.Path); err == nil {
			return p
		}
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "velocity.db")
}

// SandboxEnv returns the credentials injected into every sandbox at creation.
// Optional integrations are included only when configured.
func (c *Config) SandboxEnv() map[string]string {
	env := map[string]string{
		"ANTHROPIC_API_KEY": c.Providers.Anthropic.APIKey,
	}
	if c.Integrations.Slack.BotToken != "" {
		env["SLACK_BOT_TOKEN"] = c.Integrations.Slack.BotToken
	}
	if c.Integrations.Linear.APIKey != "" {
		env["LINEAR_API_KEY"] = c.Integrations.Linear.APIKey
	}
	return env
}

func (c *Config) validate() error {
	if c.Providers.Anthropic.APIKey == "" {
		return fmt.Errorf("providers.anthropic.api_key is required (set ANTHROPIC_API_KEY env var)")
	}
	switch c.Sandbox.SandboxProvider() {
	case "docker", "process":
	default:
		return fmt.Errorf("sandbox.provider %q is not supported (use docker or process)", c.Sandbox.Provider)
	}
	switch c.Sandbox.ProgramDriver() {
	case "agent":
	case "loopback":
		if c.Sandbox.SandboxProvider() != "process" {
			return fmt.Errorf("sandbox.driver loopback requires the process provider")
		}
	default:
		return fmt.Errorf("sandbox.driver %q is not supported (use agent or loopback)", c.Sandbox.Driver)
	}
	if _, err := c.Sandbox.MemoryBytes(); err != nil {
		return fmt.Errorf("sandbox.memory: %w", err)
	}
	if c.Sandbox.ExecTimeoutSeconds < 0 {
		return fmt.Errorf("sandbox.exec_timeout_seconds must not be negative")
	}
	if c.Sandbox.AutoDeleteMinutes > 0 && c.Sandbox.AutoStopMinutes > c.Sandbox.AutoDeleteMinutes {
		return fmt.Errorf("sandbox.auto_stop_minutes must not exceed auto_delete_minutes")
	}
	if c.Worker.MaxHistoryTurns < 0 || c.Worker.MaxHistoryTokens < 0 {
		return fmt.Errorf("worker history limits must not be negative")
	}
	if c.Agent.MaxBudgetUSD < 0 {
		return fmt.Errorf("agent.max_budget_usd must not be negative")
	}
	if c.Proxy.TimeoutSeconds < 0 || c.Proxy.PollIntervalMillis < 0 {
		return fmt.Errorf("proxy timings must not be negative")
	}
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite", "memory":
		case "postgres":
			if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (set VELOCITY_DB_DSN)")
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite, postgres or memory)", c.Storage.Driver)
		}
	}
	return nil
}
