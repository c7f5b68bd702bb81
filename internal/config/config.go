// Package config loads the breeze-agent configuration file.
//
// Load resolves $include directives and ${ENV} references, overlays
// BREEZE_* environment variables, applies defaults and validates the result.
package config

import (
	"time"

	"github.com/LanternOps/breeze-sub012/internal/agent"
	"github.com/LanternOps/breeze-sub012/internal/approval"
	"github.com/LanternOps/breeze-sub012/internal/audit"
	"github.com/LanternOps/breeze-sub012/internal/governor"
	"github.com/LanternOps/breeze-sub012/internal/guardrails"
	"github.com/LanternOps/breeze-sub012/internal/observability"
	"github.com/LanternOps/breeze-sub012/internal/ratelimit"
	"github.com/LanternOps/breeze-sub012/internal/sweeper"
	"github.com/LanternOps/breeze-sub012/internal/tools"
)

// Config is the main configuration structure for breeze-agent.
type Config struct {
	Version int `yaml:"version" json:"version"`

	Server        ServerConfig            `yaml:"server" json:"server" envPrefix:"SERVER_"`
	Database      DatabaseConfig          `yaml:"database" json:"database" envPrefix:"DATABASE_"`
	Auth          AuthConfig              `yaml:"auth" json:"auth" envPrefix:"AUTH_"`
	LLM           LLMConfig               `yaml:"llm" json:"llm" envPrefix:"LLM_"`
	Agent         agent.Config            `yaml:"agent" json:"agent" envPrefix:"AGENT_"`
	Approval      approval.Config         `yaml:"approval" json:"approval" envPrefix:"APPROVAL_"`
	Governor      governor.Config         `yaml:"governor" json:"governor" envPrefix:"GOVERNOR_"`
	Guardrails    GuardrailsConfig        `yaml:"guardrails" json:"guardrails" envPrefix:"GUARDRAILS_"`
	Tools         ToolsConfig             `yaml:"tools" json:"tools" envPrefix:"TOOLS_"`
	Sweeper       sweeper.Config          `yaml:"sweeper" json:"sweeper" envPrefix:"SWEEPER_"`
	Audit         audit.Config            `yaml:"audit" json:"audit" envPrefix:"AUDIT_"`
	Observability ObservabilityConfig     `yaml:"observability" json:"observability" envPrefix:"OBSERVABILITY_"`
	Logging       observability.LogConfig `yaml:"logging" json:"logging" envPrefix:"LOG_"`
}

type ServerConfig struct {
	// Addr is the HTTP listen address. Default: ":8080"
	Addr string `yaml:"addr" json:"addr" env:"ADDR"`

	// ShutdownTimeout bounds graceful shutdown. Default: 15s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`

	// AllowedOrigins lists WebSocket origins. Empty allows same-origin only.
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins,omitempty" env:"ALLOWED_ORIGINS" envSeparator:","`
}

// Storage drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

type DatabaseConfig struct {
	Driver string `yaml:"driver" json:"driver" env:"DRIVER" validate:"omitempty,oneof=postgres sqlite memory"`

	// DSN is a postgres connection string or a sqlite file path.
	DSN string `yaml:"dsn" json:"dsn" env:"DSN" validate:"required_unless=Driver memory"`

	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns" env:"MAX_OPEN_CONNS" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns" env:"MAX_IDLE_CONNS" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

type AuthConfig struct {
	JWTSecret   string        `yaml:"jwt_secret" json:"jwt_secret" env:"JWT_SECRET" validate:"required,min=32"`
	Issuer      string        `yaml:"issuer" json:"issuer" env:"ISSUER"`
	TokenExpiry time.Duration `yaml:"token_expiry" json:"token_expiry" env:"TOKEN_EXPIRY"`
}

type LLMConfig struct {
	Provider string `yaml:"provider" json:"provider" env:"PROVIDER" validate:"omitempty,oneof=anthropic openai"`
	APIKey   string `yaml:"api_key" json:"api_key" env:"API_KEY" validate:"required"`
	BaseURL  string `yaml:"base_url" json:"base_url,omitempty" env:"BASE_URL" validate:"omitempty,url"`

	// MaxAttempts bounds provider call attempts, the first included. Default: 3
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts" env:"MAX_ATTEMPTS" validate:"gte=0,lte=10"`
}

type GuardrailsConfig struct {
	// Overrides are evaluated before the built-in rules.
	Overrides []guardrails.Rule `yaml:"overrides" json:"overrides,omitempty" validate:"dive"`

	// ToolRate limits each user per tool.
	ToolRate ratelimit.Config `yaml:"tool_rate" json:"tool_rate" envPrefix:"TOOL_RATE_"`

	// OverridesFile is a separate rules file that is watched and hot-reloaded.
	OverridesFile string `yaml:"overrides_file" json:"overrides_file,omitempty" env:"OVERRIDES_FILE"`
}

type ToolsConfig struct {
	Hosts []tools.HostConfig `yaml:"hosts" json:"hosts,omitempty" validate:"dive"`

	// Timeout bounds one call to a tool host. Default: 30s
	Timeout time.Duration `yaml:"timeout" json:"timeout" env:"TIMEOUT"`
}

type ObservabilityConfig struct {
	// MetricsPath serves Prometheus metrics. Default: "/metrics"
	MetricsPath string `yaml:"metrics_path" json:"metrics_path" env:"METRICS_PATH" validate:"omitempty,startswith=/"`

	Tracing observability.TraceConfig `yaml:"tracing" json:"tracing" envPrefix:"TRACING_"`
}

// Load reads, overlays, defaults and validates the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeConfig(raw)
	if err != nil {
		return nil, err
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file sets a value.
func Default() *Config {
	cfg := newBase()
	applyDefaults(cfg)
	return cfg
}

// newBase presets the switches that default to on, so an absent key and an
// explicit false stay distinguishable.
func newBase() *Config {
	return &Config{
		Audit:   audit.Config{Enabled: true},
		Sweeper: sweeper.Config{Enabled: true},
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DriverMemory
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}

	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = "breeze"
	}
	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}

	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "anthropic"
	}
	if cfg.LLM.MaxAttempts == 0 {
		cfg.LLM.MaxAttempts = 3
	}

	cfg.Agent = mergeAgent(cfg.Agent, agent.DefaultConfig())
	cfg.Approval = mergeApproval(cfg.Approval, approval.DefaultConfig())

	govDefaults := governor.DefaultConfig()
	if !cfg.Governor.UserRate.Enabled() {
		cfg.Governor.UserRate = govDefaults.UserRate
	}
	if !cfg.Governor.OrgRate.Enabled() {
		cfg.Governor.OrgRate = govDefaults.OrgRate
	}

	if cfg.Tools.Timeout == 0 {
		cfg.Tools.Timeout = 30 * time.Second
	}

	sweeperDefaults := sweeper.DefaultConfig()
	if cfg.Sweeper.Schedule == "" {
		cfg.Sweeper.Schedule = sweeperDefaults.Schedule
	}
	if cfg.Sweeper.BatchSize == 0 {
		cfg.Sweeper.BatchSize = sweeperDefaults.BatchSize
	}

	auditDefaults := audit.DefaultConfig()
	if cfg.Audit.Output == "" {
		cfg.Audit.Output = auditDefaults.Output
	}
	if cfg.Audit.Level == "" {
		cfg.Audit.Level = auditDefaults.Level
	}
	if cfg.Audit.Format == "" {
		cfg.Audit.Format = auditDefaults.Format
	}

	if cfg.Observability.MetricsPath == "" {
		cfg.Observability.MetricsPath = "/metrics"
	}
	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "breeze-agent"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func mergeAgent(cfg, d agent.Config) agent.Config {
	if cfg.Model == "" {
		cfg.Model = d.Model
	}
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = d.MaxIterations
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = d.MaxTokens
	}
	if cfg.TokenCeiling == 0 {
		cfg.TokenCeiling = d.TokenCeiling
	}
	if cfg.CharsPerToken == 0 {
		cfg.CharsPerToken = d.CharsPerToken
	}
	if cfg.DefaultMaxTurns == 0 {
		cfg.DefaultMaxTurns = d.DefaultMaxTurns
	}
	if cfg.ToolTimeout == 0 {
		cfg.ToolTimeout = d.ToolTimeout
	}
	if cfg.SessionMaxAge == 0 {
		cfg.SessionMaxAge = d.SessionMaxAge
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = d.IdleTimeout
	}
	return cfg
}

func mergeApproval(cfg, d approval.Config) approval.Config {
	if cfg.InitialInterval == 0 {
		cfg.InitialInterval = d.InitialInterval
	}
	if cfg.MaxInterval == 0 {
		cfg.MaxInterval = d.MaxInterval
	}
	if cfg.Factor == 0 {
		cfg.Factor = d.Factor
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.MaxPollErrors == 0 {
		cfg.MaxPollErrors = d.MaxPollErrors
	}
	return cfg
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	out := *c
	if out.Auth.JWTSecret != "" {
		out.Auth.JWTSecret = "[REDACTED]"
	}
	if out.LLM.APIKey != "" {
		out.LLM.APIKey = "[REDACTED]"
	}
	out.Tools.Hosts = append([]tools.HostConfig(nil), c.Tools.Hosts...)
	for i := range out.Tools.Hosts {
		if out.Tools.Hosts[i].Token != "" {
			out.Tools.Hosts[i].Token = "[REDACTED]"
		}
	}
	return &out
}
