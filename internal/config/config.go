// ABOUTME: Configuration loading and parsing for concierge-gateway
// ABOUTME: Supports YAML or TOML files with env var expansion, env overrides, and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config represents the complete concierge-gateway configuration
type Config struct {
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Tailscale  TailscaleConfig  `yaml:"tailscale" toml:"tailscale"`
	Database   DatabaseConfig   `yaml:"database" toml:"database"`
	Auth       AuthConfig       `yaml:"auth" toml:"auth"`
	Webhooks   WebhooksConfig   `yaml:"webhooks" toml:"webhooks"`
	Context    ContextConfig    `yaml:"context" toml:"context"`
	Generation GenerationConfig `yaml:"generation" toml:"generation"`
	Delivery   DeliveryConfig   `yaml:"delivery" toml:"delivery"`
	Dispatch   DispatchConfig   `yaml:"dispatch" toml:"dispatch"`
	Templates  TemplatesConfig  `yaml:"templates" toml:"templates"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr" env:"CONCIERGE_HTTP_ADDR"`
	// GRPCAddr enables the gRPC health service when set
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	// PublicURL is the externally visible base URL, used to rebuild the signed webhook URL
	PublicURL string `yaml:"public_url" toml:"public_url" env:"CONCIERGE_PUBLIC_URL"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key" env:"TS_AUTHKEY"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public HTTPS so webhook providers can reach us
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path" env:"CONCIERGE_DB_PATH"`
}

// AuthConfig holds admin API authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret" env:"CONCIERGE_JWT_SECRET"`
}

// WebhooksConfig holds inbound webhook configuration
type WebhooksConfig struct {
	Messaging    MessagingWebhookConfig  `yaml:"messaging" toml:"messaging"`
	Scheduling   SchedulingWebhookConfig `yaml:"scheduling" toml:"scheduling"`
	MaxBodyBytes int64                   `yaml:"max_body_bytes" toml:"max_body_bytes"`

	DedupeTTL    time.Duration `yaml:"-" toml:"-"`
	DedupeTTLRaw string        `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// MessagingWebhookConfig configures the customer-messaging webhook
type MessagingWebhookConfig struct {
	Path              string `yaml:"path" toml:"path"`
	AuthToken         string `yaml:"auth_token" toml:"auth_token" env:"CONCIERGE_MESSAGING_AUTH_TOKEN"`
	DisableValidation bool   `yaml:"disable_validation" toml:"disable_validation"`
}

// SchedulingWebhookConfig configures the scheduling-event webhook
type SchedulingWebhookConfig struct {
	Path              string   `yaml:"path" toml:"path"`
	SigningKey        string   `yaml:"signing_key" toml:"signing_key" env:"CONCIERGE_SCHEDULING_SIGNING_KEY"`
	DisableValidation bool     `yaml:"disable_validation" toml:"disable_validation"`
	AllowedEvents     []string `yaml:"allowed_events" toml:"allowed_events"`
}

// ContextConfig holds conversation context store configuration
type ContextConfig struct {
	MaxMessages    int `yaml:"max_messages" toml:"max_messages"`
	HistoryLimit   int `yaml:"history_limit" toml:"history_limit"`
	PromptMessages int `yaml:"prompt_messages" toml:"prompt_messages"`

	TTL           time.Duration `yaml:"-" toml:"-"`
	SweepInterval time.Duration `yaml:"-" toml:"-"`

	TTLRaw           string `yaml:"ttl" toml:"ttl"`
	SweepIntervalRaw string `yaml:"sweep_interval" toml:"sweep_interval"`
}

// PriceConfig is the USD price per million tokens for a model
type PriceConfig struct {
	InputPerMTok  float64 `yaml:"input_per_mtok" toml:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok" toml:"output_per_mtok"`
}

// GenerationConfig holds text-generation backend configuration
type GenerationConfig struct {
	Provider         string                 `yaml:"provider" toml:"provider"` // anthropic, openai
	APIKey           string                 `yaml:"api_key" toml:"api_key" env:"CONCIERGE_LLM_API_KEY"`
	BaseURL          string                 `yaml:"base_url" toml:"base_url"`
	Model            string                 `yaml:"model" toml:"model"`
	MaxTokens        int                    `yaml:"max_tokens" toml:"max_tokens"`
	MaxTokensCeiling int                    `yaml:"max_tokens_ceiling" toml:"max_tokens_ceiling"`
	Temperature      *float64               `yaml:"temperature" toml:"temperature"` // nil uses the default; 0 is deterministic
	CacheSize        int                    `yaml:"cache_size" toml:"cache_size"`
	MaxPromptChars   int                    `yaml:"max_prompt_chars" toml:"max_prompt_chars"`
	SystemPrompt     string                 `yaml:"system_prompt" toml:"system_prompt"`
	Apology          string                 `yaml:"apology" toml:"apology"`
	Prices           map[string]PriceConfig `yaml:"prices" toml:"prices"`

	Timeout  time.Duration `yaml:"-" toml:"-"`
	CacheTTL time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw  string `yaml:"timeout" toml:"timeout"`
	CacheTTLRaw string `yaml:"cache_ttl" toml:"cache_ttl"`
}

// DeliveryConfig holds outbound messaging configuration
type DeliveryConfig struct {
	BaseURL             string  `yaml:"base_url" toml:"base_url"`
	AccountSID          string  `yaml:"account_sid" toml:"account_sid" env:"CONCIERGE_DELIVERY_ACCOUNT_SID"`
	AuthToken           string  `yaml:"auth_token" toml:"auth_token" env:"CONCIERGE_DELIVERY_AUTH_TOKEN"`
	From                string  `yaml:"from" toml:"from" env:"CONCIERGE_DELIVERY_FROM"`
	RateLimit           int     `yaml:"rate_limit" toml:"rate_limit"`
	MaxAttempts         int     `yaml:"max_attempts" toml:"max_attempts"`
	GlobalRatePerSecond float64 `yaml:"global_rate_per_second" toml:"global_rate_per_second"`
	GlobalBurst         int     `yaml:"global_burst" toml:"global_burst"`
	CostPerMessage      float64 `yaml:"cost_per_message" toml:"cost_per_message"`
	KeepMarkdown        bool    `yaml:"keep_markdown" toml:"keep_markdown"`

	RateWindow    time.Duration `yaml:"-" toml:"-"`
	BaseDelay     time.Duration `yaml:"-" toml:"-"`
	MaxJitter     time.Duration `yaml:"-" toml:"-"`
	SendTimeout   time.Duration `yaml:"-" toml:"-"`
	SweepInterval time.Duration `yaml:"-" toml:"-"`

	RateWindowRaw    string `yaml:"rate_window" toml:"rate_window"`
	BaseDelayRaw     string `yaml:"base_delay" toml:"base_delay"`
	MaxJitterRaw     string `yaml:"max_jitter" toml:"max_jitter"`
	SendTimeoutRaw   string `yaml:"send_timeout" toml:"send_timeout"`
	SweepIntervalRaw string `yaml:"sweep_interval" toml:"sweep_interval"`
}

// DispatchConfig holds background task execution configuration
type DispatchConfig struct {
	MaxConcurrent int `yaml:"max_concurrent" toml:"max_concurrent"`

	ShutdownGrace    time.Duration `yaml:"-" toml:"-"`
	ShutdownGraceRaw string        `yaml:"shutdown_grace" toml:"shutdown_grace"`
}

// TemplatesConfig holds business message templates for scheduling events.
// Templates use text/template syntax with .Name, .Event and .StartTime fields.
type TemplatesConfig struct {
	BookingCreated  string `yaml:"booking_created" toml:"booking_created"`
	BookingCanceled string `yaml:"booking_canceled" toml:"booking_canceled"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" env:"CONCIERGE_LOG_LEVEL"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded, CONCIERGE_* variables
// override secrets and addresses, and duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Generation.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("generation.provider must be \"anthropic\" or \"openai\", got %q", c.Generation.Provider)
	}
	if c.Generation.APIKey == "" {
		return fmt.Errorf("generation.api_key is required")
	}
	if t := c.Generation.Temperature; t != nil && (*t < 0 || *t > 1) {
		return fmt.Errorf("generation.temperature must be between 0 and 1")
	}

	if c.Delivery.AccountSID == "" || c.Delivery.AuthToken == "" {
		return fmt.Errorf("delivery.account_sid and delivery.auth_token are required")
	}
	if c.Delivery.From == "" {
		return fmt.Errorf("delivery.from is required")
	}

	if !c.Webhooks.Messaging.DisableValidation && c.Webhooks.Messaging.AuthToken == "" {
		return fmt.Errorf("webhooks.messaging.auth_token is required unless disable_validation is set")
	}
	if !c.Webhooks.Scheduling.DisableValidation && c.Webhooks.Scheduling.SigningKey == "" {
		return fmt.Errorf("webhooks.scheduling.signing_key is required unless disable_validation is set")
	}

	return nil
}

// durationField pairs a raw config string with its parsed destination.
type durationField struct {
	name string
	raw  string
	dst  *time.Duration
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []durationField{
		{"webhooks.dedupe_ttl", cfg.Webhooks.DedupeTTLRaw, &cfg.Webhooks.DedupeTTL},
		{"context.ttl", cfg.Context.TTLRaw, &cfg.Context.TTL},
		{"context.sweep_interval", cfg.Context.SweepIntervalRaw, &cfg.Context.SweepInterval},
		{"generation.timeout", cfg.Generation.TimeoutRaw, &cfg.Generation.Timeout},
		{"generation.cache_ttl", cfg.Generation.CacheTTLRaw, &cfg.Generation.CacheTTL},
		{"delivery.rate_window", cfg.Delivery.RateWindowRaw, &cfg.Delivery.RateWindow},
		{"delivery.base_delay", cfg.Delivery.BaseDelayRaw, &cfg.Delivery.BaseDelay},
		{"delivery.max_jitter", cfg.Delivery.MaxJitterRaw, &cfg.Delivery.MaxJitter},
		{"delivery.send_timeout", cfg.Delivery.SendTimeoutRaw, &cfg.Delivery.SendTimeout},
		{"delivery.sweep_interval", cfg.Delivery.SweepIntervalRaw, &cfg.Delivery.SweepInterval},
		{"dispatch.shutdown_grace", cfg.Dispatch.ShutdownGraceRaw, &cfg.Dispatch.ShutdownGrace},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}

	return nil
}
