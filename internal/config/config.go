// Package config loads the gateway configuration from YAML.
//
// DESIGN: One Config struct for the whole process, loaded once at startup and
// swapped atomically on reload. ${ENV_VAR} references in string values are
// expanded at load time so secrets can stay out of the file.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Pool      PoolConfig      `yaml:"pool"`
	Session   SessionConfig   `yaml:"session"`
	Retry     RetryConfig     `yaml:"retry"`
	Routing   RoutingConfig   `yaml:"routing"`
	Inject    []InjectionRule `yaml:"inject"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Store     StoreConfig     `yaml:"store"`
	Providers []ProviderEntry `yaml:"providers"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// AuthConfig controls client authentication against the gateway.
type AuthConfig struct {
	// PairingEnabled generates a one-shot pairing code at startup. When false
	// and APIKey is empty, authentication is disabled entirely.
	PairingEnabled bool   `yaml:"pairing_enabled"`
	APIKey         string `yaml:"api_key"`
}

// PoolConfig controls credential selection and health tracking.
type PoolConfig struct {
	// Strategy is one of round_robin, least_loaded, priority, cost, speed.
	Strategy           string        `yaml:"strategy"`
	UnhealthyThreshold int           `yaml:"unhealthy_threshold"`
	ProbeDelay         time.Duration `yaml:"probe_delay"`
	CooldownBase       time.Duration `yaml:"cooldown_base"`
	CooldownCap        time.Duration `yaml:"cooldown_cap"`
}

// SessionConfig controls sticky sessions and the signature store.
type SessionConfig struct {
	// Mode is one of disabled, pin_on_first_use, pin_on_success.
	Mode              string        `yaml:"mode"`
	StickyTTL         time.Duration `yaml:"sticky_ttl"`
	FingerprintSalt   string        `yaml:"fingerprint_salt"`
	SignatureTTL      time.Duration `yaml:"signature_ttl"`
	SignatureCapacity int           `yaml:"signature_capacity"`
}

// RetryConfig controls the attempt budget and backoff.
type RetryConfig struct {
	AttemptTimeout        time.Duration `yaml:"attempt_timeout"`
	RequestDeadline       time.Duration `yaml:"request_deadline"`
	MaxAttempts           int           `yaml:"max_attempts"`
	SameCredentialRetries int           `yaml:"same_credential_retries"`
	BackoffBase           time.Duration `yaml:"backoff_base"`
	BackoffCap            time.Duration `yaml:"backoff_cap"`
}

// RoutingConfig controls model mapping and provider selection.
type RoutingConfig struct {
	// Aliases maps client-visible model names to canonical upstream names.
	Aliases map[string]string `yaml:"aliases"`
	// Rules maps canonical model names (exact match first, then prefix with a
	// trailing *) to provider names.
	Rules []RouteRule `yaml:"rules"`
	// DefaultProvider is used when no rule matches. Empty means routing fails.
	DefaultProvider string `yaml:"default_provider"`
	// Hints maps [keyword] message prefixes to a provider/model pair.
	Hints map[string]HintTarget `yaml:"hints"`
	// ClientTypes maps a detected client type to a provider, winning over the
	// default provider but losing to an explicit rule match.
	ClientTypes map[string]string `yaml:"client_types"`
}

// RouteRule is a single model-to-provider routing rule.
type RouteRule struct {
	Model    string `yaml:"model"`
	Provider string `yaml:"provider"`
}

// HintTarget is the destination of a [keyword] hint.
type HintTarget struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// InjectionRule is an operator-configured parameter override.
type InjectionRule struct {
	ID         string         `yaml:"id"`
	ModelMatch string         `yaml:"model_match"`
	Mode       string         `yaml:"mode"` // merge or override
	Priority   int            `yaml:"priority"`
	Parameters map[string]any `yaml:"parameters"`
}

// TelemetryConfig sizes the in-memory stores.
type TelemetryConfig struct {
	RequestLogCapacity int `yaml:"request_log_capacity"`
	UsageCapacity      int `yaml:"usage_capacity"`
}

// StoreConfig locates the encrypted credential store.
type StoreConfig struct {
	Path       string `yaml:"path"`
	Passphrase string `yaml:"passphrase"`
}

// ProviderEntry declares one upstream provider and its seeded credentials.
type ProviderEntry struct {
	Type        string            `yaml:"type"`
	DisplayName string            `yaml:"display_name"`
	BaseURL     string            `yaml:"base_url"`
	AuthMode    string            `yaml:"auth_mode"` // static_key, refresh_token, oauth_bearer
	Models      []string          `yaml:"models"`
	Credentials []CredentialEntry `yaml:"credentials"`
}

// CredentialEntry seeds one credential into the pool at startup.
type CredentialEntry struct {
	ID       string   `yaml:"id"`
	Secret   string   `yaml:"secret"`
	Refresh  string   `yaml:"refresh"`
	BaseURL  string   `yaml:"base_url"`
	Models   []string `yaml:"models"`
	ProxyURL string   `yaml:"proxy_url"`
	Disabled bool     `yaml:"disabled"`
	Priority int      `yaml:"priority"`
}

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} references with environment values.
func expandEnv(s string) string {
	return envRefPattern.ReplaceAllStringFunc(s, func(m string) string {
		return os.Getenv(m[2 : len(m)-1])
	})
}

// Load reads, expands, and validates a config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := expandEnv(string(raw))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config populated with defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         DefaultHost,
			Port:         DefaultPort,
			ReadTimeout:  DefaultServerReadTimeout,
			WriteTimeout: DefaultServerWriteTimeout,
		},
		Pool: PoolConfig{
			Strategy:           "round_robin",
			UnhealthyThreshold: DefaultUnhealthyThreshold,
			ProbeDelay:         DefaultProbeDelay,
			CooldownBase:       DefaultCooldownBase,
			CooldownCap:        DefaultCooldownCap,
		},
		Session: SessionConfig{
			Mode:              "pin_on_first_use",
			StickyTTL:         DefaultStickyTTL,
			SignatureTTL:      DefaultSignatureTTL,
			SignatureCapacity: DefaultSignatureCapacity,
		},
		Retry: RetryConfig{
			AttemptTimeout:        DefaultAttemptTimeout,
			RequestDeadline:       DefaultRequestDeadline,
			MaxAttempts:           DefaultMaxAttempts,
			SameCredentialRetries: DefaultSameCredentialRetries,
			BackoffBase:           DefaultBackoffBase,
			BackoffCap:            DefaultBackoffCap,
		},
		Telemetry: TelemetryConfig{
			RequestLogCapacity: DefaultRequestLogCapacity,
			UsageCapacity:      DefaultUsageCapacity,
		},
	}
}

// Validate rejects configurations the gateway cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Server.Port)
	}
	switch c.Pool.Strategy {
	case "round_robin", "least_loaded", "priority", "cost", "speed":
	default:
		return fmt.Errorf("config: unknown pool strategy %q", c.Pool.Strategy)
	}
	switch c.Session.Mode {
	case "disabled", "pin_on_first_use", "pin_on_success":
	default:
		return fmt.Errorf("config: unknown session mode %q", c.Session.Mode)
	}
	for _, r := range c.Inject {
		if r.Mode != "merge" && r.Mode != "override" {
			return fmt.Errorf("config: injection rule %q: unknown mode %q", r.ID, r.Mode)
		}
	}
	seen := map[string]bool{}
	for _, p := range c.Providers {
		if p.Type == "" {
			return fmt.Errorf("config: provider with empty type")
		}
		if seen[p.Type] {
			return fmt.Errorf("config: duplicate provider %q", p.Type)
		}
		seen[p.Type] = true
	}
	return nil
}
