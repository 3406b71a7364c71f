// Package config loads and holds gateway configuration. Provider topology,
// weights, quotas and thresholds come from a YAML file; infrastructure
// addresses and secrets come from the environment (.env supported).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ndhoang/tts-gateway/internal/provider"
)

const DefaultMaxInputChars = 50000

// Duration parses YAML values like "30s" or "2m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type ProviderConfig struct {
	Name string `yaml:"name"`
	// Kind selects the adapter: "openaifm", "openai" or "elevenlabs".
	Kind     string `yaml:"kind"`
	Endpoint string `yaml:"endpoint"`
	// APIKeyEnv names the environment variable holding the credential;
	// secrets never live in the config file itself.
	APIKeyEnv string   `yaml:"api_key_env"`
	Model     string   `yaml:"model"`
	Weight    int      `yaml:"weight"`
	Formats   []string `yaml:"formats"`
	Voices    []string `yaml:"voices"`
}

// Settings resolves the entry into adapter settings, reading the credential
// from the environment at build time.
func (p ProviderConfig) Settings() (provider.Settings, error) {
	formats := make([]provider.Format, 0, len(p.Formats))
	for _, raw := range p.Formats {
		f, err := provider.ParseFormat(raw)
		if err != nil {
			return provider.Settings{}, fmt.Errorf("provider %q: %w", p.Name, err)
		}
		formats = append(formats, f)
	}
	var apiKey string
	if p.APIKeyEnv != "" {
		apiKey = os.Getenv(p.APIKeyEnv)
	}
	return provider.Settings{
		Name:     p.Name,
		Endpoint: p.Endpoint,
		APIKey:   apiKey,
		Model:    p.Model,
		Weight:   p.Weight,
		Formats:  formats,
		Voices:   p.Voices,
	}, nil
}

type RouterConfig struct {
	// RetryBudget is the number of extra candidates tried after a transient
	// failure before the error surfaces to the caller.
	RetryBudget    int      `yaml:"retry_budget"`
	AttemptTimeout Duration `yaml:"attempt_timeout"`
}

type QuotaConfig struct {
	Capacity        int64   `yaml:"capacity"`
	RefillPerMinute float64 `yaml:"refill_per_minute"`
}

func (q QuotaConfig) RefillPerSec() float64 { return q.RefillPerMinute / 60 }

type RateLimitConfig struct {
	Global        QuotaConfig `yaml:"global"`
	TenantDefault QuotaConfig `yaml:"tenant_default"`
}

type BreakerConfig struct {
	FailureThreshold uint32   `yaml:"failure_threshold"`
	Window           Duration `yaml:"window"`
	Cooldown         Duration `yaml:"cooldown"`
}

type ServerConfig struct {
	Port          string   `yaml:"port"`
	ReadTimeout   Duration `yaml:"read_timeout"`
	WriteTimeout  Duration `yaml:"write_timeout"`
	MaxInputChars int      `yaml:"max_input_chars"`
}

// Config is an immutable snapshot of the gateway's configuration. A reload
// produces a whole new value; nothing mutates an existing one.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Providers []ProviderConfig `yaml:"providers"`
	Router    RouterConfig     `yaml:"router"`
	RateLimit RateLimitConfig  `yaml:"rate_limit"`
	Breaker   BreakerConfig    `yaml:"circuit_breaker"`

	// From environment only
	PostgresDSN          string `yaml:"-"`
	RedisAddr            string `yaml:"-"`
	OTELExporterType     string `yaml:"-"`
	OTELExporterEndpoint string `yaml:"-"`
}

// Load reads the YAML file at path and overlays environment settings.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyDefaults()
	cfg.PostgresDSN = os.Getenv("POSTGRES_DSN")
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.OTELExporterType = getEnv("OTEL_EXPORTER_TYPE", "stdout")
	cfg.OTELExporterEndpoint = getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317")
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Port = port
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = Duration(30 * time.Second)
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = Duration(90 * time.Second)
	}
	if c.Server.MaxInputChars <= 0 {
		c.Server.MaxInputChars = DefaultMaxInputChars
	}
	if c.Router.AttemptTimeout == 0 {
		c.Router.AttemptTimeout = Duration(60 * time.Second)
	}
	// Default one internal retry; retry_budget: -1 disables retries.
	if c.Router.RetryBudget == 0 {
		c.Router.RetryBudget = 1
	} else if c.Router.RetryBudget < 0 {
		c.Router.RetryBudget = 0
	}
	if c.RateLimit.Global.Capacity == 0 {
		c.RateLimit.Global = QuotaConfig{Capacity: 600, RefillPerMinute: 600}
	}
	if c.RateLimit.TenantDefault.Capacity == 0 {
		c.RateLimit.TenantDefault = QuotaConfig{Capacity: 60, RefillPerMinute: 60}
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.Window == 0 {
		c.Breaker.Window = Duration(30 * time.Second)
	}
	if c.Breaker.Cooldown == 0 {
		c.Breaker.Cooldown = Duration(30 * time.Second)
	}
}

func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider is required")
	}
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider name is required")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider name %q", p.Name)
		}
		seen[p.Name] = true
		if p.Kind == "" {
			return fmt.Errorf("provider %q: kind is required", p.Name)
		}
		if p.Weight < 0 {
			return fmt.Errorf("provider %q: weight must not be negative", p.Name)
		}
		for _, f := range p.Formats {
			if _, err := provider.ParseFormat(f); err != nil {
				return fmt.Errorf("provider %q: %w", p.Name, err)
			}
		}
	}
	if c.RateLimit.Global.RefillPerMinute <= 0 || c.RateLimit.TenantDefault.RefillPerMinute <= 0 {
		return fmt.Errorf("rate limit refill rates must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
