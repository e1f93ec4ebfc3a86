package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend names.
const (
	BackendHTTP   = "http"
	BackendMemory = "memory"
)

// Local development stack defaults, used only when ENV=development.
const (
	devBaaSURL     = "http://127.0.0.1:54321"
	devBaaSAnonKey = "dev-anon-key"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	Backend     string `mapstructure:"BACKEND"`
	BaaSURL     string `mapstructure:"BAAS_URL"`
	BaaSAnonKey string `mapstructure:"BAAS_ANON_KEY"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string `mapstructure:"REDIS_URL"`

	SessionStorageKey      string        `mapstructure:"SESSION_STORAGE_KEY"`
	RoleResolveTimeout     time.Duration `mapstructure:"ROLE_RESOLVE_TIMEOUT"`
	ProvisionGraceDelay    time.Duration `mapstructure:"PROVISION_GRACE_DELAY"`
	ProvisionPollAttempts  int           `mapstructure:"PROVISION_POLL_ATTEMPTS"`
	SecondaryLookupTimeout time.Duration `mapstructure:"SECONDARY_LOOKUP_TIMEOUT"`
	SignOutSettleDelay     time.Duration `mapstructure:"SIGNOUT_SETTLE_DELAY"`

	LockoutEnabled     bool          `mapstructure:"LOCKOUT_ENABLED"`
	LockoutMaxAttempts int           `mapstructure:"LOCKOUT_MAX_ATTEMPTS"`
	LockoutWindow      time.Duration `mapstructure:"LOCKOUT_WINDOW"`
	LockoutDuration    time.Duration `mapstructure:"LOCKOUT_DURATION"`

	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"BACKEND", "BAAS_URL", "BAAS_ANON_KEY",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"SESSION_STORAGE_KEY", "ROLE_RESOLVE_TIMEOUT", "PROVISION_GRACE_DELAY",
	"PROVISION_POLL_ATTEMPTS", "SECONDARY_LOOKUP_TIMEOUT", "SIGNOUT_SETTLE_DELAY",
	"LOCKOUT_ENABLED", "LOCKOUT_MAX_ATTEMPTS", "LOCKOUT_WINDOW", "LOCKOUT_DURATION",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "CORS_ORIGINS",
}

// Load reads configuration from the environment and an optional .env file in
// the working directory. Environment variables win.
func Load() (*Config, error) {
	return load(".env")
}

func load(envFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("BACKEND", BackendHTTP)
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("SESSION_STORAGE_KEY", "default")
	v.SetDefault("ROLE_RESOLVE_TIMEOUT", "10s")
	v.SetDefault("PROVISION_GRACE_DELAY", "1s")
	v.SetDefault("PROVISION_POLL_ATTEMPTS", 1)
	v.SetDefault("SECONDARY_LOOKUP_TIMEOUT", "2s")
	v.SetDefault("SIGNOUT_SETTLE_DELAY", "500ms")
	v.SetDefault("LOCKOUT_ENABLED", false)
	v.SetDefault("LOCKOUT_MAX_ATTEMPTS", 5)
	v.SetDefault("LOCKOUT_WINDOW", "15m")
	v.SetDefault("LOCKOUT_DURATION", "15m")
	v.SetDefault("RATE_LIMIT_RPS", 5)
	v.SetDefault("RATE_LIMIT_BURST", 10)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))

	cfg.Backend = strings.ToLower(strings.TrimSpace(cfg.Backend))
	if cfg.Backend == BackendHTTP && cfg.IsDev() {
		if cfg.BaaSURL == "" {
			cfg.BaaSURL = devBaaSURL
		}
		if cfg.BaaSAnonKey == "" {
			cfg.BaaSAnonKey = devBaaSAnonKey
		}
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate refuses configurations that cannot reach an identity provider or
// that would run the in-memory provider in production.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendHTTP:
		if c.BaaSURL == "" {
			return fmt.Errorf("BAAS_URL is required when BACKEND is %q", BackendHTTP)
		}
		if c.BaaSAnonKey == "" {
			return fmt.Errorf("BAAS_ANON_KEY is required when BACKEND is %q", BackendHTTP)
		}
		if !strings.HasPrefix(c.BaaSURL, "http://") && !strings.HasPrefix(c.BaaSURL, "https://") {
			return fmt.Errorf("BAAS_URL must be an http(s) URL, got %q", c.BaaSURL)
		}
	case BackendMemory:
		if c.IsProduction() {
			return fmt.Errorf("BACKEND %q is not allowed in production", BackendMemory)
		}
	default:
		return fmt.Errorf("BACKEND must be %q or %q, got %q", BackendHTTP, BackendMemory, c.Backend)
	}

	if c.DBMaxConns < 1 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("invalid pool bounds DB_MIN_CONNS=%d DB_MAX_CONNS=%d", c.DBMinConns, c.DBMaxConns)
	}
	if c.RoleResolveTimeout <= 0 {
		return fmt.Errorf("ROLE_RESOLVE_TIMEOUT must be positive")
	}
	if c.SecondaryLookupTimeout <= 0 {
		return fmt.Errorf("SECONDARY_LOOKUP_TIMEOUT must be positive")
	}
	if c.ProvisionGraceDelay < 0 || c.SignOutSettleDelay < 0 {
		return fmt.Errorf("PROVISION_GRACE_DELAY and SIGNOUT_SETTLE_DELAY must not be negative")
	}
	if c.ProvisionPollAttempts < 1 {
		return fmt.Errorf("PROVISION_POLL_ATTEMPTS must be at least 1")
	}
	if c.LockoutEnabled && (c.LockoutMaxAttempts < 1 || c.LockoutWindow <= 0 || c.LockoutDuration <= 0) {
		return fmt.Errorf("lockout needs LOCKOUT_MAX_ATTEMPTS >= 1 and positive LOCKOUT_WINDOW and LOCKOUT_DURATION")
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_RPS must not be negative and RATE_LIMIT_BURST must be at least 1")
	}
	return nil
}
