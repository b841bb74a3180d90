// Package config loads fleetstream configuration from defaults, an optional
// YAML file and environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	GatewayModeLocal = "local"
	GatewayModeHTTP  = "http"
)

// Config holds configuration for the service.
type Config struct {
	ListenAddr      string   `yaml:"listen_addr"`
	LogLevel        string   `yaml:"log_level"`
	LogFormat       string   `yaml:"log_format"`
	CORSOrigins     []string `yaml:"cors_origins"`
	HealthCheckPath string   `yaml:"health_check_path"`
	MetricsPath     string   `yaml:"metrics_path"`
	// InternalToken, when set, must be presented in X-Internal-Token on
	// /internal routes.
	InternalToken string `yaml:"internal_token"`

	Auth      AuthConfig      `yaml:"auth"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Redis     RedisConfig     `yaml:"redis"`
	Devices   DevicesConfig   `yaml:"devices"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// AuthConfig configures OIDC token validation and the login flow.
type AuthConfig struct {
	Enabled          bool          `yaml:"enabled"`
	IssuerURL        string        `yaml:"issuer_url"`
	ClientID         string        `yaml:"client_id"`
	ClientSecret     string        `yaml:"client_secret"`
	Audience         string        `yaml:"audience"`
	RedirectURL      string        `yaml:"redirect_url"`
	Scopes           []string      `yaml:"scopes"`
	CookieName       string        `yaml:"cookie_name"`
	SecureCookies    bool          `yaml:"secure_cookies"`
	Leeway           time.Duration `yaml:"leeway"`
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout"`
	KeyCacheTTL      time.Duration `yaml:"key_cache_ttl"`
}

// EffectiveAudience is the expected aud claim: the explicit audience, or the
// client id when none is configured.
func (a AuthConfig) EffectiveAudience() string {
	if a.Audience != "" {
		return a.Audience
	}
	return a.ClientID
}

// GatewayConfig selects how SSE events reach browsers.
type GatewayConfig struct {
	Mode        string        `yaml:"mode"`
	PublishURL  string        `yaml:"publish_url"`
	ServiceType string        `yaml:"service_type"`
	Timeout     time.Duration `yaml:"timeout"`
	Heartbeat   time.Duration `yaml:"heartbeat"`
}

// RedisConfig configures log ingestion and the cross-replica nudge relay.
// An empty URL disables both.
type RedisConfig struct {
	URL           string `yaml:"url"`
	PoolSize      int    `yaml:"pool_size"`
	MinIdleConns  int    `yaml:"min_idle_conns"`
	MaxRetries    int    `yaml:"max_retries"`
	LogStream     string `yaml:"log_stream"`
	ConsumerGroup string `yaml:"consumer_group"`
	NudgeChannel  string `yaml:"nudge_channel"`
}

type DevicesConfig struct {
	DatabasePath string `yaml:"database_path"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:      ":8080",
		LogLevel:        "info",
		LogFormat:       "json",
		CORSOrigins:     []string{"*"},
		HealthCheckPath: "/health",
		MetricsPath:     "/metrics",
		Auth: AuthConfig{
			Enabled:          false,
			Scopes:           []string{"openid", "profile", "email"},
			CookieName:       "fleet_session",
			Leeway:           30 * time.Second,
			DiscoveryTimeout: 10 * time.Second,
			KeyCacheTTL:      5 * time.Minute,
		},
		Gateway: GatewayConfig{
			Mode:        GatewayModeLocal,
			ServiceType: "fleet",
			Timeout:     5 * time.Second,
			Heartbeat:   30 * time.Second,
		},
		Redis: RedisConfig{
			PoolSize:      50,
			MinIdleConns:  10,
			MaxRetries:    3,
			LogStream:     "device_logs",
			ConsumerGroup: "fleetstream",
			NudgeChannel:  "rotation_nudges",
		},
		Devices: DevicesConfig{
			DatabasePath: "fleetstream.db",
		},
		RateLimit: RateLimitConfig{
			RPS:   10,
			Burst: 20,
		},
	}
}

// Load builds a configuration from defaults, the YAML file at path (skipped
// when path is empty or the file does not exist) and the environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}

	ApplyEnv(cfg, os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address cannot be empty")
	}

	if c.RateLimit.RPS <= 0 {
		return fmt.Errorf("rate limit RPS must be positive")
	}

	if c.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate limit burst must be positive")
	}

	if c.Redis.URL != "" && c.Redis.PoolSize <= 0 {
		return fmt.Errorf("redis pool size must be positive")
	}

	if c.Auth.Enabled {
		if c.Auth.IssuerURL == "" {
			return fmt.Errorf("OIDC issuer URL is required when authentication is enabled")
		}
		if c.Auth.ClientID == "" {
			return fmt.Errorf("OIDC client ID is required when authentication is enabled")
		}
		if c.Auth.CookieName == "" {
			return fmt.Errorf("auth cookie name cannot be empty")
		}
	}

	if c.Auth.Leeway < 0 || c.Auth.DiscoveryTimeout < 0 || c.Auth.KeyCacheTTL < 0 {
		return fmt.Errorf("auth durations must be non-negative")
	}

	switch c.Gateway.Mode {
	case GatewayModeLocal:
	case GatewayModeHTTP:
		if c.Gateway.PublishURL == "" {
			return fmt.Errorf("gateway publish URL is required in %q mode", GatewayModeHTTP)
		}
	default:
		return fmt.Errorf("unknown gateway mode %q", c.Gateway.Mode)
	}

	return nil
}

// ApplyEnv overrides cfg from environment variables read through getenv.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	setString := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v := getenv(key); v != "" {
			*dst = strings.ToLower(v) == "true"
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	setString("LISTEN_ADDR", &cfg.ListenAddr)
	setString("HEALTH_CHECK_PATH", &cfg.HealthCheckPath)
	setString("METRICS_PATH", &cfg.MetricsPath)
	setString("INTERNAL_TOKEN", &cfg.InternalToken)

	if logLevel := getenv("LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = strings.ToLower(logLevel)
	}
	if logFormat := getenv("LOG_FORMAT"); logFormat != "" {
		cfg.LogFormat = strings.ToLower(logFormat)
	}

	if origins := getenv("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = strings.Split(origins, ",")
		for i, origin := range cfg.CORSOrigins {
			cfg.CORSOrigins[i] = strings.TrimSpace(origin)
		}
	}

	setBool("AUTH_REQUIRED", &cfg.Auth.Enabled)
	setString("OIDC_ISSUER_URL", &cfg.Auth.IssuerURL)
	setString("OIDC_CLIENT_ID", &cfg.Auth.ClientID)
	setString("OIDC_CLIENT_SECRET", &cfg.Auth.ClientSecret)
	setString("OIDC_AUDIENCE", &cfg.Auth.Audience)
	setString("OIDC_REDIRECT_URL", &cfg.Auth.RedirectURL)
	setString("AUTH_COOKIE_NAME", &cfg.Auth.CookieName)
	setBool("SECURE_COOKIES", &cfg.Auth.SecureCookies)
	setDuration("AUTH_LEEWAY", &cfg.Auth.Leeway)

	if mode := getenv("GATEWAY_MODE"); mode != "" {
		cfg.Gateway.Mode = strings.ToLower(mode)
	}
	setString("GATEWAY_PUBLISH_URL", &cfg.Gateway.PublishURL)

	setString("REDIS_URL", &cfg.Redis.URL)
	setInt("REDIS_POOL_SIZE", &cfg.Redis.PoolSize)
	setInt("REDIS_MIN_IDLE", &cfg.Redis.MinIdleConns)
	setString("LOG_STREAM", &cfg.Redis.LogStream)
	setString("LOG_CONSUMER_GROUP", &cfg.Redis.ConsumerGroup)

	setString("DEVICE_DB_PATH", &cfg.Devices.DatabasePath)

	setInt("RATE_LIMIT_RPS", &cfg.RateLimit.RPS)
	setInt("RATE_LIMIT_BURST", &cfg.RateLimit.Burst)
}
