package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/ulule/limiter/v3"
)

type Config struct {
	Port                string        `mapstructure:"PORT"`
	Env                 string        `mapstructure:"ENV"`
	AuthMode            string        `mapstructure:"AUTH_MODE"`
	DatabaseURL         string        `mapstructure:"DATABASE_URL"`
	DBMaxConns          int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns          int32         `mapstructure:"DB_MIN_CONNS"`
	RealtimeBackend     string        `mapstructure:"REALTIME_BACKEND"`
	RedisURL            string        `mapstructure:"REDIS_URL"`
	SessionSigningKey   string        `mapstructure:"SESSION_SIGNING_KEY"`
	SessionTTL          time.Duration `mapstructure:"SESSION_TTL"`
	IdentityEmailDomain string        `mapstructure:"IDENTITY_EMAIL_DOMAIN"`
	RoutingURL          string        `mapstructure:"ROUTING_URL"`
	RoutingTimeout      time.Duration `mapstructure:"ROUTING_TIMEOUT"`
	RouteCacheTTL       time.Duration `mapstructure:"ROUTE_CACHE_TTL"`
	RouteRecalcInterval time.Duration `mapstructure:"ROUTE_RECALC_INTERVAL"`
	OpenAIAPIKey        string        `mapstructure:"OPENAI_API_KEY"`
	OpenAIBaseURL       string        `mapstructure:"OPENAI_BASE_URL"`
	OpenAIModel         string        `mapstructure:"OPENAI_MODEL"`
	RecommendTopN       int           `mapstructure:"RECOMMEND_TOP_N"`
	CORSOrigins         []string      `mapstructure:"CORS_ORIGINS"`
	RateLimit           string        `mapstructure:"RATE_LIMIT"`
	RateLimitAmbulance  string        `mapstructure:"RATE_LIMIT_AMBULANCE"`
}

var keys = []string{
	"PORT", "ENV", "AUTH_MODE",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REALTIME_BACKEND", "REDIS_URL",
	"SESSION_SIGNING_KEY", "SESSION_TTL", "IDENTITY_EMAIL_DOMAIN",
	"ROUTING_URL", "ROUTING_TIMEOUT", "ROUTE_CACHE_TTL", "ROUTE_RECALC_INTERVAL",
	"OPENAI_API_KEY", "OPENAI_BASE_URL", "OPENAI_MODEL", "RECOMMEND_TOP_N",
	"CORS_ORIGINS", "RATE_LIMIT", "RATE_LIMIT_AMBULANCE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("REALTIME_BACKEND", "postgres")
	v.SetDefault("SESSION_TTL", "12h")
	v.SetDefault("IDENTITY_EMAIL_DOMAIN", "internal.example")
	v.SetDefault("ROUTING_URL", "https://router.project-osrm.org")
	v.SetDefault("ROUTING_TIMEOUT", "10s")
	v.SetDefault("ROUTE_CACHE_TTL", "30s")
	v.SetDefault("ROUTE_RECALC_INTERVAL", "5s")
	v.SetDefault("RECOMMEND_TOP_N", 3)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT", "6000-M")
	v.SetDefault("RATE_LIMIT_AMBULANCE", "12000-M")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(strings.Join(cfg.CORSOrigins, ","))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
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

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise ENV=development means "development" (every
// request is admin) and anything else means "session".
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "session"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	mode := c.ResolvedAuthMode()
	if mode != "development" && mode != "session" {
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"session\", got %q", mode)
	}
	if mode == "development" && c.IsProduction() {
		return fmt.Errorf("AUTH_MODE=development is not allowed with ENV=production")
	}
	if mode == "session" && len(c.SessionSigningKey) < 32 {
		return fmt.Errorf("SESSION_SIGNING_KEY must be at least 32 characters in session mode")
	}

	switch c.RealtimeBackend {
	case "local", "postgres":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when REALTIME_BACKEND is \"redis\"")
		}
	default:
		return fmt.Errorf("REALTIME_BACKEND must be \"local\", \"postgres\", or \"redis\", got %q", c.RealtimeBackend)
	}

	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) cannot exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.RoutingTimeout <= 0 {
		return fmt.Errorf("ROUTING_TIMEOUT must be positive")
	}
	if c.RouteRecalcInterval <= 0 {
		return fmt.Errorf("ROUTE_RECALC_INTERVAL must be positive")
	}
	if c.RecommendTopN < 1 {
		return fmt.Errorf("RECOMMEND_TOP_N must be at least 1")
	}
	if _, err := limiter.NewRateFromFormatted(c.RateLimit); err != nil {
		return fmt.Errorf("RATE_LIMIT: %w", err)
	}
	if _, err := limiter.NewRateFromFormatted(c.RateLimitAmbulance); err != nil {
		return fmt.Errorf("RATE_LIMIT_AMBULANCE: %w", err)
	}
	return nil
}
