// Package config loads service configuration from defaults, an optional YAML
// file and the environment.
package config

import (
	"time"

	"coursekeep.org/internal/ratelimit"
	"coursekeep.org/internal/tenant"
)

// Config is the root configuration.
type Config struct {
	Server    Server    `yaml:"server"`
	GRPC      GRPC      `yaml:"grpc"`
	Postgres  Postgres  `yaml:"postgres"`
	Redis     Redis     `yaml:"redis"`
	NATS      NATS      `yaml:"nats"`
	Auth      Auth      `yaml:"auth"`
	RateLimit RateLimit `yaml:"ratelimit"`
	Policy    Policy    `yaml:"policy"`
	Audit     Audit     `yaml:"audit"`
	Downloads Downloads `yaml:"downloads"`
	// Tenants are created at startup when missing from the directory.
	Tenants []tenant.Tenant `yaml:"tenants"`
}

// Server holds HTTP listener settings.
type Server struct {
	Addr              string        `yaml:"addr"`
	CORSOrigin        string        `yaml:"cors_origin"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// GRPC holds the health service listener. Empty Addr disables it.
type GRPC struct {
	Addr string `yaml:"addr"`
}

// Postgres selects durable storage. Empty DSN keeps everything in memory.
type Postgres struct {
	DSN string `yaml:"dsn"`
}

// Redis backs the distributed rate limit counter when URL is set.
type Redis struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

// NATS mirrors audit entries when URL is set.
type NATS struct {
	URL string `yaml:"url"`
}

// Auth configures bearer token validation.
type Auth struct {
	Secret    string        `yaml:"secret"`
	Issuer    string        `yaml:"issuer"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
	DevTokens bool          `yaml:"dev_tokens"`
}

// RateLimit holds per-action domain rules and the HTTP edge limiter.
type RateLimit struct {
	Rules map[string]ratelimit.Rule `yaml:"rules"`
	HTTP  EdgeLimit                 `yaml:"http"`
}

// EdgeLimit is the per-client token bucket in front of the router.
type EdgeLimit struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// Policy configures the protection policy cache.
type Policy struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// Audit configures audit behaviour on access resolution.
type Audit struct {
	Strict bool `yaml:"strict"`
}

// Downloads configures signed download URLs.
type Downloads struct {
	BaseURL string        `yaml:"base_url"`
	Secret  string        `yaml:"secret"`
	URLTTL  time.Duration `yaml:"url_ttl"`
}

// Defaults returns a configuration suitable for local development.
func Defaults() Config {
	return Config{
		Server: Server{
			Addr:              ":8080",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		GRPC:  GRPC{Addr: ":9090"},
		Redis: Redis{Prefix: "coursekeep:rl:"},
		Auth: Auth{
			Issuer:   "coursekeep",
			TokenTTL: time.Hour,
		},
		RateLimit: RateLimit{
			Rules: ratelimit.DefaultRules(),
			HTTP: EdgeLimit{
				RequestsPerSecond: 50,
				Burst:             100,
			},
		},
		Policy: Policy{CacheTTL: 30 * time.Second},
		Downloads: Downloads{
			BaseURL: "http://localhost:8080/files",
			URLTTL:  5 * time.Minute,
		},
	}
}
