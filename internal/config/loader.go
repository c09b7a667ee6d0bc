package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"coursekeep.org/internal/ratelimit"
	"coursekeep.org/internal/tenant"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "coursekeep.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// COURSEKEEP_CONFIG overrides the YAML path.
func Load() (*Config, error) {
	path := DefaultConfigFile
	if v := os.Getenv("COURSEKEEP_CONFIG"); v != "" {
		path = v
	}
	return LoadFrom(path)
}

// LoadFrom returns a Config loaded from the given YAML path. The file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg. Empty values are ignored.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Addr, "COURSEKEEP_ADDR")
	setString(&cfg.Server.CORSOrigin, "COURSEKEEP_CORS_ORIGIN")
	setDuration(&cfg.Server.ShutdownTimeout, "COURSEKEEP_SHUTDOWN_TIMEOUT")
	setString(&cfg.GRPC.Addr, "COURSEKEEP_GRPC_ADDR")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setString(&cfg.Postgres.DSN, "COURSEKEEP_PG_DSN")
	setString(&cfg.Redis.URL, "REDIS_URL")
	setString(&cfg.Redis.Prefix, "COURSEKEEP_REDIS_PREFIX")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Auth.Secret, "COURSEKEEP_AUTH_SECRET")
	setString(&cfg.Auth.Issuer, "COURSEKEEP_AUTH_ISSUER")
	setDuration(&cfg.Auth.TokenTTL, "COURSEKEEP_AUTH_TOKEN_TTL")
	setBool(&cfg.Auth.DevTokens, "COURSEKEEP_DEV_TOKENS")
	setFloat64(&cfg.RateLimit.HTTP.RequestsPerSecond, "COURSEKEEP_RATE_RPS")
	setInt(&cfg.RateLimit.HTTP.Burst, "COURSEKEEP_RATE_BURST")
	setDuration(&cfg.Policy.CacheTTL, "COURSEKEEP_POLICY_CACHE_TTL")
	setBool(&cfg.Audit.Strict, "COURSEKEEP_AUDIT_STRICT")
	setString(&cfg.Downloads.BaseURL, "COURSEKEEP_DOWNLOAD_BASE_URL")
	setString(&cfg.Downloads.Secret, "COURSEKEEP_DOWNLOAD_SECRET")
	setDuration(&cfg.Downloads.URLTTL, "COURSEKEEP_DOWNLOAD_URL_TTL")
	setTenants(&cfg.Tenants, "COURSEKEEP_TENANTS")

	if cfg.RateLimit.Rules == nil {
		cfg.RateLimit.Rules = map[string]ratelimit.Rule{}
	}
	dl := cfg.RateLimit.Rules[ratelimit.ActionDownload]
	setInt(&dl.Limit, "COURSEKEEP_DOWNLOAD_LIMIT")
	setDuration(&dl.Window, "COURSEKEEP_DOWNLOAD_WINDOW")
	if dl.Limit != 0 || dl.Window != 0 {
		cfg.RateLimit.Rules[ratelimit.ActionDownload] = dl
	}
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Server.Addr) == "" {
		return errors.New("server.addr is required")
	}
	if len(cfg.Auth.Secret) < 16 {
		return errors.New("auth.secret must be at least 16 bytes")
	}
	if cfg.Auth.TokenTTL <= 0 {
		return errors.New("auth.token_ttl must be > 0")
	}
	if len(cfg.RateLimit.Rules) == 0 {
		return errors.New("ratelimit.rules must not be empty")
	}
	for action, rule := range cfg.RateLimit.Rules {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("ratelimit.rules.%s: %w", action, err)
		}
	}
	if cfg.RateLimit.HTTP.RequestsPerSecond <= 0 || cfg.RateLimit.HTTP.Burst < 1 {
		return errors.New("ratelimit.http requires requests_per_second > 0 and burst >= 1")
	}
	if cfg.Policy.CacheTTL < 0 {
		return errors.New("policy.cache_ttl must be >= 0")
	}
	if cfg.Downloads.Secret == "" {
		cfg.Downloads.Secret = cfg.Auth.Secret
	}
	if cfg.Downloads.URLTTL <= 0 {
		return errors.New("downloads.url_ttl must be > 0")
	}
	if strings.TrimSpace(cfg.Downloads.BaseURL) == "" {
		return errors.New("downloads.base_url is required")
	}
	seen := make(map[string]bool, len(cfg.Tenants))
	for i, t := range cfg.Tenants {
		t, err := tenant.Normalize(t)
		if err != nil {
			return fmt.Errorf("tenants[%d]: %w", i, err)
		}
		if seen[t.ID] {
			return fmt.Errorf("tenants[%d]: duplicate id %q", i, t.ID)
		}
		seen[t.ID] = true
		cfg.Tenants[i] = t
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// setTenants replaces dst with a comma separated list of ids. An id may carry
// a status suffix, as in "acme,globex:inactive".
func setTenants(dst *[]tenant.Tenant, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []tenant.Tenant
	for _, item := range strings.Split(v, ",") {
		id, status, _ := strings.Cut(strings.TrimSpace(item), ":")
		if id == "" {
			continue
		}
		out = append(out, tenant.Tenant{ID: id, Status: tenant.Status(strings.ToLower(status))})
	}
	*dst = out
}
