// Package config handles loading and validating configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the Bulwark resilience gateway.
type Config struct {
	// Server
	Port     string
	LogLevel string

	// Management API
	AdminAPIKey string // Required for /api/v1 admin endpoints; empty = endpoints disabled

	// Circuit breakers
	BreakerFailureThreshold int
	BreakerRecoveryTimeout  time.Duration

	// Response cache
	CacheSuccessTTL  time.Duration
	CacheFallbackTTL time.Duration // zero disables fallback caching

	// Cost governor
	BudgetSoftCapUSD   float64
	BudgetHardCapUSD   float64
	CostDriftThreshold float64

	// Rate limiting: per-class overrides of the admission tiers. Unlisted
	// classes keep their defaults.
	RateTierOverrides map[string]RateTier

	// Provider routing: per-tenant provider priority order.
	TenantProviderOrder map[string][]string

	// Database
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string

	// Database SSL
	DBSSLMode string

	// Redis (optional shared cache + budget spend mirror)
	RedisHost     string
	RedisPort     int
	RedisPassword string

	// Provider API Keys (passed through, never stored)
	OpenAIKey    string
	AnthropicKey string
	GeminiKey    string
}

// RateTier is one parsed admission-tier override: either a fixed window
// (Limit requests per Window) or a concurrency cap.
type RateTier struct {
	Limit      uint
	Window     time.Duration
	Concurrent uint
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port:     getEnv("BULWARK_PORT", "8080"),
		LogLevel: getEnv("BULWARK_LOG_LEVEL", "info"),

		AdminAPIKey: os.Getenv("BULWARK_ADMIN_API_KEY"),

		DBHost:     getEnv("POSTGRES_HOST", "localhost"),
		DBName:     getEnv("POSTGRES_DB", "opencloudops"),
		DBUser:     getEnv("POSTGRES_USER", "oco_user"),
		DBPassword: getEnv("POSTGRES_PASSWORD", ""),
		DBSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		OpenAIKey:    os.Getenv("OPENAI_API_KEY"),
		AnthropicKey: os.Getenv("ANTHROPIC_API_KEY"),
		GeminiKey:    os.Getenv("GOOGLE_API_KEY"),
	}

	dbPort, err := strconv.Atoi(getEnv("POSTGRES_PORT", "5432"))
	if err != nil {
		return nil, fmt.Errorf("invalid POSTGRES_PORT: %w", err)
	}
	cfg.DBPort = dbPort

	redisPort, err := strconv.Atoi(getEnv("REDIS_PORT", "6379"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
	}
	cfg.RedisPort = redisPort

	threshold, err := strconv.Atoi(getEnv("BULWARK_BREAKER_FAILURE_THRESHOLD", "3"))
	if err != nil {
		return nil, fmt.Errorf("invalid BULWARK_BREAKER_FAILURE_THRESHOLD: %w", err)
	}
	cfg.BreakerFailureThreshold = threshold

	cfg.BreakerRecoveryTimeout, err = getDuration("BULWARK_BREAKER_RECOVERY_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}
	cfg.CacheSuccessTTL, err = getDuration("BULWARK_CACHE_SUCCESS_TTL", time.Hour)
	if err != nil {
		return nil, err
	}
	cfg.CacheFallbackTTL, err = getDuration("BULWARK_CACHE_FALLBACK_TTL", 0)
	if err != nil {
		return nil, err
	}

	cfg.BudgetHardCapUSD, err = getFloat("BULWARK_BUDGET_HARD_CAP_USD", 100.0)
	if err != nil {
		return nil, err
	}
	cfg.BudgetSoftCapUSD, err = getFloat("BULWARK_BUDGET_SOFT_CAP_USD", 0)
	if err != nil {
		return nil, err
	}
	cfg.CostDriftThreshold, err = getFloat("BULWARK_COST_DRIFT_THRESHOLD", 0.05)
	if err != nil {
		return nil, err
	}

	cfg.RateTierOverrides, err = parseRateTiers(os.Getenv("BULWARK_RATE_LIMIT_TIERS"))
	if err != nil {
		return nil, err
	}
	cfg.TenantProviderOrder, err = parseTenantProviders(os.Getenv("BULWARK_TENANT_PROVIDERS"))
	if err != nil {
		return nil, err
	}

	if cfg.BudgetHardCapUSD <= 0 {
		return nil, fmt.Errorf("BULWARK_BUDGET_HARD_CAP_USD must be positive, got %v", cfg.BudgetHardCapUSD)
	}
	if cfg.BudgetSoftCapUSD > cfg.BudgetHardCapUSD {
		return nil, fmt.Errorf("BULWARK_BUDGET_SOFT_CAP_USD (%v) exceeds hard cap (%v)",
			cfg.BudgetSoftCapUSD, cfg.BudgetHardCapUSD)
	}

	return cfg, nil
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// RedactedDSN returns the DSN with the password masked for safe logging.
func (c *Config) RedactedDSN() string {
	return fmt.Sprintf("postgres://%s:***@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// RedisAddr returns the Redis address in host:port format.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// parseRateTiers parses BULWARK_RATE_LIMIT_TIERS, a comma-separated list of
// per-class overrides: "analysis=10/1m,quick-check=60/30s,streaming=5". A
// count with a window is a fixed-window limit; a bare count is a concurrency
// cap.
func parseRateTiers(raw string) (map[string]RateTier, error) {
	if raw == "" {
		return nil, nil
	}
	out := make(map[string]RateTier)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		class, spec, ok := strings.Cut(entry, "=")
		if !ok || class == "" || spec == "" {
			return nil, fmt.Errorf("invalid BULWARK_RATE_LIMIT_TIERS entry %q (want class=count/window or class=concurrent)", entry)
		}
		countStr, windowStr, hasWindow := strings.Cut(spec, "/")
		count, err := strconv.ParseUint(countStr, 10, 32)
		if err != nil || count == 0 {
			return nil, fmt.Errorf("invalid BULWARK_RATE_LIMIT_TIERS count in %q", entry)
		}
		if !hasWindow {
			out[class] = RateTier{Concurrent: uint(count)}
			continue
		}
		window, err := time.ParseDuration(windowStr)
		if err != nil || window <= 0 {
			return nil, fmt.Errorf("invalid BULWARK_RATE_LIMIT_TIERS window in %q", entry)
		}
		out[class] = RateTier{Limit: uint(count), Window: window}
	}
	return out, nil
}

// parseTenantProviders parses BULWARK_TENANT_PROVIDERS, a semicolon-separated
// list of per-tenant provider priority orders:
// "acme=gemini,openai;globex=anthropic".
func parseTenantProviders(raw string) (map[string][]string, error) {
	if raw == "" {
		return nil, nil
	}
	out := make(map[string][]string)
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		tenant, list, ok := strings.Cut(entry, "=")
		if !ok || tenant == "" {
			return nil, fmt.Errorf("invalid BULWARK_TENANT_PROVIDERS entry %q (want tenant=provider,provider)", entry)
		}
		var providers []string
		for _, p := range strings.Split(list, ",") {
			if p = strings.TrimSpace(p); p != "" {
				providers = append(providers, p)
			}
		}
		if len(providers) == 0 {
			return nil, fmt.Errorf("invalid BULWARK_TENANT_PROVIDERS entry %q: no providers listed", entry)
		}
		out[tenant] = providers
	}
	return out, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}
