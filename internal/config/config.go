package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	CORSAllowedOrigins []string

	LogFormat string
	LogLevel  string

	// VNPay gateway credentials and endpoints. TmnCode and HashSecret are
	// required: a missing secret must fail startup, never default.
	VNPTmnCode    string
	VNPHashSecret string
	VNPPayURL     string
	VNPReturnURL  string

	PaymentIntentTTL  time.Duration
	CallbackReplayTTL time.Duration
	IdempotencyTTL    time.Duration

	RateLimitMax    int
	RateLimitWindow time.Duration

	ObsMetricsEnabled   bool
	ObsMetricsNamespace string
	ObsTracingEnabled   bool
	ObsOTLPEndpoint     string

	MigrationsDir string
}

// Load reads configuration from environment variables and an optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		LogFormat:          valueOrDefault(k.String("LOG_FORMAT"), "json"),
		LogLevel:           valueOrDefault(k.String("LOG_LEVEL"), "info"),
		VNPTmnCode:         strings.TrimSpace(k.String("VNP_TMN_CODE")),
		VNPHashSecret:      k.String("VNP_HASH_SECRET"),
		VNPPayURL:          valueOrDefault(k.String("VNP_PAY_URL"), "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html"),
		VNPReturnURL:       k.String("VNP_RETURN_URL"),
		PaymentIntentTTL:   parseDuration(k.String("PAYMENT_INTENT_TTL"), "15m"),
		CallbackReplayTTL:  parseDuration(k.String("CALLBACK_REPLAY_TTL"), "48h"),
		IdempotencyTTL:     parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		RateLimitMax:       intOrDefault(k.Int("RATE_LIMIT_MAX"), 30),
		RateLimitWindow:    parseDuration(k.String("RATE_LIMIT_WINDOW"), "1m"),

		ObsMetricsEnabled:   boolOrDefault(k.String("OBS_ENABLE_PROMETHEUS"), true),
		ObsMetricsNamespace: valueOrDefault(k.String("OBS_METRICS_NAMESPACE"), "rental"),
		ObsTracingEnabled:   boolOrDefault(k.String("OBS_ENABLE_TRACING"), false),
		ObsOTLPEndpoint:     strings.TrimSpace(k.String("OBS_OTLP_ENDPOINT")),

		MigrationsDir: valueOrDefault(k.String("MIGRATIONS_DIR"), "migrations"),
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.VNPTmnCode == "" {
		return nil, errors.New("VNP_TMN_CODE is required")
	}
	if cfg.VNPHashSecret == "" {
		return nil, errors.New("VNP_HASH_SECRET is required")
	}
	if cfg.VNPReturnURL == "" {
		return nil, errors.New("VNP_RETURN_URL is required")
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func boolOrDefault(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "":
		return fallback
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func intOrDefault(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

// LoadForTests overrides environment variables for the duration of one Load.
func LoadForTests(vars map[string]string) (*Config, error) {
	original := make(map[string]string, len(vars))
	for key := range vars {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, vars[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
