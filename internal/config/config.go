// Package config provides configuration loading and validation for the API server.
// It uses koanf to merge environment variables with optional file overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration values for the API server.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Storage. Both are optional: in-memory stores are used when empty.
	DatabaseURL string `koanf:"database_url"`
	RedisURL    string `koanf:"redis_url"`

	// JWT Authentication. Tokens are issued elsewhere; the previous secret
	// keeps tokens valid across a key rotation.
	JWTSecret         string `koanf:"jwt_secret"`
	JWTPreviousSecret string `koanf:"jwt_previous_secret"`

	// Stripe (two-phase intents, webhooks)
	StripeAPIKey        string `koanf:"stripe_api_key"`
	StripeWebhookSecret string `koanf:"stripe_webhook_secret"`

	// PayPal (single-call capture). Disabled when both credentials are empty.
	PayPalClientID     string `koanf:"paypal_client_id"`
	PayPalClientSecret string `koanf:"paypal_client_secret"`
	PayPalMode         string `koanf:"paypal_mode"`

	// Settlement
	Currency            string        `koanf:"currency"`
	GatewayMaxRetries   int           `koanf:"gateway_max_retries"`
	ReconcileInterval   time.Duration `koanf:"reconcile_interval"`
	ReconcilePendingAge time.Duration `koanf:"reconcile_pending_age"`

	// CORS
	CORSAllowedOrigins []string `koanf:"cors_allowed_origins"`

	// Tracing
	TracingEnabled    bool    `koanf:"tracing_enabled"`
	TracingExporter   string  `koanf:"tracing_exporter"`
	OTLPEndpoint      string  `koanf:"otlp_endpoint"`
	TracingSampleRate float64 `koanf:"tracing_sample_rate"`
}

// Configuration validation errors.
var (
	ErrMissingJWTSecret           = errors.New("JWT_SECRET is required")
	ErrMissingStripeAPIKey        = errors.New("STRIPE_API_KEY is required")
	ErrMissingStripeWebhookSecret = errors.New("STRIPE_WEBHOOK_SECRET is required")
	ErrMissingPayPalClientID      = errors.New("PAYPAL_CLIENT_ID is required when PAYPAL_CLIENT_SECRET is set")
	ErrMissingPayPalClientSecret  = errors.New("PAYPAL_CLIENT_SECRET is required when PAYPAL_CLIENT_ID is set")
	ErrInvalidPayPalMode          = errors.New("PAYPAL_MODE must be sandbox or live")
	ErrInvalidCurrency            = errors.New("CURRENCY must be a three-letter ISO 4217 code")
	ErrInvalidMaxRetries          = errors.New("GATEWAY_MAX_RETRIES must not be negative")
	ErrInvalidReconcileInterval   = errors.New("RECONCILE_INTERVAL must be positive")
	ErrInvalidReconcilePendingAge = errors.New("RECONCILE_PENDING_AGE must be positive")
	ErrInvalidTracingExporter     = errors.New("TRACING_EXPORTER must be otlp-grpc or otlp-http")
	ErrInvalidSampleRate          = errors.New("TRACING_SAMPLE_RATE must be between 0 and 1")
	ErrInvalidPort                = errors.New("PORT must be a valid integer")
	ErrInvalidInteger             = errors.New("must be a valid integer")
	ErrInvalidDuration            = errors.New("must be a valid duration")
	ErrInvalidBool                = errors.New("must be a valid boolean")
)

// Default values for non-secret configuration.
const (
	DefaultPort                = 8080
	DefaultEnv                 = "development"
	DefaultPayPalMode          = "sandbox"
	DefaultCurrency            = "cad"
	DefaultGatewayMaxRetries   = 3
	DefaultReconcileInterval   = 5 * time.Minute
	DefaultReconcilePendingAge = 15 * time.Minute
	DefaultTracingExporter     = "otlp-http"
	DefaultTracingSampleRate   = 0.1
)

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error
	collect := func(err error) {
		if err != nil {
			loadErrs = append(loadErrs, err)
		}
	}

	// Load from YAML file first if provided (lower precedence)
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	// Try PAYSETTLE_PORT first, then PORT
	port, err := getEnvIntOrDefaultMulti([]string{"PAYSETTLE_PORT", "PORT"}, k.Int("port"), DefaultPort)
	if err != nil {
		collect(fmt.Errorf("%w: %w", ErrInvalidPort, err))
	}

	// Zero retries is meaningful, so the file value is used whenever the key exists.
	maxRetries := DefaultGatewayMaxRetries
	if k.Exists("gateway_max_retries") {
		maxRetries = k.Int("gateway_max_retries")
	}
	maxRetries, err = getEnvIntOrDefault("GATEWAY_MAX_RETRIES", maxRetries, maxRetries)
	collect(err)

	reconcileInterval, err := getEnvDurationOrDefault("RECONCILE_INTERVAL", k.Duration("reconcile_interval"), DefaultReconcileInterval)
	collect(err)
	pendingAge, err := getEnvDurationOrDefault("RECONCILE_PENDING_AGE", k.Duration("reconcile_pending_age"), DefaultReconcilePendingAge)
	collect(err)

	tracingEnabled, err := getEnvBoolOrDefault("TRACING_ENABLED", k, "tracing_enabled", false)
	collect(err)
	sampleRate, err := getEnvFloatOrDefault("TRACING_SAMPLE_RATE", k.Float64("tracing_sample_rate"), DefaultTracingSampleRate)
	collect(err)

	origins := k.Strings("cors_allowed_origins")
	if val := os.Getenv("CORS_ALLOWED_ORIGINS"); val != "" {
		origins = splitList(val)
	}

	// Build config struct, with env vars taking precedence over file values
	cfg := &Config{
		Port:                port,
		Env:                 getEnvOrDefaultMulti([]string{"PAYSETTLE_ENV", "ENV", "GO_ENV"}, k.String("env"), DefaultEnv),
		DatabaseURL:         getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		RedisURL:            getEnvOrKoanf("REDIS_URL", k, "redis_url"),
		JWTSecret:           getEnvOrKoanf("JWT_SECRET", k, "jwt_secret"),
		JWTPreviousSecret:   getEnvOrKoanf("JWT_PREVIOUS_SECRET", k, "jwt_previous_secret"),
		StripeAPIKey:        getEnvOrKoanf("STRIPE_API_KEY", k, "stripe_api_key"),
		StripeWebhookSecret: getEnvOrKoanf("STRIPE_WEBHOOK_SECRET", k, "stripe_webhook_secret"),
		PayPalClientID:      getEnvOrKoanf("PAYPAL_CLIENT_ID", k, "paypal_client_id"),
		PayPalClientSecret:  getEnvOrKoanf("PAYPAL_CLIENT_SECRET", k, "paypal_client_secret"),
		PayPalMode:          strings.ToLower(getEnvOrDefault("PAYPAL_MODE", k.String("paypal_mode"), DefaultPayPalMode)),
		Currency:            strings.ToLower(getEnvOrDefault("CURRENCY", k.String("currency"), DefaultCurrency)),
		GatewayMaxRetries:   maxRetries,
		ReconcileInterval:   reconcileInterval,
		ReconcilePendingAge: pendingAge,
		CORSAllowedOrigins:  origins,
		TracingEnabled:      tracingEnabled,
		TracingExporter:     getEnvOrDefault("TRACING_EXPORTER", k.String("tracing_exporter"), DefaultTracingExporter),
		OTLPEndpoint:        getEnvOrKoanf("OTLP_ENDPOINT", k, "otlp_endpoint"),
		TracingSampleRate:   sampleRate,
	}

	// Validate and collect errors
	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// PayPalEnabled reports whether PayPal credentials are configured.
func (c *Config) PayPalEnabled() bool {
	return c.PayPalClientID != "" && c.PayPalClientSecret != ""
}

// IsProduction reports whether the service runs in the production environment.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefault returns the environment variable value if set, otherwise the koanf value, or default.
func getEnvOrDefault(envKey string, koanfVal string, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first non-empty value found, otherwise the koanf value, or default.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvIntOrDefault returns the environment variable as int if set, otherwise the koanf value, or default.
// Returns an error if the environment variable is set but cannot be parsed as an integer.
func getEnvIntOrDefault(envKey string, koanfVal int, defaultVal int) (int, error) {
	return getEnvIntOrDefaultMulti([]string{envKey}, koanfVal, defaultVal)
}

// getEnvIntOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first valid integer value found, otherwise the koanf value, or default.
// Note: a zero value from a YAML file falls back to the default.
func getEnvIntOrDefaultMulti(envKeys []string, koanfVal int, defaultVal int) (int, error) {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				return 0, fmt.Errorf("%s %w", key, ErrInvalidInteger)
			}
			return i, nil
		}
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvFloatOrDefault returns the environment variable as float64 if set, otherwise the koanf value, or default.
// Returns an error if the environment variable is set but cannot be parsed as a float.
func getEnvFloatOrDefault(envKey string, koanfVal float64, defaultVal float64) (float64, error) {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid float: %w", envKey, err)
		}
		return f, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvDurationOrDefault parses Go duration strings ("90s", "5m").
func getEnvDurationOrDefault(envKey string, koanfVal time.Duration, defaultVal time.Duration) (time.Duration, error) {
	if val := os.Getenv(envKey); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return 0, fmt.Errorf("%s %w: %q", envKey, ErrInvalidDuration, val)
		}
		return d, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvBoolOrDefault accepts true/false, 1/0, yes/no and on/off.
func getEnvBoolOrDefault(envKey string, k *koanf.Koanf, koanfKey string, defaultVal bool) (bool, error) {
	result := defaultVal
	if k.Exists(koanfKey) {
		result = k.Bool(koanfKey)
	}
	val := os.Getenv(envKey)
	if val == "" {
		return result, nil
	}
	switch strings.ToLower(val) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	}
	return result, fmt.Errorf("%s %w: %q", envKey, ErrInvalidBool, val)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks that all required configuration values are present and
// that settlement and tracing settings are in range.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.JWTSecret == "" {
		errs = append(errs, ErrMissingJWTSecret)
	}
	if c.StripeAPIKey == "" {
		errs = append(errs, ErrMissingStripeAPIKey)
	}
	if c.StripeWebhookSecret == "" {
		errs = append(errs, ErrMissingStripeWebhookSecret)
	}

	// PayPal is optional. Only validate the pair if either value is set.
	if c.PayPalClientID != "" || c.PayPalClientSecret != "" {
		if c.PayPalClientID == "" {
			errs = append(errs, ErrMissingPayPalClientID)
		}
		if c.PayPalClientSecret == "" {
			errs = append(errs, ErrMissingPayPalClientSecret)
		}
	}
	if c.PayPalMode != "sandbox" && c.PayPalMode != "live" {
		errs = append(errs, ErrInvalidPayPalMode)
	}

	if !isCurrencyCode(c.Currency) {
		errs = append(errs, ErrInvalidCurrency)
	}
	if c.GatewayMaxRetries < 0 {
		errs = append(errs, ErrInvalidMaxRetries)
	}
	if c.ReconcileInterval <= 0 {
		errs = append(errs, ErrInvalidReconcileInterval)
	}
	if c.ReconcilePendingAge <= 0 {
		errs = append(errs, ErrInvalidReconcilePendingAge)
	}

	if c.TracingEnabled {
		if c.TracingExporter != "otlp-grpc" && c.TracingExporter != "otlp-http" {
			errs = append(errs, ErrInvalidTracingExporter)
		}
		if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
			errs = append(errs, ErrInvalidSampleRate)
		}
	}

	return errs
}

func isCurrencyCode(s string) bool {
	if len(s) != 3 {
		return false
	}
	for _, r := range s {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                  fmt.Sprintf("%d", c.Port),
		"env":                   c.Env,
		"database_url":          maskDatabaseURL(c.DatabaseURL),
		"redis_url":             maskDatabaseURL(c.RedisURL),
		"jwt_secret":            maskSecret(c.JWTSecret),
		"jwt_previous_secret":   maskSecret(c.JWTPreviousSecret),
		"stripe_api_key":        maskStripeKey(c.StripeAPIKey),
		"stripe_webhook_secret": maskSecret(c.StripeWebhookSecret),
		"paypal_client_id":      maskSecret(c.PayPalClientID),
		"paypal_client_secret":  maskSecret(c.PayPalClientSecret),
		"paypal_mode":           c.PayPalMode,
		"currency":              c.Currency,
		"gateway_max_retries":   fmt.Sprintf("%d", c.GatewayMaxRetries),
		"reconcile_interval":    c.ReconcileInterval.String(),
		"reconcile_pending_age": c.ReconcilePendingAge.String(),
		"cors_allowed_origins":  strings.Join(c.CORSAllowedOrigins, ","),
		"tracing_enabled":       fmt.Sprintf("%t", c.TracingEnabled),
		"tracing_exporter":      c.TracingExporter,
		"otlp_endpoint":         c.OTLPEndpoint,
		"tracing_sample_rate":   strconv.FormatFloat(c.TracingSampleRate, 'f', -1, 64),
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskStripeKey masks a Stripe API key, preserving the prefix (sk_live_, sk_test_, etc.)
func maskStripeKey(s string) string {
	if s == "" {
		return "<not set>"
	}

	parts := strings.SplitN(s, "_", 3)
	if len(parts) == 3 {
		return parts[0] + "_" + parts[1] + "_****"
	}

	return maskSecret(s)
}

// maskDatabaseURL masks the password in a connection URL (postgres://, redis://).
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.Index(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	scheme := s[:schemeEnd+3]
	user := rest[:colonIndex]
	hostAndPath := rest[atIndex:]

	return scheme + user + ":****" + hostAndPath
}
