package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures runtime configuration values used by the billing service.
type Config struct {
	// ServerAddress is the host:port pair the HTTP server listens on. Defaults to ":18111".
	ServerAddress string

	// DatabaseURL is the Postgres DSN used by database/sql.
	DatabaseURL string

	// StripeSecretKey authenticates calls to the Stripe API.
	StripeSecretKey string

	// StripeWebhookSecret verifies Stripe-Signature headers. When empty the
	// webhook endpoint answers 503.
	StripeWebhookSecret string

	// StripePriceID is the per-property recurring price.
	StripePriceID string

	// StripeMeterEventName is required when UsageMode is "metered".
	StripeMeterEventName string

	// UsageMode is "quantity" (default) or "metered".
	UsageMode string

	// TrialExpiryPolicy is "block" (default) or "cancel".
	TrialExpiryPolicy string

	// SupabaseJWTSecret signs the access tokens presented by clients.
	SupabaseJWTSecret string

	// SupabaseURL, when set, pins the expected token issuer.
	SupabaseURL string

	// NotifyWebhookURL receives owner notifications. Empty logs them instead.
	NotifyWebhookURL   string
	NotifyWebhookToken string

	// AdminToken guards /api/admin routes. Empty disables them.
	AdminToken string

	SchedulerInterval time.Duration
	ProviderTimeout   time.Duration
	SweepConcurrency  int

	LogLevel  string
	LogFormat string
}

const (
	defaultServerAddress     = ":18111"
	defaultUsageMode         = "quantity"
	defaultTrialExpiryPolicy = "block"
	defaultSchedulerInterval = time.Hour
	defaultProviderTimeout   = 20 * time.Second
	defaultSweepConcurrency  = 4
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"

	envServerAddress        = "BACKEND_ADDR"
	envDatabaseURL          = "DATABASE_URL"
	envStripeSecretKey      = "STRIPE_SECRET_KEY"
	envStripeWebhookSecret  = "STRIPE_WEBHOOK_SECRET"
	envStripePriceID        = "STRIPE_PRICE_ID"
	envStripeMeterEventName = "STRIPE_METER_EVENT_NAME"
	envUsageMode            = "BILLING_USAGE_MODE"
	envTrialExpiryPolicy    = "TRIAL_EXPIRY_POLICY"
	envSupabaseJWTSecret    = "SUPABASE_JWT_SECRET"
	envSupabaseURL          = "SUPABASE_URL"
	envNotifyWebhookURL     = "NOTIFY_WEBHOOK_URL"
	envNotifyWebhookToken   = "NOTIFY_WEBHOOK_TOKEN"
	envAdminToken           = "ADMIN_API_TOKEN"
	envSchedulerInterval    = "SCHEDULER_INTERVAL"
	envProviderTimeout      = "PROVIDER_TIMEOUT"
	envSweepConcurrency     = "SWEEP_CONCURRENCY"
	envLogLevel             = "LOG_LEVEL"
	envLogFormat            = "LOG_FORMAT"
)

// Load reads configuration from environment variables, applies defaults, and returns
// a Config structure. Required values return an error when missing.
func Load() (Config, error) {
	cfg := Config{
		ServerAddress:        firstNonEmpty(os.Getenv(envServerAddress), defaultServerAddress),
		DatabaseURL:          os.Getenv(envDatabaseURL),
		StripeSecretKey:      os.Getenv(envStripeSecretKey),
		StripeWebhookSecret:  os.Getenv(envStripeWebhookSecret),
		StripePriceID:        os.Getenv(envStripePriceID),
		StripeMeterEventName: os.Getenv(envStripeMeterEventName),
		UsageMode:            strings.ToLower(firstNonEmpty(os.Getenv(envUsageMode), defaultUsageMode)),
		TrialExpiryPolicy:    strings.ToLower(firstNonEmpty(os.Getenv(envTrialExpiryPolicy), defaultTrialExpiryPolicy)),
		SupabaseJWTSecret:    os.Getenv(envSupabaseJWTSecret),
		SupabaseURL:          strings.TrimRight(os.Getenv(envSupabaseURL), "/"),
		NotifyWebhookURL:     os.Getenv(envNotifyWebhookURL),
		NotifyWebhookToken:   os.Getenv(envNotifyWebhookToken),
		AdminToken:           os.Getenv(envAdminToken),
		LogLevel:             firstNonEmpty(os.Getenv(envLogLevel), defaultLogLevel),
		LogFormat:            firstNonEmpty(os.Getenv(envLogFormat), defaultLogFormat),
	}

	var err error
	if cfg.SchedulerInterval, err = durationFromEnv(envSchedulerInterval, defaultSchedulerInterval); err != nil {
		return Config{}, err
	}
	if cfg.ProviderTimeout, err = durationFromEnv(envProviderTimeout, defaultProviderTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SweepConcurrency, err = intFromEnv(envSweepConcurrency, defaultSweepConcurrency); err != nil {
		return Config{}, err
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("%s is required", envDatabaseURL)
	}
	if err := validateDatabaseURL(cfg.DatabaseURL); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envDatabaseURL, err)
	}
	if cfg.StripeSecretKey == "" {
		return Config{}, fmt.Errorf("%s is required", envStripeSecretKey)
	}
	if cfg.StripePriceID == "" {
		return Config{}, fmt.Errorf("%s is required", envStripePriceID)
	}
	if cfg.SupabaseJWTSecret == "" {
		return Config{}, fmt.Errorf("%s is required", envSupabaseJWTSecret)
	}

	switch cfg.UsageMode {
	case "quantity":
	case "metered":
		if cfg.StripeMeterEventName == "" {
			return Config{}, fmt.Errorf("%s is required when %s=metered", envStripeMeterEventName, envUsageMode)
		}
	default:
		return Config{}, fmt.Errorf("invalid %s %q: want quantity or metered", envUsageMode, cfg.UsageMode)
	}

	switch cfg.TrialExpiryPolicy {
	case "block", "cancel":
	default:
		return Config{}, fmt.Errorf("invalid %s %q: want block or cancel", envTrialExpiryPolicy, cfg.TrialExpiryPolicy)
	}

	return cfg, nil
}

// LoadDatabaseURL reads only DATABASE_URL, for tools that never touch Stripe.
func LoadDatabaseURL() (string, error) {
	dsn := os.Getenv(envDatabaseURL)
	if dsn == "" {
		return "", fmt.Errorf("%s is required", envDatabaseURL)
	}
	if err := validateDatabaseURL(dsn); err != nil {
		return "", fmt.Errorf("invalid %s: %w", envDatabaseURL, err)
	}
	return dsn, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return n, nil
}

func validateDatabaseURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch parsed.Scheme {
	case "postgres", "postgresql":
	default:
		return fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Hostname() == "" {
		return fmt.Errorf("missing host")
	}
	if strings.TrimPrefix(parsed.Path, "/") == "" {
		return fmt.Errorf("missing database name")
	}
	return nil
}
