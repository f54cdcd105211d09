// Package config defines the configuration structure for the TOEIC billing
// and quota service. Configuration is loaded once at process start and is
// immutable thereafter.
//
// Values are resolved from the OS environment, with a .env file as a
// fallback for local development. Any missing required value or invalid
// format fails startup.
package config

import (
	"time"

	"toeicprep/internal/types"
)

// SecretString is an alias for types.SecretString so secrets never leak
// through logs or config dumps.
type SecretString = types.SecretString

// Config is the top-level configuration struct.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"toeic-billing"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Storage  StorageConfig
	Billing  BillingConfig
	Quota    QuotaConfig
	Auth     AuthConfig
	AWS      AWSConfig
	AI       AIConfig
	Security SecurityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port           string        `envconfig:"PORT" default:"8080"`
	APIExternalURL string        `envconfig:"API_EXTERNAL_URL" validate:"required,url"`
	DashboardURL   string        `envconfig:"DASHBOARD_URL" validate:"required,url"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"29s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required_if=StorageBackend postgres"`

	MaxConns          int32         `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int32         `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
	AutoMigrate       bool          `envconfig:"DB_AUTO_MIGRATE" default:"false"`

	// StorageBackend mirrors Storage.Backend so the required_if rule above can see it.
	StorageBackend string `ignored:"true"`
}

// RedisConfig holds the Redis connection used by the Redis quota backend.
type RedisConfig struct {
	URL            SecretString  `envconfig:"REDIS_URL"`
	RetryAttempts  int           `envconfig:"REDIS_RETRY_ATTEMPTS" default:"3"`
	RetryInterval  time.Duration `envconfig:"REDIS_RETRY_INTERVAL" default:"2s"`
	ConnectTimeout time.Duration `envconfig:"REDIS_CONNECT_TIMEOUT" default:"10s"`
}

// StorageConfig selects the backing stores.
type StorageConfig struct {
	// Backend stores plans, subscriptions and webhook provenance.
	Backend string `envconfig:"STORE_BACKEND" default:"postgres" validate:"oneof=postgres memory"`
	// QuotaBackend stores quota counters.
	QuotaBackend string `envconfig:"QUOTA_BACKEND" default:"postgres" validate:"oneof=postgres redis memory"`
}

// BillingConfig holds Stripe credentials and trial policy.
type BillingConfig struct {
	StripeSecretKey     SecretString `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	StripeWebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`
	StripeAPIBase       string       `envconfig:"STRIPE_API_BASE"`

	// Provider price ids per catalog plan.
	PriceBasicMonthly   string `envconfig:"STRIPE_PRICE_BASIC_MONTHLY"`
	PricePremiumMonthly string `envconfig:"STRIPE_PRICE_PREMIUM_MONTHLY"`
	PricePremiumYearly  string `envconfig:"STRIPE_PRICE_PREMIUM_YEARLY"`

	TrialDuration time.Duration `envconfig:"TRIAL_DURATION" default:"72h" validate:"gt=0"`
	TrialPlanID   string        `envconfig:"TRIAL_PLAN_ID" default:"premium_monthly" validate:"required"`
}

// QuotaConfig controls quota windows and the enforcer's failure budget.
type QuotaConfig struct {
	Timezone  string        `envconfig:"SERVICE_TIMEZONE" default:"Asia/Ho_Chi_Minh" validate:"required,timezone"`
	Timeout   time.Duration `envconfig:"QUOTA_TIMEOUT" default:"800ms" validate:"gt=0,lt=1s"`
	Retention time.Duration `envconfig:"QUOTA_RETENTION" default:"720h"`
}

// Location resolves the configured quota timezone. Validation guarantees it loads.
func (q QuotaConfig) Location() *time.Location {
	loc, err := time.LoadLocation(q.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// AuthConfig holds access token verification settings and the admin key hash.
type AuthConfig struct {
	JWTSecret       SecretString `envconfig:"JWT_SECRET" validate:"required,min=32"`
	JWTIssuer       string       `envconfig:"JWT_ISSUER" default:"toeic-auth"`
	AdminAPIKeyHash SecretString `envconfig:"ADMIN_API_KEY_HASH"`
}

// AWSConfig holds AWS resource identifiers.
type AWSConfig struct {
	Region            string `envconfig:"AWS_REGION" default:"ap-southeast-1"`
	LifecycleQueueURL string `envconfig:"SQS_LIFECYCLE_QUEUE_URL" validate:"omitempty,url"`
	MetricNamespace   string `envconfig:"METRIC_NAMESPACE" default:"ToeicBilling"`
	EnableCloudWatch  bool   `envconfig:"ENABLE_CLOUDWATCH_ALERTS" default:"false"`
	EndpointURL       string `envconfig:"AWS_ENDPOINT_URL"`
}

// AIConfig points at the AI generation service that gated routes proxy to.
type AIConfig struct {
	ServiceURL string        `envconfig:"AI_SERVICE_URL" validate:"omitempty,url"`
	Timeout    time.Duration `envconfig:"AI_SERVICE_TIMEOUT" default:"60s"`
}

// SecurityConfig holds CORS settings.
type SecurityConfig struct {
	CorsAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
