// loader.go implements the configuration loading lifecycle.
//
// The loading sequence is:
//  1. Enforce UTC as the process timezone. Quota windows use an explicit location.
//  2. Load .env file via godotenv (non-fatal if absent).
//  3. Use envconfig to process struct tags and populate the Config struct.
//  4. Populate BuildInfo from linker-injected variables.
//  5. Validate the struct using go-playground/validator.
//  6. Cross-field checks that struct tags cannot express.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is a diagnostic error type returned by LoadConfig to aid debugging.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// envFiles lists dotenv files read in order. Missing files are ignored and
// existing environment variables are never overridden.
var envFiles = []string{".env"}

// LoadConfig loads and validates the service configuration.
func LoadConfig() (*Config, error) {
	time.Local = time.UTC

	for _, f := range envFiles {
		_ = godotenv.Load(f)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	cfg.Build = NewBuildInfo()
	cfg.Database.StorageBackend = cfg.Storage.Backend

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate runs struct validation and the cross-field rules on a populated Config.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return &ConfigError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}

	var missing []string
	if cfg.Storage.QuotaBackend == "redis" && cfg.Redis.URL.Empty() {
		missing = append(missing, "REDIS_URL")
	}
	if cfg.Storage.QuotaBackend == "postgres" && cfg.Database.URL.Empty() {
		missing = append(missing, "DATABASE_URL")
	}
	// In-memory quota counters are per process, so N instances would grant
	// N times the quota.
	if cfg.Environment != "local" {
		for name, backend := range map[string]string{
			"STORE_BACKEND": cfg.Storage.Backend,
			"QUOTA_BACKEND": cfg.Storage.QuotaBackend,
		} {
			if backend == "memory" {
				return &ConfigError{
					Type:    ErrValidation,
					Message: name + "=memory is only allowed with APP_ENV=local",
				}
			}
		}
	}
	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrMissingEnv,
			Message: "required for the selected backends: " + strings.Join(missing, ", "),
		}
	}
	return nil
}

// PriceIDs maps catalog plan ids to the configured provider price ids.
func (b BillingConfig) PriceIDs() map[string]string {
	return map[string]string{
		"basic_monthly":   b.PriceBasicMonthly,
		"premium_monthly": b.PricePremiumMonthly,
		"premium_yearly":  b.PricePremiumYearly,
	}
}
