// Package config defines the global configuration structure for the
// entitlement engine. Configuration is loaded once at process initialization
// and is immutable thereafter. It follows 12-Factor App principles by
// strictly separating code from configuration.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File (Lowest)
//
// Any missing required value or invalid format causes the application to fail
// immediately on startup (fail fast).
package config

import (
	"time"

	"entitlements/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the entitlement engine.
// It is populated once during process initialization and never modified.
// Sub-components receive only the specific config subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"entitlements"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain Configurations
	Server   ServerConfig
	Database DatabaseConfig
	AWS      AWSConfig
	Billing  BillingConfig
	Payments PaymentsConfig
	Archive  ArchiveConfig
	Notify   NotifyConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// Public URL for checkout/portal redirects (no trailing slash).
	DashboardURL string `envconfig:"DASHBOARD_URL" validate:"required,url"`

	// RequestTimeout is the soft deadline applied to every request context.
	// In Lambda deployments set it to the function timeout minus one second.
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"29s"`

	// CorsAllowedOrigins lists browser origins permitted to call the API.
	// "*" allows any origin.
	CorsAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	// Tuning Parameters
	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// NotificationQueue receives subscription-state-changed and credit-grant
	// messages for downstream email/UI collaborators.
	NotificationQueue string `envconfig:"SQS_NOTIFICATIONS" validate:"required,url"`

	// MetricNamespace is the CloudWatch namespace for engine telemetry.
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"Entitlements"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// BillingConfig holds Stripe payment integration credentials.
type BillingConfig struct {
	StripeSecretKey     SecretString `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	StripeWebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`
}

// PaymentsConfig maps each catalog plan to its billing-processor price
// reference. Variable names are preserved from the legacy deployment for
// compatibility. Values may be empty: an unmapped plan means "checkout
// unavailable" for that plan, which is an operator configuration gap rather
// than a data error.
type PaymentsConfig struct {
	BasicPlanID        string `envconfig:"PAYMENTS_BASIC_SUBSCRIPTION_PLAN_ID"`
	ProfessionalPlanID string `envconfig:"PAYMENTS_PROFESSIONAL_SUBSCRIPTION_PLAN_ID"`
	EnterprisePlanID   string `envconfig:"PAYMENTS_ENTERPRISE_SUBSCRIPTION_PLAN_ID"`
	Credits10PlanID    string `envconfig:"PAYMENTS_CREDITS_10_PLAN_ID"`
	Credits50PlanID    string `envconfig:"PAYMENTS_CREDITS_50_PLAN_ID"`
	Credits100PlanID   string `envconfig:"PAYMENTS_CREDITS_100_PLAN_ID"`
}

// PlanRefs returns the processor price reference for each catalog plan.
// Plans with empty values are left out of checkout but remain in the catalog.
func (p PaymentsConfig) PlanRefs() map[types.PlanID]string {
	return map[types.PlanID]string{
		types.PlanBasic:        p.BasicPlanID,
		types.PlanProfessional: p.ProfessionalPlanID,
		types.PlanEnterprise:   p.EnterprisePlanID,
		types.PlanCredits10:    p.Credits10PlanID,
		types.PlanCredits50:    p.Credits50PlanID,
		types.PlanCredits100:   p.Credits100PlanID,
	}
}

// ArchiveConfig holds settings for the ledger audit export job.
type ArchiveConfig struct {
	// Bucket is the S3 bucket for cold-storage ledger exports.
	// Empty disables archiving (the archiver binary refuses to start).
	Bucket string `envconfig:"ARCHIVE_BUCKET"`

	// Retention is how old a credit transaction must be before export.
	Retention time.Duration `envconfig:"ARCHIVE_RETENTION" default:"2160h"` // 90 days

	// BatchSize is the number of transactions fetched per export page.
	BatchSize int `envconfig:"ARCHIVE_BATCH_SIZE" default:"1000"`
}

// NotifyConfig holds settings for the notification delivery worker.
type NotifyConfig struct {
	// WebhookURL is the collaborator endpoint notifications are forwarded
	// to. Empty means log-only delivery (local development).
	WebhookURL string `envconfig:"NOTIFY_WEBHOOK_URL"`
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
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
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
