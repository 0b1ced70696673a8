// Package config defines the process configuration for the pawkeep
// notification engine. Configuration is loaded once at startup and is
// immutable thereafter, following 12-Factor principles: OS environment wins
// over the optional .env file. Any missing required value fails startup.
package config

import (
	"time"

	"pawkeep/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the specific subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"pawkeep-engine"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server   ServerConfig
	Database DatabaseConfig
	Push     PushConfig
	Spend    SpendConfig
	Metrics  MetricsConfig
	Ops      OpsConfig
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"15s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// PushConfig holds push provider connection settings.
type PushConfig struct {
	Endpoint string        `envconfig:"PUSH_ENDPOINT" default:"https://exp.host/--/api/v2/push/send" validate:"required,url"`
	APIKey   SecretString  `envconfig:"PUSH_API_KEY" validate:"required"`
	Timeout  time.Duration `envconfig:"PUSH_TIMEOUT" default:"30s"`
}

// SpendConfig holds connection settings for the expense aggregation service
// that supplies per-user monthly spend totals.
type SpendConfig struct {
	BaseURL string        `envconfig:"SPEND_BASE_URL" default:"http://localhost:9090" validate:"required,url"`
	APIKey  SecretString  `envconfig:"SPEND_API_KEY"`
	Timeout time.Duration `envconfig:"SPEND_TIMEOUT" default:"10s"`
}

// MetricsConfig holds CloudWatch metric emission settings.
type MetricsConfig struct {
	Enabled   bool   `envconfig:"METRICS_ENABLED" default:"false"`
	AWSRegion string `envconfig:"AWS_REGION" default:"eu-central-1"`
}

// OpsConfig holds settings for the operational HTTP endpoints.
type OpsConfig struct {
	// Secret guards POST /ops/* triggers. Compared in constant time.
	Secret SecretString `envconfig:"OPS_SECRET" validate:"required,min=16"`
}
