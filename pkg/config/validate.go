package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
)

// FieldError represents a validation error for a specific configuration field.
type FieldError struct {
	// Field is the dotted path to the configuration field (e.g., "server.listen_address").
	Field string

	// Message is a human-readable error message.
	Message string
}

// Error returns the error message for this field error.
func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError represents one or more validation errors in a configuration.
type ValidationError struct {
	// Errors contains all validation errors found in the configuration.
	Errors []FieldError
}

// Error returns a formatted string containing all validation errors.
func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d errors:\n", len(e.Errors)))
	for _, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// Validate validates the entire configuration and returns a ValidationError
// if any validation rules fail. All validation errors are collected and
// returned together.
func Validate(cfg *Config) error {
	var errs []FieldError

	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateGateway(&cfg.Gateway)...)
	errs = append(errs, validateLimits(&cfg.Limits)...)
	errs = append(errs, validateWallet(&cfg.Wallet)...)
	errs = append(errs, validateSecurity(&cfg.Security)...)
	errs = append(errs, validateTelemetry(&cfg.Telemetry)...)

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}

	return nil
}

func validateServer(cfg *ServerConfig) []FieldError {
	var errs []FieldError

	if cfg.ListenAddress == "" {
		errs = append(errs, FieldError{
			Field:   "server.listen_address",
			Message: "listen address is required",
		})
	}
	if cfg.ReadTimeout < 0 {
		errs = append(errs, FieldError{
			Field:   "server.read_timeout",
			Message: "read timeout must be positive",
		})
	}
	if cfg.WriteTimeout < 0 {
		errs = append(errs, FieldError{
			Field:   "server.write_timeout",
			Message: "write timeout must be positive",
		})
	}
	if cfg.IdleTimeout < 0 {
		errs = append(errs, FieldError{
			Field:   "server.idle_timeout",
			Message: "idle timeout must be positive",
		})
	}
	if cfg.MaxHeaderBytes < 0 || cfg.MaxHeaderBytes > 10*1024*1024 {
		errs = append(errs, FieldError{
			Field:   "server.max_header_bytes",
			Message: "max header bytes must be between 0 and 10MB",
		})
	}
	if cfg.CORS.MaxAge < 0 {
		errs = append(errs, FieldError{
			Field:   "server.cors.max_age",
			Message: "max age must be non-negative",
		})
	}

	return errs
}

func validateGateway(cfg *GatewayConfig) []FieldError {
	var errs []FieldError

	if cfg.UpstreamURL != "" {
		u, err := url.Parse(cfg.UpstreamURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, FieldError{
				Field:   "gateway.upstream_url",
				Message: "upstream url must be an absolute URL",
			})
		} else if u.Scheme != "http" && u.Scheme != "https" {
			errs = append(errs, FieldError{
				Field:   "gateway.upstream_url",
				Message: fmt.Sprintf("unsupported scheme %q (must be http or https)", u.Scheme),
			})
		}
	}

	if errMsg := validateCents(cfg.DefaultEstimateCents); errMsg != "" {
		errs = append(errs, FieldError{
			Field:   "gateway.default_estimate_cents",
			Message: errMsg,
		})
	}

	return errs
}

func validateLimits(cfg *LimitsConfig) []FieldError {
	var errs []FieldError

	if cfg.FailureMode != FailOpen && cfg.FailureMode != FailClosed {
		errs = append(errs, FieldError{
			Field:   "limits.failure_mode",
			Message: fmt.Sprintf("invalid failure mode %q (must be %s or %s)", cfg.FailureMode, FailOpen, FailClosed),
		})
	}

	validBackends := map[string]bool{"memory": true, "sqlite": true, "redis": true}
	if !validBackends[cfg.Storage.Backend] {
		errs = append(errs, FieldError{
			Field:   "limits.storage.backend",
			Message: fmt.Sprintf("invalid backend %q (must be memory, sqlite, or redis)", cfg.Storage.Backend),
		})
	}

	switch cfg.Storage.Backend {
	case "memory":
		if cfg.Storage.Memory.MaxEntries < 0 {
			errs = append(errs, FieldError{
				Field:   "limits.storage.memory.max_entries",
				Message: "max entries must be non-negative",
			})
		}
		if cfg.Storage.Memory.CleanupInterval < 0 {
			errs = append(errs, FieldError{
				Field:   "limits.storage.memory.cleanup_interval",
				Message: "cleanup interval must be positive",
			})
		}
	case "sqlite":
		if cfg.Storage.SQLite.Path == "" {
			errs = append(errs, FieldError{
				Field:   "limits.storage.sqlite.path",
				Message: "sqlite path is required when backend is sqlite",
			})
		}
	case "redis":
		if cfg.Storage.Redis.Address == "" {
			errs = append(errs, FieldError{
				Field:   "limits.storage.redis.address",
				Message: "redis address is required when backend is redis",
			})
		}
		if cfg.Storage.Redis.MaxRetries < 0 {
			errs = append(errs, FieldError{
				Field:   "limits.storage.redis.max_retries",
				Message: "max retries must be non-negative",
			})
		}
	}

	return errs
}

func validateWallet(cfg *WalletConfig) []FieldError {
	var errs []FieldError

	if errMsg := validateCents(cfg.MinimumReserveCents); errMsg != "" {
		errs = append(errs, FieldError{
			Field:   "wallet.minimum_reserve_cents",
			Message: errMsg,
		})
	}

	switch cfg.Storage.Backend {
	case "memory":
	case "sqlite":
		if cfg.Storage.SQLite.Path == "" {
			errs = append(errs, FieldError{
				Field:   "wallet.storage.sqlite.path",
				Message: "sqlite path is required when backend is sqlite",
			})
		}
	case "postgres":
		if cfg.Storage.Postgres.DSN == "" {
			errs = append(errs, FieldError{
				Field:   "wallet.storage.postgres.dsn",
				Message: "dsn is required when backend is postgres",
			})
		}
		if cfg.Storage.Postgres.MaxConns < 1 {
			errs = append(errs, FieldError{
				Field:   "wallet.storage.postgres.max_conns",
				Message: "max conns must be at least 1",
			})
		}
	default:
		errs = append(errs, FieldError{
			Field:   "wallet.storage.backend",
			Message: fmt.Sprintf("invalid backend %q (must be memory, sqlite, or postgres)", cfg.Storage.Backend),
		})
	}

	if _, err := cron.ParseStandard(cfg.Reaper.Schedule); err != nil {
		errs = append(errs, FieldError{
			Field:   "wallet.reaper.schedule",
			Message: fmt.Sprintf("invalid cron expression: %v", err),
		})
	}
	if cfg.Reaper.HoldTimeout <= 0 {
		errs = append(errs, FieldError{
			Field:   "wallet.reaper.hold_timeout",
			Message: "hold timeout must be positive",
		})
	}

	return errs
}

func validateSecurity(cfg *SecurityConfig) []FieldError {
	var errs []FieldError

	if cfg.Admin.RequestsPerSecond < 0 {
		errs = append(errs, FieldError{
			Field:   "security.admin.requests_per_second",
			Message: "requests per second must be positive",
		})
	}
	if cfg.Admin.Burst < 1 {
		errs = append(errs, FieldError{
			Field:   "security.admin.burst",
			Message: "burst must be at least 1",
		})
	}

	auth := &cfg.Authentication
	for i, src := range auth.Sources {
		prefix := fmt.Sprintf("security.authentication.sources[%d]", i)
		if src.Type != "header" && src.Type != "query" {
			errs = append(errs, FieldError{
				Field:   prefix + ".type",
				Message: fmt.Sprintf("invalid source type %q (must be header or query)", src.Type),
			})
		}
		if src.Name == "" {
			errs = append(errs, FieldError{
				Field:   prefix + ".name",
				Message: "source name is required",
			})
		}
	}

	seen := make(map[string]bool, len(auth.Keys))
	for i, key := range auth.Keys {
		prefix := fmt.Sprintf("security.authentication.keys[%d]", i)
		if key.Key == "" {
			errs = append(errs, FieldError{
				Field:   prefix + ".key",
				Message: "key is required",
			})
		} else if seen[key.Key] {
			errs = append(errs, FieldError{
				Field:   prefix + ".key",
				Message: "duplicate key",
			})
		}
		seen[key.Key] = true
		if key.OrgID == "" {
			errs = append(errs, FieldError{
				Field:   prefix + ".org_id",
				Message: "org id is required",
			})
		}
		if key.Key != "" && key.Key == cfg.Admin.APIKey {
			errs = append(errs, FieldError{
				Field:   prefix + ".key",
				Message: "client key must differ from the admin key",
			})
		}
	}

	if auth.Enabled && len(auth.Keys) == 0 {
		errs = append(errs, FieldError{
			Field:   "security.authentication.keys",
			Message: "at least one key is required when authentication is enabled",
		})
	}

	return errs
}

func validateTelemetry(cfg *TelemetryConfig) []FieldError {
	var errs []FieldError

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.level",
			Message: fmt.Sprintf("invalid log level %q (must be debug, info, warn, or error)", cfg.Logging.Level),
		})
	}
	if cfg.Logging.Format != "json" && cfg.Logging.Format != "text" {
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.format",
			Message: fmt.Sprintf("invalid log format %q (must be json or text)", cfg.Logging.Format),
		})
	}
	for i, p := range cfg.Logging.RedactPatterns {
		if _, err := regexp.Compile(p.Pattern); err != nil {
			errs = append(errs, FieldError{
				Field:   fmt.Sprintf("telemetry.logging.redact_patterns[%d].pattern", i),
				Message: fmt.Sprintf("invalid regular expression: %v", err),
			})
		}
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		errs = append(errs, FieldError{
			Field:   "telemetry.metrics.path",
			Message: "metrics path must start with /",
		})
	}

	if cfg.Tracing.Enabled {
		switch cfg.Tracing.Sampler {
		case "always", "never", "ratio":
		default:
			errs = append(errs, FieldError{
				Field:   "telemetry.tracing.sampler",
				Message: fmt.Sprintf("invalid sampler %q (must be always, never, or ratio)", cfg.Tracing.Sampler),
			})
		}
		if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
			errs = append(errs, FieldError{
				Field:   "telemetry.tracing.sample_ratio",
				Message: "sample ratio must be between 0.0 and 1.0",
			})
		}
		if cfg.Tracing.Endpoint == "" {
			errs = append(errs, FieldError{
				Field:   "telemetry.tracing.endpoint",
				Message: "endpoint is required when tracing is enabled",
			})
		}
	}

	return errs
}

// validateCents returns an error message if s is not a non-negative decimal.
func validateCents(s string) string {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Sprintf("invalid decimal %q", s)
	}
	if d.IsNegative() {
		return "must be non-negative"
	}
	return ""
}
