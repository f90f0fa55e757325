package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix shared by every environment variable override.
const EnvPrefix = "GATEKEEPER_"

// LoadConfig loads configuration from a YAML file at the specified path.
// The file is decoded on top of Default, so omitted fields keep their
// defaults and boolean switches that default to true can be turned off.
// The configuration is not modified by environment variables; use
// LoadConfigWithEnvOverrides for that functionality.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Parse decodes YAML bytes on top of Default and applies defaults to
// whatever the document left empty. It does not validate.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	return cfg, nil
}

// LoadConfigWithEnvOverrides loads configuration from a YAML file and applies
// environment variable overrides. Environment variables follow the naming
// convention GATEKEEPER_SECTION_FIELD (e.g., GATEKEEPER_SERVER_LISTEN_ADDRESS).
// Environment variables always take precedence over file-based configuration.
//
// An empty path skips the file and starts from Default.
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	var cfg *Config
	if path == "" {
		cfg = Default()
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
		}
		cfg, err = Parse(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// envOverride binds one environment variable to a setter.
type envOverride struct {
	name string
	set  func(val string) error
}

func stringVar(dst *string) func(string) error {
	return func(val string) error {
		*dst = val
		return nil
	}
}

func boolVar(dst *bool) func(string) error {
	return func(val string) error {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

func intVar(dst *int) func(string) error {
	return func(val string) error {
		n, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func floatVar(dst *float64) func(string) error {
	return func(val string) error {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return err
		}
		*dst = f
		return nil
	}
}

func durationVar(dst *time.Duration) func(string) error {
	return func(val string) error {
		d, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}

// applyEnvOverrides applies environment variable overrides to the
// configuration. Unlike file values, a malformed override is an error rather
// than silently ignored.
func applyEnvOverrides(cfg *Config) error {
	overrides := []envOverride{
		{"SERVER_LISTEN_ADDRESS", stringVar(&cfg.Server.ListenAddress)},
		{"SERVER_READ_TIMEOUT", durationVar(&cfg.Server.ReadTimeout)},
		{"SERVER_WRITE_TIMEOUT", durationVar(&cfg.Server.WriteTimeout)},
		{"SERVER_SHUTDOWN_TIMEOUT", durationVar(&cfg.Server.ShutdownTimeout)},

		{"GATEWAY_UPSTREAM_URL", stringVar(&cfg.Gateway.UpstreamURL)},
		{"GATEWAY_DEFAULT_ESTIMATE_CENTS", stringVar(&cfg.Gateway.DefaultEstimateCents)},

		{"LIMITS_ENABLED", boolVar(&cfg.Limits.Enabled)},
		{"LIMITS_FAILURE_MODE", stringVar(&cfg.Limits.FailureMode)},
		{"LIMITS_SCOPE_BY_ORG", boolVar(&cfg.Limits.ScopeByOrg)},
		{"LIMITS_BACKEND", stringVar(&cfg.Limits.Storage.Backend)},
		{"LIMITS_SQLITE_PATH", stringVar(&cfg.Limits.Storage.SQLite.Path)},
		{"LIMITS_REDIS_ADDRESS", stringVar(&cfg.Limits.Storage.Redis.Address)},
		{"LIMITS_REDIS_PASSWORD", stringVar(&cfg.Limits.Storage.Redis.Password)},
		{"LIMITS_REDIS_DB", intVar(&cfg.Limits.Storage.Redis.DB)},

		{"WALLET_ENABLED", boolVar(&cfg.Wallet.Enabled)},
		{"WALLET_MINIMUM_RESERVE_CENTS", stringVar(&cfg.Wallet.MinimumReserveCents)},
		{"WALLET_BACKEND", stringVar(&cfg.Wallet.Storage.Backend)},
		{"WALLET_SQLITE_PATH", stringVar(&cfg.Wallet.Storage.SQLite.Path)},
		{"WALLET_POSTGRES_DSN", stringVar(&cfg.Wallet.Storage.Postgres.DSN)},
		{"WALLET_REAPER_ENABLED", boolVar(&cfg.Wallet.Reaper.Enabled)},
		{"WALLET_REAPER_SCHEDULE", stringVar(&cfg.Wallet.Reaper.Schedule)},

		{"ADMIN_API_KEY", stringVar(&cfg.Security.Admin.APIKey)},
		{"AUTH_ENABLED", boolVar(&cfg.Security.Authentication.Enabled)},

		{"TELEMETRY_LOGGING_LEVEL", stringVar(&cfg.Telemetry.Logging.Level)},
		{"TELEMETRY_LOGGING_FORMAT", stringVar(&cfg.Telemetry.Logging.Format)},
		{"TELEMETRY_METRICS_ENABLED", boolVar(&cfg.Telemetry.Metrics.Enabled)},
		{"TELEMETRY_TRACING_ENABLED", boolVar(&cfg.Telemetry.Tracing.Enabled)},
		{"TELEMETRY_TRACING_ENDPOINT", stringVar(&cfg.Telemetry.Tracing.Endpoint)},
		{"TELEMETRY_TRACING_SAMPLE_RATIO", floatVar(&cfg.Telemetry.Tracing.SampleRatio)},
	}

	var errs []FieldError
	for _, o := range overrides {
		name := EnvPrefix + o.name
		val, ok := os.LookupEnv(name)
		if !ok || val == "" {
			continue
		}
		if err := o.set(val); err != nil {
			errs = append(errs, FieldError{
				Field:   name,
				Message: fmt.Sprintf("invalid value %q: %v", val, err),
			})
		}
	}

	// Normalize so that GATEKEEPER_TELEMETRY_LOGGING_LEVEL=DEBUG works.
	cfg.Telemetry.Logging.Level = strings.ToLower(cfg.Telemetry.Logging.Level)

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}
