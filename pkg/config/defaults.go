package config

import "time"

// Default values for configuration fields.
const (
	// Server defaults
	DefaultListenAddress   = "127.0.0.1:8080"
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 120 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
	DefaultMaxHeaderBytes  = 1048576 // 1MB

	// CORS defaults
	DefaultCORSMaxAge = 3600 // 1 hour

	// Gateway defaults
	DefaultCostHeader     = "X-Gatekeeper-Cost-Cents"
	DefaultEstimateHeader = "X-Gatekeeper-Estimate-Cents"
	DefaultEstimateCents  = "0"

	// Limits defaults
	DefaultLimitsEnabled         = true
	DefaultLimitsFailureMode     = FailOpen
	DefaultLimitsScopeByOrg      = true
	DefaultLimitsBackend         = "memory"
	DefaultLimitsMaxEntries      = 100000
	DefaultLimitsCleanupInterval = time.Minute
	DefaultLimitsIdleTTL         = 24 * time.Hour
	DefaultLimitsSQLitePath      = "gatekeeper-limits.db"
	DefaultLimitsCheckpoint      = 5 * time.Minute
	DefaultRedisAddress          = "localhost:6379"
	DefaultRedisPrefix           = "gatekeeper"
	DefaultRedisTTL              = 24 * time.Hour
	DefaultRedisMaxRetries       = 16

	// Wallet defaults
	DefaultWalletEnabled       = true
	DefaultMinimumReserveCents = "0"
	DefaultWalletBackend       = "memory"
	DefaultWalletSQLitePath    = "gatekeeper-wallet.db"
	DefaultWalletBusyTimeout   = 5 * time.Second
	DefaultPostgresMaxConns    = int32(10)
	DefaultReaperSchedule      = "*/5 * * * *"
	DefaultReaperHoldTimeout   = 15 * time.Minute

	// Security defaults
	DefaultAdminRequestsPerSecond = 10.0
	DefaultAdminBurst             = 20

	// Telemetry defaults
	DefaultLoggingLevel       = "info"
	DefaultLoggingFormat      = "json"
	DefaultLoggingRedact      = true
	DefaultMetricsEnabled     = true
	DefaultMetricsPath        = "/metrics"
	DefaultMetricsNamespace   = "gatekeeper"
	DefaultTracingSampler     = "ratio"
	DefaultTracingSampleRatio = 0.1
	DefaultTracingEndpoint    = "localhost:4317"
	DefaultTracingService     = "gatekeeper"
	DefaultTracingInsecure    = true
	DefaultTracingTimeout     = 10 * time.Second
	DefaultLivenessPath       = "/health"
	DefaultReadinessPath      = "/ready"
	DefaultVersionPath        = "/version"
	DefaultHealthCheckTimeout = 5 * time.Second
)

// Limiter failure modes.
const (
	FailOpen   = "fail-open"
	FailClosed = "fail-closed"
)

// Default returns a Config with every boolean that defaults to true already
// set. LoadConfig unmarshals YAML on top of it, so a file can still turn
// those switches off explicitly.
func Default() *Config {
	cfg := &Config{}
	cfg.Limits.Enabled = DefaultLimitsEnabled
	cfg.Limits.ScopeByOrg = DefaultLimitsScopeByOrg
	cfg.Wallet.Enabled = DefaultWalletEnabled
	cfg.Telemetry.Logging.Redact = DefaultLoggingRedact
	cfg.Telemetry.Metrics.Enabled = DefaultMetricsEnabled
	cfg.Telemetry.Tracing.Insecure = DefaultTracingInsecure
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults applies default values to a Config struct.
// It sets defaults for any fields that have zero values.
// This function is idempotent and safe to call multiple times.
func ApplyDefaults(cfg *Config) {
	applyServerDefaults(&cfg.Server)

	if cfg.Gateway.CostHeader == "" {
		cfg.Gateway.CostHeader = DefaultCostHeader
	}
	if cfg.Gateway.EstimateHeader == "" {
		cfg.Gateway.EstimateHeader = DefaultEstimateHeader
	}
	if cfg.Gateway.DefaultEstimateCents == "" {
		cfg.Gateway.DefaultEstimateCents = DefaultEstimateCents
	}

	applyLimitsDefaults(&cfg.Limits)
	applyWalletDefaults(&cfg.Wallet)

	// Security defaults
	if cfg.Security.Admin.RequestsPerSecond == 0 {
		cfg.Security.Admin.RequestsPerSecond = DefaultAdminRequestsPerSecond
	}
	if cfg.Security.Admin.Burst == 0 {
		cfg.Security.Admin.Burst = DefaultAdminBurst
	}
	if len(cfg.Security.Authentication.Sources) == 0 {
		cfg.Security.Authentication.Sources = []APIKeySource{
			{Type: "header", Name: "Authorization", Scheme: "Bearer"},
			{Type: "header", Name: "X-API-Key"},
		}
	}

	applyTelemetryDefaults(&cfg.Telemetry)
}

func applyServerDefaults(s *ServerConfig) {
	if s.ListenAddress == "" {
		s.ListenAddress = DefaultListenAddress
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = DefaultReadTimeout
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = DefaultWriteTimeout
	}
	if s.IdleTimeout == 0 {
		s.IdleTimeout = DefaultIdleTimeout
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}
	if s.MaxHeaderBytes == 0 {
		s.MaxHeaderBytes = DefaultMaxHeaderBytes
	}

	cors := &s.CORS
	if len(cors.AllowedOrigins) == 0 {
		cors.AllowedOrigins = []string{"*"}
	}
	if len(cors.AllowedMethods) == 0 {
		cors.AllowedMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	}
	if len(cors.AllowedHeaders) == 0 {
		cors.AllowedHeaders = []string{
			"Authorization", "Content-Type", "X-Request-ID",
			"Helicone-RateLimit-Policy", "Helicone-User-Id",
		}
	}
	if len(cors.ExposedHeaders) == 0 {
		cors.ExposedHeaders = []string{
			"X-Request-ID",
			"Helicone-RateLimit-Limit",
			"Helicone-RateLimit-Remaining",
			"Helicone-RateLimit-Policy",
			"Helicone-RateLimit-Reset",
		}
	}
	if cors.MaxAge == 0 {
		cors.MaxAge = DefaultCORSMaxAge
	}
}

func applyLimitsDefaults(l *LimitsConfig) {
	if l.FailureMode == "" {
		l.FailureMode = DefaultLimitsFailureMode
	}
	if l.Storage.Backend == "" {
		l.Storage.Backend = DefaultLimitsBackend
	}

	mem := &l.Storage.Memory
	if mem.MaxEntries == 0 {
		mem.MaxEntries = DefaultLimitsMaxEntries
	}
	if mem.CleanupInterval == 0 {
		mem.CleanupInterval = DefaultLimitsCleanupInterval
	}
	if mem.IdleTTL == 0 {
		mem.IdleTTL = DefaultLimitsIdleTTL
	}

	if l.Storage.SQLite.Path == "" {
		l.Storage.SQLite.Path = DefaultLimitsSQLitePath
	}
	if l.Storage.SQLite.CheckpointInterval == 0 {
		l.Storage.SQLite.CheckpointInterval = DefaultLimitsCheckpoint
	}

	r := &l.Storage.Redis
	if r.Address == "" {
		r.Address = DefaultRedisAddress
	}
	if r.Prefix == "" {
		r.Prefix = DefaultRedisPrefix
	}
	if r.TTL == 0 {
		r.TTL = DefaultRedisTTL
	}
	if r.MaxRetries == 0 {
		r.MaxRetries = DefaultRedisMaxRetries
	}
}

func applyWalletDefaults(w *WalletConfig) {
	if w.MinimumReserveCents == "" {
		w.MinimumReserveCents = DefaultMinimumReserveCents
	}
	if w.Storage.Backend == "" {
		w.Storage.Backend = DefaultWalletBackend
	}
	if w.Storage.SQLite.Path == "" {
		w.Storage.SQLite.Path = DefaultWalletSQLitePath
	}
	if w.Storage.SQLite.BusyTimeout == 0 {
		w.Storage.SQLite.BusyTimeout = DefaultWalletBusyTimeout
	}
	if w.Storage.Postgres.MaxConns == 0 {
		w.Storage.Postgres.MaxConns = DefaultPostgresMaxConns
	}
	if w.Reaper.Schedule == "" {
		w.Reaper.Schedule = DefaultReaperSchedule
	}
	if w.Reaper.HoldTimeout == 0 {
		w.Reaper.HoldTimeout = DefaultReaperHoldTimeout
	}
}

func applyTelemetryDefaults(t *TelemetryConfig) {
	if t.Logging.Level == "" {
		t.Logging.Level = DefaultLoggingLevel
	}
	if t.Logging.Format == "" {
		t.Logging.Format = DefaultLoggingFormat
	}

	if t.Metrics.Path == "" {
		t.Metrics.Path = DefaultMetricsPath
	}
	if t.Metrics.Namespace == "" {
		t.Metrics.Namespace = DefaultMetricsNamespace
	}
	if len(t.Metrics.DurationBuckets) == 0 {
		t.Metrics.DurationBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25}
	}

	if t.Tracing.Sampler == "" {
		t.Tracing.Sampler = DefaultTracingSampler
	}
	if t.Tracing.SampleRatio == 0 {
		t.Tracing.SampleRatio = DefaultTracingSampleRatio
	}
	if t.Tracing.Endpoint == "" {
		t.Tracing.Endpoint = DefaultTracingEndpoint
	}
	if t.Tracing.ServiceName == "" {
		t.Tracing.ServiceName = DefaultTracingService
	}
	if t.Tracing.Timeout == 0 {
		t.Tracing.Timeout = DefaultTracingTimeout
	}

	if t.Health.LivenessPath == "" {
		t.Health.LivenessPath = DefaultLivenessPath
	}
	if t.Health.ReadinessPath == "" {
		t.Health.ReadinessPath = DefaultReadinessPath
	}
	if t.Health.VersionPath == "" {
		t.Health.VersionPath = DefaultVersionPath
	}
	if t.Health.CheckTimeout == 0 {
		t.Health.CheckTimeout = DefaultHealthCheckTimeout
	}
}
