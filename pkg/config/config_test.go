package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

// ===== Defaults =====

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := Validate(cfg); err != nil {
		t.Fatalf("Expected default config to validate, got %v", err)
	}
}

func TestDefault_Values(t *testing.T) {
	cfg := Default()

	if cfg.Server.ListenAddress != DefaultListenAddress {
		t.Errorf("Expected listen address %q, got %q", DefaultListenAddress, cfg.Server.ListenAddress)
	}
	if !cfg.Limits.Enabled {
		t.Error("Expected limits to be enabled by default")
	}
	if cfg.Limits.FailureMode != FailOpen {
		t.Errorf("Expected failure mode %q, got %q", FailOpen, cfg.Limits.FailureMode)
	}
	if !cfg.Limits.ScopeByOrg {
		t.Error("Expected buckets to be scoped by org by default")
	}
	if cfg.Wallet.Storage.Backend != "memory" {
		t.Errorf("Expected wallet backend memory, got %q", cfg.Wallet.Storage.Backend)
	}
	if cfg.Wallet.Reaper.Enabled {
		t.Error("Expected reaper to be disabled by default")
	}
	if !cfg.Telemetry.Logging.Redact {
		t.Error("Expected redaction to be enabled by default")
	}
	if cfg.Gateway.CostHeader != DefaultCostHeader {
		t.Errorf("Expected cost header %q, got %q", DefaultCostHeader, cfg.Gateway.CostHeader)
	}
	if len(cfg.Security.Authentication.Sources) != 2 {
		t.Errorf("Expected 2 default key sources, got %d", len(cfg.Security.Authentication.Sources))
	}
}

func TestApplyDefaults_Idempotent(t *testing.T) {
	cfg := Default()
	cfg.Server.ListenAddress = "0.0.0.0:9090"
	ApplyDefaults(cfg)
	ApplyDefaults(cfg)

	if cfg.Server.ListenAddress != "0.0.0.0:9090" {
		t.Errorf("Expected explicit listen address to be kept, got %q", cfg.Server.ListenAddress)
	}
	if len(cfg.Server.CORS.AllowedMethods) != 4 {
		t.Errorf("Expected 4 CORS methods, got %d", len(cfg.Server.CORS.AllowedMethods))
	}
}

// ===== Loading =====

func TestLoadConfig_ValidFile(t *testing.T) {
	path := writeConfig(t, `
server:
  listen_address: "0.0.0.0:8080"
  read_timeout: "60s"

gateway:
  upstream_url: "https://api.openai.com"

limits:
  failure_mode: "fail-closed"
  storage:
    backend: "sqlite"
    sqlite:
      path: "./limits.db"

wallet:
  minimum_reserve_cents: "2.5"
  reaper:
    enabled: true
    schedule: "*/1 * * * *"
    hold_timeout: "5m"

security:
  authentication:
    enabled: true
    keys:
      - key: "sk-one"
        org_id: "org-a"
        wallet_funded: true
      - key: "sk-two"
        org_id: "org-b"
        enabled: false

telemetry:
  logging:
    level: "debug"
    format: "text"
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Server.ListenAddress != "0.0.0.0:8080" {
		t.Errorf("Expected listen address %q, got %q", "0.0.0.0:8080", cfg.Server.ListenAddress)
	}
	if cfg.Server.ReadTimeout != 60*time.Second {
		t.Errorf("Expected read timeout 60s, got %v", cfg.Server.ReadTimeout)
	}
	if cfg.Server.WriteTimeout != DefaultWriteTimeout {
		t.Errorf("Expected default write timeout, got %v", cfg.Server.WriteTimeout)
	}
	if cfg.Limits.FailureMode != FailClosed {
		t.Errorf("Expected fail-closed, got %q", cfg.Limits.FailureMode)
	}
	if cfg.Limits.Storage.SQLite.Path != "./limits.db" {
		t.Errorf("Expected sqlite path ./limits.db, got %q", cfg.Limits.Storage.SQLite.Path)
	}
	if !cfg.Limits.Enabled {
		t.Error("Expected limits to stay enabled when omitted from the file")
	}
	if cfg.Wallet.MinimumReserveCents != "2.5" {
		t.Errorf("Expected minimum reserve 2.5, got %q", cfg.Wallet.MinimumReserveCents)
	}
	if cfg.Wallet.Reaper.HoldTimeout != 5*time.Minute {
		t.Errorf("Expected hold timeout 5m, got %v", cfg.Wallet.Reaper.HoldTimeout)
	}

	keys := cfg.Security.Authentication.Keys
	if len(keys) != 2 {
		t.Fatalf("Expected 2 keys, got %d", len(keys))
	}
	if !keys[0].IsEnabled() || !keys[0].WalletFunded {
		t.Errorf("Expected first key enabled and wallet funded, got %+v", keys[0])
	}
	if keys[1].IsEnabled() {
		t.Error("Expected second key to be disabled")
	}
}

func TestLoadConfig_DisablesDefaultTrueSwitches(t *testing.T) {
	path := writeConfig(t, `
limits:
  enabled: false
telemetry:
  logging:
    redact: false
  metrics:
    enabled: false
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Limits.Enabled {
		t.Error("Expected limits to be disabled")
	}
	if cfg.Telemetry.Logging.Redact {
		t.Error("Expected redaction to be disabled")
	}
	if cfg.Telemetry.Metrics.Enabled {
		t.Error("Expected metrics to be disabled")
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("Expected error for missing file")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected os.ErrNotExist, got %v", err)
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [unclosed")
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("Expected error for invalid YAML")
	}
}

func TestLoadConfig_ValidationFailure(t *testing.T) {
	path := writeConfig(t, `
limits:
  failure_mode: "sometimes"
`)

	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("Expected validation error")
	}
	var ve ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Expected ValidationError, got %T", err)
	}
	if ve.Errors[0].Field != "limits.failure_mode" {
		t.Errorf("Expected field limits.failure_mode, got %q", ve.Errors[0].Field)
	}
}

// ===== Environment Overrides =====

func TestLoadConfigWithEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  listen_address: "127.0.0.1:8080"
`)

	t.Setenv("GATEKEEPER_SERVER_LISTEN_ADDRESS", "0.0.0.0:9000")
	t.Setenv("GATEKEEPER_ADMIN_API_KEY", "admin-secret")
	t.Setenv("GATEKEEPER_LIMITS_ENABLED", "false")
	t.Setenv("GATEKEEPER_TELEMETRY_LOGGING_LEVEL", "DEBUG")
	t.Setenv("GATEKEEPER_WALLET_BACKEND", "postgres")
	t.Setenv("GATEKEEPER_WALLET_POSTGRES_DSN", "postgres://localhost/gatekeeper")

	cfg, err := LoadConfigWithEnvOverrides(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Server.ListenAddress != "0.0.0.0:9000" {
		t.Errorf("Expected env listen address, got %q", cfg.Server.ListenAddress)
	}
	if cfg.Security.Admin.APIKey != "admin-secret" {
		t.Errorf("Expected admin key from env, got %q", cfg.Security.Admin.APIKey)
	}
	if cfg.Limits.Enabled {
		t.Error("Expected limits disabled by env")
	}
	if cfg.Telemetry.Logging.Level != "debug" {
		t.Errorf("Expected level debug, got %q", cfg.Telemetry.Logging.Level)
	}
	if cfg.Wallet.Storage.Postgres.DSN != "postgres://localhost/gatekeeper" {
		t.Errorf("Expected DSN from env, got %q", cfg.Wallet.Storage.Postgres.DSN)
	}
}

func TestLoadConfigWithEnvOverrides_NoFile(t *testing.T) {
	t.Setenv("GATEKEEPER_GATEWAY_UPSTREAM_URL", "http://localhost:11434")

	cfg, err := LoadConfigWithEnvOverrides("")
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Gateway.UpstreamURL != "http://localhost:11434" {
		t.Errorf("Expected upstream from env, got %q", cfg.Gateway.UpstreamURL)
	}
}

func TestLoadConfigWithEnvOverrides_MalformedValue(t *testing.T) {
	t.Setenv("GATEKEEPER_SERVER_READ_TIMEOUT", "soon")

	_, err := LoadConfigWithEnvOverrides("")
	if err == nil {
		t.Fatal("Expected error for malformed duration")
	}
	if !strings.Contains(err.Error(), "GATEKEEPER_SERVER_READ_TIMEOUT") {
		t.Errorf("Expected error to name the variable, got %v", err)
	}
}

// ===== Validation =====

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"empty listen address", func(c *Config) { c.Server.ListenAddress = "" }, "server.listen_address"},
		{"negative timeout", func(c *Config) { c.Server.ReadTimeout = -time.Second }, "server.read_timeout"},
		{"relative upstream", func(c *Config) { c.Gateway.UpstreamURL = "api.openai.com" }, "gateway.upstream_url"},
		{"ftp upstream", func(c *Config) { c.Gateway.UpstreamURL = "ftp://example.com" }, "gateway.upstream_url"},
		{"bad estimate", func(c *Config) { c.Gateway.DefaultEstimateCents = "ten" }, "gateway.default_estimate_cents"},
		{"bad limits backend", func(c *Config) { c.Limits.Storage.Backend = "etcd" }, "limits.storage.backend"},
		{"empty redis address", func(c *Config) {
			c.Limits.Storage.Backend = "redis"
			c.Limits.Storage.Redis.Address = ""
		}, "limits.storage.redis.address"},
		{"negative reserve", func(c *Config) { c.Wallet.MinimumReserveCents = "-1" }, "wallet.minimum_reserve_cents"},
		{"bad wallet backend", func(c *Config) { c.Wallet.Storage.Backend = "mysql" }, "wallet.storage.backend"},
		{"postgres without dsn", func(c *Config) { c.Wallet.Storage.Backend = "postgres" }, "wallet.storage.postgres.dsn"},
		{"bad cron", func(c *Config) { c.Wallet.Reaper.Schedule = "every minute" }, "wallet.reaper.schedule"},
		{"zero burst", func(c *Config) { c.Security.Admin.Burst = -1 }, "security.admin.burst"},
		{"key without org", func(c *Config) {
			c.Security.Authentication.Keys = []APIKeyConfig{{Key: "sk-1"}}
		}, "security.authentication.keys[0].org_id"},
		{"duplicate key", func(c *Config) {
			c.Security.Authentication.Keys = []APIKeyConfig{
				{Key: "sk-1", OrgID: "a"},
				{Key: "sk-1", OrgID: "b"},
			}
		}, "security.authentication.keys[1].key"},
		{"client key equals admin key", func(c *Config) {
			c.Security.Admin.APIKey = "same"
			c.Security.Authentication.Keys = []APIKeyConfig{{Key: "same", OrgID: "a"}}
		}, "security.authentication.keys[0].key"},
		{"auth without keys", func(c *Config) { c.Security.Authentication.Enabled = true }, "security.authentication.keys"},
		{"bad log level", func(c *Config) { c.Telemetry.Logging.Level = "verbose" }, "telemetry.logging.level"},
		{"bad redact pattern", func(c *Config) {
			c.Telemetry.Logging.RedactPatterns = []RedactPattern{{Name: "x", Pattern: "("}}
		}, "telemetry.logging.redact_patterns[0].pattern"},
		{"bad sample ratio", func(c *Config) {
			c.Telemetry.Tracing.Enabled = true
			c.Telemetry.Tracing.SampleRatio = 2
		}, "telemetry.tracing.sample_ratio"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := Validate(cfg)
			if err == nil {
				t.Fatal("Expected validation error")
			}
			var ve ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Expected ValidationError, got %T", err)
			}

			found := false
			for _, fe := range ve.Errors {
				if fe.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("Expected error on %s, got %v", tt.field, ve.Errors)
			}
		})
	}
}

func TestValidationError_Format(t *testing.T) {
	single := ValidationError{Errors: []FieldError{{Field: "a", Message: "bad"}}}
	if single.Error() != "configuration validation failed: a: bad" {
		t.Errorf("Unexpected single error format: %q", single.Error())
	}

	multi := ValidationError{Errors: []FieldError{
		{Field: "a", Message: "bad"},
		{Field: "b", Message: "worse"},
	}}
	msg := multi.Error()
	if !strings.Contains(msg, "2 errors") || !strings.Contains(msg, "  - b: worse") {
		t.Errorf("Unexpected multi error format: %q", msg)
	}
}

// ===== Singleton =====

func TestSingleton_InitializeAndReload(t *testing.T) {
	resetForTesting()
	t.Cleanup(resetForTesting)

	path := writeConfig(t, "server:\n  listen_address: \"127.0.0.1:7000\"\n")
	if err := Initialize(path); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if got := MustGetConfig().Server.ListenAddress; got != "127.0.0.1:7000" {
		t.Errorf("Expected 127.0.0.1:7000, got %q", got)
	}

	var hookAddr string
	OnReload(func(cfg *Config) { hookAddr = cfg.Server.ListenAddress })

	if err := os.WriteFile(path, []byte("server:\n  listen_address: \"127.0.0.1:7001\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := ReloadConfig(path); err != nil {
		t.Fatalf("ReloadConfig failed: %v", err)
	}
	if got := GetConfig().Server.ListenAddress; got != "127.0.0.1:7001" {
		t.Errorf("Expected reloaded address 127.0.0.1:7001, got %q", got)
	}
	if hookAddr != "127.0.0.1:7001" {
		t.Errorf("Expected reload hook to see new address, got %q", hookAddr)
	}
}

func TestSingleton_ReloadFailureKeepsConfig(t *testing.T) {
	resetForTesting()
	t.Cleanup(resetForTesting)

	path := writeConfig(t, "server:\n  listen_address: \"127.0.0.1:7000\"\n")
	if err := Initialize(path); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if err := os.WriteFile(path, []byte("limits:\n  failure_mode: \"nope\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := ReloadConfig(path); err == nil {
		t.Fatal("Expected reload to fail")
	}
	if got := GetConfig().Server.ListenAddress; got != "127.0.0.1:7000" {
		t.Errorf("Expected previous config to be kept, got %q", got)
	}
}

func TestMustGetConfig_Panics(t *testing.T) {
	resetForTesting()
	t.Cleanup(resetForTesting)

	defer func() {
		if recover() == nil {
			t.Error("Expected panic when config is not initialized")
		}
	}()
	MustGetConfig()
}

// ===== Watcher =====

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, "server:\n  listen_address: \"127.0.0.1:7000\"\n")

	w, err := NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	w.debounce = newDebouncer(10 * time.Millisecond)

	var reloads atomic.Int32
	w.reload = func(string) error {
		reloads.Add(1)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx) }()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte("server:\n  listen_address: \"127.0.0.1:7001\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	// Unrelated files in the same directory are ignored.
	if err := os.WriteFile(filepath.Join(filepath.Dir(path), "other.yaml"), []byte("x: 1"), 0644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for reloads.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch returned error: %v", err)
	}
	if reloads.Load() == 0 {
		t.Error("Expected at least one reload")
	}
}

func TestNewWatcher_EmptyPath(t *testing.T) {
	if _, err := NewWatcher("", nil); err == nil {
		t.Error("Expected error for empty path")
	}
}

func TestDebouncer_CollapsesBursts(t *testing.T) {
	d := newDebouncer(30 * time.Millisecond)
	defer d.stop()

	var calls atomic.Int32
	for i := 0; i < 5; i++ {
		d.trigger(func() { calls.Add(1) })
	}

	time.Sleep(150 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("Expected 1 call, got %d", got)
	}
}
