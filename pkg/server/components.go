package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"mercator-hq/gatekeeper/pkg/admission"
	"mercator-hq/gatekeeper/pkg/config"
	"mercator-hq/gatekeeper/pkg/limits/ratelimit"
	"mercator-hq/gatekeeper/pkg/limits/storage"
	"mercator-hq/gatekeeper/pkg/security/auth"
	"mercator-hq/gatekeeper/pkg/telemetry/health"
	"mercator-hq/gatekeeper/pkg/telemetry/metrics"
	"mercator-hq/gatekeeper/pkg/telemetry/tracing"
	"mercator-hq/gatekeeper/pkg/wallet"
	"mercator-hq/gatekeeper/pkg/wallet/reaper"
	walletstorage "mercator-hq/gatekeeper/pkg/wallet/storage"
)

// Components holds the long-lived parts of a running gatekeeper.
type Components struct {
	Metrics *metrics.Collector
	Tracer  *tracing.Tracer

	LimitsBackend storage.Backend
	Limiter       *ratelimit.Limiter

	WalletStore wallet.Store
	Ledger      *wallet.Ledger
	Escrow      *wallet.Escrow
	Reaper      *reaper.Reaper

	Controller *admission.Controller
	APIKeys    *auth.APIKeyValidator
	Admin      *auth.AdminAuth
	Health     *health.Checker

	logger *slog.Logger
}

// Build opens the stores and assembles every component from cfg. Close
// releases what Build opened.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger, version string) (*Components, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Components{logger: logger}

	c.Metrics = metrics.NewCollector(&cfg.Telemetry.Metrics, nil)

	tracer, err := tracing.New(&cfg.Telemetry.Tracing, version)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	c.Tracer = tracer

	c.LimitsBackend, err = NewLimitsBackend(cfg.Limits.Storage)
	if err != nil {
		c.Close(ctx)
		return nil, fmt.Errorf("failed to open limits storage: %w", err)
	}
	c.Limiter = ratelimit.NewLimiter(c.LimitsBackend,
		ratelimit.WithMetrics(c.Metrics),
		ratelimit.WithLogger(logger.With("component", "ratelimit")),
	)

	c.WalletStore, err = walletstorage.Open(ctx, cfg.Wallet.Storage)
	if err != nil {
		c.Close(ctx)
		return nil, fmt.Errorf("failed to open wallet storage: %w", err)
	}
	c.Ledger = wallet.NewLedger(c.WalletStore,
		wallet.WithMetrics(c.Metrics),
		wallet.WithLogger(logger.With("component", "wallet")),
	)

	minReserve, err := decimal.NewFromString(cfg.Wallet.MinimumReserveCents)
	if err != nil {
		c.Close(ctx)
		return nil, fmt.Errorf("invalid wallet.minimum_reserve_cents: %w", err)
	}
	c.Escrow = wallet.NewEscrow(c.Ledger, minReserve)
	c.Reaper = reaper.New(c.Escrow, reaper.Config{
		Schedule:    cfg.Wallet.Reaper.Schedule,
		HoldTimeout: cfg.Wallet.Reaper.HoldTimeout,
	})

	var escrow admission.Escrow
	if cfg.Wallet.Enabled {
		escrow = c.Escrow
	}
	c.Controller = admission.NewController(c.Limiter, escrow, admission.ConfigFrom(cfg),
		admission.WithMetrics(c.Metrics),
		admission.WithTracer(c.Tracer),
		admission.WithLogger(logger.With("component", "admission")),
	)

	c.APIKeys = auth.NewAPIKeyValidator(auth.KeysFromConfig(cfg.Security.Authentication.Keys))
	c.Admin = auth.NewAdminAuth(cfg.Security.Admin)

	c.Health = health.New(cfg.Telemetry.Health.CheckTimeout)
	c.Health.RegisterCheck("wallet_storage", health.PingCheck(c.WalletStore), true)
	if p, ok := c.LimitsBackend.(health.Pinger); ok {
		c.Health.RegisterCheck("limits_storage", health.PingCheck(p), cfg.Limits.FailureMode == config.FailClosed)
	}

	return c, nil
}

// NewLimitsBackend creates the bucket store selected by cfg.Backend.
func NewLimitsBackend(cfg config.LimitsStorageConfig) (storage.Backend, error) {
	switch cfg.Backend {
	case "", "memory":
		return storage.NewMemoryBackendWithConfig(storage.MemoryBackendConfig{
			MaxEntries:      cfg.Memory.MaxEntries,
			CleanupInterval: cfg.Memory.CleanupInterval,
			IdleTTL:         cfg.Memory.IdleTTL,
		}), nil
	case "sqlite":
		return storage.NewSQLiteBackendWithConfig(storage.SQLiteBackendConfig{
			DBPath:             cfg.SQLite.Path,
			CheckpointInterval: cfg.SQLite.CheckpointInterval,
		})
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return storage.NewRedisBackend(rdb,
			storage.WithRedisPrefix(cfg.Redis.Prefix),
			storage.WithRedisTTL(cfg.Redis.TTL),
			storage.WithRedisMaxRetries(cfg.Redis.MaxRetries),
		), nil
	default:
		return nil, fmt.Errorf("unknown limits backend %q", cfg.Backend)
	}
}

// ApplyReload applies the reloadable fields of cfg: client API keys, the
// admin key and throttle. The log level is applied by the caller that owns
// the logger.
func (c *Components) ApplyReload(cfg *config.Config) {
	c.APIKeys.Replace(auth.KeysFromConfig(cfg.Security.Authentication.Keys))
	c.Admin.Update(cfg.Security.Admin)
	c.logger.Info("configuration reloaded",
		"api_keys", len(cfg.Security.Authentication.Keys),
	)
}

// Close stops the reaper and closes the stores and tracer.
func (c *Components) Close(ctx context.Context) error {
	var errs []error
	if c.Reaper != nil {
		c.Reaper.Stop()
	}
	if c.LimitsBackend != nil {
		if err := c.LimitsBackend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("limits storage: %w", err))
		}
	}
	if c.WalletStore != nil {
		if err := c.WalletStore.Close(); err != nil {
			errs = append(errs, fmt.Errorf("wallet storage: %w", err))
		}
	}
	if c.Tracer != nil {
		if err := c.Tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer: %w", err))
		}
	}
	return errors.Join(errs...)
}
