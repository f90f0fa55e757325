package admission

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"

	"mercator-hq/gatekeeper/pkg/config"
	"mercator-hq/gatekeeper/pkg/limits/policy"
	"mercator-hq/gatekeeper/pkg/limits/ratelimit"
	"mercator-hq/gatekeeper/pkg/telemetry/metrics"
	"mercator-hq/gatekeeper/pkg/telemetry/tracing"
	"mercator-hq/gatekeeper/pkg/wallet"
)

// Limiter is the token bucket surface the controller needs.
// *ratelimit.Limiter implements it.
type Limiter interface {
	Check(ctx context.Context, key policy.BucketKey, p policy.Policy, cost float64) (ratelimit.Result, error)
	Peek(ctx context.Context, key policy.BucketKey, p policy.Policy) (ratelimit.Result, error)
	Record(ctx context.Context, key policy.BucketKey, p policy.Policy, cost float64) (ratelimit.Result, error)
}

// Escrow is the wallet surface the controller needs. *wallet.Escrow
// implements it.
type Escrow interface {
	ReserveOnce(ctx context.Context, req wallet.ReserveRequest) (wallet.EscrowHold, error)
	Settle(ctx context.Context, holdID string, actual decimal.Decimal) (wallet.EscrowHold, error)
	Release(ctx context.Context, holdID string) (wallet.EscrowHold, error)
}

// Tracer starts spans. *tracing.Tracer implements it.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span)
}

// Config controls admission behavior.
type Config struct {
	// RateLimitEnabled turns policy headers on. When false every request
	// is admitted without a bucket check.
	RateLimitEnabled bool

	// FailureMode applies when bucket storage fails: config.FailOpen
	// admits without headers, config.FailClosed denies. Wallet storage
	// failures always deny.
	FailureMode string

	// ScopeByOrg partitions buckets by organization.
	ScopeByOrg bool

	// WalletEnabled turns escrow on for wallet-funded requests.
	WalletEnabled bool
}

// ConfigFrom builds a Config from the limits and wallet sections.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		RateLimitEnabled: cfg.Limits.Enabled,
		FailureMode:      cfg.Limits.FailureMode,
		ScopeByOrg:       cfg.Limits.ScopeByOrg,
		WalletEnabled:    cfg.Wallet.Enabled,
	}
}

// Controller decides whether a request may be forwarded upstream and
// settles its accounting once it finishes.
//
// Admit runs the bucket check before the escrow reserve, so a rate limited
// request never holds wallet funds.
type Controller struct {
	limiter  Limiter
	escrow   Escrow
	resolver *policy.KeyResolver
	cfg      Config

	metrics *metrics.Collector
	tracer  Tracer
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithMetrics records decisions on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(ctrl *Controller) { ctrl.metrics = c }
}

// WithTracer records admission spans.
func WithTracer(t Tracer) Option {
	return func(ctrl *Controller) {
		if t != nil {
			ctrl.tracer = t
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(ctrl *Controller) {
		if logger != nil {
			ctrl.logger = logger
		}
	}
}

// NewController creates a controller. escrow may be nil when no wallet is
// configured; wallet-funded requests are then denied as unavailable.
func NewController(limiter Limiter, escrow Escrow, cfg Config, opts ...Option) *Controller {
	if cfg.FailureMode == "" {
		cfg.FailureMode = config.DefaultLimitsFailureMode
	}
	c := &Controller{
		limiter:  limiter,
		escrow:   escrow,
		resolver: policy.NewKeyResolver(),
		cfg:      cfg,
		tracer:   tracing.Noop(),
		logger:   slog.Default().With("component", "admission"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Admit evaluates req against its rate limit policy and, for wallet-funded
// requests, reserves the estimated cost.
//
// The returned error is only non-nil for a malformed Request; policy,
// quota and funding problems are reported through the Decision.
func (c *Controller) Admit(ctx context.Context, req Request) (*Decision, error) {
	start := c.now()
	ctx, span := c.tracer.Start(ctx, "admission.admit")
	defer span.End()
	tracing.SetRequestAttributes(span, req.OrgID, req.RequestID, req.WalletFunded)

	d := &Decision{Allowed: true, OrgID: req.OrgID, RequestID: req.RequestID}
	defer func() {
		span.SetAttributes(tracing.AttrDecision.String(decisionLabel(d)))
		c.metrics.RecordAdmissionDecision(decisionLabel(d), c.now().Sub(start))
	}()

	if c.cfg.RateLimitEnabled {
		c.checkRateLimit(ctx, span, req, d)
		if !d.Allowed {
			return d, nil
		}
	}

	if req.WalletFunded && c.cfg.WalletEnabled {
		if err := c.reserve(ctx, span, req, d); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (c *Controller) checkRateLimit(ctx context.Context, span trace.Span, req Request, d *Decision) {
	raw := req.Header.Get(policy.PolicyHeader)
	if raw == "" {
		return
	}

	p, err := policy.Parse(raw)
	if err != nil {
		c.logger.DebugContext(ctx, "ignoring invalid rate limit policy", "error", err)
		return
	}
	d.Policy = &p

	scope := ""
	if c.cfg.ScopeByOrg {
		scope = req.OrgID
	}
	key, err := c.resolver.Resolve(p, req.Header, scope)
	if err != nil {
		c.metrics.RecordIdentityMissing()
		c.logger.WarnContext(ctx, "rate limit segment identifier missing, request not limited",
			"policy", p.String(),
			"error", err,
		)
		return
	}
	d.Key, d.Keyed = key, true

	var result ratelimit.Result
	if p.Unit == policy.UnitCents {
		result, err = c.limiter.Peek(ctx, key, p)
	} else {
		result, err = c.limiter.Check(ctx, key, p, 1)
	}
	if err != nil {
		tracing.SetError(span, err)
		if c.cfg.FailureMode == config.FailClosed {
			c.logger.ErrorContext(ctx, "rate limit storage failed, denying request", "key", key.String(), "error", err)
			d.Allowed, d.Reason, d.Err = false, DenyStorageUnavailable, err
			return
		}
		c.logger.WarnContext(ctx, "rate limit storage failed, admitting request", "key", key.String(), "error", err)
		d.Keyed = false
		return
	}

	tracing.SetRateLimitAttributes(span, result.Policy, key.String(), result.Allowed, result.Remaining)
	d.RateLimit = &result
	if !result.Allowed {
		d.Allowed, d.Reason = false, DenyRateLimited
	}
}

func (c *Controller) reserve(ctx context.Context, span trace.Span, req Request, d *Decision) error {
	if c.escrow == nil {
		d.Allowed, d.Reason, d.Err = false, DenyStorageUnavailable, wallet.ErrStorageUnavailable
		return nil
	}

	// Each admission spends its hold once. A replayed request id would
	// otherwise be forwarded against a hold that is already settled.
	hold, err := c.escrow.ReserveOnce(ctx, wallet.ReserveRequest{
		OrgID:     req.OrgID,
		RequestID: req.RequestID,
		Amount:    req.EstimatedCost,
		Provider:  req.Provider,
		Model:     req.Model,
	})
	switch {
	case err == nil:
		d.Hold = &hold
		tracing.SetHoldAttributes(span, hold.ID, hold.Amount.String())
		return nil
	case errors.Is(err, wallet.ErrInsufficientFunds):
		d.Allowed, d.Reason, d.Err = false, DenyInsufficientFunds, err
		return nil
	case errors.Is(err, wallet.ErrModelDisallowed):
		d.Allowed, d.Reason, d.Err = false, DenyModelDisallowed, err
		return nil
	case errors.Is(err, wallet.ErrDuplicateRequest):
		d.Allowed, d.Reason, d.Err = false, DenyDuplicateRequest, err
		return nil
	case errors.Is(err, wallet.ErrInvalidTransaction):
		return err
	default:
		tracing.SetError(span, err)
		c.logger.ErrorContext(ctx, "escrow reserve failed, denying request", "org_id", req.OrgID, "error", err)
		d.Allowed, d.Reason, d.Err = false, DenyStorageUnavailable, err
		return nil
	}
}

// Complete settles a decision once the upstream call has finished.
//
// A wallet hold is settled for the actual cost, or released when the
// request failed without cost. Cents policies then have the actual cost
// recorded against their bucket. Every step runs even if an earlier one
// fails; the errors are joined.
func (c *Controller) Complete(ctx context.Context, d *Decision, out Outcome) error {
	if d == nil || !d.Allowed {
		return nil
	}

	ctx, span := c.tracer.Start(ctx, "admission.complete")
	defer span.End()

	var errs []error

	if d.Hold != nil {
		var err error
		if out.Succeeded || !out.ActualCost.IsZero() {
			_, err = c.escrow.Settle(ctx, d.Hold.ID, out.ActualCost)
		} else {
			_, err = c.escrow.Release(ctx, d.Hold.ID)
		}
		if err != nil {
			c.logger.ErrorContext(ctx, "escrow completion failed",
				"hold_id", d.Hold.ID,
				"actual_cents", out.ActualCost.String(),
				"error", err,
			)
			errs = append(errs, err)
		}
	}

	if d.Keyed && d.Policy != nil && d.Policy.Unit == policy.UnitCents && out.ActualCost.IsPositive() {
		if _, err := c.limiter.Record(ctx, d.Key, *d.Policy, out.ActualCost.InexactFloat64()); err != nil {
			c.logger.WarnContext(ctx, "recording request cost failed", "key", d.Key.String(), "error", err)
			errs = append(errs, err)
		}
	}

	err := errors.Join(errs...)
	tracing.SetError(span, err)
	return err
}

func decisionLabel(d *Decision) string {
	if d.Allowed {
		return "allowed"
	}
	return string(d.Reason)
}
