package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"mercator-hq/gatekeeper/pkg/limits/policy"
	"mercator-hq/gatekeeper/pkg/limits/storage"
	"mercator-hq/gatekeeper/pkg/telemetry/metrics"
)

// ErrInvalidCost is returned for negative or non-finite costs.
var ErrInvalidCost = errors.New("cost must be a finite non-negative number")

// Limiter evaluates policies against token buckets held in a storage backend.
//
// Each operation is a single Backend.Update call, so concurrent requests on
// the same bucket are serialized by the backend and never observe a
// partially applied deduction. Buckets for different keys are independent.
type Limiter struct {
	backend storage.Backend
	now     func() time.Time
	metrics *metrics.Collector
	logger  *slog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithMetrics records check outcomes on the given collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(l *Limiter) { l.metrics = c }
}

// WithLogger sets the logger used for limiter events.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLimiter creates a limiter over backend.
func NewLimiter(backend storage.Backend, opts ...Option) *Limiter {
	l := &Limiter{
		backend: backend,
		now:     time.Now,
		logger:  slog.Default().With("component", "ratelimit"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check refills the bucket and deducts cost if enough tokens are available.
// A bucket seen for the first time starts full. Use cost 1 for request
// policies.
func (l *Limiter) Check(ctx context.Context, key policy.BucketKey, p policy.Policy, cost float64) (Result, error) {
	if !validCost(cost) {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidCost, cost)
	}

	var result Result
	_, err := l.backend.Update(ctx, key.String(), func(cur *storage.BucketState) (*storage.BucketState, error) {
		state := refill(cur, p, l.now())
		result = Result{Limit: p.Quota, Policy: p.String()}

		if state.Tokens >= cost {
			state.Tokens -= cost
			result.Allowed = true
			result.Remaining = remaining(state.Tokens)
			result.ResetSeconds = secondsUntil(state.Tokens, 1, state.RefillRate)
		} else {
			result.ResetSeconds = denyReset(state.Tokens, cost, state.RefillRate)
		}
		return state, nil
	})
	if err != nil {
		l.observe(p, "error")
		return Result{}, err
	}

	if result.Allowed {
		l.observe(p, "allowed")
	} else {
		l.observe(p, "denied")
		l.logger.Debug("rate limit denied",
			"key", key.String(),
			"cost", cost,
			"reset_seconds", result.ResetSeconds,
		)
	}
	return result, nil
}

// Peek refills the bucket and reports whether any capacity is left, without
// deducting. It is the admission step for cost-denominated policies, whose
// real cost is only known after the upstream call and is applied with Record.
func (l *Limiter) Peek(ctx context.Context, key policy.BucketKey, p policy.Policy) (Result, error) {
	var result Result
	_, err := l.backend.Update(ctx, key.String(), func(cur *storage.BucketState) (*storage.BucketState, error) {
		state := refill(cur, p, l.now())
		result = Result{Limit: p.Quota, Policy: p.String()}

		if state.Tokens > 0 {
			result.Allowed = true
			result.Remaining = remaining(state.Tokens)
			result.ResetSeconds = secondsUntil(state.Tokens, 1, state.RefillRate)
		} else {
			result.ResetSeconds = denyReset(state.Tokens, 0, state.RefillRate)
		}
		return state, nil
	})
	if err != nil {
		l.observe(p, "error")
		return Result{}, err
	}

	if result.Allowed {
		l.observe(p, "allowed")
	} else {
		l.observe(p, "denied")
	}
	return result, nil
}

// Record refills the bucket and deducts cost unconditionally. The bucket may
// go negative; subsequent Peek calls deny until it refills above zero.
// Allowed in the result reports whether capacity remains after the deduction.
func (l *Limiter) Record(ctx context.Context, key policy.BucketKey, p policy.Policy, cost float64) (Result, error) {
	if !validCost(cost) {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidCost, cost)
	}

	var result Result
	_, err := l.backend.Update(ctx, key.String(), func(cur *storage.BucketState) (*storage.BucketState, error) {
		state := refill(cur, p, l.now())
		state.Tokens -= cost

		result = Result{
			Allowed:   state.Tokens > 0,
			Limit:     p.Quota,
			Remaining: remaining(state.Tokens),
			Policy:    p.String(),
		}
		if state.Tokens > 0 {
			result.ResetSeconds = secondsUntil(state.Tokens, 1, state.RefillRate)
		} else {
			result.ResetSeconds = denyReset(state.Tokens, 0, state.RefillRate)
		}
		return state, nil
	})
	if err != nil {
		l.observe(p, "error")
		return Result{}, err
	}

	l.observe(p, "recorded")
	return result, nil
}

func (l *Limiter) observe(p policy.Policy, outcome string) {
	l.metrics.RecordRateLimitCheck(string(p.Unit), outcome)
	if outcome == "error" {
		l.metrics.RecordStorageError("limiter")
	}
}

// validCost rejects NaN as well, since NaN >= 0 is false.
func validCost(cost float64) bool {
	return cost >= 0 && !math.IsInf(cost, 1)
}
