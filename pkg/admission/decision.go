package admission

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"mercator-hq/gatekeeper/pkg/limits/policy"
	"mercator-hq/gatekeeper/pkg/limits/ratelimit"
	"mercator-hq/gatekeeper/pkg/wallet"
)

// Response header names. They are written lower-case, as the gateway
// clients compare them literally.
const (
	HeaderLimit     = "helicone-ratelimit-limit"
	HeaderRemaining = "helicone-ratelimit-remaining"
	HeaderReset     = "helicone-ratelimit-reset"
	HeaderPolicy    = "helicone-ratelimit-policy"
)

// DenyReason explains why a request was not admitted.
type DenyReason string

const (
	// DenyNone is the reason of an admitted request.
	DenyNone DenyReason = ""

	// DenyRateLimited means the bucket had no capacity for the request.
	DenyRateLimited DenyReason = "rate_limited"

	// DenyInsufficientFunds means the wallet could not cover the estimate.
	DenyInsufficientFunds DenyReason = "insufficient_funds"

	// DenyModelDisallowed means the wallet refuses to fund the provider/model.
	DenyModelDisallowed DenyReason = "model_disallowed"

	// DenyDuplicateRequest means the request id already funded a request.
	DenyDuplicateRequest DenyReason = "duplicate_request"

	// DenyStorageUnavailable means a store failed and the failure mode is
	// closed.
	DenyStorageUnavailable DenyReason = "storage_unavailable"
)

// Request describes one inbound request to admit.
type Request struct {
	// Header is the inbound request header set.
	Header http.Header

	// OrgID is the organization the request belongs to. It scopes buckets
	// and selects the wallet.
	OrgID string

	// RequestID identifies the request for escrow idempotency.
	RequestID string

	// WalletFunded marks requests paid from the org's prepaid wallet.
	WalletFunded bool

	// EstimatedCost is reserved from the wallet, in cents.
	EstimatedCost decimal.Decimal

	// Provider and Model are checked against the wallet disallow list.
	Provider string
	Model    string
}

// Outcome reports how a forwarded request finished.
type Outcome struct {
	// ActualCost is the real cost in cents.
	ActualCost decimal.Decimal

	// Succeeded is false when the upstream failed before incurring cost.
	Succeeded bool
}

// Decision is the result of Controller.Admit. It carries what Complete
// needs to settle the request afterwards.
type Decision struct {
	// Allowed indicates the request may be forwarded.
	Allowed bool

	// Reason is set when Allowed is false.
	Reason DenyReason

	// Err is the underlying error of a wallet or storage denial.
	Err error

	// OrgID and RequestID are copied from the request.
	OrgID     string
	RequestID string

	// Policy is the parsed policy, nil when absent or invalid.
	Policy *policy.Policy

	// Key is the resolved bucket, valid when Keyed is true.
	Key   policy.BucketKey
	Keyed bool

	// RateLimit is the bucket outcome. Nil means no rate limit headers.
	RateLimit *ratelimit.Result

	// Hold is the escrow reservation of a wallet-funded request.
	Hold *wallet.EscrowHold
}

// Headers returns the rate limit response headers. It is empty when no
// policy applied to the request.
func (d *Decision) Headers() http.Header {
	h := http.Header{}
	if d == nil || d.RateLimit == nil {
		return h
	}

	r := d.RateLimit
	set(h, HeaderLimit, strconv.FormatUint(r.Limit, 10))
	set(h, HeaderRemaining, strconv.FormatUint(r.Remaining, 10))
	set(h, HeaderPolicy, r.Policy)
	if r.ResetSeconds > 0 {
		set(h, HeaderReset, strconv.FormatUint(r.ResetSeconds, 10))
	}
	return h
}

// set stores a header under its literal lower-case name, bypassing
// canonicalization.
func set(h http.Header, name, value string) {
	h[name] = []string{value}
}

// StatusCode returns the HTTP status for a denied decision, or 200.
func (d *Decision) StatusCode() int {
	switch d.Reason {
	case DenyNone:
		return http.StatusOK
	case DenyRateLimited:
		return http.StatusTooManyRequests
	case DenyInsufficientFunds, DenyModelDisallowed:
		return http.StatusPaymentRequired
	case DenyDuplicateRequest:
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}

// Message returns a user-facing explanation of a denial.
func (d *Decision) Message(provider string) string {
	if provider == "" {
		provider = "the provider"
	}

	switch d.Reason {
	case DenyRateLimited:
		if d.RateLimit == nil {
			return "Rate limit reached: too many requests under the rate limit policy."
		}
		return fmt.Sprintf("Rate limit reached: too many requests under rate limit policy %s. Please retry in %d seconds.",
			d.RateLimit.Policy, d.RateLimit.ResetSeconds)
	case DenyInsufficientFunds:
		var funds *wallet.InsufficientFundsError
		if errors.As(d.Err, &funds) {
			return fmt.Sprintf("Insufficient balance to fund request to %s. Available: %s cents, needed: %s cents",
				provider, funds.Available.String(), funds.Requested.Add(funds.MinimumReserve).String())
		}
		return fmt.Sprintf("Insufficient balance to fund request to %s.", provider)
	case DenyModelDisallowed:
		return fmt.Sprintf("Wallet funding is not allowed for this model on %s.", provider)
	case DenyDuplicateRequest:
		return "Request id was already used to fund a request. Retry with a new X-Request-ID."
	case DenyStorageUnavailable:
		return "Request could not be admitted: accounting storage is unavailable."
	default:
		return ""
	}
}
