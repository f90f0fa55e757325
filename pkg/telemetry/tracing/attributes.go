package tracing

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys recorded on admission spans.
const (
	AttrOrgID        = attribute.Key("gatekeeper.org_id")
	AttrRequestID    = attribute.Key("gatekeeper.request_id")
	AttrPolicy       = attribute.Key("gatekeeper.ratelimit.policy")
	AttrBucketKey    = attribute.Key("gatekeeper.ratelimit.key")
	AttrAllowed      = attribute.Key("gatekeeper.ratelimit.allowed")
	AttrRemaining    = attribute.Key("gatekeeper.ratelimit.remaining")
	AttrDecision     = attribute.Key("gatekeeper.admission.decision")
	AttrWalletFunded = attribute.Key("gatekeeper.wallet.funded")
	AttrHoldID       = attribute.Key("gatekeeper.wallet.hold_id")
	AttrAmountCents  = attribute.Key("gatekeeper.wallet.amount_cents")
)

// SetRequestAttributes records who a request belongs to.
func SetRequestAttributes(span trace.Span, orgID, requestID string, walletFunded bool) {
	attrs := []attribute.KeyValue{AttrWalletFunded.Bool(walletFunded)}
	if orgID != "" {
		attrs = append(attrs, AttrOrgID.String(orgID))
	}
	if requestID != "" {
		attrs = append(attrs, AttrRequestID.String(requestID))
	}
	span.SetAttributes(attrs...)
}

// SetRateLimitAttributes records the outcome of a bucket operation.
func SetRateLimitAttributes(span trace.Span, policy, key string, allowed bool, remaining uint64) {
	span.SetAttributes(
		AttrPolicy.String(policy),
		AttrBucketKey.String(key),
		AttrAllowed.Bool(allowed),
		AttrRemaining.Int64(int64(remaining)),
	)
}

// SetHoldAttributes records an escrow hold. Amount is in cents.
func SetHoldAttributes(span trace.Span, holdID, amount string) {
	span.SetAttributes(
		AttrHoldID.String(holdID),
		AttrAmountCents.String(amount),
	)
}
