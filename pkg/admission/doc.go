// Package admission decides whether an inbound gateway request may be
// forwarded upstream.
//
// A request is admitted when both of the following hold:
//
//   - its Helicone-RateLimit-Policy bucket has capacity, and
//   - for wallet-funded requests, the organization's wallet can hold the
//     estimated cost in escrow.
//
// The rate limit check always runs first, so a throttled request never
// reserves funds. When the upstream call finishes, Complete settles or
// releases the escrow hold and, for cents policies, records the actual cost
// against the bucket.
//
// # Failure handling
//
// An absent or malformed policy, or a missing segment identifier, admits
// the request without rate limit headers. A bucket storage failure follows
// the configured failure mode (fail-open by default). A wallet storage
// failure always denies the request.
//
// # HTTP surface
//
// Middleware wraps the forwarding handler. It writes the lower-case
// helicone-ratelimit-* headers and answers denials itself:
//
//	429 rate limited         {"message": "Rate limit reached ...", "error": {...}}
//	402 insufficient funds   {"error": {"type": "insufficient_funds", ...}}
//	503 storage unavailable  {"error": {"type": "service_unavailable", ...}}
//
// The forwarding handler reports the actual cost with ReportCost.
package admission
