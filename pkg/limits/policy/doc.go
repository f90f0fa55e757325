// Package policy parses Helicone-RateLimit-Policy header values and resolves
// the bucket a request is counted against.
//
// # Policy Format
//
//	quota;w=window[;u=unit][;s=segment]
//
//   - quota: positive integer, always first
//   - w: window in seconds, 60 to 31536000
//   - u: "request" (default) or "cents"
//   - s: "user", or a custom property name; omitted means global
//
// Examples:
//
//	10;w=60                 // 10 requests per minute, shared
//	100;w=3600;s=user       // 100 requests per hour per Helicone-User-Id
//	5000;w=86400;u=cents    // $50 per day
//
// # Failure Semantics
//
// Parse and Resolve report problems as error values. Neither is fatal: a
// request with an invalid policy, or missing the header its segment needs,
// proceeds without rate limiting.
package policy
