// Package types defines the JSON error bodies written by the gateway and
// the admin API.
//
// Errors follow the OpenAI shape:
//
//	{"error": {"message": "...", "type": "rate_limit_exceeded"}}
//
// Rate limit denials also carry the message at the top level, which is
// what Helicone-compatible clients read.
package types
