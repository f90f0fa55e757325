package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// Context keys for common log fields.
type contextKey string

const (
	// RequestIDKey is the context key for request IDs.
	RequestIDKey contextKey = "request_id"

	// OrgIDKey is the context key for the authenticated organization.
	OrgIDKey contextKey = "org_id"

	// UserKey is the context key for the Helicone user identifier.
	UserKey contextKey = "user"

	// PolicyKey is the context key for the raw rate limit policy header.
	PolicyKey contextKey = "policy"
)

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// WithOrgID adds an organization ID to the context.
func WithOrgID(ctx context.Context, orgID string) context.Context {
	return context.WithValue(ctx, OrgIDKey, orgID)
}

// GetOrgID retrieves the organization ID from the context.
func GetOrgID(ctx context.Context) string {
	if orgID, ok := ctx.Value(OrgIDKey).(string); ok {
		return orgID
	}
	return ""
}

// WithUser adds a user identifier to the context.
func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, UserKey, user)
}

// GetUser retrieves the user identifier from the context.
func GetUser(ctx context.Context) string {
	if user, ok := ctx.Value(UserKey).(string); ok {
		return user
	}
	return ""
}

// WithPolicy adds the rate limit policy header value to the context.
func WithPolicy(ctx context.Context, policy string) context.Context {
	return context.WithValue(ctx, PolicyKey, policy)
}

// GetPolicy retrieves the rate limit policy from the context.
func GetPolicy(ctx context.Context) string {
	if policy, ok := ctx.Value(PolicyKey).(string); ok {
		return policy
	}
	return ""
}

// contextAttrs extracts the request-scoped fields carried by ctx, including
// the trace and span IDs of an active OpenTelemetry span.
func contextAttrs(ctx context.Context) []any {
	if ctx == nil {
		return nil
	}
	var fields []any
	if v := GetRequestID(ctx); v != "" {
		fields = append(fields, string(RequestIDKey), v)
	}
	if v := GetOrgID(ctx); v != "" {
		fields = append(fields, string(OrgIDKey), v)
	}
	if v := GetUser(ctx); v != "" {
		fields = append(fields, string(UserKey), v)
	}
	if v := GetPolicy(ctx); v != "" {
		fields = append(fields, string(PolicyKey), v)
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields, "trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
	}
	return fields
}
