package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"mercator-hq/gatekeeper/pkg/config"
	"mercator-hq/gatekeeper/pkg/proxy/types"
	"mercator-hq/gatekeeper/pkg/telemetry/logging"
)

// APIKeyMiddleware is HTTP middleware for client API key authentication.
// An authenticated request carries its APIKeyInfo and org id in the
// context.
type APIKeyMiddleware struct {
	validator APIKeyStore
	sources   []config.APIKeySource
}

// NewAPIKeyMiddleware creates a new API key authentication middleware
func NewAPIKeyMiddleware(validator APIKeyStore, sources []config.APIKeySource) *APIKeyMiddleware {
	return &APIKeyMiddleware{
		validator: validator,
		sources:   sources,
	}
}

// Handle wraps an HTTP handler with API key authentication
func (m *APIKeyMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		apiKey, err := ExtractKey(r, m.sources)
		if err != nil {
			slog.WarnContext(ctx, "missing API key",
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path,
			)
			types.WriteError(w, types.NewAuthenticationError("Missing API key"))
			return
		}

		keyInfo, err := m.validator.Validate(apiKey)
		if err != nil {
			slog.WarnContext(ctx, "invalid API key",
				"error", err,
				"key", logging.RedactAPIKey(apiKey),
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path,
			)
			types.WriteError(w, types.NewAuthenticationError("Invalid API key"))
			return
		}

		slog.DebugContext(ctx, "API key authenticated",
			"org_id", keyInfo.OrgID,
			"user_id", keyInfo.UserID,
			"path", r.URL.Path,
		)

		ctx = context.WithValue(ctx, apiKeyInfoKey, keyInfo)
		ctx = logging.WithOrgID(ctx, keyInfo.OrgID)
		if keyInfo.UserID != "" {
			ctx = logging.WithUser(ctx, keyInfo.UserID)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ExtractKey returns the first key found in sources, tried in order.
func ExtractKey(r *http.Request, sources []config.APIKeySource) (string, error) {
	for _, source := range sources {
		switch source.Type {
		case "header":
			value := r.Header.Get(source.Name)
			if value == "" {
				continue
			}
			if source.Scheme == "" {
				return value, nil
			}
			// Scheme names are case-insensitive (RFC 7235).
			prefix := source.Scheme + " "
			if len(value) > len(prefix) && strings.EqualFold(value[:len(prefix)], prefix) {
				return strings.TrimSpace(value[len(prefix):]), nil
			}

		case "query":
			if value := r.URL.Query().Get(source.Name); value != "" {
				return value, nil
			}
		}
	}

	return "", ErrMissingKey
}

// Context key for API key info
type contextKey string

// #nosec G101 - This is a context key constant, not a credential
const apiKeyInfoKey contextKey = "api_key_info"

// GetAPIKeyInfo retrieves API key info from request context
func GetAPIKeyInfo(ctx context.Context) (*APIKeyInfo, bool) {
	info, ok := ctx.Value(apiKeyInfoKey).(*APIKeyInfo)
	return info, ok
}
