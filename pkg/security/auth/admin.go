package auth

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"mercator-hq/gatekeeper/pkg/config"
	"mercator-hq/gatekeeper/pkg/proxy/types"
)

// AdminAuth guards the admin API with a single bearer key.
//
// Every request, authenticated or not, first takes a token from a shared
// throttle so the key cannot be guessed at line rate. The key comparison
// runs in constant time.
type AdminAuth struct {
	mu      sync.RWMutex
	key     []byte
	limiter *rate.Limiter
}

// NewAdminAuth creates admin authentication from cfg. An empty key rejects
// every request.
func NewAdminAuth(cfg config.AdminConfig) *AdminAuth {
	return &AdminAuth{
		key:     []byte(cfg.APIKey),
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
	}
}

// Update applies a reloaded admin configuration.
func (a *AdminAuth) Update(cfg config.AdminConfig) {
	a.mu.Lock()
	a.key = []byte(cfg.APIKey)
	a.mu.Unlock()

	a.limiter.SetLimit(rate.Limit(cfg.RequestsPerSecond))
	a.limiter.SetBurst(cfg.Burst)
}

// Authorized reports whether token matches the admin key.
func (a *AdminAuth) Authorized(token string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.key) == 0 || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare(a.key, []byte(token)) == 1
}

var adminSources = []config.APIKeySource{
	{Type: "header", Name: "Authorization", Scheme: "Bearer"},
}

// Handle wraps an admin handler with throttling and bearer authentication.
func (a *AdminAuth) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			types.WriteError(w, types.NewErrorResponse("Too many admin requests", types.ErrorTypeRateLimitExceeded, "", ""))
			return
		}

		token, _ := ExtractKey(r, adminSources)
		if !a.Authorized(token) {
			slog.WarnContext(r.Context(), "admin authentication failed",
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path,
			)
			types.WriteError(w, types.NewAuthenticationError("Invalid admin credentials"))
			return
		}

		next.ServeHTTP(w, r)
	})
}
