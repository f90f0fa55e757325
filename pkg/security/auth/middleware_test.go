package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"mercator-hq/gatekeeper/pkg/config"
	"mercator-hq/gatekeeper/pkg/proxy/types"
	"mercator-hq/gatekeeper/pkg/telemetry/logging"
)

func TestNewAPIKeyMiddleware(t *testing.T) {
	validator := NewAPIKeyValidator([]*APIKeyInfo{})
	sources := []config.APIKeySource{
		{Type: "header", Name: "Authorization", Scheme: "Bearer"},
	}

	middleware := NewAPIKeyMiddleware(validator, sources)

	if middleware == nil {
		t.Fatal("NewAPIKeyMiddleware returned nil")
	}
	if len(middleware.sources) != 1 {
		t.Errorf("Expected 1 source, got %d", len(middleware.sources))
	}
}

func TestAPIKeyMiddleware_Handle(t *testing.T) {
	bearer := []config.APIKeySource{{Type: "header", Name: "Authorization", Scheme: "Bearer"}}

	tests := []struct {
		name           string
		keys           []*APIKeyInfo
		sources        []config.APIKeySource
		setupRequest   func(*http.Request)
		expectedStatus int
		expectedOrg    string
	}{
		{
			name:    "valid bearer token",
			keys:    []*APIKeyInfo{{Key: "gk-valid-123", OrgID: "acme", Enabled: true}},
			sources: bearer,
			setupRequest: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer gk-valid-123")
			},
			expectedStatus: http.StatusOK,
			expectedOrg:    "acme",
		},
		{
			name:    "lower-case scheme",
			keys:    []*APIKeyInfo{{Key: "gk-valid-123", OrgID: "acme", Enabled: true}},
			sources: bearer,
			setupRequest: func(r *http.Request) {
				r.Header.Set("Authorization", "bearer gk-valid-123")
			},
			expectedStatus: http.StatusOK,
			expectedOrg:    "acme",
		},
		{
			name:    "valid custom header",
			keys:    []*APIKeyInfo{{Key: "gk-custom-456", OrgID: "globex", Enabled: true}},
			sources: []config.APIKeySource{{Type: "header", Name: "X-API-Key"}},
			setupRequest: func(r *http.Request) {
				r.Header.Set("X-API-Key", "gk-custom-456")
			},
			expectedStatus: http.StatusOK,
			expectedOrg:    "globex",
		},
		{
			name:    "valid query parameter",
			keys:    []*APIKeyInfo{{Key: "gk-query-789", OrgID: "initech", Enabled: true}},
			sources: []config.APIKeySource{{Type: "query", Name: "api_key"}},
			setupRequest: func(r *http.Request) {
				q := r.URL.Query()
				q.Add("api_key", "gk-query-789")
				r.URL.RawQuery = q.Encode()
			},
			expectedStatus: http.StatusOK,
			expectedOrg:    "initech",
		},
		{
			name:           "missing API key",
			keys:           []*APIKeyInfo{},
			sources:        bearer,
			setupRequest:   func(r *http.Request) {},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:    "invalid API key",
			keys:    []*APIKeyInfo{{Key: "gk-valid", OrgID: "acme", Enabled: true}},
			sources: bearer,
			setupRequest: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer gk-invalid")
			},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:    "disabled API key",
			keys:    []*APIKeyInfo{{Key: "gk-disabled", OrgID: "acme", Enabled: false}},
			sources: bearer,
			setupRequest: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer gk-disabled")
			},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name: "first source empty, second succeeds",
			keys: []*APIKeyInfo{{Key: "gk-fallback", OrgID: "acme", Enabled: true}},
			sources: []config.APIKeySource{
				{Type: "header", Name: "Authorization", Scheme: "Bearer"},
				{Type: "header", Name: "X-API-Key"},
			},
			setupRequest: func(r *http.Request) {
				r.Header.Set("X-API-Key", "gk-fallback")
			},
			expectedStatus: http.StatusOK,
			expectedOrg:    "acme",
		},
		{
			name:    "missing bearer prefix",
			keys:    []*APIKeyInfo{{Key: "gk-valid", OrgID: "acme", Enabled: true}},
			sources: bearer,
			setupRequest: func(r *http.Request) {
				r.Header.Set("Authorization", "gk-valid")
			},
			expectedStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			middleware := NewAPIKeyMiddleware(NewAPIKeyValidator(tt.keys), tt.sources)

			var gotOrg, gotLogOrg string
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if info, ok := GetAPIKeyInfo(r.Context()); ok {
					gotOrg = info.OrgID
				}
				gotLogOrg = logging.GetOrgID(r.Context())
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
			tt.setupRequest(req)
			w := httptest.NewRecorder()

			middleware.Handle(handler).ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
			if gotOrg != tt.expectedOrg {
				t.Errorf("Expected org %q in context, got %q", tt.expectedOrg, gotOrg)
			}
			if gotLogOrg != tt.expectedOrg {
				t.Errorf("Expected logging org %q, got %q", tt.expectedOrg, gotLogOrg)
			}
		})
	}
}

func TestAPIKeyMiddleware_UnauthorizedBody(t *testing.T) {
	middleware := NewAPIKeyMiddleware(NewAPIKeyValidator(nil), []config.APIKeySource{
		{Type: "header", Name: "Authorization", Scheme: "Bearer"},
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	middleware.Handle(http.NotFoundHandler()).ServeHTTP(w, req)

	var body types.ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body.Error.Type != types.ErrorTypeAuthentication {
		t.Errorf("Expected error type %q, got %q", types.ErrorTypeAuthentication, body.Error.Type)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON content type, got %q", ct)
	}
}

func TestExtractKey_NoSources(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer gk-1")

	if _, err := ExtractKey(req, nil); !errors.Is(err, ErrMissingKey) {
		t.Errorf("Expected ErrMissingKey, got %v", err)
	}
}

func TestGetAPIKeyInfo_Absent(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, ok := GetAPIKeyInfo(req.Context()); ok {
		t.Error("Expected no key info in a bare context")
	}
}
