package admission

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"mercator-hq/gatekeeper/pkg/limits/policy"
	"mercator-hq/gatekeeper/pkg/limits/ratelimit"
	"mercator-hq/gatekeeper/pkg/proxy/types"
	"mercator-hq/gatekeeper/pkg/telemetry/logging"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("success"))
	})
}

func orgDescriber(orgID string, walletFunded bool, estimate string) DescribeFunc {
	return func(r *http.Request) Request {
		return Request{
			OrgID:         orgID,
			RequestID:     r.Header.Get("X-Request-ID"),
			WalletFunded:  walletFunded,
			EstimatedCost: decimal.RequireFromString(estimate),
			Provider:      "openai",
			Model:         "gpt-4o-mini",
		}
	}
}

func serve(h http.Handler, policyValue string, extra map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	if policyValue != "" {
		req.Header.Set(policy.PolicyHeader, policyValue)
	}
	for k, v := range extra {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func newFailingLimiter() *ratelimit.Limiter {
	return ratelimit.NewLimiter(failingBackend{})
}

// header reads a lower-case header without canonicalization.
func header(w *httptest.ResponseRecorder, name string) string {
	values := w.Header()[name]
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// ===== Rate limit headers =====

func TestMiddleware_QuotaThreeThenDenied(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	h := Middleware(env.ctrl, Options{Describe: orgDescriber("org-1", false, "0")})(okHandler())

	for i, want := range []string{"2", "1", "0"} {
		w := serve(h, "3;w=60", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("Request %d: expected status 200, got %d", i, w.Code)
		}
		if got := header(w, HeaderRemaining); got != want {
			t.Errorf("Request %d: expected remaining %s, got %q", i, want, got)
		}
		if got := header(w, HeaderLimit); got != "3" {
			t.Errorf("Request %d: expected limit 3, got %q", i, got)
		}
		if got := header(w, HeaderPolicy); got != "3;w=60" {
			t.Errorf("Request %d: expected policy 3;w=60, got %q", i, got)
		}
	}

	for i := 0; i < 2; i++ {
		w := serve(h, "3;w=60", nil)
		if w.Code != http.StatusTooManyRequests {
			t.Fatalf("Denied request %d: expected status 429, got %d", i, w.Code)
		}
		if got := header(w, HeaderRemaining); got != "0" {
			t.Errorf("Denied request %d: expected remaining 0, got %q", i, got)
		}
		if header(w, HeaderReset) == "" {
			t.Errorf("Denied request %d: expected reset header", i)
		}
		if w.Header().Get("Retry-After") != header(w, HeaderReset) {
			t.Errorf("Denied request %d: expected Retry-After %q, got %q",
				i, header(w, HeaderReset), w.Header().Get("Retry-After"))
		}

		var body types.ErrorResponse
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("Failed to decode body: %v", err)
		}
		if !strings.Contains(body.Message, "rate limit") {
			t.Errorf("Expected message to mention rate limit, got %q", body.Message)
		}
		if body.Error.Type != types.ErrorTypeRateLimitExceeded {
			t.Errorf("Expected error type %q, got %q", types.ErrorTypeRateLimitExceeded, body.Error.Type)
		}
	}
}

func TestMiddleware_Burst(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	h := Middleware(env.ctrl, Options{Describe: orgDescriber("org-1", false, "0")})(okHandler())

	for i := 0; i < 5; i++ {
		if w := serve(h, "5;w=60", nil); w.Code != http.StatusOK {
			t.Errorf("Burst request %d: expected status 200, got %d", i, w.Code)
		}
	}
	if w := serve(h, "5;w=60", nil); w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected sixth request to get 429, got %d", w.Code)
	}
}

func TestMiddleware_UserSegmentIsolation(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	h := Middleware(env.ctrl, Options{Describe: orgDescriber("org-1", false, "0")})(okHandler())

	alice := map[string]string{policy.UserIDHeader: "alice"}
	bob := map[string]string{policy.UserIDHeader: "bob"}

	for i := 0; i < 2; i++ {
		if w := serve(h, "2;w=60;s=user", alice); w.Code != http.StatusOK {
			t.Fatalf("alice request %d: expected 200, got %d", i, w.Code)
		}
	}
	if w := serve(h, "2;w=60;s=user", alice); w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected alice to be limited, got %d", w.Code)
	}

	w := serve(h, "2;w=60;s=user", bob)
	if w.Code != http.StatusOK {
		t.Errorf("Expected bob to be allowed, got %d", w.Code)
	}
	if got := header(w, HeaderRemaining); got != "1" {
		t.Errorf("Expected bob remaining 1, got %q", got)
	}
}

func TestMiddleware_PropertySegmentIsolation(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	h := Middleware(env.ctrl, Options{Describe: orgDescriber("org-1", false, "0")})(okHandler())

	acme := map[string]string{policy.PropertyHeaderPrefix + "tenant": "acme"}
	globex := map[string]string{policy.PropertyHeaderPrefix + "tenant": "globex"}

	serve(h, "1;w=60;s=tenant", acme)
	if w := serve(h, "1;w=60;s=tenant", acme); w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected acme to be limited, got %d", w.Code)
	}
	if w := serve(h, "1;w=60;s=tenant", globex); w.Code != http.StatusOK {
		t.Errorf("Expected globex to be allowed, got %d", w.Code)
	}
}

func TestMiddleware_ShortWindowSendsNoHeaders(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	h := Middleware(env.ctrl, Options{Describe: orgDescriber("org-1", false, "0")})(okHandler())

	for i := 0; i < 3; i++ {
		w := serve(h, "1;w=30", nil)
		if w.Code != http.StatusOK {
			t.Errorf("Request %d: expected 200, got %d", i, w.Code)
		}
		for _, name := range []string{HeaderLimit, HeaderRemaining, HeaderReset, HeaderPolicy} {
			if header(w, name) != "" {
				t.Errorf("Request %d: expected no %s header", i, name)
			}
		}
	}
}

func TestMiddleware_ResetOmittedWhenTokensRemain(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	h := Middleware(env.ctrl, Options{Describe: orgDescriber("org-1", false, "0")})(okHandler())

	w := serve(h, "10;w=60", nil)
	if header(w, HeaderReset) != "" {
		t.Errorf("Expected no reset header with tokens remaining, got %q", header(w, HeaderReset))
	}
}

// ===== Cost reporting =====

func TestMiddleware_CentsPolicyUsesReportedCost(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	costly := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ReportCost(r.Context(), decimal.RequireFromString("1.87"))
		w.WriteHeader(http.StatusOK)
	})
	h := Middleware(env.ctrl, Options{Describe: orgDescriber("org-1", false, "0")})(costly)

	w := serve(h, "5000;w=3600;u=cents", nil)
	if got := header(w, HeaderRemaining); got != "5000" {
		t.Errorf("Expected first remaining 5000, got %q", got)
	}
	if got := header(w, HeaderPolicy); got != "5000;w=3600;u=cents" {
		t.Errorf("Expected cents policy echo, got %q", got)
	}

	w = serve(h, "5000;w=3600;u=cents", nil)
	if got := header(w, HeaderRemaining); got != "4998" {
		t.Errorf("Expected remaining 4998 after 1.87 cents, got %q", got)
	}
}

func TestMiddleware_WalletSettlesReportedCost(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	env.credit(t, "org-1", "100")

	costly := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ReportCost(r.Context(), decimal.RequireFromString("1.87125"))
		w.WriteHeader(http.StatusOK)
	})
	h := Middleware(env.ctrl, Options{Describe: orgDescriber("org-1", true, "5")})(costly)

	w := serve(h, "", map[string]string{"X-Request-ID": "req-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	state, err := env.ledger.GetState(t.Context(), "org-1")
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	want := decimal.RequireFromString("98.12875")
	if !state.EffectiveBalance.Equal(want) {
		t.Errorf("Expected effective balance %s, got %s", want, state.EffectiveBalance)
	}
}

func TestMiddleware_UpstreamFailureReleasesHold(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	env.credit(t, "org-1", "100")

	failing := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	h := Middleware(env.ctrl, Options{Describe: orgDescriber("org-1", true, "5")})(failing)

	w := serve(h, "", map[string]string{"X-Request-ID": "req-1"})
	if w.Code != http.StatusBadGateway {
		t.Fatalf("Expected status 502, got %d", w.Code)
	}

	state, _ := env.ledger.GetState(t.Context(), "org-1")
	if !state.EffectiveBalance.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Expected balance 100 after release, got %s", state.EffectiveBalance)
	}
	if len(state.Escrows) != 0 {
		t.Errorf("Expected no open holds, got %d", len(state.Escrows))
	}
}

// ===== Denials =====

func TestMiddleware_InsufficientFunds(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	env.credit(t, "org-1", "1")

	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})
	h := Middleware(env.ctrl, Options{Describe: orgDescriber("org-1", true, "2")})(next)

	w := serve(h, "", map[string]string{"X-Request-ID": "req-1"})
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("Expected status 402, got %d", w.Code)
	}
	if called {
		t.Error("Expected the upstream handler not to be called")
	}

	var body types.ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body.Error.Type != types.ErrorTypeInsufficientFunds {
		t.Errorf("Expected error type %q, got %q", types.ErrorTypeInsufficientFunds, body.Error.Type)
	}
	if !strings.Contains(body.Error.Message, "openai") {
		t.Errorf("Expected message to name the provider, got %q", body.Error.Message)
	}
}

func TestMiddleware_ReusedRequestIDReturns409(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	env.credit(t, "org-1", "100")

	calls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		ReportCost(r.Context(), decimal.NewFromInt(5))
		w.WriteHeader(http.StatusOK)
	})
	h := Middleware(env.ctrl, Options{Describe: orgDescriber("org-1", true, "5")})(next)

	if w := serve(h, "", map[string]string{"X-Request-ID": "req-1"}); w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	w := serve(h, "", map[string]string{"X-Request-ID": "req-1"})
	if w.Code != http.StatusConflict {
		t.Fatalf("Expected status 409, got %d", w.Code)
	}
	if calls != 1 {
		t.Errorf("Expected the upstream handler to be called once, got %d", calls)
	}

	var body types.ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body.Error.Code != types.CodeDuplicateRequest {
		t.Errorf("Expected code %q, got %q", types.CodeDuplicateRequest, body.Error.Code)
	}
}

func TestMiddleware_FailClosedReturns503(t *testing.T) {
	cfg := defaultConfig()
	cfg.FailureMode = "fail-closed"
	env := newTestEnv(t, cfg)
	env.ctrl.limiter = newFailingLimiter()

	w := serve(Middleware(env.ctrl, Options{})(okHandler()), "3;w=60", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}
}

func TestMiddleware_FailOpenForwards(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	env.ctrl.limiter = newFailingLimiter()

	w := serve(Middleware(env.ctrl, Options{})(okHandler()), "3;w=60", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if header(w, HeaderLimit) != "" {
		t.Error("Expected no rate limit headers when storage failed open")
	}
}

func TestMiddleware_DefaultDescribeUsesContextRequestID(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logging.GetRequestID(r.Context())
	})
	h := Middleware(env.ctrl, Options{})(next)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req = req.WithContext(logging.WithRequestID(req.Context(), "req-42"))
	h.ServeHTTP(httptest.NewRecorder(), req)

	if seen != "req-42" {
		t.Errorf("Expected request id to flow through, got %q", seen)
	}
}

func TestReportCost_OutsideMiddlewareIsNoop(t *testing.T) {
	// Must not panic.
	ReportCost(t.Context(), decimal.NewFromInt(1))
}
