package admission

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"mercator-hq/gatekeeper/pkg/config"
	"mercator-hq/gatekeeper/pkg/limits/policy"
	"mercator-hq/gatekeeper/pkg/limits/ratelimit"
	"mercator-hq/gatekeeper/pkg/limits/storage"
	"mercator-hq/gatekeeper/pkg/wallet"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// failingBackend fails every bucket operation.
type failingBackend struct{}

func (failingBackend) Update(context.Context, string, storage.UpdateFunc) (*storage.BucketState, error) {
	return nil, fmt.Errorf("update: %w", storage.ErrUnavailable)
}
func (failingBackend) Load(context.Context, string) (*storage.BucketState, error) {
	return nil, storage.ErrUnavailable
}
func (failingBackend) Delete(context.Context, string) error { return storage.ErrUnavailable }
func (failingBackend) Cleanup(context.Context, time.Time) (int, error) {
	return 0, storage.ErrUnavailable
}
func (failingBackend) Close() error { return nil }

// failingEscrow fails every reserve with a storage error.
type failingEscrow struct{}

func (failingEscrow) ReserveOnce(context.Context, wallet.ReserveRequest) (wallet.EscrowHold, error) {
	return wallet.EscrowHold{}, wallet.NewStorageError("memory", "reserve", errors.New("disk gone"))
}
func (failingEscrow) Settle(context.Context, string, decimal.Decimal) (wallet.EscrowHold, error) {
	return wallet.EscrowHold{}, wallet.ErrStorageUnavailable
}
func (failingEscrow) Release(context.Context, string) (wallet.EscrowHold, error) {
	return wallet.EscrowHold{}, wallet.ErrStorageUnavailable
}

type testEnv struct {
	ctrl    *Controller
	limiter *ratelimit.Limiter
	ledger  *wallet.Ledger
	clock   *fakeClock
}

func defaultConfig() Config {
	return Config{
		RateLimitEnabled: true,
		FailureMode:      config.FailOpen,
		ScopeByOrg:       true,
		WalletEnabled:    true,
	}
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	backend := storage.NewMemoryBackend()
	t.Cleanup(func() { backend.Close() })

	clock := newFakeClock()
	limiter := ratelimit.NewLimiter(backend, ratelimit.WithClock(clock.Now))
	ledger := wallet.NewLedger(wallet.NewMemoryStore(), wallet.WithClock(clock.Now))
	escrow := wallet.NewEscrow(ledger, decimal.Zero)

	return &testEnv{
		ctrl:    NewController(limiter, escrow, cfg),
		limiter: limiter,
		ledger:  ledger,
		clock:   clock,
	}
}

func (e *testEnv) credit(t *testing.T, orgID, amount string) {
	t.Helper()
	_, err := e.ledger.ApplyTransaction(context.Background(), wallet.TransactionRequest{
		OrgID:       orgID,
		Amount:      decimal.RequireFromString(amount),
		Type:        wallet.Credit,
		Reason:      "top up",
		ReferenceID: "credit-" + orgID + "-" + amount,
	})
	if err != nil {
		t.Fatalf("credit failed: %v", err)
	}
}

func policyHeader(raw string) http.Header {
	h := http.Header{}
	h.Set(policy.PolicyHeader, raw)
	return h
}

// ===== Rate limiting =====

func TestAdmit_NoPolicyAdmitsWithoutHeaders(t *testing.T) {
	env := newTestEnv(t, defaultConfig())

	d, err := env.ctrl.Admit(context.Background(), Request{Header: http.Header{}, OrgID: "org-1"})
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if !d.Allowed {
		t.Error("Expected request to be allowed")
	}
	if len(d.Headers()) != 0 {
		t.Errorf("Expected no headers, got %v", d.Headers())
	}
}

func TestAdmit_InvalidPolicyFailsOpen(t *testing.T) {
	env := newTestEnv(t, defaultConfig())

	for _, raw := range []string{"10;w=59", "abc", "10;w=60;u=tokens", "-1;w=60"} {
		d, err := env.ctrl.Admit(context.Background(), Request{Header: policyHeader(raw), OrgID: "org-1"})
		if err != nil {
			t.Fatalf("Admit(%q) failed: %v", raw, err)
		}
		if !d.Allowed {
			t.Errorf("Admit(%q): expected allowed", raw)
		}
		if d.Policy != nil {
			t.Errorf("Admit(%q): expected no parsed policy", raw)
		}
		if len(d.Headers()) != 0 {
			t.Errorf("Admit(%q): expected no headers, got %v", raw, d.Headers())
		}
	}
}

func TestAdmit_QuotaExhaustion(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	ctx := context.Background()

	for i, want := range []uint64{2, 1, 0} {
		d, err := env.ctrl.Admit(ctx, Request{Header: policyHeader("3;w=60"), OrgID: "org-1"})
		if err != nil {
			t.Fatalf("Admit failed: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("Request %d: expected allowed", i)
		}
		if d.RateLimit.Remaining != want {
			t.Errorf("Request %d: expected remaining %d, got %d", i, want, d.RateLimit.Remaining)
		}
	}

	d, err := env.ctrl.Admit(ctx, Request{Header: policyHeader("3;w=60"), OrgID: "org-1"})
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if d.Allowed {
		t.Fatal("Expected fourth request to be denied")
	}
	if d.Reason != DenyRateLimited {
		t.Errorf("Expected reason %q, got %q", DenyRateLimited, d.Reason)
	}
	if d.StatusCode() != http.StatusTooManyRequests {
		t.Errorf("Expected status 429, got %d", d.StatusCode())
	}
	if d.RateLimit.ResetSeconds == 0 {
		t.Error("Expected a non-zero reset on denial")
	}
}

func TestAdmit_RefillAfterWait(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		env.ctrl.Admit(ctx, Request{Header: policyHeader("3;w=60"), OrgID: "org-1"})
	}

	// 3 per 60s refills one token every 20s.
	env.clock.Advance(35 * time.Second)

	d, err := env.ctrl.Admit(ctx, Request{Header: policyHeader("3;w=60"), OrgID: "org-1"})
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if !d.Allowed {
		t.Error("Expected request to be allowed after refill")
	}
}

func TestAdmit_OrgScopedBuckets(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	ctx := context.Background()

	env.ctrl.Admit(ctx, Request{Header: policyHeader("1;w=60"), OrgID: "org-a"})

	d, _ := env.ctrl.Admit(ctx, Request{Header: policyHeader("1;w=60"), OrgID: "org-b"})
	if !d.Allowed {
		t.Error("Expected org-b to have its own bucket")
	}

	d, _ = env.ctrl.Admit(ctx, Request{Header: policyHeader("1;w=60"), OrgID: "org-a"})
	if d.Allowed {
		t.Error("Expected org-a to be limited")
	}
}

func TestAdmit_UnscopedBucketsAreShared(t *testing.T) {
	cfg := defaultConfig()
	cfg.ScopeByOrg = false
	env := newTestEnv(t, cfg)
	ctx := context.Background()

	env.ctrl.Admit(ctx, Request{Header: policyHeader("1;w=60"), OrgID: "org-a"})

	d, _ := env.ctrl.Admit(ctx, Request{Header: policyHeader("1;w=60"), OrgID: "org-b"})
	if d.Allowed {
		t.Error("Expected the global bucket to be shared across orgs")
	}
}

func TestAdmit_MissingSegmentIdentifierFailsOpen(t *testing.T) {
	env := newTestEnv(t, defaultConfig())

	for i := 0; i < 3; i++ {
		d, err := env.ctrl.Admit(context.Background(), Request{Header: policyHeader("1;w=60;s=user"), OrgID: "org-1"})
		if err != nil {
			t.Fatalf("Admit failed: %v", err)
		}
		if !d.Allowed {
			t.Errorf("Request %d: expected allowed without a user id", i)
		}
		if d.Keyed {
			t.Errorf("Request %d: expected no bucket key", i)
		}
		if len(d.Headers()) != 0 {
			t.Errorf("Request %d: expected no headers, got %v", i, d.Headers())
		}
	}
}

func TestAdmit_RateLimitDisabled(t *testing.T) {
	cfg := defaultConfig()
	cfg.RateLimitEnabled = false
	env := newTestEnv(t, cfg)

	for i := 0; i < 3; i++ {
		d, _ := env.ctrl.Admit(context.Background(), Request{Header: policyHeader("1;w=60"), OrgID: "org-1"})
		if !d.Allowed {
			t.Errorf("Request %d: expected allowed with rate limiting disabled", i)
		}
		if d.RateLimit != nil {
			t.Errorf("Request %d: expected no rate limit result", i)
		}
	}
}

// ===== Storage failure modes =====

func TestAdmit_StorageFailureFailOpen(t *testing.T) {
	ctrl := NewController(ratelimit.NewLimiter(failingBackend{}), nil, defaultConfig())

	d, err := ctrl.Admit(context.Background(), Request{Header: policyHeader("3;w=60"), OrgID: "org-1"})
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if !d.Allowed {
		t.Error("Expected fail-open admission")
	}
	if len(d.Headers()) != 0 {
		t.Errorf("Expected no headers, got %v", d.Headers())
	}
	if d.Keyed {
		t.Error("Expected unkeyed decision so no cost is recorded")
	}
}

func TestAdmit_StorageFailureFailClosed(t *testing.T) {
	cfg := defaultConfig()
	cfg.FailureMode = config.FailClosed
	ctrl := NewController(ratelimit.NewLimiter(failingBackend{}), nil, cfg)

	d, err := ctrl.Admit(context.Background(), Request{Header: policyHeader("3;w=60"), OrgID: "org-1"})
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if d.Allowed {
		t.Fatal("Expected fail-closed denial")
	}
	if d.Reason != DenyStorageUnavailable {
		t.Errorf("Expected reason %q, got %q", DenyStorageUnavailable, d.Reason)
	}
	if d.StatusCode() != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", d.StatusCode())
	}
	if !errors.Is(d.Err, storage.ErrUnavailable) {
		t.Errorf("Expected storage.ErrUnavailable, got %v", d.Err)
	}
}

func TestAdmit_WalletStorageFailureAlwaysDenies(t *testing.T) {
	backend := storage.NewMemoryBackend()
	defer backend.Close()
	ctrl := NewController(ratelimit.NewLimiter(backend), failingEscrow{}, defaultConfig())

	d, err := ctrl.Admit(context.Background(), Request{
		Header:        http.Header{},
		OrgID:         "org-1",
		RequestID:     "req-1",
		WalletFunded:  true,
		EstimatedCost: decimal.NewFromInt(1),
	})
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if d.Allowed {
		t.Fatal("Expected wallet storage failure to deny")
	}
	if d.Reason != DenyStorageUnavailable {
		t.Errorf("Expected reason %q, got %q", DenyStorageUnavailable, d.Reason)
	}
}

func TestAdmit_NoEscrowDeniesWalletFunded(t *testing.T) {
	backend := storage.NewMemoryBackend()
	defer backend.Close()
	ctrl := NewController(ratelimit.NewLimiter(backend), nil, defaultConfig())

	d, _ := ctrl.Admit(context.Background(), Request{
		Header:       http.Header{},
		OrgID:        "org-1",
		RequestID:    "req-1",
		WalletFunded: true,
	})
	if d.Allowed || d.Reason != DenyStorageUnavailable {
		t.Errorf("Expected storage denial, got allowed=%v reason=%q", d.Allowed, d.Reason)
	}
}

// ===== Wallet =====

func TestAdmit_WalletReserveAndSettle(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	ctx := context.Background()
	env.credit(t, "org-1", "100")

	d, err := env.ctrl.Admit(ctx, Request{
		Header:        http.Header{},
		OrgID:         "org-1",
		RequestID:     "req-1",
		WalletFunded:  true,
		EstimatedCost: decimal.NewFromInt(5),
		Provider:      "openai",
		Model:         "gpt-4o",
	})
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if !d.Allowed || d.Hold == nil {
		t.Fatalf("Expected allowed with a hold, got allowed=%v hold=%v", d.Allowed, d.Hold)
	}

	state, _ := env.ledger.GetState(ctx, "org-1")
	if !state.EffectiveBalance.Equal(decimal.NewFromInt(95)) {
		t.Errorf("Expected effective balance 95 while held, got %s", state.EffectiveBalance)
	}

	actual := decimal.RequireFromString("1.87125")
	if err := env.ctrl.Complete(ctx, d, Outcome{ActualCost: actual, Succeeded: true}); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	state, _ = env.ledger.GetState(ctx, "org-1")
	want := decimal.RequireFromString("98.12875")
	if !state.EffectiveBalance.Equal(want) {
		t.Errorf("Expected effective balance %s, got %s", want, state.EffectiveBalance)
	}
	if len(state.Escrows) != 0 {
		t.Errorf("Expected no open holds, got %d", len(state.Escrows))
	}
}

func TestAdmit_WalletReleaseOnFailure(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	ctx := context.Background()
	env.credit(t, "org-1", "10")

	d, _ := env.ctrl.Admit(ctx, Request{
		Header:        http.Header{},
		OrgID:         "org-1",
		RequestID:     "req-1",
		WalletFunded:  true,
		EstimatedCost: decimal.NewFromInt(4),
	})
	if err := env.ctrl.Complete(ctx, d, Outcome{Succeeded: false}); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	state, _ := env.ledger.GetState(ctx, "org-1")
	if !state.EffectiveBalance.Equal(decimal.NewFromInt(10)) {
		t.Errorf("Expected effective balance 10 after release, got %s", state.EffectiveBalance)
	}
	if !state.TotalDebits.IsZero() {
		t.Errorf("Expected no debits, got %s", state.TotalDebits)
	}
}

func TestAdmit_InsufficientFunds(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	env.credit(t, "org-1", "1")

	d, err := env.ctrl.Admit(context.Background(), Request{
		Header:        http.Header{},
		OrgID:         "org-1",
		RequestID:     "req-1",
		WalletFunded:  true,
		EstimatedCost: decimal.NewFromInt(2),
		Provider:      "anthropic",
	})
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if d.Allowed {
		t.Fatal("Expected denial")
	}
	if d.Reason != DenyInsufficientFunds {
		t.Errorf("Expected reason %q, got %q", DenyInsufficientFunds, d.Reason)
	}
	if d.StatusCode() != http.StatusPaymentRequired {
		t.Errorf("Expected status 402, got %d", d.StatusCode())
	}
	want := "Insufficient balance to fund request to anthropic. Available: 1 cents, needed: 2 cents"
	if got := d.Message("anthropic"); got != want {
		t.Errorf("Expected message %q, got %q", want, got)
	}
}

func TestAdmit_ModelDisallowed(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	ctx := context.Background()
	env.credit(t, "org-1", "100")
	if _, err := env.ledger.AddDisallowed(ctx, "org-1", "openai", "gpt-4o"); err != nil {
		t.Fatalf("AddDisallowed failed: %v", err)
	}

	d, _ := env.ctrl.Admit(ctx, Request{
		Header:       http.Header{},
		OrgID:        "org-1",
		RequestID:    "req-1",
		WalletFunded: true,
		Provider:     "openai",
		Model:        "gpt-4o",
	})
	if d.Allowed || d.Reason != DenyModelDisallowed {
		t.Errorf("Expected model disallowed denial, got allowed=%v reason=%q", d.Allowed, d.Reason)
	}
	if d.StatusCode() != http.StatusPaymentRequired {
		t.Errorf("Expected status 402, got %d", d.StatusCode())
	}
}

func TestAdmit_MissingRequestIDIsError(t *testing.T) {
	env := newTestEnv(t, defaultConfig())

	_, err := env.ctrl.Admit(context.Background(), Request{
		Header:       http.Header{},
		OrgID:        "org-1",
		WalletFunded: true,
	})
	if !errors.Is(err, wallet.ErrInvalidTransaction) {
		t.Errorf("Expected ErrInvalidTransaction, got %v", err)
	}
}

func TestAdmit_ReplayedRequestIDIsNotForwardedFree(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	ctx := context.Background()
	env.credit(t, "org-1", "100")

	req := Request{
		Header:        http.Header{},
		OrgID:         "org-1",
		RequestID:     "same-id",
		WalletFunded:  true,
		EstimatedCost: decimal.NewFromInt(10),
	}

	allowed := 0
	for i := 0; i < 5; i++ {
		d, err := env.ctrl.Admit(ctx, req)
		if err != nil {
			t.Fatalf("Admit %d failed: %v", i, err)
		}
		if !d.Allowed {
			if d.Reason != DenyDuplicateRequest {
				t.Errorf("Expected reason %q, got %q", DenyDuplicateRequest, d.Reason)
			}
			if d.StatusCode() != http.StatusConflict {
				t.Errorf("Expected status 409, got %d", d.StatusCode())
			}
			continue
		}
		allowed++
		if err := env.ctrl.Complete(ctx, d, Outcome{ActualCost: decimal.NewFromInt(10), Succeeded: true}); err != nil {
			t.Fatalf("Complete %d failed: %v", i, err)
		}
	}

	if allowed != 1 {
		t.Errorf("Expected 1 admitted request, got %d", allowed)
	}
	state, _ := env.ledger.GetState(ctx, "org-1")
	if !state.EffectiveBalance.Equal(decimal.NewFromInt(90)) {
		t.Errorf("Expected effective balance 90, got %s", state.EffectiveBalance)
	}
}

func TestAdmit_InFlightDuplicateIsRejected(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	ctx := context.Background()
	env.credit(t, "org-1", "100")

	req := Request{
		Header:        http.Header{},
		OrgID:         "org-1",
		RequestID:     "req-1",
		WalletFunded:  true,
		EstimatedCost: decimal.NewFromInt(10),
	}
	first, _ := env.ctrl.Admit(ctx, req)
	if !first.Allowed {
		t.Fatalf("Expected first request admitted, got reason %q", first.Reason)
	}

	second, _ := env.ctrl.Admit(ctx, req)
	if second.Allowed || second.Reason != DenyDuplicateRequest {
		t.Fatalf("Expected duplicate denial, got allowed=%v reason=%q", second.Allowed, second.Reason)
	}
	if !errors.Is(second.Err, wallet.ErrDuplicateRequest) {
		t.Errorf("Expected wallet.ErrDuplicateRequest, got %v", second.Err)
	}

	if err := env.ctrl.Complete(ctx, first, Outcome{ActualCost: decimal.NewFromInt(4), Succeeded: true}); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	state, _ := env.ledger.GetState(ctx, "org-1")
	if !state.EffectiveBalance.Equal(decimal.NewFromInt(96)) {
		t.Errorf("Expected effective balance 96, got %s", state.EffectiveBalance)
	}
}

func TestAdmit_RateLimitedRequestHoldsNoFunds(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	ctx := context.Background()
	env.credit(t, "org-1", "100")

	req := func(id string) Request {
		return Request{
			Header:        policyHeader("1;w=60"),
			OrgID:         "org-1",
			RequestID:     id,
			WalletFunded:  true,
			EstimatedCost: decimal.NewFromInt(10),
		}
	}
	env.ctrl.Admit(ctx, req("req-1"))
	d, _ := env.ctrl.Admit(ctx, req("req-2"))
	if d.Allowed {
		t.Fatal("Expected second request to be rate limited")
	}
	if d.Hold != nil {
		t.Error("Expected no hold on a rate limited request")
	}

	state, _ := env.ledger.GetState(ctx, "org-1")
	if len(state.Escrows) != 1 {
		t.Errorf("Expected exactly one open hold, got %d", len(state.Escrows))
	}
}

func TestAdmit_WalletDisabledSkipsEscrow(t *testing.T) {
	cfg := defaultConfig()
	cfg.WalletEnabled = false
	env := newTestEnv(t, cfg)

	d, _ := env.ctrl.Admit(context.Background(), Request{
		Header:        http.Header{},
		OrgID:         "org-1",
		RequestID:     "req-1",
		WalletFunded:  true,
		EstimatedCost: decimal.NewFromInt(1000),
	})
	if !d.Allowed || d.Hold != nil {
		t.Errorf("Expected allowed without a hold, got allowed=%v hold=%v", d.Allowed, d.Hold)
	}
}

// ===== Cents policies =====

func TestAdmit_CentsPolicyRecordsActualCost(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	ctx := context.Background()
	h := policyHeader("5000;w=3600;u=cents")

	d, err := env.ctrl.Admit(ctx, Request{Header: h, OrgID: "org-1"})
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if d.RateLimit.Remaining != 5000 {
		t.Errorf("Expected peek to leave 5000 remaining, got %d", d.RateLimit.Remaining)
	}

	if err := env.ctrl.Complete(ctx, d, Outcome{ActualCost: decimal.RequireFromString("1.87"), Succeeded: true}); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	d, _ = env.ctrl.Admit(ctx, Request{Header: h, OrgID: "org-1"})
	if d.RateLimit.Remaining != 4998 {
		t.Errorf("Expected 4998 remaining after recording 1.87, got %d", d.RateLimit.Remaining)
	}
}

func TestAdmit_CentsPolicyOverspendDenies(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	ctx := context.Background()
	h := policyHeader("3600;w=3600;u=cents")

	d, _ := env.ctrl.Admit(ctx, Request{Header: h, OrgID: "org-1"})
	if !d.Allowed {
		t.Fatal("Expected first request to be allowed")
	}
	env.ctrl.Complete(ctx, d, Outcome{ActualCost: decimal.NewFromInt(3650), Succeeded: true})

	d, _ = env.ctrl.Admit(ctx, Request{Header: h, OrgID: "org-1"})
	if d.Allowed {
		t.Fatal("Expected overspent bucket to deny")
	}
	if d.RateLimit.Remaining != 0 {
		t.Errorf("Expected remaining 0, got %d", d.RateLimit.Remaining)
	}
	// 50 cents of debt at one cent per second.
	if d.RateLimit.ResetSeconds != 50 {
		t.Errorf("Expected reset 50, got %d", d.RateLimit.ResetSeconds)
	}
}

func TestComplete_RequestPolicyRecordsNothing(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	ctx := context.Background()
	h := policyHeader("3;w=60")

	d, _ := env.ctrl.Admit(ctx, Request{Header: h, OrgID: "org-1"})
	env.ctrl.Complete(ctx, d, Outcome{ActualCost: decimal.NewFromInt(50), Succeeded: true})

	d, _ = env.ctrl.Admit(ctx, Request{Header: h, OrgID: "org-1"})
	if d.RateLimit.Remaining != 1 {
		t.Errorf("Expected remaining 1, got %d", d.RateLimit.Remaining)
	}
}

func TestComplete_DeniedDecisionIsNoop(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	if err := env.ctrl.Complete(context.Background(), &Decision{Allowed: false}, Outcome{}); err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if err := env.ctrl.Complete(context.Background(), nil, Outcome{}); err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
}

// ===== Concurrency =====

func TestAdmit_ConcurrentReserveSingleSuccess(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	ctx := context.Background()
	env.credit(t, "org-1", "10")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := env.ctrl.Admit(ctx, Request{
				Header:        http.Header{},
				OrgID:         "org-1",
				RequestID:     fmt.Sprintf("req-%d", i),
				WalletFunded:  true,
				EstimatedCost: decimal.NewFromInt(10),
			})
			if err != nil {
				t.Errorf("Admit failed: %v", err)
				return
			}
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if allowed != 1 {
		t.Errorf("Expected exactly 1 reservation, got %d", allowed)
	}
}

func TestAdmit_ConcurrentChecksHonorQuota(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, _ := env.ctrl.Admit(ctx, Request{Header: policyHeader("10;w=60"), OrgID: "org-1"})
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 10 {
		t.Errorf("Expected exactly 10 allowed, got %d", allowed)
	}
}
