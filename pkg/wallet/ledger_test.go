package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"mercator-hq/gatekeeper/pkg/config"
	"mercator-hq/gatekeeper/pkg/telemetry/metrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
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

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("id-%d", n.Add(1))
	}
}

func newTestLedger(t *testing.T, opts ...Option) (*Ledger, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	base := []Option{WithClock(clock.Now), WithIDGenerator(sequentialIDs())}
	return NewLedger(NewMemoryStore(), append(base, opts...)...), clock
}

func cents(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func credit(t *testing.T, l *Ledger, orgID, amount, ref string) State {
	t.Helper()
	state, err := l.ApplyTransaction(context.Background(), TransactionRequest{
		OrgID:       orgID,
		Amount:      cents(amount),
		Type:        Credit,
		Reason:      "top up",
		ReferenceID: ref,
		AdminUserID: "admin-1",
	})
	if err != nil {
		t.Fatalf("credit failed: %v", err)
	}
	return state
}

func debit(t *testing.T, l *Ledger, orgID, amount, ref string) State {
	t.Helper()
	state, err := l.ApplyTransaction(context.Background(), TransactionRequest{
		OrgID:       orgID,
		Amount:      cents(amount),
		Type:        Debit,
		Reason:      "usage",
		ReferenceID: ref,
	})
	if err != nil {
		t.Fatalf("debit failed: %v", err)
	}
	return state
}

// ===== Transactions =====

func TestLedger_CreditThenDebitIsExact(t *testing.T) {
	l, _ := newTestLedger(t)

	credit(t, l, "org-1", "100", "c-1")
	state := debit(t, l, "org-1", "1.87125", "d-1")

	if !state.EffectiveBalance.Equal(cents("98.12875")) {
		t.Errorf("Expected effective balance 98.12875, got %s", state.EffectiveBalance)
	}
	if !state.TotalCredits.Equal(cents("100")) {
		t.Errorf("Expected total credits 100, got %s", state.TotalCredits)
	}
	if !state.TotalDebits.Equal(cents("1.87125")) {
		t.Errorf("Expected total debits 1.87125, got %s", state.TotalDebits)
	}
	if len(state.CreditPurchases) != 1 || len(state.AggregatedDebits) != 1 {
		t.Errorf("Expected 1 credit and 1 debit, got %d and %d",
			len(state.CreditPurchases), len(state.AggregatedDebits))
	}
}

func TestLedger_IdempotentByReference(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	req := TransactionRequest{
		OrgID:       "org-1",
		Amount:      cents("100"),
		Type:        Credit,
		Reason:      "top up",
		ReferenceID: "ref-1",
	}

	first, err := l.Apply(ctx, req)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if first.Duplicate {
		t.Error("Expected first apply not to be a duplicate")
	}

	// A replay with a different amount still returns the original entry.
	req.Amount = cents("500")
	second, err := l.Apply(ctx, req)
	if err != nil {
		t.Fatalf("Apply replay failed: %v", err)
	}
	if !second.Duplicate {
		t.Error("Expected replay to be reported as duplicate")
	}
	if second.Transaction.ID != first.Transaction.ID {
		t.Errorf("Expected replay to return transaction %s, got %s", first.Transaction.ID, second.Transaction.ID)
	}
	if !second.State.TotalCredits.Equal(cents("100")) {
		t.Errorf("Expected total credits 100 after replay, got %s", second.State.TotalCredits)
	}
	if len(second.State.CreditPurchases) != 1 {
		t.Errorf("Expected 1 credit purchase, got %d", len(second.State.CreditPurchases))
	}
}

func TestLedger_ReferencesAreScopedPerOrg(t *testing.T) {
	l, _ := newTestLedger(t)

	credit(t, l, "org-1", "10", "shared-ref")
	state := credit(t, l, "org-2", "20", "shared-ref")

	if !state.EffectiveBalance.Equal(cents("20")) {
		t.Errorf("Expected org-2 balance 20, got %s", state.EffectiveBalance)
	}
}

func TestLedger_ConcurrentReplaysApplyOnce(t *testing.T) {
	l := NewLedger(NewMemoryStore())
	ctx := context.Background()

	var wg sync.WaitGroup
	var applied atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Apply(ctx, TransactionRequest{
				OrgID:       "org-1",
				Amount:      cents("5"),
				Type:        Credit,
				Reason:      "top up",
				ReferenceID: "same",
			})
			if err != nil {
				t.Errorf("Apply failed: %v", err)
				return
			}
			if !res.Duplicate {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()

	if applied.Load() != 1 {
		t.Errorf("Expected exactly 1 applied transaction, got %d", applied.Load())
	}
	state, err := l.GetState(ctx, "org-1")
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if !state.EffectiveBalance.Equal(cents("5")) {
		t.Errorf("Expected balance 5, got %s", state.EffectiveBalance)
	}
}

func TestLedger_DebitMayGoNegative(t *testing.T) {
	l, _ := newTestLedger(t)

	credit(t, l, "org-1", "5", "c-1")
	state := debit(t, l, "org-1", "8", "d-1")

	if !state.EffectiveBalance.Equal(cents("-3")) {
		t.Errorf("Expected balance -3, got %s", state.EffectiveBalance)
	}
}

func TestLedger_Validation(t *testing.T) {
	l, _ := newTestLedger(t)
	valid := TransactionRequest{
		OrgID:       "org-1",
		Amount:      cents("1"),
		Type:        Credit,
		Reason:      "top up",
		ReferenceID: "ref",
	}

	tests := []struct {
		name   string
		modify func(*TransactionRequest)
		field  string
	}{
		{"empty org", func(r *TransactionRequest) { r.OrgID = "  " }, "orgId"},
		{"zero amount", func(r *TransactionRequest) { r.Amount = decimal.Zero }, "amount"},
		{"negative amount", func(r *TransactionRequest) { r.Amount = cents("-1") }, "amount"},
		{"unknown type", func(r *TransactionRequest) { r.Type = "refund" }, "type"},
		{"empty reason", func(r *TransactionRequest) { r.Reason = "" }, "reason"},
		{"empty reference", func(r *TransactionRequest) { r.ReferenceID = "" }, "referenceId"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.modify(&req)

			_, err := l.ApplyTransaction(context.Background(), req)
			if !errors.Is(err, ErrInvalidTransaction) {
				t.Fatalf("Expected ErrInvalidTransaction, got %v", err)
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Expected *ValidationError, got %T", err)
			}
			if verr.Field != tt.field {
				t.Errorf("Expected field %q, got %q", tt.field, verr.Field)
			}
		})
	}
}

// ===== State =====

func TestLedger_GetStateUnknownOrg(t *testing.T) {
	l, _ := newTestLedger(t)

	state, err := l.GetState(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if !state.EffectiveBalance.IsZero() {
		t.Errorf("Expected zero balance, got %s", state.EffectiveBalance)
	}
	if state.CreditPurchases == nil || state.Escrows == nil || state.DisallowList == nil {
		t.Error("Expected empty, non-nil lists for an unknown org")
	}
}

func TestLedger_TotalCredits(t *testing.T) {
	l, _ := newTestLedger(t)
	credit(t, l, "org-1", "10.5", "c-1")
	credit(t, l, "org-1", "4.5", "c-2")
	debit(t, l, "org-1", "3", "d-1")

	total, err := l.TotalCredits(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("TotalCredits failed: %v", err)
	}
	if !total.Equal(cents("15")) {
		t.Errorf("Expected total credits 15, got %s", total)
	}
}

func TestLedger_ListTransactions(t *testing.T) {
	l, _ := newTestLedger(t)
	for i := 1; i <= 5; i++ {
		credit(t, l, "org-1", "1", fmt.Sprintf("c-%d", i))
	}

	page, total, err := l.ListTransactions(context.Background(), "org-1", Page{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("ListTransactions failed: %v", err)
	}
	if total != 5 {
		t.Errorf("Expected total 5, got %d", total)
	}
	if len(page) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(page))
	}
	if page[0].ReferenceID != "c-4" || page[1].ReferenceID != "c-3" {
		t.Errorf("Expected c-4, c-3 newest first, got %s, %s", page[0].ReferenceID, page[1].ReferenceID)
	}
}

// ===== Reset =====

func TestLedger_Reset(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	credit(t, l, "org-1", "42.5", "c-1")

	state, err := l.Reset(ctx, "org-1", "ops")
	if err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if !state.EffectiveBalance.IsZero() {
		t.Errorf("Expected zero balance after reset, got %s", state.EffectiveBalance)
	}
	if len(state.AggregatedDebits) != 1 {
		t.Fatalf("Expected 1 reset debit, got %d", len(state.AggregatedDebits))
	}
	d := state.AggregatedDebits[0]
	if d.Reason != ResetReason || d.AdminUserID != "ops" || !d.Amount.Equal(cents("42.5")) {
		t.Errorf("Unexpected reset debit: %+v", d)
	}

	// A second reset finds nothing to debit.
	state, err = l.Reset(ctx, "org-1", "ops")
	if err != nil {
		t.Fatalf("second Reset failed: %v", err)
	}
	if len(state.AggregatedDebits) != 1 {
		t.Errorf("Expected reset of an empty wallet to be a no-op, got %d debits", len(state.AggregatedDebits))
	}
}

func TestLedger_ResetNegativeBalanceIsNoop(t *testing.T) {
	l, _ := newTestLedger(t)
	credit(t, l, "org-1", "1", "c-1")
	debit(t, l, "org-1", "3", "d-1")

	state, err := l.Reset(context.Background(), "org-1", "")
	if err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if !state.EffectiveBalance.Equal(cents("-2")) {
		t.Errorf("Expected balance -2 to be left alone, got %s", state.EffectiveBalance)
	}
}

// ===== Disallow list =====

func TestLedger_DisallowList(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	state, err := l.AddDisallowed(ctx, "org-1", "OpenAI", "gpt-4o")
	if err != nil {
		t.Fatalf("AddDisallowed failed: %v", err)
	}
	if len(state.DisallowList) != 1 {
		t.Fatalf("Expected 1 disallow entry, got %d", len(state.DisallowList))
	}

	if _, err := l.AddDisallowed(ctx, "org-1", "openai", "GPT-4O"); err != nil {
		t.Fatalf("AddDisallowed duplicate failed: %v", err)
	}
	state, _ = l.GetState(ctx, "org-1")
	if len(state.DisallowList) != 1 {
		t.Errorf("Expected duplicate add to be a no-op, got %d entries", len(state.DisallowList))
	}

	disallowed, err := l.IsDisallowed(ctx, "org-1", "openai", "gpt-4o")
	if err != nil {
		t.Fatalf("IsDisallowed failed: %v", err)
	}
	if !disallowed {
		t.Error("Expected openai/gpt-4o to be disallowed")
	}
	if ok, _ := l.IsDisallowed(ctx, "org-1", "openai", "gpt-4o-mini"); ok {
		t.Error("Expected a different model to be allowed")
	}

	state, err = l.RemoveDisallowed(ctx, "org-1", "OPENAI", "gpt-4o")
	if err != nil {
		t.Fatalf("RemoveDisallowed failed: %v", err)
	}
	if len(state.DisallowList) != 0 {
		t.Errorf("Expected empty disallow list, got %d", len(state.DisallowList))
	}
}

func TestLedger_DisallowValidation(t *testing.T) {
	l, _ := newTestLedger(t)

	if _, err := l.AddDisallowed(context.Background(), "org-1", "", "gpt-4o"); !errors.Is(err, ErrInvalidTransaction) {
		t.Errorf("Expected ErrInvalidTransaction for empty provider, got %v", err)
	}
	if _, err := l.RemoveDisallowed(context.Background(), "org-1", "openai", ""); !errors.Is(err, ErrInvalidTransaction) {
		t.Errorf("Expected ErrInvalidTransaction for empty model, got %v", err)
	}
}

// ===== Storage failures =====

func TestLedger_StorageFailureRecorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(&config.MetricsConfig{Enabled: true, Namespace: "test"}, reg)

	store := NewMemoryStore()
	l := NewLedger(store, WithMetrics(collector))
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	_, err := l.GetState(context.Background(), "org-1")
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("Expected ErrStorageUnavailable, got %v", err)
	}

	count, err := testutil.GatherAndCount(reg, "test_storage_errors_total")
	if err != nil {
		t.Fatalf("GatherAndCount failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 storage error series, got %d", count)
	}
}

func TestLedger_RecordsTransactionMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(&config.MetricsConfig{Enabled: true, Namespace: "test"}, reg)
	l, _ := newTestLedger(t, WithMetrics(collector))

	credit(t, l, "org-1", "10", "c-1")
	credit(t, l, "org-1", "10", "c-1")
	debit(t, l, "org-1", "1", "d-1")

	count, err := testutil.GatherAndCount(reg, "test_wallet_transactions_total")
	if err != nil {
		t.Fatalf("GatherAndCount failed: %v", err)
	}
	if count != 3 {
		t.Errorf("Expected 3 transaction series (credit, credit duplicate, debit), got %d", count)
	}
}
