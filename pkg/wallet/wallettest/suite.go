// Package wallettest provides a conformance suite for wallet.Store
// implementations.
package wallettest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"mercator-hq/gatekeeper/pkg/wallet"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) wallet.Store

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// Run exercises newStore against the behavior every wallet.Store must share.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(*testing.T, wallet.Store)
	}{
		{"InsertAndRead", testInsertAndRead},
		{"FailedUpdateRollsBack", testFailedUpdateRollsBack},
		{"ViewIsReadOnly", testViewIsReadOnly},
		{"Holds", testHolds},
		{"ListOpenHolds", testListOpenHolds},
		{"Disallow", testDisallow},
		{"ListTransactions", testListTransactions},
		{"SerializesUpdates", testSerializesUpdates},
		{"LedgerPrecision", testLedgerPrecision},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t)
			t.Cleanup(func() { _ = store.Close() })
			tt.fn(t, store)
		})
	}
}

func tx(id, orgID, amount string, typ wallet.TransactionType, at time.Time) wallet.Transaction {
	return wallet.Transaction{
		ID:          id,
		OrgID:       orgID,
		Amount:      decimal.RequireFromString(amount),
		Type:        typ,
		Reason:      "test",
		ReferenceID: "ref-" + id,
		CreatedAt:   at,
	}
}

func testInsertAndRead(t *testing.T, store wallet.Store) {
	ctx := context.Background()

	err := store.Update(ctx, "org-1", func(w wallet.Tx) error {
		if err := w.InsertTransaction(tx("t1", "org-1", "100", wallet.Credit, epoch)); err != nil {
			return err
		}
		return w.InsertTransaction(tx("t2", "org-1", "0.125", wallet.Debit, epoch.Add(time.Second)))
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	err = store.View(ctx, "org-1", func(w wallet.Tx) error {
		txs, err := w.Transactions()
		if err != nil {
			return err
		}
		if len(txs) != 2 || txs[0].ID != "t1" || txs[1].ID != "t2" {
			t.Errorf("Expected [t1 t2] oldest first, got %+v", txs)
		}
		if !txs[1].CreatedAt.Equal(epoch.Add(time.Second)) {
			t.Errorf("Expected created at %v, got %v", epoch.Add(time.Second), txs[1].CreatedAt)
		}

		credits, debits, err := w.Totals()
		if err != nil {
			return err
		}
		if !credits.Equal(decimal.NewFromInt(100)) || !debits.Equal(decimal.RequireFromString("0.125")) {
			t.Errorf("Expected totals 100/0.125, got %s/%s", credits, debits)
		}

		found, err := w.TransactionByReference("ref-t2")
		if err != nil {
			return err
		}
		if found == nil || found.ID != "t2" {
			t.Errorf("Expected t2 by reference, got %+v", found)
		}
		missing, err := w.TransactionByReference("nope")
		if err != nil {
			return err
		}
		if missing != nil {
			t.Errorf("Expected nil for unknown reference, got %+v", missing)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}

	// Another org sees nothing.
	err = store.View(ctx, "org-2", func(w wallet.Tx) error {
		txs, err := w.Transactions()
		if err != nil {
			return err
		}
		if len(txs) != 0 {
			t.Errorf("Expected no transactions for org-2, got %d", len(txs))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View org-2 failed: %v", err)
	}
}

func testFailedUpdateRollsBack(t *testing.T, store wallet.Store) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.Update(ctx, "org-1", func(w wallet.Tx) error {
		if err := w.InsertTransaction(tx("t1", "org-1", "10", wallet.Credit, epoch)); err != nil {
			return err
		}
		if err := w.SaveHold(wallet.EscrowHold{
			ID: "h1", OrgID: "org-1", RequestID: "r1",
			Amount: decimal.NewFromInt(1), Status: wallet.HoldOpen, CreatedAt: epoch,
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected callback error to pass through, got %v", err)
	}

	err = store.View(ctx, "org-1", func(w wallet.Tx) error {
		txs, _ := w.Transactions()
		holds, _ := w.OpenHolds()
		if len(txs) != 0 || len(holds) != 0 {
			t.Errorf("Expected rollback, got %d transactions and %d holds", len(txs), len(holds))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}
	if _, err := store.LocateHold(ctx, "h1"); !errors.Is(err, wallet.ErrHoldNotFound) {
		t.Errorf("Expected rolled back hold to be unknown, got %v", err)
	}
}

func testViewIsReadOnly(t *testing.T, store wallet.Store) {
	err := store.View(context.Background(), "org-1", func(w wallet.Tx) error {
		return w.InsertTransaction(tx("t1", "org-1", "1", wallet.Credit, epoch))
	})
	if !errors.Is(err, wallet.ErrReadOnly) {
		t.Errorf("Expected ErrReadOnly, got %v", err)
	}
}

func testHolds(t *testing.T, store wallet.Store) {
	ctx := context.Background()
	hold := wallet.EscrowHold{
		ID:        "h1",
		OrgID:     "org-1",
		RequestID: "req-1",
		Amount:    decimal.RequireFromString("12.5"),
		Status:    wallet.HoldOpen,
		Provider:  "openai",
		Model:     "gpt-4o",
		CreatedAt: epoch,
	}

	if err := store.Update(ctx, "org-1", func(w wallet.Tx) error { return w.SaveHold(hold) }); err != nil {
		t.Fatalf("SaveHold failed: %v", err)
	}

	orgID, err := store.LocateHold(ctx, "h1")
	if err != nil {
		t.Fatalf("LocateHold failed: %v", err)
	}
	if orgID != "org-1" {
		t.Errorf("Expected org-1, got %s", orgID)
	}

	resolved := epoch.Add(time.Minute)
	settled := decimal.RequireFromString("11.25")
	err = store.Update(ctx, "org-1", func(w wallet.Tx) error {
		h, err := w.HoldByRequest("req-1")
		if err != nil {
			return err
		}
		if h == nil || h.ID != "h1" {
			return fmt.Errorf("expected h1 by request, got %+v", h)
		}
		h.Status = wallet.HoldSettled
		h.ResolvedAt = &resolved
		h.SettledAmount = &settled
		return w.SaveHold(*h)
	})
	if err != nil {
		t.Fatalf("settle update failed: %v", err)
	}

	err = store.View(ctx, "org-1", func(w wallet.Tx) error {
		h, err := w.Hold("h1")
		if err != nil {
			return err
		}
		if h == nil {
			t.Fatal("Expected hold h1")
		}
		if h.Status != wallet.HoldSettled || h.Provider != "openai" || h.Model != "gpt-4o" {
			t.Errorf("Unexpected hold after settle: %+v", h)
		}
		if h.ResolvedAt == nil || !h.ResolvedAt.Equal(resolved) {
			t.Errorf("Expected resolved at %v, got %v", resolved, h.ResolvedAt)
		}
		if h.SettledAmount == nil || !h.SettledAmount.Equal(settled) {
			t.Errorf("Expected settled amount %s, got %v", settled, h.SettledAmount)
		}
		open, err := w.OpenHolds()
		if err != nil {
			return err
		}
		if len(open) != 0 {
			t.Errorf("Expected no open holds, got %d", len(open))
		}
		missing, err := w.Hold("h2")
		if err != nil {
			return err
		}
		if missing != nil {
			t.Errorf("Expected nil for unknown hold, got %+v", missing)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}

	if _, err := store.LocateHold(ctx, "nope"); !errors.Is(err, wallet.ErrHoldNotFound) {
		t.Errorf("Expected ErrHoldNotFound, got %v", err)
	}
}

func testListOpenHolds(t *testing.T, store wallet.Store) {
	ctx := context.Background()
	save := func(orgID, id string, at time.Time, status wallet.HoldStatus) {
		t.Helper()
		err := store.Update(ctx, orgID, func(w wallet.Tx) error {
			return w.SaveHold(wallet.EscrowHold{
				ID: id, OrgID: orgID, RequestID: "req-" + id,
				Amount: decimal.NewFromInt(1), Status: status, CreatedAt: at,
			})
		})
		if err != nil {
			t.Fatalf("SaveHold %s failed: %v", id, err)
		}
	}

	save("org-1", "old-1", epoch, wallet.HoldOpen)
	save("org-2", "old-2", epoch.Add(time.Second), wallet.HoldOpen)
	save("org-1", "done", epoch, wallet.HoldReleased)
	save("org-2", "new", epoch.Add(time.Hour), wallet.HoldOpen)

	open, err := store.ListOpenHolds(ctx, epoch.Add(time.Minute))
	if err != nil {
		t.Fatalf("ListOpenHolds failed: %v", err)
	}
	if len(open) != 2 || open[0].ID != "old-1" || open[1].ID != "old-2" {
		t.Errorf("Expected [old-1 old-2], got %+v", open)
	}
}

func testDisallow(t *testing.T, store wallet.Store) {
	ctx := context.Background()

	err := store.Update(ctx, "org-1", func(w wallet.Tx) error {
		if err := w.AddDisallowed(wallet.DisallowEntry{Provider: "openai", Model: "gpt-4o", CreatedAt: epoch}); err != nil {
			return err
		}
		if err := w.AddDisallowed(wallet.DisallowEntry{Provider: "OpenAI", Model: "GPT-4o", CreatedAt: epoch}); err != nil {
			return err
		}
		return w.AddDisallowed(wallet.DisallowEntry{Provider: "anthropic", Model: "claude", CreatedAt: epoch})
	})
	if err != nil {
		t.Fatalf("AddDisallowed failed: %v", err)
	}

	err = store.Update(ctx, "org-1", func(w wallet.Tx) error {
		return w.RemoveDisallowed("ANTHROPIC", "claude")
	})
	if err != nil {
		t.Fatalf("RemoveDisallowed failed: %v", err)
	}

	err = store.View(ctx, "org-1", func(w wallet.Tx) error {
		list, err := w.Disallowed()
		if err != nil {
			return err
		}
		if len(list) != 1 || !list[0].Matches("openai", "gpt-4o") {
			t.Errorf("Expected only openai/gpt-4o, got %+v", list)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}
}

func testListTransactions(t *testing.T, store wallet.Store) {
	ctx := context.Background()
	err := store.Update(ctx, "org-1", func(w wallet.Tx) error {
		for i := 1; i <= 7; i++ {
			id := fmt.Sprintf("t%d", i)
			if err := w.InsertTransaction(tx(id, "org-1", "1", wallet.Credit, epoch.Add(time.Duration(i)*time.Second))); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	page, total, err := store.ListTransactions(ctx, "org-1", wallet.Page{Limit: 3, Offset: 2})
	if err != nil {
		t.Fatalf("ListTransactions failed: %v", err)
	}
	if total != 7 {
		t.Errorf("Expected total 7, got %d", total)
	}
	if len(page) != 3 || page[0].ID != "t5" || page[2].ID != "t3" {
		t.Errorf("Expected [t5 t4 t3], got %+v", page)
	}

	empty, total, err := store.ListTransactions(ctx, "org-unknown", wallet.Page{})
	if err != nil {
		t.Fatalf("ListTransactions unknown org failed: %v", err)
	}
	if total != 0 || len(empty) != 0 {
		t.Errorf("Expected empty listing, got %d/%d", len(empty), total)
	}
}

func testSerializesUpdates(t *testing.T, store wallet.Store) {
	ctx := context.Background()
	const workers = 20

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := store.Update(ctx, "org-1", func(w wallet.Tx) error {
				// Read-modify-write: a lost update would leave fewer entries.
				txs, err := w.Transactions()
				if err != nil {
					return err
				}
				id := fmt.Sprintf("t%d-%d", len(txs), i)
				return w.InsertTransaction(tx(id, "org-1", "1", wallet.Credit, epoch))
			})
			if err != nil {
				t.Errorf("Update failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	err := store.View(ctx, "org-1", func(w wallet.Tx) error {
		credits, _, err := w.Totals()
		if err != nil {
			return err
		}
		if !credits.Equal(decimal.NewFromInt(workers)) {
			t.Errorf("Expected total credits %d, got %s", workers, credits)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}
}

func testLedgerPrecision(t *testing.T, store wallet.Store) {
	ctx := context.Background()
	ledger := wallet.NewLedger(store)

	for _, req := range []wallet.TransactionRequest{
		{OrgID: "org-1", Amount: decimal.NewFromInt(100), Type: wallet.Credit, Reason: "top up", ReferenceID: "c-1"},
		{OrgID: "org-1", Amount: decimal.RequireFromString("1.87125"), Type: wallet.Debit, Reason: "usage", ReferenceID: "d-1"},
	} {
		if _, err := ledger.ApplyTransaction(ctx, req); err != nil {
			t.Fatalf("ApplyTransaction failed: %v", err)
		}
	}

	state, err := ledger.GetState(ctx, "org-1")
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if !state.EffectiveBalance.Equal(decimal.RequireFromString("98.12875")) {
		t.Errorf("Expected effective balance 98.12875, got %s", state.EffectiveBalance)
	}
}
