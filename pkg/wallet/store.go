package wallet

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Tx is a unit of work against one organization's wallet. It is only valid
// inside the Store.Update or Store.View callback that provided it, and all
// of its reads observe the same serialized view of that wallet.
type Tx interface {
	// Transactions returns the ledger entries, oldest first.
	Transactions() ([]Transaction, error)

	// TransactionByReference returns the entry with referenceID, or nil.
	TransactionByReference(referenceID string) (*Transaction, error)

	// InsertTransaction appends an entry.
	InsertTransaction(t Transaction) error

	// Totals sums the ledger by type.
	Totals() (credits, debits decimal.Decimal, err error)

	// Hold returns the hold with holdID, or nil.
	Hold(holdID string) (*EscrowHold, error)

	// HoldByRequest returns the hold created for requestID, or nil.
	HoldByRequest(requestID string) (*EscrowHold, error)

	// OpenHolds returns holds in HoldOpen status, oldest first.
	OpenHolds() ([]EscrowHold, error)

	// SaveHold inserts or replaces a hold.
	SaveHold(h EscrowHold) error

	// Disallowed returns the disallow list.
	Disallowed() ([]DisallowEntry, error)

	// AddDisallowed adds an entry; an existing pair is left unchanged.
	AddDisallowed(e DisallowEntry) error

	// RemoveDisallowed deletes a pair if present.
	RemoveDisallowed(provider, model string) error
}

// Store persists wallets.
//
// Update serializes callbacks per organization: two Updates for the same
// org never interleave, and a callback that returns an error leaves the
// wallet unchanged. Errors returned by the callback are passed through
// unwrapped; failures of the store itself are *StorageError.
type Store interface {
	Update(ctx context.Context, orgID string, fn func(Tx) error) error
	View(ctx context.Context, orgID string, fn func(Tx) error) error

	// LocateHold resolves a hold id to its organization.
	LocateHold(ctx context.Context, holdID string) (string, error)

	// ListOpenHolds returns open holds across all orgs created before cutoff.
	ListOpenHolds(ctx context.Context, createdBefore time.Time) ([]EscrowHold, error)

	// ListTransactions returns one page of an org's ledger, newest first,
	// along with the total number of entries.
	ListTransactions(ctx context.Context, orgID string, page Page) ([]Transaction, int, error)

	Ping(ctx context.Context) error
	Close() error
}

// effectiveBalance computes credits - debits - open holds.
func effectiveBalance(credits, debits decimal.Decimal, open []EscrowHold) decimal.Decimal {
	balance := credits.Sub(debits)
	for _, h := range open {
		balance = balance.Sub(h.Amount)
	}
	return balance
}

// SumTransactions totals entries by type. Stores without exact SQL
// arithmetic use it to implement Tx.Totals.
func SumTransactions(txs []Transaction) (credits, debits decimal.Decimal) {
	for _, t := range txs {
		switch t.Type {
		case Credit:
			credits = credits.Add(t.Amount)
		case Debit:
			debits = debits.Add(t.Amount)
		}
	}
	return credits, debits
}
