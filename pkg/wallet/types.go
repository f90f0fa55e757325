package wallet

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType distinguishes credits from debits.
type TransactionType string

const (
	// Credit adds funds to the wallet.
	Credit TransactionType = "credit"

	// Debit removes funds from the wallet.
	Debit TransactionType = "debit"
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	return t == Credit || t == Debit
}

// HoldStatus is the lifecycle state of an escrow hold.
type HoldStatus string

const (
	// HoldOpen is an in-flight reservation counted against the balance.
	HoldOpen HoldStatus = "open"

	// HoldSettled is terminal: the actual cost was debited.
	HoldSettled HoldStatus = "settled"

	// HoldReleased is terminal: the reservation was dropped without a debit.
	HoldReleased HoldStatus = "released"
)

// Terminal reports whether no further transitions are possible.
func (s HoldStatus) Terminal() bool {
	return s == HoldSettled || s == HoldReleased
}

// Transaction is one entry in an organization's ledger. Amounts are in cents.
type Transaction struct {
	ID          string          `json:"id"`
	OrgID       string          `json:"orgId"`
	Amount      decimal.Decimal `json:"amount"`
	Type        TransactionType `json:"type"`
	Reason      string          `json:"reason"`
	ReferenceID string          `json:"referenceId"`
	AdminUserID string          `json:"adminUserId,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// EscrowHold reserves part of the balance for an in-flight request.
type EscrowHold struct {
	ID        string          `json:"id"`
	OrgID     string          `json:"orgId"`
	RequestID string          `json:"requestId"`
	Amount    decimal.Decimal `json:"amount"`
	Status    HoldStatus      `json:"status"`
	Provider  string          `json:"provider,omitempty"`
	Model     string          `json:"model,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`

	// ResolvedAt is set when the hold reaches a terminal state.
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`

	// SettledAmount is the debited amount for a settled hold.
	SettledAmount *decimal.Decimal `json:"settledAmount,omitempty"`
}

// DisallowEntry is a provider/model pair the wallet refuses to fund.
type DisallowEntry struct {
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"createdAt"`
}

// Matches reports whether the entry covers provider and model. Comparison
// is case-insensitive.
func (e DisallowEntry) Matches(provider, model string) bool {
	return equalFold(e.Provider, provider) && equalFold(e.Model, model)
}

// State is the externally visible snapshot of a wallet. EffectiveBalance is
// always TotalCredits - TotalDebits - sum(open Escrows).
type State struct {
	OrgID            string          `json:"orgId"`
	TotalCredits     decimal.Decimal `json:"totalCredits"`
	TotalDebits      decimal.Decimal `json:"totalDebits"`
	EffectiveBalance decimal.Decimal `json:"effectiveBalance"`
	CreditPurchases  []Transaction   `json:"creditPurchases"`
	AggregatedDebits []Transaction   `json:"aggregatedDebits"`
	Escrows          []EscrowHold    `json:"escrows"`
	DisallowList     []DisallowEntry `json:"disallowList"`
}

// TransactionRequest asks the ledger to apply a credit or debit.
type TransactionRequest struct {
	OrgID       string
	Amount      decimal.Decimal
	Type        TransactionType
	Reason      string
	ReferenceID string
	AdminUserID string
}

// ApplyTransactionResult is the outcome of Ledger.Apply.
type ApplyTransactionResult struct {
	State State

	// Transaction is the applied entry, or the earlier entry on a replay.
	Transaction Transaction

	// Duplicate is true when ReferenceID was already recorded and nothing
	// was applied.
	Duplicate bool
}

// ReserveRequest asks escrow to hold funds for a request.
type ReserveRequest struct {
	OrgID     string
	RequestID string
	Amount    decimal.Decimal
	Provider  string
	Model     string
}

// Page selects a window of a listing.
type Page struct {
	Limit  int
	Offset int
}

// Listing bounds.
const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

// Normalize clamps the page to valid bounds.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
