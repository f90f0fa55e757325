package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"mercator-hq/gatekeeper/pkg/telemetry/metrics"
)

// Reason recorded on the debit applied by Reset.
const ResetReason = "wallet reset"

// Ledger applies credits and debits to organization wallets.
//
// Every mutation is idempotent by ReferenceID within an org: replaying a
// request returns the current state and appends nothing. Balances are
// derived from the transaction log on every read and are never stored.
type Ledger struct {
	store   Store
	now     func() time.Time
	newID   func() string
	metrics *metrics.Collector
	logger  *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithIDGenerator overrides transaction and hold id generation.
func WithIDGenerator(newID func() string) Option {
	return func(l *Ledger) { l.newID = newID }
}

// WithMetrics records ledger activity on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(l *Ledger) { l.metrics = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLedger creates a ledger backed by store.
func NewLedger(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		now:    time.Now,
		newID:  uuid.NewString,
		logger: slog.Default().With("component", "wallet"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Store returns the underlying store.
func (l *Ledger) Store() Store {
	return l.store
}

// ApplyTransaction applies req and returns the resulting state. A replayed
// ReferenceID returns the current state unchanged.
func (l *Ledger) ApplyTransaction(ctx context.Context, req TransactionRequest) (State, error) {
	res, err := l.Apply(ctx, req)
	if err != nil {
		return State{}, err
	}
	return res.State, nil
}

// Apply is ApplyTransaction with replay details.
func (l *Ledger) Apply(ctx context.Context, req TransactionRequest) (ApplyTransactionResult, error) {
	req.OrgID = strings.TrimSpace(req.OrgID)
	if err := validateTransaction(req); err != nil {
		return ApplyTransactionResult{}, err
	}

	var res ApplyTransactionResult
	err := l.store.Update(ctx, req.OrgID, func(tx Tx) error {
		applied, dup, err := l.applyTx(tx, req)
		if err != nil {
			return err
		}
		res.Transaction = applied
		res.Duplicate = dup
		res.State, err = buildState(req.OrgID, tx)
		return err
	})
	if err != nil {
		l.storageFailure(err)
		return ApplyTransactionResult{}, err
	}

	l.metrics.RecordWalletTransaction(string(req.Type), res.Duplicate)
	l.logger.Info("wallet transaction applied",
		"org_id", req.OrgID,
		"type", req.Type,
		"amount", req.Amount.String(),
		"reference_id", req.ReferenceID,
		"duplicate", res.Duplicate,
	)
	return res, nil
}

// applyTx appends req unless its reference is already recorded.
func (l *Ledger) applyTx(tx Tx, req TransactionRequest) (Transaction, bool, error) {
	existing, err := tx.TransactionByReference(req.ReferenceID)
	if err != nil {
		return Transaction{}, false, err
	}
	if existing != nil {
		return *existing, true, nil
	}

	t := Transaction{
		ID:          l.newID(),
		OrgID:       req.OrgID,
		Amount:      req.Amount,
		Type:        req.Type,
		Reason:      req.Reason,
		ReferenceID: req.ReferenceID,
		AdminUserID: req.AdminUserID,
		CreatedAt:   l.now().UTC(),
	}
	if err := tx.InsertTransaction(t); err != nil {
		return Transaction{}, false, err
	}
	return t, false, nil
}

// GetState returns a snapshot of the wallet. An unknown org has a zero state.
func (l *Ledger) GetState(ctx context.Context, orgID string) (State, error) {
	if strings.TrimSpace(orgID) == "" {
		return State{}, invalid("orgId", "must not be empty")
	}

	var state State
	err := l.store.View(ctx, orgID, func(tx Tx) error {
		var err error
		state, err = buildState(orgID, tx)
		return err
	})
	if err != nil {
		l.storageFailure(err)
		return State{}, err
	}
	return state, nil
}

// Reset debits the whole effective balance when it is positive. It is a
// no-op otherwise.
func (l *Ledger) Reset(ctx context.Context, orgID, adminUserID string) (State, error) {
	if strings.TrimSpace(orgID) == "" {
		return State{}, invalid("orgId", "must not be empty")
	}

	var (
		state  State
		amount decimal.Decimal
	)
	err := l.store.Update(ctx, orgID, func(tx Tx) error {
		current, err := buildState(orgID, tx)
		if err != nil {
			return err
		}
		if !current.EffectiveBalance.IsPositive() {
			state = current
			return nil
		}

		amount = current.EffectiveBalance
		if _, _, err := l.applyTx(tx, TransactionRequest{
			OrgID:       orgID,
			Amount:      amount,
			Type:        Debit,
			Reason:      ResetReason,
			ReferenceID: "reset-" + l.newID(),
			AdminUserID: adminUserID,
		}); err != nil {
			return err
		}
		state, err = buildState(orgID, tx)
		return err
	})
	if err != nil {
		l.storageFailure(err)
		return State{}, err
	}

	if amount.IsPositive() {
		l.metrics.RecordWalletTransaction(string(Debit), false)
		l.logger.Info("wallet reset", "org_id", orgID, "amount", amount.String(), "admin_user_id", adminUserID)
	}
	return state, nil
}

// TotalCredits returns the sum of all credits ever applied to the org.
func (l *Ledger) TotalCredits(ctx context.Context, orgID string) (decimal.Decimal, error) {
	if strings.TrimSpace(orgID) == "" {
		return decimal.Zero, invalid("orgId", "must not be empty")
	}

	var credits decimal.Decimal
	err := l.store.View(ctx, orgID, func(tx Tx) error {
		var err error
		credits, _, err = tx.Totals()
		return err
	})
	if err != nil {
		l.storageFailure(err)
		return decimal.Zero, err
	}
	return credits, nil
}

// AddDisallowed stops the wallet from funding provider/model. Adding an
// existing pair is a no-op.
func (l *Ledger) AddDisallowed(ctx context.Context, orgID, provider, model string) (State, error) {
	if err := validateDisallow(orgID, provider, model); err != nil {
		return State{}, err
	}
	return l.mutate(ctx, orgID, func(tx Tx) error {
		return tx.AddDisallowed(DisallowEntry{
			Provider:  strings.TrimSpace(provider),
			Model:     strings.TrimSpace(model),
			CreatedAt: l.now().UTC(),
		})
	})
}

// RemoveDisallowed lifts a disallow entry. Removing a missing pair is a no-op.
func (l *Ledger) RemoveDisallowed(ctx context.Context, orgID, provider, model string) (State, error) {
	if err := validateDisallow(orgID, provider, model); err != nil {
		return State{}, err
	}
	return l.mutate(ctx, orgID, func(tx Tx) error {
		return tx.RemoveDisallowed(provider, model)
	})
}

// IsDisallowed reports whether the wallet refuses to fund provider/model.
func (l *Ledger) IsDisallowed(ctx context.Context, orgID, provider, model string) (bool, error) {
	var disallowed bool
	err := l.store.View(ctx, orgID, func(tx Tx) error {
		var err error
		disallowed, err = isDisallowed(tx, provider, model)
		return err
	})
	if err != nil {
		l.storageFailure(err)
		return false, err
	}
	return disallowed, nil
}

// ListTransactions returns one page of the ledger, newest first, and the
// total entry count.
func (l *Ledger) ListTransactions(ctx context.Context, orgID string, page Page) ([]Transaction, int, error) {
	if strings.TrimSpace(orgID) == "" {
		return nil, 0, invalid("orgId", "must not be empty")
	}
	txs, total, err := l.store.ListTransactions(ctx, orgID, page.Normalize())
	if err != nil {
		l.storageFailure(err)
		return nil, 0, err
	}
	return txs, total, nil
}

func (l *Ledger) mutate(ctx context.Context, orgID string, fn func(Tx) error) (State, error) {
	var state State
	err := l.store.Update(ctx, orgID, func(tx Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		var err error
		state, err = buildState(orgID, tx)
		return err
	})
	if err != nil {
		l.storageFailure(err)
		return State{}, err
	}
	return state, nil
}

func (l *Ledger) storageFailure(err error) {
	if isStorageError(err) {
		l.metrics.RecordStorageError("wallet")
		l.logger.Error("wallet storage failure", "error", err)
	}
}

func isDisallowed(tx Tx, provider, model string) (bool, error) {
	if provider == "" && model == "" {
		return false, nil
	}
	list, err := tx.Disallowed()
	if err != nil {
		return false, err
	}
	for _, e := range list {
		if e.Matches(provider, model) {
			return true, nil
		}
	}
	return false, nil
}

// buildState assembles a State from the transaction log and open holds.
func buildState(orgID string, tx Tx) (State, error) {
	txs, err := tx.Transactions()
	if err != nil {
		return State{}, err
	}
	open, err := tx.OpenHolds()
	if err != nil {
		return State{}, err
	}
	disallow, err := tx.Disallowed()
	if err != nil {
		return State{}, err
	}

	state := State{
		OrgID:            orgID,
		CreditPurchases:  []Transaction{},
		AggregatedDebits: []Transaction{},
		Escrows:          open,
		DisallowList:     disallow,
	}
	if state.Escrows == nil {
		state.Escrows = []EscrowHold{}
	}
	if state.DisallowList == nil {
		state.DisallowList = []DisallowEntry{}
	}
	for _, t := range txs {
		if t.Type == Credit {
			state.CreditPurchases = append(state.CreditPurchases, t)
		} else {
			state.AggregatedDebits = append(state.AggregatedDebits, t)
		}
	}
	state.TotalCredits, state.TotalDebits = SumTransactions(txs)
	state.EffectiveBalance = effectiveBalance(state.TotalCredits, state.TotalDebits, open)
	return state, nil
}

func validateTransaction(req TransactionRequest) error {
	switch {
	case req.OrgID == "":
		return invalid("orgId", "must not be empty")
	case !req.Type.Valid():
		return invalid("type", fmt.Sprintf("must be %q or %q", Credit, Debit))
	case !req.Amount.IsPositive():
		return invalid("amount", "must be greater than zero")
	case strings.TrimSpace(req.Reason) == "":
		return invalid("reason", "must not be empty")
	case strings.TrimSpace(req.ReferenceID) == "":
		return invalid("referenceId", "must not be empty")
	}
	return nil
}

func validateDisallow(orgID, provider, model string) error {
	switch {
	case strings.TrimSpace(orgID) == "":
		return invalid("orgId", "must not be empty")
	case strings.TrimSpace(provider) == "":
		return invalid("provider", "must not be empty")
	case strings.TrimSpace(model) == "":
		return invalid("model", "must not be empty")
	}
	return nil
}
