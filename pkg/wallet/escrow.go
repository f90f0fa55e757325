package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SettlementReason is recorded on the debit created by Settle.
const SettlementReason = "escrow settlement"

// Escrow reserves funds for in-flight requests and settles them once the
// actual cost is known.
//
// Holds move Open -> Settled or Open -> Released and never leave a terminal
// state. Settle and Release on a terminal hold return it unchanged, so both
// are safe to retry.
type Escrow struct {
	ledger         *Ledger
	minimumReserve decimal.Decimal
}

// NewEscrow creates an escrow manager on top of ledger. A reserve is denied
// when it would leave less than minimumReserve cents available.
func NewEscrow(ledger *Ledger, minimumReserve decimal.Decimal) *Escrow {
	if minimumReserve.IsNegative() {
		minimumReserve = decimal.Zero
	}
	return &Escrow{ledger: ledger, minimumReserve: minimumReserve}
}

// Reserve places a hold of req.Amount. Replaying a RequestID returns the
// hold created for it the first time.
func (e *Escrow) Reserve(ctx context.Context, req ReserveRequest) (EscrowHold, error) {
	return e.reserve(ctx, req, false)
}

// ReserveOnce is Reserve for callers that spend the hold exactly once. A
// RequestID that already has a hold, in any status, fails with
// ErrDuplicateRequest and the existing hold is returned with the error.
func (e *Escrow) ReserveOnce(ctx context.Context, req ReserveRequest) (EscrowHold, error) {
	return e.reserve(ctx, req, true)
}

func (e *Escrow) reserve(ctx context.Context, req ReserveRequest, once bool) (EscrowHold, error) {
	req.OrgID = strings.TrimSpace(req.OrgID)
	switch {
	case req.OrgID == "":
		return EscrowHold{}, invalid("orgId", "must not be empty")
	case strings.TrimSpace(req.RequestID) == "":
		return EscrowHold{}, invalid("requestId", "must not be empty")
	case req.Amount.IsNegative():
		return EscrowHold{}, invalid("amount", "must not be negative")
	}

	l := e.ledger
	var (
		hold   EscrowHold
		replay bool
	)
	err := l.store.Update(ctx, req.OrgID, func(tx Tx) error {
		existing, err := tx.HoldByRequest(req.RequestID)
		if err != nil {
			return err
		}
		if existing != nil {
			hold, replay = *existing, true
			return nil
		}

		disallowed, err := isDisallowed(tx, req.Provider, req.Model)
		if err != nil {
			return err
		}
		if disallowed {
			return fmt.Errorf("%w: %s/%s", ErrModelDisallowed, req.Provider, req.Model)
		}

		credits, debits, err := tx.Totals()
		if err != nil {
			return err
		}
		open, err := tx.OpenHolds()
		if err != nil {
			return err
		}
		available := effectiveBalance(credits, debits, open)
		if available.Sub(req.Amount).LessThan(e.minimumReserve) {
			return &InsufficientFundsError{
				OrgID:          req.OrgID,
				Provider:       req.Provider,
				Requested:      req.Amount,
				Available:      available,
				MinimumReserve: e.minimumReserve,
			}
		}

		hold = EscrowHold{
			ID:        l.newID(),
			OrgID:     req.OrgID,
			RequestID: req.RequestID,
			Amount:    req.Amount,
			Status:    HoldOpen,
			Provider:  req.Provider,
			Model:     req.Model,
			CreatedAt: l.now().UTC(),
		}
		return tx.SaveHold(hold)
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ErrModelDisallowed) {
			l.metrics.RecordEscrowHold("rejected")
			l.logger.Debug("escrow reserve rejected", "org_id", req.OrgID, "request_id", req.RequestID, "error", err)
		}
		l.storageFailure(err)
		return EscrowHold{}, err
	}

	if !replay {
		l.metrics.RecordEscrowHold("reserved")
		return hold, nil
	}
	if once {
		l.metrics.RecordEscrowHold("duplicate")
		l.logger.Warn("escrow reserve replayed a request id",
			"org_id", req.OrgID, "request_id", req.RequestID, "hold_id", hold.ID, "status", string(hold.Status))
		return hold, fmt.Errorf("%w: request %s is %s", ErrDuplicateRequest, req.RequestID, hold.Status)
	}
	return hold, nil
}

// Settle closes an open hold with the actual cost. A debit of actual is
// appended with the hold id as its reference; a zero cost debits nothing.
func (e *Escrow) Settle(ctx context.Context, holdID string, actual decimal.Decimal) (EscrowHold, error) {
	if actual.IsNegative() {
		return EscrowHold{}, invalid("amount", "must not be negative")
	}

	l := e.ledger
	var settled bool
	hold, err := e.resolve(ctx, holdID, func(tx Tx, h *EscrowHold) error {
		if actual.IsPositive() {
			if _, _, err := l.applyTx(tx, TransactionRequest{
				OrgID:       h.OrgID,
				Amount:      actual,
				Type:        Debit,
				Reason:      SettlementReason,
				ReferenceID: h.ID,
			}); err != nil {
				return err
			}
		}
		amount := actual
		h.Status = HoldSettled
		h.SettledAmount = &amount
		settled = true
		return nil
	})
	if err != nil {
		return EscrowHold{}, err
	}

	if settled {
		l.metrics.RecordEscrowHold("settled")
		if actual.IsPositive() {
			l.metrics.RecordWalletTransaction(string(Debit), false)
		}
	}
	return hold, nil
}

// Release closes an open hold without debiting anything.
func (e *Escrow) Release(ctx context.Context, holdID string) (EscrowHold, error) {
	var released bool
	hold, err := e.resolve(ctx, holdID, func(tx Tx, h *EscrowHold) error {
		h.Status = HoldReleased
		released = true
		return nil
	})
	if err != nil {
		return EscrowHold{}, err
	}
	if released {
		e.ledger.metrics.RecordEscrowHold("released")
	}
	return hold, nil
}

// ExpireOpen releases every open hold created before cutoff and returns how
// many were released. Holds resolved concurrently are skipped.
func (e *Escrow) ExpireOpen(ctx context.Context, cutoff time.Time) (int, error) {
	l := e.ledger
	stale, err := l.store.ListOpenHolds(ctx, cutoff)
	if err != nil {
		l.storageFailure(err)
		return 0, err
	}

	expired := 0
	var errs []error
	for _, h := range stale {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		var released bool
		err := l.store.Update(ctx, h.OrgID, func(tx Tx) error {
			current, err := tx.Hold(h.ID)
			if err != nil || current == nil || current.Status != HoldOpen || !current.CreatedAt.Before(cutoff) {
				return err
			}
			now := l.now().UTC()
			current.Status = HoldReleased
			current.ResolvedAt = &now
			released = true
			return tx.SaveHold(*current)
		})
		if err != nil {
			l.storageFailure(err)
			errs = append(errs, fmt.Errorf("expire hold %s: %w", h.ID, err))
			continue
		}
		if released {
			expired++
			l.metrics.RecordEscrowHold("expired")
		}
	}

	if expired > 0 {
		l.logger.Info("expired stale escrow holds", "count", expired, "cutoff", cutoff)
	}
	return expired, errors.Join(errs...)
}

// resolve applies a terminal transition to an open hold. fn is not called
// for a hold that is already terminal.
func (e *Escrow) resolve(ctx context.Context, holdID string, fn func(Tx, *EscrowHold) error) (EscrowHold, error) {
	if strings.TrimSpace(holdID) == "" {
		return EscrowHold{}, invalid("holdId", "must not be empty")
	}

	l := e.ledger
	orgID, err := l.store.LocateHold(ctx, holdID)
	if err != nil {
		l.storageFailure(err)
		return EscrowHold{}, err
	}

	var hold EscrowHold
	err = l.store.Update(ctx, orgID, func(tx Tx) error {
		current, err := tx.Hold(holdID)
		if err != nil {
			return err
		}
		if current == nil {
			return ErrHoldNotFound
		}
		if current.Status.Terminal() {
			hold = *current
			return nil
		}

		if err := fn(tx, current); err != nil {
			return err
		}
		now := l.now().UTC()
		current.ResolvedAt = &now
		hold = *current
		return tx.SaveHold(hold)
	})
	if err != nil {
		l.storageFailure(err)
		return EscrowHold{}, err
	}
	return hold, nil
}

func isStorageError(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}
