// Package wallet implements the prepaid wallet ledger and escrow holds.
//
// A wallet is an append-only log of credits and debits for one
// organization. Amounts are decimal cents; balances are always derived from
// the log and are never stored:
//
//	effective balance = total credits - total debits - open escrow holds
//
// Ledger applies transactions idempotently by reference id and maintains a
// per-wallet provider/model disallow list. Escrow reserves an estimated
// amount before a request is forwarded and settles the hold with the actual
// cost once it is known:
//
//	hold, err := escrow.Reserve(ctx, wallet.ReserveRequest{
//		OrgID:     "org-1",
//		RequestID: requestID,
//		Amount:    decimal.NewFromInt(25),
//		Provider:  "openai",
//		Model:     "gpt-4o",
//	})
//	if err != nil {
//		return err // ErrInsufficientFunds, ErrModelDisallowed, ...
//	}
//	// ... forward the request ...
//	_, err = escrow.Settle(ctx, hold.ID, actualCents)
//
// Storage is pluggable through Store. MemoryStore ships here; durable SQLite
// and Postgres stores live in the wallet/storage package.
package wallet
