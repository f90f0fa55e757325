package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"mercator-hq/gatekeeper/pkg/wallet"
)

// PostgresConfig contains configuration for the PostgreSQL wallet store.
type PostgresConfig struct {
	// DSN is the connection string.
	DSN string

	// MaxConns is the maximum pool size.
	// Default: 10
	MaxConns int32
}

// PostgresStore implements wallet.Store on PostgreSQL.
//
// Update locks the org's row in the wallets table for the duration of the
// transaction. Amounts are NUMERIC and travel as text in both directions.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ wallet.Store = (*PostgresStore)(nil)

// NewPostgresStore connects to cfg.DSN and creates the schema if missing.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, wallet.NewStorageError("postgres", "open", errors.New("dsn is required"))
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, wallet.NewStorageError("postgres", "parse_dsn", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, wallet.NewStorageError("postgres", "open", err)
	}

	s := &PostgresStore{
		pool:   pool,
		logger: slog.Default().With("component", "wallet.storage.postgres"),
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, wallet.NewStorageError("postgres", "create_schema", err)
	}

	s.logger.Info("Postgres wallet store initialized", "max_conns", poolCfg.MaxConns)
	return s, nil
}

// Update implements wallet.Store.
func (s *PostgresStore) Update(ctx context.Context, orgID string, fn func(wallet.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wallet.NewStorageError("postgres", "begin", err)
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `INSERT INTO wallets (org_id) VALUES ($1) ON CONFLICT DO NOTHING`, orgID); err != nil {
		return wallet.NewStorageError("postgres", "ensure_wallet", err)
	}
	var locked string
	if err := tx.QueryRow(ctx, `SELECT org_id FROM wallets WHERE org_id = $1 FOR UPDATE`, orgID).Scan(&locked); err != nil {
		return wallet.NewStorageError("postgres", "lock_wallet", err)
	}

	if err := fn(&pgTx{ctx: ctx, tx: tx, orgID: orgID}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wallet.NewStorageError("postgres", "commit", err)
	}
	return nil
}

// View implements wallet.Store. Reads run in one REPEATABLE READ snapshot.
func (s *PostgresStore) View(ctx context.Context, orgID string, fn func(wallet.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return wallet.NewStorageError("postgres", "begin", err)
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	return fn(&pgTx{ctx: ctx, tx: tx, orgID: orgID, readOnly: true})
}

// LocateHold implements wallet.Store.
func (s *PostgresStore) LocateHold(ctx context.Context, holdID string) (string, error) {
	var orgID string
	err := s.pool.QueryRow(ctx, `SELECT org_id FROM escrow_holds WHERE id = $1`, holdID).Scan(&orgID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", wallet.ErrHoldNotFound
	}
	if err != nil {
		return "", wallet.NewStorageError("postgres", "locate_hold", err)
	}
	return orgID, nil
}

// ListOpenHolds implements wallet.Store.
func (s *PostgresStore) ListOpenHolds(ctx context.Context, createdBefore time.Time) ([]wallet.EscrowHold, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgHoldColumns+` FROM escrow_holds
		 WHERE status = 'open' AND created_at < $1
		 ORDER BY created_at, id`, createdBefore)
	if err != nil {
		return nil, wallet.NewStorageError("postgres", "list_open_holds", err)
	}
	holds, err := scanPgHolds(rows)
	if err != nil {
		return nil, wallet.NewStorageError("postgres", "list_open_holds", err)
	}
	return holds, nil
}

// ListTransactions implements wallet.Store.
func (s *PostgresStore) ListTransactions(ctx context.Context, orgID string, page wallet.Page) ([]wallet.Transaction, int, error) {
	page = page.Normalize()

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM wallet_transactions WHERE org_id = $1`, orgID).Scan(&total); err != nil {
		return nil, 0, wallet.NewStorageError("postgres", "count_transactions", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+pgTxColumns+` FROM wallet_transactions
		 WHERE org_id = $1 ORDER BY seq DESC LIMIT $2 OFFSET $3`,
		orgID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, wallet.NewStorageError("postgres", "list_transactions", err)
	}
	txs, err := scanPgTransactions(rows)
	if err != nil {
		return nil, 0, wallet.NewStorageError("postgres", "list_transactions", err)
	}
	return txs, total, nil
}

// Ping implements wallet.Store.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return wallet.NewStorageError("postgres", "ping", s.pool.Ping(ctx))
}

// Close implements wallet.Store.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const (
	pgTxColumns   = `id, org_id, amount::text, type, reason, reference_id, admin_user_id, created_at`
	pgHoldColumns = `id, org_id, request_id, amount::text, status, provider, model, created_at, resolved_at, settled_amount::text`
)

type pgTx struct {
	ctx      context.Context
	tx       pgx.Tx
	orgID    string
	readOnly bool
}

func (t *pgTx) fail(op string, err error) error {
	return wallet.NewStorageError("postgres", op, err)
}

func (t *pgTx) Transactions() ([]wallet.Transaction, error) {
	rows, err := t.tx.Query(t.ctx,
		`SELECT `+pgTxColumns+` FROM wallet_transactions WHERE org_id = $1 ORDER BY seq`, t.orgID)
	if err != nil {
		return nil, t.fail("transactions", err)
	}
	txs, err := scanPgTransactions(rows)
	if err != nil {
		return nil, t.fail("transactions", err)
	}
	return txs, nil
}

func (t *pgTx) TransactionByReference(referenceID string) (*wallet.Transaction, error) {
	rows, err := t.tx.Query(t.ctx,
		`SELECT `+pgTxColumns+` FROM wallet_transactions WHERE org_id = $1 AND reference_id = $2`,
		t.orgID, referenceID)
	if err != nil {
		return nil, t.fail("transaction_by_reference", err)
	}
	txs, err := scanPgTransactions(rows)
	if err != nil {
		return nil, t.fail("transaction_by_reference", err)
	}
	if len(txs) == 0 {
		return nil, nil
	}
	return &txs[0], nil
}

func (t *pgTx) InsertTransaction(tr wallet.Transaction) error {
	if t.readOnly {
		return wallet.ErrReadOnly
	}
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO wallet_transactions (id, org_id, amount, type, reason, reference_id, admin_user_id, created_at)
		 VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8)`,
		tr.ID, t.orgID, tr.Amount.String(), string(tr.Type), tr.Reason, tr.ReferenceID, tr.AdminUserID, tr.CreatedAt)
	if err != nil {
		return t.fail("insert_transaction", err)
	}
	return nil
}

// Totals sums with NUMERIC arithmetic in the database.
func (t *pgTx) Totals() (decimal.Decimal, decimal.Decimal, error) {
	var credits, debits string
	err := t.tx.QueryRow(t.ctx,
		`SELECT COALESCE(SUM(amount) FILTER (WHERE type = 'credit'), 0)::text,
		        COALESCE(SUM(amount) FILTER (WHERE type = 'debit'), 0)::text
		 FROM wallet_transactions WHERE org_id = $1`, t.orgID).Scan(&credits, &debits)
	if err != nil {
		return decimal.Zero, decimal.Zero, t.fail("totals", err)
	}
	c, err := decimal.NewFromString(credits)
	if err != nil {
		return decimal.Zero, decimal.Zero, t.fail("totals", err)
	}
	d, err := decimal.NewFromString(debits)
	if err != nil {
		return decimal.Zero, decimal.Zero, t.fail("totals", err)
	}
	return c, d, nil
}

func (t *pgTx) Hold(holdID string) (*wallet.EscrowHold, error) {
	return t.oneHold("hold", `id = $2`, holdID)
}

func (t *pgTx) HoldByRequest(requestID string) (*wallet.EscrowHold, error) {
	return t.oneHold("hold_by_request", `request_id = $2`, requestID)
}

func (t *pgTx) oneHold(op, where, arg string) (*wallet.EscrowHold, error) {
	rows, err := t.tx.Query(t.ctx,
		`SELECT `+pgHoldColumns+` FROM escrow_holds WHERE org_id = $1 AND `+where, t.orgID, arg)
	if err != nil {
		return nil, t.fail(op, err)
	}
	holds, err := scanPgHolds(rows)
	if err != nil {
		return nil, t.fail(op, err)
	}
	if len(holds) == 0 {
		return nil, nil
	}
	return &holds[0], nil
}

func (t *pgTx) OpenHolds() ([]wallet.EscrowHold, error) {
	rows, err := t.tx.Query(t.ctx,
		`SELECT `+pgHoldColumns+` FROM escrow_holds
		 WHERE org_id = $1 AND status = 'open' ORDER BY created_at, id`, t.orgID)
	if err != nil {
		return nil, t.fail("open_holds", err)
	}
	holds, err := scanPgHolds(rows)
	if err != nil {
		return nil, t.fail("open_holds", err)
	}
	return holds, nil
}

func (t *pgTx) SaveHold(h wallet.EscrowHold) error {
	if t.readOnly {
		return wallet.ErrReadOnly
	}
	var settled *string
	if h.SettledAmount != nil {
		s := h.SettledAmount.String()
		settled = &s
	}
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO escrow_holds (id, org_id, request_id, amount, status, provider, model, created_at, resolved_at, settled_amount)
		 VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10::numeric)
		 ON CONFLICT (id) DO UPDATE SET
		     status = EXCLUDED.status,
		     resolved_at = EXCLUDED.resolved_at,
		     settled_amount = EXCLUDED.settled_amount`,
		h.ID, t.orgID, h.RequestID, h.Amount.String(), string(h.Status), h.Provider, h.Model,
		h.CreatedAt, h.ResolvedAt, settled)
	if err != nil {
		return t.fail("save_hold", err)
	}
	return nil
}

func (t *pgTx) Disallowed() ([]wallet.DisallowEntry, error) {
	rows, err := t.tx.Query(t.ctx,
		`SELECT provider, model, created_at FROM wallet_disallow
		 WHERE org_id = $1 ORDER BY created_at, provider, model`, t.orgID)
	if err != nil {
		return nil, t.fail("disallowed", err)
	}
	list, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (wallet.DisallowEntry, error) {
		var e wallet.DisallowEntry
		err := row.Scan(&e.Provider, &e.Model, &e.CreatedAt)
		e.CreatedAt = e.CreatedAt.UTC()
		return e, err
	})
	if err != nil {
		return nil, t.fail("disallowed", err)
	}
	if list == nil {
		list = []wallet.DisallowEntry{}
	}
	return list, nil
}

func (t *pgTx) AddDisallowed(e wallet.DisallowEntry) error {
	if t.readOnly {
		return wallet.ErrReadOnly
	}
	list, err := t.Disallowed()
	if err != nil {
		return err
	}
	for _, existing := range list {
		if existing.Matches(e.Provider, e.Model) {
			return nil
		}
	}
	_, err = t.tx.Exec(t.ctx,
		`INSERT INTO wallet_disallow (org_id, provider, model, created_at) VALUES ($1, $2, $3, $4)`,
		t.orgID, e.Provider, e.Model, e.CreatedAt)
	if err != nil {
		return t.fail("add_disallowed", err)
	}
	return nil
}

func (t *pgTx) RemoveDisallowed(provider, model string) error {
	if t.readOnly {
		return wallet.ErrReadOnly
	}
	_, err := t.tx.Exec(t.ctx,
		`DELETE FROM wallet_disallow
		 WHERE org_id = $1 AND lower(btrim(provider)) = $2 AND lower(btrim(model)) = $3`,
		t.orgID, normalizeName(provider), normalizeName(model))
	if err != nil {
		return t.fail("remove_disallowed", err)
	}
	return nil
}

func scanPgTransactions(rows pgx.Rows) ([]wallet.Transaction, error) {
	txs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (wallet.Transaction, error) {
		var (
			tr     wallet.Transaction
			amount string
			typ    string
		)
		if err := row.Scan(&tr.ID, &tr.OrgID, &amount, &typ, &tr.Reason, &tr.ReferenceID, &tr.AdminUserID, &tr.CreatedAt); err != nil {
			return tr, err
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return tr, fmt.Errorf("transaction %s: %w", tr.ID, err)
		}
		tr.Amount = d
		tr.Type = wallet.TransactionType(typ)
		tr.CreatedAt = tr.CreatedAt.UTC()
		return tr, nil
	})
	if txs == nil {
		txs = []wallet.Transaction{}
	}
	return txs, err
}

func scanPgHolds(rows pgx.Rows) ([]wallet.EscrowHold, error) {
	holds, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (wallet.EscrowHold, error) {
		var (
			h        wallet.EscrowHold
			amount   string
			status   string
			resolved *time.Time
			settled  *string
		)
		if err := row.Scan(&h.ID, &h.OrgID, &h.RequestID, &amount, &status, &h.Provider, &h.Model,
			&h.CreatedAt, &resolved, &settled); err != nil {
			return h, err
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return h, fmt.Errorf("hold %s: %w", h.ID, err)
		}
		h.Amount = d
		h.Status = wallet.HoldStatus(status)
		h.CreatedAt = h.CreatedAt.UTC()
		if resolved != nil {
			at := resolved.UTC()
			h.ResolvedAt = &at
		}
		if settled != nil {
			sd, err := decimal.NewFromString(*settled)
			if err != nil {
				return h, fmt.Errorf("hold %s: %w", h.ID, err)
			}
			h.SettledAmount = &sd
		}
		return h, nil
	})
	if holds == nil {
		holds = []wallet.EscrowHold{}
	}
	return holds, err
}
