package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"mercator-hq/gatekeeper/pkg/wallet"
)

// SQLiteConfig contains configuration for the SQLite wallet store.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string

	// MaxOpenConns is the maximum number of open connections.
	// Default: 4
	MaxOpenConns int

	// BusyTimeout is how long a writer waits for the database lock.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// SQLiteStore implements wallet.Store on a SQLite database.
//
// Every Update runs in a BEGIN IMMEDIATE transaction, which takes the
// database write lock up front. Writers are therefore serialized across all
// orgs; that is the price of an embedded database and is fine for a single
// gateway instance. Use PostgresStore when several instances share a ledger.
type SQLiteStore struct {
	db     *sql.DB
	config SQLiteConfig
	logger *slog.Logger
}

var _ wallet.Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at cfg.Path.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, wallet.NewStorageError("sqlite", "open", errors.New("path is required"))
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	logger := slog.Default().With("component", "wallet.storage.sqlite")

	db, err := sql.Open("sqlite3", sqliteDSN(cfg))
	if err != nil {
		return nil, wallet.NewStorageError("sqlite", "open", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)

	s := &SQLiteStore{db: db, config: cfg, logger: logger}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("SQLite wallet store initialized", "path", cfg.Path)
	return s, nil
}

func sqliteDSN(cfg SQLiteConfig) string {
	q := url.Values{}
	q.Set("_busy_timeout", fmt.Sprint(cfg.BusyTimeout.Milliseconds()))
	q.Set("_journal_mode", "WAL")
	q.Set("_txlock", "immediate")
	q.Set("_foreign_keys", "on")
	return "file:" + cfg.Path + "?" + q.Encode()
}

func (s *SQLiteStore) initialize() error {
	if _, err := s.db.Exec(sqliteSchema); err != nil {
		return wallet.NewStorageError("sqlite", "create_schema", err)
	}
	if _, err := s.db.Exec(sqliteInsertSchemaVersion, SQLiteSchemaVersion); err != nil {
		return wallet.NewStorageError("sqlite", "insert_schema_version", err)
	}

	var version int
	if err := s.db.QueryRow(sqliteGetSchemaVersion).Scan(&version); err != nil {
		return wallet.NewStorageError("sqlite", "get_schema_version", err)
	}
	if version != SQLiteSchemaVersion {
		return wallet.NewStorageError("sqlite", "schema_version_mismatch",
			fmt.Errorf("expected schema version %d, got %d", SQLiteSchemaVersion, version))
	}
	return nil
}

// Update implements wallet.Store.
func (s *SQLiteStore) Update(ctx context.Context, orgID string, fn func(wallet.Tx) error) error {
	return s.run(ctx, orgID, false, fn)
}

// View implements wallet.Store.
func (s *SQLiteStore) View(ctx context.Context, orgID string, fn func(wallet.Tx) error) error {
	return s.run(ctx, orgID, true, fn)
}

func (s *SQLiteStore) run(ctx context.Context, orgID string, readOnly bool, fn func(wallet.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wallet.NewStorageError("sqlite", "begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&sqliteTx{ctx: ctx, tx: tx, orgID: orgID, readOnly: readOnly}); err != nil {
		return err
	}
	if readOnly {
		return nil
	}
	if err := tx.Commit(); err != nil {
		return wallet.NewStorageError("sqlite", "commit", err)
	}
	return nil
}

// LocateHold implements wallet.Store.
func (s *SQLiteStore) LocateHold(ctx context.Context, holdID string) (string, error) {
	var orgID string
	err := s.db.QueryRowContext(ctx, `SELECT org_id FROM escrow_holds WHERE id = ?`, holdID).Scan(&orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", wallet.ErrHoldNotFound
	}
	if err != nil {
		return "", wallet.NewStorageError("sqlite", "locate_hold", err)
	}
	return orgID, nil
}

// ListOpenHolds implements wallet.Store.
func (s *SQLiteStore) ListOpenHolds(ctx context.Context, createdBefore time.Time) ([]wallet.EscrowHold, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteHoldColumns+` FROM escrow_holds
		 WHERE status = 'open' AND created_at < ?
		 ORDER BY created_at, id`,
		createdBefore.UnixNano())
	if err != nil {
		return nil, wallet.NewStorageError("sqlite", "list_open_holds", err)
	}
	holds, err := scanSQLiteHolds(rows)
	if err != nil {
		return nil, wallet.NewStorageError("sqlite", "list_open_holds", err)
	}
	return holds, nil
}

// ListTransactions implements wallet.Store.
func (s *SQLiteStore) ListTransactions(ctx context.Context, orgID string, page wallet.Page) ([]wallet.Transaction, int, error) {
	page = page.Normalize()

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM wallet_transactions WHERE org_id = ?`, orgID).Scan(&total); err != nil {
		return nil, 0, wallet.NewStorageError("sqlite", "count_transactions", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteTxColumns+` FROM wallet_transactions
		 WHERE org_id = ? ORDER BY seq DESC LIMIT ? OFFSET ?`,
		orgID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, wallet.NewStorageError("sqlite", "list_transactions", err)
	}
	txs, err := scanSQLiteTransactions(rows)
	if err != nil {
		return nil, 0, wallet.NewStorageError("sqlite", "list_transactions", err)
	}
	return txs, total, nil
}

// Ping implements wallet.Store.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return wallet.NewStorageError("sqlite", "ping", s.db.PingContext(ctx))
}

// Close implements wallet.Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const (
	sqliteTxColumns   = `id, org_id, amount, type, reason, reference_id, admin_user_id, created_at`
	sqliteHoldColumns = `id, org_id, request_id, amount, status, provider, model, created_at, resolved_at, settled_amount`
)

// sqliteTx implements wallet.Tx inside one database transaction.
type sqliteTx struct {
	ctx      context.Context
	tx       *sql.Tx
	orgID    string
	readOnly bool
}

func (t *sqliteTx) fail(op string, err error) error {
	return wallet.NewStorageError("sqlite", op, err)
}

func (t *sqliteTx) Transactions() ([]wallet.Transaction, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT `+sqliteTxColumns+` FROM wallet_transactions WHERE org_id = ? ORDER BY seq`, t.orgID)
	if err != nil {
		return nil, t.fail("transactions", err)
	}
	txs, err := scanSQLiteTransactions(rows)
	if err != nil {
		return nil, t.fail("transactions", err)
	}
	return txs, nil
}

func (t *sqliteTx) TransactionByReference(referenceID string) (*wallet.Transaction, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT `+sqliteTxColumns+` FROM wallet_transactions WHERE org_id = ? AND reference_id = ?`,
		t.orgID, referenceID)
	if err != nil {
		return nil, t.fail("transaction_by_reference", err)
	}
	txs, err := scanSQLiteTransactions(rows)
	if err != nil {
		return nil, t.fail("transaction_by_reference", err)
	}
	if len(txs) == 0 {
		return nil, nil
	}
	return &txs[0], nil
}

func (t *sqliteTx) InsertTransaction(tr wallet.Transaction) error {
	if t.readOnly {
		return wallet.ErrReadOnly
	}
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO wallet_transactions (`+sqliteTxColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, t.orgID, tr.Amount.String(), string(tr.Type), tr.Reason, tr.ReferenceID, tr.AdminUserID,
		tr.CreatedAt.UnixNano())
	if err != nil {
		return t.fail("insert_transaction", err)
	}
	return nil
}

// Totals sums in Go: SQLite would coerce the TEXT amounts to REAL.
func (t *sqliteTx) Totals() (decimal.Decimal, decimal.Decimal, error) {
	txs, err := t.Transactions()
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	credits, debits := wallet.SumTransactions(txs)
	return credits, debits, nil
}

func (t *sqliteTx) Hold(holdID string) (*wallet.EscrowHold, error) {
	return t.oneHold("hold", `id = ?`, holdID)
}

func (t *sqliteTx) HoldByRequest(requestID string) (*wallet.EscrowHold, error) {
	return t.oneHold("hold_by_request", `request_id = ?`, requestID)
}

func (t *sqliteTx) oneHold(op, where string, arg string) (*wallet.EscrowHold, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT `+sqliteHoldColumns+` FROM escrow_holds WHERE org_id = ? AND `+where, t.orgID, arg)
	if err != nil {
		return nil, t.fail(op, err)
	}
	holds, err := scanSQLiteHolds(rows)
	if err != nil {
		return nil, t.fail(op, err)
	}
	if len(holds) == 0 {
		return nil, nil
	}
	return &holds[0], nil
}

func (t *sqliteTx) OpenHolds() ([]wallet.EscrowHold, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT `+sqliteHoldColumns+` FROM escrow_holds
		 WHERE org_id = ? AND status = 'open' ORDER BY created_at, id`, t.orgID)
	if err != nil {
		return nil, t.fail("open_holds", err)
	}
	holds, err := scanSQLiteHolds(rows)
	if err != nil {
		return nil, t.fail("open_holds", err)
	}
	return holds, nil
}

func (t *sqliteTx) SaveHold(h wallet.EscrowHold) error {
	if t.readOnly {
		return wallet.ErrReadOnly
	}

	var resolved sql.NullInt64
	if h.ResolvedAt != nil {
		resolved = sql.NullInt64{Int64: h.ResolvedAt.UnixNano(), Valid: true}
	}
	var settled sql.NullString
	if h.SettledAmount != nil {
		settled = sql.NullString{String: h.SettledAmount.String(), Valid: true}
	}

	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO escrow_holds (`+sqliteHoldColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		     status = excluded.status,
		     resolved_at = excluded.resolved_at,
		     settled_amount = excluded.settled_amount`,
		h.ID, t.orgID, h.RequestID, h.Amount.String(), string(h.Status), h.Provider, h.Model,
		h.CreatedAt.UnixNano(), resolved, settled)
	if err != nil {
		return t.fail("save_hold", err)
	}
	return nil
}

func (t *sqliteTx) Disallowed() ([]wallet.DisallowEntry, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT provider, model, created_at FROM wallet_disallow WHERE org_id = ? ORDER BY created_at, provider, model`,
		t.orgID)
	if err != nil {
		return nil, t.fail("disallowed", err)
	}
	defer rows.Close()

	list := []wallet.DisallowEntry{}
	for rows.Next() {
		var (
			e  wallet.DisallowEntry
			at int64
		)
		if err := rows.Scan(&e.Provider, &e.Model, &at); err != nil {
			return nil, t.fail("disallowed", err)
		}
		e.CreatedAt = time.Unix(0, at).UTC()
		list = append(list, e)
	}
	if err := rows.Err(); err != nil {
		return nil, t.fail("disallowed", err)
	}
	return list, nil
}

func (t *sqliteTx) AddDisallowed(e wallet.DisallowEntry) error {
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
	_, err = t.tx.ExecContext(t.ctx,
		`INSERT INTO wallet_disallow (org_id, provider, model, created_at) VALUES (?, ?, ?, ?)`,
		t.orgID, e.Provider, e.Model, e.CreatedAt.UnixNano())
	if err != nil {
		return t.fail("add_disallowed", err)
	}
	return nil
}

func (t *sqliteTx) RemoveDisallowed(provider, model string) error {
	if t.readOnly {
		return wallet.ErrReadOnly
	}
	_, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM wallet_disallow
		 WHERE org_id = ? AND lower(trim(provider)) = ? AND lower(trim(model)) = ?`,
		t.orgID, normalizeName(provider), normalizeName(model))
	if err != nil {
		return t.fail("remove_disallowed", err)
	}
	return nil
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func scanSQLiteTransactions(rows *sql.Rows) ([]wallet.Transaction, error) {
	defer rows.Close()

	txs := []wallet.Transaction{}
	for rows.Next() {
		var (
			tr     wallet.Transaction
			amount string
			typ    string
			at     int64
		)
		if err := rows.Scan(&tr.ID, &tr.OrgID, &amount, &typ, &tr.Reason, &tr.ReferenceID, &tr.AdminUserID, &at); err != nil {
			return nil, err
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("transaction %s: %w", tr.ID, err)
		}
		tr.Amount = d
		tr.Type = wallet.TransactionType(typ)
		tr.CreatedAt = time.Unix(0, at).UTC()
		txs = append(txs, tr)
	}
	return txs, rows.Err()
}

func scanSQLiteHolds(rows *sql.Rows) ([]wallet.EscrowHold, error) {
	defer rows.Close()

	holds := []wallet.EscrowHold{}
	for rows.Next() {
		var (
			h        wallet.EscrowHold
			amount   string
			status   string
			created  int64
			resolved sql.NullInt64
			settled  sql.NullString
		)
		if err := rows.Scan(&h.ID, &h.OrgID, &h.RequestID, &amount, &status, &h.Provider, &h.Model,
			&created, &resolved, &settled); err != nil {
			return nil, err
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("hold %s: %w", h.ID, err)
		}
		h.Amount = d
		h.Status = wallet.HoldStatus(status)
		h.CreatedAt = time.Unix(0, created).UTC()
		if resolved.Valid {
			at := time.Unix(0, resolved.Int64).UTC()
			h.ResolvedAt = &at
		}
		if settled.Valid {
			sd, err := decimal.NewFromString(settled.String)
			if err != nil {
				return nil, fmt.Errorf("hold %s: %w", h.ID, err)
			}
			h.SettledAmount = &sd
		}
		holds = append(holds, h)
	}
	return holds, rows.Err()
}
