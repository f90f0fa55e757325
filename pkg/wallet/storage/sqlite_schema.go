package storage

// SQLiteSchemaVersion is the current wallet schema version.
const SQLiteSchemaVersion = 1

// sqliteSchema creates the wallet tables. Amounts are stored as decimal
// TEXT so no float arithmetic ever touches them; timestamps are Unix
// nanoseconds.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS wallet_transactions (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    org_id TEXT NOT NULL,
    amount TEXT NOT NULL,
    type TEXT NOT NULL CHECK (type IN ('credit', 'debit')),
    reason TEXT NOT NULL,
    reference_id TEXT NOT NULL,
    admin_user_id TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    UNIQUE (org_id, reference_id)
);

CREATE INDEX IF NOT EXISTS idx_wallet_transactions_org ON wallet_transactions(org_id, seq);

CREATE TABLE IF NOT EXISTS escrow_holds (
    id TEXT PRIMARY KEY,
    org_id TEXT NOT NULL,
    request_id TEXT NOT NULL,
    amount TEXT NOT NULL,
    status TEXT NOT NULL CHECK (status IN ('open', 'settled', 'released')),
    provider TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    resolved_at INTEGER,
    settled_amount TEXT,
    UNIQUE (org_id, request_id)
);

CREATE INDEX IF NOT EXISTS idx_escrow_holds_status ON escrow_holds(status, created_at);

CREATE TABLE IF NOT EXISTS wallet_disallow (
    org_id TEXT NOT NULL,
    provider TEXT NOT NULL,
    model TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (org_id, provider, model)
);

CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at INTEGER NOT NULL
);
`

const (
	sqliteInsertSchemaVersion = `INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (?, strftime('%s', 'now'))`
	sqliteGetSchemaVersion    = `SELECT MAX(version) FROM schema_version`
)
