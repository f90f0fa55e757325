package storage

// postgresSchema creates the wallet tables. The wallets row exists only to be
// locked with SELECT ... FOR UPDATE, which serializes writers per org across
// every gateway instance sharing the database.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS wallets (
    org_id TEXT PRIMARY KEY,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS wallet_transactions (
    seq BIGSERIAL PRIMARY KEY,
    id TEXT NOT NULL UNIQUE,
    org_id TEXT NOT NULL REFERENCES wallets(org_id),
    amount NUMERIC NOT NULL,
    type TEXT NOT NULL CHECK (type IN ('credit', 'debit')),
    reason TEXT NOT NULL,
    reference_id TEXT NOT NULL,
    admin_user_id TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    UNIQUE (org_id, reference_id)
);

CREATE INDEX IF NOT EXISTS idx_wallet_transactions_org ON wallet_transactions(org_id, seq);

CREATE TABLE IF NOT EXISTS escrow_holds (
    id TEXT PRIMARY KEY,
    org_id TEXT NOT NULL REFERENCES wallets(org_id),
    request_id TEXT NOT NULL,
    amount NUMERIC NOT NULL,
    status TEXT NOT NULL CHECK (status IN ('open', 'settled', 'released')),
    provider TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    resolved_at TIMESTAMPTZ,
    settled_amount NUMERIC,
    UNIQUE (org_id, request_id)
);

CREATE INDEX IF NOT EXISTS idx_escrow_holds_status ON escrow_holds(status, created_at);

CREATE TABLE IF NOT EXISTS wallet_disallow (
    org_id TEXT NOT NULL REFERENCES wallets(org_id),
    provider TEXT NOT NULL,
    model TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (org_id, provider, model)
);
`
