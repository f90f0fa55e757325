// Package storage provides durable wallet.Store implementations.
//
// SQLiteStore embeds the ledger in a local database file and suits a single
// gateway instance. PostgresStore lets several instances share one ledger;
// each org's writes are serialized by a row lock on its wallets entry.
//
// Both keep amounts in exact decimal form (TEXT in SQLite, NUMERIC in
// Postgres) and pass the conformance suite in wallet/wallettest.
package storage
