package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteBackend implements Backend using SQLite for persistence.
// It suits single-instance deployments where buckets must survive restarts.
//
// The pool is limited to one connection, so every Update transaction runs
// alone and read-modify-write is atomic without further locking. The
// write-ahead log is checkpointed periodically.
type SQLiteBackend struct {
	db                 *sql.DB
	checkpointInterval time.Duration
	done               chan struct{}
	closeOnce          sync.Once
}

// SQLiteBackendConfig configures the SQLite backend.
type SQLiteBackendConfig struct {
	// DBPath is the path to the SQLite database file.
	DBPath string

	// CheckpointInterval is how often to checkpoint the WAL.
	// Default: 5 minutes
	CheckpointInterval time.Duration

	// BusyTimeout is how long to wait for locks before failing.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// NewSQLiteBackend creates a new SQLite storage backend with default settings.
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	return NewSQLiteBackendWithConfig(SQLiteBackendConfig{DBPath: dbPath})
}

// NewSQLiteBackendWithConfig creates a new SQLite backend with custom configuration.
func NewSQLiteBackendWithConfig(cfg SQLiteBackendConfig) (*SQLiteBackend, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = 5 * time.Minute
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		cfg.DBPath, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	backend := &SQLiteBackend{
		db:                 db,
		checkpointInterval: cfg.CheckpointInterval,
		done:               make(chan struct{}),
	}

	if err := backend.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	go backend.checkpointLoop()

	return backend, nil
}

func (s *SQLiteBackend) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS token_buckets (
		bucket_key TEXT PRIMARY KEY,
		capacity REAL NOT NULL,
		tokens REAL NOT NULL,
		refill_rate REAL NOT NULL,
		last_refill INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_token_buckets_updated_at ON token_buckets(updated_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

const selectBucketSQL = `
	SELECT bucket_key, capacity, tokens, refill_rate, last_refill, updated_at
	FROM token_buckets
	WHERE bucket_key = ?
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBucket(row rowScanner) (*BucketState, error) {
	var (
		state      BucketState
		lastRefill int64
		updatedAt  int64
	)
	err := row.Scan(&state.Key, &state.Capacity, &state.Tokens, &state.RefillRate, &lastRefill, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	state.LastRefill = time.Unix(0, lastRefill)
	state.UpdatedAt = time.Unix(0, updatedAt)
	return &state, nil
}

// Update atomically applies fn to the bucket stored under key.
func (s *SQLiteBackend) Update(ctx context.Context, key string, fn UpdateFunc) (*BucketState, error) {
	if key == "" {
		return nil, newStorageError("sqlite", "update", errEmptyKey)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, newStorageError("sqlite", "begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := scanBucket(tx.QueryRowContext(ctx, selectBucketSQL, key))
	if err != nil {
		return nil, newStorageError("sqlite", "load", err)
	}

	next, err := fn(current)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return current, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO token_buckets (bucket_key, capacity, tokens, refill_rate, last_refill, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (bucket_key) DO UPDATE SET
			capacity = excluded.capacity,
			tokens = excluded.tokens,
			refill_rate = excluded.refill_rate,
			last_refill = excluded.last_refill,
			updated_at = excluded.updated_at
	`, key, next.Capacity, next.Tokens, next.RefillRate, next.LastRefill.UnixNano(), next.UpdatedAt.UnixNano())
	if err != nil {
		return nil, newStorageError("sqlite", "save", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, newStorageError("sqlite", "commit", err)
	}

	result := next.Clone()
	result.Key = key
	return result, nil
}

// Load retrieves the bucket for key.
func (s *SQLiteBackend) Load(ctx context.Context, key string) (*BucketState, error) {
	state, err := scanBucket(s.db.QueryRowContext(ctx, selectBucketSQL, key))
	if err != nil {
		return nil, newStorageError("sqlite", "load", err)
	}
	return state, nil
}

// Delete removes the bucket for key.
func (s *SQLiteBackend) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM token_buckets WHERE bucket_key = ?`, key); err != nil {
		return newStorageError("sqlite", "delete", err)
	}
	return nil
}

// Cleanup removes buckets not updated since olderThan that have refilled
// by then.
func (s *SQLiteBackend) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	cutoff := olderThan.UnixNano()
	result, err := s.db.ExecContext(ctx, `
	DELETE FROM token_buckets
	WHERE updated_at < ?
	  AND (tokens >= capacity
	    OR (refill_rate > 0 AND last_refill + (capacity - tokens) / refill_rate * 1e9 <= ?))
	`, cutoff, cutoff)
	if err != nil {
		return 0, newStorageError("sqlite", "cleanup", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return int(deleted), nil
}

// Close releases any resources held by the backend.
// Close is idempotent and safe to call multiple times.
func (s *SQLiteBackend) Close() error {
	var closeErr error

	s.closeOnce.Do(func() {
		close(s.done)
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		closeErr = s.db.Close()
	})

	return closeErr
}

func (s *SQLiteBackend) checkpointLoop() {
	ticker := time.NewTicker(s.checkpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = s.db.Exec("PRAGMA wal_checkpoint(PASSIVE)")
		case <-s.done:
			return
		}
	}
}
