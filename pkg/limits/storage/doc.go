// Package storage provides persistence backends for token bucket state.
//
// # Overview
//
// Every backend implements a single atomic primitive, Update, which reads a
// bucket, hands it to a caller-supplied function and writes back the result.
// The limiter expresses check-and-deduct, peek and record as Update calls, so
// backends only need to guarantee per-key serialization:
//
//   - Memory: one mutex per bucket (default, no persistence)
//   - SQLite: a transaction on a single-connection pool
//   - Redis: WATCH/MULTI optimistic transactions, shared across instances
//
// # Usage
//
//	backend := storage.NewMemoryBackend()
//	defer backend.Close()
//
//	state, err := backend.Update(ctx, "rl:10;w=60|global", func(cur *storage.BucketState) (*storage.BucketState, error) {
//	    if cur == nil {
//	        return &storage.BucketState{Capacity: 10, Tokens: 9, RefillRate: 10.0 / 60}, nil
//	    }
//	    cur.Tokens--
//	    return cur, nil
//	})
//
// # Errors
//
// Backend failures are returned as *StorageError and match ErrUnavailable
// with errors.Is. Errors returned by the update function pass through
// unwrapped.
package storage
