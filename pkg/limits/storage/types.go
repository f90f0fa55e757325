package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Backend defines the interface for token bucket persistence.
// Implementations must be thread-safe and serialize Update calls per key.
type Backend interface {
	// Update atomically reads the bucket stored under key, passes it to fn
	// and persists the state fn returns. current is nil when no bucket exists.
	// If fn returns an error nothing is written and the error is returned as is.
	Update(ctx context.Context, key string, fn UpdateFunc) (*BucketState, error)

	// Load retrieves the bucket for key. Returns nil if no bucket exists.
	Load(ctx context.Context, key string) (*BucketState, error)

	// Delete removes the bucket for key. No-op if it doesn't exist.
	Delete(ctx context.Context, key string) error

	// Cleanup removes buckets not updated since olderThan that have
	// refilled to capacity by then. Returns the number of entries deleted.
	Cleanup(ctx context.Context, olderThan time.Time) (int, error)

	// Close releases any resources held by the backend.
	// The backend should not be used after calling Close.
	Close() error
}

// UpdateFunc computes the next state of a bucket from its current state.
// It must not retain current after returning; backends may retry it.
type UpdateFunc func(current *BucketState) (*BucketState, error)

// BucketState is the persisted state of a single token bucket.
type BucketState struct {
	// Key is the bucket key ("rl:<signature>|<segment>").
	Key string `json:"key"`

	// Capacity is the maximum number of tokens.
	Capacity float64 `json:"capacity"`

	// Tokens is the current token count. Negative after an overdrawn Record.
	Tokens float64 `json:"tokens"`

	// RefillRate is the number of tokens added per second.
	RefillRate float64 `json:"refill_rate"`

	// LastRefill is when tokens were last refilled.
	LastRefill time.Time `json:"last_refill"`

	// UpdatedAt is when the bucket was last written.
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy of the state.
func (s *BucketState) Clone() *BucketState {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// maxRefillWait bounds TimeToFull so float seconds never overflow a
// Duration.
const maxRefillWait = 10 * 365 * 24 * time.Hour

// TimeToFull returns how long after LastRefill the bucket reaches capacity.
// ok is false when the bucket never refills.
func (s *BucketState) TimeToFull() (d time.Duration, ok bool) {
	deficit := s.Capacity - s.Tokens
	if deficit <= 0 {
		return 0, true
	}
	if s.RefillRate <= 0 {
		return 0, false
	}
	secs := deficit / s.RefillRate
	if secs >= maxRefillWait.Seconds() {
		return maxRefillWait, true
	}
	return time.Duration(secs * float64(time.Second)), true
}

// RefilledBy reports whether the bucket is back at capacity at t. Only a
// refilled bucket may be dropped: a missing bucket is recreated full.
func (s *BucketState) RefilledBy(t time.Time) bool {
	d, ok := s.TimeToFull()
	return ok && !s.LastRefill.Add(d).After(t)
}

// ErrUnavailable is wrapped by every backend failure that is not the
// caller's own UpdateFunc error.
var ErrUnavailable = errors.New("limit storage unavailable")

var errEmptyKey = errors.New("key cannot be empty")

// ErrBackendFull is returned by the memory backend when MaxEntries is
// reached and every stored bucket is still refilling.
var ErrBackendFull = errors.New("bucket limit reached")

// StorageError reports a failed backend operation.
type StorageError struct {
	Backend string
	Op      string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s storage: %s failed: %v", e.Backend, e.Op, e.Err)
}

// Unwrap allows errors.Is(err, ErrUnavailable) as well as matching the
// underlying driver error.
func (e *StorageError) Unwrap() []error {
	return []error{ErrUnavailable, e.Err}
}

func newStorageError(backend, op string, err error) error {
	return &StorageError{Backend: backend, Op: op, Err: err}
}
