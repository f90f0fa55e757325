package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend implements Backend using in-memory storage.
// This is the default backend and provides fast access with no persistence.
// All data is lost when the process exits.
//
// Each bucket carries its own mutex, so updates to different keys never
// contend. The map itself is guarded by an RWMutex that is only held to
// look up or insert entries.
type MemoryBackend struct {
	// entries maps bucket key to its entry.
	entries map[string]*entry

	// mu protects access to the entries map.
	mu sync.RWMutex

	// maxEntries is the maximum number of buckets before eviction.
	maxEntries int

	// cleanupInterval is how often the janitor runs.
	cleanupInterval time.Duration

	now func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

type entry struct {
	mu      sync.Mutex
	state   *BucketState
	removed bool
}

// MemoryBackendConfig configures the memory backend.
type MemoryBackendConfig struct {
	// MaxEntries is the maximum number of buckets to store. At the limit the
	// least recently updated refilled bucket is evicted; when every bucket is
	// still refilling, new keys fail with ErrBackendFull.
	// Default: 100,000
	MaxEntries int

	// CleanupInterval is how often to drop idle buckets.
	// Default: 1 minute
	CleanupInterval time.Duration

	// IdleTTL is how long a bucket may go without updates before it is
	// dropped. A bucket still below capacity is kept past IdleTTL until it
	// has refilled.
	// Default: 24 hours
	IdleTTL time.Duration

	// Clock returns the current time. Default: time.Now
	Clock func() time.Time
}

// NewMemoryBackend creates a new in-memory storage backend with default settings.
func NewMemoryBackend() *MemoryBackend {
	return NewMemoryBackendWithConfig(MemoryBackendConfig{})
}

// NewMemoryBackendWithConfig creates a new in-memory backend with custom configuration.
func NewMemoryBackendWithConfig(cfg MemoryBackendConfig) *MemoryBackend {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 100000
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 24 * time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	backend := &MemoryBackend{
		entries:         make(map[string]*entry),
		maxEntries:      cfg.MaxEntries,
		cleanupInterval: cfg.CleanupInterval,
		now:             cfg.Clock,
		done:            make(chan struct{}),
	}

	go backend.cleanupLoop(cfg.IdleTTL)

	return backend
}

// Update atomically applies fn to the bucket stored under key.
func (m *MemoryBackend) Update(ctx context.Context, key string, fn UpdateFunc) (*BucketState, error) {
	if key == "" {
		return nil, newStorageError("memory", "update", errEmptyKey)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, newStorageError("memory", "update", err)
		}

		e, err := m.getOrCreate(key)
		if err != nil {
			return nil, newStorageError("memory", "update", err)
		}
		e.mu.Lock()
		if e.removed {
			// Evicted between lookup and lock; look it up again.
			e.mu.Unlock()
			continue
		}

		next, err := fn(e.state.Clone())
		if err != nil {
			e.mu.Unlock()
			return nil, err
		}
		if next != nil {
			next = next.Clone()
			next.Key = key
			e.state = next
		}
		result := e.state.Clone()
		e.mu.Unlock()
		return result, nil
	}
}

// Load retrieves the bucket for key.
func (m *MemoryBackend) Load(ctx context.Context, key string) (*BucketState, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return nil, nil
	}
	return e.state.Clone(), nil
}

// Delete removes the bucket for key.
func (m *MemoryBackend) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	e, ok := m.entries[key]
	if ok {
		delete(m.entries, key)
	}
	m.mu.Unlock()

	if ok {
		e.mu.Lock()
		e.removed = true
		e.mu.Unlock()
	}
	return nil
}

// Cleanup removes buckets not updated since olderThan that have refilled
// by then. Buckets with an update in flight are skipped.
func (m *MemoryBackend) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for key, e := range m.entries {
		if !e.mu.TryLock() {
			continue
		}
		if e.state == nil || (e.state.UpdatedAt.Before(olderThan) && e.state.RefilledBy(olderThan)) {
			e.removed = true
			delete(m.entries, key)
			deleted++
		}
		e.mu.Unlock()
	}

	return deleted, nil
}

// Close stops the janitor. Close is idempotent.
func (m *MemoryBackend) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
	})
	return nil
}

// Size returns the current number of stored buckets.
func (m *MemoryBackend) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *MemoryBackend) getOrCreate(key string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if ok {
		return e, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		return e, nil
	}
	if len(m.entries) >= m.maxEntries && !m.evictOldestLocked(m.now()) {
		return nil, ErrBackendFull
	}
	e = &entry{}
	m.entries[key] = e
	return e, nil
}

// evictOldestLocked evicts the least recently updated bucket that has
// refilled by now. It reports false when there is none.
// Caller must hold the map write lock.
func (m *MemoryBackend) evictOldestLocked(now time.Time) bool {
	var (
		oldestKey   string
		oldest      *entry
		oldestTime  time.Time
		foundOldest bool
	)

	for key, e := range m.entries {
		if !e.mu.TryLock() {
			continue
		}
		var updated time.Time
		refilled := true
		if e.state != nil {
			updated = e.state.UpdatedAt
			refilled = e.state.RefilledBy(now)
		}
		e.mu.Unlock()
		if !refilled {
			continue
		}

		if !foundOldest || updated.Before(oldestTime) {
			oldestKey = key
			oldest = e
			oldestTime = updated
			foundOldest = true
		}
	}

	if !foundOldest {
		return false
	}
	oldest.mu.Lock()
	oldest.removed = true
	oldest.mu.Unlock()
	delete(m.entries, oldestKey)
	return true
}

// cleanupLoop runs periodic cleanup of idle buckets.
func (m *MemoryBackend) cleanupLoop(idleTTL time.Duration) {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = m.Cleanup(context.Background(), m.now().Add(-idleTTL))
		case <-m.done:
			return
		}
	}
}
