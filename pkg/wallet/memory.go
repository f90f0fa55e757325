package wallet

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore keeps wallets in process memory. Each organization has its
// own mutex, so updates for different orgs proceed in parallel. Data is lost
// on restart; use the SQLite or Postgres store for anything durable.
type MemoryStore struct {
	mu      sync.RWMutex
	wallets map[string]*memWallet
	holds   map[string]string // hold id -> org id
	closed  bool
}

type memWallet struct {
	mu sync.Mutex

	txs       []Transaction
	refs      map[string]int // reference id -> index in txs
	holds     map[string]EscrowHold
	byRequest map[string]string // request id -> hold id
	disallow  []DisallowEntry
}

func newMemWallet() *memWallet {
	return &memWallet{
		refs:      make(map[string]int),
		holds:     make(map[string]EscrowHold),
		byRequest: make(map[string]string),
	}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets: make(map[string]*memWallet),
		holds:   make(map[string]string),
	}
}

var errStoreClosed = errors.New("store closed")

func (s *MemoryStore) wallet(orgID string, create bool) (*memWallet, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, NewStorageError("memory", "open", errStoreClosed)
	}
	w, ok := s.wallets[orgID]
	s.mu.RUnlock()
	if ok || !create {
		return w, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok = s.wallets[orgID]; !ok {
		w = newMemWallet()
		s.wallets[orgID] = w
	}
	return w, nil
}

// Update implements Store.
func (s *MemoryStore) Update(ctx context.Context, orgID string, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return NewStorageError("memory", "update", err)
	}
	w, err := s.wallet(orgID, true)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	tx := newMemTx(w, false)
	if err := fn(tx); err != nil {
		return err
	}

	newHolds := tx.commit()
	if len(newHolds) > 0 {
		s.mu.Lock()
		for _, id := range newHolds {
			s.holds[id] = orgID
		}
		s.mu.Unlock()
	}
	return nil
}

// View implements Store. An unknown org is presented as an empty wallet.
func (s *MemoryStore) View(ctx context.Context, orgID string, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return NewStorageError("memory", "view", err)
	}
	w, err := s.wallet(orgID, false)
	if err != nil {
		return err
	}
	if w == nil {
		return fn(newMemTx(newMemWallet(), true))
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return fn(newMemTx(w, true))
}

// LocateHold implements Store.
func (s *MemoryStore) LocateHold(ctx context.Context, holdID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	orgID, ok := s.holds[holdID]
	if !ok {
		return "", ErrHoldNotFound
	}
	return orgID, nil
}

// ListOpenHolds implements Store.
func (s *MemoryStore) ListOpenHolds(ctx context.Context, createdBefore time.Time) ([]EscrowHold, error) {
	s.mu.RLock()
	wallets := make([]*memWallet, 0, len(s.wallets))
	for _, w := range s.wallets {
		wallets = append(wallets, w)
	}
	s.mu.RUnlock()

	var open []EscrowHold
	for _, w := range wallets {
		w.mu.Lock()
		for _, h := range w.holds {
			if h.Status == HoldOpen && h.CreatedAt.Before(createdBefore) {
				open = append(open, h)
			}
		}
		w.mu.Unlock()
	}
	sortHolds(open)
	return open, nil
}

// ListTransactions implements Store.
func (s *MemoryStore) ListTransactions(ctx context.Context, orgID string, page Page) ([]Transaction, int, error) {
	w, err := s.wallet(orgID, false)
	if err != nil {
		return nil, 0, err
	}
	if w == nil {
		return []Transaction{}, 0, nil
	}

	page = page.Normalize()

	w.mu.Lock()
	defer w.mu.Unlock()

	total := len(w.txs)
	out := make([]Transaction, 0, page.Limit)
	for i := total - 1 - page.Offset; i >= 0 && len(out) < page.Limit; i-- {
		out = append(out, w.txs[i])
	}
	return out, total, nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return NewStorageError("memory", "ping", errStoreClosed)
	}
	return nil
}

// Close implements Store. Subsequent calls fail with ErrStorageUnavailable.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// memTx stages writes and applies them to the wallet on commit, so a
// callback that fails midway leaves the wallet untouched.
type memTx struct {
	w        *memWallet
	readOnly bool

	txs      []Transaction
	holds    map[string]EscrowHold
	disallow []DisallowEntry
	touched  bool // disallow list replaced
}

func newMemTx(w *memWallet, readOnly bool) *memTx {
	return &memTx{w: w, readOnly: readOnly, holds: make(map[string]EscrowHold)}
}

// commit applies staged writes and returns ids of newly created holds.
func (t *memTx) commit() []string {
	w := t.w
	for _, tr := range t.txs {
		w.refs[tr.ReferenceID] = len(w.txs)
		w.txs = append(w.txs, tr)
	}

	var created []string
	for id, h := range t.holds {
		if _, ok := w.holds[id]; !ok {
			created = append(created, id)
		}
		w.holds[id] = h
		w.byRequest[h.RequestID] = id
	}

	if t.touched {
		w.disallow = t.disallow
	}
	return created
}

func (t *memTx) Transactions() ([]Transaction, error) {
	out := make([]Transaction, 0, len(t.w.txs)+len(t.txs))
	out = append(out, t.w.txs...)
	return append(out, t.txs...), nil
}

func (t *memTx) TransactionByReference(referenceID string) (*Transaction, error) {
	for i := range t.txs {
		if t.txs[i].ReferenceID == referenceID {
			tr := t.txs[i]
			return &tr, nil
		}
	}
	if i, ok := t.w.refs[referenceID]; ok {
		tr := t.w.txs[i]
		return &tr, nil
	}
	return nil, nil
}

func (t *memTx) InsertTransaction(tr Transaction) error {
	if t.readOnly {
		return ErrReadOnly
	}
	t.txs = append(t.txs, tr)
	return nil
}

func (t *memTx) Totals() (decimal.Decimal, decimal.Decimal, error) {
	txs, _ := t.Transactions()
	credits, debits := SumTransactions(txs)
	return credits, debits, nil
}

func (t *memTx) Hold(holdID string) (*EscrowHold, error) {
	if h, ok := t.holds[holdID]; ok {
		return &h, nil
	}
	if h, ok := t.w.holds[holdID]; ok {
		return &h, nil
	}
	return nil, nil
}

func (t *memTx) HoldByRequest(requestID string) (*EscrowHold, error) {
	for _, h := range t.holds {
		if h.RequestID == requestID {
			return &h, nil
		}
	}
	if id, ok := t.w.byRequest[requestID]; ok {
		h := t.w.holds[id]
		return &h, nil
	}
	return nil, nil
}

func (t *memTx) OpenHolds() ([]EscrowHold, error) {
	var open []EscrowHold
	for id, h := range t.w.holds {
		if staged, ok := t.holds[id]; ok {
			h = staged
		}
		if h.Status == HoldOpen {
			open = append(open, h)
		}
	}
	for id, h := range t.holds {
		if _, existed := t.w.holds[id]; !existed && h.Status == HoldOpen {
			open = append(open, h)
		}
	}
	sortHolds(open)
	return open, nil
}

func (t *memTx) SaveHold(h EscrowHold) error {
	if t.readOnly {
		return ErrReadOnly
	}
	t.holds[h.ID] = h
	return nil
}

func (t *memTx) Disallowed() ([]DisallowEntry, error) {
	src := t.w.disallow
	if t.touched {
		src = t.disallow
	}
	out := make([]DisallowEntry, len(src))
	copy(out, src)
	return out, nil
}

func (t *memTx) AddDisallowed(e DisallowEntry) error {
	if t.readOnly {
		return ErrReadOnly
	}
	list, _ := t.Disallowed()
	for _, existing := range list {
		if existing.Matches(e.Provider, e.Model) {
			return nil
		}
	}
	t.disallow = append(list, e)
	t.touched = true
	return nil
}

func (t *memTx) RemoveDisallowed(provider, model string) error {
	if t.readOnly {
		return ErrReadOnly
	}
	list, _ := t.Disallowed()
	kept := list[:0]
	for _, e := range list {
		if !e.Matches(provider, model) {
			kept = append(kept, e)
		}
	}
	t.disallow = kept
	t.touched = true
	return nil
}

func sortHolds(holds []EscrowHold) {
	sort.Slice(holds, func(i, j int) bool {
		if holds[i].CreatedAt.Equal(holds[j].CreatedAt) {
			return holds[i].ID < holds[j].ID
		}
		return holds[i].CreatedAt.Before(holds[j].CreatedAt)
	})
}
