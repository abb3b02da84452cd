package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process, thread-safe Store implementation. It is
// primarily useful for tests and single-process development setups that do
// not need persistence across restarts.
type MemoryStore struct {
	mu      sync.RWMutex
	ledgers map[string]*memChain
}

// memChain holds one ledger's entries. Each chain has its own lock so that
// appends to different ledgers never contend.
type memChain struct {
	mu      sync.RWMutex
	entries []*Entry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ledgers: make(map[string]*memChain)}
}

func (s *MemoryStore) chain(ledgerID string, create bool) *memChain {
	s.mu.RLock()
	c := s.ledgers[ledgerID]
	s.mu.RUnlock()
	if c != nil || !create {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c = s.ledgers[ledgerID]; c == nil {
		c = &memChain{}
		s.ledgers[ledgerID] = c
	}
	return c
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, ledgerID string, ev Event) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := s.chain(ledgerID, true)
	c.mu.Lock()
	defer c.mu.Unlock()

	var seq uint64
	prevHash := GenesisHash
	now := time.Now()
	if n := len(c.entries); n > 0 {
		tail := c.entries[n-1]
		seq = tail.Sequence + 1
		prevHash = tail.ChainHash
		// recorded_at is monotonic non-decreasing within a ledger even if
		// the wall clock steps backwards.
		if now.Before(tail.RecordedAt) {
			now = tail.RecordedAt
		}
	}

	entry := newEntry(ledgerID, seq, prevHash, ev, now)
	c.entries = append(c.entries, entry)
	return entry, nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, ledgerID string, sequence uint64) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := s.chain(ledgerID, false)
	if c == nil {
		return nil, ErrNotFound
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if sequence >= uint64(len(c.entries)) {
		return nil, ErrNotFound
	}
	return c.entries[sequence], nil
}

// Range implements Store. The cursor iterates over a snapshot taken at call
// time: entries committed afterwards are not observed.
func (s *MemoryStore) Range(ctx context.Context, ledgerID string, start, end uint64) (Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := s.chain(ledgerID, false)
	if c == nil {
		return &sliceCursor{}, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := uint64(len(c.entries))
	if n == 0 || start >= n || start > end {
		return &sliceCursor{}, nil
	}
	if end >= n {
		end = n - 1
	}
	snap := make([]*Entry, end-start+1)
	copy(snap, c.entries[start:end+1])
	return &sliceCursor{entries: snap}, nil
}

// Tail implements Store.
func (s *MemoryStore) Tail(ctx context.Context, ledgerID string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := s.chain(ledgerID, false)
	if c == nil {
		return nil, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.entries) == 0 {
		return nil, nil
	}
	return c.entries[len(c.entries)-1], nil
}

// Len implements Store.
func (s *MemoryStore) Len(ctx context.Context, ledgerID string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	c := s.chain(ledgerID, false)
	if c == nil {
		return 0, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return uint64(len(c.entries)), nil
}

// MutatePayload implements Store. The stored entry is replaced wholesale with
// the mutated copy, so a reader that already holds the old pointer keeps a
// consistent pre-mutation view.
func (s *MemoryStore) MutatePayload(ctx context.Context, ledgerID string, sequence uint64, fn func(*Entry) error) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := s.chain(ledgerID, false)
	if c == nil {
		return nil, ErrNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if sequence >= uint64(len(c.entries)) {
		return nil, ErrNotFound
	}

	before := c.entries[sequence]
	after := before.clone()
	if err := fn(after); err != nil {
		return nil, err
	}
	if err := checkImmutable(before, after); err != nil {
		return nil, err
	}
	c.entries[sequence] = after
	return after, nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }
