package ledger

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// BadgerStore persists ledger chains in an embedded Badger database, for
// single-node deployments that need durability without running PostgreSQL.
// Entries live under "e/<hex(ledgerID)>/<big-endian sequence>" so a prefix
// scan in key order is a sequence-ordered scan. The ledger id is hex-encoded
// because ids are free-form: a raw "a/b" would otherwise nest inside ledger
// "a"'s prefix and corrupt both chains. Appends are serialised with a
// per-ledger mutex on top of Badger's transactions.
type BadgerStore struct {
	db     *badger.DB
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// OpenBadgerStore opens (or creates) a Badger database at dir. An empty dir
// opens an in-memory database, used by tests.
func OpenBadgerStore(dir string, logger *zap.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w: %w", dir, ErrLedgerUnavailable, err)
	}
	return &BadgerStore{
		db:     db,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// Close releases the underlying database.
func (s *BadgerStore) Close() error { return s.db.Close() }

// ledgerLock returns the write-section mutex for a ledger, creating it on
// first use. Different ledgers get independent mutexes.
func (s *BadgerStore) ledgerLock(ledgerID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[ledgerID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[ledgerID] = l
	}
	return l
}

func entryKey(ledgerID string, sequence uint64) []byte {
	return binary.BigEndian.AppendUint64(ledgerPrefix(ledgerID), sequence)
}

// ledgerPrefix hex-encodes the ledger id so the separator byte can never
// occur inside it. Hex never collides with '/' either, so distinct ids map
// to disjoint key prefixes.
func ledgerPrefix(ledgerID string) []byte {
	enc := hex.EncodeToString([]byte(ledgerID))
	key := make([]byte, 0, len("e/")+len(enc)+1+8)
	key = append(key, "e/"...)
	key = append(key, enc...)
	return append(key, '/')
}

// Append implements Store.
func (s *BadgerStore) Append(ctx context.Context, ledgerID string, ev Event) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lock := s.ledgerLock(ledgerID)
	lock.Lock()
	defer lock.Unlock()

	var seq uint64
	prevHash := GenesisHash
	now := time.Now()

	tail, err := s.tailLocked(ledgerID)
	if err != nil {
		return nil, err
	}
	if tail != nil {
		seq = tail.Sequence + 1
		prevHash = tail.ChainHash
		if now.Before(tail.RecordedAt) {
			now = tail.RecordedAt
		}
	}

	entry := newEntry(ledgerID, seq, prevHash, ev, now)
	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal entry: %w", ErrEncoding, err)
	}

	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(ledgerID, seq), raw)
	}); err != nil {
		return nil, fmt.Errorf("append %s/%d: %w: %w", ledgerID, seq, ErrLedgerUnavailable, err)
	}
	return entry, nil
}

// Get implements Store.
func (s *BadgerStore) Get(ctx context.Context, ledgerID string, sequence uint64) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var entry *Entry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(ledgerID, sequence))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			entry = &Entry{}
			return json.Unmarshal(val, entry)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry %s/%d: %w: %w", ledgerID, sequence, ErrLedgerUnavailable, err)
	}
	return entry, nil
}

// Range implements Store. The matching entries are snapshotted within a
// single read transaction, so the cursor observes a consistent view.
func (s *BadgerStore) Range(ctx context.Context, ledgerID string, start, end uint64) (Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if start > end {
		return &sliceCursor{}, nil
	}

	var snap []*Entry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = ledgerPrefix(ledgerID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(entryKey(ledgerID, start)); it.Valid(); it.Next() {
			e := &Entry{}
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, e)
			}); err != nil {
				return err
			}
			if e.Sequence > end {
				break
			}
			snap = append(snap, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("range %s [%d,%d]: %w: %w", ledgerID, start, end, ErrLedgerUnavailable, err)
	}
	return &sliceCursor{entries: snap}, nil
}

// Tail implements Store.
func (s *BadgerStore) Tail(ctx context.Context, ledgerID string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.tailLocked(ledgerID)
}

// tailLocked reads the highest-sequence entry with a reverse prefix scan.
// Safe to call with or without the ledger's write lock held.
func (s *BadgerStore) tailLocked(ledgerID string) (*Entry, error) {
	var entry *Entry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = ledgerPrefix(ledgerID)
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek past the last possible key of this ledger, then step back.
		it.Seek(entryKey(ledgerID, ^uint64(0)))
		if !it.Valid() {
			return nil
		}
		entry = &Entry{}
		return it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, entry)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("tail %s: %w: %w", ledgerID, ErrLedgerUnavailable, err)
	}
	return entry, nil
}

// Len implements Store.
func (s *BadgerStore) Len(ctx context.Context, ledgerID string) (uint64, error) {
	// Sequences are dense from 0, so the tail determines the count.
	tail, err := s.Tail(ctx, ledgerID)
	if err != nil {
		return 0, err
	}
	if tail == nil {
		return 0, nil
	}
	return tail.Sequence + 1, nil
}

// MutatePayload implements Store.
func (s *BadgerStore) MutatePayload(ctx context.Context, ledgerID string, sequence uint64, fn func(*Entry) error) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lock := s.ledgerLock(ledgerID)
	lock.Lock()
	defer lock.Unlock()

	before, err := s.Get(ctx, ledgerID, sequence)
	if err != nil {
		return nil, err
	}

	after := before.clone()
	if err := fn(after); err != nil {
		return nil, err
	}
	if err := checkImmutable(before, after); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(after)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal entry: %w", ErrEncoding, err)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(ledgerID, sequence), raw)
	}); err != nil {
		return nil, fmt.Errorf("update payload %s/%d: %w: %w", ledgerID, sequence, ErrLedgerUnavailable, err)
	}
	return after, nil
}

// Ping implements Store.
func (s *BadgerStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return fmt.Errorf("%w: badger database is closed", ErrLedgerUnavailable)
	}
	return nil
}
