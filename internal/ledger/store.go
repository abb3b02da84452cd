package ledger

import (
	"context"
	"fmt"
)

// Store is the persistence contract for ledger chains. Implementations must
// serialize Append per ledger (two concurrent appends to the same ledger must
// never chain onto the same tail), keep appends to different ledgers fully
// parallel, and make each append atomic: a partially-written entry is never
// visible to readers.
type Store interface {
	// Append assigns the next sequence number and the recording timestamp,
	// computes both hashes, and durably persists the entry. A ledger is
	// created implicitly on its first append.
	Append(ctx context.Context, ledgerID string, ev Event) (*Entry, error)

	// Get returns the entry at the given sequence, or ErrNotFound.
	Get(ctx context.Context, ledgerID string, sequence uint64) (*Entry, error)

	// Range returns a cursor over [start, end] in ascending sequence order.
	// The cursor observes a consistent snapshot of committed entries and is
	// restartable by calling Range again with the same bounds.
	Range(ctx context.Context, ledgerID string, start, end uint64) (Cursor, error)

	// Tail returns the highest-sequence entry, or (nil, nil) for a ledger
	// with no entries.
	Tail(ctx context.Context, ledgerID string) (*Entry, error)

	// Len returns the number of entries in the ledger.
	Len(ctx context.Context, ledgerID string) (uint64, error)

	// MutatePayload is the sole sanctioned mutation path for historical
	// entries, used exclusively by the RedactionManager. fn receives a copy
	// of the stored entry and may change Payload and RedactedAt only; any
	// change to another field aborts with ErrImmutableField and nothing is
	// written. The mutation takes the ledger's write section.
	MutatePayload(ctx context.Context, ledgerID string, sequence uint64, fn func(*Entry) error) (*Entry, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}

// Cursor iterates entries in ascending sequence order. Next returns
// (nil, nil) once the range is exhausted.
type Cursor interface {
	Next(ctx context.Context) (*Entry, error)
	Close() error
}

// checkImmutable compares the pre- and post-mutation images of an entry and
// rejects any change outside Payload/RedactedAt.
func checkImmutable(before, after *Entry) error {
	switch {
	case after.Sequence != before.Sequence:
		return fmt.Errorf("%w: sequence", ErrImmutableField)
	case after.ContentHash != before.ContentHash:
		return fmt.Errorf("%w: content_hash", ErrImmutableField)
	case after.ChainHash != before.ChainHash:
		return fmt.Errorf("%w: chain_hash", ErrImmutableField)
	case after.PrevChainHash != before.PrevChainHash:
		return fmt.Errorf("%w: previous_chain_hash", ErrImmutableField)
	case !after.RecordedAt.Equal(before.RecordedAt):
		return fmt.Errorf("%w: recorded_at", ErrImmutableField)
	case after.LedgerID != before.LedgerID:
		return fmt.Errorf("%w: ledger_id", ErrImmutableField)
	case after.Action != before.Action || after.EntityType != before.EntityType ||
		after.EntityID != before.EntityID || after.ActorID != before.ActorID:
		return fmt.Errorf("%w: classification fields", ErrImmutableField)
	}
	return nil
}

// sliceCursor adapts an in-memory snapshot to the Cursor interface.
type sliceCursor struct {
	entries []*Entry
	pos     int
}

func (c *sliceCursor) Next(ctx context.Context) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.pos >= len(c.entries) {
		return nil, nil
	}
	e := c.entries[c.pos]
	c.pos++
	return e, nil
}

func (c *sliceCursor) Close() error { return nil }
