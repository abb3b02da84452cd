package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/veritrail/veritrail/internal/ledger"
)

var ctx = context.Background()

func mustAppend(t *testing.T, s ledger.Store, ledgerID, action string) *ledger.Entry {
	t.Helper()
	e, err := s.Append(ctx, ledgerID, ledger.Event{
		Action:     action,
		EntityType: "lead",
		EntityID:   "lead_42",
		ActorID:    "user_7",
	})
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestAppend_genesisEntry(t *testing.T) {
	s := ledger.NewMemoryStore()
	e := mustAppend(t, s, "tenant-1", "create")

	if e.Sequence != 0 {
		t.Errorf("first entry sequence: got %d, want 0", e.Sequence)
	}
	if e.PrevChainHash != ledger.GenesisHash {
		t.Errorf("genesis previous_chain_hash: got %q, want GenesisHash", e.PrevChainHash)
	}
	if e.ChainHash == ledger.GenesisHash {
		t.Error("genesis chain_hash must be computed, not the sentinel")
	}
	if e.ContentHash == "" || e.ChainHash == "" {
		t.Error("hashes must be set at append time")
	}
}

func TestAppend_chainsCorrectly(t *testing.T) {
	s := ledger.NewMemoryStore()
	e0 := mustAppend(t, s, "tenant-1", "create")
	e1 := mustAppend(t, s, "tenant-1", "update")
	e2 := mustAppend(t, s, "tenant-1", "delete")

	if e1.PrevChainHash != e0.ChainHash {
		t.Errorf("chain broken: e1.PrevChainHash=%q, want e0.ChainHash=%q", e1.PrevChainHash, e0.ChainHash)
	}
	if e2.PrevChainHash != e1.ChainHash {
		t.Errorf("chain broken: e2.PrevChainHash=%q, want e1.ChainHash=%q", e2.PrevChainHash, e1.ChainHash)
	}
	if e0.Sequence != 0 || e1.Sequence != 1 || e2.Sequence != 2 {
		t.Errorf("sequences: got %d,%d,%d, want 0,1,2", e0.Sequence, e1.Sequence, e2.Sequence)
	}
	if e1.RecordedAt.Before(e0.RecordedAt) || e2.RecordedAt.Before(e1.RecordedAt) {
		t.Error("recorded_at must be non-decreasing within a ledger")
	}
}

func TestAppend_ledgersAreIndependent(t *testing.T) {
	s := ledger.NewMemoryStore()
	a := mustAppend(t, s, "tenant-a", "create")
	b := mustAppend(t, s, "tenant-b", "create")

	if a.Sequence != 0 || b.Sequence != 0 {
		t.Errorf("each ledger starts at 0: got %d and %d", a.Sequence, b.Sequence)
	}
	if b.PrevChainHash != ledger.GenesisHash {
		t.Error("a new ledger must anchor on the genesis sentinel")
	}
}

func TestGet_notFound(t *testing.T) {
	s := ledger.NewMemoryStore()

	if _, err := s.Get(ctx, "missing", 0); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown ledger, got %v", err)
	}

	mustAppend(t, s, "tenant-1", "create")
	if _, err := s.Get(ctx, "tenant-1", 5); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("expected ErrNotFound past tail, got %v", err)
	}
}

func TestTail_emptyLedger(t *testing.T) {
	s := ledger.NewMemoryStore()
	tail, err := s.Tail(ctx, "missing")
	if err != nil {
		t.Fatal(err)
	}
	if tail != nil {
		t.Errorf("expected nil tail for empty ledger, got %+v", tail)
	}
}

func TestRange_bounds(t *testing.T) {
	s := ledger.NewMemoryStore()
	for i := 0; i < 5; i++ {
		mustAppend(t, s, "tenant-1", "update")
	}

	cur, err := s.Range(ctx, "tenant-1", 1, 3)
	if err != nil {
		t.Fatal(err)
	}
	defer cur.Close()

	var seqs []uint64
	for {
		e, err := cur.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if e == nil {
			break
		}
		seqs = append(seqs, e.Sequence)
	}
	if len(seqs) != 3 || seqs[0] != 1 || seqs[2] != 3 {
		t.Errorf("range [1,3]: got sequences %v", seqs)
	}

	// End past the tail is clamped, not an error.
	cur2, err := s.Range(ctx, "tenant-1", 3, 100)
	if err != nil {
		t.Fatal(err)
	}
	defer cur2.Close()
	n := 0
	for {
		e, err := cur2.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if e == nil {
			break
		}
		n++
	}
	if n != 2 {
		t.Errorf("range [3,100] over 5 entries: got %d rows, want 2", n)
	}
}

func TestMutatePayload_rejectsImmutableFields(t *testing.T) {
	s := ledger.NewMemoryStore()
	mustAppend(t, s, "tenant-1", "create")

	_, err := s.MutatePayload(ctx, "tenant-1", 0, func(e *ledger.Entry) error {
		e.ContentHash = "deadbeef"
		return nil
	})
	if !errors.Is(err, ledger.ErrImmutableField) {
		t.Errorf("expected ErrImmutableField for content_hash mutation, got %v", err)
	}

	_, err = s.MutatePayload(ctx, "tenant-1", 0, func(e *ledger.Entry) error {
		e.Sequence = 9
		return nil
	})
	if !errors.Is(err, ledger.ErrImmutableField) {
		t.Errorf("expected ErrImmutableField for sequence mutation, got %v", err)
	}

	// Entry must be untouched after the failed attempts.
	e, err := s.Get(ctx, "tenant-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if e.ContentHash == "deadbeef" || e.Sequence == 9 {
		t.Error("failed mutation leaked into the stored entry")
	}
}

func TestAppend_concurrentSameLedger(t *testing.T) {
	s := ledger.NewMemoryStore()
	const writers = 20
	const perWriter = 10

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := s.Append(ctx, "tenant-1", ledger.Event{
					Action:   "update",
					EntityID: fmt.Sprintf("e_%d_%d", w, i),
				})
				if err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	n, err := s.Len(ctx, "tenant-1")
	if err != nil {
		t.Fatal(err)
	}
	if n != writers*perWriter {
		t.Fatalf("expected %d entries, got %d", writers*perWriter, n)
	}

	// The resulting chain must be linear: no duplicate sequences, no forks.
	res, err := ledger.NewVerifier(s).Verify(ctx, "tenant-1", ledger.VerifyOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid {
		t.Errorf("concurrent appends forked the chain: broken at %v", res.BrokenAt)
	}
	if res.VerifiedCount != writers*perWriter {
		t.Errorf("verified %d entries, want %d", res.VerifiedCount, writers*perWriter)
	}
}

func TestAppend_concurrentDistinctLedgers(t *testing.T) {
	s := ledger.NewMemoryStore()
	const ledgers = 8
	const perLedger = 25

	var wg sync.WaitGroup
	for l := 0; l < ledgers; l++ {
		wg.Add(1)
		go func(l int) {
			defer wg.Done()
			id := fmt.Sprintf("tenant-%d", l)
			for i := 0; i < perLedger; i++ {
				if _, err := s.Append(ctx, id, ledger.Event{Action: "update"}); err != nil {
					t.Error(err)
					return
				}
			}
		}(l)
	}
	wg.Wait()

	for l := 0; l < ledgers; l++ {
		id := fmt.Sprintf("tenant-%d", l)
		res, err := ledger.NewVerifier(s).Verify(ctx, id, ledger.VerifyOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if !res.Valid || res.VerifiedCount != perLedger {
			t.Errorf("%s: valid=%v count=%d", id, res.Valid, res.VerifiedCount)
		}
	}
}
