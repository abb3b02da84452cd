package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// GenesisHash is the well-known sentinel predecessor hash of every chain's
// first entry (sequence 0). It is 64 hex zeros and can never equal a real
// SHA-256 output of this scheme in practice, so a genesis entry is always
// distinguishable from one chained onto a computed hash.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// RedactionLedgerID is the reserved ledger that records every redaction:
// who requested it, why, and how many entries it touched. Keeping the
// redaction trail in its own chain means erasure itself is never
// unaccountable.
const RedactionLedgerID = "system.redactions"

// DefaultRedactionMarker is the tombstone written over erased payload values
// when the caller does not supply one.
const DefaultRedactionMarker = "[REDACTED]"

// Payload is a before/after snapshot of the affected entity. Either side may
// be absent (nil); an absent side is semantically different from a present
// empty object and the two hash differently.
type Payload struct {
	Old *Value `json:"old_values,omitempty"`
	New *Value `json:"new_values,omitempty"`
}

// Event is the caller-supplied portion of an audit entry.
type Event struct {
	Action     string
	EntityType string
	EntityID   string
	ActorID    string // empty means system-generated
	Payload    *Payload
}

// Entry is a single record in a ledger chain. All fields except Payload and
// RedactedAt are immutable from the moment the entry is persisted; Payload is
// mutable only through the store's redaction path.
type Entry struct {
	LedgerID      string     `json:"ledger_id"`
	Sequence      uint64     `json:"sequence"`
	ActorID       string     `json:"actor_id,omitempty"`
	Action        string     `json:"action"`
	EntityType    string     `json:"entity_type"`
	EntityID      string     `json:"entity_id"`
	Payload       *Payload   `json:"payload,omitempty"`
	ContentHash   string     `json:"content_hash"`
	RecordedAt    time.Time  `json:"recorded_at"`
	PrevChainHash string     `json:"previous_chain_hash"`
	ChainHash     string     `json:"chain_hash"`
	RedactedAt    *time.Time `json:"redacted_at,omitempty"`
}

// chainHashOf computes the hash binding an entry to its predecessor. It
// depends on the content hash rather than the payload itself, which is why
// redacting a payload can never break the chain.
func chainHashOf(prevChainHash, contentHash string, sequence uint64, recordedAt time.Time) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%s",
		prevChainHash, contentHash, sequence,
		recordedAt.UTC().Format(time.RFC3339Nano),
	)
	return hex.EncodeToString(h.Sum(nil))
}

// contentHashOf computes the permanent fingerprint of the event's original
// semantic content. It is evaluated exactly once, at append time, and is
// unaffected by any later redaction.
func contentHashOf(ev Event, recordedAt time.Time) string {
	sum := sha256.Sum256(encodeEvent(ev, recordedAt))
	return hex.EncodeToString(sum[:])
}

// newEntry assembles and hashes a fully-formed entry. recordedAt is truncated
// to microseconds so the hashed timestamp survives a round trip through
// timestamptz columns, which carry microsecond precision.
func newEntry(ledgerID string, sequence uint64, prevChainHash string, ev Event, recordedAt time.Time) *Entry {
	recordedAt = recordedAt.UTC().Truncate(time.Microsecond)
	contentHash := contentHashOf(ev, recordedAt)
	return &Entry{
		LedgerID:      ledgerID,
		Sequence:      sequence,
		ActorID:       ev.ActorID,
		Action:        ev.Action,
		EntityType:    ev.EntityType,
		EntityID:      ev.EntityID,
		Payload:       ev.Payload,
		ContentHash:   contentHash,
		RecordedAt:    recordedAt,
		PrevChainHash: prevChainHash,
		ChainHash:     chainHashOf(prevChainHash, contentHash, sequence, recordedAt),
	}
}

// clone returns a deep-enough copy for copy-on-write payload mutation:
// scalar fields are copied, Payload and RedactedAt get fresh pointers.
func (e *Entry) clone() *Entry {
	c := *e
	if e.Payload != nil {
		p := *e.Payload
		c.Payload = &p
	}
	if e.RedactedAt != nil {
		t := *e.RedactedAt
		c.RedactedAt = &t
	}
	return &c
}
