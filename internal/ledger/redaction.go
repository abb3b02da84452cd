package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Matcher selects payload leaves for erasure. key is the nearest enclosing
// object member name (array elements inherit their parent's key).
type Matcher interface {
	Matches(key string, v Value) bool

	// Kind and Digest describe the matcher for the redaction audit trail
	// without re-recording the data being erased.
	Kind() string
	Digest() string
}

// ValueMatcher matches string leaves exactly equal to Value — the typical
// "erase every occurrence of this subject's email" request.
type ValueMatcher struct {
	Value string
}

func (m ValueMatcher) Matches(_ string, v Value) bool {
	return v.Kind() == KindString && v.StringValue() == m.Value
}

func (m ValueMatcher) Kind() string   { return "value" }
func (m ValueMatcher) Digest() string { return digestOf(m.Value) }

// FieldMatcher matches every leaf stored under the given object key,
// regardless of the leaf's value — "erase the ssn field wherever it appears".
type FieldMatcher struct {
	Field string
}

func (m FieldMatcher) Matches(key string, v Value) bool {
	return key == m.Field && v.Kind() != KindArray && v.Kind() != KindObject
}

func (m FieldMatcher) Kind() string   { return "field" }
func (m FieldMatcher) Digest() string { return digestOf(m.Field) }

func digestOf(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// RedactionRequest identifies who asked for an erasure and why. Both fields
// end up in the redaction audit ledger.
type RedactionRequest struct {
	RequestedBy string
	Reason      string
}

// RedactionResult reports the outcome of a redaction pass.
type RedactionResult struct {
	RequestID       string `json:"request_id"`
	EntriesAffected uint64 `json:"entries_affected"`
	AuditSequence   uint64 `json:"audit_sequence"`
}

// RedactionManager applies legally required content erasure to historical
// entries without invalidating their chain. It rewrites matching payload
// leaves to a tombstone marker through the store's controlled mutation path
// and leaves every hash, sequence, and timestamp untouched.
type RedactionManager struct {
	store  Store
	logger *zap.Logger
}

// NewRedactionManager creates a RedactionManager over store.
func NewRedactionManager(store Store, logger *zap.Logger) *RedactionManager {
	return &RedactionManager{store: store, logger: logger}
}

// Redact scans the full ledger (erasure scope is not sequence-bounded) and
// replaces every matching payload leaf with marker, setting RedactedAt on
// first touch. It is idempotent: leaves already equal to the marker never
// match again, so a repeated call reports zero affected entries.
//
// Each pass appends an accountability record to the reserved redaction
// ledger; the record carries a digest of the matcher target rather than the
// target itself, so the erased data does not resurface in the audit trail.
func (m *RedactionManager) Redact(ctx context.Context, ledgerID string, matcher Matcher, marker string, req RedactionRequest) (*RedactionResult, error) {
	if marker == "" {
		marker = DefaultRedactionMarker
	}

	tail, err := m.store.Tail(ctx, ledgerID)
	if err != nil {
		return nil, fmt.Errorf("redact %s: %w", ledgerID, err)
	}

	var affected uint64
	if tail != nil {
		cur, err := m.store.Range(ctx, ledgerID, 0, tail.Sequence)
		if err != nil {
			return nil, fmt.Errorf("redact %s: %w", ledgerID, err)
		}
		defer cur.Close() //nolint:errcheck

		for {
			e, err := cur.Next(ctx)
			if err != nil {
				return nil, fmt.Errorf("redact %s: %w", ledgerID, err)
			}
			if e == nil {
				break
			}
			if e.Payload == nil || countMatches(e.Payload, matcher, marker) == 0 {
				continue
			}

			now := time.Now().UTC()
			if _, err := m.store.MutatePayload(ctx, ledgerID, e.Sequence, func(entry *Entry) error {
				if entry.Payload == nil {
					return nil
				}
				if n := redactPayload(entry.Payload, matcher, marker); n > 0 && entry.RedactedAt == nil {
					entry.RedactedAt = &now
				}
				return nil
			}); err != nil {
				return nil, fmt.Errorf("redact %s seq %d: %w", ledgerID, e.Sequence, err)
			}
			affected++
		}
	}

	requestID := uuid.NewString()
	audit, err := m.store.Append(ctx, RedactionLedgerID, Event{
		Action:     "redact",
		EntityType: "ledger",
		EntityID:   ledgerID,
		ActorID:    req.RequestedBy,
		Payload: &Payload{
			New: valuePtr(Object(map[string]Value{
				"request_id":       String(requestID),
				"target_ledger":    String(ledgerID),
				"matcher_kind":     String(matcher.Kind()),
				"matcher_digest":   String(matcher.Digest()),
				"marker":           String(marker),
				"entries_affected": Number(float64(affected)),
				"reason":           String(req.Reason),
			})),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("redact %s: record audit entry: %w", ledgerID, err)
	}

	m.logger.Info("redaction applied",
		zap.String("ledger_id", ledgerID),
		zap.String("request_id", requestID),
		zap.Uint64("entries_affected", affected),
		zap.String("matcher_kind", matcher.Kind()),
	)

	return &RedactionResult{
		RequestID:       requestID,
		EntriesAffected: affected,
		AuditSequence:   audit.Sequence,
	}, nil
}

func valuePtr(v Value) *Value { return &v }

// countMatches reports how many leaves a redaction pass would rewrite,
// without mutating anything. Leaves already carrying the marker are skipped,
// which is what makes redaction idempotent per matcher.
func countMatches(p *Payload, matcher Matcher, marker string) int {
	n := 0
	if p.Old != nil {
		n += walkLeaves(*p.Old, "", matcher, marker, nil)
	}
	if p.New != nil {
		n += walkLeaves(*p.New, "", matcher, marker, nil)
	}
	return n
}

// redactPayload rewrites matching leaves in place and returns the count.
func redactPayload(p *Payload, matcher Matcher, marker string) int {
	n := 0
	if p.Old != nil {
		v := *p.Old
		n += walkLeaves(v, "", matcher, marker, &v)
		p.Old = &v
	}
	if p.New != nil {
		v := *p.New
		n += walkLeaves(v, "", matcher, marker, &v)
		p.New = &v
	}
	return n
}

// walkLeaves traverses v depth-first. When out is non-nil, matching leaves
// are replaced with the marker string in *out; otherwise the walk only
// counts. Array and object nodes are rebuilt on write so shared snapshots
// are never mutated.
func walkLeaves(v Value, key string, matcher Matcher, marker string, out *Value) int {
	switch v.kind {
	case KindArray:
		n := 0
		var rebuilt []Value
		if out != nil {
			rebuilt = make([]Value, len(v.arr))
		}
		for i, e := range v.arr {
			var slot *Value
			if out != nil {
				rebuilt[i] = e
				slot = &rebuilt[i]
			}
			n += walkLeaves(e, key, matcher, marker, slot)
		}
		if out != nil {
			*out = Value{kind: KindArray, arr: rebuilt}
		}
		return n
	case KindObject:
		n := 0
		var rebuilt map[string]Value
		if out != nil {
			rebuilt = make(map[string]Value, len(v.obj))
		}
		for k, e := range v.obj {
			if out != nil {
				tmp := e
				n += walkLeaves(e, k, matcher, marker, &tmp)
				rebuilt[k] = tmp
			} else {
				n += walkLeaves(e, k, matcher, marker, nil)
			}
		}
		if out != nil {
			*out = Value{kind: KindObject, obj: rebuilt}
		}
		return n
	default:
		// Leaf. Tombstones never match again.
		if v.kind == KindString && v.s == marker {
			return 0
		}
		if !matcher.Matches(key, v) {
			return 0
		}
		if out != nil {
			*out = String(marker)
		}
		return 1
	}
}
