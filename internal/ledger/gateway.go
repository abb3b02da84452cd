package ledger

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// AppendRequest carries everything a producer supplies for a new entry.
// OldValues/NewValues accept JSON-shaped dynamic data; the gateway converts
// them into canonical payload values before any hash is computed.
type AppendRequest struct {
	LedgerID   string
	Action     string
	EntityType string
	EntityID   string
	ActorID    string
	OldValues  any
	NewValues  any
}

// Gateway is the single boundary external callers touch: append, fetch,
// verify, redact, export. Everything else in the package is wiring behind it.
type Gateway struct {
	store    Store
	verifier *Verifier
	redactor *RedactionManager
	logger   *zap.Logger
}

// NewGateway wires a Gateway over the given store.
func NewGateway(store Store, logger *zap.Logger) *Gateway {
	return &Gateway{
		store:    store,
		verifier: NewVerifier(store),
		redactor: NewRedactionManager(store, logger),
		logger:   logger,
	}
}

// Append validates and records one audit event. Encoding failures surface
// before anything is persisted, so a business operation whose audit entry
// cannot be recorded can be blocked by the caller.
func (g *Gateway) Append(ctx context.Context, req AppendRequest) (*Entry, error) {
	if req.LedgerID == "" {
		return nil, fmt.Errorf("%w: ledger id is required", ErrEncoding)
	}
	if req.Action == "" {
		return nil, fmt.Errorf("%w: action is required", ErrEncoding)
	}

	payload, err := buildPayload(req.OldValues, req.NewValues)
	if err != nil {
		return nil, err
	}

	entry, err := g.store.Append(ctx, req.LedgerID, Event{
		Action:     req.Action,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		ActorID:    req.ActorID,
		Payload:    payload,
	})
	if err != nil {
		return nil, err
	}

	g.logger.Debug("ledger entry appended",
		zap.String("ledger_id", entry.LedgerID),
		zap.Uint64("sequence", entry.Sequence),
		zap.String("action", entry.Action),
	)
	return entry, nil
}

// buildPayload converts the optional before/after snapshots. A nil input
// stays absent; an empty map becomes a present empty object — the two are
// deliberately distinct.
func buildPayload(oldValues, newValues any) (*Payload, error) {
	if oldValues == nil && newValues == nil {
		return nil, nil
	}
	p := &Payload{}
	if oldValues != nil {
		v, err := FromAny(oldValues)
		if err != nil {
			return nil, fmt.Errorf("old_values: %w", err)
		}
		p.Old = &v
	}
	if newValues != nil {
		v, err := FromAny(newValues)
		if err != nil {
			return nil, fmt.Errorf("new_values: %w", err)
		}
		p.New = &v
	}
	return p, nil
}

// Get returns the entry at (ledgerID, sequence), or ErrNotFound.
func (g *Gateway) Get(ctx context.Context, ledgerID string, sequence uint64) (*Entry, error) {
	return g.store.Get(ctx, ledgerID, sequence)
}

// Range drains the store cursor for [start, end] into a slice. Pagination is
// the caller's responsibility via the bounds.
func (g *Gateway) Range(ctx context.Context, ledgerID string, start, end uint64) ([]*Entry, error) {
	cur, err := g.store.Range(ctx, ledgerID, start, end)
	if err != nil {
		return nil, err
	}
	defer cur.Close() //nolint:errcheck

	var entries []*Entry
	for {
		e, err := cur.Next(ctx)
		if err != nil {
			return nil, err
		}
		if e == nil {
			return entries, nil
		}
		entries = append(entries, e)
	}
}

// Tail returns the most recent entry, or (nil, nil) for an empty ledger.
func (g *Gateway) Tail(ctx context.Context, ledgerID string) (*Entry, error) {
	return g.store.Tail(ctx, ledgerID)
}

// Verify recomputes chain hashes over the requested range. A broken chain is
// reported in the result, never as an error.
func (g *Gateway) Verify(ctx context.Context, ledgerID string, opts VerifyOptions) (*VerificationResult, error) {
	res, err := g.verifier.Verify(ctx, ledgerID, opts)
	if err != nil {
		return nil, err
	}
	if !res.Valid {
		g.logger.Warn("ledger chain broken",
			zap.String("ledger_id", ledgerID),
			zap.Uint64p("broken_at", res.BrokenAt),
			zap.Uint64("verified_count", res.VerifiedCount),
		)
	}
	return res, nil
}

// Redact applies matcher-scoped erasure across the whole ledger.
func (g *Gateway) Redact(ctx context.Context, ledgerID string, matcher Matcher, marker string, req RedactionRequest) (*RedactionResult, error) {
	return g.redactor.Redact(ctx, ledgerID, matcher, marker, req)
}

// Export streams [start, end] to w in the requested format. Every row
// carries the hashes needed for an external auditor to re-run chain
// verification offline.
func (g *Gateway) Export(ctx context.Context, w io.Writer, ledgerID string, start, end uint64, format ExportFormat) error {
	cur, err := g.store.Range(ctx, ledgerID, start, end)
	if err != nil {
		return err
	}
	defer cur.Close() //nolint:errcheck
	return writeExport(ctx, w, ledgerID, cur, format)
}
