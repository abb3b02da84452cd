package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresStore persists ledger chains to PostgreSQL. Appends to one ledger
// are serialised with a transaction-scoped advisory lock keyed per ledger id,
// so chains never fork while appends to different ledgers proceed in
// parallel.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// advisoryKey derives a stable int64 advisory-lock key from a ledger id.
// Distinct ledgers map to (almost certainly) distinct keys, keeping their
// write sections independent.
func advisoryKey(ledgerID string) int64 {
	sum := sha256.Sum256([]byte(ledgerID))
	return int64(binary.BigEndian.Uint64(sum[:8])) //nolint:gosec
}

const entryColumns = `ledger_id, sequence, actor_id, action, entity_type, entity_id,
	payload, content_hash, recorded_at, previous_chain_hash, chain_hash, redacted_at`

// Append implements Store. It acquires the ledger's advisory lock, reads the
// chain tail, computes both hashes, and inserts — all within one transaction.
// The lock releases automatically on commit or rollback, so a timeout leaves
// no partial state.
func (s *PostgresStore) Append(ctx context.Context, ledgerID string, ev Event) (*Entry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w: %w", ErrLedgerUnavailable, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryKey(ledgerID)); err != nil {
		return nil, fmt.Errorf("acquire ledger lock: %w: %w", ErrLedgerUnavailable, err)
	}

	var seq uint64
	prevHash := GenesisHash
	now := time.Now()

	var tailSeq int64
	var tailHash string
	var tailRecordedAt time.Time
	err = tx.QueryRow(ctx,
		`SELECT sequence, chain_hash, recorded_at FROM ledger_entries
		 WHERE ledger_id = $1 ORDER BY sequence DESC LIMIT 1`, ledgerID,
	).Scan(&tailSeq, &tailHash, &tailRecordedAt)
	switch {
	case err == nil:
		seq = uint64(tailSeq) + 1
		prevHash = tailHash
		if now.Before(tailRecordedAt) {
			now = tailRecordedAt
		}
	case errors.Is(err, pgx.ErrNoRows):
		// First entry of this ledger: sequence 0, genesis sentinel.
	default:
		return nil, fmt.Errorf("read ledger tail: %w: %w", ErrLedgerUnavailable, err)
	}

	entry := newEntry(ledgerID, seq, prevHash, ev, now)

	payload, err := marshalPayload(entry.Payload)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (`+entryColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		entry.LedgerID, entry.Sequence, entry.ActorID, entry.Action,
		entry.EntityType, entry.EntityID, payload, entry.ContentHash,
		entry.RecordedAt, entry.PrevChainHash, entry.ChainHash, entry.RedactedAt,
	); err != nil {
		return nil, fmt.Errorf("insert ledger entry: %w: %w", ErrLedgerUnavailable, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit ledger tx: %w: %w", ErrLedgerUnavailable, err)
	}

	s.logger.Debug("ledger entry appended",
		zap.String("ledger_id", entry.LedgerID),
		zap.Uint64("sequence", entry.Sequence),
		zap.String("action", entry.Action),
	)
	return entry, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, ledgerID string, sequence uint64) (*Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries
		 WHERE ledger_id = $1 AND sequence = $2`, ledgerID, sequence)
	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry %s/%d: %w: %w", ledgerID, sequence, ErrLedgerUnavailable, err)
	}
	return entry, nil
}

// Range implements Store. Rows are streamed from the server; re-invoking
// with the same bounds restarts the scan.
func (s *PostgresStore) Range(ctx context.Context, ledgerID string, start, end uint64) (Cursor, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries
		 WHERE ledger_id = $1 AND sequence >= $2 AND sequence <= $3
		 ORDER BY sequence ASC`, ledgerID, start, end)
	if err != nil {
		return nil, fmt.Errorf("range %s [%d,%d]: %w: %w", ledgerID, start, end, ErrLedgerUnavailable, err)
	}
	return &pgCursor{rows: rows}, nil
}

// Tail implements Store.
func (s *PostgresStore) Tail(ctx context.Context, ledgerID string) (*Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries
		 WHERE ledger_id = $1 ORDER BY sequence DESC LIMIT 1`, ledgerID)
	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tail %s: %w: %w", ledgerID, ErrLedgerUnavailable, err)
	}
	return entry, nil
}

// Len implements Store.
func (s *PostgresStore) Len(ctx context.Context, ledgerID string) (uint64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM ledger_entries WHERE ledger_id = $1", ledgerID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count entries %s: %w: %w", ledgerID, ErrLedgerUnavailable, err)
	}
	return uint64(n), nil
}

// MutatePayload implements Store. The row is re-read and rewritten inside
// the ledger's write section; only payload and redacted_at columns are ever
// part of the UPDATE, and the pre/post images are compared before writing.
func (s *PostgresStore) MutatePayload(ctx context.Context, ledgerID string, sequence uint64, fn func(*Entry) error) (*Entry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w: %w", ErrLedgerUnavailable, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryKey(ledgerID)); err != nil {
		return nil, fmt.Errorf("acquire ledger lock: %w: %w", ErrLedgerUnavailable, err)
	}

	row := tx.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries
		 WHERE ledger_id = $1 AND sequence = $2 FOR UPDATE`, ledgerID, sequence)
	before, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read entry %s/%d: %w: %w", ledgerID, sequence, ErrLedgerUnavailable, err)
	}

	after := before.clone()
	if err := fn(after); err != nil {
		return nil, err
	}
	if err := checkImmutable(before, after); err != nil {
		return nil, err
	}

	payload, err := marshalPayload(after.Payload)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE ledger_entries SET payload = $1, redacted_at = $2
		 WHERE ledger_id = $3 AND sequence = $4`,
		payload, after.RedactedAt, ledgerID, sequence,
	); err != nil {
		return nil, fmt.Errorf("update payload %s/%d: %w: %w", ledgerID, sequence, ErrLedgerUnavailable, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit mutation tx: %w: %w", ErrLedgerUnavailable, err)
	}
	return after, nil
}

// Ping implements Store.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
	}
	return nil
}

func marshalPayload(p *Payload) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal payload: %w", ErrEncoding, err)
	}
	return b, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	e := &Entry{}
	var payload []byte
	if err := row.Scan(
		&e.LedgerID, &e.Sequence, &e.ActorID, &e.Action,
		&e.EntityType, &e.EntityID, &payload, &e.ContentHash,
		&e.RecordedAt, &e.PrevChainHash, &e.ChainHash, &e.RedactedAt,
	); err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		p := &Payload{}
		if err := json.Unmarshal(payload, p); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
		e.Payload = p
	}
	e.RecordedAt = e.RecordedAt.UTC()
	return e, nil
}

// pgCursor streams pgx rows as a Cursor.
type pgCursor struct {
	rows pgx.Rows
}

func (c *pgCursor) Next(ctx context.Context) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.rows.Next() {
		if err := c.rows.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
		}
		return nil, nil
	}
	entry, err := scanEntry(c.rows)
	if err != nil {
		return nil, fmt.Errorf("scan ledger row: %w: %w", ErrLedgerUnavailable, err)
	}
	return entry, nil
}

func (c *pgCursor) Close() error {
	c.rows.Close()
	return nil
}
