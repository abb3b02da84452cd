package ledger

import "errors"

var (
	// ErrEncoding reports a payload that cannot be canonically serialized
	// (unsupported value type, non-finite number, or excessive nesting that
	// indicates a circular structure). The append fails before any hash is
	// computed and nothing is persisted.
	ErrEncoding = errors.New("ledger: payload cannot be canonically encoded")

	// ErrNotFound reports a (ledgerID, sequence) pair that does not exist.
	ErrNotFound = errors.New("ledger: entry not found")

	// ErrLedgerUnavailable reports that the underlying store could not
	// durably complete a write or could not be read. Retrying is safe: a
	// retried append receives a fresh sequence number, it never duplicates.
	ErrLedgerUnavailable = errors.New("ledger: store unavailable")

	// ErrImmutableField reports an attempted mutation of content_hash,
	// chain_hash, sequence, previous_chain_hash, or recorded_at on a stored
	// entry. This is a programming error and always aborts the operation.
	ErrImmutableField = errors.New("ledger: attempted mutation of immutable entry field")
)
