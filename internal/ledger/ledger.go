// Package ledger implements a tamper-evident, hash-chained audit ledger for
// compliance-sensitive actions (create/update/delete/login/export).
//
// Each ledger (one per tenant or business entity) is an independent append-only
// chain. Every entry carries two digests: a content hash committing to the
// entry's semantic payload at write time, and a chain hash binding the entry to
// its predecessor. The first entry of a chain links back to GenesisHash, a
// well-known sentinel that no real hash can equal.
//
// The content/chain split is what reconciles tamper evidence with legally
// mandated erasure: redaction rewrites payload values only, while the content
// hash remains the permanent fingerprint of the original data and the chain
// hash never needs recomputation.
//
// Three Store implementations are provided:
//   - MemoryStore: in-process, for testing and development.
//   - PostgresStore: durable, for multi-node production use.
//   - BadgerStore: embedded single-node persistence.
package ledger
