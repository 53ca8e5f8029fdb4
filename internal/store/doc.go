// Package store provides durable storage for credit ledgers, entitlement
// grants and vertical records.
//
// Two backends implement Backend:
//   - Store: SQLite, the production backend
//   - MemStore: in-memory, for tests and ephemeral demos
//
// # Relations
//
//   - ledger_entries: append-only credit deltas. Balance is always
//     SUM(delta); no balance column exists anywhere.
//   - entitlement_grants: UNIQUE(account_id, vertical_key, record_id).
//     Each grant carries the id of the ledger entry that paid for it.
//   - one record table per vertical, named by the registry
//   - one read-only view per vertical, named by the registry's
//     entitlement_table, exposing (user_id, <key field>, granted_at)
//
// # Critical Patterns
//
// Atomic unlocks: Backend.Atomic runs a function inside one transaction.
// Either every append and grant made through its Txn commits, or none does.
// Atomic calls are serialized, so a read taken inside the transaction
// cannot be invalidated by a concurrent writer before commit.
//
// Idempotent grants: inserting an existing (account, vertical, record)
// triple is a silent no-op (ON CONFLICT DO NOTHING) and is not reported as
// newly granted.
//
// Deterministic ordering: ledger entries are ordered by seq, records by
// seq then id.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=FULL: a committed charge survives power loss
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Every storage fault surfaces as a domain STORE_UNAVAILABLE error.
package store
