package store

import (
	"context"

	"github.com/roach88/unlockd/internal/domain"
	"github.com/roach88/unlockd/internal/registry"
)

// Ledger is the append-only credit log of every account.
type Ledger interface {
	// Append records one delta and returns the stored entry.
	Append(ctx context.Context, accountID string, delta int64, reason string) (domain.LedgerEntry, error)

	// Balance returns the sum of all deltas for the account (0 if none).
	Balance(ctx context.Context, accountID string) (int64, error)

	// Entries returns the account's entries ordered by seq.
	Entries(ctx context.Context, accountID string) ([]domain.LedgerEntry, error)
}

// Entitlements records which records an account has unlocked.
type Entitlements interface {
	// Grant inserts grants for ids and returns the ids that were not
	// previously granted, sorted. Existing grants are left untouched.
	Grant(ctx context.Context, accountID, verticalKey string, ids []string, ledgerEntryID string) ([]string, error)

	// ListGranted returns granted record ids for one vertical, sorted.
	ListGranted(ctx context.Context, accountID, verticalKey string) ([]string, error)

	// Grants returns the full grant rows for one vertical, sorted by record id.
	Grants(ctx context.Context, accountID, verticalKey string) ([]domain.EntitlementGrant, error)
}

// Txn is the view of both stores inside one Atomic call.
type Txn interface {
	Ledger
	Entitlements
}

// Records serves and seeds each vertical's record table.
type Records interface {
	// ListRecords returns up to limit records ordered by insertion.
	// A limit <= 0 returns every record.
	ListRecords(ctx context.Context, d registry.Descriptor, limit int) ([]domain.Record, error)

	// PutRecords inserts or replaces records by id.
	PutRecords(ctx context.Context, d registry.Descriptor, recs []domain.Record) error
}

// Backend is a complete storage implementation.
//
// Calls made directly on a Backend (outside Atomic) each run in their own
// transaction.
type Backend interface {
	Txn
	Records

	// Atomic runs fn in one serialized transaction. If fn returns an error
	// nothing it wrote is visible; the error is returned unchanged when it is
	// already a *domain.Error and wrapped as STORE_UNAVAILABLE otherwise.
	Atomic(ctx context.Context, fn func(tx Txn) error) error

	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Backend = (*Store)(nil)
	_ Backend = (*MemStore)(nil)
)
