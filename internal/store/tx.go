package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/unlockd/internal/domain"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqlTxn implements Txn over an open transaction.
type sqlTxn struct {
	q   queryer
	now func() time.Time
	ids IDGenerator
}

// Atomic runs fn inside one SQLite transaction.
//
// The single pooled connection means BeginTx blocks until any other
// transaction finishes, which serializes Atomic calls across goroutines.
func (s *Store) Atomic(ctx context.Context, fn func(tx Txn) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Unavailable("begin transaction", err)
	}
	defer tx.Rollback() // No-op if committed

	if err := fn(&sqlTxn{q: tx, now: s.now, ids: s.ids}); err != nil {
		return domain.Unavailable("transaction aborted", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.Unavailable("commit transaction", err)
	}
	return nil
}

// Append records one delta in its own transaction.
func (s *Store) Append(ctx context.Context, accountID string, delta int64, reason string) (domain.LedgerEntry, error) {
	var entry domain.LedgerEntry
	err := s.Atomic(ctx, func(tx Txn) error {
		var err error
		entry, err = tx.Append(ctx, accountID, delta, reason)
		return err
	})
	return entry, err
}

// Grant inserts grants in its own transaction.
func (s *Store) Grant(ctx context.Context, accountID, verticalKey string, ids []string, ledgerEntryID string) ([]string, error) {
	var granted []string
	err := s.Atomic(ctx, func(tx Txn) error {
		var err error
		granted, err = tx.Grant(ctx, accountID, verticalKey, ids, ledgerEntryID)
		return err
	})
	return granted, err
}

// Balance reads outside any Atomic call and may observe the state before or
// after a concurrent unlock.
func (s *Store) Balance(ctx context.Context, accountID string) (int64, error) {
	return s.reader().Balance(ctx, accountID)
}

// Entries returns the account's ledger entries ordered by seq.
func (s *Store) Entries(ctx context.Context, accountID string) ([]domain.LedgerEntry, error) {
	return s.reader().Entries(ctx, accountID)
}

// ListGranted returns granted record ids for one vertical, sorted.
func (s *Store) ListGranted(ctx context.Context, accountID, verticalKey string) ([]string, error) {
	return s.reader().ListGranted(ctx, accountID, verticalKey)
}

// Grants returns grant rows for one vertical.
func (s *Store) Grants(ctx context.Context, accountID, verticalKey string) ([]domain.EntitlementGrant, error) {
	return s.reader().Grants(ctx, accountID, verticalKey)
}

func (s *Store) reader() *sqlTxn {
	return &sqlTxn{q: s.db, now: s.now, ids: s.ids}
}

func unixNano(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func rowsErr(op string, rows *sql.Rows) error {
	if err := rows.Err(); err != nil {
		return domain.Unavailable(fmt.Sprintf("iterate %s", op), err)
	}
	return nil
}
