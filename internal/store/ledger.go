package store

import (
	"context"
	"fmt"

	"github.com/roach88/unlockd/internal/domain"
)

// Append inserts one ledger entry. The id comes from the configured
// IDGenerator; seq is assigned by SQLite.
func (t *sqlTxn) Append(ctx context.Context, accountID string, delta int64, reason string) (domain.LedgerEntry, error) {
	entry := domain.LedgerEntry{
		ID:        t.ids.Generate(),
		AccountID: accountID,
		Delta:     delta,
		Reason:    reason,
		CreatedAt: t.now().UTC(),
	}

	result, err := t.q.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account_id, delta, reason, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, entry.ID, entry.AccountID, entry.Delta, entry.Reason, unixNano(entry.CreatedAt))
	if err != nil {
		return domain.LedgerEntry{}, domain.Unavailable("append ledger entry", err)
	}

	entry.Seq, err = result.LastInsertId()
	if err != nil {
		return domain.LedgerEntry{}, domain.Unavailable("append ledger entry: last insert id", err)
	}

	return entry, nil
}

// Balance folds the account's deltas. Never stored.
func (t *sqlTxn) Balance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := t.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(delta), 0) FROM ledger_entries WHERE account_id = ?
	`, accountID).Scan(&balance)
	if err != nil {
		return 0, domain.Unavailable("balance", err)
	}
	return balance, nil
}

// Entries returns the account's entries ordered by seq.
// Returns an empty slice (not nil) if the account has no entries.
func (t *sqlTxn) Entries(ctx context.Context, accountID string) ([]domain.LedgerEntry, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT seq, id, account_id, delta, reason, created_at
		FROM ledger_entries
		WHERE account_id = ?
		ORDER BY seq ASC
	`, accountID)
	if err != nil {
		return nil, domain.Unavailable("query ledger entries", err)
	}
	defer rows.Close()

	entries := []domain.LedgerEntry{}
	for rows.Next() {
		var (
			e       domain.LedgerEntry
			created int64
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.AccountID, &e.Delta, &e.Reason, &created); err != nil {
			return nil, domain.Unavailable(fmt.Sprintf("scan ledger entry for %s", accountID), err)
		}
		e.CreatedAt = fromUnixNano(created)
		entries = append(entries, e)
	}

	if err := rowsErr("ledger entries", rows); err != nil {
		return nil, err
	}
	return entries, nil
}
