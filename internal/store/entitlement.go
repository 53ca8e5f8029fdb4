package store

import (
	"context"
	"sort"

	"github.com/roach88/unlockd/internal/domain"
)

// Grant inserts one row per id with ON CONFLICT DO NOTHING.
// RowsAffected distinguishes new grants from ones that already existed.
//
// Note: ledgerEntryID must reference an existing ledger entry (foreign key).
func (t *sqlTxn) Grant(ctx context.Context, accountID, verticalKey string, ids []string, ledgerEntryID string) ([]string, error) {
	grantedAt := unixNano(t.now())
	inserted := []string{}

	for _, id := range ids {
		result, err := t.q.ExecContext(ctx, `
			INSERT INTO entitlement_grants
			(account_id, vertical_key, record_id, ledger_entry_id, granted_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(account_id, vertical_key, record_id) DO NOTHING
		`, accountID, verticalKey, id, ledgerEntryID, grantedAt)
		if err != nil {
			return nil, domain.Unavailable("insert grant", err)
		}

		n, err := result.RowsAffected()
		if err != nil {
			return nil, domain.Unavailable("insert grant: rows affected", err)
		}
		if n > 0 {
			inserted = append(inserted, id)
		}
	}

	sort.Strings(inserted)
	return inserted, nil
}

// ListGranted returns granted record ids for one vertical, sorted.
func (t *sqlTxn) ListGranted(ctx context.Context, accountID, verticalKey string) ([]string, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT record_id FROM entitlement_grants
		WHERE account_id = ? AND vertical_key = ?
		ORDER BY record_id COLLATE BINARY ASC
	`, accountID, verticalKey)
	if err != nil {
		return nil, domain.Unavailable("query grants", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, domain.Unavailable("scan grant", err)
		}
		ids = append(ids, id)
	}

	if err := rowsErr("grants", rows); err != nil {
		return nil, err
	}
	return ids, nil
}

// Grants returns grant rows for one vertical, sorted by record id.
func (t *sqlTxn) Grants(ctx context.Context, accountID, verticalKey string) ([]domain.EntitlementGrant, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT account_id, vertical_key, record_id, ledger_entry_id, granted_at
		FROM entitlement_grants
		WHERE account_id = ? AND vertical_key = ?
		ORDER BY record_id COLLATE BINARY ASC
	`, accountID, verticalKey)
	if err != nil {
		return nil, domain.Unavailable("query grants", err)
	}
	defer rows.Close()

	grants := []domain.EntitlementGrant{}
	for rows.Next() {
		var (
			g       domain.EntitlementGrant
			granted int64
		)
		if err := rows.Scan(&g.AccountID, &g.VerticalKey, &g.RecordID, &g.LedgerEntryID, &granted); err != nil {
			return nil, domain.Unavailable("scan grant", err)
		}
		g.GrantedAt = fromUnixNano(granted)
		grants = append(grants, g)
	}

	if err := rowsErr("grants", rows); err != nil {
		return nil, err
	}
	return grants, nil
}
