package store

import (
	"context"
	"fmt"

	"github.com/roach88/unlockd/internal/domain"
	"github.com/roach88/unlockd/internal/registry"
)

// ListRecords returns up to limit records from the vertical's record table,
// ordered by insertion (seq ASC, id ASC).
func (s *Store) ListRecords(ctx context.Context, d registry.Descriptor, limit int) ([]domain.Record, error) {
	query := fmt.Sprintf(`SELECT id, payload FROM %q ORDER BY seq ASC, id COLLATE BINARY ASC`, d.RecordTable)
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.Unavailable("query records "+d.RecordTable, err)
	}
	defer rows.Close()

	recs := []domain.Record{}
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, domain.Unavailable("scan record", err)
		}
		fields, err := unmarshalFields(payload)
		if err != nil {
			return nil, fmt.Errorf("record %s/%s: %w", d.Key, id, err)
		}
		recs = append(recs, domain.Record{ID: id, Fields: fields})
	}

	if err := rowsErr("records", rows); err != nil {
		return nil, err
	}
	return recs, nil
}

// PutRecords upserts records by id. A replaced record keeps its original
// position.
func (s *Store) PutRecords(ctx context.Context, d registry.Descriptor, recs []domain.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Unavailable("begin transaction", err)
	}
	defer tx.Rollback()

	stmt := fmt.Sprintf(`
		INSERT INTO %[1]q (id, payload, seq)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM %[1]q))
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload
	`, d.RecordTable)

	for _, rec := range recs {
		id := domain.Normalize(rec.ID)
		if id == "" {
			return domain.NewInvalidRequest("record id must not be blank")
		}
		payload, err := marshalFields(rec.Fields)
		if err != nil {
			return fmt.Errorf("record %s/%s: %w", d.Key, id, err)
		}
		if _, err := tx.ExecContext(ctx, stmt, id, payload); err != nil {
			return domain.Unavailable("put record "+d.RecordTable, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.Unavailable("commit records", err)
	}
	return nil
}
