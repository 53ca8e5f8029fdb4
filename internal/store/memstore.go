package store

import (
	"context"
	"errors"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/roach88/unlockd/internal/domain"
	"github.com/roach88/unlockd/internal/registry"
)

// ErrUnavailable is the cause attached to failures injected with
// MemStore.SetUnavailable.
var ErrUnavailable = errors.New("memstore: unavailable")

type grantKey struct {
	account  string
	vertical string
	record   string
}

// MemStore is an in-memory Backend with the same atomicity and idempotency
// guarantees as Store. State does not survive the process.
type MemStore struct {
	// writeMu serializes Atomic calls. mu guards the committed state and is
	// held only while reading it or applying a commit.
	writeMu sync.Mutex
	mu      sync.RWMutex

	seq     int64
	entries map[string][]domain.LedgerEntry
	grants  map[grantKey]domain.EntitlementGrant
	records map[string][]domain.Record

	unavailable bool

	now func() time.Time
	ids IDGenerator
}

// NewMemStore creates an empty MemStore.
func NewMemStore(opts ...Option) *MemStore {
	o := buildOptions(opts)
	return &MemStore{
		entries: make(map[string][]domain.LedgerEntry),
		grants:  make(map[grantKey]domain.EntitlementGrant),
		records: make(map[string][]domain.Record),
		now:     o.now,
		ids:     o.ids,
	}
}

// SetUnavailable makes every subsequent call fail with STORE_UNAVAILABLE
// (or succeed again when false). Used to exercise retry paths.
func (m *MemStore) SetUnavailable(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = down
}

func (m *MemStore) checkAvailable(op string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.unavailable {
		return domain.Unavailable(op, ErrUnavailable)
	}
	return nil
}

// Atomic stages every write made through tx and applies them together only
// if fn returns nil.
func (m *MemStore) Atomic(ctx context.Context, fn func(tx Txn) error) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return domain.Unavailable("begin transaction", err)
	}
	if err := m.checkAvailable("begin transaction"); err != nil {
		return err
	}

	tx := &memTxn{m: m, staged: make(map[grantKey]domain.EntitlementGrant)}
	if err := fn(tx); err != nil {
		return domain.Unavailable("transaction aborted", err)
	}

	if err := m.checkAvailable("commit transaction"); err != nil {
		return err
	}
	m.commit(tx)
	return nil
}

func (m *MemStore) commit(tx *memTxn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range tx.appended {
		m.entries[e.AccountID] = append(m.entries[e.AccountID], e)
		m.seq = e.Seq
	}
	maps.Copy(m.grants, tx.staged)
}

// Append records one delta in its own transaction.
func (m *MemStore) Append(ctx context.Context, accountID string, delta int64, reason string) (domain.LedgerEntry, error) {
	var entry domain.LedgerEntry
	err := m.Atomic(ctx, func(tx Txn) error {
		var err error
		entry, err = tx.Append(ctx, accountID, delta, reason)
		return err
	})
	return entry, err
}

// Grant inserts grants in its own transaction.
func (m *MemStore) Grant(ctx context.Context, accountID, verticalKey string, ids []string, ledgerEntryID string) ([]string, error) {
	var granted []string
	err := m.Atomic(ctx, func(tx Txn) error {
		var err error
		granted, err = tx.Grant(ctx, accountID, verticalKey, ids, ledgerEntryID)
		return err
	})
	return granted, err
}

// Balance sums committed deltas.
func (m *MemStore) Balance(ctx context.Context, accountID string) (int64, error) {
	return m.reader().Balance(ctx, accountID)
}

// Entries returns committed entries ordered by seq.
func (m *MemStore) Entries(ctx context.Context, accountID string) ([]domain.LedgerEntry, error) {
	return m.reader().Entries(ctx, accountID)
}

// ListGranted returns committed grant ids, sorted.
func (m *MemStore) ListGranted(ctx context.Context, accountID, verticalKey string) ([]string, error) {
	return m.reader().ListGranted(ctx, accountID, verticalKey)
}

// Grants returns committed grant rows, sorted by record id.
func (m *MemStore) Grants(ctx context.Context, accountID, verticalKey string) ([]domain.EntitlementGrant, error) {
	return m.reader().Grants(ctx, accountID, verticalKey)
}

// reader is a transaction that never commits, so it only sees committed state.
func (m *MemStore) reader() *memTxn {
	return &memTxn{m: m, staged: map[grantKey]domain.EntitlementGrant{}}
}

// ListRecords returns up to limit records in insertion order.
func (m *MemStore) ListRecords(ctx context.Context, d registry.Descriptor, limit int) ([]domain.Record, error) {
	if err := m.checkAvailable("list records"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	recs := m.records[d.Key]
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	out := make([]domain.Record, len(recs))
	for i, r := range recs {
		out[i] = domain.Record{ID: r.ID, Fields: maps.Clone(r.Fields)}
	}
	return out, nil
}

// PutRecords upserts records by id, keeping the original position of
// replaced records.
func (m *MemStore) PutRecords(ctx context.Context, d registry.Descriptor, recs []domain.Record) error {
	if err := m.checkAvailable("put records"); err != nil {
		return err
	}
	for _, r := range recs {
		if domain.Normalize(r.ID) == "" {
			return domain.NewInvalidRequest("record id must not be blank")
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.records[d.Key]
	for _, r := range recs {
		r = domain.Record{ID: domain.Normalize(r.ID), Fields: maps.Clone(r.Fields)}
		replaced := false
		for i := range existing {
			if existing[i].ID == r.ID {
				existing[i] = r
				replaced = true
				break
			}
		}
		if !replaced {
			existing = append(existing, r)
		}
	}
	m.records[d.Key] = existing
	return nil
}

// Ping reports STORE_UNAVAILABLE while SetUnavailable(true) is in effect.
func (m *MemStore) Ping(ctx context.Context) error {
	return m.checkAvailable("ping")
}

// Close is a no-op.
func (m *MemStore) Close() error {
	return nil
}

// memTxn reads committed state overlaid with its own staged writes.
type memTxn struct {
	m        *MemStore
	appended []domain.LedgerEntry
	staged   map[grantKey]domain.EntitlementGrant
}

func (t *memTxn) Append(ctx context.Context, accountID string, delta int64, reason string) (domain.LedgerEntry, error) {
	if err := t.m.checkAvailable("append ledger entry"); err != nil {
		return domain.LedgerEntry{}, err
	}
	t.m.mu.RLock()
	seq := t.m.seq + int64(len(t.appended)) + 1
	t.m.mu.RUnlock()

	entry := domain.LedgerEntry{
		ID:        t.m.ids.Generate(),
		AccountID: accountID,
		Delta:     delta,
		Reason:    reason,
		Seq:       seq,
		CreatedAt: t.m.now().UTC(),
	}
	t.appended = append(t.appended, entry)
	return entry, nil
}

func (t *memTxn) Balance(ctx context.Context, accountID string) (int64, error) {
	entries, err := t.Entries(ctx, accountID)
	if err != nil {
		return 0, err
	}
	var sum int64
	for _, e := range entries {
		sum += e.Delta
	}
	return sum, nil
}

func (t *memTxn) Entries(ctx context.Context, accountID string) ([]domain.LedgerEntry, error) {
	if err := t.m.checkAvailable("query ledger entries"); err != nil {
		return nil, err
	}
	t.m.mu.RLock()
	entries := append([]domain.LedgerEntry{}, t.m.entries[accountID]...)
	t.m.mu.RUnlock()

	for _, e := range t.appended {
		if e.AccountID == accountID {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (t *memTxn) Grant(ctx context.Context, accountID, verticalKey string, ids []string, ledgerEntryID string) ([]string, error) {
	if err := t.m.checkAvailable("insert grant"); err != nil {
		return nil, err
	}
	grantedAt := t.m.now().UTC()

	t.m.mu.RLock()
	defer t.m.mu.RUnlock()

	inserted := []string{}
	for _, id := range ids {
		k := grantKey{account: accountID, vertical: verticalKey, record: id}
		if _, ok := t.m.grants[k]; ok {
			continue
		}
		if _, ok := t.staged[k]; ok {
			continue
		}
		t.staged[k] = domain.EntitlementGrant{
			AccountID:     accountID,
			VerticalKey:   verticalKey,
			RecordID:      id,
			LedgerEntryID: ledgerEntryID,
			GrantedAt:     grantedAt,
		}
		inserted = append(inserted, id)
	}
	sort.Strings(inserted)
	return inserted, nil
}

func (t *memTxn) ListGranted(ctx context.Context, accountID, verticalKey string) ([]string, error) {
	grants, err := t.Grants(ctx, accountID, verticalKey)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(grants))
	for i, g := range grants {
		ids[i] = g.RecordID
	}
	return ids, nil
}

func (t *memTxn) Grants(ctx context.Context, accountID, verticalKey string) ([]domain.EntitlementGrant, error) {
	if err := t.m.checkAvailable("query grants"); err != nil {
		return nil, err
	}
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()

	grants := []domain.EntitlementGrant{}
	collect := func(src map[grantKey]domain.EntitlementGrant) {
		for k, g := range src {
			if k.account == accountID && k.vertical == verticalKey {
				grants = append(grants, g)
			}
		}
	}
	collect(t.m.grants)
	collect(t.staged)

	sort.Slice(grants, func(i, j int) bool { return grants[i].RecordID < grants[j].RecordID })
	return grants, nil
}
