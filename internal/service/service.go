// Package service composes the registry, the storage backend and the unlock
// processor into the operations exposed to callers: browsing records,
// reading entitlements and balances, unlocking, and admin credit
// adjustments.
package service

import (
	"context"
	"log/slog"

	"github.com/roach88/unlockd/internal/domain"
	"github.com/roach88/unlockd/internal/metrics"
	"github.com/roach88/unlockd/internal/registry"
	"github.com/roach88/unlockd/internal/store"
	"github.com/roach88/unlockd/internal/unlock"
)

// DefaultRecordLimit caps record listings when the caller gives no limit.
const DefaultRecordLimit = 100

// MaxRecordLimit is the largest limit a caller may request.
const MaxRecordLimit = 1000

// Entitlements is the set of unlocked record ids of one vertical.
type Entitlements struct {
	VerticalKey string   `json:"vertical_key"`
	KeyField    string   `json:"key_field"`
	IDs         []string `json:"ids"`
}

// Service is safe for concurrent use.
type Service struct {
	registry  *registry.Registry
	backend   store.Backend
	processor *unlock.Processor
	metrics   *metrics.Metrics
	logger    *slog.Logger
	unitCost  int64
}

// Option configures a Service.
type Option func(*Service)

// WithUnitCost sets the default credit price per record.
// Values below 1 are ignored, matching the processor.
func WithUnitCost(cost int64) Option {
	return func(s *Service) {
		if cost >= 1 {
			s.unitCost = cost
		}
	}
}

// WithLogger sets the logger for the service and its processor.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics records unlock and adjustment metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// New creates a Service. The backend is owned by the caller.
func New(reg *registry.Registry, backend store.Backend, opts ...Option) *Service {
	s := &Service{
		registry: reg,
		backend:  backend,
		logger:   slog.Default(),
		unitCost: unlock.DefaultUnitCost,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.processor = unlock.New(reg, backend,
		unlock.WithUnitCost(s.unitCost),
		unlock.WithLogger(s.logger),
		unlock.WithMetrics(s.metrics),
	)
	return s
}

// Registry returns the vertical registry the service was built with.
func (s *Service) Registry() *registry.Registry {
	return s.registry
}

// Verticals lists every registered vertical, sorted by key.
func (s *Service) Verticals() []registry.Descriptor {
	return s.registry.All()
}

// UnitCost returns the credit price of one record in vertical.
func (s *Service) UnitCost(vertical string) (int64, error) {
	d, err := s.registry.Lookup(vertical)
	if err != nil {
		return 0, err
	}
	return d.CostPerRecord(s.unitCost), nil
}

// Records returns up to limit records of vertical as seen by account.
// Records the account has not unlocked are marked Locked and have their
// restricted fields removed. A limit <= 0 means DefaultRecordLimit.
func (s *Service) Records(ctx context.Context, account, vertical string, limit int) ([]domain.Record, error) {
	account, err := requireAccount(account)
	if err != nil {
		return nil, err
	}
	d, err := s.registry.Lookup(vertical)
	if err != nil {
		return nil, err
	}

	switch {
	case limit <= 0:
		limit = DefaultRecordLimit
	case limit > MaxRecordLimit:
		limit = MaxRecordLimit
	}

	recs, err := s.backend.ListRecords(ctx, d, limit)
	if err != nil {
		return nil, err
	}
	owned, err := s.backend.ListGranted(ctx, account, d.Key)
	if err != nil {
		return nil, err
	}
	return mask(d, recs, owned), nil
}

// mask strips restricted fields from records not in owned.
func mask(d registry.Descriptor, recs []domain.Record, owned []string) []domain.Record {
	have := make(map[string]struct{}, len(owned))
	for _, id := range owned {
		have[id] = struct{}{}
	}
	for i := range recs {
		if _, ok := have[recs[i].ID]; ok {
			continue
		}
		recs[i].Locked = true
		for _, f := range d.RestrictedFields {
			delete(recs[i].Fields, f)
		}
	}
	return recs
}

// Entitlements returns the record ids account has unlocked in vertical.
func (s *Service) Entitlements(ctx context.Context, account, vertical string) (Entitlements, error) {
	account, err := requireAccount(account)
	if err != nil {
		return Entitlements{}, err
	}
	d, err := s.registry.Lookup(vertical)
	if err != nil {
		return Entitlements{}, err
	}
	ids, err := s.backend.ListGranted(ctx, account, d.Key)
	if err != nil {
		return Entitlements{}, err
	}
	return Entitlements{VerticalKey: d.Key, KeyField: d.EntitlementKeyField, IDs: ids}, nil
}

// Balance returns the account's current credit balance.
func (s *Service) Balance(ctx context.Context, account string) (int64, error) {
	account, err := requireAccount(account)
	if err != nil {
		return 0, err
	}
	return s.backend.Balance(ctx, account)
}

// Ledger returns the account's ledger entries in order.
func (s *Service) Ledger(ctx context.Context, account string) ([]domain.LedgerEntry, error) {
	account, err := requireAccount(account)
	if err != nil {
		return nil, err
	}
	return s.backend.Entries(ctx, account)
}

// Unlock charges account for the ids of vertical it does not yet own.
func (s *Service) Unlock(ctx context.Context, account, vertical string, ids []string) (domain.UnlockResult, error) {
	return s.processor.Unlock(ctx, unlock.Request{AccountID: account, VerticalKey: vertical, RecordIDs: ids})
}

// UnlockByOperation resolves a legacy unlock operation name to its vertical
// and unlocks ids there.
func (s *Service) UnlockByOperation(ctx context.Context, account, operation string, ids []string) (domain.UnlockResult, error) {
	d, err := s.registry.ByOperation(operation)
	if err != nil {
		return domain.UnlockResult{}, err
	}
	return s.Unlock(ctx, account, d.Key, ids)
}

// Quote previews what unlocking ids would cost right now.
func (s *Service) Quote(ctx context.Context, account, vertical string, ids []string) (domain.Quote, error) {
	return s.processor.Quote(ctx, unlock.Request{AccountID: account, VerticalKey: vertical, RecordIDs: ids})
}

// Ping checks the backend.
func (s *Service) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// ForAccount returns a view of the service bound to one account.
func (s *Service) ForAccount(account string) *Account {
	return &Account{svc: s, id: account}
}

func requireAccount(account string) (string, error) {
	account = domain.Normalize(account)
	if account == "" {
		return "", domain.NewInvalidRequest("account id is required")
	}
	return account, nil
}
