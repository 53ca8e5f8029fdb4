package unlock

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/roach88/unlockd/internal/domain"
	"github.com/roach88/unlockd/internal/metrics"
	"github.com/roach88/unlockd/internal/registry"
	"github.com/roach88/unlockd/internal/store"
)

// DefaultUnitCost is the credit price of one record unless a vertical
// overrides it.
const DefaultUnitCost int64 = 1

// Stage names a point inside the unlock transaction where a fault hook runs.
type Stage string

const (
	// StageCharged runs after the ledger entry is appended, before grants.
	StageCharged Stage = "charged"

	// StageGranted runs after grants are inserted, before commit.
	StageGranted Stage = "granted"
)

// Request is one unlock attempt.
type Request struct {
	AccountID   string
	VerticalKey string
	RecordIDs   []string
}

// Processor executes unlock transactions.
// Safe for concurrent use; serialization happens in the store.
type Processor struct {
	registry *registry.Registry
	backend  store.Backend
	unitCost int64
	logger   *slog.Logger
	metrics  *metrics.Metrics
	fault    func(Stage) error
}

// Option configures a Processor.
type Option func(*Processor)

// WithUnitCost sets the default credit price per record.
// Values below 1 are ignored.
func WithUnitCost(cost int64) Option {
	return func(p *Processor) {
		if cost >= 1 {
			p.unitCost = cost
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

// WithMetrics records unlock outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithFaultHook installs a hook called at each Stage inside the
// transaction. A non-nil return aborts and rolls back the transaction.
// Used to prove atomicity in tests.
func WithFaultHook(hook func(Stage) error) Option {
	return func(p *Processor) { p.fault = hook }
}

// New creates a Processor over reg and backend.
func New(reg *registry.Registry, backend store.Backend, opts ...Option) *Processor {
	p := &Processor{
		registry: reg,
		backend:  backend,
		unitCost: DefaultUnitCost,
		logger:   slog.Default(),
		fault:    func(Stage) error { return nil },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Unlock charges for and grants every requested id the account does not
// already own. All-or-nothing: on any error, no charge and no grant is
// visible.
func (p *Processor) Unlock(ctx context.Context, req Request) (domain.UnlockResult, error) {
	start := time.Now()
	res, err := p.unlock(ctx, req)

	outcome := outcomeOf(res, err)
	p.metrics.ObserveUnlock(p.metricLabel(req.VerticalKey), outcome, res.Charged, len(res.NewlyGranted), time.Since(start))

	if err != nil {
		level := slog.LevelInfo
		if domain.IsStoreUnavailable(err) {
			level = slog.LevelError
		}
		p.logger.Log(ctx, level, "unlock failed",
			"account", req.AccountID,
			"vertical", req.VerticalKey,
			"requested", len(req.RecordIDs),
			"outcome", outcome,
			"error", err,
		)
		return domain.UnlockResult{}, err
	}

	p.logger.Info("unlock committed",
		"account", req.AccountID,
		"vertical", res.VerticalKey,
		"new", len(res.NewlyGranted),
		"already", len(res.AlreadyGranted),
		"charged", res.Charged,
		"balance", res.Balance,
	)
	return res, nil
}

func (p *Processor) unlock(ctx context.Context, req Request) (domain.UnlockResult, error) {
	account := domain.Normalize(req.AccountID)
	if account == "" {
		return domain.UnlockResult{}, domain.NewInvalidRequest("account id is required")
	}

	d, err := p.registry.Lookup(req.VerticalKey)
	if err != nil {
		return domain.UnlockResult{}, err
	}

	ids, err := domain.IDSet(req.RecordIDs)
	if err != nil {
		return domain.UnlockResult{}, err
	}
	if len(ids) == 0 {
		return domain.UnlockResult{}, domain.NewInvalidRequest("at least one record id is required")
	}

	unit := d.CostPerRecord(p.unitCost)
	if int64(len(ids)) > math.MaxInt64/unit {
		return domain.UnlockResult{}, domain.NewInvalidRequest("request cost overflows")
	}

	res := domain.UnlockResult{VerticalKey: d.Key}

	err = p.backend.Atomic(ctx, func(tx store.Txn) error {
		// Reset on every attempt so a rolled-back run leaves nothing behind.
		res = domain.UnlockResult{VerticalKey: d.Key}

		owned, err := tx.ListGranted(ctx, account, d.Key)
		if err != nil {
			return err
		}
		fresh, already := partition(ids, owned)
		res.AlreadyGranted = already
		res.NewlyGranted = []string{}

		balance, err := tx.Balance(ctx, account)
		if err != nil {
			return err
		}
		res.Balance = balance

		if len(fresh) == 0 {
			return nil
		}

		cost := int64(len(fresh)) * unit
		if balance < cost {
			return domain.NewInsufficientCredits(account, d.Key, cost, balance)
		}

		entry, err := tx.Append(ctx, account, -cost, fmt.Sprintf("unlock %s: %d records", d.Key, len(fresh)))
		if err != nil {
			return err
		}
		if err := p.fault(StageCharged); err != nil {
			return fmt.Errorf("after charge: %w", err)
		}

		granted, err := tx.Grant(ctx, account, d.Key, fresh, entry.ID)
		if err != nil {
			return err
		}
		if len(granted) != len(fresh) {
			return &domain.Error{
				Code:     domain.CodeStoreUnavailable,
				Message:  fmt.Sprintf("granted %d of %d paid records; concurrent grant detected", len(granted), len(fresh)),
				Vertical: d.Key,
				Account:  account,
			}
		}
		if err := p.fault(StageGranted); err != nil {
			return fmt.Errorf("after grant: %w", err)
		}

		res.NewlyGranted = granted
		res.Charged = cost
		res.Balance = balance - cost
		res.LedgerEntryID = entry.ID
		return nil
	})
	if err != nil {
		return domain.UnlockResult{}, err
	}
	return res, nil
}

// Quote computes what Unlock would charge right now, without charging.
// Advisory only: the authoritative check happens inside Unlock's
// transaction and may disagree if state changes in between.
func (p *Processor) Quote(ctx context.Context, req Request) (domain.Quote, error) {
	account := domain.Normalize(req.AccountID)
	if account == "" {
		return domain.Quote{}, domain.NewInvalidRequest("account id is required")
	}
	d, err := p.registry.Lookup(req.VerticalKey)
	if err != nil {
		return domain.Quote{}, err
	}
	ids, err := domain.IDSet(req.RecordIDs)
	if err != nil {
		return domain.Quote{}, err
	}

	owned, err := p.backend.ListGranted(ctx, account, d.Key)
	if err != nil {
		return domain.Quote{}, err
	}
	balance, err := p.backend.Balance(ctx, account)
	if err != nil {
		return domain.Quote{}, err
	}

	fresh, already := partition(ids, owned)
	cost := int64(len(fresh)) * d.CostPerRecord(p.unitCost)
	return domain.Quote{
		VerticalKey: d.Key,
		Selected:    len(ids),
		New:         fresh,
		Already:     already,
		Cost:        cost,
		Balance:     balance,
		Affordable:  balance >= cost,
	}, nil
}

// metricLabel keeps label cardinality bounded to registered verticals.
func (p *Processor) metricLabel(key string) string {
	d, err := p.registry.Lookup(key)
	if err != nil {
		return "unknown"
	}
	return d.Key
}

// partition splits sorted ids into those not in owned and those in owned.
// Both outputs are sorted and non-nil.
func partition(ids, owned []string) (fresh, already []string) {
	have := make(map[string]struct{}, len(owned))
	for _, id := range owned {
		have[id] = struct{}{}
	}
	fresh, already = []string{}, []string{}
	for _, id := range ids {
		if _, ok := have[id]; ok {
			already = append(already, id)
		} else {
			fresh = append(fresh, id)
		}
	}
	return fresh, already
}

func outcomeOf(res domain.UnlockResult, err error) string {
	switch domain.CodeOf(err) {
	case "":
		if err != nil {
			return metrics.OutcomeUnavailable
		}
		if res.Noop() {
			return metrics.OutcomeNoop
		}
		return metrics.OutcomeGranted
	case domain.CodeInsufficientCredits:
		return metrics.OutcomeInsufficient
	case domain.CodeUnknownVertical:
		return metrics.OutcomeUnknown
	case domain.CodeInvalidRequest:
		return metrics.OutcomeInvalid
	default:
		return metrics.OutcomeUnavailable
	}
}
