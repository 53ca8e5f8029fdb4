package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/unlockd/internal/domain"
)

// DefaultRecordLimit is how many records a refresh fetches.
const DefaultRecordLimit = 100

var (
	// ErrUnlockPending is returned when an unlock is already in flight.
	ErrUnlockPending = errors.New("session: unlock already in flight")

	// ErrOutcomeUnknown wraps a failure after which the unlock may or may
	// not have committed. The session resyncs before the next unlock.
	ErrOutcomeUnknown = errors.New("session: unlock outcome unknown")

	// ErrSessionClosed is returned by every call after Invalidate.
	ErrSessionClosed = errors.New("session: closed")

	// ErrNoVertical is returned when no vertical has been opened yet.
	ErrNoVertical = errors.New("session: no vertical open")
)

// Backend is the server as seen by one account.
type Backend interface {
	Records(ctx context.Context, vertical string, limit int) ([]domain.Record, error)
	Entitlements(ctx context.Context, vertical string) ([]string, error)
	Balance(ctx context.Context) (int64, error)
	UnitCost(ctx context.Context, vertical string) (int64, error)
	Unlock(ctx context.Context, vertical string, ids []string) (domain.UnlockResult, error)
}

// Session is safe for concurrent use.
type Session struct {
	backend Backend
	logger  *slog.Logger
	limit   int

	mu       sync.Mutex
	version  uint64
	gen      uint64 // bumped on Switch; refreshes from older generations are dropped
	merges   uint64 // bumped on every confirmed unlock
	vertical string
	records  []domain.Record
	entitled map[string]struct{}
	selected map[string]struct{}
	balance  int64
	unitCost int64
	pending  bool
	stale    bool
	closed   bool
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger. Defaults to discarding output.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithRecordLimit sets how many records a refresh fetches.
func WithRecordLimit(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.limit = n
		}
	}
}

// New creates an empty session. Call Switch to open a vertical.
func New(backend Backend, opts ...Option) *Session {
	s := &Session{
		backend:  backend,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		limit:    DefaultRecordLimit,
		entitled: map[string]struct{}{},
		selected: map[string]struct{}{},
		unitCost: 1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// fetched is the server state read by one refresh.
type fetched struct {
	records  []domain.Record
	entitled []string
	balance  int64
	unitCost int64
}

// fetch reads records, entitlements, balance and unit cost in parallel.
func (s *Session) fetch(ctx context.Context, vertical string, withRecords bool) (fetched, error) {
	var f fetched
	g, gctx := errgroup.WithContext(ctx)
	if withRecords {
		g.Go(func() error {
			recs, err := s.backend.Records(gctx, vertical, s.limit)
			f.records = recs
			return err
		})
		g.Go(func() error {
			cost, err := s.backend.UnitCost(gctx, vertical)
			f.unitCost = cost
			return err
		})
	}
	g.Go(func() error {
		ids, err := s.backend.Entitlements(gctx, vertical)
		f.entitled = ids
		return err
	})
	g.Go(func() error {
		b, err := s.backend.Balance(gctx)
		f.balance = b
		return err
	})
	if err := g.Wait(); err != nil {
		return fetched{}, err
	}
	return f, nil
}

// Switch opens vertical, replacing all fetched state and clearing the
// selection. On error the session is left unchanged.
func (s *Session) Switch(ctx context.Context, vertical string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	f, err := s.fetch(ctx, vertical, true)
	if err != nil {
		return fmt.Errorf("open %s: %w", vertical, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if gen != s.gen {
		// A later Switch superseded this one.
		return nil
	}
	s.vertical = vertical
	s.records = f.records
	s.entitled = toSet(f.entitled)
	s.selected = map[string]struct{}{}
	s.balance = f.balance
	s.unitCost = f.unitCost
	s.stale = false
	s.version++
	s.logger.Debug("vertical opened", "vertical", vertical, "records", len(f.records), "entitled", len(f.entitled))
	return nil
}

// Refresh re-reads records, entitlements and balance for the open vertical.
// The selection is kept.
func (s *Session) Refresh(ctx context.Context) error {
	return s.refresh(ctx, true)
}

// resync re-reads only entitlements and balance.
func (s *Session) resync(ctx context.Context) error {
	return s.refresh(ctx, false)
}

func (s *Session) refresh(ctx context.Context, withRecords bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.vertical == "" {
		s.mu.Unlock()
		return ErrNoVertical
	}
	vertical, gen, merges := s.vertical, s.gen, s.merges
	s.mu.Unlock()

	f, err := s.fetch(ctx, vertical, withRecords)
	if err != nil {
		return fmt.Errorf("refresh %s: %w", vertical, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if gen != s.gen {
		return nil
	}

	entitled := toSet(f.entitled)
	if merges != s.merges {
		// An unlock confirmed while we were reading; our read may predate it.
		// Grants are never revoked, so keep what it confirmed.
		for id := range s.entitled {
			entitled[id] = struct{}{}
		}
	} else {
		s.balance = f.balance
	}
	s.entitled = entitled
	if withRecords {
		s.records = f.records
		s.unitCost = f.unitCost
	}
	s.stale = false
	s.version++
	return nil
}

// ToggleSelect adds id to the selection, or removes it if present.
func (s *Session) ToggleSelect(id string) error {
	id = domain.Normalize(id)
	return s.mutate(func() {
		if _, ok := s.selected[id]; ok {
			delete(s.selected, id)
		} else if id != "" {
			s.selected[id] = struct{}{}
		}
	})
}

// SelectAll selects every fetched record.
func (s *Session) SelectAll() error {
	return s.mutate(func() {
		for _, r := range s.records {
			s.selected[r.ID] = struct{}{}
		}
	})
}

// Clear empties the selection.
func (s *Session) Clear() error {
	return s.mutate(func() {
		s.selected = map[string]struct{}{}
	})
}

func (s *Session) mutate(fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	fn()
	s.version++
	return nil
}

// RequestUnlock unlocks the current selection.
//
// If every selected id is already entitled it returns a zero result without
// contacting the server. Otherwise the full selection is sent; the server
// decides what is new. On success the confirmed ids become entitled, the
// selection is cleared and the balance is taken from the response. A typed
// failure leaves the session unchanged. Any other failure is reported as
// ErrOutcomeUnknown and the session resyncs before the next unlock.
func (s *Session) RequestUnlock(ctx context.Context) (domain.UnlockResult, error) {
	s.mu.Lock()
	if err := s.usable(); err != nil {
		s.mu.Unlock()
		return domain.UnlockResult{}, err
	}
	if s.pending {
		s.mu.Unlock()
		return domain.UnlockResult{}, ErrUnlockPending
	}
	// Claim the slot before a possible resync so a second caller cannot slip in.
	s.pending = true
	stale := s.stale
	s.version++
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		s.pending = false
		s.version++
		s.mu.Unlock()
	}

	if stale {
		if err := s.resync(ctx); err != nil {
			release()
			return domain.UnlockResult{}, fmt.Errorf("resync before unlock: %w", err)
		}
	}

	s.mu.Lock()
	if s.closed {
		s.pending = false
		s.mu.Unlock()
		return domain.UnlockResult{}, ErrSessionClosed
	}
	vertical, gen := s.vertical, s.gen
	selected := sortedKeys(s.selected)
	fresh := 0
	for _, id := range selected {
		if _, ok := s.entitled[id]; !ok {
			fresh++
		}
	}
	if fresh == 0 {
		s.pending = false
		s.version++
		s.mu.Unlock()
		return domain.UnlockResult{VerticalKey: vertical, NewlyGranted: []string{}, AlreadyGranted: selected}, nil
	}
	balance := s.balance
	s.mu.Unlock()

	res, err := s.backend.Unlock(ctx, vertical, selected)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = false
	s.version++

	if err != nil {
		if domain.CodeOf(err) != "" {
			s.logger.Info("unlock rejected", "vertical", vertical, "selected", len(selected), "error", err)
			return domain.UnlockResult{}, err
		}
		s.stale = true
		s.logger.Warn("unlock outcome unknown", "vertical", vertical, "selected", len(selected), "error", err)
		return domain.UnlockResult{}, fmt.Errorf("%w: %w", ErrOutcomeUnknown, err)
	}

	if s.closed {
		return res, ErrSessionClosed
	}
	if gen == s.gen {
		for _, id := range res.NewlyGranted {
			s.entitled[id] = struct{}{}
		}
		for _, id := range res.AlreadyGranted {
			s.entitled[id] = struct{}{}
		}
		s.selected = map[string]struct{}{}
		s.balance = res.Balance
		s.merges++
	}
	s.logger.Debug("unlock confirmed",
		"vertical", vertical,
		"new", len(res.NewlyGranted),
		"charged", res.Charged,
		"balance_before", balance,
		"balance", res.Balance,
	)
	return res, nil
}

func (s *Session) usable() error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.vertical == "" {
		return ErrNoVertical
	}
	return nil
}

// Invalidate discards all state. Every later call fails with
// ErrSessionClosed. An unlock already in flight still completes on the
// server but its result is not applied.
func (s *Session) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.vertical = ""
	s.records = nil
	s.entitled = map[string]struct{}{}
	s.selected = map[string]struct{}{}
	s.balance = 0
	s.stale = false
	s.version++
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
