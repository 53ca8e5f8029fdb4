package session

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/roach88/unlockd/internal/domain"
)

// Snapshot is an immutable copy of session state. Version increases on
// every change, so callers can cheaply detect updates.
type Snapshot struct {
	Version  uint64          `json:"version"`
	Vertical string          `json:"vertical"`
	Records  []domain.Record `json:"records"`
	Entitled []string        `json:"entitled"`
	Selected []string        `json:"selected"`
	Balance  int64           `json:"balance"`
	UnitCost int64           `json:"unit_cost"`
	Pending  bool            `json:"pending"`
	Stale    bool            `json:"stale"`
	Closed   bool            `json:"closed"`
}

// Snapshot returns the current state. Records are marked Locked from the
// session's own entitlement set.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := make([]domain.Record, len(s.records))
	for i, r := range s.records {
		_, owned := s.entitled[r.ID]
		recs[i] = domain.Record{ID: r.ID, Fields: maps.Clone(r.Fields), Locked: !owned}
	}
	return Snapshot{
		Version:  s.version,
		Vertical: s.vertical,
		Records:  recs,
		Entitled: sortedKeys(s.entitled),
		Selected: sortedKeys(s.selected),
		Balance:  s.balance,
		UnitCost: s.unitCost,
		Pending:  s.pending,
		Stale:    s.stale,
		Closed:   s.closed,
	}
}

// IsEntitled reports whether id is known to be unlocked.
func (s Snapshot) IsEntitled(id string) bool {
	return contains(s.Entitled, id)
}

// IsSelected reports whether id is in the selection.
func (s Snapshot) IsSelected(id string) bool {
	return contains(s.Selected, id)
}

// Summary is the unlock bar shown while records are selected.
// Affordability is advisory; the server decides at unlock time.
type Summary struct {
	Selected        int   `json:"selected"`
	AlreadyUnlocked int   `json:"already_unlocked"`
	ToUnlock        int   `json:"to_unlock"`
	Cost            int64 `json:"cost"`
	Balance         int64 `json:"balance"`
	CanAfford       bool  `json:"can_afford"`
	Pending         bool  `json:"pending"`
}

// Summary describes the current selection.
func (s Snapshot) Summary() Summary {
	sum := Summary{Selected: len(s.Selected), Balance: s.Balance, Pending: s.Pending}
	for _, id := range s.Selected {
		if s.IsEntitled(id) {
			sum.AlreadyUnlocked++
		}
	}
	sum.ToUnlock = sum.Selected - sum.AlreadyUnlocked
	sum.Cost = int64(sum.ToUnlock) * s.UnitCost
	sum.CanAfford = s.Balance >= sum.Cost
	return sum
}

// CanUnlock reports whether an unlock request would be sent right now.
func (s Summary) CanUnlock() bool {
	return !s.Pending && s.ToUnlock > 0 && s.CanAfford
}

// String renders the summary the way the unlock bar does, e.g.
// "3 selected · 1 already unlocked · 2 credits to unlock".
// It is empty when nothing is selected.
func (s Summary) String() string {
	if s.Selected == 0 {
		return ""
	}
	parts := []string{fmt.Sprintf("%d selected", s.Selected)}
	if s.AlreadyUnlocked > 0 {
		parts = append(parts, fmt.Sprintf("%d already unlocked", s.AlreadyUnlocked))
	}
	if s.ToUnlock == 0 {
		parts = append(parts, "All selected already unlocked")
	} else {
		parts = append(parts, fmt.Sprintf("%d %s to unlock", s.Cost, plural(s.Cost, "credit")))
		if !s.CanAfford {
			parts = append(parts, "Insufficient credits")
		}
	}
	if s.Pending {
		parts = append(parts, "Unlocking…")
	}
	return strings.Join(parts, " · ")
}

func plural(n int64, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}

func contains(sorted []string, id string) bool {
	_, found := slices.BinarySearch(sorted, id)
	return found
}
