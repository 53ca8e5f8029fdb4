package domain

import "time"

// LedgerEntry is one append-only credit delta for an account.
// Balance is the sum of Delta over all entries of an account.
type LedgerEntry struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	Delta     int64     `json:"delta"`
	Reason    string    `json:"reason"`
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

// EntitlementGrant records that an account paid to reveal one record.
// (AccountID, VerticalKey, RecordID) is unique.
type EntitlementGrant struct {
	AccountID     string    `json:"account_id"`
	VerticalKey   string    `json:"vertical_key"`
	RecordID      string    `json:"record_id"`
	LedgerEntryID string    `json:"ledger_entry_id"`
	GrantedAt     time.Time `json:"granted_at"`
}

// Record is one row of a vertical's record table.
// Locked is true when the viewer has not unlocked the record; its
// restricted fields are then absent from Fields.
type Record struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
	Locked bool           `json:"locked,omitempty"`
}

// UnlockResult is the outcome of a successful unlock request.
//
// NewlyGranted holds ids charged for by this request. AlreadyGranted holds
// requested ids the account owned before the request; they cost nothing.
// Both are sorted.
type UnlockResult struct {
	VerticalKey    string   `json:"vertical_key"`
	NewlyGranted   []string `json:"newly_granted"`
	AlreadyGranted []string `json:"already_granted"`
	Charged        int64    `json:"charged"`
	Balance        int64    `json:"remaining_balance"`
	LedgerEntryID  string   `json:"ledger_entry_id,omitempty"`
}

// Noop reports whether the request changed nothing.
func (r UnlockResult) Noop() bool {
	return len(r.NewlyGranted) == 0
}

// Quote is an advisory preview of an unlock: what it would cost against the
// balance observed when the quote was taken.
type Quote struct {
	VerticalKey string   `json:"vertical_key"`
	Selected    int      `json:"selected"`
	New         []string `json:"new"`
	Already     []string `json:"already"`
	Cost        int64    `json:"cost"`
	Balance     int64    `json:"balance"`
	Affordable  bool     `json:"affordable"`
}
