package service

import (
	"context"
	"strconv"

	"github.com/roach88/unlockd/internal/domain"
	"github.com/roach88/unlockd/internal/store"
)

// DefaultCreditReason is recorded when an adjustment has no reason.
const DefaultCreditReason = "admin adjustment"

// Credit appends an out-of-band adjustment (grant, refund or clawback) to
// the account's ledger. A negative delta may not take the balance below
// zero.
func (s *Service) Credit(ctx context.Context, account string, delta int64, reason string) (domain.LedgerEntry, error) {
	account, err := requireAccount(account)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	if delta == 0 {
		return domain.LedgerEntry{}, domain.NewInvalidRequest("delta must be non-zero")
	}
	if reason = domain.Normalize(reason); reason == "" {
		reason = DefaultCreditReason
	}

	var entry domain.LedgerEntry
	err = s.backend.Atomic(ctx, func(tx store.Txn) error {
		if delta < 0 {
			balance, err := tx.Balance(ctx, account)
			if err != nil {
				return err
			}
			if balance+delta < 0 {
				return &domain.Error{
					Code:    domain.CodeInsufficientCredits,
					Message: "adjustment would make the balance negative",
					Account: account,
					Details: map[string]string{"balance": formatInt(balance), "delta": formatInt(delta)},
				}
			}
		}
		var err error
		entry, err = tx.Append(ctx, account, delta, reason)
		return err
	})
	if err != nil {
		s.logger.Warn("credit adjustment failed", "account", account, "delta", delta, "error", err)
		return domain.LedgerEntry{}, err
	}

	s.metrics.ObserveAdjustment(delta)
	s.logger.Info("credit adjusted", "account", account, "delta", delta, "reason", reason, "entry", entry.ID)
	return entry, nil
}

func formatInt(n int64) string {
	return strconv.FormatInt(n, 10)
}
