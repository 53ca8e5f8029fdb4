package service

import (
	"context"

	"github.com/roach88/unlockd/internal/domain"
)

// Account is the service as seen by a single account. It satisfies
// session.Backend for in-process sessions.
type Account struct {
	svc *Service
	id  string
}

// ID returns the bound account id.
func (a *Account) ID() string { return a.id }

func (a *Account) Records(ctx context.Context, vertical string, limit int) ([]domain.Record, error) {
	return a.svc.Records(ctx, a.id, vertical, limit)
}

func (a *Account) Entitlements(ctx context.Context, vertical string) ([]string, error) {
	ents, err := a.svc.Entitlements(ctx, a.id, vertical)
	if err != nil {
		return nil, err
	}
	return ents.IDs, nil
}

func (a *Account) Balance(ctx context.Context) (int64, error) {
	return a.svc.Balance(ctx, a.id)
}

func (a *Account) UnitCost(ctx context.Context, vertical string) (int64, error) {
	return a.svc.UnitCost(vertical)
}

func (a *Account) Unlock(ctx context.Context, vertical string, ids []string) (domain.UnlockResult, error) {
	return a.svc.Unlock(ctx, a.id, vertical, ids)
}
