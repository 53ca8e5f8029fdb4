package cli

import (
	"context"
	"log/slog"

	"github.com/roach88/unlockd/internal/client"
	"github.com/roach88/unlockd/internal/domain"
	"github.com/roach88/unlockd/internal/registry"
	"github.com/roach88/unlockd/internal/service"
	"github.com/roach88/unlockd/internal/store"
)

// api is what the account commands need, served either by a local
// database or by a remote server.
type api interface {
	Balance(ctx context.Context, account string) (int64, error)
	Ledger(ctx context.Context, account string) ([]domain.LedgerEntry, error)
	Entitlements(ctx context.Context, account, vertical string) ([]string, error)
	Unlock(ctx context.Context, account, vertical string, ids []string) (domain.UnlockResult, error)
	Quote(ctx context.Context, account, vertical string, ids []string) (domain.Quote, error)
	Credit(ctx context.Context, account string, delta int64, reason string) (domain.LedgerEntry, error)
	Close() error
}

// localAPI runs the service in-process against a SQLite file.
type localAPI struct {
	*service.Service
	st *store.Store
}

func (l *localAPI) Entitlements(ctx context.Context, account, vertical string) ([]string, error) {
	ents, err := l.Service.Entitlements(ctx, account, vertical)
	return ents.IDs, err
}

func (l *localAPI) Close() error { return l.st.Close() }

// remoteAPI calls an unlockd server.
type remoteAPI struct {
	c *client.Client
}

func (r *remoteAPI) Balance(ctx context.Context, account string) (int64, error) {
	return r.c.ForAccount(account).Balance(ctx)
}

func (r *remoteAPI) Ledger(ctx context.Context, account string) ([]domain.LedgerEntry, error) {
	return r.c.ForAccount(account).Ledger(ctx)
}

func (r *remoteAPI) Entitlements(ctx context.Context, account, vertical string) ([]string, error) {
	return r.c.ForAccount(account).Entitlements(ctx, vertical)
}

func (r *remoteAPI) Unlock(ctx context.Context, account, vertical string, ids []string) (domain.UnlockResult, error) {
	return r.c.ForAccount(account).Unlock(ctx, vertical, ids)
}

func (r *remoteAPI) Quote(ctx context.Context, account, vertical string, ids []string) (domain.Quote, error) {
	return r.c.ForAccount(account).Quote(ctx, vertical, ids)
}

func (r *remoteAPI) Credit(ctx context.Context, account string, delta int64, reason string) (domain.LedgerEntry, error) {
	return r.c.Credit(ctx, account, delta, reason)
}

func (r *remoteAPI) Close() error { return nil }

// openLocal opens the database, creates record tables for every vertical
// and builds the service.
func (o *RootOptions) openLocal(ctx context.Context, logger *slog.Logger) (*registry.Registry, *store.Store, error) {
	reg, err := o.loadRegistry()
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to load registry", err)
	}
	logger.Debug("opening database", "path", o.Database)
	st, err := store.Open(o.Database)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	if err := st.EnsureVerticals(ctx, reg); err != nil {
		st.Close()
		return nil, nil, WrapExitError(ExitCommandError, "failed to prepare vertical tables", err)
	}
	return reg, st, nil
}

// openAPI picks the remote server when --server is set, else the local
// database.
func (o *RootOptions) openAPI(ctx context.Context, logger *slog.Logger) (api, error) {
	if o.Server != "" {
		c, err := client.New(o.Server, client.WithAdminToken(o.AdminToken), client.WithLogger(logger))
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "invalid --server", err)
		}
		return &remoteAPI{c: c}, nil
	}

	reg, st, err := o.openLocal(ctx, logger)
	if err != nil {
		return nil, err
	}
	svc := service.New(reg, st, service.WithUnitCost(o.UnitCost), service.WithLogger(logger))
	return &localAPI{Service: svc, st: st}, nil
}
