package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/roach88/unlockd/internal/domain"
	"github.com/roach88/unlockd/internal/server"
	"github.com/roach88/unlockd/internal/service"
)

func verticalPath(key, suffix string) string {
	return "/v1/verticals/" + url.PathEscape(key) + suffix
}

// Health checks the server and its store.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, call{method: http.MethodGet, path: "/healthz", retry: true}, nil)
}

// Verticals lists the server's verticals.
func (c *Client) Verticals(ctx context.Context) ([]server.VerticalView, error) {
	var out struct {
		Verticals []server.VerticalView `json:"verticals"`
	}
	err := c.do(ctx, call{method: http.MethodGet, path: "/v1/verticals", retry: true}, &out)
	return out.Verticals, err
}

// Vertical describes one vertical.
func (c *Client) Vertical(ctx context.Context, key string) (server.VerticalView, error) {
	var out server.VerticalView
	err := c.do(ctx, call{method: http.MethodGet, path: verticalPath(key, ""), retry: true}, &out)
	return out, err
}

// UnitCost returns the credit price of one record, cached per vertical.
func (c *Client) UnitCost(ctx context.Context, vertical string) (int64, error) {
	c.costMu.Lock()
	cost, ok := c.costs[vertical]
	c.costMu.Unlock()
	if ok {
		return cost, nil
	}

	v, err := c.Vertical(ctx, vertical)
	if err != nil {
		return 0, err
	}
	c.costMu.Lock()
	c.costs[vertical] = v.UnitCost
	c.costMu.Unlock()
	return v.UnitCost, nil
}

// Records lists up to limit records of vertical; limit <= 0 uses the
// server default.
func (c *Client) Records(ctx context.Context, vertical string, limit int) ([]domain.Record, error) {
	var q url.Values
	if limit > 0 {
		q = url.Values{"limit": {strconv.Itoa(limit)}}
	}
	var out server.RecordsResponse
	err := c.do(ctx, call{method: http.MethodGet, path: verticalPath(vertical, "/records"), query: q, retry: true}, &out)
	return out.Records, err
}

// Entitlements returns the ids the account has unlocked in vertical.
func (c *Client) Entitlements(ctx context.Context, vertical string) ([]string, error) {
	var out service.Entitlements
	err := c.do(ctx, call{method: http.MethodGet, path: verticalPath(vertical, "/entitlements"), retry: true}, &out)
	return out.IDs, err
}

// Balance returns the account's balance.
func (c *Client) Balance(ctx context.Context) (int64, error) {
	var out server.BalanceResponse
	err := c.do(ctx, call{method: http.MethodGet, path: "/v1/balance", retry: true}, &out)
	return out.Balance, err
}

// Ledger returns the account's ledger entries.
func (c *Client) Ledger(ctx context.Context) ([]domain.LedgerEntry, error) {
	var out server.LedgerResponse
	err := c.do(ctx, call{method: http.MethodGet, path: "/v1/ledger", retry: true}, &out)
	return out.Entries, err
}

// Quote previews an unlock without charging.
func (c *Client) Quote(ctx context.Context, vertical string, ids []string) (domain.Quote, error) {
	var out domain.Quote
	err := c.do(ctx, call{
		method: http.MethodPost,
		path:   verticalPath(vertical, "/quote"),
		body:   server.UnlockRequest{RecordIDs: ids},
		retry:  true,
	}, &out)
	return out, err
}

// Unlock unlocks ids in vertical. It is sent once.
func (c *Client) Unlock(ctx context.Context, vertical string, ids []string) (domain.UnlockResult, error) {
	var out domain.UnlockResult
	err := c.do(ctx, call{
		method: http.MethodPost,
		path:   verticalPath(vertical, "/unlock"),
		body:   server.UnlockRequest{RecordIDs: ids},
	}, &out)
	return out, err
}

// Invoke calls a legacy named unlock operation with ids under param.
func (c *Client) Invoke(ctx context.Context, operation, param string, ids []string) (domain.UnlockResult, error) {
	var out domain.UnlockResult
	err := c.do(ctx, call{
		method: http.MethodPost,
		path:   "/rpc/" + url.PathEscape(operation),
		body:   map[string][]string{param: ids},
	}, &out)
	return out, err
}

// Credit adjusts an account's balance. Requires the admin token.
func (c *Client) Credit(ctx context.Context, account string, delta int64, reason string) (domain.LedgerEntry, error) {
	var out domain.LedgerEntry
	err := c.do(ctx, call{
		method: http.MethodPost,
		path:   "/v1/admin/credits",
		body:   server.CreditRequest{AccountID: account, Delta: delta, Reason: reason},
		admin:  true,
	}, &out)
	return out, err
}
