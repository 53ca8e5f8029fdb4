package client

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/unlockd/internal/domain"
	"github.com/roach88/unlockd/internal/registry"
	"github.com/roach88/unlockd/internal/server"
	"github.com/roach88/unlockd/internal/service"
	"github.com/roach88/unlockd/internal/session"
	"github.com/roach88/unlockd/internal/store"
)

const adminToken = "t0ken"

var _ session.Backend = (*Client)(nil)

func init() {
	gin.SetMode(gin.TestMode)
}

type env struct {
	mem  *store.MemStore
	ts   *httptest.Server
	hits atomic.Int32
	fail atomic.Int32 // requests left to answer 502 without a body
	oops atomic.Int32 // requests left to answer a coded 500 INTERNAL
}

func newEnv(t *testing.T) *env {
	t.Helper()
	reg := registry.MustDefault()
	mem := store.NewMemStore()
	d, err := reg.Lookup("cyberintel")
	require.NoError(t, err)
	require.NoError(t, mem.PutRecords(testContext(t), d, []domain.Record{
		{ID: "t1", Fields: map[string]any{"title": "CVE-1"}},
		{ID: "t2", Fields: map[string]any{"title": "CVE-2"}},
		{ID: "t3", Fields: map[string]any{"title": "CVE-3"}},
	}))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := service.New(reg, mem, service.WithLogger(logger))
	srv := server.New(svc, server.WithLogger(logger), server.WithAdminToken(adminToken))

	e := &env{mem: mem}
	e.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.hits.Add(1)
		if e.fail.Load() > 0 {
			e.fail.Add(-1)
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("bad gateway"))
			return
		}
		if e.oops.Load() > 0 {
			e.oops.Add(-1)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":{"code":"INTERNAL","message":"internal error","retryable":false}}`))
			return
		}
		srv.Handler().ServeHTTP(w, r)
	}))
	t.Cleanup(e.ts.Close)
	return e
}

func (e *env) client(t *testing.T, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithAccount("u1"), WithAdminToken(adminToken), WithRetries(3, time.Millisecond)}, opts...)
	c, err := New(e.ts.URL, opts...)
	require.NoError(t, err)
	return c
}

func TestNew_RejectsBadURL(t *testing.T) {
	_, err := New("ftp://example.com")
	assert.Error(t, err)
	_, err = New("://nope")
	assert.Error(t, err)
}

func TestEndToEnd(t *testing.T) {
	e := newEnv(t)
	c := e.client(t)
	ctx := testContext(t)

	require.NoError(t, c.Health(ctx))

	_, err := c.Credit(ctx, "u1", 4, "welcome")
	require.NoError(t, err)

	vs, err := c.Verticals(ctx)
	require.NoError(t, err)
	assert.Len(t, vs, 16)

	cost, err := c.UnitCost(ctx, "cyberintel")
	require.NoError(t, err)
	assert.Equal(t, int64(1), cost)

	res, err := c.Unlock(ctx, "cyberintel", []string{"t1", "t2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, res.NewlyGranted)
	assert.Equal(t, int64(2), res.Balance)

	// Legacy operation name with the vertical's parameter.
	res, err = c.Invoke(ctx, "unlock_cyberintel", "p_ids", []string{"t2", "t3"})
	require.NoError(t, err)
	assert.Equal(t, []string{"t3"}, res.NewlyGranted)
	assert.Equal(t, []string{"t2"}, res.AlreadyGranted)

	ids, err := c.Entitlements(ctx, "cyberintel")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2", "t3"}, ids)

	balance, err := c.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), balance)

	entries, err := c.Ledger(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	recs, err := c.Records(ctx, "cyberintel", 2)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestTypedErrors(t *testing.T) {
	e := newEnv(t)
	c := e.client(t)
	ctx := testContext(t)

	_, err := c.Unlock(ctx, "cyberintel", []string{"t1"})
	require.Error(t, err)
	assert.True(t, domain.IsInsufficientCredits(err))
	var de *domain.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "1", de.Details["cost"])

	_, err = c.Records(ctx, "weatherintel", 0)
	assert.True(t, domain.IsUnknownVertical(err))

	// Transport codes are not domain errors, but the server did refuse.
	var se *StatusError
	_, err = c.ForAccount("").Balance(ctx)
	require.ErrorAs(t, err, &se)
	assert.Empty(t, domain.CodeOf(err))
	assert.Equal(t, "UNAUTHENTICATED", se.Code)
	assert.Equal(t, http.StatusUnauthorized, se.Status)
	assert.True(t, se.Rejected())

	noAdmin, err := New(e.ts.URL)
	require.NoError(t, err)
	_, err = noAdmin.Credit(ctx, "u1", 1, "")
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "FORBIDDEN", se.Code)
}

func TestRejectedNotRetried(t *testing.T) {
	e := newEnv(t)
	c := e.client(t)

	_, err := c.ForAccount("").Balance(testContext(t))
	require.Error(t, err)
	assert.Equal(t, int32(1), e.hits.Load())

	// Rejections leave the breaker closed.
	for i := 0; i < 10; i++ {
		_, err := c.ForAccount("").Balance(testContext(t))
		require.Error(t, err)
	}
	_, err = c.Balance(testContext(t))
	assert.NoError(t, err)
}

// internalServer answers every request with a coded 500.
func internalServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"code":"INTERNAL","message":"internal error","retryable":false}}`))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestInternalErrorIsOutcomeUnknown(t *testing.T) {
	var hits atomic.Int32
	ts := internalServer(t, &hits)
	c, err := New(ts.URL, WithAccount("u1"), WithRetries(1, 0))
	require.NoError(t, err)

	_, err = c.Unlock(testContext(t), "cyberintel", []string{"t1"})
	require.Error(t, err)
	assert.Empty(t, domain.CodeOf(err), "INTERNAL is not a domain error")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "INTERNAL", se.Code)
	assert.False(t, se.Rejected())
}

func TestInternalErrorsTripBreaker(t *testing.T) {
	var hits atomic.Int32
	ts := internalServer(t, &hits)
	c, err := New(ts.URL, WithAccount("u1"), WithRetries(1, 0))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := c.Balance(testContext(t))
		require.Error(t, err)
	}
	sent := hits.Load()

	_, err = c.Balance(testContext(t))
	assert.True(t, domain.IsStoreUnavailable(err), "open breaker")
	assert.Equal(t, sent, hits.Load())
}

func TestReadsRetry(t *testing.T) {
	e := newEnv(t)
	c := e.client(t)

	e.fail.Store(2)
	balance, err := c.Balance(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
	assert.Equal(t, int32(3), e.hits.Load())
}

func TestReadsRetryStoreUnavailable(t *testing.T) {
	e := newEnv(t)
	c := e.client(t)

	e.mem.SetUnavailable(true)
	_, err := c.Balance(testContext(t))
	require.Error(t, err)
	assert.True(t, domain.IsStoreUnavailable(err))
	assert.Equal(t, int32(3), e.hits.Load(), "every attempt used")
}

func TestUnlockNotRetried(t *testing.T) {
	e := newEnv(t)
	c := e.client(t)

	e.fail.Store(1)
	_, err := c.Unlock(testContext(t), "cyberintel", []string{"t1"})
	require.Error(t, err)
	assert.Empty(t, domain.CodeOf(err), "outcome unknown is untyped")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.Status)
	assert.Equal(t, int32(1), e.hits.Load())
}

func TestTimeoutIsOutcomeUnknown(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	t.Cleanup(slow.Close)

	c, err := New(slow.URL, WithAccount("u1"), WithHTTPClient(&http.Client{Timeout: 20 * time.Millisecond}))
	require.NoError(t, err)

	_, err = c.Unlock(testContext(t), "cyberintel", []string{"t1"})
	require.Error(t, err)
	assert.Empty(t, domain.CodeOf(err))
}

func TestBreakerOpens(t *testing.T) {
	e := newEnv(t)
	c := e.client(t, WithRetries(1, 0))

	e.fail.Store(100)
	for i := 0; i < 5; i++ {
		_, err := c.Balance(testContext(t))
		require.Error(t, err)
	}
	hits := e.hits.Load()

	_, err := c.Balance(testContext(t))
	require.Error(t, err)
	assert.True(t, domain.IsStoreUnavailable(err), "open breaker is a definite failure")
	assert.Equal(t, hits, e.hits.Load(), "no request sent while open")
}

func TestBreakerIgnoresBusinessErrors(t *testing.T) {
	e := newEnv(t)
	c := e.client(t, WithRetries(1, 0))

	for i := 0; i < 10; i++ {
		_, err := c.Unlock(testContext(t), "cyberintel", []string{"t1"})
		require.True(t, domain.IsInsufficientCredits(err))
	}
	_, err := c.Balance(testContext(t))
	assert.NoError(t, err)
}

func TestSessionOverHTTP(t *testing.T) {
	e := newEnv(t)
	c := e.client(t)
	ctx := testContext(t)
	_, err := c.Credit(ctx, "u1", 2, "")
	require.NoError(t, err)

	s := session.New(c)
	require.NoError(t, s.Switch(ctx, "cyberintel"))
	require.NoError(t, s.ToggleSelect("t1"))
	require.NoError(t, s.ToggleSelect("t2"))
	require.NoError(t, s.ToggleSelect("t3"))
	assert.Equal(t, "3 selected · 3 credits to unlock · Insufficient credits", s.Snapshot().Summary().String())

	_, err = s.RequestUnlock(ctx)
	assert.True(t, domain.IsInsufficientCredits(err))

	require.NoError(t, s.ToggleSelect("t3"))
	res, err := s.RequestUnlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Charged)
	assert.Equal(t, []string{"t1", "t2"}, s.Snapshot().Entitled)

	// A proxy failure during unlock leaves the outcome unknown.
	e.fail.Store(1)
	require.NoError(t, s.ToggleSelect("t3"))
	_, err = s.RequestUnlock(ctx)
	assert.ErrorIs(t, err, session.ErrOutcomeUnknown)
	assert.True(t, s.Snapshot().Stale)

	// The retry resyncs first, then gets a definite answer.
	_, err = s.RequestUnlock(ctx)
	assert.True(t, domain.IsInsufficientCredits(err))
	assert.False(t, s.Snapshot().Stale)
	assert.Equal(t, int64(0), s.Snapshot().Balance)
}

func TestSessionInternalErrorGoesStale(t *testing.T) {
	e := newEnv(t)
	c := e.client(t)
	ctx := testContext(t)
	_, err := c.Credit(ctx, "u1", 1, "")
	require.NoError(t, err)

	s := session.New(c)
	require.NoError(t, s.Switch(ctx, "cyberintel"))
	require.NoError(t, s.ToggleSelect("t1"))

	e.oops.Store(1)
	_, err = s.RequestUnlock(ctx)
	assert.ErrorIs(t, err, session.ErrOutcomeUnknown)
	assert.True(t, s.Snapshot().Stale)

	res, err := s.RequestUnlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, res.NewlyGranted)
	assert.False(t, s.Snapshot().Stale)
}
