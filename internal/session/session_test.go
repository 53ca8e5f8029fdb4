package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/unlockd/internal/domain"
	"github.com/roach88/unlockd/internal/registry"
	"github.com/roach88/unlockd/internal/service"
	"github.com/roach88/unlockd/internal/store"
)

// flakyBackend wraps a real account backend so tests can block unlocks or
// fail them after the server has committed.
type flakyBackend struct {
	Backend

	unlocks   atomic.Int32
	gate      chan struct{} // if set, Unlock waits on it
	entered   chan struct{} // if set, Unlock signals it on entry
	loseReply atomic.Bool   // commit, then report a timeout

	holdReads   atomic.Bool   // while set, Entitlements and Balance read, then block
	readEntered chan struct{} // signalled once per held read
	readGate    chan struct{} // releases held reads
}

func (f *flakyBackend) Entitlements(ctx context.Context, vertical string) ([]string, error) {
	ids, err := f.Backend.Entitlements(ctx, vertical)
	f.holdRead()
	return ids, err
}

func (f *flakyBackend) Balance(ctx context.Context) (int64, error) {
	b, err := f.Backend.Balance(ctx)
	f.holdRead()
	return b, err
}

func (f *flakyBackend) holdRead() {
	if f.holdReads.Load() {
		f.readEntered <- struct{}{}
		<-f.readGate
	}
}

func (f *flakyBackend) Unlock(ctx context.Context, vertical string, ids []string) (domain.UnlockResult, error) {
	f.unlocks.Add(1)
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.gate != nil {
		<-f.gate
	}
	res, err := f.Backend.Unlock(ctx, vertical, ids)
	if err == nil && f.loseReply.Load() {
		return domain.UnlockResult{}, context.DeadlineExceeded
	}
	return res, err
}

type fixture struct {
	svc     *service.Service
	backend *flakyBackend
	session *Session
}

func newFixture(t *testing.T, credits int64) *fixture {
	t.Helper()
	reg := registry.MustDefault()
	mem := store.NewMemStore()

	d, err := reg.Lookup("dealflow")
	require.NoError(t, err)
	var recs []domain.Record
	for i := 1; i <= 5; i++ {
		recs = append(recs, domain.Record{
			ID:     fmt.Sprintf("c%d", i),
			Fields: map[string]any{"name": fmt.Sprintf("Company %d", i), "valuation": "1M"},
		})
	}
	require.NoError(t, mem.PutRecords(testContext(t), d, recs))

	svc := service.New(reg, mem, service.WithLogger(discardLogger()))
	if credits > 0 {
		_, err := svc.Credit(testContext(t), "u1", credits, "")
		require.NoError(t, err)
	}

	fb := &flakyBackend{Backend: svc.ForAccount("u1")}
	return &fixture{svc: svc, backend: fb, session: New(fb)}
}

func (f *fixture) serverBalance(t *testing.T) int64 {
	t.Helper()
	b, err := f.svc.Balance(testContext(t), "u1")
	require.NoError(t, err)
	return b
}

func TestSwitch(t *testing.T) {
	f := newFixture(t, 3)
	s := f.session

	assert.ErrorIs(t, s.Refresh(testContext(t)), ErrNoVertical)

	require.NoError(t, s.Switch(testContext(t), "dealflow"))
	snap := s.Snapshot()
	assert.Equal(t, "dealflow", snap.Vertical)
	assert.Len(t, snap.Records, 5)
	assert.Equal(t, int64(3), snap.Balance)
	assert.Equal(t, int64(1), snap.UnitCost)
	assert.Empty(t, snap.Entitled)
	for _, r := range snap.Records {
		assert.True(t, r.Locked)
		assert.NotContains(t, r.Fields, "valuation")
	}
}

func TestSwitch_UnknownVerticalKeepsState(t *testing.T) {
	f := newFixture(t, 3)
	s := f.session
	require.NoError(t, s.Switch(testContext(t), "dealflow"))
	require.NoError(t, s.ToggleSelect("c1"))

	err := s.Switch(testContext(t), "weatherintel")
	require.Error(t, err)
	assert.True(t, domain.IsUnknownVertical(err))

	snap := s.Snapshot()
	assert.Equal(t, "dealflow", snap.Vertical)
	assert.Equal(t, []string{"c1"}, snap.Selected)
}

func TestSwitch_ClearsSelection(t *testing.T) {
	f := newFixture(t, 3)
	s := f.session
	require.NoError(t, s.Switch(testContext(t), "dealflow"))
	require.NoError(t, s.SelectAll())
	require.Len(t, s.Snapshot().Selected, 5)

	require.NoError(t, s.Switch(testContext(t), "cyberintel"))
	snap := s.Snapshot()
	assert.Equal(t, "cyberintel", snap.Vertical)
	assert.Empty(t, snap.Selected)
	assert.Empty(t, snap.Records)
}

func TestSelection(t *testing.T) {
	f := newFixture(t, 0)
	s := f.session
	require.NoError(t, s.Switch(testContext(t), "dealflow"))

	v := s.Snapshot().Version
	require.NoError(t, s.ToggleSelect("c2"))
	require.NoError(t, s.ToggleSelect("c1"))
	require.NoError(t, s.ToggleSelect("c2"))

	snap := s.Snapshot()
	assert.Equal(t, []string{"c1"}, snap.Selected)
	assert.True(t, snap.IsSelected("c1"))
	assert.False(t, snap.IsSelected("c2"))
	assert.Greater(t, snap.Version, v)

	require.NoError(t, s.SelectAll())
	assert.Equal(t, []string{"c1", "c2", "c3", "c4", "c5"}, s.Snapshot().Selected)

	require.NoError(t, s.Clear())
	assert.Empty(t, s.Snapshot().Selected)
}

func TestRequestUnlock(t *testing.T) {
	f := newFixture(t, 5)
	s := f.session
	ctx := testContext(t)
	require.NoError(t, s.Switch(ctx, "dealflow"))

	require.NoError(t, s.ToggleSelect("c1"))
	require.NoError(t, s.ToggleSelect("c2"))
	res, err := s.RequestUnlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, res.NewlyGranted)

	snap := s.Snapshot()
	assert.Equal(t, []string{"c1", "c2"}, snap.Entitled)
	assert.Empty(t, snap.Selected)
	assert.Equal(t, int64(3), snap.Balance)
	assert.False(t, snap.Records[0].Locked)
	assert.True(t, snap.Records[2].Locked)

	// The full selection is sent; the server sorts out what is new.
	require.NoError(t, s.ToggleSelect("c2"))
	require.NoError(t, s.ToggleSelect("c3"))
	res, err = s.RequestUnlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c3"}, res.NewlyGranted)
	assert.Equal(t, []string{"c2"}, res.AlreadyGranted)
	assert.Equal(t, int64(2), s.Snapshot().Balance)
	assert.Equal(t, int64(2), f.serverBalance(t))
}

func TestRequestUnlock_AllEntitledIsLocal(t *testing.T) {
	f := newFixture(t, 5)
	s := f.session
	ctx := testContext(t)
	require.NoError(t, s.Switch(ctx, "dealflow"))
	require.NoError(t, s.ToggleSelect("c1"))
	_, err := s.RequestUnlock(ctx)
	require.NoError(t, err)
	require.Equal(t, int32(1), f.backend.unlocks.Load())

	require.NoError(t, s.ToggleSelect("c1"))
	res, err := s.RequestUnlock(ctx)
	require.NoError(t, err)
	assert.True(t, res.Noop())
	assert.Equal(t, []string{"c1"}, res.AlreadyGranted)
	assert.Equal(t, int32(1), f.backend.unlocks.Load(), "no server call")

	// Nothing selected is also local.
	require.NoError(t, s.Clear())
	_, err = s.RequestUnlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.backend.unlocks.Load())
}

func TestRequestUnlock_TypedFailureLeavesState(t *testing.T) {
	f := newFixture(t, 1)
	s := f.session
	ctx := testContext(t)
	require.NoError(t, s.Switch(ctx, "dealflow"))
	require.NoError(t, s.ToggleSelect("c1"))
	require.NoError(t, s.ToggleSelect("c2"))
	before := s.Snapshot()

	_, err := s.RequestUnlock(ctx)
	require.Error(t, err)
	assert.True(t, domain.IsInsufficientCredits(err))
	assert.NotErrorIs(t, err, ErrOutcomeUnknown)

	after := s.Snapshot()
	assert.Equal(t, before.Selected, after.Selected)
	assert.Equal(t, before.Entitled, after.Entitled)
	assert.Equal(t, before.Balance, after.Balance)
	assert.False(t, after.Stale)
	assert.False(t, after.Pending)
}

func TestRequestUnlock_OnePending(t *testing.T) {
	f := newFixture(t, 5)
	f.backend.gate = make(chan struct{})
	f.backend.entered = make(chan struct{}, 1)
	s := f.session
	ctx := testContext(t)
	require.NoError(t, s.Switch(ctx, "dealflow"))
	require.NoError(t, s.ToggleSelect("c1"))

	done := make(chan error, 1)
	go func() {
		_, err := s.RequestUnlock(ctx)
		done <- err
	}()
	<-f.backend.entered

	assert.True(t, s.Snapshot().Pending)
	assert.Contains(t, s.Snapshot().Summary().String(), "Unlocking…")
	_, err := s.RequestUnlock(ctx)
	assert.ErrorIs(t, err, ErrUnlockPending)

	close(f.backend.gate)
	require.NoError(t, <-done)
	assert.False(t, s.Snapshot().Pending)
	assert.Equal(t, int32(1), f.backend.unlocks.Load())
	assert.Equal(t, int64(4), f.serverBalance(t))
}

func TestRequestUnlock_OutcomeUnknownResyncs(t *testing.T) {
	f := newFixture(t, 5)
	s := f.session
	ctx := testContext(t)
	require.NoError(t, s.Switch(ctx, "dealflow"))
	require.NoError(t, s.ToggleSelect("c1"))

	// The server commits but the reply is lost.
	f.backend.loseReply.Store(true)
	_, err := s.RequestUnlock(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOutcomeUnknown)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	snap := s.Snapshot()
	assert.True(t, snap.Stale)
	assert.Empty(t, snap.Entitled, "never advanced without a confirmed response")
	assert.Equal(t, []string{"c1"}, snap.Selected)
	assert.Equal(t, int64(4), f.serverBalance(t))

	// Retrying the same selection resyncs first and discovers the grant.
	f.backend.loseReply.Store(false)
	res, err := s.RequestUnlock(ctx)
	require.NoError(t, err)
	assert.True(t, res.Noop())
	assert.Equal(t, int32(1), f.backend.unlocks.Load(), "resync made the retry local")

	snap = s.Snapshot()
	assert.False(t, snap.Stale)
	assert.Equal(t, []string{"c1"}, snap.Entitled)
	assert.Equal(t, int64(4), snap.Balance)
	assert.Equal(t, int64(4), f.serverBalance(t), "charged exactly once")
}

func TestInvalidate(t *testing.T) {
	f := newFixture(t, 5)
	s := f.session
	ctx := testContext(t)
	require.NoError(t, s.Switch(ctx, "dealflow"))
	require.NoError(t, s.ToggleSelect("c1"))

	s.Invalidate()
	snap := s.Snapshot()
	assert.True(t, snap.Closed)
	assert.Empty(t, snap.Records)
	assert.Empty(t, snap.Selected)

	assert.ErrorIs(t, s.Refresh(ctx), ErrSessionClosed)
	assert.ErrorIs(t, s.Switch(ctx, "dealflow"), ErrSessionClosed)
	assert.ErrorIs(t, s.ToggleSelect("c1"), ErrSessionClosed)
	_, err := s.RequestUnlock(ctx)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestRefresh_PicksUpServerChanges(t *testing.T) {
	f := newFixture(t, 5)
	s := f.session
	ctx := testContext(t)
	require.NoError(t, s.Switch(ctx, "dealflow"))
	require.NoError(t, s.ToggleSelect("c4"))

	// Another session of the same account unlocks c4 and tops up.
	_, err := f.svc.Unlock(ctx, "u1", "dealflow", []string{"c4"})
	require.NoError(t, err)
	_, err = f.svc.Credit(ctx, "u1", 10, "top up")
	require.NoError(t, err)

	require.NoError(t, s.Refresh(ctx))
	snap := s.Snapshot()
	assert.Equal(t, []string{"c4"}, snap.Entitled)
	assert.Equal(t, int64(14), snap.Balance)
	assert.Equal(t, []string{"c4"}, snap.Selected, "refresh keeps the selection")
	assert.Equal(t, "1 selected · 1 already unlocked · All selected already unlocked", snap.Summary().String())
}

func TestRefresh_BackendFailure(t *testing.T) {
	reg := registry.MustDefault()
	mem := store.NewMemStore()
	svc := service.New(reg, mem, service.WithLogger(discardLogger()))
	s := New(svc.ForAccount("u1"))
	require.NoError(t, s.Switch(testContext(t), "dealflow"))

	mem.SetUnavailable(true)
	err := s.Refresh(testContext(t))
	require.Error(t, err)
	assert.True(t, domain.IsStoreUnavailable(err))
	assert.True(t, errors.Is(err, store.ErrUnavailable))
}

func TestSummaryGolden(t *testing.T) {
	f := newFixture(t, 3)
	s := f.session
	ctx := testContext(t)
	require.NoError(t, s.Switch(ctx, "dealflow"))
	require.NoError(t, s.ToggleSelect("c1"))
	_, err := s.RequestUnlock(ctx)
	require.NoError(t, err)

	steps := []struct {
		name string
		ids  []string
	}{
		{"nothing selected", nil},
		{"one new", []string{"c2"}},
		{"mixed", []string{"c1", "c2", "c3"}},
		{"only owned", []string{"c1"}},
		{"over budget", []string{"c1", "c2", "c3", "c4", "c5"}},
	}

	var out strings.Builder
	for _, step := range steps {
		require.NoError(t, s.Clear())
		for _, id := range step.ids {
			require.NoError(t, s.ToggleSelect(id))
		}
		sum := s.Snapshot().Summary()
		fmt.Fprintf(&out, "%s: %q can_unlock=%t\n", step.name, sum.String(), sum.CanUnlock())
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "summary", []byte(out.String()))
}

func TestRefresh_OverlappingUnlockKeepsConfirmedState(t *testing.T) {
	f := newFixture(t, 5)
	s := f.session
	ctx := testContext(t)
	require.NoError(t, s.Switch(ctx, "dealflow"))
	require.NoError(t, s.ToggleSelect("c1"))
	require.NoError(t, s.ToggleSelect("c2"))

	// The refresh reads entitlements and balance before the unlock commits
	// and applies them after it is confirmed.
	f.backend.readEntered = make(chan struct{}, 2)
	f.backend.readGate = make(chan struct{})
	f.backend.holdReads.Store(true)
	refreshed := make(chan error, 1)
	go func() { refreshed <- s.Refresh(ctx) }()
	<-f.backend.readEntered
	<-f.backend.readEntered
	f.backend.holdReads.Store(false)

	res, err := s.RequestUnlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, res.NewlyGranted)
	assert.Equal(t, int64(3), res.Balance)

	close(f.backend.readGate)
	require.NoError(t, <-refreshed)

	snap := s.Snapshot()
	assert.True(t, snap.IsEntitled("c1"))
	assert.True(t, snap.IsEntitled("c2"))
	assert.Equal(t, res.Balance, snap.Balance)
	assert.Equal(t, f.serverBalance(t), snap.Balance)
	assert.False(t, snap.Stale)

	// With nothing overlapping, the next refresh takes the server's view.
	require.NoError(t, s.Refresh(ctx))
	assert.Equal(t, []string{"c1", "c2"}, s.Snapshot().Entitled)
}
