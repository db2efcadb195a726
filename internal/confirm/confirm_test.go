package confirm_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"attendboard/internal/attendance"
	"attendboard/internal/confirm"
	"attendboard/internal/gateway/gatewaytest"
	"attendboard/internal/metrics"
	"attendboard/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const chatID int64 = -1001

var (
	ann = attendance.User{ID: 7, DisplayName: "Ann"}
	bob = attendance.User{ID: 9, DisplayName: "Bob"}
)

type fakeCheckout struct {
	svc *attendance.Service

	mu        sync.Mutex
	refreshes int
}

func (f *fakeCheckout) CheckOut(ctx context.Context, chatID int64, user attendance.User, claim func() bool) error {
	if err := f.svc.Allow(ctx, chatID, user.ID, attendance.ActionOut); err != nil {
		return err
	}
	if !claim() {
		return confirm.ErrNotFound
	}
	_, err := f.svc.Record(ctx, chatID, user, attendance.ActionOut)
	return err
}

func (f *fakeCheckout) Refresh(context.Context, int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return nil
}

type harness struct {
	clock   *quartz.Mock
	log     *attendance.MemoryLog
	svc     *attendance.Service
	gw      *gatewaytest.Fake
	co      *fakeCheckout
	metrics *metrics.Metrics
	mgr     *confirm.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := testutil.Context(t, testutil.WaitShort)
	h := &harness{
		clock:   quartz.NewMock(t),
		gw:      gatewaytest.New(),
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	h.clock.Set(time.Date(2026, time.March, 2, 17, 0, 0, 0, time.UTC)).MustWait(ctx)
	h.log = attendance.NewMemoryLog(func() time.Time { return h.clock.Now() })
	h.svc = attendance.NewService(h.log, h.clock, time.UTC, testutil.Logger(t))
	h.co = &fakeCheckout{svc: h.svc}
	h.mgr = confirm.New(h.gw, h.co, confirm.Options{
		Clock:    h.clock,
		Location: time.UTC,
		Logger:   testutil.Logger(t),
		Metrics:  h.metrics,
	})
	t.Cleanup(func() { _ = h.mgr.Close() })
	return h
}

func (h *harness) outcomes(outcome string) float64 {
	return promtest.ToFloat64(h.metrics.Dialogs.WithLabelValues(outcome))
}

func TestConfirm(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	h := newHarness(t)

	key, err := h.mgr.Open(ctx, chatID, ann)
	require.NoError(t, err)
	msg, ok := h.gw.Message(key.MessageID)
	require.True(t, ok)
	require.Contains(t, msg.Text, "closes in 10s")
	require.Equal(t, confirm.Controls(), msg.Controls)

	// Someone else cannot answer.
	require.ErrorIs(t, h.mgr.Confirm(ctx, key, bob.ID), confirm.ErrNotOwner)
	require.ErrorIs(t, h.mgr.Cancel(ctx, key, bob.ID), confirm.ErrNotOwner)
	require.Equal(t, 1, h.mgr.Len())
	require.Empty(t, h.log.All())

	require.NoError(t, h.mgr.Confirm(ctx, key, ann.ID))
	all := h.log.All()
	require.Len(t, all, 1)
	require.Equal(t, attendance.ActionOut, all[0].Action)
	require.False(t, all[0].Synthetic)
	require.Zero(t, h.mgr.Len())

	msg, _ = h.gw.Message(key.MessageID)
	require.True(t, msg.Deleted)
	require.Equal(t, 1.0, h.outcomes(metrics.OutcomeConfirmed))

	// The dialog is gone; answering again is a no-op.
	require.ErrorIs(t, h.mgr.Confirm(ctx, key, ann.ID), confirm.ErrNotFound)
	require.Len(t, h.log.All(), 1)
}

func TestConfirmAfterMidnight(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	h := newHarness(t)
	h.clock.Set(time.Date(2026, time.March, 2, 23, 59, 59, 500*int(time.Millisecond), time.UTC)).MustWait(ctx)

	key, err := h.mgr.Open(ctx, chatID, ann)
	require.NoError(t, err)
	h.clock.Advance(500 * time.Millisecond).MustWait(ctx)

	require.ErrorIs(t, h.mgr.Confirm(ctx, key, ann.ID), confirm.ErrNotFound)
	require.Empty(t, h.log.All())
	require.Zero(t, h.mgr.Len())
	msg, _ := h.gw.Message(key.MessageID)
	require.True(t, msg.Deleted)
	require.Equal(t, 1.0, h.outcomes(metrics.OutcomeExpired))
	require.Zero(t, h.outcomes(metrics.OutcomeConfirmed))
}

func TestConfirmAlreadyOut(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	h := newHarness(t)

	key, err := h.mgr.Open(ctx, chatID, ann)
	require.NoError(t, err)
	_, err = h.svc.Record(ctx, chatID, ann, attendance.ActionOut)
	require.NoError(t, err)

	require.ErrorIs(t, h.mgr.Confirm(ctx, key, ann.ID), attendance.ErrAlreadyOut)
	require.Len(t, h.log.All(), 1)
	require.Equal(t, 1, h.mgr.Len(), "rejected confirm leaves the dialog pending")
}

func TestCancel(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	h := newHarness(t)

	key, err := h.mgr.Open(ctx, chatID, ann)
	require.NoError(t, err)
	require.NoError(t, h.mgr.Respond(ctx, key, ann.ID, false))

	require.Empty(t, h.log.All())
	require.Zero(t, h.mgr.Len())
	msg, _ := h.gw.Message(key.MessageID)
	require.True(t, msg.Deleted)
	require.Equal(t, 1, h.co.refreshes)
	require.Equal(t, 1.0, h.outcomes(metrics.OutcomeCancelled))
}

func TestTimeout(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	h := newHarness(t)

	key, err := h.mgr.Open(ctx, chatID, ann)
	require.NoError(t, err)

	for i := 1; i < confirm.DefaultSeconds; i++ {
		h.clock.Advance(time.Second).MustWait(ctx)
	}
	msg, _ := h.gw.Message(key.MessageID)
	require.Contains(t, msg.Text, "closes in 1s")
	require.False(t, msg.Deleted)
	require.Equal(t, 1, h.mgr.Len())

	h.clock.Advance(time.Second).MustWait(ctx)
	msg, _ = h.gw.Message(key.MessageID)
	require.True(t, msg.Deleted)
	require.Zero(t, h.mgr.Len())
	require.Empty(t, h.log.All())
	require.Equal(t, 1.0, h.outcomes(metrics.OutcomeExpired))

	require.ErrorIs(t, h.mgr.Confirm(ctx, key, ann.ID), confirm.ErrNotFound)
	require.Empty(t, h.log.All())

	// The countdown has stopped.
	h.clock.Advance(time.Second).MustWait(ctx)
	require.Len(t, h.gw.Calls("Edit"), confirm.DefaultSeconds-1)
}

func TestPendingGuard(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	h := newHarness(t)

	_, err := h.mgr.Open(ctx, chatID, ann)
	require.NoError(t, err)
	require.True(t, h.mgr.Pending(chatID, ann.ID))

	_, err = h.mgr.Open(ctx, chatID, ann)
	require.ErrorIs(t, err, confirm.ErrPending)
	require.Len(t, h.gw.Calls("Send"), 1)

	_, err = h.mgr.Open(ctx, chatID, bob)
	require.NoError(t, err)
	_, err = h.mgr.Open(ctx, chatID+1, ann)
	require.NoError(t, err)
	require.Equal(t, 3, h.mgr.Len())
}

func TestConfirmRacesExpiry(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	h := newHarness(t)

	key, err := h.mgr.Open(ctx, chatID, ann)
	require.NoError(t, err)
	for i := 1; i < confirm.DefaultSeconds; i++ {
		h.clock.Advance(time.Second).MustWait(ctx)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- h.mgr.Confirm(ctx, key, ann.ID) }()
	h.clock.Advance(time.Second).MustWait(ctx)
	err = testutil.RequireReceive(ctx, t, errCh)

	confirmed := h.outcomes(metrics.OutcomeConfirmed)
	expired := h.outcomes(metrics.OutcomeExpired)
	require.Equal(t, 1.0, confirmed+expired, "exactly one terminal transition")
	if confirmed == 1 {
		require.NoError(t, err)
		require.Len(t, h.log.All(), 1)
	} else {
		require.ErrorIs(t, err, confirm.ErrNotFound)
		require.Empty(t, h.log.All())
	}
	require.Zero(t, h.mgr.Len())
}

func TestCloseStopsCountdowns(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	h := newHarness(t)

	_, err := h.mgr.Open(ctx, chatID, ann)
	require.NoError(t, err)
	_, err = h.mgr.Open(ctx, chatID, bob)
	require.NoError(t, err)

	require.NoError(t, h.mgr.Close())
	require.Zero(t, h.mgr.Len())
	_, err = h.mgr.Open(ctx, chatID, ann)
	require.ErrorIs(t, err, confirm.ErrClosed)
}

func TestParseResponse(t *testing.T) {
	t.Parallel()
	accept, ok := confirm.ParseResponse("dlg:yes")
	require.True(t, ok)
	require.True(t, accept)
	accept, ok = confirm.ParseResponse("dlg:no")
	require.True(t, ok)
	require.False(t, accept)
	_, ok = confirm.ParseResponse("act:out")
	require.False(t, ok)
}
