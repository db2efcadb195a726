package scheduler_test

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/xerrors"

	"attendboard/internal/metrics"
	"attendboard/internal/scheduler"
	"attendboard/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type staticChats []int64

func (s staticChats) ChatIDs(context.Context) ([]int64, error) { return s, nil }

// recorder implements Refresher and DayCloser and records what it saw.
type recorder struct {
	mu       sync.Mutex
	calls    []int64
	windows  [][2]time.Time
	fail     map[int64]bool
	block    chan struct{}
	started  chan int64
	sequence *[]string
}

func newRecorder() *recorder {
	return &recorder{fail: make(map[int64]bool)}
}

func (r *recorder) Refresh(ctx context.Context, chatID int64) error {
	if r.started != nil {
		r.started <- chatID
	}
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, chatID)
	if r.fail[chatID] {
		return xerrors.Errorf("chat %d unreachable", chatID)
	}
	return nil
}

func (r *recorder) CloseDay(ctx context.Context, chatID int64, from, to time.Time) error {
	r.mu.Lock()
	r.windows = append(r.windows, [2]time.Time{from, to})
	if r.sequence != nil {
		*r.sequence = append(*r.sequence, "close")
	}
	r.mu.Unlock()
	return r.Refresh(ctx, chatID)
}

func (r *recorder) seen() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]int64(nil), r.calls...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func TestPeriodicRefreshTick(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	rec := newRecorder()
	rec.fail[2] = true
	p := scheduler.NewPeriodicRefresh(staticChats{1, 2, 3}, rec, scheduler.RefreshOptions{
		Clock:       quartz.NewMock(t),
		Concurrency: 2,
		Logger:      testutil.Logger(t),
	})

	require.NoError(t, p.Tick(ctx))
	require.Equal(t, []int64{1, 2, 3}, rec.seen(), "a failing chat does not stop the others")
}

func TestPeriodicRefreshPause(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	rec := newRecorder()
	rec.block = make(chan struct{})
	rec.started = make(chan int64, 1)
	p := scheduler.NewPeriodicRefresh(staticChats{1}, rec, scheduler.RefreshOptions{
		Clock:  quartz.NewMock(t),
		Logger: testutil.Logger(t),
	})

	tickDone := make(chan error, 1)
	go func() { tickDone <- p.Tick(ctx) }()
	testutil.RequireReceive(ctx, t, rec.started)

	paused := make(chan struct{}, 1)
	go func() {
		p.Pause()
		paused <- struct{}{}
	}()
	select {
	case <-paused:
		t.Fatal("pause returned while a pass was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(rec.block)
	require.NoError(t, testutil.RequireReceive(ctx, t, tickDone))
	testutil.RequireReceive(ctx, t, paused)

	// Ticks while paused are skipped.
	rec.started = nil
	require.NoError(t, p.Tick(ctx))
	require.Equal(t, []int64{1}, rec.seen())

	p.Resume()
	require.NoError(t, p.Tick(ctx))
	require.Equal(t, []int64{1, 1}, rec.seen())
}

func TestPeriodicRefreshStart(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	clock := quartz.NewMock(t)
	trap := clock.Trap().TickerFunc("refresh")
	defer trap.Close()

	rec := newRecorder()
	p := scheduler.NewPeriodicRefresh(staticChats{5}, rec, scheduler.RefreshOptions{
		Clock:    clock,
		Interval: 30 * time.Second,
		Logger:   testutil.Logger(t),
	})
	// Start blocks inside the trapped TickerFunc until the call is released.
	go p.Start(ctx)
	call := trap.MustWait(ctx)
	require.Equal(t, 30*time.Second, call.Duration)
	call.MustRelease(ctx)

	clock.Advance(30 * time.Second).MustWait(ctx)
	clock.Advance(30 * time.Second).MustWait(ctx)
	require.Equal(t, []int64{5, 5}, rec.seen())
	require.NoError(t, p.Close())
}

type orderPauser struct {
	mu  sync.Mutex
	seq *[]string
}

func (o *orderPauser) Pause() {
	o.mu.Lock()
	defer o.mu.Unlock()
	*o.seq = append(*o.seq, "pause")
}

func (o *orderPauser) Resume() {
	o.mu.Lock()
	defer o.mu.Unlock()
	*o.seq = append(*o.seq, "resume")
}

func TestRolloverNext(t *testing.T) {
	t.Parallel()
	berlin := testutil.MustLocation(t, "Europe/Berlin")
	r, err := scheduler.NewRollover(staticChats{}, newRecorder(), &orderPauser{seq: new([]string)}, scheduler.RolloverOptions{
		Location: berlin,
		Logger:   testutil.Logger(t),
	})
	require.NoError(t, err)

	now := time.Date(2026, time.March, 2, 22, 30, 0, 0, time.UTC) // 23:30 in Berlin
	require.True(t, r.Next(now).Equal(time.Date(2026, time.March, 3, 0, 0, 0, 0, berlin)))

	_, err = scheduler.NewRollover(staticChats{}, newRecorder(), &orderPauser{seq: new([]string)}, scheduler.RolloverOptions{
		Schedule: "not a schedule",
		Logger:   testutil.Logger(t),
	})
	require.Error(t, err)
}

func TestRolloverFire(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	clock := quartz.NewMock(t)
	clock.Set(time.Date(2026, time.March, 3, 0, 0, 0, 0, time.UTC)).MustWait(ctx)

	var seq []string
	rec := newRecorder()
	rec.sequence = &seq
	rec.fail[2] = true
	m := metrics.New(prometheus.NewRegistry())
	r, err := scheduler.NewRollover(staticChats{1, 2, 3}, rec, &orderPauser{seq: &seq}, scheduler.RolloverOptions{
		Clock:    clock,
		Location: time.UTC,
		Logger:   testutil.Logger(t),
		Metrics:  m,
	})
	require.NoError(t, err)

	err = r.Fire(ctx)
	require.ErrorContains(t, err, "1 of 3 chats")
	require.Equal(t, []int64{1, 2, 3}, rec.seen())
	require.Equal(t, []string{"pause", "close", "close", "close", "resume"}, seq)
	for _, w := range rec.windows {
		require.True(t, w[0].IsZero(), "window reaches back to every earlier day")
		require.True(t, w[1].Equal(time.Date(2026, time.March, 3, 0, 0, 0, 0, time.UTC)))
	}
	require.Equal(t, scheduler.StateIdle, r.State())
	require.Equal(t, 1.0, promtest.ToFloat64(m.RolloverRuns.WithLabelValues(metrics.ResultError)))
}

func TestRolloverRejectsConcurrentFire(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	rec := newRecorder()
	rec.block = make(chan struct{})
	rec.started = make(chan int64, 1)
	r, err := scheduler.NewRollover(staticChats{1}, rec, &orderPauser{seq: new([]string)}, scheduler.RolloverOptions{
		Clock:    quartz.NewMock(t),
		Location: time.UTC,
		Logger:   testutil.Logger(t),
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- r.Fire(ctx) }()
	testutil.RequireReceive(ctx, t, rec.started)
	require.Equal(t, scheduler.StateFiring, r.State())
	require.ErrorIs(t, r.Fire(ctx), scheduler.ErrFiring)

	close(rec.block)
	require.NoError(t, testutil.RequireReceive(ctx, t, done))
	require.Equal(t, scheduler.StateIdle, r.State())
}

func TestRolloverStart(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	clock := quartz.NewMock(t)
	clock.Set(time.Date(2026, time.March, 2, 23, 50, 0, 0, time.UTC)).MustWait(ctx)
	trap := clock.Trap().NewTimer("rollover")
	defer trap.Close()

	var seq []string
	rec := newRecorder()
	rec.sequence = &seq
	r, err := scheduler.NewRollover(staticChats{1}, rec, &orderPauser{seq: &seq}, scheduler.RolloverOptions{
		Clock:    clock,
		Location: time.UTC,
		Logger:   testutil.Logger(t),
	})
	require.NoError(t, err)
	r.Start(ctx)

	call := trap.MustWait(ctx)
	require.Equal(t, 10*time.Minute, call.Duration)
	call.MustRelease(ctx)

	clock.Advance(10 * time.Minute).MustWait(ctx)
	// After firing, the loop schedules the next midnight a day later.
	call = trap.MustWait(ctx)
	require.Equal(t, 24*time.Hour, call.Duration)
	call.MustRelease(ctx)

	require.Equal(t, []int64{1}, rec.seen())
	require.Equal(t, []string{"pause", "close", "resume"}, seq)
	require.NoError(t, r.Close())
}
