package scheduler

import (
	"context"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/robfig/cron/v3"
	"golang.org/x/xerrors"

	"attendboard/internal/attendance"
	"attendboard/internal/metrics"
)

// DefaultSchedule fires at every local midnight.
const DefaultSchedule = "@midnight"

// ErrFiring is returned when a rollover is requested while one is running.
var ErrFiring = xerrors.New("scheduler: rollover already running")

// DayCloser closes a chat's open sessions in [from, to) and rotates its board.
// A zero from covers the whole history before to.
type DayCloser interface {
	CloseDay(ctx context.Context, chatID int64, from, to time.Time) error
}

type State int

const (
	StateIdle State = iota
	StateFiring
)

func (s State) String() string {
	if s == StateFiring {
		return "firing"
	}
	return "idle"
}

type RolloverOptions struct {
	Clock quartz.Clock
	// Schedule is a standard cron expression or descriptor evaluated in
	// Location.
	Schedule string
	Location *time.Location
	Logger   slog.Logger
	Metrics  *metrics.Metrics
}

// Rollover closes the previous day for every tracked chat on a schedule.
type Rollover struct {
	chats   ChatLister
	days    DayCloser
	pauser  Pauser
	clock   quartz.Clock
	sched   cron.Schedule
	loc     *time.Location
	logger  slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRollover(chats ChatLister, days DayCloser, pauser Pauser, opts RolloverOptions) (*Rollover, error) {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Schedule == "" {
		opts.Schedule = DefaultSchedule
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	sched, err := cron.ParseStandard(opts.Schedule)
	if err != nil {
		return nil, xerrors.Errorf("parse rollover schedule %q: %w", opts.Schedule, err)
	}
	return &Rollover{
		chats:   chats,
		days:    days,
		pauser:  pauser,
		clock:   opts.Clock,
		sched:   sched,
		loc:     opts.Location,
		logger:  opts.Logger.Named("rollover"),
		metrics: opts.Metrics,
	}, nil
}

// Next returns the first scheduled fire strictly after t.
func (r *Rollover) Next(t time.Time) time.Time {
	return r.sched.Next(t.In(r.loc))
}

func (r *Rollover) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start runs the schedule until ctx ends or Close is called.
func (r *Rollover) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.run(ctx)
}

func (r *Rollover) run(ctx context.Context) {
	defer close(r.done)
	for {
		now := r.clock.Now()
		next := r.Next(now)
		r.logger.Debug(ctx, "next rollover scheduled", slog.F("at", next))

		timer := r.clock.NewTimer(next.Sub(now), "rollover")
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if err := r.Fire(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error(ctx, "rollover", slog.Error(err))
		}
	}
}

// Fire runs one rollover pass closing every session opened before the
// current day. Periodic refresh is paused for the whole pass. A chat that
// fails is logged and skipped; the returned error reports how many failed,
// and the next pass picks its sessions up again whatever day they began.
func (r *Rollover) Fire(ctx context.Context) error {
	r.mu.Lock()
	if r.state == StateFiring {
		r.mu.Unlock()
		return ErrFiring
	}
	r.state = StateFiring
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.state = StateIdle
		r.mu.Unlock()
	}()

	start := r.clock.Now()
	r.pauser.Pause()
	defer r.pauser.Resume()

	todayStart, _ := attendance.DayBounds(start, r.loc)
	logger := r.logger.With(slog.F("before", todayStart.Format(time.DateOnly)))

	ids, err := r.chats.ChatIDs(ctx)
	if err != nil {
		r.metrics.RolloverRuns.WithLabelValues(metrics.ResultError).Inc()
		return xerrors.Errorf("list chats: %w", err)
	}

	failed := 0
	for _, id := range ids {
		if err := r.days.CloseDay(ctx, id, time.Time{}, todayStart); err != nil {
			failed++
			logger.Error(ctx, "roll over chat", slog.F("chat_id", id), slog.Error(err))
		}
	}

	r.metrics.RolloverDuration.Observe(r.clock.Since(start).Seconds())
	if failed > 0 {
		r.metrics.RolloverRuns.WithLabelValues(metrics.ResultError).Inc()
		return xerrors.Errorf("rollover failed for %d of %d chats", failed, len(ids))
	}
	r.metrics.RolloverRuns.WithLabelValues(metrics.ResultOK).Inc()
	logger.Info(ctx, "rollover complete", slog.F("chats", len(ids)))
	return nil
}

// Close stops the schedule and waits for a running pass to finish.
func (r *Rollover) Close() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}
