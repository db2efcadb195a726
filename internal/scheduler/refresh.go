// Package scheduler drives the timer-based board work: the periodic refresh
// of every tracked chat and the nightly rollover.
package scheduler

import (
	"context"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

// ChatLister lists the chats that have a board or attendance history.
type ChatLister interface {
	ChatIDs(ctx context.Context) ([]int64, error)
}

// Refresher redraws one chat's board.
type Refresher interface {
	Refresh(ctx context.Context, chatID int64) error
}

// Pauser suspends and resumes a scheduler.
type Pauser interface {
	Pause()
	Resume()
}

type RefreshOptions struct {
	Clock       quartz.Clock
	Interval    time.Duration
	Concurrency int
	Logger      slog.Logger
}

// PeriodicRefresh refreshes every tracked chat on a fixed interval.
type PeriodicRefresh struct {
	chats    ChatLister
	boards   Refresher
	clock    quartz.Clock
	interval time.Duration
	limit    int
	logger   slog.Logger

	// pause is read-held for the length of each pass. Pause takes the write
	// side so it waits for an in-flight pass and blocks later ones.
	pause sync.RWMutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var _ Pauser = (*PeriodicRefresh)(nil)

func NewPeriodicRefresh(chats ChatLister, boards Refresher, opts RefreshOptions) *PeriodicRefresh {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	return &PeriodicRefresh{
		chats:    chats,
		boards:   boards,
		clock:    opts.Clock,
		interval: opts.Interval,
		limit:    opts.Concurrency,
		logger:   opts.Logger.Named("refresh"),
	}
}

// Start begins ticking until ctx ends or Close is called.
func (p *PeriodicRefresh) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	waiter := p.clock.TickerFunc(ctx, p.interval, func() error {
		if err := p.Tick(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn(ctx, "refresh pass", slog.Error(err))
		}
		return nil
	}, "refresh")
	go func() {
		defer close(p.done)
		_ = waiter.Wait()
	}()
}

// Tick runs one refresh pass over every tracked chat. It is a no-op while
// paused. Per-chat failures are logged and do not fail the pass.
func (p *PeriodicRefresh) Tick(ctx context.Context) error {
	if !p.pause.TryRLock() {
		p.logger.Debug(ctx, "refresh paused, skipping tick")
		return nil
	}
	defer p.pause.RUnlock()

	ids, err := p.chats.ChatIDs(ctx)
	if err != nil {
		return xerrors.Errorf("list chats: %w", err)
	}

	var eg errgroup.Group
	eg.SetLimit(p.limit)
	for _, id := range ids {
		eg.Go(func() error {
			if err := p.boards.Refresh(ctx, id); err != nil {
				p.logger.Warn(ctx, "refresh board", slog.F("chat_id", id), slog.Error(err))
			}
			return nil
		})
	}
	return eg.Wait()
}

// Pause blocks until any in-flight pass finishes; ticks are skipped until
// Resume. Calls must be paired.
func (p *PeriodicRefresh) Pause() {
	p.pause.Lock()
}

func (p *PeriodicRefresh) Resume() {
	p.pause.Unlock()
}

// Close stops the ticker and waits for the current pass.
func (p *PeriodicRefresh) Close() error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}
