// Package bot wires attendance, boards, dialogs and schedulers into the
// operations the transport and the process drive.
package bot

import (
	"context"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"golang.org/x/xerrors"

	"attendboard/internal/attendance"
	"attendboard/internal/board"
	"attendboard/internal/confirm"
	"attendboard/internal/gateway"
	"attendboard/internal/metrics"
	"attendboard/internal/scheduler"
)

type Options struct {
	Clock              quartz.Clock
	Location           *time.Location
	RefreshInterval    time.Duration
	RefreshConcurrency int
	RolloverSchedule   string
	ConfirmSeconds     int
	Logger             slog.Logger
	Metrics            *metrics.Metrics
}

// Bot is the attendance board bot.
type Bot struct {
	log      attendance.Log
	svc      *attendance.Service
	boards   *board.Manager
	dialogs  *confirm.Manager
	refresh  *scheduler.PeriodicRefresh
	rollover *scheduler.Rollover
	gw       gateway.Gateway
	logger   slog.Logger
	metrics  *metrics.Metrics

	handlers sync.WaitGroup
}

func New(log attendance.Log, store board.Store, gw gateway.Gateway, opts Options) (*Bot, error) {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	logger := opts.Logger

	svc := attendance.NewService(log, opts.Clock, opts.Location, logger)
	boards := board.NewManager(svc, store, gw, logger, opts.Metrics)
	b := &Bot{
		log:     log,
		svc:     svc,
		boards:  boards,
		gw:      gw,
		logger:  logger.Named("bot"),
		metrics: opts.Metrics,
	}
	b.dialogs = confirm.New(gw, checkout{svc: svc, boards: boards}, confirm.Options{
		Clock:    opts.Clock,
		Seconds:  opts.ConfirmSeconds,
		Location: svc.Location(),
		Logger:   logger,
		Metrics:  opts.Metrics,
	})
	b.refresh = scheduler.NewPeriodicRefresh(b, boards, scheduler.RefreshOptions{
		Clock:       opts.Clock,
		Interval:    opts.RefreshInterval,
		Concurrency: opts.RefreshConcurrency,
		Logger:      logger,
	})
	rollover, err := scheduler.NewRollover(b, boards, b.refresh, scheduler.RolloverOptions{
		Clock:    opts.Clock,
		Schedule: opts.RolloverSchedule,
		Location: svc.Location(),
		Logger:   logger,
		Metrics:  opts.Metrics,
	})
	if err != nil {
		_ = b.dialogs.Close()
		return nil, err
	}
	b.rollover = rollover
	return b, nil
}

func (b *Bot) Boards() *board.Manager { return b.boards }
func (b *Bot) Dialogs() *confirm.Manager { return b.dialogs }
func (b *Bot) Rollover() *scheduler.Rollover { return b.rollover }

// ChatIDs lists every tracked chat: those with a board record and those
// with attendance history.
func (b *Bot) ChatIDs(ctx context.Context) ([]int64, error) {
	return board.TrackedChats(ctx, b.log, b.boards.Store())
}

// OnUserAction handles a board button press. "in" and "break" are recorded
// directly; "out" opens a confirmation. The board is refreshed unless the
// action is rejected.
func (b *Bot) OnUserAction(ctx context.Context, chatID int64, user attendance.User, action attendance.Action) error {
	err := b.boards.WithChat(ctx, chatID, func(ctx context.Context) error {
		if err := b.svc.Allow(ctx, chatID, user.ID, action); err != nil {
			return err
		}
		if action == attendance.ActionOut {
			_, err := b.dialogs.Open(ctx, chatID, user)
			return err
		}
		_, err := b.svc.Record(ctx, chatID, user, action)
		return err
	})
	b.metrics.UserActions.WithLabelValues(string(action), actionResult(err)).Inc()
	return err
}

// OnConfirmationResponse answers the dialog shown in messageID.
func (b *Bot) OnConfirmationResponse(ctx context.Context, chatID int64, messageID int, userID int64, accept bool) error {
	return b.dialogs.Respond(ctx, confirm.Key{ChatID: chatID, MessageID: messageID}, userID, accept)
}

// OnScheduledRefreshTick runs one periodic refresh pass.
func (b *Bot) OnScheduledRefreshTick(ctx context.Context) error {
	return b.refresh.Tick(ctx)
}

// OnScheduledRolloverTick runs one rollover pass.
func (b *Bot) OnScheduledRolloverTick(ctx context.Context) error {
	return b.rollover.Fire(ctx)
}

// OnStartupReconcile repairs every tracked chat's board after a restart.
func (b *Bot) OnStartupReconcile(ctx context.Context) error {
	ids, err := b.ChatIDs(ctx)
	if err != nil {
		return err
	}
	failed := 0
	for _, id := range ids {
		if err := b.boards.Reconcile(ctx, id); err != nil {
			failed++
			b.logger.Error(ctx, "reconcile chat", slog.F("chat_id", id), slog.Error(err))
		}
	}
	if failed > 0 {
		return xerrors.Errorf("reconcile failed for %d of %d chats", failed, len(ids))
	}
	b.logger.Info(ctx, "startup reconcile complete", slog.F("chats", len(ids)))
	return nil
}

// OnStart posts the welcome message and the board.
func (b *Bot) OnStart(ctx context.Context, chatID int64) error {
	return b.boards.Welcome(ctx, chatID)
}

// Start launches the periodic refresh and rollover schedules.
func (b *Bot) Start(ctx context.Context) {
	b.refresh.Start(ctx)
	b.rollover.Start(ctx)
}

// Close stops schedules and countdowns and waits for in-flight handlers.
func (b *Bot) Close() error {
	_ = b.rollover.Close()
	_ = b.refresh.Close()
	_ = b.dialogs.Close()
	b.handlers.Wait()
	return nil
}

// checkout completes a confirmed "out" under the chat's gate.
type checkout struct {
	svc    *attendance.Service
	boards *board.Manager
}

func (c checkout) CheckOut(ctx context.Context, chatID int64, user attendance.User, claim func() bool) error {
	return c.boards.WithChat(ctx, chatID, func(ctx context.Context) error {
		if err := c.svc.Allow(ctx, chatID, user.ID, attendance.ActionOut); err != nil {
			return err
		}
		if !claim() {
			return confirm.ErrNotFound
		}
		_, err := c.svc.Record(ctx, chatID, user, attendance.ActionOut)
		return err
	})
}

func (c checkout) Refresh(ctx context.Context, chatID int64) error {
	return c.boards.Refresh(ctx, chatID)
}
