package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/xerrors"

	"attendboard/internal/attendance"
	"attendboard/internal/board"
	"attendboard/internal/bot"
	"attendboard/internal/config"
	"attendboard/internal/gateway"
	"attendboard/internal/metrics"
	"attendboard/internal/queue"
	"attendboard/internal/store"
)

// Worker runs the bot: it consumes Telegram updates (long polling or the
// webhook queue) and drives the board schedules.
func main() {
	cfg := config.Load()
	logger := slog.Make(sloghuman.Sink(os.Stderr)).Named("worker")
	if cfg.LogDebug {
		logger = logger.Leveled(slog.LevelDebug)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal(ctx, "worker failed", slog.Error(err))
	}
}

func run(ctx context.Context, cfg config.App, logger slog.Logger) error {
	if err := cfg.Validate("TELEGRAM_TOKEN"); err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return xerrors.Errorf("load timezone: %w", err)
	}

	var (
		events attendance.Log
		boards board.Store
	)
	switch cfg.StoreBackend {
	case config.BackendMemory:
		logger.Warn(ctx, "using in-memory store; attendance is lost on restart")
		events = attendance.NewMemoryLog(nil)
		boards = board.NewMemoryStore()
	default:
		db, err := store.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		events = attendance.NewRepository(db.Client)
		boards = board.NewPGStore(db.Client)
	}

	tg, err := gateway.NewTelegram(cfg.TelegramToken, cfg.TelegramTimeout)
	if err != nil {
		return err
	}
	logger.Info(ctx, "connected to bot api", slog.F("bot", tg.API.Self.UserName))

	reg := prometheus.NewRegistry()
	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !xerrors.Is(err, http.ErrServerClosed) {
				logger.Error(ctx, "metrics server", slog.Error(err))
			}
		}()
		defer srv.Close()
	}

	b, err := bot.New(events, boards, tg, bot.Options{
		Location:           loc,
		RefreshInterval:    cfg.RefreshInterval,
		RefreshConcurrency: cfg.RefreshConcurrency,
		RolloverSchedule:   cfg.RolloverSchedule,
		ConfirmSeconds:     cfg.ConfirmSeconds,
		Logger:             logger,
		Metrics:            metrics.New(reg),
	})
	if err != nil {
		return err
	}
	defer b.Close()

	if err := b.OnStartupReconcile(ctx); err != nil {
		logger.Error(ctx, "startup reconcile", slog.Error(err))
	}
	b.Start(ctx)
	logger.Info(ctx, "schedules started",
		slog.F("refresh_interval", cfg.RefreshInterval),
		slog.F("next_rollover", b.Rollover().Next(time.Now())),
	)

	var q queue.Queue
	switch cfg.UpdatesMode {
	case config.ModeQueue:
		if cfg.QueueBackend == config.BackendMemory {
			return xerrors.New("UPDATES_MODE=queue needs a shared queue; set QUEUE_BACKEND=redis")
		}
		rdb := store.NewRedis(cfg.RedisAddr)
		defer rdb.Close()
		q = queue.NewRedisQueue(rdb.Client, cfg.QueueKey)
		logger.Info(ctx, "consuming webhook queue", slog.F("key", cfg.QueueKey))
	default:
		mem := queue.NewInMemory(64)
		go poll(ctx, tg.API, mem, pollTimeout(cfg.TelegramTimeout), logger)
		q = mem
		logger.Info(ctx, "long polling for updates")
	}

	if err := b.Run(ctx, q); err != nil {
		return err
	}
	logger.Info(context.Background(), "shutting down")
	return nil
}

// poll long-polls the Bot API and republishes every update as JSON so both
// update sources share the queue decoding path.
func poll(ctx context.Context, api *tgbotapi.BotAPI, q queue.Queue, timeout int, logger slog.Logger) {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = timeout
	cfg.AllowedUpdates = []string{"message", "callback_query"}
	updates := api.GetUpdatesChan(cfg)
	defer api.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return
		case u := <-updates:
			body, err := json.Marshal(u)
			if err != nil {
				logger.Warn(ctx, "encode update", slog.F("update_id", u.UpdateID), slog.Error(err))
				continue
			}
			if err := q.Publish(ctx, queue.Message{Type: queue.TypeUpdate, Body: body}); err != nil {
				return
			}
		}
	}
}

// pollTimeout keeps the long-poll window inside the HTTP client timeout.
func pollTimeout(client time.Duration) int {
	secs := int((client - 5*time.Second) / time.Second)
	if secs < 1 {
		return 1
	}
	if secs > 50 {
		return 50
	}
	return secs
}
