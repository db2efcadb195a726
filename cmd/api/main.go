package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/xerrors"

	"attendboard/internal/api"
	"attendboard/internal/attendance"
	"attendboard/internal/auth"
	"attendboard/internal/board"
	"attendboard/internal/config"
	"attendboard/internal/httpmiddleware"
	"attendboard/internal/metrics"
	"attendboard/internal/queue"
	"attendboard/internal/store"
)

func main() {
	cfg := config.Load()
	logger := slog.Make(sloghuman.Sink(os.Stderr)).Named("http")
	if cfg.LogDebug {
		logger = logger.Leveled(slog.LevelDebug)
	}
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runHTTP(ctx, cfg, logger); err != nil {
		logger.Fatal(ctx, "http server failed", slog.Error(err))
	}
}

func runHTTP(ctx context.Context, cfg config.App, logger slog.Logger) error {
	if err := cfg.Validate("JWT_SIGNING_KEY", "ADMIN_API_KEY", "WEBHOOK_SECRET"); err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return xerrors.Errorf("load timezone: %w", err)
	}

	checks := make(map[string]api.Checker)
	var (
		events attendance.Log
		boards board.Store
	)
	switch cfg.StoreBackend {
	case config.BackendMemory:
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
		checks["db"] = db
	}

	var q queue.Queue
	switch cfg.QueueBackend {
	case config.BackendMemory:
		logger.Warn(ctx, "in-memory queue: webhook updates never reach a separate worker")
		q = queue.NewInMemory(64)
	default:
		rdb := store.NewRedis(cfg.RedisAddr)
		defer rdb.Close()
		q = queue.NewRedisQueue(rdb.Client, cfg.QueueKey)
		checks["redis"] = rdb
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	handler := api.New(api.Options{
		Log:           events,
		Boards:        boards,
		Location:      loc,
		Issuer:        auth.NewIssuer(cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, nil),
		AdminAPIKey:   cfg.AdminAPIKey,
		Queue:         q,
		WebhookSecret: cfg.WebhookSecret,
		Limiter:       httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin, nil),
		Registry:      reg,
		Metrics:       metrics.New(reg),
		Logger:        logger,
		Checks:        checks,
		Production:    cfg.Production(),
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "starting server", slog.F("port", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && !xerrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return xerrors.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}
	logger.Info(context.Background(), "shutting down server")

	// Give outstanding requests 10 seconds to complete.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "server forced shutdown", slog.Error(err))
	}
	logger.Info(context.Background(), "server exited")
	return nil
}
