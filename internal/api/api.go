// Package api serves the admin HTTP surface: health, metrics, read-only
// attendance reports and the Telegram webhook ingress.
package api

import (
	"context"
	"net/http"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"attendboard/internal/attendance"
	"attendboard/internal/auth"
	"attendboard/internal/board"
	"attendboard/internal/httpmiddleware"
	"attendboard/internal/metrics"
	"attendboard/internal/queue"
)

// WebhookSecretHeader carries the secret registered with setWebhook.
const WebhookSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// Checker reports whether a dependency is reachable.
type Checker interface {
	Healthy(ctx context.Context) bool
}

type Options struct {
	Log      attendance.Log
	Boards   board.Store
	Location *time.Location
	Clock    quartz.Clock

	Issuer      *auth.Issuer
	AdminAPIKey string

	Queue         queue.Queue
	WebhookSecret string

	Limiter  *httpmiddleware.TokenBucket
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Logger   slog.Logger

	// Checks are reported by /healthz under their map key.
	Checks     map[string]Checker
	// Production enables HSTS.
	Production bool
}

type Handler struct {
	log      attendance.Log
	boards   board.Store
	loc      *time.Location
	clock    quartz.Clock
	issuer   *auth.Issuer
	adminKey string
	queue    queue.Queue
	secret   string
	checks   map[string]Checker
	metrics  *metrics.Metrics
	logger   slog.Logger
}

// New builds the router.
func New(opts Options) *gin.Engine {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	h := &Handler{
		log:      opts.Log,
		boards:   opts.Boards,
		loc:      opts.Location,
		clock:    opts.Clock,
		issuer:   opts.Issuer,
		adminKey: opts.AdminAPIKey,
		queue:    opts.Queue,
		secret:   opts.WebhookSecret,
		checks:   opts.Checks,
		metrics:  opts.Metrics,
		logger:   opts.Logger.Named("api"),
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(h.requestLogger())
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept", "Authorization"},
		MaxAge:          24 * time.Hour,
	}))
	r.Use(securityHeaders(opts.Production))
	if opts.Limiter != nil {
		r.Use(opts.Limiter.GinMiddleware())
	}

	r.GET("/healthz", h.Healthz)
	if opts.Registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{})))
	}
	r.POST("/telegram/webhook", h.Webhook)
	r.POST("/v1/token", h.Token)

	v1 := r.Group("/v1", auth.AdminAuth(h.issuer))
	v1.GET("/chats", h.Chats)
	v1.GET("/chats/:chatID/events", h.Events)
	v1.GET("/chats/:chatID/worktime", h.WorkTime)
	v1.GET("/range", h.Range)
	return r
}

func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := h.clock.Now()
		c.Next()
		switch c.FullPath() {
		case "/healthz", "/metrics":
			return
		}
		fields := []slog.Field{
			slog.F("method", c.Request.Method),
			slog.F("path", c.Request.URL.Path),
			slog.F("status", c.Writer.Status()),
			slog.F("elapsed", h.clock.Since(start)),
		}
		if claims, ok := auth.ClaimsFrom(c); ok {
			fields = append(fields, slog.F("subject", claims.Subject))
		}
		h.logger.Debug(c.Request.Context(), "request", fields...)
	}
}

func securityHeaders(production bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		if production {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}

// Healthz reports every configured dependency check.
func (h *Handler) Healthz(c *gin.Context) {
	body := gin.H{"status": "ok"}
	status := http.StatusOK
	for name, check := range h.checks {
		ok := check.Healthy(c.Request.Context())
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}
