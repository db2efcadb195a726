package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"cdr.dev/slog/v3"
	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"attendboard/internal/attendance"
	"attendboard/internal/auth"
	"attendboard/internal/board"
	"attendboard/internal/metrics"
	"attendboard/internal/queue"
)

const (
	dateLayout     = "2006-01-02"
	maxWebhookBody = 1 << 20
)

type eventView struct {
	ID          string            `json:"id"`
	UserID      int64             `json:"user_id"`
	DisplayName string            `json:"display_name"`
	Action      attendance.Action `json:"action"`
	At          time.Time         `json:"at"`
	Synthetic   bool              `json:"synthetic"`
}

type memberView struct {
	UserID        int64             `json:"user_id"`
	DisplayName   string            `json:"display_name"`
	LastAction    attendance.Action `json:"last_action"`
	LastAt        time.Time         `json:"last_at"`
	WorkedSeconds int64             `json:"worked_seconds"`
}

// Token exchanges the admin API key for a short-lived access token.
func (h *Handler) Token(c *gin.Context) {
	var req struct {
		APIKey string `json:"api_key" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !auth.KeyMatches(h.adminKey, req.APIKey) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
		return
	}
	tok, err := h.issuer.Issue("admin", auth.RoleAdmin)
	if err != nil {
		h.logger.Error(c.Request.Context(), "issue token", slog.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"access_token": tok.AccessToken,
		"expires_at":   tok.ExpiresAt.Unix(),
	})
}

// Chats lists every tracked chat.
func (h *Handler) Chats(c *gin.Context) {
	ids, err := board.TrackedChats(c.Request.Context(), h.log, h.boards)
	if err != nil {
		h.internalError(c, "list chats", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": ids})
}

// Events returns a chat's events in [from, to). Both bounds are RFC 3339 and
// default to the current local day.
func (h *Handler) Events(c *gin.Context) {
	chatID, ok := chatParam(c)
	if !ok {
		return
	}
	from, to := attendance.DayBounds(h.clock.Now(), h.loc)
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &from}, {"to", &to}} {
		raw := c.Query(p.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + p.name})
			return
		}
		*p.dst = t
	}
	if !from.Before(to) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must be before to"})
		return
	}

	events, err := h.log.Query(c.Request.Context(), chatID, from, to)
	if err != nil {
		h.internalError(c, "query events", err)
		return
	}
	out := make([]eventView, 0, len(events))
	for _, evt := range events {
		out = append(out, eventView{
			ID:          evt.ID,
			UserID:      evt.UserID,
			DisplayName: evt.DisplayName,
			Action:      evt.Action,
			At:          evt.When,
			Synthetic:   evt.Synthetic,
		})
	}
	c.JSON(http.StatusOK, gin.H{"chat_id": chatID, "events": out})
}

// WorkTime reports per-member work time for one local date (default today).
// Sessions still open on a past date count up to the end of that day.
func (h *Handler) WorkTime(c *gin.Context) {
	chatID, ok := chatParam(c)
	if !ok {
		return
	}
	now := h.clock.Now().In(h.loc)
	day := now
	if raw := c.Query("date"); raw != "" {
		d, err := time.ParseInLocation(dateLayout, raw, h.loc)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid date"})
			return
		}
		day = d
	}
	start, end := attendance.DayBounds(day, h.loc)
	if start.After(now) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "date is in the future"})
		return
	}
	if now.After(end) {
		now = end
	}

	events, err := h.log.Query(c.Request.Context(), chatID, start, end)
	if err != nil {
		h.internalError(c, "query events", err)
		return
	}
	var total time.Duration
	members := make([]memberView, 0)
	for _, s := range attendance.Summarize(events, now) {
		total += s.Worked
		members = append(members, memberView{
			UserID:        s.UserID,
			DisplayName:   s.DisplayName,
			LastAction:    s.LastAction,
			LastAt:        s.LastAt,
			WorkedSeconds: int64(s.Worked / time.Second),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"chat_id":       chatID,
		"date":          start.Format(dateLayout),
		"members":       members,
		"total_seconds": int64(total / time.Second),
	})
}

// Range reports the oldest recorded event, or null for an empty log.
func (h *Handler) Range(c *gin.Context) {
	oldest, ok, err := h.log.OldestEventTimestamp(c.Request.Context())
	if err != nil {
		h.internalError(c, "oldest event", err)
		return
	}
	body := gin.H{"oldest": nil, "today": h.clock.Now().In(h.loc).Format(dateLayout)}
	if ok {
		body["oldest"] = oldest
	}
	c.JSON(http.StatusOK, body)
}

// Webhook accepts a Bot API update and enqueues it for the worker.
func (h *Handler) Webhook(c *gin.Context) {
	ctx := c.Request.Context()
	if !auth.KeyMatches(h.secret, c.GetHeader(WebhookSecretHeader)) {
		h.metrics.WebhookUpdates.WithLabelValues(metrics.ResultRejected).Inc()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid secret"})
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		h.metrics.WebhookUpdates.WithLabelValues(metrics.ResultRejected).Inc()
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body too large"})
		return
	}
	var u tgbotapi.Update
	if err := json.Unmarshal(body, &u); err != nil {
		h.metrics.WebhookUpdates.WithLabelValues(metrics.ResultRejected).Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid update"})
		return
	}
	if err := h.queue.Publish(ctx, queue.Message{Type: queue.TypeUpdate, Body: body}); err != nil {
		h.metrics.WebhookUpdates.WithLabelValues(metrics.ResultError).Inc()
		h.logger.Error(ctx, "enqueue update", slog.F("update_id", u.UpdateID), slog.Error(err))
		// Telegram redelivers on non-2xx.
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue unavailable"})
		return
	}
	h.metrics.WebhookUpdates.WithLabelValues(metrics.ResultOK).Inc()
	c.Status(http.StatusOK)
}

func (h *Handler) internalError(c *gin.Context, msg string, err error) {
	h.logger.Error(c.Request.Context(), msg, slog.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg + " failed"})
}

func chatParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("chatID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat id"})
		return 0, false
	}
	return id, true
}
