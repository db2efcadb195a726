package board

import (
	"context"
	"time"

	"cdr.dev/slog/v3"
	"golang.org/x/xerrors"

	"attendboard/internal/attendance"
	"attendboard/internal/gateway"
	"attendboard/internal/metrics"
)

// Manager keeps one live status board per chat. Every mutation of a chat's
// board record or board message happens under that chat's gate.
type Manager struct {
	svc     *attendance.Service
	store   Store
	gw      gateway.Gateway
	gates   *Gates
	logger  slog.Logger
	metrics *metrics.Metrics
}

func NewManager(svc *attendance.Service, store Store, gw gateway.Gateway, logger slog.Logger, m *metrics.Metrics) *Manager {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Manager{
		svc:     svc,
		store:   store,
		gw:      gw,
		gates:   NewGates(),
		logger:  logger.Named("board"),
		metrics: m,
	}
}

// Store exposes the record store.
func (m *Manager) Store() Store { return m.store }

// Refresh brings the chat's board in line with today's events. Gateway
// failures are logged and absorbed; only persistence failures are returned.
func (m *Manager) Refresh(ctx context.Context, chatID int64) error {
	return m.WithChat(ctx, chatID, nil)
}

// WithChat runs fn while holding the chat's gate and refreshes the board
// under the same gate if fn succeeds. A nil fn only refreshes.
func (m *Manager) WithChat(ctx context.Context, chatID int64, fn func(ctx context.Context) error) error {
	unlock, err := m.gates.Lock(ctx, chatID)
	if err != nil {
		return xerrors.Errorf("acquire chat gate: %w", err)
	}
	defer unlock()

	if fn != nil {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	return m.refreshLocked(ctx, chatID)
}

// CloseDay appends synthetic "out" events for sessions still open in
// [from, to) and then refreshes, all under the chat's gate. Each session is
// closed at the end of its own day.
func (m *Manager) CloseDay(ctx context.Context, chatID int64, from, to time.Time) error {
	return m.WithChat(ctx, chatID, func(ctx context.Context) error {
		closed, err := m.svc.CloseOpenSessions(ctx, chatID, from, to)
		m.metrics.SyntheticOuts.Add(float64(closed))
		return err
	})
}

// Reconcile repairs a chat after downtime: every session opened before
// today is closed at the end of its own day, then the board is refreshed,
// which rotates it when its record is stale. Sessions a failed rollover
// left open are caught even when a later refresh already rotated the board.
func (m *Manager) Reconcile(ctx context.Context, chatID int64) error {
	return m.WithChat(ctx, chatID, func(ctx context.Context) error {
		todayStart, _ := attendance.DayBounds(m.svc.Now(), m.svc.Location())
		closed, err := m.svc.CloseOpenSessions(ctx, chatID, time.Time{}, todayStart)
		m.metrics.SyntheticOuts.Add(float64(closed))
		return err
	})
}

// Welcome posts the welcome message, replacing any previous one, and makes
// sure the chat has a board.
func (m *Manager) Welcome(ctx context.Context, chatID int64) error {
	return m.WithChat(ctx, chatID, func(ctx context.Context) error {
		prev, err := m.store.Get(ctx, chatID, TypeWelcome)
		if err != nil {
			return xerrors.Errorf("load welcome record: %w", err)
		}
		id, err := m.gw.Send(ctx, chatID, WelcomeText, nil)
		if err != nil {
			return xerrors.Errorf("send welcome: %w", err)
		}
		if err := m.store.Upsert(ctx, Record{
			ChatID:    chatID,
			Type:      TypeWelcome,
			MessageID: id,
			UpdatedOn: attendance.DateOf(m.svc.Now(), m.svc.Location()),
		}); err != nil {
			_ = m.gw.Delete(ctx, chatID, id)
			return xerrors.Errorf("save welcome record: %w", err)
		}
		if prev != nil {
			if err := m.gw.Delete(ctx, chatID, prev.MessageID); err != nil {
				m.logger.Debug(ctx, "delete previous welcome", slog.F("chat_id", chatID), slog.Error(err))
			}
		}
		return nil
	})
}

func (m *Manager) refreshLocked(ctx context.Context, chatID int64) error {
	loc := m.svc.Location()
	now := m.svc.Now()
	today := attendance.DateOf(now, loc)

	rec, err := m.store.Get(ctx, chatID, TypeStatus)
	if err != nil {
		return xerrors.Errorf("load board record: %w", err)
	}
	if rec != nil && rec.UpdatedOn.Before(today) {
		if err := m.finalize(ctx, *rec); err != nil {
			return err
		}
		rec = nil
	}

	events, err := m.svc.EventsToday(ctx, chatID)
	if err != nil {
		return err
	}
	text := Render(now, attendance.Summarize(events, now))
	controls := Controls()
	logger := m.logger.With(slog.F("chat_id", chatID))

	if rec != nil {
		err := m.gw.Edit(ctx, chatID, rec.MessageID, text, controls)
		switch kind := gateway.Classify(err); kind {
		case gateway.KindOK:
			if !rec.UpdatedOn.Equal(today) {
				rec.UpdatedOn = today
				if err := m.store.Upsert(ctx, *rec); err != nil {
					return xerrors.Errorf("save board record: %w", err)
				}
			}
			m.pin(ctx, logger, chatID, rec.MessageID)
			m.metrics.Refreshes.WithLabelValues(metrics.ResultOK).Inc()
			return nil
		case gateway.KindTransient:
			logger.Info(ctx, "board message gone, recreating",
				slog.F("message_id", rec.MessageID), slog.Error(err))
			m.metrics.Refreshes.WithLabelValues(metrics.ResultTransient).Inc()
			if err := m.store.Delete(ctx, chatID, TypeStatus); err != nil {
				return xerrors.Errorf("drop board record: %w", err)
			}
		default:
			logger.Warn(ctx, "edit board",
				slog.F("message_id", rec.MessageID), slog.F("error_kind", kind.String()), slog.Error(err))
			m.metrics.Refreshes.WithLabelValues(metrics.ResultFailure).Inc()
			return nil
		}
	}

	id, err := m.gw.Send(ctx, chatID, text, controls)
	if err != nil {
		logger.Warn(ctx, "send board", slog.Error(err))
		m.metrics.Refreshes.WithLabelValues(metrics.ResultFailure).Inc()
		return nil
	}
	if err := m.store.Upsert(ctx, Record{
		ChatID:    chatID,
		Type:      TypeStatus,
		MessageID: id,
		UpdatedOn: today,
	}); err != nil {
		// Without a record the message could never be managed again.
		_ = m.gw.Delete(ctx, chatID, id)
		return xerrors.Errorf("save board record: %w", err)
	}
	m.pin(ctx, logger, chatID, id)
	m.metrics.BoardsCreated.Inc()
	m.metrics.Refreshes.WithLabelValues(metrics.ResultOK).Inc()
	logger.Info(ctx, "board created", slog.F("message_id", id))
	return nil
}

// finalize retires a previous day's board. The message stays in the chat
// without controls or pin.
func (m *Manager) finalize(ctx context.Context, rec Record) error {
	logger := m.logger.With(slog.F("chat_id", rec.ChatID), slog.F("message_id", rec.MessageID))
	if err := m.gw.EditControls(ctx, rec.ChatID, rec.MessageID, nil); err != nil {
		logger.Debug(ctx, "strip board controls", slog.Error(err))
	}
	if err := m.gw.Unpin(ctx, rec.ChatID, rec.MessageID); err != nil {
		logger.Debug(ctx, "unpin board", slog.Error(err))
	}
	if err := m.store.Delete(ctx, rec.ChatID, TypeStatus); err != nil {
		return xerrors.Errorf("drop stale board record: %w", err)
	}
	logger.Info(ctx, "finalized board", slog.F("updated_on", rec.UpdatedOn.Format(time.DateOnly)))
	return nil
}

func (m *Manager) pin(ctx context.Context, logger slog.Logger, chatID int64, messageID int) {
	if err := m.gw.Pin(ctx, chatID, messageID); err != nil {
		logger.Debug(ctx, "pin board", slog.F("message_id", messageID), slog.Error(err))
	}
}
