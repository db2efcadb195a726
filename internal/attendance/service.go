package attendance

import (
	"context"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"golang.org/x/xerrors"
)

// Service coordinates attendance rules over the event log.
type Service struct {
	log    Log
	clock  quartz.Clock
	loc    *time.Location
	logger slog.Logger
}

// NewService creates a service backed by a log. Day boundaries are computed in loc.
func NewService(log Log, clock quartz.Clock, loc *time.Location, logger slog.Logger) *Service {
	if loc == nil {
		loc = time.Local
	}
	return &Service{log: log, clock: clock, loc: loc, logger: logger.Named("attendance")}
}

// Log exposes the underlying event log.
func (s *Service) Log() Log { return s.log }

// Location is the zone day boundaries are computed in.
func (s *Service) Location() *time.Location { return s.loc }

// Now returns the current instant in the service's location.
func (s *Service) Now() time.Time { return s.clock.Now().In(s.loc) }

// DayBounds returns [start, end) of the local day containing t.
func DayBounds(t time.Time, loc *time.Location) (time.Time, time.Time) {
	t = t.In(loc)
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}

// DateOf truncates t to its local calendar date, expressed at UTC midnight so
// it round-trips through a SQL DATE column.
func DateOf(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// StartOfDate converts a DateOf value back into the local midnight it names.
func StartOfDate(date time.Time, loc *time.Location) time.Time {
	return time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, loc)
}

// Today returns the bounds of the current local day.
func (s *Service) Today() (time.Time, time.Time) {
	return DayBounds(s.Now(), s.loc)
}

// EventsToday returns the chat's events for the current local day.
func (s *Service) EventsToday(ctx context.Context, chatID int64) ([]Event, error) {
	from, to := s.Today()
	events, err := s.log.Query(ctx, chatID, from, to)
	if err != nil {
		return nil, xerrors.Errorf("load today's events: %w", err)
	}
	return events, nil
}

// LatestToday returns the member's most recent event today, or nil.
func (s *Service) LatestToday(ctx context.Context, chatID, userID int64) (*Event, error) {
	from, to := s.Today()
	latest, err := s.log.LatestPerUser(ctx, chatID, from, to)
	if err != nil {
		return nil, xerrors.Errorf("load latest events: %w", err)
	}
	for i := range latest {
		if latest[i].UserID == userID {
			return &latest[i], nil
		}
	}
	return nil, nil
}

// Allow applies the duplicate-action rule: nothing is accepted after "out"
// and re-pressing the current state is rejected.
func (s *Service) Allow(ctx context.Context, chatID, userID int64, action Action) error {
	if !action.Valid() {
		return xerrors.Errorf("%w: %q", ErrInvalidAction, action)
	}
	latest, err := s.LatestToday(ctx, chatID, userID)
	if err != nil {
		return err
	}
	if latest == nil {
		return nil
	}
	if latest.Action == ActionOut {
		return ErrAlreadyOut
	}
	if latest.Action == action {
		return ErrDuplicateAction
	}
	return nil
}

// Record appends a member's action stamped with the current time.
func (s *Service) Record(ctx context.Context, chatID int64, user User, action Action) (Event, error) {
	evt, err := s.log.Append(ctx, Event{
		ChatID:      chatID,
		UserID:      user.ID,
		DisplayName: user.DisplayName,
		Action:      action,
		When:        s.clock.Now().UTC(),
	})
	if err != nil {
		return Event{}, xerrors.Errorf("record %s: %w", action, err)
	}
	s.logger.Debug(ctx, "recorded action",
		slog.F("chat_id", chatID),
		slog.F("user_id", user.ID),
		slog.F("action", action),
	)
	return evt, nil
}

// CloseOpenSessions appends a synthetic "out" for every member whose latest
// event in [from, to) is not "out". The event is stamped one second before
// the end of that event's local day. It returns the number of events written.
func (s *Service) CloseOpenSessions(ctx context.Context, chatID int64, from, to time.Time) (int, error) {
	latest, err := s.log.LatestPerUser(ctx, chatID, from, to)
	if err != nil {
		return 0, xerrors.Errorf("load open sessions: %w", err)
	}
	closed := 0
	for _, evt := range latest {
		if evt.Action == ActionOut {
			continue
		}
		_, end := DayBounds(evt.When, s.loc)
		if _, err := s.log.Append(ctx, Event{
			ChatID:      chatID,
			UserID:      evt.UserID,
			DisplayName: evt.DisplayName,
			Action:      ActionOut,
			When:        end.Add(-time.Second).UTC(),
			Synthetic:   true,
		}); err != nil {
			return closed, xerrors.Errorf("close session for user %d: %w", evt.UserID, err)
		}
		closed++
	}
	if closed > 0 {
		s.logger.Info(ctx, "closed open sessions",
			slog.F("chat_id", chatID),
			slog.F("count", closed),
			slog.F("from", from),
		)
	}
	return closed, nil
}
