package attendance

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"
)

// Log is the append-only attendance event store.
type Log interface {
	// Append writes evt and maintains the member's active flag.
	Append(ctx context.Context, evt Event) (Event, error)
	// Query returns a chat's events in [from, to) ordered by time.
	Query(ctx context.Context, chatID int64, from, to time.Time) ([]Event, error)
	// LatestPerUser returns each member's most recent event in [from, to).
	LatestPerUser(ctx context.Context, chatID int64, from, to time.Time) ([]Event, error)
	DistinctChatIDs(ctx context.Context) ([]int64, error)
	// OldestEventTimestamp reports ok=false when the log is empty.
	OldestEventTimestamp(ctx context.Context) (oldest time.Time, ok bool, err error)
}

// Repository persists attendance events in Postgres.
type Repository struct {
	db *sql.DB
}

var _ Log = (*Repository)(nil)

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const eventColumns = `id, chat_id, user_id, display_name, action, occurred_at, is_active, synthetic, created_at`

// Append writes a new event. An "in" or "out" first clears the member's
// active flag on events at or before its own timestamp so at most one stays
// flagged; a backdated "in" behind a later event is stored inactive.
func (r *Repository) Append(ctx context.Context, evt Event) (Event, error) {
	evt, err := prepare(evt)
	if err != nil {
		return Event{}, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Event{}, xerrors.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if evt.Action != ActionBreak {
		if _, err := tx.ExecContext(ctx, `
			UPDATE attendance_events SET is_active = FALSE
			WHERE chat_id = $1 AND user_id = $2 AND is_active AND occurred_at <= $3
		`, evt.ChatID, evt.UserID, evt.When); err != nil {
			return Event{}, xerrors.Errorf("deactivate previous: %w", err)
		}
		if evt.Active {
			var later bool
			if err := tx.QueryRowContext(ctx, `
				SELECT EXISTS (
					SELECT 1 FROM attendance_events
					WHERE chat_id = $1 AND user_id = $2 AND action <> 'break' AND occurred_at > $3
				)
			`, evt.ChatID, evt.UserID, evt.When).Scan(&later); err != nil {
				return Event{}, xerrors.Errorf("check later events: %w", err)
			}
			evt.Active = !later
		}
	}

	row := tx.QueryRowContext(ctx, `
		INSERT INTO attendance_events (id, chat_id, user_id, display_name, action, occurred_at, is_active, synthetic)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at
	`, evt.ID, evt.ChatID, evt.UserID, evt.DisplayName, string(evt.Action), evt.When, evt.Active, evt.Synthetic)
	if err := row.Scan(&evt.CreatedAt); err != nil {
		return Event{}, xerrors.Errorf("insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Event{}, xerrors.Errorf("commit append: %w", err)
	}
	return evt, nil
}

// Query returns a chat's events within the window, oldest first.
func (r *Repository) Query(ctx context.Context, chatID int64, from, to time.Time) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM attendance_events
		WHERE chat_id = $1 AND occurred_at >= $2 AND occurred_at < $3
		ORDER BY occurred_at, created_at
	`, chatID, from, to)
	if err != nil {
		return nil, xerrors.Errorf("query events: %w", err)
	}
	return scanEvents(rows)
}

// LatestPerUser returns the newest event per member within the window.
func (r *Repository) LatestPerUser(ctx context.Context, chatID int64, from, to time.Time) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT ON (user_id) `+eventColumns+`
		FROM attendance_events
		WHERE chat_id = $1 AND occurred_at >= $2 AND occurred_at < $3
		ORDER BY user_id, occurred_at DESC, created_at DESC
	`, chatID, from, to)
	if err != nil {
		return nil, xerrors.Errorf("query latest per user: %w", err)
	}
	return scanEvents(rows)
}

// DistinctChatIDs lists every chat that has at least one event.
func (r *Repository) DistinctChatIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT chat_id FROM attendance_events ORDER BY chat_id`)
	if err != nil {
		return nil, xerrors.Errorf("query chat ids: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// OldestEventTimestamp returns the earliest recorded event time.
func (r *Repository) OldestEventTimestamp(ctx context.Context) (time.Time, bool, error) {
	var oldest sql.NullTime
	if err := r.db.QueryRowContext(ctx, `SELECT MIN(occurred_at) FROM attendance_events`).Scan(&oldest); err != nil {
		return time.Time{}, false, xerrors.Errorf("query oldest event: %w", err)
	}
	return oldest.Time, oldest.Valid, nil
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	defer rows.Close()
	var res []Event
	for rows.Next() {
		var (
			evt    Event
			action string
		)
		if err := rows.Scan(&evt.ID, &evt.ChatID, &evt.UserID, &evt.DisplayName, &action, &evt.When, &evt.Active, &evt.Synthetic, &evt.CreatedAt); err != nil {
			return nil, err
		}
		evt.Action = Action(action)
		res = append(res, evt)
	}
	return res, rows.Err()
}

// prepare fills defaults shared by every Log implementation.
func prepare(evt Event) (Event, error) {
	if !evt.Action.Valid() {
		return Event{}, xerrors.Errorf("%w: %q", ErrInvalidAction, evt.Action)
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.When.IsZero() {
		evt.When = time.Now().UTC()
	}
	evt.Active = evt.Action == ActionIn
	return evt, nil
}
