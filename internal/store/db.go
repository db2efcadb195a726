package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/xerrors"
)

// DB wraps sql.DB for Postgres using pgx.
type DB struct {
	Client *sql.DB
}

// NewDB opens a Postgres pool and verifies it within ctx.
func NewDB(ctx context.Context, connString string) (*DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, xerrors.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("ping postgres: %w", err)
	}
	return &DB{Client: db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS attendance_events (
	id            UUID PRIMARY KEY,
	chat_id       BIGINT NOT NULL,
	user_id       BIGINT NOT NULL,
	display_name  TEXT NOT NULL DEFAULT '',
	action        TEXT NOT NULL CHECK (action IN ('in', 'break', 'out')),
	occurred_at   TIMESTAMPTZ NOT NULL,
	is_active     BOOLEAN NOT NULL DEFAULT FALSE,
	synthetic     BOOLEAN NOT NULL DEFAULT FALSE,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS attendance_events_one_active
	ON attendance_events (chat_id, user_id) WHERE is_active;
CREATE INDEX IF NOT EXISTS attendance_events_chat_time
	ON attendance_events (chat_id, occurred_at);

CREATE TABLE IF NOT EXISTS board_messages (
	chat_id       BIGINT NOT NULL,
	message_type  TEXT NOT NULL CHECK (message_type IN ('status', 'welcome')),
	message_id    INTEGER NOT NULL,
	updated_on    DATE NOT NULL,
	PRIMARY KEY (chat_id, message_type)
);
`

// Migrate creates the tables if they do not exist.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.Client.ExecContext(ctx, schema); err != nil {
		return xerrors.Errorf("migrate: %w", err)
	}
	return nil
}

// Healthy verifies the pool can reach the server.
func (d *DB) Healthy(ctx context.Context) bool {
	if d == nil || d.Client == nil {
		return false
	}
	return d.Client.PingContext(ctx) == nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}
