package board

import (
	"context"
	"database/sql"

	"golang.org/x/xerrors"
)

// PGStore keeps board records in Postgres.
type PGStore struct {
	db *sql.DB
}

var _ Store = (*PGStore)(nil)

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Get(ctx context.Context, chatID int64, typ MessageType) (*Record, error) {
	rec := Record{ChatID: chatID, Type: typ}
	err := s.db.QueryRowContext(ctx, `
		SELECT message_id, updated_on
		FROM board_messages
		WHERE chat_id = $1 AND message_type = $2
	`, chatID, string(typ)).Scan(&rec.MessageID, &rec.UpdatedOn)
	if xerrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Errorf("get %s record: %w", typ, err)
	}
	return &rec, nil
}

func (s *PGStore) Upsert(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO board_messages (chat_id, message_type, message_id, updated_on)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (chat_id, message_type)
		DO UPDATE SET message_id = EXCLUDED.message_id, updated_on = EXCLUDED.updated_on
	`, rec.ChatID, string(rec.Type), rec.MessageID, rec.UpdatedOn)
	if err != nil {
		return xerrors.Errorf("upsert %s record: %w", rec.Type, err)
	}
	return nil
}

func (s *PGStore) Delete(ctx context.Context, chatID int64, typ MessageType) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM board_messages WHERE chat_id = $1 AND message_type = $2
	`, chatID, string(typ)); err != nil {
		return xerrors.Errorf("delete %s record: %w", typ, err)
	}
	return nil
}

func (s *PGStore) ChatIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT chat_id FROM board_messages ORDER BY chat_id`)
	if err != nil {
		return nil, xerrors.Errorf("query board chats: %w", err)
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
