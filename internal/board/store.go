// Package board owns each chat's pinned status message: creating it, keeping
// it current, and retiring it when the day changes.
package board

import (
	"context"
	"sort"
	"time"

	"golang.org/x/xerrors"

	"attendboard/internal/attendance"
)

// MessageType distinguishes the messages a chat can have on record.
type MessageType string

const (
	TypeStatus  MessageType = "status"
	TypeWelcome MessageType = "welcome"
)

// Record points at a message the bot maintains in a chat. UpdatedOn is the
// local calendar date the message was last refreshed on, at UTC midnight.
type Record struct {
	ChatID    int64
	Type      MessageType
	MessageID int
	UpdatedOn time.Time
}

// Store persists at most one Record per (chat, type).
type Store interface {
	// Get returns nil, nil when no record exists.
	Get(ctx context.Context, chatID int64, typ MessageType) (*Record, error)
	Upsert(ctx context.Context, rec Record) error
	Delete(ctx context.Context, chatID int64, typ MessageType) error
	// ChatIDs lists chats with any record.
	ChatIDs(ctx context.Context) ([]int64, error)
}

// TrackedChats lists every chat the bot knows about: those with a record in
// store and those with attendance history in log, ascending.
func TrackedChats(ctx context.Context, log attendance.Log, store Store) ([]int64, error) {
	fromStore, err := store.ChatIDs(ctx)
	if err != nil {
		return nil, xerrors.Errorf("list board chats: %w", err)
	}
	fromLog, err := log.DistinctChatIDs(ctx)
	if err != nil {
		return nil, xerrors.Errorf("list event chats: %w", err)
	}
	seen := make(map[int64]struct{}, len(fromStore)+len(fromLog))
	ids := make([]int64, 0, len(fromStore)+len(fromLog))
	for _, id := range append(fromStore, fromLog...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
