package attendance

import (
	"time"

	"golang.org/x/xerrors"
)

// Action is a member's attendance state transition.
type Action string

const (
	ActionIn    Action = "in"
	ActionBreak Action = "break"
	ActionOut   Action = "out"
)

var (
	// ErrInvalidAction is returned for actions outside in/break/out.
	ErrInvalidAction = xerrors.New("attendance: invalid action")
	// ErrDuplicateAction is returned when a member re-presses their current state.
	ErrDuplicateAction = xerrors.New("attendance: duplicate action")
	// ErrAlreadyOut is returned for any action after the member checked out today.
	ErrAlreadyOut = xerrors.New("attendance: already checked out today")
)

// ParseAction validates a raw action string.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if !a.Valid() {
		return "", xerrors.Errorf("%w: %q", ErrInvalidAction, s)
	}
	return a, nil
}

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionIn, ActionBreak, ActionOut:
		return true
	}
	return false
}

// User is a chat participant as seen by the transport.
type User struct {
	ID          int64
	DisplayName string
}

// Event represents a recorded attendance event.
type Event struct {
	ID          string
	ChatID      int64
	UserID      int64
	DisplayName string
	Action      Action
	When        time.Time
	// Active marks the member's open "in"; maintained by the log on append.
	Active bool
	// Synthetic events are appended by rollover, not by a member.
	Synthetic bool
	CreatedAt time.Time
}
