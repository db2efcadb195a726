// Package gateway is the messaging transport boundary: sending, editing,
// pinning and deleting chat messages, and answering button presses.
package gateway

import (
	"context"

	"golang.org/x/xerrors"
)

// Button is one inline control. Data is echoed back on press.
type Button struct {
	Text string
	Data string
}

// Controls are rows of buttons attached to a message. Nil removes controls.
type Controls [][]Button

// Gateway sends and manages chat messages.
type Gateway interface {
	Send(ctx context.Context, chatID int64, text string, controls Controls) (int, error)
	Edit(ctx context.Context, chatID int64, messageID int, text string, controls Controls) error
	EditControls(ctx context.Context, chatID int64, messageID int, controls Controls) error
	Delete(ctx context.Context, chatID int64, messageID int) error
	Pin(ctx context.Context, chatID int64, messageID int) error
	Unpin(ctx context.Context, chatID int64, messageID int) error
	AnswerInteraction(ctx context.Context, interactionID, text string) error
}

var (
	// ErrMessageGone means the target message no longer exists or can no
	// longer be changed. Callers treat the message as absent.
	ErrMessageGone = xerrors.New("gateway: message gone")
	// ErrNotModified means an edit carried identical content.
	ErrNotModified = xerrors.New("gateway: message not modified")
)

// Kind classifies a gateway result.
type Kind int

const (
	// KindOK covers success and no-op edits.
	KindOK Kind = iota
	// KindTransient means the message is absent; recreate it.
	KindTransient
	// KindFailure is any other transport failure; retry on the next pass.
	KindFailure
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindTransient:
		return "transient"
	default:
		return "failure"
	}
}

// Classify maps a gateway error onto a Kind.
func Classify(err error) Kind {
	switch {
	case err == nil, xerrors.Is(err, ErrNotModified):
		return KindOK
	case xerrors.Is(err, ErrMessageGone):
		return KindTransient
	default:
		return KindFailure
	}
}

// Update is an inbound event from the transport.
type Update struct {
	// Interaction is set for button presses.
	Interaction *Interaction
	// Command is set for slash commands such as /start.
	Command *Command
}

// Interaction is a button press on a message.
type Interaction struct {
	ID          string
	ChatID      int64
	MessageID   int
	UserID      int64
	DisplayName string
	Data        string
}

// Command is a slash command sent to a chat.
type Command struct {
	ChatID      int64
	UserID      int64
	DisplayName string
	Name        string
}
