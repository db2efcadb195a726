// Package gatewaytest provides an in-memory Gateway that records every call.
package gatewaytest

import (
	"context"
	"sync"

	"golang.org/x/xerrors"

	"attendboard/internal/gateway"
)

// Message is the fake's view of one chat message.
type Message struct {
	ChatID   int64
	ID       int
	Text     string
	Controls gateway.Controls
	Pinned   bool
	Deleted  bool
	Edits    int
}

// Call is one recorded gateway invocation.
type Call struct {
	Method    string
	ChatID    int64
	MessageID int
	Text      string
}

// Fake is a thread-safe Gateway. Message ids are allocated sequentially
// starting at 100.
type Fake struct {
	mu       sync.Mutex
	nextID   int
	messages map[int]*Message
	calls    []Call
	answers  map[string]string

	sendErr error
	editErr error
	pinErr  error
}

var _ gateway.Gateway = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		nextID:   100,
		messages: make(map[int]*Message),
		answers:  make(map[string]string),
	}
}

func (f *Fake) record(method string, chatID int64, messageID int, text string) {
	f.calls = append(f.calls, Call{Method: method, ChatID: chatID, MessageID: messageID, Text: text})
}

// live returns the message if it exists, belongs to chatID and is not deleted.
func (f *Fake) live(chatID int64, messageID int) (*Message, error) {
	m, ok := f.messages[messageID]
	if !ok || m.ChatID != chatID || m.Deleted {
		return nil, xerrors.Errorf("%w: %d", gateway.ErrMessageGone, messageID)
	}
	return m, nil
}

func (f *Fake) Send(_ context.Context, chatID int64, text string, controls gateway.Controls) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Send", chatID, 0, text)
	if f.sendErr != nil {
		return 0, f.sendErr
	}
	id := f.nextID
	f.nextID++
	f.messages[id] = &Message{ChatID: chatID, ID: id, Text: text, Controls: controls}
	return id, nil
}

func (f *Fake) Edit(_ context.Context, chatID int64, messageID int, text string, controls gateway.Controls) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Edit", chatID, messageID, text)
	if f.editErr != nil {
		return f.editErr
	}
	m, err := f.live(chatID, messageID)
	if err != nil {
		return err
	}
	m.Text, m.Controls = text, controls
	m.Edits++
	return nil
}

func (f *Fake) EditControls(_ context.Context, chatID int64, messageID int, controls gateway.Controls) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("EditControls", chatID, messageID, "")
	if f.editErr != nil {
		return f.editErr
	}
	m, err := f.live(chatID, messageID)
	if err != nil {
		return err
	}
	m.Controls = controls
	return nil
}

func (f *Fake) Delete(_ context.Context, chatID int64, messageID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Delete", chatID, messageID, "")
	m, err := f.live(chatID, messageID)
	if err != nil {
		return err
	}
	m.Deleted, m.Pinned = true, false
	return nil
}

func (f *Fake) Pin(_ context.Context, chatID int64, messageID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Pin", chatID, messageID, "")
	if f.pinErr != nil {
		return f.pinErr
	}
	m, err := f.live(chatID, messageID)
	if err != nil {
		return err
	}
	m.Pinned = true
	return nil
}

func (f *Fake) Unpin(_ context.Context, chatID int64, messageID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Unpin", chatID, messageID, "")
	m, err := f.live(chatID, messageID)
	if err != nil {
		return err
	}
	m.Pinned = false
	return nil
}

func (f *Fake) AnswerInteraction(_ context.Context, interactionID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("AnswerInteraction", 0, 0, text)
	f.answers[interactionID] = text
	return nil
}

// Vanish deletes a message out from under the bot, as a user would.
func (f *Fake) Vanish(messageID int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.messages[messageID]; ok {
		m.Deleted, m.Pinned = true, false
	}
}

// Message returns a copy of a message and whether it was ever sent.
func (f *Fake) Message(messageID int) (Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[messageID]
	if !ok {
		return Message{}, false
	}
	return *m, true
}

// Live returns copies of the undeleted messages in chatID, oldest first.
func (f *Fake) Live(chatID int64) []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Message
	for id := 100; id < f.nextID; id++ {
		m, ok := f.messages[id]
		if ok && m.ChatID == chatID && !m.Deleted {
			out = append(out, *m)
		}
	}
	return out
}

// Calls returns the recorded calls, optionally filtered by method.
func (f *Fake) Calls(method string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Answer returns the feedback text given for an interaction.
func (f *Fake) Answer(interactionID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	text, ok := f.answers[interactionID]
	return text, ok
}

// SetErrors injects errors returned by Send, by Edit and EditControls, and
// by Pin. Nil clears.
func (f *Fake) SetErrors(send, edit, pin error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr, f.editErr, f.pinErr = send, edit, pin
}
