package bot

import (
	"context"
	"encoding/json"

	"cdr.dev/slog/v3"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/xerrors"

	"attendboard/internal/attendance"
	"attendboard/internal/board"
	"attendboard/internal/confirm"
	"attendboard/internal/gateway"
	"attendboard/internal/queue"
)

var actionDone = map[attendance.Action]string{
	attendance.ActionIn:    "Checked in.",
	attendance.ActionBreak: "Enjoy your break.",
	attendance.ActionOut:   "Please confirm your check-out.",
}

// Handle dispatches one inbound update. Button presses are always answered.
func (b *Bot) Handle(ctx context.Context, u gateway.Update) {
	switch {
	case u.Interaction != nil:
		b.handleInteraction(ctx, *u.Interaction)
	case u.Command != nil && u.Command.Name == "start":
		if err := b.OnStart(ctx, u.Command.ChatID); err != nil {
			b.logger.Warn(ctx, "welcome",
				slog.F("chat_id", u.Command.ChatID),
				slog.F("error_kind", ErrorKind(err)),
				slog.Error(err),
			)
		}
	}
}

func (b *Bot) handleInteraction(ctx context.Context, in gateway.Interaction) {
	var (
		err error
		ok  string
	)
	if action, isAction := board.ParseControl(in.Data); isAction {
		err = b.OnUserAction(ctx, in.ChatID, attendance.User{ID: in.UserID, DisplayName: in.DisplayName}, action)
		ok = actionDone[action]
	} else if accept, isResponse := confirm.ParseResponse(in.Data); isResponse {
		err = b.OnConfirmationResponse(ctx, in.ChatID, in.MessageID, in.UserID, accept)
		ok = "Checked out. See you tomorrow!"
		if !accept {
			ok = "Check-out cancelled."
		}
	} else {
		err = xerrors.Errorf("%w: %q", ErrUnknownControl, in.Data)
	}

	text := ok
	if err != nil {
		text = Feedback(err)
	}
	if aerr := b.gw.AnswerInteraction(ctx, in.ID, text); aerr != nil {
		b.logger.Debug(ctx, "answer interaction", slog.Error(aerr))
	}

	if err == nil {
		return
	}
	fields := []slog.Field{
		slog.F("chat_id", in.ChatID),
		slog.F("user_id", in.UserID),
		slog.F("message_id", in.MessageID),
		slog.F("error_kind", ErrorKind(err)),
		slog.Error(err),
	}
	if Rejected(err) {
		b.logger.Debug(ctx, "interaction rejected", fields...)
		return
	}
	b.logger.Warn(ctx, "interaction failed", fields...)
}

// Run consumes raw Bot API updates from q until ctx ends, handling each in
// its own goroutine. Per-chat ordering is provided by the chat gates.
func (b *Bot) Run(ctx context.Context, q queue.Queue) error {
	msgs, err := q.Consume(ctx)
	if err != nil {
		return xerrors.Errorf("consume updates: %w", err)
	}
	for msg := range msgs {
		if msg.Type != queue.TypeUpdate {
			continue
		}
		var raw tgbotapi.Update
		if err := json.Unmarshal(msg.Body, &raw); err != nil {
			b.logger.Warn(ctx, "decode update", slog.Error(err))
			continue
		}
		u, ok := gateway.FromTelegram(raw)
		if !ok {
			continue
		}
		b.handlers.Add(1)
		go func() {
			defer b.handlers.Done()
			b.Handle(ctx, u)
		}()
	}
	b.handlers.Wait()
	return nil
}
