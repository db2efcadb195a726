package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/xerrors"
)

// Telegram implements Gateway over the Telegram Bot API.
type Telegram struct {
	API *tgbotapi.BotAPI
}

var _ Gateway = (*Telegram)(nil)

// NewTelegram connects to the Bot API. Every request is bounded by timeout
// so a stuck call cannot hold a chat gate indefinitely.
func NewTelegram(token string, timeout time.Duration) (*Telegram, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	api, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, xerrors.Errorf("connect bot api: %w", err)
	}
	return &Telegram{API: api}, nil
}

func (t *Telegram) Send(ctx context.Context, chatID int64, text string, controls Controls) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if controls != nil {
		msg.ReplyMarkup = markup(controls)
	}
	sent, err := t.API.Send(msg)
	if err != nil {
		return 0, translate(err)
	}
	return sent.MessageID, nil
}

func (t *Telegram) Edit(ctx context.Context, chatID int64, messageID int, text string, controls Controls) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.API.Request(tgbotapi.NewEditMessageTextAndMarkup(chatID, messageID, text, markup(controls)))
	return translate(err)
}

func (t *Telegram) EditControls(ctx context.Context, chatID int64, messageID int, controls Controls) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.API.Request(tgbotapi.NewEditMessageReplyMarkup(chatID, messageID, markup(controls)))
	return translate(err)
}

func (t *Telegram) Delete(ctx context.Context, chatID int64, messageID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.API.Request(tgbotapi.NewDeleteMessage(chatID, messageID))
	return translate(err)
}

func (t *Telegram) Pin(ctx context.Context, chatID int64, messageID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.API.Request(tgbotapi.PinChatMessageConfig{
		ChatID:              chatID,
		MessageID:           messageID,
		DisableNotification: true,
	})
	return translate(err)
}

func (t *Telegram) Unpin(ctx context.Context, chatID int64, messageID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.API.Request(tgbotapi.UnpinChatMessageConfig{ChatID: chatID, MessageID: messageID})
	return translate(err)
}

func (t *Telegram) AnswerInteraction(ctx context.Context, interactionID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.API.Request(tgbotapi.NewCallback(interactionID, text))
	return translate(err)
}

// markup always returns a non-nil keyboard so that an empty one clears
// existing buttons.
func markup(controls Controls) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(controls))
	for _, row := range controls {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
		}
		rows = append(rows, buttons)
	}
	return tgbotapi.InlineKeyboardMarkup{InlineKeyboard: rows}
}

var goneMarkers = []string{
	"message to edit not found",
	"message to delete not found",
	"message to pin not found",
	"message not found",
	"message can't be edited",
	"message can't be deleted",
	"message_id_invalid",
}

// translate maps Bot API errors onto the package sentinels.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *tgbotapi.Error
	if !xerrors.As(err, &apiErr) {
		return err
	}
	desc := strings.ToLower(apiErr.Message)
	if strings.Contains(desc, "message is not modified") {
		return xerrors.Errorf("%w: %s", ErrNotModified, apiErr.Message)
	}
	for _, marker := range goneMarkers {
		if strings.Contains(desc, marker) {
			return xerrors.Errorf("%w: %s", ErrMessageGone, apiErr.Message)
		}
	}
	return xerrors.Errorf("bot api %d: %s", apiErr.Code, apiErr.Message)
}

// FromTelegram converts a Bot API update. ok is false for updates the bot
// does not act on.
func FromTelegram(u tgbotapi.Update) (Update, bool) {
	if cb := u.CallbackQuery; cb != nil && cb.Message != nil && cb.Message.Chat != nil && cb.From != nil {
		return Update{Interaction: &Interaction{
			ID:          cb.ID,
			ChatID:      cb.Message.Chat.ID,
			MessageID:   cb.Message.MessageID,
			UserID:      cb.From.ID,
			DisplayName: displayName(cb.From),
			Data:        cb.Data,
		}}, true
	}
	if msg := u.Message; msg != nil && msg.Chat != nil && msg.IsCommand() {
		cmd := &Command{ChatID: msg.Chat.ID, Name: msg.Command()}
		if msg.From != nil {
			cmd.UserID = msg.From.ID
			cmd.DisplayName = displayName(msg.From)
		}
		return Update{Command: cmd}, true
	}
	return Update{}, false
}

func displayName(u *tgbotapi.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name != "" {
		return name
	}
	if u.UserName != "" {
		return "@" + u.UserName
	}
	return "member"
}
