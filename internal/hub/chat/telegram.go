package chat

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/telemux/telemux/internal/hub/retry"
)

// requestTimeout bounds every Telegram API call.
const requestTimeout = 10 * time.Second

// secretHeader is echoed back by Telegram when the webhook was
// registered with a secret token.
const secretHeader = "X-Telegram-Bot-Api-Secret-Token"

// ErrBadSecret is returned by ParseUpdate when the webhook secret does
// not match.
var ErrBadSecret = errors.New("webhook secret mismatch")

// Telegram delivers notifications through the Bot API.
type Telegram struct {
	bot           *tgbotapi.BotAPI
	defaultChatID int64
}

// NewTelegram authenticates against the Bot API. The returned sender
// uses chatID as the default destination.
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	client := &http.Client{Timeout: requestTimeout}
	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("telegram: authenticate bot: %w", err)
	}
	slog.Info("telegram bot authenticated", "username", bot.Self.UserName)
	return &Telegram{bot: bot, defaultChatID: chatID}, nil
}

// Send delivers one notification as an HTML-formatted message. A 400
// response usually means the HTML did not survive splitting, so the
// message is resent once as plain text before giving up.
func (t *Telegram) Send(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	chatID := n.ChatID
	if chatID == 0 {
		chatID = t.defaultChatID
	}

	msg := tgbotapi.NewMessage(chatID, n.Text)
	msg.ParseMode = tgbotapi.ModeHTML
	if len(n.Buttons) > 0 {
		row := make([]tgbotapi.InlineKeyboardButton, 0, len(n.Buttons))
		for _, b := range n.Buttons {
			row = append(row, tgbotapi.NewInlineKeyboardButtonData(b.Label, b.Data))
		}
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(row)
	}

	_, err := t.bot.Send(msg)
	if err == nil {
		return nil
	}

	if code, _ := apiErrorCode(err); code == http.StatusBadRequest {
		slog.Warn("telegram rejected HTML, falling back to plain text", "error", err)
		msg.ParseMode = ""
		_, err = t.bot.Send(msg)
		if err == nil {
			return nil
		}
	}
	return classifyAPIError(err)
}

// AnswerCallback acknowledges a button press.
func (t *Telegram) AnswerCallback(ctx context.Context, callbackID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := t.bot.Request(tgbotapi.NewCallback(callbackID, "")); err != nil {
		return fmt.Errorf("answer callback: %w", err)
	}
	return nil
}

// RegisterWebhook points the bot's webhook at webhookURL. A non-empty
// secret is registered alongside and later verified by ParseUpdate.
func (t *Telegram) RegisterWebhook(webhookURL, secret string) error {
	params := tgbotapi.Params{"url": webhookURL}
	if secret != "" {
		params["secret_token"] = secret
	}
	if _, err := t.bot.MakeRequest("setWebhook", params); err != nil {
		return fmt.Errorf("set webhook: %w", err)
	}
	slog.Info("telegram webhook registered", "url", webhookURL)
	return nil
}

// BotLink returns the t.me deep link for the bot account, or "" when
// the username is unknown.
func (t *Telegram) BotLink() string {
	if t.bot.Self.UserName == "" {
		return ""
	}
	return "https://t.me/" + t.bot.Self.UserName
}

// DeleteWebhook removes the webhook registration.
func (t *Telegram) DeleteWebhook() error {
	if _, err := t.bot.MakeRequest("deleteWebhook", tgbotapi.Params{}); err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	return nil
}

// ParseUpdate decodes a webhook request into an Update. When secret is
// non-empty the request must carry the matching token header; a
// mismatch returns ErrBadSecret. Update kinds the hub does not handle
// decode to nil.
func ParseUpdate(r *http.Request, secret string) (*Update, error) {
	if secret != "" {
		header := r.Header.Get(secretHeader)
		if subtle.ConstantTimeCompare([]byte(header), []byte(secret)) != 1 {
			return nil, ErrBadSecret
		}
	}

	var tu tgbotapi.Update
	if err := json.NewDecoder(r.Body).Decode(&tu); err != nil {
		return nil, fmt.Errorf("decode update: %w", err)
	}

	switch {
	case tu.Message != nil:
		u := &Update{
			MessageID: tu.Message.MessageID,
			Text:      tu.Message.Text,
		}
		if tu.Message.Chat != nil {
			u.ChatID = tu.Message.Chat.ID
		}
		if tu.Message.From != nil {
			u.UserID = tu.Message.From.ID
		}
		return u, nil

	case tu.CallbackQuery != nil:
		cq := tu.CallbackQuery
		u := &Update{
			Callback: &Callback{ID: cq.ID, Data: cq.Data},
		}
		if cq.Message != nil && cq.Message.Chat != nil {
			u.ChatID = cq.Message.Chat.ID
		}
		if cq.From != nil {
			u.UserID = cq.From.ID
		}
		return u, nil
	}
	return nil, nil
}

// classifyAPIError wraps client errors as permanent so the retry
// middleware fails fast; rate limits and server errors stay retryable.
func classifyAPIError(err error) error {
	code, _ := apiErrorCode(err)
	if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
		return retry.Permanent(fmt.Errorf("telegram: %w", err))
	}
	return fmt.Errorf("telegram: %w", err)
}

// apiErrorCode extracts the HTTP status and retry-after hint from a Bot
// API error. Network-level errors report code 0.
func apiErrorCode(err error) (code, retryAfter int) {
	switch e := err.(type) {
	case *tgbotapi.Error:
		return e.Code, e.ResponseParameters.RetryAfter
	case tgbotapi.Error:
		return e.Code, e.ResponseParameters.RetryAfter
	}
	return 0, 0
}
