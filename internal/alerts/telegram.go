// Package alerts notifies an operator of significant trading events over
// Telegram.
package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
)

// Telegram sends operator alerts through the bot API. A nil *Telegram is a
// valid no-op sender, so callers never need an enabled check.
type Telegram struct {
	http   *resty.Client
	chatID string
	logger *slog.Logger
}

// NewTelegram returns nil when disabled or unconfigured.
func NewTelegram(botToken, chatID string, logger *slog.Logger) *Telegram {
	if botToken == "" || chatID == "" {
		return nil
	}
	return &Telegram{
		http: resty.New().
			SetBaseURL("https://api.telegram.org/bot" + botToken).
			SetTimeout(10 * time.Second),
		chatID: chatID,
		logger: logger.With("component", "alerts"),
	}
}

// Send delivers one message. Failures are logged, never propagated; an
// alert must not break the trading loop.
func (t *Telegram) Send(ctx context.Context, format string, args ...any) {
	if t == nil {
		return
	}
	text := fmt.Sprintf(format, args...)
	resp, err := t.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"chat_id":    t.chatID,
			"text":       text,
			"parse_mode": "HTML",
		}).
		Post("/sendMessage")
	if err != nil {
		t.logger.Warn("telegram send failed", "error", err)
		return
	}
	if resp.IsError() {
		t.logger.Warn("telegram send rejected", "status", resp.StatusCode())
	}
}
