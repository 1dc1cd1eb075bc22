// Package notify delivers alerts about failed and abandoned runs.
package notify

import (
	"context"
	"fmt"
	"html"

	"go.uber.org/zap"

	"datasync/internal/config"
	"datasync/internal/pkg/telegram"
)

// Event describes a run that needs attention.
type Event struct {
	JobID       string
	JobName     string
	ExecutionID string
	Status      string
	Message     string
}

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// Telegram posts events to a chat through the Bot API.
type Telegram struct {
	api    *telegram.BotAPI
	chatID string
	logger *zap.Logger
}

func NewTelegram(api *telegram.BotAPI, chatID string, logger *zap.Logger) *Telegram {
	return &Telegram{api: api, chatID: chatID, logger: logger.Named("notify")}
}

// New returns a Telegram notifier when alerts are configured, Nop otherwise.
func New(cfg config.AlertConfig, logger *zap.Logger) Notifier {
	if cfg.TelegramToken == "" || cfg.TelegramChatID == "" {
		return Nop{}
	}
	return NewTelegram(telegram.NewBotAPI(cfg.TelegramToken, cfg.TelegramBaseURL), cfg.TelegramChatID, logger)
}

func (t *Telegram) Notify(ctx context.Context, ev Event) error {
	name := ev.JobName
	if name == "" {
		name = ev.JobID
	}
	text := fmt.Sprintf("⚠️ <b>Sync %s</b>\nJob: <code>%s</code>\nExecution: <code>%s</code>\n%s",
		html.EscapeString(ev.Status),
		html.EscapeString(name),
		html.EscapeString(ev.ExecutionID),
		html.EscapeString(ev.Message),
	)
	if err := t.api.SendMessage(ctx, t.chatID, text); err != nil {
		t.logger.Warn("Failed to send alert", zap.String("job_id", ev.JobID), zap.Error(err))
		return err
	}
	return nil
}
