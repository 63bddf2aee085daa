// Package notify alerts an operator about settlements that need a human,
// chiefly burns that were verified but never paid out.
package notify

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
)

type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Log writes alerts to the logger only. Used when no bot is configured.
type Log struct {
	Logger *logrus.Logger
}

func (n Log) Notify(_ context.Context, text string) error {
	n.Logger.WithField("alert", true).Warn(text)
	return nil
}

// Telegram posts alerts to one operator chat.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *logrus.Logger
}

func NewTelegram(token string, chatID int64, logger *logrus.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to init telegram bot: %w", err)
	}
	logger.WithField("bot", bot.Self.UserName).Info("telegram alerts enabled")
	return &Telegram{bot: bot, chatID: chatID, logger: logger}, nil
}

func (t *Telegram) Notify(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.WithError(err).Error("failed to send telegram alert")
		return fmt.Errorf("failed to send telegram alert: %w", err)
	}
	return nil
}
