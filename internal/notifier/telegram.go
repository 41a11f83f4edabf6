package notifier

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/zepia/keygate/internal/model"
)

// botSender is the part of tgbotapi.BotAPI the channel uses.
type botSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram posts an operator alert for every issued or renewed key. The
// key itself is masked.
type Telegram struct {
	bot    botSender
	chatID int64
}

// NewTelegram connects to the Bot API with token.
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("connect telegram bot: %w", err)
	}
	api.Debug = false
	return &Telegram{bot: api, chatID: chatID}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Notify(ctx context.Context, n model.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(t.chatID, alertText(n))
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("send telegram alert: %w", err)
	}
	return nil
}

func alertText(n model.Notification) string {
	kind := "New subscription"
	if n.IsRenewal {
		kind = "Subscription renewed"
	}
	return fmt.Sprintf("%s\nEmail: %s\nKey: %s", kind, n.RecipientEmail, maskKey(n.AccessKey))
}
