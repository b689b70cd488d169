package alert

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"chatgate/internal/apperr"
)

// TelegramConfig configures the Telegram channel. The bot is send-only;
// no poller is attached.
type TelegramConfig struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`

	// MessagesPerSec caps outgoing sends; Telegram throttles chatty bots.
	MessagesPerSec float64 `json:"messages_per_sec"`
}

type telegramChannel struct {
	bot     *tele.Bot
	chat    *tele.Chat
	limiter *rate.Limiter
}

func NewTelegramChannel(cfg TelegramConfig) (Channel, error) {
	if cfg.Token == "" || cfg.ChatID == 0 {
		return nil, apperr.New(apperr.CodeConfiguration, "telegram channel requires token and chat_id")
	}
	bot, err := tele.NewBot(tele.Settings{Token: cfg.Token, Offline: false})
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeConfiguration, "telegram bot init", err)
	}
	rps := cfg.MessagesPerSec
	if rps <= 0 {
		rps = 1
	}
	return &telegramChannel{
		bot:     bot,
		chat:    &tele.Chat{ID: cfg.ChatID},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}, nil
}

func (c *telegramChannel) Name() string { return "telegram" }

func (c *telegramChannel) Send(ctx context.Context, a Alert) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	text := fmt.Sprintf("%s *%s*\n%s", severityMarker(a.Severity), a.Title, a.Message)
	if _, err := c.bot.Send(c.chat, text, tele.ModeMarkdown); err != nil {
		return apperr.Wrap(apperr.CodeInternal, "telegram send", err)
	}
	return nil
}
