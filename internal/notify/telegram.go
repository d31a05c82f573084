// Package notify delivers best-effort direct messages to players through
// Telegram.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"
)

// TelegramNotifier sends plain text messages to a user's private chat.
// The user id doubles as the chat id.
type TelegramNotifier struct {
	bot *tele.Bot
}

// Options tweaks the bot client. URL overrides the Bot API endpoint.
type Options struct {
	URL     string
	Timeout time.Duration
}

// NewTelegramNotifier creates a send-only bot client. It never polls for
// updates.
func NewTelegramNotifier(token string, opts Options) (*TelegramNotifier, error) {
	if token == "" {
		return nil, fmt.Errorf("bot token is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	bot, err := tele.NewBot(tele.Settings{
		Token:   token,
		URL:     opts.URL,
		Offline: true,
		Client:  &http.Client{Timeout: opts.Timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	return &TelegramNotifier{bot: bot}, nil
}

// Notify sends text to userID.
func (n *TelegramNotifier) Notify(ctx context.Context, userID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := n.bot.Send(tele.ChatID(userID), text); err != nil {
		return fmt.Errorf("failed to notify user %d: %w", userID, err)
	}
	log.Debug().Int64("user_id", userID).Msg("Notification sent")
	return nil
}

// Nop drops every notification. It stands in when no bot token is set.
type Nop struct{}

// Notify does nothing.
func (Nop) Notify(context.Context, int64, string) error { return nil }
