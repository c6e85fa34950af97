// Package notify sends outbound admin alerts through the Telegram Bot API.
// Send-only: no polling, no webhook, no command handling lives here.
package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type Notifier struct {
	bot     *tgbotapi.BotAPI
	adminID int64
}

// New returns nil (no error) when no token or admin is configured; callers
// treat a nil notifier as alerts-disabled.
func New(botToken string, adminID int64) (*Notifier, error) {
	if botToken == "" || adminID == 0 {
		return nil, nil
	}
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("notify: bot init: %w", err)
	}
	return &Notifier{bot: bot, adminID: adminID}, nil
}

func (n *Notifier) AdminAlert(text string) error {
	if n == nil {
		return nil
	}
	_, err := n.bot.Send(tgbotapi.NewMessage(n.adminID, text))
	return err
}

// TreasuryLow formats the standing low-watermark alert.
func (n *Notifier) TreasuryLow(treasury, threshold int64) error {
	return n.AdminAlert(fmt.Sprintf("⚠️ Treasury low: %d DPS left (threshold %d). Referral and task bonuses may start failing.", treasury, threshold))
}
