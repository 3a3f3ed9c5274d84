package notify

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM NOTIFIER - operator alerts
// ═══════════════════════════════════════════════════════════════════════════════
//
// Best-effort push of trader dispatches and permanent sync failures.
// Optional: with no token configured every call is a no-op.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Telegram sends one-way operator messages
type Telegram struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

// New creates a notifier, or a disabled one when token is empty
func New(token string, chatID int64) (*Telegram, error) {
	if token == "" || chatID == 0 {
		log.Info().Msg("🔕 Telegram alerts disabled")
		return &Telegram{}, nil
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}

	log.Info().Str("bot", api.Self.UserName).Msg("🔔 Telegram alerts enabled")
	return &Telegram{api: api, chatID: chatID}, nil
}

// Notify sends one message; failures are logged and swallowed
func (t *Telegram) Notify(text string) {
	if t.api == nil {
		return
	}
	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.api.Send(msg); err != nil {
		log.Warn().Err(err).Msg("Telegram send failed")
	}
}
