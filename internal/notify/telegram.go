// Package notify pushes trade lifecycle events to Telegram. The notifier
// is strictly best-effort: a dead bot or chat never affects trading.
package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	appconfig "github.com/quantfunk/perptrader/internal/config"
	"github.com/quantfunk/perptrader/internal/events"
)

// Notifier sends formatted messages for bus events.
type Notifier struct {
	api    *tgbotapi.BotAPI
	chatID int64
	logger zerolog.Logger
}

// New creates a Telegram notifier. An empty token returns nil, which
// Attach treats as disabled.
func New(cfg appconfig.TelegramConfig) *Notifier {
	logger := appconfig.NewLogger("telegram")
	if cfg.Token == "" {
		logger.Info().Msg("Telegram notifier disabled (no token)")
		return nil
	}
	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		logger.Warn().Err(err).Msg("Telegram bot init failed, notifier disabled")
		return nil
	}
	logger.Info().Str("bot_username", api.Self.UserName).Msg("Telegram notifier initialized")
	return &Notifier{api: api, chatID: cfg.ChatID, logger: logger}
}

// Attach subscribes the notifier to trade events. A nil notifier is a
// no-op so callers can attach unconditionally.
func (n *Notifier) Attach(bus *events.Bus) {
	if n == nil || bus == nil {
		return
	}
	bus.Subscribe(events.TypeTradeOpen, n.onTradeOpen)
	bus.Subscribe(events.TypeTradeClosed, n.onTradeClosed)
	bus.Subscribe(events.TypeRiskBlocked, n.onRiskBlocked)
}

func (n *Notifier) onTradeOpen(e events.Event) {
	msg := fmt.Sprintf("📈 *%s* %v @ %v\nqty %v | tp %v | sl %v",
		e.Symbol,
		e.Payload["direction"],
		e.Payload["entry_price"],
		e.Payload["qty"],
		e.Payload["tp_price"],
		e.Payload["sl_price"],
	)
	n.send(msg)
}

func (n *Notifier) onTradeClosed(e events.Event) {
	emoji := "✅"
	if pnl, ok := e.Payload["pnl_usdt"].(float64); ok && pnl < 0 {
		emoji = "❌"
	}
	msg := fmt.Sprintf("%s *%s* closed (%v)\npnl %v USDT | R %v",
		emoji,
		e.Symbol,
		e.Payload["exit_type"],
		e.Payload["pnl_usdt"],
		e.Payload["pnl_r"],
	)
	n.send(msg)
}

func (n *Notifier) onRiskBlocked(e events.Event) {
	n.send(fmt.Sprintf("⚠️ *%s* entry blocked: `%v`", e.Symbol, e.Payload["reason"]))
}

func (n *Notifier) send(text string) {
	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := n.api.Send(msg); err != nil {
		n.logger.Warn().Err(err).Msg("Failed to send Telegram message")
	}
}
