// Package notify provides an optional Telegram notifier for scheduler and
// squareoff events — the sandbox core runs fine without it. Grounded on
// the teacher's internal/bot Telegram wiring (tgbotapi.NewBotAPI +
// tgbotapi.NewMessage), stripped down to send-only: this package never
// listens for inbound commands, since driving the sandbox is the HTTP/RPC
// façade's job, not a chat bot's.
package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

var logger = log.With().Str("component", "notify").Logger()

// Notifier sends fire-and-forget status messages to a single chat.
type Notifier struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

// New connects to the Telegram Bot API. Returns (nil, nil) if token is
// empty — callers treat a nil *Notifier as "notifications disabled" via
// the nil-safe methods below, rather than branching at every call site.
func New(token string, chatID int64) (*Notifier, error) {
	if token == "" {
		return nil, nil
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("notify: failed to create telegram client: %w", err)
	}
	logger.Info().Str("username", api.Self.UserName).Msg("telegram notifier connected")
	return &Notifier{api: api, chatID: chatID}, nil
}

func (n *Notifier) send(text string) {
	if n == nil || n.chatID == 0 {
		return
	}
	msg := tgbotapi.NewMessage(n.chatID, text)
	if _, err := n.api.Send(msg); err != nil {
		logger.Warn().Err(err).Msg("failed to send telegram notification")
	}
}

// Squareoff reports a group's cutoff sweep result.
func (n *Notifier) Squareoff(group string, ordersCancelled, positionsClosed int) {
	n.send(fmt.Sprintf("square-off %s: %d orders cancelled, %d positions closed", group, ordersCancelled, positionsClosed))
}

// Settlement reports the T+1 sweep's outcome.
func (n *Notifier) Settlement(settled int) {
	if settled == 0 {
		return
	}
	n.send(fmt.Sprintf("T+1 settlement: %d positions settled to holdings", settled))
}

// AutoReset reports the weekly fund reset.
func (n *Notifier) AutoReset(usersReset int) {
	n.send(fmt.Sprintf("weekly reset: %d users reset to starting capital", usersReset))
}
