package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/hbomb79/Relay/pkg/logger"
)

const (
	DefaultPollTimeout = time.Second * 60
	pollRetryDelay     = time.Second * 3
)

// AllowedUpdates are the update types the bot subscribes to.
var AllowedUpdates = []string{"message", "business_message", "callback_query"}

type (
	// Incoming is a text message, received directly or through a business
	// connection.
	Incoming struct {
		ChatID               int64
		ChatType             string
		MessageID            int
		FromID               int64
		Username             string
		FirstName            string
		Text                 string
		BusinessConnectionID string
	}

	// Callback is an inline button press. The chat fields describe the
	// message the button was attached to.
	Callback struct {
		ID        string
		FromID    int64
		Username  string
		FirstName string
		ChatID    int64
		ChatType  string
		MessageID int
		Data      string
	}

	// Inbound is a decoded update. Exactly one of Message or Callback is
	// set for updates the bot acts on; both are nil otherwise.
	Inbound struct {
		UpdateID int
		Message  *Incoming
		Callback *Callback
	}

	// InboundHandler is called for every update received.
	InboundHandler func(context.Context, Inbound)

	// envelope mirrors the Bot API update, including the business fields
	// which tgbotapi.Update does not carry.
	envelope struct {
		UpdateID        int                     `json:"update_id"`
		Message         *tgbotapi.Message       `json:"message"`
		BusinessMessage *businessMessage        `json:"business_message"`
		CallbackQuery   *tgbotapi.CallbackQuery `json:"callback_query"`
	}

	businessMessage struct {
		tgbotapi.Message
		BusinessConnectionID string `json:"business_connection_id"`
	}

	// Poller receives updates by long polling getUpdates.
	Poller struct {
		bot     *Bot
		timeout time.Duration
		handler InboundHandler
		offset  int
	}
)

func NewPoller(bot *Bot, timeout time.Duration, handler InboundHandler) *Poller {
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}

	return &Poller{bot: bot, timeout: timeout, handler: handler}
}

// Run polls until the context is cancelled. Failed polls are retried after
// a short delay.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.bot.DeleteWebhook(ctx); err != nil {
		log.Emit(logger.WARNING, "Failed to remove webhook before polling: %v\n", err)
	}

	log.Emit(logger.NEW, "Polling for updates (timeout %s)\n", p.timeout)
	for {
		if ctx.Err() != nil {
			log.Emit(logger.STOP, "Update poller closed\n")
			return nil
		}

		updates, err := p.poll(ctx)
		if err != nil {
			log.Emit(logger.WARNING, "Polling for updates failed, retrying in %s: %v\n", pollRetryDelay, err)
			select {
			case <-time.After(pollRetryDelay):
			case <-ctx.Done():
			}
			continue
		}

		for _, update := range updates {
			p.handler(ctx, update)
		}
	}
}

func (p *Poller) poll(ctx context.Context) ([]Inbound, error) {
	params := make(tgbotapi.Params)
	params.AddNonZero("offset", p.offset)
	params.AddNonZero("timeout", int(p.timeout.Seconds()))
	if err := params.AddInterface("allowed_updates", AllowedUpdates); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := p.bot.api.MakeRequest("getUpdates", params)
	if err != nil {
		return nil, err
	}

	var envelopes []envelope
	if err := json.Unmarshal(resp.Result, &envelopes); err != nil {
		return nil, fmt.Errorf("failed to decode updates: %w", err)
	}

	updates := make([]Inbound, 0, len(envelopes))
	for _, env := range envelopes {
		if env.UpdateID >= p.offset {
			p.offset = env.UpdateID + 1
		}
		updates = append(updates, env.inbound())
	}

	return updates, nil
}

// DecodeUpdate decodes a single update, as delivered to a webhook.
func DecodeUpdate(r io.Reader) (Inbound, error) {
	var env envelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return Inbound{}, fmt.Errorf("failed to decode update: %w", err)
	}

	return env.inbound(), nil
}

// SetWebhook registers the URL Telegram should deliver updates to. The
// secret is echoed back in the X-Telegram-Bot-Api-Secret-Token header.
func (bot *Bot) SetWebhook(ctx context.Context, url string, secret string) error {
	params := make(tgbotapi.Params)
	params.AddNonEmpty("url", url)
	params.AddNonEmpty("secret_token", secret)
	if err := params.AddInterface("allowed_updates", AllowedUpdates); err != nil {
		return err
	}

	return bot.request(ctx, "setWebhook", params)
}

func (bot *Bot) DeleteWebhook(ctx context.Context) error {
	return bot.request(ctx, "deleteWebhook", make(tgbotapi.Params))
}

func (env envelope) inbound() Inbound {
	in := Inbound{UpdateID: env.UpdateID}
	switch {
	case env.Message != nil:
		in.Message = incomingFrom(env.Message, "")
	case env.BusinessMessage != nil:
		in.Message = incomingFrom(&env.BusinessMessage.Message, env.BusinessMessage.BusinessConnectionID)
	case env.CallbackQuery != nil:
		in.Callback = callbackFrom(env.CallbackQuery)
	}

	return in
}

func incomingFrom(msg *tgbotapi.Message, connectionID string) *Incoming {
	in := &Incoming{MessageID: msg.MessageID, Text: msg.Text, BusinessConnectionID: connectionID}
	if in.Text == "" {
		in.Text = msg.Caption
	}
	if msg.Chat != nil {
		in.ChatID, in.ChatType = msg.Chat.ID, msg.Chat.Type
	}
	if msg.From != nil {
		in.FromID, in.Username, in.FirstName = msg.From.ID, msg.From.UserName, msg.From.FirstName
	}

	return in
}

func callbackFrom(query *tgbotapi.CallbackQuery) *Callback {
	cb := &Callback{ID: query.ID, Data: query.Data}
	if query.From != nil {
		cb.FromID, cb.Username, cb.FirstName = query.From.ID, query.From.UserName, query.From.FirstName
	}
	if query.Message != nil {
		cb.MessageID = query.Message.MessageID
		if query.Message.Chat != nil {
			cb.ChatID, cb.ChatType = query.Message.Chat.ID, query.Message.Chat.Type
		}
	}

	return cb
}
