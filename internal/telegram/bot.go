// Package telegram is the bot's transport: it sends media and replies
// through the Bot API and decodes the updates it receives, including
// those delivered through a business connection.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/hbomb79/Relay/internal/extractor"
	"github.com/hbomb79/Relay/internal/relay"
	"github.com/hbomb79/Relay/pkg/logger"
	"golang.org/x/sync/semaphore"
)

var log = logger.Get("Telegram")

const (
	DefaultEndpoint    = tgbotapi.APIEndpoint
	DefaultUploadSlots = 4

	parseModeHTML     = "HTML"
	audioButtonLabel  = "🎵 Audio"
	attachmentPattern = "attach://%s"
)

var ErrNoHandle = errors.New("sent message carried no media handle")

type (
	Config struct {
		Token       string
		Endpoint    string
		UploadSlots int64
	}

	// Bot implements relay.Messenger on top of the Bot API. Requests are
	// built from raw Params so that every send can be addressed through a
	// business connection.
	Bot struct {
		api     *tgbotapi.BotAPI
		uploads *semaphore.Weighted
	}

	inputMedia struct {
		Type              string `json:"type"`
		Media             string `json:"media"`
		Caption           string `json:"caption,omitempty"`
		ParseMode         string `json:"parse_mode,omitempty"`
		Width             int    `json:"width,omitempty"`
		Height            int    `json:"height,omitempty"`
		Duration          int    `json:"duration,omitempty"`
		SupportsStreaming bool   `json:"supports_streaming,omitempty"`
	}

	reactionType struct {
		Type  string `json:"type"`
		Emoji string `json:"emoji"`
	}
)

// New connects to the Bot API (verifying the token with getMe).
func New(config Config, client *http.Client) (*Bot, error) {
	if config.Endpoint == "" {
		config.Endpoint = DefaultEndpoint
	}
	if config.UploadSlots <= 0 {
		config.UploadSlots = DefaultUploadSlots
	}
	if client == nil {
		client = &http.Client{}
	}

	api, err := tgbotapi.NewBotAPIWithClient(config.Token, config.Endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to telegram: %w", err)
	}

	log.Emit(logger.SUCCESS, "Authorized as @%s\n", api.Self.UserName)
	return &Bot{api: api, uploads: semaphore.NewWeighted(config.UploadSlots)}, nil
}

func (bot *Bot) Username() string { return bot.api.Self.UserName }

func (bot *Bot) BotLink() string { return "t.me/" + bot.api.Self.UserName }

func (bot *Bot) SendVideo(ctx context.Context, target relay.Target, media relay.Media, opts relay.SendOptions) (string, error) {
	params := bot.mediaParams(target, opts.Caption, media)
	params.AddBool("supports_streaming", true)
	if opts.AudioCallback != "" {
		markup := tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(audioButtonLabel, opts.AudioCallback),
		))
		if err := params.AddInterface("reply_markup", markup); err != nil {
			return "", err
		}
	}

	msg, err := bot.send(ctx, "sendVideo", "video", params, media)
	if err != nil {
		return "", err
	}

	switch {
	case msg.Video != nil:
		return msg.Video.FileID, nil
	case msg.Animation != nil:
		return msg.Animation.FileID, nil
	case msg.Document != nil:
		return msg.Document.FileID, nil
	}

	return "", ErrNoHandle
}

func (bot *Bot) SendAudio(ctx context.Context, target relay.Target, media relay.Media, opts relay.SendOptions) (string, error) {
	params := bot.mediaParams(target, opts.Caption, media)
	params.AddNonEmpty("title", media.Title)
	params.AddNonEmpty("performer", media.Performer)

	msg, err := bot.send(ctx, "sendAudio", "audio", params, media)
	if err != nil {
		return "", err
	}

	if msg.Audio != nil {
		return msg.Audio.FileID, nil
	} else if msg.Document != nil {
		return msg.Document.FileID, nil
	}

	return "", ErrNoHandle
}

// SendMediaGroup sends the media as a single album, captioned on its first
// item. The Bot API rejects albums of one, so a lone item is sent on its own.
func (bot *Bot) SendMediaGroup(ctx context.Context, target relay.Target, media []relay.Media, caption string) error {
	switch len(media) {
	case 0:
		return nil
	case 1:
		if media[0].Kind == extractor.Video {
			_, err := bot.SendVideo(ctx, target, media[0], relay.SendOptions{Caption: caption})
			return err
		}

		_, err := bot.send(ctx, "sendPhoto", "photo", bot.mediaParams(target, caption, media[0]), media[0])
		return err
	}

	params := baseParams(target)
	items := make([]inputMedia, 0, len(media))
	files := make([]tgbotapi.RequestFile, 0, len(media))
	for i, m := range media {
		item := inputMedia{Type: "photo", Width: m.Width, Height: m.Height}
		if m.Kind == extractor.Video {
			item.Type = "video"
			item.Duration = int(m.Duration.Seconds())
			item.SupportsStreaming = true
		}
		if i == 0 && caption != "" {
			item.Caption, item.ParseMode = caption, parseModeHTML
		}

		if m.Handle != "" {
			item.Media = m.Handle
		} else {
			name := fmt.Sprintf("file-%d", i)
			item.Media = fmt.Sprintf(attachmentPattern, name)
			files = append(files, tgbotapi.RequestFile{Name: name, Data: tgbotapi.FilePath(m.Path)})
		}

		items = append(items, item)
	}
	if err := params.AddInterface("media", items); err != nil {
		return err
	}

	if len(files) > 0 {
		if err := bot.uploads.Acquire(ctx, 1); err != nil {
			return err
		}
		defer bot.uploads.Release(1)
	}

	if _, err := bot.api.UploadFiles("sendMediaGroup", params, files); err != nil {
		return fmt.Errorf("sendMediaGroup failed: %w", err)
	}

	return nil
}

// Reply sends a plain text message in reply to the target message.
func (bot *Bot) Reply(ctx context.Context, target relay.Target, text string) error {
	params := baseParams(target)
	params.AddNonEmpty("text", text)
	params.AddNonZero("reply_to_message_id", target.MessageID)
	params.AddBool("allow_sending_without_reply", true)

	return bot.request(ctx, "sendMessage", params)
}

func (bot *Bot) React(ctx context.Context, target relay.Target, emoji string) error {
	params := baseParams(target)
	params.AddNonZero("message_id", target.MessageID)
	if err := params.AddInterface("reaction", []reactionType{{Type: "emoji", Emoji: emoji}}); err != nil {
		return err
	}

	return bot.request(ctx, "setMessageReaction", params)
}

func (bot *Bot) ChatAction(ctx context.Context, target relay.Target, action string) error {
	params := baseParams(target)
	params.AddNonEmpty("action", action)

	return bot.request(ctx, "sendChatAction", params)
}

// AnswerCallback acknowledges an inline button press.
func (bot *Bot) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	params := make(tgbotapi.Params)
	params.AddNonEmpty("callback_query_id", callbackID)
	params.AddNonEmpty("text", text)

	return bot.request(ctx, "answerCallbackQuery", params)
}

// NotifyOperator sends a plain message to the operator's private chat.
func (bot *Bot) NotifyOperator(ctx context.Context, operatorID int64, text string) error {
	params := make(tgbotapi.Params)
	params.AddNonZero64("chat_id", operatorID)
	params.AddNonEmpty("text", text)

	return bot.request(ctx, "sendMessage", params)
}

// send transmits a single media message, uploading the file at media.Path
// unless a handle is provided.
func (bot *Bot) send(ctx context.Context, method string, field string, params tgbotapi.Params, media relay.Media) (*tgbotapi.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var resp *tgbotapi.APIResponse
	var err error
	if media.Handle != "" {
		params.AddNonEmpty(field, media.Handle)
		resp, err = bot.api.MakeRequest(method, params)
	} else {
		if err := bot.uploads.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer bot.uploads.Release(1)

		resp, err = bot.api.UploadFiles(method, params, []tgbotapi.RequestFile{{Name: field, Data: tgbotapi.FilePath(media.Path)}})
	}
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", method, err)
	}

	var msg tgbotapi.Message
	if err := json.Unmarshal(resp.Result, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", method, err)
	}

	return &msg, nil
}

func (bot *Bot) request(ctx context.Context, method string, params tgbotapi.Params) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := bot.api.MakeRequest(method, params); err != nil {
		return fmt.Errorf("%s failed: %w", method, err)
	}

	return nil
}

func (bot *Bot) mediaParams(target relay.Target, caption string, media relay.Media) tgbotapi.Params {
	params := baseParams(target)
	if caption != "" {
		params.AddNonEmpty("caption", caption)
		params.AddNonEmpty("parse_mode", parseModeHTML)
	}
	params.AddNonZero("width", media.Width)
	params.AddNonZero("height", media.Height)
	params.AddNonZero("duration", int(media.Duration.Seconds()))

	return params
}

func baseParams(target relay.Target) tgbotapi.Params {
	params := make(tgbotapi.Params)
	params.AddNonZero64("chat_id", target.ChatID)
	params.AddNonEmpty("business_connection_id", target.BusinessConnectionID)

	return params
}
