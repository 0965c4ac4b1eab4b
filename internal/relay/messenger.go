package relay

import (
	"context"
	"time"

	"github.com/hbomb79/Relay/internal/extractor"
)

type (
	// Media is an item to transmit: either a staged file (Path) or the
	// handle of previously uploaded media (Handle).
	Media struct {
		Path      string
		Handle    string
		Kind      extractor.Kind
		Width     int
		Height    int
		Duration  time.Duration
		Title     string
		Performer string
	}

	SendOptions struct {
		Caption string

		// AudioCallback, when set, attaches an inline button offering the
		// audio track with this callback payload.
		AudioCallback string
	}

	// Messenger is the outbound side of the chat platform. SendVideo and
	// SendAudio return the platform handle of the transmitted media.
	Messenger interface {
		SendVideo(ctx context.Context, target Target, media Media, opts SendOptions) (string, error)
		SendAudio(ctx context.Context, target Target, media Media, opts SendOptions) (string, error)
		SendMediaGroup(ctx context.Context, target Target, media []Media, caption string) error
		Reply(ctx context.Context, target Target, text string) error
		React(ctx context.Context, target Target, emoji string) error
		ChatAction(ctx context.Context, target Target, action string) error
		BotLink() string
	}
)

func mediaFromItem(item extractor.StagedItem, desc *extractor.Description) Media {
	m := Media{Path: item.Path, Kind: item.Kind, Width: item.Width, Height: item.Height, Duration: item.Duration}
	if desc != nil {
		m.Title, m.Performer = desc.Title, desc.Performer
		if m.Duration == 0 {
			m.Duration = desc.Duration
		}
	}

	return m
}
