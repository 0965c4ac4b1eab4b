// Package extractor defines the contract shared by every media source the
// bot understands, along with the helpers used to select a source for an
// inbound URL.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	// ErrUnsupportedHost is returned by an Extractor's Classify when the
	// URL does not belong to it. The registry moves on to the next extractor.
	ErrUnsupportedHost = errors.New("host not supported by extractor")

	// ErrNoMatch is returned by the Registry when a message contains no
	// URL understood by any extractor. Such messages are ignored.
	ErrNoMatch = errors.New("no extractor matched message")
)

type (
	Kind    int
	Variant int

	// Classification is the result of matching a URL against an extractor,
	// performed without any network access.
	Classification struct {
		Source       string
		Variant      Variant
		Subject      string
		CanonicalURL string
		Cacheable    bool
	}

	// Description holds the metadata of a source item, which is needed to
	// render a caption even when the media itself is served from the cache.
	// Detail is private to the extractor which produced it.
	Description struct {
		Caption   string
		Title     string
		Performer string
		Duration  time.Duration
		Detail    any
	}

	// StagedItem is a single file written to a request's staging area.
	StagedItem struct {
		Path     string
		Kind     Kind
		Width    int
		Height   int
		Duration time.Duration
	}

	Result struct {
		Items   []StagedItem
		Caption string
	}

	// Extractor is implemented by every media source. Classify must be
	// free of side effects; Describe and Fetch may block on network I/O.
	Extractor interface {
		Name() string
		Classify(*url.URL) (Classification, error)
		Describe(context.Context, Classification) (*Description, error)
		Fetch(ctx context.Context, class Classification, desc *Description, dir string) (*Result, error)
	}
)

const (
	Image Kind = iota
	Video
	Audio
)

const (
	Post Variant = iota
	Reel
	Story
	YoutubeVideo
	Music
)

func (k Kind) String() string {
	switch k {
	case Image:
		return "image"
	case Video:
		return "video"
	case Audio:
		return "audio"
	}

	return fmt.Sprintf("UNKNOWN[%d]", int(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "image":
		return Image, nil
	case "video":
		return Video, nil
	case "audio":
		return Audio, nil
	}

	return 0, fmt.Errorf("unknown media kind %q", s)
}

func (v Variant) String() string {
	switch v {
	case Post:
		return "POST"
	case Reel:
		return "REEL"
	case Story:
		return "STORY"
	case YoutubeVideo:
		return "VIDEO"
	case Music:
		return "MUSIC"
	}

	return fmt.Sprintf("UNKNOWN[%d]", int(v))
}

// Action is the name recorded for usage accounting of a request
// with this classification.
func (c Classification) Action() string {
	switch c.Variant {
	case YoutubeVideo:
		return "youtube_video"
	case Music:
		return "youtube_audio"
	}

	return c.Source
}

// Partition splits the items by kind, preserving the relative order
// within each kind.
func Partition(items []StagedItem) (visual []StagedItem, audio []StagedItem) {
	for _, it := range items {
		if it.Kind == Audio {
			audio = append(audio, it)
		} else {
			visual = append(visual, it)
		}
	}

	return
}

// AudioProvider is implemented by extractors which can offer an audio-only
// alternative for a classification. AudioCallback returns the inline button
// payload which requests it, or "" if no alternative is offered.
type AudioProvider interface {
	AudioOnly(Classification) (Classification, error)
	AudioCallback(Classification) string
}
