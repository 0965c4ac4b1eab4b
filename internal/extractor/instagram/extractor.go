// Package instagram fetches posts, reels and stories from Instagram using
// the web API, authenticating with an explicitly owned Session.
package instagram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/hbomb79/Relay/internal/extractor"
	"github.com/hbomb79/Relay/internal/ffmpeg"
	"github.com/hbomb79/Relay/pkg/logger"
)

var log = logger.Get("Instagram")

const (
	Name = "instagram"

	// Posts and reels share one cache key, as a shortcode names the same
	// media regardless of the URL shape it was shared with.
	canonicalReelPrefix  = "https://www.instagram.com/reel/"
	canonicalStoryPrefix = "https://www.instagram.com/stories/"

	ParseFailureReply  = "Could not parse this link."
	StoryUsernameReply = "Could not extract the username from the story URL."
	StoryFailureReply  = "Something went wrong while downloading the story. Please try again later."
	NoStoriesReply     = "Failed to download stories. The user might have no active stories or the account is private."
	VideoTooLargeReply = "The video is too large."

	storyCaptionPrefix = "Stories from "
)

type (
	Config struct {
		MaxSize extractor.MaxSize
	}

	Extractor struct {
		client  *Client
		session *Session
		prober  ffmpeg.Prober
		config  Config
	}
)

func New(client *Client, session *Session, prober ffmpeg.Prober, config Config) *Extractor {
	return &Extractor{client: client, session: session, prober: prober, config: config}
}

func (e *Extractor) Name() string { return Name }

// Classify accepts post, reel, tv and story URLs on the Instagram hosts.
func (e *Extractor) Classify(u *url.URL) (extractor.Classification, error) {
	host := u.Hostname()
	if host != "instagram.com" && host != "instagr.am" {
		return extractor.Classification{}, extractor.ErrUnsupportedHost
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	subject := ""
	if len(segments) > 1 {
		subject = segments[1]
	}

	switch segments[0] {
	case "p", "tv", "reel", "reels":
		if subject == "" {
			break
		}

		variant := extractor.Post
		if segments[0] == "reel" || segments[0] == "reels" {
			variant = extractor.Reel
		}
		return extractor.Classification{
			Source:       Name,
			Variant:      variant,
			Subject:      subject,
			CanonicalURL: canonicalReelPrefix + subject,
			Cacheable:    true,
		}, nil
	case "stories":
		if subject == "" || subject == "highlights" {
			return extractor.Classification{}, extractor.InputError(StoryUsernameReply, fmt.Errorf("no username in story url %s", u))
		}

		return extractor.Classification{
			Source:       Name,
			Variant:      extractor.Story,
			Subject:      subject,
			CanonicalURL: canonicalStoryPrefix + subject,
		}, nil
	}

	return extractor.Classification{}, extractor.InputError(ParseFailureReply, fmt.Errorf("unsupported instagram url %s", u))
}

// Describe resolves the media behind the classification, logging in first
// if required. The resolved media is carried in the Description's Detail.
func (e *Extractor) Describe(ctx context.Context, class extractor.Classification) (*extractor.Description, error) {
	if err := e.session.EnsureLogin(ctx); err != nil {
		log.Emit(logger.ERROR, "Instagram login failed: %v\n", err)
		return nil, e.wrap(class, extractor.FetchError(err))
	}

	if class.Variant == extractor.Story {
		detail, err := e.client.fetchStories(ctx, class.Subject)
		if hasStatus(err, http.StatusNotFound) || (err == nil && detail == nil) {
			return nil, extractor.NotFoundError(NoStoriesReply, fmt.Errorf("no stories available for %s", class.Subject))
		} else if err != nil {
			e.checkAuth(err)
			return nil, e.wrap(class, extractor.FetchError(err))
		}

		return &extractor.Description{Caption: storyCaptionPrefix + class.Subject, Performer: class.Subject, Detail: detail}, nil
	}

	detail, caption, err := e.client.fetchPost(ctx, class.Subject)
	if hasStatus(err, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound) || errors.Is(err, ErrNoMedia) {
		e.checkAuth(err)
		log.Emit(logger.WARNING, "Instagram API refused %s (%v), falling back to public page\n", class.Subject, err)
		detail, caption, err = e.client.fetchEmbed(ctx, class.Subject)
	}
	if err != nil {
		if errors.Is(err, ErrInvalidShortcode) {
			return nil, extractor.InputError(ParseFailureReply, err)
		}

		return nil, extractor.FetchError(fmt.Errorf("failed to resolve instagram post %s: %w", class.Subject, err))
	}

	return &extractor.Description{Caption: caption, Performer: detail.Owner, Detail: detail}, nil
}

// Fetch downloads every resolved file, in order, to the staging directory.
func (e *Extractor) Fetch(ctx context.Context, class extractor.Classification, desc *extractor.Description, dir string) (*extractor.Result, error) {
	detail, ok := desc.Detail.(*postDetail)
	if !ok || detail == nil {
		return nil, extractor.FetchError(fmt.Errorf("description for %s was not produced by the instagram extractor", class.CanonicalURL))
	}

	items := make([]extractor.StagedItem, 0, len(detail.Media))
	for i, media := range detail.Media {
		item, err := e.stage(ctx, media, filepath.Join(dir, stagedName(i, media.Kind)))
		if err != nil {
			return nil, e.wrap(class, err)
		}

		items = append(items, item)
	}

	log.Emit(logger.SUCCESS, "Staged %d item(s) for %s\n", len(items), class.CanonicalURL)
	return &extractor.Result{Items: items, Caption: desc.Caption}, nil
}

func (e *Extractor) stage(ctx context.Context, media remoteMedia, path string) (extractor.StagedItem, error) {
	body, size, err := e.client.download(ctx, media.URL)
	if err != nil {
		return extractor.StagedItem{}, extractor.FetchError(fmt.Errorf("failed to download instagram media: %w", err))
	}
	defer body.Close()

	if size > 0 && !e.config.MaxSize.Allows(size) {
		return extractor.StagedItem{}, extractor.TooLargeError(VideoTooLargeReply, fmt.Errorf("media is %d bytes, limit is %s", size, e.config.MaxSize))
	}
	if _, err := extractor.StageFile(path, body, e.config.MaxSize, VideoTooLargeReply); err != nil {
		return extractor.StagedItem{}, err
	}

	item := extractor.StagedItem{Path: path, Kind: media.Kind, Width: media.Width, Height: media.Height, Duration: media.Duration}
	if media.Kind == extractor.Video && e.prober != nil {
		if dims, err := e.prober.Probe(path); err != nil {
			log.Emit(logger.WARNING, "Failed to probe %s, sending without dimensions: %v\n", path, err)
		} else {
			item.Width, item.Height = dims.Width, dims.Height
			if dims.Duration > 0 {
				item.Duration = time.Duration(dims.Duration) * time.Second
			}
		}
	}

	return item, nil
}

// checkAuth invalidates the session when Instagram signals the cookies are
// no longer accepted.
func (e *Extractor) checkAuth(err error) {
	if hasStatus(err, http.StatusUnauthorized) && e.session.LoggedIn() {
		e.session.Invalidate()
	}
}

// wrap gives story failures their own reply, leaving errors which already
// carry a specific reply untouched.
func (e *Extractor) wrap(class extractor.Classification, err error) error {
	if class.Variant != extractor.Story {
		return err
	}

	var xErr *extractor.Error
	if errors.As(err, &xErr) && xErr.Reply != "" {
		return err
	}

	return &extractor.Error{Kind: extractor.KindOf(err), Reply: StoryFailureReply, Err: err}
}

func stagedName(index int, kind extractor.Kind) string {
	ext := ".jpg"
	if kind == extractor.Video {
		ext = ".mp4"
	}

	return fmt.Sprintf("%03d%s", index+1, ext)
}

func hasStatus(err error, codes ...int) bool {
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		return false
	}

	for _, code := range codes {
		if statusErr.StatusCode == code {
			return true
		}
	}

	return false
}
