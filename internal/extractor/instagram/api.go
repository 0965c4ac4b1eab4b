package instagram

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/hbomb79/Relay/internal/extractor"
	"github.com/mitchellh/mapstructure"
)

const shortcodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

const (
	mediaTypeImage    = 1
	mediaTypeVideo    = 2
	mediaTypeCarousel = 8
)

var (
	ErrInvalidShortcode = errors.New("invalid instagram shortcode")
	ErrNoMedia          = errors.New("instagram returned no media")
)

type (
	// mediaItem mirrors the subset of Instagram's media payload which is
	// needed. The same shape is used for posts, carousel children and
	// story items.
	mediaItem struct {
		MediaType      int     `mapstructure:"media_type"`
		Code           string  `mapstructure:"code"`
		VideoDuration  float64 `mapstructure:"video_duration"`
		OriginalWidth  int     `mapstructure:"original_width"`
		OriginalHeight int     `mapstructure:"original_height"`
		Caption        *struct {
			Text string `mapstructure:"text"`
		} `mapstructure:"caption"`
		User struct {
			Username string `mapstructure:"username"`
		} `mapstructure:"user"`
		ImageVersions struct {
			Candidates []mediaVersion `mapstructure:"candidates"`
		} `mapstructure:"image_versions2"`
		VideoVersions []mediaVersion `mapstructure:"video_versions"`
		CarouselMedia []mediaItem    `mapstructure:"carousel_media"`
	}

	mediaVersion struct {
		URL    string `mapstructure:"url"`
		Width  int    `mapstructure:"width"`
		Height int    `mapstructure:"height"`
	}

	mediaInfoResponse struct {
		Items []mediaItem `mapstructure:"items"`
	}

	profileResponse struct {
		Data struct {
			User *struct {
				ID        string `mapstructure:"id"`
				IsPrivate bool   `mapstructure:"is_private"`
			} `mapstructure:"user"`
		} `mapstructure:"data"`
	}

	reel struct {
		Items []mediaItem `mapstructure:"items"`
	}

	reelsResponse struct {
		Reels      map[string]reel `mapstructure:"reels"`
		ReelsMedia []reel          `mapstructure:"reels_media"`
	}

	// remoteMedia is a single downloadable file resolved from Instagram.
	remoteMedia struct {
		URL      string
		Kind     extractor.Kind
		Width    int
		Height   int
		Duration time.Duration
	}

	// postDetail is the extractor-private Detail carried in a Description.
	postDetail struct {
		Owner string
		Media []remoteMedia
	}
)

// ShortcodeToMediaID converts the shortcode found in a post URL to the
// numeric media id used by the private API.
func ShortcodeToMediaID(shortcode string) (string, error) {
	// Private posts carry a longer code, whose leading characters are the
	// public shortcode.
	if len(shortcode) > 11 {
		shortcode = shortcode[:11]
	}
	if shortcode == "" {
		return "", ErrInvalidShortcode
	}

	id := new(big.Int)
	base := big.NewInt(int64(len(shortcodeAlphabet)))
	for _, r := range shortcode {
		idx := strings.IndexRune(shortcodeAlphabet, r)
		if idx < 0 {
			return "", fmt.Errorf("%w: %q", ErrInvalidShortcode, shortcode)
		}

		id.Mul(id, base)
		id.Add(id, big.NewInt(int64(idx)))
	}

	return id.String(), nil
}

// fetchPost resolves the media for the shortcode via the private API.
func (c *Client) fetchPost(ctx context.Context, shortcode string) (*postDetail, string, error) {
	mediaID, err := ShortcodeToMediaID(shortcode)
	if err != nil {
		return nil, "", err
	}

	payload, err := c.getJSON(ctx, c.apiEndpoint("/api/v1/media/"+mediaID+"/info/"))
	if err != nil {
		return nil, "", err
	}

	var resp mediaInfoResponse
	if err := mapstructure.WeakDecode(payload, &resp); err != nil {
		return nil, "", fmt.Errorf("unexpected instagram media payload: %w", err)
	}
	if len(resp.Items) == 0 {
		return nil, "", ErrNoMedia
	}

	item := resp.Items[0]
	detail := &postDetail{Owner: item.User.Username, Media: flattenMedia(item)}
	if len(detail.Media) == 0 {
		return nil, "", ErrNoMedia
	}

	caption := ""
	if item.Caption != nil {
		caption = item.Caption.Text
	}

	return detail, caption, nil
}

// fetchStories resolves every active story item for the username. A nil
// result with no error means the user has no active stories.
func (c *Client) fetchStories(ctx context.Context, username string) (*postDetail, error) {
	payload, err := c.getJSON(ctx, c.webEndpoint("/api/v1/users/web_profile_info/?username="+url.QueryEscape(username)))
	if err != nil {
		return nil, err
	}

	var profile profileResponse
	if err := mapstructure.WeakDecode(payload, &profile); err != nil {
		return nil, fmt.Errorf("unexpected instagram profile payload: %w", err)
	}
	if profile.Data.User == nil || profile.Data.User.ID == "" {
		return nil, nil
	}

	userID := profile.Data.User.ID
	payload, err = c.getJSON(ctx, c.apiEndpoint("/api/v1/feed/reels_media/?reel_ids="+url.QueryEscape(userID)))
	if err != nil {
		return nil, err
	}

	var reels reelsResponse
	if err := mapstructure.WeakDecode(payload, &reels); err != nil {
		return nil, fmt.Errorf("unexpected instagram reels payload: %w", err)
	}

	var items []mediaItem
	if r, ok := reels.Reels[userID]; ok {
		items = r.Items
	} else if len(reels.ReelsMedia) > 0 {
		items = reels.ReelsMedia[0].Items
	}

	detail := &postDetail{Owner: username}
	for _, item := range items {
		detail.Media = append(detail.Media, flattenMedia(item)...)
	}
	if len(detail.Media) == 0 {
		return nil, nil
	}

	return detail, nil
}

// flattenMedia returns the downloadable files for an item in display order.
// Carousels contribute each child; videos prefer the first (best) version.
func flattenMedia(item mediaItem) []remoteMedia {
	switch item.MediaType {
	case mediaTypeCarousel:
		out := make([]remoteMedia, 0, len(item.CarouselMedia))
		for _, child := range item.CarouselMedia {
			out = append(out, flattenMedia(child)...)
		}
		return out
	case mediaTypeVideo:
		if len(item.VideoVersions) == 0 {
			return nil
		}
		v := item.VideoVersions[0]
		return []remoteMedia{{
			URL:      v.URL,
			Kind:     extractor.Video,
			Width:    v.Width,
			Height:   v.Height,
			Duration: time.Duration(item.VideoDuration * float64(time.Second)),
		}}
	case mediaTypeImage:
		if len(item.ImageVersions.Candidates) == 0 {
			return nil
		}
		img := item.ImageVersions.Candidates[0]
		return []remoteMedia{{URL: img.URL, Kind: extractor.Image, Width: img.Width, Height: img.Height}}
	}

	return nil
}
