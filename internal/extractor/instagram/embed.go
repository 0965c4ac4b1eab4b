package instagram

import (
	"context"
	"fmt"

	"github.com/PuerkitoBio/goquery"
	"github.com/hbomb79/Relay/internal/extractor"
)

// fetchEmbed reads the OpenGraph tags of the public post page. This is
// used when the API refuses the request (logged out, or rate limited), and
// yields at most one item.
func (c *Client) fetchEmbed(ctx context.Context, shortcode string) (*postDetail, string, error) {
	body, err := c.getPage(ctx, c.webEndpoint("/p/"+shortcode+"/"))
	if err != nil {
		return nil, "", err
	}
	defer body.Close()

	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to parse instagram post page: %w", err)
	}

	meta := func(property string) string {
		v, _ := doc.Find(fmt.Sprintf(`meta[property="%s"]`, property)).First().Attr("content")
		return v
	}

	caption := meta("og:description")
	if v := meta("og:video:secure_url"); v != "" {
		return &postDetail{Media: []remoteMedia{{URL: v, Kind: extractor.Video}}}, caption, nil
	}
	if v := meta("og:video"); v != "" {
		return &postDetail{Media: []remoteMedia{{URL: v, Kind: extractor.Video}}}, caption, nil
	}
	if v := meta("og:image"); v != "" {
		return &postDetail{Media: []remoteMedia{{URL: v, Kind: extractor.Image}}}, caption, nil
	}

	return nil, "", ErrNoMedia
}
