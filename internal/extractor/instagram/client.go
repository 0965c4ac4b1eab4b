package instagram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultWebBase = "https://www.instagram.com"
	DefaultAPIBase = "https://i.instagram.com"

	DefaultDownloadTimeout = time.Minute * 30

	webAppID         = "936619743392459"
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	csrfCookie       = "csrftoken"
)

type (
	ClientConfig struct {
		WebBase           string
		APIBase           string
		UserAgent         string
		RequestsPerSecond float64

		// Timeout bounds API and page requests. DownloadTimeout bounds media
		// downloads, which can legitimately take far longer.
		Timeout         time.Duration
		DownloadTimeout time.Duration
	}

	// Client is a rate limited HTTP client which carries the cookies and
	// headers the Instagram web API expects.
	Client struct {
		http      *http.Client
		downloads *http.Client
		jar       http.CookieJar
		limiter   *rate.Limiter
		config    ClientConfig
		webURL    *url.URL
		apiURL    *url.URL
	}

	// StatusError is returned when Instagram responds with a non-2xx status.
	StatusError struct {
		StatusCode int
		URL        string
	}

	storedCookie struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
)

func (e *StatusError) Error() string {
	return fmt.Sprintf("instagram request to %s failed with status %d", e.URL, e.StatusCode)
}

func NewClient(config ClientConfig) (*Client, error) {
	if config.WebBase == "" {
		config.WebBase = DefaultWebBase
	}
	if config.APIBase == "" {
		config.APIBase = DefaultAPIBase
	}
	if config.UserAgent == "" {
		config.UserAgent = defaultUserAgent
	}
	if config.Timeout == 0 {
		config.Timeout = time.Minute
	}
	if config.DownloadTimeout == 0 {
		config.DownloadTimeout = DefaultDownloadTimeout
	}

	webURL, err := url.Parse(config.WebBase)
	if err != nil {
		return nil, fmt.Errorf("invalid instagram web base %q: %w", config.WebBase, err)
	}
	apiURL, err := url.Parse(config.APIBase)
	if err != nil {
		return nil, fmt.Errorf("invalid instagram api base %q: %w", config.APIBase, err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	limit := rate.Inf
	if config.RequestsPerSecond > 0 {
		limit = rate.Limit(config.RequestsPerSecond)
	}

	return &Client{
		http:      &http.Client{Jar: jar, Timeout: config.Timeout},
		downloads: &http.Client{Jar: jar, Timeout: config.DownloadTimeout},
		jar:       jar,
		limiter:   rate.NewLimiter(limit, 1),
		config:    config,
		webURL:    webURL,
		apiURL:    apiURL,
	}, nil
}

func (c *Client) webEndpoint(path string) string { return c.config.WebBase + path }
func (c *Client) apiEndpoint(path string) string { return c.config.APIBase + path }

// do performs a request after waiting on the rate limiter. When form is
// non-nil the request is sent as a url-encoded POST.
func (c *Client) do(ctx context.Context, method string, rawURL string, form url.Values) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("X-IG-App-ID", webAppID)
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("Referer", c.config.WebBase+"/")
	if token := c.csrfToken(); token != "" {
		req.Header.Set("X-CSRFToken", token)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	return c.http.Do(req)
}

// call performs the request and decodes the JSON body, regardless of the
// response status. The status code is returned alongside.
func (c *Client) call(ctx context.Context, method string, rawURL string, form url.Values) (map[string]any, int, error) {
	resp, err := c.do(ctx, method, rawURL, form)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	// Ids exceed float64 precision, so numbers are kept as json.Number and
	// converted by mapstructure.
	payload := make(map[string]any)
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	if err := decoder.Decode(&payload); err != nil {
		if resp.StatusCode >= 300 {
			return nil, resp.StatusCode, &StatusError{resp.StatusCode, rawURL}
		}

		return nil, resp.StatusCode, fmt.Errorf("failed to decode instagram response from %s: %w", rawURL, err)
	}

	return payload, resp.StatusCode, nil
}

// getJSON is call for GET requests which must succeed.
func (c *Client) getJSON(ctx context.Context, rawURL string) (map[string]any, error) {
	payload, status, err := c.call(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, &StatusError{status, rawURL}
	}

	return payload, nil
}

// getPage returns the body of a web page; the caller must close it.
func (c *Client) getPage(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	resp, err := c.do(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, &StatusError{resp.StatusCode, rawURL}
	}

	return resp.Body, nil
}

// download opens a media URL. The returned size is -1 if unknown.
func (c *Client) download(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("User-Agent", c.config.UserAgent)

	resp, err := c.downloads.Do(req)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, 0, &StatusError{resp.StatusCode, rawURL}
	}

	return resp.Body, resp.ContentLength, nil
}

func (c *Client) csrfToken() string {
	for _, cookie := range c.jar.Cookies(c.webURL) {
		if cookie.Name == csrfCookie {
			return cookie.Value
		}
	}

	return ""
}

func (c *Client) exportCookies() []storedCookie {
	cookies := c.jar.Cookies(c.webURL)
	out := make([]storedCookie, 0, len(cookies))
	for _, cookie := range cookies {
		out = append(out, storedCookie{cookie.Name, cookie.Value})
	}

	return out
}

func (c *Client) importCookies(stored []storedCookie) {
	cookies := make([]*http.Cookie, 0, len(stored))
	for _, s := range stored {
		cookies = append(cookies, &http.Cookie{Name: s.Name, Value: s.Value, Path: "/"})
	}

	c.jar.SetCookies(c.webURL, cookies)
	if c.apiURL.Host != c.webURL.Host {
		c.jar.SetCookies(c.apiURL, cookies)
	}
}
