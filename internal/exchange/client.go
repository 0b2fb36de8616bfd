package exchange

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"
)

// Client is a rate-limited JSON REST client with retries.
type Client struct {
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
	retry   RetryPolicy
	log     *slog.Logger

	// OnRequest is called after every HTTP attempt (optional).
	OnRequest func(endpoint string, status int, elapsed time.Duration)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default 30s-timeout http.Client.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// WithRateLimit spaces requests; the original exchange budget is 4 req/s.
func WithRateLimit(perSecond float64) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// WithRetryPolicy replaces DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option { return func(c *Client) { c.retry = p } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.log = l } }

// NewClient creates a client rooted at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("exchange: parse base url: %w", err)
	}
	c := &Client{
		base:    u,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Every(250*time.Millisecond), 1),
		retry:   DefaultRetryPolicy(),
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// GetJSON issues GET base+path?query and decodes the body into out,
// retrying transient failures per the client's policy.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	return c.retry.Do(ctx, func(ctx context.Context) error {
		return c.getOnce(ctx, path, query, out)
	})
}

func (c *Client) getOnce(ctx context.Context, path string, query url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	u := *c.base
	u.Path += path
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("exchange: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "eldorado")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.observe(path, 0, start)
		return Classify(path, err)
	}
	defer resp.Body.Close()
	c.observe(path, resp.StatusCode, start)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Classify(path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		xe := StatusError(path, resp.StatusCode, body)
		c.log.Warn("exchange request failed",
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
			slog.String("class", xe.Class.String()),
		)
		return xe
	}
	if err := json.Unmarshal(body, out); err != nil {
		return MalformedError(path, err)
	}
	return nil
}

func (c *Client) observe(path string, status int, start time.Time) {
	if c.OnRequest != nil {
		c.OnRequest(path, status, time.Since(start))
	}
}
