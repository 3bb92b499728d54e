// Package httptransport implements transport.Transport over HTTP.
//
// Requests are authenticated with bearer tokens obtained per caller from a
// TokenSource. When the directory answers 429 or 503 with a Retry-After
// header, further requests to the same endpoint fail locally until the
// window passes.
package httptransport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ggoodman/sessionsync-go/internal/logctx"
	"github.com/ggoodman/sessionsync-go/transport"
	"github.com/jellydator/ttlcache/v3"
)

// ErrSuppressed is returned while an endpoint is inside a Retry-After window.
var ErrSuppressed = errors.New("endpoint suppressed by retry-after")

// UserHeader carries the caller when the directory runs without token
// verification.
const UserHeader = "X-Sessionsync-User"

// TokenSource yields a bearer token for a caller.
type TokenSource interface {
	Token(ctx context.Context, caller string) (string, error)
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context, caller string) (string, error)

func (f TokenFunc) Token(ctx context.Context, caller string) (string, error) { return f(ctx, caller) }

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// WithTokenSource enables bearer authentication.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithMaxSuppression caps how long a single Retry-After may suppress an endpoint.
func WithMaxSuppression(d time.Duration) Option {
	return func(c *Client) { c.maxSuppression = d }
}

// Client submits directory requests over HTTP.
type Client struct {
	base           *url.URL
	hc             *http.Client
	tokens         TokenSource
	log            *slog.Logger
	maxSuppression time.Duration
	suppressed     *ttlcache.Cache[string, time.Time]
	now            func() time.Time
}

var _ transport.Transport = (*Client)(nil)

// New returns a client for the directory rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url must use http or https, got %q", u.Scheme)
	}
	c := &Client{
		base:           u,
		hc:             http.DefaultClient,
		maxSuppression: 5 * time.Minute,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logctx.New(c.log)
	c.suppressed = ttlcache.New[string, time.Time](ttlcache.WithDisableTouchOnHit[string, time.Time]())
	return c, nil
}

func endpointKey(method, path string) string { return method + " " + path }

// Submit sends req and returns the directory's response. Only network and
// local failures are returned as errors.
func (c *Client) Submit(ctx context.Context, req transport.Request) (*transport.Response, error) {
	key := endpointKey(req.Method, req.Path)
	if item := c.suppressed.Get(key); item != nil && !item.IsExpired() {
		c.log.DebugContext(ctx, "http.suppressed", slog.String("endpoint", key), slog.Time("until", item.Value()))
		return nil, fmt.Errorf("%w: %s until %s", ErrSuppressed, key, item.Value().Format(time.RFC3339))
	}

	target := strings.TrimSuffix(c.base.String(), "/") + req.Path
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	hreq.Header.Set("Accept", "application/json")
	if body != nil {
		hreq.Header.Set("Content-Type", "application/json")
	}
	if req.IfMatch != "" {
		hreq.Header.Set("If-Match", quoteETag(req.IfMatch))
	}
	if req.IfNoneMatch != "" {
		hreq.Header.Set("If-None-Match", quoteETag(req.IfNoneMatch))
	}
	if req.Caller != "" {
		hreq.Header.Set(UserHeader, req.Caller)
		if c.tokens != nil {
			tok, err := c.tokens.Token(ctx, req.Caller)
			if err != nil {
				return nil, fmt.Errorf("token for %s: %w", req.Caller, err)
			}
			hreq.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	start := c.now()
	resp, err := c.hc.Do(hreq)
	if err != nil {
		c.log.WarnContext(ctx, "http.submit.fail", slog.String("endpoint", key), slog.String("err", err.Error()))
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	out := &transport.Response{
		StatusCode: resp.StatusCode,
		Body:       data,
		ETag:       unquoteETag(resp.Header.Get("ETag")),
	}
	if d, err := http.ParseTime(resp.Header.Get("Date")); err == nil {
		out.Date = d
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		if wait, ok := parseRetryAfter(resp.Header.Get("Retry-After"), c.now()); ok {
			if wait > c.maxSuppression {
				wait = c.maxSuppression
			}
			c.suppressed.Set(key, c.now().Add(wait), wait)
			c.log.InfoContext(ctx, "http.retry_after", slog.String("endpoint", key), slog.Duration("wait", wait))
		}
	}
	c.log.DebugContext(ctx, "http.submit", slog.String("endpoint", key), slog.Int("status", resp.StatusCode), slog.Duration("took", c.now().Sub(start)))
	return out, nil
}

func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d, true
		}
	}
	return 0, false
}

func quoteETag(tag string) string {
	if tag == "*" || strings.HasPrefix(tag, `"`) || strings.HasPrefix(tag, `W/"`) {
		return tag
	}
	return `"` + tag + `"`
}

func unquoteETag(tag string) string {
	tag = strings.TrimPrefix(strings.TrimSpace(tag), "W/")
	return strings.Trim(tag, `"`)
}
