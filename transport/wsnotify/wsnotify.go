// Package wsnotify implements transport.Channel over a WebSocket stream of
// JSON notifications, one connection per subscribed session.
package wsnotify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ggoodman/sessionsync-go/internal/logctx"
	"github.com/ggoodman/sessionsync-go/session"
	"github.com/ggoodman/sessionsync-go/transport"
	"github.com/gorilla/websocket"
)

const (
	// NotificationsPath is the directory's notification endpoint.
	NotificationsPath = "/v1/notifications"

	// Time allowed to read the next message, including pings.
	pongWait = 60 * time.Second
	// Maximum notification size accepted from the directory.
	maxMessageSize = 4096
)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithDialer replaces websocket.DefaultDialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithHeader supplies per-connection headers, typically Authorization.
func WithHeader(fn func(ctx context.Context) (http.Header, error)) Option {
	return func(c *Client) { c.header = fn }
}

// Client subscribes to session notifications over WebSocket.
type Client struct {
	endpoint *url.URL
	dialer   *websocket.Dialer
	header   func(ctx context.Context) (http.Header, error)
	log      *slog.Logger
}

var _ transport.Channel = (*Client)(nil)

// New returns a client for the directory rooted at baseURL. http and https
// URLs are mapped to ws and wss.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + NotificationsPath
	c := &Client{endpoint: u, dialer: websocket.DefaultDialer}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logctx.New(c.log)
	return c, nil
}

// Subscribe opens a connection for ref and delivers notifications until ctx
// is cancelled or the connection drops.
func (c *Client) Subscribe(ctx context.Context, ref session.Reference, handler transport.NotificationHandler) error {
	u := *c.endpoint
	q := u.Query()
	q.Set("ref", ref.String())
	u.RawQuery = q.Encode()

	var hdr http.Header
	if c.header != nil {
		var err error
		if hdr, err = c.header(ctx); err != nil {
			return fmt.Errorf("notification headers: %w", err)
		}
	}
	conn, resp, err := c.dialer.DialContext(ctx, u.String(), hdr)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if resp != nil {
			return fmt.Errorf("%w: dial %s: status %d", transport.ErrSubscriptionLost, ref, resp.StatusCode)
		}
		return fmt.Errorf("%w: dial %s: %v", transport.ErrSubscriptionLost, ref, err)
	}
	defer conn.Close()
	c.log.DebugContext(ctx, "notify.subscribed", slog.String("ref", ref.String()))

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(10*time.Second))
	})

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	for {
		var n transport.Notification
		if err := conn.ReadJSON(&n); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.WarnContext(ctx, "notify.read.fail", slog.String("ref", ref.String()), slog.String("err", err.Error()))
			return fmt.Errorf("%w: %s: %v", transport.ErrSubscriptionLost, ref, err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if n.Ref.IsZero() {
			n.Ref = ref
		}
		if err := handler(ctx, n); err != nil {
			return err
		}
	}
}
