// Package transport declares the collaborators the multiplayer client core
// consumes: a request/response Transport for session reads and writes and a
// notification Channel that reports "this session changed" messages.
//
// Implementations live in sub-packages:
//
//	httptransport -> Transport over net/http with bearer tokens
//	wsnotify      -> Channel over a WebSocket notification stream
//	amqpnotify    -> Channel and Publisher over a RabbitMQ topic exchange
//
// The reference directory service implements both interfaces in-process.
package transport

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/ggoodman/sessionsync-go/session"
)

// ErrSubscriptionLost is returned by Channel.Subscribe when the underlying
// stream ends for any reason other than the caller cancelling its context.
var ErrSubscriptionLost = errors.New("subscription lost")

// Request is one call against the session directory.
type Request struct {
	Method string
	Path   string
	Body   []byte
	// IfMatch and IfNoneMatch carry unquoted entity tags or "*".
	IfMatch     string
	IfNoneMatch string
	// Caller is the user the request is made on behalf of. Transports decide
	// how to authenticate it.
	Caller string
}

// Response is the application-level outcome of a Request. Network failures
// are reported as errors from Submit, never as a Response.
type Response struct {
	StatusCode int
	Body       []byte
	ETag       string
	Date       time.Time
}

// Transport submits requests to the session directory.
type Transport interface {
	Submit(ctx context.Context, req Request) (*Response, error)
}

// Notification reports that a session changed. Channels may drop, duplicate
// or reorder notifications.
type Notification struct {
	Ref          session.Reference `json:"ref"`
	Branch       string            `json:"branch"`
	ChangeNumber int64             `json:"changeNumber"`
}

// NotificationHandler receives notifications for one subscription. Returning
// an error ends the subscription with that error.
type NotificationHandler func(ctx context.Context, n Notification) error

// Channel delivers change notifications.
//
// Subscribe blocks until ctx is cancelled, the handler fails or the stream is
// lost. Cancelling ctx is the unsubscribe operation and yields ctx.Err(); a
// lost stream yields an error wrapping ErrSubscriptionLost.
type Channel interface {
	Subscribe(ctx context.Context, ref session.Reference, handler NotificationHandler) error
}

// Publisher fans notifications out to other processes.
type Publisher interface {
	Publish(ctx context.Context, n Notification) error
}

// HandlesPath is where invite handles are created.
const HandlesPath = "/v1/handles"

// SessionPath returns the document path for ref.
func SessionPath(ref session.Reference) string {
	return "/v1/sessions/" + url.PathEscape(ref.SCID) + "/" + url.PathEscape(ref.Template) + "/" + url.PathEscape(ref.Name)
}

// HandleSessionPath returns the document path resolved through a handle.
func HandleSessionPath(handleID string) string {
	return HandlesPath + "/" + url.PathEscape(handleID) + "/session"
}

// TicketsPath returns the ticket collection of a matchmaking hopper.
func TicketsPath(scid, hopper string) string {
	return "/v1/hoppers/" + url.PathEscape(scid) + "/" + url.PathEscape(hopper) + "/tickets"
}

// TicketPath returns the path of one matchmaking ticket.
func TicketPath(scid, hopper, ticketID string) string {
	return TicketsPath(scid, hopper) + "/" + url.PathEscape(ticketID)
}
