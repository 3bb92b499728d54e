package multiplayer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ggoodman/sessionsync-go/internal/logctx"
	"github.com/ggoodman/sessionsync-go/session"
	"github.com/ggoodman/sessionsync-go/transport"
	"github.com/google/uuid"
)

// Option configures a Coordinator, Bridge or Manager.
type Option func(*options)

type options struct {
	log          *slog.Logger
	writeTimeout time.Duration
	now          func() time.Time
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	o.log = logctx.New(o.log)
	return o
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithWriteTimeout bounds each request round-trip. Zero means no bound
// beyond the caller's context.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) { o.writeTimeout = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WriteResult is the outcome of one submitted write.
type WriteResult struct {
	CorrelationID string
	Ref           session.Reference
	Mode          session.WriteMode
	Caller        string
	Status        session.WriteStatus
	// Session is the accepted snapshot (session.Deleted for a deleting
	// write). For Conflict and OutOfSync it is the service's current
	// document when the response carried one, otherwise nil.
	Session *session.Document
	// Err is nil exactly when Status.Succeeded().
	Err error
	// ExpectedDeletion echoes the builder's ExpectsDeletion.
	ExpectedDeletion bool
}

// PendingWrite is a write in flight. Its result is also queued for
// Coordinator.Completed once it resolves.
type PendingWrite struct {
	id     string
	done   chan struct{}
	result WriteResult
}

// ID returns the correlation id sent with the write.
func (p *PendingWrite) ID() string { return p.id }

// Done is closed once the write has resolved.
func (p *PendingWrite) Done() <-chan struct{} { return p.done }

// Result returns the outcome, or false while the write is in flight.
func (p *PendingWrite) Result() (WriteResult, bool) {
	select {
	case <-p.done:
		return p.result, true
	default:
		return WriteResult{}, false
	}
}

// Coordinator submits builder patches and turns responses into typed write
// outcomes. It never retries; Conflict and OutOfSync surface with the
// service's current document so the caller can rebuild its patch.
type Coordinator struct {
	t   transport.Transport
	log *slog.Logger
	o   options

	wg        sync.WaitGroup
	mu        sync.Mutex
	completed []WriteResult
}

// NewCoordinator returns a coordinator submitting through t.
func NewCoordinator(t transport.Transport, opts ...Option) *Coordinator {
	o := buildOptions(opts)
	return &Coordinator{t: t, log: o.log, o: o}
}

func modeHeaders(mode session.WriteMode, base *session.Document) (ifMatch, ifNoneMatch string, err error) {
	switch mode {
	case session.CreateNew:
		return "", "*", nil
	case session.UpdateOrCreateNew:
		return "", "", nil
	case session.UpdateExisting:
		return "*", "", nil
	case session.SynchronizedUpdate:
		if !base.IsCommitted() {
			return "", "", fmt.Errorf("%w: synchronized update needs a committed base", session.ErrInvalidState)
		}
		return base.ETag, "", nil
	}
	return "", "", fmt.Errorf("%w: unknown write mode %d", session.ErrInvalidArgument, int(mode))
}

// Write submits b's staged patch for b's base reference. Local problems are
// returned immediately and nothing is sent; everything else resolves through
// the returned PendingWrite.
func (c *Coordinator) Write(ctx context.Context, b *session.Builder, mode session.WriteMode) (*PendingWrite, error) {
	ref := b.Base().Reference()
	if !ref.Valid() {
		return nil, fmt.Errorf("%w: builder base has no session reference", session.ErrInvalidArgument)
	}
	return c.submit(ctx, b, mode, ref, transport.SessionPath(ref))
}

// WriteByHandle is Write addressed through an invite handle. The session's
// reference is learned from the response.
func (c *Coordinator) WriteByHandle(ctx context.Context, b *session.Builder, mode session.WriteMode, handleID string) (*PendingWrite, error) {
	if handleID == "" {
		return nil, fmt.Errorf("%w: handle id is required", session.ErrInvalidArgument)
	}
	return c.submit(ctx, b, mode, session.Reference{}, transport.HandleSessionPath(handleID))
}

func (c *Coordinator) submit(ctx context.Context, b *session.Builder, mode session.WriteMode, ref session.Reference, path string) (*PendingWrite, error) {
	ifMatch, ifNoneMatch, err := modeHeaders(mode, b.Base())
	if err != nil {
		return nil, err
	}
	patch := b.Patch()
	patch.CorrelationID = uuid.NewString()
	body, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("encode patch: %w", err)
	}

	pw := &PendingWrite{id: patch.CorrelationID, done: make(chan struct{})}
	req := transport.Request{
		Method:      http.MethodPut,
		Path:        path,
		Body:        body,
		IfMatch:     ifMatch,
		IfNoneMatch: ifNoneMatch,
		Caller:      b.Caller(),
	}
	ctx = logctx.WithWriteData(ctx, &logctx.WriteData{CorrelationID: pw.id, Mode: mode.String()})
	c.log.DebugContext(ctx, "write.submit", slog.String("path", path))

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		res := c.roundTrip(ctx, req)
		res.CorrelationID = pw.id
		res.Mode = mode
		res.Caller = b.Caller()
		res.ExpectedDeletion = b.ExpectsDeletion()
		if res.Ref.IsZero() {
			res.Ref = ref
		}
		if res.Status == session.WriteSessionDeleted {
			res.Session = session.Deleted(res.Ref)
		}
		c.log.InfoContext(ctx, "write.complete", slog.String("status", res.Status.String()), slog.String("ref", res.Ref.String()))

		pw.result = res
		c.mu.Lock()
		c.completed = append(c.completed, res)
		c.mu.Unlock()
		close(pw.done)
	}()
	return pw, nil
}

func (c *Coordinator) roundTrip(ctx context.Context, req transport.Request) WriteResult {
	if c.o.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.o.writeTimeout)
		defer cancel()
	}
	resp, err := c.t.Submit(ctx, req)
	if err != nil {
		c.log.WarnContext(ctx, "write.transport.fail", slog.String("err", err.Error()))
		return WriteResult{Status: session.WriteUnknown, Err: fmt.Errorf("%w: %v", session.ErrUnknown, err)}
	}
	status := session.WriteStatusFromHTTP(resp.StatusCode)
	res := WriteResult{Status: status}
	if err := status.Err(); err != nil {
		res.Err = fmt.Errorf("%w: status %d", err, resp.StatusCode)
	}

	switch status {
	case session.WriteCreated, session.WriteUpdated, session.WriteConflict, session.WriteOutOfSync:
		if len(resp.Body) == 0 {
			break
		}
		doc, err := session.Decode(resp.Body, req.Caller)
		if err != nil {
			if status.Succeeded() {
				res.Status = session.WriteUnknown
				res.Err = fmt.Errorf("%w: %v", session.ErrUnknown, err)
			}
			break
		}
		if doc.Ref.IsZero() {
			// Error envelopes decode to an empty document.
			break
		}
		doc.ETag = resp.ETag
		doc.ResponseDate = resp.Date
		doc.WriteStatus = status
		res.Session = doc
		res.Ref = doc.Ref
	}
	return res
}

// Completed drains the writes that resolved since the last call, in
// completion order.
func (c *Coordinator) Completed() []WriteResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.completed
	c.completed = nil
	return out
}

// Wait blocks until every submitted write has resolved.
func (c *Coordinator) Wait() { c.wg.Wait() }

// ErrUnexpectedStatus is returned by reads and auxiliary requests for
// statuses they do not handle.
var ErrUnexpectedStatus = errors.New("unexpected status")

// Read fetches the document at ref on behalf of caller. A missing session
// yields session.Deleted(ref).
func (c *Coordinator) Read(ctx context.Context, ref session.Reference, caller string) (*session.Document, error) {
	doc, err := c.read(ctx, transport.SessionPath(ref), caller)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return session.Deleted(ref), nil
	}
	return doc, nil
}

// ReadByHandle fetches the document a handle points at. An unknown handle
// yields session.ErrNotFound.
func (c *Coordinator) ReadByHandle(ctx context.Context, handleID, caller string) (*session.Document, error) {
	doc, err := c.read(ctx, transport.HandleSessionPath(handleID), caller)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: handle %s", session.ErrNotFound, handleID)
	}
	return doc, nil
}

func (c *Coordinator) read(ctx context.Context, path, caller string) (*session.Document, error) {
	resp, err := c.t.Submit(ctx, transport.Request{Method: http.MethodGet, Path: path, Caller: caller})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrUnknown, err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil
	case http.StatusForbidden:
		return nil, fmt.Errorf("%w: read %s", session.ErrAccessDenied, path)
	default:
		return nil, fmt.Errorf("%w %d: read %s", ErrUnexpectedStatus, resp.StatusCode, path)
	}
	doc, err := session.Decode(resp.Body, caller)
	if err != nil {
		return nil, err
	}
	doc.ETag = resp.ETag
	doc.ResponseDate = resp.Date
	return doc, nil
}

// CreateHandle registers an invite handle for ref. invitee may be empty for
// a handle anyone can use.
func (c *Coordinator) CreateHandle(ctx context.Context, ref session.Reference, caller, invitee string) (string, error) {
	body, err := json.Marshal(transport.CreateHandleRequest{Ref: ref, Invitee: invitee})
	if err != nil {
		return "", err
	}
	resp, err := c.t.Submit(ctx, transport.Request{Method: http.MethodPost, Path: transport.HandlesPath, Body: body, Caller: caller})
	if err != nil {
		return "", fmt.Errorf("%w: %v", session.ErrUnknown, err)
	}
	if err := statusErr(resp.StatusCode, http.StatusCreated); err != nil {
		return "", fmt.Errorf("create handle for %s: %w", ref, err)
	}
	var out transport.CreateHandleResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return "", fmt.Errorf("decode handle response: %w", err)
	}
	return out.ID, nil
}

// SubmitTicket asks the matchmaker to find a game for the members of
// req.TicketSession.
func (c *Coordinator) SubmitTicket(ctx context.Context, hopper string, req transport.TicketRequest, caller string) (transport.TicketResponse, error) {
	var out transport.TicketResponse
	body, err := json.Marshal(req)
	if err != nil {
		return out, err
	}
	resp, err := c.t.Submit(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   transport.TicketsPath(req.TicketSession.SCID, hopper),
		Body:   body,
		Caller: caller,
	})
	if err != nil {
		return out, fmt.Errorf("%w: %v", session.ErrUnknown, err)
	}
	if err := statusErr(resp.StatusCode, http.StatusCreated); err != nil {
		return out, fmt.Errorf("submit ticket to %s: %w", hopper, err)
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return out, fmt.Errorf("decode ticket response: %w", err)
	}
	return out, nil
}

// CancelTicket withdraws a waiting ticket. A ticket that is no longer
// waiting yields session.ErrNotFound.
func (c *Coordinator) CancelTicket(ctx context.Context, scid, hopper, ticketID, caller string) error {
	resp, err := c.t.Submit(ctx, transport.Request{Method: http.MethodDelete, Path: transport.TicketPath(scid, hopper, ticketID), Caller: caller})
	if err != nil {
		return fmt.Errorf("%w: %v", session.ErrUnknown, err)
	}
	if err := statusErr(resp.StatusCode, http.StatusNoContent); err != nil {
		return fmt.Errorf("cancel ticket %s: %w", ticketID, err)
	}
	return nil
}

func statusErr(got, want int) error {
	if got == want {
		return nil
	}
	switch got {
	case http.StatusForbidden:
		return session.ErrAccessDenied
	case http.StatusNotFound:
		return session.ErrNotFound
	case http.StatusConflict:
		return session.ErrConflict
	}
	return fmt.Errorf("%w %d", ErrUnexpectedStatus, got)
}
