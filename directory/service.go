package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ggoodman/sessionsync-go/internal/logctx"
	"github.com/ggoodman/sessionsync-go/session"
	"github.com/ggoodman/sessionsync-go/store"
	"github.com/ggoodman/sessionsync-go/transport"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const (
	defaultHandleTTL  = time.Hour
	defaultMaxRetries = 16
)

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. Without it the service logs nothing.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = logctx.New(l) }
}

// WithTemplates enables template defaults and matchmaking hoppers. When set,
// sessions may only be created for known templates.
func WithTemplates(t *Templates) Option {
	return func(s *Service) { s.templates = t }
}

// WithPublisher forwards every change notification to p in addition to the
// store's own topics.
func WithPublisher(p transport.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithHandleTTL sets how long invite handles stay resolvable.
func WithHandleTTL(d time.Duration) Option {
	return func(s *Service) { s.handleTTL = d }
}

// Service is the session directory: it stores session documents, merges
// patches under the write-mode rules and announces every accepted change.
//
// Service implements transport.Transport and transport.Channel so that
// clients can use it in-process.
type Service struct {
	store      store.Store
	templates  *Templates
	publisher  transport.Publisher
	log        *slog.Logger
	now        func() time.Time
	handleTTL  time.Duration
	maxRetries int
	mm         *matchmaker
}

var (
	_ transport.Transport = (*Service)(nil)
	_ transport.Channel   = (*Service)(nil)
)

// New returns a Service persisting to st.
func New(st store.Store, opts ...Option) *Service {
	s := &Service{
		store:      st,
		log:        logctx.New(nil),
		now:        time.Now,
		handleTTL:  defaultHandleTTL,
		maxRetries: defaultMaxRetries,
		mm:         newMatchmaker(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// statusError is a request failure with its HTTP status. When current is
// set the response body is the current document instead of an error body.
type statusError struct {
	status  int
	code    string
	msg     string
	current *stored
}

func (e *statusError) Error() string { return fmt.Sprintf("%d %s: %s", e.status, e.code, e.msg) }

func fail(status int, code, format string, args ...any) *statusError {
	return &statusError{status: status, code: code, msg: fmt.Sprintf(format, args...)}
}

// stored is a decoded record.
type stored struct {
	rec *store.Record
	doc *session.Document
}

func recordKey(ref session.Reference) string { return "session:" + ref.String() }

// Submit routes a request the way the HTTP handler would.
func (s *Service) Submit(ctx context.Context, req transport.Request) (*transport.Response, error) {
	resp, err := s.route(ctx, req)
	if err == nil {
		if resp.Date.IsZero() {
			resp.Date = s.now().UTC()
		}
		return resp, nil
	}
	var se *statusError
	if !errors.As(err, &se) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.log.ErrorContext(ctx, "directory.request.fail", slog.String("method", req.Method), slog.String("path", req.Path), slog.String("err", err.Error()))
		se = fail(http.StatusInternalServerError, "internal", "internal error")
	}
	return s.errorResponse(se), nil
}

func (s *Service) errorResponse(se *statusError) *transport.Response {
	resp := &transport.Response{StatusCode: se.status, Date: s.now().UTC()}
	if se.current != nil {
		resp.Body = se.current.rec.Data
		resp.ETag = se.current.rec.ETag
		return resp
	}
	var body transport.ErrorBody
	body.Error.Code = se.code
	body.Error.Message = se.msg
	resp.Body, _ = json.Marshal(body)
	return resp
}

func splitPath(p string) ([]string, error) {
	raw := strings.Split(strings.Trim(p, "/"), "/")
	out := make([]string, len(raw))
	for i, seg := range raw {
		v, err := url.PathUnescape(seg)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (s *Service) route(ctx context.Context, req transport.Request) (*transport.Response, error) {
	segs, err := splitPath(req.Path)
	if err != nil || len(segs) < 2 || segs[0] != "v1" {
		return nil, fail(http.StatusNotFound, "not_found", "no route for %s", req.Path)
	}
	switch {
	case segs[1] == "sessions" && len(segs) == 5:
		ref := session.Reference{SCID: segs[2], Template: segs[3], Name: segs[4]}
		if !ref.Valid() {
			return nil, fail(http.StatusBadRequest, "bad_request", "invalid session reference")
		}
		return s.sessionRoute(ctx, ref, "", req)

	case segs[1] == "handles" && len(segs) == 2:
		if req.Method != http.MethodPost {
			return nil, fail(http.StatusMethodNotAllowed, "method_not_allowed", "%s not allowed", req.Method)
		}
		return s.createHandle(ctx, req)

	case segs[1] == "handles" && len(segs) == 4 && segs[3] == "session":
		h, err := s.resolveHandle(ctx, segs[2])
		if err != nil {
			return nil, err
		}
		return s.sessionRoute(ctx, h.Ref, h.Invitee, req)

	case segs[1] == "hoppers" && len(segs) == 5 && segs[4] == "tickets":
		if req.Method != http.MethodPost {
			return nil, fail(http.StatusMethodNotAllowed, "method_not_allowed", "%s not allowed", req.Method)
		}
		return s.createTicket(ctx, segs[2], segs[3], req)

	case segs[1] == "hoppers" && len(segs) == 6 && segs[4] == "tickets":
		if req.Method != http.MethodDelete {
			return nil, fail(http.StatusMethodNotAllowed, "method_not_allowed", "%s not allowed", req.Method)
		}
		return s.cancelTicket(ctx, segs[2], segs[3], segs[5], req.Caller)
	}
	return nil, fail(http.StatusNotFound, "not_found", "no route for %s", req.Path)
}

func (s *Service) sessionRoute(ctx context.Context, ref session.Reference, invitee string, req transport.Request) (*transport.Response, error) {
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{Ref: ref.String(), UserID: req.Caller})
	switch req.Method {
	case http.MethodGet:
		return s.getSession(ctx, ref)
	case http.MethodPut:
		if invitee != "" && req.Caller != invitee {
			return nil, fail(http.StatusForbidden, "forbidden", "handle was issued to another user")
		}
		return s.putSession(ctx, ref, req)
	}
	return nil, fail(http.StatusMethodNotAllowed, "method_not_allowed", "%s not allowed", req.Method)
}

// load returns the stored session or nil when there is none.
func (s *Service) load(ctx context.Context, ref session.Reference) (*stored, error) {
	rec, err := s.store.Get(ctx, recordKey(ref))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	doc, err := session.Decode(rec.Data)
	if err != nil {
		return nil, err
	}
	doc.ETag = rec.ETag
	return &stored{rec: rec, doc: doc}, nil
}

func (s *Service) getSession(ctx context.Context, ref session.Reference) (*transport.Response, error) {
	cur, err := s.load(ctx, ref)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, fail(http.StatusNotFound, "not_found", "session %s not found", ref)
	}
	return &transport.Response{StatusCode: http.StatusOK, Body: cur.rec.Data, ETag: cur.rec.ETag}, nil
}

func (s *Service) putSession(ctx context.Context, ref session.Reference, req transport.Request) (*transport.Response, error) {
	p, err := session.DecodePatch(req.Body)
	if err != nil {
		return nil, fail(http.StatusBadRequest, "bad_request", "%v", err)
	}
	ctx = logctx.WithWriteData(ctx, &logctx.WriteData{CorrelationID: p.CorrelationID, Mode: writeModeOf(req)})

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		cur, err := s.load(ctx, ref)
		if err != nil {
			return nil, err
		}
		next, err := s.merge(ref, cur, p, req)
		if err != nil {
			var se *statusError
			if errors.As(err, &se) {
				s.log.InfoContext(ctx, "directory.put.reject", slog.Int("status", se.status), slog.String("reason", se.msg))
			}
			return nil, err
		}
		rec, err := s.commit(ctx, ref, cur, next)
		if isContention(err) {
			s.log.DebugContext(ctx, "directory.put.retry", slog.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, err
		}
		if rec == nil {
			s.log.InfoContext(ctx, "directory.put.deleted")
			return &transport.Response{StatusCode: http.StatusNoContent}, nil
		}
		status := http.StatusOK
		if cur == nil {
			status = http.StatusCreated
		}
		s.log.InfoContext(ctx, "directory.put.accepted", slog.Int("status", status), slog.Int64("change_number", next.ChangeNumber))
		return &transport.Response{StatusCode: status, Body: rec.Data, ETag: rec.ETag}, nil
	}
	return nil, fail(http.StatusServiceUnavailable, "contention", "too many concurrent writers")
}

func writeModeOf(req transport.Request) string {
	switch {
	case req.IfNoneMatch == "*":
		return session.CreateNew.String()
	case req.IfMatch == "*":
		return session.UpdateExisting.String()
	case req.IfMatch != "":
		return session.SynchronizedUpdate.String()
	}
	return session.UpdateOrCreateNew.String()
}

func isContention(err error) bool {
	return errors.Is(err, store.ErrPreconditionFailed) || errors.Is(err, store.ErrExists) || errors.Is(err, store.ErrNotFound)
}

// merge checks preconditions and access, then applies p. A nil document
// with a nil error means the session must be deleted.
func (s *Service) merge(ref session.Reference, cur *stored, p *session.Patch, req transport.Request) (*session.Document, error) {
	switch {
	case req.IfNoneMatch == "*" && cur != nil:
		return nil, &statusError{status: http.StatusConflict, code: "conflict", msg: "session already exists", current: cur}
	case req.IfMatch == "*" && cur == nil:
		return nil, fail(http.StatusNotFound, "not_found", "session %s not found", ref)
	case req.IfMatch != "" && req.IfMatch != "*" && cur == nil:
		return nil, fail(http.StatusPreconditionFailed, "out_of_sync", "session %s does not exist", ref)
	case req.IfMatch != "" && req.IfMatch != "*" && cur.rec.ETag != req.IfMatch:
		return nil, &statusError{status: http.StatusPreconditionFailed, code: "out_of_sync", msg: "etag mismatch", current: cur}
	}
	if req.Caller == "" && (p.Joins() || p.Leaves()) {
		return nil, fail(http.StatusForbidden, "forbidden", "an authenticated caller is required")
	}

	var base *session.Document
	if cur == nil {
		if !p.Joins() && len(p.ReservedUsers()) == 0 {
			return nil, fail(http.StatusNotFound, "not_found", "session %s not found", ref)
		}
		var err error
		base, p, err = s.newSession(ref, p)
		if err != nil {
			return nil, err
		}
	} else {
		base = cur.doc
		if err := authorize(base, req.Caller, p); err != nil {
			return nil, err
		}
	}

	next, err := p.Apply(base, req.Caller, s.now().UTC())
	if err != nil {
		return nil, fail(http.StatusBadRequest, "bad_request", "%v", err)
	}
	if len(next.Members) == 0 {
		if cur == nil {
			return nil, fail(http.StatusBadRequest, "bad_request", "a new session needs at least one member")
		}
		return nil, nil
	}
	return next, nil
}

// newSession builds the uncommitted base for a create and folds template
// defaults into the patch constants.
func (s *Service) newSession(ref session.Reference, p *session.Patch) (*session.Document, *session.Patch, error) {
	var tmpl Template
	if s.templates != nil {
		var ok bool
		if tmpl, ok = s.templates.Template(ref.Template); !ok {
			return nil, nil, fail(http.StatusNotFound, "not_found", "unknown template %q", ref.Template)
		}
	}
	base := session.New(ref, tmpl.Constants)
	base.Branch = uuid.NewString()
	if len(tmpl.RoleTypes) > 0 {
		base.RoleTypes = make(map[string]session.RoleType, len(tmpl.RoleTypes))
		for k, v := range tmpl.RoleTypes {
			base.RoleTypes[k] = v
		}
	}
	if p.Constants != nil {
		merged := p.Constants.WithDefaults(tmpl.Constants)
		pc := *p
		pc.Constants = &merged
		p = &pc
	}
	return base, p, nil
}

// authorize enforces membership rules on an existing session.
func authorize(base *session.Document, caller string, p *session.Patch) error {
	member := base.MemberByUser(caller)
	if member == nil {
		if p.TouchesProperties() || len(p.ReservedUsers()) > 0 {
			return fail(http.StatusForbidden, "forbidden", "only members may change the session")
		}
		if p.Joins() {
			if v := base.Constants.Visibility; v != nil && *v == session.VisibilityPrivate {
				return fail(http.StatusForbidden, "forbidden", "session is private")
			}
			if base.Properties.Closed {
				return fail(http.StatusForbidden, "forbidden", "session is closed")
			}
		}
		return nil
	}
	if len(p.RoleTypes) > 0 && !base.IsOwner(member.ID) {
		return fail(http.StatusForbidden, "forbidden", "only owners may change role settings")
	}
	return nil
}

// commit persists next over cur, or deletes the session when next is nil,
// and announces the change. It returns nil for a deletion.
func (s *Service) commit(ctx context.Context, ref session.Reference, cur *stored, next *session.Document) (*store.Record, error) {
	var version, changeNumber int64
	branch := ""
	if cur != nil {
		version = cur.rec.Version
		changeNumber = cur.doc.ChangeNumber
		branch = cur.doc.Branch
	}
	if next == nil {
		if err := s.store.CompareAndDelete(ctx, recordKey(ref), version); err != nil {
			return nil, err
		}
		s.announce(ctx, transport.Notification{Ref: ref, Branch: branch, ChangeNumber: changeNumber + 1})
		return nil, nil
	}

	next.ChangeNumber = changeNumber + 1
	next.ETag = ""
	data, err := session.Encode(next)
	if err != nil {
		return nil, err
	}
	rec, err := s.store.CompareAndSwap(ctx, recordKey(ref), version, ulid.Make().String(), data)
	if err != nil {
		return nil, err
	}
	s.announce(ctx, transport.Notification{Ref: ref, Branch: next.Branch, ChangeNumber: next.ChangeNumber})
	return rec, nil
}

// mutate applies a server-side change to an existing session.
func (s *Service) mutate(ctx context.Context, ref session.Reference, fn func(d *session.Document) error) error {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		cur, err := s.load(ctx, ref)
		if err != nil {
			return err
		}
		if cur == nil {
			return fail(http.StatusNotFound, "not_found", "session %s not found", ref)
		}
		// cur.doc was decoded for this attempt only.
		if err := fn(cur.doc); err != nil {
			return err
		}
		if _, err := s.commit(ctx, ref, cur, cur.doc); isContention(err) {
			continue
		} else if err != nil {
			return err
		}
		return nil
	}
	return fail(http.StatusServiceUnavailable, "contention", "too many concurrent writers")
}

func (s *Service) announce(ctx context.Context, n transport.Notification) {
	msg, err := json.Marshal(n)
	if err != nil {
		return
	}
	if err := s.store.Publish(ctx, n.Ref.String(), msg); err != nil {
		s.log.WarnContext(ctx, "directory.notify.fail", slog.String("err", err.Error()))
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, n); err != nil {
			s.log.WarnContext(ctx, "directory.publish.fail", slog.String("err", err.Error()))
		}
	}
}

// Subscribe delivers change notifications for ref until ctx is done.
func (s *Service) Subscribe(ctx context.Context, ref session.Reference, handler transport.NotificationHandler) error {
	var handlerErr error
	err := s.store.Subscribe(ctx, ref.String(), func(ctx context.Context, msg []byte) error {
		var n transport.Notification
		if err := json.Unmarshal(msg, &n); err != nil {
			s.log.WarnContext(ctx, "directory.notify.decode.fail", slog.String("err", err.Error()))
			return nil
		}
		if err := handler(ctx, n); err != nil {
			handlerErr = err
			return err
		}
		return nil
	})
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case handlerErr != nil:
		return handlerErr
	}
	return fmt.Errorf("%w: %v", transport.ErrSubscriptionLost, err)
}

// --- Handles ---

func (s *Service) createHandle(ctx context.Context, req transport.Request) (*transport.Response, error) {
	var body transport.CreateHandleRequest
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return nil, fail(http.StatusBadRequest, "bad_request", "decode handle request: %v", err)
	}
	if !body.Ref.Valid() {
		return nil, fail(http.StatusBadRequest, "bad_request", "invalid session reference")
	}
	cur, err := s.load(ctx, body.Ref)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, fail(http.StatusNotFound, "not_found", "session %s not found", body.Ref)
	}
	if cur.doc.MemberByUser(req.Caller) == nil {
		return nil, fail(http.StatusForbidden, "forbidden", "only members may create handles")
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	if err := s.store.PutHandle(ctx, id, raw, s.handleTTL); err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "directory.handle.created", slog.String("handle", id), slog.String("ref", body.Ref.String()))
	out, _ := json.Marshal(transport.CreateHandleResponse{ID: id})
	return &transport.Response{StatusCode: http.StatusCreated, Body: out}, nil
}

func (s *Service) resolveHandle(ctx context.Context, id string) (*transport.CreateHandleRequest, error) {
	raw, err := s.store.GetHandle(ctx, id)
	if errors.Is(err, store.ErrHandleNotFound) {
		return nil, fail(http.StatusNotFound, "not_found", "handle %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	var h transport.CreateHandleRequest
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("decode handle %s: %w", id, err)
	}
	return &h, nil
}
