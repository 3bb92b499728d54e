package directory

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/sessionsync-go/internal/jwtauth"
	"github.com/ggoodman/sessionsync-go/internal/logctx"
	"github.com/ggoodman/sessionsync-go/session"
	"github.com/ggoodman/sessionsync-go/transport"
	"github.com/ggoodman/sessionsync-go/transport/httptransport"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/invopop/jsonschema"
)

const (
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"

	maxBodyBytes = 1 << 20

	// Notification socket parameters.
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 25 * time.Second
)

var jsonMediaType = contenttype.NewMediaType("application/json")

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithAuthenticator requires a bearer token on every request. Without it the
// caller is taken from the httptransport.UserHeader header.
func WithAuthenticator(a jwtauth.Authenticator) HandlerOption {
	return func(h *Handler) { h.auth = a }
}

// WithRealm sets the realm advertised in bearer challenges.
func WithRealm(realm string) HandlerOption {
	return func(h *Handler) { h.realm = strings.TrimSpace(realm) }
}

// Handler exposes a Service over HTTP.
//
//	GET|PUT  /v1/sessions/{scid}/{template}/{name}
//	POST     /v1/handles
//	GET|PUT  /v1/handles/{id}/session
//	POST     /v1/hoppers/{scid}/{hopper}/tickets
//	DELETE   /v1/hoppers/{scid}/{hopper}/tickets/{id}
//	GET      /v1/notifications?ref={scid}/{template}/{name}   (WebSocket)
//	GET      /v1/schema/session
type Handler struct {
	svc      *Service
	auth     jwtauth.Authenticator
	realm    string
	log      *slog.Logger
	mux      *http.ServeMux
	upgrader websocket.Upgrader
	schema   []byte
}

// NewHandler wires svc to an http.Handler.
func NewHandler(svc *Service, opts ...HandlerOption) *Handler {
	h := &Handler{svc: svc, log: svc.log}
	for _, opt := range opts {
		opt(h)
	}
	r := &jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	h.schema, _ = json.Marshal(r.Reflect(new(session.Document)))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/notifications", h.handleNotifications)
	mux.HandleFunc("GET /v1/schema/session", h.handleSchema)
	mux.HandleFunc("/v1/", h.handleAPI)
	h.mux = mux
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// writeJSONError emits {"error":{"code":"...","message":"..."}}.
func writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	var body transport.ErrorBody
	body.Error.Code = code
	body.Error.Message = msg
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) requestContext(r *http.Request) context.Context {
	return logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
}

func (h *Handler) handleAPI(w http.ResponseWriter, r *http.Request) {
	ctx := h.requestContext(r)

	caller, ok := h.authenticate(ctx, w, r)
	if !ok {
		return
	}

	var body []byte
	if r.Method == http.MethodPut || r.Method == http.MethodPost {
		ctype, err := contenttype.GetMediaType(r)
		if err != nil || !ctype.Matches(jsonMediaType) {
			writeJSONError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", "content-type must be application/json")
			h.log.WarnContext(ctx, "content_type.unsupported")
			return
		}
		body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "too_large", "request body too large")
			return
		}
	}

	resp, err := h.svc.Submit(ctx, transport.Request{
		Method:      r.Method,
		Path:        r.URL.EscapedPath(),
		Body:        body,
		IfMatch:     parseETag(r.Header.Get("If-Match")),
		IfNoneMatch: parseETag(r.Header.Get("If-None-Match")),
		Caller:      caller,
	})
	if err != nil {
		h.log.InfoContext(ctx, "http.request.abandoned", slog.String("err", err.Error()))
		return
	}

	if resp.ETag != "" {
		w.Header().Set("ETag", strconv.Quote(resp.ETag))
	}
	if !resp.Date.IsZero() {
		w.Header().Set("Date", resp.Date.UTC().Format(http.TimeFormat))
	}
	if resp.StatusCode == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	if len(resp.Body) > 0 {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(resp.StatusCode)
	if len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}

func parseETag(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "W/")
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		return v[1 : len(v)-1]
	}
	return v
}

// authenticate resolves the caller. When it returns false a response has
// already been written.
func (h *Handler) authenticate(ctx context.Context, w http.ResponseWriter, r *http.Request) (string, bool) {
	if h.auth == nil {
		return r.Header.Get(httptransport.UserHeader), true
	}

	authHeader := r.Header.Get(authorizationHeader)
	if authHeader == "" {
		h.log.InfoContext(ctx, "auth.check.missing")
		w.Header().Add(wwwAuthenticateHeader, h.challenge("", ""))
		writeJSONError(w, http.StatusUnauthorized, "unauthorized", "bearer token required")
		return "", false
	}
	const bearerPrefix = "Bearer "
	tok := ""
	if strings.HasPrefix(authHeader, bearerPrefix) {
		tok = strings.TrimSpace(authHeader[len(bearerPrefix):])
	}
	if tok == "" {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
		w.Header().Add(wwwAuthenticateHeader, h.challenge("invalid_request", "malformed bearer authorization header"))
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "malformed bearer authorization header")
		return "", false
	}

	user, err := h.auth.Authenticate(ctx, tok)
	switch {
	case err == nil:
		return user, true
	case errors.Is(err, jwtauth.ErrInsufficientScope):
		h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		w.Header().Add(wwwAuthenticateHeader, h.challenge("insufficient_scope", err.Error()))
		writeJSONError(w, http.StatusForbidden, "insufficient_scope", err.Error())
	case errors.Is(err, jwtauth.ErrUnauthorized):
		h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		w.Header().Add(wwwAuthenticateHeader, h.challenge("invalid_token", err.Error()))
		writeJSONError(w, http.StatusUnauthorized, "invalid_token", err.Error())
	default:
		h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "internal", "authentication failed")
	}
	return "", false
}

// challenge builds a Bearer WWW-Authenticate value.
func (h *Handler) challenge(errCode, desc string) string {
	esc := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace
	var pieces []string
	if h.realm != "" {
		pieces = append(pieces, `realm="`+esc(h.realm)+`"`)
	}
	if errCode != "" {
		pieces = append(pieces, `error="`+esc(errCode)+`"`)
	}
	if desc != "" {
		pieces = append(pieces, `error_description="`+esc(desc)+`"`)
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

func (h *Handler) handleSchema(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.Header().Set("Cache-Control", "max-age=3600")
	_, _ = w.Write(h.schema)
}

// handleNotifications streams transport.Notification messages for one
// session over a WebSocket.
func (h *Handler) handleNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := h.requestContext(r)

	ref, err := session.ParseReference(r.URL.Query().Get("ref"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	caller, ok := h.authenticate(ctx, w, r)
	if !ok {
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{Ref: ref.String(), UserID: caller})

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		h.log.InfoContext(ctx, "notify.upgrade.fail", slog.String("err", err.Error()))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var writeMu sync.Mutex
	write := func(mt int, data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(mt, data)
	}

	// Reader: keeps the read deadline fresh and notices the peer leaving.
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		tick := time.NewTicker(pingPeriod)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				if err := write(websocket.PingMessage, nil); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	h.log.InfoContext(ctx, "notify.subscribed")
	err = h.svc.Subscribe(ctx, ref, func(ctx context.Context, n transport.Notification) error {
		b, err := json.Marshal(n)
		if err != nil {
			return err
		}
		return write(websocket.TextMessage, b)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		h.log.InfoContext(ctx, "notify.closed", slog.String("err", err.Error()))
	}
}
