package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with request, session and write attributes
// carried by the context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("ref", sd.Ref),
			slog.String("role", sd.Role),
			slog.String("user_id", sd.UserID),
		))
	}

	if wd, ok := ctx.Value(writeDataKey{}).(*WriteData); ok {
		r.AddAttrs(slog.Group("write",
			slog.String("correlation_id", wd.CorrelationID),
			slog.String("mode", wd.Mode),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

// New wraps l so that its records carry context attributes. A nil logger
// yields a logger that discards everything.
func New(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.New(slog.DiscardHandler)
	}
	if _, ok := l.Handler().(Handler); ok {
		return l
	}
	return slog.New(Handler{Handler: l.Handler()})
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type sessionDataKey struct{}

// SessionData identifies the session document a log line is about.
type SessionData struct {
	Ref    string
	Role   string
	UserID string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type writeDataKey struct{}

type WriteData struct {
	CorrelationID string
	Mode          string
}

func WithWriteData(ctx context.Context, data *WriteData) context.Context {
	return context.WithValue(ctx, writeDataKey{}, data)
}
