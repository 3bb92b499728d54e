package multiplayer

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/sessionsync-go/directory"
	"github.com/ggoodman/sessionsync-go/session"
	"github.com/ggoodman/sessionsync-go/store/memorystore"
	"github.com/ggoodman/sessionsync-go/transport"
)

const testCatalog = `
templates:
  - name: lobby
    constants:
      maxMembersCount: 4
      visibility: open
  - name: game
    constants:
      maxMembersCount: 4
hoppers:
  - name: duel
    gameTemplate: game
    matchSize: 2
    timeout: 1m
`

func newDirectory(t *testing.T) *directory.Service {
	t.Helper()
	tmpl, err := directory.ParseTemplates([]byte(testCatalog))
	if err != nil {
		t.Fatalf("ParseTemplates: %v", err)
	}
	return directory.New(memorystore.New(), directory.WithTemplates(tmpl))
}

func lobbyRef(name string) session.Reference {
	return session.Reference{SCID: "scid", Template: "lobby", Name: name}
}

// failTransport fails the test on any request.
type failTransport struct{ t *testing.T }

func (f failTransport) Submit(ctx context.Context, req transport.Request) (*transport.Response, error) {
	f.t.Errorf("unexpected request %s %s", req.Method, req.Path)
	return nil, errors.New("unexpected request")
}

func waitWrite(t *testing.T, pw *PendingWrite) WriteResult {
	t.Helper()
	select {
	case <-pw.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("write %s did not resolve", pw.ID())
	}
	res, ok := pw.Result()
	if !ok {
		t.Fatalf("write %s resolved without a result", pw.ID())
	}
	return res
}

func write(t *testing.T, c *Coordinator, b *session.Builder, mode session.WriteMode) WriteResult {
	t.Helper()
	pw, err := c.Write(context.Background(), b, mode)
	if err != nil {
		t.Fatalf("Write(%s): %v", mode, err)
	}
	return waitWrite(t, pw)
}

// createLobby commits a lobby with caller as its only active member.
func createLobby(t *testing.T, c *Coordinator, ref session.Reference, caller string) *session.Document {
	t.Helper()
	b := session.NewBuilder(session.New(ref, session.Constants{}), caller)
	if err := b.Join(nil, false, true); err != nil {
		t.Fatalf("Join: %v", err)
	}
	res := write(t, c, b, session.CreateNew)
	if res.Status != session.WriteCreated {
		t.Fatalf("create status = %s err=%v", res.Status, res.Err)
	}
	return res.Session
}

// gatedTransport holds If-None-Match: * writes until release is closed.
type gatedTransport struct {
	transport.Transport
	release chan struct{}

	mu     sync.Mutex
	writes int
}

func (g *gatedTransport) Submit(ctx context.Context, req transport.Request) (*transport.Response, error) {
	if req.Method == http.MethodPut {
		g.mu.Lock()
		g.writes++
		g.mu.Unlock()
	}
	if req.IfNoneMatch == "*" {
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.Transport.Submit(ctx, req)
}

func (g *gatedTransport) writeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.writes
}

// recordHandler keeps every log record.
type recordHandler struct {
	mu      *sync.Mutex
	records *[]slog.Record
}

func newRecordHandler() recordHandler {
	return recordHandler{mu: &sync.Mutex{}, records: &[]slog.Record{}}
}

func (h recordHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h recordHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	*h.records = append(*h.records, r.Clone())
	h.mu.Unlock()
	return nil
}

func (h recordHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h recordHandler) WithGroup(string) slog.Handler      { return h }

func (h recordHandler) has(level slog.Level, msg string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range *h.records {
		if r.Level == level && r.Message == msg {
			return true
		}
	}
	return false
}
