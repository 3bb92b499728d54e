package directory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/sessionsync-go/internal/jwtauth"
	"github.com/ggoodman/sessionsync-go/session"
	"github.com/ggoodman/sessionsync-go/transport"
	"github.com/ggoodman/sessionsync-go/transport/httptransport"
	"github.com/ggoodman/sessionsync-go/transport/wsnotify"
)

func newTestServer(t *testing.T, opts ...HandlerOption) (*Service, *httptest.Server) {
	t.Helper()
	svc, _ := newTestService(t)
	srv := httptest.NewServer(NewHandler(svc, opts...))
	t.Cleanup(srv.Close)
	return svc, srv
}

func TestHTTPRoundTrip(t *testing.T) {
	_, srv := newTestServer(t)
	client, err := httptransport.New(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	ref := lobbyRef("http")

	resp, err := client.Submit(ctx, transport.Request{
		Method:      http.MethodPut,
		Path:        transport.SessionPath(ref),
		Body:        []byte(joinActive),
		IfNoneMatch: "*",
		Caller:      "alice",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if resp.StatusCode != http.StatusCreated || resp.ETag == "" || resp.Date.IsZero() {
		t.Fatalf("create = %d etag=%q date=%v", resp.StatusCode, resp.ETag, resp.Date)
	}

	stale, err := client.Submit(ctx, transport.Request{
		Method:  http.MethodPut,
		Path:    transport.SessionPath(ref),
		Body:    []byte(`{"properties":{"custom":{"k":1}}}`),
		IfMatch: "not-the-etag",
		Caller:  "alice",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if stale.StatusCode != http.StatusPreconditionFailed || stale.ETag != resp.ETag {
		t.Fatalf("stale write = %d etag=%q, want 412 with %q", stale.StatusCode, stale.ETag, resp.ETag)
	}
	if session.WriteStatusFromHTTP(stale.StatusCode) != session.WriteOutOfSync {
		t.Fatalf("412 should map to out of sync")
	}
}

func TestHTTPRejectsNonJSON(t *testing.T) {
	_, srv := newTestServer(t)
	req, _ := http.NewRequest(http.MethodPut, srv.URL+transport.SessionPath(lobbyRef("x")), strings.NewReader(joinActive))
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set(httptransport.UserHeader, "alice")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestSchemaEndpoint(t *testing.T) {
	_, srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/v1/schema/session")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var schema struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&schema); err != nil {
		t.Fatalf("decode schema: %v", err)
	}
	for _, k := range []string{"members", "constants", "properties"} {
		if _, ok := schema.Properties[k]; !ok {
			t.Fatalf("schema lacks %q", k)
		}
	}
}

func TestBearerAuth(t *testing.T) {
	secret := []byte("test-secret-test-secret-test-sec")
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = "https://issuer.test"
	cfg.Audiences = []string{"sessionsync"}
	auth, err := jwtauth.NewHMAC(secret, cfg)
	if err != nil {
		t.Fatal(err)
	}
	_, srv := newTestServer(t, WithAuthenticator(auth), WithRealm("sessionsync"))
	ref := lobbyRef("auth")

	anon, _ := httptransport.New(srv.URL)
	resp, err := anon.Submit(context.Background(), transport.Request{Method: http.MethodGet, Path: transport.SessionPath(ref)})
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d", resp.StatusCode)
	}

	// The raw request shows the challenge header.
	raw, err := http.Get(srv.URL + transport.SessionPath(ref))
	if err != nil {
		t.Fatal(err)
	}
	raw.Body.Close()
	if got := raw.Header.Get("WWW-Authenticate"); got != `Bearer realm="sessionsync"` {
		t.Fatalf("challenge = %q", got)
	}

	tokens := httptransport.TokenFunc(func(ctx context.Context, caller string) (string, error) {
		return jwtauth.IssueHMAC(secret, cfg, caller, time.Minute)
	})
	client, _ := httptransport.New(srv.URL, httptransport.WithTokenSource(tokens))
	resp, err = client.Submit(context.Background(), transport.Request{
		Method: http.MethodPut,
		Path:   transport.SessionPath(ref),
		Body:   []byte(joinActive),
		Caller: "alice",
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("authenticated create = %d body=%s", resp.StatusCode, resp.Body)
	}
	doc := decodeDoc(t, resp)
	if doc.MemberByUser("alice") == nil {
		t.Fatalf("caller was not taken from the token subject")
	}
}

func TestWebSocketNotifications(t *testing.T) {
	svc, srv := newTestServer(t)
	ref := lobbyRef("ws")
	put(t, svc, ref, "alice", joinActive, putOpts{})

	ch, err := wsnotify.New(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	probe := func() { put(t, svc, ref, "alice", `{"properties":{"custom":{"probe":1}}}`, putOpts{}) }
	notes, done := subscribeLive(t, ctx, ch, ref, probe)

	resp := put(t, svc, ref, "bob", joinActive, putOpts{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("join = %d", resp.StatusCode)
	}
	want := decodeDoc(t, resp)
	select {
	case n := <-notes:
		if n.Ref != ref || n.ChangeNumber != want.ChangeNumber || n.Branch != want.Branch {
			t.Fatalf("notification = %+v, want change %d", n, want.ChangeNumber)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no notification for the join")
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Subscribe returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Subscribe did not return after cancel")
	}
}
