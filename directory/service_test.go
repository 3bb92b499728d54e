package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

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
      timeouts:
        memberReserved: 30s
  - name: private
    constants:
      visibility: private
  - name: game
    constants:
      maxMembersCount: 4
    roleTypes:
      team:
        ownerManaged: true
        mutableRoleSettings: [max]
        roles:
          red: {max: 1}
          blue: {max: 2}
hoppers:
  - name: duel
    gameTemplate: game
    matchSize: 2
    timeout: 1m
`

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T) (*Service, *testClock) {
	t.Helper()
	tmpl, err := ParseTemplates([]byte(testCatalog))
	if err != nil {
		t.Fatalf("ParseTemplates: %v", err)
	}
	clock := &testClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	return New(memorystore.New(), WithTemplates(tmpl), WithClock(clock.Now)), clock
}

func lobbyRef(name string) session.Reference {
	return session.Reference{SCID: "scid", Template: "lobby", Name: name}
}

type putOpts struct {
	ifMatch, ifNoneMatch string
}

func put(t *testing.T, svc *Service, ref session.Reference, caller, body string, o putOpts) *transport.Response {
	t.Helper()
	resp, err := svc.Submit(context.Background(), transport.Request{
		Method:      http.MethodPut,
		Path:        transport.SessionPath(ref),
		Body:        []byte(body),
		IfMatch:     o.ifMatch,
		IfNoneMatch: o.ifNoneMatch,
		Caller:      caller,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return resp
}

func get(t *testing.T, svc *Service, path string) *transport.Response {
	t.Helper()
	resp, err := svc.Submit(context.Background(), transport.Request{Method: http.MethodGet, Path: path})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return resp
}

func decodeDoc(t *testing.T, resp *transport.Response) *session.Document {
	t.Helper()
	d, err := session.Decode(resp.Body)
	if err != nil {
		t.Fatalf("decode body %s: %v", resp.Body, err)
	}
	d.ETag = resp.ETag
	return d
}

const joinActive = `{"members":{"me":{"active":true}}}`

func TestCreateNewThenConflict(t *testing.T) {
	svc, _ := newTestService(t)
	ref := lobbyRef("a")

	resp := put(t, svc, ref, "alice", joinActive, putOpts{ifNoneMatch: "*"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", resp.StatusCode, resp.Body)
	}
	if resp.ETag == "" || resp.Date.IsZero() {
		t.Fatalf("create response missing metadata: %+v", resp)
	}
	doc := decodeDoc(t, resp)
	if doc.ChangeNumber != 1 || doc.Branch == "" {
		t.Fatalf("changeNumber=%d branch=%q", doc.ChangeNumber, doc.Branch)
	}
	if doc.Constants.MaxMembers == nil || *doc.Constants.MaxMembers != 4 {
		t.Fatalf("template maxMembers not applied: %+v", doc.Constants)
	}
	if doc.Constants.Timeouts.MemberReserved == nil || *doc.Constants.Timeouts.MemberReserved != 30*time.Second {
		t.Fatalf("template timeouts not applied: %+v", doc.Constants.Timeouts)
	}
	alice := doc.MemberByUser("alice")
	if alice == nil || alice.Status != session.MemberActive || !doc.IsOwner(alice.ID) {
		t.Fatalf("creator member = %+v owners=%v", alice, doc.Properties.Owners)
	}

	again := put(t, svc, ref, "bob", joinActive, putOpts{ifNoneMatch: "*"})
	if again.StatusCode != http.StatusConflict {
		t.Fatalf("second create status = %d", again.StatusCode)
	}
	if cur := decodeDoc(t, again); cur.ChangeNumber != 1 || again.ETag != resp.ETag {
		t.Fatalf("conflict body is not the current document: cn=%d etag=%q", cur.ChangeNumber, again.ETag)
	}
}

func TestUpdateExistingOnMissing(t *testing.T) {
	svc, _ := newTestService(t)
	resp := put(t, svc, lobbyRef("missing"), "alice", joinActive, putOpts{ifMatch: "*"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	var body transport.ErrorBody
	if err := json.Unmarshal(resp.Body, &body); err != nil || body.Error.Code != "not_found" {
		t.Fatalf("error body = %s (%v)", resp.Body, err)
	}
}

func TestSynchronizedUpdate(t *testing.T) {
	svc, _ := newTestService(t)
	ref := lobbyRef("sync")
	created := put(t, svc, ref, "alice", joinActive, putOpts{})

	first := put(t, svc, ref, "alice", `{"properties":{"system":{"host":"dev-a"}}}`, putOpts{ifMatch: created.ETag})
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first sync status = %d body=%s", first.StatusCode, first.Body)
	}
	if first.ETag == created.ETag {
		t.Fatalf("etag did not change")
	}
	if d := decodeDoc(t, first); d.ChangeNumber != 2 || d.Properties.HostDeviceToken != "dev-a" {
		t.Fatalf("after sync update: cn=%d host=%q", d.ChangeNumber, d.Properties.HostDeviceToken)
	}

	second := put(t, svc, ref, "alice", `{"properties":{"system":{"host":"dev-b"}}}`, putOpts{ifMatch: created.ETag})
	if second.StatusCode != http.StatusPreconditionFailed {
		t.Fatalf("stale sync status = %d", second.StatusCode)
	}
	if second.ETag != first.ETag {
		t.Fatalf("412 etag = %q, want current %q", second.ETag, first.ETag)
	}
	if d := decodeDoc(t, second); d.Properties.HostDeviceToken != "dev-a" {
		t.Fatalf("stale write applied: host=%q", d.Properties.HostDeviceToken)
	}

	missing := put(t, svc, lobbyRef("nobody"), "alice", joinActive, putOpts{ifMatch: "bogus"})
	if missing.StatusCode != http.StatusPreconditionFailed {
		t.Fatalf("etag on missing session status = %d", missing.StatusCode)
	}
}

func TestWriteWithoutMembersOnMissingSession(t *testing.T) {
	svc, _ := newTestService(t)
	resp := put(t, svc, lobbyRef("x"), "alice", `{"properties":{"custom":{"a":1}}}`, putOpts{})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestUnknownTemplate(t *testing.T) {
	svc, _ := newTestService(t)
	ref := session.Reference{SCID: "scid", Template: "nope", Name: "x"}
	if resp := put(t, svc, ref, "alice", joinActive, putOpts{}); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestLastMemberLeavingDeletes(t *testing.T) {
	svc, _ := newTestService(t)
	ref := lobbyRef("leave")
	put(t, svc, ref, "alice", joinActive, putOpts{})
	put(t, svc, ref, "bob", joinActive, putOpts{})

	resp := put(t, svc, ref, "alice", `{"members":{"me":null}}`, putOpts{ifMatch: "*"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first leave status = %d", resp.StatusCode)
	}
	d := decodeDoc(t, resp)
	bob := d.MemberByUser("bob")
	if len(d.Members) != 1 || bob == nil || !d.IsOwner(bob.ID) {
		t.Fatalf("after alice left: members=%d owners=%v", len(d.Members), d.Properties.Owners)
	}

	resp = put(t, svc, ref, "bob", `{"members":{"me":null}}`, putOpts{ifMatch: "*"})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("last leave status = %d", resp.StatusCode)
	}
	if got := get(t, svc, transport.SessionPath(ref)); got.StatusCode != http.StatusNotFound {
		t.Fatalf("GET after delete = %d", got.StatusCode)
	}
	// A fresh create on the same reference starts a new branch.
	again := put(t, svc, ref, "carol", joinActive, putOpts{ifNoneMatch: "*"})
	if again.StatusCode != http.StatusCreated {
		t.Fatalf("recreate status = %d", again.StatusCode)
	}
	if nd := decodeDoc(t, again); nd.Branch == d.Branch || nd.ChangeNumber != 1 {
		t.Fatalf("recreated branch=%q cn=%d", nd.Branch, nd.ChangeNumber)
	}
}

func TestAccessRules(t *testing.T) {
	svc, _ := newTestService(t)

	open := lobbyRef("open")
	put(t, svc, open, "alice", joinActive, putOpts{})
	private := session.Reference{SCID: "scid", Template: "private", Name: "p"}
	put(t, svc, private, "alice", `{"members":{"me":{"active":true},"reserve_0":{"userId":"bob"}}}`, putOpts{})
	game := session.Reference{SCID: "scid", Template: "game", Name: "g"}
	put(t, svc, game, "alice", joinActive, putOpts{})
	put(t, svc, game, "bob", joinActive, putOpts{})
	closed := lobbyRef("closed")
	put(t, svc, closed, "alice", joinActive, putOpts{})
	put(t, svc, closed, "alice", `{"properties":{"system":{"closed":true}}}`, putOpts{})

	tests := []struct {
		name   string
		ref    session.Reference
		caller string
		body   string
		want   int
	}{
		{"non-member sets property", open, "mallory", `{"properties":{"custom":{"x":1}}}`, http.StatusForbidden},
		{"non-member reserves", open, "mallory", `{"members":{"reserve_0":{"userId":"eve"}}}`, http.StatusForbidden},
		{"anonymous join", open, "", joinActive, http.StatusForbidden},
		{"join private without reservation", private, "carol", joinActive, http.StatusForbidden},
		{"join private with reservation", private, "bob", joinActive, http.StatusOK},
		{"join closed", closed, "carol", joinActive, http.StatusForbidden},
		{"role settings by non-owner", game, "bob", `{"roleTypes":{"team":{"red":{"max":2}}}}`, http.StatusForbidden},
		{"role settings by owner", game, "alice", `{"roleTypes":{"team":{"red":{"max":2}}}}`, http.StatusOK},
		{"immutable role setting", game, "alice", `{"roleTypes":{"team":{"red":{"target":1}}}}`, http.StatusBadRequest},
		{"bad patch", open, "alice", `{"members":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := put(t, svc, tt.ref, tt.caller, tt.body, putOpts{})
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, tt.want, resp.Body)
			}
		})
	}
}

func TestRoleCapacity(t *testing.T) {
	svc, _ := newTestService(t)
	game := session.Reference{SCID: "scid", Template: "game", Name: "roles"}
	resp := put(t, svc, game, "alice", `{"members":{"me":{"active":true,"roles":{"team":"red"}}}}`, putOpts{})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", resp.StatusCode, resp.Body)
	}
	if d := decodeDoc(t, resp); d.RoleTypes["team"].Roles["red"].Count != 1 {
		t.Fatalf("red count = %d", d.RoleTypes["team"].Roles["red"].Count)
	}
	resp = put(t, svc, game, "bob", `{"members":{"me":{"active":true,"roles":{"team":"red"}}}}`, putOpts{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("over-full role status = %d", resp.StatusCode)
	}
}

func TestConcurrentJoinsRespectCapacity(t *testing.T) {
	svc, _ := newTestService(t)
	ref := lobbyRef("crowd")

	const users = 8
	var wg sync.WaitGroup
	codes := make([]int, users)
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := svc.Submit(context.Background(), transport.Request{
				Method: http.MethodPut,
				Path:   transport.SessionPath(ref),
				Body:   []byte(joinActive),
				Caller: fmt.Sprintf("user-%d", i),
			})
			if err != nil {
				t.Errorf("Submit: %v", err)
				return
			}
			codes[i] = resp.StatusCode
		}(i)
	}
	wg.Wait()

	created, joined, full := 0, 0, 0
	for _, c := range codes {
		switch c {
		case http.StatusCreated:
			created++
		case http.StatusOK:
			joined++
		case http.StatusBadRequest:
			full++
		default:
			t.Fatalf("unexpected status %d", c)
		}
	}
	if created != 1 || joined != 3 || full != 4 {
		t.Fatalf("created=%d joined=%d full=%d", created, joined, full)
	}
	d := decodeDoc(t, get(t, svc, transport.SessionPath(ref)))
	if len(d.Members) != 4 || d.ChangeNumber != 4 {
		t.Fatalf("members=%d changeNumber=%d", len(d.Members), d.ChangeNumber)
	}
}

// subscribeLive subscribes to ref and runs probe writes until the
// subscription demonstrably receives notifications.
func subscribeLive(t *testing.T, ctx context.Context, ch transport.Channel, ref session.Reference, probe func()) (<-chan transport.Notification, <-chan error) {
	t.Helper()
	out := make(chan transport.Notification, 64)
	done := make(chan error, 1)
	return subscribeRef(t, ctx, ch, ref, probe, out, done)
}

func subscribeRef(t *testing.T, ctx context.Context, ch transport.Channel, ref session.Reference, probe func(), out chan transport.Notification, done chan error) (<-chan transport.Notification, <-chan error) {
	t.Helper()
	go func() {
		done <- ch.Subscribe(ctx, ref, func(ctx context.Context, n transport.Notification) error {
			out <- n
			return nil
		})
	}()
	deadline := time.After(5 * time.Second)
	for {
		probe()
		select {
		case <-out:
			for {
				select {
				case <-out:
					continue
				case <-time.After(50 * time.Millisecond):
				}
				break
			}
			return out, done
		case err := <-done:
			t.Fatalf("subscription ended early: %v", err)
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatalf("subscription never became live")
		}
	}
}

func TestNotificationsFollowWrites(t *testing.T) {
	svc, _ := newTestService(t)
	ref := lobbyRef("notify")
	put(t, svc, ref, "alice", joinActive, putOpts{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	probe := func() { put(t, svc, ref, "alice", `{"properties":{"custom":{"probe":1}}}`, putOpts{}) }
	notes, done := subscribeLive(t, ctx, svc, ref, probe)

	resp := put(t, svc, ref, "alice", `{"properties":{"custom":{"k":"v"}}}`, putOpts{})
	want := decodeDoc(t, resp)
	select {
	case n := <-notes:
		if n.Ref != ref || n.Branch != want.Branch || n.ChangeNumber != want.ChangeNumber {
			t.Fatalf("notification = %+v, want cn %d", n, want.ChangeNumber)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no notification")
	}

	// Deletion is announced with the next change number.
	put(t, svc, ref, "alice", `{"members":{"me":null}}`, putOpts{})
	select {
	case n := <-notes:
		if n.ChangeNumber != want.ChangeNumber+1 {
			t.Fatalf("deletion notification cn = %d", n.ChangeNumber)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no deletion notification")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Subscribe err = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("subscription did not stop")
	}
}

func TestHandles(t *testing.T) {
	svc, _ := newTestService(t)
	ref := session.Reference{SCID: "scid", Template: "private", Name: "invite"}
	put(t, svc, ref, "alice", `{"members":{"me":{"active":true},"reserve_0":{"userId":"bob"}}}`, putOpts{})

	create := func(caller string) *transport.Response {
		body, _ := json.Marshal(transport.CreateHandleRequest{Ref: ref, Invitee: "bob"})
		resp, err := svc.Submit(context.Background(), transport.Request{Method: http.MethodPost, Path: transport.HandlesPath, Body: body, Caller: caller})
		if err != nil {
			t.Fatal(err)
		}
		return resp
	}
	if resp := create("mallory"); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-member handle status = %d", resp.StatusCode)
	}
	resp := create("alice")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create handle status = %d body=%s", resp.StatusCode, resp.Body)
	}
	var h transport.CreateHandleResponse
	if err := json.Unmarshal(resp.Body, &h); err != nil || h.ID == "" {
		t.Fatalf("handle body %s: %v", resp.Body, err)
	}

	path := transport.HandleSessionPath(h.ID)
	if got := get(t, svc, path); got.StatusCode != http.StatusOK {
		t.Fatalf("GET via handle = %d", got.StatusCode)
	}
	carol, _ := svc.Submit(context.Background(), transport.Request{Method: http.MethodPut, Path: path, Body: []byte(joinActive), Caller: "carol"})
	if carol.StatusCode != http.StatusForbidden {
		t.Fatalf("PUT via handle by another user = %d", carol.StatusCode)
	}
	bob, _ := svc.Submit(context.Background(), transport.Request{Method: http.MethodPut, Path: path, Body: []byte(joinActive), Caller: "bob", IfMatch: "*"})
	if bob.StatusCode != http.StatusOK {
		t.Fatalf("PUT via handle by invitee = %d body=%s", bob.StatusCode, bob.Body)
	}
	if m := decodeDoc(t, bob).MemberByUser("bob"); m == nil || m.Status != session.MemberActive {
		t.Fatalf("bob member = %+v", m)
	}
	if got := get(t, svc, transport.HandleSessionPath("unknown")); got.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown handle = %d", got.StatusCode)
	}
}

func TestRouting(t *testing.T) {
	svc, _ := newTestService(t)
	tests := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/v1/nothing", http.StatusNotFound},
		{http.MethodGet, "/v2/sessions/a/b/c", http.StatusNotFound},
		{http.MethodDelete, "/v1/sessions/a/lobby/c", http.StatusMethodNotAllowed},
		{http.MethodGet, "/v1/handles", http.StatusMethodNotAllowed},
		{http.MethodGet, "/v1/sessions/a/lobby/c", http.StatusNotFound},
	}
	for _, tt := range tests {
		resp, err := svc.Submit(context.Background(), transport.Request{Method: tt.method, Path: tt.path})
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != tt.want {
			t.Fatalf("%s %s = %d, want %d", tt.method, tt.path, resp.StatusCode, tt.want)
		}
	}
}
