package multiplayer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ggoodman/sessionsync-go/session"
	"github.com/ggoodman/sessionsync-go/transport"
)

func TestCreateThenReserve(t *testing.T) {
	c := NewCoordinator(newDirectory(t))
	ref := lobbyRef("reserve")

	b := session.NewBuilder(session.New(ref, session.Constants{}), "alice")
	if err := b.SetMaxMembers(2); err != nil {
		t.Fatalf("SetMaxMembers: %v", err)
	}
	if err := b.Join(nil, false, true); err != nil {
		t.Fatalf("Join: %v", err)
	}
	created := write(t, c, b, session.CreateNew)
	if created.Status != session.WriteCreated || created.Err != nil {
		t.Fatalf("create = %s err=%v", created.Status, created.Err)
	}
	if created.Session.ETag == "" || created.Session.ChangeNumber != 1 {
		t.Fatalf("created snapshot etag=%q cn=%d", created.Session.ETag, created.Session.ChangeNumber)
	}
	if created.Session.CorrelationID != created.CorrelationID {
		t.Fatalf("snapshot correlation id = %q, want %q", created.Session.CorrelationID, created.CorrelationID)
	}

	rb := session.NewBuilder(created.Session, "alice")
	if err := rb.AddMemberReservation("bob", nil, false); err != nil {
		t.Fatalf("AddMemberReservation: %v", err)
	}
	updated := write(t, c, rb, session.UpdateExisting)
	if updated.Status != session.WriteUpdated {
		t.Fatalf("reserve = %s err=%v", updated.Status, updated.Err)
	}
	if n := len(updated.Session.Members); n != 2 {
		t.Fatalf("members = %d, want 2", n)
	}
	if bob := updated.Session.MemberByUser("bob"); bob == nil || bob.Status != session.MemberReserved {
		t.Fatalf("bob = %+v", bob)
	}
	if cur := updated.Session.CurrentUser(); cur == nil || cur.UserID != "alice" {
		t.Fatalf("current user = %+v", cur)
	}
}

func TestCapacityExceededLocally(t *testing.T) {
	two := 2
	b := session.NewBuilder(session.New(lobbyRef("full"), session.Constants{MaxMembers: &two}), "alice")
	if err := b.Join(nil, false, true); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := b.AddMemberReservation("bob", nil, false); err != nil {
		t.Fatalf("first reservation: %v", err)
	}
	err := b.AddMemberReservation("carol", nil, false)
	if !errors.Is(err, session.ErrCapacityExceeded) {
		t.Fatalf("third member err = %v, want ErrCapacityExceeded", err)
	}
	if len(b.Preview().Members) != 2 {
		t.Fatalf("rejected reservation changed the preview")
	}
}

func TestLeaveDeletesSession(t *testing.T) {
	c := NewCoordinator(newDirectory(t))
	ref := lobbyRef("leave")
	doc := createLobby(t, c, ref, "alice")

	b := session.NewBuilder(doc, "alice")
	if err := b.Leave(); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if !b.ExpectsDeletion() {
		t.Fatalf("sole member leave should expect deletion")
	}
	res := write(t, c, b, session.UpdateExisting)
	if res.Status != session.WriteSessionDeleted || res.Err != nil {
		t.Fatalf("leave = %s err=%v", res.Status, res.Err)
	}
	if !res.Session.IsNull() || res.Session.Ref != ref || !res.ExpectedDeletion {
		t.Fatalf("leave result = %+v", res)
	}

	read, err := c.Read(context.Background(), ref, "alice")
	if err != nil || !read.IsNull() {
		t.Fatalf("read after delete = %+v, %v", read, err)
	}
}

func TestWriteModes(t *testing.T) {
	c := NewCoordinator(newDirectory(t))
	ref := lobbyRef("modes")
	doc := createLobby(t, c, ref, "alice")

	t.Run("create on existing", func(t *testing.T) {
		b := session.NewBuilder(session.New(ref, session.Constants{}), "bob")
		if err := b.Join(nil, false, true); err != nil {
			t.Fatalf("Join: %v", err)
		}
		res := write(t, c, b, session.CreateNew)
		if res.Status != session.WriteConflict || !errors.Is(res.Err, session.ErrConflict) {
			t.Fatalf("status = %s err=%v", res.Status, res.Err)
		}
		if res.Session == nil || res.Session.ETag != doc.ETag || res.Session.MemberByUser("bob") != nil {
			t.Fatalf("conflict should carry the current document: %+v", res.Session)
		}
	})

	t.Run("update missing", func(t *testing.T) {
		b := session.NewBuilder(session.New(lobbyRef("absent"), session.Constants{}), "bob")
		if err := b.Join(nil, false, true); err != nil {
			t.Fatalf("Join: %v", err)
		}
		res := write(t, c, b, session.UpdateExisting)
		if res.Status != session.WriteHandleNotFound || !errors.Is(res.Err, session.ErrNotFound) {
			t.Fatalf("status = %s err=%v", res.Status, res.Err)
		}
		if res.Session != nil {
			t.Fatalf("error envelope decoded as a document: %+v", res.Session)
		}
	})

	t.Run("update or create", func(t *testing.T) {
		b := session.NewBuilder(doc, "bob")
		if err := b.Join(nil, false, true); err != nil {
			t.Fatalf("Join: %v", err)
		}
		res := write(t, c, b, session.UpdateOrCreateNew)
		if res.Status != session.WriteUpdated || res.Session.MemberByUser("bob") == nil {
			t.Fatalf("status = %s err=%v", res.Status, res.Err)
		}
	})

	t.Run("synchronized needs committed base", func(t *testing.T) {
		b := session.NewBuilder(session.New(ref, session.Constants{}), "alice")
		if err := b.Join(nil, false, true); err != nil {
			t.Fatalf("Join: %v", err)
		}
		_, err := NewCoordinator(failTransport{t}).Write(context.Background(), b, session.SynchronizedUpdate)
		if !errors.Is(err, session.ErrInvalidState) {
			t.Fatalf("err = %v, want ErrInvalidState", err)
		}
	})

	t.Run("no reference", func(t *testing.T) {
		b := session.NewBuilder(nil, "alice")
		if _, err := NewCoordinator(failTransport{t}).Write(context.Background(), b, session.UpdateOrCreateNew); !errors.Is(err, session.ErrInvalidArgument) {
			t.Fatalf("err = %v, want ErrInvalidArgument", err)
		}
	})
}

func TestSynchronizedRace(t *testing.T) {
	svc := newDirectory(t)
	c := NewCoordinator(svc)
	doc := createLobby(t, c, lobbyRef("race"), "alice")

	first := session.NewBuilder(doc, "alice")
	second := session.NewBuilder(doc, "alice")
	if err := first.SetProperty("map", "forest"); err != nil {
		t.Fatalf("SetProperty: %v", err)
	}
	if err := second.SetProperty("map", "desert"); err != nil {
		t.Fatalf("SetProperty: %v", err)
	}

	won := write(t, c, first, session.SynchronizedUpdate)
	if won.Status != session.WriteUpdated {
		t.Fatalf("first = %s err=%v", won.Status, won.Err)
	}
	lost := write(t, c, second, session.SynchronizedUpdate)
	if lost.Status != session.WriteOutOfSync || !errors.Is(lost.Err, session.ErrOutOfSync) {
		t.Fatalf("second = %s err=%v", lost.Status, lost.Err)
	}
	if lost.Session == nil || lost.Session.ETag != won.Session.ETag {
		t.Fatalf("out of sync result should carry the winner's snapshot")
	}
	var got string
	if err := json.Unmarshal(lost.Session.Properties.Custom["map"], &got); err != nil || got != "forest" {
		t.Fatalf("map = %q (%v)", got, err)
	}

	// Retrying from the fresh snapshot succeeds.
	retry := session.NewBuilder(lost.Session, "alice")
	if err := retry.SetProperty("map", "desert"); err != nil {
		t.Fatalf("SetProperty: %v", err)
	}
	if res := write(t, c, retry, session.SynchronizedUpdate); res.Status != session.WriteUpdated {
		t.Fatalf("retry = %s err=%v", res.Status, res.Err)
	}
}

func TestCompletedQueue(t *testing.T) {
	c := NewCoordinator(newDirectory(t))
	ref := lobbyRef("queue")
	b := session.NewBuilder(session.New(ref, session.Constants{}), "alice")
	if err := b.Join(nil, false, true); err != nil {
		t.Fatalf("Join: %v", err)
	}
	pw, err := c.Write(context.Background(), b, session.CreateNew)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	c.Wait()
	done := c.Completed()
	if len(done) != 1 || done[0].CorrelationID != pw.ID() || done[0].Mode != session.CreateNew || done[0].Caller != "alice" {
		t.Fatalf("completed = %+v", done)
	}
	if again := c.Completed(); len(again) != 0 {
		t.Fatalf("Completed did not drain: %+v", again)
	}
}

func TestHandles(t *testing.T) {
	c := NewCoordinator(newDirectory(t))
	ref := lobbyRef("invite")
	createLobby(t, c, ref, "alice")
	ctx := context.Background()

	id, err := c.CreateHandle(ctx, ref, "alice", "bob")
	if err != nil || id == "" {
		t.Fatalf("CreateHandle = %q, %v", id, err)
	}
	if _, err := c.ReadByHandle(ctx, "nope", "bob"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("unknown handle err = %v", err)
	}

	b := session.NewBuilder(nil, "bob")
	if err := b.Join(nil, false, true); err != nil {
		t.Fatalf("Join: %v", err)
	}
	pw, err := c.WriteByHandle(ctx, b, session.UpdateExisting, id)
	if err != nil {
		t.Fatalf("WriteByHandle: %v", err)
	}
	res := waitWrite(t, pw)
	if res.Status != session.WriteUpdated || res.Ref != ref {
		t.Fatalf("join by handle = %s ref=%s err=%v", res.Status, res.Ref, res.Err)
	}
	if cur := res.Session.CurrentUser(); cur == nil || cur.UserID != "bob" {
		t.Fatalf("current user = %+v", cur)
	}

	doc, err := c.ReadByHandle(ctx, id, "bob")
	if err != nil || doc.Ref != ref || len(doc.Members) != 2 {
		t.Fatalf("ReadByHandle = %+v, %v", doc, err)
	}
}

func TestTickets(t *testing.T) {
	c := NewCoordinator(newDirectory(t))
	ref := lobbyRef("ticket")
	createLobby(t, c, ref, "alice")
	ctx := context.Background()

	resp, err := c.SubmitTicket(ctx, "duel", transport.TicketRequest{TicketSession: ref}, "alice")
	if err != nil || resp.TicketID == "" {
		t.Fatalf("SubmitTicket = %+v, %v", resp, err)
	}
	if _, err := c.SubmitTicket(ctx, "duel", transport.TicketRequest{TicketSession: ref}, "alice"); !errors.Is(err, session.ErrConflict) {
		t.Fatalf("second ticket err = %v", err)
	}
	if err := c.CancelTicket(ctx, ref.SCID, "duel", resp.TicketID, "mallory"); !errors.Is(err, session.ErrAccessDenied) {
		t.Fatalf("cancel by non-member err = %v", err)
	}
	if err := c.CancelTicket(ctx, ref.SCID, "duel", resp.TicketID, "alice"); err != nil {
		t.Fatalf("CancelTicket: %v", err)
	}
	if err := c.CancelTicket(ctx, ref.SCID, "duel", resp.TicketID, "alice"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("second cancel err = %v", err)
	}
	doc, err := c.Read(ctx, ref, "alice")
	if err != nil || doc.MatchmakingStatus() != session.MatchmakingCanceled {
		t.Fatalf("lobby after cancel = %v, %v", doc.MatchmakingStatus(), err)
	}
}
