package wsnotify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ggoodman/sessionsync-go/session"
	"github.com/ggoodman/sessionsync-go/transport"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

func TestSubscribeDeliversNotifications(t *testing.T) {
	ref := session.Reference{SCID: "scid", Template: "lobby", Name: "abc"}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != NotificationsPath || r.URL.Query().Get("ref") != ref.String() {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for i := int64(1); i <= 3; i++ {
			if err := conn.WriteJSON(transport.Notification{Ref: ref, Branch: "b", ChangeNumber: i}); err != nil {
				return
			}
		}
		// Hold the connection open until the client goes away.
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []int64
	err = c.Subscribe(ctx, ref, func(ctx context.Context, n transport.Notification) error {
		got = append(got, n.ChangeNumber)
		if len(got) == 3 {
			cancel()
		}
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Subscribe err = %v, want context.Canceled", err)
	}
	if len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Fatalf("got = %v", got)
	}
}

func TestSubscribeReportsLostConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.Close()
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.Subscribe(ctx, session.Reference{SCID: "s", Template: "t", Name: "n"}, func(context.Context, transport.Notification) error { return nil })
	if !errors.Is(err, transport.ErrSubscriptionLost) {
		t.Fatalf("err = %v, want ErrSubscriptionLost", err)
	}
}

func TestSubscribeDialRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	err := c.Subscribe(context.Background(), session.Reference{SCID: "s", Template: "t", Name: "n"}, func(context.Context, transport.Notification) error { return nil })
	if !errors.Is(err, transport.ErrSubscriptionLost) {
		t.Fatalf("err = %v, want ErrSubscriptionLost", err)
	}
}

func TestHandlerErrorEndsSubscription(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(transport.Notification{ChangeNumber: 1})
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	boom := errors.New("boom")
	ref := session.Reference{SCID: "s", Template: "t", Name: "n"}
	err := c.Subscribe(context.Background(), ref, func(_ context.Context, n transport.Notification) error {
		if n.Ref != ref {
			t.Errorf("ref not defaulted: %+v", n.Ref)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
}
