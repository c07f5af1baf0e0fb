package jobs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	domain "github.com/Antinna/HTTP-3/internal/domain"
)

func dialHub(t *testing.T, srv *httptest.Server, topic string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?topic=" + topic
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitForSubscribers(t *testing.T, hub *Hub, topic string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers(topic) != want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d subscribers on %q, got %d", want, topic, hub.Subscribers(topic))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHubRoutesEventsByOrder(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, r.URL.Query().Get("topic"))
	}))
	defer srv.Close()

	mine := dialHub(t, srv, "order-1")
	other := dialHub(t, srv, "order-2")
	admin := dialHub(t, srv, AdminFeed)
	waitForSubscribers(t, hub, "order-1", 1)
	waitForSubscribers(t, hub, "order-2", 1)
	waitForSubscribers(t, hub, AdminFeed, 1)

	msg := domain.OutboxMessage{ID: "m-1", AggregateID: "order-1", EventType: "order.status_changed", Payload: map[string]any{"status": "preparing"}}
	if err := hub.Deliver(context.Background(), msg); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	for name, conn := range map[string]*websocket.Conn{"owner": mine, "admin": admin} {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var event Event
		if err := conn.ReadJSON(&event); err != nil {
			t.Fatalf("%s read: %v", name, err)
		}
		if event.ID != "m-1" || event.Payload["status"] != "preparing" {
			t.Fatalf("%s got unexpected event %+v", name, event)
		}
	}

	_ = other.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var stray Event
	if err := other.ReadJSON(&stray); err == nil {
		t.Fatalf("subscriber of another order received %+v", stray)
	}
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, "order-1")
	}))
	defer srv.Close()

	conn := dialHub(t, srv, "order-1")
	waitForSubscribers(t, hub, "order-1", 1)

	hub.Close()
	if got := hub.Subscribers("order-1"); got != 0 {
		t.Fatalf("expected no subscribers after close, got %d", got)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected connection closed")
	}
}
