package trade

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/papertrade/paper-engine/internal/broker"
)

func dialHub(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, h *WSHub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", n, h.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWSHub_FiltersByAccount(t *testing.T) {
	hub := NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	mine := dialHub(t, srv, "?account_id=acct-1")
	all := dialHub(t, srv, "")
	waitForClients(t, hub, 2)

	hub.Publish(broker.Event{Type: broker.EventOrderFilled, AccountID: "acct-2", OrderID: "o-2"})
	hub.Publish(broker.Event{Type: broker.EventOrderFilled, AccountID: "acct-1", OrderID: "o-1", Price: "45022.5"})

	read := func(conn *websocket.Conn) broker.Event {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var e broker.Event
		if err := json.Unmarshal(data, &e); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return e
	}

	if e := read(mine); e.OrderID != "o-1" || e.Price != "45022.5" {
		t.Errorf("filtered client got %+v", e)
	}
	if e := read(all); e.OrderID != "o-2" {
		t.Errorf("unfiltered client should see o-2 first, got %+v", e)
	}
	if e := read(all); e.OrderID != "o-1" {
		t.Errorf("unfiltered client should see o-1 second, got %+v", e)
	}
}

func TestWSHub_DisconnectAndShutdown(t *testing.T) {
	hub := NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	first := dialHub(t, srv, "")
	second := dialHub(t, srv, "")
	waitForClients(t, hub, 2)

	first.Close()
	waitForClients(t, hub, 1)

	cancel()
	waitForClients(t, hub, 0)

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := second.ReadMessage(); err == nil {
		t.Error("expected the connection to be closed on shutdown")
	}

	// Publishing after shutdown must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 300; i++ {
			hub.Publish(broker.Event{Type: broker.EventAccountReset, AccountID: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked")
	}
}
