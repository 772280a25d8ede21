package wsfeed

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bibank-exchange/bibank/internal/eventbus"
	"github.com/bibank-exchange/bibank/internal/ledger"
	"github.com/bibank-exchange/bibank/pkg/obslog"
)

func startTestHub(t *testing.T) (*Hub, *httptest.Server, func()) {
	t.Helper()
	bus := eventbus.New(obslog.Default())
	hub := NewHub(bus, obslog.Default())
	stop := make(chan struct{})
	go hub.Run(stop)

	srv := httptest.NewServer(hub)
	cleanup := func() {
		close(stop)
		bus.Close()
		srv.Close()
	}
	return hub, srv, cleanup
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return conn
}

func TestClientReceivesBroadcastEntryCommitted(t *testing.T) {
	hub, srv, cleanup := startTestHub(t)
	defer cleanup()

	conn := dial(t, srv)
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 connected client, got %d", hub.ClientCount())
	}

	hub.Broadcast(FeedEntryCommitted, eventbus.EntryCommitted{Entry: ledger.JournalEntry{Sequence: 7}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if msg.Type != FeedEntryCommitted {
		t.Errorf("expected feed type %s, got %s", FeedEntryCommitted, msg.Type)
	}
}

func TestClientSubscriptionFiltersFeeds(t *testing.T) {
	hub, srv, cleanup := startTestHub(t)
	defer cleanup()

	conn := dial(t, srv)
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if err := conn.WriteJSON(subscription{Action: "subscribe", Feeds: []string{string(FeedOrderMatched)}}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	hub.Broadcast(FeedEntryCommitted, eventbus.EntryCommitted{})
	hub.Broadcast(FeedOrderMatched, eventbus.OrderMatched{Pair: "BTC-USDT"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if msg.Type != FeedOrderMatched {
		t.Errorf("expected only the subscribed feed type to arrive, got %s", msg.Type)
	}
}
