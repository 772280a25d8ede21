// Package wsfeed broadcasts BiBank engine events to external observers over
// WebSocket, adapted from internal/rpc/websocket.go's WSHub/WSClient: the
// same register/unregister/broadcast loop and per-client drop-on-
// backpressure policy, now fed by internal/eventbus instead of being
// wired directly into request handlers.
package wsfeed

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bibank-exchange/bibank/internal/eventbus"
	"github.com/bibank-exchange/bibank/pkg/obslog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// FeedType is the kind of event a client may subscribe to.
type FeedType string

const (
	FeedEntryCommitted     FeedType = "entry_committed"
	FeedOrderMatched       FeedType = "order_matched"
	FeedComplianceFlagged  FeedType = "compliance_flagged"
)

// Message is the envelope written to every client.
type Message struct {
	Type      FeedType    `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

type subscription struct {
	Action string   `json:"action"` // "subscribe" or "unsubscribe"
	Feeds  []string `json:"feeds"`
}

// client is one connected WebSocket observer.
type client struct {
	conn   *websocket.Conn
	send   chan []byte
	subs   map[FeedType]bool
	mu     sync.RWMutex
	hub    *Hub
}

// Hub fans internal/eventbus events out to connected WebSocket clients.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan *Message
	register   chan *client
	unregister chan *client
	bus        *eventbus.Bus
	log        *obslog.Logger
	mu         sync.RWMutex
}

// NewHub wires a Hub against an already-running event bus. Call Run in its
// own goroutine to start forwarding.
func NewHub(bus *eventbus.Bus, log *obslog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan *Message, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		bus:        bus,
		log:        log.Component("wsfeed"),
	}
}

// Run starts the hub's client registry loop and its three eventbus
// subscriptions. It blocks until stop is closed.
func (h *Hub) Run(stop <-chan struct{}) {
	entryCh := make(chan eventbus.EntryCommitted, 256)
	matchCh := make(chan eventbus.OrderMatched, 256)
	complianceCh := make(chan eventbus.ComplianceFlagged, 256)

	entrySub := h.bus.SubscribeEntryCommitted(entryCh)
	matchSub := h.bus.SubscribeOrderMatched(matchCh)
	complianceSub := h.bus.SubscribeComplianceFlagged(complianceCh)
	defer entrySub.Unsubscribe()
	defer matchSub.Unsubscribe()
	defer complianceSub.Unsubscribe()

	for {
		select {
		case <-stop:
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.log.Debug("client connected", "clients", len(h.clients))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.log.Debug("client disconnected", "clients", len(h.clients))

		case e := <-entryCh:
			h.Broadcast(FeedEntryCommitted, e)

		case e := <-matchCh:
			h.Broadcast(FeedOrderMatched, e)

		case e := <-complianceCh:
			h.Broadcast(FeedComplianceFlagged, e)

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) deliver(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("failed to marshal feed message", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.mu.RLock()
		subscribed := c.subs[msg.Type] || len(c.subs) == 0
		c.mu.RUnlock()
		if !subscribed {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.log.Warn("client buffer full, dropping feed message", "type", msg.Type)
		}
	}
}

// Broadcast enqueues a message for delivery on the hub's own goroutine.
func (h *Hub) Broadcast(feedType FeedType, data interface{}) {
	msg := &Message{Type: feedType, Data: data, Timestamp: time.Now().Unix()}
	select {
	case h.broadcast <- msg:
	default:
		h.log.Warn("broadcast queue full, dropping feed message", "type", feedType)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request to a WebSocket connection and registers
// the resulting client with the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, 256),
		subs: make(map[FeedType]bool),
		hub:  h,
	}
	h.register <- c

	go c.writePump()
	go c.readPump()
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("websocket read error", "error", err)
			}
			break
		}
		var sub subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.handleSubscription(&sub)
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) handleSubscription(sub *subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range sub.Feeds {
		feedType := FeedType(f)
		switch sub.Action {
		case "subscribe":
			c.subs[feedType] = true
		case "unsubscribe":
			delete(c.subs, feedType)
		}
	}
}
