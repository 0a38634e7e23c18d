package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket" //nolint:staticcheck // module still published under this path
)

// Event types pushed to websocket subscribers.
const (
	EventDecision = "decision"
	EventFeedback = "feedback"
	EventDecay    = "decay"
)

// Event is one message pushed to subscribers.
type Event struct {
	Type      string      `json:"type"`
	At        time.Time   `json:"at"`
	InvoiceID string      `json:"invoiceId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// subscriber is a connected client. Tests register fakes.
type subscriber interface {
	sendChannel() chan []byte
	close()
}

// Hub fans decision events out to websocket subscribers.
type Hub struct {
	origins []string

	mu      sync.Mutex
	clients map[subscriber]struct{}

	broadcast  chan Event
	register   chan subscriber
	unregister chan subscriber
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewHub returns a hub accepting upgrades from the given host patterns
// (host[:port]). Requests without an Origin header are always accepted.
func NewHub(origins ...string) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		origins:    origins,
		clients:    make(map[subscriber]struct{}),
		broadcast:  make(chan Event, 256),
		register:   make(chan subscriber),
		unregister: make(chan subscriber),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Run processes registrations and broadcasts until Stop.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			log.Printf("server: websocket subscriber connected (total: %d)", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.sendChannel())
			}
			n := len(h.clients)
			h.mu.Unlock()
			log.Printf("server: websocket subscriber disconnected (total: %d)", n)

		case ev := <-h.broadcast:
			data, err := json.Marshal(ev)
			if err != nil {
				log.Printf("server: failed to encode %s event: %v", ev.Type, err)
				continue
			}
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.sendChannel() <- data:
				default:
					// Slow subscriber.
					close(c.sendChannel())
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()

		case <-h.ctx.Done():
			return
		}
	}
}

// Stop ends Run and disconnects every subscriber.
func (h *Hub) Stop() {
	h.cancel()

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.sendChannel())
		c.close()
	}
	h.clients = make(map[subscriber]struct{})
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Publish queues ev for every subscriber. It never blocks; events are
// dropped when the queue is full.
func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	select {
	case h.broadcast <- ev:
	default:
		log.Printf("server: websocket queue full, dropping %s event", ev.Type)
	}
}

func (h *Hub) add(c subscriber) {
	select {
	case h.register <- c:
	case <-h.ctx.Done():
	}
}

func (h *Hub) remove(c subscriber) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
}

// ServeHTTP upgrades the request to a websocket subscription.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{ //nolint:staticcheck
		OriginPatterns: h.origins,
	})
	if err != nil {
		// Accept has already written the response.
		log.Printf("server: websocket upgrade failed: %v", err)
		return
	}

	c := &wsClient{hub: h, conn: conn, send: make(chan []byte, 64)}
	h.add(c)

	go c.writeLoop()
	go c.readLoop()
}

// wsClient is a live websocket connection.
type wsClient struct {
	hub  *Hub
	conn *websocket.Conn //nolint:staticcheck
	send chan []byte
	once sync.Once
}

func (c *wsClient) sendChannel() chan []byte { return c.send }

func (c *wsClient) close() {
	c.once.Do(func() {
		_ = c.conn.Close(websocket.StatusNormalClosure, "") //nolint:staticcheck
	})
}

func (c *wsClient) writeLoop() {
	defer func() {
		c.hub.remove(c)
		c.close()
	}()

	for msg := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.conn.Write(ctx, websocket.MessageText, msg) //nolint:staticcheck
		cancel()
		if err != nil {
			return
		}
	}
}

// readLoop drains client frames so that disconnects are noticed.
func (c *wsClient) readLoop() {
	defer func() {
		c.hub.remove(c)
		c.close()
	}()

	for {
		if _, _, err := c.conn.Read(c.hub.ctx); err != nil { //nolint:staticcheck
			return
		}
	}
}
