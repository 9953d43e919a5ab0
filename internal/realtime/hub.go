// Package realtime streams settlement events to operators over WebSocket.
//
// Operators connect to the admin feed and may narrow it by sending a
// Subscription message:
//
//	{"eventTypes": ["refund.failed", "payout.failed"], "payeeIds": ["payee_1"], "replay": true}
//
// With replay set, the hub first resends the matching events it still
// remembers, so an operator who reconnects does not miss recent failures.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbd888/escrowd/internal/metrics"
)

const (
	// MaxClients is the maximum number of concurrent feed connections.
	MaxClients = 256
	// HistorySize is how many recent events are kept for replay.
	HistorySize = 100

	sendBuffer   = 256
	readLimit    = 64 * 1024
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     sameOrigin,
}

// sameOrigin admits non-browser clients and browsers on the API's own host.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
}

// Event is one message on the feed.
type Event struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Subscription filters the feed for a client. An empty filter list matches
// everything.
type Subscription struct {
	EventTypes []string `json:"eventTypes"`
	PayeeIDs   []string `json:"payeeIds"`
	Replay     bool     `json:"replay,omitempty"`
}

func (s Subscription) accepts(e *Event) bool {
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, e.Type) {
		return false
	}
	if len(s.PayeeIDs) > 0 {
		payee, _ := e.Data["payeeId"].(string)
		return slices.Contains(s.PayeeIDs, payee)
	}
	return true
}

// Client is one connected operator.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu  sync.RWMutex
	sub Subscription
}

func (c *Client) matches(e *Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub.accepts(e)
}

type queued struct {
	event   *Event
	payload []byte
}

type replayRequest struct {
	client *Client
	sub    Subscription
}

// Hub fans settlement events out to connected operators. All client
// bookkeeping happens on the Run goroutine.
type Hub struct {
	logger     *slog.Logger
	now        func() time.Time
	maxClients int

	events     chan *Event
	register   chan *Client
	unregister chan *Client
	replay     chan replayRequest
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*Client]struct{}
	history []queued

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
	dropped      atomic.Int64
}

// NewHub creates an idle hub; call Run to start it.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:     logger,
		now:        time.Now,
		maxClients: MaxClients,
		events:     make(chan *Event, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		replay:     make(chan replayRequest, 16),
		done:       make(chan struct{}),
		clients:    make(map[*Client]struct{}),
	}
}

// Run serves the hub until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("operator feed started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("operator feed stopped")
			return
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		case req := <-h.replay:
			h.resend(req)
		case e := <-h.events:
			h.publish(e)
		}
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := int64(len(h.clients))
	h.mu.Unlock()

	h.totalClients.Add(1)
	if n > h.peakClients.Load() {
		h.peakClients.Store(n)
	}
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Debug("feed client connected", "connected", n)
}

func (h *Hub) remove(clients ...*Client) {
	h.mu.Lock()
	for _, c := range clients {
		if _, ok := h.clients[c]; ok {
			delete(h.clients, c)
			close(c.send) // writer sends a close frame
		}
	}
	n := len(h.clients)
	h.mu.Unlock()

	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Debug("feed client disconnected", "connected", n)
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	all := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.mu.RUnlock()
	h.remove(all...)
}

// publish records e in the replay history and delivers it to every
// matching client. Clients whose buffer is full are disconnected.
func (h *Hub) publish(e *Event) {
	h.totalEvents.Add(1)
	payload, err := json.Marshal(e)
	if err != nil {
		h.logger.Warn("feed event not serializable", "type", e.Type, "error", err)
		return
	}

	h.mu.Lock()
	h.history = append(h.history, queued{event: e, payload: payload})
	if len(h.history) > HistorySize {
		h.history = h.history[len(h.history)-HistorySize:]
	}
	var slow []*Client
	for c := range h.clients {
		if c.matches(e) && !trySend(c, payload) {
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()

	if len(slow) > 0 {
		h.logger.Warn("dropping slow feed clients", "count", len(slow))
		h.remove(slow...)
	}
}

func (h *Hub) resend(req replayRequest) {
	h.mu.RLock()
	_, connected := h.clients[req.client]
	var backlog [][]byte
	if connected {
		for _, q := range h.history {
			if req.sub.accepts(q.event) {
				backlog = append(backlog, q.payload)
			}
		}
	}
	h.mu.RUnlock()

	for _, payload := range backlog {
		if !trySend(req.client, payload) {
			h.remove(req.client)
			return
		}
	}
}

func trySend(c *Client, payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// Broadcast queues e for delivery. Events are dropped when the queue is full.
func (h *Hub) Broadcast(e *Event) {
	select {
	case h.events <- e:
	default:
		h.dropped.Add(1)
		h.logger.Warn("feed queue full, dropping event", "type", e.Type)
	}
}

// BroadcastEvent publishes a settlement notification on the feed.
func (h *Hub) BroadcastEvent(eventType string, data map[string]any) {
	h.Broadcast(&Event{Type: eventType, Timestamp: h.now().UTC(), Data: data})
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]any{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
		"droppedEvents":    h.dropped.Load(),
		"history":          len(h.history),
	}
}

// HandleWebSocket upgrades an operator connection onto the feed.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	full := len(h.clients) >= h.maxClients
	h.mu.RUnlock()
	if full {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &Client{hub: h, conn: conn, send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go c.writeLoop()
	go c.readLoop()
}

// readLoop applies subscription updates until the connection closes.
func (c *Client) readLoop() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		var sub Subscription
		if err := json.Unmarshal(msg, &sub); err != nil {
			c.hub.logger.Debug("ignoring malformed subscription", "error", err)
			continue
		}
		c.mu.Lock()
		c.sub = sub
		c.mu.Unlock()
		if sub.Replay {
			select {
			case c.hub.replay <- replayRequest{client: c, sub: sub}:
			default:
			}
		}
	}
}

// writeLoop delivers queued events and keeps the connection alive with pings.
func (c *Client) writeLoop() {
	ping := time.NewTicker(pingInterval)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
