// Package ws pushes ledger status and committed events to WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/alanyoungcy/stakeledger/internal/domain"
	"github.com/gorilla/websocket"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 64

	statusTimeout = 5 * time.Second
)

// Topics a client can subscribe to. New clients get both.
const (
	TopicStatus = "status"
	TopicEvents = "events"
)

// StatusSource produces the current status projection.
type StatusSource interface {
	Status(ctx context.Context) (domain.Status, error)
}

// frame is the envelope of every message sent to clients.
type frame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// subscribeMsg is the JSON message a client sends to change its topics.
type subscribeMsg struct {
	Action string   `json:"action"` // "subscribe" or "unsubscribe"
	Topics []string `json:"topics"`
}

type broadcastMsg struct {
	topic string
	data  []byte
}

// Hub fans status snapshots and events out to connected clients. Status is
// recomputed whenever Refresh is called, coalescing bursts into one read.
type Hub struct {
	status   StatusSource
	bus      domain.SignalBus
	channel  string
	upgrader websocket.Upgrader
	logger   *slog.Logger

	clients    map[*client]bool
	mu         sync.RWMutex
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	refresh    chan struct{}
	done       chan struct{}
}

// Config configures a Hub.
type Config struct {
	// EventsChannel is the pub/sub channel carrying events committed by
	// other processes. Ignored without a bus.
	EventsChannel string
	// AllowedOrigins restricts browser origins; empty allows all.
	AllowedOrigins []string
}

// NewHub creates a Hub. bus may be nil, in which case events reach the hub
// only through Consume.
func NewHub(status StatusSource, bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	h := &Hub{
		status:     status,
		bus:        bus,
		channel:    cfg.EventsChannel,
		logger:     logger.With(slog.String("component", "ws")),
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		refresh:    make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return h
}

var _ domain.EventSink = (*Hub)(nil)

// Name implements domain.EventSink.
func (h *Hub) Name() string { return "ws" }

// Consume implements domain.EventSink: it forwards events to subscribers and
// schedules a status push.
func (h *Hub) Consume(_ context.Context, events []domain.Event) error {
	for _, e := range events {
		h.publishEvent(e)
	}
	h.Refresh()
	return nil
}

// Refresh schedules a status push. It never blocks.
func (h *Hub) Refresh() {
	select {
	case h.refresh <- struct{}{}:
	default:
	}
}

// Watch triggers Refresh for every signal until signals closes or ctx ends.
func (h *Hub) Watch(ctx context.Context, signals <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-signals:
			if !ok {
				return
			}
			h.Refresh()
		}
	}
}

// Run is the hub's main loop. It exits when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	if h.bus != nil && h.channel != "" {
		go h.subscribe(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client connected", slog.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected", slog.Int("total_clients", n))

		case <-h.refresh:
			if data, ok := h.statusFrame(ctx); ok {
				h.deliver(broadcastMsg{topic: TopicStatus, data: data})
			}

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) deliver(msg broadcastMsg) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.isSubscribed(msg.topic) {
			continue
		}
		select {
		case c.send <- msg.data:
		default:
			h.logger.Warn("ws: dropping message for slow client", slog.String("topic", msg.topic))
		}
	}
}

// subscribe relays events published by other processes.
func (h *Hub) subscribe(ctx context.Context) {
	msgCh, err := h.bus.Subscribe(ctx, h.channel)
	if err != nil {
		h.logger.Error("ws: failed to subscribe to channel",
			slog.String("channel", h.channel),
			slog.String("error", err.Error()),
		)
		return
	}
	h.logger.Info("ws: subscribed to channel", slog.String("channel", h.channel))

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgCh:
			if !ok {
				h.logger.Warn("ws: channel subscription closed", slog.String("channel", h.channel))
				return
			}
			var e domain.Event
			if err := json.Unmarshal(data, &e); err != nil {
				h.logger.Warn("ws: undecodable event", slog.String("error", err.Error()))
				continue
			}
			h.publishEvent(e)
			h.Refresh()
		}
	}
}

func (h *Hub) publishEvent(e domain.Event) {
	data, err := json.Marshal(frame{Type: "event", Payload: e})
	if err != nil {
		h.logger.Warn("ws: encode event", slog.String("error", err.Error()))
		return
	}
	select {
	case h.broadcast <- broadcastMsg{topic: TopicEvents, data: data}:
	default:
		h.logger.Warn("ws: broadcast queue full", slog.Uint64("sequence", e.Sequence))
	}
}

func (h *Hub) statusFrame(ctx context.Context) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	st, err := h.status.Status(ctx)
	if err != nil {
		h.logger.WarnContext(ctx, "ws: status unavailable", slog.String("error", err.Error()))
		return nil, false
	}
	data, err := json.Marshal(frame{Type: "status", Payload: st})
	if err != nil {
		return nil, false
	}
	return data, true
}

// HandleWS upgrades the request and registers the client. The current
// status is sent immediately.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: map[string]bool{TopicStatus: true, TopicEvents: true},
	}
	if data, ok := h.statusFrame(r.Context()); ok {
		c.send <- data
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set["*"] || set[origin]
	}
}

// client represents a single WebSocket connection.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	subs map[string]bool
	mu   sync.RWMutex
}

// readPump reads subscription changes until the connection closes.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error", slog.String("error", err.Error()))
			}
			return
		}

		var sub subscribeMsg
		if json.Unmarshal(message, &sub) == nil {
			c.handleSubscription(sub)
		}
	}
}

func (c *client) handleSubscription(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Action {
	case "subscribe":
		for _, t := range msg.Topics {
			c.subs[t] = true
		}
	case "unsubscribe":
		for _, t := range msg.Topics {
			delete(c.subs, t)
		}
	}
}

func (c *client) isSubscribed(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subs[topic]
}

// writePump sends queued frames as text messages plus periodic pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
