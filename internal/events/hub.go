package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/flowbridge/flowbridge-backend/internal/escrow"
	"github.com/flowbridge/flowbridge-backend/internal/metrics"
)

// Hub fans escrow lifecycle events out to websocket and SSE subscribers.
// It implements escrow.Publisher.
type Hub struct {
	clients        map[*Client]bool
	streams        map[*streamSub]bool
	register       chan *Client
	unregister     chan *Client
	broadcast      chan envelope
	allowedOrigins map[string]bool
	logger         *zap.SugaredLogger
	metrics        *metrics.Metrics
	mu             sync.RWMutex
}

type Client struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	topics     map[string]bool
	account    string
	lastActive time.Time
	mu         sync.RWMutex
}

// envelope pairs a serialized message with the topics it belongs to.
type envelope struct {
	topics  []string
	payload []byte
}

type Message struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

type SubscriptionRequest struct {
	Type    string   `json:"type"`
	Topics  []string `json:"topics"`
	Account string   `json:"account,omitempty"`
}

func NewHub(allowedOrigins []string, logger *zap.SugaredLogger, m *metrics.Metrics) *Hub {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}
	return &Hub{
		clients:        make(map[*Client]bool),
		streams:        make(map[*streamSub]bool),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan envelope, 256),
		allowedOrigins: origins,
		logger:         logger,
		metrics:        m,
	}
}

// Publish implements escrow.Publisher. It never blocks the caller; if the
// hub's queue is full the event is dropped.
func (h *Hub) Publish(evt escrow.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Errorw("Failed to marshal event", "type", evt.Type, "error", err)
		return
	}
	msg := Message{
		Type:      "event",
		Topic:     evt.Type,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Errorw("Failed to marshal event envelope", "type", evt.Type, "error", err)
		return
	}

	topics := []string{evt.Type}
	if evt.Account != "" {
		topics = append(topics, accountTopic(evt.Account))
	}
	select {
	case h.broadcast <- envelope{topics: topics, payload: payload}:
	default:
		h.logger.Warnw("Event queue full; dropping event", "type", evt.Type)
	}
}

func (h *Hub) Run(ctx context.Context) {
	go h.startClientCleanup(ctx)

	for {
		select {
		case <-ctx.Done():
			h.logger.Infow("Event hub shutting down")
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			if h.metrics != nil {
				h.metrics.IncrementConnections(ctx)
			}
			h.logger.Debugw("Client registered", "account", client.account)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			if h.metrics != nil {
				h.metrics.DecrementConnections(ctx)
			}
			h.logger.Debugw("Client unregistered", "account", client.account)

		case env := <-h.broadcast:
			h.dispatch(env)
		}
	}
}

func (h *Hub) dispatch(env envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		if !client.isSubscribed(env.topics) {
			continue
		}
		select {
		case client.send <- env.payload:
		default:
			// Slow consumer, cut it loose.
			delete(h.clients, client)
			close(client.send)
		}
	}
	for sub := range h.streams {
		if !sub.matches(env.topics) {
			continue
		}
		select {
		case sub.ch <- env.payload:
		default:
			delete(h.streams, sub)
			close(sub.ch)
			sub.closed = true
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	for sub := range h.streams {
		if !sub.closed {
			close(sub.ch)
			sub.closed = true
		}
		delete(h.streams, sub)
	}
}

func (h *Hub) startClientCleanup(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.cleanupInactiveClients()
		}
	}
}

func (h *Hub) cleanupInactiveClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := time.Now().Add(-60 * time.Second)

	for client := range h.clients {
		client.mu.RLock()
		stale := client.lastActive.Before(cutoff)
		client.mu.RUnlock()
		if stale {
			delete(h.clients, client)
			close(client.send)
			h.logger.Debugw("Cleaned up inactive client", "account", client.account)
		}
	}
}

func (h *Hub) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return h.allowedOrigins[origin]
		},
	}
}

// HandleWebSocket upgrades the connection and starts the client pumps.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	up := h.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorw("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:        h,
		conn:       conn,
		send:       make(chan []byte, 256),
		topics:     make(map[string]bool),
		lastActive: time.Now(),
	}

	client.hub.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Errorw("WebSocket error", "error", err)
			}
			break
		}

		c.mu.Lock()
		c.lastActive = time.Now()
		c.mu.Unlock()
		c.handleMessage(message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
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

			// Drain queued messages into the same frame
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

func (c *Client) handleMessage(message []byte) {
	var sub SubscriptionRequest
	if err := json.Unmarshal(message, &sub); err != nil {
		c.hub.logger.Warnw("Invalid subscription message", "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch sub.Type {
	case "subscribe":
		for _, topic := range sub.Topics {
			c.topics[topic] = true
		}
		if sub.Account != "" {
			c.account = sub.Account
			c.topics[accountTopic(sub.Account)] = true
		}
		c.hub.logger.Debugw("Client subscribed to topics", "topics", sub.Topics, "account", sub.Account)

	case "unsubscribe":
		for _, topic := range sub.Topics {
			delete(c.topics, topic)
		}
		c.hub.logger.Debugw("Client unsubscribed from topics", "topics", sub.Topics)
	}
}

func (c *Client) isSubscribed(topics []string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.topics) == 0 || c.topics["*"] {
		return true
	}
	for _, topic := range topics {
		if c.topics[topic] {
			return true
		}
	}
	return false
}

func accountTopic(account string) string {
	return fmt.Sprintf("account:%s", account)
}
