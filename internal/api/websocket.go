package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"smart-clock/internal/keepalive"
)

// Event types pushed to websocket clients
const (
	EventWiFiState      = "wifi_state"
	EventTimeSync       = "time_sync"
	EventProvisioning   = "provisioning"
	EventProfileUpdated = "profile_updated"
	EventKeepalive      = "keepalive"
)

// ErrHubStopped is returned once the hub no longer accepts work
var ErrHubStopped = errors.New("websocket hub stopped")

// Message is sent over the websocket
type Message struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
	EventID   string      `json:"eventId,omitempty"`
}

type connection struct {
	id         string
	conn       *websocket.Conn
	send       chan Message
	remoteAddr string

	mu         sync.Mutex
	eventTypes map[string]bool // empty receives everything
	lastPong   time.Time
}

func (c *connection) wants(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.eventTypes) == 0 || c.eventTypes[eventType]
}

// Hub fans out device events to websocket clients
type Hub struct {
	connections map[string]*connection
	mutex       sync.RWMutex
	upgrader    websocket.Upgrader
	logger      *logrus.Entry
	broadcast   chan Message
	register    chan *connection
	unregister  chan *connection
	done        chan struct{}
	stopOnce    sync.Once

	pingInterval   time.Duration
	pongTimeout    time.Duration
	writeTimeout   time.Duration
	maxMessageSize int64
	maxConnections int
}

// NewHub creates a stopped hub
func NewHub(logger *logrus.Entry) *Hub {
	return &Hub{
		connections: make(map[string]*connection),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger:         logger,
		broadcast:      make(chan Message, 64),
		register:       make(chan *connection),
		unregister:     make(chan *connection),
		done:           make(chan struct{}),
		pingInterval:   30 * time.Second,
		pongTimeout:    60 * time.Second,
		writeTimeout:   10 * time.Second,
		maxMessageSize: 512,
		maxConnections: 8,
	}
}

// Start runs the hub until Stop or ctx cancellation
func (h *Hub) Start(ctx context.Context) {
	go h.run(ctx)
}

// Stop closes every connection and rejects new ones
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

func (h *Hub) run(ctx context.Context) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			h.Stop()
			return
		case <-h.done:
			return
		case c := <-h.register:
			h.registerConnection(c)
		case c := <-h.unregister:
			h.removeConnection(c)
		case msg := <-h.broadcast:
			h.broadcastMessage(msg)
		case <-ticker.C:
			h.pingConnections()
		}
	}
}

func (h *Hub) registerConnection(c *connection) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if len(h.connections) >= h.maxConnections {
		h.logger.WithField("connectionId", c.id).Warn("Maximum WebSocket connections reached")
		close(c.send)
		return
	}

	h.connections[c.id] = c
	h.logger.WithFields(logrus.Fields{
		"connectionId": c.id,
		"remoteAddr":   c.remoteAddr,
		"totalConns":   len(h.connections),
	}).Info("WebSocket connection registered")

	c.send <- Message{
		Type:      "welcome",
		Timestamp: time.Now().UTC(),
		Data: map[string]interface{}{
			"connectionId": c.id,
		},
	}
}

func (h *Hub) removeConnection(c *connection) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *connection) {
	if _, exists := h.connections[c.id]; !exists {
		return
	}
	delete(h.connections, c.id)
	close(c.send)

	h.logger.WithFields(logrus.Fields{
		"connectionId": c.id,
		"totalConns":   len(h.connections),
	}).Info("WebSocket connection unregistered")
}

func (h *Hub) closeAll() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for _, c := range h.connections {
		h.removeLocked(c)
	}
}

func (h *Hub) broadcastMessage(msg Message) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for _, c := range h.connections {
		if !c.wants(msg.Type) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			h.logger.WithField("connectionId", c.id).Warn("WebSocket buffer full, closing connection")
			h.removeLocked(c)
		}
	}
}

func (h *Hub) pingConnections() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for _, c := range h.connections {
		c.mu.Lock()
		stale := time.Since(c.lastPong) > h.pongTimeout
		c.mu.Unlock()
		if stale {
			h.logger.WithField("connectionId", c.id).Warn("WebSocket connection timed out")
			h.removeLocked(c)
			continue
		}
		deadline := time.Now().Add(h.writeTimeout)
		if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			h.removeLocked(c)
		}
	}
}

// BroadcastEvent queues an event for every subscribed client. Events are
// dropped when the queue is full or the hub is stopped.
func (h *Hub) BroadcastEvent(eventType string, data interface{}) {
	msg := Message{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
		EventID:   uuid.NewString(),
	}

	select {
	case <-h.done:
		return
	default:
	}

	select {
	case h.broadcast <- msg:
	default:
		h.logger.WithField("eventType", eventType).Warn("Broadcast channel full, dropping message")
	}
}

// PublishBeat forwards a keepalive beat to clients
func (h *Hub) PublishBeat(ctx context.Context, beat keepalive.Beat) error {
	select {
	case <-h.done:
		return ErrHubStopped
	default:
	}
	h.BroadcastEvent(EventKeepalive, beat)
	return nil
}

// ConnectionCount returns the number of open connections
func (h *Hub) ConnectionCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.connections)
}

// HandleConnection upgrades the request and serves the connection
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) error {
	select {
	case <-h.done:
		http.Error(w, ErrHubStopped.Error(), http.StatusServiceUnavailable)
		return ErrHubStopped
	default:
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &connection{
		id:         uuid.NewString(),
		conn:       conn,
		send:       make(chan Message, 32),
		remoteAddr: r.RemoteAddr,
		lastPong:   time.Now(),
	}

	conn.SetReadLimit(h.maxMessageSize)
	conn.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.lastPong = time.Now()
		c.mu.Unlock()
		return nil
	})

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return ErrHubStopped
	}

	go h.writePump(c)
	go h.readPump(c)
	return nil
}

func (h *Hub) writePump(c *connection) {
	defer c.conn.Close()

	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
		if err := c.conn.WriteJSON(msg); err != nil {
			h.logger.WithError(err).WithField("connectionId", c.id).Debug("Failed to write WebSocket message")
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(h.writeTimeout))
}

func (h *Hub) readPump(c *connection) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WithError(err).WithField("connectionId", c.id).Debug("WebSocket connection error")
			}
			return
		}
		if messageType == websocket.TextMessage {
			h.handleTextMessage(c, data)
		}
	}
}

type clientMessage struct {
	Type       string   `json:"type"`
	EventTypes []string `json:"eventTypes"`
}

func (h *Hub) handleTextMessage(c *connection, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.reply(c, "error", map[string]interface{}{"error": "invalid message"})
		return
	}

	switch msg.Type {
	case "ping":
		h.reply(c, "pong", map[string]interface{}{"serverTime": time.Now().UTC()})
	case "subscribe":
		c.mu.Lock()
		if c.eventTypes == nil {
			c.eventTypes = make(map[string]bool)
		}
		for _, t := range msg.EventTypes {
			c.eventTypes[t] = true
		}
		c.mu.Unlock()
		h.reply(c, "subscribed", map[string]interface{}{"eventTypes": msg.EventTypes})
	case "unsubscribe":
		c.mu.Lock()
		for _, t := range msg.EventTypes {
			delete(c.eventTypes, t)
		}
		c.mu.Unlock()
		h.reply(c, "unsubscribed", map[string]interface{}{"eventTypes": msg.EventTypes})
	default:
		h.reply(c, "error", map[string]interface{}{"error": "unknown message type"})
	}
}

// reply sends a direct response through the hub so it never races a close
func (h *Hub) reply(c *connection, msgType string, data interface{}) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if _, ok := h.connections[c.id]; !ok {
		return
	}
	select {
	case c.send <- Message{Type: msgType, Timestamp: time.Now().UTC(), Data: data}:
	default:
		h.logger.WithField("connectionId", c.id).Warn("Failed to send reply, buffer full")
	}
}
