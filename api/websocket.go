package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"iotconsole/service"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10 // 54 seconds
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for development
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
}

// ViewSource is the part of the session service the socket needs to attach
// viewers to watch sessions.
type ViewSource interface {
	Start(deviceID string) error
	AddViewer(deviceID string)
	RemoveViewer(deviceID string)
	View(deviceID string) (service.SessionView, error)
}

// clientMessage is what browsers send over the socket.
type clientMessage struct {
	Type     string `json:"type"`
	DeviceID string `json:"device_id"`
}

type Client struct {
	id   string
	hub  *WebSocketHub
	conn *websocket.Conn
	send chan []byte

	mu         sync.Mutex
	subscribed map[string]bool
}

func (c *Client) isSubscribed(deviceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed[deviceID]
}

type WebSocketHub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex

	views ViewSource
	log   zerolog.Logger
}

func NewWebSocketHub(log zerolog.Logger) *WebSocketHub {
	return &WebSocketHub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		log:        log,
	}
}

// SetViewSource attaches the session service. The hub and the service
// reference each other, so this happens after both exist.
func (h *WebSocketHub) SetViewSource(v ViewSource) {
	h.views = v
}

// Run serves register and unregister requests until ctx is done.
func (h *WebSocketHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Info().Str("client_id", client.id).Int("total", total).Msg("Client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			_, ok := h.clients[client]
			if ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			if ok {
				h.release(client)
			}
			h.log.Info().Str("client_id", client.id).Int("total", total).Msg("Client disconnected")
		}
	}
}

func (h *WebSocketHub) closeAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		h.release(client)
	}
}

// release detaches a gone client from every session it watched.
func (h *WebSocketHub) release(c *Client) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.subscribed))
	for id := range c.subscribed {
		ids = append(ids, id)
	}
	c.subscribed = map[string]bool{}
	c.mu.Unlock()

	if h.views == nil {
		return
	}
	for _, id := range ids {
		h.views.RemoveViewer(id)
	}
}

// BroadcastToDevice sends message to clients subscribed to a specific device.
func (h *WebSocketHub) BroadcastToDevice(deviceID string, message interface{}) {
	data, err := json.Marshal(message)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to marshal message")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for client := range h.clients {
		if !client.isSubscribed(deviceID) {
			continue
		}
		sent++
		h.deliver(client, data)
	}

	h.log.Debug().Str("device_id", deviceID).Int("bytes", len(data)).
		Int("clients", sent).Int("total", len(h.clients)).Msg("Broadcast to device")
}

// BroadcastToAll sends a message to all connected clients.
func (h *WebSocketHub) BroadcastToAll(message interface{}) {
	data, err := json.Marshal(message)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to marshal message")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		h.deliver(client, data)
	}
}

// deliver queues data for a client. A full queue drops its oldest message;
// every push carries a whole view so only the newest one matters.
func (h *WebSocketHub) deliver(c *Client, data []byte) {
	select {
	case c.send <- data:
		return
	default:
	}

	select {
	case <-c.send:
	default:
	}
	select {
	case c.send <- data:
	default:
		h.log.Warn().Str("client_id", c.id).Msg("Client channel full, skipping message")
	}
}

// ClientCount reports how many sockets are connected.
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func HandleWebSocket(hub *WebSocketHub, c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		hub.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &Client{
		id:         uuid.NewString(),
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBuffer),
		subscribed: make(map[string]bool),
	}

	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump handles subscription messages from the client.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(64 << 10)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn().Err(err).Str("client_id", c.id).Msg("WebSocket error")
			}
			break
		}

		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil || msg.DeviceID == "" {
			continue
		}

		switch msg.Type {
		case "subscribe":
			c.subscribe(msg.DeviceID)
		case "unsubscribe":
			c.unsubscribe(msg.DeviceID)
		}
	}
}

// subscribe attaches the client as a viewer and sends the current view
// right away so the page renders before the next poll.
func (c *Client) subscribe(deviceID string) {
	log := c.hub.log.With().Str("client_id", c.id).Str("device_id", deviceID).Logger()

	c.mu.Lock()
	already := c.subscribed[deviceID]
	c.subscribed[deviceID] = true
	c.mu.Unlock()
	if already {
		return
	}

	views := c.hub.views
	if views == nil {
		return
	}
	if err := views.Start(deviceID); err != nil {
		log.Warn().Err(err).Msg("Failed to start session for subscriber")
		c.mu.Lock()
		delete(c.subscribed, deviceID)
		c.mu.Unlock()
		c.queue(service.Event{Type: "error", DeviceID: deviceID, Data: err.Error()})
		return
	}
	views.AddViewer(deviceID)
	log.Info().Msg("Client subscribed to device")

	if view, err := views.View(deviceID); err == nil {
		c.queue(service.Event{Type: service.EventDeviceView, DeviceID: deviceID, Data: view})
	}
}

func (c *Client) unsubscribe(deviceID string) {
	c.mu.Lock()
	was := c.subscribed[deviceID]
	delete(c.subscribed, deviceID)
	c.mu.Unlock()

	if was && c.hub.views != nil {
		c.hub.views.RemoveViewer(deviceID)
		c.hub.log.Info().Str("client_id", c.id).Str("device_id", deviceID).Msg("Client unsubscribed from device")
	}
}

func (c *Client) queue(ev service.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if c.hub.clients[c] {
		c.hub.deliver(c, data)
	}
}

// writePump sends queued JSON messages and keeps the connection alive.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
