package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/trafficiq/trafficiq/pkg/types"
	"github.com/trafficiq/trafficiq/server/internal/metrics"
)

const (
	// writeTimeout is the deadline for a single write to a client.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong response before treating the
	// connection as dead.
	pongWait = 60 * time.Second

	// pingPeriod controls how often the server sends WebSocket ping frames.
	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// sendBufSize is the per-client outgoing message buffer depth.
	sendBufSize = 16

	// maxCommandSize bounds inbound command frames.
	maxCommandSize = 512
)

// Event names used on the wire.
const (
	EventTrafficUpdate = "traffic_update"
	EventRequestUpdate = "request_update"
	EventClearData     = "clear_data"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Message is the JSON envelope sent to clients.
type Message struct {
	Event string         `json:"event"`
	Data  types.Snapshot `json:"data"`
}

// command is the JSON envelope received from clients.
type command struct {
	Event string `json:"event"`
}

// Store is the read side of the traffic state store.
type Store interface {
	Get() types.Snapshot
	Reset()
}

// ClearFunc handles a clear_data command. It must reset the lanes and
// publish the result.
type ClearFunc func(ctx context.Context)

// Hub manages WebSocket client connections and fans snapshots out to them.
type Hub struct {
	store     Store
	heartbeat time.Duration
	metrics   *metrics.Metrics

	clearMu sync.RWMutex
	clear   ClearFunc

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// client represents one connected WebSocket client.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// New creates a Hub that reads from st and re-broadcasts every heartbeat.
// m may be nil.
func New(st Store, heartbeat time.Duration, m *metrics.Metrics) *Hub {
	return &Hub{
		store:     st,
		heartbeat: heartbeat,
		metrics:   m,
		clients:   make(map[*client]struct{}),
	}
}

// SetClearFunc replaces the clear_data handler. The default resets the
// store directly and publishes.
func (h *Hub) SetClearFunc(fn ClearFunc) {
	h.clearMu.Lock()
	h.clear = fn
	h.clearMu.Unlock()
}

// Publish broadcasts snap to every connected client. It never blocks:
// clients whose buffers are full are disconnected.
func (h *Hub) Publish(snap types.Snapshot) {
	data, err := encode(snap)
	if err != nil {
		slog.Error("ws: encode snapshot", "err", err)
		return
	}
	h.broadcast(data)
}

// Run re-broadcasts the current snapshot every heartbeat. It blocks until
// ctx is cancelled, then closes all active connections.
func (h *Hub) Run(ctx context.Context) {
	t := time.NewTicker(h.heartbeat)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-t.C:
			h.Publish(h.store.Get())
		}
	}
}

// ServeHTTP upgrades the HTTP connection to WebSocket and serves the client.
// The current snapshot is sent immediately on connect. Blocks until the
// connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, sendBufSize),
	}
	h.register(c)
	defer h.unregister(c)

	h.sendCurrent(c)

	go c.writePump()
	h.readPump(r.Context(), c)
}

// Count returns the number of currently connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// --- internal ---------------------------------------------------------------

func encode(snap types.Snapshot) ([]byte, error) {
	return json.Marshal(Message{Event: EventTrafficUpdate, Data: snap})
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.WSClients(n)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.WSClients(n)
}

// broadcast queues data on every client. Sends happen under the read lock
// so unregister can never close a channel mid-send.
func (h *Hub) broadcast(data []byte) {
	var slow []*client

	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		slog.Warn("ws: dropping slow client", "remote", c.conn.RemoteAddr().String())
		h.unregister(c)
	}
}

// sendCurrent queues the current snapshot for a single client.
func (h *Hub) sendCurrent(c *client) {
	data, err := encode(h.store.Get())
	if err != nil {
		slog.Error("ws: encode snapshot", "err", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (h *Hub) handleCommand(ctx context.Context, c *client, raw []byte) {
	var cmd command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		slog.Debug("ws: ignoring malformed command", "err", err)
		return
	}
	switch cmd.Event {
	case EventRequestUpdate:
		h.sendCurrent(c)
	case EventClearData:
		h.clearMu.RLock()
		fn := h.clear
		h.clearMu.RUnlock()
		if fn != nil {
			fn(ctx)
			return
		}
		h.store.Reset()
		h.Publish(h.store.Get())
	default:
		slog.Debug("ws: unknown command", "event", cmd.Event)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
	h.metrics.WSClients(0)
}

// writePump drains the client's send channel and forwards messages to the
// WebSocket connection. It also sends periodic ping frames. Runs in its own
// goroutine per client.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if !ok {
				// Channel was closed (hub is shutting down or client removed).
				c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads command frames and control messages until the connection
// closes.
func (h *Hub) readPump(ctx context.Context, c *client) {
	defer c.conn.Close()
	c.conn.SetReadLimit(maxCommandSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		kind, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if kind == websocket.TextMessage {
			h.handleCommand(ctx, c, msg)
		}
	}
}
