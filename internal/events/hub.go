package events

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Hub tuning constants.
const (
	// clientBufferSize is the per-subscriber send buffer. When it fills, the
	// oldest queued event is dropped so a slow subscriber never blocks the
	// publisher.
	clientBufferSize = 32
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = 45 * time.Second
	maxMessageSize   = 64 * 1024
)

// Client is one connected websocket subscriber.
type Client struct {
	id         string
	conn       *websocket.Conn
	categories map[Category]bool // empty means all categories

	mu     sync.Mutex
	send   chan *Envelope
	closed bool
}

// Hub fans broadcast envelopes out to connected clients. Delivery is
// fire-and-forget: there is no persistence or guaranteed delivery on this
// channel.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*Client]struct{}
	upgrader websocket.Upgrader
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Operator consoles are served from the clinic LAN; origin
			// enforcement happens at the reverse proxy.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWS upgrades an HTTP request to a websocket subscription. The optional
// categories query parameter restricts which event categories the client
// receives (comma-separated); absent means all.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Hub.HandleWS: upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	client := &Client{
		id:         uuid.NewString(),
		conn:       conn,
		send:       make(chan *Envelope, clientBufferSize),
		categories: parseCategories(r.URL.Query().Get("categories")),
	}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	slog.Info("Hub.HandleWS: client connected", "clientID", client.id, "remote", r.RemoteAddr, "clients", h.ClientCount())

	if env, err := CreateMessage(EventConnectionEstablished, map[string]interface{}{
		"clientId": client.id,
	}, nil); err == nil {
		client.enqueue(env)
	}

	go h.writePump(client)
	go h.readPump(client)
}

// Broadcast delivers an envelope to every subscriber interested in its
// category. Sends never block: a subscriber with a full buffer loses its
// oldest queued event instead.
func (h *Hub) Broadcast(env *Envelope) {
	if env == nil {
		return
	}
	category, ok := EventCategory(env.Type)
	if !ok {
		slog.Warn("Hub.Broadcast: refusing unknown event type", "type", env.Type)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if len(client.categories) > 0 && !client.categories[category] {
			continue
		}
		client.enqueue(env)
	}
}

// BroadcastEvent builds and broadcasts an event in one call. Invalid events
// are logged and dropped; broadcasting is always best-effort.
func (h *Hub) BroadcastEvent(eventType string, data map[string]interface{}) {
	env, err := CreateMessage(eventType, data, nil)
	if err != nil {
		slog.Error("Hub.BroadcastEvent: invalid event", "type", eventType, "error", err)
		return
	}
	h.Broadcast(env)
}

// enqueue adds an envelope to the client buffer, dropping the oldest queued
// envelope under backpressure. The client mutex orders enqueues against
// closeSend: either pump can tear the client down while the other is still
// producing replies, and a send on the closed channel would panic the
// process.
func (c *Client) enqueue(env *Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for {
		select {
		case c.send <- env:
			return
		default:
			select {
			case dropped := <-c.send:
				slog.Debug("Hub: dropping oldest event for slow subscriber", "clientID", c.id, "droppedType", dropped.Type)
			default:
			}
		}
	}
}

// closeSend closes the send channel exactly once.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
	client.closeSend()
	client.conn.Close()
}

func (h *Hub) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.remove(client)
	}()

	for {
		select {
		case env, ok := <-client.send:
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteJSON(env); err != nil {
				slog.Debug("Hub.writePump: write failed", "clientID", client.id, "error", err)
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes inbound messages: control messages are answered, valid
// data events are sanitized and re-broadcast, everything else is rejected
// back to the sender only.
func (h *Hub) readPump(client *Client) {
	defer h.remove(client)

	client.conn.SetReadLimit(maxMessageSize)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var raw map[string]interface{}
		if err := client.conn.ReadJSON(&raw); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("Hub.readPump: unexpected close", "clientID", client.id, "error", err)
			}
			return
		}

		env := Normalize(raw)
		if env == nil {
			result := Validate(raw)
			slog.Warn("Hub.readPump: rejecting invalid message", "clientID", client.id, "errors", result.Errors)
			if reply, err := CreateMessage(EventSystemError, map[string]interface{}{
				"message": strings.Join(result.Errors, "; "),
				"source":  "hub",
			}, nil); err == nil {
				client.enqueue(reply)
			}
			continue
		}

		switch env.Type {
		case EventPing:
			if reply, err := CreateMessage(EventPong, nil, nil); err == nil {
				client.enqueue(reply)
			}
		case EventPong, EventHeartbeat, EventAck:
			// Connection upkeep, nothing to forward.
		default:
			h.Broadcast(env)
		}
	}
}

func parseCategories(raw string) map[Category]bool {
	out := make(map[Category]bool)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out[Category(part)] = true
	}
	return out
}
