package rooms

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"coderoom/internal/middleware"
	"coderoom/internal/models"
	"coderoom/internal/protocol"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

const (
	sendBuffer   = 256
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	writeWait    = 10 * time.Second
	maxEventSize = 4 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

/*
ROOM SOCKET PUMPS

Each connection runs two goroutines:
  readPump  - decodes envelopes and hands them to the hub, one at a time
  writePump - drains the send queue and pings every pingInterval

The send queue is bounded. A client too slow to drain it is dropped rather
than allowed to stall a broadcast to the whole room.
*/

// Client is one room socket connection.
type Client struct {
	*models.Session
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu       sync.Mutex
	roomID   string
	sendDone bool
}

// Room returns the room the client joined, "" before joining.
func (c *Client) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

func (c *Client) setRoom(roomID string) {
	c.mu.Lock()
	c.roomID = roomID
	c.RoomID = roomID
	c.mu.Unlock()
}

func (c *Client) emit(event string, data any) {
	raw, err := encode(event, data)
	if err != nil {
		log.Printf("❌ %v", err)
		return
	}
	c.queue(raw)
}

// queue hands raw to the write pump. A client that cannot keep up is
// disconnected.
func (c *Client) queue(raw []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendDone {
		return
	}
	select {
	case c.send <- raw:
	default:
		log.Printf("⚠️  Client %s buffer full, closing connection", c.ID)
		c.conn.Close()
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sendDone {
		c.sendDone = true
		close(c.send)
	}
}

// HandleConnection serves GET /ws/rooms.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	ctx, span := middleware.StartSpan(r.Context(), "Hub.Connect")
	defer span.End()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		middleware.AddSpanError(ctx, err)
		return
	}

	c := &Client{
		Session: models.NewSession("rooms", ""),
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
	}
	if !h.register(c) {
		conn.Close()
		return
	}
	span.SetAttributes(attribute.String("client.id", c.ID))

	// The request context ends with the upgrade handler; the connection
	// keeps its span values but not its cancellation.
	ctx = context.WithoutCancel(ctx)
	go c.writePump()
	go c.readPump(ctx)

	log.Printf("✓ Room socket connected: client %s", c.ID)
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
		log.Printf("  Room socket closed: client %s", c.ID)
	}()

	// Configure the connection. Every pong pushes the read deadline out.
	c.conn.SetReadLimit(maxEventSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.LastActiveAt = time.Now()

		if kind != websocket.TextMessage {
			continue
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.emit(protocol.EventError, "malformed event")
			continue
		}
		c.hub.handle(ctx, c, &env)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case raw, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			// Ping keeps proxies from closing idle sockets.
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
