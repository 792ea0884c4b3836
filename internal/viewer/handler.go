// Package viewer serves browser viewers over WebSocket. Each viewer gets a
// bounded send buffer drained by its own write pump; its read pump turns
// "control" events into hub commands.
package viewer

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cissieab/framerelay/internal/event"
	"github.com/cissieab/framerelay/internal/hub"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxControlSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 256 * 1024, // base64 encoded JPEG frames
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub is what the handler needs from the broadcast hub.
type Hub interface {
	Connect(c hub.Conn)
	Disconnect(id string)
	Control(sessionID string, cmd event.ControlCommand)
}

// Handler upgrades viewer requests and wires each connection to the hub.
type Handler struct {
	hub        Hub
	sendBuffer int
	log        *slog.Logger
}

// NewHandler creates a viewer handler. sendBuffer is the number of messages
// a viewer may have queued before further messages are dropped for it.
func NewHandler(h Hub, sendBuffer int, log *slog.Logger) *Handler {
	return &Handler{hub: h, sendBuffer: sendBuffer, log: log.With("component", "viewer")}
}

// ServeHTTP handles WebSocket upgrade requests.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newClient(uuid.NewString(), conn, h.sendBuffer)
	h.log.Debug("viewer upgraded", "session", c.id, "remote", r.RemoteAddr)

	h.hub.Connect(c)
	go h.writePump(c)
	go h.readPump(c)
}

// client is one viewer connection. It implements hub.Conn.
type client struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(id string, conn *websocket.Conn, sendBuffer int) *client {
	return &client{
		id:   id,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

func (c *client) ID() string {
	return c.id
}

func (c *client) Enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// readPump reads viewer events until the connection fails, then removes the
// viewer from the hub.
func (h *Handler) readPump(c *client) {
	defer func() {
		h.hub.Disconnect(c.id)
		c.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxControlSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.log.Debug("viewer read error", "session", c.id, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		env, err := event.Decode(msg)
		if err != nil {
			h.log.Debug("ignoring viewer message", "session", c.id, "error", err)
			continue
		}
		if env.Event != event.Control || len(env.Data) == 0 {
			h.log.Debug("ignoring viewer event", "session", c.id, "event", env.Event)
			continue
		}
		h.hub.Control(c.id, event.ControlCommand(env.Data))
	}
}

// writePump drains the send buffer and keeps the connection alive with pings.
func (h *Handler) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.log.Debug("viewer write error", "session", c.id, "error", err)
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
