package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cissieab/framerelay/internal/event"
)

const (
	// Frames are base64 JPEGs; leave generous room.
	maxUpstreamMessage = 16 << 20

	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// WebSocketDialer connects to an upstream speaking JSON envelopes over WebSocket.
type WebSocketDialer struct {
	url    string
	dialer *websocket.Dialer
}

// NewWebSocketDialer returns a dialer for the given ws:// or wss:// URL.
func NewWebSocketDialer(url string) *WebSocketDialer {
	return &WebSocketDialer{
		url: url,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   256 * 1024,
			WriteBufferSize:  4096,
		},
	}
}

// Addr returns the upstream URL.
func (d *WebSocketDialer) Addr() string {
	return d.url
}

// Dial opens one WebSocket session.
func (d *WebSocketDialer) Dial(ctx context.Context) (Session, error) {
	conn, resp, err := d.dialer.DialContext(ctx, d.url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", d.url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", d.url, err)
	}
	return newWSSession(conn), nil
}

type wsSession struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newWSSession(conn *websocket.Conn) *wsSession {
	s := &wsSession{conn: conn, done: make(chan struct{})}

	conn.SetReadLimit(maxUpstreamMessage)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go s.pingLoop()
	return s
}

func (s *wsSession) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.Close()
				return
			}
		}
	}
}

func (s *wsSession) Receive(ctx context.Context) (event.Envelope, error) {
	_, msg, err := s.conn.ReadMessage()
	if err != nil {
		return event.Envelope{}, err
	}
	// Any inbound traffic proves the peer is alive.
	s.conn.SetReadDeadline(time.Now().Add(pongWait))

	env, err := event.Decode(msg)
	if err != nil {
		return event.Envelope{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	return env, nil
}

func (s *wsSession) Send(ctx context.Context, name string, data json.RawMessage) error {
	msg, err := event.Encode(name, data)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(deadline)
	return s.conn.WriteMessage(websocket.TextMessage, msg)
}

func (s *wsSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}
