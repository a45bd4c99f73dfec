// internal/hub/websocket.go
package hub

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	webSocketReadDeadline  = 60 * time.Second
	webSocketWriteDeadline = 10 * time.Second
	webSocketPingPeriod    = (webSocketReadDeadline * 9) / 10 // Must be less than readDeadline
	webSocketCloseGrace    = time.Second

	DefaultMaxMessageSize int64 = 64 * 1024
)

var errConnClosed = errors.New("websocket: connection closed")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are unrestricted: the relay's only client is a browser extension
	// whose origin is not known in advance.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn adapts a gorilla connection to Conn. gorilla allows one concurrent
// writer, so every data and ping frame goes through writeSlot.
type wsConn struct {
	conn      *websocket.Conn
	writeSlot chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{
		conn:      conn,
		writeSlot: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

func (c *wsConn) acquire(ctx context.Context) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.writeSlot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return errConnClosed
	}
}

func (c *wsConn) release() { <-c.writeSlot }

func (c *wsConn) write(ctx context.Context, messageType int, data []byte) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(webSocketWriteDeadline)
	}
	c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(messageType, data)
}

func (c *wsConn) WriteText(ctx context.Context, payload string) error {
	return c.write(ctx, websocket.TextMessage, []byte(payload))
}

// Close sends a best-effort close frame and closes the socket once.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		// WriteControl may run concurrently with WriteMessage.
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(webSocketCloseGrace))
		err = c.conn.Close()
	})
	return err
}

// keepalive pings the peer until the connection is closed.
func (c *wsConn) keepalive() {
	ticker := time.NewTicker(webSocketPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), webSocketWriteDeadline)
			err := c.write(ctx, websocket.PingMessage, nil)
			cancel()
			if err != nil {
				return // The read loop notices the dead peer via its deadline.
			}
		}
	}
}

// ServeWs upgrades the HTTP connection to a WebSocket, registers it as a
// session and reads from it until the connection ends.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		h.logger.Errorf("WebSocket upgrade error: %v", err)
		return
	}

	c := newWSConn(conn)
	id, err := h.Connect(c)
	if err != nil {
		h.logger.Warnf("Rejecting connection from %s: %v", r.RemoteAddr, err)
		return
	}

	go c.keepalive()
	h.readPump(id, c)
}

// readPump forwards text frames to the consumer until the connection fails.
func (h *Hub) readPump(id string, c *wsConn) {
	defer h.Disconnect(id)

	c.conn.SetReadLimit(h.maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(webSocketReadDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(webSocketReadDeadline))
		return nil
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Errorf("WebSocket error for %s: %v", id, err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			h.logger.Debugf("Ignoring non-text frame from %s", id)
			continue
		}
		h.OnInboundMessage(id, string(data))
	}
}
