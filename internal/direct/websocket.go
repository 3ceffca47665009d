package direct

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const defaultWriteTimeout = 10 * time.Second

// WebSocketDialer implements Dialer over a WebSocket client connection.
// When a bearer token is configured it is attached as an Authorization
// header at handshake time; without one the connection is anonymous.
type WebSocketDialer struct {
	// WriteTimeout bounds each outbound write. Zero means the default.
	WriteTimeout time.Duration
}

// Dial performs the WebSocket handshake against endpoint and starts the
// read pump that detects unexpected drops.
func (d *WebSocketDialer) Dial(ctx context.Context, endpoint, bearerToken string, onDrop func(error)) (Conn, error) {
	header := http.Header{}
	if bearerToken != "" {
		header.Set("Authorization", "Bearer "+bearerToken)
	}

	dialer := websocket.Dialer{}
	ws, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	conn := &wsConn{
		ws:           ws,
		writeTimeout: d.WriteTimeout,
	}
	if conn.writeTimeout <= 0 {
		conn.writeTimeout = defaultWriteTimeout
	}

	go conn.readPump(onDrop)
	return conn, nil
}

// wsConn wraps a single WebSocket connection. Writes are serialized; the
// read pump keeps control frames flowing (the server pings periodically)
// and reports the first read error as an unexpected drop unless the
// connection was closed locally.
type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
	closed  atomic.Bool
}

func (c *wsConn) Write(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	return c.ws.Close()
}

// readPump discards inbound messages (the consumer only replies with
// diagnostic payloads) until the connection errors out.
func (c *wsConn) readPump(onDrop func(error)) {
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if !c.closed.Load() && onDrop != nil {
				onDrop(err)
			}
			return
		}
	}
}
