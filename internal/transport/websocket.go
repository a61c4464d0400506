// ABOUTME: WebSocket transport for peer links
// ABOUTME: Wraps gorilla connections behind the Transport capability
package transport

import (
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
)

// WebSocket adapts a gorilla connection to the Transport capability.
// gorilla allows one concurrent writer, so sends are serialized here.
type WebSocket struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

// NewWebSocket wraps an established connection.
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	return &WebSocket{conn: conn}
}

// Dial connects to a peer's websocket endpoint.
func Dial(addr string) (*WebSocket, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/soundmesh"}
	log.Printf("Connecting to %s", u.String())

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewWebSocket(conn), nil
}

// Send writes one text frame.
func (w *WebSocket) Send(data []byte) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.mu.Unlock()

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// Receive blocks for the next frame.
func (w *WebSocket) Receive() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	if err != nil {
		w.mu.Lock()
		wasClosed := w.closed
		w.mu.Unlock()
		if wasClosed {
			return nil, ErrClosed
		}
		return nil, err
	}
	return data, nil
}

// Close tears the connection down.
func (w *WebSocket) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	return w.conn.Close()
}

// Handler returns an http.Handler that upgrades requests on the
// soundmesh endpoint and hands each accepted connection to onConn.
func Handler(onConn func(*WebSocket)) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}

	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			log.Printf("WebSocket upgrade failed: %v", err)
			return
		}
		onConn(NewWebSocket(conn))
	})
}
