package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is the raw frame channel under a Client. Reads happen on the
// reader goroutine only and writes on the writer goroutine only.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte, timeout time.Duration) error
	WritePing(timeout time.Duration) error
	WriteClose(code int, reason string) error
	Close() error
}

// WebSocket adapts a gorilla connection to Transport.
type WebSocket struct {
	*websocket.Conn
	closeOnce sync.Once
}

func NewWebSocket(conn *websocket.Conn, readLimit int64, pongWait time.Duration) *WebSocket {
	w := &WebSocket{Conn: conn}
	// Configure Read Limits (Protects against memory exhaustion)
	conn.SetReadLimit(readLimit)
	if pongWait > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}
	return w
}

func (w *WebSocket) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := w.Conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage && len(data) > 0 {
			return data, nil
		}
	}
}

func (w *WebSocket) WriteMessage(data []byte, timeout time.Duration) error {
	_ = w.Conn.SetWriteDeadline(time.Now().Add(timeout))
	return w.Conn.WriteMessage(websocket.TextMessage, data)
}

func (w *WebSocket) WritePing(timeout time.Duration) error {
	return w.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
}

// WriteClose sends a close frame. WriteControl may be called concurrently
// with the other write methods.
func (w *WebSocket) WriteClose(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	return w.Conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func (w *WebSocket) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.Conn.Close()
	})
	return err
}

// IsUnexpectedClose reports whether err ends a read loop abnormally.
func IsUnexpectedClose(err error) bool {
	if errors.Is(err, websocket.ErrCloseSent) {
		return false
	}
	return websocket.IsUnexpectedCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
	)
}
