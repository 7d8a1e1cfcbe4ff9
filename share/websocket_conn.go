package prshare

import (
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConn adapts a message-oriented websocket connection into an
// ordered, reliable net.Conn byte stream. Writes become binary websocket
// frames; reads drain binary frames, buffering any remainder of a frame that
// did not fit the caller's buffer. Control frames (ping/pong/close) are
// handled inside the websocket layer and never surface as data. A clean close
// from the peer is reported as io.EOF.
type WebSocketConn struct {
	ws   *websocket.Conn
	buff []byte
}

// NewWebSocketConn converts a websocket.Conn into a net.Conn
func NewWebSocketConn(ws *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{ws: ws}
}

// Read is not threadsafe, though that is fine here since the secure session
// layer never has more than one reader.
func (c *WebSocketConn) Read(dst []byte) (int, error) {
	var src []byte
	if len(c.buff) > 0 {
		src = c.buff
		c.buff = nil
	} else {
		for {
			mt, msg, err := c.ws.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt == websocket.BinaryMessage {
				src = msg
				break
			}
			// only binary frames carry tunnel bytes; discard anything else
		}
	}
	n := copy(dst, src)
	if n < len(src) {
		c.buff = src[n:]
	}
	return n, nil
}

func (c *WebSocketConn) Write(b []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close closes the underlying network socket
func (c *WebSocketConn) Close() error {
	return c.ws.Close()
}

func (c *WebSocketConn) LocalAddr() net.Addr {
	return c.ws.LocalAddr()
}

func (c *WebSocketConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

func (c *WebSocketConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *WebSocketConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

func (c *WebSocketConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}
