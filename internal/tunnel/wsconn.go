package tunnel

import (
	"io"
	"sync"

	"github.com/gorilla/websocket"
)

// wsConn carries a byte stream over binary websocket messages so yamux can
// run on top of it.
type wsConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	pending []byte // unread tail of the last message
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Read(p []byte) (int, error) {
	for len(c.pending) == 0 {
		msgType, msg, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		c.pending = msg
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

var _ io.ReadWriteCloser = (*wsConn)(nil)
