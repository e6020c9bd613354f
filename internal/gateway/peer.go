package gateway

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

var errPeerClosed = errors.New("gateway: peer closed")

// peer serializes writes to one client connection. gorilla/websocket allows a
// single concurrent writer; the relay's event loop, the audio device and the
// read loop all write.
type peer struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func newPeer(conn *websocket.Conn) *peer {
	return &peer{conn: conn}
}

// send writes v as one JSON text message.
func (p *peer) send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errPeerClosed
	}
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.conn.WriteMessage(websocket.TextMessage, b)
}

// close sends a close frame with code and reason, then closes the socket.
func (p *peer) close(code int, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	_ = p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	return p.conn.Close()
}

// ping sends a ping control frame.
func (p *peer) ping() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errPeerClosed
	}
	return p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}
