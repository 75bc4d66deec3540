package relay

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/1ureka/meshchat/internal/protocol"
	"github.com/1ureka/meshchat/internal/util"
)

const (
	outboxSize = 64
	writeWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsSession is a Session backed by a WebSocket connection. A reader
// goroutine feeds the hub; a writer goroutine drains the outbox and
// sends keepalive pings.
type wsSession struct {
	id     string
	conn   *websocket.Conn
	outbox chan protocol.Frame

	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(conn *websocket.Conn) *wsSession {
	return &wsSession{
		id:     uuid.NewString(),
		conn:   conn,
		outbox: make(chan protocol.Frame, outboxSize),
		closed: make(chan struct{}),
	}
}

func (s *wsSession) ID() string { return s.id }

// Send queues f without blocking.
func (s *wsSession) Send(f protocol.Frame) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.outbox <- f:
		return true
	default:
		return false
	}
}

// Close tears down the connection; both pumps exit.
func (s *wsSession) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}

// readPump delivers frames to the hub until the connection fails or no
// pong arrives within pongWait.
func (s *wsSession) readPump(h *Hub, pongWait time.Duration) {
	defer func() {
		h.Leave(s)
		s.Close()
	}()

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f protocol.Frame
		if err := s.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				util.LogDebug("session %s read error: %v", s.id, err)
			}
			return
		}
		// Any inbound traffic proves liveness.
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		h.Deliver(s, f)
	}
}

// writePump is the single writer for the connection.
func (s *wsSession) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.Close()
	}()

	for {
		select {
		case f := <-s.outbox:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(f); err != nil {
				util.LogDebug("session %s write error: %v", s.id, err)
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.closed:
			return
		}
	}
}
