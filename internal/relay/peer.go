package relay

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codefionn/wsrelay/internal/lifecycle"
	"github.com/codefionn/wsrelay/internal/logger"
	"github.com/codefionn/wsrelay/internal/registry"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// peer is the registry.Channel of one websocket connection. Frames are
// queued on send and written by writePump, the connection's only writer.
type peer struct {
	conn *websocket.Conn
	send chan registry.Frame
	done chan struct{}
	log  *logger.Logger

	closeOnce sync.Once
	closed    atomic.Bool

	// localClose is the close code used when the server, not the peer,
	// ended the connection.
	localClose atomic.Int32
}

func newPeer(conn *websocket.Conn, bufferSize int, log *logger.Logger) *peer {
	return &peer{
		conn: conn,
		send: make(chan registry.Frame, bufferSize),
		done: make(chan struct{}),
		log:  log,
	}
}

// Open implements registry.Channel.
func (p *peer) Open() bool {
	return !p.closed.Load()
}

// Deliver implements registry.Channel. It drops the frame when the queue is
// full rather than wait for a slow reader.
func (p *peer) Deliver(f registry.Frame) bool {
	if p.closed.Load() {
		return false
	}
	select {
	case p.send <- f:
		return true
	case <-p.done:
		return false
	default:
		return false
	}
}

func (p *peer) markClosed() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.done)
	})
}

// closeWith sends a close frame with code and text and drops the connection.
func (p *peer) closeWith(code int, text string) {
	p.localClose.CompareAndSwap(0, int32(code))
	p.markClosed()
	_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
	_ = p.conn.Close()
}

// readPump relays inbound frames until the connection ends and then reports
// the departure. It runs on its own goroutine per connection.
func (p *peer) readPump(s *registry.Session, srv *Server) {
	d := p.read(s, srv)

	p.markClosed()
	_ = p.conn.Close()
	srv.notifier.Leave(s, d)
}

func (p *peer) read(s *registry.Session, srv *Server) lifecycle.Disconnect {
	p.conn.SetReadLimit(srv.maxMessageBytes)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, message, err := p.conn.ReadMessage()
		if err != nil {
			return p.disconnectFrom(err)
		}

		frame := registry.Frame{Binary: messageType == websocket.BinaryMessage, Payload: message}
		p.log.Debug("Received %d bytes from %s", len(message), s)
		srv.router.Relay(s, frame, srv.echoSender.Load())
	}
}

func (p *peer) disconnectFrom(err error) lifecycle.Disconnect {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return lifecycle.Disconnect{Code: closeErr.Code, Reason: closeErr.Text}
	}

	if code := p.localClose.Load(); code != 0 {
		return lifecycle.Disconnect{Code: int(code)}
	}

	p.log.Debug("WebSocket read error: %v", err)
	return lifecycle.Disconnect{Code: websocket.CloseAbnormalClosure}
}

// writePump writes queued frames and keepalive pings until the peer closes.
func (p *peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-p.send:
			messageType := websocket.TextMessage
			if frame.Binary {
				messageType = websocket.BinaryMessage
			}
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(messageType, frame.Payload); err != nil {
				p.log.Debug("Failed to write message: %v", err)
				p.markClosed()
				_ = p.conn.Close()
				return
			}

		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.markClosed()
				_ = p.conn.Close()
				return
			}

		case <-p.done:
			return
		}
	}
}
