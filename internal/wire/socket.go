package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrSocketClosed is returned by Send once a Socket's Close has run.
var ErrSocketClosed = errors.New("wire: socket closed")

const writeWait = 10 * time.Second

// Socket wraps a gorilla/websocket connection, sending Frames under a write
// lock and handing every received Frame to the single Handler passed to
// ReadLoop, which switches on the event name. This mirrors the
// bidirectional goroutine-pair proxy shape the relay's control connections
// are built on.
type Socket struct {
	conn   *websocket.Conn
	mu     sync.Mutex // guards writes; gorilla conns are not write-concurrent-safe
	once   sync.Once
	closed chan struct{}
}

// NewSocket wraps an already-upgraded connection.
func NewSocket(conn *websocket.Conn) *Socket {
	return &Socket{conn: conn, closed: make(chan struct{})}
}

// Send writes a Frame as a single JSON text message.
func (s *Socket) Send(f Frame) error {
	select {
	case <-s.closed:
		return ErrSocketClosed
	default:
	}
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("wire: marshal frame %s: %w", f.Event, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

// SendEvent is a convenience wrapper that encodes payload and sends it.
func (s *Socket) SendEvent(event string, payload any) error {
	f, err := Encode(event, payload)
	if err != nil {
		return err
	}
	return s.Send(f)
}

// Handler processes one received Frame. Returning an error closes the loop.
type Handler func(Frame) error

// ReadLoop blocks reading text frames and dispatching them to dispatch until
// the connection errors or closes. It never returns nil; a clean close is
// reported via io.EOF-wrapping per isCloseError's caller convention.
func (s *Socket) ReadLoop(dispatch Handler) error {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.markClosed()
			if isCloseError(err) {
				return io.EOF
			}
			return fmt.Errorf("wire: read: %w", err)
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue // drop malformed frames rather than tear down the socket
		}
		if err := dispatch(f); err != nil {
			s.markClosed()
			return err
		}
	}
}

func (s *Socket) markClosed() {
	s.once.Do(func() { close(s.closed) })
}

// Close closes the underlying connection.
func (s *Socket) Close() error {
	s.markClosed()
	return s.conn.Close()
}

// RemoteAddr returns the peer address of the underlying connection.
func (s *Socket) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// isCloseError reports whether err represents an ordinary peer-initiated
// close rather than a transport failure worth logging as an error.
func isCloseError(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure,
	)
}
