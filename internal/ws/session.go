package ws

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
)

// State is where a session is in its protocol lifecycle.
type State int

const (
	StateConnected State = iota // accepted, not in a room
	StateJoined                 // bound to a room and participant
	StateClosed                 // terminal
)

// Session is one client connection: the transport, its outbound queue, and
// the protocol state machine. State fields are touched only by the reader
// goroutine; the writer goroutine just drains out.
type Session struct {
	ws     *websocket.Conn
	out    chan []byte
	cancel context.CancelFunc

	state  State
	roomID string
	userID string
}

// Accept upgrades HTTP to websocket (origin check is left to the CORS
// layer in front; compression off, matching small JSON frames)
func Accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  []string{"*"},
		CompressionMode: websocket.CompressionDisabled,
	})
}

// NewSession wraps a WS connection; cancel tears down both loops.
func NewSession(conn *websocket.Conn, buffer int, cancel context.CancelFunc) *Session {
	return &Session{
		ws:     conn,
		out:    make(chan []byte, buffer),
		cancel: cancel,
	}
}

// Send enqueues a frame without blocking. False means the peer's buffer is
// full or the session is gone; the caller logs and moves on — one slow
// peer never stalls a broadcast.
func (s *Session) Send(frame []byte) bool {
	select {
	case s.out <- frame:
		return true
	default:
		return false
	}
}

// Read blocks until the next text/binary frame.
// Returns false when the connection is closed.
func (s *Session) Read(ctx context.Context) ([]byte, bool) {
	for {
		typ, data, err := s.ws.Read(ctx)
		if err != nil {
			return nil, false
		}
		if typ == websocket.MessageText || typ == websocket.MessageBinary {
			return data, true
		}
	}
}

// WriteLoop drains outbound frames and pings on the keepalive interval.
// A ping that gets no pong within the interval force-closes the session,
// which surfaces to the reader as a normal disconnect (treated as leave).
func (s *Session) WriteLoop(ctx context.Context, keepalive time.Duration) {
	t := time.NewTicker(keepalive)
	defer t.Stop()

	for {
		select {
		case b := <-s.out:
			if err := s.ws.Write(ctx, websocket.MessageText, b); err != nil {
				s.cancel()
				return
			}
		case <-t.C:
			pctx, pcancel := context.WithTimeout(ctx, keepalive)
			err := s.ws.Ping(pctx)
			pcancel()
			if err != nil {
				s.cancel()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close closes the WS connection normally
func (s *Session) Close() error { return s.ws.Close(websocket.StatusNormalClosure, "bye") }
