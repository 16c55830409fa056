package ws

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"warroom/internal/room"
	"warroom/pkg/metrics"
)

// Directory resolves a participant id to a display name for human-readable
// broadcast payloads. It is never consulted for conflict resolution.
type Directory interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

// Hub terminates websocket sessions and routes their messages through the
// registry and resolver, fanning resolved state out to room peers and to
// the redis bus for other instances.
type Hub struct {
	log       *slog.Logger
	reg       *room.Registry
	dir       Directory
	bus       *RedisBus // nil when running single-instance
	origin    string    // this instance's bus identity, to drop echoes
	keepalive time.Duration
	buffer    int
}

func NewHub(log *slog.Logger, reg *room.Registry, dir Directory, bus *RedisBus, keepalive time.Duration, buffer int) *Hub {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return &Hub{
		log:       log,
		reg:       reg,
		dir:       dir,
		bus:       bus,
		origin:    hex.EncodeToString(b),
		keepalive: keepalive,
		buffer:    buffer,
	}
}

// Run consumes the redis bus and applies remote traffic to local rooms.
// Resolved variables are absorbed through the pure merge before fan-out,
// so cross-instance delivery converges exactly like peer delivery.
func (h *Hub) Run(ctx context.Context) {
	if h.bus == nil {
		<-ctx.Done()
		return
	}
	go h.bus.Subscribe(ctx, func(msg BusMessage) {
		if msg.Origin == h.origin {
			return
		}
		h.deliverRemote(msg)
	})
	<-ctx.Done()
}

func (h *Hub) deliverRemote(msg BusMessage) {
	var env envelope
	if err := json.Unmarshal(msg.Frame, &env); err != nil {
		h.log.Warn("bus.frame.malformed", "room", msg.RoomID, "err", err)
		return
	}
	if env.Type == KindVariableUpdated && env.VariableUpdate != nil {
		merged, changed := h.reg.AbsorbRemote(msg.RoomID, fromDTO(*env.VariableUpdate))
		if !changed {
			return
		}
		h.broadcast(msg.RoomID, nil, encodeVariableUpdated(msg.RoomID, merged))
		return
	}
	h.broadcast(msg.RoomID, nil, msg.Frame)
}

// ServeWS handles one /ws connection for its whole lifetime.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := Accept(w, r)
	if err != nil {
		h.log.Error("ws.accept", "err", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	s := NewSession(conn, h.buffer, cancel)
	metrics.SessionsActive.Inc()

	go s.WriteLoop(ctx, h.keepalive)

	for {
		payload, ok := s.Read(ctx)
		if !ok {
			break
		}
		msg, err := DecodeInbound(payload)
		if err != nil {
			// Protocol error: tell the sender, keep the connection.
			s.Send(encodeError(err.Error()))
			continue
		}
		if closed := h.handleMessage(ctx, s, msg); closed {
			break
		}
	}

	// The session ctx is already cancelled on keepalive teardown; the
	// leave bookkeeping and notifications still have to go out.
	h.disconnect(context.WithoutCancel(ctx), s)
	_ = s.Close()
	metrics.SessionsActive.Dec()
}

// handleMessage dispatches one decoded frame against the session's state
// machine. The switch is exhaustive over the Inbound variants. Returns
// true when the session asked to close.
func (h *Hub) handleMessage(ctx context.Context, s *Session, msg Inbound) bool {
	switch m := msg.(type) {
	case JoinRequest:
		h.handleJoin(ctx, s, m)
	case UpdateRequest:
		h.handleUpdate(ctx, s, m)
	case SyncRequest:
		h.handleSync(s, m)
	case ChatRequest:
		h.handleChat(ctx, s, m)
	case LeaveRequest:
		return true
	}
	return false
}

func (h *Hub) handleJoin(ctx context.Context, s *Session, m JoinRequest) {
	if s.state == StateJoined && m.RoomID != s.roomID {
		s.Send(encodeError("already joined to another room"))
		return
	}
	rejoin := s.state == StateJoined

	snap, err := h.reg.Join(ctx, m.RoomID, s, m.UserID)
	if err != nil {
		h.log.Error("ws.join", "room", m.RoomID, "user", m.UserID, "err", err)
		s.Send(encodeError("join failed"))
		return
	}
	s.state = StateJoined
	s.roomID = m.RoomID
	s.userID = m.UserID
	s.Send(encodeState(KindRoomState, snap.RoomID, snap.Variables))

	if rejoin {
		return
	}
	h.log.Info("ws.joined", "room", m.RoomID, "user", m.UserID, "peers", h.reg.PeerCount(m.RoomID))
	frame := encodeMembership(KindUserJoined, m.RoomID, m.UserID, h.displayName(ctx, m.UserID), time.Now().UTC())
	h.broadcast(m.RoomID, nil, frame) // membership events echo to everyone
	h.publish(ctx, m.RoomID, frame)
}

func (h *Hub) handleUpdate(ctx context.Context, s *Session, m UpdateRequest) {
	if s.state != StateJoined {
		s.Send(encodeError("variable_update requires a joined room"))
		return
	}
	if m.RoomID != "" && m.RoomID != s.roomID {
		s.Send(encodeError("not joined to that room"))
		return
	}

	out, err := h.reg.Apply(ctx, s.roomID, toUpdate(m.Update, s.userID))
	if err != nil {
		s.Send(encodeError("update failed"))
		return
	}
	metrics.ResolveOutcomes.WithLabelValues(out.Status.String()).Inc()

	frame := encodeVariableUpdated(s.roomID, out.Variable)
	switch out.Status {
	case room.StatusStale:
		// Not an error: correct the stale writer to current truth,
		// nobody else needs to hear about it.
		s.Send(frame)
	case room.StatusApplied:
		h.broadcast(s.roomID, s, frame)
		h.publish(ctx, s.roomID, frame)
	case room.StatusMerged:
		h.broadcast(s.roomID, s, frame)
		if !out.Won {
			s.Send(frame) // the losing writer learns the resolved winner
		}
		h.publish(ctx, s.roomID, frame)
	}
}

func (h *Hub) handleSync(s *Session, m SyncRequest) {
	if s.state != StateJoined {
		s.Send(encodeError("sync_request requires a joined room"))
		return
	}
	if m.RoomID != "" && m.RoomID != s.roomID {
		s.Send(encodeError("not joined to that room"))
		return
	}
	s.Send(encodeState(KindSyncResponse, s.roomID, h.reg.CurrentVariables(s.roomID)))
}

func (h *Hub) handleChat(ctx context.Context, s *Session, m ChatRequest) {
	if s.state != StateJoined {
		s.Send(encodeError("chat requires a joined room"))
		return
	}
	frame := encodeChat(s.userID, h.displayName(ctx, s.userID), m.Content, time.Now().UTC())
	h.broadcast(s.roomID, nil, frame) // chat echoes to the sender too
	h.publish(ctx, s.roomID, frame)
}

// disconnect runs for every session teardown path: explicit leave, client
// close, keepalive timeout. Leave is idempotent, so double teardown is safe.
func (h *Hub) disconnect(ctx context.Context, s *Session) {
	if s.state != StateJoined {
		s.state = StateClosed
		return
	}
	roomID, userID := s.roomID, s.userID
	s.state = StateClosed
	h.reg.Leave(ctx, s)

	frame := encodeMembership(KindUserLeft, roomID, userID, h.displayName(ctx, userID), time.Now().UTC())
	h.broadcast(roomID, nil, frame)
	h.publish(ctx, roomID, frame)
	h.log.Info("ws.left", "room", roomID, "user", userID)
}

// broadcast fans a frame out to the room's peers, minus except. Delivery
// is best-effort per peer: a full buffer is counted and skipped, never
// waited on.
func (h *Hub) broadcast(roomID string, except room.Peer, frame []byte) {
	for _, p := range h.reg.Peers(roomID, except) {
		if !p.Send(frame) {
			metrics.BroadcastDrops.Inc()
			h.log.Warn("ws.broadcast.drop", "room", roomID)
		}
	}
}

func (h *Hub) publish(ctx context.Context, roomID string, frame []byte) {
	if h.bus == nil {
		return
	}
	if err := h.bus.Publish(ctx, BusMessage{RoomID: roomID, Origin: h.origin, Frame: frame}); err != nil {
		h.log.Warn("bus.publish", "room", roomID, "err", err)
	}
}

// displayName resolves a human-readable name with a short budget, falling
// back to the raw id. Cosmetic only.
func (h *Hub) displayName(ctx context.Context, userID string) string {
	if h.dir == nil {
		return userID
	}
	dctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	name, err := h.dir.DisplayName(dctx, userID)
	if err != nil || name == "" {
		return userID
	}
	return name
}
