package ws

import (
	"encoding/json"
	"fmt"
	"time"

	"warroom/internal/room"
)

// Kind is the wire-level message discriminator. The set is closed: decode
// switches over it exhaustively and anything else is a protocol error.
type Kind string

const (
	// client -> server
	KindJoin           Kind = "join"
	KindLeave          Kind = "leave"
	KindVariableUpdate Kind = "variable_update"
	KindSyncRequest    Kind = "sync_request"
	KindChat           Kind = "chat"

	// server -> client
	KindRoomState       Kind = "room_state"
	KindVariableUpdated Kind = "variable_updated"
	KindSyncResponse    Kind = "sync_response"
	KindUserJoined      Kind = "user_joined"
	KindUserLeft        Kind = "user_left"
	KindError           Kind = "error"
)

// VariableDTO is a room variable on the wire.
type VariableDTO struct {
	Symbol      string            `json:"symbol"`
	Value       json.RawMessage   `json:"value"`
	Unit        string            `json:"unit,omitempty"`
	VectorClock map[string]uint64 `json:"vectorClock,omitempty"`
	UpdatedBy   string            `json:"updatedBy,omitempty"`
	Source      string            `json:"source,omitempty"`
	Verified    bool              `json:"verified,omitempty"`
}

// envelope is the single frame shape; only the fields relevant to a Kind
// are populated.
type envelope struct {
	Type           Kind          `json:"type"`
	RoomID         string        `json:"roomId,omitempty"`
	UserID         string        `json:"userId,omitempty"`
	UserName       string        `json:"userName,omitempty"`
	VariableUpdate *VariableDTO  `json:"variableUpdate,omitempty"`
	Variables      []VariableDTO `json:"variables,omitempty"`
	Content        string        `json:"content,omitempty"`
	Timestamp      *time.Time    `json:"timestamp,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// Inbound is the closed sum of messages a client may send. Adding a kind
// means adding a variant here and a case in DecodeInbound plus one in the
// gateway's dispatch — both compile-time visible.
type Inbound interface{ inbound() }

type JoinRequest struct {
	RoomID string
	UserID string
}

type LeaveRequest struct{}

type UpdateRequest struct {
	RoomID string
	Update VariableDTO
}

type SyncRequest struct {
	RoomID string
}

type ChatRequest struct {
	Content string
}

func (JoinRequest) inbound()   {}
func (LeaveRequest) inbound()  {}
func (UpdateRequest) inbound() {}
func (SyncRequest) inbound()   {}
func (ChatRequest) inbound()   {}

// DecodeInbound parses one client frame into its typed variant.
func DecodeInbound(b []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}
	switch env.Type {
	case KindJoin:
		if env.RoomID == "" || env.UserID == "" {
			return nil, fmt.Errorf("join requires roomId and userId")
		}
		return JoinRequest{RoomID: env.RoomID, UserID: env.UserID}, nil
	case KindLeave:
		return LeaveRequest{}, nil
	case KindVariableUpdate:
		if env.VariableUpdate == nil || env.VariableUpdate.Symbol == "" {
			return nil, fmt.Errorf("variable_update requires variableUpdate.symbol")
		}
		return UpdateRequest{RoomID: env.RoomID, Update: *env.VariableUpdate}, nil
	case KindSyncRequest:
		return SyncRequest{RoomID: env.RoomID}, nil
	case KindChat:
		if env.Content == "" {
			return nil, fmt.Errorf("chat requires content")
		}
		return ChatRequest{Content: env.Content}, nil
	case KindRoomState, KindVariableUpdated, KindSyncResponse,
		KindUserJoined, KindUserLeft, KindError:
		return nil, fmt.Errorf("%s is server-to-client only", env.Type)
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
}

func toDTO(v room.Variable) VariableDTO {
	return VariableDTO{
		Symbol:      v.Symbol,
		Value:       v.Value,
		Unit:        v.Unit,
		VectorClock: v.Clock,
		UpdatedBy:   v.UpdatedBy,
		Source:      string(v.Source),
		Verified:    v.Verified,
	}
}

func toDTOs(vars []room.Variable) []VariableDTO {
	out := make([]VariableDTO, 0, len(vars))
	for _, v := range vars {
		out = append(out, toDTO(v))
	}
	return out
}

// toUpdate binds a wire update to the writer the session authenticated.
func toUpdate(d VariableDTO, writer string) room.Update {
	return room.Update{
		Symbol:   d.Symbol,
		Value:    d.Value,
		Unit:     d.Unit,
		Clock:    room.VectorClock(d.VectorClock),
		Writer:   writer,
		Source:   room.Source(d.Source),
		Verified: d.Verified,
	}
}

func fromDTO(d VariableDTO) room.Variable {
	return room.Variable{
		Symbol:    d.Symbol,
		Value:     d.Value,
		Unit:      d.Unit,
		Clock:     room.VectorClock(d.VectorClock),
		UpdatedBy: d.UpdatedBy,
		Source:    room.Source(d.Source),
		Verified:  d.Verified,
	}
}

func encode(env envelope) []byte {
	raw, _ := json.Marshal(env)
	return raw
}

func encodeState(kind Kind, roomID string, vars []room.Variable) []byte {
	return encode(envelope{Type: kind, RoomID: roomID, Variables: toDTOs(vars)})
}

func encodeVariableUpdated(roomID string, v room.Variable) []byte {
	dto := toDTO(v)
	return encode(envelope{Type: KindVariableUpdated, RoomID: roomID, VariableUpdate: &dto})
}

func encodeChat(userID, userName, content string, ts time.Time) []byte {
	return encode(envelope{Type: KindChat, UserID: userID, UserName: userName, Content: content, Timestamp: &ts})
}

func encodeMembership(kind Kind, roomID, userID, userName string, ts time.Time) []byte {
	return encode(envelope{Type: kind, RoomID: roomID, UserID: userID, UserName: userName, Timestamp: &ts})
}

func encodeError(msg string) []byte {
	return encode(envelope{Type: KindError, Error: msg})
}
