package room

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrNotJoined is returned when an operation targets a room that has no
// live state on this instance.
var ErrNotJoined = errors.New("room not active")

// Peer is one connected session's outbound side. Send must not block:
// it enqueues the frame and reports false if the peer is too slow or gone.
type Peer interface {
	Send(frame []byte) bool
}

// VariableStore is the persistence adapter: durable last-resolved values,
// touched only on room creation (load) and eviction (flush), never on the
// per-update hot path.
type VariableStore interface {
	LoadVariables(ctx context.Context, roomID string) ([]Variable, error)
	FlushVariables(ctx context.Context, roomID string, vars []Variable) error
}

// Snapshot is the resolved state of every variable in a room at one
// instant, used for client catch-up on join and resync.
type Snapshot struct {
	RoomID    string
	Variables []Variable
}

// Registry is the process-local bookkeeping of room -> (peer set, variable
// map). Rooms are created lazily on first join and evicted (with a flush)
// when the last peer leaves. Each room has its own lock so unrelated rooms
// never contend.
type Registry struct {
	log   *slog.Logger
	store VariableStore

	mu     sync.RWMutex
	rooms  map[string]*state
	byPeer map[Peer]string // which room each peer is in
}

type state struct {
	mu      sync.Mutex
	loaded  bool
	evicted bool
	vars    map[string]Variable
	peers   map[Peer]string // peer -> participant id
}

func NewRegistry(log *slog.Logger, store VariableStore) *Registry {
	return &Registry{
		log:    log,
		store:  store,
		rooms:  map[string]*state{},
		byPeer: map[Peer]string{},
	}
}

// Join registers the peer under the room, creating the room (and loading
// its persisted variables) if absent, and returns the current resolved
// state of every variable for catch-up. Re-joining the same room is
// idempotent.
func (r *Registry) Join(ctx context.Context, roomID string, p Peer, participantID string) (Snapshot, error) {
	for {
		st := r.room(roomID, p)

		st.mu.Lock()
		if st.evicted {
			// Lost a race with the last leaver; the map entry is gone,
			// take a fresh one.
			st.mu.Unlock()
			continue
		}
		if !st.loaded {
			vars, err := r.store.LoadVariables(ctx, roomID)
			if err != nil {
				st.mu.Unlock()
				r.forget(roomID, st, p)
				return Snapshot{}, err
			}
			for _, v := range vars {
				st.vars[v.Symbol] = v
			}
			st.loaded = true
		}
		st.peers[p] = participantID
		snap := Snapshot{RoomID: roomID, Variables: snapshotVars(st.vars)}
		st.mu.Unlock()
		return snap, nil
	}
}

// Leave removes the peer from whatever room it was in. A no-op for peers
// that never joined or already left. The last peer out triggers an async
// flush of the room's variables and evicts the room from memory.
func (r *Registry) Leave(ctx context.Context, p Peer) {
	r.mu.Lock()
	roomID, ok := r.byPeer[p]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byPeer, p)
	st := r.rooms[roomID]
	r.mu.Unlock()
	if st == nil {
		return
	}

	st.mu.Lock()
	delete(st.peers, p)
	last := len(st.peers) == 0
	var vars []Variable
	if last {
		st.evicted = true
		vars = snapshotVars(st.vars)
	}
	st.mu.Unlock()

	if !last {
		return
	}
	r.mu.Lock()
	if r.rooms[roomID] == st {
		delete(r.rooms, roomID)
	}
	r.mu.Unlock()
	r.log.Info("room.evicted", "room", roomID, "variables", len(vars))
	go r.flush(roomID, vars)
}

// Apply resolves the update against the stored variable for its symbol and,
// unless it was stale, commits the result — all under the room's lock, so
// no reader ever observes a half-applied variable.
func (r *Registry) Apply(ctx context.Context, roomID string, upd Update) (Outcome, error) {
	st := r.lookup(roomID)
	if st == nil {
		return Outcome{}, ErrNotJoined
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.evicted {
		return Outcome{}, ErrNotJoined
	}
	var stored *Variable
	if v, ok := st.vars[upd.Symbol]; ok {
		stored = &v
	}
	out := Resolve(stored, upd)
	if out.Status != StatusStale {
		st.vars[upd.Symbol] = out.Variable
	}
	return out, nil
}

// AbsorbRemote merges a resolved variable from another instance into local
// state. Returns the post-merge variable and whether anything changed;
// rooms with no local peers are skipped.
func (r *Registry) AbsorbRemote(roomID string, remote Variable) (Variable, bool) {
	st := r.lookup(roomID)
	if st == nil {
		return Variable{}, false
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.evicted {
		return Variable{}, false
	}
	var stored *Variable
	if v, ok := st.vars[remote.Symbol]; ok {
		stored = &v
	}
	merged, changed := Absorb(stored, remote)
	if changed {
		st.vars[remote.Symbol] = merged
	}
	return merged, changed
}

// CurrentVariables returns a read-only snapshot of the room's variables,
// sorted by symbol. Nil if the room is not active here.
func (r *Registry) CurrentVariables(roomID string) []Variable {
	st := r.lookup(roomID)
	if st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return snapshotVars(st.vars)
}

// Peers returns the peers currently joined to the room, minus except
// (which may be nil for a full fan-out).
func (r *Registry) Peers(roomID string, except Peer) []Peer {
	st := r.lookup(roomID)
	if st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]Peer, 0, len(st.peers))
	for p := range st.peers {
		if p != except {
			out = append(out, p)
		}
	}
	return out
}

// PeerCount reports how many peers are joined to the room.
func (r *Registry) PeerCount(roomID string) int {
	st := r.lookup(roomID)
	if st == nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.peers)
}

// FlushAll synchronously persists every live room, for graceful shutdown.
func (r *Registry) FlushAll(ctx context.Context) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		vars := r.CurrentVariables(id)
		if vars == nil {
			continue
		}
		if err := r.store.FlushVariables(ctx, id, vars); err != nil {
			r.log.Error("room.flush", "room", id, "err", err)
		}
	}
}

// room returns the live state for roomID, creating it if absent, and
// records the peer's membership intent.
func (r *Registry) room(roomID string, p Peer) *state {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.rooms[roomID]
	if st == nil {
		st = &state{vars: map[string]Variable{}, peers: map[Peer]string{}}
		r.rooms[roomID] = st
	}
	r.byPeer[p] = roomID
	return st
}

// forget undoes a failed join registration.
func (r *Registry) forget(roomID string, st *state, p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byPeer, p)
	st.mu.Lock()
	empty := len(st.peers) == 0
	st.mu.Unlock()
	if empty && r.rooms[roomID] == st {
		delete(r.rooms, roomID)
	}
}

func (r *Registry) lookup(roomID string) *state {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[roomID]
}

// flush persists an evicted room's variables with one retry. In-memory
// state is not the durability boundary, so failure is logged, not fatal.
func (r *Registry) flush(roomID string, vars []Variable) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := r.store.FlushVariables(ctx, roomID, vars)
	if err == nil {
		return
	}
	r.log.Warn("room.flush.retry", "room", roomID, "err", err)
	time.Sleep(time.Second)
	if err := r.store.FlushVariables(ctx, roomID, vars); err != nil {
		r.log.Error("room.flush.failed", "room", roomID, "err", err)
	}
}

func snapshotVars(m map[string]Variable) []Variable {
	out := make([]Variable, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
