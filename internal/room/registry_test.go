package room

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu         sync.Mutex
	vars       map[string][]Variable
	flushes    int
	loadErr    error
	flushFails int // fail this many flushes, then succeed
}

func newMemStore() *memStore {
	return &memStore{vars: map[string][]Variable{}}
}

func (m *memStore) LoadVariables(_ context.Context, roomID string) ([]Variable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return m.vars[roomID], nil
}

func (m *memStore) FlushVariables(_ context.Context, roomID string, vars []Variable) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.flushFails > 0 {
		m.flushFails--
		return errors.New("flush failed")
	}
	m.vars[roomID] = vars
	m.flushes++
	return nil
}

func (m *memStore) flushed(roomID string) []Variable {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vars[roomID]
}

type fakePeer struct{ id string }

func (p *fakePeer) Send([]byte) bool { return true }

func testRegistry(store VariableStore) *Registry {
	return NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)), store)
}

func TestJoinReturnsPersistedStateUnaltered(t *testing.T) {
	st := newMemStore()
	persisted := []Variable{
		{Symbol: "g", Value: num(9.81), Unit: "m/s^2", Clock: VectorClock{"A": 3}, UpdatedBy: "A", Source: SourceSystem, Verified: true},
		{Symbol: "m", Value: num(2), Unit: "kg", Clock: VectorClock{"B": 1}, UpdatedBy: "B", Source: SourceUser},
	}
	st.vars["R2"] = persisted
	reg := testRegistry(st)

	snap, err := reg.Join(context.Background(), "R2", &fakePeer{id: "p1"}, "A")
	require.NoError(t, err)
	assert.Equal(t, "R2", snap.RoomID)
	assert.Equal(t, persisted, snap.Variables)
}

func TestJoinUnknownRoomIsEmpty(t *testing.T) {
	reg := testRegistry(newMemStore())

	snap, err := reg.Join(context.Background(), "fresh", &fakePeer{}, "A")
	require.NoError(t, err)
	assert.Empty(t, snap.Variables)
	assert.Equal(t, 1, reg.PeerCount("fresh"))
}

func TestJoinIsIdempotent(t *testing.T) {
	reg := testRegistry(newMemStore())
	p := &fakePeer{id: "p1"}

	_, err := reg.Join(context.Background(), "R1", p, "A")
	require.NoError(t, err)
	_, err = reg.Join(context.Background(), "R1", p, "A")
	require.NoError(t, err)

	assert.Equal(t, 1, reg.PeerCount("R1"))
}

func TestJoinLoadFailureDoesNotRetainRoom(t *testing.T) {
	st := newMemStore()
	st.loadErr = errors.New("db down")
	reg := testRegistry(st)

	_, err := reg.Join(context.Background(), "R1", &fakePeer{}, "A")
	require.Error(t, err)
	assert.Equal(t, 0, reg.PeerCount("R1"))

	// A later join works once the store recovers.
	st.mu.Lock()
	st.loadErr = nil
	st.mu.Unlock()
	_, err = reg.Join(context.Background(), "R1", &fakePeer{}, "A")
	assert.NoError(t, err)
}

func TestApplyCommitsResolvedState(t *testing.T) {
	reg := testRegistry(newMemStore())
	ctx := context.Background()
	_, err := reg.Join(ctx, "R1", &fakePeer{}, "A")
	require.NoError(t, err)

	out, err := reg.Apply(ctx, "R1", upd("A", 10, VectorClock{"A": 1}))
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, out.Status)

	vars := reg.CurrentVariables("R1")
	require.Len(t, vars, 1)
	assert.JSONEq(t, "10", string(vars[0].Value))
	assert.Equal(t, VectorClock{"A": 1}, vars[0].Clock)
}

func TestApplyStaleLeavesStateUntouched(t *testing.T) {
	reg := testRegistry(newMemStore())
	ctx := context.Background()
	_, err := reg.Join(ctx, "R1", &fakePeer{}, "A")
	require.NoError(t, err)

	_, err = reg.Apply(ctx, "R1", upd("A", 10, VectorClock{"A": 2}))
	require.NoError(t, err)

	out, err := reg.Apply(ctx, "R1", upd("B", 5, VectorClock{"A": 1}))
	require.NoError(t, err)
	assert.Equal(t, StatusStale, out.Status)

	vars := reg.CurrentVariables("R1")
	require.Len(t, vars, 1)
	assert.JSONEq(t, "10", string(vars[0].Value))
}

func TestApplyWithoutRoom(t *testing.T) {
	reg := testRegistry(newMemStore())

	_, err := reg.Apply(context.Background(), "nope", upd("A", 1, nil))
	assert.ErrorIs(t, err, ErrNotJoined)
}

func TestLeaveIsNoopForUnjoinedPeer(t *testing.T) {
	reg := testRegistry(newMemStore())
	p := &fakePeer{}

	reg.Leave(context.Background(), p)
	reg.Leave(context.Background(), p) // and safe to repeat
}

func TestLastLeaveEvictsAndFlushes(t *testing.T) {
	st := newMemStore()
	reg := testRegistry(st)
	ctx := context.Background()

	p1, p2 := &fakePeer{id: "1"}, &fakePeer{id: "2"}
	_, err := reg.Join(ctx, "R1", p1, "A")
	require.NoError(t, err)
	_, err = reg.Join(ctx, "R1", p2, "B")
	require.NoError(t, err)

	_, err = reg.Apply(ctx, "R1", upd("A", 42, VectorClock{"A": 1}))
	require.NoError(t, err)

	reg.Leave(ctx, p1)
	assert.Equal(t, 1, reg.PeerCount("R1"), "room stays while a peer remains")
	assert.Equal(t, 0, st.flushes)

	reg.Leave(ctx, p2)
	assert.Nil(t, reg.CurrentVariables("R1"), "room evicted from memory")

	assert.Eventually(t, func() bool {
		vars := st.flushed("R1")
		return len(vars) == 1 && string(vars[0].Value) == "42"
	}, 2*time.Second, 10*time.Millisecond, "evicted room state reaches the store")
}

func TestFlushRetriesOnce(t *testing.T) {
	st := newMemStore()
	st.flushFails = 1
	reg := testRegistry(st)
	ctx := context.Background()

	p := &fakePeer{}
	_, err := reg.Join(ctx, "R1", p, "A")
	require.NoError(t, err)
	_, err = reg.Apply(ctx, "R1", upd("A", 7, VectorClock{"A": 1}))
	require.NoError(t, err)

	reg.Leave(ctx, p)
	assert.Eventually(t, func() bool {
		return len(st.flushed("R1")) == 1
	}, 5*time.Second, 50*time.Millisecond)
}

func TestRejoinAfterEvictionReloads(t *testing.T) {
	st := newMemStore()
	reg := testRegistry(st)
	ctx := context.Background()

	p := &fakePeer{}
	_, err := reg.Join(ctx, "R1", p, "A")
	require.NoError(t, err)
	_, err = reg.Apply(ctx, "R1", upd("A", 10, VectorClock{"A": 1}))
	require.NoError(t, err)
	reg.Leave(ctx, p)

	require.Eventually(t, func() bool {
		return len(st.flushed("R1")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	snap, err := reg.Join(ctx, "R1", &fakePeer{}, "B")
	require.NoError(t, err)
	require.Len(t, snap.Variables, 1)
	assert.JSONEq(t, "10", string(snap.Variables[0].Value))
}

func TestPeersExcludesOriginator(t *testing.T) {
	reg := testRegistry(newMemStore())
	ctx := context.Background()

	p1, p2, p3 := &fakePeer{id: "1"}, &fakePeer{id: "2"}, &fakePeer{id: "3"}
	for i, p := range []*fakePeer{p1, p2, p3} {
		_, err := reg.Join(ctx, "R1", p, fmt.Sprintf("u%d", i))
		require.NoError(t, err)
	}

	peers := reg.Peers("R1", p2)
	assert.Len(t, peers, 2)
	assert.NotContains(t, peers, Peer(p2))

	all := reg.Peers("R1", nil)
	assert.Len(t, all, 3)
}

func TestConcurrentApplyMonotonicClock(t *testing.T) {
	reg := testRegistry(newMemStore())
	ctx := context.Background()
	_, err := reg.Join(ctx, "R1", &fakePeer{}, "A")
	require.NoError(t, err)

	const writers = 8
	const perWriter = 20
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			id := fmt.Sprintf("w%d", w)
			local := VectorClock{}
			for i := 0; i < perWriter; i++ {
				// A real client ticks its own counter over the last
				// observed clock before each write.
				local[id]++
				out, err := reg.Apply(ctx, "R1", Update{
					Symbol: "v",
					Value:  num(float64(i)),
					Clock:  local.Clone(),
					Writer: id,
					Source: SourceUser,
				})
				if err != nil {
					t.Error(err)
					return
				}
				local = out.Variable.Clock.Clone()
			}
		}(w)
	}
	wg.Wait()

	vars := reg.CurrentVariables("R1")
	require.Len(t, vars, 1)
	clock := vars[0].Clock
	// Writer progress: every writer's component reflects all its updates.
	for w := 0; w < writers; w++ {
		assert.Equal(t, uint64(perWriter), clock[fmt.Sprintf("w%d", w)])
	}
}

func TestAbsorbRemoteMergesIntoLocalState(t *testing.T) {
	reg := testRegistry(newMemStore())
	ctx := context.Background()
	_, err := reg.Join(ctx, "R1", &fakePeer{}, "A")
	require.NoError(t, err)
	_, err = reg.Apply(ctx, "R1", upd("A", 10, VectorClock{"A": 1}))
	require.NoError(t, err)

	remote := Variable{Symbol: "v", Value: num(20), Clock: VectorClock{"A": 1, "B": 1}, UpdatedBy: "B", Source: SourceUser}
	merged, changed := reg.AbsorbRemote("R1", remote)
	assert.True(t, changed)
	assert.JSONEq(t, "20", string(merged.Value))

	// Absorbing the same state again is a no-op.
	_, changed = reg.AbsorbRemote("R1", remote)
	assert.False(t, changed)

	// Unknown rooms are skipped.
	_, changed = reg.AbsorbRemote("elsewhere", remote)
	assert.False(t, changed)
}

func TestFlushAllPersistsLiveRooms(t *testing.T) {
	st := newMemStore()
	reg := testRegistry(st)
	ctx := context.Background()

	_, err := reg.Join(ctx, "R1", &fakePeer{id: "1"}, "A")
	require.NoError(t, err)
	_, err = reg.Join(ctx, "R2", &fakePeer{id: "2"}, "B")
	require.NoError(t, err)
	_, err = reg.Apply(ctx, "R1", upd("A", 1, VectorClock{"A": 1}))
	require.NoError(t, err)
	_, err = reg.Apply(ctx, "R2", upd("B", 2, VectorClock{"B": 1}))
	require.NoError(t, err)

	reg.FlushAll(ctx)
	assert.Len(t, st.flushed("R1"), 1)
	assert.Len(t, st.flushed("R2"), 1)
}
