package room

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nirmalarya/autograph-sub004/internal/broadcast"
	"github.com/nirmalarya/autograph-sub004/internal/history"
	"github.com/nirmalarya/autograph-sub004/internal/op"
)

type fakeConn struct {
	id   string
	user string

	mu   sync.Mutex
	msgs []broadcast.Message
}

func (f *fakeConn) ID() string     { return f.id }
func (f *fakeConn) UserID() string { return f.user }
func (f *fakeConn) Send(m broadcast.Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, m)
	return true
}

func (f *fakeConn) byType(msgType string) []broadcast.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []broadcast.Message
	for _, m := range f.msgs {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

func testManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewManager(ctx, cfg, nil, nil)
}

func join(t *testing.T, m *Manager, roomID string, conn *fakeConn, role Role) JoinResponse {
	t.Helper()
	resp, err := m.Join(context.Background(), JoinRequest{
		RoomID:       roomID,
		UserID:       conn.user,
		Username:     conn.user,
		Role:         role,
		ConnectionID: conn.id,
		Recipient:    conn,
	})
	require.NoError(t, err)
	return resp
}

func submitOp(t *testing.T, m *Manager, conn *fakeConn, o op.Operation) SubmitResponse {
	t.Helper()
	resp, err := m.Submit(context.Background(), o, conn.id)
	require.NoError(t, err)
	return resp
}

func TestJoinBroadcastsPresence(t *testing.T) {
	m := testManager(t, Config{})
	a := &fakeConn{id: "conn-a", user: "alice"}
	b := &fakeConn{id: "conn-b", user: "bob"}

	join(t, m, "r1", a, RoleEditor)
	resp := join(t, m, "r1", b, RoleViewer)

	assert.Len(t, resp.Participants, 2)
	require.Len(t, a.byType("user_joined"), 1)
	assert.Empty(t, b.byType("user_joined"), "joiner does not see its own join event")

	m.Leave(context.Background(), "r1", b.id)
	left := a.byType("user_left")
	require.Len(t, left, 1)
	assert.Equal(t, "bob", left[0].Data.(map[string]string)["user_id"])
}

func TestRoomCapacity(t *testing.T) {
	m := testManager(t, Config{Capacity: 1})
	join(t, m, "r1", &fakeConn{id: "conn-a", user: "alice"}, RoleEditor)

	_, err := m.Join(context.Background(), JoinRequest{
		RoomID: "r1", UserID: "bob", Role: RoleEditor, ConnectionID: "conn-b",
	})
	assert.ErrorIs(t, err, ErrRoomFull)
}

func TestInvalidRoleRejected(t *testing.T) {
	m := testManager(t, Config{})
	_, err := m.Join(context.Background(), JoinRequest{
		RoomID: "r1", UserID: "mallory", Role: Role("root"), ConnectionID: "conn-m",
	})
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestViewerCannotMutate(t *testing.T) {
	m := testManager(t, Config{})
	v := &fakeConn{id: "conn-v", user: "viewer"}
	join(t, m, "r1", v, RoleViewer)

	_, err := m.Submit(context.Background(), op.Operation{
		ID: "x1", RoomID: "r1", UserID: "viewer", ElementID: "e1",
		Type: op.Create, After: op.State{"x": 1.0},
	}, v.id)
	assert.ErrorIs(t, err, ErrPermission)

	ok, err := m.Authorize(context.Background(), "r1", "viewer")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = m.Undo(context.Background(), "r1", "viewer")
	assert.ErrorIs(t, err, ErrPermission)
}

func TestSubmitFansOutToOthersOnly(t *testing.T) {
	m := testManager(t, Config{})
	a := &fakeConn{id: "conn-a", user: "alice"}
	b := &fakeConn{id: "conn-b", user: "bob"}
	join(t, m, "r1", a, RoleEditor)
	join(t, m, "r1", b, RoleEditor)

	resp := submitOp(t, m, a, op.Operation{
		ID: "a1", RoomID: "r1", UserID: "alice", ElementID: "e1",
		Type: op.Create, After: op.State{"x": 1.0},
	})
	assert.Equal(t, 1, resp.UndoSize)
	assert.Equal(t, int64(1), resp.Result.Op.ServerSeq)

	require.Len(t, b.byType("element_update_resolved"), 1)
	assert.Empty(t, a.byType("element_update_resolved"), "author already has local state")
}

func TestIdempotentReplayThroughRoom(t *testing.T) {
	m := testManager(t, Config{})
	a := &fakeConn{id: "conn-a", user: "alice"}
	b := &fakeConn{id: "conn-b", user: "bob"}
	join(t, m, "r1", a, RoleEditor)
	join(t, m, "r1", b, RoleEditor)

	o := op.Operation{
		ID: "once", RoomID: "r1", UserID: "alice", ElementID: "e1",
		Type: op.Create, After: op.State{"x": 1.0},
	}
	first := submitOp(t, m, a, o)
	replay := submitOp(t, m, a, o)

	assert.True(t, replay.Result.Duplicate)
	assert.Equal(t, first.Result.Op.ServerSeq, replay.Result.Op.ServerSeq)
	assert.Equal(t, 1, replay.UndoSize, "replay must not grow the undo stack")
	assert.Len(t, b.byType("element_update_resolved"), 1, "replay must not re-broadcast")
}

func TestLateJoinerGetsSnapshotNotLog(t *testing.T) {
	m := testManager(t, Config{})
	a := &fakeConn{id: "conn-a", user: "alice"}
	join(t, m, "r1", a, RoleEditor)

	submitOp(t, m, a, op.Operation{
		ID: "a1", RoomID: "r1", UserID: "alice", ElementID: "e1",
		Type: op.Create, After: op.State{"x": 1.0},
	})
	submitOp(t, m, a, op.Operation{
		ID: "a2", RoomID: "r1", UserID: "alice", ElementID: "e1",
		Type: op.Update, Before: op.State{"x": 1.0}, After: op.State{"x": 2.0}, BaseSeq: 1,
	})

	c := &fakeConn{id: "conn-c", user: "carol"}
	resp := join(t, m, "r1", c, RoleViewer)

	assert.Equal(t, int64(2), resp.ServerSeq)
	assert.Equal(t, op.State{"x": 2.0}, resp.Elements["e1"])
	require.Len(t, c.byType("room_snapshot"), 1)
	assert.Empty(t, c.byType("element_update_resolved"), "history is not replayed to late joiners")
}

func TestUndoRedoThroughRoom(t *testing.T) {
	m := testManager(t, Config{})
	a := &fakeConn{id: "conn-a", user: "alice"}
	b := &fakeConn{id: "conn-b", user: "bob"}
	join(t, m, "r1", a, RoleEditor)
	join(t, m, "r1", b, RoleEditor)

	submitOp(t, m, a, op.Operation{
		ID: "a1", RoomID: "r1", UserID: "alice", ElementID: "e1",
		Type: op.Create, After: op.State{"x": 1.0},
	})

	res, err := m.Undo(context.Background(), "r1", "alice")
	require.NoError(t, err)
	assert.Equal(t, op.Delete, res.Op.Type)
	assert.Equal(t, 0, res.UndoSize)
	assert.Equal(t, 1, res.RedoSize)

	// The compensating op reaches the other member like any edit.
	require.Len(t, b.byType("element_update_resolved"), 2)

	res, err = m.Redo(context.Background(), "r1", "alice")
	require.NoError(t, err)
	assert.Equal(t, op.Create, res.Op.Type)

	undo, redo, err := m.StackSizes(context.Background(), "r1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, undo)
	assert.Equal(t, 0, redo)

	_, err = m.Redo(context.Background(), "r1", "alice")
	assert.True(t, history.IsNotFound(err), "empty redo stack is a reported no-op")
}

func TestDeleteWinsLeavesNothingToUndo(t *testing.T) {
	m := testManager(t, Config{})
	a := &fakeConn{id: "conn-a", user: "alice"}
	b := &fakeConn{id: "conn-b", user: "bob"}
	join(t, m, "r1", a, RoleEditor)
	join(t, m, "r1", b, RoleEditor)

	submitOp(t, m, a, op.Operation{
		ID: "a-create", RoomID: "r1", UserID: "alice", ElementID: "e1",
		Type: op.Create, After: op.State{"x": 1.0},
	})
	submitOp(t, m, a, op.Operation{
		ID: "a-delete", RoomID: "r1", UserID: "alice", ElementID: "e1",
		Type: op.Delete, Before: op.State{"x": 1.0}, BaseSeq: 1,
	})

	// Bob's update from before the delete loses. His intent was never
	// applied, so nothing lands on his undo stack.
	resp := submitOp(t, m, b, op.Operation{
		ID: "b-update", RoomID: "r1", UserID: "bob", ElementID: "e1",
		Type: op.Update, Before: op.State{"x": 1.0},
		After: op.State{"x": 9.0}, BaseSeq: 1,
	})
	require.True(t, resp.Result.DeleteWins)
	assert.Equal(t, 0, resp.UndoSize)

	_, err := m.Undo(context.Background(), "r1", "bob")
	assert.True(t, history.IsNotFound(err), "losing update must not be undoable")

	// The element stays deleted; nothing resurrects it with an empty state.
	c := &fakeConn{id: "conn-c", user: "carol"}
	snap := join(t, m, "r1", c, RoleViewer)
	assert.NotContains(t, snap.Elements, "e1")
}

func TestHeartbeatTimeoutEvicts(t *testing.T) {
	m := testManager(t, Config{
		HeartbeatInterval: 25 * time.Millisecond,
		HeartbeatMisses:   2,
		GracePeriod:       time.Minute,
	})
	a := &fakeConn{id: "conn-a", user: "alice"}
	b := &fakeConn{id: "conn-b", user: "bob"}
	join(t, m, "r1", a, RoleEditor)
	join(t, m, "r1", b, RoleEditor)

	// Alice keeps heartbeating, Bob goes silent.
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.Heartbeat(context.Background(), "r1", "conn-a")
			}
		}
	}()
	defer close(stop)

	require.Eventually(t, func() bool {
		summaries, err := m.ConnectionQuality(context.Background(), "r1")
		if err != nil {
			return false
		}
		return len(summaries) == 1 && summaries[0].UserID == "alice"
	}, 2*time.Second, 20*time.Millisecond, "silent participant should be evicted")

	require.Eventually(t, func() bool {
		return len(a.byType("user_left")) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "heartbeat timeout", a.byType("user_left")[0].Data.(map[string]string)["reason"])
}

func TestEmptyRoomStopsAfterGrace(t *testing.T) {
	m := testManager(t, Config{
		HeartbeatInterval: 20 * time.Millisecond,
		GracePeriod:       40 * time.Millisecond,
	})
	a := &fakeConn{id: "conn-a", user: "alice"}
	join(t, m, "r1", a, RoleEditor)
	m.Leave(context.Background(), "r1", a.id)

	require.Eventually(t, func() bool {
		_, err := m.ConnectionQuality(context.Background(), "r1")
		return err != nil
	}, 2*time.Second, 20*time.Millisecond, "room should be torn down after the grace period")
}

func TestJoinReplacesStoppedRoom(t *testing.T) {
	m := testManager(t, Config{})
	dead := &Room{id: "r1", cmds: make(chan command), done: make(chan struct{})}
	close(dead.done)
	m.mu.Lock()
	m.rooms["r1"] = dead
	m.mu.Unlock()

	a := &fakeConn{id: "conn-a", user: "alice"}
	resp := join(t, m, "r1", a, RoleEditor)
	assert.Len(t, resp.Participants, 1)

	// The stale room's deferred drop must not evict its replacement.
	m.drop("r1")
	_, err := m.ConnectionQuality(context.Background(), "r1")
	assert.NoError(t, err)
}

func TestJoinRetriesWhenRoomStopsMidJoin(t *testing.T) {
	m := testManager(t, Config{})
	dying := &Room{id: "r1", cmds: make(chan command), done: make(chan struct{})}
	m.mu.Lock()
	m.rooms["r1"] = dying
	m.mu.Unlock()

	errc := make(chan error, 1)
	go func() {
		_, err := m.Join(context.Background(), JoinRequest{
			RoomID: "r1", UserID: "alice", Username: "alice",
			Role: RoleEditor, ConnectionID: "conn-a",
		})
		errc <- err
	}()

	// The join is parked on the dying room's queue; stopping the room makes
	// it retry against a fresh one instead of failing the client.
	time.Sleep(20 * time.Millisecond)
	close(dying.done)
	require.NoError(t, <-errc)
}

func TestConnectionQualitySamples(t *testing.T) {
	m := testManager(t, Config{})
	a := &fakeConn{id: "conn-a", user: "alice"}
	join(t, m, "r1", a, RoleEditor)

	m.RecordLatency("r1", "conn-a", 20*time.Millisecond)
	m.RecordLatency("r1", "conn-a", 40*time.Millisecond)

	require.Eventually(t, func() bool {
		summaries, err := m.ConnectionQuality(context.Background(), "r1")
		require.NoError(t, err)
		return len(summaries) == 1 && summaries[0].Samples == 2
	}, time.Second, 10*time.Millisecond)

	summaries, err := m.ConnectionQuality(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "good", summaries[0].Quality)
	assert.InDelta(t, 30.0, summaries[0].AvgRTTMillis, 0.1)
}

func TestRejoinStartsWithEmptyStackUnlessReconciled(t *testing.T) {
	m := testManager(t, Config{GracePeriod: time.Minute})
	a := &fakeConn{id: "conn-a1", user: "alice"}
	anchor := &fakeConn{id: "conn-x", user: "observer"}
	join(t, m, "r1", anchor, RoleViewer) // keeps the room alive
	join(t, m, "r1", a, RoleEditor)

	resp := submitOp(t, m, a, op.Operation{
		ID: "a1", RoomID: "r1", UserID: "alice", ElementID: "e1",
		Type: op.Create, After: op.State{"x": 1.0},
	})
	require.Equal(t, 1, resp.UndoSize)
	m.Leave(context.Background(), "r1", a.id)

	// Plain re-join: fresh participant, fresh stacks.
	a2 := &fakeConn{id: "conn-a2", user: "alice"}
	join(t, m, "r1", a2, RoleEditor)
	undo, _, err := m.StackSizes(context.Background(), "r1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, undo)
	m.Leave(context.Background(), "r1", a2.id)

	// Re-join with the client's stack summary restores undo depth.
	a3 := &fakeConn{id: "conn-a3", user: "alice"}
	resp3, err := m.Join(context.Background(), JoinRequest{
		RoomID: "r1", UserID: "alice", Username: "alice", Role: RoleEditor,
		ConnectionID: a3.id, Recipient: a3, StackSummary: []string{"a1"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, resp3.UndoDepth)
}

// The end-to-end version of the convergence scenario: concurrent creates on
// disjoint elements, then a concurrent move conflict on e1, observed by a
// passive third client.
func TestScenarioConvergenceWithObserver(t *testing.T) {
	m := testManager(t, Config{})
	a := &fakeConn{id: "conn-a", user: "alice"}
	b := &fakeConn{id: "conn-b", user: "bob"}
	c := &fakeConn{id: "conn-c", user: "carol"}
	aSnap := join(t, m, "r1", a, RoleEditor)
	bSnap := join(t, m, "r1", b, RoleEditor)
	cSnap := join(t, m, "r1", c, RoleViewer)

	aCreate := submitOp(t, m, a, op.Operation{
		ID: "a-create", RoomID: "r1", UserID: "alice", ElementID: "e1",
		Type: op.Create, After: op.State{"x": 100.0, "y": 100.0},
	})
	bCreate := submitOp(t, m, b, op.Operation{
		ID: "b-create", RoomID: "r1", UserID: "bob", ElementID: "e2",
		Type: op.Create, After: op.State{"x": 200.0, "y": 200.0},
	})

	// Both move e1 from the same base, neither having seen the other.
	base := int64(2)
	aMove := submitOp(t, m, a, op.Operation{
		ID: "a-move", RoomID: "r1", UserID: "alice", ElementID: "e1",
		Type: op.Move, Before: op.State{"x": 100.0, "y": 100.0},
		After: op.State{"x": 300.0, "y": 300.0}, BaseSeq: base,
	})
	bMove := submitOp(t, m, b, op.Operation{
		ID: "b-move", RoomID: "r1", UserID: "bob", ElementID: "e1",
		Type: op.Move, Before: op.State{"x": 100.0, "y": 100.0},
		After: op.State{"x": 400.0, "y": 400.0}, BaseSeq: base,
	})
	require.True(t, bMove.Result.Transformed)
	require.Greater(t, bMove.Result.Op.ServerSeq, aMove.Result.Op.ServerSeq)

	// Each author folds its own acks and the resolved stream together in
	// server_sequence order, the way a real client applies updates.
	build := func(conn *fakeConn, snap JoinResponse, acks ...SubmitResponse) map[string]op.State {
		var ops []op.Operation
		for _, m := range conn.byType("element_update_resolved") {
			ops = append(ops, m.Data.(broadcast.ResolvedUpdate).Operation)
		}
		for _, ack := range acks {
			ops = append(ops, ack.Result.Op)
		}
		sort.Slice(ops, func(i, j int) bool { return ops[i].ServerSeq < ops[j].ServerSeq })
		state := make(map[string]op.State, len(snap.Elements))
		for id, st := range snap.Elements {
			state[id] = st.Clone()
		}
		for _, o := range ops {
			if o.Type == op.Delete {
				delete(state, o.ElementID)
			} else {
				state[o.ElementID] = o.After.Clone()
			}
		}
		return state
	}
	stateA := build(a, aSnap, aCreate, aMove)
	stateB := build(b, bSnap, bCreate, bMove)
	stateC := build(c, cSnap)

	want := op.State{"x": 400.0, "y": 400.0}
	assert.Equal(t, want, stateA["e1"])
	assert.Equal(t, want, stateB["e1"])
	assert.Equal(t, want, stateC["e1"])
	assert.Equal(t, op.State{"x": 200.0, "y": 200.0}, stateC["e2"])
	assert.Equal(t, stateC, stateA)
	assert.Equal(t, stateC, stateB)
}
