package broadcast

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nirmalarya/autograph-sub004/internal/op"
)

type fakeRecipient struct {
	id   string
	user string
	full bool

	mu   sync.Mutex
	msgs []Message
}

func (f *fakeRecipient) ID() string     { return f.id }
func (f *fakeRecipient) UserID() string { return f.user }
func (f *fakeRecipient) Send(m Message) bool {
	if f.full {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, m)
	return true
}

func (f *fakeRecipient) received() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.msgs...)
}

func update(elemID string, seq int64) ResolvedUpdate {
	return ResolvedUpdate{
		ElementID: elemID,
		Value:     op.State{"x": float64(seq)},
		ServerSeq: seq,
		Operation: op.Operation{ElementID: elemID, ServerSeq: seq},
	}
}

func TestOutOfOrderDeliveryIsReplayedInOrder(t *testing.T) {
	b := New(0)
	rcp := &fakeRecipient{id: "conn-1", user: "alice"}
	b.Attach(rcp, 0)

	b.Enqueue(update("e3", 3), "")
	b.Enqueue(update("e1", 1), "")
	b.Enqueue(update("e2", 2), "")

	msgs := rcp.received()
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		assert.Equal(t, "element_update_resolved", m.Type)
		assert.Equal(t, int64(i+1), m.Data.(ResolvedUpdate).ServerSeq)
	}
}

func TestDuplicateSequencesAreDroppedOnce(t *testing.T) {
	b := New(0)
	rcp := &fakeRecipient{id: "conn-1", user: "alice"}
	b.Attach(rcp, 0)

	b.Enqueue(update("e1", 1), "")
	b.Enqueue(update("e1", 1), "")

	assert.Len(t, rcp.received(), 1, "mutating ops are delivered exactly once")
}

func TestOriginatorIsExcluded(t *testing.T) {
	b := New(0)
	author := &fakeRecipient{id: "conn-a", user: "alice"}
	other := &fakeRecipient{id: "conn-b", user: "bob"}
	b.Attach(author, 0)
	b.Attach(other, 0)

	b.Enqueue(update("e1", 1), "conn-a")

	assert.Empty(t, author.received(), "originator already has authoritative local state")
	assert.Len(t, other.received(), 1)
}

func TestAttachAtSnapshotSeqSkipsHistory(t *testing.T) {
	b := New(0)
	late := &fakeRecipient{id: "conn-l", user: "carol"}
	b.Attach(late, 5)

	b.Enqueue(update("e1", 5), "")
	b.Enqueue(update("e1", 6), "")

	msgs := late.received()
	require.Len(t, msgs, 1, "late joiner only sees ops after its snapshot")
	assert.Equal(t, int64(6), msgs[0].Data.(ResolvedUpdate).ServerSeq)
}

func TestCursorCoalescingKeepsLatestSampleOnly(t *testing.T) {
	b := New(0)
	rcp := &fakeRecipient{id: "conn-1", user: "bob"}
	b.Attach(rcp, 0)

	for i := 0; i < 50; i++ {
		b.UpdateCursor("alice", map[string]float64{"x": float64(i)})
	}
	b.flushCursors()

	msgs := rcp.received()
	require.Len(t, msgs, 1, "intermediate samples are dropped by design")
	batch := msgs[0].Data.([]CursorSample)
	require.Len(t, batch, 1)
	assert.Equal(t, map[string]float64{"x": 49}, batch[0].Position)

	// Nothing pending, nothing sent.
	b.flushCursors()
	assert.Len(t, rcp.received(), 1)
}

func TestSlowRecipientDropDoesNotBlockOthers(t *testing.T) {
	b := New(0)
	slow := &fakeRecipient{id: "conn-s", user: "slow", full: true}
	fast := &fakeRecipient{id: "conn-f", user: "fast"}
	b.Attach(slow, 0)
	b.Attach(fast, 0)

	b.Enqueue(update("e1", 1), "")
	assert.Len(t, fast.received(), 1)
}

func TestDirtyElementsCollectedOnce(t *testing.T) {
	b := New(0)
	b.Attach(&fakeRecipient{id: "c", user: "u"}, 0)

	b.Enqueue(update("e1", 1), "")
	b.Enqueue(update("e2", 2), "")
	b.Enqueue(update("e1", 3), "")

	dirty := b.CollectDirty()
	assert.ElementsMatch(t, []string{"e1", "e2"}, dirty)
	assert.Empty(t, b.CollectDirty())
}

func TestGapRecoveryAfterMidStreamSubscribe(t *testing.T) {
	b := New(0)
	rcp := &fakeRecipient{id: "conn-1", user: "alice"}
	b.Attach(rcp, 0)

	// Sequences 1..100 were committed before this process subscribed.
	for seq := int64(101); seq <= int64(101+maxPending); seq++ {
		b.Enqueue(update("e1", seq), "")
	}
	assert.NotEmpty(t, rcp.received(), "a permanent gap must not stall the room")
}
