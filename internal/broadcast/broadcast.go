// Package broadcast fans resolved operations out to room members, coalesces
// high-frequency cursor traffic, and serves late joiners a snapshot instead
// of the operation log.
package broadcast

import (
	"context"
	"log"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/nirmalarya/autograph-sub004/internal/op"
)

// Message is one outbound transport frame.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Recipient is a connected room member the broadcaster can write to. Send
// must not block; it reports false when the recipient's buffer is full and
// the frame was dropped.
type Recipient interface {
	ID() string
	UserID() string
	Send(Message) bool
}

// ResolvedUpdate is the payload of element_update_resolved frames.
type ResolvedUpdate struct {
	ElementID string       `json:"element_id"`
	Value     op.State     `json:"value"`
	ServerSeq int64        `json:"server_sequence"`
	Operation op.Operation `json:"operation"`
	// DeleteWins tells the submitter its update lost to a concurrent
	// delete and the element should be dropped client-side.
	DeleteWins bool `json:"delete_wins,omitempty"`
}

// CursorSample is one user's most recent cursor position.
type CursorSample struct {
	UserID   string `json:"user_id"`
	Position any    `json:"position"`
}

// Broadcaster is the per-room fan-out stage. Document operations are
// delivered exactly once per recipient in server_sequence order; cursor
// samples are lossy and coalesced per flush interval.
type Broadcaster struct {
	mu         sync.Mutex
	recipients map[string]Recipient // by connection ID

	// Reorder buffer. Local commits arrive in order; operations relayed
	// from other processes over the bus may not.
	delivered int64
	pending   map[int64]pendingOp

	cursors       map[string]any // userID -> latest position
	flushInterval time.Duration

	dirty mapset.Set[string]
}

type pendingOp struct {
	update ResolvedUpdate
	origin string // originating connection ID, skipped on fan-out
}

// maxPending bounds the reorder buffer before gap recovery kicks in.
const maxPending = 64

func New(flushInterval time.Duration) *Broadcaster {
	if flushInterval <= 0 {
		flushInterval = 50 * time.Millisecond
	}
	return &Broadcaster{
		recipients:    make(map[string]Recipient),
		pending:       make(map[int64]pendingOp),
		cursors:       make(map[string]any),
		flushInterval: flushInterval,
		dirty:         mapset.NewSet[string](),
	}
}

// Start runs the cursor flush loop until ctx is cancelled.
func (b *Broadcaster) Start(ctx context.Context) {
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.flushCursors()
		}
	}
}

// Attach registers a recipient and marks the sequence it is synchronized at,
// so it only receives operations committed after its snapshot.
func (b *Broadcaster) Attach(r Recipient, syncedAt int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recipients[r.ID()] = r
	if b.delivered < syncedAt {
		b.delivered = syncedAt
	}
}

// Advance moves the delivery high-water mark forward without delivering
// anything. Used when a room seeds its document from an archived snapshot.
func (b *Broadcaster) Advance(seq int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.delivered < seq {
		b.delivered = seq
	}
}

// Detach removes a recipient and forgets its user's pending cursor sample.
func (b *Broadcaster) Detach(connID, userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.recipients, connID)
	delete(b.cursors, userID)
}

// Enqueue hands a resolved operation to the fan-out stage. Operations are
// buffered until every earlier sequence has been delivered, then replayed in
// order to every recipient except the originator. Sequences at or below the
// high-water mark are duplicates from the bus and are dropped.
func (b *Broadcaster) Enqueue(update ResolvedUpdate, originConnID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	seq := update.ServerSeq
	if seq <= b.delivered {
		return
	}
	b.pending[seq] = pendingOp{update: update, origin: originConnID}
	for {
		next, ok := b.pending[b.delivered+1]
		if !ok {
			// A gap that keeps growing means the missing sequence was
			// never ours to deliver (e.g. the bus subscription started
			// mid-stream). Skip to the lowest buffered sequence rather
			// than stalling the room.
			if len(b.pending) <= maxPending {
				return
			}
			lowest := int64(0)
			for s := range b.pending {
				if lowest == 0 || s < lowest {
					lowest = s
				}
			}
			log.Printf("broadcast: skipping gap %d..%d", b.delivered+1, lowest-1)
			b.delivered = lowest - 1
			continue
		}
		delete(b.pending, b.delivered+1)
		b.delivered++
		b.dirty.Add(next.update.ElementID)
		b.fanOut(Message{Type: "element_update_resolved", Data: next.update}, next.origin)
	}
}

// Event fans a presence or lifecycle frame out to every recipient except
// origin. These are not sequenced; ordering within one room actor is enough.
func (b *Broadcaster) Event(msg Message, originConnID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fanOut(msg, originConnID)
}

// UpdateCursor records a user's latest cursor sample, displacing any
// unflushed one. Intermediate samples are dropped by design; this channel
// never carries document mutations.
func (b *Broadcaster) UpdateCursor(userID string, position any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cursors[userID] = position
}

// SendSnapshot delivers the full current element map to one recipient.
func (b *Broadcaster) SendSnapshot(r Recipient, elements map[string]op.State, seq int64) {
	r.Send(Message{Type: "room_snapshot", Data: map[string]any{
		"elements":        elements,
		"server_sequence": seq,
	}})
}

// CollectDirty returns and clears the set of element IDs whose resolved
// state changed since the last collection. The archiver uses this to batch
// snapshot writes.
func (b *Broadcaster) CollectDirty() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := b.dirty.ToSlice()
	b.dirty.Clear()
	return ids
}

func (b *Broadcaster) flushCursors() {
	b.mu.Lock()
	if len(b.cursors) == 0 {
		b.mu.Unlock()
		return
	}
	batch := make([]CursorSample, 0, len(b.cursors))
	for userID, pos := range b.cursors {
		batch = append(batch, CursorSample{UserID: userID, Position: pos})
	}
	b.cursors = make(map[string]any)
	b.fanOut(Message{Type: "cursor_batch", Data: batch}, "")
	b.mu.Unlock()
}

// fanOut requires b.mu held.
func (b *Broadcaster) fanOut(msg Message, originConnID string) {
	for connID, r := range b.recipients {
		if connID == originConnID {
			continue
		}
		if !r.Send(msg) {
			log.Printf("broadcast: dropping frame %s for slow connection %s", msg.Type, connID)
		}
	}
}
