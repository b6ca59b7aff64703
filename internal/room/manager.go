package room

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/nirmalarya/autograph-sub004/internal/op"
)

// Manager is the arena of live rooms. Handlers never touch a Room directly;
// every call goes through the owning room's command queue, which is the
// ownership boundary that keeps room state single-writer.
type Manager struct {
	mu       sync.Mutex
	rooms    map[string]*Room
	cfg      Config
	archiver Archiver
	bus      Bus
	baseCtx  context.Context
}

func NewManager(ctx context.Context, cfg Config, archiver Archiver, bus Bus) *Manager {
	return &Manager{
		rooms:    make(map[string]*Room),
		cfg:      cfg.withDefaults(),
		archiver: archiver,
		bus:      bus,
		baseCtx:  ctx,
	}
}

// room returns the live room, creating and starting it when create is set.
func (m *Manager) room(roomID string, create bool) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[roomID]; ok {
		select {
		case <-r.done:
			// Stopped but not yet dropped; fall through and replace it.
		default:
			return r, nil
		}
	}
	if !create {
		return nil, ErrUnknownRoom
	}
	r := newRoom(m.baseCtx, roomID, m.cfg, m.archiver, m.bus, m.drop)
	m.rooms[roomID] = r
	return r, nil
}

func (m *Manager) drop(roomID string) {
	m.mu.Lock()
	if r, ok := m.rooms[roomID]; ok {
		select {
		case <-r.done:
			delete(m.rooms, roomID)
		default:
			// A fresh room already took this slot; leave it alone.
		}
	}
	m.mu.Unlock()
}

func ask[T any](ctx context.Context, r *Room, c command, reply chan result[T]) (T, error) {
	var zero T
	if err := r.enqueue(ctx, c); err != nil {
		return zero, err
	}
	select {
	case res := <-reply:
		return res.val, res.err
	case <-r.done:
		return zero, ErrUnknownRoom
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Join admits a connection, creating the room on first join.
func (m *Manager) Join(ctx context.Context, req JoinRequest) (JoinResponse, error) {
	for attempt := 0; ; attempt++ {
		r, err := m.room(req.RoomID, true)
		if err != nil {
			return JoinResponse{}, err
		}
		reply := make(chan result[JoinResponse], 1)
		resp, err := ask(ctx, r, cmdJoin{req: req, reply: reply}, reply)
		if errors.Is(err, ErrUnknownRoom) && attempt == 0 {
			// Lost a race with the room's grace-period teardown; the next
			// lookup starts a fresh room.
			continue
		}
		return resp, err
	}
}

// Leave removes a connection from a room. Unknown rooms are a no-op.
func (m *Manager) Leave(ctx context.Context, roomID, connID string) {
	r, err := m.room(roomID, false)
	if err != nil {
		return
	}
	done := make(chan struct{})
	if r.enqueue(ctx, cmdLeave{connID: connID, done: done}) == nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
}

// Heartbeat refreshes a connection's liveness window.
func (m *Manager) Heartbeat(ctx context.Context, roomID, connID string) error {
	r, err := m.room(roomID, false)
	if err != nil {
		return err
	}
	reply := make(chan error, 1)
	if err := r.enqueue(ctx, cmdHeartbeat{connID: connID, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecordLatency feeds one round-trip sample into a connection's quality
// window. Fire and forget.
func (m *Manager) RecordLatency(roomID, connID string, rtt time.Duration) {
	r, err := m.room(roomID, false)
	if err != nil {
		return
	}
	select {
	case r.cmds <- cmdLatency{connID: connID, rtt: rtt}:
	default:
	}
}

// Submit resolves and commits one operation through the room's OT engine.
func (m *Manager) Submit(ctx context.Context, o op.Operation, originConn string) (SubmitResponse, error) {
	r, err := m.room(o.RoomID, false)
	if err != nil {
		return SubmitResponse{}, err
	}
	reply := make(chan result[SubmitResponse], 1)
	return ask(ctx, r, cmdSubmit{o: o, originConn: originConn, reply: reply}, reply)
}

// Undo pops the user's most recent operation and commits its inverse.
// history.ErrNotFound means the stack was empty.
func (m *Manager) Undo(ctx context.Context, roomID, userID string) (ActionResult, error) {
	return m.undoRedo(ctx, roomID, userID, false)
}

// Redo reapplies the user's most recently undone operation.
func (m *Manager) Redo(ctx context.Context, roomID, userID string) (ActionResult, error) {
	return m.undoRedo(ctx, roomID, userID, true)
}

func (m *Manager) undoRedo(ctx context.Context, roomID, userID string, redo bool) (ActionResult, error) {
	r, err := m.room(roomID, false)
	if err != nil {
		return ActionResult{}, err
	}
	reply := make(chan result[ActionResult], 1)
	return ask(ctx, r, cmdUndo{userID: userID, redo: redo, reply: reply}, reply)
}

// Cursor records a best-effort cursor sample; dropped when the room's queue
// is full, never blocking the reader.
func (m *Manager) Cursor(roomID, userID string, position any) {
	r, err := m.room(roomID, false)
	if err != nil {
		return
	}
	select {
	case r.cmds <- cmdCursor{userID: userID, position: position}:
	default:
	}
}

// ConnectionQuality reports per-participant latency summaries for a room.
func (m *Manager) ConnectionQuality(ctx context.Context, roomID string) ([]QualitySummary, error) {
	r, err := m.room(roomID, false)
	if err != nil {
		return nil, err
	}
	reply := make(chan result[[]QualitySummary], 1)
	return ask(ctx, r, cmdQuality{reply: reply}, reply)
}

// StackSizes reports one user's undo/redo depths.
func (m *Manager) StackSizes(ctx context.Context, roomID, userID string) (undo, redo int, err error) {
	r, err := m.room(roomID, false)
	if err != nil {
		return 0, 0, err
	}
	reply := make(chan result[[2]int], 1)
	sizes, err := ask(ctx, r, cmdStacks{userID: userID, reply: reply}, reply)
	if err != nil {
		return 0, 0, err
	}
	return sizes[0], sizes[1], nil
}

// Authorize is the capability check external services share: whether the
// user currently holds a mutating role in the room.
func (m *Manager) Authorize(ctx context.Context, roomID, userID string) (bool, error) {
	r, err := m.room(roomID, false)
	if err != nil {
		return false, err
	}
	reply := make(chan result[bool], 1)
	return ask(ctx, r, cmdAuthorize{userID: userID, reply: reply}, reply)
}
