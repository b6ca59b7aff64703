// Package history keeps one undo stack and one redo stack per (room, user).
// Stacks hold references to committed operations only; an undo never rewrites
// the shared log, it submits a compensating inverse through the same OT path
// as any other edit.
package history

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/nirmalarya/autograph-sub004/internal/op"
)

// ErrNotFound is returned for undo/redo on an empty stack. Callers report it
// as a no-op, not a failure.
var ErrNotFound = errors.New("nothing to undo or redo")

// IsNotFound reports whether an error is the empty-stack no-op.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// Resolver submits an operation through the OT engine inside the room's
// single-writer context and returns the committed result.
type Resolver interface {
	Resolve(o op.Operation) (op.Operation, error)
}

type key struct {
	room string
	user string
}

type stacks struct {
	undo []op.Operation
	redo []op.Operation
}

// Manager owns every user's stacks for one room set. It is not safe for
// concurrent use; each room's serialized writer is the only caller for that
// room's keys.
type Manager struct {
	byUser map[key]*stacks
}

func NewManager() *Manager {
	return &Manager{byUser: make(map[key]*stacks)}
}

func (m *Manager) get(roomID, userID string) *stacks {
	k := key{roomID, userID}
	s := m.byUser[k]
	if s == nil {
		s = &stacks{}
		m.byUser[k] = s
	}
	return s
}

// Record pushes a freshly committed user-authored operation onto the undo
// stack and clears the redo stack, standard editor semantics.
func (m *Manager) Record(roomID, userID string, o op.Operation) {
	s := m.get(roomID, userID)
	s.undo = append(s.undo, o)
	s.redo = nil
}

// Undo pops the user's most recent operation, submits its inverse through
// the resolver, and pushes the committed inverse onto the redo stack. The
// inverse is based at the original's server_sequence, so the engine
// transforms it against every edit committed since and other users' work is
// preserved.
func (m *Manager) Undo(roomID, userID string, r Resolver) (op.Operation, error) {
	s := m.get(roomID, userID)
	if len(s.undo) == 0 {
		return op.Operation{}, ErrNotFound
	}
	top := s.undo[len(s.undo)-1]
	inv := top.Inverse(uuid.NewString())
	committed, err := r.Resolve(inv)
	if err != nil {
		return op.Operation{}, err
	}
	s.undo = s.undo[:len(s.undo)-1]
	if !noopDelete(committed) {
		s.redo = append(s.redo, committed)
	}
	return committed, nil
}

// Redo pops the most recent undo's committed inverse, submits its inverse
// in turn, and pushes the result back onto the undo stack. Immediately after
// an undo this restores the element to its pre-undo state.
func (m *Manager) Redo(roomID, userID string, r Resolver) (op.Operation, error) {
	s := m.get(roomID, userID)
	if len(s.redo) == 0 {
		return op.Operation{}, ErrNotFound
	}
	top := s.redo[len(s.redo)-1]
	inv := top.Inverse(uuid.NewString())
	committed, err := r.Resolve(inv)
	if err != nil {
		return op.Operation{}, err
	}
	s.redo = s.redo[:len(s.redo)-1]
	if !noopDelete(committed) {
		s.undo = append(s.undo, committed)
	}
	return committed, nil
}

// noopDelete reports a compensating delete that removed nothing: the element
// was already gone when the inverse resolved. Its own inverse would recreate
// an element with no content, so it never lands on a stack.
func noopDelete(o op.Operation) bool {
	return o.Type == op.Delete && o.Before == nil
}

// Sizes reports the stack depths for one user.
func (m *Manager) Sizes(roomID, userID string) (undo, redo int) {
	if s, ok := m.byUser[key{roomID, userID}]; ok {
		return len(s.undo), len(s.redo)
	}
	return 0, 0
}

// Reconcile rebuilds a user's undo stack from a client-supplied summary of
// operation IDs, oldest first. Used on re-join: a fresh participant starts
// with empty stacks unless its client still knows what it had. IDs that were
// never committed in this room are skipped.
func (m *Manager) Reconcile(roomID, userID string, opIDs []string, lookup func(string) (op.Operation, bool)) int {
	s := m.get(roomID, userID)
	s.undo = nil
	s.redo = nil
	for _, id := range opIDs {
		if o, ok := lookup(id); ok && o.UserID == userID {
			s.undo = append(s.undo, o)
		}
	}
	return len(s.undo)
}

// Drop discards both stacks for one user, on final disconnect.
func (m *Manager) Drop(roomID, userID string) {
	delete(m.byUser, key{roomID, userID})
}
