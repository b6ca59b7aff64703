// Package offline holds operations a client authored while partitioned from
// the server and replays them through the normal OT path on reconnect.
package offline

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/nirmalarya/autograph-sub004/internal/op"
)

var ErrNotQueued = errors.New("pending edit not found")

// PendingEdit is one queued client operation awaiting replay.
type PendingEdit struct {
	ID         string       `json:"id"`
	DiagramID  string       `json:"diagram_id"`
	UserID     string       `json:"user_id"`
	Operation  op.Operation `json:"operation"`
	RetryCount int          `json:"retry_count"`
	EnqueuedAt time.Time    `json:"enqueued_at"`
}

// NewPendingEdit stamps a queue entry for one operation.
func NewPendingEdit(diagramID, userID string, o op.Operation) PendingEdit {
	return PendingEdit{
		ID:         uuid.NewString(),
		DiagramID:  diagramID,
		UserID:     userID,
		Operation:  o,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Store persists pending edits across the disconnect window.
type Store interface {
	Enqueue(ctx context.Context, e PendingEdit) error
	// List returns a user's pending edits oldest first.
	List(ctx context.Context, userID string) ([]PendingEdit, error)
	Delete(ctx context.Context, editID string) error
	Clear(ctx context.Context, userID string) error
	IncrementRetry(ctx context.Context, editID string) (int, error)
}

// MemoryStore is the in-process Store used in standalone mode and tests.
type MemoryStore struct {
	mu    sync.Mutex
	edits map[string]PendingEdit
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{edits: make(map[string]PendingEdit)}
}

func (s *MemoryStore) Enqueue(_ context.Context, e PendingEdit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edits[e.ID] = e
	return nil
}

func (s *MemoryStore) List(_ context.Context, userID string) ([]PendingEdit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PendingEdit
	for _, e := range s.edits {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, editID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.edits[editID]; !ok {
		return ErrNotQueued
	}
	delete(s.edits, editID)
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.edits {
		if e.UserID == userID {
			delete(s.edits, id)
		}
	}
	return nil
}

func (s *MemoryStore) IncrementRetry(_ context.Context, editID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.edits[editID]
	if !ok {
		return 0, ErrNotQueued
	}
	e.RetryCount++
	s.edits[editID] = e
	return e.RetryCount, nil
}
