package offline

import (
	"context"
	"log"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/nirmalarya/autograph-sub004/internal/op"
)

// SubmitFunc hands one replayed operation to the room's OT path. Replayed
// operations carry their original client operation_id, so a retransmission
// after a dropped acknowledgment resolves as a duplicate, not a double
// apply.
type SubmitFunc func(ctx context.Context, o op.Operation) error

// Conflict reports one pending edit that exhausted its retry ceiling and now
// needs manual reconciliation. This is the only sanctioned data-loss path
// and it is always explicit.
type Conflict struct {
	OperationID string `json:"operation_id"`
	ElementID   string `json:"element_id"`
	RetryCount  int    `json:"retry_count"`
	Reason      string `json:"reason"`
}

// ReplayReport summarizes one reconnect synchronization pass.
type ReplayReport struct {
	Applied   []string   `json:"applied"`
	Conflicts []Conflict `json:"conflicts"`
}

// Synchronizer drains a user's pending-edit queue through the normal OT
// path. Each edit is treated as concurrent with everything committed while
// the client was away; the engine transforms it like any live submission.
type Synchronizer struct {
	store      Store
	submit     SubmitFunc
	maxRetries int
	maxElapsed time.Duration
}

func NewSynchronizer(store Store, submit SubmitFunc, maxRetries int) *Synchronizer {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Synchronizer{
		store:      store,
		submit:     submit,
		maxRetries: maxRetries,
		maxElapsed: 30 * time.Second,
	}
}

// Replay submits every queued edit for the user, oldest first. Transient
// submit failures are retried with exponential backoff up to the per-edit
// ceiling; an edit past its ceiling is surfaced as a Conflict and removed
// from the queue rather than silently dropped or retried forever.
func (s *Synchronizer) Replay(ctx context.Context, userID string) (ReplayReport, error) {
	edits, err := s.store.List(ctx, userID)
	if err != nil {
		return ReplayReport{}, err
	}
	var report ReplayReport
	for _, edit := range edits {
		if edit.RetryCount >= s.maxRetries {
			report.Conflicts = append(report.Conflicts, s.conflict(ctx, edit, "retry ceiling exceeded before replay"))
			continue
		}
		if err := s.replayOne(ctx, edit); err != nil {
			retries, rerr := s.store.IncrementRetry(ctx, edit.ID)
			if rerr != nil {
				retries = edit.RetryCount + 1
			}
			edit.RetryCount = retries
			if retries >= s.maxRetries {
				report.Conflicts = append(report.Conflicts, s.conflict(ctx, edit, err.Error()))
			} else {
				log.Printf("offline: replay of %s failed (attempt %d/%d): %v",
					edit.Operation.ID, retries, s.maxRetries, err)
			}
			continue
		}
		if err := s.store.Delete(ctx, edit.ID); err != nil {
			log.Printf("offline: acknowledged edit %s not removed: %v", edit.ID, err)
		}
		report.Applied = append(report.Applied, edit.Operation.ID)
	}
	return report, nil
}

func (s *Synchronizer) replayOne(ctx context.Context, edit PendingEdit) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = s.maxElapsed
	attempts := uint64(s.maxRetries - edit.RetryCount)
	return backoff.Retry(func() error {
		return s.submit(ctx, edit.Operation)
	}, backoff.WithContext(backoff.WithMaxRetries(b, attempts), ctx))
}

func (s *Synchronizer) conflict(ctx context.Context, edit PendingEdit, reason string) Conflict {
	if err := s.store.Delete(ctx, edit.ID); err != nil {
		log.Printf("offline: conflicted edit %s not removed: %v", edit.ID, err)
	}
	return Conflict{
		OperationID: edit.Operation.ID,
		ElementID:   edit.Operation.ElementID,
		RetryCount:  edit.RetryCount,
		Reason:      reason,
	}
}
