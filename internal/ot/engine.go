// Package ot resolves concurrent operations on the same element into a
// single deterministic result. The engine is stateless; all room state lives
// in the Document it is handed, and the caller guarantees single-writer
// access per room.
package ot

import (
	"time"

	"github.com/pkg/errors"

	"github.com/nirmalarya/autograph-sub004/internal/op"
)

// Result is the outcome of resolving one submitted operation.
type Result struct {
	// Op is the committed operation, transformed if concurrent edits
	// intervened. For a Duplicate it is the previously committed one.
	Op op.Operation
	// Rebroadcast is false only for duplicate replays, which were already
	// fanned out when first committed.
	Rebroadcast bool
	// Transformed is set when the committed operation differs from the
	// submission; Op.ParentID then names the submitted operation.
	Transformed bool
	// Duplicate is set when the submission's operation_id was already
	// committed. Nothing was applied.
	Duplicate bool
	// DeleteWins is set when the submitted update or move lost to a
	// concurrent delete. The element stays deleted and the submitter's
	// client should drop its stale copy.
	DeleteWins bool
}

var ErrUnknownType = errors.New("unsupported operation type")

// Engine implements the transform policy: field-level last-committed-wins
// merges for concurrent updates, delete always winning over update.
type Engine struct{}

// Resolve transforms incoming against every operation committed on its
// element since incoming.BaseSeq, commits the result to the document, and
// assigns the next server_sequence. Commit and sequence assignment are one
// step; a returned error means nothing was applied.
func (Engine) Resolve(doc *Document, incoming op.Operation) (Result, error) {
	if !incoming.Type.Mutates() {
		return Result{}, errors.Wrapf(ErrUnknownType, "%q", incoming.Type)
	}
	if incoming.ElementID == "" {
		return Result{}, errors.New("operation missing element_id")
	}

	// Idempotent replay: a retransmitted operation_id acks with the
	// original commit and applies nothing.
	if prev, ok := doc.Log.GetByID(incoming.ID); ok {
		return Result{Op: prev, Duplicate: true}, nil
	}

	intervening := doc.Log.SinceForElement(incoming.ElementID, incoming.BaseSeq)
	if len(intervening) == 0 {
		committed := commit(doc, incoming)
		return Result{Op: committed, Rebroadcast: true}, nil
	}

	current, alive := doc.Elements[incoming.ElementID]

	// Delete wins in both directions: an incoming delete commits over any
	// concurrent updates, and an incoming update against a concurrently
	// deleted element resolves to "still deleted".
	if incoming.Type == op.Delete {
		t := transformedFrom(incoming)
		t.Type = op.Delete
		t.Before = current.Clone()
		t.After = nil
		committed := commit(doc, t)
		return Result{Op: committed, Rebroadcast: true, Transformed: true}, nil
	}
	if !alive {
		t := transformedFrom(incoming)
		t.Type = op.Delete
		t.Before = nil
		t.After = nil
		committed := commit(doc, t)
		return Result{Op: committed, Rebroadcast: true, Transformed: true, DeleteWins: true}, nil
	}

	// Field-level merge: the incoming operation overwrites exactly the
	// fields it changed (it commits last, so it wins those), and inherits
	// the current values for everything else. Fields the incoming op
	// removed are removed from the merge too.
	merged := current.Clone()
	for _, f := range incoming.ChangedFields() {
		if v, ok := incoming.After[f]; ok {
			merged[f] = v
		} else {
			delete(merged, f)
		}
	}

	t := transformedFrom(incoming)
	t.Type = incoming.Type
	if t.Type == op.Create {
		// Concurrent create of the same element folds into an update of
		// the surviving one.
		t.Type = op.Update
	}
	t.Before = current.Clone()
	t.After = merged
	committed := commit(doc, t)
	return Result{Op: committed, Rebroadcast: true, Transformed: true}, nil
}

// transformedFrom starts a new operation carrying the submission's identity
// fields, with the submission as causal parent.
func transformedFrom(o op.Operation) op.Operation {
	return op.Operation{
		ID:              o.ID,
		RoomID:          o.RoomID,
		UserID:          o.UserID,
		ElementID:       o.ElementID,
		ClientTimestamp: o.ClientTimestamp,
		BaseSeq:         o.BaseSeq,
		ParentID:        o.ID,
		Clock:           o.Clock.Clone(),
	}
}

func commit(doc *Document, o op.Operation) op.Operation {
	doc.Seq++
	o.ServerSeq = doc.Seq
	if o.ClientTimestamp.IsZero() {
		o.ClientTimestamp = time.Now().UTC()
	}
	doc.Clock.Bump(o.UserID)
	if o.Clock == nil {
		o.Clock = make(op.VectorClock)
	}
	o.Clock.Merge(doc.Clock)

	switch o.Type {
	case op.Delete:
		delete(doc.Elements, o.ElementID)
	default:
		doc.Elements[o.ElementID] = o.After.Clone()
	}
	doc.ElemSeq[o.ElementID] = o.ServerSeq
	doc.Log.Append(o)
	return o
}
