package ot

import (
	"github.com/nirmalarya/autograph-sub004/internal/op"
)

// Document is the authoritative in-memory state of one room's diagram. It is
// only ever touched from inside that room's serialized writer, so it carries
// no locking of its own.
type Document struct {
	Elements map[string]op.State
	// ElemSeq records the server_sequence of the last committed operation
	// per element, including deletes of elements no longer in Elements.
	ElemSeq map[string]int64
	Log     *op.Log
	Seq     int64
	Clock   op.VectorClock
}

func NewDocument() *Document {
	return &Document{
		Elements: make(map[string]op.State),
		ElemSeq:  make(map[string]int64),
		Log:      op.NewLog(),
		Clock:    make(op.VectorClock),
	}
}

// Snapshot returns a copy of the current element map and the sequence it is
// valid at. Late joiners get this instead of the operation log so catch-up
// cost does not grow with room history.
func (d *Document) Snapshot() (map[string]op.State, int64) {
	elems := make(map[string]op.State, len(d.Elements))
	for id, st := range d.Elements {
		elems[id] = st.Clone()
	}
	return elems, d.Seq
}

// Restore seeds the document from an archived snapshot. Used when a process
// picks up a room it does not hold in memory.
func (d *Document) Restore(elements map[string]op.State, seq int64) {
	for id, st := range elements {
		d.Elements[id] = st.Clone()
		d.ElemSeq[id] = seq
	}
	if seq > d.Seq {
		d.Seq = seq
	}
}
