package op

import (
	"time"
)

// Type classifies what an operation does to its element.
type Type string

const (
	Create Type = "create"
	Update Type = "update"
	Delete Type = "delete"
	Move   Type = "move"
)

// Operation is a single change to one diagram element. Operations are
// immutable once committed; the OT engine never edits a committed operation,
// it sequences a new one that names the original as its causal parent.
type Operation struct {
	ID              string      `json:"operation_id"`
	RoomID          string      `json:"room_id"`
	UserID          string      `json:"user_id"`
	ElementID       string      `json:"element_id"`
	Type            Type        `json:"operation_type"`
	Before          State       `json:"before_state,omitempty"`
	After           State       `json:"after_state,omitempty"`
	ClientTimestamp time.Time   `json:"client_timestamp"`
	BaseSeq         int64       `json:"base_seq"`
	ServerSeq       int64       `json:"server_sequence,omitempty"`
	ParentID        string      `json:"parent_id,omitempty"`
	Clock           VectorClock `json:"clock,omitempty"`
}

// Mutates reports whether the operation changes document state. Cursor
// traffic never becomes an Operation, so today every type mutates; the
// check exists so new read-only types cannot slip into the commit path.
func (t Type) Mutates() bool {
	switch t {
	case Create, Update, Delete, Move:
		return true
	}
	return false
}

// ChangedFields returns the element fields this operation touches, in
// deterministic order: fields whose value differs between Before and After,
// plus fields present on only one side.
func (o Operation) ChangedFields() []string {
	return DiffFields(o.Before, o.After)
}

// Inverse constructs the compensating operation for a committed operation.
// The inverse is a brand-new forward operation authored by the same user;
// it is not yet sequenced and must go through OT resolution like any other
// submission. BaseSeq is set to the original's ServerSeq so the engine
// transforms the inverse against everything committed since.
func (o Operation) Inverse(id string) Operation {
	inv := Operation{
		ID:              id,
		RoomID:          o.RoomID,
		UserID:          o.UserID,
		ElementID:       o.ElementID,
		ClientTimestamp: time.Now().UTC(),
		BaseSeq:         o.ServerSeq,
		ParentID:        o.ID,
		Clock:           o.Clock.Clone(),
	}
	switch o.Type {
	case Create:
		inv.Type = Delete
		inv.Before = o.After.Clone()
	case Delete:
		inv.Type = Create
		inv.After = o.Before.Clone()
	case Move:
		inv.Type = Move
		inv.Before = o.After.Clone()
		inv.After = o.Before.Clone()
	default:
		inv.Type = Update
		inv.Before = o.After.Clone()
		inv.After = o.Before.Clone()
	}
	return inv
}
