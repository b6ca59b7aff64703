package op

// Log is a room's append-only sequence of committed operations, ordered by
// server_sequence. It also remembers which client operation IDs have been
// committed so replays are idempotent.
type Log struct {
	ops  []Operation
	byID map[string]int64 // client operation_id -> server_sequence
}

func NewLog() *Log {
	return &Log{byID: make(map[string]int64)}
}

// Append records a committed operation. The caller has already assigned
// ServerSeq; appends must arrive in sequence order.
func (l *Log) Append(o Operation) {
	l.ops = append(l.ops, o)
	l.byID[o.ID] = o.ServerSeq
}

// Len returns the number of committed operations.
func (l *Log) Len() int { return len(l.ops) }

// CommittedSeq returns the server_sequence previously assigned to a client
// operation ID, if that ID has already been committed.
func (l *Log) CommittedSeq(opID string) (int64, bool) {
	seq, ok := l.byID[opID]
	return seq, ok
}

// Get returns the committed operation with the given server_sequence.
func (l *Log) Get(seq int64) (Operation, bool) {
	for i := len(l.ops) - 1; i >= 0; i-- {
		if l.ops[i].ServerSeq == seq {
			return l.ops[i], true
		}
		if l.ops[i].ServerSeq < seq {
			break
		}
	}
	return Operation{}, false
}

// GetByID returns the committed operation with the given client operation ID.
func (l *Log) GetByID(opID string) (Operation, bool) {
	seq, ok := l.byID[opID]
	if !ok {
		return Operation{}, false
	}
	return l.Get(seq)
}

// SinceForElement returns the committed operations on one element with
// server_sequence greater than afterSeq, in sequence order. This is the
// transform input for a concurrent submission based on afterSeq.
func (l *Log) SinceForElement(elementID string, afterSeq int64) []Operation {
	var out []Operation
	for _, o := range l.ops {
		if o.ServerSeq > afterSeq && o.ElementID == elementID {
			out = append(out, o)
		}
	}
	return out
}

// Since returns every committed operation with server_sequence greater than
// afterSeq, in sequence order.
func (l *Log) Since(afterSeq int64) []Operation {
	var out []Operation
	for _, o := range l.ops {
		if o.ServerSeq > afterSeq {
			out = append(out, o)
		}
	}
	return out
}
