package crdt

import (
	"encoding/json"
	"sort"

	"nexusServer/backend/internal/clock"
)

// Write is one value written to a register, stamped by the operation
// that produced it.
type Write struct {
	ID    clock.Timestamp `json:"id"`
	Value json.RawMessage `json:"value"`
}

// register is a last-writer-wins field. The visible value belongs to the
// write with the greatest timestamp; superseded writes are kept (capped,
// newest first) as tombstones for audit and undo.
type register struct {
	winner  *Write
	history []Write
	cap     int
}

func newRegister(historyCap int) *register {
	return &register{cap: historyCap}
}

// apply merges one write. Commutative, associative and idempotent:
// replaying the winner's id is a no-op, older writes only touch history.
func (r *register) apply(id clock.Timestamp, value json.RawMessage) {
	if r.winner == nil {
		r.winner = &Write{ID: id, Value: value}
		return
	}
	switch id.Compare(r.winner.ID) {
	case 0:
		return // already applied
	case 1:
		r.pushHistory(*r.winner)
		r.winner = &Write{ID: id, Value: value}
	default:
		r.pushHistory(Write{ID: id, Value: value})
	}
}

// pushHistory keeps superseded writes sorted newest-first, so history
// converges regardless of the order writes arrived in.
func (r *register) pushHistory(w Write) {
	for _, h := range r.history {
		if h.ID == w.ID {
			return
		}
	}
	at := sort.Search(len(r.history), func(i int) bool {
		return r.history[i].ID.Before(w.ID)
	})
	r.history = append(r.history, Write{})
	copy(r.history[at+1:], r.history[at:])
	r.history[at] = w
	if r.cap > 0 && len(r.history) > r.cap {
		r.history = r.history[:r.cap]
	}
}

func (r *register) state() FieldState {
	st := FieldState{}
	if r.winner != nil {
		st.Value = append(json.RawMessage(nil), r.winner.Value...)
		st.ID = r.winner.ID
	}
	for _, h := range r.history {
		st.History = append(st.History, Write{ID: h.ID, Value: append(json.RawMessage(nil), h.Value...)})
	}
	return st
}

func (r *register) merge(other FieldState) {
	if !other.ID.IsZero() {
		r.apply(other.ID, other.Value)
	}
	for _, h := range other.History {
		r.apply(h.ID, h.Value)
	}
}
