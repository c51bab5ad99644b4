package crdt

import (
	"encoding/json"

	"nexusServer/backend/internal/clock"
)

// DocumentState is an immutable point-in-time view of a Document. It
// carries enough (winner ids, position stamps, tombstones, capped
// history) to be merged into another replica, persisted as a snapshot,
// or handed to the rendering side, which only reads the values.
type DocumentState struct {
	Version  clock.Version          `json:"version"`
	Entities map[string]EntityState `json:"entities"`
}

type EntityState struct {
	Kind    string                `json:"kind"`
	Deleted bool                  `json:"deleted,omitempty"`
	Fields  map[string]FieldState `json:"fields,omitempty"`
	Lists   map[string][]Element  `json:"lists,omitempty"`
}

type FieldState struct {
	Value   json.RawMessage `json:"value,omitempty"`
	ID      clock.Timestamp `json:"id"`
	History []Write         `json:"history,omitempty"`
}

// Snapshot builds a copy-on-read state. O(entities); safe to call
// between merges since everything is copied out.
func (d *Document) Snapshot() DocumentState {
	st := DocumentState{
		Version:  d.version.Copy(),
		Entities: make(map[string]EntityState, len(d.entities)),
	}
	for id, ent := range d.entities {
		es := EntityState{Kind: ent.kind, Deleted: ent.tombstone}
		if len(ent.fields) > 0 {
			es.Fields = make(map[string]FieldState, len(ent.fields))
			for name, reg := range ent.fields {
				es.Fields[name] = reg.state()
			}
		}
		if len(ent.lists) > 0 {
			es.Lists = make(map[string][]Element, len(ent.lists))
			for name, col := range ent.lists {
				es.Lists[name] = col.state()
			}
		}
		st.Entities[id] = es
	}
	return st
}

// Merge folds a full replica state into this document element-wise with
// the same winner rules as Apply. Used for catch-up after an offline
// period longer than the retained log.
func (d *Document) Merge(other DocumentState) {
	for id, es := range other.Entities {
		ent := d.entities[id]
		if ent == nil {
			ent = &entity{
				kind:   es.Kind,
				fields: make(map[string]*register),
				lists:  make(map[string]*orderedCollection),
			}
			d.entities[id] = ent
		}
		if es.Deleted {
			ent.tombstone = true
		}
		for name, fs := range es.Fields {
			reg := ent.fields[name]
			if reg == nil {
				reg = newRegister(d.historyCap)
				ent.fields[name] = reg
			}
			reg.merge(fs)
		}
		for name, els := range es.Lists {
			col := ent.lists[name]
			if col == nil {
				col = newCollection()
				ent.lists[name] = col
			}
			col.merge(els)
		}
	}
	d.version.Merge(other.Version)
	d.drainPending()
}

// FromState rebuilds a replica from a persisted snapshot.
func FromState(st DocumentState) *Document {
	d := NewDocument()
	d.Merge(st)
	return d
}
