package crdt

import (
	"encoding/json"
	"errors"

	"nexusServer/backend/internal/clock"
)

type Kind string

const (
	KindSet    Kind = "set"    // write a field register
	KindInsert Kind = "insert" // insert an element into an ordered collection
	KindDelete Kind = "delete" // tombstone an element, or a whole entity when Field is empty
	KindMove   Kind = "move"   // reposition an existing element (one causal unit)
)

var (
	ErrUnknownTarget = errors.New("UNKNOWN_TARGET")
	ErrBadOperation  = errors.New("BAD_OPERATION")
)

// Path addresses a field register or a collection element inside one
// content entity. EntityKind rides along so the entity can be created on
// first write and the field validated against its schema.
type Path struct {
	Entity     string `json:"entity"`
	EntityKind string `json:"entityKind,omitempty"`
	Field      string `json:"field,omitempty"`
	Element    string `json:"element,omitempty"`
}

// Operation is the unit of replication. Immutable once created and
// content-addressed by ID; Deps is the causal context: every listed
// timestamp must be applied before this operation is merged.
type Operation struct {
	ID        clock.Timestamp `json:"id"`
	ProjectID string          `json:"projectId"`
	Target    Path            `json:"target"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`

	// After/Before name the neighbor element ids for insert/move.
	// Empty After means head of the collection, empty Before means tail.
	After  string            `json:"after,omitempty"`
	Before string            `json:"before,omitempty"`
	Deps   []clock.Timestamp `json:"deps,omitempty"`
}
