package crdt

import (
	"encoding/json"
	"fmt"
	"sort"

	"nexusServer/backend/internal/clock"
)

// Position is a fractional key: a digit path that always admits another
// key strictly between any two neighbors without renumbering.
type Position []int32

const (
	headDigit = int32(0)
	tailDigit = int32(1) << 30
)

// comparePositions orders digit paths lexicographically, shorter prefix
// first.
func comparePositions(a, b Position) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// positionBetween allocates a key strictly between left and right.
// nil bounds mean the head/tail of the collection. The allocation is a
// pure function of the bounds, so every replica resolving the same
// neighbor pair computes the same key and the (position, timestamp)
// tie-break settles concurrent inserts.
func positionBetween(left, right Position) Position {
	out := make(Position, 0, len(left)+1)
	for depth := 0; ; depth++ {
		lo := headDigit
		if depth < len(left) {
			lo = left[depth]
		}
		hi := tailDigit
		if right != nil && depth < len(right) {
			hi = right[depth]
		}
		switch {
		case hi-lo > 1:
			return append(out, lo+(hi-lo)/2)
		case hi == lo:
			// shared prefix digit, descend on both bounds
			out = append(out, lo)
		default:
			// adjacent digits: stay on the left branch, the right bound
			// no longer constrains deeper levels
			out = append(out, lo)
			right = nil
		}
	}
}

// Element is one slot in an ordered collection. Identity is stable for
// the life of the document: deletion tombstones the slot so later
// operations that reference it still resolve positionally.
type Element struct {
	ID      string          `json:"id"`
	Pos     Position        `json:"pos"`
	Stamp   clock.Timestamp `json:"stamp"` // op that decided the current position
	Value   json.RawMessage `json:"value,omitempty"`
	Removed bool            `json:"removed,omitempty"`
}

type orderedCollection struct {
	elements map[string]*Element
}

func newCollection() *orderedCollection {
	return &orderedCollection{elements: make(map[string]*Element)}
}

// resolveBounds turns neighbor element ids into position bounds.
// Tombstoned neighbors still resolve; that is the point of keeping them.
func (c *orderedCollection) resolveBounds(after, before string) (Position, Position, error) {
	var left, right Position
	if after != "" {
		el, ok := c.elements[after]
		if !ok {
			return nil, nil, fmt.Errorf("%w: element %s", ErrUnknownTarget, after)
		}
		left = el.Pos
	}
	if before != "" {
		el, ok := c.elements[before]
		if !ok {
			return nil, nil, fmt.Errorf("%w: element %s", ErrUnknownTarget, before)
		}
		right = el.Pos
	}
	return left, right, nil
}

func (c *orderedCollection) insert(id string, stamp clock.Timestamp, value json.RawMessage, after, before string) error {
	if _, ok := c.elements[id]; ok {
		// replayed insert: identity already present, keep the placement
		return nil
	}
	left, right, err := c.resolveBounds(after, before)
	if err != nil {
		return err
	}
	c.elements[id] = &Element{
		ID:    id,
		Pos:   positionBetween(left, right),
		Stamp: stamp,
		Value: value,
	}
	return nil
}

func (c *orderedCollection) remove(id string) error {
	el, ok := c.elements[id]
	if !ok {
		return fmt.Errorf("%w: element %s", ErrUnknownTarget, id)
	}
	el.Removed = true
	return nil
}

// move repositions an element. Modeled as delete+insert in one causal
// unit: identity and value survive, only the position key changes.
// Concurrent moves converge because the later stamp wins.
func (c *orderedCollection) move(id string, stamp clock.Timestamp, after, before string) error {
	el, ok := c.elements[id]
	if !ok {
		return fmt.Errorf("%w: element %s", ErrUnknownTarget, id)
	}
	if !stamp.After(el.Stamp) {
		return nil // superseded by a later positioning op
	}
	left, right, err := c.resolveBounds(after, before)
	if err != nil {
		return err
	}
	el.Pos = positionBetween(left, right)
	el.Stamp = stamp
	return nil
}

// ordered returns all elements, tombstones included, in convergent
// (position, timestamp) order.
func (c *orderedCollection) ordered() []*Element {
	out := make([]*Element, 0, len(c.elements))
	for _, el := range c.elements {
		out = append(out, el)
	}
	sort.Slice(out, func(i, j int) bool {
		if cmp := comparePositions(out[i].Pos, out[j].Pos); cmp != 0 {
			return cmp < 0
		}
		return out[i].Stamp.Before(out[j].Stamp)
	})
	return out
}

func (c *orderedCollection) state() []Element {
	els := c.ordered()
	out := make([]Element, 0, len(els))
	for _, el := range els {
		out = append(out, Element{
			ID:      el.ID,
			Pos:     append(Position(nil), el.Pos...),
			Stamp:   el.Stamp,
			Value:   append(json.RawMessage(nil), el.Value...),
			Removed: el.Removed,
		})
	}
	return out
}

func (c *orderedCollection) merge(other []Element) {
	for i := range other {
		o := other[i]
		el, ok := c.elements[o.ID]
		if !ok {
			c.elements[o.ID] = &Element{
				ID:      o.ID,
				Pos:     append(Position(nil), o.Pos...),
				Stamp:   o.Stamp,
				Value:   append(json.RawMessage(nil), o.Value...),
				Removed: o.Removed,
			}
			continue
		}
		if o.Stamp.After(el.Stamp) {
			el.Pos = append(Position(nil), o.Pos...)
			el.Stamp = o.Stamp
		}
		if o.Removed {
			el.Removed = true
		}
	}
}
