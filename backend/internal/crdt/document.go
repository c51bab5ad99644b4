package crdt

import (
	"fmt"

	"nexusServer/backend/internal/clock"
)

// DefaultHistoryCap bounds per-field tombstone history. Enough for undo
// and audit without unbounded growth; the log keeps the full record
// until compaction anyway.
const DefaultHistoryCap = 16

type entity struct {
	kind      string
	fields    map[string]*register
	lists     map[string]*orderedCollection
	tombstone bool
}

// Document is one replica of a project's content tree: entities holding
// field registers and ordered collections. Applying the same operations
// in any order, any number of times, yields the same visible state.
type Document struct {
	entities   map[string]*entity
	version    clock.Version
	pending    []Operation // buffered until causal dependencies arrive
	historyCap int
}

func NewDocument() *Document {
	return &Document{
		entities:   make(map[string]*entity),
		version:    clock.NewVersion(),
		historyCap: DefaultHistoryCap,
	}
}

// Version is the vector clock of applied operations.
func (d *Document) Version() clock.Version { return d.version.Copy() }

// Applied reports whether the operation id is already merged.
func (d *Document) Applied(id clock.Timestamp) bool { return d.version.Includes(id) }

func (d *Document) depsSatisfied(op Operation) bool {
	for _, dep := range op.Deps {
		if !d.version.Includes(dep) {
			return false
		}
	}
	return true
}

// Validate checks an operation against the current state without
// mutating it. The coordinator calls this before the write-ahead append
// so a rejected op never enters the log.
func (d *Document) Validate(op Operation) error {
	if d.version.Includes(op.ID) {
		return nil // replay, Apply will no-op
	}
	ent, ok := d.entities[op.Target.Entity]
	if !ok {
		// first write creates the entity; only Set and Insert may do so
		if op.Kind == KindSet || op.Kind == KindInsert {
			if err := validateSchema(op); err != nil {
				return err
			}
			if op.Kind == KindInsert && (op.After != "" || op.Before != "") {
				return fmt.Errorf("%w: neighbors named in empty collection", ErrUnknownTarget)
			}
			return nil
		}
		if op.Kind == KindDelete && op.Target.Field == "" {
			return nil // deleting an unknown entity tombstones it outright
		}
		return fmt.Errorf("%w: entity %s", ErrUnknownTarget, op.Target.Entity)
	}
	if ent.tombstone {
		if op.Kind == KindDelete && op.Target.Field == "" {
			return nil // the tombstone itself replays cleanly
		}
		return fmt.Errorf("%w: entity %s is deleted", ErrUnknownTarget, op.Target.Entity)
	}
	if err := validateSchema(op); err != nil {
		return err
	}
	// stateful checks so a validated op cannot fail to apply
	switch op.Kind {
	case KindInsert:
		col := ent.lists[op.Target.Field]
		if col == nil {
			if op.After != "" || op.Before != "" {
				return fmt.Errorf("%w: neighbors named in empty collection", ErrUnknownTarget)
			}
			return nil
		}
		if _, ok := col.elements[op.Target.Element]; ok {
			return nil // replayed insert
		}
		_, _, err := col.resolveBounds(op.After, op.Before)
		return err
	case KindMove:
		col := ent.lists[op.Target.Field]
		if col == nil {
			return fmt.Errorf("%w: collection %s", ErrUnknownTarget, op.Target.Field)
		}
		if _, ok := col.elements[op.Target.Element]; !ok {
			return fmt.Errorf("%w: element %s", ErrUnknownTarget, op.Target.Element)
		}
		_, _, err := col.resolveBounds(op.After, op.Before)
		return err
	case KindDelete:
		if op.Target.Field == "" {
			return nil
		}
		col := ent.lists[op.Target.Field]
		if col == nil {
			return fmt.Errorf("%w: collection %s", ErrUnknownTarget, op.Target.Field)
		}
		if _, ok := col.elements[op.Target.Element]; !ok {
			return fmt.Errorf("%w: element %s", ErrUnknownTarget, op.Target.Element)
		}
	}
	return nil
}

func validateSchema(op Operation) error {
	kind := op.Target.EntityKind
	if kind == "" {
		return fmt.Errorf("%w: missing entity kind for %s", ErrBadOperation, op.Target.Entity)
	}
	schema, ok := entitySchemas[kind]
	if !ok {
		return fmt.Errorf("%w: unknown entity kind %q", ErrBadOperation, kind)
	}
	switch op.Kind {
	case KindSet:
		if _, ok := schema.fields[op.Target.Field]; !ok {
			return fmt.Errorf("%w: %s has no field %q", ErrUnknownTarget, kind, op.Target.Field)
		}
	case KindInsert, KindMove:
		if _, ok := schema.lists[op.Target.Field]; !ok {
			return fmt.Errorf("%w: %s has no collection %q", ErrUnknownTarget, kind, op.Target.Field)
		}
		if op.Target.Element == "" {
			return fmt.Errorf("%w: insert/move without element id", ErrBadOperation)
		}
	case KindDelete:
		if op.Target.Field != "" {
			if _, ok := schema.lists[op.Target.Field]; !ok {
				return fmt.Errorf("%w: %s has no collection %q", ErrUnknownTarget, kind, op.Target.Field)
			}
			if op.Target.Element == "" {
				return fmt.Errorf("%w: element delete without element id", ErrBadOperation)
			}
		}
	default:
		return fmt.Errorf("%w: kind %q", ErrBadOperation, op.Kind)
	}
	return nil
}

// Apply merges one operation. Operations whose causal context is not yet
// satisfied are buffered and drained once their dependencies arrive;
// replays are no-ops. The only rejection is an unknown target.
func (d *Document) Apply(op Operation) error {
	if d.version.Includes(op.ID) {
		return nil
	}
	if !d.depsSatisfied(op) {
		d.buffer(op)
		return nil
	}
	if err := d.applyNow(op); err != nil {
		return err
	}
	d.drainPending()
	return nil
}

func (d *Document) buffer(op Operation) {
	for _, p := range d.pending {
		if p.ID == op.ID {
			return
		}
	}
	d.pending = append(d.pending, op)
}

func (d *Document) drainPending() {
	for progressed := true; progressed; {
		progressed = false
		remaining := d.pending[:0]
		for _, op := range d.pending {
			if d.version.Includes(op.ID) {
				progressed = true
				continue
			}
			if !d.depsSatisfied(op) {
				remaining = append(remaining, op)
				continue
			}
			// a buffered op that fails now targets something deleted
			// concurrently; dropping it is the convergent outcome
			_ = d.applyNow(op)
			progressed = true
		}
		d.pending = remaining
	}
}

func (d *Document) applyNow(op Operation) error {
	if err := d.Validate(op); err != nil {
		return err
	}
	ent := d.entities[op.Target.Entity]
	if ent == nil {
		ent = &entity{
			kind:   op.Target.EntityKind,
			fields: make(map[string]*register),
			lists:  make(map[string]*orderedCollection),
		}
		d.entities[op.Target.Entity] = ent
	}

	switch op.Kind {
	case KindSet:
		reg := ent.fields[op.Target.Field]
		if reg == nil {
			reg = newRegister(d.historyCap)
			ent.fields[op.Target.Field] = reg
		}
		reg.apply(op.ID, op.Payload)

	case KindInsert:
		col := ent.lists[op.Target.Field]
		if col == nil {
			col = newCollection()
			ent.lists[op.Target.Field] = col
		}
		if err := col.insert(op.Target.Element, op.ID, op.Payload, op.After, op.Before); err != nil {
			return err
		}

	case KindMove:
		col := ent.lists[op.Target.Field]
		if col == nil {
			return fmt.Errorf("%w: collection %s", ErrUnknownTarget, op.Target.Field)
		}
		if err := col.move(op.Target.Element, op.ID, op.After, op.Before); err != nil {
			return err
		}

	case KindDelete:
		if op.Target.Field == "" {
			ent.tombstone = true
			break
		}
		col := ent.lists[op.Target.Field]
		if col == nil {
			return fmt.Errorf("%w: collection %s", ErrUnknownTarget, op.Target.Field)
		}
		if err := col.remove(op.Target.Element); err != nil {
			return err
		}
	}

	d.version.Observe(op.ID)
	return nil
}

// FieldWinner returns the id of the visible write for a field, for
// callers assembling causal contexts.
func (d *Document) FieldWinner(entityID, field string) (clock.Timestamp, bool) {
	ent, ok := d.entities[entityID]
	if !ok {
		return clock.Timestamp{}, false
	}
	reg, ok := ent.fields[field]
	if !ok || reg.winner == nil {
		return clock.Timestamp{}, false
	}
	return reg.winner.ID, true
}

// ElementStamp returns the positioning timestamp of a collection
// element, tombstoned or not.
func (d *Document) ElementStamp(entityID, list, elementID string) (clock.Timestamp, bool) {
	ent, ok := d.entities[entityID]
	if !ok {
		return clock.Timestamp{}, false
	}
	col, ok := ent.lists[list]
	if !ok {
		return clock.Timestamp{}, false
	}
	el, ok := col.elements[elementID]
	if !ok {
		return clock.Timestamp{}, false
	}
	return el.Stamp, true
}
