package session

import (
	"github.com/meridian-data/meridian-engine/pkg/schema"
)

// fieldWrite is one entity field mutation made during flush: a generated
// key written back, a uuid key assignment, a propagated foreign key, or a
// version bump.
type fieldWrite struct {
	meta   *schema.Meta
	entity any
	column string
	old    any
}

// flushJournal captures everything a flush changes in memory so a failed
// flush can put the session back exactly as it was: entity field writes,
// identity-map additions, and snapshot updates. The database side is
// handled separately by the flush savepoint.
type flushJournal struct {
	writes     []fieldWrite
	trackedLen int
	snapshots  map[identityKey]map[string]any
	identity   map[identityKey]any
}

// newJournal snapshots the session's tracking state. The inner snapshot
// maps are never mutated in place (track replaces them wholesale), so a
// shallow copy of the outer maps is enough.
func (s *Session) newJournal() *flushJournal {
	j := &flushJournal{
		trackedLen: len(s.tracked),
		snapshots:  make(map[identityKey]map[string]any, len(s.snapshots)),
		identity:   make(map[identityKey]any, s.identity.len()),
	}
	for k, v := range s.snapshots {
		j.snapshots[k] = v
	}
	for k, v := range s.identity.entries {
		j.identity[k] = v
	}
	return j
}

// setColumn journals the field's current value, then writes the new one.
func (j *flushJournal) setColumn(s *Session, meta *schema.Meta, entity any, column string, value any) error {
	old, err := meta.ColumnValue(entity, column)
	if err != nil {
		return err
	}
	if err := meta.SetColumnValue(entity, column, value); err != nil {
		return err
	}
	j.writes = append(j.writes, fieldWrite{meta: meta, entity: entity, column: column, old: old})
	return nil
}

// revert undoes all journaled side effects, newest first.
func (j *flushJournal) revert(s *Session) {
	for i := len(j.writes) - 1; i >= 0; i-- {
		w := j.writes[i]
		// The old value came off this same field, so the write-back
		// cannot fail conversion.
		_ = w.meta.SetColumnValue(w.entity, w.column, w.old)
	}
	s.tracked = s.tracked[:j.trackedLen]
	s.snapshots = j.snapshots
	s.identity.entries = j.identity
}
