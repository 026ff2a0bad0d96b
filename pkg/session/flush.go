package session

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meridian-data/meridian-engine/pkg/apperrors"
	"github.com/meridian-data/meridian-engine/pkg/schema"
)

// Flush writes all pending inserts, updates, and deletes to the database
// inside a savepoint. Inserts run parents-before-children by topological
// order of the foreign-key graph; generated keys are written back into
// entities and propagated to linked children. The transaction stays open
// and Flush may be called again before Commit.
//
// Any failure rolls back to the pre-flush savepoint and reverts in-memory
// side effects, leaving the session Open with the pending change sets
// intact for inspection and retry. A lost connection instead forces the
// session to rolled back.
func (s *Session) Flush(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	dirty := s.dirtyEntities()
	if len(s.pending) == 0 && len(dirty) == 0 && len(s.removed) == 0 {
		return nil
	}

	groups, err := s.orderPending()
	if err != nil {
		return err
	}

	s.flushSeq++
	spName := fmt.Sprintf("meridian_flush_%d", s.flushSeq)
	if err := s.conn.Savepoint(ctx, spName); err != nil {
		s.forceClose(err)
		return fmt.Errorf("flush savepoint: %w", err)
	}

	s.state = StateFlushing
	s.journal = s.newJournal()
	defer func() { s.journal = nil }()

	if err := s.applyChanges(ctx, groups, dirty); err != nil {
		if s.state != StateFlushing {
			// Connection lost mid-flush; the session is already closed.
			return err
		}
		s.journal.revert(s)
		if rbErr := s.conn.RollbackTo(ctx, spName); rbErr != nil {
			s.forceClose(rbErr)
			return fmt.Errorf("flush failed and savepoint rollback failed: %w", rbErr)
		}
		s.state = StateOpen
		return err
	}

	if err := s.conn.ReleaseSavepoint(ctx, spName); err != nil {
		s.forceClose(err)
		return fmt.Errorf("release flush savepoint: %w", err)
	}

	// Deletes leave the identity map only once the whole flush succeeded.
	for _, entity := range s.removed {
		meta, err := s.registry.Lookup(entity)
		if err != nil {
			continue
		}
		k := s.keyOf(meta, entity)
		s.identity.remove(k)
		delete(s.snapshots, k)
		delete(s.related, k)
		delete(s.forbidden, k)
	}
	s.pending = nil
	s.links = nil
	s.removed = nil
	s.state = StateOpen

	s.logger.Debug("flush complete",
		zap.Int("inserted", countEntities(groups)),
		zap.Int("updated", len(dirty)))
	return nil
}

func (s *Session) applyChanges(ctx context.Context, groups []flushGroup, dirty []any) error {
	for _, group := range groups {
		for _, entity := range group.entities {
			if err := s.insertOne(ctx, group.meta, entity); err != nil {
				return err
			}
		}
	}
	for _, entity := range dirty {
		if err := s.updateOne(ctx, entity); err != nil {
			return err
		}
	}
	for _, entity := range s.removed {
		if err := s.deleteOne(ctx, entity); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) insertOne(ctx context.Context, meta *schema.Meta, entity any) error {
	// Resolve deferred foreign keys now that parents are flushed.
	for _, l := range s.links {
		if l.child != entity {
			continue
		}
		parentMeta, err := s.registry.Lookup(l.parent)
		if err != nil {
			return err
		}
		if parentMeta.HasZeroKey(l.parent) {
			return fmt.Errorf("entity %s: linked parent %s has no key at insert time",
				meta.Name, parentMeta.Name)
		}
		if err := s.journal.setColumn(s, meta, entity, l.fkColumn, parentMeta.PrimaryKey(l.parent)); err != nil {
			return err
		}
	}

	pk := meta.PKColumn()
	if !pk.Generated && meta.HasZeroKey(entity) {
		// Client-side key generation covers uuid primary keys; anything
		// else must be assigned by the caller.
		field := meta.Type.Field(pk.FieldIndex)
		if field.Type != reflect.TypeOf(uuid.UUID{}) {
			return fmt.Errorf("entity %s: primary key %q is zero and not generated", meta.Name, pk.Name)
		}
		if err := s.journal.setColumn(s, meta, entity, pk.Name, uuid.New()); err != nil {
			return err
		}
	}
	if vcol, ok := meta.VersionColumn(); ok {
		if current, _ := meta.ColumnValue(entity, vcol.Name); isZeroValue(current) {
			if err := s.journal.setColumn(s, meta, entity, vcol.Name, 1); err != nil {
				return err
			}
		}
	}

	dialect := s.pool.Dialect()
	var columns, placeholders []string
	var args []any
	var returning []string
	for _, col := range meta.Columns {
		if col.Generated {
			returning = append(returning, col.Name)
			continue
		}
		value, err := meta.ColumnValue(entity, col.Name)
		if err != nil {
			return err
		}
		args = append(args, value)
		columns = append(columns, dialect.QuoteIdentifier(col.Name))
		placeholders = append(placeholders, dialect.Placeholder(len(args)))
	}

	sqlText := dialect.InsertReturning(dialect.QuoteIdentifier(meta.Table), columns, placeholders, returning)
	result, err := s.execute(ctx, sqlText, args...)
	if err != nil {
		return err
	}

	if len(returning) > 0 {
		if len(result.Rows) == 0 {
			return fmt.Errorf("entity %s: insert returned no generated key", meta.Name)
		}
		if err := s.journal.setColumn(s, meta, entity, pk.Name, result.Rows[0][pk.Name]); err != nil {
			return err
		}
	}

	k := s.keyOf(meta, entity)
	s.identity.put(k, entity, true)
	s.track(meta, k, entity)
	return nil
}

func (s *Session) updateOne(ctx context.Context, entity any) error {
	meta, err := s.registry.Lookup(entity)
	if err != nil {
		return err
	}
	k := s.keyOf(meta, entity)
	changed := changedColumns(meta, entity, s.snapshots[k])
	if len(changed) == 0 {
		return nil
	}

	dialect := s.pool.Dialect()
	var sets []string
	var args []any
	for _, col := range changed {
		value, err := meta.ColumnValue(entity, col)
		if err != nil {
			return err
		}
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = %s", dialect.QuoteIdentifier(col), dialect.Placeholder(len(args))))
	}

	vcol, hasVersion := meta.VersionColumn()
	var oldVersion int64
	if hasVersion {
		current, err := meta.ColumnValue(entity, vcol.Name)
		if err != nil {
			return err
		}
		if v := reflect.ValueOf(current); v.CanUint() {
			oldVersion = int64(v.Uint())
		} else {
			oldVersion = v.Int()
		}
		args = append(args, oldVersion+1)
		sets = append(sets, fmt.Sprintf("%s = %s", dialect.QuoteIdentifier(vcol.Name), dialect.Placeholder(len(args))))
	}

	args = append(args, meta.PrimaryKey(entity))
	where := fmt.Sprintf("%s = %s", dialect.QuoteIdentifier(meta.PKColumn().Name), dialect.Placeholder(len(args)))
	if hasVersion {
		args = append(args, oldVersion)
		where += fmt.Sprintf(" AND %s = %s", dialect.QuoteIdentifier(vcol.Name), dialect.Placeholder(len(args)))
	}

	sqlText := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		dialect.QuoteIdentifier(meta.Table), strings.Join(sets, ", "), where)
	result, err := s.execute(ctx, sqlText, args...)
	if err != nil {
		return err
	}
	if hasVersion && result.RowsAffected == 0 {
		return &apperrors.StaleDataError{Entity: meta.Name, Key: meta.PrimaryKey(entity)}
	}

	if hasVersion {
		if err := s.journal.setColumn(s, meta, entity, vcol.Name, oldVersion+1); err != nil {
			return err
		}
	}
	s.track(meta, k, entity)
	return nil
}

func (s *Session) deleteOne(ctx context.Context, entity any) error {
	meta, err := s.registry.Lookup(entity)
	if err != nil {
		return err
	}

	dialect := s.pool.Dialect()
	args := []any{meta.PrimaryKey(entity)}
	where := fmt.Sprintf("%s = %s", dialect.QuoteIdentifier(meta.PKColumn().Name), dialect.Placeholder(1))

	vcol, hasVersion := meta.VersionColumn()
	if hasVersion {
		current, err := meta.ColumnValue(entity, vcol.Name)
		if err != nil {
			return err
		}
		args = append(args, current)
		where += fmt.Sprintf(" AND %s = %s", dialect.QuoteIdentifier(vcol.Name), dialect.Placeholder(2))
	}

	sqlText := fmt.Sprintf("DELETE FROM %s WHERE %s", dialect.QuoteIdentifier(meta.Table), where)
	result, err := s.execute(ctx, sqlText, args...)
	if err != nil {
		return err
	}
	if hasVersion && result.RowsAffected == 0 {
		return &apperrors.StaleDataError{Entity: meta.Name, Key: meta.PrimaryKey(entity)}
	}
	return nil
}

// flushGroup is the pending inserts of one entity type, in Add order.
type flushGroup struct {
	meta     *schema.Meta
	entities []any
}

// orderPending groups pending inserts by type and orders the types so
// every parent type precedes the child types holding foreign keys to it.
// A cycle in the foreign-key graph of the pending types is a modeling
// error and fails the flush before any statement runs.
func (s *Session) orderPending() ([]flushGroup, error) {
	byType := make(map[*schema.Meta][]any)
	var order []*schema.Meta
	for _, entity := range s.pending {
		meta, err := s.registry.Lookup(entity)
		if err != nil {
			return nil, err
		}
		if _, seen := byType[meta]; !seen {
			order = append(order, meta)
		}
		byType[meta] = append(byType[meta], entity)
	}

	// edges[a] lists types that must insert after a.
	edges := make(map[*schema.Meta][]*schema.Meta)
	pendingSet := make(map[*schema.Meta]bool, len(order))
	for _, meta := range order {
		pendingSet[meta] = true
	}
	for _, meta := range order {
		for _, rel := range meta.Relationships() {
			if rel.JoinTable != "" {
				continue
			}
			target, err := s.registry.Lookup(rel.Target)
			if err != nil {
				return nil, err
			}
			if !pendingSet[target] || target == meta {
				continue
			}
			if rel.Cardinality == schema.Many {
				// FK on the target: this type first.
				edges[meta] = append(edges[meta], target)
			} else {
				// FK on this type: target first.
				edges[target] = append(edges[target], meta)
			}
		}
	}

	indegree := make(map[*schema.Meta]int, len(order))
	for _, targets := range edges {
		for _, t := range targets {
			indegree[t]++
		}
	}

	// Kahn's algorithm, always taking the earliest-added ready type so
	// insert order stays stable when no dependency forces otherwise.
	processed := make(map[*schema.Meta]bool, len(order))
	var sorted []*schema.Meta
	for len(sorted) < len(order) {
		var next *schema.Meta
		for _, meta := range order {
			if !processed[meta] && indegree[meta] == 0 {
				next = meta
				break
			}
		}
		if next == nil {
			return nil, &apperrors.CyclicDependencyError{Cycle: s.findCycle(order, edges, processed)}
		}
		processed[next] = true
		sorted = append(sorted, next)
		for _, t := range edges[next] {
			indegree[t]--
		}
	}

	groups := make([]flushGroup, 0, len(sorted))
	for _, meta := range sorted {
		groups = append(groups, flushGroup{meta: meta, entities: byType[meta]})
	}
	return groups, nil
}

// findCycle walks the dependency edges among the unprocessed types until
// a type repeats, yielding the cycle path for the error message.
func (s *Session) findCycle(order []*schema.Meta, edges map[*schema.Meta][]*schema.Meta, processed map[*schema.Meta]bool) []string {
	var start *schema.Meta
	for _, meta := range order {
		if !processed[meta] {
			start = meta
			break
		}
	}
	seen := make(map[*schema.Meta]int)
	var path []*schema.Meta
	current := start
	for {
		if at, ok := seen[current]; ok {
			var names []string
			for _, meta := range path[at:] {
				names = append(names, meta.Name)
			}
			return append(names, current.Name)
		}
		seen[current] = len(path)
		path = append(path, current)
		advanced := false
		for _, next := range edges[current] {
			if !processed[next] {
				current = next
				advanced = true
				break
			}
		}
		if !advanced {
			// Should not happen: every unprocessed type sits on a cycle.
			var names []string
			for _, meta := range path {
				names = append(names, meta.Name)
			}
			return names
		}
	}
}

func countEntities(groups []flushGroup) int {
	n := 0
	for _, g := range groups {
		n += len(g.entities)
	}
	return n
}

func isZeroValue(v any) bool {
	if v == nil {
		return true
	}
	return reflect.ValueOf(v).IsZero()
}

func isPointer(v any) bool {
	return reflect.ValueOf(v).Kind() == reflect.Pointer
}

func structTypeOf(v any) reflect.Type {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

// valuesEqual compares snapshot and current column values. time.Time
// compares by instant so monotonic-clock noise never reads as a change.
func valuesEqual(a, b any) bool {
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.Equal(tb)
		}
	}
	return reflect.DeepEqual(a, b)
}
