package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/meridian-data/meridian-engine/pkg/driver"
	"github.com/meridian-data/meridian-engine/pkg/query"
	"github.com/meridian-data/meridian-engine/pkg/schema"
)

// Query executes an entity query and returns hydrated, identity-tracked
// instances. Rows already loaded in this session come back as the same
// instances. Relationship strategies from the query's With overrides (or
// the descriptors' defaults) run before Query returns.
//
// Limit(0) short-circuits to an empty result without touching the
// database.
func (s *Session) Query(ctx context.Context, q *query.Query) ([]any, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	meta, err := s.registry.Lookup(q.Entity())
	if err != nil {
		return nil, err
	}
	if q.IsAggregate() {
		return nil, fmt.Errorf("aggregate queries return rows, not entities; use QueryRows")
	}
	if q.LimitCount() == 0 {
		return nil, nil
	}

	compiled, err := q.Compile(s.registry, s.pool.Dialect())
	if err != nil {
		return nil, err
	}
	result, err := s.execute(ctx, compiled.SQL, compiled.Args...)
	if err != nil {
		return nil, err
	}

	// Join loading multiplies parent rows per child, so parents always
	// deduplicate by identity key client-side.
	var entities []any
	parents := make([]any, 0, len(result.Rows))
	seen := make(map[identityKey]bool)
	for _, row := range result.Rows {
		entity, err := s.hydrate(meta, row, false)
		if err != nil {
			return nil, err
		}
		parents = append(parents, entity)
		k := s.keyOf(meta, entity)
		if !seen[k] {
			seen[k] = true
			entities = append(entities, entity)
		}
	}

	for _, jl := range compiled.JoinLoads {
		if err := s.attachJoinLoad(meta, jl, result.Rows, parents); err != nil {
			return nil, err
		}
	}

	if err := s.runLoads(ctx, meta, entities, q.Loads()); err != nil {
		return nil, err
	}
	return entities, nil
}

// QueryRows executes a query and returns raw rows. This is the path for
// aggregate and grouped queries, which do not map onto entities.
func (s *Session) QueryRows(ctx context.Context, q *query.Query) ([]map[string]any, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if q.LimitCount() == 0 {
		return nil, nil
	}
	compiled, err := q.Compile(s.registry, s.pool.Dialect())
	if err != nil {
		return nil, err
	}
	result, err := s.execute(ctx, compiled.SQL, compiled.Args...)
	if err != nil {
		return nil, err
	}
	return result.Rows, nil
}

// Raw executes a hand-written statement with {{name}} parameters bound
// through the active dialect. The escape hatch for SQL the builder cannot
// express; rows come back unmapped.
func (s *Session) Raw(ctx context.Context, sqlText string, params map[string]any) (*driver.Result, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	prepared, args, err := query.Named(sqlText, params, s.pool.Dialect())
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, prepared, args...)
}

// attachJoinLoad hydrates the aliased child columns of a join-loaded
// relationship and distributes the children to their parents.
func (s *Session) attachJoinLoad(meta *schema.Meta, jl query.JoinLoad, rows []map[string]any, parents []any) error {
	rel, err := meta.Relationship(jl.Relationship)
	if err != nil {
		return err
	}
	targetMeta, err := s.registry.Lookup(rel.Target)
	if err != nil {
		return err
	}
	pkCol := jl.Prefix + targetMeta.PKColumn().Name

	attached := make(map[identityKey]map[identityKey]bool)
	for i, row := range rows {
		parent := parents[i]
		pk := s.keyOf(meta, parent)
		if attached[pk] == nil {
			// First row for this parent in this query. The join rows are
			// authoritative, so a slice cached by an earlier query is
			// replaced rather than appended to.
			attached[pk] = make(map[identityKey]bool)
			s.setRelated(pk, rel.Name, []any{})
		}
		if row[pkCol] == nil {
			continue // LEFT JOIN miss, parent has no related row
		}

		childRow := make(map[string]any)
		for name, value := range row {
			if strings.HasPrefix(name, jl.Prefix) {
				childRow[strings.TrimPrefix(name, jl.Prefix)] = value
			}
		}
		child, err := s.hydrate(targetMeta, childRow, false)
		if err != nil {
			return err
		}

		ck := s.keyOf(targetMeta, child)
		if attached[pk][ck] {
			continue
		}
		attached[pk][ck] = true
		s.related[pk][rel.Name] = append(s.related[pk][rel.Name], child)
	}
	return nil
}
