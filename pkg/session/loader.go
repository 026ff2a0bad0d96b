package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/meridian-data/meridian-engine/pkg/apperrors"
	"github.com/meridian-data/meridian-engine/pkg/query"
	"github.com/meridian-data/meridian-engine/pkg/schema"
)

// Load resolves one relationship of a tracked entity. Many relationships
// return []any, One relationships return the related entity or nil.
// Results resolved earlier in this session (eagerly at query time or by a
// previous Load) come from the session cache without a query; a
// relationship forbidden by the originating query fails with
// ErrLoadForbidden.
func (s *Session) Load(ctx context.Context, entity any, relationship string) (any, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	meta, err := s.registry.Lookup(entity)
	if err != nil {
		return nil, err
	}
	rel, err := meta.Relationship(relationship)
	if err != nil {
		return nil, err
	}

	k := s.keyOf(meta, entity)
	if s.forbidden[k][relationship] {
		return nil, fmt.Errorf("%w: %s.%s", apperrors.ErrLoadForbidden, meta.Name, relationship)
	}
	if children, ok := s.relatedOf(k, relationship); ok {
		return relationResult(rel, children), nil
	}

	if err := s.batchLoad(ctx, meta, rel, []any{entity}); err != nil {
		return nil, err
	}
	children, _ := s.relatedOf(k, relationship)
	return relationResult(rel, children), nil
}

func relationResult(rel *schema.Relationship, children []any) any {
	if rel.Cardinality == schema.One {
		if len(children) == 0 {
			return nil
		}
		return children[0]
	}
	if children == nil {
		return []any{}
	}
	return children
}

func (s *Session) setRelated(k identityKey, relationship string, children []any) {
	if s.related[k] == nil {
		s.related[k] = make(map[string][]any)
	}
	s.related[k][relationship] = children
}

func (s *Session) relatedOf(k identityKey, relationship string) ([]any, bool) {
	rels, ok := s.related[k]
	if !ok {
		return nil, false
	}
	children, ok := rels[relationship]
	return children, ok
}

// runLoads applies the effective load strategy of every relationship of
// the queried entity type to a batch of parents. Strategy is chosen per
// traversal: the query's With overrides win, the descriptor's default
// applies otherwise. Dotted override paths ("orders.items") descend to
// the children loaded for the first segment.
func (s *Session) runLoads(ctx context.Context, meta *schema.Meta, parents []any, loads map[string]schema.LoadStrategy) error {
	overrides := make(map[string]schema.LoadStrategy)
	nested := make(map[string]map[string]schema.LoadStrategy)
	for path, strategy := range loads {
		if i := strings.Index(path, "."); i >= 0 {
			head, rest := path[:i], path[i+1:]
			if nested[head] == nil {
				nested[head] = make(map[string]schema.LoadStrategy)
			}
			nested[head][rest] = strategy
		} else {
			overrides[path] = strategy
		}
	}
	for path := range overrides {
		if _, err := meta.Relationship(path); err != nil {
			return err
		}
	}
	for head := range nested {
		if _, err := meta.Relationship(head); err != nil {
			return err
		}
	}

	for _, rel := range meta.Relationships() {
		strategy := rel.Strategy
		if override, ok := overrides[rel.Name]; ok {
			strategy = override
		}

		switch strategy {
		case schema.LoadForbid:
			for _, parent := range parents {
				k := s.keyOf(meta, parent)
				if s.forbidden[k] == nil {
					s.forbidden[k] = make(map[string]bool)
				}
				s.forbidden[k][rel.Name] = true
			}
			continue

		case schema.LoadBatch:
			if err := s.batchLoad(ctx, meta, rel, parents); err != nil {
				return err
			}

		case schema.LoadJoin:
			// Children already attached by the join query itself.

		case schema.LoadLazy:
			continue
		}

		// Recurse into nested traversals with the children just loaded.
		plan := nested[rel.Name]
		if len(plan) == 0 {
			continue
		}
		targetMeta, err := s.registry.Lookup(rel.Target)
		if err != nil {
			return err
		}
		children := s.collectChildren(meta, parents, rel.Name, targetMeta)
		if err := s.runLoads(ctx, targetMeta, children, plan); err != nil {
			return err
		}
	}
	return nil
}

// collectChildren gathers the distinct loaded children of a relationship
// across a parent batch.
func (s *Session) collectChildren(meta *schema.Meta, parents []any, relationship string, targetMeta *schema.Meta) []any {
	var children []any
	seen := make(map[identityKey]bool)
	for _, parent := range parents {
		loaded, ok := s.relatedOf(s.keyOf(meta, parent), relationship)
		if !ok {
			continue
		}
		for _, child := range loaded {
			ck := s.keyOf(targetMeta, child)
			if !seen[ck] {
				seen[ck] = true
				children = append(children, child)
			}
		}
	}
	return children
}

// batchLoad resolves one relationship for a whole parent batch with a
// single IN (...) query, then distributes children to parents by foreign
// key. Zero parents issue zero queries. Children already present in the
// identity map are reused, not rebuilt.
func (s *Session) batchLoad(ctx context.Context, meta *schema.Meta, rel *schema.Relationship, parents []any) error {
	if len(parents) == 0 {
		return nil
	}
	targetMeta, err := s.registry.Lookup(rel.Target)
	if err != nil {
		return err
	}

	if rel.JoinTable != "" {
		return s.batchLoadJoinTable(ctx, meta, rel, targetMeta, parents)
	}
	if rel.Cardinality == schema.Many {
		return s.batchLoadMany(ctx, meta, rel, targetMeta, parents)
	}
	return s.batchLoadOne(ctx, meta, rel, targetMeta, parents)
}

// batchLoadMany handles one-to-many: children carry the foreign key.
func (s *Session) batchLoadMany(ctx context.Context, meta *schema.Meta, rel *schema.Relationship, targetMeta *schema.Meta, parents []any) error {
	keys := make([]any, 0, len(parents))
	seen := make(map[any]bool)
	for _, parent := range parents {
		key := normalizeKey(meta.PrimaryKey(parent))
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}

	q := query.New(rel.Target).Where(query.In(rel.ForeignKey, keys...))
	compiled, err := q.Compile(s.registry, s.pool.Dialect())
	if err != nil {
		return err
	}
	result, err := s.execute(ctx, compiled.SQL, compiled.Args...)
	if err != nil {
		return err
	}

	childrenOf := make(map[any][]any)
	for _, row := range result.Rows {
		child, err := s.hydrate(targetMeta, row, false)
		if err != nil {
			return err
		}
		fk, err := targetMeta.ColumnValue(child, rel.ForeignKey)
		if err != nil {
			return err
		}
		key := normalizeKey(fk)
		childrenOf[key] = append(childrenOf[key], child)
	}

	for _, parent := range parents {
		key := normalizeKey(meta.PrimaryKey(parent))
		children := childrenOf[key]
		if children == nil {
			children = []any{}
		}
		s.setRelated(s.keyOf(meta, parent), rel.Name, children)
	}
	return nil
}

// batchLoadOne handles many-to-one: parents carry the foreign key.
func (s *Session) batchLoadOne(ctx context.Context, meta *schema.Meta, rel *schema.Relationship, targetMeta *schema.Meta, parents []any) error {
	keys := make([]any, 0, len(parents))
	seen := make(map[any]bool)
	for _, parent := range parents {
		fk, err := meta.ColumnValue(parent, rel.ForeignKey)
		if err != nil {
			return err
		}
		if isZeroValue(fk) {
			continue
		}
		key := normalizeKey(fk)
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}

	targetByKey := make(map[any]any)
	if len(keys) > 0 {
		q := query.New(rel.Target).Where(query.In(targetMeta.PKColumn().Name, keys...))
		compiled, err := q.Compile(s.registry, s.pool.Dialect())
		if err != nil {
			return err
		}
		result, err := s.execute(ctx, compiled.SQL, compiled.Args...)
		if err != nil {
			return err
		}
		for _, row := range result.Rows {
			target, err := s.hydrate(targetMeta, row, false)
			if err != nil {
				return err
			}
			targetByKey[normalizeKey(targetMeta.PrimaryKey(target))] = target
		}
	}

	for _, parent := range parents {
		fk, err := meta.ColumnValue(parent, rel.ForeignKey)
		if err != nil {
			return err
		}
		children := []any{}
		if !isZeroValue(fk) {
			if target, ok := targetByKey[normalizeKey(fk)]; ok {
				children = []any{target}
			}
		}
		s.setRelated(s.keyOf(meta, parent), rel.Name, children)
	}
	return nil
}

// batchLoadJoinTable handles many-to-many through the join table, pulling
// the join-source key alongside the child columns for distribution.
func (s *Session) batchLoadJoinTable(ctx context.Context, meta *schema.Meta, rel *schema.Relationship, targetMeta *schema.Meta, parents []any) error {
	keys := make([]any, 0, len(parents))
	seen := make(map[any]bool)
	for _, parent := range parents {
		key := normalizeKey(meta.PrimaryKey(parent))
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}

	columns := make([]string, 0, len(targetMeta.Columns)+1)
	for _, col := range targetMeta.Columns {
		columns = append(columns, col.Name)
	}
	sourceColumn := rel.JoinTable + "." + rel.JoinSource
	columns = append(columns, sourceColumn)

	q := query.New(rel.Target).
		Select(columns...).
		JoinOn(rel.JoinTable, targetMeta.PKColumn().Name, rel.JoinTarget).
		Where(query.In(sourceColumn, keys...))
	compiled, err := q.Compile(s.registry, s.pool.Dialect())
	if err != nil {
		return err
	}
	result, err := s.execute(ctx, compiled.SQL, compiled.Args...)
	if err != nil {
		return err
	}

	childrenOf := make(map[any][]any)
	for _, row := range result.Rows {
		child, err := s.hydrate(targetMeta, row, false)
		if err != nil {
			return err
		}
		parentKey, ok := row[rel.JoinSource]
		if !ok {
			return fmt.Errorf("entity %s relationship %q: join column %q missing from result",
				meta.Name, rel.Name, rel.JoinSource)
		}
		key := normalizeKey(parentKey)
		childrenOf[key] = append(childrenOf[key], child)
	}

	for _, parent := range parents {
		key := normalizeKey(meta.PrimaryKey(parent))
		children := childrenOf[key]
		if children == nil {
			children = []any{}
		}
		s.setRelated(s.keyOf(meta, parent), rel.Name, children)
	}
	return nil
}
