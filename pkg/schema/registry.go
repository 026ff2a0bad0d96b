// Package schema holds the entity metadata the engine works from: which
// struct maps to which table, which field is the primary key, and how
// entities relate to each other. A Registry is built once at startup and
// is immutable afterwards; sessions receive it by reference.
package schema

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/jinzhu/inflection"

	"github.com/meridian-data/meridian-engine/pkg/apperrors"
)

// Cardinality states how many related entities a relationship resolves to.
type Cardinality string

const (
	One  Cardinality = "one"
	Many Cardinality = "many"
)

// LoadStrategy selects how a relationship is resolved.
type LoadStrategy string

const (
	// LoadJoin resolves the relationship in the parent query itself with a
	// single LEFT JOIN. Best for to-one relationships on small result sets.
	LoadJoin LoadStrategy = "join"
	// LoadBatch resolves the relationship for a whole result set with one
	// additional IN (...) query, avoiding the N+1 pattern.
	LoadBatch LoadStrategy = "batch"
	// LoadLazy defers resolution until the relationship is first accessed
	// through Session.Load, one query per access.
	LoadLazy LoadStrategy = "lazy"
	// LoadForbid makes any access to the relationship fail. Used to audit
	// queries that must not traverse an expensive relationship.
	LoadForbid LoadStrategy = "forbid"
)

// Relationship declares a named traversal from one entity type to another.
// For Many, ForeignKey names the column on the target (child) table that
// references this entity's primary key. For One, ForeignKey names the
// column on this entity's own table that references the target's primary
// key. Many-to-many traversals set JoinTable plus both join columns and
// leave ForeignKey empty.
type Relationship struct {
	Name        string
	Target      any // zero value or pointer of the target entity type
	Cardinality Cardinality
	ForeignKey  string
	JoinTable   string // many-to-many only
	JoinSource  string // join-table column referencing this entity
	JoinTarget  string // join-table column referencing the target entity
	Strategy    LoadStrategy
}

// EntityDef declares one entity type for registration. Prototype is a zero
// value (or pointer to one) of the mapped struct; its db tags drive the
// column mapping. Table is optional; when empty the table name is inferred
// from the struct name (snake_case, pluralized).
type EntityDef struct {
	Prototype     any
	Table         string
	Relationships []Relationship
}

// Column maps one struct field to a table column.
type Column struct {
	Name       string
	FieldIndex int
	PK         bool
	Generated  bool // server-generated key, read back after insert
	Version    bool // optimistic-lock version column
}

// Meta is the compiled, immutable metadata for one registered entity type.
type Meta struct {
	Name    string // struct name, used in errors and identity keys
	Table   string
	Type    reflect.Type // the struct type (not pointer)
	Columns []Column

	pk            *Column
	version       *Column
	byColumn      map[string]*Column
	relationships map[string]*Relationship
	relOrder      []string
}

// Registry is the immutable set of registered entity types, keyed by
// struct type. Safe for concurrent use.
type Registry struct {
	byType map[reflect.Type]*Meta
	byName map[string]*Meta
}

// NewRegistry compiles entity definitions into an immutable registry.
// All relationship targets must themselves be registered; a dangling
// target is a configuration error and fails registration.
func NewRegistry(defs ...EntityDef) (*Registry, error) {
	r := &Registry{
		byType: make(map[reflect.Type]*Meta, len(defs)),
		byName: make(map[string]*Meta, len(defs)),
	}

	for _, def := range defs {
		meta, err := compile(def)
		if err != nil {
			return nil, err
		}
		if _, dup := r.byType[meta.Type]; dup {
			return nil, fmt.Errorf("entity %s registered twice", meta.Name)
		}
		r.byType[meta.Type] = meta
		r.byName[meta.Name] = meta
	}

	// Validate relationships once all types are known.
	for _, meta := range r.byType {
		for _, relName := range meta.relOrder {
			rel := meta.relationships[relName]
			target, err := r.Lookup(rel.Target)
			if err != nil {
				return nil, fmt.Errorf("entity %s relationship %q: target %w",
					meta.Name, rel.Name, err)
			}
			if rel.JoinTable != "" {
				if rel.JoinSource == "" || rel.JoinTarget == "" {
					return nil, fmt.Errorf("entity %s relationship %q: join table requires both join columns",
						meta.Name, rel.Name)
				}
				continue
			}
			if rel.ForeignKey == "" {
				return nil, fmt.Errorf("entity %s relationship %q: foreign key column required",
					meta.Name, rel.Name)
			}
			// The FK column lives on the child side: the target for Many,
			// this entity for One.
			owner := meta
			if rel.Cardinality == Many {
				owner = target
			}
			if owner.byColumn[rel.ForeignKey] == nil {
				return nil, fmt.Errorf("entity %s relationship %q: foreign key column %q not mapped on %s",
					meta.Name, rel.Name, rel.ForeignKey, owner.Name)
			}
		}
	}

	return r, nil
}

// Lookup resolves the metadata for an entity value, pointer, or type.
func (r *Registry) Lookup(entity any) (*Meta, error) {
	t := structType(entity)
	if t == nil {
		return nil, fmt.Errorf("%w: %T is not a struct", apperrors.ErrNotRegistered, entity)
	}
	meta, ok := r.byType[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrNotRegistered, t.Name())
	}
	return meta, nil
}

// LookupName resolves metadata by registered struct name.
func (r *Registry) LookupName(name string) (*Meta, error) {
	meta, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrNotRegistered, name)
	}
	return meta, nil
}

// Entities returns the registered metadata in no particular order.
func (r *Registry) Entities() []*Meta {
	out := make([]*Meta, 0, len(r.byType))
	for _, m := range r.byType {
		out = append(out, m)
	}
	return out
}

// Relationship resolves a declared relationship by name.
func (m *Meta) Relationship(name string) (*Relationship, error) {
	rel, ok := m.relationships[name]
	if !ok {
		return nil, fmt.Errorf("entity %s has no relationship %q", m.Name, name)
	}
	return rel, nil
}

// Relationships returns the declared relationships in declaration order.
func (m *Meta) Relationships() []*Relationship {
	out := make([]*Relationship, 0, len(m.relOrder))
	for _, name := range m.relOrder {
		out = append(out, m.relationships[name])
	}
	return out
}

// PKColumn returns the primary-key column.
func (m *Meta) PKColumn() Column {
	return *m.pk
}

// VersionColumn returns the optimistic-lock column and whether one is declared.
func (m *Meta) VersionColumn() (Column, bool) {
	if m.version == nil {
		return Column{}, false
	}
	return *m.version, true
}

// ColumnByName resolves a mapped column, or false when the name is unmapped.
func (m *Meta) ColumnByName(name string) (Column, bool) {
	c, ok := m.byColumn[name]
	if !ok {
		return Column{}, false
	}
	return *c, true
}

func compile(def EntityDef) (*Meta, error) {
	t := structType(def.Prototype)
	if t == nil {
		return nil, fmt.Errorf("prototype %T is not a struct", def.Prototype)
	}

	meta := &Meta{
		Name:          t.Name(),
		Table:         def.Table,
		Type:          t,
		byColumn:      make(map[string]*Column),
		relationships: make(map[string]*Relationship),
	}
	if meta.Table == "" {
		meta.Table = inflection.Plural(snakeCase(t.Name()))
	}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		tag := field.Tag.Get("db")
		if tag == "-" {
			continue
		}

		name, opts := parseTag(tag)
		if name == "" {
			name = snakeCase(field.Name)
		}

		col := Column{Name: name, FieldIndex: i}
		for _, opt := range opts {
			switch opt {
			case "pk":
				col.PK = true
			case "generated":
				col.Generated = true
			case "version":
				col.Version = true
			default:
				return nil, fmt.Errorf("entity %s field %s: unknown db tag option %q",
					meta.Name, field.Name, opt)
			}
		}
		if col.Generated && !col.PK {
			return nil, fmt.Errorf("entity %s field %s: generated is only valid on the primary key",
				meta.Name, field.Name)
		}

		meta.Columns = append(meta.Columns, col)
		stored := &meta.Columns[len(meta.Columns)-1]
		if _, dup := meta.byColumn[name]; dup {
			return nil, fmt.Errorf("entity %s: column %q mapped twice", meta.Name, name)
		}
		meta.byColumn[name] = stored
		if col.PK {
			if meta.pk != nil {
				return nil, fmt.Errorf("entity %s: multiple primary key columns", meta.Name)
			}
			meta.pk = stored
		}
		if col.Version {
			if meta.version != nil {
				return nil, fmt.Errorf("entity %s: multiple version columns", meta.Name)
			}
			meta.version = stored
		}
	}

	if meta.pk == nil {
		return nil, fmt.Errorf("entity %s: no primary key column (tag a field with db:\"col,pk\")", meta.Name)
	}
	if meta.version != nil {
		kind := t.Field(meta.version.FieldIndex).Type.Kind()
		if kind < reflect.Int || kind > reflect.Uint64 {
			return nil, fmt.Errorf("entity %s: version column must be an integer field", meta.Name)
		}
	}

	for i := range def.Relationships {
		rel := def.Relationships[i]
		if rel.Name == "" {
			return nil, fmt.Errorf("entity %s: relationship with empty name", meta.Name)
		}
		if rel.Cardinality != One && rel.Cardinality != Many {
			return nil, fmt.Errorf("entity %s relationship %q: cardinality must be one or many",
				meta.Name, rel.Name)
		}
		if rel.Strategy == "" {
			rel.Strategy = LoadLazy
		}
		if _, dup := meta.relationships[rel.Name]; dup {
			return nil, fmt.Errorf("entity %s: relationship %q declared twice", meta.Name, rel.Name)
		}
		meta.relationships[rel.Name] = &rel
		meta.relOrder = append(meta.relOrder, rel.Name)
	}

	return meta, nil
}

func parseTag(tag string) (name string, opts []string) {
	if tag == "" {
		return "", nil
	}
	parts := strings.Split(tag, ",")
	name = parts[0]
	for _, opt := range parts[1:] {
		if opt != "" {
			opts = append(opts, opt)
		}
	}
	return name, opts
}

// structType unwraps pointers and returns the struct type, or nil for
// anything that is not a struct.
func structType(v any) reflect.Type {
	var t reflect.Type
	switch typed := v.(type) {
	case reflect.Type:
		t = typed
	default:
		t = reflect.TypeOf(v)
	}
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil
	}
	return t
}

// snakeCase converts CamelCase to snake_case. Runs of capitals collapse
// into one word (HTTPServer -> http_server).
func snakeCase(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && (runes[i-1] < 'A' || runes[i-1] > 'Z' ||
				(i+1 < len(runes) && runes[i+1] >= 'a' && runes[i+1] <= 'z')) {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
