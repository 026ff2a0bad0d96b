package schema

import (
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
)

// New returns a pointer to a fresh zero value of the entity struct.
func (m *Meta) New() any {
	return reflect.New(m.Type).Interface()
}

// PrimaryKey reads the primary-key value from an entity instance.
func (m *Meta) PrimaryKey(entity any) any {
	return m.fieldValue(entity, *m.pk)
}

// SetPrimaryKey writes a generated key back into an entity instance.
func (m *Meta) SetPrimaryKey(entity any, key any) error {
	return m.SetColumnValue(entity, m.pk.Name, key)
}

// HasZeroKey reports whether the entity's primary key still holds its
// zero value, meaning the entity has never been flushed.
func (m *Meta) HasZeroKey(entity any) bool {
	v := structValue(entity).Field(m.pk.FieldIndex)
	return v.IsZero()
}

// ColumnValues reads every mapped column from an entity instance.
func (m *Meta) ColumnValues(entity any) map[string]any {
	sv := structValue(entity)
	out := make(map[string]any, len(m.Columns))
	for _, col := range m.Columns {
		out[col.Name] = sv.Field(col.FieldIndex).Interface()
	}
	return out
}

// ColumnValue reads one mapped column from an entity instance.
func (m *Meta) ColumnValue(entity any, column string) (any, error) {
	col, ok := m.byColumn[column]
	if !ok {
		return nil, fmt.Errorf("entity %s has no column %q", m.Name, column)
	}
	return m.fieldValue(entity, *col), nil
}

// SetColumnValue writes one mapped column on an entity instance, applying
// the same driver-value conversions as row hydration. entity must be a
// pointer.
func (m *Meta) SetColumnValue(entity any, column string, value any) error {
	col, ok := m.byColumn[column]
	if !ok {
		return fmt.Errorf("entity %s has no column %q", m.Name, column)
	}
	sv := structValue(entity)
	if !sv.CanSet() {
		return fmt.Errorf("entity %s: cannot set %q on a non-pointer value", m.Name, column)
	}
	field := sv.Field(col.FieldIndex)
	if err := assign(field, value); err != nil {
		return fmt.Errorf("entity %s column %q: %w", m.Name, column, err)
	}
	return nil
}

// Hydrate populates a new entity instance from a driver row. Columns in
// the row that the entity does not map are ignored (join queries carry
// extra columns).
func (m *Meta) Hydrate(row map[string]any) (any, error) {
	entity := m.New()
	sv := structValue(entity)
	for name, value := range row {
		col, ok := m.byColumn[name]
		if !ok {
			continue
		}
		if value == nil {
			continue
		}
		if err := assign(sv.Field(col.FieldIndex), value); err != nil {
			return nil, fmt.Errorf("entity %s column %q: %w", m.Name, name, err)
		}
	}
	return entity, nil
}

func (m *Meta) fieldValue(entity any, col Column) any {
	return structValue(entity).Field(col.FieldIndex).Interface()
}

func structValue(entity any) reflect.Value {
	v := reflect.ValueOf(entity)
	for v.Kind() == reflect.Pointer {
		v = v.Elem()
	}
	return v
}

// assign writes a driver value into a struct field, converting between
// the type families drivers actually return (int64 for all integers,
// []byte or string for text and uuids) and the field's declared type.
func assign(field reflect.Value, value any) error {
	if value == nil {
		field.SetZero()
		return nil
	}
	v := reflect.ValueOf(value)

	// Unwrap pointer fields to their element, allocating as needed.
	if field.Kind() == reflect.Pointer {
		if field.IsNil() {
			field.Set(reflect.New(field.Type().Elem()))
		}
		return assign(field.Elem(), value)
	}

	if v.Type().AssignableTo(field.Type()) {
		field.Set(v)
		return nil
	}
	if v.Type().ConvertibleTo(field.Type()) && convertible(field.Kind(), v.Kind()) {
		field.Set(v.Convert(field.Type()))
		return nil
	}

	// UUID fields arrive as string, [16]byte, or []byte depending on the
	// driver.
	if field.Type() == reflect.TypeOf(uuid.UUID{}) {
		switch typed := value.(type) {
		case string:
			id, err := uuid.Parse(typed)
			if err != nil {
				return fmt.Errorf("parse uuid: %w", err)
			}
			field.Set(reflect.ValueOf(id))
			return nil
		case []byte:
			id, err := uuid.FromBytes(typed)
			if err != nil {
				return fmt.Errorf("parse uuid bytes: %w", err)
			}
			field.Set(reflect.ValueOf(id))
			return nil
		}
	}

	if field.Type() == reflect.TypeOf(time.Time{}) {
		if t, ok := value.(time.Time); ok {
			field.Set(reflect.ValueOf(t))
			return nil
		}
	}

	if field.Kind() == reflect.String {
		if b, ok := value.([]byte); ok {
			field.SetString(string(b))
			return nil
		}
	}

	return fmt.Errorf("cannot assign %T to %s", value, field.Type())
}

// convertible restricts reflect conversions to same-family kinds so a
// string is never silently converted to an int or vice versa.
func convertible(dst, src reflect.Kind) bool {
	switch {
	case dst >= reflect.Int && dst <= reflect.Uint64:
		return src >= reflect.Int && src <= reflect.Float64
	case dst == reflect.Float32 || dst == reflect.Float64:
		return (src >= reflect.Int && src <= reflect.Uint64) ||
			src == reflect.Float32 || src == reflect.Float64
	case dst == reflect.Bool:
		return src == reflect.Bool
	default:
		return false
	}
}
