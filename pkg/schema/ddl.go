package schema

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-data/meridian-engine/pkg/driver"
)

// CreateTableSQL renders a CREATE TABLE statement for the entity in the
// given dialect. Tests and bootstrap tooling use it to stand up a schema
// without hand-written migrations; production schemas normally come from
// migration files instead.
func (m *Meta) CreateTableSQL(d driver.Dialect) (string, error) {
	var defs []string
	for _, col := range m.Columns {
		sqlType, err := columnType(m.Type.Field(col.FieldIndex).Type, col, d)
		if err != nil {
			return "", fmt.Errorf("entity %s column %q: %w", m.Name, col.Name, err)
		}
		def := d.QuoteIdentifier(col.Name) + " " + sqlType
		if col.PK {
			def += " PRIMARY KEY"
		} else if col.Version {
			def += " NOT NULL DEFAULT 1"
		}
		defs = append(defs, def)
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)",
		d.QuoteIdentifier(m.Table), strings.Join(defs, ", ")), nil
}

func columnType(t reflect.Type, col Column, d driver.Dialect) (string, error) {
	sqlserver := d.Name() == "sqlserver"

	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	switch {
	case t == reflect.TypeOf(uuid.UUID{}):
		if sqlserver {
			return "UNIQUEIDENTIFIER", nil
		}
		return "UUID", nil
	case t == reflect.TypeOf(time.Time{}):
		if sqlserver {
			return "DATETIME2", nil
		}
		return "TIMESTAMPTZ", nil
	}

	switch t.Kind() {
	case reflect.Int, reflect.Int64, reflect.Uint, reflect.Uint32, reflect.Uint64:
		if col.Generated {
			if sqlserver {
				return "BIGINT IDENTITY(1,1)", nil
			}
			return "BIGINT GENERATED ALWAYS AS IDENTITY", nil
		}
		return "BIGINT", nil
	case reflect.Int16, reflect.Int32, reflect.Int8, reflect.Uint8, reflect.Uint16:
		return "INTEGER", nil
	case reflect.String:
		if sqlserver {
			return "NVARCHAR(MAX)", nil
		}
		return "TEXT", nil
	case reflect.Bool:
		if sqlserver {
			return "BIT", nil
		}
		return "BOOLEAN", nil
	case reflect.Float32, reflect.Float64:
		return "DOUBLE PRECISION", nil
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			if sqlserver {
				return "VARBINARY(MAX)", nil
			}
			return "BYTEA", nil
		}
	}
	return "", fmt.Errorf("no SQL type mapping for %s", t)
}
