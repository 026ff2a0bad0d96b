package postgres

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/meridian-data/meridian-engine/pkg/driver"
)

// Dialect implements PostgreSQL SQL syntax.
type Dialect struct{}

var _ driver.Dialect = Dialect{}

// Name returns "postgres".
func (Dialect) Name() string {
	return "postgres"
}

// Placeholder returns the $n parameter marker for the 1-based position n.
func (Dialect) Placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

// QuoteIdentifier safely quotes an identifier. Qualified names ("t.col")
// are quoted part-wise.
func (Dialect) QuoteIdentifier(name string) string {
	parts := strings.Split(name, ".")
	return pgx.Identifier(parts).Sanitize()
}

// InsertReturning renders an INSERT with a RETURNING clause for generated
// columns. An entity whose columns are all server-generated inserts
// DEFAULT VALUES.
func (d Dialect) InsertReturning(table string, columns, placeholders, returning []string) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	if len(columns) == 0 {
		b.WriteString(" DEFAULT VALUES")
	} else {
		b.WriteString(" (")
		b.WriteString(strings.Join(columns, ", "))
		b.WriteString(") VALUES (")
		b.WriteString(strings.Join(placeholders, ", "))
		b.WriteString(")")
	}
	if len(returning) > 0 {
		quoted := make([]string, len(returning))
		for i, col := range returning {
			quoted[i] = d.QuoteIdentifier(col)
		}
		b.WriteString(" RETURNING ")
		b.WriteString(strings.Join(quoted, ", "))
	}
	return b.String()
}

// LimitOffset renders LIMIT/OFFSET. Negative values mean unset.
func (Dialect) LimitOffset(limit, offset int, hasOrderBy bool) string {
	var b strings.Builder
	if limit >= 0 {
		fmt.Fprintf(&b, " LIMIT %d", limit)
	}
	if offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", offset)
	}
	return b.String()
}

// pgTypeNameFromOID maps common PostgreSQL type OIDs to type names.
func pgTypeNameFromOID(oid uint32) string {
	switch oid {
	case 16:
		return "BOOL"
	case 17:
		return "BYTEA"
	case 20:
		return "INT8"
	case 21:
		return "INT2"
	case 23:
		return "INT4"
	case 25:
		return "TEXT"
	case 114:
		return "JSON"
	case 700:
		return "FLOAT4"
	case 701:
		return "FLOAT8"
	case 1042:
		return "BPCHAR"
	case 1043:
		return "VARCHAR"
	case 1082:
		return "DATE"
	case 1083:
		return "TIME"
	case 1114:
		return "TIMESTAMP"
	case 1184:
		return "TIMESTAMPTZ"
	case 1700:
		return "NUMERIC"
	case 2950:
		return "UUID"
	case 3802:
		return "JSONB"
	default:
		return fmt.Sprintf("OID_%d", oid)
	}
}
