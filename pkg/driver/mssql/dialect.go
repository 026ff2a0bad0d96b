package mssql

import (
	"fmt"
	"strings"

	"github.com/meridian-data/meridian-engine/pkg/driver"
)

// Dialect implements SQL Server syntax.
type Dialect struct{}

var _ driver.Dialect = Dialect{}

// Name returns "sqlserver".
func (Dialect) Name() string {
	return "sqlserver"
}

// Placeholder returns the @pn parameter marker for the 1-based position n.
func (Dialect) Placeholder(n int) string {
	return fmt.Sprintf("@p%d", n)
}

// QuoteIdentifier quotes an identifier in brackets. Qualified names
// ("t.col") are quoted part-wise.
func (Dialect) QuoteIdentifier(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = "[" + strings.ReplaceAll(p, "]", "]]") + "]"
	}
	return strings.Join(parts, ".")
}

// InsertReturning renders an INSERT with an OUTPUT INSERTED clause for
// generated columns. OUTPUT sits between the column list and VALUES.
func (d Dialect) InsertReturning(table string, columns, placeholders, returning []string) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	if len(columns) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(columns, ", "))
		b.WriteString(")")
	}
	if len(returning) > 0 {
		quoted := make([]string, len(returning))
		for i, col := range returning {
			quoted[i] = "INSERTED." + d.QuoteIdentifier(col)
		}
		b.WriteString(" OUTPUT ")
		b.WriteString(strings.Join(quoted, ", "))
	}
	if len(columns) == 0 {
		b.WriteString(" DEFAULT VALUES")
	} else {
		b.WriteString(" VALUES (")
		b.WriteString(strings.Join(placeholders, ", "))
		b.WriteString(")")
	}
	return b.String()
}

// LimitOffset renders OFFSET/FETCH. SQL Server requires an ORDER BY for
// OFFSET, so one is synthesized when the query has none.
func (Dialect) LimitOffset(limit, offset int, hasOrderBy bool) string {
	if limit < 0 && offset <= 0 {
		return ""
	}
	var b strings.Builder
	if !hasOrderBy {
		b.WriteString(" ORDER BY (SELECT NULL)")
	}
	if offset < 0 {
		offset = 0
	}
	fmt.Fprintf(&b, " OFFSET %d ROWS", offset)
	if limit >= 0 {
		fmt.Fprintf(&b, " FETCH NEXT %d ROWS ONLY", limit)
	}
	return b.String()
}
