package query

import (
	"fmt"
	"strings"

	"github.com/meridian-data/meridian-engine/pkg/driver"
	"github.com/meridian-data/meridian-engine/pkg/schema"
)

// JoinLoad describes one relationship resolved inside the parent query by
// a LEFT JOIN. The related row's columns appear in each result row under
// Prefix + column name.
type JoinLoad struct {
	Relationship string
	Prefix       string
}

// Compiled is a dialect-rendered statement ready for execution.
type Compiled struct {
	SQL       string
	Args      []any
	JoinLoads []JoinLoad
}

type compiler struct {
	dialect driver.Dialect
	args    []any
}

func (c *compiler) bind(v any) string {
	c.args = append(c.args, v)
	return c.dialect.Placeholder(len(c.args))
}

// qualify renders a column reference. Bare names are qualified with the
// query's base table; dotted names pass through part-wise quoted.
func (c *compiler) qualify(table, column string) string {
	if column == "*" {
		return "*"
	}
	if strings.Contains(column, ".") {
		return c.dialect.QuoteIdentifier(column)
	}
	return c.dialect.QuoteIdentifier(table + "." + column)
}

// Compile renders the query for a dialect. Relationship joins and join
// loads are resolved through the registry; the returned JoinLoads tell
// the caller which aliased column groups each result row carries.
func (q *Query) Compile(reg *schema.Registry, d driver.Dialect) (*Compiled, error) {
	meta, err := reg.Lookup(q.entity)
	if err != nil {
		return nil, err
	}
	c := &compiler{dialect: d}

	var joinClauses []string
	for _, j := range q.joins {
		clause, err := c.renderJoin(reg, meta, j)
		if err != nil {
			return nil, err
		}
		joinClauses = append(joinClauses, clause...)
	}

	// Join-loaded relationships add a LEFT JOIN plus aliased child columns.
	var joinLoads []JoinLoad
	var joinLoadCols []string
	if !q.IsAggregate() {
		for _, rel := range meta.Relationships() {
			strategy := rel.Strategy
			if override, ok := q.loads[rel.Name]; ok {
				strategy = override
			}
			if strategy != schema.LoadJoin {
				continue
			}
			target, err := reg.Lookup(rel.Target)
			if err != nil {
				return nil, err
			}
			clause, err := c.renderJoin(reg, meta, join{relationship: rel.Name, left: true})
			if err != nil {
				return nil, err
			}
			joinClauses = append(joinClauses, clause...)
			prefix := rel.Name + "__"
			for _, col := range target.Columns {
				joinLoadCols = append(joinLoadCols,
					c.qualify(target.Table, col.Name)+" AS "+d.QuoteIdentifier(prefix+col.Name))
			}
			joinLoads = append(joinLoads, JoinLoad{Relationship: rel.Name, Prefix: prefix})
		}
	}

	var selects []string
	switch {
	case q.IsAggregate():
		for _, col := range q.groupBy {
			selects = append(selects, c.qualify(meta.Table, col))
		}
		for _, agg := range q.aggregates {
			expr := agg.Fn + "(" + c.qualify(meta.Table, agg.Column) + ")"
			selects = append(selects, expr+" AS "+d.QuoteIdentifier(agg.Alias))
		}
	case len(q.columns) > 0:
		for _, col := range q.columns {
			selects = append(selects, c.qualify(meta.Table, col))
		}
	default:
		for _, col := range meta.Columns {
			selects = append(selects, c.qualify(meta.Table, col.Name))
		}
	}
	selects = append(selects, joinLoadCols...)

	var b strings.Builder
	b.WriteString("SELECT ")
	if q.distinct {
		b.WriteString("DISTINCT ")
	}
	b.WriteString(strings.Join(selects, ", "))
	b.WriteString(" FROM ")
	b.WriteString(d.QuoteIdentifier(meta.Table))
	for _, clause := range joinClauses {
		b.WriteString(" ")
		b.WriteString(clause)
	}

	if len(q.preds) > 0 {
		where, err := c.renderPredicates(meta.Table, q.preds)
		if err != nil {
			return nil, err
		}
		b.WriteString(" WHERE ")
		b.WriteString(where)
	}

	if len(q.groupBy) > 0 {
		groups := make([]string, len(q.groupBy))
		for i, col := range q.groupBy {
			groups[i] = c.qualify(meta.Table, col)
		}
		b.WriteString(" GROUP BY ")
		b.WriteString(strings.Join(groups, ", "))
	}

	if len(q.having) > 0 {
		if len(q.groupBy) == 0 {
			return nil, fmt.Errorf("HAVING requires GROUP BY")
		}
		having, err := c.renderPredicates(meta.Table, q.having)
		if err != nil {
			return nil, err
		}
		b.WriteString(" HAVING ")
		b.WriteString(having)
	}

	if len(q.orders) > 0 {
		terms := make([]string, len(q.orders))
		for i, o := range q.orders {
			terms[i] = c.qualify(meta.Table, o.Column)
			if o.Desc {
				terms[i] += " DESC"
			}
		}
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(terms, ", "))
	}

	b.WriteString(d.LimitOffset(q.limit, q.offset, len(q.orders) > 0))

	return &Compiled{SQL: b.String(), Args: c.args, JoinLoads: joinLoads}, nil
}

// renderJoin resolves one join into its SQL clauses. A many-to-many
// relationship expands into two clauses through the join table.
func (c *compiler) renderJoin(reg *schema.Registry, meta *schema.Meta, j join) ([]string, error) {
	kw := "JOIN"
	if j.left {
		kw = "LEFT JOIN"
	}

	if j.table != "" {
		return []string{fmt.Sprintf("%s %s ON %s = %s",
			kw,
			c.dialect.QuoteIdentifier(j.table),
			c.qualify(meta.Table, j.leftColumn),
			c.qualify(j.table, j.rightColumn),
		)}, nil
	}

	rel, err := meta.Relationship(j.relationship)
	if err != nil {
		return nil, err
	}
	target, err := reg.Lookup(rel.Target)
	if err != nil {
		return nil, err
	}

	if rel.JoinTable != "" {
		return []string{
			fmt.Sprintf("%s %s ON %s = %s",
				kw,
				c.dialect.QuoteIdentifier(rel.JoinTable),
				c.qualify(meta.Table, meta.PKColumn().Name),
				c.qualify(rel.JoinTable, rel.JoinSource),
			),
			fmt.Sprintf("%s %s ON %s = %s",
				kw,
				c.dialect.QuoteIdentifier(target.Table),
				c.qualify(rel.JoinTable, rel.JoinTarget),
				c.qualify(target.Table, target.PKColumn().Name),
			),
		}, nil
	}

	var on string
	if rel.Cardinality == schema.Many {
		// FK lives on the child (target) table.
		on = fmt.Sprintf("%s = %s",
			c.qualify(target.Table, rel.ForeignKey),
			c.qualify(meta.Table, meta.PKColumn().Name))
	} else {
		on = fmt.Sprintf("%s = %s",
			c.qualify(meta.Table, rel.ForeignKey),
			c.qualify(target.Table, target.PKColumn().Name))
	}
	return []string{fmt.Sprintf("%s %s ON %s", kw, c.dialect.QuoteIdentifier(target.Table), on)}, nil
}

func (c *compiler) renderPredicates(table string, preds []Predicate) (string, error) {
	parts := make([]string, len(preds))
	for i, p := range preds {
		rendered, err := c.renderPredicate(table, p)
		if err != nil {
			return "", err
		}
		parts[i] = rendered
	}
	return strings.Join(parts, " AND "), nil
}

func (c *compiler) renderPredicate(table string, p Predicate) (string, error) {
	switch typed := p.(type) {
	case comparison:
		return fmt.Sprintf("%s %s %s",
			c.qualify(table, typed.column), typed.op, c.bind(typed.value)), nil

	case inList:
		// An empty IN list matches nothing; render a constant-false term
		// rather than invalid SQL.
		if len(typed.values) == 0 {
			return "1 = 0", nil
		}
		placeholders := make([]string, len(typed.values))
		for i, v := range typed.values {
			placeholders[i] = c.bind(v)
		}
		return fmt.Sprintf("%s IN (%s)",
			c.qualify(table, typed.column), strings.Join(placeholders, ", ")), nil

	case nullCheck:
		if typed.notNull {
			return c.qualify(table, typed.column) + " IS NOT NULL", nil
		}
		return c.qualify(table, typed.column) + " IS NULL", nil

	case conjunction:
		if len(typed.preds) == 0 {
			return "", fmt.Errorf("empty %s group", map[bool]string{true: "OR", false: "AND"}[typed.or])
		}
		sep := " AND "
		if typed.or {
			sep = " OR "
		}
		parts := make([]string, len(typed.preds))
		for i, inner := range typed.preds {
			rendered, err := c.renderPredicate(table, inner)
			if err != nil {
				return "", err
			}
			parts[i] = rendered
		}
		return "(" + strings.Join(parts, sep) + ")", nil

	case negation:
		rendered, err := c.renderPredicate(table, typed.pred)
		if err != nil {
			return "", err
		}
		return "NOT (" + rendered + ")", nil

	default:
		return "", fmt.Errorf("unknown predicate type %T", p)
	}
}
