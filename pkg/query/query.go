// Package query builds immutable, composable statement descriptions.
// A Query never executes anything itself; the session compiles it through
// the active driver dialect and runs the result. Every builder method
// returns a copy, so partially-built queries can be shared and forked
// safely.
package query

import (
	"github.com/meridian-data/meridian-engine/pkg/schema"
)

// Order is one ORDER BY term.
type Order struct {
	Column string
	Desc   bool
}

type join struct {
	relationship string // set for relationship joins
	table        string // set for explicit joins
	leftColumn   string
	rightColumn  string
	left         bool // LEFT JOIN instead of INNER
}

// Aggregate is one aggregate select expression.
type Aggregate struct {
	Fn     string // COUNT, SUM, AVG, MIN, MAX
	Column string // "*" for COUNT(*)
	Alias  string
}

// Query is an immutable statement description for one entity type.
type Query struct {
	entity     any
	columns    []string
	aggregates []Aggregate
	preds      []Predicate
	joins      []join
	orders     []Order
	groupBy    []string
	having     []Predicate
	limit      int // -1 unset; 0 short-circuits to an empty result
	offset     int // -1 unset
	distinct   bool
	loads      map[string]schema.LoadStrategy
}

// New starts a query over the given entity type (a zero value or pointer).
func New(entity any) *Query {
	return &Query{entity: entity, limit: -1, offset: -1}
}

func (q *Query) clone() *Query {
	cp := *q
	cp.columns = append([]string(nil), q.columns...)
	cp.aggregates = append([]Aggregate(nil), q.aggregates...)
	cp.preds = append([]Predicate(nil), q.preds...)
	cp.joins = append([]join(nil), q.joins...)
	cp.orders = append([]Order(nil), q.orders...)
	cp.groupBy = append([]string(nil), q.groupBy...)
	cp.having = append([]Predicate(nil), q.having...)
	if q.loads != nil {
		cp.loads = make(map[string]schema.LoadStrategy, len(q.loads))
		for k, v := range q.loads {
			cp.loads[k] = v
		}
	}
	return &cp
}

// Select restricts the selected columns. Without it, all mapped columns
// of the entity are selected.
func (q *Query) Select(columns ...string) *Query {
	cp := q.clone()
	cp.columns = append(cp.columns, columns...)
	return cp
}

// Where adds predicates, combined with AND.
func (q *Query) Where(preds ...Predicate) *Query {
	cp := q.clone()
	cp.preds = append(cp.preds, preds...)
	return cp
}

// Join adds an INNER JOIN along a declared relationship.
func (q *Query) Join(relationship string) *Query {
	cp := q.clone()
	cp.joins = append(cp.joins, join{relationship: relationship})
	return cp
}

// LeftJoin adds a LEFT JOIN along a declared relationship.
func (q *Query) LeftJoin(relationship string) *Query {
	cp := q.clone()
	cp.joins = append(cp.joins, join{relationship: relationship, left: true})
	return cp
}

// JoinOn adds an INNER JOIN against an explicit table with a key equality.
func (q *Query) JoinOn(table, leftColumn, rightColumn string) *Query {
	cp := q.clone()
	cp.joins = append(cp.joins, join{table: table, leftColumn: leftColumn, rightColumn: rightColumn})
	return cp
}

// OrderBy appends an ascending ORDER BY term.
func (q *Query) OrderBy(column string) *Query {
	cp := q.clone()
	cp.orders = append(cp.orders, Order{Column: column})
	return cp
}

// OrderByDesc appends a descending ORDER BY term.
func (q *Query) OrderByDesc(column string) *Query {
	cp := q.clone()
	cp.orders = append(cp.orders, Order{Column: column, Desc: true})
	return cp
}

// Limit bounds the result size. Limit(0) is honored literally: the session
// returns an empty result without touching the database.
func (q *Query) Limit(n int) *Query {
	cp := q.clone()
	cp.limit = n
	return cp
}

// Offset skips the first n rows.
func (q *Query) Offset(n int) *Query {
	cp := q.clone()
	cp.offset = n
	return cp
}

// GroupBy adds grouping columns.
func (q *Query) GroupBy(columns ...string) *Query {
	cp := q.clone()
	cp.groupBy = append(cp.groupBy, columns...)
	return cp
}

// Having adds predicates on grouped rows, combined with AND.
func (q *Query) Having(preds ...Predicate) *Query {
	cp := q.clone()
	cp.having = append(cp.having, preds...)
	return cp
}

// Distinct deduplicates result rows.
func (q *Query) Distinct() *Query {
	cp := q.clone()
	cp.distinct = true
	return cp
}

// With overrides the load strategy for one relationship traversal. path
// is the relationship name, or a dotted path ("orders.items") for nested
// traversals; nested levels each carry their own strategy.
func (q *Query) With(path string, strategy schema.LoadStrategy) *Query {
	cp := q.clone()
	if cp.loads == nil {
		cp.loads = make(map[string]schema.LoadStrategy, 1)
	}
	cp.loads[path] = strategy
	return cp
}

// Count adds a COUNT(*) aggregate.
func (q *Query) Count() *Query {
	return q.aggregate("COUNT", "*", "count")
}

// Sum adds a SUM aggregate over a column.
func (q *Query) Sum(column string) *Query {
	return q.aggregate("SUM", column, "sum_"+column)
}

// Avg adds an AVG aggregate over a column.
func (q *Query) Avg(column string) *Query {
	return q.aggregate("AVG", column, "avg_"+column)
}

// Min adds a MIN aggregate over a column.
func (q *Query) Min(column string) *Query {
	return q.aggregate("MIN", column, "min_"+column)
}

// Max adds a MAX aggregate over a column.
func (q *Query) Max(column string) *Query {
	return q.aggregate("MAX", column, "max_"+column)
}

func (q *Query) aggregate(fn, column, alias string) *Query {
	cp := q.clone()
	cp.aggregates = append(cp.aggregates, Aggregate{Fn: fn, Column: column, Alias: alias})
	return cp
}

// Entity returns the entity prototype the query targets.
func (q *Query) Entity() any {
	return q.entity
}

// LimitCount returns the configured limit, or -1 when unset.
func (q *Query) LimitCount() int {
	return q.limit
}

// IsAggregate reports whether the query selects aggregate expressions
// instead of entity rows.
func (q *Query) IsAggregate() bool {
	return len(q.aggregates) > 0
}

// IsDistinct reports whether DISTINCT is set.
func (q *Query) IsDistinct() bool {
	return q.distinct
}

// Loads returns the per-traversal strategy overrides, keyed by
// relationship path.
func (q *Query) Loads() map[string]schema.LoadStrategy {
	return q.loads
}
