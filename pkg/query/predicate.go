package query

// Predicate is one boolean term of a WHERE or HAVING clause. Predicates
// compose with And, Or, and Not; a query with no predicates matches all
// rows.
type Predicate interface {
	isPredicate()
}

type comparison struct {
	column string
	op     string
	value  any
}

type inList struct {
	column string
	values []any
}

type nullCheck struct {
	column  string
	notNull bool
}

type conjunction struct {
	or    bool
	preds []Predicate
}

type negation struct {
	pred Predicate
}

func (comparison) isPredicate()  {}
func (inList) isPredicate()      {}
func (nullCheck) isPredicate()   {}
func (conjunction) isPredicate() {}
func (negation) isPredicate()    {}

// Eq matches rows where column = value.
func Eq(column string, value any) Predicate {
	return comparison{column: column, op: "=", value: value}
}

// Ne matches rows where column <> value.
func Ne(column string, value any) Predicate {
	return comparison{column: column, op: "<>", value: value}
}

// Gt matches rows where column > value.
func Gt(column string, value any) Predicate {
	return comparison{column: column, op: ">", value: value}
}

// Gte matches rows where column >= value.
func Gte(column string, value any) Predicate {
	return comparison{column: column, op: ">=", value: value}
}

// Lt matches rows where column < value.
func Lt(column string, value any) Predicate {
	return comparison{column: column, op: "<", value: value}
}

// Lte matches rows where column <= value.
func Lte(column string, value any) Predicate {
	return comparison{column: column, op: "<=", value: value}
}

// Like matches rows where column LIKE pattern.
func Like(column, pattern string) Predicate {
	return comparison{column: column, op: "LIKE", value: pattern}
}

// In matches rows where column is any of the listed values. An empty list
// matches no rows.
func In(column string, values ...any) Predicate {
	return inList{column: column, values: values}
}

// IsNull matches rows where column IS NULL.
func IsNull(column string) Predicate {
	return nullCheck{column: column}
}

// NotNull matches rows where column IS NOT NULL.
func NotNull(column string) Predicate {
	return nullCheck{column: column, notNull: true}
}

// And combines predicates so all must hold.
func And(preds ...Predicate) Predicate {
	return conjunction{preds: preds}
}

// Or combines predicates so at least one must hold.
func Or(preds ...Predicate) Predicate {
	return conjunction{or: true, preds: preds}
}

// Not inverts a predicate.
func Not(pred Predicate) Predicate {
	return negation{pred: pred}
}
