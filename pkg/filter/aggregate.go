package filter

import (
	"sort"
	"strings"
)

// AggregateStatement is the compiled form of an aggregate query body: a
// SELECT list of aggregate expressions, an optional WHERE predicate and an
// optional GROUP BY column list.
type AggregateStatement struct {
	Columns []string
	Where   *Predicate
	GroupBy []string
}

var aggregateSQL = map[string]string{
	"$count": "COUNT",
	"$sum":   "SUM",
	"$avg":   "AVG",
	"$min":   "MIN",
	"$max":   "MAX",
}

// CompileAggregate compiles `{aggregate: {alias: {$count|$sum|$avg|$min|
// $max|$distinct: field}}, where?, groupBy?}` into an AggregateStatement.
// Aliases are compiled in sorted order. When both groupBy and group_by are
// present, groupBy wins.
func CompileAggregate(body any, opts ...Option) (*AggregateStatement, error) {
	obj, ok := body.(map[string]any)
	if body == nil || !ok {
		return nil, &CompileError{
			Code:    CodeBodyNotObject,
			Message: "Aggregate body must be a non-null object",
		}
	}

	aggregates, ok := obj["aggregate"].(map[string]any)
	if !ok || len(aggregates) == 0 {
		return nil, &CompileError{
			Code:    CodeBodyMissingField,
			Message: `Aggregate body requires a non-empty "aggregate" object`,
		}
	}

	aliases := make([]string, 0, len(aggregates))
	for alias := range aggregates {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)

	stmt := &AggregateStatement{}
	for _, alias := range aliases {
		expr, err := compileAggregateExpr(alias, aggregates[alias])
		if err != nil {
			return nil, err
		}
		stmt.Columns = append(stmt.Columns, expr)
	}

	if rawWhere, ok := obj["where"]; ok && rawWhere != nil {
		where, ok := rawWhere.(map[string]any)
		if !ok {
			return nil, invalidShape(`Aggregate "where" must be an object`)
		}
		pred, err := CompileWhere(where, opts...)
		if err != nil {
			return nil, err
		}
		stmt.Where = pred
	}

	groupBy := obj["groupBy"]
	if groupBy == nil {
		groupBy = obj["group_by"]
	}
	if groupBy != nil {
		cols, err := groupByColumns(groupBy)
		if err != nil {
			return nil, err
		}
		stmt.GroupBy = cols
	}

	return stmt, nil
}

func compileAggregateExpr(alias string, spec any) (string, error) {
	ops, ok := spec.(map[string]any)
	if !ok || len(ops) != 1 {
		return "", invalidShape("Aggregate %q requires exactly one aggregate operator", alias)
	}

	for op, rawField := range ops {
		field, ok := rawField.(string)
		if !ok || field == "" {
			return "", invalidShape("Aggregate %q: operator %s requires a field name", alias, op)
		}

		var expr string
		switch {
		case op == "$count" && field == "*":
			expr = "COUNT(*)"
		case op == "$distinct":
			expr = "COUNT(DISTINCT " + quoteIdent(field) + ")"
		default:
			fn, known := aggregateSQL[op]
			if !known {
				return "", invalidShape("Aggregate %q: unknown aggregate operator %s", alias, op)
			}
			expr = fn + "(" + quoteIdent(field) + ")"
		}
		return expr + " AS " + quoteIdent(alias), nil
	}

	// Unreachable: the single entry is always visited above.
	return "", invalidShape("Aggregate %q requires exactly one aggregate operator", alias)
}

func groupByColumns(value any) ([]string, error) {
	switch v := value.(type) {
	case string:
		return []string{quoteIdent(v)}, nil
	case []any:
		cols := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, invalidShape("Aggregate groupBy requires field names")
			}
			cols = append(cols, quoteIdent(s))
		}
		return cols, nil
	case []string:
		cols := make([]string, 0, len(v))
		for _, s := range v {
			cols = append(cols, quoteIdent(s))
		}
		return cols, nil
	default:
		return nil, invalidShape("Aggregate groupBy requires field names")
	}
}

// SelectSQL renders the SELECT list of the statement.
func (s *AggregateStatement) SelectSQL() string {
	return strings.Join(s.Columns, ", ")
}

// GroupBySQL renders the GROUP BY column list, empty when no grouping was
// requested.
func (s *AggregateStatement) GroupBySQL() string {
	return strings.Join(s.GroupBy, ", ")
}
