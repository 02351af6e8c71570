// Package filter compiles declarative condition trees into parameterized
// PostgreSQL predicates. A condition tree is a nested object built from
// comparison operators ($eq, $gt, $like, ...), array operators ($any,
// $all, ...) and logical combinators ($and, $or, $not, $nand, $nor).
//
// Compilation is deterministic: object keys are visited in sorted order and
// parameters are numbered strictly left to right, depth first, across the
// whole tree.
package filter

import (
	"fmt"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// TrashedMode controls the visibility of soft-deleted records in a
// compiled predicate.
type TrashedMode int

const (
	// TrashedExclude hides soft-deleted records. This is the default.
	TrashedExclude TrashedMode = iota
	// TrashedInclude returns live and soft-deleted records alike.
	TrashedInclude
	// TrashedOnly returns soft-deleted records exclusively.
	TrashedOnly
)

// trashedColumn is the timestamp column stamped by soft deletes.
const trashedColumn = "trashed_at"

// Predicate is a compiled SQL predicate. The Nth placeholder in the text
// corresponds exactly to the Nth parameter.
type Predicate struct {
	raw      string // '?' placeholder form, embeddable in a squirrel builder
	params   []any
	Warnings []string
}

// SQL returns the predicate text with PostgreSQL-style $N placeholders.
func (p *Predicate) SQL() string {
	text, err := sq.Dollar.ReplacePlaceholders(p.raw)
	if err != nil {
		// ReplacePlaceholders only fails on malformed escape sequences,
		// which the compiler never emits.
		return p.raw
	}
	return text
}

// Question returns the predicate text with '?' placeholders, suitable for
// sq.Expr inside a statement builder that applies its own placeholder
// format.
func (p *Predicate) Question() string {
	return p.raw
}

// Params returns the ordered parameter list.
func (p *Predicate) Params() []any {
	return p.params
}

type options struct {
	trashed TrashedMode
}

// Option adjusts predicate compilation.
type Option func(*options)

// WithTrashed sets the soft-delete visibility mode.
func WithTrashed(mode TrashedMode) Option {
	return func(o *options) {
		o.trashed = mode
	}
}

// CompileWhere compiles a condition tree into a predicate. A nil or empty
// tree compiles to the tautology 1=1. Unknown leaf operators are skipped
// with a warning; malformed logical operators fail with
// CodeInvalidOperatorShape.
func CompileWhere(tree map[string]any, opts ...Option) (*Predicate, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	c := &compiler{}
	body, err := c.compileObject(tree)
	if err != nil {
		return nil, err
	}

	switch o.trashed {
	case TrashedExclude:
		body += ` AND ` + quoteIdent(trashedColumn) + ` IS NULL`
	case TrashedOnly:
		body += ` AND ` + quoteIdent(trashedColumn) + ` IS NOT NULL`
	}

	return &Predicate{raw: body, params: c.params, Warnings: c.warnings}, nil
}

type compiler struct {
	params   []any
	warnings []string
}

// bind registers one parameter and returns its placeholder.
func (c *compiler) bind(v any) string {
	c.params = append(c.params, v)
	return "?"
}

func (c *compiler) warnf(format string, args ...any) {
	c.warnings = append(c.warnings, fmt.Sprintf(format, args...))
}

// compileObject compiles `{k1: v1, k2: v2}` as the conjunction of its
// members, visiting keys in sorted order. Zero members compile to 1=1.
func (c *compiler) compileObject(obj map[string]any) (string, error) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var frags []string
	for _, k := range keys {
		var frag string
		var err error
		if isLogicalOperator(k) {
			frag, err = c.compileLogical(k, obj[k])
		} else {
			frag, err = c.compileField(k, obj[k])
		}
		if err != nil {
			return "", err
		}
		if frag != "" {
			frags = append(frags, frag)
		}
	}

	return joinAnd(frags), nil
}

func isLogicalOperator(key string) bool {
	switch key {
	case "$and", "$or", "$not", "$nand", "$nor":
		return true
	}
	return false
}

// joinAnd joins fragments with AND, parenthesized only when more than one
// fragment is present. No fragments compile to the tautology.
func joinAnd(frags []string) string {
	switch len(frags) {
	case 0:
		return "1=1"
	case 1:
		return frags[0]
	default:
		return "(" + strings.Join(frags, " AND ") + ")"
	}
}

func (c *compiler) compileLogical(op string, value any) (string, error) {
	if op == "$not" {
		return c.compileNot(value)
	}

	children, ok := asConditionList(value)
	if !ok {
		return "", invalidShape("Logical operator %s requires array of conditions", op)
	}

	var frags []string
	for _, child := range children {
		obj, ok := child.(map[string]any)
		if !ok {
			return "", invalidShape("Logical operator %s requires array of conditions", op)
		}
		frag, err := c.compileObject(obj)
		if err != nil {
			return "", err
		}
		frags = append(frags, frag)
	}

	switch op {
	case "$and":
		return joinAnd(frags), nil
	case "$or":
		switch len(frags) {
		case 0:
			return "1=0", nil
		case 1:
			return frags[0], nil
		default:
			return "(" + strings.Join(frags, " OR ") + ")", nil
		}
	case "$nand":
		if len(frags) == 0 {
			return "1=1", nil
		}
		return "NOT (" + strings.Join(frags, " AND ") + ")", nil
	case "$nor":
		if len(frags) == 0 {
			return "1=1", nil
		}
		return "NOT (" + strings.Join(frags, " OR ") + ")", nil
	}

	return "", invalidShape("Logical operator %s requires array of conditions", op)
}

// compileNot wraps exactly one child condition in NOT(...). The child may
// be given directly or as a single-element array. No boolean simplification
// is performed, so nested negations stay nested.
func (c *compiler) compileNot(value any) (string, error) {
	child, ok := value.(map[string]any)
	if !ok {
		list, isList := asConditionList(value)
		if !isList || len(list) != 1 {
			return "", invalidShape("Logical operator $not requires exactly one condition")
		}
		child, ok = list[0].(map[string]any)
		if !ok {
			return "", invalidShape("Logical operator $not requires exactly one condition")
		}
	}

	frag, err := c.compileObject(child)
	if err != nil {
		return "", err
	}
	return "NOT (" + frag + ")", nil
}

// compileField compiles one `{field: value}` leaf. A plain value is an
// implicit $eq; an object value holds one or more operators which
// AND-compose in sorted order.
func (c *compiler) compileField(field string, value any) (string, error) {
	ops, ok := value.(map[string]any)
	if !ok {
		return c.compileOperator(field, "$eq", value)
	}

	opKeys := make([]string, 0, len(ops))
	for k := range ops {
		opKeys = append(opKeys, k)
	}
	sort.Strings(opKeys)

	var frags []string
	for _, op := range opKeys {
		frag, err := c.compileOperator(field, op, ops[op])
		if err != nil {
			return "", err
		}
		if frag != "" {
			frags = append(frags, frag)
		}
	}

	if len(frags) == 0 {
		return "", nil
	}
	return joinAnd(frags), nil
}

func (c *compiler) compileOperator(field, op string, operand any) (string, error) {
	col := quoteIdent(field)

	switch op {
	case "$eq":
		if operand == nil {
			return col + " IS NULL", nil
		}
		return col + " = " + c.bind(operand), nil
	case "$ne":
		if operand == nil {
			return col + " IS NOT NULL", nil
		}
		return col + " != " + c.bind(operand), nil
	case "$gt", "$gte", "$lt", "$lte":
		if operand == nil {
			return col + " IS NULL", nil
		}
		return col + " " + comparisonSQL[op] + " " + c.bind(operand), nil
	case "$like", "$nlike", "$ilike", "$nilike", "$regex", "$nregex":
		if operand == nil {
			return col + " IS NULL", nil
		}
		return col + " " + comparisonSQL[op] + " " + c.bind(operand), nil
	case "$in", "$nin":
		return c.compileMembership(col, op, operand)
	case "$between":
		list, ok := asValueList(operand)
		if !ok || len(list) != 2 {
			return "", invalidShape("Operator $between requires array of two values")
		}
		return col + " BETWEEN " + c.bind(list[0]) + " AND " + c.bind(list[1]), nil
	case "$exists":
		want, ok := operand.(bool)
		if !ok {
			return "", invalidShape("Operator $exists requires a boolean operand")
		}
		if want {
			return col + " IS NOT NULL", nil
		}
		return col + " IS NULL", nil
	case "$null":
		want, ok := operand.(bool)
		if !ok {
			return "", invalidShape("Operator $null requires a boolean operand")
		}
		if want {
			return col + " IS NULL", nil
		}
		return col + " IS NOT NULL", nil
	case "$any", "$all", "$nany", "$nall":
		return c.compileArrayOperator(col, op, operand)
	case "$size":
		return "cardinality(" + col + ") = " + c.bind(operand), nil
	case "$find", "$text", "$search":
		return "to_tsvector(" + col + ") @@ plainto_tsquery(" + c.bind(operand) + ")", nil
	}

	c.warnf("unknown operator %s on field %q ignored", op, field)
	return "", nil
}

var comparisonSQL = map[string]string{
	"$gt":     ">",
	"$gte":    ">=",
	"$lt":     "<",
	"$lte":    "<=",
	"$like":   "LIKE",
	"$nlike":  "NOT LIKE",
	"$ilike":  "ILIKE",
	"$nilike": "NOT ILIKE",
	"$regex":  "~",
	"$nregex": "!~",
}

func (c *compiler) compileMembership(col, op string, operand any) (string, error) {
	list, ok := asValueList(operand)
	if !ok {
		return "", invalidShape("Operator %s requires array of values", op)
	}

	if len(list) == 0 {
		// IN over nothing matches nothing; NOT IN over nothing matches all.
		if op == "$in" {
			return "1=0", nil
		}
		return "1=1", nil
	}

	placeholders := make([]string, len(list))
	for i, v := range list {
		placeholders[i] = c.bind(v)
	}

	keyword := "IN"
	if op == "$nin" {
		keyword = "NOT IN"
	}
	return col + " " + keyword + " (" + strings.Join(placeholders, ",") + ")", nil
}

// compileArrayOperator compiles the array membership operators against
// PostgreSQL array columns: $any via overlap (&&), $all via containment
// (@>), with each array element individually bound.
func (c *compiler) compileArrayOperator(col, op string, operand any) (string, error) {
	list, ok := asValueList(operand)
	if !ok {
		list = []any{operand}
	}

	if len(list) == 0 {
		// Overlap with the empty set is vacuously false, containment of
		// the empty set vacuously true.
		switch op {
		case "$any":
			return "1=0", nil
		case "$nany":
			return "1=1", nil
		case "$all":
			return "1=1", nil
		default: // $nall
			return "1=0", nil
		}
	}

	placeholders := make([]string, len(list))
	for i, v := range list {
		placeholders[i] = c.bind(v)
	}
	arr := "ARRAY[" + strings.Join(placeholders, ",") + "]"

	switch op {
	case "$any":
		return col + " && " + arr, nil
	case "$nany":
		return "NOT (" + col + " && " + arr + ")", nil
	case "$all":
		return col + " @> " + arr, nil
	default: // $nall
		return "NOT (" + col + " @> " + arr + ")", nil
	}
}

// asConditionList normalizes the accepted array encodings of logical
// operator children.
func asConditionList(value any) ([]any, bool) {
	switch v := value.(type) {
	case []any:
		return v, true
	case []map[string]any:
		out := make([]any, len(v))
		for i, m := range v {
			out[i] = m
		}
		return out, true
	default:
		return nil, false
	}
}

// asValueList normalizes the accepted array encodings of operand lists.
func asValueList(value any) ([]any, bool) {
	switch v := value.(type) {
	case []any:
		return v, true
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, true
	case []int:
		out := make([]any, len(v))
		for i, n := range v {
			out[i] = n
		}
		return out, true
	case []float64:
		out := make([]any, len(v))
		for i, f := range v {
			out[i] = f
		}
		return out, true
	default:
		return nil, false
	}
}

// quoteIdent quotes a column name for PostgreSQL.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
