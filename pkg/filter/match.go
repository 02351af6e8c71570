package filter

import (
	"fmt"
	"regexp"
	"strings"
)

// Match evaluates a condition tree against a decoded record, mirroring the
// semantics of CompileWhere for backends without a SQL engine. Full-text
// operators degrade to case-insensitive substring match. Unknown operators
// are ignored, matching the compiler's lenient-unknown policy.
func Match(record map[string]any, tree map[string]any) (bool, error) {
	return matchObject(record, tree)
}

func matchObject(record, obj map[string]any) (bool, error) {
	for key, value := range obj {
		var ok bool
		var err error
		if isLogicalOperator(key) {
			ok, err = matchLogical(record, key, value)
		} else {
			ok, err = matchField(record, key, value)
		}
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func matchLogical(record map[string]any, op string, value any) (bool, error) {
	if op == "$not" {
		child, ok := value.(map[string]any)
		if !ok {
			list, isList := asConditionList(value)
			if !isList || len(list) != 1 {
				return false, invalidShape("Logical operator $not requires exactly one condition")
			}
			child, ok = list[0].(map[string]any)
			if !ok {
				return false, invalidShape("Logical operator $not requires exactly one condition")
			}
		}
		matched, err := matchObject(record, child)
		if err != nil {
			return false, err
		}
		return !matched, nil
	}

	children, ok := asConditionList(value)
	if !ok {
		return false, invalidShape("Logical operator %s requires array of conditions", op)
	}

	results := make([]bool, 0, len(children))
	for _, child := range children {
		obj, ok := child.(map[string]any)
		if !ok {
			return false, invalidShape("Logical operator %s requires array of conditions", op)
		}
		matched, err := matchObject(record, obj)
		if err != nil {
			return false, err
		}
		results = append(results, matched)
	}

	switch op {
	case "$and":
		return all(results), nil
	case "$or":
		return len(results) > 0 && atLeastOne(results), nil
	case "$nand":
		if len(results) == 0 {
			return true, nil
		}
		return !all(results), nil
	case "$nor":
		if len(results) == 0 {
			return true, nil
		}
		return !atLeastOne(results), nil
	}

	return false, invalidShape("Logical operator %s requires array of conditions", op)
}

func all(results []bool) bool {
	for _, r := range results {
		if !r {
			return false
		}
	}
	return true
}

func atLeastOne(results []bool) bool {
	for _, r := range results {
		if r {
			return true
		}
	}
	return false
}

func matchField(record map[string]any, field string, value any) (bool, error) {
	ops, isOps := value.(map[string]any)
	if !isOps {
		return matchOperator(record, field, "$eq", value)
	}

	for op, operand := range ops {
		matched, err := matchOperator(record, field, op, operand)
		if err != nil {
			return false, err
		}
		if !matched {
			return false, nil
		}
	}
	return true, nil
}

func matchOperator(record map[string]any, field, op string, operand any) (bool, error) {
	actual, present := record[field]

	switch op {
	case "$eq":
		if operand == nil {
			return actual == nil, nil
		}
		return equalValues(actual, operand), nil
	case "$ne":
		if operand == nil {
			return actual != nil, nil
		}
		return !equalValues(actual, operand), nil
	case "$gt", "$gte", "$lt", "$lte":
		if operand == nil {
			return actual == nil, nil
		}
		cmp, comparable := compareValues(actual, operand)
		if !comparable {
			return false, nil
		}
		switch op {
		case "$gt":
			return cmp > 0, nil
		case "$gte":
			return cmp >= 0, nil
		case "$lt":
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}
	case "$like", "$nlike", "$ilike", "$nilike":
		matched, err := matchLike(actual, operand, op == "$ilike" || op == "$nilike")
		if err != nil {
			return false, err
		}
		if op == "$nlike" || op == "$nilike" {
			return !matched, nil
		}
		return matched, nil
	case "$regex", "$nregex":
		pattern, ok := operand.(string)
		if !ok {
			return false, invalidShape("Operator %s requires a string pattern", op)
		}
		s, ok := actual.(string)
		if !ok {
			return op == "$nregex", nil
		}
		matched, err := regexp.MatchString(pattern, s)
		if err != nil {
			return false, fmt.Errorf("invalid regex %q: %w", pattern, err)
		}
		if op == "$nregex" {
			return !matched, nil
		}
		return matched, nil
	case "$in", "$nin":
		list, ok := asValueList(operand)
		if !ok {
			return false, invalidShape("Operator %s requires array of values", op)
		}
		found := false
		for _, v := range list {
			if equalValues(actual, v) {
				found = true
				break
			}
		}
		if op == "$nin" {
			return !found, nil
		}
		return found, nil
	case "$between":
		list, ok := asValueList(operand)
		if !ok || len(list) != 2 {
			return false, invalidShape("Operator $between requires array of two values")
		}
		lo, loOK := compareValues(actual, list[0])
		hi, hiOK := compareValues(actual, list[1])
		return loOK && hiOK && lo >= 0 && hi <= 0, nil
	case "$exists":
		want, ok := operand.(bool)
		if !ok {
			return false, invalidShape("Operator $exists requires a boolean operand")
		}
		return (present && actual != nil) == want, nil
	case "$null":
		want, ok := operand.(bool)
		if !ok {
			return false, invalidShape("Operator $null requires a boolean operand")
		}
		return (actual == nil) == want, nil
	case "$any", "$nany", "$all", "$nall":
		return matchArrayOperator(actual, op, operand)
	case "$size":
		elems, _ := asValueList(actual)
		want, ok := toFloat(operand)
		if !ok {
			return false, invalidShape("Operator $size requires a numeric operand")
		}
		return float64(len(elems)) == want, nil
	case "$find", "$text", "$search":
		needle, ok := operand.(string)
		if !ok {
			return false, invalidShape("Operator %s requires a string operand", op)
		}
		s, ok := actual.(string)
		if !ok {
			return false, nil
		}
		return strings.Contains(strings.ToLower(s), strings.ToLower(needle)), nil
	}

	// Unknown operators do not constrain the match.
	return true, nil
}

func matchArrayOperator(actual any, op string, operand any) (bool, error) {
	elems, _ := asValueList(actual)
	want, ok := asValueList(operand)
	if !ok {
		want = []any{operand}
	}

	switch op {
	case "$any", "$nany":
		overlap := false
		for _, w := range want {
			for _, e := range elems {
				if equalValues(e, w) {
					overlap = true
					break
				}
			}
		}
		if op == "$nany" {
			return !overlap, nil
		}
		return overlap, nil
	default: // $all, $nall
		contains := true
		for _, w := range want {
			found := false
			for _, e := range elems {
				if equalValues(e, w) {
					found = true
					break
				}
			}
			if !found {
				contains = false
				break
			}
		}
		if op == "$nall" {
			return !contains, nil
		}
		return contains, nil
	}
}

func matchLike(actual, operand any, caseInsensitive bool) (bool, error) {
	pattern, ok := operand.(string)
	if !ok {
		return false, invalidShape("Operator $like requires a string pattern")
	}
	s, ok := actual.(string)
	if !ok {
		return false, nil
	}

	var sb strings.Builder
	sb.WriteString("^")
	if caseInsensitive {
		sb.WriteString("(?i)")
	}
	for _, r := range pattern {
		switch r {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")

	matched, err := regexp.MatchString(sb.String(), s)
	if err != nil {
		return false, fmt.Errorf("invalid like pattern %q: %w", pattern, err)
	}
	return matched, nil
}

// equalValues compares two loosely typed values, treating all numeric
// types as equivalent.
func equalValues(a, b any) bool {
	if cmp, ok := compareValues(a, b); ok {
		return cmp == 0
	}
	return a == b
}

// compareValues orders two loosely typed values when they are comparable:
// numerically when both are numbers, lexically when both are strings.
func compareValues(a, b any) (int, bool) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}

	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}

	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
