package filter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatch(t *testing.T) {
	record := map[string]any{
		"name":    "Ada",
		"age":     36,
		"status":  "active",
		"score":   4.5,
		"city":    nil,
		"tags":    []any{"go", "sql"},
		"bio":     "Writes compilers for fun",
		"deleted": false,
	}

	tests := []struct {
		name string
		tree map[string]any
		want bool
	}{
		{"nil tree matches", nil, true},
		{"implicit eq", map[string]any{"status": "active"}, true},
		{"implicit eq miss", map[string]any{"status": "blocked"}, false},
		{"eq null on null field", map[string]any{"city": nil}, true},
		{"eq null on set field", map[string]any{"name": nil}, false},
		{"numeric eq across types", map[string]any{"age": 36.0}, true},
		{"ne", map[string]any{"status": map[string]any{"$ne": "blocked"}}, true},
		{"gt", map[string]any{"age": map[string]any{"$gt": 30}}, true},
		{"gte boundary", map[string]any{"age": map[string]any{"$gte": 36}}, true},
		{"lt miss", map[string]any{"age": map[string]any{"$lt": 36}}, false},
		{"string ordering", map[string]any{"name": map[string]any{"$lt": "Bob"}}, true},
		{"incomparable types never order", map[string]any{"name": map[string]any{"$gt": 1}}, false},
		{"like", map[string]any{"name": map[string]any{"$like": "A%"}}, true},
		{"like underscore", map[string]any{"name": map[string]any{"$like": "A_a"}}, true},
		{"like is case sensitive", map[string]any{"name": map[string]any{"$like": "a%"}}, false},
		{"ilike", map[string]any{"name": map[string]any{"$ilike": "a%"}}, true},
		{"nlike", map[string]any{"name": map[string]any{"$nlike": "B%"}}, true},
		{"regex", map[string]any{"name": map[string]any{"$regex": "^A.a$"}}, true},
		{"nregex", map[string]any{"name": map[string]any{"$nregex": "^B"}}, true},
		{"in", map[string]any{"status": map[string]any{"$in": []any{"active", "blocked"}}}, true},
		{"empty in", map[string]any{"status": map[string]any{"$in": []any{}}}, false},
		{"nin", map[string]any{"status": map[string]any{"$nin": []any{"blocked"}}}, true},
		{"empty nin", map[string]any{"status": map[string]any{"$nin": []any{}}}, true},
		{"between", map[string]any{"age": map[string]any{"$between": []any{30, 40}}}, true},
		{"between boundary", map[string]any{"age": map[string]any{"$between": []any{36, 40}}}, true},
		{"between miss", map[string]any{"age": map[string]any{"$between": []any{40, 50}}}, false},
		{"exists true on set field", map[string]any{"name": map[string]any{"$exists": true}}, true},
		{"exists true on null field", map[string]any{"city": map[string]any{"$exists": true}}, false},
		{"exists false on absent field", map[string]any{"ghost": map[string]any{"$exists": false}}, true},
		{"null true", map[string]any{"city": map[string]any{"$null": true}}, true},
		{"null false", map[string]any{"name": map[string]any{"$null": false}}, true},
		{"any", map[string]any{"tags": map[string]any{"$any": []any{"rust", "go"}}}, true},
		{"any miss", map[string]any{"tags": map[string]any{"$any": []any{"rust"}}}, false},
		{"nany", map[string]any{"tags": map[string]any{"$nany": []any{"rust"}}}, true},
		{"all", map[string]any{"tags": map[string]any{"$all": []any{"go", "sql"}}}, true},
		{"all miss", map[string]any{"tags": map[string]any{"$all": []any{"go", "rust"}}}, false},
		{"nall", map[string]any{"tags": map[string]any{"$nall": []any{"go", "rust"}}}, true},
		{"scalar any operand", map[string]any{"tags": map[string]any{"$any": "go"}}, true},
		{"size", map[string]any{"tags": map[string]any{"$size": 2}}, true},
		{"size miss", map[string]any{"tags": map[string]any{"$size": 3}}, false},
		{"search is substring match", map[string]any{"bio": map[string]any{"$search": "COMPILERS"}}, true},
		{"search miss", map[string]any{"bio": map[string]any{"$search": "parsers"}}, false},
		{"unknown operator does not constrain", map[string]any{"age": map[string]any{"$bogus": 1}}, true},
		{
			"and",
			map[string]any{"$and": []any{
				map[string]any{"status": "active"},
				map[string]any{"age": map[string]any{"$gt": 30}},
			}},
			true,
		},
		{"empty and", map[string]any{"$and": []any{}}, true},
		{
			"or short circuits on second child",
			map[string]any{"$or": []any{
				map[string]any{"status": "blocked"},
				map[string]any{"age": 36},
			}},
			true,
		},
		{"empty or", map[string]any{"$or": []any{}}, false},
		{"empty nand", map[string]any{"$nand": []any{}}, true},
		{"empty nor", map[string]any{"$nor": []any{}}, true},
		{
			"nand",
			map[string]any{"$nand": []any{
				map[string]any{"status": "active"},
				map[string]any{"age": 36},
			}},
			false,
		},
		{
			"nor",
			map[string]any{"$nor": []any{
				map[string]any{"status": "blocked"},
				map[string]any{"age": 99},
			}},
			true,
		},
		{"not", map[string]any{"$not": map[string]any{"status": "blocked"}}, true},
		{
			"double negation",
			map[string]any{"$not": map[string]any{
				"$not": map[string]any{"status": "active"},
			}},
			true,
		},
		{
			"conjunction of operators on one field",
			map[string]any{"age": map[string]any{"$gte": 30, "$lt": 40}},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Match(record, tt.tree)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestMatchShapeErrors(t *testing.T) {
	record := map[string]any{"a": 1}

	tests := []struct {
		name string
		tree map[string]any
	}{
		{"and requires an array", map[string]any{"$and": "nope"}},
		{"not rejects two conditions", map[string]any{"$not": []any{
			map[string]any{"a": 1},
			map[string]any{"b": 2},
		}}},
		{"between requires two values", map[string]any{"a": map[string]any{"$between": []any{1}}}},
		{"exists requires a boolean", map[string]any{"a": map[string]any{"$exists": "yes"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Match(record, tt.tree)
			var cerr *CompileError
			require.ErrorAs(t, err, &cerr)
			require.Equal(t, CodeInvalidOperatorShape, cerr.Code)
		})
	}
}

// Match and CompileWhere agree on the operators both sides implement. The
// in-memory backend relies on this equivalence for query semantics.
func TestMatchMirrorsCompiler(t *testing.T) {
	tree := map[string]any{
		"$or": []any{
			map[string]any{"status": "active", "age": map[string]any{"$gte": 18}},
			map[string]any{"tags": map[string]any{"$any": []any{"vip"}}},
		},
	}

	// The same tree must both compile and evaluate.
	pred, err := CompileWhere(tree, WithTrashed(TrashedInclude))
	require.NoError(t, err)
	require.NotEmpty(t, pred.SQL())

	records := []struct {
		record map[string]any
		want   bool
	}{
		{map[string]any{"status": "active", "age": 21, "tags": []any{}}, true},
		{map[string]any{"status": "active", "age": 12, "tags": []any{}}, false},
		{map[string]any{"status": "blocked", "age": 12, "tags": []any{"vip"}}, true},
	}
	for _, tt := range records {
		got, err := Match(tt.record, tree)
		require.NoError(t, err)
		require.Equal(t, tt.want, got)
	}
}
