package filter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompileAggregate(t *testing.T) {
	body := map[string]any{
		"aggregate": map[string]any{
			"total":      map[string]any{"$count": "*"},
			"avg_age":    map[string]any{"$avg": "age"},
			"cities":     map[string]any{"$distinct": "city"},
			"max_logins": map[string]any{"$max": "login_count"},
		},
		"where":   map[string]any{"status": "active"},
		"groupBy": []any{"country", "city"},
	}

	stmt, err := CompileAggregate(body, WithTrashed(TrashedInclude))
	require.NoError(t, err)

	// Aliases render in sorted order.
	require.Equal(t, []string{
		`AVG("age") AS "avg_age"`,
		`COUNT(DISTINCT "city") AS "cities"`,
		`MAX("login_count") AS "max_logins"`,
		`COUNT(*) AS "total"`,
	}, stmt.Columns)
	require.Equal(t,
		`AVG("age") AS "avg_age", COUNT(DISTINCT "city") AS "cities", MAX("login_count") AS "max_logins", COUNT(*) AS "total"`,
		stmt.SelectSQL())

	require.NotNil(t, stmt.Where)
	require.Equal(t, `"status" = $1`, stmt.Where.SQL())
	require.Equal(t, []any{"active"}, stmt.Where.Params())

	require.Equal(t, []string{`"country"`, `"city"`}, stmt.GroupBy)
	require.Equal(t, `"country", "city"`, stmt.GroupBySQL())
}

func TestCompileAggregateMinimal(t *testing.T) {
	stmt, err := CompileAggregate(map[string]any{
		"aggregate": map[string]any{"n": map[string]any{"$count": "*"}},
	})
	require.NoError(t, err)
	require.Equal(t, []string{`COUNT(*) AS "n"`}, stmt.Columns)
	require.Nil(t, stmt.Where)
	require.Empty(t, stmt.GroupBy)
}

func TestCompileAggregateGroupByAliases(t *testing.T) {
	// A bare string is a one-column grouping and the snake_case spelling
	// is accepted, with groupBy taking precedence.
	stmt, err := CompileAggregate(map[string]any{
		"aggregate": map[string]any{"n": map[string]any{"$count": "*"}},
		"group_by":  "city",
	})
	require.NoError(t, err)
	require.Equal(t, []string{`"city"`}, stmt.GroupBy)

	stmt, err = CompileAggregate(map[string]any{
		"aggregate": map[string]any{"n": map[string]any{"$count": "*"}},
		"groupBy":   "country",
		"group_by":  "city",
	})
	require.NoError(t, err)
	require.Equal(t, []string{`"country"`}, stmt.GroupBy)
}

func TestCompileAggregateErrors(t *testing.T) {
	tests := []struct {
		name string
		body any
		code string
	}{
		{
			name: "nil body",
			body: nil,
			code: CodeBodyNotObject,
		},
		{
			name: "non-object body",
			body: "count",
			code: CodeBodyNotObject,
		},
		{
			name: "missing aggregate field",
			body: map[string]any{"where": map[string]any{}},
			code: CodeBodyMissingField,
		},
		{
			name: "empty aggregate field",
			body: map[string]any{"aggregate": map[string]any{}},
			code: CodeBodyMissingField,
		},
		{
			name: "two operators on one alias",
			body: map[string]any{"aggregate": map[string]any{
				"n": map[string]any{"$count": "*", "$sum": "age"},
			}},
			code: CodeInvalidOperatorShape,
		},
		{
			name: "unknown aggregate operator",
			body: map[string]any{"aggregate": map[string]any{
				"n": map[string]any{"$median": "age"},
			}},
			code: CodeInvalidOperatorShape,
		},
		{
			name: "operator without a field name",
			body: map[string]any{"aggregate": map[string]any{
				"n": map[string]any{"$sum": 7},
			}},
			code: CodeInvalidOperatorShape,
		},
		{
			name: "non-object where",
			body: map[string]any{
				"aggregate": map[string]any{"n": map[string]any{"$count": "*"}},
				"where":     "status = active",
			},
			code: CodeInvalidOperatorShape,
		},
		{
			name: "non-string groupBy entry",
			body: map[string]any{
				"aggregate": map[string]any{"n": map[string]any{"$count": "*"}},
				"groupBy":   []any{1},
			},
			code: CodeInvalidOperatorShape,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileAggregate(tt.body)
			var cerr *CompileError
			require.ErrorAs(t, err, &cerr)
			require.Equal(t, tt.code, cerr.Code)
		})
	}
}
