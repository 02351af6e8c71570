package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/modelring/modelring/pkg/filter"
	"github.com/modelring/modelring/pkg/model"
	"github.com/modelring/modelring/pkg/storage"
)

// Aggregate see [storage.RecordStore].Aggregate. The body is validated with
// the shared aggregate compiler so this backend rejects exactly what the
// SQL backend would, then the aggregates are computed in-process.
func (d *Datastore) Aggregate(ctx context.Context, tenant, modelName string, body any, mode filter.TrashedMode) ([]model.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.ErrCancelled
	}
	if _, err := filter.CompileAggregate(body, filter.WithTrashed(mode)); err != nil {
		return nil, err
	}

	obj := body.(map[string]any)
	aggregates := obj["aggregate"].(map[string]any)

	var tree map[string]any
	if where, ok := obj["where"].(map[string]any); ok {
		tree = where
	}

	groupFields := groupByFields(obj)

	d.mu.RLock()
	rows, err := d.matching(tenant, modelName, tree, mode)
	d.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	groups := make(map[string][]model.Record)
	var order []string
	for _, row := range rows {
		key := groupKey(row, groupFields)
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], row)
	}
	if len(groups) == 0 && len(groupFields) == 0 {
		// Aggregates over an empty set still yield one row.
		groups[""] = nil
		order = append(order, "")
	}
	sort.Strings(order)

	aliases := make([]string, 0, len(aggregates))
	for alias := range aggregates {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)

	out := make([]model.Record, 0, len(order))
	for _, key := range order {
		group := groups[key]
		result := model.Record{}
		if len(group) > 0 {
			for _, f := range groupFields {
				result[f] = group[0][f]
			}
		}
		for _, alias := range aliases {
			spec := aggregates[alias].(map[string]any)
			for op, rawField := range spec {
				result[alias] = computeAggregate(op, rawField.(string), group)
			}
		}
		out = append(out, result)
	}

	return out, nil
}

func groupByFields(obj map[string]any) []string {
	raw := obj["groupBy"]
	if raw == nil {
		raw = obj["group_by"]
	}
	switch v := raw.(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		fields := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				fields = append(fields, s)
			}
		}
		return fields
	default:
		return nil
	}
}

func groupKey(row model.Record, fields []string) string {
	if len(fields) == 0 {
		return ""
	}
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = fmt.Sprint(row[f])
	}
	return strings.Join(parts, "\x00")
}

func computeAggregate(op, field string, group []model.Record) any {
	switch op {
	case "$count":
		if field == "*" {
			return len(group)
		}
		n := 0
		for _, row := range group {
			if row[field] != nil {
				n++
			}
		}
		return n
	case "$distinct":
		seen := make(map[string]struct{})
		for _, row := range group {
			if v := row[field]; v != nil {
				seen[fmt.Sprint(v)] = struct{}{}
			}
		}
		return len(seen)
	case "$sum", "$avg", "$min", "$max":
		var nums []float64
		for _, row := range group {
			if f, ok := asFloat(row[field]); ok {
				nums = append(nums, f)
			}
		}
		if len(nums) == 0 {
			return nil
		}
		switch op {
		case "$sum":
			return sum(nums)
		case "$avg":
			return sum(nums) / float64(len(nums))
		case "$min":
			out := nums[0]
			for _, f := range nums[1:] {
				if f < out {
					out = f
				}
			}
			return out
		default:
			out := nums[0]
			for _, f := range nums[1:] {
				if f > out {
					out = f
				}
			}
			return out
		}
	}
	return nil
}

func sum(nums []float64) float64 {
	var total float64
	for _, f := range nums {
		total += f
	}
	return total
}
