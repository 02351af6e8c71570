// Package memory provides an in-memory implementation of
// [storage.RecordStore]. It backs tests and the embedded datastore engine;
// filters are evaluated with the same condition-tree dialect the postgres
// backend compiles to SQL.
package memory

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/modelring/modelring/pkg/filter"
	"github.com/modelring/modelring/pkg/model"
	"github.com/modelring/modelring/pkg/storage"
)

type tableKey struct {
	tenant string
	model  string
}

// Datastore is an in-memory record store. Safe for concurrent use.
type Datastore struct {
	mu      sync.RWMutex
	tables  map[tableKey]map[string]model.Record
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

var _ storage.RecordStore = (*Datastore)(nil)

type Option func(*Datastore)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Datastore) {
		d.now = now
	}
}

func New(opts ...Option) *Datastore {
	d := &Datastore{
		tables:  make(map[tableKey]map[string]model.Record),
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// table returns the live table, creating it on first use. The caller
// holds the write lock.
func (d *Datastore) table(tenant, modelName string) map[string]model.Record {
	key := tableKey{tenant: tenant, model: modelName}
	tbl, ok := d.tables[key]
	if !ok {
		tbl = make(map[string]model.Record)
		d.tables[key] = tbl
	}
	return tbl
}

// lookup returns the live table without creating it. Safe under the read
// lock.
func (d *Datastore) lookup(tenant, modelName string) map[string]model.Record {
	return d.tables[tableKey{tenant: tenant, model: modelName}]
}

func copyRecord(rec model.Record) model.Record {
	out := make(model.Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}

// Insert see [storage.RecordStore].Insert.
func (d *Datastore) Insert(ctx context.Context, tenant, modelName string, record model.Record) (model.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.ErrCancelled
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	row := copyRecord(record)
	id, _ := row["id"].(string)
	if id == "" {
		id = ulid.MustNew(ulid.Timestamp(d.now()), d.entropy).String()
		row["id"] = id
	}

	tbl := d.table(tenant, modelName)
	if _, exists := tbl[id]; exists {
		return nil, storage.ErrCollision
	}

	now := d.now()
	row["created_at"] = now
	row["updated_at"] = now
	row["trashed_at"] = nil
	tbl[id] = row

	return copyRecord(row), nil
}

// Update see [storage.RecordStore].Update.
func (d *Datastore) Update(ctx context.Context, tenant, modelName, id string, changes model.Record) (model.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.ErrCancelled
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	tbl := d.table(tenant, modelName)
	row, ok := tbl[id]
	if !ok || row["trashed_at"] != nil {
		return nil, storage.ErrNotFound
	}

	for k, v := range changes {
		if k == "id" || k == "created_at" || k == "updated_at" || k == "trashed_at" {
			continue
		}
		row[k] = v
	}
	row["updated_at"] = d.now()

	return copyRecord(row), nil
}

// Delete see [storage.RecordStore].Delete.
func (d *Datastore) Delete(ctx context.Context, tenant, modelName, id string, hard bool) error {
	if err := ctx.Err(); err != nil {
		return storage.ErrCancelled
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	tbl := d.table(tenant, modelName)
	row, ok := tbl[id]
	if !ok {
		return storage.ErrNotFound
	}

	if hard {
		delete(tbl, id)
		return nil
	}

	if row["trashed_at"] != nil {
		return storage.ErrNotFound
	}
	row["trashed_at"] = d.now()
	return nil
}

// Restore see [storage.RecordStore].Restore.
func (d *Datastore) Restore(ctx context.Context, tenant, modelName, id string) (model.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.ErrCancelled
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	tbl := d.table(tenant, modelName)
	row, ok := tbl[id]
	if !ok || row["trashed_at"] == nil {
		return nil, storage.ErrNotFound
	}

	row["trashed_at"] = nil
	row["updated_at"] = d.now()
	return copyRecord(row), nil
}

func visible(row model.Record, mode filter.TrashedMode) bool {
	trashed := row["trashed_at"] != nil
	switch mode {
	case filter.TrashedOnly:
		return trashed
	case filter.TrashedInclude:
		return true
	default:
		return !trashed
	}
}

// GetByID see [storage.RecordStore].GetByID.
func (d *Datastore) GetByID(ctx context.Context, tenant, modelName, id string, mode filter.TrashedMode) (model.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.ErrCancelled
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	row, ok := d.lookup(tenant, modelName)[id]
	if !ok || !visible(row, mode) {
		return nil, storage.ErrNotFound
	}
	return copyRecord(row), nil
}

// Query see [storage.RecordStore].Query.
func (d *Datastore) Query(ctx context.Context, tenant, modelName string, tree map[string]any, mode filter.TrashedMode, opts storage.QueryOptions) ([]model.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.ErrCancelled
	}

	d.mu.RLock()
	rows, err := d.matching(tenant, modelName, tree, mode)
	d.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	sortBy := opts.SortBy
	if sortBy == "" {
		sortBy = "id"
	}
	sort.Slice(rows, func(i, j int) bool {
		less := lessByField(rows[i], rows[j], sortBy)
		if opts.Descending {
			return !less
		}
		return less
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(rows) {
			return []model.Record{}, nil
		}
		rows = rows[opts.Offset:]
	}
	if limit := opts.PageSize(); len(rows) > limit {
		rows = rows[:limit]
	}

	return rows, nil
}

// matching collects copies of the visible rows satisfying the tree. The
// caller holds at least a read lock.
func (d *Datastore) matching(tenant, modelName string, tree map[string]any, mode filter.TrashedMode) ([]model.Record, error) {
	tbl := d.lookup(tenant, modelName)
	rows := make([]model.Record, 0, len(tbl))
	for _, row := range tbl {
		if !visible(row, mode) {
			continue
		}
		if tree != nil {
			matched, err := filter.Match(row, tree)
			if err != nil {
				return nil, err
			}
			if !matched {
				continue
			}
		}
		rows = append(rows, copyRecord(row))
	}
	return rows, nil
}

func lessByField(a, b model.Record, field string) bool {
	av, bv := a[field], b[field]
	if at, ok := av.(time.Time); ok {
		if bt, ok := bv.(time.Time); ok {
			return at.Before(bt)
		}
	}
	if as, ok := av.(string); ok {
		if bs, ok := bv.(string); ok {
			return as < bs
		}
	}
	af, aok := asFloat(av)
	bf, bok := asFloat(bv)
	if aok && bok {
		return af < bf
	}
	return false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// Close see [storage.RecordStore].Close.
func (d *Datastore) Close() {}
