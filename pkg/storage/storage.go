// Package storage contains the record store interface the pipeline's
// storage stage writes through, and the sentinel errors its backends share.
package storage

import (
	"context"
	"errors"

	"github.com/modelring/modelring/pkg/filter"
	"github.com/modelring/modelring/pkg/model"
)

var (
	// ErrNotFound if no record matches the requested identifier.
	ErrNotFound = errors.New("record not found")
	// ErrCollision if a uniqueness constraint rejected the write.
	ErrCollision = errors.New("record already exists")
	// ErrCancelled if the request was cancelled mid-operation.
	ErrCancelled = errors.New("request has been cancelled")
)

const (
	// DefaultPageSize bounds Query results when the caller does not.
	DefaultPageSize = 50
	// MaxPageSize is the hard ceiling on one Query page.
	MaxPageSize = 1000
)

// QueryOptions bounds and orders a Query.
type QueryOptions struct {
	Limit      int
	Offset     int
	SortBy     string
	Descending bool
}

// PageSize returns the effective limit for the query.
func (o QueryOptions) PageSize() int {
	switch {
	case o.Limit <= 0:
		return DefaultPageSize
	case o.Limit > MaxPageSize:
		return MaxPageSize
	default:
		return o.Limit
	}
}

// RecordStore is the bridge between pipeline runs and persistent state.
// One table (or table equivalent) exists per (tenant, model) pair; the
// columns id, created_at, updated_at and trashed_at are reserved.
//
// All methods operate within whatever transaction scope the provided
// context carries; the store never retries failed writes.
type RecordStore interface {
	// Insert stores a new record and returns it with generated fields
	// (id, timestamps) populated.
	Insert(ctx context.Context, tenant, modelName string, record model.Record) (model.Record, error)

	// Update applies the given changed fields to one record and returns
	// the updated row. Returns ErrNotFound if no live record has the id.
	Update(ctx context.Context, tenant, modelName, id string, changes model.Record) (model.Record, error)

	// Delete soft-deletes the record by stamping trashed_at, or removes
	// the row outright when hard is set.
	Delete(ctx context.Context, tenant, modelName, id string, hard bool) error

	// Restore clears the trashed_at stamp of a soft-deleted record and
	// returns the restored row.
	Restore(ctx context.Context, tenant, modelName, id string) (model.Record, error)

	// GetByID returns one record subject to the trashed visibility mode.
	GetByID(ctx context.Context, tenant, modelName, id string, mode filter.TrashedMode) (model.Record, error)

	// Query returns the records matching the condition tree, subject to
	// the trashed visibility mode and the query options.
	Query(ctx context.Context, tenant, modelName string, tree map[string]any, mode filter.TrashedMode, opts QueryOptions) ([]model.Record, error)

	// Aggregate evaluates a compiled aggregate body and returns one row
	// per group.
	Aggregate(ctx context.Context, tenant, modelName string, body any, mode filter.TrashedMode) ([]model.Record, error)

	// Close releases the backend's resources.
	Close()
}
