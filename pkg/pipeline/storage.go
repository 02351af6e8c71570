package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/modelring/modelring/pkg/logger"
	"github.com/modelring/modelring/pkg/model"
	"github.com/modelring/modelring/pkg/storage"
)

// reservedColumns are managed by the storage layer and never diffed or
// written through observer data.
var reservedColumns = map[string]struct{}{
	"id":         {},
	"created_at": {},
	"updated_at": {},
	"trashed_at": {},
}

// StorageObserver is the sole bridge between the in-memory run context
// and persistent state. The engine invokes it directly for the reserved
// storage stage; it cannot be registered or overridden.
type StorageObserver struct {
	store  storage.RecordStore
	logger logger.Logger
}

func NewStorageObserver(store storage.RecordStore, l logger.Logger) *StorageObserver {
	return &StorageObserver{store: store, logger: l}
}

func (s *StorageObserver) Name() string {
	return "storage"
}

func (s *StorageObserver) Stage() Stage {
	return StageStorage
}

func (s *StorageObserver) Operations() []Operation {
	return nil
}

// Execute performs the run's storage operation. Precondition failures and
// storage errors are appended to the run context with their stable codes;
// the engine halts the remaining stages when any are present.
func (s *StorageObserver) Execute(ctx context.Context, run *Context) error {
	switch run.Operation {
	case OperationCreate:
		s.create(ctx, run)
	case OperationUpdate:
		s.update(ctx, run)
	case OperationDelete:
		s.delete(ctx, run)
	case OperationSelect:
		s.selectRecords(ctx, run)
	case OperationAccess:
		s.access(ctx, run)
	case OperationRevert:
		s.revert(ctx, run)
	default:
		run.AddError(Error{
			Code:    CodeUnsupportedDatabaseOperation,
			Message: fmt.Sprintf("operation %q is not supported by the storage stage", run.Operation),
		})
	}
	return nil
}

func (s *StorageObserver) create(ctx context.Context, run *Context) {
	if len(run.Data) == 0 {
		run.AddError(Error{
			Code:    CodeNoDataForCreate,
			Message: "create requires a non-empty input record",
		})
		return
	}

	rec, err := s.store.Insert(ctx, run.Tenant, run.ModelName, run.Data)
	if err != nil {
		s.fail(run, "insert", err)
		return
	}
	run.Result = rec
}

func (s *StorageObserver) update(ctx context.Context, run *Context) {
	if run.RecordID == "" {
		run.AddError(Error{
			Code:    CodeNoRecordIDForUpdate,
			Message: "update requires a target record id",
		})
		return
	}

	changes := diffChanges(run.Data, run.Previous)
	if len(changes) == 0 {
		run.AddError(Error{
			Code:    CodeNoUpdateData,
			Message: "update requires at least one changed field",
		})
		return
	}

	rec, err := s.store.Update(ctx, run.Tenant, run.ModelName, run.RecordID, changes)
	if err != nil {
		s.fail(run, "update", err)
		return
	}
	run.Result = rec
}

func (s *StorageObserver) delete(ctx context.Context, run *Context) {
	if run.RecordID == "" {
		run.AddError(Error{
			Code:    CodeNoRecordIDForDelete,
			Message: "delete requires a target record id",
		})
		return
	}

	if err := s.store.Delete(ctx, run.Tenant, run.ModelName, run.RecordID, run.HardDelete); err != nil {
		s.fail(run, "delete", err)
		return
	}

	if run.Previous != nil {
		run.Result = run.Previous
	} else {
		run.Result = model.Record{"id": run.RecordID}
	}
}

func (s *StorageObserver) selectRecords(ctx context.Context, run *Context) {
	switch {
	case run.RecordID != "":
		rec, err := s.store.GetByID(ctx, run.Tenant, run.ModelName, run.RecordID, run.Trashed)
		if err != nil {
			s.fail(run, "select", err)
			return
		}
		run.Result = rec
	case run.Filter != nil:
		if _, ok := run.Filter["aggregate"]; ok {
			rows, err := s.store.Aggregate(ctx, run.Tenant, run.ModelName, run.Filter, run.Trashed)
			if err != nil {
				s.fail(run, "aggregate", err)
				return
			}
			run.Result = rows
			return
		}
		rows, err := s.store.Query(ctx, run.Tenant, run.ModelName, run.Filter, run.Trashed, storage.QueryOptions{})
		if err != nil {
			s.fail(run, "query", err)
			return
		}
		run.Result = rows
	default:
		run.AddError(Error{
			Code:    CodeNoRecordIDForSelect,
			Message: "select requires a record id or a filter",
		})
	}
}

// access performs the authorization-band read: it resolves the record so
// later stages can inspect it, without exposing query semantics.
func (s *StorageObserver) access(ctx context.Context, run *Context) {
	if run.RecordID == "" {
		run.AddError(Error{
			Code:    CodeNoRecordIDForSelect,
			Message: "access requires a target record id",
		})
		return
	}

	rec, err := s.store.GetByID(ctx, run.Tenant, run.ModelName, run.RecordID, run.Trashed)
	if err != nil {
		s.fail(run, "access", err)
		return
	}
	run.Result = rec
}

func (s *StorageObserver) revert(ctx context.Context, run *Context) {
	if run.RecordID == "" {
		run.AddError(Error{
			Code:    CodeNoRecordIDForRevert,
			Message: "revert requires a target record id",
		})
		return
	}

	rec, err := s.store.Restore(ctx, run.Tenant, run.ModelName, run.RecordID)
	if err != nil {
		s.fail(run, "revert", err)
		return
	}
	run.SetMetadata(MetaRevertSource, run.Previous)
	run.Result = rec
}

// fail converts a storage error into a run error with the stable code,
// preserving not-found as its own message for diagnostics. Storage
// failures are never retried by the engine.
func (s *StorageObserver) fail(run *Context, op string, err error) {
	msg := fmt.Sprintf("%s failed: %v", op, err)
	if errors.Is(err, storage.ErrNotFound) {
		msg = fmt.Sprintf("%s: record not found", op)
	}

	s.logger.Warn("storage operation failed",
		zap.String("run_id", run.RunID),
		zap.String("model", run.ModelName),
		zap.String("operation", op),
		zap.Error(err),
	)
	run.AddError(Error{Code: CodeDatabaseOperationFailed, Message: msg})
}

// diffChanges computes the field-level diff between the input record and
// the previously loaded snapshot, so updates touch changed fields only.
// Reserved columns never count as changes. Without a snapshot every input
// field is a change.
func diffChanges(data, previous model.Record) model.Record {
	changes := model.Record{}
	for k, v := range data {
		if _, reserved := reservedColumns[k]; reserved {
			continue
		}
		if previous != nil {
			if prev, ok := previous[k]; ok && equalValue(prev, v) {
				continue
			}
		}
		changes[k] = v
	}
	return changes
}

func equalValue(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}
