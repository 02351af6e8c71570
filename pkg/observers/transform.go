package observers

import (
	"context"

	"github.com/modelring/modelring/pkg/filter"
	"github.com/modelring/modelring/pkg/model"
	"github.com/modelring/modelring/pkg/pipeline"
)

// RecordGetter is the narrow read surface the preload observer needs.
// *storage.RecordStore implementations satisfy it.
type RecordGetter interface {
	GetByID(ctx context.Context, tenant, modelName, id string, mode filter.TrashedMode) (model.Record, error)
}

// DefaultValues fills absent create fields from their declared defaults.
type DefaultValues struct{}

var _ pipeline.Observer = (*DefaultValues)(nil)

func (DefaultValues) Name() string {
	return "default-values"
}

func (DefaultValues) Stage() pipeline.Stage {
	return pipeline.StageTransform
}

func (DefaultValues) Operations() []pipeline.Operation {
	return []pipeline.Operation{pipeline.OperationCreate}
}

func (DefaultValues) Execute(_ context.Context, run *pipeline.Context) error {
	for _, f := range run.Model.Fields {
		if f.Default == nil {
			continue
		}
		if v, present := run.Data[f.Name]; present && v != nil {
			continue
		}
		if run.Data == nil {
			run.Data = model.Record{}
		}
		run.Data[f.Name] = f.Default
	}
	return nil
}

// SnapshotPreload loads the prior record into the run context ahead of
// the storage stage, for diffing and audit.
type SnapshotPreload struct {
	store RecordGetter
}

// NewSnapshotPreload builds the preload observer over any store that can
// fetch by id.
func NewSnapshotPreload(store RecordGetter) *SnapshotPreload {
	return &SnapshotPreload{store: store}
}

var _ pipeline.Observer = (*SnapshotPreload)(nil)

func (*SnapshotPreload) Name() string {
	return "snapshot-preload"
}

func (*SnapshotPreload) Stage() pipeline.Stage {
	return pipeline.StagePreload
}

func (*SnapshotPreload) Operations() []pipeline.Operation {
	return []pipeline.Operation{
		pipeline.OperationUpdate,
		pipeline.OperationDelete,
		pipeline.OperationRevert,
	}
}

func (o *SnapshotPreload) Execute(ctx context.Context, run *pipeline.Context) error {
	if run.RecordID == "" || run.Previous != nil {
		return nil
	}

	mode := run.Trashed
	if run.Operation == pipeline.OperationRevert {
		// The record being reverted is trashed by definition.
		mode = filter.TrashedOnly
	}

	rec, err := o.store.GetByID(ctx, run.Tenant, run.ModelName, run.RecordID, mode)
	if err != nil {
		// A missing snapshot is not fatal here; the storage stage
		// reports the authoritative not-found.
		return nil
	}
	run.Previous = rec
	return nil
}
