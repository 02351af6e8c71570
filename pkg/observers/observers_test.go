package observers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/modelring/modelring/pkg/filter"
	"github.com/modelring/modelring/pkg/logger"
	"github.com/modelring/modelring/pkg/model"
	"github.com/modelring/modelring/pkg/pipeline"
	"github.com/modelring/modelring/pkg/storage/memory"
)

func accountModel() *model.Model {
	return &model.Model{
		Name: "account",
		Fields: []model.Field{
			{Name: "email", Type: model.FieldTypeString, Required: true, Tracked: true},
			{Name: "plan", Type: model.FieldTypeString, Enum: []string{"free", "pro"}, Default: "free"},
			{Name: "region", Type: model.FieldTypeString, Immutable: true},
			{Name: "credit", Type: model.FieldTypeInteger, Sudo: true},
		},
	}
}

func newRun(op pipeline.Operation, data model.Record) *pipeline.Context {
	return &pipeline.Context{
		Operation: op,
		Tenant:    "acme",
		ModelName: "account",
		Model:     accountModel(),
		Data:      data,
	}
}

func TestRequiredFields(t *testing.T) {
	tests := []struct {
		name   string
		op     pipeline.Operation
		data   model.Record
		errors int
	}{
		{"create with required field", pipeline.OperationCreate, model.Record{"email": "a@b"}, 0},
		{"create missing required field", pipeline.OperationCreate, model.Record{"plan": "pro"}, 1},
		{"create with empty required field", pipeline.OperationCreate, model.Record{"email": ""}, 1},
		{"create with nil required field", pipeline.OperationCreate, model.Record{"email": nil}, 1},
		{"update leaving required field alone", pipeline.OperationUpdate, model.Record{"plan": "pro"}, 0},
		{"update clearing required field", pipeline.OperationUpdate, model.Record{"email": nil}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := newRun(tt.op, tt.data)
			require.NoError(t, RequiredFields{}.Execute(context.Background(), run))

			errs := run.Errors()
			require.Len(t, errs, tt.errors)
			if tt.errors > 0 {
				require.Equal(t, pipeline.CodeValidationFailed, errs[0].Code)
				require.Equal(t, "email", errs[0].Field)
			}
		})
	}
}

func TestRequiredFieldsDefaultSatisfiesCreate(t *testing.T) {
	m := accountModel()
	m.Fields[0].Default = "nobody@example.com"

	run := newRun(pipeline.OperationCreate, model.Record{"plan": "pro"})
	run.Model = m
	require.NoError(t, RequiredFields{}.Execute(context.Background(), run))
	require.False(t, run.HasErrors())
}

func TestEnumFields(t *testing.T) {
	run := newRun(pipeline.OperationCreate, model.Record{"email": "a@b", "plan": "pro"})
	require.NoError(t, EnumFields{}.Execute(context.Background(), run))
	require.False(t, run.HasErrors())

	run = newRun(pipeline.OperationCreate, model.Record{"email": "a@b", "plan": "enterprise"})
	require.NoError(t, EnumFields{}.Execute(context.Background(), run))
	errs := run.Errors()
	require.Len(t, errs, 1)
	require.Equal(t, pipeline.CodeValidationFailed, errs[0].Code)
	require.Equal(t, "plan", errs[0].Field)

	// Absent and null enum fields are not checked.
	run = newRun(pipeline.OperationUpdate, model.Record{"plan": nil})
	require.NoError(t, EnumFields{}.Execute(context.Background(), run))
	require.False(t, run.HasErrors())
}

func TestImmutableFields(t *testing.T) {
	run := newRun(pipeline.OperationUpdate, model.Record{"region": "eu"})
	require.NoError(t, ImmutableFields{}.Execute(context.Background(), run))
	errs := run.Errors()
	require.Len(t, errs, 1)
	require.Equal(t, "region", errs[0].Field)

	run = newRun(pipeline.OperationUpdate, model.Record{"plan": "pro"})
	require.NoError(t, ImmutableFields{}.Execute(context.Background(), run))
	require.False(t, run.HasErrors())

	// Create never trips the check; the observer is update-only anyway.
	require.Equal(t, []pipeline.Operation{pipeline.OperationUpdate}, ImmutableFields{}.Operations())
}

func TestSudoFields(t *testing.T) {
	run := newRun(pipeline.OperationUpdate, model.Record{"credit": 100})
	require.NoError(t, SudoFields{}.Execute(context.Background(), run))
	errs := run.Errors()
	require.Len(t, errs, 1)
	require.Equal(t, pipeline.CodeAuthorizationFailed, errs[0].Code)
	require.Equal(t, "credit", errs[0].Field)

	run = newRun(pipeline.OperationUpdate, model.Record{"credit": 100})
	run.SetMetadata(pipeline.MetaCreatorRole, "admin")
	require.NoError(t, SudoFields{}.Execute(context.Background(), run))
	require.False(t, run.HasErrors())

	run = newRun(pipeline.OperationUpdate, model.Record{"plan": "pro"})
	require.NoError(t, SudoFields{}.Execute(context.Background(), run))
	require.False(t, run.HasErrors())
}

func TestDefaultValues(t *testing.T) {
	run := newRun(pipeline.OperationCreate, model.Record{"email": "a@b"})
	require.NoError(t, DefaultValues{}.Execute(context.Background(), run))
	require.Equal(t, "free", run.Data["plan"])

	// Explicit values win over defaults.
	run = newRun(pipeline.OperationCreate, model.Record{"email": "a@b", "plan": "pro"})
	require.NoError(t, DefaultValues{}.Execute(context.Background(), run))
	require.Equal(t, "pro", run.Data["plan"])

	// Nil data grows a map when a default applies.
	run = newRun(pipeline.OperationCreate, nil)
	require.NoError(t, DefaultValues{}.Execute(context.Background(), run))
	require.Equal(t, "free", run.Data["plan"])
}

func TestSnapshotPreload(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	rec, err := store.Insert(ctx, "acme", "account", model.Record{"email": "a@b"})
	require.NoError(t, err)
	id := rec["id"].(string)

	preload := NewSnapshotPreload(store)

	run := newRun(pipeline.OperationUpdate, model.Record{"plan": "pro"})
	run.RecordID = id
	require.NoError(t, preload.Execute(ctx, run))
	require.NotNil(t, run.Previous)
	require.Equal(t, "a@b", run.Previous["email"])

	// An existing snapshot is not overwritten.
	run = newRun(pipeline.OperationUpdate, nil)
	run.RecordID = id
	run.Previous = model.Record{"email": "cached"}
	require.NoError(t, preload.Execute(ctx, run))
	require.Equal(t, "cached", run.Previous["email"])

	// A missing record is left for the storage stage to report.
	run = newRun(pipeline.OperationUpdate, nil)
	run.RecordID = "nope"
	require.NoError(t, preload.Execute(ctx, run))
	require.Nil(t, run.Previous)
	require.False(t, run.HasErrors())
}

func TestSnapshotPreloadRevertReadsTrashed(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	rec, err := store.Insert(ctx, "acme", "account", model.Record{"email": "a@b"})
	require.NoError(t, err)
	id := rec["id"].(string)
	require.NoError(t, store.Delete(ctx, "acme", "account", id, false))

	run := newRun(pipeline.OperationRevert, nil)
	run.RecordID = id
	run.Trashed = filter.TrashedExclude
	require.NoError(t, NewSnapshotPreload(store).Execute(ctx, run))
	require.NotNil(t, run.Previous)
	require.NotNil(t, run.Previous["trashed_at"])
}

func TestChangeAudit(t *testing.T) {
	audit := NewChangeAudit(logger.NewNoopLogger())

	run := newRun(pipeline.OperationUpdate, model.Record{"email": "new@b"})
	require.NoError(t, audit.Execute(context.Background(), run))

	v, ok := run.Metadata(pipeline.MetaAuditLogged)
	require.True(t, ok)
	require.Equal(t, true, v)
}
