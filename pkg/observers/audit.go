package observers

import (
	"context"

	"go.uber.org/zap"

	"github.com/modelring/modelring/pkg/logger"
	"github.com/modelring/modelring/pkg/pipeline"
)

// ChangeAudit logs writes to tracked fields after a successful storage
// operation and marks the run as audited.
type ChangeAudit struct {
	logger logger.Logger
}

func NewChangeAudit(l logger.Logger) *ChangeAudit {
	return &ChangeAudit{logger: l}
}

var _ pipeline.Observer = (*ChangeAudit)(nil)

func (*ChangeAudit) Name() string {
	return "change-audit"
}

func (*ChangeAudit) Stage() pipeline.Stage {
	return pipeline.StageAudit
}

func (*ChangeAudit) Operations() []pipeline.Operation {
	return []pipeline.Operation{
		pipeline.OperationCreate,
		pipeline.OperationUpdate,
		pipeline.OperationDelete,
		pipeline.OperationRevert,
	}
}

func (o *ChangeAudit) Execute(_ context.Context, run *pipeline.Context) error {
	var tracked []string
	for _, f := range run.Model.Fields {
		if !f.Tracked {
			continue
		}
		if _, present := run.Data[f.Name]; present || run.Operation != pipeline.OperationUpdate {
			tracked = append(tracked, f.Name)
		}
	}

	o.logger.Info("audit",
		zap.String("run_id", run.RunID),
		zap.String("tenant", run.Tenant),
		zap.String("model", run.ModelName),
		zap.String("operation", string(run.Operation)),
		zap.String("record_id", run.RecordID),
		zap.Strings("tracked_fields", tracked),
	)
	run.SetMetadata(pipeline.MetaAuditLogged, true)
	return nil
}
