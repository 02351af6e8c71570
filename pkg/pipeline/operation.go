// Package pipeline implements the ring-based observer execution engine:
// every operation against a tenant's model passes through an ordered set
// of stages, each stage running its registered observers, with stage 5
// reserved for the storage operation itself.
package pipeline

// Operation is the kind of request a pipeline run executes.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
	OperationSelect Operation = "select"
	OperationAccess Operation = "access"
	OperationRevert Operation = "revert"
)

// Stage is one of the ten fixed phases of a pipeline run. Stages 0-4 run
// before storage, stage 5 is reserved for storage, stages 6-9 run after.
type Stage int

const (
	StageValidation    Stage = 0
	StageAuthorization Stage = 1
	StageBusinessLogic Stage = 2
	StageTransform     Stage = 3
	StagePreload       Stage = 4
	StageStorage       Stage = 5
	StageDerivedState  Stage = 6
	StageAudit         Stage = 7
	StageNotification  Stage = 8
	StageIntegration   Stage = 9
)

func (s Stage) String() string {
	switch s {
	case StageValidation:
		return "validation"
	case StageAuthorization:
		return "authorization"
	case StageBusinessLogic:
		return "business-logic"
	case StageTransform:
		return "transform"
	case StagePreload:
		return "preload"
	case StageStorage:
		return "storage"
	case StageDerivedState:
		return "derived-state"
	case StageAudit:
		return "audit"
	case StageNotification:
		return "notification"
	case StageIntegration:
		return "integration"
	}
	return "unknown"
}

// ringMatrix maps each operation to the ordered subset of stages that
// apply to it. Operations skip stages that cannot do useful work for
// them: create has no prior record to preload, select neither validates
// input fields nor notifies, access only authorizes, reads and audits.
var ringMatrix = map[Operation][]Stage{
	OperationCreate: {StageValidation, StageAuthorization, StageBusinessLogic, StageTransform, StageStorage, StageDerivedState, StageAudit, StageNotification, StageIntegration},
	OperationUpdate: {StageValidation, StageAuthorization, StageBusinessLogic, StageTransform, StagePreload, StageStorage, StageDerivedState, StageAudit, StageNotification, StageIntegration},
	OperationDelete: {StageAuthorization, StageBusinessLogic, StagePreload, StageStorage, StageAudit, StageNotification, StageIntegration},
	OperationSelect: {StageAuthorization, StagePreload, StageStorage, StageDerivedState},
	OperationAccess: {StageAuthorization, StageStorage, StageAudit},
	OperationRevert: {StageAuthorization, StageBusinessLogic, StagePreload, StageStorage, StageDerivedState, StageAudit, StageNotification, StageIntegration},
}

// StagesFor returns the ordered stage list for an operation. Unknown
// operations map to the storage stage alone, where the storage observer
// reports them as unsupported.
func StagesFor(op Operation) []Stage {
	stages, ok := ringMatrix[op]
	if !ok {
		return []Stage{StageStorage}
	}
	out := make([]Stage, len(stages))
	copy(out, stages)
	return out
}
