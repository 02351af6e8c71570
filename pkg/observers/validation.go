// Package observers provides the built-in observer set: metadata-driven
// validation, field defaults, snapshot preloading and audit logging.
// Applications register these alongside their own observers.
package observers

import (
	"context"
	"fmt"

	"github.com/modelring/modelring/pkg/pipeline"
)

// RequiredFields rejects create input missing a required field and update
// input nulling one out.
type RequiredFields struct{}

var _ pipeline.Observer = (*RequiredFields)(nil)

func (RequiredFields) Name() string {
	return "required-fields"
}

func (RequiredFields) Stage() pipeline.Stage {
	return pipeline.StageValidation
}

func (RequiredFields) Operations() []pipeline.Operation {
	return []pipeline.Operation{pipeline.OperationCreate, pipeline.OperationUpdate}
}

func (RequiredFields) Execute(_ context.Context, run *pipeline.Context) error {
	for _, f := range run.Model.Fields {
		if !f.Required {
			continue
		}

		v, present := run.Data[f.Name]
		switch run.Operation {
		case pipeline.OperationCreate:
			if (!present || v == nil || v == "") && f.Default == nil {
				run.Errorf(pipeline.CodeValidationFailed, f.Name,
					fmt.Sprintf("field %q is required", f.Name))
			}
		case pipeline.OperationUpdate:
			if present && (v == nil || v == "") {
				run.Errorf(pipeline.CodeValidationFailed, f.Name,
					fmt.Sprintf("field %q cannot be cleared", f.Name))
			}
		}
	}
	return nil
}

// EnumFields rejects values outside a field's declared enum.
type EnumFields struct{}

var _ pipeline.Observer = (*EnumFields)(nil)

func (EnumFields) Name() string {
	return "enum-fields"
}

func (EnumFields) Stage() pipeline.Stage {
	return pipeline.StageValidation
}

func (EnumFields) Operations() []pipeline.Operation {
	return []pipeline.Operation{pipeline.OperationCreate, pipeline.OperationUpdate}
}

func (EnumFields) Execute(_ context.Context, run *pipeline.Context) error {
	for _, f := range run.Model.Fields {
		if len(f.Enum) == 0 {
			continue
		}
		v, present := run.Data[f.Name]
		if !present || v == nil {
			continue
		}

		s, ok := v.(string)
		if !ok || !contains(f.Enum, s) {
			run.Errorf(pipeline.CodeValidationFailed, f.Name,
				fmt.Sprintf("value %v is not one of the allowed values for %q", v, f.Name))
		}
	}
	return nil
}

// ImmutableFields rejects updates that touch fields declared immutable.
type ImmutableFields struct{}

var _ pipeline.Observer = (*ImmutableFields)(nil)

func (ImmutableFields) Name() string {
	return "immutable-fields"
}

func (ImmutableFields) Stage() pipeline.Stage {
	return pipeline.StageValidation
}

func (ImmutableFields) Operations() []pipeline.Operation {
	return []pipeline.Operation{pipeline.OperationUpdate}
}

func (ImmutableFields) Execute(_ context.Context, run *pipeline.Context) error {
	for _, f := range run.Model.Fields {
		if !f.Immutable {
			continue
		}
		if _, present := run.Data[f.Name]; present {
			run.Errorf(pipeline.CodeValidationFailed, f.Name,
				fmt.Sprintf("field %q is immutable", f.Name))
		}
	}
	return nil
}

// SudoFields restricts writes to sudo-flagged fields to administrative
// callers, identified by the creator_role metadata entry.
type SudoFields struct{}

var _ pipeline.Observer = (*SudoFields)(nil)

func (SudoFields) Name() string {
	return "sudo-fields"
}

func (SudoFields) Stage() pipeline.Stage {
	return pipeline.StageAuthorization
}

func (SudoFields) Operations() []pipeline.Operation {
	return []pipeline.Operation{pipeline.OperationCreate, pipeline.OperationUpdate}
}

func (SudoFields) Execute(_ context.Context, run *pipeline.Context) error {
	role, _ := run.Metadata(pipeline.MetaCreatorRole)
	if role == "admin" {
		return nil
	}

	for _, f := range run.Model.Fields {
		if !f.Sudo {
			continue
		}
		if _, present := run.Data[f.Name]; present {
			run.Errorf(pipeline.CodeAuthorizationFailed, f.Name,
				fmt.Sprintf("field %q requires administrative privileges", f.Name))
		}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
