package filter

import "fmt"

// Stable error codes surfaced to callers of the compiler.
const (
	CodeInvalidOperatorShape = "InvalidOperatorShape"
	CodeBodyNotObject        = "BodyNotObject"
	CodeBodyMissingField     = "BodyMissingField"
)

// CompileError is a filter compilation failure with a machine readable code.
type CompileError struct {
	Code    string
	Message string
}

func (e *CompileError) Error() string {
	return e.Message
}

func invalidShape(format string, args ...any) *CompileError {
	return &CompileError{
		Code:    CodeInvalidOperatorShape,
		Message: fmt.Sprintf(format, args...),
	}
}
