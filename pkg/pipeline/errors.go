package pipeline

import "fmt"

// Stable error codes surfaced to callers. The storage-stage codes mirror
// the preconditions of each operation.
const (
	CodeNoDataForCreate              = "NoDataForCreate"
	CodeNoRecordIDForUpdate          = "NoRecordIdForUpdate"
	CodeNoUpdateData                 = "NoUpdateData"
	CodeNoRecordIDForDelete          = "NoRecordIdForDelete"
	CodeNoRecordIDForSelect          = "NoRecordIdForSelect"
	CodeNoRecordIDForRevert          = "NoRecordIdForRevert"
	CodeUnsupportedDatabaseOperation = "UnsupportedDatabaseOperation"
	CodeDatabaseOperationFailed      = "DatabaseOperationFailed"
	CodeObserverTimeout              = "ObserverTimeout"
	CodeObserverExecutionFailed      = "ObserverExecutionFailed"
	CodeObserverRecursionExceeded    = "ObserverRecursionExceeded"
	CodeValidationFailed             = "ValidationFailed"
	CodeAuthorizationFailed          = "AuthorizationFailed"
)

// Error is one failure recorded during a pipeline run. Multiple errors
// from different observers accumulate in a single run; none are dropped.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	Stage   Stage  `json:"stage"`
}

func (e Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field %q)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Warning is a non-fatal observation recorded during a pipeline run.
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	Stage   Stage  `json:"stage"`
}

// ErrRecursionExceeded aborts a run whose nesting depth passed the
// configured bound. It belongs to the fatal category: it is returned from
// Run directly instead of being aggregated into a result.
var ErrRecursionExceeded = Error{
	Code:    CodeObserverRecursionExceeded,
	Message: "pipeline invocations nested beyond the configured recursion limit",
}
