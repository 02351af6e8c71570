package pipeline

import (
	"sync"
	"time"

	"github.com/modelring/modelring/pkg/filter"
	"github.com/modelring/modelring/pkg/model"
)

// MetadataKey names one entry of the cross-stage metadata map. The
// recognized keys form a closed list so observers cannot diverge on
// spelling; new keys are added here, next to their consumers.
type MetadataKey string

const (
	// MetaCreatorRole is the role of the caller, set by the
	// authorization band and consumed by sudo-field validation.
	MetaCreatorRole MetadataKey = "creator_role"
	// MetaAuditLogged is set by the audit band once a change was recorded.
	MetaAuditLogged MetadataKey = "audit_logged"
	// MetaCacheInvalidated is set by integration observers that dropped
	// derived caches for the touched record.
	MetaCacheInvalidated MetadataKey = "cache_invalidated"
	// MetaRevertSource holds the trashed snapshot a revert restored.
	MetaRevertSource MetadataKey = "revert_source"
)

// Context is the mutable, request-scoped state threaded through one
// pipeline run. It is owned exclusively by that run and discarded at its
// end. The error, warning and metadata collections are synchronized
// because a timed-out observer may still be finishing in the background;
// everything else must only be touched by the currently awaited observer.
type Context struct {
	RunID     string
	Operation Operation
	Tenant    string
	ModelName string
	Model     *model.Model

	// Data is the input record for create/update; Filter the condition
	// tree for select; Previous the prior snapshot for update/delete.
	Data     model.Record
	RecordID string
	Previous model.Record
	Filter   map[string]any

	Trashed    filter.TrashedMode
	HardDelete bool

	// Result is populated by the storage stage and readable by every
	// stage after it.
	Result any

	// Stage and Observer identify the currently executing step, for
	// diagnostics.
	Stage     Stage
	Observer  string
	StartedAt time.Time

	mu       sync.Mutex
	metadata map[MetadataKey]any
	errors   []Error
	warnings []Warning
}

// AddError records a failure, stamping it with the current stage when the
// error itself does not carry one.
func (c *Context) AddError(err Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err.Stage == 0 && c.Stage != 0 {
		err.Stage = c.Stage
	}
	c.errors = append(c.errors, err)
}

// Errorf records a failure with the current stage and a formatted message.
func (c *Context) Errorf(code, field, message string) {
	c.AddError(Error{Code: code, Field: field, Message: message, Stage: c.Stage})
}

// AddWarning records a non-fatal observation.
func (c *Context) AddWarning(w Warning) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w.Stage == 0 && c.Stage != 0 {
		w.Stage = c.Stage
	}
	c.warnings = append(c.warnings, w)
}

// HasErrors reports whether any error has accumulated so far.
func (c *Context) HasErrors() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.errors) > 0
}

// Errors returns a snapshot of the accumulated errors.
func (c *Context) Errors() []Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Error, len(c.errors))
	copy(out, c.errors)
	return out
}

// Warnings returns a snapshot of the accumulated warnings.
func (c *Context) Warnings() []Warning {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Warning, len(c.warnings))
	copy(out, c.warnings)
	return out
}

// errorCount returns the number of accumulated errors.
func (c *Context) errorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.errors)
}

func (c *Context) warningCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.warnings)
}

// SetMetadata stores one cross-stage value.
func (c *Context) SetMetadata(key MetadataKey, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.metadata == nil {
		c.metadata = make(map[MetadataKey]any)
	}
	c.metadata[key] = value
}

// Metadata returns one cross-stage value.
func (c *Context) Metadata(key MetadataKey) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.metadata[key]
	return v, ok
}

// MetadataSnapshot copies the metadata map for result aggregation.
func (c *Context) MetadataSnapshot() map[MetadataKey]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[MetadataKey]any, len(c.metadata))
	for k, v := range c.metadata {
		out[k] = v
	}
	return out
}
