package pipeline

import (
	"context"
	"time"
)

// Observer is a unit of extension bound to one stage. Observers may read
// and mutate the run's data, append errors and warnings, and exchange
// metadata; they never advance the stage counter, only the engine does.
type Observer interface {
	// Name identifies the observer in diagnostics and stats.
	Name() string
	// Stage is the phase the observer is bound to. StageStorage is
	// reserved for the engine's storage observer and cannot be claimed.
	Stage() Stage
	// Operations is the allow-list of operations the observer applies
	// to. Empty means all operations.
	Operations() []Operation
	// Execute runs the observer. The context carries the per-observer
	// deadline; long-running work should watch ctx.Done() since the
	// engine stops awaiting, but cannot forcibly stop, a slow observer.
	Execute(ctx context.Context, run *Context) error
}

// TimeoutOverride is implemented by observers that need a different
// execution budget than the engine default.
type TimeoutOverride interface {
	Timeout() time.Duration
}

func observerApplies(o Observer, op Operation) bool {
	allowed := o.Operations()
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == op {
			return true
		}
	}
	return false
}

// Registry holds the per-(model, stage) ordered observer lists. All
// registration happens at process start; lookups afterwards are pure
// reads and safe for concurrent use.
//
// Ordering contract: universal observers run before model-specific ones
// within a stage, each class in registration order.
type Registry struct {
	universal map[Stage][]Observer
	models    map[string]map[Stage][]Observer
}

func NewRegistry() *Registry {
	return &Registry{
		universal: make(map[Stage][]Observer),
		models:    make(map[string]map[Stage][]Observer),
	}
}

// RegisterUniversal binds an observer to its stage for every model.
func (r *Registry) RegisterUniversal(o Observer) {
	stage := o.Stage()
	r.universal[stage] = append(r.universal[stage], o)
}

// Register binds an observer to its stage for one model.
func (r *Registry) Register(modelName string, o Observer) {
	stages, ok := r.models[modelName]
	if !ok {
		stages = make(map[Stage][]Observer)
		r.models[modelName] = stages
	}
	stage := o.Stage()
	stages[stage] = append(stages[stage], o)
}

// ObserversFor returns the ordered observers for a (model, stage) pair.
// The result is never nil and is owned by the caller.
func (r *Registry) ObserversFor(modelName string, stage Stage) []Observer {
	universal := r.universal[stage]
	var specific []Observer
	if stages, ok := r.models[modelName]; ok {
		specific = stages[stage]
	}

	out := make([]Observer, 0, len(universal)+len(specific))
	out = append(out, universal...)
	out = append(out, specific...)
	return out
}
