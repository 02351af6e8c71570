package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/modelring/modelring/pkg/filter"
	"github.com/modelring/modelring/pkg/logger"
	"github.com/modelring/modelring/pkg/model"
	"github.com/modelring/modelring/pkg/storage"
)

var tracer = otel.Tracer("modelring/pkg/pipeline")

func startTrace(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "pipeline."+name)
}

const (
	// DefaultObserverTimeout bounds one observer execution unless the
	// observer overrides it.
	DefaultObserverTimeout = 5 * time.Second
	// DefaultMaxRecursionDepth bounds how many pipeline invocations may
	// nest inside one another through observer side effects.
	DefaultMaxRecursionDepth = 10
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modelring",
		Subsystem: "pipeline",
		Name:      "runs_total",
		Help:      "Number of pipeline runs, by operation and outcome.",
	}, []string{"operation", "success"})

	observerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "modelring",
		Subsystem: "pipeline",
		Name:      "observer_duration_seconds",
		Help:      "Execution time of individual observers.",
		Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
	}, []string{"observer", "stage"})
)

// depthKey carries the nesting depth of pipeline invocations through the
// call chain, so concurrent unrelated requests stay independent.
type depthKey struct{}

func depthFrom(ctx context.Context) int {
	if d, ok := ctx.Value(depthKey{}).(int); ok {
		return d
	}
	return 0
}

// Request is the inbound contract of the engine.
type Request struct {
	Operation Operation
	Tenant    string
	Model     string

	Data     model.Record
	RecordID string
	Previous model.Record
	Filter   map[string]any

	Trashed    filter.TrashedMode
	HardDelete bool

	// Metadata seeds the cross-stage metadata map, e.g. the caller's
	// role for the authorization band.
	Metadata map[MetadataKey]any
}

// ObserverStat describes one observer invocation for observability.
type ObserverStat struct {
	Name     string
	Stage    Stage
	Duration time.Duration
	Success  bool
	Errors   int
	Warnings int
}

// Result aggregates the outcome of one pipeline run.
type Result struct {
	Success  bool
	Result   any
	Errors   []Error
	Warnings []Warning
	Metadata map[MetadataKey]any
	Elapsed  time.Duration
	Stats    []ObserverStat
}

// Runner executes operations end to end: it resolves model metadata,
// walks the operation's stage list, runs each stage's observers with
// timeout isolation, performs the storage step, and aggregates the
// outcome.
type Runner struct {
	registry *Registry
	models   model.Provider
	store    *StorageObserver
	logger   logger.Logger
	timeout  time.Duration
	maxDepth int
}

type RunnerOption func(*Runner)

// WithLogger sets the runner's logger.
func WithLogger(l logger.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = l
	}
}

// WithObserverTimeout sets the default per-observer timeout.
func WithObserverTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		r.timeout = d
	}
}

// WithMaxRecursionDepth sets the nesting bound for observer-triggered
// pipeline invocations.
func WithMaxRecursionDepth(n int) RunnerOption {
	return func(r *Runner) {
		r.maxDepth = n
	}
}

func NewRunner(models model.Provider, store storage.RecordStore, registry *Registry, opts ...RunnerOption) *Runner {
	r := &Runner{
		registry: registry,
		models:   models,
		logger:   logger.NewNoopLogger(),
		timeout:  DefaultObserverTimeout,
		maxDepth: DefaultMaxRecursionDepth,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.store = NewStorageObserver(store, r.logger)
	return r
}

// Run executes one operation. Fatal conditions (unknown model, recursion
// bound exceeded) return an error directly; every other failure is
// aggregated into the result with Success=false.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	depth := depthFrom(ctx)
	if depth >= r.maxDepth {
		return nil, ErrRecursionExceeded
	}
	ctx = context.WithValue(ctx, depthKey{}, depth+1)

	ctx, span := startTrace(ctx, string(req.Operation))
	defer span.End()

	m, err := r.models.GetModel(ctx, req.Tenant, req.Model)
	if err != nil {
		return nil, fmt.Errorf("resolve model %q: %w", req.Model, err)
	}

	run := &Context{
		RunID:      uuid.NewString(),
		Operation:  req.Operation,
		Tenant:     req.Tenant,
		ModelName:  req.Model,
		Model:      m,
		Data:       req.Data,
		RecordID:   req.RecordID,
		Previous:   req.Previous,
		Filter:     req.Filter,
		Trashed:    req.Trashed,
		HardDelete: req.HardDelete,
		StartedAt:  time.Now(),
	}
	for k, v := range req.Metadata {
		run.SetMetadata(k, v)
	}

	stages := StagesFor(req.Operation)
	var stats []ObserverStat

stageLoop:
	for _, stage := range stages {
		run.Stage = stage

		if stage == StageStorage {
			stats = append(stats, r.invokeStorage(ctx, run))
			// Post-storage stages never run against a failed storage
			// operation; audit and integration observers only ever see
			// writes that happened.
			if run.HasErrors() {
				break stageLoop
			}
			continue
		}

		for _, o := range r.registry.ObserversFor(req.Model, stage) {
			if !observerApplies(o, req.Operation) {
				continue
			}
			stats = append(stats, r.invokeObserver(ctx, run, o))
		}

		// Stages before storage gate on accumulated errors; a failed
		// validation must not reach the database.
		if stage < StageStorage && run.HasErrors() {
			break stageLoop
		}
	}

	return r.aggregate(run, stats), nil
}

func (r *Runner) aggregate(run *Context, stats []ObserverStat) *Result {
	res := &Result{
		Success:  !run.HasErrors(),
		Result:   run.Result,
		Errors:   run.Errors(),
		Warnings: run.Warnings(),
		Metadata: run.MetadataSnapshot(),
		Elapsed:  time.Since(run.StartedAt),
		Stats:    stats,
	}

	runsTotal.WithLabelValues(string(run.Operation), strconv.FormatBool(res.Success)).Inc()

	if !res.Success {
		r.logger.Info("pipeline run failed",
			zap.String("run_id", run.RunID),
			zap.String("operation", string(run.Operation)),
			zap.String("model", run.ModelName),
			zap.Int("errors", len(res.Errors)),
			zap.Duration("elapsed", res.Elapsed),
		)
	}
	return res
}

// invokeStorage runs the storage observer directly. It is the single,
// non-overridable step of the storage stage and is not raced against a
// timeout; cancellation flows through the caller's context into the
// store.
func (r *Runner) invokeStorage(ctx context.Context, run *Context) ObserverStat {
	run.Observer = r.store.Name()
	errsBefore := run.errorCount()
	warnsBefore := run.warningCount()
	start := time.Now()

	func() {
		defer func() {
			if rec := recover(); rec != nil {
				run.AddError(Error{
					Code:    CodeDatabaseOperationFailed,
					Message: fmt.Sprintf("storage stage panic: %v", rec),
				})
			}
		}()
		if err := r.store.Execute(ctx, run); err != nil {
			run.AddError(Error{Code: CodeDatabaseOperationFailed, Message: err.Error()})
		}
	}()

	return r.finishStat(run, r.store.Name(), StageStorage, start, errsBefore, warnsBefore)
}

// invokeObserver races one observer against its timeout. On timeout the
// observer's in-flight work is not cancelled forcibly, only no longer
// awaited; the child context's deadline lets cooperative observers abort
// themselves.
func (r *Runner) invokeObserver(ctx context.Context, run *Context, o Observer) ObserverStat {
	timeout := r.timeout
	if t, ok := o.(TimeoutOverride); ok && t.Timeout() > 0 {
		timeout = t.Timeout()
	}

	run.Observer = o.Name()
	errsBefore := run.errorCount()
	warnsBefore := run.warningCount()
	start := time.Now()

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("observer panic: %v", rec)
			}
		}()
		done <- o.Execute(execCtx, run)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			var perr Error
			if asPipelineError(err, &perr) {
				run.AddError(perr)
			} else {
				run.AddError(Error{
					Code:    CodeObserverExecutionFailed,
					Message: fmt.Sprintf("observer %q failed: %v", o.Name(), err),
				})
			}
		}
	case <-timer.C:
		run.AddError(Error{
			Code:    CodeObserverTimeout,
			Message: fmt.Sprintf("observer %q timed out after %s", o.Name(), timeout),
		})
		r.logger.Warn("observer timed out",
			zap.String("run_id", run.RunID),
			zap.String("observer", o.Name()),
			zap.Stringer("stage", o.Stage()),
			zap.Duration("timeout", timeout),
		)
	}

	return r.finishStat(run, o.Name(), o.Stage(), start, errsBefore, warnsBefore)
}

func (r *Runner) finishStat(run *Context, name string, stage Stage, start time.Time, errsBefore, warnsBefore int) ObserverStat {
	duration := time.Since(start)
	observerDuration.WithLabelValues(name, stage.String()).Observe(duration.Seconds())

	errs := run.errorCount() - errsBefore
	return ObserverStat{
		Name:     name,
		Stage:    stage,
		Duration: duration,
		Success:  errs == 0,
		Errors:   errs,
		Warnings: run.warningCount() - warnsBefore,
	}
}

func asPipelineError(err error, target *Error) bool {
	if perr, ok := err.(Error); ok {
		*target = perr
		return true
	}
	return false
}
