// Package executor implements the Server Tool Executor (§4.2): it invokes
// registered server-side tool adapters against a task's resolved inputs and
// returns a structured TaskOutput. Adapters are registered at startup keyed
// by tool name and must themselves be safe for concurrent use; the executor
// never holds a per-user lock.
package executor

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/vela-ai/taskmesh/runtime/task"
	"github.com/vela-ai/taskmesh/runtime/taskerrors"
	"github.com/vela-ai/taskmesh/runtime/telemetry"
)

// Adapter implements the semantic contract of one tool. It receives the
// task's resolved inputs (falling back to literal inputs when resolution
// produced nothing) and returns the tool's output data, or an error.
//
// Adapters must be safe for concurrent invocation across tasks of the same
// user and across users; the executor does not serialize calls to them.
type Adapter func(ctx context.Context, inputs task.Document) (task.Document, error)

// Executor dispatches tool calls to registered Adapters.
type Executor struct {
	adapters map[string]Adapter
	limiter  *rate.Limiter

	logger telemetry.Logger
	tracer telemetry.Tracer
}

// Option configures an Executor at construction time.
type Option func(*Executor)

// WithLogger configures the executor's logger. Defaults to a no-op logger.
func WithLogger(l telemetry.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithTracer configures the executor's tracer. Defaults to a no-op tracer.
func WithTracer(t telemetry.Tracer) Option {
	return func(e *Executor) { e.tracer = t }
}

// WithRateLimit bounds the rate at which Execute admits new adapter
// invocations across all users, using a token-bucket limiter with the given
// steady-state rate and burst. It does not introduce per-user locking; it
// only throttles the aggregate call rate into adapters.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(e *Executor) { e.limiter = rate.NewLimiter(r, burst) }
}

// New constructs an Executor with no registered adapters.
func New(opts ...Option) *Executor {
	e := &Executor{
		adapters: make(map[string]Adapter),
		logger:   telemetry.NewNoopLogger(),
		tracer:   telemetry.NewNoopTracer(),
	}
	for _, o := range opts {
		if o != nil {
			o(e)
		}
	}
	return e
}

// Register binds an Adapter to a tool name. Registering the same name twice
// replaces the previous adapter; callers typically register all adapters
// once at startup before any Execute call.
func (e *Executor) Register(tool string, a Adapter) {
	e.adapters[tool] = a
}

// Execute invokes the adapter registered for rec.Task.Tool against
// rec.ResolvedInputs (falling back to rec.Task.Inputs when ResolvedInputs is
// empty), returning a TaskOutput. Adapter errors, missing adapters, and nil
// or empty payloads all yield success=false outputs rather than a Go error;
// the contents of a non-empty payload are not checked. Adapter panics are
// not recovered and propagate out of Execute.
func (e *Executor) Execute(ctx context.Context, rec *task.Record) *task.Output {
	ctx, span := e.tracer.Start(ctx, "executor.Execute")
	defer span.End()

	inputs := rec.ResolvedInputs
	if len(inputs) == 0 {
		inputs = rec.Task.Inputs
	}

	adapter, ok := e.adapters[rec.Task.Tool]
	if !ok {
		err := fmt.Sprintf("no adapter registered for tool %q", rec.Task.Tool)
		e.logger.Warn(ctx, "executor: unknown tool", "tool", rec.Task.Tool, "task_id", rec.Task.ID)
		return &task.Output{Success: false, Error: err}
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return &task.Output{Success: false, Error: taskerrors.WithCause(taskerrors.Execution, "rate limiter wait failed", err).Error()}
		}
	}

	data, err := adapter(ctx, inputs)
	if err != nil {
		e.logger.Warn(ctx, "executor: adapter error", "tool", rec.Task.Tool, "task_id", rec.Task.ID, "error", err)
		span.RecordError(err)
		return &task.Output{Success: false, Error: err.Error()}
	}
	if len(data) == 0 {
		msg := fmt.Sprintf("adapter for tool %q returned an empty payload", rec.Task.Tool)
		e.logger.Warn(ctx, "executor: empty payload", "tool", rec.Task.Tool, "task_id", rec.Task.ID)
		return &task.Output{Success: false, Error: msg}
	}
	return &task.Output{Success: true, Data: data}
}
