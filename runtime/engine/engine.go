// Package engine implements the per-user Execution Engine (§4.4): a
// background driver loop that pulls runnable batches from the Orchestrator,
// dispatches server tasks concurrently and client tasks as grouped chains
// (§4.5), and exits once a user's DAG is drained or permanently stuck.
//
// The driver lifecycle (idempotent Start, context-cancelable Stop via a
// tracked goroutine) is grounded on the worker-controller pattern in
// runtime/agent/engine/temporal/engine.go: a mutex-guarded map of live
// handles, a sync.Once-style guard against double-starting the same key, and
// explicit Stop semantics that let in-flight work finish rather than killing
// it.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vela-ai/taskmesh/runtime/executor"
	"github.com/vela-ai/taskmesh/runtime/orchestrator"
	"github.com/vela-ai/taskmesh/runtime/task"
	"github.com/vela-ai/taskmesh/runtime/taskerrors"
	"github.com/vela-ai/taskmesh/runtime/telemetry"
	"github.com/vela-ai/taskmesh/runtime/transport"
)

// LifecycleSink receives a task's configured on_start/on_success/on_failure
// message whenever the corresponding transition occurs. Implementations must
// be safe for concurrent use; a nil message is never sent (empty strings in
// Task.Lifecycle are treated as "no message configured").
type LifecycleSink interface {
	Emit(userID, taskID, message string)
}

// LifecycleSinkFunc adapts a function to a LifecycleSink.
type LifecycleSinkFunc func(userID, taskID, message string)

// Emit implements LifecycleSink.
func (f LifecycleSinkFunc) Emit(userID, taskID, message string) { f(userID, taskID, message) }

type noopLifecycleSink struct{}

func (noopLifecycleSink) Emit(string, string, string) {}

// Handle is returned by Start and identifies one user's running driver. It
// carries no exported fields; callers compare it only by identity or call
// Stop through the Engine.
type Handle struct {
	userID string
	cancel context.CancelFunc
	done   chan struct{}
}

// Done returns a channel that closes when the driver loop exits, whether by
// draining, by idle-count deadlock detection, by hitting MaxIterations, or
// because Stop was called.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Engine drives per-user DAGs to completion per §4.4. One Engine instance is
// shared across all users; each user gets at most one concurrently-running
// driver goroutine.
type Engine struct {
	orch       *orchestrator.Orchestrator
	exec       *executor.Executor
	dispatcher transport.Dispatcher
	lifecycle  LifecycleSink

	logger  telemetry.Logger
	tracer  telemetry.Tracer
	metrics telemetry.Metrics

	pollInterval  time.Duration
	maxIterations int
	maxIdle       int

	mu      sync.Mutex
	handles map[string]*Handle
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLogger configures the engine's logger. Defaults to a no-op logger.
func WithLogger(l telemetry.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithTracer configures the engine's tracer. Defaults to a no-op tracer.
func WithTracer(t telemetry.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithMetrics configures the engine's metrics recorder. Defaults to a no-op recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLifecycleSink registers the sink that receives on_start/on_success/
// on_failure messages. Defaults to a sink that discards everything.
func WithLifecycleSink(s LifecycleSink) Option {
	return func(e *Engine) { e.lifecycle = s }
}

// WithPollInterval overrides the inter-iteration sleep (§4.4's "short
// interval"). Defaults to 400ms.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) { e.pollInterval = d }
}

// WithMaxIterations overrides the safety bound on driver loop iterations.
// Defaults to 100.
func WithMaxIterations(n int) Option {
	return func(e *Engine) { e.maxIterations = n }
}

// WithMaxIdle overrides the number of consecutive empty-batch-but-not-drained
// iterations tolerated before the driver exits, assuming permanently stuck
// dependents of failed tasks. Defaults to 5.
func WithMaxIdle(n int) Option {
	return func(e *Engine) { e.maxIdle = n }
}

// New constructs an Engine wired to orch, exec, and dispatcher. It registers
// itself as dispatcher's AckHandler, routing every inbound acknowledgment to
// orch.HandleClientAck.
func New(orch *orchestrator.Orchestrator, exec *executor.Executor, dispatcher transport.Dispatcher, opts ...Option) *Engine {
	e := &Engine{
		orch:          orch,
		exec:          exec,
		dispatcher:    dispatcher,
		lifecycle:     noopLifecycleSink{},
		logger:        telemetry.NewNoopLogger(),
		tracer:        telemetry.NewNoopTracer(),
		metrics:       telemetry.NewNoopMetrics(),
		pollInterval:  400 * time.Millisecond,
		maxIterations: 100,
		maxIdle:       5,
		handles:       make(map[string]*Handle),
	}
	for _, o := range opts {
		if o != nil {
			o(e)
		}
	}
	sink := e.lifecycle
	e.lifecycle = LifecycleSinkFunc(func(userID, taskID, message string) {
		if message != "" {
			sink.Emit(userID, taskID, message)
		}
	})
	if e.dispatcher != nil {
		e.dispatcher.OnAck(func(userID, taskID string, output *task.Output) {
			e.orch.HandleClientAck(context.Background(), userID, taskID, output)
		})
	}
	return e
}

// Start spawns a background driver for userID if one is not already running,
// returning its Handle either way (idempotent per §4.4 and §8's round-trip
// property: "Start(user) twice returns the same driver handle").
func (e *Engine) Start(userID string) *Handle {
	e.mu.Lock()
	defer e.mu.Unlock()

	if h, ok := e.handles[userID]; ok {
		return h
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{userID: userID, cancel: cancel, done: make(chan struct{})}
	e.handles[userID] = h

	go func() {
		defer close(h.done)
		e.run(ctx, userID)
		e.mu.Lock()
		if e.handles[userID] == h {
			delete(e.handles, userID)
		}
		e.mu.Unlock()
	}()

	return h
}

// Stop cancels userID's driver, if one is running. In-flight server
// executions continue to completion and their results are still applied to
// state (§5 Cancellation & timeouts); already-emitted client tasks are not
// recalled.
func (e *Engine) Stop(userID string) {
	e.mu.Lock()
	h, ok := e.handles[userID]
	e.mu.Unlock()
	if ok {
		h.cancel()
	}
}

// run is the driver loop described in §4.4.
func (e *Engine) run(ctx context.Context, userID string) {
	idle := 0
	for i := 0; i < e.maxIterations; i++ {
		select {
		case <-ctx.Done():
			e.logger.Info(ctx, "engine: driver stopped", "user_id", userID)
			return
		default:
		}

		batch := e.orch.NextBatch(userID)
		if batch.Empty() {
			if e.orch.Drained(userID) {
				e.logSummary(ctx, userID)
				return
			}
			idle++
			if idle >= e.maxIdle {
				e.logger.Warn(ctx, "engine: driver exiting on idle-count, likely blocked on failed dependency", "user_id", userID)
				e.logSummary(ctx, userID)
				return
			}
			sleep(ctx, e.pollInterval)
			continue
		}
		idle = 0

		e.dispatchServerBatch(ctx, userID, batch.Server)
		e.dispatchClientBatch(ctx, userID, batch.Client)

		sleep(ctx, e.pollInterval)
	}
	e.logger.Warn(ctx, "engine: driver exiting on max_iterations", "user_id", userID)
	e.logSummary(ctx, userID)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (e *Engine) logSummary(ctx context.Context, userID string) {
	s := e.orch.GetSummary(userID)
	e.logger.Info(ctx, "engine: driver exited",
		"user_id", userID, "total", s.Total, "completed", s.Completed,
		"failed", s.Failed, "success_rate", s.SuccessRate)
}

// dispatchServerBatch runs every server-target task concurrently, awaiting
// them all before returning (§4.4).
func (e *Engine) dispatchServerBatch(ctx context.Context, userID string, recs []*task.Record) {
	if len(recs) == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, rec := range recs {
		wg.Add(1)
		go func(rec *task.Record) {
			defer wg.Done()
			e.runServerTask(ctx, userID, rec)
		}(rec)
	}
	wg.Wait()
}

func (e *Engine) runServerTask(ctx context.Context, userID string, rec *task.Record) {
	if err := e.orch.ResolveInputs(ctx, userID, rec); err != nil {
		e.lifecycle.Emit(userID, rec.Task.ID, rec.Task.Lifecycle.OnFailure)
		return
	}

	e.orch.MarkRunning(ctx, userID, rec.Task.ID)
	e.lifecycle.Emit(userID, rec.Task.ID, rec.Task.Lifecycle.OnStart)

	// Stop does not cancel an in-flight execution; only TimeoutMS bounds it.
	execCtx := context.WithoutCancel(ctx)
	var cancel context.CancelFunc
	if rec.Task.Control.TimeoutMS > 0 {
		execCtx, cancel = context.WithTimeout(execCtx, time.Duration(rec.Task.Control.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	type result struct {
		out *task.Output
	}
	resCh := make(chan result, 1)
	go func() {
		resCh <- result{out: e.exec.Execute(execCtx, rec)}
	}()

	select {
	case r := <-resCh:
		if r.out.Success {
			e.orch.MarkCompleted(ctx, userID, rec.Task.ID, r.out)
			e.lifecycle.Emit(userID, rec.Task.ID, rec.Task.Lifecycle.OnSuccess)
		} else {
			e.orch.MarkFailed(ctx, userID, rec.Task.ID, r.out.Error)
			e.lifecycle.Emit(userID, rec.Task.ID, rec.Task.Lifecycle.OnFailure)
		}
	case <-execCtx.Done():
		msg := taskerrors.New(taskerrors.Timeout, fmt.Sprintf("task %q exceeded timeout_ms=%d", rec.Task.ID, rec.Task.Control.TimeoutMS)).Error()
		e.orch.MarkFailed(ctx, userID, rec.Task.ID, msg)
		e.lifecycle.Emit(userID, rec.Task.ID, rec.Task.Lifecycle.OnFailure)
	}
}

// dispatchClientBatch groups recs into chains (§4.5) and hands each chain of
// length > 1 to the dispatcher as a single batch, singletons individually.
// Acknowledgments are applied asynchronously via the AckHandler registered in
// New; this method only emits and marks running/emitted.
func (e *Engine) dispatchClientBatch(ctx context.Context, userID string, recs []*task.Record) {
	if len(recs) == 0 {
		return
	}

	if e.dispatcher == nil || !e.dispatcher.Connected(userID) {
		msg := taskerrors.New(taskerrors.Transport, "client session not connected").Error()
		for _, rec := range recs {
			e.orch.MarkRunning(ctx, userID, rec.Task.ID)
			e.orch.MarkFailed(ctx, userID, rec.Task.ID, msg)
			e.lifecycle.Emit(userID, rec.Task.ID, rec.Task.Lifecycle.OnFailure)
		}
		return
	}

	for _, chain := range GroupChains(recs) {
		members := make(map[string]bool, len(chain))
		for _, rec := range chain {
			members[rec.Task.ID] = true
		}
		for _, rec := range chain {
			if err := e.orch.ResolveChainInputs(ctx, userID, rec, members); err != nil {
				e.lifecycle.Emit(userID, rec.Task.ID, rec.Task.Lifecycle.OnFailure)
			}
		}
		for _, rec := range chain {
			if rec.Status == task.Failed {
				continue
			}
			e.orch.MarkRunning(ctx, userID, rec.Task.ID)
			e.lifecycle.Emit(userID, rec.Task.ID, rec.Task.Lifecycle.OnStart)
		}

		wireTasks := make([]transport.WireTask, 0, len(chain))
		for _, rec := range chain {
			if rec.Status == task.Failed {
				continue
			}
			wireTasks = append(wireTasks, transport.ToWireTask(rec))
		}
		if len(wireTasks) == 0 {
			continue
		}

		var err error
		if len(wireTasks) > 1 {
			err = e.dispatcher.EmitBatch(userID, wireTasks)
		} else {
			err = e.dispatcher.EmitSingle(userID, wireTasks[0])
		}
		if err != nil {
			msg := taskerrors.WithCause(taskerrors.Transport, "dispatch to client failed", err).Error()
			for _, rec := range chain {
				if rec.Status == task.Running {
					e.orch.MarkFailed(ctx, userID, rec.Task.ID, msg)
					e.lifecycle.Emit(userID, rec.Task.ID, rec.Task.Lifecycle.OnFailure)
				}
			}
			continue
		}
		for _, rec := range chain {
			if rec.Status == task.Running {
				e.orch.MarkEmitted(userID, rec.Task.ID)
			}
		}
	}
}
