// Package orchestrator implements the per-user task orchestrator (§4.3): it
// holds each user's ExecutionState, validates tasks against the tool
// registry at registration, answers "what is runnable", and enforces the
// task state machine under a per-user mutex.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vela-ai/taskmesh/runtime/binding"
	"github.com/vela-ai/taskmesh/runtime/registry"
	"github.com/vela-ai/taskmesh/runtime/task"
	"github.com/vela-ai/taskmesh/runtime/taskerrors"
	"github.com/vela-ai/taskmesh/runtime/telemetry"
)

// Batch partitions the tasks admitted by NextBatch by execution target.
type Batch struct {
	Server []*task.Record
	Client []*task.Record
}

// Empty reports whether the batch contains no admitted tasks.
func (b Batch) Empty() bool {
	return len(b.Server) == 0 && len(b.Client) == 0
}

// userState bundles one user's ExecutionState with the mutex that serializes
// every mutation and every read that must be consistent with subsequent
// mutations (§3 invariant 7, §4.3 concurrency discipline).
type userState struct {
	mu    sync.Mutex
	state *task.ExecutionState
}

// Orchestrator holds per-user ExecutionState and implements the state
// machine described in §4.3. All exported methods are safe for concurrent
// use across users; within one user, every exported method serializes on
// that user's mutex.
type Orchestrator struct {
	registry registry.Registry

	logger  telemetry.Logger
	metrics telemetry.Metrics

	usersMu sync.RWMutex
	users   map[string]*userState

	now func() time.Time
}

// Option configures an Orchestrator at construction time.
type Option func(*Orchestrator)

// WithLogger configures the orchestrator's logger. Defaults to a no-op logger.
func WithLogger(l telemetry.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics configures the orchestrator's metrics recorder. Defaults to a no-op recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides the time source used for CreatedAt/StartedAt/etc.
// Intended for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New constructs an Orchestrator backed by the given tool Registry.
func New(reg registry.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry: reg,
		logger:   telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
		users:    make(map[string]*userState),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// userFor returns the userState for userID, creating it if absent.
func (o *Orchestrator) userFor(userID string) *userState {
	o.usersMu.RLock()
	u, ok := o.users[userID]
	o.usersMu.RUnlock()
	if ok {
		return u
	}

	o.usersMu.Lock()
	defer o.usersMu.Unlock()
	if u, ok := o.users[userID]; ok {
		return u
	}
	u = &userState{state: &task.ExecutionState{
		UserID: userID,
		Tasks:  make(map[string]*task.Record),
	}}
	o.users[userID] = u
	return u
}

// Teardown discards a user's ExecutionState entirely. Call this on client
// disconnect or explicit teardown request (§3 Lifecycle); TaskRecords are
// never removed piecemeal, only as part of the whole state.
func (o *Orchestrator) Teardown(userID string) {
	o.usersMu.Lock()
	defer o.usersMu.Unlock()
	delete(o.users, userID)
}

// Register validates and inserts tasks into userID's ExecutionState,
// creating the state if absent. Registering an empty task list is a no-op.
// It never schedules anything; scheduling happens in NextBatch.
func (o *Orchestrator) Register(ctx context.Context, userID string, tasks []task.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	u := o.userFor(userID)
	u.mu.Lock()
	defer u.mu.Unlock()

	now := o.now()
	for _, t := range tasks {
		if t.ID == "" {
			return fmt.Errorf("orchestrator: task with empty id for user %q", userID)
		}
		if _, dup := u.state.Tasks[t.ID]; dup {
			return fmt.Errorf("orchestrator: duplicate task id %q for user %q", t.ID, userID)
		}
		rec := &task.Record{Task: t, Status: task.Pending, CreatedAt: now}
		if !o.registry.IsKnown(t.Tool) {
			rec.Status = task.Failed
			rec.Error = fmt.Sprintf("tool %s not found", t.Tool)
			rec.Output = &task.Output{Success: false, Error: rec.Error}
			rec.CompletedAt = now
			o.logger.Warn(ctx, "orchestrator: unknown tool at registration", "user_id", userID, "task_id", t.ID, "tool", t.Tool)
			o.metrics.IncCounter("tasks.registration_failed", 1, "reason", "unknown_tool")
		}
		u.state.Tasks[t.ID] = rec
		u.state.Order = append(u.state.Order, t.ID)
	}
	u.state.UpdatedAt = now
	return nil
}

// NextBatch scans pending tasks and admits those whose dependencies are
// satisfied, partitioned by execution target and returned in insertion
// order. A dependency that resolved to Failed permanently disqualifies its
// dependent: the dependent remains Pending forever (§4.3).
//
// Server tasks require every dependency to be Completed. Client tasks admit
// a looser notion so that whole dependency chains can be handed to the
// client in one trip (§4.5): a dependency is satisfied if it is Completed,
// or if it is itself a pending client-target task that is, recursively,
// chain-eligible by this same rule. dispatch_client_batch groups the
// admitted client tasks into chains and resolves internal bindings
// accordingly; it never assumes an admitted client task's dependencies have
// already executed.
func (o *Orchestrator) NextBatch(userID string) Batch {
	u := o.userFor(userID)
	u.mu.Lock()
	defer u.mu.Unlock()

	clientEligible := o.clientEligibleSet(u.state)

	var batch Batch
	for _, id := range u.state.Order {
		rec := u.state.Tasks[id]
		if rec.Status != task.Pending {
			continue
		}
		switch rec.Task.ExecutionTarget {
		case task.Server:
			if o.dependenciesCompleted(u.state, rec.Task.DependsOn) {
				batch.Server = append(batch.Server, rec)
			}
		case task.Client:
			if clientEligible[id] {
				batch.Client = append(batch.Client, rec)
			}
		}
	}
	return batch
}

func (o *Orchestrator) dependenciesCompleted(state *task.ExecutionState, deps []string) bool {
	for _, dep := range deps {
		d, ok := state.Tasks[dep]
		if !ok || d.Status != task.Completed {
			return false
		}
	}
	return true
}

// clientEligibleSet computes, via fixpoint iteration over state.Order, the
// set of pending client-target tasks whose dependencies are each either
// Completed or another pending client-target task already known eligible.
// This lets NextBatch admit an entire not-yet-run client chain together.
func (o *Orchestrator) clientEligibleSet(state *task.ExecutionState) map[string]bool {
	eligible := make(map[string]bool)
	for changed := true; changed; {
		changed = false
		for _, id := range state.Order {
			rec := state.Tasks[id]
			if rec.Task.ExecutionTarget != task.Client || rec.Status != task.Pending || eligible[id] {
				continue
			}
			ok := true
			for _, dep := range rec.Task.DependsOn {
				d, found := state.Tasks[dep]
				if !found {
					ok = false
					break
				}
				if d.Status == task.Completed {
					continue
				}
				if d.Task.ExecutionTarget == task.Client && d.Status == task.Pending && eligible[dep] {
					continue
				}
				ok = false
				break
			}
			if ok {
				eligible[id] = true
				changed = true
			}
		}
	}
	return eligible
}

// MarkRunning transitions a task from Pending to Running and stamps
// StartedAt. EmittedAt is stamped separately by MarkEmitted. Illegal
// transitions are no-ops that log a warning.
func (o *Orchestrator) MarkRunning(ctx context.Context, userID, taskID string) {
	u := o.userFor(userID)
	u.mu.Lock()
	defer u.mu.Unlock()

	rec, ok := u.state.Tasks[taskID]
	if !ok {
		o.logger.Warn(ctx, "orchestrator: MarkRunning on unknown task", "user_id", userID, "task_id", taskID)
		return
	}
	if rec.Status != task.Pending {
		o.logger.Warn(ctx, "orchestrator: illegal transition to running", "user_id", userID, "task_id", taskID, "status", rec.Status)
		return
	}
	now := o.now()
	rec.Status = task.Running
	rec.StartedAt = now
	u.state.UpdatedAt = now
}

// MarkEmitted stamps EmittedAt for a client-target task. It is a no-op if
// EmittedAt is already set, so re-dispatch attempts do not clobber the first
// emission time.
func (o *Orchestrator) MarkEmitted(userID, taskID string) {
	u := o.userFor(userID)
	u.mu.Lock()
	defer u.mu.Unlock()

	rec, ok := u.state.Tasks[taskID]
	if !ok || !rec.EmittedAt.IsZero() {
		return
	}
	rec.EmittedAt = o.now()
	u.state.UpdatedAt = rec.EmittedAt
}

// MarkCompleted transitions a Running task to Completed, storing output for
// downstream binding resolution and stamping CompletedAt/AckReceivedAt (the
// latter only for client-target tasks whose EmittedAt is already set).
// Illegal transitions are no-ops.
func (o *Orchestrator) MarkCompleted(ctx context.Context, userID, taskID string, output *task.Output) {
	o.finish(ctx, userID, taskID, task.Completed, output, "")
}

// MarkFailed transitions a Running task to Failed, recording errMessage.
// Illegal transitions are no-ops.
func (o *Orchestrator) MarkFailed(ctx context.Context, userID, taskID, errMessage string) {
	o.finish(ctx, userID, taskID, task.Failed, &task.Output{Success: false, Error: errMessage}, errMessage)
}

func (o *Orchestrator) finish(ctx context.Context, userID, taskID string, status task.Status, output *task.Output, errMessage string) {
	u := o.userFor(userID)
	u.mu.Lock()
	defer u.mu.Unlock()

	rec, ok := u.state.Tasks[taskID]
	if !ok {
		o.logger.Warn(ctx, "orchestrator: finish on unknown task", "user_id", userID, "task_id", taskID)
		return
	}
	if rec.Status != task.Running {
		o.logger.Warn(ctx, "orchestrator: illegal transition to terminal state", "user_id", userID, "task_id", taskID, "from", rec.Status, "to", status)
		return
	}
	now := o.now()
	rec.Status = status
	rec.Output = output
	rec.Error = errMessage
	rec.CompletedAt = now
	if rec.Task.ExecutionTarget == task.Client && !rec.EmittedAt.IsZero() {
		rec.AckReceivedAt = now
	}
	u.state.UpdatedAt = now

	if status == task.Completed {
		o.metrics.IncCounter("tasks.completed", 1, "tool", rec.Task.Tool)
	} else {
		o.metrics.IncCounter("tasks.failed", 1, "tool", rec.Task.Tool)
	}
	o.metrics.RecordTimer("task.duration_ms", rec.CompletedAt.Sub(rec.StartedAt), "tool", rec.Task.Tool)
}

// HandleClientAck applies an inbound client acknowledgment, routing to
// MarkCompleted when output.Success, otherwise to MarkFailed with
// output.Error.
func (o *Orchestrator) HandleClientAck(ctx context.Context, userID, taskID string, output *task.Output) {
	if output == nil {
		o.MarkFailed(ctx, userID, taskID, "client acknowledgment carried no result")
		return
	}
	if output.Success {
		o.MarkCompleted(ctx, userID, taskID, output)
		return
	}
	o.MarkFailed(ctx, userID, taskID, output.Error)
}

// ResolveInputs resolves rec's input bindings against the current state and,
// on success, stores the result as rec.ResolvedInputs. On failure it marks
// the task Failed with a Binding error and returns the error; no execution
// attempt should be made in that case (§4.6).
func (o *Orchestrator) ResolveInputs(ctx context.Context, userID string, rec *task.Record) *taskerrors.TaskError {
	u := o.userFor(userID)
	u.mu.Lock()
	defer u.mu.Unlock()

	resolved, err := binding.Resolve(rec, u.state.Tasks)
	if err != nil {
		now := o.now()
		rec.Status = task.Failed
		rec.Error = err.Error()
		rec.Output = &task.Output{Success: false, Error: err.Error()}
		rec.CompletedAt = now
		u.state.UpdatedAt = now
		o.logger.Warn(ctx, "orchestrator: binding resolution failed", "user_id", userID, "task_id", rec.Task.ID, "kind", err.Kind, "error", err)
		o.metrics.IncCounter("tasks.failed", 1, "tool", rec.Task.Tool, "reason", "binding")
		return err
	}
	rec.ResolvedInputs = resolved
	return nil
}

// ResolveChainInputs is like ResolveInputs, but bindings that reference
// another still-pending member of chainMembers are left unresolved instead
// of failing rec: the client resolves those locally once it has executed the
// earlier step in the same dispatched chain (§9 Design Notes, §4.5).
func (o *Orchestrator) ResolveChainInputs(ctx context.Context, userID string, rec *task.Record, chainMembers map[string]bool) *taskerrors.TaskError {
	u := o.userFor(userID)
	u.mu.Lock()
	defer u.mu.Unlock()

	resolved, err := binding.ResolveChain(rec, u.state.Tasks, chainMembers)
	if err != nil {
		now := o.now()
		rec.Status = task.Failed
		rec.Error = err.Error()
		rec.Output = &task.Output{Success: false, Error: err.Error()}
		rec.CompletedAt = now
		u.state.UpdatedAt = now
		o.logger.Warn(ctx, "orchestrator: chain binding resolution failed", "user_id", userID, "task_id", rec.Task.ID, "kind", err.Kind, "error", err)
		o.metrics.IncCounter("tasks.failed", 1, "tool", rec.Task.Tool, "reason", "binding")
		return err
	}
	rec.ResolvedInputs = resolved
	return nil
}

// GetState returns a deep copy of userID's ExecutionState, safe for
// inspection or testing without holding the orchestrator's lock.
func (o *Orchestrator) GetState(userID string) *task.ExecutionState {
	u := o.userFor(userID)
	u.mu.Lock()
	defer u.mu.Unlock()
	return cloneState(u.state)
}

// GetSummary returns aggregate counts by status for userID.
func (o *Orchestrator) GetSummary(userID string) task.Summary {
	u := o.userFor(userID)
	u.mu.Lock()
	defer u.mu.Unlock()

	s := task.Summary{UserID: userID}
	for _, id := range u.state.Order {
		rec := u.state.Tasks[id]
		s.Total++
		switch rec.Status {
		case task.Pending:
			s.Pending++
		case task.Running:
			s.Running++
		case task.Completed:
			s.Completed++
		case task.Failed:
			s.Failed++
		}
	}
	if done := s.Completed + s.Failed; done > 0 {
		s.SuccessRate = float64(s.Completed) / float64(done)
	}
	return s
}

// Drained reports whether userID has no task in Pending or Running status
// (the true drained condition per the spec's Open Question in §9 Design
// Notes; idle-count detection of deadlocked dependents is the engine's
// responsibility, not the orchestrator's).
func (o *Orchestrator) Drained(userID string) bool {
	s := o.GetSummary(userID)
	return s.Pending == 0 && s.Running == 0
}

func cloneState(in *task.ExecutionState) *task.ExecutionState {
	out := &task.ExecutionState{
		UserID:    in.UserID,
		Tasks:     make(map[string]*task.Record, len(in.Tasks)),
		Order:     append([]string(nil), in.Order...),
		UpdatedAt: in.UpdatedAt,
	}
	for id, rec := range in.Tasks {
		out.Tasks[id] = rec.Clone()
	}
	return out
}
