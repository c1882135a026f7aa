// Package binding implements the input-binding resolver (§4.6): it parses
// reference expressions of the form "$.<task_id>.output.data.<field>..." and
// substitutes values copied from a prior task's completed output into a
// task's resolved inputs, immediately before dispatch.
package binding

import (
	"strings"

	"github.com/vela-ai/taskmesh/runtime/task"
	"github.com/vela-ai/taskmesh/runtime/taskerrors"
)

const (
	sentinel  = "$."
	segOutput = "output"
	segData   = "data"
)

// Reference is a parsed "$.<task_id>.output.data.<field>..." expression.
type Reference struct {
	TaskID string
	Fields []string
}

// Parse parses a reference expression. It returns a *taskerrors.TaskError of
// kind Binding if expr does not match the required grammar:
//
//	reference := "$." task_id "." "output" "." "data" ( "." field )+
func Parse(expr string) (Reference, *taskerrors.TaskError) {
	if !strings.HasPrefix(expr, sentinel) {
		return Reference{}, taskerrors.Newf(taskerrors.Binding, "malformed reference %q: missing %q sentinel", expr, sentinel)
	}
	rest := strings.TrimPrefix(expr, sentinel)
	segs := strings.Split(rest, ".")
	if len(segs) < 4 {
		return Reference{}, taskerrors.Newf(taskerrors.Binding, "malformed reference %q: expected at least 4 segments", expr)
	}
	taskID := segs[0]
	if taskID == "" {
		return Reference{}, taskerrors.Newf(taskerrors.Binding, "malformed reference %q: empty task id", expr)
	}
	if segs[1] != segOutput || segs[2] != segData {
		return Reference{}, taskerrors.Newf(taskerrors.Binding, "malformed reference %q: expected %q after task id", expr, "output.data")
	}
	fields := segs[3:]
	for _, f := range fields {
		if f == "" {
			return Reference{}, taskerrors.Newf(taskerrors.Binding, "malformed reference %q: empty field segment", expr)
		}
	}
	return Reference{TaskID: taskID, Fields: fields}, nil
}

// Resolve builds resolved_inputs for rec: a copy of rec.Task.Inputs with
// every rec.Task.InputBindings entry substituted from the completed output of
// the referenced task in tasks. It returns a *taskerrors.TaskError of kind
// Binding on the first unresolvable reference; callers must not attempt
// execution in that case.
func Resolve(rec *task.Record, tasks map[string]*task.Record) (task.Document, *taskerrors.TaskError) {
	out := make(task.Document, len(rec.Task.Inputs)+len(rec.Task.InputBindings))
	for k, v := range rec.Task.Inputs {
		out[k] = v
	}
	for param, expr := range rec.Task.InputBindings {
		ref, perr := Parse(expr)
		if perr != nil {
			return nil, perr
		}
		src, ok := tasks[ref.TaskID]
		if !ok {
			return nil, taskerrors.Newf(taskerrors.Binding, "reference %q: task %q not found", expr, ref.TaskID)
		}
		if src.Status != task.Completed || src.Output == nil || src.Output.Data == nil {
			return nil, taskerrors.Newf(taskerrors.Binding, "reference %q: task %q is not completed with output data", expr, ref.TaskID)
		}
		val, werr := walk(src.Output.Data, ref.Fields)
		if werr != nil {
			return nil, taskerrors.Newf(taskerrors.Binding, "reference %q: %s", expr, werr)
		}
		out[param] = val
	}
	return out, nil
}

// ResolveChain is like Resolve, but a reference to a task that is itself a
// pending member of chainMembers is left unsubstituted rather than treated
// as an error: the client receiving the whole chain resolves that binding
// locally once it has executed the earlier step (§9 Design Notes). A
// reference to anything else not-yet-completed is still a binding error.
func ResolveChain(rec *task.Record, tasks map[string]*task.Record, chainMembers map[string]bool) (task.Document, *taskerrors.TaskError) {
	out := make(task.Document, len(rec.Task.Inputs)+len(rec.Task.InputBindings))
	for k, v := range rec.Task.Inputs {
		out[k] = v
	}
	for param, expr := range rec.Task.InputBindings {
		ref, perr := Parse(expr)
		if perr != nil {
			return nil, perr
		}
		src, ok := tasks[ref.TaskID]
		if !ok {
			return nil, taskerrors.Newf(taskerrors.Binding, "reference %q: task %q not found", expr, ref.TaskID)
		}
		if src.Status != task.Completed {
			if chainMembers[ref.TaskID] {
				continue
			}
			return nil, taskerrors.Newf(taskerrors.Binding, "reference %q: task %q is not completed with output data", expr, ref.TaskID)
		}
		if src.Output == nil || src.Output.Data == nil {
			return nil, taskerrors.Newf(taskerrors.Binding, "reference %q: task %q is not completed with output data", expr, ref.TaskID)
		}
		val, werr := walk(src.Output.Data, ref.Fields)
		if werr != nil {
			return nil, taskerrors.Newf(taskerrors.Binding, "reference %q: %s", expr, werr)
		}
		out[param] = val
	}
	return out, nil
}

// walk descends doc following fields, returning the value at the final
// field or an error describing where the path broke.
func walk(doc task.Document, fields []string) (any, error) {
	var cur any = doc
	for i, f := range fields {
		m, ok := asDocument(cur)
		if !ok {
			return nil, pathError(fields, i)
		}
		v, ok := m[f]
		if !ok {
			return nil, pathError(fields, i)
		}
		cur = v
	}
	return cur, nil
}

func asDocument(v any) (task.Document, bool) {
	switch m := v.(type) {
	case task.Document:
		return m, true
	case map[string]any:
		return task.Document(m), true
	default:
		return nil, false
	}
}

func pathError(fields []string, at int) error {
	return &pathMissError{path: strings.Join(fields[:at+1], ".")}
}

type pathMissError struct{ path string }

func (e *pathMissError) Error() string { return "field path ." + e.path + " not found" }
