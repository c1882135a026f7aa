package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vela-ai/taskmesh/runtime/task"
)

func TestToWireTaskPrefersResolvedInputs(t *testing.T) {
	t.Parallel()
	rec := &task.Record{
		Task:           task.Task{ID: "A", Tool: "t", Inputs: task.Document{"x": 1}},
		ResolvedInputs: task.Document{"x": 2},
	}
	wt := ToWireTask(rec)
	assert.Equal(t, task.Document{"x": 2}, wt.Inputs)
}

func TestToWireTaskFallsBackToLiteralInputs(t *testing.T) {
	t.Parallel()
	rec := &task.Record{Task: task.Task{ID: "A", Tool: "t", Inputs: task.Document{"x": 1}}}
	wt := ToWireTask(rec)
	assert.Equal(t, task.Document{"x": 1}, wt.Inputs)
}

func TestToWireTaskCarriesBindingsAndDeps(t *testing.T) {
	t.Parallel()
	rec := &task.Record{Task: task.Task{
		ID:            "A",
		DependsOn:     []string{"X"},
		InputBindings: map[string]string{"p": "$.X.output.data.k"},
	}}
	wt := ToWireTask(rec)
	assert.Equal(t, []string{"X"}, wt.DependsOn)
	assert.Equal(t, "$.X.output.data.k", wt.InputBindings["p"])
}
