package binding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vela-ai/taskmesh/runtime/task"
	"github.com/vela-ai/taskmesh/runtime/taskerrors"
)

func TestParseValidReference(t *testing.T) {
	t.Parallel()
	ref, err := Parse("$.S.output.data.total_results")
	require.Nil(t, err)
	assert.Equal(t, "S", ref.TaskID)
	assert.Equal(t, []string{"total_results"}, ref.Fields)
}

func TestParseNestedFieldPath(t *testing.T) {
	t.Parallel()
	ref, err := Parse("$.S.output.data.meta.count")
	require.Nil(t, err)
	assert.Equal(t, []string{"meta", "count"}, ref.Fields)
}

func TestParseRejectsMissingSentinel(t *testing.T) {
	t.Parallel()
	_, err := Parse("S.output.data.x")
	require.NotNil(t, err)
}

func TestParseRejectsWrongMiddleSegments(t *testing.T) {
	t.Parallel()
	_, err := Parse("$.S.outputs.data.x")
	require.NotNil(t, err)
}

func TestParseRejectsNoFieldSegment(t *testing.T) {
	t.Parallel()
	_, err := Parse("$.S.output.data")
	require.NotNil(t, err)
}

func TestResolveSubstitutesCompletedOutput(t *testing.T) {
	t.Parallel()
	tasks := map[string]*task.Record{
		"S": {
			Task:   task.Task{ID: "S"},
			Status: task.Completed,
			Output: &task.Output{Success: true, Data: task.Document{"total_results": 7}},
		},
	}
	rec := &task.Record{Task: task.Task{
		ID:            "C",
		Inputs:        task.Document{"path": "/tmp/out"},
		InputBindings: map[string]string{"content": "$.S.output.data.total_results"},
	}}

	resolved, err := Resolve(rec, tasks)
	require.Nil(t, err)
	assert.Equal(t, "/tmp/out", resolved["path"])
	assert.Equal(t, 7, resolved["content"])
}

func TestResolveFailsOnMissingField(t *testing.T) {
	t.Parallel()
	tasks := map[string]*task.Record{
		"S": {
			Task:   task.Task{ID: "S"},
			Status: task.Completed,
			Output: &task.Output{Success: true, Data: task.Document{"total_results": 7}},
		},
	}
	rec := &task.Record{Task: task.Task{
		ID:            "C",
		InputBindings: map[string]string{"content": "$.S.output.data.nonexistent"},
	}}

	_, err := Resolve(rec, tasks)
	require.NotNil(t, err)
	assert.Equal(t, taskerrors.Binding, err.Kind)
}

func TestResolveFailsWhenSourceNotCompleted(t *testing.T) {
	t.Parallel()
	tasks := map[string]*task.Record{
		"S": {Task: task.Task{ID: "S"}, Status: task.Running},
	}
	rec := &task.Record{Task: task.Task{
		ID:            "C",
		InputBindings: map[string]string{"content": "$.S.output.data.x"},
	}}

	_, err := Resolve(rec, tasks)
	require.NotNil(t, err)
}

func TestResolveFailsWhenTaskUnknown(t *testing.T) {
	t.Parallel()
	rec := &task.Record{Task: task.Task{
		ID:            "C",
		InputBindings: map[string]string{"content": "$.Ghost.output.data.x"},
	}}

	_, err := Resolve(rec, map[string]*task.Record{})
	require.NotNil(t, err)
}

func TestResolveChainSkipsBindingToPendingChainMember(t *testing.T) {
	t.Parallel()
	tasks := map[string]*task.Record{
		"T1": {Task: task.Task{ID: "T1"}, Status: task.Pending},
	}
	rec := &task.Record{Task: task.Task{
		ID:            "T2",
		Inputs:        task.Document{"path": "~/a/x.txt"},
		InputBindings: map[string]string{"content": "$.T1.output.data.body"},
	}}

	resolved, err := ResolveChain(rec, tasks, map[string]bool{"T1": true, "T2": true})
	require.Nil(t, err)
	assert.Equal(t, "~/a/x.txt", resolved["path"])
	_, present := resolved["content"]
	assert.False(t, present)
}

func TestResolveChainStillFailsOnUnknownTask(t *testing.T) {
	t.Parallel()
	rec := &task.Record{Task: task.Task{
		ID:            "T2",
		InputBindings: map[string]string{"content": "$.Ghost.output.data.x"},
	}}

	_, err := ResolveChain(rec, map[string]*task.Record{}, map[string]bool{"T2": true})
	require.NotNil(t, err)
}

func TestResolveChainResolvesAlreadyCompletedSource(t *testing.T) {
	t.Parallel()
	tasks := map[string]*task.Record{
		"S": {Task: task.Task{ID: "S"}, Status: task.Completed, Output: &task.Output{Success: true, Data: task.Document{"total_results": 7}}},
	}
	rec := &task.Record{Task: task.Task{
		ID:            "C",
		InputBindings: map[string]string{"content": "$.S.output.data.total_results"},
	}}

	resolved, err := ResolveChain(rec, tasks, map[string]bool{"C": true})
	require.Nil(t, err)
	assert.Equal(t, 7, resolved["content"])
}

func TestResolveWalksNestedMaps(t *testing.T) {
	t.Parallel()
	tasks := map[string]*task.Record{
		"S": {
			Task:   task.Task{ID: "S"},
			Status: task.Completed,
			Output: &task.Output{Success: true, Data: task.Document{
				"meta": map[string]any{"count": 3},
			}},
		},
	}
	rec := &task.Record{Task: task.Task{
		ID:            "C",
		InputBindings: map[string]string{"n": "$.S.output.data.meta.count"},
	}}

	resolved, err := Resolve(rec, tasks)
	require.Nil(t, err)
	assert.Equal(t, 3, resolved["n"])
}
