package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/time/rate"

	"github.com/vela-ai/taskmesh/runtime/task"
)

func TestExecuteUsesResolvedInputsOverLiteral(t *testing.T) {
	t.Parallel()
	e := New()
	var seen task.Document
	e.Register("t", func(ctx context.Context, inputs task.Document) (task.Document, error) {
		seen = inputs
		return task.Document{"ok": true}, nil
	})

	rec := &task.Record{
		Task:           task.Task{Tool: "t", Inputs: task.Document{"a": 1}},
		ResolvedInputs: task.Document{"a": 2},
	}
	out := e.Execute(context.Background(), rec)
	require.True(t, out.Success)
	assert.Equal(t, 2, seen["a"])
}

func TestExecuteFallsBackToLiteralInputs(t *testing.T) {
	t.Parallel()
	e := New()
	var seen task.Document
	e.Register("t", func(ctx context.Context, inputs task.Document) (task.Document, error) {
		seen = inputs
		return task.Document{"ok": true}, nil
	})

	rec := &task.Record{Task: task.Task{Tool: "t", Inputs: task.Document{"a": 1}}}
	out := e.Execute(context.Background(), rec)
	require.True(t, out.Success)
	assert.Equal(t, 1, seen["a"])
}

func TestExecuteUnknownToolFails(t *testing.T) {
	t.Parallel()
	e := New()
	rec := &task.Record{Task: task.Task{Tool: "ghost"}}
	out := e.Execute(context.Background(), rec)
	assert.False(t, out.Success)
	assert.Contains(t, out.Error, "ghost")
}

func TestExecuteAdapterErrorFails(t *testing.T) {
	t.Parallel()
	e := New()
	e.Register("t", func(ctx context.Context, inputs task.Document) (task.Document, error) {
		return nil, errors.New("boom")
	})
	rec := &task.Record{Task: task.Task{Tool: "t"}}
	out := e.Execute(context.Background(), rec)
	assert.False(t, out.Success)
	assert.Equal(t, "boom", out.Error)
}

func TestExecuteEmptyPayloadFails(t *testing.T) {
	t.Parallel()
	e := New()
	e.Register("t", func(ctx context.Context, inputs task.Document) (task.Document, error) {
		return nil, nil
	})
	rec := &task.Record{Task: task.Task{Tool: "t"}}
	out := e.Execute(context.Background(), rec)
	assert.False(t, out.Success)
}

func TestExecuteRespectsContextCancellation(t *testing.T) {
	t.Parallel()
	e := New(WithRateLimit(rate.Limit(0.0001), 1))
	e.Register("t", func(ctx context.Context, inputs task.Document) (task.Document, error) {
		return task.Document{"ok": true}, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := &task.Record{Task: task.Task{Tool: "t"}}
	out := e.Execute(ctx, rec)
	assert.False(t, out.Success)
}

func TestRegisterReplacesPreviousAdapter(t *testing.T) {
	t.Parallel()
	e := New()
	e.Register("t", func(ctx context.Context, inputs task.Document) (task.Document, error) {
		return task.Document{"v": 1}, nil
	})
	e.Register("t", func(ctx context.Context, inputs task.Document) (task.Document, error) {
		return task.Document{"v": 2}, nil
	})
	out := e.Execute(context.Background(), &task.Record{Task: task.Task{Tool: "t"}})
	require.True(t, out.Success)
	assert.Equal(t, 2, out.Data["v"])
}
