package main

import (
	"context"
	"fmt"
	"time"

	"github.com/vela-ai/taskmesh/runtime/executor"
	"github.com/vela-ai/taskmesh/runtime/task"
)

// registerDemoTools binds the literal example adapters used by spec.md §8's
// end-to-end scenarios, plus the rest of the client tool family named in
// SPEC_FULL.md §11, onto exec. web_search is a server-side stand-in; the
// rest are client tools whose contracts (input fields, output shapes) are
// grounded on the original client-side tool executors, registered here too
// so that IsKnown/dispatch accept them uniformly regardless of target.
func registerDemoTools(exec *executor.Executor) {
	exec.Register("web_search", webSearchAdapter)
	exec.Register("folder_create", folderCreateAdapter)
	exec.Register("file_create", fileCreateAdapter)
	exec.Register("open_app", openAppAdapter)
	exec.Register("close_app", closeAppAdapter)
	exec.Register("file_search", fileSearchAdapter)
}

func webSearchAdapter(ctx context.Context, inputs task.Document) (task.Document, error) {
	query, _ := inputs["query"].(string)
	if query == "" {
		return nil, fmt.Errorf("web_search: missing required input %q", "query")
	}

	select {
	case <-time.After(50 * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	results := []any{
		map[string]any{"title": query + " overview", "url": "https://example.com/1"},
		map[string]any{"title": query + " in depth", "url": "https://example.com/2"},
	}
	return task.Document{
		"results":        results,
		"total_results":  len(results),
		"search_time_ms": 50,
	}, nil
}

func folderCreateAdapter(ctx context.Context, inputs task.Document) (task.Document, error) {
	path, _ := inputs["path"].(string)
	if path == "" {
		return nil, fmt.Errorf("folder_create: missing required input %q", "path")
	}
	return task.Document{"path": path, "created": true}, nil
}

func fileCreateAdapter(ctx context.Context, inputs task.Document) (task.Document, error) {
	path, _ := inputs["path"].(string)
	if path == "" {
		return nil, fmt.Errorf("file_create: missing required input %q", "path")
	}
	content := inputs["content"]
	return task.Document{"path": path, "bytes_written": len(fmt.Sprint(content))}, nil
}

// openAppAdapter launches a named application on the client device. process_id
// stands in for whatever handle the OS gives back; a real implementation would
// spawn the process and report its actual pid.
func openAppAdapter(ctx context.Context, inputs task.Document) (task.Document, error) {
	target, _ := inputs["target"].(string)
	if target == "" {
		return nil, fmt.Errorf("open_app: missing required input %q", "target")
	}

	select {
	case <-time.After(20 * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return task.Document{"process_id": 12345, "target": target}, nil
}

// closeAppAdapter terminates a previously opened application. exit_code 0
// means a clean shutdown; a real implementation would propagate whatever the
// OS reports.
func closeAppAdapter(ctx context.Context, inputs task.Document) (task.Document, error) {
	target, _ := inputs["target"].(string)
	if target == "" {
		return nil, fmt.Errorf("close_app: missing required input %q", "target")
	}

	select {
	case <-time.After(15 * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return task.Document{"exit_code": 0, "target": target}, nil
}

// fileSearchAdapter looks up files matching query on the client filesystem.
// The stand-in always reports zero matches; a real implementation would walk
// an indexed filesystem or call an OS search API.
func fileSearchAdapter(ctx context.Context, inputs task.Document) (task.Document, error) {
	query, _ := inputs["query"].(string)
	if query == "" {
		return nil, fmt.Errorf("file_search: missing required input %q", "query")
	}

	select {
	case <-time.After(20 * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return task.Document{"results": []any{}, "total": 0}, nil
}
