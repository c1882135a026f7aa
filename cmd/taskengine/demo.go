package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vela-ai/taskmesh/runtime/engine"
	"github.com/vela-ai/taskmesh/runtime/executor"
	"github.com/vela-ai/taskmesh/runtime/orchestrator"
	"github.com/vela-ai/taskmesh/runtime/registry"
	"github.com/vela-ai/taskmesh/runtime/task"
	"github.com/vela-ai/taskmesh/runtime/transport"
	"github.com/vela-ai/taskmesh/runtime/transport/directcall"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run the mixed-DAG walkthrough scenario in-process",
	RunE:  runDemo,
}

const demoUser = "demo-user"

func init() {
	demoCmd.Flags().String("fixture", "", "path to a YAML task batch to run instead of the built-in mixed DAG")
}

// fixtureTask is the YAML-friendly shape of a Task, mirroring §6.1's fields.
type fixtureTask struct {
	ID              string            `yaml:"id"`
	Tool            string            `yaml:"tool"`
	ExecutionTarget string            `yaml:"execution_target"`
	DependsOn       []string          `yaml:"depends_on"`
	Inputs          task.Document     `yaml:"inputs"`
	InputBindings   map[string]string `yaml:"input_bindings"`
}

func loadFixture(path string) ([]task.Task, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fixture %q: %w", path, err)
	}
	var fixtures []fixtureTask
	if err := yaml.Unmarshal(raw, &fixtures); err != nil {
		return nil, fmt.Errorf("parsing fixture %q: %w", path, err)
	}
	out := make([]task.Task, 0, len(fixtures))
	for _, f := range fixtures {
		out = append(out, task.Task{
			ID:              f.ID,
			Tool:            f.Tool,
			ExecutionTarget: task.Target(f.ExecutionTarget),
			DependsOn:       f.DependsOn,
			Inputs:          f.Inputs,
			InputBindings:   f.InputBindings,
		})
	}
	return out, nil
}

func runDemo(cmd *cobra.Command, args []string) error {
	reg := registry.NewStatic("web_search", "folder_create", "file_create",
		"open_app", "close_app", "file_search")
	exec := executor.New()
	registerDemoTools(exec)

	// The in-process dispatcher simulates a connected client device: it
	// acknowledges every emitted task by running the matching client tool
	// adapter locally (simulateClientTool) and calling back into the engine's AckHandler, exactly the way
	// a real client would echo a task:result message.
	var dispatch *directcall.Dispatcher
	dispatch = directcall.New(func(userID string, batch transport.ExecuteBatchPayload) {
		for _, wt := range batch.Tasks {
			data, err := simulateClientTool(wt)
			if err != nil {
				dispatch.Ack(userID, wt.TaskID, &task.Output{Success: false, Error: err.Error()})
				continue
			}
			dispatch.Ack(userID, wt.TaskID, &task.Output{Success: true, Data: data})
		}
	})
	dispatch.Connect(demoUser)

	orch := orchestrator.New(reg)
	eng := engine.New(orch, exec, dispatch)

	ctx := context.Background()
	tasks := []task.Task{
		{ID: "S1", Tool: "web_search", ExecutionTarget: task.Server, Inputs: task.Document{"query": "gold"}},
		{ID: "S2", Tool: "web_search", ExecutionTarget: task.Server, DependsOn: []string{"S1"},
			Inputs: task.Document{"query": "silver"}},
		{ID: "C1", Tool: "folder_create", ExecutionTarget: task.Client, DependsOn: []string{"S2"},
			Inputs: task.Document{"path": "~/reports"}},
		{ID: "C2", Tool: "file_create", ExecutionTarget: task.Client, DependsOn: []string{"C1"},
			Inputs:        task.Document{"path": "~/reports/summary.txt"},
			InputBindings: map[string]string{"content": "$.S2.output.data.total_results"},
		},
	}

	if path, _ := cmd.Flags().GetString("fixture"); path != "" {
		loaded, err := loadFixture(path)
		if err != nil {
			return err
		}
		tasks = loaded
	}

	if err := orch.Register(ctx, demoUser, tasks); err != nil {
		return fmt.Errorf("registering demo tasks: %w", err)
	}

	h := eng.Start(demoUser)
	select {
	case <-h.Done():
	case <-time.After(10 * time.Second):
		return fmt.Errorf("demo: driver did not drain within timeout")
	}

	summary := orch.GetSummary(demoUser)
	fmt.Printf("total=%d completed=%d failed=%d success_rate=%.2f\n",
		summary.Total, summary.Completed, summary.Failed, summary.SuccessRate)

	state := orch.GetState(demoUser)
	for _, id := range state.Order {
		rec := state.Tasks[id]
		fmt.Printf("  %-4s %-9s status=%-9s error=%q\n", rec.Task.ID, rec.Task.Tool, rec.Status, rec.Error)
	}
	return nil
}

// simulateClientTool stands in for actual client-side execution of
// folder_create, file_create, open_app, close_app and file_search; it reuses
// the adapters registered on the demo executor so the demo
// produces the same shape of output a real device would report back.
func simulateClientTool(wt transport.WireTask) (task.Document, error) {
	switch wt.Tool {
	case "folder_create":
		return folderCreateAdapter(context.Background(), wt.Inputs)
	case "file_create":
		return fileCreateAdapter(context.Background(), wt.Inputs)
	case "open_app":
		return openAppAdapter(context.Background(), wt.Inputs)
	case "close_app":
		return closeAppAdapter(context.Background(), wt.Inputs)
	case "file_search":
		return fileSearchAdapter(context.Background(), wt.Inputs)
	default:
		return nil, fmt.Errorf("simulateClientTool: unsupported tool %q", wt.Tool)
	}
}
