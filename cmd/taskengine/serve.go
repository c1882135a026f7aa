package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/vela-ai/taskmesh/runtime/engine"
	"github.com/vela-ai/taskmesh/runtime/executor"
	"github.com/vela-ai/taskmesh/runtime/orchestrator"
	"github.com/vela-ai/taskmesh/runtime/registry"
	"github.com/vela-ai/taskmesh/runtime/task"
	"github.com/vela-ai/taskmesh/runtime/transport/wstransport"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the task engine over a websocket client transport",
	RunE:  runServe,
}

// userIDFromRequest extracts the user id a connecting client is acting on
// behalf of. Authentication/routing are external collaborators (spec §1);
// this is the minimal stand-in a composition root needs to demonstrate the
// wiring.
func userIDFromRequest(r *http.Request) string {
	if id := r.URL.Query().Get("user_id"); id != "" {
		return id
	}
	return "anonymous"
}

func runServe(cmd *cobra.Command, args []string) error {
	reg := registry.NewStatic("web_search", "folder_create", "file_create",
		"open_app", "close_app", "file_search")
	exec := executor.New()
	registerDemoTools(exec)

	ws := wstransport.New()
	orch := orchestrator.New(reg)

	opts := []engine.Option{}
	if d := cfg.GetDuration("poll-interval"); d > 0 {
		opts = append(opts, engine.WithPollInterval(d))
	}
	if n := cfg.GetInt("max-iterations"); n > 0 {
		opts = append(opts, engine.WithMaxIterations(n))
	}
	if n := cfg.GetInt("max-idle"); n > 0 {
		opts = append(opts, engine.WithMaxIdle(n))
	}
	eng := engine.New(orch, exec, ws, opts...)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		userID := userIDFromRequest(r)
		eng.Start(userID)
		if err := ws.ServeHTTP(userID, w, r); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
	})
	mux.HandleFunc("/tasks", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		userID := userIDFromRequest(r)
		tasks, err := decodeTasks(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := orch.Register(r.Context(), userID, tasks); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		eng.Start(userID)
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/summary", func(w http.ResponseWriter, r *http.Request) {
		userID := userIDFromRequest(r)
		s := orch.GetSummary(userID)
		fmt.Fprintf(w, `{"total":%d,"pending":%d,"running":%d,"completed":%d,"failed":%d,"success_rate":%f}`,
			s.Total, s.Pending, s.Running, s.Completed, s.Failed, s.SuccessRate)
	})

	addr := cfg.GetString("listen-addr")
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	fmt.Printf("taskengine listening on %s\n", addr)
	return srv.ListenAndServe()
}

// decodeTasks is intentionally minimal: the planner (out of scope per §1)
// is expected to submit already-validated task documents matching §6.1's
// recognized fields. Real deployments replace this with the planner's own
// wire format.
func decodeTasks(r *http.Request) ([]task.Task, error) {
	ct := r.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "application/json") {
		return nil, fmt.Errorf("expected application/json, got %q", ct)
	}
	var wire []struct {
		TaskID          string            `json:"task_id"`
		Tool            string            `json:"tool"`
		ExecutionTarget string            `json:"execution_target"`
		DependsOn       []string          `json:"depends_on"`
		Inputs          task.Document     `json:"inputs"`
		InputBindings   map[string]string `json:"input_bindings"`
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decoding task batch: %w", err)
	}
	out := make([]task.Task, 0, len(wire))
	for _, w := range wire {
		id := w.TaskID
		if id == "" {
			// The HTTP submission API accepts client-generated DAGs that may
			// omit ids for tasks with no dependents; assign one so every
			// task still has a stable, unique identity within the batch.
			id = uuid.NewString()
		}
		out = append(out, task.Task{
			ID:              id,
			Tool:            w.Tool,
			ExecutionTarget: task.Target(w.ExecutionTarget),
			DependsOn:       w.DependsOn,
			Inputs:          w.Inputs,
			InputBindings:   w.InputBindings,
		})
	}
	return out, nil
}
