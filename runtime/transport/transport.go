// Package transport declares the client dispatch protocol (§6.2): the wire
// messages exchanged with a connected client session and the Dispatcher
// interface the engine uses to emit tasks and receive acknowledgments.
// Two implementations exist: wstransport (a real gorilla/websocket session)
// and directcall (an in-process adapter for tests).
package transport

import "github.com/vela-ai/taskmesh/runtime/task"

const (
	// MsgExecute carries a single TaskRecord to run on the client.
	MsgExecute = "task:execute"
	// MsgExecuteBatch carries a dependency chain to run end-to-end on the client.
	MsgExecuteBatch = "task:execute_batch"
	// MsgStatus is an advisory status update for UI purposes.
	MsgStatus = "task:status"
	// MsgResult is a client->server acknowledgment for a single task.
	MsgResult = "task:result"
	// MsgBatchResults is a client->server acknowledgment for a batch of tasks.
	MsgBatchResults = "task:batch_results"
)

type (
	// WireTask is the over-the-wire representation of a TaskRecord dispatched
	// to a client, carrying only the fields a client needs to execute it.
	WireTask struct {
		TaskID        string            `json:"task_id"`
		Tool          string            `json:"tool"`
		Inputs        task.Document     `json:"inputs"`
		InputBindings map[string]string `json:"input_bindings,omitempty"`
		DependsOn     []string          `json:"depends_on,omitempty"`
	}

	// ExecuteBatchPayload is the payload of a task:execute_batch message.
	ExecuteBatchPayload struct {
		Tasks   []WireTask `json:"tasks"`
		IsChain bool       `json:"is_chain"`
	}

	// StatusPayload is the payload of a task:status message.
	StatusPayload struct {
		TaskID string      `json:"task_id"`
		Status task.Status `json:"status"`
	}

	// ResultPayload is the payload of a task:result message received from a client.
	ResultPayload struct {
		UserID string       `json:"user_id"`
		TaskID string       `json:"task_id"`
		Result task.Output  `json:"result"`
	}

	// BatchResultEntry is one element of a task:batch_results payload.
	BatchResultEntry struct {
		TaskID string      `json:"task_id"`
		Result task.Output `json:"result"`
	}

	// BatchResultsPayload is the payload of a task:batch_results message
	// received from a client.
	BatchResultsPayload struct {
		UserID  string             `json:"user_id"`
		Results []BatchResultEntry `json:"results"`
	}
)

// AckHandler is invoked by a Dispatcher implementation whenever an inbound
// task:result or task:batch_results message is received for userID, the user
// whose session the message arrived on (a UserID inside the payload is not
// used). A Dispatcher holds a single AckHandler; engine.New registers one
// that routes every acknowledgment back into the orchestrator.
type AckHandler func(userID, taskID string, output *task.Output)

// Dispatcher abstracts the bidirectional client transport described in §6.2.
// Implementations own framing and delivery; the engine only calls EmitSingle
// / EmitBatch and registers an AckHandler to receive results asynchronously.
//
// Dispatcher implementations must be safe for concurrent use across users;
// they are read-only from the engine's perspective (§5 Shared-resource
// policy) and are mutated only by the transport layer itself (e.g. on
// connect/disconnect).
type Dispatcher interface {
	// Connected reports whether userID currently has a live client session.
	Connected(userID string) bool
	// EmitSingle sends one task to userID's client session.
	EmitSingle(userID string, t WireTask) error
	// EmitBatch sends a dependency chain to userID's client session as a
	// single network trip, with IsChain=true in the payload.
	EmitBatch(userID string, ts []WireTask) error
	// OnAck registers the callback invoked for inbound acknowledgments. It is
	// called once during composition; only one handler is active at a time.
	OnAck(handler AckHandler)
}

// ToWireTask projects a TaskRecord into its wire representation. Inputs
// carries rec.ResolvedInputs when dispatch-time resolution has already
// happened (the normal case — §4.6 resolves immediately before dispatch),
// falling back to the task's literal inputs otherwise. InputBindings is
// still included so a client receiving a whole chain can resolve bindings
// against earlier steps in that same chain locally (§9 Design Notes).
func ToWireTask(rec *task.Record) WireTask {
	inputs := rec.ResolvedInputs
	if inputs == nil {
		inputs = rec.Task.Inputs
	}
	return WireTask{
		TaskID:        rec.Task.ID,
		Tool:          rec.Task.Tool,
		Inputs:        inputs,
		InputBindings: rec.Task.InputBindings,
		DependsOn:     rec.Task.DependsOn,
	}
}
