// Package wstransport implements transport.Dispatcher over a real
// bidirectional connection using github.com/gorilla/websocket. Each user is
// mapped to at most one live *websocket.Conn; EmitSingle/EmitBatch write
// JSON-framed messages to it, and a per-connection read loop decodes inbound
// task:result / task:batch_results messages and forwards them to the
// registered AckHandler.
package wstransport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/vela-ai/taskmesh/runtime/task"
	"github.com/vela-ai/taskmesh/runtime/telemetry"
	"github.com/vela-ai/taskmesh/runtime/transport"
)

// envelope is the outer shape of every message exchanged over the socket.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Dispatcher maps connected users to websocket connections and implements
// transport.Dispatcher. It is safe for concurrent use.
type Dispatcher struct {
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*websocket.Conn

	ackMu sync.RWMutex
	ack   transport.AckHandler

	logger telemetry.Logger
}

// Option configures a Dispatcher at construction time.
type Option func(*Dispatcher)

// WithLogger configures the dispatcher's logger. Defaults to a no-op logger.
func WithLogger(l telemetry.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// New constructs a Dispatcher with no connected users.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		upgrader: websocket.Upgrader{},
		conns:    make(map[string]*websocket.Conn),
		logger:   telemetry.NewNoopLogger(),
	}
	for _, o := range opts {
		if o != nil {
			o(d)
		}
	}
	return d
}

// ServeHTTP upgrades the HTTP connection for userID to a websocket session
// and runs the inbound read loop until the connection closes. Mount this
// behind whatever routing associates a request with a user id (out of scope
// per §1: authentication/routing are external collaborators).
func (d *Dispatcher) ServeHTTP(userID string, w http.ResponseWriter, r *http.Request) error {
	conn, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if old, ok := d.conns[userID]; ok {
		_ = old.Close()
	}
	d.conns[userID] = conn
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		if d.conns[userID] == conn {
			delete(d.conns, userID)
		}
		d.mu.Unlock()
		_ = conn.Close()
	}()

	return d.readLoop(userID, conn)
}

func (d *Dispatcher) readLoop(userID string, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			d.logger.Warn(context.Background(), "wstransport: malformed envelope", "user_id", userID, "error", err)
			continue
		}
		d.dispatchInbound(userID, env)
	}
}

func (d *Dispatcher) dispatchInbound(userID string, env envelope) {
	d.ackMu.RLock()
	handler := d.ack
	d.ackMu.RUnlock()
	if handler == nil {
		return
	}

	switch env.Type {
	case transport.MsgResult:
		var p transport.ResultPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		result := p.Result
		handler(userID, p.TaskID, &result)
	case transport.MsgBatchResults:
		var p transport.BatchResultsPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		for _, entry := range p.Results {
			result := entry.Result
			handler(userID, entry.TaskID, &result)
		}
	}
}

// Connected implements transport.Dispatcher.
func (d *Dispatcher) Connected(userID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.conns[userID]
	return ok
}

// EmitSingle implements transport.Dispatcher.
func (d *Dispatcher) EmitSingle(userID string, t transport.WireTask) error {
	return d.send(userID, transport.MsgExecute, t)
}

// EmitBatch implements transport.Dispatcher.
func (d *Dispatcher) EmitBatch(userID string, ts []transport.WireTask) error {
	return d.send(userID, transport.MsgExecuteBatch, transport.ExecuteBatchPayload{Tasks: ts, IsChain: true})
}

// EmitStatus sends an advisory task:status message for UI purposes.
func (d *Dispatcher) EmitStatus(userID string, taskID string, status task.Status) error {
	return d.send(userID, transport.MsgStatus, transport.StatusPayload{TaskID: taskID, Status: status})
}

func (d *Dispatcher) send(userID, msgType string, payload any) error {
	d.mu.RLock()
	conn, ok := d.conns[userID]
	d.mu.RUnlock()
	if !ok {
		return errors.New("wstransport: user not connected")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env := envelope{Type: msgType, Payload: raw}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// OnAck implements transport.Dispatcher.
func (d *Dispatcher) OnAck(handler transport.AckHandler) {
	d.ackMu.Lock()
	defer d.ackMu.Unlock()
	d.ack = handler
}
