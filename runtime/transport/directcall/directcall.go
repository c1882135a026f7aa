// Package directcall provides an in-process Dispatcher implementation that
// hands emitted tasks straight to a registered handler function instead of
// going over a network. It is intended for tests and local composition where
// no real client device is involved.
package directcall

import (
	"errors"
	"sync"

	"github.com/vela-ai/taskmesh/runtime/task"
	"github.com/vela-ai/taskmesh/runtime/transport"
)

// Handler is invoked synchronously for every task emitted to a connected
// user, single or batched. Tests typically use it to synthesize
// acknowledgments by calling back into the Dispatcher's registered AckHandler.
type Handler func(userID string, batch transport.ExecuteBatchPayload)

// Dispatcher is an in-process transport.Dispatcher. Users become "connected"
// by calling Connect; EmitSingle/EmitBatch fail for users that are not.
type Dispatcher struct {
	mu        sync.Mutex
	connected map[string]bool
	handler   Handler
	ack       transport.AckHandler
}

// New constructs a Dispatcher with no connected users.
func New(h Handler) *Dispatcher {
	return &Dispatcher{connected: make(map[string]bool), handler: h}
}

// Connect marks userID as having a live session.
func (d *Dispatcher) Connect(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected[userID] = true
}

// Disconnect marks userID as no longer connected.
func (d *Dispatcher) Disconnect(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.connected, userID)
}

// Connected implements transport.Dispatcher.
func (d *Dispatcher) Connected(userID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected[userID]
}

// EmitSingle implements transport.Dispatcher.
func (d *Dispatcher) EmitSingle(userID string, t transport.WireTask) error {
	return d.emit(userID, transport.ExecuteBatchPayload{Tasks: []transport.WireTask{t}, IsChain: false})
}

// EmitBatch implements transport.Dispatcher.
func (d *Dispatcher) EmitBatch(userID string, ts []transport.WireTask) error {
	return d.emit(userID, transport.ExecuteBatchPayload{Tasks: ts, IsChain: true})
}

func (d *Dispatcher) emit(userID string, batch transport.ExecuteBatchPayload) error {
	if !d.Connected(userID) {
		return errors.New("directcall: user not connected")
	}
	if d.handler != nil {
		d.handler(userID, batch)
	}
	return nil
}

// OnAck implements transport.Dispatcher.
func (d *Dispatcher) OnAck(handler transport.AckHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ack = handler
}

// Ack lets test code simulate an inbound task:result acknowledgment.
func (d *Dispatcher) Ack(userID, taskID string, output *task.Output) {
	d.mu.Lock()
	handler := d.ack
	d.mu.Unlock()
	if handler != nil {
		handler(userID, taskID, output)
	}
}
