package directcall

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vela-ai/taskmesh/runtime/task"
	"github.com/vela-ai/taskmesh/runtime/transport"
)

func TestEmitFailsWhenNotConnected(t *testing.T) {
	t.Parallel()
	d := New(nil)
	err := d.EmitSingle("u1", transport.WireTask{TaskID: "A"})
	assert.Error(t, err)
}

func TestConnectEnablesEmitAndInvokesHandler(t *testing.T) {
	t.Parallel()
	var gotUser string
	var gotBatch transport.ExecuteBatchPayload
	d := New(func(userID string, batch transport.ExecuteBatchPayload) {
		gotUser = userID
		gotBatch = batch
	})
	d.Connect("u1")
	require.True(t, d.Connected("u1"))

	err := d.EmitSingle("u1", transport.WireTask{TaskID: "A"})
	require.NoError(t, err)
	assert.Equal(t, "u1", gotUser)
	assert.False(t, gotBatch.IsChain)
	require.Len(t, gotBatch.Tasks, 1)
	assert.Equal(t, "A", gotBatch.Tasks[0].TaskID)
}

func TestEmitBatchMarksIsChainTrue(t *testing.T) {
	t.Parallel()
	var gotBatch transport.ExecuteBatchPayload
	d := New(func(userID string, batch transport.ExecuteBatchPayload) {
		gotBatch = batch
	})
	d.Connect("u1")

	err := d.EmitBatch("u1", []transport.WireTask{{TaskID: "A"}, {TaskID: "B"}})
	require.NoError(t, err)
	assert.True(t, gotBatch.IsChain)
	assert.Len(t, gotBatch.Tasks, 2)
}

func TestDisconnectPreventsFurtherEmits(t *testing.T) {
	t.Parallel()
	d := New(nil)
	d.Connect("u1")
	d.Disconnect("u1")
	assert.False(t, d.Connected("u1"))
	assert.Error(t, d.EmitSingle("u1", transport.WireTask{TaskID: "A"}))
}

func TestAckInvokesRegisteredHandler(t *testing.T) {
	t.Parallel()
	d := New(nil)

	var gotUser, gotTask string
	var gotOutput *task.Output
	d.OnAck(func(userID, taskID string, output *task.Output) {
		gotUser, gotTask, gotOutput = userID, taskID, output
	})

	out := &task.Output{Success: true, Data: task.Document{"k": "v"}}
	d.Ack("u1", "A", out)

	assert.Equal(t, "u1", gotUser)
	assert.Equal(t, "A", gotTask)
	assert.Same(t, out, gotOutput)
}

func TestAckWithNoHandlerRegisteredIsNoop(t *testing.T) {
	t.Parallel()
	d := New(nil)
	assert.NotPanics(t, func() {
		d.Ack("u1", "A", &task.Output{Success: true})
	})
}
