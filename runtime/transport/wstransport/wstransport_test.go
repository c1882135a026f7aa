package wstransport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vela-ai/taskmesh/runtime/task"
	"github.com/vela-ai/taskmesh/runtime/transport"
)

// dialTestServer spins up an httptest server whose handler hands the request
// to d.ServeHTTP for the given userID, dials it with a real websocket client
// connection, and returns the client conn plus a teardown func.
func dialTestServer(t *testing.T, d *Dispatcher, userID string) (*websocket.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = d.ServeHTTP(userID, w, r)
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	return conn, func() {
		_ = conn.Close()
		srv.Close()
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestConnectedReflectsLiveSession(t *testing.T) {
	t.Parallel()
	d := New()
	assert.False(t, d.Connected("u1"))

	_, teardown := dialTestServer(t, d, "u1")
	defer teardown()

	waitUntil(t, func() bool { return d.Connected("u1") })
}

func TestEmitSingleDeliversWireTaskToClient(t *testing.T) {
	t.Parallel()
	d := New()
	conn, teardown := dialTestServer(t, d, "u1")
	defer teardown()
	waitUntil(t, func() bool { return d.Connected("u1") })

	err := d.EmitSingle("u1", transport.WireTask{TaskID: "A", Tool: "web_search"})
	require.NoError(t, err)

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var env struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, transport.MsgExecute, env.Type)

	var wt transport.WireTask
	require.NoError(t, json.Unmarshal(env.Payload, &wt))
	assert.Equal(t, "A", wt.TaskID)
	assert.Equal(t, "web_search", wt.Tool)
}

func TestEmitBatchSetsIsChainTrue(t *testing.T) {
	t.Parallel()
	d := New()
	conn, teardown := dialTestServer(t, d, "u1")
	defer teardown()
	waitUntil(t, func() bool { return d.Connected("u1") })

	err := d.EmitBatch("u1", []transport.WireTask{{TaskID: "A"}, {TaskID: "B"}})
	require.NoError(t, err)

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var env struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, transport.MsgExecuteBatch, env.Type)

	var payload transport.ExecuteBatchPayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.True(t, payload.IsChain)
	assert.Len(t, payload.Tasks, 2)
}

func TestEmitFailsForUnknownUser(t *testing.T) {
	t.Parallel()
	d := New()
	err := d.EmitSingle("ghost", transport.WireTask{TaskID: "A"})
	assert.Error(t, err)
}

func TestInboundResultMessageRoutesToAckHandler(t *testing.T) {
	t.Parallel()
	d := New()
	conn, teardown := dialTestServer(t, d, "u1")
	defer teardown()
	waitUntil(t, func() bool { return d.Connected("u1") })

	ackCh := make(chan struct {
		userID, taskID string
		output         *task.Output
	}, 1)
	d.OnAck(func(userID, taskID string, output *task.Output) {
		ackCh <- struct {
			userID, taskID string
			output         *task.Output
		}{userID, taskID, output}
	})

	payload, err := json.Marshal(transport.ResultPayload{
		UserID: "u1",
		TaskID: "A",
		Result: task.Output{Success: true, Data: task.Document{"k": "v"}},
	})
	require.NoError(t, err)
	env, err := json.Marshal(struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}{Type: transport.MsgResult, Payload: payload})
	require.NoError(t, err)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, env))

	select {
	case got := <-ackCh:
		assert.Equal(t, "u1", got.userID)
		assert.Equal(t, "A", got.taskID)
		assert.True(t, got.output.Success)
	case <-time.After(2 * time.Second):
		t.Fatal("ack handler never invoked")
	}
}

func TestInboundBatchResultsRoutesEachEntry(t *testing.T) {
	t.Parallel()
	d := New()
	conn, teardown := dialTestServer(t, d, "u1")
	defer teardown()
	waitUntil(t, func() bool { return d.Connected("u1") })

	acked := make(chan string, 2)
	d.OnAck(func(userID, taskID string, output *task.Output) {
		acked <- taskID
	})

	payload, err := json.Marshal(transport.BatchResultsPayload{
		UserID: "u1",
		Results: []transport.BatchResultEntry{
			{TaskID: "A", Result: task.Output{Success: true}},
			{TaskID: "B", Result: task.Output{Success: true}},
		},
	})
	require.NoError(t, err)
	env, err := json.Marshal(struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}{Type: transport.MsgBatchResults, Payload: payload})
	require.NoError(t, err)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, env))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-acked:
			seen[id] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for batch acks")
		}
	}
	assert.True(t, seen["A"])
	assert.True(t, seen["B"])
}

func TestNewConnectionReplacesStaleConnectionForSameUser(t *testing.T) {
	t.Parallel()
	d := New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = d.ServeHTTP("u1", w, r)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	first, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	waitUntil(t, func() bool { return d.Connected("u1") })

	second, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer second.Close()
	waitUntil(t, func() bool { return d.Connected("u1") })

	_, _, err = first.ReadMessage()
	assert.Error(t, err)
}
