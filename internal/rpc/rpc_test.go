package rpc_test

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/orrery/internal/rpc"
)

func TestRequest_MarshalFlattens(t *testing.T) {
	req := rpc.Request{
		Name: "set_value",
		Args: map[string]any{"twig": "period@binary", "value": 2.5},
	}

	data, err := json.Marshal(req)
	require.NoError(t, err)

	var flat map[string]any
	require.NoError(t, json.Unmarshal(data, &flat))
	assert.Equal(t, "set_value", flat["command"])
	assert.Equal(t, "period@binary", flat["twig"])
	assert.Equal(t, 2.5, flat["value"])
	assert.Len(t, flat, 3)
}

func TestRequest_UnmarshalSplitsCommand(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		wantName string
		wantArgs map[string]any
	}{
		{
			name:     "command with args",
			payload:  `{"command": "get_value", "twig": "incl@binary"}`,
			wantName: "get_value",
			wantArgs: map[string]any{"twig": "incl@binary"},
		},
		{
			name:     "bare command",
			payload:  `{"command": "ping"}`,
			wantName: "ping",
			wantArgs: nil,
		},
		{
			name:     "missing command",
			payload:  `{"twig": "incl@binary"}`,
			wantName: "",
			wantArgs: map[string]any{"twig": "incl@binary"},
		},
		{
			name:     "non-string command",
			payload:  `{"command": 7}`,
			wantName: "",
			wantArgs: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req rpc.Request
			require.NoError(t, json.Unmarshal([]byte(tt.payload), &req))
			assert.Equal(t, tt.wantName, req.Name)
			assert.Equal(t, tt.wantArgs, req.Args)
		})
	}
}

func TestRequest_RoundTripPreservesArgs(t *testing.T) {
	original := `{"command":"add_dataset","kind":"lc","times":[0,0.5,1]}`

	var req rpc.Request
	require.NoError(t, json.Unmarshal([]byte(original), &req))

	data, err := json.Marshal(req)
	require.NoError(t, err)

	var got, want map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	require.NoError(t, json.Unmarshal([]byte(original), &want))
	assert.Equal(t, want, got)
}

func TestReply_OmitsEmptyFields(t *testing.T) {
	data, err := json.Marshal(rpc.Reply{Success: true, Result: json.RawMessage(`{"status":"ready"}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"result":{"status":"ready"}}`, string(data))

	data, err = json.Marshal(rpc.TransportReply(assert.AnError))
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":false,"error":"assert.AnError general error for testing"}`, string(data))
}

// fakeWorker answers each connection with a canned reply after an
// optional delay, mimicking the worker's one-reply-per-request loop.
func fakeWorker(t *testing.T, reply rpc.Reply, delay time.Duration) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer func() { _ = conn.Close() }()
				var req rpc.Request
				if err := json.NewDecoder(conn).Decode(&req); err != nil {
					return
				}
				if delay > 0 {
					time.Sleep(delay)
				}
				_ = json.NewEncoder(conn).Encode(reply)
			}(conn)
		}
	}()

	return ln.Addr().(*net.TCPAddr).Port
}

func TestClient_Call(t *testing.T) {
	port := fakeWorker(t, rpc.Reply{Success: true, Result: json.RawMessage(`42`)}, 0)

	client := rpc.NewClient(5 * time.Second)
	reply, err := client.Call(port, rpc.NewRequest("get_value"))
	require.NoError(t, err)
	assert.True(t, reply.Success)
	assert.Equal(t, json.RawMessage(`42`), reply.Result)
}

func TestClient_CallConnectionRefused(t *testing.T) {
	// Grab a port that nothing listens on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	client := rpc.NewClient(time.Second)
	_, err = client.Call(port, rpc.NewRequest("ping"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connecting to worker")
}

func TestClient_CallReplyTimeout(t *testing.T) {
	port := fakeWorker(t, rpc.Reply{Success: true}, 2*time.Second)

	client := rpc.NewClient(200 * time.Millisecond)
	_, err := client.Call(port, rpc.NewRequest("run_compute"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading reply")
}

func TestClient_Ping(t *testing.T) {
	ready := fakeWorker(t, rpc.Reply{Success: true, Result: json.RawMessage(`{"status":"ready"}`)}, 0)
	client := rpc.NewClient(time.Second)
	require.NoError(t, client.Ping(ready))

	failing := fakeWorker(t, rpc.Reply{Success: false, Error: "still loading"}, 0)
	err := client.Ping(failing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not ready")
}
