package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/orrery/internal/broker"
	"github.com/zjrosen/orrery/internal/broker/api"
	"github.com/zjrosen/orrery/internal/infrastructure/sqlite"
	"github.com/zjrosen/orrery/internal/ports"
	"github.com/zjrosen/orrery/internal/rpc"
	"github.com/zjrosen/orrery/internal/supervisor"
	"github.com/zjrosen/orrery/internal/testutil"
)

type fakeWorker struct {
	mu     sync.Mutex
	port   int
	alive  bool
	memMiB float64
	memErr error
}

func (w *fakeWorker) PID() int  { return 7777 }
func (w *fakeWorker) Port() int { return w.port }

func (w *fakeWorker) Alive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.alive
}

func (w *fakeWorker) MemoryMiB() (float64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.memErr != nil {
		return 0, w.memErr
	}
	return w.memMiB, nil
}

func (w *fakeWorker) Terminate(time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.alive = false
	return nil
}

type fakeSpawner struct {
	mu      sync.Mutex
	err     error
	workers map[int]*fakeWorker
}

var _ supervisor.Spawner = (*fakeSpawner)(nil)

func (s *fakeSpawner) Spawn(_ context.Context, port int) (supervisor.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	w := &fakeWorker{port: port, alive: true, memMiB: 64}
	s.workers[port] = w
	return w, nil
}

func (s *fakeSpawner) workerOn(port int) *fakeWorker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers[port]
}

type fakeCaller struct {
	mu    sync.Mutex
	reply rpc.Reply
	err   error
	calls []rpc.Request
}

func (c *fakeCaller) Call(_ int, req rpc.Request) (rpc.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, req)
	if c.err != nil {
		return rpc.Reply{}, c.err
	}
	return c.reply, nil
}

func (c *fakeCaller) lastCall(t *testing.T) rpc.Request {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.calls)
	return c.calls[len(c.calls)-1]
}

// harnessConfig lets tests bend both the registry and the handler.
type harnessConfig struct {
	broker broker.Options
	api    api.HandlerConfig
}

type harness struct {
	router   http.Handler
	registry *broker.Registry
	spawner  *fakeSpawner
	caller   *fakeCaller
	store    *sqlite.SessionStore
	pool     *ports.Pool
}

func newHarness(t *testing.T, mutate ...func(*harnessConfig)) *harness {
	t.Helper()

	h := &harness{
		spawner: &fakeSpawner{workers: make(map[int]*fakeWorker)},
		caller:  &fakeCaller{reply: rpc.Reply{Success: true}},
		store:   testutil.NewStore(t),
		pool:    ports.New(8001, 8011),
	}

	cfg := harnessConfig{
		broker: broker.Options{
			Pool:             h.pool,
			Spawner:          h.spawner,
			Caller:           h.caller,
			Store:            h.store,
			IdleTimeout:      time.Hour,
			TerminationGrace: time.Second,
		},
	}
	for _, fn := range mutate {
		fn(&cfg)
	}

	h.registry = broker.New(cfg.broker)
	cfg.api.Registry = h.registry
	cfg.api.Pool = h.pool
	h.router = api.NewHandler(cfg.api).Routes()
	return h
}

func (h *harness) do(t *testing.T, method, path string, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func (h *harness) startSession(t *testing.T) broker.Snapshot {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/start-session", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var snap broker.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	return snap
}

func decodeDetail(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["detail"]
}

func TestStartSession(t *testing.T) {
	h := newHarness(t)

	snap := h.startSession(t)
	assert.NotEmpty(t, snap.ID)
	assert.Equal(t, 8001, snap.Port)
	assert.Equal(t, "Not logged in", snap.UserDisplayName)

	row, err := h.store.GetSession(context.Background(), snap.ID)
	require.NoError(t, err)
	require.NotNil(t, row.ClientIP, "the creating request's peer is recorded")
	assert.Equal(t, "192.0.2.1", *row.ClientIP, "httptest requests arrive from 192.0.2.1")
}

func TestStartSession_XForwardedForWins(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/start-session", "",
		"X-Forwarded-For", " 203.0.113.9 , 10.0.0.1")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap broker.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))

	row, err := h.store.GetSession(context.Background(), snap.ID)
	require.NoError(t, err)
	require.NotNil(t, row.ClientIP)
	assert.Equal(t, "203.0.113.9", *row.ClientIP, "first forwarded hop is the client")
}

func TestStartSession_NoCapacity(t *testing.T) {
	h := newHarness(t, func(c *harnessConfig) {
		c.broker.Pool = ports.New(9000, 9000)
	})

	rec := h.do(t, http.MethodPost, "/start-session", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, decodeDetail(t, rec), "no available ports")
}

func TestStartSession_SpawnFailure(t *testing.T) {
	h := newHarness(t)
	h.spawner.err = errors.New("exec: worker binary missing")

	rec := h.do(t, http.MethodPost, "/start-session", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decodeDetail(t, rec), "worker binary missing")
}

func TestEndSession(t *testing.T) {
	h := newHarness(t)
	snap := h.startSession(t)

	rec := h.do(t, http.MethodPost, "/end-session/"+snap.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success": true}`, rec.Body.String())

	rec = h.do(t, http.MethodPost, "/end-session/"+snap.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Session not found", decodeDetail(t, rec))
}

func TestSessions_ListsSnapshots(t *testing.T) {
	h := newHarness(t)
	a := h.startSession(t)
	b := h.startSession(t)

	rec := h.do(t, http.MethodGet, "/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var listed map[string]broker.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed, 2)
	assert.Contains(t, listed, a.ID)
	assert.Contains(t, listed, b.ID)
}

func TestSessions_ReapsIdleFirst(t *testing.T) {
	h := newHarness(t, func(c *harnessConfig) {
		c.broker.IdleTimeout = 50 * time.Millisecond
	})
	h.startSession(t)
	time.Sleep(80 * time.Millisecond)

	rec := h.do(t, http.MethodGet, "/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var listed map[string]broker.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Empty(t, listed, "listing evicts idle sessions before answering")
}

func TestUpdateUserInfo(t *testing.T) {
	h := newHarness(t)
	snap := h.startSession(t)

	rec := h.do(t, http.MethodPost, "/update-user-info/"+snap.ID,
		`{"first_name": "Ada", "last_name": "Lovelace", "email": "ada@example.com"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"success": true}`, rec.Body.String())

	got, ok := h.registry.Get(snap.ID)
	require.True(t, ok)
	assert.Equal(t, "Ada Lovelace", got.UserDisplayName)
}

func TestUpdateUserInfo_Validation(t *testing.T) {
	h := newHarness(t)
	snap := h.startSession(t)

	cases := []struct {
		name string
		body string
		code int
	}{
		{"missing last name", `{"first_name": "Ada"}`, http.StatusUnprocessableEntity},
		{"malformed email", `{"first_name": "Ada", "last_name": "L", "email": "not-an-email"}`, http.StatusUnprocessableEntity},
		{"invalid json", `{`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, "/update-user-info/"+snap.ID, tc.body)
			assert.Equal(t, tc.code, rec.Code, rec.Body.String())
		})
	}

	rec := h.do(t, http.MethodPost, "/update-user-info/no-such-id",
		`{"first_name": "Ada", "last_name": "Lovelace"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Session not found", decodeDetail(t, rec))
}

func TestSessionMemoryAll_SkipsDeadProcesses(t *testing.T) {
	h := newHarness(t)
	healthy := h.startSession(t)
	doomed := h.startSession(t)
	h.spawner.workerOn(healthy.Port).memMiB = 128
	h.spawner.workerOn(doomed.Port).memErr = errors.New("process has exited")

	rec := h.do(t, http.MethodGet, "/session-memory", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var usage map[string]float64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &usage))
	assert.Equal(t, 128.0, usage[healthy.ID])
	_, sampled := usage[doomed.ID]
	assert.False(t, sampled, "unsampleable sessions are omitted, not zeroed")
}

func TestSessionMemory(t *testing.T) {
	h := newHarness(t)
	snap := h.startSession(t)
	h.spawner.workerOn(snap.Port).memMiB = 321.5

	rec := h.do(t, http.MethodPost, "/session-memory/"+snap.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"mem_used": 321.5}`, rec.Body.String())

	rec = h.do(t, http.MethodPost, "/session-memory/no-such-id", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Session not found", decodeDetail(t, rec))
}

func TestPortStatus(t *testing.T) {
	h := newHarness(t)
	h.startSession(t)

	rec := h.do(t, http.MethodGet, "/port-status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var status ports.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 10, status.TotalPorts)
	assert.Equal(t, 1, status.ReservedPorts)
	assert.Equal(t, 9, status.AvailablePorts)
	assert.Equal(t, []int{8001}, status.ReservedList)
	assert.Equal(t, "8001-8010", status.PortRange)
}

func TestSend_ForwardsEnvelopeVerbatim(t *testing.T) {
	h := newHarness(t)
	snap := h.startSession(t)
	h.caller.reply = rpc.Reply{Success: true, Result: json.RawMessage(`{"status": "ready"}`)}

	rec := h.do(t, http.MethodPost, "/send/"+snap.ID,
		`{"command": "get_value", "twig": "period@binary", "unit": "d"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success": true, "result": {"status": "ready"}}`, rec.Body.String())

	sent := h.caller.lastCall(t)
	assert.Equal(t, "get_value", sent.Name)
	assert.Equal(t, map[string]any{"twig": "period@binary", "unit": "d"}, sent.Args,
		"arguments pass through untouched")
}

func TestSend_UnknownSession(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/send/no-such-id", `{"command": "ping"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Invalid session ID", decodeDetail(t, rec))
}

func TestSend_TransportFailureIsEnvelope(t *testing.T) {
	h := newHarness(t)
	snap := h.startSession(t)
	h.caller.err = errors.New("connection refused")

	rec := h.do(t, http.MethodPost, "/send/"+snap.ID, `{"command": "run_compute"}`)
	require.Equal(t, http.StatusOK, rec.Code, "transport failures are payload, not status")

	var reply rpc.Reply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	assert.False(t, reply.Success)
	assert.Contains(t, reply.Error, "connection refused")
}

func TestSend_InvalidBody(t *testing.T) {
	h := newHarness(t)
	snap := h.startSession(t)

	rec := h.do(t, http.MethodPost, "/send/"+snap.ID, "not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status": "ok"}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Body.String())
}
