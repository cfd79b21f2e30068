package api_test

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/orrery/internal/broker"
	"github.com/zjrosen/orrery/internal/broker/api"
	"github.com/zjrosen/orrery/internal/ports"
	"github.com/zjrosen/orrery/internal/rpc"
	"github.com/zjrosen/orrery/internal/testutil"
)

func TestServer_StartServesAndStops(t *testing.T) {
	registry := broker.New(broker.Options{
		Pool:             ports.New(8001, 8011),
		Spawner:          &fakeSpawner{workers: make(map[int]*fakeWorker)},
		Caller:           &fakeCaller{reply: rpc.Reply{Success: true}},
		Store:            testutil.NewStore(t),
		IdleTimeout:      time.Hour,
		TerminationGrace: time.Second,
	})

	srv, err := api.NewServer(api.ServerConfig{
		Addr: "127.0.0.1:0",
		Handler: api.HandlerConfig{
			Registry: registry,
			Pool:     ports.New(8001, 8011),
		},
	})
	require.NoError(t, err)
	require.NotZero(t, srv.Port(), "the port is known before Start")

	done := make(chan error, 1)
	go func() { done <- srv.Start() }()

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", srv.Port()))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	select {
	case err := <-done:
		assert.NoError(t, err, "a stopped server exits clean")
	case <-time.After(5 * time.Second):
		t.Fatal("server did not exit after Stop")
	}
}

func TestServer_RejectsBusyAddr(t *testing.T) {
	first, err := api.NewServer(api.ServerConfig{Addr: "127.0.0.1:0"})
	require.NoError(t, err)
	go func() { _ = first.Start() }()
	t.Cleanup(func() { _ = first.Stop(context.Background()) })

	_, err = api.NewServer(api.ServerConfig{
		Addr: fmt.Sprintf("127.0.0.1:%d", first.Port()),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listening on")
}
