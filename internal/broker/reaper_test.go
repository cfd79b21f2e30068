package broker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/orrery/internal/broker"
)

func TestReaper_EndsIdleSessions(t *testing.T) {
	h := newHarness(t, func(o *broker.Options) {
		o.IdleTimeout = 50 * time.Millisecond
	})
	snap := h.create(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	broker.NewReaper(h.registry, 25*time.Millisecond).Start(ctx)

	require.Eventually(t, func() bool {
		return h.registry.Count() == 0
	}, 2*time.Second, 10*time.Millisecond, "reaper should evict the idle session")

	row, err := h.store.GetSession(context.Background(), snap.ID)
	require.NoError(t, err)
	require.NotNil(t, row.TerminationReason)
	assert.Equal(t, "idle_timeout", *row.TerminationReason)
}

func TestReaper_StopsOnContextCancel(t *testing.T) {
	h := newHarness(t, func(o *broker.Options) {
		o.IdleTimeout = 10 * time.Millisecond
	})

	ctx, cancel := context.WithCancel(context.Background())
	broker.NewReaper(h.registry, 10*time.Millisecond).Start(ctx)
	cancel()
	time.Sleep(50 * time.Millisecond) // let the loop observe the cancel

	h.create(t)
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 1, h.registry.Count(), "a stopped reaper must not evict anything")
}
