package ports_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zjrosen/orrery/internal/ports"
)

func TestPool_RequestDrainsFIFO(t *testing.T) {
	pool := ports.New(52000, 52003)

	for _, want := range []int{52000, 52001, 52002} {
		got, err := pool.Request()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := pool.Request()
	require.ErrorIs(t, err, ports.ErrNoCapacity)
}

func TestPool_ReleaseRecyclesToTail(t *testing.T) {
	pool := ports.New(52000, 52002)

	first, err := pool.Request()
	require.NoError(t, err)
	require.Equal(t, 52000, first)

	pool.Release(first)

	// 52001 was already queued ahead of the recycled 52000.
	second, err := pool.Request()
	require.NoError(t, err)
	assert.Equal(t, 52001, second)

	third, err := pool.Request()
	require.NoError(t, err)
	assert.Equal(t, 52000, third)
}

func TestPool_ReleaseUnreservedIsNoOp(t *testing.T) {
	pool := ports.New(52000, 52002)

	pool.Release(52000) // never requested
	pool.Release(99999) // outside the range

	status := pool.Status()
	assert.Equal(t, 2, status.AvailablePorts)
	assert.Equal(t, 0, status.ReservedPorts)

	// Double release must not duplicate the port in the queue.
	port, err := pool.Request()
	require.NoError(t, err)
	pool.Release(port)
	pool.Release(port)
	assert.Equal(t, 2, pool.Status().AvailablePorts)
}

func TestPool_Status(t *testing.T) {
	pool := ports.New(52000, 52004)

	a, err := pool.Request()
	require.NoError(t, err)
	b, err := pool.Request()
	require.NoError(t, err)

	status := pool.Status()
	assert.Equal(t, 4, status.TotalPorts)
	assert.Equal(t, 2, status.ReservedPorts)
	assert.Equal(t, 2, status.AvailablePorts)
	assert.Equal(t, []int{a, b}, status.ReservedList)
	assert.Equal(t, "52000-52003", status.PortRange)
}

func TestPool_EmptyRange(t *testing.T) {
	for _, pool := range []*ports.Pool{ports.New(52000, 52000), ports.New(52010, 52000)} {
		_, err := pool.Request()
		require.ErrorIs(t, err, ports.ErrNoCapacity)

		status := pool.Status()
		assert.Equal(t, 0, status.TotalPorts)
	}
}

// TestPool_PartitionInvariant is a property-based test: under any sequence
// of requests and releases, every port is in exactly one partition and the
// partition sizes add up to the range size.
func TestPool_PartitionInvariant(t *testing.T) {
	rapid.Check(t, func(r *rapid.T) {
		start := 52000
		size := rapid.IntRange(1, 40).Draw(r, "size")
		pool := ports.New(start, start+size)

		held := make(map[int]struct{})
		numOps := rapid.IntRange(1, 200).Draw(r, "numOps")
		for i := 0; i < numOps; i++ {
			if rapid.Bool().Draw(r, "request") {
				port, err := pool.Request()
				if err != nil {
					if len(held) != size {
						r.Fatalf("NoCapacity with only %d of %d ports held", len(held), size)
					}
					continue
				}
				if port < start || port >= start+size {
					r.Fatalf("port %d outside range [%d, %d)", port, start, start+size)
				}
				if _, dup := held[port]; dup {
					r.Fatalf("port %d handed out twice", port)
				}
				held[port] = struct{}{}
			} else if len(held) > 0 {
				// Release an arbitrary held port.
				for port := range held {
					pool.Release(port)
					delete(held, port)
					break
				}
			}

			status := pool.Status()
			if status.ReservedPorts != len(held) {
				r.Fatalf("reserved count %d, want %d", status.ReservedPorts, len(held))
			}
			if status.AvailablePorts+status.ReservedPorts != size {
				r.Fatalf("partition leak: %d available + %d reserved != %d",
					status.AvailablePorts, status.ReservedPorts, size)
			}
		}
	})
}
