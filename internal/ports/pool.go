// Package ports manages the bounded TCP port range workers are bound to.
package ports

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNoCapacity is returned by Request when every port is reserved.
var ErrNoCapacity = errors.New("no available ports in pool")

// Status is a point-in-time view of the pool suitable for serialization.
type Status struct {
	TotalPorts     int    `json:"total_ports"`
	ReservedPorts  int    `json:"reserved_ports"`
	AvailablePorts int    `json:"available_ports"`
	ReservedList   []int  `json:"reserved_port_list"`
	PortRange      string `json:"port_range"`
}

// Pool hands out ports from a contiguous half-open range [start, end).
// Available ports are recycled FIFO so a just-released port goes to the
// back of the queue; this keeps stale worker sockets from colliding with
// fresh sessions on the same port.
type Pool struct {
	mu        sync.Mutex
	start     int
	end       int
	available []int
	reserved  map[int]struct{}
}

// New creates a pool over [start, end). An inverted or empty range
// yields a pool that is permanently out of capacity.
func New(start, end int) *Pool {
	p := &Pool{
		start:    start,
		end:      end,
		reserved: make(map[int]struct{}),
	}
	for port := start; port < end; port++ {
		p.available = append(p.available, port)
	}
	return p
}

// Request removes and returns the head of the available queue.
// Returns ErrNoCapacity when every port is reserved.
func (p *Pool) Request() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.available) == 0 {
		return 0, ErrNoCapacity
	}
	port := p.available[0]
	p.available = p.available[1:]
	p.reserved[port] = struct{}{}
	return port, nil
}

// Release moves a reserved port to the tail of the available queue.
// Releasing a port that is not reserved is a no-op.
func (p *Pool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.reserved[port]; !ok {
		return
	}
	delete(p.reserved, port)
	p.available = append(p.available, port)
}

// Status reports the pool partition. The reserved list is sorted
// ascending; the range string presents the half-open range inclusively.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	reserved := make([]int, 0, len(p.reserved))
	for port := range p.reserved {
		reserved = append(reserved, port)
	}
	sort.Ints(reserved)

	return Status{
		TotalPorts:     len(p.available) + len(p.reserved),
		ReservedPorts:  len(p.reserved),
		AvailablePorts: len(p.available),
		ReservedList:   reserved,
		PortRange:      fmt.Sprintf("%d-%d", p.start, p.end-1),
	}
}
