package rpc

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"
)

const (
	// dialTimeout bounds the TCP connect to a worker socket.
	dialTimeout = 2 * time.Second

	// writeTimeout bounds sending one request.
	writeTimeout = 2 * time.Second

	// probeTimeout bounds reading the reply to a readiness ping.
	probeTimeout = 2 * time.Second
)

// Client sends single requests to worker sockets. A fresh connection is
// opened per call and closed after the reply; the worker serves one
// outstanding request at a time, so callers must serialize per session
// (the registry holds a per-session lock for this).
type Client struct {
	replyTimeout time.Duration
}

// NewClient creates a client whose routed calls wait up to replyTimeout
// for the worker's answer. Readiness pings always use a 2 second bound.
func NewClient(replyTimeout time.Duration) *Client {
	return &Client{replyTimeout: replyTimeout}
}

// Call sends one request to the worker on the given port and waits for
// its reply. Errors are transport-level only; an engine failure arrives
// as a well-formed reply with Success false.
func (c *Client) Call(port int, req Request) (Reply, error) {
	return call(port, req, c.replyTimeout)
}

// Ping sends the readiness probe and reports whether the worker answered
// with a successful reply within the probe deadline.
func (c *Client) Ping(port int) error {
	reply, err := call(port, NewRequest("ping"), probeTimeout)
	if err != nil {
		return err
	}
	if !reply.Success {
		return fmt.Errorf("worker on port %d not ready: %s", port, reply.Error)
	}
	return nil
}

func call(port int, req Request, replyTimeout time.Duration) (Reply, error) {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))

	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return Reply{}, fmt.Errorf("connecting to worker on port %d: %w", port, err)
	}
	defer func() { _ = conn.Close() }()

	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return Reply{}, fmt.Errorf("setting write deadline: %w", err)
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return Reply{}, fmt.Errorf("sending %q to worker on port %d: %w", req.Name, port, err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(replyTimeout)); err != nil {
		return Reply{}, fmt.Errorf("setting read deadline: %w", err)
	}
	var reply Reply
	if err := json.NewDecoder(conn).Decode(&reply); err != nil {
		return Reply{}, fmt.Errorf("reading reply from worker on port %d: %w", port, err)
	}
	return reply, nil
}
