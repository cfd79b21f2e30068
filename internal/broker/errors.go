package broker

import (
	"errors"
	"fmt"

	"github.com/zjrosen/orrery/internal/ports"
)

// ErrNoCapacity reports an exhausted port pool. It aliases the pool's
// sentinel so callers can match either package with errors.Is.
var ErrNoCapacity = ports.ErrNoCapacity

// ErrUnknownSession reports an id that names no active session.
var ErrUnknownSession = errors.New("unknown session")

// SpawnError reports a worker that failed to start or to answer its
// readiness probe. The port has already been released when this is
// returned.
type SpawnError struct {
	Port int
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning worker on port %d: %v", e.Port, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }
