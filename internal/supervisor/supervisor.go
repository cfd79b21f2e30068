// Package supervisor spawns worker processes and manages their lifecycle:
// launch, readiness probing, liveness checks, memory sampling, termination,
// and cleanup of orphaned workers left behind by a previous broker.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/zjrosen/orrery/internal/config"
	"github.com/zjrosen/orrery/internal/log"
)

// Spawner launches a worker process bound to a private port and hands back
// a live Worker once it answers the readiness handshake.
type Spawner interface {
	Spawn(ctx context.Context, port int) (Worker, error)
}

// Worker is a handle to a spawned worker process.
type Worker interface {
	// PID returns the operating system process ID.
	PID() int

	// Port returns the private port the worker is bound to.
	Port() int

	// Alive reports whether the process is still running.
	Alive() bool

	// MemoryMiB samples the worker's resident set size in MiB.
	// It returns an error when the process has exited or cannot be read.
	MemoryMiB() (float64, error)

	// Terminate stops the worker: SIGTERM, then SIGKILL after the grace
	// period. It is idempotent and blocks until the process is reaped.
	Terminate(grace time.Duration) error
}

// Prober checks whether a worker listening on a port answers the ready
// handshake. The RPC client satisfies this.
type Prober interface {
	Ping(port int) error
}

// Supervisor spawns workers as subprocesses of the broker binary.
type Supervisor struct {
	cfg    config.WorkerConfig
	prober Prober
}

var _ Spawner = (*Supervisor)(nil)

// New returns a Supervisor that spawns workers per cfg and uses prober for
// readiness checks.
func New(cfg config.WorkerConfig, prober Prober) *Supervisor {
	return &Supervisor{cfg: cfg, prober: prober}
}

// workerArgv builds the command line for a worker on port. The sweep in
// this package matches processes by this argv shape; keep them in step.
func workerArgv(binary string, port int) []string {
	return []string{binary, "worker", strconv.Itoa(port)}
}

// Spawn launches a worker bound to port and waits for it to become ready.
// On any failure after launch the half-started process is torn down before
// the error is returned, so the caller never inherits a stray child.
func (s *Supervisor) Spawn(ctx context.Context, port int) (Worker, error) {
	binary := s.cfg.Binary
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve worker binary: %w", err)
		}
		binary = exe
	}

	argv := workerArgv(binary, port)
	// #nosec G204 -- argv is built from validated config, not request input
	cmd := exec.Command(argv[0], argv[1:]...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker on port %d: %w", port, err)
	}

	h := newHandle(cmd, port)
	h.watch(stdout, stderr)

	log.Info(log.CatSuper, "worker spawned", "port", port, "pid", h.PID())

	if err := s.probe(ctx, port, h.done); err != nil {
		if termErr := h.Terminate(s.cfg.Grace()); termErr != nil {
			log.ErrorErr(log.CatSuper, "failed to tear down unready worker", termErr,
				"port", port, "pid", h.PID())
		}
		return nil, err
	}

	log.Info(log.CatSuper, "worker ready", "port", port, "pid", h.PID())
	return h, nil
}

// errExitedDuringStartup aborts the probe when the child dies before
// answering; there is no point waiting out the rest of the window.
var errExitedDuringStartup = errors.New("worker exited during startup")

// probe pings the worker until it answers, the probe window elapses, or
// exited closes. Workers load their engine at startup, which can take a
// while on cold caches, so attempts are retried at a constant interval.
func (s *Supervisor) probe(ctx context.Context, port int, exited <-chan struct{}) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout())
	defer cancel()

	policy := backoff.WithContext(backoff.NewConstantBackOff(s.cfg.ProbeInterval()), ctx)
	attempt := func() error {
		select {
		case <-exited:
			return backoff.Permanent(errExitedDuringStartup)
		default:
		}
		return s.prober.Ping(port)
	}

	if err := backoff.Retry(attempt, policy); err != nil {
		if errors.Is(err, errExitedDuringStartup) {
			return fmt.Errorf("worker on port %d exited during startup", port)
		}
		return fmt.Errorf("worker on port %d not ready within %s: %w", port, s.cfg.ProbeTimeout(), err)
	}
	return nil
}
