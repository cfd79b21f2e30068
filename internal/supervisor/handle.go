package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/zjrosen/orrery/internal/log"
)

// ErrWorkerExited is returned when an operation needs a running process and
// the worker has already gone away.
var ErrWorkerExited = errors.New("worker process has exited")

// Handle tracks a spawned worker process. It owns the wait on the child, so
// exits are reaped promptly and liveness checks never see a zombie.
type Handle struct {
	cmd  *exec.Cmd
	port int

	termOnce sync.Once
	termErr  error

	waitErr error // set before done closes
	done    chan struct{}
}

var _ Worker = (*Handle)(nil)

func newHandle(cmd *exec.Cmd, port int) *Handle {
	return &Handle{
		cmd:  cmd,
		port: port,
		done: make(chan struct{}),
	}
}

// watch drains the worker's output pipes and reaps the process when it
// exits. Wait must not run until both pipes are drained, otherwise output
// is lost on close.
func (h *Handle) watch(stdout, stderr io.Reader) {
	var pipes sync.WaitGroup
	pipes.Add(2)
	go h.forward(stdout, "stdout", &pipes)
	go h.forward(stderr, "stderr", &pipes)

	go func() {
		pipes.Wait()
		h.waitErr = h.cmd.Wait()
		log.Debug(log.CatSuper, "worker exited",
			"port", h.port, "pid", h.PID(), "error", h.waitErr)
		close(h.done)
	}()
}

// forward relays one output stream to the diagnostic log, one line at a
// time. Workers emit their own structured logs on stderr, so relayed lines
// stay at debug to avoid double-reporting.
func (h *Handle) forward(r io.Reader, stream string, wg *sync.WaitGroup) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		log.Debug(log.CatWorker, scanner.Text(), "port", h.port, "stream", stream)
	}
	if err := scanner.Err(); err != nil {
		log.Debug(log.CatSuper, "worker output stream closed",
			"port", h.port, "stream", stream, "error", err)
	}
}

// PID returns the worker's process ID.
func (h *Handle) PID() int {
	return h.cmd.Process.Pid
}

// Port returns the private port the worker is bound to.
func (h *Handle) Port() int {
	return h.port
}

// Alive reports whether the worker process is still running.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// MemoryMiB samples the worker's resident set size in MiB.
func (h *Handle) MemoryMiB() (float64, error) {
	if !h.Alive() {
		return 0, ErrWorkerExited
	}
	proc, err := process.NewProcess(int32(h.PID()))
	if err != nil {
		return 0, fmt.Errorf("worker pid %d: %w", h.PID(), err)
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return 0, fmt.Errorf("sample rss for pid %d: %w", h.PID(), err)
	}
	return float64(mem.RSS) / (1024 * 1024), nil
}

// Terminate stops the worker: SIGTERM first, SIGKILL once the grace period
// elapses. It is idempotent; every call blocks until the process is reaped.
func (h *Handle) Terminate(grace time.Duration) error {
	h.termOnce.Do(func() {
		h.termErr = h.terminate(grace)
	})
	<-h.done
	return h.termErr
}

func (h *Handle) terminate(grace time.Duration) error {
	select {
	case <-h.done:
		return nil
	default:
	}

	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			<-h.done
			return nil
		}
		return fmt.Errorf("signal worker pid %d: %w", h.PID(), err)
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(grace):
	}

	log.Warn(log.CatSuper, "worker ignored SIGTERM, killing",
		"port", h.port, "pid", h.PID(), "grace", grace)
	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill worker pid %d: %w", h.PID(), err)
	}
	<-h.done
	return nil
}
