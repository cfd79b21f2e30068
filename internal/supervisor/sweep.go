package supervisor

import (
	"os"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/zjrosen/orrery/internal/log"
)

// workerMarker identifies worker processes by command line. Workers are
// spawned as "<binary> worker <port>", so a process whose cmdline contains
// the marker but is not a child of this broker is a leftover from a
// previous run and still squats on a pool port.
const workerMarker = "orrery worker"

// orphanWait bounds how long the sweep waits for a terminated orphan to
// exit before killing it.
const orphanWait = 2 * time.Second

// isOrphan reports whether a process with the given command line and parent
// is a leftover worker: it carries the worker marker but is not a child of
// this broker.
func isOrphan(cmdline string, ppid, self int32) bool {
	return strings.Contains(cmdline, workerMarker) && ppid != self
}

// SweepOrphans scans the process table for workers that do not belong to
// this broker and terminates them. It runs once at startup, before the port
// pool is built, so recycled ports are actually free. Returns the number of
// orphans removed.
func SweepOrphans() int {
	procs, err := process.Processes()
	if err != nil {
		log.ErrorErr(log.CatSuper, "cannot scan process table for orphans", err)
		return 0
	}

	self := int32(os.Getpid())
	reaped := 0
	for _, proc := range procs {
		if proc.Pid == self {
			continue
		}
		cmdline, err := proc.Cmdline()
		if err != nil {
			continue
		}
		ppid, err := proc.Ppid()
		if err != nil {
			ppid = -1
		}
		if !isOrphan(cmdline, ppid, self) {
			continue
		}

		log.Warn(log.CatSuper, "terminating orphaned worker",
			"pid", proc.Pid, "cmdline", cmdline)
		if err := proc.Terminate(); err != nil {
			log.ErrorErr(log.CatSuper, "cannot terminate orphan", err, "pid", proc.Pid)
			continue
		}
		if !waitForExit(proc, orphanWait) {
			if err := proc.Kill(); err != nil {
				log.ErrorErr(log.CatSuper, "cannot kill orphan", err, "pid", proc.Pid)
				continue
			}
		}
		reaped++
	}

	if reaped > 0 {
		log.Info(log.CatSuper, "orphaned workers cleaned up", "count", reaped)
	}
	return reaped
}

func waitForExit(proc *process.Process, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		running, err := proc.IsRunning()
		if err != nil || !running {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return false
}
