// Package broker owns the session registry: the authoritative in-memory
// map from session id to live worker, plus the lifecycle operations the
// HTTP facade exposes. One registry exists per daemon; all state flows
// through it.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/orrery/internal/cachemanager"
	"github.com/zjrosen/orrery/internal/log"
	"github.com/zjrosen/orrery/internal/metrics"
	"github.com/zjrosen/orrery/internal/ports"
	"github.com/zjrosen/orrery/internal/rpc"
	"github.com/zjrosen/orrery/internal/supervisor"
	"github.com/zjrosen/orrery/internal/tracing"
)

// Caller routes one request to a worker socket and returns its reply.
// *rpc.Client satisfies it.
type Caller interface {
	Call(port int, req rpc.Request) (rpc.Reply, error)
}

// Options wires the registry's collaborators.
type Options struct {
	Pool    *ports.Pool
	Spawner supervisor.Spawner
	Caller  Caller
	Store   Store

	// IdleTimeout is how long a session may go without activity before
	// ReapIdle ends it. Zero disables idle reaping.
	IdleTimeout time.Duration

	// TerminationGrace is how long a worker gets to exit after SIGTERM
	// before it is killed.
	TerminationGrace time.Duration

	// MemorySampleTTL bounds how stale a cached bulk memory sample may
	// be. Defaults to 2s.
	MemorySampleTTL time.Duration

	// Tracer receives session.create, session.end and rpc.send spans.
	// Nil means no tracing.
	Tracer trace.Tracer
}

const defaultMemorySampleTTL = 2 * time.Second

// errSampleUnavailable marks a bulk-sample miss for a session that died
// or vanished between the id snapshot and the sample.
var errSampleUnavailable = errors.New("memory sample unavailable")

// Registry tracks every live session. One mutex guards the map; the
// port pool and per-session RPC locks are taken on their own so slow
// worker operations never stall unrelated sessions.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*session

	opts   Options
	tracer trace.Tracer

	// memory damps bulk sampling: dashboards polling /session-memory
	// get cached RSS readings up to MemorySampleTTL old.
	memory *cachemanager.ReadThroughCache[string, float64, string]
}

// New builds a registry over the given collaborators and publishes the
// initial port-pool gauges.
func New(opts Options) *Registry {
	if opts.MemorySampleTTL <= 0 {
		opts.MemorySampleTTL = defaultMemorySampleTTL
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("noop")
	}

	r := &Registry{
		entries: make(map[string]*session),
		opts:    opts,
		tracer:  tracer,
	}

	cache := cachemanager.NewInMemoryCacheManager[string, float64](
		"session-memory",
		cachemanager.DefaultExpiration,
		cachemanager.DefaultCleanupInterval,
	)
	r.memory = cachemanager.NewReadThroughCache[string, float64, string](cache, r.sampleForCache, false)

	r.publishPoolGauges()
	return r
}

// Create allocates a port, spawns a worker on it, waits for the worker
// to answer its readiness probe, and registers the session. ctx is used
// for trace parentage only: a cancelled HTTP request must not abort a
// spawn already in flight, so the spawn itself runs on a background
// context.
func (r *Registry) Create(ctx context.Context, clientIP, userAgent string) (Snapshot, error) {
	r.mu.Lock()
	port, err := r.opts.Pool.Request()
	if err != nil {
		r.mu.Unlock()
		return Snapshot{}, fmt.Errorf("allocating worker port: %w", err)
	}
	id := uuid.NewString()
	s := &session{id: id, port: port, state: stateStarting}
	r.entries[id] = s
	r.mu.Unlock()
	r.publishPoolGauges()

	_, span := r.tracer.Start(ctx, tracing.SpanSessionCreate,
		trace.WithAttributes(
			attribute.String(tracing.AttrSessionID, id),
			attribute.Int(tracing.AttrWorkerPort, port),
		))
	defer span.End()

	started := time.Now()
	worker, err := r.opts.Spawner.Spawn(context.Background(), port)
	if err != nil {
		r.mu.Lock()
		delete(r.entries, id)
		r.mu.Unlock()
		r.opts.Pool.Release(port)
		r.publishPoolGauges()

		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.ErrorErr(log.CatBroker, "worker spawn failed", err, "session_id", id, "port", port)
		return Snapshot{}, &SpawnError{Port: port, Err: err}
	}
	spawnTime := time.Since(started)

	now := time.Now()
	r.mu.Lock()
	s.worker = worker
	s.createdAt = now
	s.lastActivity = now
	s.state = stateActive
	snap := s.snapshot()
	r.mu.Unlock()

	metrics.ObserveSpawn(spawnTime)
	metrics.SessionStarted()
	r.history("created", id, r.opts.Store.SessionCreated(context.Background(), id, now, port, clientIP, userAgent))
	log.Info(log.CatBroker, "session created",
		"session_id", id,
		"port", port,
		"client_ip", clientIP,
		"spawn_ms", spawnTime.Milliseconds())
	return snap, nil
}

// End terminates a session's worker, releases its port, and records the
// termination reason. The entry is removed before the worker is touched
// so concurrent routing cannot reach a dying process. Returns false for
// unknown ids and for sessions still starting.
func (r *Registry) End(id string, reason Reason) bool {
	r.mu.Lock()
	s, ok := r.entries[id]
	if !ok || s.state != stateActive {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, id)
	r.mu.Unlock()

	_, span := r.tracer.Start(context.Background(), tracing.SpanSessionEnd,
		trace.WithAttributes(
			attribute.String(tracing.AttrSessionID, id),
			attribute.Int(tracing.AttrWorkerPort, s.port),
			attribute.String(tracing.AttrReason, string(reason)),
		))
	defer span.End()

	if err := s.worker.Terminate(r.opts.TerminationGrace); err != nil {
		span.RecordError(err)
		log.ErrorErr(log.CatBroker, "worker termination failed", err, "session_id", id, "port", s.port)
	}
	r.opts.Pool.Release(s.port)
	r.publishPoolGauges()

	r.history("destroyed", id, r.opts.Store.SessionDestroyed(context.Background(), id, time.Now(), reason))
	metrics.SessionEnded(string(reason))
	log.Info(log.CatBroker, "session ended", "session_id", id, "port", s.port, "reason", string(reason))
	return true
}

// Get returns the snapshot of one active session.
func (r *Registry) Get(id string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.entries[id]
	if !ok || s.state != stateActive {
		return Snapshot{}, false
	}
	return s.snapshot(), true
}

// List returns snapshots of every active session, keyed by id. Sessions
// whose worker has died are ended with reason dead_process and excluded
// from the result.
func (r *Registry) List() map[string]Snapshot {
	r.mu.Lock()
	var dead []string
	for id, s := range r.entries {
		if s.state == stateActive && !s.worker.Alive() {
			dead = append(dead, id)
		}
	}
	r.mu.Unlock()

	for _, id := range dead {
		log.Warn(log.CatBroker, "worker process died, ending session", "session_id", id)
		r.End(id, ReasonDeadProcess)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Snapshot, len(r.entries))
	for id, s := range r.entries {
		if s.state != stateActive {
			continue
		}
		out[id] = s.snapshot()
	}
	return out
}

// UpdateActivity marks the session as just used.
func (r *Registry) UpdateActivity(id string) bool {
	return r.touchActivity(id)
}

// UpdateUserInfo attaches user identity to the session and mirrors it to
// the durable user-info row, which is the authoritative copy.
func (r *Registry) UpdateUserInfo(id, first, last, email string) bool {
	now := time.Now()
	info := UserInfo{FirstName: first, LastName: last, Email: email}

	r.mu.Lock()
	s, ok := r.entries[id]
	if !ok || s.state != stateActive {
		r.mu.Unlock()
		return false
	}
	s.user = &info
	s.lastActivity = now
	r.mu.Unlock()

	r.history("activity", id, r.opts.Store.SessionActivity(context.Background(), id, now))
	r.history("user info", id, r.opts.Store.UserInfoUpdated(context.Background(), id, info, now))
	log.Info(log.CatBroker, "user info updated", "session_id", id, "user", fmt.Sprintf("%s %s", first, last))
	return true
}

// SampleMemory reads the worker's RSS in MiB, updates the session's
// mem_used and activity, and appends a metric event. Returns false when
// the id is unknown or the process is gone.
func (r *Registry) SampleMemory(id string) (float64, bool) {
	r.mu.Lock()
	s, ok := r.entries[id]
	if !ok || s.state != stateActive {
		r.mu.Unlock()
		return 0, false
	}
	worker := s.worker
	r.mu.Unlock()

	mib, err := worker.MemoryMiB()
	if err != nil {
		log.Debug(log.CatBroker, "memory sample failed", "session_id", id, "error", err.Error())
		return 0, false
	}

	now := time.Now()
	r.mu.Lock()
	// The session may have ended while we sampled; only touch the entry
	// we resolved.
	if cur, live := r.entries[id]; live && cur == s {
		s.memUsed = mib
		s.lastActivity = now
	}
	r.mu.Unlock()

	r.history("activity", id, r.opts.Store.SessionActivity(context.Background(), id, now))
	r.history("metric", id, r.opts.Store.SessionMetric(context.Background(), id, now, mib))
	return mib, true
}

// SampleAllMemory reports MiB per active session. Samples are served
// from a short-TTL cache so dashboard polling does not hit the process
// table for every request; sessions that vanish mid-iteration are
// skipped.
func (r *Registry) SampleAllMemory() map[string]float64 {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id, s := range r.entries {
		if s.state == stateActive {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	out := make(map[string]float64, len(ids))
	for _, id := range ids {
		mib, err := r.memory.Get(context.Background(), id, id, r.opts.MemorySampleTTL)
		if err != nil {
			continue
		}
		out[id] = mib
	}
	return out
}

// sampleForCache is the read-through fallback behind SampleAllMemory.
func (r *Registry) sampleForCache(_ context.Context, id string) (float64, error) {
	mib, ok := r.SampleMemory(id)
	if !ok {
		return 0, errSampleUnavailable
	}
	return mib, nil
}

// Send routes one command to the session's worker: touch activity, hold
// the per-session RPC lock around the exchange, record the command and
// a fresh memory sample, and hand back the worker's reply verbatim.
// Transport failures come back as an error envelope, not a Go error;
// the only error this returns is ErrUnknownSession.
func (r *Registry) Send(id string, req rpc.Request) (rpc.Reply, error) {
	r.mu.Lock()
	s, ok := r.entries[id]
	if !ok || s.state != stateActive {
		r.mu.Unlock()
		return rpc.Reply{}, ErrUnknownSession
	}
	port := s.port
	r.mu.Unlock()

	r.touchActivity(id)

	name := req.Name
	if name == "" {
		name = "unknown"
	}

	_, span := r.tracer.Start(context.Background(), tracing.SpanRPCSend,
		trace.WithAttributes(
			attribute.String(tracing.AttrSessionID, id),
			attribute.String(tracing.AttrCommandName, name),
			attribute.Int(tracing.AttrWorkerPort, port),
		))
	defer span.End()

	s.rpcMu.Lock()
	started := time.Now()
	reply, err := r.opts.Caller.Call(port, req)
	elapsed := time.Since(started)
	s.rpcMu.Unlock()

	if err != nil {
		log.Warn(log.CatRPC, "worker call failed",
			"session_id", id, "command", name, "error", err.Error())
		reply = rpc.TransportReply(err)
	}

	span.SetAttributes(attribute.Bool(tracing.AttrRPCSuccess, reply.Success))
	if !reply.Success {
		span.SetStatus(codes.Error, reply.Error)
	}
	metrics.ObserveRPC(name, reply.Success, elapsed)

	errMsg := ""
	if !reply.Success {
		errMsg = reply.Error
	}
	r.history("command", id, r.opts.Store.CommandExecuted(context.Background(), id, time.Now(), name, reply.Success, elapsed, errMsg))

	// Post-command memory poll; also the pipeline's second activity
	// touch.
	r.SampleMemory(id)

	return reply, nil
}

// ReapIdle ends every session idle past the timeout with reason
// idle_timeout and returns how many it ended.
func (r *Registry) ReapIdle() int {
	if r.opts.IdleTimeout <= 0 {
		return 0
	}

	now := time.Now()
	type idleSession struct {
		id   string
		idle time.Duration
	}

	r.mu.Lock()
	var idle []idleSession
	for id, s := range r.entries {
		if s.state != stateActive {
			continue
		}
		if d := now.Sub(s.lastActivity); d > r.opts.IdleTimeout {
			idle = append(idle, idleSession{id: id, idle: d})
		}
	}
	r.mu.Unlock()

	ended := 0
	for _, c := range idle {
		log.Info(log.CatReaper, "session idle past timeout",
			"session_id", c.id, "idle", c.idle.Round(time.Second).String())
		if r.End(c.id, ReasonIdleTimeout) {
			ended++
		}
	}
	return ended
}

// ShutdownAll ends every session with reason server_shutdown and returns
// how many it ended. Per-session termination failures are logged by End
// and do not stop the remaining ends.
func (r *Registry) ShutdownAll() int {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id, s := range r.entries {
		if s.state == stateActive {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	ended := 0
	for _, id := range ids {
		if r.End(id, ReasonServerShutdown) {
			ended++
		}
	}
	if ended > 0 {
		log.Info(log.CatBroker, "all sessions ended", "count", ended)
	}
	return ended
}

// Count reports how many entries the registry holds, including sessions
// still starting.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// touchActivity bumps the in-memory activity timestamp and mirrors it to
// the store. Returns false when the id names no active session.
func (r *Registry) touchActivity(id string) bool {
	now := time.Now()
	r.mu.Lock()
	s, ok := r.entries[id]
	if !ok || s.state != stateActive {
		r.mu.Unlock()
		return false
	}
	s.lastActivity = now
	r.mu.Unlock()

	r.history("activity", id, r.opts.Store.SessionActivity(context.Background(), id, now))
	return true
}

// history logs and swallows store failures. The durable log is advisory:
// a broken store must never fail a session operation.
func (r *Registry) history(op, id string, err error) {
	if err != nil {
		log.ErrorErr(log.CatStore, "session history write failed", err, "op", op, "session_id", id)
	}
}

func (r *Registry) publishPoolGauges() {
	st := r.opts.Pool.Status()
	metrics.SetPortPool(st.AvailablePorts, st.ReservedPorts)
}
