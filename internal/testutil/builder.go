package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/orrery/internal/infrastructure/sqlite"
)

// Builder accumulates session history and records it through the store
// in dependency order: sessions first, then commands and metrics, then
// session ends.
type Builder struct {
	t        *testing.T
	store    *sqlite.SessionStore
	sessions []sessionData
	commands []commandData
	metrics  []metricData
}

// NewBuilder creates a builder over the given store.
func NewBuilder(t *testing.T, store *sqlite.SessionStore) *Builder {
	t.Helper()
	return &Builder{t: t, store: store}
}

// WithSession adds a session with optional configuration.
func (b *Builder) WithSession(id string, opts ...SessionOption) *Builder {
	s := defaultSession(id)
	for _, opt := range opts {
		opt(&s)
	}
	b.sessions = append(b.sessions, s)
	return b
}

// WithCommand records a successful command against a session.
func (b *Builder) WithCommand(sessionID, name string) *Builder {
	b.commands = append(b.commands, commandData{
		sessionID: sessionID,
		name:      name,
		success:   true,
		elapsed:   5 * time.Millisecond,
	})
	return b
}

// WithFailedCommand records a failed command with its error message.
func (b *Builder) WithFailedCommand(sessionID, name, errMsg string) *Builder {
	b.commands = append(b.commands, commandData{
		sessionID: sessionID,
		name:      name,
		elapsed:   5 * time.Millisecond,
		errMsg:    errMsg,
	})
	return b
}

// WithMetric records a memory sample against a session.
func (b *Builder) WithMetric(sessionID string, memoryMiB float64) *Builder {
	b.metrics = append(b.metrics, metricData{sessionID: sessionID, memoryMiB: memoryMiB})
	return b
}

// Build records all accumulated data. History rows for a session get
// timestamps one second apart starting from its creation time, so
// insertion order and timestamp order agree.
func (b *Builder) Build() {
	b.t.Helper()
	ctx := context.Background()

	for _, s := range b.sessions {
		err := b.store.SessionCreated(ctx, s.id, s.createdAt, s.port, s.clientIP, s.userAgent)
		require.NoError(b.t, err, "seeding session %s", s.id)

		if s.lastActivity != nil {
			err := b.store.SessionActivity(ctx, s.id, *s.lastActivity)
			require.NoError(b.t, err, "seeding activity for %s", s.id)
		}
		if s.user != nil {
			err := b.store.UserInfoUpdated(ctx, s.id, *s.user, s.createdAt)
			require.NoError(b.t, err, "seeding user info for %s", s.id)
		}
	}

	tick := b.historyClock()
	for _, c := range b.commands {
		err := b.store.CommandExecuted(ctx, c.sessionID, tick(c.sessionID), c.name, c.success, c.elapsed, c.errMsg)
		require.NoError(b.t, err, "seeding command %s for %s", c.name, c.sessionID)
	}
	for _, m := range b.metrics {
		err := b.store.SessionMetric(ctx, m.sessionID, tick(m.sessionID), m.memoryMiB)
		require.NoError(b.t, err, "seeding metric for %s", m.sessionID)
	}

	// Ends go last so history rows land on live sessions.
	for _, s := range b.sessions {
		if s.endedAt != nil {
			err := b.store.SessionDestroyed(ctx, s.id, *s.endedAt, s.reason)
			require.NoError(b.t, err, "ending session %s", s.id)
		}
	}
}

// historyClock hands out per-session timestamps advancing one second
// per call from the session's creation time.
func (b *Builder) historyClock() func(sessionID string) time.Time {
	last := make(map[string]time.Time, len(b.sessions))
	for _, s := range b.sessions {
		last[s.id] = s.createdAt
	}
	return func(id string) time.Time {
		next := last[id].Add(time.Second)
		last[id] = next
		return next
	}
}
