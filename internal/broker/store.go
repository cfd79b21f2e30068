package broker

import (
	"context"
	"time"
)

// Store is the durable session history log. Implementations serialize
// their own writes; the registry never holds its mutex across a store
// call. Every method is advisory: the registry logs failures and moves
// on, so a broken store degrades history, not service.
type Store interface {
	// SessionCreated records a new session row with status "active".
	SessionCreated(ctx context.Context, id string, createdAt time.Time, port int, clientIP, userAgent string) error

	// SessionDestroyed stamps the row with its end time and reason and
	// flips status to "terminated".
	SessionDestroyed(ctx context.Context, id string, destroyedAt time.Time, reason Reason) error

	// SessionActivity advances the row's last_activity timestamp.
	SessionActivity(ctx context.Context, id string, at time.Time) error

	// SessionMetric appends one memory sample in MiB.
	SessionMetric(ctx context.Context, id string, at time.Time, memoryMiB float64) error

	// CommandExecuted appends one routed command, subject to the
	// store's command filter. errMsg is empty for successful commands.
	CommandExecuted(ctx context.Context, id string, at time.Time, command string, success bool, elapsed time.Duration, errMsg string) error

	// UserInfoUpdated upserts the session's user identity row.
	UserInfoUpdated(ctx context.Context, id string, info UserInfo, at time.Time) error
}
