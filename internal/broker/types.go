package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/zjrosen/orrery/internal/supervisor"
)

// Reason says why a session was terminated. The set is closed; the store
// records the string verbatim in session history.
type Reason string

const (
	ReasonManual         Reason = "manual"
	ReasonIdleTimeout    Reason = "idle_timeout"
	ReasonServerShutdown Reason = "server_shutdown"
	ReasonDeadProcess    Reason = "dead_process"
)

// state tracks where a session is in its lifecycle. A starting entry
// holds its port reservation but is invisible to every operation except
// the Create call that owns it.
type state int

const (
	stateStarting state = iota
	stateActive
)

// UserInfo is the identity a client attaches to a session after login.
type UserInfo struct {
	FirstName string
	LastName  string
	Email     string
}

// session is one registry entry. Mutable fields are guarded by the
// registry mutex; rpcMu is taken on its own to serialize worker RPC
// without holding up the rest of the registry.
type session struct {
	id           string
	port         int
	state        state
	worker       supervisor.Worker
	createdAt    time.Time
	lastActivity time.Time
	memUsed      float64
	user         *UserInfo

	rpcMu sync.Mutex
}

// anonymousDisplayName is shown until user info is attached.
const anonymousDisplayName = "Not logged in"

// Snapshot is the wire representation of a session. Timestamps are epoch
// seconds; user_first_name and user_last_name serialize as null until
// user info is attached, and user_email is absent entirely until an
// update supplies one.
type Snapshot struct {
	ID              string  `json:"session_id"`
	CreatedAt       float64 `json:"created_at"`
	LastActivity    float64 `json:"last_activity"`
	MemUsedMiB      float64 `json:"mem_used"`
	Port            int     `json:"port"`
	UserFirstName   *string `json:"user_first_name"`
	UserLastName    *string `json:"user_last_name"`
	UserEmail       *string `json:"user_email,omitempty"`
	UserDisplayName string  `json:"user_display_name"`
}

// snapshot copies the entry into its wire shape. Callers must hold the
// registry mutex.
func (s *session) snapshot() Snapshot {
	snap := Snapshot{
		ID:              s.id,
		CreatedAt:       epochSeconds(s.createdAt),
		LastActivity:    epochSeconds(s.lastActivity),
		MemUsedMiB:      s.memUsed,
		Port:            s.port,
		UserDisplayName: anonymousDisplayName,
	}
	if s.user != nil {
		first, last := s.user.FirstName, s.user.LastName
		snap.UserFirstName = &first
		snap.UserLastName = &last
		if s.user.Email != "" {
			email := s.user.Email
			snap.UserEmail = &email
		}
		snap.UserDisplayName = fmt.Sprintf("%s %s", first, last)
	}
	return snap
}

// epochSeconds renders a timestamp the way the wire format and the store
// expect: fractional seconds since the Unix epoch.
func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
