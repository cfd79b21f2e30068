package testutil

import (
	"time"

	"github.com/zjrosen/orrery/internal/broker"
)

// commandData holds one command-history row to be recorded.
type commandData struct {
	sessionID string
	name      string
	success   bool
	elapsed   time.Duration
	errMsg    string
}

// metricData holds one memory sample to be recorded.
type metricData struct {
	sessionID string
	memoryMiB float64
}

// sessionData holds all data for one seeded session.
type sessionData struct {
	id           string
	createdAt    time.Time
	port         int
	clientIP     string
	userAgent    string
	lastActivity *time.Time
	user         *broker.UserInfo
	endedAt      *time.Time
	reason       broker.Reason
}

// defaultSession returns a sessionData with sensible defaults: created
// an hour ago, still active, no user attached.
func defaultSession(id string) sessionData {
	return sessionData{
		id:        id,
		createdAt: time.Now().Add(-time.Hour),
		port:      52000,
		clientIP:  "203.0.113.10",
		userAgent: "orrery-test",
	}
}

// SessionOption configures a seeded session.
type SessionOption func(*sessionData)

// CreatedAt sets the session creation time.
func CreatedAt(at time.Time) SessionOption {
	return func(s *sessionData) { s.createdAt = at }
}

// Port sets the session's worker port.
func Port(port int) SessionOption {
	return func(s *sessionData) { s.port = port }
}

// ClientIP sets the recorded client address. Empty records NULL.
func ClientIP(ip string) SessionOption {
	return func(s *sessionData) { s.clientIP = ip }
}

// UserAgent sets the recorded client user agent. Empty records NULL.
func UserAgent(ua string) SessionOption {
	return func(s *sessionData) { s.userAgent = ua }
}

// LastActivityAt records an activity touch after creation.
func LastActivityAt(at time.Time) SessionOption {
	return func(s *sessionData) { s.lastActivity = &at }
}

// User attaches user identity to the session.
func User(first, last, email string) SessionOption {
	return func(s *sessionData) {
		s.user = &broker.UserInfo{FirstName: first, LastName: last, Email: email}
	}
}

// Ended marks the session destroyed at the given time with the given
// reason.
func Ended(at time.Time, reason broker.Reason) SessionOption {
	return func(s *sessionData) {
		s.endedAt = &at
		s.reason = reason
	}
}
