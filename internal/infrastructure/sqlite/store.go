package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/orrery/internal/broker"
)

// ErrNotFound reports a session id with no history row.
var ErrNotFound = errors.New("session not found")

// sessionColumns is the column list for session row queries.
const sessionColumns = `session_id, created_at, destroyed_at, last_activity, port,
	client_ip, user_agent, termination_reason, status`

// SessionRow is the database row for the sessions table. Timestamps are
// epoch seconds; pointers mark nullable columns.
type SessionRow struct {
	SessionID         string
	CreatedAt         float64
	DestroyedAt       *float64
	LastActivity      float64
	Port              int
	ClientIP          *string
	UserAgent         *string
	TerminationReason *string
	Status            string
}

// CommandRow is one routed command in session history.
type CommandRow struct {
	ID              int64
	SessionID       string
	Timestamp       float64
	CommandName     string
	Success         bool
	ExecutionTimeMS *float64
	ErrorMessage    *string
}

// MetricRow is one memory sample in session history.
type MetricRow struct {
	ID           int64
	SessionID    string
	Timestamp    float64
	MemoryUsedMB float64
}

// ListFilter narrows ListSessions results.
type ListFilter struct {
	// Status keeps only rows in the given state ("active",
	// "terminated"); empty keeps everything.
	Status string

	// Limit caps the result count; zero means no cap.
	Limit int
}

// SessionStore records session history rows. It implements the broker's
// store interface; reads exist for the admin/test surface.
type SessionStore struct {
	db     *sql.DB
	filter *CommandFilter
}

// NewSessionStore builds the store over an open database. The filter
// gates which commands are recorded and may be swapped at runtime.
func NewSessionStore(db *DB, filter *CommandFilter) *SessionStore {
	if filter == nil {
		filter = NewCommandFilter(nil, nil)
	}
	return &SessionStore{db: db.conn, filter: filter}
}

// Ensure SessionStore satisfies the broker's store interface.
var _ broker.Store = (*SessionStore)(nil)

// SessionCreated inserts the session row with status "active" and
// last_activity equal to created_at.
func (s *SessionStore) SessionCreated(ctx context.Context, id string, createdAt time.Time, port int, clientIP, userAgent string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions
		 (session_id, created_at, last_activity, port, client_ip, user_agent, status)
		 VALUES (?, ?, ?, ?, ?, ?, 'active')`,
		id, unixSeconds(createdAt), unixSeconds(createdAt), port, nullable(clientIP), nullable(userAgent),
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// SessionDestroyed stamps the row with its end time and reason and flips
// status to "terminated".
func (s *SessionStore) SessionDestroyed(ctx context.Context, id string, destroyedAt time.Time, reason broker.Reason) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions
		 SET destroyed_at = ?, termination_reason = ?, status = 'terminated'
		 WHERE session_id = ?`,
		unixSeconds(destroyedAt), string(reason), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark session destroyed: %w", err)
	}
	return nil
}

// SessionActivity advances the row's last_activity timestamp.
func (s *SessionStore) SessionActivity(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity = ? WHERE session_id = ?`,
		unixSeconds(at), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update session activity: %w", err)
	}
	return nil
}

// SessionMetric appends one memory sample.
func (s *SessionStore) SessionMetric(ctx context.Context, id string, at time.Time, memoryMiB float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_metrics (session_id, timestamp, memory_used_mb)
		 VALUES (?, ?, ?)`,
		id, unixSeconds(at), memoryMiB,
	)
	if err != nil {
		return fmt.Errorf("failed to insert session metric: %w", err)
	}
	return nil
}

// CommandExecuted appends one routed command, unless the command filter
// says it is noise.
func (s *SessionStore) CommandExecuted(ctx context.Context, id string, at time.Time, command string, success bool, elapsed time.Duration, errMsg string) error {
	if !s.filter.ShouldLog(command) {
		return nil
	}

	successInt := 0
	if success {
		successInt = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_commands
		 (session_id, timestamp, command_name, success, execution_time_ms, error_message)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, unixSeconds(at), command, successInt, durationMS(elapsed), nullable(errMsg),
	)
	if err != nil {
		return fmt.Errorf("failed to insert session command: %w", err)
	}
	return nil
}

// UserInfoUpdated upserts the session's user identity row.
func (s *SessionStore) UserInfoUpdated(ctx context.Context, id string, info broker.UserInfo, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO session_user_info
		 (session_id, first_name, last_name, email, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		id, info.FirstName, info.LastName, nullable(info.Email), unixSeconds(at),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert user info: %w", err)
	}
	return nil
}

// Filter exposes the store's command filter for runtime swaps.
func (s *SessionStore) Filter() *CommandFilter {
	return s.filter
}

// GetSession retrieves one session history row. Returns ErrNotFound when
// the id was never recorded.
func (s *SessionStore) GetSession(ctx context.Context, id string) (*SessionRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, id,
	)
	model, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return model, nil
}

// ListSessions retrieves history rows matching the filter, newest first.
func (s *SessionStore) ListSessions(ctx context.Context, filter ListFilter) ([]*SessionRow, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any

	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*SessionRow
	for rows.Next() {
		model, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, model)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}
	return sessions, nil
}

// CommandHistory retrieves the session's recorded commands in execution
// order.
func (s *SessionStore) CommandHistory(ctx context.Context, id string) ([]*CommandRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, timestamp, command_name, success, execution_time_ms, error_message
		 FROM session_commands WHERE session_id = ? ORDER BY id`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list session commands: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var commands []*CommandRow
	for rows.Next() {
		var model CommandRow
		if err := rows.Scan(
			&model.ID, &model.SessionID, &model.Timestamp, &model.CommandName,
			&model.Success, &model.ExecutionTimeMS, &model.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("failed to scan command row: %w", err)
		}
		commands = append(commands, &model)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating command rows: %w", err)
	}
	return commands, nil
}

// MetricHistory retrieves the session's memory samples in capture order.
func (s *SessionStore) MetricHistory(ctx context.Context, id string) ([]*MetricRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, timestamp, memory_used_mb
		 FROM session_metrics WHERE session_id = ? ORDER BY id`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list session metrics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var metrics []*MetricRow
	for rows.Next() {
		var model MetricRow
		if err := rows.Scan(&model.ID, &model.SessionID, &model.Timestamp, &model.MemoryUsedMB); err != nil {
			return nil, fmt.Errorf("failed to scan metric row: %w", err)
		}
		metrics = append(metrics, &model)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating metric rows: %w", err)
	}
	return metrics, nil
}

// scanSession scans a row into a SessionRow.
func scanSession(scanner interface{ Scan(...any) error }) (*SessionRow, error) {
	var model SessionRow
	err := scanner.Scan(
		&model.SessionID, &model.CreatedAt, &model.DestroyedAt, &model.LastActivity,
		&model.Port, &model.ClientIP, &model.UserAgent, &model.TerminationReason,
		&model.Status,
	)
	return &model, err
}

// unixSeconds renders a timestamp as fractional epoch seconds, the REAL
// representation every history table uses.
func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// durationMS renders a duration as milliseconds for execution_time_ms.
func durationMS(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// nullable maps empty strings to NULL so optional columns stay NULL the
// way the history schema expects.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
