// Package testutil provides shared helpers for tests that need a real
// session store.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/orrery/internal/infrastructure/sqlite"
)

// NewDB opens a fully migrated sqlite database in a per-test temp
// directory. Cleanup closes it.
func NewDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.NewDB(filepath.Join(t.TempDir(), "orrery.db"))
	require.NoError(t, err, "test database should open")
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// NewStore opens a session store over a fresh test database with an
// empty command filter, so every command is recorded.
func NewStore(t *testing.T) *sqlite.SessionStore {
	t.Helper()
	return sqlite.NewSessionStore(NewDB(t), nil)
}
