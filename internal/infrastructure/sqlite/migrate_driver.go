package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/golang-migrate/migrate/v4/database"
)

// migrateDriver adapts our open connection to golang-migrate's database
// interface. The stock migrate sqlite drivers each register their own
// database/sql driver and would collide with the ncruces registration,
// so migrations run over the connection we already hold.
type migrateDriver struct {
	db *sql.DB
}

var _ database.Driver = (*migrateDriver)(nil)

func newMigrateDriver(db *sql.DB) (*migrateDriver, error) {
	d := &migrateDriver{db: db}
	if _, err := d.db.Exec(
		`CREATE TABLE IF NOT EXISTS schema_migrations (version BIGINT NOT NULL, dirty BOOLEAN NOT NULL)`,
	); err != nil {
		return nil, fmt.Errorf("creating schema_migrations table: %w", err)
	}
	return d, nil
}

// Open is part of the interface but unused: the driver is bound to an
// existing connection, never a URL.
func (d *migrateDriver) Open(string) (database.Driver, error) { return d, nil }

// Close is a no-op; the connection outlives the migration run.
func (d *migrateDriver) Close() error { return nil }

// Lock is a no-op: one process migrates at boot, and sqlite's busy
// timeout covers anything else holding the file.
func (d *migrateDriver) Lock() error { return nil }

// Unlock is a no-op, see Lock.
func (d *migrateDriver) Unlock() error { return nil }

// Run executes one migration file as a single multi-statement script.
func (d *migrateDriver) Run(migration io.Reader) error {
	script, err := io.ReadAll(migration)
	if err != nil {
		return fmt.Errorf("reading migration: %w", err)
	}
	if _, err := d.db.Exec(string(script)); err != nil {
		return fmt.Errorf("executing migration: %w", err)
	}
	return nil
}

func (d *migrateDriver) SetVersion(version int, dirty bool) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning version update: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM schema_migrations`); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("clearing schema version: %w", err)
	}
	if version >= 0 {
		if _, err := tx.Exec(
			`INSERT INTO schema_migrations (version, dirty) VALUES (?, ?)`,
			version, dirty,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("recording schema version: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing schema version: %w", err)
	}
	return nil
}

func (d *migrateDriver) Version() (int, bool, error) {
	var version int
	var dirty bool
	err := d.db.QueryRow(`SELECT version, dirty FROM schema_migrations LIMIT 1`).Scan(&version, &dirty)
	if errors.Is(err, sql.ErrNoRows) {
		return database.NilVersion, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reading schema version: %w", err)
	}
	return version, dirty, nil
}

// Drop removes every application table. Only reachable through migrate's
// explicit drop command, which the broker never issues itself.
func (d *migrateDriver) Drop() error {
	rows, err := d.db.Query(
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`,
	)
	if err != nil {
		return fmt.Errorf("listing tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("scanning table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating table names: %w", err)
	}

	for _, table := range tables {
		if _, err := d.db.Exec(`DROP TABLE IF EXISTS ` + table); err != nil {
			return fmt.Errorf("dropping table %s: %w", table, err)
		}
	}
	return nil
}
