// Package store persists schema snapshots, query history and insights in an
// embedded SQLite database. It is the durable side of the engine: the
// in-memory graph and index are rebuilt from here on restart.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the metadata database. Safe for concurrent use; SQLite
// serializes writers underneath.
type Store struct {
	db *sqlx.DB
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS databases (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		host       TEXT NOT NULL DEFAULT '',
		port       INTEGER NOT NULL DEFAULT 0,
		dbname     TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS snapshots (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		database_id TEXT NOT NULL REFERENCES databases(id) ON DELETE CASCADE,
		hash        TEXT NOT NULL,
		payload     TEXT NOT NULL,
		taken_at    TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_snapshots_db ON snapshots(database_id, id)`,
	`CREATE TABLE IF NOT EXISTS db_tables (
		database_id  TEXT NOT NULL,
		schema_name  TEXT NOT NULL,
		table_name   TEXT NOT NULL,
		table_type   TEXT NOT NULL DEFAULT 'table',
		row_estimate INTEGER NOT NULL DEFAULT 0,
		size_bytes   INTEGER NOT NULL DEFAULT 0,
		importance   REAL NOT NULL DEFAULT 0,
		PRIMARY KEY (database_id, schema_name, table_name)
	)`,
	`CREATE TABLE IF NOT EXISTS db_columns (
		database_id TEXT NOT NULL,
		schema_name TEXT NOT NULL,
		table_name  TEXT NOT NULL,
		column_name TEXT NOT NULL,
		data_type   TEXT NOT NULL,
		not_null    INTEGER NOT NULL DEFAULT 0,
		primary_key INTEGER NOT NULL DEFAULT 0,
		foreign_key INTEGER NOT NULL DEFAULT 0,
		ordinal     INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (database_id, schema_name, table_name, column_name)
	)`,
	`CREATE TABLE IF NOT EXISTS db_relationships (
		database_id TEXT NOT NULL,
		from_schema TEXT NOT NULL,
		from_table  TEXT NOT NULL,
		from_column TEXT NOT NULL,
		to_schema   TEXT NOT NULL,
		to_table    TEXT NOT NULL,
		to_column   TEXT NOT NULL,
		kind        TEXT NOT NULL,
		PRIMARY KEY (database_id, from_schema, from_table, from_column, to_table, to_column)
	)`,
	`CREATE TABLE IF NOT EXISTS query_history (
		id          TEXT PRIMARY KEY,
		database_id TEXT NOT NULL,
		question    TEXT NOT NULL DEFAULT '',
		sql_text    TEXT NOT NULL,
		status      TEXT NOT NULL,
		row_count   INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		confidence  REAL NOT NULL DEFAULT 0,
		error       TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_history_db ON query_history(database_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS insights (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		database_id TEXT NOT NULL,
		kind        TEXT NOT NULL,
		subject     TEXT NOT NULL,
		detail      TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMP NOT NULL
	)`,
}

// Open opens (and migrates) the store at path. ":memory:" gives an
// ephemeral store for tests.
func Open(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_fk=1")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// a single connection sidesteps SQLITE_BUSY under concurrent writers
	db.SetMaxOpenConns(1)

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			db.Close() //nolint:errcheck
			return nil, fmt.Errorf("store: migrate: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Database is one registered target database.
type Database struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Host      string    `db:"host" json:"host"`
	Port      int       `db:"port" json:"port"`
	DBName    string    `db:"dbname" json:"dbname"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// UpsertDatabase registers or updates a target database.
func (s *Store) UpsertDatabase(ctx context.Context, d Database) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO databases (id, name, host, port, dbname, created_at)
		VALUES (:id, :name, :host, :port, :dbname, :created_at)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, host = excluded.host,
			port = excluded.port, dbname = excluded.dbname`, d)
	if err != nil {
		return fmt.Errorf("store: upsert database %s: %w", d.ID, err)
	}
	return nil
}

// GetDatabase fetches one registered database.
func (s *Store) GetDatabase(ctx context.Context, id string) (Database, error) {
	var d Database
	err := s.db.GetContext(ctx, &d, `SELECT * FROM databases WHERE id = ?`, id)
	if err != nil {
		return Database{}, fmt.Errorf("store: get database %s: %w", id, err)
	}
	return d, nil
}

// ListDatabases returns all registered databases ordered by name.
func (s *Store) ListDatabases(ctx context.Context) ([]Database, error) {
	var out []Database
	err := s.db.SelectContext(ctx, &out, `SELECT * FROM databases ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: list databases: %w", err)
	}
	return out, nil
}

// DeleteDatabase removes a database and all dependent rows.
func (s *Store) DeleteDatabase(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: delete database %s: %w", id, err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, q := range []string{
		`DELETE FROM db_columns WHERE database_id = ?`,
		`DELETE FROM db_relationships WHERE database_id = ?`,
		`DELETE FROM db_tables WHERE database_id = ?`,
		`DELETE FROM snapshots WHERE database_id = ?`,
		`DELETE FROM query_history WHERE database_id = ?`,
		`DELETE FROM insights WHERE database_id = ?`,
		`DELETE FROM databases WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("store: delete database %s: %w", id, err)
		}
	}
	return tx.Commit()
}
