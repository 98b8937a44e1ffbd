package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dilsor/dilsor/core/internal/sdata"
)

// ErrNoSnapshot is returned when a database has never been snapshotted.
var ErrNoSnapshot = errors.New("no snapshot")

// Snapshot is one stored schema capture.
type Snapshot struct {
	ID         int64     `db:"id" json:"id"`
	DatabaseID string    `db:"database_id" json:"database_id"`
	Hash       string    `db:"hash" json:"hash"`
	TakenAt    time.Time `db:"taken_at" json:"taken_at"`
}

// SaveSnapshot persists a schema capture. When the canonical hash equals the
// latest stored one the call is idempotent and no new row appears. Otherwise
// the snapshot row and the normalized table/column/relationship rows are
// replaced in a single transaction.
func (s *Store) SaveSnapshot(ctx context.Context, dbID string, di *sdata.DBInfo) (created bool, hash string, err error) {
	hash, err = di.Hash()
	if err != nil {
		return false, "", fmt.Errorf("store: snapshot %s: %w", dbID, err)
	}

	var last string
	err = s.db.GetContext(ctx, &last,
		`SELECT hash FROM snapshots WHERE database_id = ? ORDER BY id DESC LIMIT 1`, dbID)
	switch {
	case err == nil && last == hash:
		return false, hash, nil
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return false, "", fmt.Errorf("store: snapshot %s: %w", dbID, err)
	}

	payload, err := di.CanonicalJSON()
	if err != nil {
		return false, "", fmt.Errorf("store: snapshot %s: %w", dbID, err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, "", fmt.Errorf("store: snapshot %s: %w", dbID, err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO snapshots (database_id, hash, payload, taken_at) VALUES (?, ?, ?, ?)`,
		dbID, hash, string(payload), time.Now().UTC())
	if err != nil {
		return false, "", fmt.Errorf("store: snapshot %s: %w", dbID, err)
	}

	if err = replaceSchemaRows(ctx, tx, dbID, di); err != nil {
		return false, "", fmt.Errorf("store: snapshot %s: %w", dbID, err)
	}
	if err = tx.Commit(); err != nil {
		return false, "", fmt.Errorf("store: snapshot %s: %w", dbID, err)
	}
	return true, hash, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func replaceSchemaRows(ctx context.Context, tx execer, dbID string, di *sdata.DBInfo) error {
	for _, q := range []string{
		`DELETE FROM db_columns WHERE database_id = ?`,
		`DELETE FROM db_relationships WHERE database_id = ?`,
		`DELETE FROM db_tables WHERE database_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, dbID); err != nil {
			return err
		}
	}

	for i := range di.Tables {
		t := &di.Tables[i]
		_, err := tx.ExecContext(ctx, `
			INSERT INTO db_tables
				(database_id, schema_name, table_name, table_type, row_estimate, size_bytes, importance)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			dbID, t.Schema, t.Name, t.Type, t.RowEstimate, t.SizeBytes, t.Importance)
		if err != nil {
			return err
		}
		for _, c := range t.Columns {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO db_columns
					(database_id, schema_name, table_name, column_name, data_type,
					 not_null, primary_key, foreign_key, ordinal)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				dbID, t.Schema, t.Name, c.Name, c.Type, c.NotNull, c.PrimaryKey, c.ForeignKey, c.Ordinal)
			if err != nil {
				return err
			}
		}
	}

	for _, r := range di.Relationships {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO db_relationships
				(database_id, from_schema, from_table, from_column,
				 to_schema, to_table, to_column, kind)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			dbID, r.FromSchema, r.FromTable, r.FromColumn,
			r.ToSchema, r.ToTable, r.ToColumn, r.Kind.String())
		if err != nil {
			return err
		}
	}
	return nil
}

// LatestSnapshot loads the newest stored schema for a database.
func (s *Store) LatestSnapshot(ctx context.Context, dbID string) (*sdata.DBInfo, string, error) {
	var row struct {
		Hash    string `db:"hash"`
		Payload string `db:"payload"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT hash, payload FROM snapshots WHERE database_id = ? ORDER BY id DESC LIMIT 1`, dbID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", ErrNoSnapshot
	}
	if err != nil {
		return nil, "", fmt.Errorf("store: latest snapshot %s: %w", dbID, err)
	}

	var di sdata.DBInfo
	if err := json.Unmarshal([]byte(row.Payload), &di); err != nil {
		return nil, "", fmt.Errorf("store: latest snapshot %s: %w", dbID, err)
	}
	return &di, row.Hash, nil
}

// ListSnapshots returns snapshot metadata for a database, newest first.
func (s *Store) ListSnapshots(ctx context.Context, dbID string, limit int) ([]Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []Snapshot
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, database_id, hash, taken_at FROM snapshots
		WHERE database_id = ? ORDER BY id DESC LIMIT ?`, dbID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list snapshots %s: %w", dbID, err)
	}
	return out, nil
}

// SnapshotByHash loads a specific stored capture.
func (s *Store) SnapshotByHash(ctx context.Context, dbID, hash string) (*sdata.DBInfo, error) {
	var payload string
	err := s.db.GetContext(ctx, &payload,
		`SELECT payload FROM snapshots WHERE database_id = ? AND hash = ?`, dbID, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("store: snapshot %s@%s: %w", dbID, hash, err)
	}
	var di sdata.DBInfo
	if err := json.Unmarshal([]byte(payload), &di); err != nil {
		return nil, fmt.Errorf("store: snapshot %s@%s: %w", dbID, hash, err)
	}
	return &di, nil
}
