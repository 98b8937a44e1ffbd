package store

import (
	"context"
	"fmt"
	"time"
)

// HistoryEntry is one executed (or failed) query.
type HistoryEntry struct {
	ID         string    `db:"id" json:"id"`
	DatabaseID string    `db:"database_id" json:"database_id"`
	Question   string    `db:"question" json:"question,omitempty"`
	SQL        string    `db:"sql_text" json:"sql"`
	Status     string    `db:"status" json:"status"`
	RowCount   int64     `db:"row_count" json:"row_count"`
	DurationMS int64     `db:"duration_ms" json:"duration_ms"`
	Confidence float64   `db:"confidence" json:"confidence"`
	Error      string    `db:"error" json:"error,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// RecordQuery appends one history row.
func (s *Store) RecordQuery(ctx context.Context, e HistoryEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO query_history
			(id, database_id, question, sql_text, status, row_count,
			 duration_ms, confidence, error, created_at)
		VALUES (:id, :database_id, :question, :sql_text, :status, :row_count,
			:duration_ms, :confidence, :error, :created_at)`, e)
	if err != nil {
		return fmt.Errorf("store: record query %s: %w", e.ID, err)
	}
	return nil
}

// RecentQueries lists the newest history rows for a database.
func (s *Store) RecentQueries(ctx context.Context, dbID string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []HistoryEntry
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM query_history WHERE database_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, dbID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent queries %s: %w", dbID, err)
	}
	return out, nil
}

// Insight is one recorded observation about a database (hub tables,
// isolated tables, snapshot changes).
type Insight struct {
	ID         int64     `db:"id" json:"id"`
	DatabaseID string    `db:"database_id" json:"database_id"`
	Kind       string    `db:"kind" json:"kind"`
	Subject    string    `db:"subject" json:"subject"`
	Detail     string    `db:"detail" json:"detail,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// SaveInsight appends one insight row.
func (s *Store) SaveInsight(ctx context.Context, in Insight) error {
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO insights (database_id, kind, subject, detail, created_at)
		VALUES (:database_id, :kind, :subject, :detail, :created_at)`, in)
	if err != nil {
		return fmt.Errorf("store: save insight: %w", err)
	}
	return nil
}

// ListInsights returns the newest insights for a database.
func (s *Store) ListInsights(ctx context.Context, dbID string, limit int) ([]Insight, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []Insight
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM insights WHERE database_id = ?
		ORDER BY id DESC LIMIT ?`, dbID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list insights %s: %w", dbID, err)
	}
	return out, nil
}
