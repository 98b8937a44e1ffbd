package exec

import (
	"context"
	"sync"
	"time"
)

// Query states. Terminal states are sticky: once a query completes, fails
// or is cancelled, no later transition can overwrite it.
const (
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
)

// Status is the externally visible snapshot of a query.
type Status struct {
	ID         string     `json:"id"`
	DatabaseID string     `json:"database_id"`
	Question   string     `json:"question,omitempty"`
	SQL        string     `json:"sql"`
	State      string     `json:"state"`
	Progress   float64    `json:"progress"`
	RowCount   int64      `json:"row_count"`
	Truncated  bool       `json:"truncated,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// query is the internal mutable record.
type query struct {
	id         string
	databaseID string
	question   string
	sql        string
	maxRows    int64

	cancel context.CancelFunc

	mu         sync.Mutex
	state      string
	progress   float64
	columns    []string
	rows       [][]interface{}
	rowCount   int64
	truncated  bool
	errMsg     string
	startedAt  time.Time
	finishedAt time.Time
}

func newQuery(id, databaseID, question, sql string, maxRows int64, cancel context.CancelFunc) *query {
	return &query{
		id:         id,
		databaseID: databaseID,
		question:   question,
		sql:        sql,
		maxRows:    maxRows,
		cancel:     cancel,
		state:      StateRunning,
		startedAt:  time.Now(),
	}
}

// setProgress updates progress monotonically while running.
func (q *query) setProgress(p float64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == StateRunning && p > q.progress {
		q.progress = p
	}
}

// appendRows extends the buffered result set.
func (q *query) appendRows(cols []string, rows [][]interface{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.columns == nil {
		q.columns = cols
	}
	q.rows = append(q.rows, rows...)
	q.rowCount = int64(len(q.rows))
}

// finish moves the query into a terminal state. Returns false when the
// query already terminated; the earlier outcome wins.
func (q *query) finish(state, errMsg string, truncated bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != StateRunning {
		return false
	}
	q.state = state
	q.errMsg = errMsg
	q.truncated = q.truncated || truncated
	q.finishedAt = time.Now()
	if state == StateCompleted {
		q.progress = 1.0
	}
	return true
}

func (q *query) status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := Status{
		ID:         q.id,
		DatabaseID: q.databaseID,
		Question:   q.question,
		SQL:        q.sql,
		State:      q.state,
		Progress:   q.progress,
		RowCount:   q.rowCount,
		Truncated:  q.truncated,
		Error:      q.errMsg,
		StartedAt:  q.startedAt,
	}
	if !q.finishedAt.IsZero() {
		t := q.finishedAt
		st.FinishedAt = &t
	}
	return st
}

// page returns a window of buffered rows. A failed or cancelled query
// serves none; the count fetched before the abort is only reported
// through status.
func (q *query) page(offset, limit int) ([]string, [][]interface{}, int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == StateFailed || q.state == StateCancelled {
		return q.columns, nil, 0
	}
	total := int64(len(q.rows))
	if offset < 0 {
		offset = 0
	}
	if offset >= len(q.rows) {
		return q.columns, nil, total
	}
	end := len(q.rows)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return q.columns, q.rows[offset:end], total
}
