package exec

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	cache "github.com/go-pkgz/expirable-cache"
	"github.com/rs/xid"
	"go.uber.org/zap"
)

// ErrNotFound marks an unknown or expired query id.
var ErrNotFound = errors.New("query not found")

// ErrNotRunning marks a cancel against a finished query.
var ErrNotRunning = errors.New("query not running")

const (
	defaultFetchSize  = 10000
	defaultMaxRows    = 100000
	defaultRetention  = 24 * time.Hour
	defaultMaxResults = 500
)

// Config tunes the executor. Zero values take the defaults.
type Config struct {
	FetchSize  int           `mapstructure:"fetch_size" json:"fetch_size"`
	MaxRows    int64         `mapstructure:"max_rows" json:"max_rows"`
	Retention  time.Duration `mapstructure:"result_retention" json:"result_retention"`
	MaxResults int           `mapstructure:"max_results" json:"max_results"`
}

func (c Config) withDefaults() Config {
	if c.FetchSize <= 0 {
		c.FetchSize = defaultFetchSize
	}
	if c.MaxRows <= 0 {
		c.MaxRows = defaultMaxRows
	}
	if c.Retention <= 0 {
		c.Retention = defaultRetention
	}
	if c.MaxResults <= 0 {
		c.MaxResults = defaultMaxResults
	}
	return c
}

// Event is one progress notification.
type Event struct {
	QueryID    string  `json:"query_id"`
	DatabaseID string  `json:"database_id"`
	State      string  `json:"state"`
	Progress   float64 `json:"progress"`
	RowCount   int64   `json:"row_count"`
}

// Executor runs statements asynchronously over named server-side cursors
// and retains finished result sets for a bounded time.
type Executor struct {
	cfg Config
	log *zap.SugaredLogger

	mu      sync.Mutex
	active  map[string]*query
	subs    map[chan Event]struct{}
	wg      sync.WaitGroup
	closed  bool
	results cache.Cache // id -> *query, terminal only
}

// New builds an executor.
func New(cfg Config, log *zap.SugaredLogger) (*Executor, error) {
	cfg = cfg.withDefaults()
	results, err := cache.NewCache(
		cache.TTL(cfg.Retention), cache.MaxKeys(cfg.MaxResults), cache.LRU())
	if err != nil {
		return nil, fmt.Errorf("exec: %w", err)
	}
	return &Executor{
		cfg:     cfg,
		log:     log,
		active:  make(map[string]*query),
		subs:    make(map[chan Event]struct{}),
		results: results,
	}, nil
}

// Submit starts sqlText against the pool and returns immediately with the
// query id. Execution is detached from the caller's context; use Cancel to
// stop it. A positive limit caps the fetched rows below the configured
// max_rows.
func (e *Executor) Submit(pool *Pool, databaseID, question, sqlText string, limit int) (string, error) {
	sqlText = strings.TrimSpace(sqlText)
	if sqlText == "" {
		return "", errors.New("exec: empty statement")
	}

	maxRows := e.cfg.MaxRows
	if limit > 0 && int64(limit) < maxRows {
		maxRows = int64(limit)
	}

	id := xid.New().String()
	ctx, cancel := context.WithCancel(context.Background())
	q := newQuery(id, databaseID, question, sqlText, maxRows, cancel)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		return "", errors.New("exec: executor closed")
	}
	e.active[id] = q
	e.wg.Add(1)
	e.mu.Unlock()

	go e.run(ctx, pool, q)
	return id, nil
}

// run drives the cursor loop. Cancellation takes effect at chunk
// boundaries; the row count fetched before the cut stays visible in
// status while the rows themselves are withheld.
func (e *Executor) run(ctx context.Context, pool *Pool, q *query) {
	defer e.wg.Done()
	pool.touch()

	err := e.fetchAll(ctx, pool, q)
	switch {
	case err == nil:
		q.finish(StateCompleted, "", false)
	case cancelled(ctx, err):
		q.finish(StateCancelled, "", false)
	default:
		pool.fail()
		q.finish(StateFailed, err.Error(), false)
		if e.log != nil {
			e.log.Warnw("query failed", "id", q.id, "db", q.databaseID, "error", err)
		}
	}
	e.retire(q)
	e.broadcast(q)
}

// cancelled reports whether err resulted from the query's own cancellation
// rather than a genuine failure. A server-side kill surfaces as a driver
// error, not context.Canceled, so the context decides.
func cancelled(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) || ctx.Err() != nil
}

func (e *Executor) fetchAll(ctx context.Context, pool *Pool, q *query) error {
	tx, err := pool.DB().BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	cursor := "cur_" + q.id
	stmt := strings.TrimRight(strings.TrimSpace(q.sql), ";")
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("DECLARE %s NO SCROLL CURSOR FOR %s", cursor, stmt)); err != nil {
		return fmt.Errorf("declare cursor: %w", err)
	}

	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		size := e.cfg.FetchSize
		if remain := q.maxRows - total; remain < int64(size) {
			size = int(remain)
		}
		n, err := e.fetchChunk(ctx, tx, cursor, size, q)
		if err != nil {
			return err
		}
		total += int64(n)

		q.setProgress(chunkProgress(total, q.maxRows))
		e.broadcast(q)

		if n < size {
			break
		}
		if total >= q.maxRows {
			q.mu.Lock()
			q.truncated = true
			q.mu.Unlock()
			break
		}
	}

	_, _ = tx.ExecContext(ctx, "CLOSE "+cursor)
	return tx.Commit()
}

func (e *Executor) fetchChunk(ctx context.Context, tx *sql.Tx, cursor string, size int, q *query) (int, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("FETCH %d FROM %s", size, cursor))
	if err != nil {
		return 0, fmt.Errorf("fetch: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	cols, err := rows.Columns()
	if err != nil {
		return 0, fmt.Errorf("columns: %w", err)
	}

	var chunk [][]interface{}
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return 0, fmt.Errorf("scan: %w", err)
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		chunk = append(chunk, vals)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("fetch: %w", err)
	}

	q.appendRows(cols, chunk)
	return len(chunk), nil
}

// chunkProgress stays below 1.0 until the query actually terminates; the
// row cap is only an upper bound, not the expected size.
func chunkProgress(rows, maxRows int64) float64 {
	p := float64(rows) / float64(maxRows)
	if p > 0.99 {
		p = 0.99
	}
	return p
}

func (e *Executor) retire(q *query) {
	e.mu.Lock()
	delete(e.active, q.id)
	e.mu.Unlock()
	e.results.Set(q.id, q, 0)
}

func (e *Executor) lookup(id string) (*query, bool) {
	e.mu.Lock()
	q, ok := e.active[id]
	e.mu.Unlock()
	if ok {
		return q, true
	}
	if v, ok := e.results.Get(id); ok {
		return v.(*query), true
	}
	return nil, false
}

// Status returns the current snapshot of a query.
func (e *Executor) Status(id string) (Status, error) {
	q, ok := e.lookup(id)
	if !ok {
		return Status{}, ErrNotFound
	}
	return q.status(), nil
}

// ResultPage is one window of a retained result set.
type ResultPage struct {
	QueryID   string          `json:"query_id"`
	Columns   []string        `json:"columns"`
	Rows      [][]interface{} `json:"rows"`
	Offset    int             `json:"offset"`
	TotalRows int64           `json:"total_rows"`
	Truncated bool            `json:"truncated,omitempty"`
	State     string          `json:"state"`
}

// Results returns a page of rows. Works for running queries too: the rows
// buffered so far are visible. Failed and cancelled queries serve no rows.
func (e *Executor) Results(id string, offset, limit int) (ResultPage, error) {
	q, ok := e.lookup(id)
	if !ok {
		return ResultPage{}, ErrNotFound
	}
	cols, rows, total := q.page(offset, limit)
	st := q.status()
	return ResultPage{
		QueryID:   id,
		Columns:   cols,
		Rows:      rows,
		Offset:    offset,
		TotalRows: total,
		Truncated: st.Truncated,
		State:     st.State,
	}, nil
}

// Cancel stops a running query. The transition lands when the run loop
// reaches the next chunk boundary.
func (e *Executor) Cancel(id string) error {
	q, ok := e.lookup(id)
	if !ok {
		return ErrNotFound
	}
	st := q.status()
	if st.State != StateRunning {
		return ErrNotRunning
	}
	q.cancel()
	return nil
}

// ActiveCount reports in-flight queries.
func (e *Executor) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Subscribe registers a progress listener. The returned cancel func must be
// called to release it. Slow listeners drop events rather than block
// execution.
func (e *Executor) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	e.mu.Lock()
	e.subs[ch] = struct{}{}
	e.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, ch)
			e.mu.Unlock()
			close(ch)
		})
	}
}

func (e *Executor) broadcast(q *query) {
	st := q.status()
	ev := Event{
		QueryID:    st.ID,
		DatabaseID: st.DatabaseID,
		State:      st.State,
		Progress:   st.Progress,
		RowCount:   st.RowCount,
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// EvictExpired drops retained results past their TTL.
func (e *Executor) EvictExpired() { e.results.DeleteExpired() }

// Drain stops accepting work and waits for in-flight queries, up to the
// deadline. Queries still running after that are cancelled.
func (e *Executor) Drain(timeout time.Duration) {
	e.mu.Lock()
	e.closed = true
	running := make([]*query, 0, len(e.active))
	for _, q := range e.active {
		running = append(running, q)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		for _, q := range running {
			q.cancel()
		}
		<-done
	}
}
