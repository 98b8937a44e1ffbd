// Package core implements the natural-language query engine: schema
// discovery and join graph, the understanding and synthesis pipeline, the
// SQL safety layer, asynchronous execution and the adaptive learning state.
package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dilsor/dilsor/core/internal/exec"
	"github.com/dilsor/dilsor/core/internal/learn"
	"github.com/dilsor/dilsor/core/internal/lm"
	"github.com/dilsor/dilsor/core/internal/nlp"
	"github.com/dilsor/dilsor/core/internal/sdata"
	"github.com/dilsor/dilsor/core/internal/sqlsafe"
	"github.com/dilsor/dilsor/core/internal/store"
	"github.com/dilsor/dilsor/core/internal/vec"
)

// engine is one immutable configuration of the system. Dilsor swaps the
// whole engine on reload, so a live engine never reconfigures itself.
type engine struct {
	conf  *Config
	log   *zap.SugaredLogger
	trace Tracer

	store     *store.Store
	adapter   *lm.Adapter
	embedder  vec.Embedder
	executor  *exec.Executor
	validator *sqlsafe.Validator

	mu        sync.RWMutex
	databases map[string]*dbContext

	askMeta sync.Map // query id -> askMeta
	done    chan bool
}

// askMeta carries what the completion monitor needs to learn from a query.
type askMeta struct {
	dbID       string
	question   string
	sql        string
	tables     []string
	confidence float64
	startedAt  time.Time
}

// Dilsor is the engine handle. The zero value is not usable; create one
// with New.
type Dilsor struct {
	atomic.Value
	done chan bool
}

// Option configures the engine during New.
type Option func(*engine) error

// OptionSetLM plugs in a language model. Without one the engine runs in
// deterministic template mode.
func OptionSetLM(m lm.LanguageModel) Option {
	return func(e *engine) error {
		e.adapter = lm.NewAdapter(m, e.lmConfig(), e.log.Desugar())
		return nil
	}
}

// OptionSetEmbedder plugs in an embedding backend.
func OptionSetEmbedder(em vec.Embedder) Option {
	return func(e *engine) error {
		e.embedder = em
		return nil
	}
}

// OptionSetLogger replaces the default logger.
func OptionSetLogger(log *zap.SugaredLogger) Option {
	return func(e *engine) error {
		e.log = log
		return nil
	}
}

// New builds the engine: opens the metadata store, connects every
// configured database and runs initial schema discovery.
func New(ctx context.Context, conf *Config, options ...Option) (d *Dilsor, err error) {
	if conf == nil {
		conf = &Config{}
	}
	d = &Dilsor{done: make(chan bool)}
	if err = d.newEngine(ctx, conf, options...); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dilsor) newEngine(ctx context.Context, conf *Config, options ...Option) (err error) {
	conf.withDefaults()
	if err = conf.Validate(); err != nil {
		return
	}

	log, err := zap.NewProduction()
	if err != nil {
		return
	}

	e := &engine{
		conf:      conf,
		log:       log.Sugar(),
		trace:     nullTrace{},
		databases: make(map[string]*dbContext),
		done:      d.done,
	}

	// ordering of these initializers matters, do not re-order

	if err = e.initStore(); err != nil {
		return
	}
	e.initModel()

	for _, op := range options {
		if err = op(e); err != nil {
			return
		}
	}

	if err = e.initExecutor(); err != nil {
		return
	}
	e.initValidator()

	if err = e.initDatabases(ctx); err != nil {
		return
	}

	e.startMonitor()
	if conf.RefreshInterval > 0 {
		go e.refreshLoop()
	}

	d.Store(e)
	return nil
}

func (e *engine) initStore() error {
	s, err := store.Open(e.conf.StorePath)
	if err != nil {
		return wrapError(ErrInternal, err, "metadata store")
	}
	e.store = s
	return nil
}

func (e *engine) lmConfig() lm.Config {
	return lm.Config{
		ModelUnderstand:       e.conf.LM.ModelUnderstand,
		ModelSQL:              e.conf.LM.ModelSQL,
		TemperatureUnderstand: e.conf.LM.TemperatureUnderstand,
		TemperatureSQL:        e.conf.LM.TemperatureSQL,
		TopP:                  e.conf.LM.TopP,
		Timeout:               e.conf.LM.Timeout,
	}
}

// initModel wires the configured HTTP backends. Both are optional;
// OptionSetLM and OptionSetEmbedder override them.
func (e *engine) initModel() {
	var model lm.LanguageModel
	if e.conf.LM.URL != "" {
		model = lm.NewHTTPModel(e.conf.LM.URL, e.conf.LM.APIKey, e.conf.LM.Timeout)
	}
	e.adapter = lm.NewAdapter(model, e.lmConfig(), e.log.Desugar())

	if e.conf.LM.EmbeddingURL != "" {
		e.embedder = vec.NewHTTPEmbedder(
			e.conf.LM.EmbeddingURL, e.conf.LM.APIKey,
			e.conf.LM.EmbeddingModel, e.conf.LM.Timeout)
	} else {
		e.embedder = vec.HashEmbedder{}
	}
}

func (e *engine) initExecutor() error {
	ex, err := exec.New(e.conf.Executor, e.log)
	if err != nil {
		return wrapError(ErrInternal, err, "executor")
	}
	e.executor = ex
	return nil
}

func (e *engine) initValidator() {
	e.validator = sqlsafe.New(e.conf.Safety.MaxSQLLength, e.conf.Safety.MaxPromptLength)
}

func (e *engine) initDatabases(ctx context.Context) error {
	for id, dconf := range e.conf.Databases {
		if err := e.registerDatabase(ctx, id, dconf); err != nil {
			return err
		}
	}
	return nil
}

func (e *engine) registerDatabase(ctx context.Context, id string, dconf DatabaseConfig) error {
	dc, err := e.newDBContext(ctx, id, dconf)
	if err != nil {
		return err
	}
	if serr := e.store.UpsertDatabase(ctx, store.Database{
		ID: id, Name: dc.label,
		Host: dconf.Host, Port: int(dconf.Port), DBName: dconf.Database,
	}); serr != nil {
		dc.pool.Close() //nolint:errcheck
		return wrapError(ErrInternal, serr, "database %s", id)
	}

	if rerr := e.refresh(ctx, dc); rerr != nil {
		e.log.Warnw("initial schema discovery failed", "db", id, "error", rerr)
	}

	e.mu.Lock()
	e.databases[id] = dc
	e.mu.Unlock()
	return nil
}

// startMonitor subscribes before returning so no terminal event can slip
// past between a submit and the monitor goroutine coming up.
func (e *engine) startMonitor() {
	ch, cancel := e.executor.Subscribe()
	go e.monitor(ch, cancel)
}

// monitor consumes executor events and feeds terminal outcomes into the
// history and the adaptive store.
func (e *engine) monitor(ch <-chan exec.Event, cancel func()) {
	defer cancel()

	for {
		select {
		case <-e.done:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.State == exec.StateRunning {
				continue
			}
			e.onTerminal(ev)
		}
	}
}

func (e *engine) onTerminal(ev exec.Event) {
	v, ok := e.askMeta.LoadAndDelete(ev.QueryID)
	if !ok {
		return
	}
	meta := v.(askMeta)

	ctx, cancelCtx := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelCtx()

	st, err := e.executor.Status(ev.QueryID)
	if err != nil {
		return
	}
	if herr := e.store.RecordQuery(ctx, store.HistoryEntry{
		ID:         ev.QueryID,
		DatabaseID: meta.dbID,
		Question:   meta.question,
		SQL:        meta.sql,
		Status:     st.State,
		RowCount:   st.RowCount,
		DurationMS: time.Since(meta.startedAt).Milliseconds(),
		Confidence: meta.confidence,
		Error:      st.Error,
	}); herr != nil {
		e.log.Warnw("history record failed", "id", ev.QueryID, "error", herr)
	}

	if st.State != exec.StateCompleted || meta.question == "" {
		return
	}
	dc, derr := e.database(meta.dbID)
	if derr != nil {
		return
	}
	dc.learned.RecordSuccess(meta.question, meta.sql, meta.tables, meta.confidence)
	if ierr := dc.index.UpsertSuccess(ctx, meta.question, meta.sql, meta.tables); ierr != nil {
		e.log.Warnw("success indexing failed", "id", ev.QueryID, "error", ierr)
	}
}

func (e *engine) refreshLoop() {
	t := time.NewTicker(e.conf.RefreshInterval)
	defer t.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-t.C:
			e.mu.RLock()
			dcs := make([]*dbContext, 0, len(e.databases))
			for _, dc := range e.databases {
				dcs = append(dcs, dc)
			}
			e.mu.RUnlock()
			for _, dc := range dcs {
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				if err := e.refresh(ctx, dc); err != nil {
					e.log.Warnw("scheduled refresh failed", "db", dc.id, "error", err)
				}
				cancel()
			}
		}
	}
}

func (d *Dilsor) engine() *engine {
	return d.Load().(*engine)
}

// AskResult is the synchronous answer to a natural-language question: the
// synthesized statement was submitted and is running under QueryID.
// Alternatives hold the lower-ranked readings of the question, when any
// scored above the floor.
type AskResult struct {
	QueryID        string           `json:"query_id"`
	SQL            string           `json:"sql"`
	Confidence     float64          `json:"confidence"`
	Intent         nlp.Intent       `json:"intent"`
	Interpretation Interpretation   `json:"interpretation"`
	Alternatives   []Interpretation `json:"alternatives,omitempty"`
}

// Ask runs the full pipeline on a natural-language question and starts the
// resulting statement asynchronously.
func (d *Dilsor) Ask(ctx context.Context, dbID, question string) (AskResult, error) {
	return d.engine().ask(ctx, dbID, question)
}

func (e *engine) ask(ctx context.Context, dbID, question string) (AskResult, error) {
	ctx, span := e.spanStart(ctx, "Ask")
	defer span.End()
	if span.IsRecording() {
		span.SetAttributesString(StringAttr{"query.database", dbID})
	}

	if ok, reason := e.validator.ValidatePrompt(question); !ok {
		return AskResult{}, newError(ErrInvalidInput, "question rejected: %s", reason)
	}

	dc, info, g, derr := e.requireSchema(dbID)
	if derr != nil {
		span.Error(derr)
		return AskResult{}, derr
	}

	adaptiveCtx := dc.learned.ContextFor(question)

	c1, uspan := e.spanStart(ctx, "Understand Question")
	in := e.adapter.Understand(c1, question, adaptiveCtx)
	uspan.End()

	hits, err := dc.index.Search(ctx, nlp.Normalize(question).Folded, e.conf.Retrieval.TopK)
	if err != nil {
		e.log.Warnw("retrieval failed", "db", dbID, "error", err)
	}

	ip, alts, berr := e.buildInterpretation(dc, info, g, in, hits)
	if berr != nil {
		span.Error(berr)
		return AskResult{}, berr
	}

	schemaCtx := vec.BuildContext(hits, info, g)

	c2, gspan := e.spanStart(ctx, "Generate SQL")
	sqlText := e.adapter.GenerateSQL(c2, in, ip.spec(), schemaCtx, adaptiveCtx)
	gspan.End()
	if sqlText == "" {
		return AskResult{}, newError(ErrGenerationFailed, "no statement could be produced")
	}

	if ok, reason := e.validator.Validate(sqlText, sqlsafe.DefaultAllowed()); !ok {
		return AskResult{}, newError(ErrUnsafeSQL, "statement rejected: %s", reason)
	}

	id, serr := e.executor.Submit(dc.pool, dbID, question, sqlText, 0)
	if serr != nil {
		return AskResult{}, wrapError(ErrExecutionFailed, serr, "submit")
	}

	e.askMeta.Store(id, askMeta{
		dbID:       dbID,
		question:   question,
		sql:        sqlText,
		tables:     ip.Tables,
		confidence: ip.Confidence,
		startedAt:  time.Now(),
	})

	return AskResult{
		QueryID:        id,
		SQL:            sqlText,
		Confidence:     ip.Confidence,
		Intent:         in,
		Interpretation: ip,
		Alternatives:   alts,
	}, nil
}

// SubmitSQL runs a raw statement through the safety layer and the
// executor, bypassing the language pipeline. A positive limit caps the
// fetched rows below the configured max_rows.
func (d *Dilsor) SubmitSQL(ctx context.Context, dbID, sqlText string, limit int) (string, error) {
	e := d.engine()
	dc, derr := e.database(dbID)
	if derr != nil {
		return "", derr
	}
	if ok, reason := e.validator.Validate(sqlText, sqlsafe.DefaultAllowed()); !ok {
		return "", newError(ErrUnsafeSQL, "statement rejected: %s", reason)
	}
	id, err := e.executor.Submit(dc.pool, dbID, "", sqlText, limit)
	if err != nil {
		return "", wrapError(ErrExecutionFailed, err, "submit")
	}
	e.askMeta.Store(id, askMeta{dbID: dbID, sql: sqlText, startedAt: time.Now()})
	return id, nil
}

// Status reports the state of a submitted query.
func (d *Dilsor) Status(queryID string) (exec.Status, error) {
	st, err := d.engine().executor.Status(queryID)
	if err != nil {
		return exec.Status{}, newError(ErrNotFound, "query %s", queryID)
	}
	return st, nil
}

// Results returns a window of a query's buffered rows.
func (d *Dilsor) Results(queryID string, offset, limit int) (exec.ResultPage, error) {
	page, err := d.engine().executor.Results(queryID, offset, limit)
	if err != nil {
		return exec.ResultPage{}, newError(ErrNotFound, "query %s", queryID)
	}
	return page, nil
}

// Cancel stops a running query.
func (d *Dilsor) Cancel(queryID string) error {
	err := d.engine().executor.Cancel(queryID)
	switch err {
	case nil:
		return nil
	case exec.ErrNotFound:
		return newError(ErrNotFound, "query %s", queryID)
	default:
		return newError(ErrCancelled, "query %s already finished", queryID)
	}
}

// Subscribe returns a progress event stream and its cancel func.
func (d *Dilsor) Subscribe() (<-chan exec.Event, func()) {
	return d.engine().executor.Subscribe()
}

// RegisterDatabase adds a target database at runtime and runs discovery.
func (d *Dilsor) RegisterDatabase(ctx context.Context, id string, conf DatabaseConfig) error {
	e := d.engine()
	e.mu.RLock()
	_, exists := e.databases[id]
	e.mu.RUnlock()
	if exists {
		return newError(ErrInvalidInput, "database %s is already registered", id)
	}
	return e.registerDatabase(ctx, id, conf)
}

// RemoveDatabase disconnects and forgets a target database. Persisted
// snapshots and history are removed with it.
func (d *Dilsor) RemoveDatabase(ctx context.Context, id string) error {
	e := d.engine()
	e.mu.Lock()
	dc, ok := e.databases[id]
	if ok {
		delete(e.databases, id)
	}
	e.mu.Unlock()
	if !ok {
		return newError(ErrNotFound, "database %s is not registered", id)
	}
	dc.pool.Close() //nolint:errcheck
	if err := e.store.DeleteDatabase(ctx, id); err != nil {
		return wrapError(ErrInternal, err, "database %s", id)
	}
	return nil
}

// RefreshSchema re-runs discovery for one database.
func (d *Dilsor) RefreshSchema(ctx context.Context, id string) error {
	e := d.engine()
	dc, derr := e.database(id)
	if derr != nil {
		return derr
	}
	return e.refresh(ctx, dc)
}

// DatabaseStats is the operational summary of one registered database.
type DatabaseStats struct {
	ID           string        `json:"id"`
	Label        string        `json:"label"`
	SnapshotHash string        `json:"snapshot_hash,omitempty"`
	Graph        sdata.Metrics `json:"graph"`
	Pool         exec.Stats    `json:"pool"`
	IndexSize    int           `json:"index_size"`
	Learning     learn.Metrics `json:"learning"`
}

// DatabaseStats reports graph, pool, index and learning state for one
// database.
func (d *Dilsor) DatabaseStats(id string) (DatabaseStats, error) {
	e := d.engine()
	dc, derr := e.database(id)
	if derr != nil {
		return DatabaseStats{}, derr
	}
	_, g, hash := dc.snapshot()
	st := DatabaseStats{
		ID:           dc.id,
		Label:        dc.label,
		SnapshotHash: hash,
		Pool:         dc.pool.Stats(),
		IndexSize:    dc.index.Size(),
		Learning:     dc.learned.Metrics(),
	}
	if g != nil {
		st.Graph = g.Metrics()
	}
	return st, nil
}

// Databases lists the registered database ids.
func (d *Dilsor) Databases() []string {
	e := d.engine()
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.databases))
	for id := range e.databases {
		out = append(out, id)
	}
	return out
}

// History lists recent queries for a database.
func (d *Dilsor) History(ctx context.Context, dbID string, limit int) ([]store.HistoryEntry, error) {
	return d.engine().store.RecentQueries(ctx, dbID, limit)
}

// Insights lists recorded schema observations for a database.
func (d *Dilsor) Insights(ctx context.Context, dbID string, limit int) ([]store.Insight, error) {
	return d.engine().store.ListInsights(ctx, dbID, limit)
}

// Snapshots lists stored schema captures for a database.
func (d *Dilsor) Snapshots(ctx context.Context, dbID string, limit int) ([]store.Snapshot, error) {
	return d.engine().store.ListSnapshots(ctx, dbID, limit)
}

// SnapshotDiff compares two stored captures by hash.
func (d *Dilsor) SnapshotDiff(ctx context.Context, dbID, oldHash, newHash string) (store.Diff, error) {
	e := d.engine()
	old, err := e.store.SnapshotByHash(ctx, dbID, oldHash)
	if err != nil {
		return store.Diff{}, newError(ErrNotFound, "snapshot %s", oldHash)
	}
	cur, err := e.store.SnapshotByHash(ctx, dbID, newHash)
	if err != nil {
		return store.Diff{}, newError(ErrNotFound, "snapshot %s", newHash)
	}
	return store.DiffSnapshots(old, cur), nil
}

// Close drains in-flight queries and releases every resource.
func (d *Dilsor) Close() error {
	e := d.engine()
	select {
	case <-d.done:
	default:
		close(d.done)
	}

	e.executor.Drain(e.conf.DrainTimeout)

	e.mu.Lock()
	for _, dc := range e.databases {
		dc.pool.Close() //nolint:errcheck
	}
	e.databases = make(map[string]*dbContext)
	e.mu.Unlock()

	return e.store.Close()
}
