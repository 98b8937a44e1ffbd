package core

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dilsor/dilsor/core/internal/exec"
	"github.com/dilsor/dilsor/core/internal/learn"
	"github.com/dilsor/dilsor/core/internal/sdata"
	"github.com/dilsor/dilsor/core/internal/store"
	"github.com/dilsor/dilsor/core/internal/vec"
)

// dbContext holds the per-database state: its pool, the current schema
// snapshot with the derived join graph, the vector index and the adaptive
// store. Readers take the snapshot pointer under RLock; refresh swaps it
// wholesale so an in-flight query never sees a half-updated schema.
type dbContext struct {
	id    string
	label string
	conf  DatabaseConfig

	pool    *exec.Pool
	index   *vec.Index
	learned *learn.Store

	mu   sync.RWMutex
	info *sdata.DBInfo
	grph *sdata.Graph
	hash string
}

// snapshot returns the current schema view.
func (dc *dbContext) snapshot() (*sdata.DBInfo, *sdata.Graph, string) {
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	return dc.info, dc.grph, dc.hash
}

func (dc *dbContext) swap(info *sdata.DBInfo, g *sdata.Graph, hash string) {
	dc.mu.Lock()
	dc.info = info
	dc.grph = g
	dc.hash = hash
	dc.mu.Unlock()
}

// newDBContext opens the pool and builds the empty per-database state. The
// schema is populated by the first refresh.
func (e *engine) newDBContext(ctx context.Context, id string, conf DatabaseConfig) (*dbContext, error) {
	label := conf.Label
	if label == "" {
		label = id
	}

	pool, err := exec.NewPool(ctx, conf.ConnConfig, e.conf.Pool, e.log)
	if err != nil {
		return nil, wrapError(ErrConnectionFailed, err, "database %s", id)
	}

	index, err := vec.New(id, e.embedder, e.conf.Retrieval.CacheSize)
	if err != nil {
		pool.Close() //nolint:errcheck
		return nil, wrapError(ErrInternal, err, "database %s", id)
	}
	learned, err := learn.New(e.conf.Learning.toLearn())
	if err != nil {
		pool.Close() //nolint:errcheck
		return nil, wrapError(ErrInternal, err, "database %s", id)
	}

	return &dbContext{
		id:      id,
		label:   label,
		conf:    conf,
		pool:    pool,
		index:   index,
		learned: learned,
	}, nil
}

// refresh runs the full discovery pipeline: introspect, persist the
// snapshot, rebuild the graph, reindex embeddings and re-learn vocabulary.
// The snapshot pointer swaps only after every stage succeeded.
func (e *engine) refresh(ctx context.Context, dc *dbContext) error {
	dbName := dc.conf.Database
	if dbName == "" {
		dbName = dc.id
	}
	di, err := sdata.Discover(ctx, dc.pool.DB(), dbName, sdata.DiscoverOptions{
		Deep:               dc.conf.Deep,
		Blocklist:          dc.conf.Blocklist,
		InferRelationships: true,
	})
	if err != nil {
		return wrapError(ErrSchemaUnavailable, err, "database %s", dc.id)
	}

	prev, _, _ := dc.snapshot()

	created, hash, err := e.store.SaveSnapshot(ctx, dc.id, di)
	if err != nil {
		return wrapError(ErrInternal, err, "database %s", dc.id)
	}

	g := sdata.NewGraph(di)

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error { return dc.index.UpsertSchema(gctx, di) })
	grp.Go(func() error { dc.learned.LearnSchema(di); return nil })
	if err := grp.Wait(); err != nil {
		return wrapError(ErrInternal, err, "database %s", dc.id)
	}

	dc.swap(di, g, hash)

	if created {
		e.recordSchemaInsights(ctx, dc, prev, di, g)
	}
	e.log.Infow("schema refreshed",
		"db", dc.id, "tables", len(di.Tables),
		"relationships", len(di.Relationships), "hash", hash[:12], "changed", created)
	return nil
}

// recordSchemaInsights persists what changed and what the graph says about
// the new schema.
func (e *engine) recordSchemaInsights(ctx context.Context, dc *dbContext, prev, cur *sdata.DBInfo, g *sdata.Graph) {
	if prev != nil {
		d := store.DiffSnapshots(prev, cur)
		if !d.Empty() {
			for _, t := range d.AddedTables {
				e.saveInsight(ctx, dc.id, "table_added", t, "")
			}
			for _, t := range d.RemovedTables {
				e.saveInsight(ctx, dc.id, "table_removed", t, "")
			}
			for _, tc := range d.ModifiedTables {
				e.saveInsight(ctx, dc.id, "table_modified", tc.Table,
					fmt.Sprintf("+%d -%d ~%d columns",
						len(tc.AddedColumns), len(tc.RemovedColumns), len(tc.ModifiedColumns)))
			}
		}
	}
	for _, t := range g.HubTables(3) {
		e.saveInsight(ctx, dc.id, "hub_table", t, "")
	}
	for _, t := range g.IsolatedTables() {
		e.saveInsight(ctx, dc.id, "isolated_table", t, "")
	}
}

func (e *engine) saveInsight(ctx context.Context, dbID, kind, subject, detail string) {
	err := e.store.SaveInsight(ctx, store.Insight{
		DatabaseID: dbID, Kind: kind, Subject: subject, Detail: detail,
	})
	if err != nil {
		e.log.Warnw("insight save failed", "db", dbID, "kind", kind, "error", err)
	}
}

// database resolves a registered database id.
func (e *engine) database(id string) (*dbContext, *Error) {
	e.mu.RLock()
	dc, ok := e.databases[id]
	e.mu.RUnlock()
	if !ok {
		return nil, newError(ErrNotFound, "database %s is not registered", id)
	}
	return dc, nil
}

// requireSchema resolves a database and ensures discovery has run.
func (e *engine) requireSchema(id string) (*dbContext, *sdata.DBInfo, *sdata.Graph, *Error) {
	dc, derr := e.database(id)
	if derr != nil {
		return nil, nil, nil, derr
	}
	info, g, _ := dc.snapshot()
	if info == nil {
		return nil, nil, nil, newError(ErrSchemaUnavailable, "database %s has no schema snapshot yet", id)
	}
	return dc, info, g, nil
}
