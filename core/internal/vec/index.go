package vec

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dilsor/dilsor/core/internal/sdata"
)

// Item kinds stored in the index.
const (
	KindTable        = "table"
	KindColumn       = "column"
	KindRelationship = "relationship"
	KindQuery        = "query"
)

// relevanceThreshold drops hits that share no signal with the query.
const relevanceThreshold = 1.0

const defaultCacheSize = 4096

// Hit is one search result.
type Hit struct {
	Kind     string
	Identity string
	Text     string
	Metadata map[string]string
	Distance float64
}

type item struct {
	kind     string
	identity string
	text     string
	metadata map[string]string
	vec      []float32
}

// Index is the in-memory embedding index for a single database. Schema
// units and successful query pairs live side by side; schema reindexing
// replaces the schema portion and keeps learned queries.
type Index struct {
	name string
	emb  Embedder

	mu          sync.RWMutex
	items       map[string]item
	fingerprint uint64

	cache *lru.TwoQueueCache[string, []float32]
}

// New builds an empty index. name carries the database identity and only
// shows up in logs and errors.
func New(name string, emb Embedder, cacheSize int) (*Index, error) {
	if emb == nil {
		emb = HashEmbedder{}
	}
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New2Q[string, []float32](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Index{
		name:  name,
		emb:   emb,
		items: make(map[string]item),
		cache: cache,
	}, nil
}

// Name returns the index name.
func (ix *Index) Name() string { return ix.name }

// Size returns the item count.
func (ix *Index) Size() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.items)
}

// Fingerprint returns the fingerprint of the last indexed schema.
func (ix *Index) Fingerprint() uint64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.fingerprint
}

func (ix *Index) embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := ix.cache.Get(text); ok {
		return v, nil
	}
	v, err := ix.emb.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	ix.cache.Add(text, v)
	return v, nil
}

// UpsertSchema indexes every table, column and relationship of di. When the
// schema fingerprint is unchanged the call is a no-op; when it changed, old
// schema items are dropped first so renamed tables do not linger.
func (ix *Index) UpsertSchema(ctx context.Context, di *sdata.DBInfo) error {
	fp, err := di.Fingerprint()
	if err != nil {
		return fmt.Errorf("index %s: %w", ix.name, err)
	}

	ix.mu.RLock()
	same := ix.fingerprint == fp && ix.fingerprint != 0
	ix.mu.RUnlock()
	if same {
		return nil
	}

	fresh, err := ix.schemaItems(ctx, di)
	if err != nil {
		return fmt.Errorf("index %s: %w", ix.name, err)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	for key, it := range ix.items {
		if it.kind != KindQuery {
			delete(ix.items, key)
		}
	}
	for key, it := range fresh {
		ix.items[key] = it
	}
	ix.fingerprint = fp
	return nil
}

func (ix *Index) schemaItems(ctx context.Context, di *sdata.DBInfo) (map[string]item, error) {
	out := make(map[string]item)

	add := func(kind, identity, text string, md map[string]string) error {
		v, err := ix.embed(ctx, text)
		if err != nil {
			return err
		}
		out[kind+":"+identity] = item{
			kind: kind, identity: identity, text: text, metadata: md, vec: v,
		}
		return nil
	}

	for i := range di.Tables {
		t := &di.Tables[i]
		key := sdata.TableKey(t.Schema, t.Name)

		if err := add(KindTable, key, tableText(t), map[string]string{
			"schema": t.Schema, "table": t.Name,
		}); err != nil {
			return nil, err
		}

		for _, c := range t.Columns {
			if err := add(KindColumn, key+"."+c.Name, columnText(t, &c), map[string]string{
				"schema": t.Schema, "table": t.Name, "column": c.Name,
			}); err != nil {
				return nil, err
			}
		}
	}

	for _, r := range di.Relationships {
		id := fmt.Sprintf("%s.%s->%s.%s", r.FromTable, r.FromColumn, r.ToTable, r.ToColumn)
		if err := add(KindRelationship, id, relText(&r), map[string]string{
			"from_table": r.FromTable, "from_column": r.FromColumn,
			"to_table": r.ToTable, "to_column": r.ToColumn,
		}); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// UpsertSuccess stores a natural-language query that produced working SQL,
// so future similar questions retrieve it as an example.
func (ix *Index) UpsertSuccess(ctx context.Context, query, sql string, tables []string) error {
	v, err := ix.embed(ctx, query)
	if err != nil {
		return fmt.Errorf("index %s: %w", ix.name, err)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.items[KindQuery+":"+query] = item{
		kind:     KindQuery,
		identity: query,
		text:     query,
		metadata: map[string]string{
			"sql":    sql,
			"tables": strings.Join(tables, ","),
		},
		vec: v,
	}
	return nil
}

// Search returns up to k hits ordered by ascending distance. Hits at or
// beyond the relevance threshold are dropped.
func (ix *Index) Search(ctx context.Context, text string, k int) ([]Hit, error) {
	if k <= 0 {
		k = 20
	}
	qv, err := ix.embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("index %s: %w", ix.name, err)
	}

	ix.mu.RLock()
	hits := make([]Hit, 0, len(ix.items))
	for _, it := range ix.items {
		d := cosineDistance(qv, it.vec)
		if d >= relevanceThreshold {
			continue
		}
		hits = append(hits, Hit{
			Kind:     it.kind,
			Identity: it.identity,
			Text:     it.text,
			Metadata: it.metadata,
			Distance: d,
		})
	}
	ix.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].Identity < hits[j].Identity
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func tableText(t *sdata.DBTable) string {
	var b strings.Builder
	fmt.Fprintf(&b, "table %s", t.Name)
	if t.Comment != "" {
		fmt.Fprintf(&b, " %s", t.Comment)
	}
	cols := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		cols = append(cols, c.Name)
	}
	if len(cols) > 0 {
		fmt.Fprintf(&b, " columns %s", strings.Join(cols, " "))
	}
	return b.String()
}

func columnText(t *sdata.DBTable, c *sdata.DBColumn) string {
	return fmt.Sprintf("column %s of table %s type %s", c.Name, t.Name, c.Type)
}

func relText(r *sdata.DBRel) string {
	return fmt.Sprintf("table %s joins table %s on %s = %s",
		r.FromTable, r.ToTable, r.FromColumn, r.ToColumn)
}
