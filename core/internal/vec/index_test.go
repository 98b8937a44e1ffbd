package vec

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dilsor/dilsor/core/internal/sdata"
)

func testInfo() *sdata.DBInfo {
	return &sdata.DBInfo{
		Name:    "shop",
		Schemas: []string{"public"},
		Tables: []sdata.DBTable{
			{
				Schema: "public", Name: "users", RowEstimate: 5000,
				HasPrimaryKey: true, Importance: 0.9,
				Columns: []sdata.DBColumn{
					{Name: "id", Type: "bigint", PrimaryKey: true, Ordinal: 1},
					{Name: "username", Type: "text", Ordinal: 2},
					{Name: "created_at", Type: "timestamptz", Ordinal: 3},
				},
			},
			{
				Schema: "public", Name: "orders", RowEstimate: 20000,
				HasPrimaryKey: true, Importance: 0.7,
				Columns: []sdata.DBColumn{
					{Name: "id", Type: "bigint", PrimaryKey: true, Ordinal: 1},
					{Name: "user_id", Type: "bigint", ForeignKey: true, Ordinal: 2},
					{Name: "amount", Type: "numeric", Ordinal: 3},
				},
			},
			{
				Schema: "public", Name: "audit_logs", RowEstimate: 100,
				Importance: 0.1,
				Columns: []sdata.DBColumn{
					{Name: "id", Type: "bigint", Ordinal: 1},
					{Name: "entry", Type: "text", Ordinal: 2},
				},
			},
		},
		Relationships: []sdata.DBRel{
			{
				FromSchema: "public", FromTable: "orders", FromColumn: "user_id",
				ToSchema: "public", ToTable: "users", ToColumn: "id",
				Kind: sdata.RelForeignKey,
			},
		},
	}
}

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	ix, err := New("shop", HashEmbedder{}, 0)
	require.NoError(t, err)
	return ix
}

func TestUpsertSchemaAndSearch(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndex(t)
	di := testInfo()

	require.NoError(t, ix.UpsertSchema(ctx, di))
	// 3 tables + 8 columns + 1 relationship
	assert.Equal(t, 12, ix.Size())

	hits, err := ix.Search(ctx, "orders amount", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Contains(t, hits[0].Identity, "orders")
	for i := 1; i < len(hits); i++ {
		assert.GreaterOrEqual(t, hits[i].Distance, hits[i-1].Distance)
	}
	for _, h := range hits {
		assert.Less(t, h.Distance, 1.0)
	}
}

func TestUpsertSchemaIdempotent(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndex(t)
	di := testInfo()

	require.NoError(t, ix.UpsertSchema(ctx, di))
	fp := ix.Fingerprint()
	require.NoError(t, ix.UpsertSchema(ctx, di))
	assert.Equal(t, fp, ix.Fingerprint())
	assert.Equal(t, 12, ix.Size())
}

func TestUpsertSchemaReindexKeepsQueries(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndex(t)
	di := testInfo()

	require.NoError(t, ix.UpsertSchema(ctx, di))
	require.NoError(t, ix.UpsertSuccess(ctx,
		"kaç kullanıcı var", "SELECT COUNT(*) FROM users;", []string{"users"}))

	// rename a table so the fingerprint changes
	di2 := testInfo()
	di2.Tables[2].Name = "event_logs"
	require.NoError(t, ix.UpsertSchema(ctx, di2))

	hits, err := ix.Search(ctx, "kaç kullanıcı var", 20)
	require.NoError(t, err)

	var found bool
	for _, h := range hits {
		if h.Kind == KindQuery {
			found = true
			assert.Equal(t, "SELECT COUNT(*) FROM users;", h.Metadata["sql"])
		}
		assert.NotContains(t, h.Identity, "audit_logs")
	}
	assert.True(t, found, "learned query should survive reindex")
}

func TestSearchThresholdDropsUnrelated(t *testing.T) {
	ctx := context.Background()
	ix := newTestIndex(t)
	require.NoError(t, ix.UpsertSchema(ctx, testInfo()))

	hits, err := ix.Search(ctx, "zzzz qqqq completely unrelated", 20)
	require.NoError(t, err)
	for _, h := range hits {
		assert.Less(t, h.Distance, 1.0)
	}
}

func TestCosineDistance(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{1, 0}
	c := []float32{0, 1}
	d := []float32{-1, 0}

	assert.InDelta(t, 0, cosineDistance(a, b), 1e-9)
	assert.InDelta(t, 1, cosineDistance(a, c), 1e-9)
	assert.InDelta(t, 2, cosineDistance(a, d), 1e-9)
	assert.Equal(t, 2.0, cosineDistance(a, []float32{1, 0, 0}))
	assert.Equal(t, 2.0, cosineDistance(a, []float32{0, 0}))
}

func TestHashEmbedderDeterministic(t *testing.T) {
	e := HashEmbedder{}
	v1, err := e.Embed(context.Background(), "toplam sipariş tutarı")
	require.NoError(t, err)
	v2, err := e.Embed(context.Background(), "toplam sipariş tutarı")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)

	v3, err := e.Embed(context.Background(), "sipariş tutarı toplam")
	require.NoError(t, err)
	assert.InDelta(t, 0, cosineDistance(v1, v3), 1e-6)
}

func TestBuildContext(t *testing.T) {
	ctx := context.Background()
	di := testInfo()
	g := sdata.NewGraph(di)
	ix := newTestIndex(t)
	require.NoError(t, ix.UpsertSchema(ctx, di))

	hits, err := ix.Search(ctx, "users orders", 10)
	require.NoError(t, err)

	out := BuildContext(hits, di, g)
	assert.Contains(t, out, "table users (")
	assert.Contains(t, out, "table orders (")
	assert.Contains(t, out, "user_id")
	assert.Contains(t, out, "join orders to users on user_id = id")
}

func TestBuildContextFallback(t *testing.T) {
	di := testInfo()
	g := sdata.NewGraph(di)

	out := BuildContext(nil, di, g)
	// importance order: users before orders before audit_logs
	iu := indexOf(out, "table users")
	io := indexOf(out, "table orders")
	require.GreaterOrEqual(t, iu, 0)
	require.GreaterOrEqual(t, io, 0)
	assert.Less(t, iu, io)
}

func TestBuildContextExamples(t *testing.T) {
	ctx := context.Background()
	di := testInfo()
	ix := newTestIndex(t)
	require.NoError(t, ix.UpsertSchema(ctx, di))
	require.NoError(t, ix.UpsertSuccess(ctx,
		"kaç kullanıcı var", "SELECT COUNT(*) FROM users;", []string{"users"}))

	hits, err := ix.Search(ctx, "kaç kullanıcı var", 20)
	require.NoError(t, err)

	out := BuildContext(hits, di, sdata.NewGraph(di))
	assert.Contains(t, out, "example: kaç kullanıcı var => SELECT COUNT(*) FROM users;")
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
