package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dilsor/dilsor/core/internal/sdata"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	return s
}

func schemaV1() *sdata.DBInfo {
	return &sdata.DBInfo{
		Name:    "shop",
		Schemas: []string{"public"},
		Tables: []sdata.DBTable{
			{
				Schema: "public", Name: "users", Type: "table",
				Columns: []sdata.DBColumn{
					{Name: "id", Type: "bigint", PrimaryKey: true, NotNull: true, Ordinal: 1},
					{Name: "username", Type: "text", Ordinal: 2},
				},
				Indexes: []sdata.DBIndex{{Name: "users_pkey", Columns: []string{"id"}, Unique: true}},
			},
			{
				Schema: "public", Name: "orders", Type: "table",
				Columns: []sdata.DBColumn{
					{Name: "id", Type: "bigint", PrimaryKey: true, NotNull: true, Ordinal: 1},
					{Name: "user_id", Type: "bigint", ForeignKey: true, Ordinal: 2},
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

func TestDatabaseCRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.UpsertDatabase(ctx, Database{
		ID: "shop", Name: "Shop", Host: "localhost", Port: 5432, DBName: "shop",
	}))
	// upsert updates in place
	require.NoError(t, s.UpsertDatabase(ctx, Database{
		ID: "shop", Name: "Shop Prod", Host: "db1", Port: 5432, DBName: "shop",
	}))

	d, err := s.GetDatabase(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, "Shop Prod", d.Name)
	assert.Equal(t, "db1", d.Host)
	assert.False(t, d.CreatedAt.IsZero())

	all, err := s.ListDatabases(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.DeleteDatabase(ctx, "shop"))
	_, err = s.GetDatabase(ctx, "shop")
	assert.Error(t, err)
}

func TestSaveSnapshotIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.UpsertDatabase(ctx, Database{ID: "shop", Name: "Shop"}))

	created, h1, err := s.SaveSnapshot(ctx, "shop", schemaV1())
	require.NoError(t, err)
	assert.True(t, created)

	// same schema, no new row
	created, h2, err := s.SaveSnapshot(ctx, "shop", schemaV1())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, h1, h2)

	snaps, err := s.ListSnapshots(ctx, "shop", 0)
	require.NoError(t, err)
	assert.Len(t, snaps, 1)

	// changed schema appends
	v2 := schemaV1()
	v2.Tables[0].Columns = append(v2.Tables[0].Columns,
		sdata.DBColumn{Name: "email", Type: "text", Ordinal: 3})
	created, h3, err := s.SaveSnapshot(ctx, "shop", v2)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, h1, h3)

	snaps, err = s.ListSnapshots(ctx, "shop", 0)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, h3, snaps[0].Hash)
}

func TestLatestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.UpsertDatabase(ctx, Database{ID: "shop", Name: "Shop"}))

	_, _, err := s.LatestSnapshot(ctx, "shop")
	assert.ErrorIs(t, err, ErrNoSnapshot)

	_, hash, err := s.SaveSnapshot(ctx, "shop", schemaV1())
	require.NoError(t, err)

	di, gotHash, err := s.LatestSnapshot(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, hash, gotHash)
	assert.Equal(t, "shop", di.Name)
	require.Len(t, di.Tables, 2)
	require.Len(t, di.Relationships, 1)

	u, err := di.GetTable("public", "users")
	require.NoError(t, err)
	assert.Len(t, u.Columns, 2)

	byHash, err := s.SnapshotByHash(ctx, "shop", hash)
	require.NoError(t, err)
	assert.Equal(t, di.Name, byHash.Name)

	_, err = s.SnapshotByHash(ctx, "shop", "deadbeef")
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestDiffSnapshots(t *testing.T) {
	old := schemaV1()
	cur := schemaV1()

	// add a table, drop a relationship, change a column, add an index
	cur.Tables = append(cur.Tables, sdata.DBTable{
		Schema: "public", Name: "payments",
		Columns: []sdata.DBColumn{{Name: "id", Type: "bigint", Ordinal: 1}},
	})
	cur.Relationships = nil
	cur.Tables[0].Columns[1].Type = "varchar(120)"
	cur.Tables[1].Indexes = []sdata.DBIndex{{Name: "orders_user_idx", Columns: []string{"user_id"}}}

	d := DiffSnapshots(old, cur)
	assert.Equal(t, []string{"public.payments"}, d.AddedTables)
	assert.Empty(t, d.RemovedTables)
	assert.Equal(t, []string{"public.orders.user_id->public.users.id"}, d.RemovedRelationships)

	require.Len(t, d.ModifiedTables, 2)
	assert.Equal(t, "public.orders", d.ModifiedTables[0].Table)
	assert.Equal(t, []string{"orders_user_idx"}, d.ModifiedTables[0].AddedIndexes)
	assert.Equal(t, "public.users", d.ModifiedTables[1].Table)
	assert.Equal(t, []string{"username"}, d.ModifiedTables[1].ModifiedColumns)

	assert.True(t, DiffSnapshots(schemaV1(), schemaV1()).Empty())
}

func TestDiffIgnoresVolatileFields(t *testing.T) {
	old := schemaV1()
	cur := schemaV1()
	cur.Tables[0].RowEstimate = 999999
	cur.Tables[0].Importance = 0.42
	cur.Tables[0].SizeBytes = 1 << 30

	assert.True(t, DiffSnapshots(old, cur).Empty())
}

func TestQueryHistory(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.RecordQuery(ctx, HistoryEntry{
		ID: "q1", DatabaseID: "shop", Question: "kaç kullanıcı var",
		SQL: "SELECT COUNT(*) FROM users;", Status: "completed",
		RowCount: 1, DurationMS: 12, Confidence: 0.9,
	}))
	require.NoError(t, s.RecordQuery(ctx, HistoryEntry{
		ID: "q2", DatabaseID: "shop",
		SQL: "SELECT * FROM orders;", Status: "failed", Error: "relation missing",
	}))

	got, err := s.RecentQueries(ctx, "shop", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "q2", got[0].ID)
	assert.Equal(t, "relation missing", got[0].Error)
	assert.Equal(t, 0.9, got[1].Confidence)
}

func TestInsights(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SaveInsight(ctx, Insight{
		DatabaseID: "shop", Kind: "hub_table", Subject: "public.users",
	}))
	require.NoError(t, s.SaveInsight(ctx, Insight{
		DatabaseID: "shop", Kind: "isolated_table", Subject: "public.logs",
	}))

	got, err := s.ListInsights(ctx, "shop", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "isolated_table", got[0].Kind)
}
