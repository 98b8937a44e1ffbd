package sdata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testInfo() *DBInfo {
	return &DBInfo{
		Name:    "appdb",
		Schemas: []string{"public"},
		Tables: []DBTable{
			{
				Schema: "public", Name: "users", Type: "table",
				RowEstimate: 1200, HasPrimaryKey: true,
				Columns: []DBColumn{
					{Name: "id", Type: "bigint", NotNull: true, PrimaryKey: true, Ordinal: 1},
					{Name: "username", Type: "text", NotNull: true, Ordinal: 2},
					{Name: "created_at", Type: "timestamp with time zone", Ordinal: 3},
				},
			},
			{
				Schema: "public", Name: "orders", Type: "table",
				RowEstimate: 90000, HasPrimaryKey: true,
				Columns: []DBColumn{
					{Name: "id", Type: "bigint", NotNull: true, PrimaryKey: true, Ordinal: 1},
					{Name: "user_id", Type: "bigint", ForeignKey: true, Ordinal: 2},
					{Name: "amount", Type: "numeric", Ordinal: 3},
					{Name: "created_at", Type: "timestamp", Ordinal: 4},
				},
			},
		},
		Relationships: []DBRel{
			{
				FromSchema: "public", FromTable: "orders", FromColumn: "user_id",
				ToSchema: "public", ToTable: "users", ToColumn: "id",
				Kind: RelForeignKey,
			},
		},
	}
}

func TestHashStableUnderReordering(t *testing.T) {
	a := testInfo()
	b := testInfo()

	// reorder tables and columns without changing the sets
	b.Tables[0], b.Tables[1] = b.Tables[1], b.Tables[0]
	cols := b.Tables[0].Columns
	cols[0], cols[2] = cols[2], cols[0]

	ha, err := a.Hash()
	require.NoError(t, err)
	hb, err := b.Hash()
	require.NoError(t, err)
	assert.Equal(t, ha, hb)

	// and changes the hash when the schema actually changes
	b.Tables[0].Columns = append(b.Tables[0].Columns, DBColumn{Name: "extra", Type: "text", Ordinal: 5})
	hc, err := b.Hash()
	require.NoError(t, err)
	assert.NotEqual(t, ha, hc)
}

func TestFingerprintMatchesHashEquality(t *testing.T) {
	a := testInfo()
	b := testInfo()
	b.Tables[0], b.Tables[1] = b.Tables[1], b.Tables[0]

	fa, err := a.Fingerprint()
	require.NoError(t, err)
	fb, err := b.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, fa, fb)
}

func TestGetTableAndColumns(t *testing.T) {
	di := testInfo()

	tb, err := di.GetTable("public", "users")
	require.NoError(t, err)
	assert.Equal(t, "users", tb.Name)

	tb, err = di.GetTable("", "ORDERS")
	require.NoError(t, err)
	assert.Equal(t, "orders", tb.Name)

	_, err = di.GetTable("public", "missing")
	assert.Error(t, err)

	col, ok := tb.GetColumn("amount")
	require.True(t, ok)
	assert.Equal(t, "numeric", col.Type)

	num, ok := tb.FirstNumericColumn()
	require.True(t, ok)
	assert.Equal(t, "id", num.Name)

	ts, ok := tb.FirstTimeColumn()
	require.True(t, ok)
	assert.Equal(t, "created_at", ts.Name)
}

func TestScoreImportance(t *testing.T) {
	di := testInfo()
	scoreImportance(di)

	users, _ := di.GetTable("public", "users")
	orders, _ := di.GetTable("public", "orders")

	// users is the FK target, orders has the rows; both in range
	for _, tb := range []*DBTable{users, orders} {
		assert.GreaterOrEqual(t, tb.Importance, 0.0)
		assert.LessOrEqual(t, tb.Importance, 1.0)
	}
	assert.Greater(t, users.Importance, 0.0)
}

func TestInferRelationships(t *testing.T) {
	di := testInfo()
	di.Tables = append(di.Tables, DBTable{
		Schema: "public", Name: "payments",
		Columns: []DBColumn{
			{Name: "id", Type: "bigint", PrimaryKey: true, Ordinal: 1},
			{Name: "order_id", Type: "bigint", Ordinal: 2},
		},
	})

	inferRelationships(di)

	var found *DBRel
	for i, r := range di.Relationships {
		if r.FromTable == "payments" && r.ToTable == "orders" {
			found = &di.Relationships[i]
		}
	}
	require.NotNil(t, found, "expected inferred payments->orders edge")
	assert.Equal(t, RelInferred, found.Kind)
	assert.Equal(t, "id", found.ToColumn)
}
