package core

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

func shopInfo() *sdata.DBInfo {
	return &sdata.DBInfo{
		Name:    "shop",
		Schemas: []string{"public"},
		Tables: []sdata.DBTable{
			{
				Schema: "public", Name: "users", RowEstimate: 5000,
				HasPrimaryKey: true, Importance: 0.9,
				Columns: []sdata.DBColumn{
					{Name: "id", Type: "bigint", PrimaryKey: true, NotNull: true, Ordinal: 1},
					{Name: "username", Type: "varchar(50)", NotNull: true, Ordinal: 2},
					{Name: "email", Type: "text", Ordinal: 3},
					{Name: "created_at", Type: "timestamptz", Ordinal: 4},
				},
			},
			{
				Schema: "public", Name: "orders", RowEstimate: 20000,
				HasPrimaryKey: true, Importance: 0.7,
				Columns: []sdata.DBColumn{
					{Name: "id", Type: "bigint", PrimaryKey: true, NotNull: true, Ordinal: 1},
					{Name: "user_id", Type: "bigint", ForeignKey: true, Ordinal: 2},
					{Name: "segment_id", Type: "bigint", ForeignKey: true, Ordinal: 3},
					{Name: "amount", Type: "numeric", Ordinal: 4},
					{Name: "status", Type: "varchar(20)", Ordinal: 5},
					{Name: "created_at", Type: "timestamptz", Ordinal: 6},
				},
			},
			{
				Schema: "public", Name: "customer_segments", RowEstimate: 12,
				HasPrimaryKey: true, Importance: 0.5,
				Columns: []sdata.DBColumn{
					{Name: "id", Type: "bigint", PrimaryKey: true, NotNull: true, Ordinal: 1},
					{Name: "segment_type", Type: "varchar(40)", Ordinal: 2},
				},
			},
		},
		Relationships: []sdata.DBRel{
			{
				FromSchema: "public", FromTable: "orders", FromColumn: "user_id",
				ToSchema: "public", ToTable: "users", ToColumn: "id",
				Kind: sdata.RelForeignKey,
			},
			{
				FromSchema: "public", FromTable: "orders", FromColumn: "segment_id",
				ToSchema: "public", ToTable: "customer_segments", ToColumn: "id",
				Kind: sdata.RelForeignKey,
			},
		},
	}
}

// newInterpreter wires just enough state for the interpretation stage.
func newInterpreter(t *testing.T) (*engine, *dbContext, *sdata.DBInfo, *sdata.Graph) {
	t.Helper()
	return newInterpreterWith(t, shopInfo())
}

func newInterpreterWith(t *testing.T, info *sdata.DBInfo) (*engine, *dbContext, *sdata.DBInfo, *sdata.Graph) {
	t.Helper()
	g := sdata.NewGraph(info)
	ln, err := learn.New(learn.Config{})
	require.NoError(t, err)
	ln.LearnSchema(info)
	dc := &dbContext{id: info.Name, label: info.Name, learned: ln}
	dc.swap(info, g, "test")
	return &engine{}, dc, info, g
}

func TestInterpretCountUsers(t *testing.T) {
	e, dc, info, g := newInterpreter(t)

	ip, alts, ierr := e.buildInterpretation(dc, info, g,
		nlp.Intent{Intent: "count", Entities: []string{"user"}}, nil)
	require.Nil(t, ierr)

	assert.Equal(t, "count", ip.Intent)
	assert.Equal(t, "users", ip.Table)
	assert.Equal(t, "public.users", ip.TableKey)
	assert.Empty(t, ip.Joins)
	assert.Empty(t, alts)
	assert.InDelta(t, 0.945, ip.Confidence, 0.001)
	assert.Equal(t, "SELECT COUNT(*) FROM users;", lm.Compose(ip.spec()))
}

func TestInterpretNameFilter(t *testing.T) {
	e, dc, info, g := newInterpreter(t)

	ip, _, ierr := e.buildInterpretation(dc, info, g, nlp.Intent{
		Intent:   "select",
		Entities: []string{"user"},
		Filters:  []string{"name=ahmet"},
	}, nil)
	require.Nil(t, ierr)

	require.Len(t, ip.Conditions, 1)
	assert.Equal(t, "username ILIKE '%ahmet%'", ip.Conditions[0])
	assert.Equal(t, "SELECT * FROM users WHERE username ILIKE '%ahmet%';", lm.Compose(ip.spec()))
}

func TestInterpretNameFilterEscapesQuotes(t *testing.T) {
	e, dc, info, g := newInterpreter(t)

	ip, _, ierr := e.buildInterpretation(dc, info, g, nlp.Intent{
		Intent:   "select",
		Entities: []string{"user"},
		Filters:  []string{"name=o'brien"},
	}, nil)
	require.Nil(t, ierr)
	require.Len(t, ip.Conditions, 1)
	assert.Equal(t, "username ILIKE '%o''brien%'", ip.Conditions[0])
}

func TestInterpretDateFilter(t *testing.T) {
	e, dc, info, g := newInterpreter(t)

	ip, _, ierr := e.buildInterpretation(dc, info, g, nlp.Intent{
		Intent:   "select",
		Entities: []string{"order"},
		Filters:  []string{nlp.DateFilterCol + " >= CURRENT_DATE - INTERVAL '30 days'"},
	}, nil)
	require.Nil(t, ierr)

	require.Len(t, ip.Conditions, 1)
	assert.Equal(t, "created_at >= CURRENT_DATE - INTERVAL '30 days'", ip.Conditions[0])
}

func TestInterpretSegmentRevenue(t *testing.T) {
	e, dc, info, g := newInterpreter(t)

	// hangi müşteri segmenti en çok gelir getiriyor
	ip, _, ierr := e.buildInterpretation(dc, info, g, nlp.Intent{
		Intent:   "max",
		Entities: []string{"customer", "segment", "revenue"},
		Metadata: map[string]string{
			"join_pattern": "max_aggregation",
			"join_groups":  "segment",
		},
	}, nil)
	require.Nil(t, ierr)

	assert.Equal(t, "sum", ip.Intent)
	assert.Equal(t, "orders", ip.Table)
	assert.Equal(t, "orders.amount", ip.AggregateColumn)
	assert.ElementsMatch(t, []string{"public.orders", "public.customer_segments"}, ip.Tables)
	require.Len(t, ip.Joins, 1)
	assert.Equal(t, []string{"customer_segments.segment_type"}, ip.GroupBy)
	assert.True(t, ip.OrderDesc)
	assert.Equal(t, 1, ip.Limit)

	want := "SELECT customer_segments.segment_type, SUM(orders.amount) FROM orders" +
		" JOIN customer_segments ON orders.segment_id = customer_segments.id" +
		" GROUP BY customer_segments.segment_type" +
		" ORDER BY SUM(orders.amount) DESC LIMIT 1;"
	assert.Equal(t, want, lm.Compose(ip.spec()))
}

func TestInterpretSecondaryJoin(t *testing.T) {
	e, dc, info, g := newInterpreter(t)

	ip, _, ierr := e.buildInterpretation(dc, info, g,
		nlp.Intent{Intent: "select", Entities: []string{"order", "user"}}, nil)
	require.Nil(t, ierr)

	assert.Equal(t, "public.orders", ip.TableKey)
	require.Len(t, ip.Joins, 1)
	assert.Equal(t, "orders", ip.Joins[0].LeftTable)
	assert.Equal(t, "user_id", ip.Joins[0].LeftColumn)
	assert.Equal(t, "users", ip.Joins[0].RightTable)
	assert.Equal(t, "id", ip.Joins[0].RightColumn)
	assert.InDelta(t, 0.855, ip.Confidence, 0.001)
}

func TestInterpretNearTieIsAmbiguous(t *testing.T) {
	// "user" word-matches both tables with the same score, so neither
	// reading may win outright
	info := &sdata.DBInfo{
		Name:    "crm",
		Schemas: []string{"public"},
		Tables: []sdata.DBTable{
			{
				Schema: "public", Name: "user_accounts", HasPrimaryKey: true, Importance: 0.6,
				Columns: []sdata.DBColumn{
					{Name: "id", Type: "bigint", PrimaryKey: true, NotNull: true, Ordinal: 1},
				},
			},
			{
				Schema: "public", Name: "user_profiles", HasPrimaryKey: true, Importance: 0.6,
				Columns: []sdata.DBColumn{
					{Name: "id", Type: "bigint", PrimaryKey: true, NotNull: true, Ordinal: 1},
				},
			},
		},
	}
	e, dc, info, g := newInterpreterWith(t, info)

	_, _, ierr := e.buildInterpretation(dc, info, g,
		nlp.Intent{Intent: "count", Entities: []string{"user"}}, nil)
	require.NotNil(t, ierr)
	assert.Equal(t, ErrAmbiguousQuery, ierr.Kind)
	require.Len(t, ierr.Interpretations, 2)
	assert.ElementsMatch(t,
		[]string{"public.user_accounts", "public.user_profiles"},
		[]string{ierr.Interpretations[0].TableKey, ierr.Interpretations[1].TableKey})
	assert.ElementsMatch(t,
		[]string{"public.user_accounts", "public.user_profiles"}, ierr.Candidates)
}

func TestInterpretClearWinnerKeepsAlternatives(t *testing.T) {
	// orders matches "order" exactly and order_items only by word, a gap
	// wide enough to answer with the best reading
	info := &sdata.DBInfo{
		Name:    "shop",
		Schemas: []string{"public"},
		Tables: []sdata.DBTable{
			{
				Schema: "public", Name: "orders", HasPrimaryKey: true, Importance: 0.8,
				Columns: []sdata.DBColumn{
					{Name: "id", Type: "bigint", PrimaryKey: true, NotNull: true, Ordinal: 1},
				},
			},
			{
				Schema: "public", Name: "order_items", HasPrimaryKey: true, Importance: 0.5,
				Columns: []sdata.DBColumn{
					{Name: "id", Type: "bigint", PrimaryKey: true, NotNull: true, Ordinal: 1},
				},
			},
		},
	}
	e, dc, info, g := newInterpreterWith(t, info)

	ip, alts, ierr := e.buildInterpretation(dc, info, g,
		nlp.Intent{Intent: "select", Entities: []string{"order"}}, nil)
	require.Nil(t, ierr)
	assert.Equal(t, "public.orders", ip.TableKey)
	require.Len(t, alts, 1)
	assert.Equal(t, "public.order_items", alts[0].TableKey)
	assert.Greater(t, ip.Confidence, alts[0].Confidence)
}

func TestInterpretAmbiguous(t *testing.T) {
	e, dc, info, g := newInterpreter(t)

	_, _, ierr := e.buildInterpretation(dc, info, g,
		nlp.Intent{Intent: "select", Entities: []string{"gizmo"}}, nil)
	require.NotNil(t, ierr)
	assert.Equal(t, ErrAmbiguousQuery, ierr.Kind)
	// importance order
	assert.Equal(t, []string{"public.users", "public.orders", "public.customer_segments"}, ierr.Candidates)
}

func TestInterpretVocabularyFallback(t *testing.T) {
	e, dc, info, g := newInterpreter(t)

	// "username" matches no table name; the learned vocabulary resolves it
	// through the indexed column words
	ip, _, ierr := e.buildInterpretation(dc, info, g,
		nlp.Intent{Intent: "select", Entities: []string{"username"}}, nil)
	require.Nil(t, ierr)
	assert.Equal(t, "public.users", ip.TableKey)
}

func TestInterpretLimitAndOrdering(t *testing.T) {
	e, dc, info, g := newInterpreter(t)

	limit := 5
	ip, _, ierr := e.buildInterpretation(dc, info, g, nlp.Intent{
		Intent:   "select",
		Entities: []string{"user"},
		Ordering: []string{"first_column"},
		Limit:    &limit,
	}, nil)
	require.Nil(t, ierr)
	assert.Equal(t, 5, ip.Limit)
	assert.Equal(t, "id", ip.OrderBy)
}

func TestInterpretDropsUnknownPredicate(t *testing.T) {
	e, dc, info, g := newInterpreter(t)

	ip, _, ierr := e.buildInterpretation(dc, info, g, nlp.Intent{
		Intent:   "select",
		Entities: []string{"user"},
		Filters:  []string{"no_such_col = 1", "email LIKE '%@x.com'"},
	}, nil)
	require.Nil(t, ierr)
	assert.Equal(t, []string{"email LIKE '%@x.com'"}, ip.Conditions)
}

// newTestDilsor assembles a full engine over a mocked connection and an
// in-memory metadata store.
func newTestDilsor(t *testing.T) (*Dilsor, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() }) //nolint:errcheck

	log := zap.NewNop().Sugar()

	st, err := store.Open(":memory:")
	require.NoError(t, err)

	conf := &Config{}
	conf.withDefaults()

	ex, err := exec.New(exec.Config{FetchSize: 10, MaxRows: 100}, log)
	require.NoError(t, err)

	done := make(chan bool)
	e := &engine{
		conf:      conf,
		log:       log,
		trace:     nullTrace{},
		store:     st,
		adapter:   lm.NewAdapter(nil, lm.Config{}, nil),
		embedder:  vec.HashEmbedder{},
		executor:  ex,
		validator: sqlsafe.New(0, 0),
		databases: map[string]*dbContext{},
		done:      done,
	}

	info := shopInfo()
	ix, err := vec.New("shop", vec.HashEmbedder{}, 0)
	require.NoError(t, err)
	require.NoError(t, ix.UpsertSchema(context.Background(), info))
	ln, err := learn.New(learn.Config{})
	require.NoError(t, err)
	ln.LearnSchema(info)

	dc := &dbContext{
		id: "shop", label: "shop",
		pool:    exec.NewPoolWithDB(db, exec.PoolConfig{}, log),
		index:   ix,
		learned: ln,
	}
	dc.swap(info, sdata.NewGraph(info), "test")
	e.databases["shop"] = dc

	e.startMonitor()

	d := &Dilsor{done: done}
	d.Store(e)
	t.Cleanup(func() { d.Close() }) //nolint:errcheck
	return d, mock
}

func waitState(t *testing.T, d *Dilsor, id, want string) exec.Status {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st, err := d.Status(id)
		require.NoError(t, err)
		if st.State == want {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("query never reached state %s", want)
	return exec.Status{}
}

func TestAskCountUsers(t *testing.T) {
	d, mock := newTestDilsor(t)

	mock.ExpectBegin()
	mock.ExpectExec("DECLARE cur_.+ NO SCROLL CURSOR FOR SELECT COUNT").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FETCH 10 FROM cur_").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(42)))
	mock.ExpectExec("CLOSE cur_").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	res, err := d.Ask(context.Background(), "shop", "kaç kullanıcı var")
	require.NoError(t, err)
	assert.Equal(t, "SELECT COUNT(*) FROM users;", res.SQL)
	assert.Equal(t, "count", res.Intent.Intent)
	assert.Equal(t, "public.users", res.Interpretation.TableKey)
	assert.InDelta(t, 0.945, res.Confidence, 0.001)

	st := waitState(t, d, res.QueryID, exec.StateCompleted)
	assert.Equal(t, int64(1), st.RowCount)

	page, err := d.Results(res.QueryID, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"count"}, page.Columns)
	require.Len(t, page.Rows, 1)
	assert.NoError(t, mock.ExpectationsWereMet())

	// the monitor records history asynchronously
	deadline := time.Now().Add(2 * time.Second)
	for {
		hist, herr := d.History(context.Background(), "shop", 10)
		require.NoError(t, herr)
		if len(hist) == 1 {
			assert.Equal(t, "kaç kullanıcı var", hist[0].Question)
			assert.Equal(t, exec.StateCompleted, hist[0].Status)
			assert.Equal(t, int64(1), hist[0].RowCount)
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("history entry never appeared")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAskAmbiguousQuestion(t *testing.T) {
	d, _ := newTestDilsor(t)

	_, err := d.Ask(context.Background(), "shop", "şunları göster")
	require.Error(t, err)
	assert.Equal(t, ErrAmbiguousQuery, KindOf(err))

	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Len(t, e.Candidates, 3)
}

func TestAskRejectsInjectionPrompt(t *testing.T) {
	d, _ := newTestDilsor(t)

	_, err := d.Ask(context.Background(), "shop", "kullanıcılar'; DROP TABLE users;--")
	require.Error(t, err)
	assert.Equal(t, ErrInvalidInput, KindOf(err))
}

func TestAskUnknownDatabase(t *testing.T) {
	d, _ := newTestDilsor(t)

	_, err := d.Ask(context.Background(), "warehouse", "kaç kullanıcı var")
	require.Error(t, err)
	assert.Equal(t, ErrNotFound, KindOf(err))
}

func TestSubmitSQLRejectsWrites(t *testing.T) {
	d, _ := newTestDilsor(t)

	_, err := d.SubmitSQL(context.Background(), "shop", "DELETE FROM users", 0)
	require.Error(t, err)
	assert.Equal(t, ErrUnsafeSQL, KindOf(err))
}

func TestSubmitSQLRunsSelect(t *testing.T) {
	d, mock := newTestDilsor(t)

	mock.ExpectBegin()
	mock.ExpectExec("DECLARE cur_.+").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FETCH 10 FROM cur_").
		WillReturnRows(sqlmock.NewRows([]string{"id", "username"}).
			AddRow(int64(1), "ayse").
			AddRow(int64(2), "mehmet"))
	mock.ExpectExec("CLOSE cur_").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	id, err := d.SubmitSQL(context.Background(), "shop", "SELECT id, username FROM users", 0)
	require.NoError(t, err)

	st := waitState(t, d, id, exec.StateCompleted)
	assert.Equal(t, int64(2), st.RowCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmitSQLRowLimit(t *testing.T) {
	d, mock := newTestDilsor(t)

	mock.ExpectBegin()
	mock.ExpectExec("DECLARE cur_.+").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FETCH 1 FROM cur_").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectExec("CLOSE cur_").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	id, err := d.SubmitSQL(context.Background(), "shop", "SELECT id FROM users", 1)
	require.NoError(t, err)

	st := waitState(t, d, id, exec.StateCompleted)
	assert.Equal(t, int64(1), st.RowCount)
	assert.True(t, st.Truncated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExportFormats(t *testing.T) {
	d, mock := newTestDilsor(t)

	mock.ExpectBegin()
	mock.ExpectExec("DECLARE cur_.+").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FETCH 10 FROM cur_").
		WillReturnRows(sqlmock.NewRows([]string{"id", "username"}).
			AddRow(int64(1), "ayse").
			AddRow(int64(2), "o'brien"))
	mock.ExpectExec("CLOSE cur_").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	id, err := d.SubmitSQL(context.Background(), "shop", "SELECT id, username FROM users", 0)
	require.NoError(t, err)
	waitState(t, d, id, exec.StateCompleted)

	csvData, ctype, name, err := d.Export(id, FormatCSV)
	require.NoError(t, err)
	assert.Equal(t, "text/csv", ctype)
	assert.Equal(t, id+".csv", name)
	assert.Contains(t, string(csvData), "id,username\n")
	assert.Contains(t, string(csvData), "ayse")

	jsonData, ctype, _, err := d.Export(id, FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, "application/json", ctype)
	var rows []map[string]interface{}
	require.NoError(t, json.Unmarshal(jsonData, &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "ayse", rows[0]["username"])

	sqlData, _, _, err := d.Export(id, FormatSQL)
	require.NoError(t, err)
	assert.Contains(t, string(sqlData), "INSERT INTO results (id, username) VALUES (1, 'ayse');")
	assert.Contains(t, string(sqlData), "'o''brien'")

	fsys := afero.NewMemMapFs()
	path, err := d.ExportToFile(fsys, "/exports", id, FormatCSV)
	require.NoError(t, err)
	onDisk, err := afero.ReadFile(fsys, path)
	require.NoError(t, err)
	assert.Equal(t, csvData, onDisk)
}

func TestParseExportFormat(t *testing.T) {
	for in, want := range map[string]ExportFormat{
		"csv": FormatCSV, "JSON": FormatJSON, "insert": FormatSQL, " sql ": FormatSQL,
	} {
		got, err := ParseExportFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseExportFormat("xml")
	require.Error(t, err)
	assert.Equal(t, ErrInvalidInput, KindOf(err))
}

func TestStatusNotFound(t *testing.T) {
	d, _ := newTestDilsor(t)
	_, err := d.Status("missing")
	require.Error(t, err)
	assert.Equal(t, ErrNotFound, KindOf(err))
}

func TestRemoveDatabase(t *testing.T) {
	d, _ := newTestDilsor(t)

	require.NoError(t, d.RemoveDatabase(context.Background(), "shop"))
	assert.Empty(t, d.Databases())

	err := d.RemoveDatabase(context.Background(), "shop")
	require.Error(t, err)
	assert.Equal(t, ErrNotFound, KindOf(err))

	_, err = d.Ask(context.Background(), "shop", "kaç kullanıcı var")
	require.Error(t, err)
	assert.Equal(t, ErrNotFound, KindOf(err))
}

func TestDatabaseStats(t *testing.T) {
	d, _ := newTestDilsor(t)

	st, err := d.DatabaseStats("shop")
	require.NoError(t, err)
	assert.Equal(t, "shop", st.ID)
	assert.Equal(t, 3, st.Graph.Tables)
	assert.Greater(t, st.IndexSize, 0)
}

func TestConfigValidate(t *testing.T) {
	c := &Config{}
	c.withDefaults()
	require.NoError(t, c.Validate())
	assert.Equal(t, 20, c.Retrieval.TopK)
	assert.Equal(t, "dilsor.db", c.StorePath)

	bad := &Config{LM: LMConfig{URL: "not a url"}}
	bad.withDefaults()
	require.Error(t, bad.Validate())

	missing := &Config{Databases: map[string]DatabaseConfig{"x": {}}}
	missing.withDefaults()
	require.Error(t, missing.Validate())
}
