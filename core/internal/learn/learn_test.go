package learn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dilsor/dilsor/core/internal/sdata"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{})
	require.NoError(t, err)
	return s
}

func TestLearnSchema(t *testing.T) {
	s := newTestStore(t)
	s.LearnSchema(&sdata.DBInfo{
		Name: "shop",
		Tables: []sdata.DBTable{
			{Schema: "public", Name: "customer_segments", Columns: []sdata.DBColumn{
				{Name: "segment_type", Type: "text"},
				{Name: "customer_id", Type: "bigint"},
			}},
		},
	})

	terms := s.Lookup("segment")
	require.NotEmpty(t, terms)
	assert.Equal(t, "public.customer_segments", terms[0].Table)

	terms = s.Lookup("customer")
	require.Len(t, terms, 2) // from the table name and from customer_id
	assert.Empty(t, s.Lookup("nonexistent"))
}

func TestTranslate(t *testing.T) {
	s := newTestStore(t)

	en, ok := s.Translate("müşteri")
	require.True(t, ok)
	assert.Equal(t, "customer", en)

	en, ok = s.Translate("sipariş")
	require.True(t, ok)
	assert.Equal(t, "order", en)

	_, ok = s.Translate("bilinmeyen")
	assert.False(t, ok)

	// learned mappings shadow the seed
	s.AddMappings(map[string]string{"müşteri": "client", "": "x", "y": ""})
	en, _ = s.Translate("musteri")
	assert.Equal(t, "client", en)
}

func TestRecordSuccessConfidenceFloor(t *testing.T) {
	s := newTestStore(t)

	s.RecordSuccess("kaç kullanıcı var", "SELECT COUNT(*) FROM users;", []string{"users"}, 0.5)
	assert.Empty(t, s.SimilarPatterns("kaç kullanıcı var"))

	s.RecordSuccess("kaç kullanıcı var", "SELECT COUNT(*) FROM users;", []string{"users"}, 0.9)
	got := s.SimilarPatterns("kaç kullanıcı var")
	require.Len(t, got, 1)
	assert.Equal(t, KindCount, got[0].Kind)

	m := s.Metrics()
	assert.Equal(t, uint64(2), m.Captured)
	assert.Equal(t, 1, m.Patterns)
}

func TestRecordSuccessBumpsUsage(t *testing.T) {
	s := newTestStore(t)

	s.RecordSuccess("kaç kullanıcı var", "SELECT COUNT(*) FROM users;", nil, 0.8)
	s.RecordSuccess("Kaç kullanıcı var", "SELECT COUNT(*) FROM users;", nil, 0.95)

	got := s.SimilarPatterns("kaç kullanıcı var")
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].UsageCount)
	assert.Equal(t, 0.95, got[0].Confidence)
}

func TestClassify(t *testing.T) {
	tests := []struct{ sql, want string }{
		{"SELECT COUNT(*) FROM users;", KindCount},
		{"SELECT SUM(amount) FROM orders;", KindAggregation},
		{"SELECT MAX(price) FROM products;", KindAggregation},
		{"SELECT * FROM users LIMIT 10;", KindSelectAll},
		{"SELECT id, name FROM users;", KindLearned},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classify(tt.sql), tt.sql)
	}
}

func TestSimilarPatternsThresholdAndOrder(t *testing.T) {
	s := newTestStore(t)

	s.RecordSuccess("son 30 gün içindeki siparişler",
		"SELECT * FROM orders WHERE created_at >= CURRENT_DATE - INTERVAL '30 days';",
		[]string{"orders"}, 0.9)
	s.RecordSuccess("toplam sipariş tutarı",
		"SELECT SUM(amount) FROM orders;", []string{"orders"}, 0.9)
	s.RecordSuccess("aktif kullanıcı listesi",
		"SELECT * FROM users WHERE active;", []string{"users"}, 0.9)

	got := s.SimilarPatterns("son 30 gün içindeki ödemeler")
	require.NotEmpty(t, got)
	assert.Equal(t, "son 30 gün içindeki siparişler", got[0].Question)
	for _, p := range got {
		assert.NotEqual(t, "aktif kullanıcı listesi", p.Question)
	}
}

func TestContextFor(t *testing.T) {
	s := newTestStore(t)
	s.RecordSuccess("kaç müşteri var", "SELECT COUNT(*) FROM customers;", nil, 0.9)

	out := s.ContextFor("kaç müşteri kayıtlı")
	assert.Contains(t, out, "müşteri means customer")
	assert.Contains(t, out, "example: kaç müşteri var => SELECT COUNT(*) FROM customers;")

	assert.Empty(t, s.ContextFor("zzz qqq"))
}

func TestPatternTTLExpiry(t *testing.T) {
	s, err := New(Config{PatternTTL: 20 * time.Millisecond})
	require.NoError(t, err)

	s.RecordSuccess("kaç kullanıcı var", "SELECT COUNT(*) FROM users;", nil, 0.9)
	require.Len(t, s.SimilarPatterns("kaç kullanıcı var"), 1)

	time.Sleep(40 * time.Millisecond)
	s.EvictExpired()
	assert.Empty(t, s.SimilarPatterns("kaç kullanıcı var"))
}
