package nlp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	n := Normalize("Kaç KULLANICI Var")
	assert.Equal(t, "Kaç KULLANICI Var", n.Original)
	assert.Equal(t, "kaç kullanıcı var", n.Lower)
	assert.Equal(t, "kac kullanici var", n.Folded)
	assert.Equal(t, "[COUNT] kullanici var", n.Tagged)

	n = Normalize("en çok sipariş veren müşteri")
	assert.Equal(t, "[MAX] siparis veren musteri", n.Tagged)

	n = Normalize("toplam gelir")
	assert.Equal(t, "[SUM] gelir", n.Tagged)
}

func TestFoldTurkishCharacters(t *testing.T) {
	assert.Equal(t, "cgiosu", Fold("çğıöşü"))
	assert.True(t, HasTurkishRune("gül"))
	assert.False(t, HasTurkishRune("ali"))
}

func TestRuleParse(t *testing.T) {
	in := RuleParse(Normalize("kaç kullanıcı var"))
	assert.Equal(t, "count", in.Intent)
	assert.Equal(t, []string{"user"}, in.Entities)

	in = RuleParse(Normalize("toplam sipariş tutarı"))
	assert.Equal(t, "sum", in.Intent)
	assert.Contains(t, in.Entities, "order")

	in = RuleParse(Normalize("müşteriler listesi"))
	assert.Equal(t, "select", in.Intent)
	assert.Equal(t, []string{"customer"}, in.Entities)
}

func TestSanitize(t *testing.T) {
	in := Intent{Intent: "DROP", Entities: []string{" user ", ""}}.Sanitize()
	assert.Equal(t, "select", in.Intent)
	assert.Equal(t, []string{"user"}, in.Entities)

	in = Intent{Intent: "COUNT"}.Sanitize()
	assert.Equal(t, "count", in.Intent)
}

func TestDetectNameFilters(t *testing.T) {
	e := Detect(Normalize("ahmet isimli kullanıcılar"))
	assert.Equal(t, []string{"ahmet"}, e.NameFilters)

	e = Detect(Normalize("ismi zeynep olan müşteriler"))
	assert.Equal(t, []string{"zeynep"}, e.NameFilters)

	e = Detect(Normalize("adı mercan kayıtlar"))
	assert.Equal(t, []string{"mercan"}, e.NameFilters)

	// stopwords never become name filters
	e = Detect(Normalize("bir isimli"))
	assert.Empty(t, e.NameFilters)
}

func TestDetectDateFilters(t *testing.T) {
	e := Detect(Normalize("son 30 gün içindeki siparişler"))
	assert.Equal(t, "relative", e.DatePeriod)
	assert.Equal(t, DateFilterCol+" >= CURRENT_DATE - INTERVAL '30 days'", e.DateFilter)

	e = Detect(Normalize("last 2 weeks orders"))
	assert.Equal(t, DateFilterCol+" >= CURRENT_DATE - INTERVAL '2 weeks'", e.DateFilter)

	e = Detect(Normalize("bugün kaç sipariş geldi"))
	assert.Equal(t, "today", e.DatePeriod)
	assert.Equal(t, DateFilterCol+" >= CURRENT_DATE", e.DateFilter)

	e = Detect(Normalize("geçen ay gelirleri"))
	assert.Equal(t, "last_month", e.DatePeriod)
	assert.Contains(t, e.DateFilter, "date_trunc('month', CURRENT_DATE)")

	// first match wins
	e = Detect(Normalize("son 7 gün ve bugün"))
	assert.Equal(t, "relative", e.DatePeriod)
}

func TestDetectJoinPatterns(t *testing.T) {
	e := Detect(Normalize("en fazla sipariş veren müşteriler"))
	require.NotEmpty(t, e.JoinPatterns)
	assert.Equal(t, "max_aggregation", e.JoinPatterns[0].Tag)
	assert.Contains(t, e.JoinPatterns[0].Groups, "siparis")

	e = Detect(Normalize("hangi müşteri segmenti en çok gelir getiriyor"))
	require.NotEmpty(t, e.JoinPatterns)
	assert.Equal(t, "max_aggregation", e.JoinPatterns[0].Tag)

	e = Detect(Normalize("müşteri başına ortalama sipariş"))
	found := false
	for _, jp := range e.JoinPatterns {
		if jp.Tag == "per_group" {
			found = true
		}
	}
	assert.True(t, found)

	e = Detect(Normalize("segment bazında gelir"))
	found = false
	for _, jp := range e.JoinPatterns {
		if jp.Tag == "group_by_segment" {
			found = true
		}
	}
	assert.True(t, found)

	e = Detect(Normalize("satış performans analizi"))
	found = false
	for _, jp := range e.JoinPatterns {
		if jp.Tag == "performance_analysis" {
			found = true
		}
	}
	assert.True(t, found)

	e = Detect(Normalize("gelir kaynağı analizi"))
	found = false
	for _, jp := range e.JoinPatterns {
		if jp.Tag == "revenue_source" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestDetectConversational(t *testing.T) {
	e := Detect(Normalize("peki bunun detayı nedir"))
	require.NotNil(t, e.Conversational)
	assert.True(t, e.Conversational.ContextDependent)
	assert.Equal(t, "detail", e.Conversational.Expansion)

	e = Detect(Normalize("kaç kullanıcı var"))
	assert.Nil(t, e.Conversational)
}

func TestDetectBI(t *testing.T) {
	e := Detect(Normalize("müşteri churn oranı nedir"))
	assert.Contains(t, e.Analytics, "churn")

	e = Detect(Normalize("aylık MRR trendi"))
	assert.Contains(t, e.Analytics, "mrr")
}

func TestDetectLimit(t *testing.T) {
	e := Detect(Normalize("ilk 10 müşteri"))
	require.NotNil(t, e.Limit)
	assert.Equal(t, 10, *e.Limit)

	e = Detect(Normalize("top 5 products"))
	require.NotNil(t, e.Limit)
	assert.Equal(t, 5, *e.Limit)

	e = Detect(Normalize("5 tane sipariş"))
	require.NotNil(t, e.Limit)
	assert.Equal(t, 5, *e.Limit)
}

func TestEnrichmentApply(t *testing.T) {
	in := RuleParse(Normalize("son 30 gün içindeki siparişler"))
	e := Detect(Normalize("son 30 gün içindeki siparişler"))
	out := e.Apply(in)

	require.Len(t, out.Filters, 1)
	assert.True(t, strings.HasPrefix(out.Filters[0], DateFilterCol))
	assert.Equal(t, "relative", out.Metadata["date_period"])

	// original intent untouched
	assert.Empty(t, in.Filters)
}

func TestTokenizeAndJaccard(t *testing.T) {
	a := Tokenize("Kaç kullanıcı var?")
	assert.Equal(t, []string{"kaç", "kullanıcı", "var"}, a)

	b := Tokenize("kaç kullanıcı kayıtlı")
	sim := Jaccard(a, b)
	assert.InDelta(t, 0.5, sim, 0.001)

	assert.Equal(t, 0.0, Jaccard(nil, nil))
}

func TestSplitWords(t *testing.T) {
	assert.Equal(t, []string{"created"}, SplitWords("created_at"))
	assert.Equal(t, []string{"customer", "segments"}, SplitWords("customer_segments"))
	assert.Equal(t, []string{"order", "total"}, SplitWords("orderTotal"))
}
