package nlp

import (
	"strings"
)

// Intent is the structured meaning of a natural-language query. It is a
// pure value; enrichment produces new fields, never mutates shared state.
type Intent struct {
	Intent     string            `json:"intent" mapstructure:"intent"` // select, count, sum, avg, max, min
	Entities   []string          `json:"entities" mapstructure:"entities"`
	Filters    []string          `json:"filters" mapstructure:"filters"`
	Aggregates []string          `json:"aggregates,omitempty" mapstructure:"aggregates"`
	Ordering   []string          `json:"ordering,omitempty" mapstructure:"ordering"`
	Limit      *int              `json:"limit,omitempty" mapstructure:"limit"`
	Metadata   map[string]string `json:"metadata,omitempty" mapstructure:"-"`
}

// ValidIntents is the closed set of intent verbs.
var ValidIntents = map[string]bool{
	"select": true, "count": true, "sum": true,
	"avg": true, "max": true, "min": true,
}

// entityDictionary maps Turkish and English nouns (folded form) onto a
// canonical English concept. Concepts resolve to tables later, augmented by
// the per-database vocabulary.
var entityDictionary = map[string]string{
	"kullanici":   "user",
	"kullanicilar": "user",
	"user":        "user",
	"users":       "user",
	"uye":         "user",
	"musteri":     "customer",
	"musteriler":  "customer",
	"customer":    "customer",
	"customers":   "customer",
	"siparis":     "order",
	"siparisler":  "order",
	"order":       "order",
	"orders":      "order",
	"urun":        "product",
	"urunler":     "product",
	"product":     "product",
	"products":    "product",
	"odeme":       "payment",
	"odemeler":    "payment",
	"payment":     "payment",
	"payments":    "payment",
	"fatura":      "invoice",
	"faturalar":   "invoice",
	"invoice":     "invoice",
	"invoices":    "invoice",
	"kategori":    "category",
	"kategoriler": "category",
	"category":    "category",
	"categories":  "category",
	"segment":     "segment",
	"segmenti":    "segment",
	"segmentler":  "segment",
	"gelir":       "revenue",
	"revenue":     "revenue",
	"satis":       "sale",
	"satislar":    "sale",
	"sale":        "sale",
	"sales":       "sale",
	"calisan":     "employee",
	"calisanlar":  "employee",
	"employee":    "employee",
	"employees":   "employee",
	"stok":        "inventory",
	"stock":       "inventory",
	"inventory":   "inventory",
	"abonelik":    "subscription",
	"subscription": "subscription",
}

// intentKeywords maps placeholder tags and bare keywords onto intent verbs.
var intentKeywords = []struct {
	marker string
	intent string
}{
	{"[COUNT]", "count"},
	{"[SUM]", "sum"},
	{"[AVG]", "avg"},
	{"[MAX]", "max"},
	{"[MIN]", "min"},
	{"how many", "count"},
	{"count", "count"},
	{"total", "sum"},
	{"sum", "sum"},
	{"average", "avg"},
	{"maximum", "max"},
	{"minimum", "min"},
}

// RuleParse is the deterministic intent parser used when no language model
// is available or its output cannot be parsed. It maps keywords to an
// intent verb and tokens to known entity concepts.
func RuleParse(n Normalized) Intent {
	in := Intent{Intent: "select", Metadata: map[string]string{"parser": "rules"}}

	for _, kw := range intentKeywords {
		if strings.Contains(n.Tagged, kw.marker) {
			in.Intent = kw.intent
			break
		}
	}

	seen := map[string]bool{}
	for _, tok := range Tokenize(n.Folded) {
		concept, ok := entityDictionary[tok]
		if !ok {
			continue
		}
		if !seen[concept] {
			seen[concept] = true
			in.Entities = append(in.Entities, concept)
		}
	}
	return in
}

// EntityConcept resolves a single token to its canonical concept.
func EntityConcept(token string) (string, bool) {
	c, ok := entityDictionary[Fold(strings.ToLower(token))]
	return c, ok
}

// Sanitize clamps an LM-produced intent onto the closed verb set and drops
// empty entries.
func (in Intent) Sanitize() Intent {
	if !ValidIntents[strings.ToLower(in.Intent)] {
		in.Intent = "select"
	} else {
		in.Intent = strings.ToLower(in.Intent)
	}
	in.Entities = dropEmpty(in.Entities)
	in.Filters = dropEmpty(in.Filters)
	in.Aggregates = dropEmpty(in.Aggregates)
	in.Ordering = dropEmpty(in.Ordering)
	return in
}

func dropEmpty(ss []string) []string {
	out := ss[:0]
	for _, s := range ss {
		if strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
