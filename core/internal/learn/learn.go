// Package learn keeps the per-database adaptive state: vocabulary harvested
// from schema identifiers, bilingual concept mappings, and question patterns
// captured from high-confidence successes. Everything lives in TTL caches,
// so stale knowledge ages out instead of accumulating forever.
package learn

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	cache "github.com/go-pkgz/expirable-cache"
	"github.com/gobuffalo/flect"

	"github.com/dilsor/dilsor/core/internal/nlp"
	"github.com/dilsor/dilsor/core/internal/sdata"
)

// Pattern kinds.
const (
	KindCount       = "count"
	KindSelectAll   = "select_all"
	KindAggregation = "aggregation"
	KindLearned     = "learned"
)

const (
	defaultPatternTTL  = 7 * 24 * time.Hour
	defaultVocabTTL    = 30 * 24 * time.Hour
	defaultMaxPatterns = 1000
	defaultMaxVocab    = 5000

	// minCaptureConfidence gates pattern capture; low-confidence successes
	// are not worth generalizing from.
	minCaptureConfidence = 0.7

	// minSimilarity is the Jaccard floor for pattern retrieval.
	minSimilarity = 0.30

	maxSimilar = 5
)

// Pattern is one captured question/SQL pair.
type Pattern struct {
	Question   string    `json:"question"`
	Tokens     []string  `json:"tokens"`
	SQL        string    `json:"sql"`
	Kind       string    `json:"kind"`
	Tables     []string  `json:"tables"`
	Confidence float64   `json:"confidence"`
	UsageCount int       `json:"usage_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// Term is one vocabulary entry tying a natural-language word to the schema
// object it came from.
type Term struct {
	Word   string `json:"word"`
	Table  string `json:"table"`
	Column string `json:"column,omitempty"`
}

// Metrics is a point-in-time view of the store.
type Metrics struct {
	Patterns        int    `json:"patterns"`
	VocabularyTerms int    `json:"vocabulary_terms"`
	Mappings        int    `json:"mappings"`
	Captured        uint64 `json:"captured"`
	Hits            uint64 `json:"hits"`
}

// Config tunes the store. Zero values take the defaults above.
type Config struct {
	PatternTTL  time.Duration
	VocabTTL    time.Duration
	MaxPatterns int
	MaxVocab    int
}

// Store is the adaptive state for one database. Safe for concurrent use.
type Store struct {
	cfg Config

	patterns cache.Cache // folded question -> Pattern
	vocab    cache.Cache // word -> []Term
	mappings cache.Cache // folded turkish -> english concept

	mu       sync.Mutex
	captured uint64
	hits     uint64
}

// New builds an empty store seeded with the built-in dictionary.
func New(cfg Config) (*Store, error) {
	if cfg.PatternTTL <= 0 {
		cfg.PatternTTL = defaultPatternTTL
	}
	if cfg.VocabTTL <= 0 {
		cfg.VocabTTL = defaultVocabTTL
	}
	if cfg.MaxPatterns <= 0 {
		cfg.MaxPatterns = defaultMaxPatterns
	}
	if cfg.MaxVocab <= 0 {
		cfg.MaxVocab = defaultMaxVocab
	}

	patterns, err := cache.NewCache(
		cache.TTL(cfg.PatternTTL), cache.MaxKeys(cfg.MaxPatterns), cache.LRU())
	if err != nil {
		return nil, fmt.Errorf("learn: %w", err)
	}
	vocab, err := cache.NewCache(
		cache.TTL(cfg.VocabTTL), cache.MaxKeys(cfg.MaxVocab), cache.LRU())
	if err != nil {
		return nil, fmt.Errorf("learn: %w", err)
	}
	mappings, err := cache.NewCache(
		cache.TTL(cfg.VocabTTL), cache.MaxKeys(cfg.MaxVocab), cache.LRU())
	if err != nil {
		return nil, fmt.Errorf("learn: %w", err)
	}

	return &Store{
		cfg:      cfg,
		patterns: patterns,
		vocab:    vocab,
		mappings: mappings,
	}, nil
}

// LearnSchema harvests vocabulary from table and column identifiers. Calling
// it again after a schema refresh re-arms the TTLs of live terms.
func (s *Store) LearnSchema(di *sdata.DBInfo) {
	for i := range di.Tables {
		t := &di.Tables[i]
		key := sdata.TableKey(t.Schema, t.Name)
		for _, w := range nlp.SplitWords(t.Name) {
			s.addTerm(flect.Singularize(w), Term{Word: w, Table: key})
		}
		for _, c := range t.Columns {
			for _, w := range nlp.SplitWords(c.Name) {
				s.addTerm(flect.Singularize(w), Term{Word: w, Table: key, Column: c.Name})
			}
		}
	}
}

func (s *Store) addTerm(word string, term Term) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var terms []Term
	if v, ok := s.vocab.Get(word); ok {
		terms = v.([]Term)
		for _, t := range terms {
			if t.Table == term.Table && t.Column == term.Column {
				s.vocab.Set(word, terms, 0)
				return
			}
		}
	}
	s.vocab.Set(word, append(terms, term), 0)
}

// Lookup returns the schema objects a vocabulary word points at. Plural
// and singular forms resolve to the same entries.
func (s *Store) Lookup(word string) []Term {
	key := nlp.Normalize(word).Folded
	if v, ok := s.vocab.Get(key); ok {
		return v.([]Term)
	}
	if sing := flect.Singularize(key); sing != key {
		if v, ok := s.vocab.Get(sing); ok {
			return v.([]Term)
		}
	}
	return nil
}

// AddMappings merges bilingual pairs into the store. Keys are folded before
// insertion; empty keys or values are skipped.
func (s *Store) AddMappings(pairs map[string]string) {
	for k, v := range pairs {
		k = nlp.Normalize(strings.TrimSpace(k)).Folded
		v = strings.TrimSpace(v)
		if k == "" || v == "" {
			continue
		}
		s.mappings.Set(k, v, 0)
	}
}

// Translate maps a Turkish word to its English concept, consulting learned
// mappings first and the seed dictionary second.
func (s *Store) Translate(word string) (string, bool) {
	key := nlp.Normalize(word).Folded
	if v, ok := s.mappings.Get(key); ok {
		return v.(string), true
	}
	if v, ok := seedMappings[key]; ok {
		return v, true
	}
	return "", false
}

// RecordSuccess captures a completed question/SQL pair. Pairs below the
// confidence floor are counted but not stored. Re-capturing an existing
// pattern bumps its usage count and refreshes its TTL.
func (s *Store) RecordSuccess(question, sql string, tables []string, confidence float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.captured++
	if confidence < minCaptureConfidence || question == "" || sql == "" {
		return
	}

	key := nlp.Normalize(question).Folded
	if v, ok := s.patterns.Get(key); ok {
		p := v.(Pattern)
		p.UsageCount++
		if confidence > p.Confidence {
			p.Confidence = confidence
			p.SQL = sql
		}
		s.patterns.Set(key, p, 0)
		return
	}

	s.patterns.Set(key, Pattern{
		Question:   question,
		Tokens:     nlp.Tokenize(question),
		SQL:        sql,
		Kind:       classify(sql),
		Tables:     tables,
		Confidence: confidence,
		UsageCount: 1,
		CreatedAt:  time.Now(),
	}, 0)
}

func classify(sql string) string {
	up := strings.ToUpper(sql)
	switch {
	case strings.Contains(up, "COUNT("):
		return KindCount
	case strings.Contains(up, "SUM(") || strings.Contains(up, "AVG(") ||
		strings.Contains(up, "MAX(") || strings.Contains(up, "MIN("):
		return KindAggregation
	case strings.Contains(up, "SELECT *"):
		return KindSelectAll
	default:
		return KindLearned
	}
}

// SimilarPatterns returns up to maxSimilar stored patterns whose token sets
// overlap the question at Jaccard 0.30 or better, best first.
func (s *Store) SimilarPatterns(question string) []Pattern {
	qTokens := nlp.Tokenize(question)
	if len(qTokens) == 0 {
		return nil
	}

	type scored struct {
		p   Pattern
		sim float64
	}
	var out []scored
	for _, key := range s.patterns.Keys() {
		v, ok := s.patterns.Get(key)
		if !ok {
			continue
		}
		p := v.(Pattern)
		sim := nlp.Jaccard(qTokens, p.Tokens)
		if sim < minSimilarity {
			continue
		}
		out = append(out, scored{p, sim})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].sim != out[j].sim {
			return out[i].sim > out[j].sim
		}
		return out[i].p.Question < out[j].p.Question
	})
	if len(out) > maxSimilar {
		out = out[:maxSimilar]
	}

	res := make([]Pattern, len(out))
	for i, sc := range out {
		res[i] = sc.p
	}
	if len(res) > 0 {
		s.mu.Lock()
		s.hits++
		s.mu.Unlock()
	}
	return res
}

// ContextFor renders the adaptive context block for a question: the concept
// translations of its tokens plus similar captured patterns as examples.
// Empty string when the store has nothing relevant.
func (s *Store) ContextFor(question string) string {
	var b strings.Builder

	var pairs []string
	seen := make(map[string]bool)
	for _, tok := range nlp.Tokenize(question) {
		if seen[tok] {
			continue
		}
		seen[tok] = true
		if en, ok := s.Translate(tok); ok {
			pairs = append(pairs, tok+" means "+en)
		}
	}
	if len(pairs) > 0 {
		b.WriteString("Vocabulary: ")
		b.WriteString(strings.Join(pairs, "; "))
		b.WriteString("\n")
	}

	for _, p := range s.SimilarPatterns(question) {
		fmt.Fprintf(&b, "example: %s => %s\n", p.Question, p.SQL)
	}
	return strings.TrimRight(b.String(), "\n")
}

// EvictExpired drops aged-out entries from all caches.
func (s *Store) EvictExpired() {
	s.patterns.DeleteExpired()
	s.vocab.DeleteExpired()
	s.mappings.DeleteExpired()
}

// Metrics reports store sizes and counters.
func (s *Store) Metrics() Metrics {
	s.mu.Lock()
	captured, hits := s.captured, s.hits
	s.mu.Unlock()
	return Metrics{
		Patterns:        s.patterns.Len(),
		VocabularyTerms: s.vocab.Len(),
		Mappings:        s.mappings.Len() + len(seedMappings),
		Captured:        captured,
		Hits:            hits,
	}
}
