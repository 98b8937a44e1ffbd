// Package nlp holds the pure text side of the pipeline: Turkish-aware
// normalization, rule-based intent parsing and regex/heuristic pattern
// detection. Nothing in here does I/O.
package nlp

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var turkishLower = cases.Lower(language.Turkish)

// foldTransformer strips combining marks after NFD decomposition, which
// handles ç, ğ, ö, ş, ü. Dotless ı does not decompose and is mapped
// explicitly below.
var foldTransformer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

var dotlessReplacer = strings.NewReplacer("ı", "i", "İ", "i")

// aggregatePhrases maps Turkish aggregate phrasing onto bracketed
// placeholders. Longer phrases come first so they win over substrings.
var aggregatePhrases = []struct{ phrase, tag string }{
	{"en fazla", "[MAX]"},
	{"en cok", "[MAX]"},
	{"en yuksek", "[MAX]"},
	{"en az", "[MIN]"},
	{"en dusuk", "[MIN]"},
	{"toplam", "[SUM]"},
	{"ortalama", "[AVG]"},
	{"sayisi", "[COUNT]"},
	{"sayi", "[COUNT]"},
	{"adet", "[COUNT]"},
	{"kac", "[COUNT]"},
}

// Normalized carries the original string for display alongside the matching
// forms.
type Normalized struct {
	Original string
	// Lower is the Turkish-aware lowercase form.
	Lower string
	// Folded maps Turkish-specific characters to ASCII for matching.
	Folded string
	// Tagged is Folded with aggregate phrases replaced by [MAX]/[MIN]/
	// [SUM]/[AVG]/[COUNT] placeholders.
	Tagged string
}

// Normalize lowercases with Turkish casing rules, folds diacritics to ASCII
// and tags aggregate phrases. The original string is preserved untouched.
func Normalize(text string) Normalized {
	n := Normalized{Original: text}
	n.Lower = turkishLower.String(strings.TrimSpace(text))
	n.Folded = Fold(n.Lower)

	tagged := n.Folded
	for _, ap := range aggregatePhrases {
		tagged = strings.ReplaceAll(tagged, ap.phrase, ap.tag)
	}
	n.Tagged = tagged
	return n
}

// Fold maps Turkish-specific characters to their ASCII neighbours.
func Fold(s string) string {
	s = dotlessReplacer.Replace(s)
	out, _, err := transform.String(foldTransformer, s)
	if err != nil {
		return s
	}
	return out
}

// HasTurkishRune reports whether s contains a Turkish-specific character.
func HasTurkishRune(s string) bool {
	return strings.ContainsAny(s, "çğıöşüÇĞİÖŞÜ")
}

// Tokenize splits on whitespace and trims punctuation, lowercased with
// Turkish rules.
func Tokenize(s string) []string {
	fields := strings.Fields(turkishLower.String(s))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimFunc(f, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		})
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Jaccard computes set overlap between two token slices.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	setA := map[string]struct{}{}
	for _, t := range a {
		setA[t] = struct{}{}
	}
	inter := 0
	setB := map[string]struct{}{}
	for _, t := range b {
		if _, dup := setB[t]; dup {
			continue
		}
		setB[t] = struct{}{}
		if _, ok := setA[t]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// SplitWords breaks an identifier into lowercase words on underscores and
// camel-case boundaries. Words of length <= 2 are dropped; this feeds the
// learning vocabulary.
func SplitWords(ident string) []string {
	var words []string
	var cur []rune
	flush := func() {
		if len(cur) > 2 {
			words = append(words, strings.ToLower(string(cur)))
		}
		cur = cur[:0]
	}
	for _, r := range ident {
		switch {
		case r == '_' || r == '-' || r == ' ':
			flush()
		case unicode.IsUpper(r) && len(cur) > 0 && !unicode.IsUpper(cur[len(cur)-1]):
			flush()
			cur = append(cur, r)
		default:
			cur = append(cur, r)
		}
	}
	flush()
	return words
}
