package nlp

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// DateFilterCol is the placeholder substituted with an actual timestamp
// column when an Interpretation is built. The detector never guesses column
// names.
const DateFilterCol = "{date_col}"

// JoinPattern tags a complex-join construct the SQL stage turns into a
// JOIN + GROUP BY template.
type JoinPattern struct {
	Tag    string   // max_aggregation, per_group, group_by_segment, performance_analysis, revenue_source
	Groups []string // captured tokens, pattern specific
}

// ConvHint flags a context-dependent follow-up query.
type ConvHint struct {
	ContextDependent bool
	Expansion        string // detail, more, compare, why, trend
}

// Enrichment is the structured output of Detect, overlaid on the Intent the
// LM (or the rule parser) produced.
type Enrichment struct {
	NameFilters    []string
	DateFilter     string // SQL predicate with DateFilterCol placeholder
	DatePeriod     string // relative, today, yesterday, this_week, ...
	JoinPatterns   []JoinPattern
	Analytics      []string
	Conversational *ConvHint
	Limit          *int
	OrderingHint   bool
}

// canonical Turkish given names accepted as name-filter values without any
// other marker.
var turkishNames = map[string]bool{
	"ahmet": true, "mehmet": true, "mustafa": true, "ali": true, "huseyin": true,
	"hasan": true, "ibrahim": true, "osman": true, "yusuf": true, "murat": true,
	"ayse": true, "fatma": true, "emine": true, "hatice": true, "zeynep": true,
	"elif": true, "meryem": true, "selin": true, "emre": true, "deniz": true,
	"can": true, "cem": true, "burak": true, "kemal": true, "leyla": true,
}

var nameStopwords = map[string]bool{
	"bir": true, "ve": true, "ile": true, "icin": true, "olan": true,
	"bu": true, "sun": true, "gibi": true, "daha": true, "cok": true,
	"fazla": true, "tum": true, "butun": true, "hangi": true, "tane": true,
}

var (
	namePrefixRe = regexp.MustCompile(`(?:ismi|adi)\s+([\p{L}\d]+)`)
	nameSuffixRe = regexp.MustCompile(`([\p{L}\d]+)\s+(?:isimli|adli|isminde|adinda|adli)`)

	relativeDateRe   = regexp.MustCompile(`son\s+(\d+)\s+(gun|hafta|ay|yil)`)
	relativeDateEnRe = regexp.MustCompile(`last\s+(\d+)\s+(day|week|month|year)s?`)

	limitRes = []*regexp.Regexp{
		regexp.MustCompile(`\bilk\s+(\d+)\b`),
		regexp.MustCompile(`\btop\s+(\d+)\b`),
		regexp.MustCompile(`\b(\d+)\s+tane\b`),
		regexp.MustCompile(`\b(\d+)\s+adet\b`),
	}

	maxAggRe     = regexp.MustCompile(`(?:\[MAX\]|en fazla|en cok)\s+([\p{L}\d]+)\s+(?:veren|getiren|getiriyor|yapan|alan|harcayan)\s*([\p{L}\d]*)`)
	whichTopRe   = regexp.MustCompile(`hangi\s+([\p{L}\d]+)\s+([\p{L}\d]+)?\s*(?:\[MAX\]|en cok|en fazla)\s+([\p{L}\d]+)`)
	perGroupRe   = regexp.MustCompile(`([\p{L}\d]+)\s+basina\s+([\p{L}\d]+)`)
	byGroupRe    = regexp.MustCompile(`([\p{L}\d]+)\s+bazinda\s*([\p{L}\d]*)`)
	perfRe       = regexp.MustCompile(`([\p{L}\d]+)\s+performans analizi`)
	revenueSrcRe = regexp.MustCompile(`gelir\s+kaynagi\s+analizi`)

	conversationalRe = regexp.MustCompile(`\b(peki|bunun|bunlarin|sunun|onun|bunlar|sunlar|onlar)\b`)
)

// biPatterns maps business-intelligence phrases to analytics tags.
var biPatterns = []struct {
	re  *regexp.Regexp
	tag string
}{
	{regexp.MustCompile(`\bltv\b|lifetime value|yasam boyu deger`), "ltv"},
	{regexp.MustCompile(`\bchurn\b|kayip orani|musteri kaybi`), "churn"},
	{regexp.MustCompile(`\bcohort\b|kohort`), "cohort"},
	{regexp.MustCompile(`\brfm\b`), "rfm"},
	{regexp.MustCompile(`\bfunnel\b|\bhuni\b`), "funnel"},
	{regexp.MustCompile(`\bconversion\b|donusum orani`), "conversion"},
	{regexp.MustCompile(`\bmrr\b`), "mrr"},
	{regexp.MustCompile(`\barr\b`), "arr"},
	{regexp.MustCompile(`\bactivation\b|aktivasyon`), "activation"},
	{regexp.MustCompile(`\bstickiness\b`), "stickiness"},
	{regexp.MustCompile(`\bforecast\b|tahminleme|ongoru`), "forecast"},
	{regexp.MustCompile(`\bcagr\b`), "cagr"},
	{regexp.MustCompile(`moving average|hareketli ortalama`), "moving_average"},
}

var conversationalHints = []struct {
	re        *regexp.Regexp
	expansion string
}{
	{regexp.MustCompile(`detay|detayi|ayrinti`), "detail"},
	{regexp.MustCompile(`daha fazla bilgi|daha fazla`), "more"},
	{regexp.MustCompile(`karsilastir|kiyasla|compare`), "compare"},
	{regexp.MustCompile(`\bneden\b|\bwhy\b`), "why"},
	{regexp.MustCompile(`\btrend\b|egilim`), "trend"},
}

// Detect runs every detector over the normalized text. It is deterministic
// and side-effect free.
func Detect(n Normalized) Enrichment {
	var e Enrichment
	text := n.Folded

	e.NameFilters = detectNames(text, n.Lower)
	e.DateFilter, e.DatePeriod = detectDate(text)
	e.JoinPatterns = detectJoins(n)
	e.Analytics = detectBI(text)
	e.Conversational = detectConversational(text)
	e.Limit = detectLimit(text)
	e.OrderingHint = strings.Contains(text, "sirala") || strings.Contains(text, "order by") ||
		strings.Contains(text, "sort") || strings.Contains(text, "siralama")
	return e
}

func detectNames(folded, lower string) []string {
	var out []string
	seen := map[string]bool{}

	addCandidate := func(foldedTok string) {
		if foldedTok == "" || seen[foldedTok] || nameStopwords[foldedTok] {
			return
		}
		if turkishNames[foldedTok] || len([]rune(foldedTok)) >= 3 {
			seen[foldedTok] = true
			out = append(out, foldedTok)
		}
	}

	for _, m := range namePrefixRe.FindAllStringSubmatch(folded, -1) {
		addCandidate(m[1])
	}
	for _, m := range nameSuffixRe.FindAllStringSubmatch(folded, -1) {
		addCandidate(m[1])
	}

	// any token carrying a Turkish-specific rune next to a name marker also
	// qualifies, e.g. "Gül isimli"
	if len(out) == 0 && (strings.Contains(folded, "isimli") || strings.Contains(folded, "adli")) {
		for _, tok := range Tokenize(lower) {
			if HasTurkishRune(tok) {
				addCandidate(Fold(tok))
			}
		}
	}
	return out
}

// detectDate emits a PostgreSQL predicate for the first date construct
// found; later matches are ignored.
func detectDate(text string) (string, string) {
	if m := relativeDateRe.FindStringSubmatch(text); m != nil {
		return relativePredicate(m[1], m[2]), "relative"
	}
	if m := relativeDateEnRe.FindStringSubmatch(text); m != nil {
		return relativePredicate(m[1], m[2]), "relative"
	}

	type abs struct {
		marker    []string
		predicate string
		period    string
	}
	table := []abs{
		{[]string{"bugun", "today"},
			DateFilterCol + " >= CURRENT_DATE", "today"},
		{[]string{"dun", "yesterday"},
			DateFilterCol + " >= CURRENT_DATE - INTERVAL '1 day' AND " + DateFilterCol + " < CURRENT_DATE", "yesterday"},
		{[]string{"bu hafta", "this week"},
			DateFilterCol + " >= date_trunc('week', CURRENT_DATE)", "this_week"},
		{[]string{"gecen hafta", "last week"},
			DateFilterCol + " >= date_trunc('week', CURRENT_DATE) - INTERVAL '1 week' AND " + DateFilterCol + " < date_trunc('week', CURRENT_DATE)", "last_week"},
		{[]string{"bu ay", "this month"},
			DateFilterCol + " >= date_trunc('month', CURRENT_DATE)", "this_month"},
		{[]string{"gecen ay", "last month"},
			DateFilterCol + " >= date_trunc('month', CURRENT_DATE) - INTERVAL '1 month' AND " + DateFilterCol + " < date_trunc('month', CURRENT_DATE)", "last_month"},
		{[]string{"bu yil", "this year"},
			DateFilterCol + " >= date_trunc('year', CURRENT_DATE)", "this_year"},
		{[]string{"gecen yil", "last year"},
			DateFilterCol + " >= date_trunc('year', CURRENT_DATE) - INTERVAL '1 year' AND " + DateFilterCol + " < date_trunc('year', CURRENT_DATE)", "last_year"},
	}
	for _, a := range table {
		for _, mk := range a.marker {
			if strings.Contains(text, mk) {
				return a.predicate, a.period
			}
		}
	}
	return "", ""
}

func relativePredicate(num, unit string) string {
	n, _ := strconv.Atoi(num)
	var pgUnit string
	switch unit {
	case "gun", "day":
		pgUnit = "days"
	case "hafta", "week":
		pgUnit = "weeks"
	case "ay", "month":
		pgUnit = "months"
	case "yil", "year":
		pgUnit = "years"
	}
	return fmt.Sprintf("%s >= CURRENT_DATE - INTERVAL '%d %s'", DateFilterCol, n, pgUnit)
}

func detectJoins(n Normalized) []JoinPattern {
	var out []JoinPattern
	text := n.Folded
	tagged := n.Tagged

	if m := maxAggRe.FindStringSubmatch(tagged); m != nil {
		out = append(out, JoinPattern{Tag: "max_aggregation", Groups: dropEmpty(m[1:])})
	}
	if m := whichTopRe.FindStringSubmatch(tagged); m != nil {
		out = append(out, JoinPattern{Tag: "max_aggregation", Groups: dropEmpty(m[1:])})
	}
	if m := perGroupRe.FindStringSubmatch(text); m != nil {
		out = append(out, JoinPattern{Tag: "per_group", Groups: []string{m[1], m[2]}})
	}
	if m := byGroupRe.FindStringSubmatch(text); m != nil {
		out = append(out, JoinPattern{Tag: "group_by_segment", Groups: dropEmpty(m[1:])})
	}
	if m := perfRe.FindStringSubmatch(text); m != nil {
		out = append(out, JoinPattern{Tag: "performance_analysis", Groups: []string{m[1]}})
	}
	if revenueSrcRe.MatchString(text) {
		out = append(out, JoinPattern{Tag: "revenue_source", Groups: nil})
	}
	return out
}

func detectBI(text string) []string {
	var tags []string
	for _, p := range biPatterns {
		if p.re.MatchString(text) {
			tags = append(tags, p.tag)
		}
	}
	return tags
}

func detectConversational(text string) *ConvHint {
	hint := &ConvHint{}
	if conversationalRe.MatchString(text) {
		hint.ContextDependent = true
	}
	for _, h := range conversationalHints {
		if h.re.MatchString(text) {
			hint.ContextDependent = true
			hint.Expansion = h.expansion
			break
		}
	}
	if !hint.ContextDependent {
		return nil
	}
	return hint
}

func detectLimit(text string) *int {
	for _, re := range limitRes {
		if m := re.FindStringSubmatch(text); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
				return &n
			}
		}
	}
	return nil
}

// Apply overlays the enrichment onto an intent, returning a new value.
func (e Enrichment) Apply(in Intent) Intent {
	out := in
	out.Filters = append([]string(nil), in.Filters...)
	out.Aggregates = append([]string(nil), in.Aggregates...)
	if out.Metadata == nil {
		out.Metadata = map[string]string{}
	} else {
		md := make(map[string]string, len(out.Metadata))
		for k, v := range out.Metadata {
			md[k] = v
		}
		out.Metadata = md
	}

	for _, v := range e.NameFilters {
		out.Filters = append(out.Filters, "name="+v)
	}
	if e.DateFilter != "" {
		out.Filters = append(out.Filters, e.DateFilter)
		out.Metadata["date_period"] = e.DatePeriod
	}
	for _, jp := range e.JoinPatterns {
		out.Metadata["join_pattern"] = jp.Tag
		if len(jp.Groups) > 0 {
			out.Metadata["join_groups"] = strings.Join(jp.Groups, ",")
		}
		switch jp.Tag {
		case "max_aggregation":
			if out.Intent == "select" {
				out.Intent = "max"
			}
		case "per_group", "group_by_segment", "performance_analysis", "revenue_source":
			if len(out.Aggregates) == 0 {
				out.Aggregates = append(out.Aggregates, "sum")
			}
		}
	}
	if len(e.Analytics) > 0 {
		out.Metadata["analytics"] = strings.Join(e.Analytics, ",")
	}
	if e.Conversational != nil {
		out.Metadata["context_dependent"] = "true"
		if e.Conversational.Expansion != "" {
			out.Metadata["expansion"] = e.Conversational.Expansion
		}
	}
	if e.Limit != nil && out.Limit == nil {
		out.Limit = e.Limit
	}
	if e.OrderingHint && len(out.Ordering) == 0 {
		out.Ordering = append(out.Ordering, "first_column")
	}
	return out
}
