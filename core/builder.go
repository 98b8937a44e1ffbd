package core

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/gobuffalo/flect"

	"github.com/dilsor/dilsor/core/internal/lm"
	"github.com/dilsor/dilsor/core/internal/nlp"
	"github.com/dilsor/dilsor/core/internal/sdata"
	"github.com/dilsor/dilsor/core/internal/vec"
)

const (
	// minTableScore is the floor for accepting an entity-to-table match.
	minTableScore = 0.30
	// minColumnScore is the floor for accepting a token-to-column match.
	minColumnScore = 0.40
	// minAcceptConfidence is the floor for answering with a single
	// interpretation instead of asking for disambiguation.
	minAcceptConfidence = 0.5
	// clearGap is the confidence lead the best interpretation needs over
	// the runner-up to win outright.
	clearGap = 0.1

	maxAlternatives = 2
	maxAmbiguous    = 3
)

// Interpretation is the fully resolved statement plan: every identifier in
// it exists in the target schema.
type Interpretation struct {
	Intent          string           `json:"intent"`
	Table           string           `json:"table"`
	TableKey        string           `json:"table_key"`
	Tables          []string         `json:"tables,omitempty"`
	Columns         []string         `json:"columns,omitempty"`
	AggregateColumn string           `json:"aggregate_column,omitempty"`
	Joins           []lm.Join        `json:"joins,omitempty"`
	Conditions      []string         `json:"conditions,omitempty"`
	GroupBy         []string         `json:"group_by,omitempty"`
	OrderBy         string           `json:"order_by,omitempty"`
	OrderDesc       bool             `json:"order_desc,omitempty"`
	Limit           int              `json:"limit,omitempty"`
	Complexity      sdata.Complexity `json:"complexity"`
	Confidence      float64          `json:"confidence"`

	// matchScore is the table-match similarity the confidence starts from.
	matchScore float64
}

// spec converts the interpretation into the composer's input.
func (ip Interpretation) spec() lm.SQLSpec {
	return lm.SQLSpec{
		Intent:          ip.Intent,
		Table:           ip.Table,
		Columns:         ip.Columns,
		AggregateColumn: ip.AggregateColumn,
		Joins:           ip.Joins,
		Conditions:      ip.Conditions,
		GroupBy:         ip.GroupBy,
		OrderBy:         ip.OrderBy,
		OrderDesc:       ip.OrderDesc,
		Limit:           ip.Limit,
	}
}

// measureColumns maps measure-like concepts onto the column names that can
// carry them. A concept in here may resolve to a column even when no table
// matches it.
var measureColumns = map[string][]string{
	"revenue":  {"revenue", "amount", "total", "income", "tutar"},
	"sale":     {"amount", "total", "price"},
	"payment":  {"amount", "total"},
	"price":    {"price", "amount"},
	"quantity": {"quantity", "qty", "count"},
	"salary":   {"salary", "wage"},
	"balance":  {"balance"},
	"score":    {"score", "rating", "points"},
}

// nameColumnWords rank the columns a personal-name filter binds to.
var nameColumnWords = []string{"username", "name", "full", "first", "title"}

type tableMatch struct {
	table *sdata.DBTable
	key   string
	score float64
}

// buildInterpretation resolves an enriched intent against the schema
// snapshot. hits come from the retrieval stage and bias table resolution.
// Every candidate table above the floor yields its own interpretation;
// the ranked runners-up come back as alternatives unless the outcome is
// too close to call, in which case the caller gets an ambiguity error
// carrying the top interpretations.
func (e *engine) buildInterpretation(
	dc *dbContext, info *sdata.DBInfo, g *sdata.Graph,
	in nlp.Intent, hits []vec.Hit,
) (Interpretation, []Interpretation, *Error) {
	boost := hitBoosts(hits)

	// the first matched entity anchors the statement; later entities join
	// onto whichever candidate becomes primary
	var primaries []tableMatch
	var secondary []tableMatch
	var measureConcepts []string
	for _, ent := range in.Entities {
		concept := flect.Singularize(nlp.Fold(strings.ToLower(ent)))
		cands := tableCandidates(info, dc, concept, boost)
		if len(cands) == 0 {
			if _, ok := measureColumns[concept]; ok {
				measureConcepts = append(measureConcepts, concept)
			}
			continue
		}
		if primaries == nil {
			primaries = cands
		} else {
			secondary = append(secondary, cands[0])
		}
	}
	secondary = dedupeMatches(secondary)

	// a measure concept with no dimension table picks its own fact table
	if len(primaries) == 0 && len(measureConcepts) > 0 {
		if t, _, ok := findMeasure(info, measureConcepts[0]); ok {
			primaries = []tableMatch{{
				table: t, key: sdata.TableKey(t.Schema, t.Name), score: 0.5,
			}}
		}
	}
	if len(primaries) == 0 {
		return Interpretation{}, nil, &Error{
			Kind:       ErrAmbiguousQuery,
			Message:    "could not match the question to a table",
			Candidates: candidateTables(info, maxAmbiguous),
		}
	}

	// aggregation over a measure: the fact table owning the measure column
	// becomes primary, the best-matched table becomes the grouping dimension
	if len(measureConcepts) > 0 && isAggregate(in.Intent) {
		dim := primaries[0]
		if fact, col, ok := findMeasure(info, measureConcepts[0]); ok {
			factKey := sdata.TableKey(fact.Schema, fact.Name)
			if factKey != dim.key {
				ip := e.groupedAggregate(g, in, fact, factKey, dim, col)
				if ip.Table == "" {
					return Interpretation{}, nil, &Error{
						Kind:    ErrGenerationFailed,
						Message: fmt.Sprintf("no join path between %s and %s", factKey, dim.key),
					}
				}
				ip.matchScore = dim.score
				finishInterpretation(&ip, in, info, g)
				return ip, nil, nil
			}
		}
	}

	ips := make([]Interpretation, 0, len(primaries))
	for _, pm := range primaries {
		ips = append(ips, e.candidateInterpretation(pm, secondary, measureConcepts, in, info, g))
	}
	sort.SliceStable(ips, func(i, j int) bool {
		return ips[i].Confidence > ips[j].Confidence
	})

	best := ips[0]
	decisive := len(ips) == 1 || best.Confidence-ips[1].Confidence >= clearGap
	if best.Confidence >= minAcceptConfidence && decisive {
		alts := ips[1:]
		if len(alts) > maxAlternatives {
			alts = alts[:maxAlternatives]
		}
		if len(alts) == 0 {
			alts = nil
		}
		return best, alts, nil
	}

	top := ips
	if len(top) > maxAmbiguous {
		top = top[:maxAmbiguous]
	}
	keys := make([]string, len(top))
	for i, c := range top {
		keys[i] = c.TableKey
	}
	return Interpretation{}, nil, &Error{
		Kind:            ErrAmbiguousQuery,
		Message:         "the question matches several tables equally well",
		Candidates:      keys,
		Interpretations: top,
	}
}

// candidateInterpretation builds the statement plan anchored on one
// candidate primary table.
func (e *engine) candidateInterpretation(
	pm tableMatch, secondary []tableMatch, measureConcepts []string,
	in nlp.Intent, info *sdata.DBInfo, g *sdata.Graph,
) Interpretation {
	ip := Interpretation{
		Intent:     in.Intent,
		Table:      pm.table.Name,
		TableKey:   pm.key,
		Tables:     []string{pm.key},
		matchScore: pm.score,
	}

	if len(measureConcepts) > 0 && isAggregate(in.Intent) {
		if fact, col, ok := findMeasure(info, measureConcepts[0]); ok &&
			sdata.TableKey(fact.Schema, fact.Name) == pm.key {
			ip.AggregateColumn = fact.Name + "." + col
		}
	}
	if isAggregate(in.Intent) && ip.AggregateColumn == "" && in.Intent != "count" {
		if c, ok := pm.table.FirstNumericColumn(); ok {
			ip.AggregateColumn = c.Name
		} else {
			// nothing to aggregate over, degrade to a plain select
			ip.Intent = "select"
		}
	}

	// secondary entity tables join onto the primary
	for _, m := range secondary {
		if m.key == pm.key {
			continue
		}
		path, err := g.ShortestJoinPath(pm.key, m.key, 0)
		if err != nil {
			continue
		}
		ip.Joins = append(ip.Joins, edgesToJoins(path)...)
		ip.Tables = append(ip.Tables, m.key)
	}

	finishInterpretation(&ip, in, info, g)
	return ip
}

// groupedAggregate builds the fact-joins-dimension shape: aggregate over
// the fact table's measure, grouped by the dimension's label column.
func (e *engine) groupedAggregate(
	g *sdata.Graph, in nlp.Intent,
	fact *sdata.DBTable, factKey string,
	dim tableMatch, measureCol string,
) Interpretation {
	path, err := g.ShortestJoinPath(factKey, dim.key, 0)
	if err != nil {
		return Interpretation{}
	}

	ip := Interpretation{
		Intent:          "sum",
		Table:           fact.Name,
		TableKey:        factKey,
		Tables:          []string{factKey, dim.key},
		AggregateColumn: fact.Name + "." + measureCol,
		Joins:           edgesToJoins(path),
	}
	if in.Intent == "avg" || in.Intent == "min" {
		ip.Intent = in.Intent
	}

	groupCol := labelColumn(dim.table, in.Metadata["join_groups"])
	if groupCol != "" {
		ip.GroupBy = []string{dim.table.Name + "." + groupCol}
	}

	// "which X has the most Y" sorts the aggregate and keeps the top row
	if in.Metadata["join_pattern"] == "max_aggregation" {
		ip.OrderBy = fmt.Sprintf("%s(%s)", strings.ToUpper(ip.Intent), ip.AggregateColumn)
		ip.OrderDesc = true
		ip.Limit = 1
	}
	return ip
}

// finishInterpretation applies filters, limits, ordering, complexity and
// the confidence score.
func finishInterpretation(ip *Interpretation, in nlp.Intent, info *sdata.DBInfo, g *sdata.Graph) {
	primary := tableOf(info, ip.TableKey)

	for _, f := range in.Filters {
		switch {
		case strings.HasPrefix(f, "name="):
			if cond := nameCondition(primary, strings.TrimPrefix(f, "name=")); cond != "" {
				ip.Conditions = append(ip.Conditions, cond)
			}
		case strings.Contains(f, nlp.DateFilterCol):
			if primary == nil {
				continue
			}
			if tc, ok := primary.FirstTimeColumn(); ok {
				ip.Conditions = append(ip.Conditions,
					strings.ReplaceAll(f, nlp.DateFilterCol, tc.Name))
			}
		default:
			if cond := knownPredicate(primary, f); cond != "" {
				ip.Conditions = append(ip.Conditions, cond)
			}
		}
	}

	if in.Limit != nil && ip.Limit == 0 {
		ip.Limit = *in.Limit
	}
	if len(in.Ordering) > 0 && ip.OrderBy == "" && primary != nil && len(primary.Columns) > 0 {
		ip.OrderBy = primary.Columns[0].Name
	}

	if len(ip.Tables) > 0 {
		if cx, err := g.JoinComplexity(ip.Tables); err == nil {
			ip.Complexity = cx
		}
	}
	ip.Confidence = confidence(ip)
}

func tableOf(info *sdata.DBInfo, key string) *sdata.DBTable {
	if key == "" {
		return nil
	}
	schema, name := splitKey(key)
	t, err := info.GetTable(schema, name)
	if err != nil {
		return nil
	}
	return t
}

func splitKey(key string) (schema, name string) {
	if i := strings.LastIndex(key, "."); i >= 0 {
		return key[:i], key[i+1:]
	}
	return "", key
}

// confidence starts from the table-match score; a bare star select softens
// it and every join decays it, while filters and aggregates sharpen it
// slightly.
func confidence(ip *Interpretation) float64 {
	c := ip.matchScore
	if c <= 0 {
		c = minTableScore
	}
	if len(ip.Columns) == 0 && ip.AggregateColumn == "" {
		c *= 0.9
	}
	c *= math.Pow(0.95, float64(len(ip.Joins)))
	if len(ip.Conditions) > 0 {
		c *= 1.05
	}
	if ip.AggregateColumn != "" || ip.Intent == "count" {
		c *= 1.05
	}
	if c > 1 {
		c = 1
	}
	if c < 0 {
		c = 0
	}
	return c
}

func isAggregate(intent string) bool {
	switch intent {
	case "sum", "avg", "max", "min":
		return true
	}
	return false
}

// tableCandidates scores every table against a concept and returns the
// matches above the floor, best first. The learned vocabulary resolves
// concepts the name matching cannot.
func tableCandidates(info *sdata.DBInfo, dc *dbContext, concept string, boost map[string]float64) []tableMatch {
	var out []tableMatch
	for i := range info.Tables {
		t := &info.Tables[i]
		key := sdata.TableKey(t.Schema, t.Name)
		s := tableScore(t, concept)
		if s == 0 {
			continue
		}
		s += boost[key]
		if s >= minTableScore {
			out = append(out, tableMatch{table: t, key: key, score: s})
		}
	}

	if len(out) == 0 && dc != nil {
		for _, term := range dc.learned.Lookup(concept) {
			schema, name := splitKey(term.Table)
			if t, err := info.GetTable(schema, name); err == nil {
				s := 0.7
				if term.Column != "" {
					s = 0.6
				}
				out = append(out, tableMatch{table: t, key: term.Table, score: s})
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].key < out[j].key
	})
	return dedupeMatches(out)
}

// tableScore measures how well a table name matches a concept. Exact or
// inflected name matches dominate; word overlap and containment follow.
func tableScore(t *sdata.DBTable, concept string) float64 {
	name := strings.ToLower(t.Name)
	if name == concept || name == flect.Pluralize(concept) {
		return 1.0
	}

	words := nlp.SplitWords(t.Name)
	for i, w := range words {
		words[i] = flect.Singularize(w)
	}
	for _, w := range words {
		if w == concept {
			return 0.7
		}
	}
	if strings.Contains(name, concept) {
		return 0.5
	}
	return nlp.Jaccard(words, []string{concept}) * 0.6
}

// findMeasure locates the best table carrying a measure concept's column,
// preferring important tables.
func findMeasure(info *sdata.DBInfo, concept string) (*sdata.DBTable, string, bool) {
	colNames := measureColumns[concept]
	var bestT *sdata.DBTable
	var bestC string
	bestScore := -1.0

	for i := range info.Tables {
		t := &info.Tables[i]
		for _, want := range colNames {
			c, ok := t.GetColumn(want)
			if !ok || !numericColumn(t, c.Name) {
				continue
			}
			if t.Importance > bestScore {
				bestScore = t.Importance
				bestT = t
				bestC = c.Name
			}
		}
	}
	if bestT == nil {
		return nil, "", false
	}
	return bestT, bestC, true
}

func numericColumn(t *sdata.DBTable, name string) bool {
	c, ok := t.GetColumn(name)
	if !ok {
		return false
	}
	switch strings.ToLower(strings.Fields(c.Type)[0]) {
	case "smallint", "integer", "int", "int2", "int4", "int8", "bigint",
		"decimal", "numeric", "real", "double", "float4", "float8", "money":
		return true
	}
	return false
}

// labelColumn picks the dimension's human-readable grouping column. The
// hint tokens come from the detected join pattern.
func labelColumn(t *sdata.DBTable, hint string) string {
	hintWords := map[string]bool{}
	for _, h := range strings.Split(hint, ",") {
		h = flect.Singularize(nlp.Fold(strings.TrimSpace(h)))
		if h != "" {
			hintWords[h] = true
		}
	}

	best := ""
	bestScore := 0.0
	for _, c := range t.Columns {
		if c.PrimaryKey || c.ForeignKey || !textType(c.Type) {
			continue
		}
		score := 0.3
		for _, w := range nlp.SplitWords(c.Name) {
			if hintWords[flect.Singularize(w)] {
				score = 1.0
			}
		}
		if score > bestScore {
			bestScore = score
			best = c.Name
		}
	}
	return best
}

func textType(typ string) bool {
	low := strings.ToLower(typ)
	return strings.HasPrefix(low, "text") || strings.HasPrefix(low, "varchar") ||
		strings.HasPrefix(low, "character") || strings.HasPrefix(low, "char")
}

// nameCondition binds a personal-name filter to the best name-like column.
// Values are escaped; the filter came from free text.
func nameCondition(t *sdata.DBTable, value string) string {
	if t == nil || value == "" {
		return ""
	}
	value = strings.ReplaceAll(value, "'", "''")

	for _, want := range nameColumnWords {
		for _, c := range t.Columns {
			if !textType(c.Type) {
				continue
			}
			for _, w := range nlp.SplitWords(c.Name) {
				if w == want {
					return fmt.Sprintf("%s ILIKE '%%%s%%'", c.Name, value)
				}
			}
		}
	}
	// fall back to the first non-key text column
	for _, c := range t.Columns {
		if textType(c.Type) && !c.PrimaryKey && !c.ForeignKey {
			return fmt.Sprintf("%s ILIKE '%%%s%%'", c.Name, value)
		}
	}
	return ""
}

var predicateRe = regexp.MustCompile(`^([a-zA-Z_][a-zA-Z0-9_]*)\s*(=|!=|<>|>=|<=|>|<|ILIKE|LIKE)\s*(.+)$`)

// knownPredicate accepts a model-proposed filter only when its left side is
// a real column of the primary table. Anything else is dropped; the safety
// layer is not a substitute for identifier grounding.
func knownPredicate(t *sdata.DBTable, f string) string {
	if t == nil {
		return ""
	}
	m := predicateRe.FindStringSubmatch(strings.TrimSpace(f))
	if m == nil {
		return ""
	}
	if _, ok := t.GetColumn(m[1]); !ok {
		return ""
	}
	return strings.TrimSpace(f)
}

// edgesToJoins converts a graph path into composer joins with bare table
// names.
func edgesToJoins(path []sdata.Edge) []lm.Join {
	out := make([]lm.Join, 0, len(path))
	for _, e := range path {
		_, from := splitKey(e.FromTable)
		_, to := splitKey(e.ToTable)
		out = append(out, lm.Join{
			LeftTable: from, LeftColumn: e.FromColumn,
			RightTable: to, RightColumn: e.ToColumn,
		})
	}
	return out
}

// hitBoosts converts retrieval distances into additive score boosts.
func hitBoosts(hits []vec.Hit) map[string]float64 {
	out := map[string]float64{}
	for _, h := range hits {
		var key string
		switch h.Kind {
		case vec.KindTable:
			key = h.Identity
		case vec.KindColumn:
			key = sdata.TableKey(h.Metadata["schema"], h.Metadata["table"])
		default:
			continue
		}
		b := (1 - h.Distance) * 0.3
		if b > out[key] {
			out[key] = b
		}
	}
	return out
}

func dedupeMatches(ms []tableMatch) []tableMatch {
	seen := map[string]bool{}
	out := ms[:0]
	for _, m := range ms {
		if seen[m.key] {
			continue
		}
		seen[m.key] = true
		out = append(out, m)
	}
	return out
}

// candidateTables lists the most plausible targets for an ambiguous
// question.
func candidateTables(info *sdata.DBInfo, n int) []string {
	keys := make([]string, 0, len(info.Tables))
	byImportance := make([]*sdata.DBTable, 0, len(info.Tables))
	for i := range info.Tables {
		byImportance = append(byImportance, &info.Tables[i])
	}
	sort.Slice(byImportance, func(i, j int) bool {
		if byImportance[i].Importance != byImportance[j].Importance {
			return byImportance[i].Importance > byImportance[j].Importance
		}
		return byImportance[i].Name < byImportance[j].Name
	})
	for _, t := range byImportance {
		keys = append(keys, sdata.TableKey(t.Schema, t.Name))
		if len(keys) == n {
			break
		}
	}
	return keys
}
