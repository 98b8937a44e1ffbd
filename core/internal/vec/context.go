package vec

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dilsor/dilsor/core/internal/sdata"
)

const (
	maxContextTables  = 8
	maxContextColumns = 15
)

// BuildContext renders the retrieved hits into the compact schema block
// that prefixes synthesis prompts. Tables come first with their columns,
// then join hints from the relationship graph, then retrieved example
// queries. When retrieval returns nothing usable, the most important
// tables of the schema stand in.
func BuildContext(hits []Hit, di *sdata.DBInfo, g *sdata.Graph) string {
	if di == nil {
		return ""
	}

	tables := tablesFromHits(hits, di)
	if len(tables) == 0 {
		tables = commonTables(di, maxContextTables)
	}
	if len(tables) > maxContextTables {
		tables = tables[:maxContextTables]
	}

	var b strings.Builder
	seen := make(map[string]bool, len(tables))
	for _, t := range tables {
		seen[sdata.TableKey(t.Schema, t.Name)] = true
		writeTable(&b, t)
	}

	writeJoinHints(&b, tables, seen, g)
	writeExamples(&b, hits)
	return strings.TrimRight(b.String(), "\n")
}

// tablesFromHits resolves hits back to schema tables, keeping hit order
// and deduplicating. Column and relationship hits pull their owning
// tables in.
func tablesFromHits(hits []Hit, di *sdata.DBInfo) []*sdata.DBTable {
	var out []*sdata.DBTable
	seen := make(map[string]bool)

	add := func(schema, name string) {
		if schema == "" && name == "" {
			return
		}
		t, err := di.GetTable(schema, name)
		if err != nil {
			return
		}
		key := sdata.TableKey(t.Schema, t.Name)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, t)
	}

	for _, h := range hits {
		switch h.Kind {
		case KindTable, KindColumn:
			add(h.Metadata["schema"], h.Metadata["table"])
		case KindRelationship:
			add("", h.Metadata["from_table"])
			add("", h.Metadata["to_table"])
		case KindQuery:
			for _, name := range strings.Split(h.Metadata["tables"], ",") {
				add("", strings.TrimSpace(name))
			}
		}
	}
	return out
}

// commonTables returns the topN tables by importance score.
func commonTables(di *sdata.DBInfo, topN int) []*sdata.DBTable {
	out := make([]*sdata.DBTable, 0, len(di.Tables))
	for i := range di.Tables {
		out = append(out, &di.Tables[i])
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Importance != out[j].Importance {
			return out[i].Importance > out[j].Importance
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > topN {
		out = out[:topN]
	}
	return out
}

func writeTable(b *strings.Builder, t *sdata.DBTable) {
	fmt.Fprintf(b, "table %s (", t.Name)
	n := len(t.Columns)
	if n > maxContextColumns {
		n = maxContextColumns
	}
	for i := 0; i < n; i++ {
		c := t.Columns[i]
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(c.Name)
		b.WriteString(" ")
		b.WriteString(c.Type)
		if c.PrimaryKey {
			b.WriteString(" pk")
		}
	}
	if len(t.Columns) > n {
		fmt.Fprintf(b, ", ... %d more", len(t.Columns)-n)
	}
	b.WriteString(")\n")
}

// writeJoinHints lists how the selected tables connect, limited to edges
// among or adjacent to the selection.
func writeJoinHints(b *strings.Builder, tables []*sdata.DBTable, seen map[string]bool, g *sdata.Graph) {
	if g == nil {
		return
	}
	var lines []string
	emitted := make(map[string]bool)
	for _, t := range tables {
		key := sdata.TableKey(t.Schema, t.Name)
		for _, e := range g.Edges(key) {
			if !seen[e.ToTable] {
				continue
			}
			line := fmt.Sprintf("join %s to %s on %s = %s",
				tableName(e.FromTable), tableName(e.ToTable), e.FromColumn, e.ToColumn)
			rev := fmt.Sprintf("join %s to %s on %s = %s",
				tableName(e.ToTable), tableName(e.FromTable), e.ToColumn, e.FromColumn)
			if emitted[line] || emitted[rev] {
				continue
			}
			emitted[line] = true
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return
	}
	sort.Strings(lines)
	for _, l := range lines {
		b.WriteString(l)
		b.WriteString("\n")
	}
}

// writeExamples appends retrieved example query pairs.
func writeExamples(b *strings.Builder, hits []Hit) {
	n := 0
	for _, h := range hits {
		if h.Kind != KindQuery || h.Metadata["sql"] == "" {
			continue
		}
		fmt.Fprintf(b, "example: %s => %s\n", h.Text, h.Metadata["sql"])
		if n++; n == 3 {
			return
		}
	}
}

func tableName(key string) string {
	if i := strings.LastIndex(key, "."); i >= 0 {
		return key[i+1:]
	}
	return key
}
