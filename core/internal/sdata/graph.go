package sdata

import (
	"container/heap"
	"fmt"
	"sort"
	"strings"
)

const (
	weightExplicit = 1.0
	weightInferred = 2.0
)

// Edge is one traversable join step. Edges carry endpoint keys, never live
// references, so a graph can outlive the DBInfo it was built from.
type Edge struct {
	FromTable  string  `json:"from_table"` // schema.table
	FromColumn string  `json:"from_column"`
	ToTable    string  `json:"to_table"` // schema.table
	ToColumn   string  `json:"to_column"`
	Kind       RelKind `json:"kind"`
	Weight     float64 `json:"weight"`
}

// Graph is the directed join graph over a database's tables. Explicit
// foreign keys weigh 1.0, inferred relationships 2.0; shortest paths
// minimize summed weight.
type Graph struct {
	nodes map[string]*DBTable
	adj   map[string][]Edge
}

// NewGraph builds the join graph from a schema snapshot. Every relationship
// contributes a forward and a reverse edge so joins traverse both ways.
func NewGraph(di *DBInfo) *Graph {
	g := &Graph{
		nodes: make(map[string]*DBTable, len(di.Tables)),
		adj:   make(map[string][]Edge),
	}
	for i := range di.Tables {
		t := &di.Tables[i]
		g.nodes[TableKey(t.Schema, t.Name)] = t
	}
	for _, r := range di.Relationships {
		w := weightExplicit
		if r.Kind == RelInferred {
			w = weightInferred
		}
		from := TableKey(r.FromSchema, r.FromTable)
		to := TableKey(r.ToSchema, r.ToTable)
		g.adj[from] = append(g.adj[from], Edge{
			FromTable: from, FromColumn: r.FromColumn,
			ToTable: to, ToColumn: r.ToColumn,
			Kind: r.Kind, Weight: w,
		})
		g.adj[to] = append(g.adj[to], Edge{
			FromTable: to, FromColumn: r.ToColumn,
			ToTable: from, ToColumn: r.FromColumn,
			Kind: r.Kind, Weight: w,
		})
	}
	return g
}

// Tables returns the node keys in sorted order.
func (g *Graph) Tables() []string {
	keys := make([]string, 0, len(g.nodes))
	for k := range g.nodes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Edges returns the outgoing edges of a table key or bare table name.
func (g *Graph) Edges(name string) []Edge {
	key, ok := g.resolve(name)
	if !ok {
		return nil
	}
	return g.adj[key]
}

// HasTable reports whether a table key or bare table name is a node.
func (g *Graph) HasTable(name string) bool {
	_, ok := g.resolve(name)
	return ok
}

func (g *Graph) resolve(name string) (string, bool) {
	if _, ok := g.nodes[name]; ok {
		return name, true
	}
	low := strings.ToLower(name)
	for k := range g.nodes {
		if strings.ToLower(k) == low {
			return k, true
		}
		if i := strings.IndexByte(k, '.'); i >= 0 && strings.ToLower(k[i+1:]) == low {
			return k, true
		}
	}
	return "", false
}

type pqItem struct {
	key  string
	dist float64
	hops int
}

type pq []pqItem

func (p pq) Len() int            { return len(p) }
func (p pq) Less(i, j int) bool  { return p[i].dist < p[j].dist }
func (p pq) Swap(i, j int)       { p[i], p[j] = p[j], p[i] }
func (p *pq) Push(x interface{}) { *p = append(*p, x.(pqItem)) }
func (p *pq) Pop() interface{} {
	old := *p
	n := len(old)
	it := old[n-1]
	*p = old[:n-1]
	return it
}

// ShortestJoinPath returns the minimum-weight join path between two tables
// as an ordered edge list, bounded by maxHops (0 means the default of 4).
func (g *Graph) ShortestJoinPath(from, to string, maxHops int) ([]Edge, error) {
	if maxHops <= 0 {
		maxHops = 4
	}
	src, ok := g.resolve(from)
	if !ok {
		return nil, fmt.Errorf("join path: unknown table %q", from)
	}
	dst, ok := g.resolve(to)
	if !ok {
		return nil, fmt.Errorf("join path: unknown table %q", to)
	}
	if src == dst {
		return nil, nil
	}

	dist := map[string]float64{src: 0}
	hops := map[string]int{src: 0}
	prev := map[string]Edge{}
	q := &pq{{key: src}}

	for q.Len() > 0 {
		cur := heap.Pop(q).(pqItem)
		if cur.key == dst {
			break
		}
		if d, ok := dist[cur.key]; ok && cur.dist > d {
			continue
		}
		if cur.hops >= maxHops {
			continue
		}
		for _, e := range g.adj[cur.key] {
			nd := cur.dist + e.Weight
			if d, seen := dist[e.ToTable]; !seen || nd < d {
				dist[e.ToTable] = nd
				hops[e.ToTable] = cur.hops + 1
				prev[e.ToTable] = e
				heap.Push(q, pqItem{key: e.ToTable, dist: nd, hops: cur.hops + 1})
			}
		}
	}

	if _, ok := dist[dst]; !ok {
		return nil, fmt.Errorf("join path: no path from %q to %q within %d hops", from, to, maxHops)
	}

	var path []Edge
	for at := dst; at != src; {
		e := prev[at]
		path = append([]Edge{e}, path...)
		at = e.FromTable
	}
	return path, nil
}

// RelatedTables returns tables reachable from the given table: direct holds
// depth-1 neighbours, indirect the rest up to depth.
func (g *Graph) RelatedTables(table string, depth int) (direct, indirect []string, err error) {
	src, ok := g.resolve(table)
	if !ok {
		return nil, nil, fmt.Errorf("related tables: unknown table %q", table)
	}
	if depth <= 0 {
		depth = 1
	}

	seen := map[string]int{src: 0}
	frontier := []string{src}
	for d := 1; d <= depth; d++ {
		var next []string
		for _, k := range frontier {
			for _, e := range g.adj[k] {
				if _, ok := seen[e.ToTable]; ok {
					continue
				}
				seen[e.ToTable] = d
				next = append(next, e.ToTable)
			}
		}
		frontier = next
	}
	for k, d := range seen {
		if k == src {
			continue
		}
		if d == 1 {
			direct = append(direct, k)
		} else {
			indirect = append(indirect, k)
		}
	}
	sort.Strings(direct)
	sort.Strings(indirect)
	return direct, indirect, nil
}

// HubTables returns the topN tables by degree, the natural join centres of
// the schema.
func (g *Graph) HubTables(topN int) []string {
	type hub struct {
		key    string
		degree int
	}
	hubs := make([]hub, 0, len(g.nodes))
	for k := range g.nodes {
		hubs = append(hubs, hub{key: k, degree: len(g.adj[k])})
	}
	sort.Slice(hubs, func(i, j int) bool {
		if hubs[i].degree != hubs[j].degree {
			return hubs[i].degree > hubs[j].degree
		}
		return hubs[i].key < hubs[j].key
	})
	if topN > 0 && topN < len(hubs) {
		hubs = hubs[:topN]
	}
	out := make([]string, len(hubs))
	for i, h := range hubs {
		out[i] = h.key
	}
	return out
}

// IsolatedTables returns tables with no relationships at all.
func (g *Graph) IsolatedTables() []string {
	var out []string
	for k := range g.nodes {
		if len(g.adj[k]) == 0 {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Metrics summarises graph shape.
type Metrics struct {
	Tables        int     `json:"tables"`
	Edges         int     `json:"edges"`
	InferredEdges int     `json:"inferred_edges"`
	Isolated      int     `json:"isolated"`
	AvgDegree     float64 `json:"avg_degree"`
}

// Metrics computes the current graph metrics.
func (g *Graph) Metrics() Metrics {
	m := Metrics{Tables: len(g.nodes)}
	for _, edges := range g.adj {
		for _, e := range edges {
			m.Edges++
			if e.Kind == RelInferred {
				m.InferredEdges++
			}
		}
	}
	// every relationship contributed two directed edges
	m.Edges /= 2
	m.InferredEdges /= 2
	m.Isolated = len(g.IsolatedTables())
	if m.Tables > 0 {
		m.AvgDegree = float64(2*m.Edges) / float64(m.Tables)
	}
	return m
}

// Complexity classifies a join over a table set.
type Complexity struct {
	Level              string   `json:"level"` // simple, moderate, complex
	JoinCount          int      `json:"join_count"`
	IntermediateTables []string `json:"intermediate_tables,omitempty"`
}

// JoinComplexity expands the input set to the superset needed to connect
// every pair (union of pairwise shortest paths) and classifies the result.
func (g *Graph) JoinComplexity(tables []string) (Complexity, error) {
	keys := make([]string, 0, len(tables))
	inSet := map[string]bool{}
	for _, t := range tables {
		k, ok := g.resolve(t)
		if !ok {
			return Complexity{}, fmt.Errorf("join complexity: unknown table %q", t)
		}
		if !inSet[k] {
			inSet[k] = true
			keys = append(keys, k)
		}
	}

	joined := map[string]bool{}
	intermediates := map[string]bool{}
	joinCount := 0
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			path, err := g.ShortestJoinPath(keys[i], keys[j], 0)
			if err != nil {
				continue
			}
			for _, e := range path {
				ek := e.FromTable + "->" + e.ToTable
				if !joined[ek] && !joined[e.ToTable+"->"+e.FromTable] {
					joined[ek] = true
					joinCount++
				}
				if !inSet[e.ToTable] {
					intermediates[e.ToTable] = true
				}
			}
		}
	}

	c := Complexity{JoinCount: joinCount}
	for k := range intermediates {
		c.IntermediateTables = append(c.IntermediateTables, k)
	}
	sort.Strings(c.IntermediateTables)

	switch {
	case joinCount <= 1:
		c.Level = "simple"
	case joinCount <= 3:
		c.Level = "moderate"
	default:
		c.Level = "complex"
	}
	return c, nil
}

// SuggestJoinOrder ranks tables for joining: most in-list neighbours first,
// then smaller row estimates first.
func (g *Graph) SuggestJoinOrder(tables []string) []string {
	keys := make([]string, 0, len(tables))
	inSet := map[string]bool{}
	for _, t := range tables {
		if k, ok := g.resolve(t); ok && !inSet[k] {
			inSet[k] = true
			keys = append(keys, k)
		}
	}

	neighbours := func(k string) int {
		n := 0
		for _, e := range g.adj[k] {
			if inSet[e.ToTable] {
				n++
			}
		}
		return n
	}
	rowEstimate := func(k string) int64 {
		if t, ok := g.nodes[k]; ok {
			return t.RowEstimate
		}
		return 0
	}

	sort.SliceStable(keys, func(i, j int) bool {
		ni, nj := neighbours(keys[i]), neighbours(keys[j])
		if ni != nj {
			return ni > nj
		}
		return rowEstimate(keys[i]) < rowEstimate(keys[j])
	})
	return keys
}
