// Package sdata captures PostgreSQL catalog state as canonical schema
// records and builds the directed join graph used for join synthesis.
package sdata

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mitchellh/hashstructure/v2"
)

// DBInfo is one observed snapshot of a database schema. It is replaced
// wholesale on refresh, never mutated in place.
type DBInfo struct {
	Name          string    `json:"name"`
	Version       string    `json:"version,omitempty"`
	Schemas       []string  `json:"schemas"`
	Tables        []DBTable `json:"tables"`
	Relationships []DBRel   `json:"relationships"`
}

// DBTable is a table or view within a schema namespace.
type DBTable struct {
	Schema        string     `json:"schema"`
	Name          string     `json:"name"`
	Type          string     `json:"type,omitempty"` // table, view
	Comment       string     `json:"comment,omitempty"`
	RowEstimate   int64      `json:"row_estimate"`
	SizeBytes     int64      `json:"size_bytes"`
	HasPrimaryKey bool       `json:"has_primary_key"`
	Importance    float64    `json:"importance"`
	Columns       []DBColumn `json:"columns"`
	Indexes       []DBIndex  `json:"indexes,omitempty"`
}

// DBColumn is a column definition. Ordinal positions are contiguous
// within a table.
type DBColumn struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	NotNull    bool   `json:"not_null"`
	Default    string `json:"default,omitempty"`
	PrimaryKey bool   `json:"primary_key"`
	ForeignKey bool   `json:"foreign_key"`
	Unique     bool   `json:"unique"`
	Ordinal    int    `json:"ordinal"`
}

// DBIndex is an index on a table.
type DBIndex struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Unique  bool     `json:"unique"`
}

// RelKind distinguishes explicit foreign keys from heuristically inferred
// relationships. Inferred edges never weigh equal to explicit ones.
type RelKind int

const (
	RelForeignKey RelKind = iota
	RelInferred
)

func (k RelKind) String() string {
	if k == RelInferred {
		return "inferred"
	}
	return "foreign_key"
}

// DBRel is a directed edge from(schema,table,column) -> to(schema,table,column).
type DBRel struct {
	FromSchema string  `json:"from_schema"`
	FromTable  string  `json:"from_table"`
	FromColumn string  `json:"from_column"`
	ToSchema   string  `json:"to_schema"`
	ToTable    string  `json:"to_table"`
	ToColumn   string  `json:"to_column"`
	Kind       RelKind `json:"kind"`
	OnDelete   string  `json:"on_delete,omitempty"`
	OnUpdate   string  `json:"on_update,omitempty"`
}

// TableKey is the "schema.table" identity used across the graph and the
// vector index.
func TableKey(schema, table string) string {
	return schema + "." + table
}

// GetTable looks a table up by schema and name. An empty schema matches the
// first table with that name.
func (di *DBInfo) GetTable(schema, name string) (*DBTable, error) {
	for i := range di.Tables {
		t := &di.Tables[i]
		if !strings.EqualFold(t.Name, name) {
			continue
		}
		if schema == "" || strings.EqualFold(t.Schema, schema) {
			return t, nil
		}
	}
	return nil, fmt.Errorf("table not found: %s", TableKey(schema, name))
}

// GetColumn looks a column up within a table.
func (t *DBTable) GetColumn(name string) (*DBColumn, bool) {
	for i := range t.Columns {
		if strings.EqualFold(t.Columns[i].Name, name) {
			return &t.Columns[i], true
		}
	}
	return nil, false
}

// FirstNumericColumn returns the first column with a numeric data type, used
// when an aggregate needs a target column and none was named.
func (t *DBTable) FirstNumericColumn() (*DBColumn, bool) {
	for i := range t.Columns {
		if isNumericType(t.Columns[i].Type) {
			return &t.Columns[i], true
		}
	}
	return nil, false
}

// FirstTimeColumn returns the first date/timestamp column, used to anchor
// relative date filters.
func (t *DBTable) FirstTimeColumn() (*DBColumn, bool) {
	for i := range t.Columns {
		if isTimeType(t.Columns[i].Type) {
			return &t.Columns[i], true
		}
	}
	return nil, false
}

func isNumericType(typ string) bool {
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case "smallint", "integer", "int", "int2", "int4", "int8", "bigint",
		"decimal", "numeric", "real", "double precision", "float4", "float8",
		"money", "serial", "bigserial":
		return true
	}
	return false
}

func isTimeType(typ string) bool {
	low := strings.ToLower(typ)
	return strings.HasPrefix(low, "timestamp") ||
		strings.HasPrefix(low, "date") ||
		strings.HasPrefix(low, "time")
}

// Canonicalize returns a copy of di with schemas, tables, columns, indexes
// and relationships in a stable order. Two schemas that differ only in
// ordering canonicalize identically.
func (di *DBInfo) Canonicalize() *DBInfo {
	out := &DBInfo{Name: di.Name, Version: di.Version}

	out.Schemas = append(out.Schemas, di.Schemas...)
	sort.Strings(out.Schemas)

	out.Tables = append(out.Tables, di.Tables...)
	sort.Slice(out.Tables, func(i, j int) bool {
		a, b := out.Tables[i], out.Tables[j]
		if a.Schema != b.Schema {
			return a.Schema < b.Schema
		}
		return a.Name < b.Name
	})
	for i := range out.Tables {
		t := &out.Tables[i]
		cols := append([]DBColumn(nil), t.Columns...)
		sort.Slice(cols, func(i, j int) bool { return cols[i].Ordinal < cols[j].Ordinal })
		t.Columns = cols

		idxs := append([]DBIndex(nil), t.Indexes...)
		sort.Slice(idxs, func(i, j int) bool { return idxs[i].Name < idxs[j].Name })
		t.Indexes = idxs
	}

	out.Relationships = append(out.Relationships, di.Relationships...)
	sort.Slice(out.Relationships, func(i, j int) bool {
		return relKey(out.Relationships[i]) < relKey(out.Relationships[j])
	})
	return out
}

func relKey(r DBRel) string {
	return strings.Join([]string{
		r.FromSchema, r.FromTable, r.FromColumn,
		r.ToSchema, r.ToTable, r.ToColumn, r.Kind.String(),
	}, "|")
}

// Hash returns the stable digest of the canonical JSON serialization.
// Equal hashes mean identical observable schemas.
func (di *DBInfo) Hash() (string, error) {
	b, err := di.CanonicalJSON()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// CanonicalJSON serializes the canonicalized schema.
func (di *DBInfo) CanonicalJSON() ([]byte, error) {
	return json.Marshal(di.Canonicalize())
}

// Fingerprint is a fast in-memory hash used to decide whether the vector
// index needs reindexing. It is not persisted; use Hash for snapshots.
func (di *DBInfo) Fingerprint() (uint64, error) {
	return hashstructure.Hash(di.Canonicalize(), hashstructure.FormatV2, nil)
}

// scoreImportance assigns each table an importance score in [0,1] from its
// row estimate, primary key presence and relationship fan-in.
func scoreImportance(di *DBInfo) {
	var maxRows int64 = 1
	fanIn := map[string]int{}
	for _, t := range di.Tables {
		if t.RowEstimate > maxRows {
			maxRows = t.RowEstimate
		}
	}
	maxFan := 1
	for _, r := range di.Relationships {
		k := TableKey(r.ToSchema, r.ToTable)
		fanIn[k]++
		if fanIn[k] > maxFan {
			maxFan = fanIn[k]
		}
	}
	for i := range di.Tables {
		t := &di.Tables[i]
		score := 0.0
		if t.RowEstimate > 0 {
			score += 0.4 * float64(t.RowEstimate) / float64(maxRows)
		}
		if t.HasPrimaryKey {
			score += 0.2
		}
		score += 0.4 * float64(fanIn[TableKey(t.Schema, t.Name)]) / float64(maxFan)
		if score > 1 {
			score = 1
		}
		t.Importance = score
	}
}
