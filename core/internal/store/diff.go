package store

import (
	"fmt"
	"sort"

	"github.com/dilsor/dilsor/core/internal/sdata"
)

// TableChange describes how one table moved between two snapshots.
type TableChange struct {
	Table           string   `json:"table"`
	AddedColumns    []string `json:"added_columns,omitempty"`
	RemovedColumns  []string `json:"removed_columns,omitempty"`
	ModifiedColumns []string `json:"modified_columns,omitempty"`
	AddedIndexes    []string `json:"added_indexes,omitempty"`
	RemovedIndexes  []string `json:"removed_indexes,omitempty"`
}

// Diff is the structural difference between two schema snapshots.
type Diff struct {
	AddedTables          []string      `json:"added_tables,omitempty"`
	RemovedTables        []string      `json:"removed_tables,omitempty"`
	ModifiedTables       []TableChange `json:"modified_tables,omitempty"`
	AddedRelationships   []string      `json:"added_relationships,omitempty"`
	RemovedRelationships []string      `json:"removed_relationships,omitempty"`
}

// Empty reports whether the two snapshots were structurally identical.
func (d Diff) Empty() bool {
	return len(d.AddedTables) == 0 && len(d.RemovedTables) == 0 &&
		len(d.ModifiedTables) == 0 &&
		len(d.AddedRelationships) == 0 && len(d.RemovedRelationships) == 0
}

// DiffSnapshots compares two schema captures. Row estimates, sizes and
// importance scores are volatile and never count as modifications.
func DiffSnapshots(old, cur *sdata.DBInfo) Diff {
	var d Diff

	oldTables := tableMap(old)
	curTables := tableMap(cur)

	for key := range curTables {
		if _, ok := oldTables[key]; !ok {
			d.AddedTables = append(d.AddedTables, key)
		}
	}
	for key := range oldTables {
		if _, ok := curTables[key]; !ok {
			d.RemovedTables = append(d.RemovedTables, key)
		}
	}
	for key, ot := range oldTables {
		ct, ok := curTables[key]
		if !ok {
			continue
		}
		if tc := diffTable(key, ot, ct); tc != nil {
			d.ModifiedTables = append(d.ModifiedTables, *tc)
		}
	}

	oldRels := relSet(old)
	curRels := relSet(cur)
	for r := range curRels {
		if !oldRels[r] {
			d.AddedRelationships = append(d.AddedRelationships, r)
		}
	}
	for r := range oldRels {
		if !curRels[r] {
			d.RemovedRelationships = append(d.RemovedRelationships, r)
		}
	}

	sort.Strings(d.AddedTables)
	sort.Strings(d.RemovedTables)
	sort.Slice(d.ModifiedTables, func(i, j int) bool {
		return d.ModifiedTables[i].Table < d.ModifiedTables[j].Table
	})
	sort.Strings(d.AddedRelationships)
	sort.Strings(d.RemovedRelationships)
	return d
}

func diffTable(key string, ot, ct *sdata.DBTable) *TableChange {
	tc := TableChange{Table: key}

	oldCols := make(map[string]sdata.DBColumn, len(ot.Columns))
	for _, c := range ot.Columns {
		oldCols[c.Name] = c
	}
	curCols := make(map[string]sdata.DBColumn, len(ct.Columns))
	for _, c := range ct.Columns {
		curCols[c.Name] = c
	}

	for name := range curCols {
		if _, ok := oldCols[name]; !ok {
			tc.AddedColumns = append(tc.AddedColumns, name)
		}
	}
	for name, oc := range oldCols {
		cc, ok := curCols[name]
		if !ok {
			tc.RemovedColumns = append(tc.RemovedColumns, name)
			continue
		}
		if oc.Type != cc.Type || oc.NotNull != cc.NotNull ||
			oc.PrimaryKey != cc.PrimaryKey || oc.Default != cc.Default {
			tc.ModifiedColumns = append(tc.ModifiedColumns, name)
		}
	}

	oldIdx := indexSet(ot)
	curIdx := indexSet(ct)
	for name := range curIdx {
		if !oldIdx[name] {
			tc.AddedIndexes = append(tc.AddedIndexes, name)
		}
	}
	for name := range oldIdx {
		if !curIdx[name] {
			tc.RemovedIndexes = append(tc.RemovedIndexes, name)
		}
	}

	if len(tc.AddedColumns) == 0 && len(tc.RemovedColumns) == 0 &&
		len(tc.ModifiedColumns) == 0 &&
		len(tc.AddedIndexes) == 0 && len(tc.RemovedIndexes) == 0 {
		return nil
	}
	sort.Strings(tc.AddedColumns)
	sort.Strings(tc.RemovedColumns)
	sort.Strings(tc.ModifiedColumns)
	sort.Strings(tc.AddedIndexes)
	sort.Strings(tc.RemovedIndexes)
	return &tc
}

func tableMap(di *sdata.DBInfo) map[string]*sdata.DBTable {
	out := make(map[string]*sdata.DBTable, len(di.Tables))
	for i := range di.Tables {
		t := &di.Tables[i]
		out[sdata.TableKey(t.Schema, t.Name)] = t
	}
	return out
}

func relSet(di *sdata.DBInfo) map[string]bool {
	out := make(map[string]bool, len(di.Relationships))
	for _, r := range di.Relationships {
		out[fmt.Sprintf("%s.%s.%s->%s.%s.%s",
			r.FromSchema, r.FromTable, r.FromColumn,
			r.ToSchema, r.ToTable, r.ToColumn)] = true
	}
	return out
}

func indexSet(t *sdata.DBTable) map[string]bool {
	out := make(map[string]bool, len(t.Indexes))
	for _, ix := range t.Indexes {
		out[ix.Name] = true
	}
	return out
}
