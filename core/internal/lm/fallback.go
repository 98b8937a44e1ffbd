package lm

import (
	"fmt"
	"strings"
)

// Join is one synthesized join step. Column names are already resolved
// against the live schema; the composer never invents identifiers.
type Join struct {
	LeftTable   string
	LeftColumn  string
	RightTable  string
	RightColumn string
}

// SQLSpec is the resolved statement skeleton a deterministic composition
// works from. It is built at the interpretation stage, so every table and
// column in it exists in the target schema.
type SQLSpec struct {
	Intent          string // select, count, sum, avg, max, min
	Table           string
	Columns         []string
	AggregateColumn string
	Joins           []Join
	Conditions      []string
	GroupBy         []string
	OrderBy         string
	OrderDesc       bool
	Limit           int
}

// Compose renders a SQLSpec into a single SELECT statement. It is the
// first-class fallback branch: the output obeys the same safety contract as
// model-generated SQL and passes through the same cleaner.
func Compose(spec SQLSpec) string {
	if spec.Table == "" {
		return ""
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(selectList(spec))
	b.WriteString(" FROM ")
	b.WriteString(spec.Table)

	for _, j := range spec.Joins {
		fmt.Fprintf(&b, " JOIN %s ON %s.%s = %s.%s",
			j.RightTable, j.LeftTable, j.LeftColumn, j.RightTable, j.RightColumn)
	}

	if len(spec.Conditions) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(spec.Conditions, " AND "))
	}
	if len(spec.GroupBy) > 0 {
		b.WriteString(" GROUP BY ")
		b.WriteString(strings.Join(spec.GroupBy, ", "))
	}
	if spec.OrderBy != "" {
		b.WriteString(" ORDER BY ")
		b.WriteString(spec.OrderBy)
		if spec.OrderDesc {
			b.WriteString(" DESC")
		}
	}
	if spec.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", spec.Limit)
	}
	b.WriteString(";")
	return b.String()
}

func selectList(spec SQLSpec) string {
	agg := aggregateExpr(spec)
	switch {
	case agg != "" && len(spec.GroupBy) > 0:
		return strings.Join(spec.GroupBy, ", ") + ", " + agg
	case agg != "":
		return agg
	case len(spec.Columns) > 0:
		return strings.Join(spec.Columns, ", ")
	default:
		return "*"
	}
}

func aggregateExpr(spec SQLSpec) string {
	col := spec.AggregateColumn
	switch spec.Intent {
	case "count":
		return "COUNT(*)"
	case "sum", "avg", "max", "min":
		if col == "" {
			return ""
		}
		return strings.ToUpper(spec.Intent) + "(" + col + ")"
	default:
		return ""
	}
}
