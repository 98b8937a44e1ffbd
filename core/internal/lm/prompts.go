package lm

import (
	"fmt"
	"strings"

	"github.com/dilsor/dilsor/core/internal/nlp"
)

// understandPrompt asks for a small JSON object only. The adaptive context
// carries per-database vocabulary and learned pattern examples.
func understandPrompt(text, adaptiveCtx string) string {
	var b strings.Builder
	b.WriteString("Extract the query intent from the user question. ")
	b.WriteString("Respond with only a JSON object of the shape ")
	b.WriteString(`{"intent": "select|count|sum|avg|max|min", "entities": [], "filters": []}.` + "\n")
	if adaptiveCtx != "" {
		b.WriteString("Context:\n")
		b.WriteString(adaptiveCtx)
		b.WriteString("\n")
	}
	b.WriteString("Question: ")
	b.WriteString(text)
	b.WriteString("\nJSON:")
	return b.String()
}

// sqlPrompt is a compact instruction derived from the intent and the
// resolved spec. It names the target table explicitly so the model does not
// re-derive entity mapping.
func sqlPrompt(in nlp.Intent, spec SQLSpec, schemaCtx, adaptiveCtx string) string {
	var b strings.Builder
	b.WriteString("Write one PostgreSQL SELECT statement.\n")

	if schemaCtx != "" {
		b.WriteString("Schema:\n")
		b.WriteString(schemaCtx)
		b.WriteString("\n")
	}
	if adaptiveCtx != "" {
		b.WriteString(adaptiveCtx)
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Task: %s from table %s", taskVerb(in.Intent), spec.Table)
	if spec.AggregateColumn != "" {
		fmt.Fprintf(&b, " over column %s", spec.AggregateColumn)
	}
	if len(spec.Conditions) > 0 {
		fmt.Fprintf(&b, " where %s", strings.Join(spec.Conditions, " and "))
	}
	if len(spec.Joins) > 0 {
		tables := make([]string, 0, len(spec.Joins))
		for _, j := range spec.Joins {
			tables = append(tables, j.RightTable)
		}
		fmt.Fprintf(&b, " joining %s", strings.Join(tables, ", "))
	}
	if hint := joinHint(in); hint != "" {
		b.WriteString("\n" + hint)
	}
	if spec.Limit > 0 {
		fmt.Fprintf(&b, "\nLimit the result to %d rows.", spec.Limit)
	}
	b.WriteString("\nSQL:\n")
	return b.String()
}

func taskVerb(intent string) string {
	switch intent {
	case "count":
		return "count rows"
	case "sum":
		return "sum values"
	case "avg":
		return "average values"
	case "max":
		return "find the maximum"
	case "min":
		return "find the minimum"
	default:
		return "select rows"
	}
}
