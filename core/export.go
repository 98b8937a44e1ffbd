package core

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/dilsor/dilsor/core/internal/exec"
	"github.com/dilsor/dilsor/core/internal/sqlsafe"
)

// ExportFormat selects the serialization of a result set.
type ExportFormat string

const (
	FormatCSV  ExportFormat = "csv"
	FormatJSON ExportFormat = "json"
	FormatSQL  ExportFormat = "sql"
)

// ParseExportFormat maps a user-supplied string onto a format.
func ParseExportFormat(s string) (ExportFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "csv":
		return FormatCSV, nil
	case "json":
		return FormatJSON, nil
	case "sql", "insert":
		return FormatSQL, nil
	}
	return "", newError(ErrInvalidInput, "unknown export format %q", s)
}

// Export serializes the full buffered result set of a query. It returns
// the payload, its content type and a suggested file name.
func (d *Dilsor) Export(queryID string, format ExportFormat) ([]byte, string, string, error) {
	page, err := d.engine().executor.Results(queryID, 0, 0)
	if err != nil {
		return nil, "", "", newError(ErrNotFound, "query %s", queryID)
	}

	var (
		buf   bytes.Buffer
		ctype string
	)
	switch format {
	case FormatCSV:
		ctype = "text/csv"
		err = writeCSV(&buf, page)
	case FormatJSON:
		ctype = "application/json"
		err = writeJSON(&buf, page)
	case FormatSQL:
		ctype = "application/sql"
		err = writeInserts(&buf, page)
	default:
		return nil, "", "", newError(ErrInvalidInput, "unknown export format %q", format)
	}
	if err != nil {
		return nil, "", "", wrapError(ErrInternal, err, "export %s", queryID)
	}
	name := fmt.Sprintf("%s.%s", queryID, format)
	return buf.Bytes(), ctype, name, nil
}

// ExportToFile writes the export into fsys under dir and returns the path.
func (d *Dilsor) ExportToFile(fsys afero.Fs, dir, queryID string, format ExportFormat) (string, error) {
	data, _, name, err := d.Export(queryID, format)
	if err != nil {
		return "", err
	}
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return "", wrapError(ErrInternal, err, "export %s", queryID)
	}
	path := filepath.Join(dir, name)
	if err := afero.WriteFile(fsys, path, data, 0o644); err != nil {
		return "", wrapError(ErrInternal, err, "export %s", queryID)
	}
	return path, nil
}

func writeCSV(buf *bytes.Buffer, page exec.ResultPage) error {
	w := csv.NewWriter(buf)
	if err := w.Write(page.Columns); err != nil {
		return err
	}
	rec := make([]string, len(page.Columns))
	for _, row := range page.Rows {
		for i := range rec {
			rec[i] = cellString(cellAt(row, i))
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func writeJSON(buf *bytes.Buffer, page exec.ResultPage) error {
	out := make([]map[string]interface{}, 0, len(page.Rows))
	for _, row := range page.Rows {
		obj := make(map[string]interface{}, len(page.Columns))
		for i, col := range page.Columns {
			obj[col] = cellAt(row, i)
		}
		out = append(out, obj)
	}
	enc := json.NewEncoder(buf)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// writeInserts renders the rows as INSERT statements against a generic
// results table. Identifiers that collide with reserved words are quoted.
func writeInserts(buf *bytes.Buffer, page exec.ResultPage) error {
	if len(page.Rows) == 0 {
		return nil
	}
	cols := make([]string, len(page.Columns))
	for i, c := range page.Columns {
		cols[i] = quoteIdent(c)
	}
	head := fmt.Sprintf("INSERT INTO results (%s) VALUES", strings.Join(cols, ", "))
	vals := make([]string, len(page.Columns))
	for _, row := range page.Rows {
		for i := range vals {
			vals[i] = sqlLiteral(cellAt(row, i))
		}
		fmt.Fprintf(buf, "%s (%s);\n", head, strings.Join(vals, ", "))
	}
	return nil
}

func cellAt(row []interface{}, i int) interface{} {
	if i >= len(row) {
		return nil
	}
	return row[i]
}

func cellString(v interface{}) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

func sqlLiteral(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case bool:
		if x {
			return "TRUE"
		}
		return "FALSE"
	case int64, float64, int, int32, uint64:
		return fmt.Sprintf("%v", x)
	default:
		return "'" + strings.ReplaceAll(fmt.Sprintf("%v", x), "'", "''") + "'"
	}
}

func quoteIdent(name string) string {
	if sqlsafe.ValidIdentifier(name) && !sqlsafe.IsReserved(name) {
		return name
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
