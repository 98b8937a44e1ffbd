package sdata

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"

	"github.com/gobuffalo/flect"
)

//go:embed sql/postgres_tables.sql
var tablesStmt string

//go:embed sql/postgres_columns.sql
var columnsStmt string

//go:embed sql/postgres_relationships.sql
var relationshipsStmt string

//go:embed sql/postgres_indexes.sql
var indexesStmt string

// DiscoverOptions controls how deep the catalog read goes.
type DiscoverOptions struct {
	// Deep attaches row-count estimates and byte sizes. Shallow discovery
	// leaves both at zero.
	Deep bool
	// Blocklist names tables to exclude, matched case-insensitively.
	Blocklist []string
	// InferRelationships derives extra edges from <table>_id naming when no
	// explicit foreign key exists.
	InferRelationships bool
}

// Discover reads the PostgreSQL catalog and returns one complete DBInfo.
// The whole read happens inside a single repeatable-read transaction so the
// result is a consistent snapshot: either the full schema is returned or an
// error surfaces with nothing partial.
func Discover(ctx context.Context, db *sql.DB, dbName string, opts DiscoverOptions) (di *DBInfo, err error) {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("discover: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	di = &DBInfo{Name: dbName}
	blocked := map[string]bool{}
	for _, b := range opts.Blocklist {
		blocked[strings.ToLower(b)] = true
	}

	if err = discoverTables(ctx, tx, di, blocked, opts.Deep); err != nil {
		return nil, err
	}
	if err = discoverColumns(ctx, tx, di); err != nil {
		return nil, err
	}
	if err = discoverIndexes(ctx, tx, di); err != nil {
		return nil, err
	}
	if err = discoverRelationships(ctx, tx, di); err != nil {
		return nil, err
	}

	if opts.InferRelationships {
		inferRelationships(di)
	}
	scoreImportance(di)
	return di, nil
}

func discoverTables(ctx context.Context, tx *sql.Tx, di *DBInfo, blocked map[string]bool, deep bool) error {
	rows, err := tx.QueryContext(ctx, tablesStmt)
	if err != nil {
		return fmt.Errorf("discover: tables: %w", err)
	}
	defer rows.Close()

	schemas := map[string]bool{}
	for rows.Next() {
		var t DBTable
		var rowEst, size int64
		if err := rows.Scan(&t.Schema, &t.Name, &t.Type, &t.Comment, &rowEst, &size); err != nil {
			return fmt.Errorf("discover: tables: %w", err)
		}
		if blocked[strings.ToLower(t.Name)] {
			continue
		}
		if deep {
			t.RowEstimate = rowEst
			t.SizeBytes = size
		}
		if !schemas[t.Schema] {
			schemas[t.Schema] = true
			di.Schemas = append(di.Schemas, t.Schema)
		}
		di.Tables = append(di.Tables, t)
	}
	return rows.Err()
}

func discoverColumns(ctx context.Context, tx *sql.Tx, di *DBInfo) error {
	rows, err := tx.QueryContext(ctx, columnsStmt)
	if err != nil {
		return fmt.Errorf("discover: columns: %w", err)
	}
	defer rows.Close()

	byKey := map[string]*DBTable{}
	for i := range di.Tables {
		t := &di.Tables[i]
		byKey[TableKey(t.Schema, t.Name)] = t
	}

	for rows.Next() {
		var schema, table string
		var c DBColumn
		if err := rows.Scan(&schema, &table, &c.Name, &c.Type, &c.NotNull,
			&c.Default, &c.Ordinal, &c.PrimaryKey, &c.ForeignKey, &c.Unique); err != nil {
			return fmt.Errorf("discover: columns: %w", err)
		}
		t, ok := byKey[TableKey(schema, table)]
		if !ok {
			continue
		}
		if c.PrimaryKey {
			t.HasPrimaryKey = true
		}
		t.Columns = append(t.Columns, c)
	}
	return rows.Err()
}

func discoverIndexes(ctx context.Context, tx *sql.Tx, di *DBInfo) error {
	rows, err := tx.QueryContext(ctx, indexesStmt)
	if err != nil {
		return fmt.Errorf("discover: indexes: %w", err)
	}
	defer rows.Close()

	byKey := map[string]*DBTable{}
	for i := range di.Tables {
		t := &di.Tables[i]
		byKey[TableKey(t.Schema, t.Name)] = t
	}

	for rows.Next() {
		var schema, table, idxName, colName string
		var unique bool
		if err := rows.Scan(&schema, &table, &idxName, &unique, &colName); err != nil {
			return fmt.Errorf("discover: indexes: %w", err)
		}
		t, ok := byKey[TableKey(schema, table)]
		if !ok {
			continue
		}
		found := false
		for i := range t.Indexes {
			if t.Indexes[i].Name == idxName {
				t.Indexes[i].Columns = append(t.Indexes[i].Columns, colName)
				found = true
				break
			}
		}
		if !found {
			t.Indexes = append(t.Indexes, DBIndex{Name: idxName, Unique: unique, Columns: []string{colName}})
		}
	}
	return rows.Err()
}

func discoverRelationships(ctx context.Context, tx *sql.Tx, di *DBInfo) error {
	rows, err := tx.QueryContext(ctx, relationshipsStmt)
	if err != nil {
		return fmt.Errorf("discover: relationships: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r DBRel
		if err := rows.Scan(&r.FromSchema, &r.FromTable, &r.FromColumn,
			&r.ToSchema, &r.ToTable, &r.ToColumn, &r.OnDelete, &r.OnUpdate); err != nil {
			return fmt.Errorf("discover: relationships: %w", err)
		}
		r.Kind = RelForeignKey
		di.Relationships = append(di.Relationships, r)
	}
	return rows.Err()
}

// inferRelationships derives edges from naming: a column like user_id that
// is not already a foreign key points at the primary key of a table named
// users (singular or plural).
func inferRelationships(di *DBInfo) {
	explicit := map[string]bool{}
	for _, r := range di.Relationships {
		explicit[TableKey(r.FromSchema, r.FromTable)+"."+r.FromColumn] = true
	}

	for _, t := range di.Tables {
		for _, c := range t.Columns {
			if c.ForeignKey || !strings.HasSuffix(strings.ToLower(c.Name), "_id") {
				continue
			}
			if explicit[TableKey(t.Schema, t.Name)+"."+c.Name] {
				continue
			}
			base := strings.TrimSuffix(strings.ToLower(c.Name), "_id")
			target := findTableByBase(di, base)
			if target == nil || (target.Schema == t.Schema && target.Name == t.Name) {
				continue
			}
			pk := primaryKeyColumn(target)
			if pk == "" {
				continue
			}
			di.Relationships = append(di.Relationships, DBRel{
				FromSchema: t.Schema, FromTable: t.Name, FromColumn: c.Name,
				ToSchema: target.Schema, ToTable: target.Name, ToColumn: pk,
				Kind: RelInferred,
			})
		}
	}
}

func findTableByBase(di *DBInfo, base string) *DBTable {
	candidates := []string{base, flect.Pluralize(base), flect.Singularize(base)}
	for i := range di.Tables {
		t := &di.Tables[i]
		for _, cand := range candidates {
			if strings.EqualFold(t.Name, cand) {
				return t
			}
		}
	}
	return nil
}

func primaryKeyColumn(t *DBTable) string {
	for _, c := range t.Columns {
		if c.PrimaryKey {
			return c.Name
		}
	}
	return ""
}
