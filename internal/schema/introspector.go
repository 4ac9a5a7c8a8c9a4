// Package schema renders a compact, privilege-tolerant description of a
// template database for prompting the SQL generator.
package schema

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sqlagent/sqlagent/internal/target"
)

// Unavailable is returned in place of a description when the column catalog
// cannot be read.
const Unavailable = "Schema information unavailable due to permissions"

type Introspector struct {
	opener  target.Opener
	timeout time.Duration
	logger  *slog.Logger
}

func NewIntrospector(opener target.Opener, timeout time.Duration, logger *slog.Logger) *Introspector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Introspector{opener: opener, timeout: timeout, logger: logger}
}

// Describe never fails: any error reading columns degrades to Unavailable and
// a failed foreign-key lookup only drops that section.
func (i *Introspector) Describe(ctx context.Context, targetURI string) string {
	if i.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}

	lease, err := i.opener.Open(ctx, targetURI)
	if err != nil {
		i.logger.WarnContext(ctx, "schema introspection unavailable", slog.String("target", target.Redact(targetURI)), slog.Any("error", err))
		return Unavailable
	}
	defer lease.Release()
	db, desc := lease.DB, lease.Desc
	queries, ok := dialectQueries[desc.Dialect]
	if !ok {
		i.logger.WarnContext(ctx, "schema introspection unsupported", slog.String("dialect", string(desc.Dialect)))
		return Unavailable
	}

	tables, err := readColumns(ctx, db, queries.columns)
	if err != nil {
		i.logger.WarnContext(ctx, "schema introspection unavailable",
			slog.String("dialect", string(desc.Dialect)),
			slog.String("target", target.Redact(targetURI)),
			slog.Any("error", err),
		)
		return Unavailable
	}

	lines := renderTables(tables)
	if section, ok := i.foreignKeys(ctx, db, queries.foreignKeys); ok && len(section) > 0 {
		lines = append(lines, "\nForeign Keys:")
		lines = append(lines, section...)
	}
	return strings.Join(lines, "\n")
}

func (i *Introspector) foreignKeys(ctx context.Context, db *sql.DB, query string) ([]string, bool) {
	if query == "" {
		return nil, false
	}
	section, err := readForeignKeys(ctx, db, query)
	if err != nil {
		i.logger.DebugContext(ctx, "foreign key introspection skipped", slog.Any("error", err))
		return nil, false
	}
	return section, true
}

type column struct {
	name       string
	dataType   string
	nullable   bool
	defaultSQL string
}

type table struct {
	name    string
	columns []column
}

func readColumns(ctx context.Context, db *sql.DB, query string) ([]table, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tables []table
	for rows.Next() {
		var (
			tableName, columnName, dataType, isNullable string
			columnDefault                                sql.NullString
		)
		if err := rows.Scan(&tableName, &columnName, &dataType, &isNullable, &columnDefault); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		if len(tables) == 0 || tables[len(tables)-1].name != tableName {
			tables = append(tables, table{name: tableName})
		}
		current := &tables[len(tables)-1]
		current.columns = append(current.columns, column{
			name:       columnName,
			dataType:   dataType,
			nullable:   strings.EqualFold(isNullable, "YES"),
			defaultSQL: columnDefault.String,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}
	return tables, nil
}

func readForeignKeys(ctx context.Context, db *sql.DB, query string) ([]string, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query foreign keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var tableName, columnName, foreignTable, foreignColumn sql.NullString
		if err := rows.Scan(&tableName, &columnName, &foreignTable, &foreignColumn); err != nil {
			return nil, fmt.Errorf("scan foreign key: %w", err)
		}
		out = append(out, fmt.Sprintf("Foreign Key: %s.%s references %s.%s",
			tableName.String, columnName.String, foreignTable.String, foreignColumn.String))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate foreign keys: %w", err)
	}
	return out, nil
}

func renderTables(tables []table) []string {
	lines := make([]string, 0)
	for _, t := range tables {
		lines = append(lines, "\nTable: "+t.name, "Columns:")
		for _, c := range t.columns {
			nullable := "NOT NULL"
			if c.nullable {
				nullable = "NULL"
			}
			line := fmt.Sprintf("  - %s (%s) %s", c.name, c.dataType, nullable)
			if c.defaultSQL != "" {
				line += " DEFAULT " + c.defaultSQL
			}
			lines = append(lines, line)
		}
	}
	return lines
}

// Tables lists the table names appearing in a description, in order.
func Tables(description string) []string {
	var out []string
	for _, line := range strings.Split(description, "\n") {
		if name, ok := strings.CutPrefix(line, "Table: "); ok {
			out = append(out, strings.TrimSpace(name))
		}
	}
	return out
}
