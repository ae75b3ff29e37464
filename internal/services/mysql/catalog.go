package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/blastware/sqlrollback/internal/models"
)

// Catalog is the ordered set of tables a dump operates on plus the tables excluded from it.
// Exclusions are applied when the selection is read, so a table that is both added and
// excluded is never dumped.
type Catalog struct {
	q        Querier
	database string
	tables   []string
	seen     map[string]struct{}
	excluded map[string]struct{}
	views    map[string]struct{}
}

// NewCatalog creates an empty catalog reading metadata through q.
func NewCatalog(q Querier, database string) *Catalog {
	return &Catalog{
		q:        q,
		database: database,
		seen:     make(map[string]struct{}),
		excluded: make(map[string]struct{}),
		views:    make(map[string]struct{}),
	}
}

// DatabaseName returns the schema the catalog describes.
func (c *Catalog) DatabaseName() string {
	return c.database
}

// AddTable adds a table unless it is already selected. First-seen order is kept.
func (c *Catalog) AddTable(name string) {
	if _, ok := c.seen[name]; ok {
		return
	}
	c.seen[name] = struct{}{}
	c.tables = append(c.tables, name)
}

// AddTables adds each name in order.
func (c *Catalog) AddTables(names []string) {
	for _, name := range names {
		c.AddTable(name)
	}
}

// AddAllTables adds every table and view the server lists, in the server's order.
func (c *Catalog) AddAllTables(ctx context.Context) error {
	rows, err := c.q.QueryContext(ctx, "SHOW FULL TABLES")
	if err != nil {
		return fmt.Errorf("listing tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var name, kind string
		if err := rows.Scan(&name, &kind); err != nil {
			return fmt.Errorf("scanning table name: %w", err)
		}
		if strings.EqualFold(kind, "VIEW") {
			c.views[name] = struct{}{}
		}
		c.AddTable(name)
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating tables: %w", err)
	}
	return nil
}

// IsView reports whether name is known to be a view. Kinds are learnt from AddAllTables and
// CreateTable.
func (c *Catalog) IsView(name string) bool {
	_, ok := c.views[name]
	return ok
}

// ExcludeTables replaces the exclusion set.
func (c *Catalog) ExcludeTables(names []string) {
	c.excluded = make(map[string]struct{}, len(names))
	for _, name := range names {
		c.excluded[name] = struct{}{}
	}
}

// IsExcluded reports whether name is in the exclusion set.
func (c *Catalog) IsExcluded(name string) bool {
	_, ok := c.excluded[name]
	return ok
}

// Len returns the number of added tables, excluded ones included.
func (c *Catalog) Len() int {
	return len(c.tables)
}

// Selected returns the tables to dump in order, without excluded ones.
func (c *Catalog) Selected() []string {
	out := make([]string, 0, len(c.tables))
	for _, name := range c.tables {
		if !c.IsExcluded(name) {
			out = append(out, name)
		}
	}
	return out
}

// Columns returns the columns of table in ordinal order, each classified for quoting.
func (c *Catalog) Columns(ctx context.Context, table string) ([]models.ColumnMeta, error) {
	rows, err := c.q.QueryContext(ctx, "SHOW COLUMNS FROM "+QuoteIdentifier(table))
	if err != nil {
		return nil, fmt.Errorf("describing table %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	names, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("describing table %s: %w", table, err)
	}
	if len(names) < 2 {
		return nil, fmt.Errorf("describing table %s: unexpected result with %d columns", table, len(names))
	}

	// Field and Type come first; the remaining DESCRIBE columns are ignored.
	raw := make([]sql.RawBytes, len(names))
	dest := make([]any, len(names))
	for i := range raw {
		dest[i] = &raw[i]
	}

	var cols []models.ColumnMeta
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scanning column of %s: %w", table, err)
		}
		nativeType := string(raw[1])
		cols = append(cols, models.ColumnMeta{
			Name:       string(raw[0]),
			NativeType: nativeType,
			Class:      ClassifyNativeType(nativeType),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating columns of %s: %w", table, err)
	}
	return cols, nil
}

// ColumnNames returns the column identifiers of table in ordinal order.
func (c *Catalog) ColumnNames(ctx context.Context, table string) ([]string, error) {
	cols, err := c.Columns(ctx, table)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(cols))
	for i, col := range cols {
		names[i] = col.Name
	}
	return names, nil
}

// CreateTable returns the server's CREATE statement for table, without terminator. For a
// view this is its CREATE VIEW statement and the table is recorded as a view.
func (c *Catalog) CreateTable(ctx context.Context, table string) (string, error) {
	rows, err := c.q.QueryContext(ctx, "SHOW CREATE TABLE "+QuoteIdentifier(table))
	if err != nil {
		return "", fmt.Errorf("reading structure of %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	names, err := rows.Columns()
	if err != nil {
		return "", fmt.Errorf("reading structure of %s: %w", table, err)
	}
	if len(names) < 2 {
		return "", fmt.Errorf("reading structure of %s: unexpected result with %d columns", table, len(names))
	}

	// Tables answer (Table, Create Table); views add character set and collation columns.
	raw := make([]sql.RawBytes, len(names))
	dest := make([]any, len(names))
	for i := range raw {
		dest[i] = &raw[i]
	}

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return "", fmt.Errorf("reading structure of %s: %w", table, err)
		}
		return "", fmt.Errorf("reading structure of %s: %w", table, sql.ErrNoRows)
	}
	if err := rows.Scan(dest...); err != nil {
		return "", fmt.Errorf("reading structure of %s: %w", table, err)
	}
	stmt := string(raw[1])

	if strings.EqualFold(names[0], "View") {
		c.views[table] = struct{}{}
	}
	return stmt, nil
}

// integerTypes are the integer-family native types. They are written unquoted.
var integerTypes = map[string]bool{
	"tinyint":   true,
	"smallint":  true,
	"mediumint": true,
	"int":       true,
	"integer":   true,
	"bigint":    true,
}

// ClassifyNativeType maps a column type as reported by DESCRIBE ("int(11) unsigned") or by
// the driver ("UNSIGNED BIGINT") to its storage class.
func ClassifyNativeType(nativeType string) models.StorageClass {
	t := strings.ToLower(strings.TrimSpace(nativeType))
	t = strings.TrimPrefix(t, "unsigned ")
	if i := strings.IndexAny(t, "( "); i >= 0 {
		t = t[:i]
	}
	if integerTypes[t] {
		return models.StorageInteger
	}
	return models.StorageOther
}

// QuoteIdentifier quotes name with backticks.
func QuoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}
