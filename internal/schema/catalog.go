package schema

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

// Catalog lists the tables of a database and returns their DDL.
type Catalog interface {
	Tables(ctx context.Context) ([]Identifier, error)
	ShowCreate(ctx context.Context, table Identifier) (string, error)
}

// MySQLCatalog introspects a live MySQL connection.
type MySQLCatalog struct {
	db sqlx.QueryerContext
}

// NewMySQLCatalog wraps db, which may be a pool, a pinned conn or a tx.
func NewMySQLCatalog(db sqlx.QueryerContext) *MySQLCatalog {
	return &MySQLCatalog{db: db}
}

// Tables returns every table name, sorted. Names that are not plain
// identifiers are skipped.
func (c *MySQLCatalog) Tables(ctx context.Context) ([]Identifier, error) {
	rows, err := c.db.QueryContext(ctx, "SHOW TABLES")
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			logrus.WithError(closeErr).Warn("Failed to close database rows")
		}
	}()

	var tables []Identifier
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		id, err := NewIdentifier(name)
		if err != nil {
			logrus.WithField("table", name).Warn("Skipping table with unsupported name")
			continue
		}
		tables = append(tables, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tables: %w", err)
	}

	sortIdentifiers(tables)
	return tables, nil
}

// ShowCreate returns the CREATE TABLE statement for table.
func (c *MySQLCatalog) ShowCreate(ctx context.Context, table Identifier) (string, error) {
	row := make(map[string]interface{})
	if err := c.db.QueryRowxContext(ctx, "SHOW CREATE TABLE "+table.Quoted()).MapScan(row); err != nil {
		return "", fmt.Errorf("failed to show create table %s: %w", table, err)
	}

	for key, value := range row {
		if !strings.EqualFold(key, "Create Table") {
			continue
		}
		switch v := value.(type) {
		case []byte:
			return string(v), nil
		case string:
			return v, nil
		}
	}
	return "", fmt.Errorf("unable to read CREATE TABLE for %s", table)
}

func sortIdentifiers(ids []Identifier) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].name < ids[j].name })
}

// filterPrefix keeps tables whose name starts with prefix. An empty prefix
// keeps everything.
func filterPrefix(tables []Identifier, prefix string) []Identifier {
	if prefix == "" {
		return tables
	}
	out := make([]Identifier, 0, len(tables))
	for _, t := range tables {
		if strings.HasPrefix(t.name, prefix) {
			out = append(out, t)
		}
	}
	return out
}

func tableSet(tables []Identifier) map[string]bool {
	set := make(map[string]bool, len(tables))
	for _, t := range tables {
		set[t.name] = true
	}
	return set
}
