package schema

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

// DefaultCoveragePrefix scopes coverage reports to CMS tables.
const DefaultCoveragePrefix = "cms_"

// PlanSummary counts what a plan would change.
type PlanSummary struct {
	TablePrefix         string `json:"table_prefix"`
	SourceTablesInScope int    `json:"source_tables_in_scope"`
	MissingTables       int    `json:"missing_tables"`
	MissingColumns      int    `json:"missing_columns"`
	Operations          int    `json:"operations"`
}

// Plan is an ordered list of additive operations.
type Plan struct {
	Summary    PlanSummary `json:"summary"`
	Operations []Operation `json:"operations"`
}

// BuildPlan compares source with target and returns the operations that add
// missing tables, columns and foreign keys to target. Nothing is altered or
// dropped. Table creations come first in dependency order, then column
// additions in source order, then every foreign key.
func BuildPlan(ctx context.Context, source, target Catalog, prefix string) (*Plan, error) {
	sourceTables, err := source.Tables(ctx)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	sourceTables = filterPrefix(sourceTables, prefix)

	targetTables, err := target.Tables(ctx)
	if err != nil {
		return nil, fmt.Errorf("target: %w", err)
	}
	inTarget := tableSet(targetTables)

	creates := make(map[string]CreateTable)
	var addColumns []Operation
	var addForeignKeys []Operation
	summary := PlanSummary{TablePrefix: prefix, SourceTablesInScope: len(sourceTables)}

	for _, table := range sourceTables {
		sourceDDL, err := source.ShowCreate(ctx, table)
		if err != nil {
			return nil, fmt.Errorf("source: %w", err)
		}

		if !inTarget[table.String()] {
			createSQL, foreignKeys := SplitCreateTable(sourceDDL)
			creates[table.String()] = CreateTable{
				Table:      table,
				SQL:        createSQL + ";",
				References: ParseReferencedTables(sourceDDL),
			}
			for _, fk := range foreignKeys {
				if fk == "" {
					continue
				}
				addForeignKeys = append(addForeignKeys, AddForeignKey{
					Table: table,
					SQL:   "ALTER TABLE " + table.Quoted() + " ADD " + fk + ";",
				})
			}
			summary.MissingTables++
			continue
		}

		targetDDL, err := target.ShowCreate(ctx, table)
		if err != nil {
			return nil, fmt.Errorf("target: %w", err)
		}
		existing := make(map[string]bool)
		for _, col := range ParseColumns(targetDDL) {
			existing[col.Name] = true
		}
		for _, col := range ParseColumns(sourceDDL) {
			if existing[col.Name] {
				continue
			}
			addColumns = append(addColumns, AddColumn{
				Table:  table,
				Column: col.Name,
				SQL:    "ALTER TABLE " + table.Quoted() + " ADD COLUMN " + col.Definition + ";",
			})
			summary.MissingColumns++
		}
	}

	ops := make([]Operation, 0, len(creates)+len(addColumns)+len(addForeignKeys))
	for _, create := range OrderCreates(creates) {
		ops = append(ops, create)
	}
	ops = append(ops, addColumns...)
	ops = append(ops, addForeignKeys...)
	summary.Operations = len(ops)

	return &Plan{Summary: summary, Operations: ops}, nil
}

// Execer runs a statement. Apply needs every statement on the same session,
// so pass a *sqlx.Conn or *sql.Conn rather than a pool.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Applied reports one executed (or skipped) operation.
type Applied struct {
	Index  int     `json:"index"`
	Type   OpType  `json:"type"`
	Table  string  `json:"table"`
	Column *string `json:"column"`
	SQL    string  `json:"sql"`
	Error  string  `json:"error,omitempty"`
}

// Apply executes ops in order with foreign key checks disabled, restoring them
// afterwards even on failure. A failing AddForeignKey is recorded as skipped
// and reported after the applied operations; any other failure stops the run
// and is returned together with what was applied before it. Statements are
// not wrapped in a transaction: MySQL commits DDL implicitly.
func Apply(ctx context.Context, target Execer, ops []Operation) (result []Applied, err error) {
	if _, err := target.ExecContext(ctx, "SET FOREIGN_KEY_CHECKS=0"); err != nil {
		return nil, fmt.Errorf("failed to disable foreign key checks: %w", err)
	}
	defer func() {
		if _, restoreErr := target.ExecContext(context.WithoutCancel(ctx), "SET FOREIGN_KEY_CHECKS=1"); restoreErr != nil {
			logrus.WithError(restoreErr).Warn("Failed to restore foreign key checks")
			if err == nil {
				err = fmt.Errorf("failed to restore foreign key checks: %w", restoreErr)
			}
		}
	}()

	applied := []Applied{}
	var skipped []Applied

	for i, op := range ops {
		stmt := op.Statement()
		if stmt == "" {
			continue
		}

		rec := Applied{Index: i + 1, Type: op.Kind(), Table: op.TableName().String(), SQL: stmt}
		switch o := op.(type) {
		case CreateTable, AddForeignKey:
		case AddColumn:
			column := o.Column
			rec.Column = &column
		default:
			return applied, fmt.Errorf("unsupported operation %T at index %d", op, i+1)
		}

		log := logrus.WithFields(logrus.Fields{"index": rec.Index, "type": rec.Type, "table": rec.Table})
		if _, execErr := target.ExecContext(ctx, stmt); execErr != nil {
			if _, isFK := op.(AddForeignKey); isFK {
				log.WithError(execErr).Warn("Skipping foreign key that could not be added")
				rec.Type = OpAddForeignKeySkipped
				rec.Error = execErr.Error()
				skipped = append(skipped, rec)
				continue
			}
			return append(applied, skipped...), fmt.Errorf("operation %d (%s on %s) failed: %w", rec.Index, rec.Type, rec.Table, execErr)
		}

		log.Debug("Applied schema operation")
		applied = append(applied, rec)
	}

	return append(applied, skipped...), nil
}

// ApplyDB pins one connection from db and applies ops on it.
func ApplyDB(ctx context.Context, db *sqlx.DB, ops []Operation) ([]Applied, error) {
	conn, err := db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			logrus.WithError(closeErr).Warn("Failed to release database connection")
		}
	}()

	return Apply(ctx, conn, ops)
}

// CoverageSummary counts source tables missing from the target.
type CoverageSummary struct {
	TablePrefix         string `json:"table_prefix"`
	SourceTablesInScope int    `json:"source_tables_in_scope"`
	MissingTables       int    `json:"missing_tables"`
}

// CoverageRow reports whether one source table exists in the target.
type CoverageRow struct {
	Table    string `json:"table"`
	InTarget bool   `json:"in_target"`
}

// Coverage is a read-only comparison of table presence.
type Coverage struct {
	Summary CoverageSummary `json:"summary"`
	Rows    []CoverageRow   `json:"rows"`
}

// TableCoverage reports which source tables starting with prefix exist in
// target, sorted by name.
func TableCoverage(ctx context.Context, source, target Catalog, prefix string) (*Coverage, error) {
	sourceTables, err := source.Tables(ctx)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	sourceTables = filterPrefix(sourceTables, prefix)
	sortIdentifiers(sourceTables)

	targetTables, err := target.Tables(ctx)
	if err != nil {
		return nil, fmt.Errorf("target: %w", err)
	}
	inTarget := tableSet(targetTables)

	cov := &Coverage{
		Summary: CoverageSummary{TablePrefix: prefix, SourceTablesInScope: len(sourceTables)},
		Rows:    make([]CoverageRow, 0, len(sourceTables)),
	}
	for _, table := range sourceTables {
		present := inTarget[table.String()]
		if !present {
			cov.Summary.MissingTables++
		}
		cov.Rows = append(cov.Rows, CoverageRow{Table: table.String(), InTarget: present})
	}
	return cov, nil
}
