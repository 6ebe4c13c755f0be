// Package migrate applies versioned .sql files to the CMS database and
// records each applied file in a ledger table.
package migrate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/rossigee/cms-deployer/internal/database"
	"github.com/rossigee/cms-deployer/internal/metrics"
	"github.com/rossigee/cms-deployer/internal/sqlsplit"
)

var (
	// ErrInvalidName is returned for file names that are not bare *.sql names.
	ErrInvalidName = errors.New("invalid migration filename")
	// ErrNoStatements is returned for files without executable SQL.
	ErrNoStatements = errors.New("migration contains no executable SQL")
	// ErrNotAvailable is returned when a named file is not in the directory.
	ErrNotAvailable = errors.New("migration is not available")
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+\.sql$`)

// ValidateName rejects anything but a bare file name ending in .sql.
func ValidateName(name string) error {
	if filepath.Base(name) != name || !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Record is one ledger row.
type Record struct {
	Name      string    `db:"migration_name" json:"name"`
	Checksum  *string   `db:"checksum" json:"checksum,omitempty"`
	AppliedAt time.Time `db:"applied_at" json:"applied_at"`
}

// Result describes one applied file.
type Result struct {
	File       string `json:"file"`
	Statements int    `json:"statements"`
	Checksum   string `json:"checksum"`
}

// BatchError reports a failure part-way through RunAll.
type BatchError struct {
	Applied int
	File    string
	Err     error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("migration %s failed after %d applied in this batch: %v", e.File, e.Applied, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// Runner applies migrations from one directory to one database.
type Runner struct {
	db      *sqlx.DB
	dialect database.Dialect
	dir     string
	now     func() time.Time
	metrics *metrics.Metrics
}

// Option customises a Runner.
type Option func(*Runner)

// WithMetrics counts applied files on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

// WithClock overrides the time source for ledger timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		r.now = now
	}
}

// NewRunner creates a runner for the .sql files in dir.
func NewRunner(db *sqlx.DB, dialect database.Dialect, dir string, opts ...Option) *Runner {
	r := &Runner{
		db:      db,
		dialect: dialect,
		dir:     dir,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dir returns the migrations directory.
func (r *Runner) Dir() string {
	return r.dir
}

// EnsureLedger creates the ledger table if it does not exist.
func (r *Runner) EnsureLedger(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, ledgerDDL(r.dialect)); err != nil {
		return fmt.Errorf("failed to create %s: %w", LedgerTable, err)
	}
	return nil
}

// ListAvailable returns the *.sql file names in the directory, sorted. A
// missing directory yields no files.
func (r *Runner) ListAvailable() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Applied returns the ledger keyed by file name.
func (r *Runner) Applied(ctx context.Context) (map[string]Record, error) {
	if err := r.EnsureLedger(ctx); err != nil {
		return nil, err
	}

	var rows []Record
	err := r.db.SelectContext(ctx, &rows,
		"SELECT migration_name, checksum, applied_at FROM cms_migrations ORDER BY migration_name ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", LedgerTable, err)
	}

	applied := make(map[string]Record, len(rows))
	for _, row := range rows {
		if row.Name == "" {
			continue
		}
		applied[row.Name] = row
	}
	return applied, nil
}

// Pending returns available files that are not in the ledger, in order.
func (r *Runner) Pending(ctx context.Context) ([]string, error) {
	available, err := r.ListAvailable()
	if err != nil {
		return nil, err
	}
	applied, err := r.Applied(ctx)
	if err != nil {
		return nil, err
	}

	var pending []string
	for _, name := range available {
		if _, done := applied[name]; !done {
			pending = append(pending, name)
		}
	}
	return pending, nil
}

// Run applies one file. All of its statements and the ledger insert share a
// transaction; on failure nothing is recorded. Engines that commit DDL
// implicitly (MySQL) keep DDL from statements that ran before the failure.
func (r *Runner) Run(ctx context.Context, name string) (*Result, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	path := filepath.Join(r.dir, name)
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return nil, fmt.Errorf("migration file not found: %s", name)
	}

	content, err := os.ReadFile(path) //nolint:gosec // name is validated as a bare file name
	if err != nil {
		return nil, fmt.Errorf("failed to read migration %s: %w", name, err)
	}

	statements := sqlsplit.Split(string(content))
	if len(statements) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoStatements, name)
	}

	if err := r.EnsureLedger(ctx); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(content)
	checksum := hex.EncodeToString(sum[:])
	log := logrus.WithField("migration", name)

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				log.WithError(rollbackErr).Warn("Failed to rollback transaction")
			}
		}
	}()

	for i, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("migration %s statement %d failed: %w", name, i+1, err)
		}
		log.WithField("statement", i+1).Debug("Executed migration statement")
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO cms_migrations (migration_name, checksum, applied_at) VALUES (?, ?, ?)",
		name, checksum, r.now().UTC().Truncate(time.Second),
	); err != nil {
		return nil, fmt.Errorf("failed to record migration %s: %w", name, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit migration %s: %w", name, err)
	}
	committed = true

	r.metrics.MigrationApplied()
	log.WithField("statements", len(statements)).Info("Applied migration")
	return &Result{File: name, Statements: len(statements), Checksum: checksum}, nil
}

// RunNext applies the first pending file. It returns nil when nothing is pending.
func (r *Runner) RunNext(ctx context.Context) (*Result, error) {
	pending, err := r.Pending(ctx)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}
	return r.Run(ctx, pending[0])
}

// RunAll applies every pending file in order, stopping at the first failure.
// Later files are not attempted even if they are independent. The failure is
// a *BatchError carrying the number of files applied before it.
func (r *Runner) RunAll(ctx context.Context) ([]Result, error) {
	pending, err := r.Pending(ctx)
	if err != nil {
		return nil, err
	}

	results := []Result{}
	for _, name := range pending {
		res, err := r.Run(ctx, name)
		if err != nil {
			return results, &BatchError{Applied: len(results), File: name, Err: err}
		}
		results = append(results, *res)
	}
	return results, nil
}

// RunOne applies name if it is available and not yet in the ledger. The
// boolean reports that the file had already been applied.
func (r *Runner) RunOne(ctx context.Context, name string) (*Result, bool, error) {
	if name == "" {
		return nil, false, fmt.Errorf("%w: no migration chosen", ErrInvalidName)
	}

	available, err := r.ListAvailable()
	if err != nil {
		return nil, false, err
	}
	idx := sort.SearchStrings(available, name)
	if idx >= len(available) || available[idx] != name {
		return nil, false, fmt.Errorf("%w: %s", ErrNotAvailable, name)
	}

	applied, err := r.Applied(ctx)
	if err != nil {
		return nil, false, err
	}
	if _, done := applied[name]; done {
		return nil, true, nil
	}

	res, err := r.Run(ctx, name)
	return res, false, err
}

// FileStatus is one available file and its ledger state.
type FileStatus struct {
	Name   string  `json:"name"`
	Record *Record `json:"record,omitempty"`
}

// Status lists available files alongside the ledger.
type Status struct {
	Files   []FileStatus `json:"files"`
	Pending int          `json:"pending"`
}

// Status reports every available file and how many are pending.
func (r *Runner) Status(ctx context.Context) (*Status, error) {
	available, err := r.ListAvailable()
	if err != nil {
		return nil, err
	}
	applied, err := r.Applied(ctx)
	if err != nil {
		return nil, err
	}

	st := &Status{Files: make([]FileStatus, 0, len(available))}
	for _, name := range available {
		fs := FileStatus{Name: name}
		if rec, ok := applied[name]; ok {
			rec := rec
			fs.Record = &rec
		} else {
			st.Pending++
		}
		st.Files = append(st.Files, fs)
	}
	return st, nil
}
