// Package prefs reads CMS preferences consulted by the deploy tooling.
package prefs

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/rossigee/cms-deployer/internal/database"
)

// Scope selects which visibility flag a preference row must carry.
type Scope string

const (
	ScopeWeb Scope = "web"
	ScopeCMS Scope = "cms"
)

// Preference names used by the deploy tooling.
const (
	KeyMinRole  = "prefFrontendDeployMinRole"
	KeyRepoName = "prefFrontendDeployRepoName"
	KeyRepoPath = "prefFrontendDeployRepoPath"

	DefaultMinRole = 4
)

// Source looks up a preference value.
type Source interface {
	Lookup(ctx context.Context, scope Scope, name string) (string, bool)
}

// String returns the named preference or def when unset.
func String(ctx context.Context, src Source, scope Scope, name, def string) string {
	if src == nil {
		return def
	}
	if v, ok := src.Lookup(ctx, scope, name); ok {
		return v
	}
	return def
}

// Int returns the named preference parsed as an integer, or def when unset or
// not numeric.
func Int(ctx context.Context, src Source, scope Scope, name string, def int) int {
	s := strings.TrimSpace(String(ctx, src, scope, name, ""))
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// MinRole returns the role required to run deploy tools. Values below 1 fall
// back to DefaultMinRole.
func MinRole(ctx context.Context, src Source) int {
	role := Int(ctx, src, ScopeCMS, KeyMinRole, DefaultMinRole)
	if role < 1 {
		return DefaultMinRole
	}
	return role
}

// Static is a fixed, scope-independent preference set.
type Static map[string]string

// Lookup implements Source.
func (s Static) Lookup(_ context.Context, _ Scope, name string) (string, bool) {
	v, ok := s[name]
	return v, ok
}

var tableCandidates = []string{"cms_preferences", "preferences"}

// DBStore loads preferences from the CMS database once per scope.
type DBStore struct {
	db      *sqlx.DB
	dialect database.Dialect

	mu       sync.Mutex
	resolved bool
	table    string
	cache    map[Scope]map[string]string
}

// NewDBStore creates a store over db. Nothing is read until the first lookup.
func NewDBStore(db *sqlx.DB, dialect database.Dialect) *DBStore {
	return &DBStore{
		db:      db,
		dialect: dialect,
		cache:   make(map[Scope]map[string]string),
	}
}

// Lookup implements Source. Load failures are logged and behave as an empty
// preference set.
func (s *DBStore) Lookup(ctx context.Context, scope Scope, name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if scope != ScopeCMS {
		scope = ScopeWeb
	}

	values, ok := s.cache[scope]
	if !ok {
		values = s.load(ctx, scope)
		s.cache[scope] = values
	}

	v, ok := values[name]
	return v, ok
}

func (s *DBStore) resolveTable(ctx context.Context) string {
	if s.resolved {
		return s.table
	}
	s.resolved = true

	for _, candidate := range tableCandidates {
		exists, err := database.TableExists(ctx, s.db, s.dialect, candidate)
		if err != nil {
			logrus.WithError(err).Warn("Failed to detect preferences table")
			return ""
		}
		if exists {
			s.table = candidate
			return candidate
		}
	}
	return ""
}

type prefRow struct {
	Name  string         `db:"name"`
	Value sql.NullString `db:"value"`
}

func (s *DBStore) load(ctx context.Context, scope Scope) map[string]string {
	values := make(map[string]string)

	table := s.resolveTable(ctx)
	if table == "" {
		return values
	}

	column := "showonweb"
	if scope == ScopeCMS {
		column = "showoncms"
	}

	var rows []prefRow
	query := "SELECT name, value FROM " + table +
		" WHERE archived = 0 AND " + column + " = 'Yes' ORDER BY sort ASC, id ASC"
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		logrus.WithError(err).WithField("table", table).Warn("Failed to load preferences")
		return values
	}

	for _, row := range rows {
		if row.Value.Valid {
			values[row.Name] = row.Value.String
		} else {
			delete(values, row.Name)
		}
	}

	logrus.WithFields(logrus.Fields{"table": table, "scope": scope, "count": len(values)}).Debug("Loaded preferences")
	return values
}
