package schema

import (
	"regexp"
	"strings"
)

var (
	lineBreak       = regexp.MustCompile(`\r\n|\n|\r`)
	keyLine         = regexp.MustCompile(`(?i)^(PRIMARY|UNIQUE|KEY|INDEX|CONSTRAINT|FULLTEXT|SPATIAL|CHECK)\b`)
	columnLine      = regexp.MustCompile("^`([^`]+)`\\s+(.+)$")
	referencesToken = regexp.MustCompile("(?i)\\bREFERENCES\\s+`?([A-Za-z0-9_]+)`?")
	foreignKeyLine  = regexp.MustCompile(`(?i)^CONSTRAINT\b.*\bFOREIGN KEY\b`)
	danglingComma   = regexp.MustCompile(`,\s*((?:\r\n|\n|\r)\s*\))`)
)

// Column is one column definition taken from CREATE TABLE text.
type Column struct {
	Name       string
	Definition string // "`name` type ..." without the trailing comma
}

// ParseColumns extracts column definitions from CREATE TABLE text, in
// declaration order. Key, index and constraint lines are ignored.
func ParseColumns(ddl string) []Column {
	var cols []Column
	seen := make(map[string]int)

	for _, line := range lineBreak.Split(ddl, -1) {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || trimmed[0] == ')' || trimmed[0] == '(' {
			continue
		}
		if keyLine.MatchString(trimmed) {
			continue
		}

		m := columnLine.FindStringSubmatch(strings.TrimRight(trimmed, ","))
		if m == nil {
			continue
		}
		col := Column{Name: m[1], Definition: "`" + m[1] + "` " + m[2]}
		if i, ok := seen[col.Name]; ok {
			cols[i] = col
			continue
		}
		seen[col.Name] = len(cols)
		cols = append(cols, col)
	}
	return cols
}

// ParseReferencedTables returns the distinct tables named by REFERENCES
// clauses, in order of first appearance.
func ParseReferencedTables(ddl string) []string {
	var refs []string
	seen := make(map[string]bool)
	for _, m := range referencesToken.FindAllStringSubmatch(ddl, -1) {
		if m[1] == "" || seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		refs = append(refs, m[1])
	}
	return refs
}

// SplitCreateTable removes CONSTRAINT ... FOREIGN KEY lines from CREATE TABLE
// text so the table can be created before the tables it references. It
// returns the remaining statement and the removed constraint definitions.
func SplitCreateTable(ddl string) (string, []string) {
	var kept, foreignKeys []string

	for _, line := range lineBreak.Split(ddl, -1) {
		normalized := strings.TrimRight(strings.TrimSpace(line), ",")
		if foreignKeyLine.MatchString(normalized) {
			foreignKeys = append(foreignKeys, normalized)
			continue
		}
		kept = append(kept, line)
	}

	create := strings.Join(kept, "\n")
	for {
		updated := danglingComma.ReplaceAllString(create, "${1}")
		if updated == create {
			break
		}
		create = updated
	}
	return create, foreignKeys
}
