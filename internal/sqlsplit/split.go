// Package sqlsplit splits multi-statement SQL scripts into individually
// executable statements.
package sqlsplit

import "strings"

const utf8BOM = "\xEF\xBB\xBF"

// scanner tracks which lexical context the cursor is in. A semicolon only
// terminates a statement when every flag is false.
type scanner struct {
	inSingle       bool
	inDouble       bool
	inBacktick     bool
	inLineComment  bool
	inBlockComment bool
}

func (s *scanner) quoted() bool {
	return s.inSingle || s.inDouble || s.inBacktick
}

// Split breaks sql into statements on unquoted, uncommented semicolons.
//
// Comments are dropped from the output (a line comment keeps its terminating
// newline). Quote characters preceded by a backslash do not open or close a
// string. Trailing content after the last semicolon becomes the final
// statement. Empty statements are skipped.
func Split(sql string) []string {
	sql = strings.TrimPrefix(sql, utf8BOM)

	var (
		statements []string
		buf        strings.Builder
		st         scanner
	)

	flush := func() {
		if stmt := strings.TrimSpace(buf.String()); stmt != "" {
			statements = append(statements, stmt)
		}
		buf.Reset()
	}

	n := len(sql)
	for i := 0; i < n; i++ {
		ch := sql[i]
		var next byte
		if i+1 < n {
			next = sql[i+1]
		}

		if st.inLineComment {
			if ch == '\n' {
				st.inLineComment = false
				buf.WriteByte(ch)
			}
			continue
		}

		if st.inBlockComment {
			if ch == '*' && next == '/' {
				st.inBlockComment = false
				i++
			}
			continue
		}

		if !st.quoted() {
			switch {
			case ch == '-' && next == '-':
				st.inLineComment = true
				i++
				continue
			case ch == '#':
				st.inLineComment = true
				continue
			case ch == '/' && next == '*':
				st.inBlockComment = true
				i++
				continue
			}
		}

		escaped := i > 0 && sql[i-1] == '\\'

		switch {
		case ch == '\'' && !st.inDouble && !st.inBacktick && !escaped:
			st.inSingle = !st.inSingle
		case ch == '"' && !st.inSingle && !st.inBacktick && !escaped:
			st.inDouble = !st.inDouble
		case ch == '`' && !st.inSingle && !st.inDouble:
			st.inBacktick = !st.inBacktick
		case ch == ';' && !st.quoted():
			flush()
			continue
		}

		buf.WriteByte(ch)
	}

	flush()
	return statements
}
