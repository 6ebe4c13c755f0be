package schema

import "sort"

// OrderCreates sorts pending table creations so that referenced tables come
// first. Only references between tables in creates are considered. Ties are
// broken alphabetically. Tables left over by a reference cycle are appended
// in alphabetical order, so a table in a cycle may precede its dependency.
func OrderCreates(creates map[string]CreateTable) []CreateTable {
	if len(creates) == 0 {
		return nil
	}

	names := make([]string, 0, len(creates))
	for name := range creates {
		names = append(names, name)
	}
	sort.Strings(names)

	inDegree := make(map[string]int, len(creates))
	dependents := make(map[string][]string)
	for _, table := range names {
		deps := make(map[string]bool)
		refs := creates[table].References
		if refs == nil {
			refs = ParseReferencedTables(creates[table].SQL)
		}
		for _, ref := range refs {
			if ref == table || deps[ref] {
				continue
			}
			if _, pending := creates[ref]; !pending {
				continue
			}
			deps[ref] = true
			inDegree[table]++
			dependents[ref] = append(dependents[ref], table)
		}
	}

	var ready []string
	for _, table := range names {
		if inDegree[table] == 0 {
			ready = append(ready, table)
		}
	}

	ordered := make([]string, 0, len(names))
	emitted := make(map[string]bool, len(names))
	for len(ready) > 0 {
		table := ready[0]
		ready = ready[1:]
		ordered = append(ordered, table)
		emitted[table] = true

		for _, dependent := range dependents[table] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
		sort.Strings(ready)
	}

	for _, table := range names {
		if !emitted[table] {
			ordered = append(ordered, table)
		}
	}

	out := make([]CreateTable, 0, len(ordered))
	for _, table := range ordered {
		out = append(out, creates[table])
	}
	return out
}
