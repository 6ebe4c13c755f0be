package site

import (
	"os"
	"path/filepath"
	"strings"
)

// Provider yields candidate paths that may be, or sit inside, a site root.
type Provider interface {
	Candidates() []string
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func() []string

// Candidates implements Provider.
func (f ProviderFunc) Candidates() []string {
	return f()
}

// Explicit offers path and its parent, for a configured document root.
func Explicit(path string) Provider {
	return ProviderFunc(func() []string {
		path = strings.TrimSpace(path)
		if path == "" {
			return nil
		}
		return []string{path, filepath.Dir(path)}
	})
}

// ExecutableAncestors offers the directories above the running binary, nearest
// first, up to depth levels.
func ExecutableAncestors(depth int) Provider {
	return ProviderFunc(func() []string {
		exe, err := os.Executable()
		if err != nil {
			return nil
		}
		var out []string
		dir := filepath.Dir(exe)
		for i := 0; i < depth; i++ {
			out = append(out, dir)
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
		return out
	})
}

// WorkingDir offers the current working directory.
func WorkingDir() Provider {
	return ProviderFunc(func() []string {
		wd, err := os.Getwd()
		if err != nil {
			return nil
		}
		return []string{wd}
	})
}

// Resolver evaluates providers in priority order until a candidate validates.
type Resolver struct {
	validator *Validator
	providers []Provider
}

// NewResolver creates a resolver over the given providers.
func NewResolver(validator *Validator, providers ...Provider) *Resolver {
	return &Resolver{validator: validator, providers: providers}
}

// DefaultProviders returns the standard detection order: the explicit root,
// the binary's location, then the working directory.
func DefaultProviders(explicit string) []Provider {
	return []Provider{Explicit(explicit), ExecutableAncestors(4), WorkingDir()}
}

// Resolve returns the first allowed canonical site root.
func (r *Resolver) Resolve() (string, bool) {
	for _, p := range r.providers {
		for _, candidate := range p.Candidates() {
			root := normalizeCandidate(candidate)
			if root == "" {
				continue
			}
			if real, ok := r.validator.Canonical(root); ok {
				return real, true
			}
		}
	}
	return "", false
}

// normalizeCandidate climbs out of the web/ and wccms/ directories so that a
// path inside a site maps to the site root.
func normalizeCandidate(candidate string) string {
	candidate = strings.TrimRight(strings.TrimSpace(candidate), "/")
	if candidate == "" {
		return ""
	}

	root := candidate
	if base := filepath.Base(candidate); base == "wccms" || base == "web" {
		root = filepath.Dir(candidate)
	}
	if filepath.Base(root) == "web" {
		root = filepath.Dir(root)
	}
	return root
}
