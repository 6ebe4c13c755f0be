// Package site validates deployable site roots and derives the paths a
// release runs against.
package site

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// DefaultBaseDir is the only tree site roots may live under in production.
const DefaultBaseDir = "/var/www"

// Validator checks site roots against the allow-list rooted at a base directory.
type Validator struct {
	base        string
	siteStyle   *regexp.Regexp
	clientStyle *regexp.Regexp
}

// NewValidator creates a validator for roots under base. An empty base means
// DefaultBaseDir.
func NewValidator(base string) *Validator {
	if base == "" {
		base = DefaultBaseDir
	}
	base = strings.TrimRight(filepath.Clean(base), "/")
	if real, err := filepath.EvalSymlinks(base); err == nil {
		base = real
	}

	quoted := regexp.QuoteMeta(base)
	return &Validator{
		base:        base,
		siteStyle:   regexp.MustCompile(`^` + quoted + `/[^/]+$`),
		clientStyle: regexp.MustCompile(`^` + quoted + `/clients/[^/]+/[^/]+$`),
	}
}

// Base returns the canonical base directory.
func (v *Validator) Base() string {
	return v.base
}

// Canonical resolves root and reports whether it is an allowed site root: a
// real directory directly under the base (or under base/clients/<client>)
// whose web/ subdirectory resolves to a child of that same directory.
func (v *Validator) Canonical(root string) (string, bool) {
	if root == "" {
		return "", false
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return "", false
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil || !isDir(real) {
		return "", false
	}
	if !strings.HasPrefix(real, v.base+"/") {
		return "", false
	}

	web, err := filepath.EvalSymlinks(filepath.Join(real, "web"))
	if err != nil || !isDir(web) {
		return "", false
	}
	if filepath.Dir(web) != real {
		return "", false
	}

	if !v.siteStyle.MatchString(real) && !v.clientStyle.MatchString(real) {
		return "", false
	}
	return real, true
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func trimRoot(root string) string {
	return strings.TrimRight(root, "/")
}

// ReleaseScriptPath is the frontend release script inside a site.
func ReleaseScriptPath(root string) string {
	return trimRoot(root) + "/web/wccms/deploy_scripts/frontend-release.sh"
}

// BackendRepoPath is the CMS checkout deployed by backend jobs.
func BackendRepoPath(root string) string {
	return trimRoot(root) + "/web/wccms"
}

// DefaultRepoName is used when no valid repo name preference is set.
const DefaultRepoName = "frontend"

var repoNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// RepoName sanitises a configured frontend repo name to a bare directory name.
func RepoName(configured string) string {
	name := strings.TrimSpace(configured)
	if name == "" {
		return DefaultRepoName
	}
	name = filepath.Base(name)
	if !repoNamePattern.MatchString(name) || name == "." || name == ".." {
		return DefaultRepoName
	}
	return name
}

// RepoPath resolves the frontend checkout for a site. Absolute configured
// paths are used as-is, relative ones are joined to root, and an empty value
// falls back to root/<repoName>.
func RepoPath(root, configured, repoName string) string {
	configured = strings.TrimSpace(configured)
	if configured != "" {
		if strings.HasPrefix(configured, "/") {
			return strings.TrimRight(configured, "/")
		}
		return trimRoot(root) + "/" + strings.TrimLeft(configured, "/")
	}
	return trimRoot(root) + "/" + RepoName(repoName)
}
