package site

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBase(t *testing.T) string {
	t.Helper()
	base, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return base
}

func mkSite(t *testing.T, parts ...string) string {
	t.Helper()
	root := filepath.Join(parts...)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "web", "wccms"), 0o755))
	return root
}

func TestValidator_Canonical(t *testing.T) {
	base := newBase(t)
	v := NewValidator(base)

	site := mkSite(t, base, "example.com")
	client := mkSite(t, base, "clients", "acme", "shop")
	deep := mkSite(t, base, "clients", "acme", "shop", "extra")
	require.NoError(t, os.MkdirAll(filepath.Join(base, "noweb"), 0o755))

	outside := mkSite(t, newBase(t), "elsewhere")

	linked := filepath.Join(base, "linked")
	require.NoError(t, os.MkdirAll(linked, 0o755))
	require.NoError(t, os.Symlink(filepath.Join(site, "web"), filepath.Join(linked, "web")))

	tests := []struct {
		name string
		root string
		want string
		ok   bool
	}{
		{"site style", site, site, true},
		{"trailing slash", site + "/", site, true},
		{"client style", client, client, true},
		{"too deep", deep, "", false},
		{"missing web dir", filepath.Join(base, "noweb"), "", false},
		{"outside base", outside, "", false},
		{"nonexistent", filepath.Join(base, "missing"), "", false},
		{"base itself", base, "", false},
		{"web symlinked elsewhere", linked, "", false},
		{"empty", "", "", false},
		{"traversal", filepath.Join(site, "..", "..", filepath.Base(outside)), "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := v.Canonical(tt.root)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidator_DefaultBase(t *testing.T) {
	v := NewValidator("")
	assert.Contains(t, v.Base(), "www")
	_, ok := v.Canonical("/etc")
	assert.False(t, ok)
}

func TestPaths(t *testing.T) {
	assert.Equal(t, "/var/www/site/web/wccms/deploy_scripts/frontend-release.sh", ReleaseScriptPath("/var/www/site/"))
	assert.Equal(t, "/var/www/site/web/wccms", BackendRepoPath("/var/www/site"))
}

func TestRepoName(t *testing.T) {
	assert.Equal(t, "frontend", RepoName(""))
	assert.Equal(t, "frontend", RepoName("   "))
	assert.Equal(t, "storefront", RepoName("storefront"))
	assert.Equal(t, "app", RepoName("/some/path/app"))
	assert.Equal(t, "frontend", RepoName("bad name!"))
	assert.Equal(t, "frontend", RepoName(".."))
}

func TestRepoPath(t *testing.T) {
	assert.Equal(t, "/var/www/site/frontend", RepoPath("/var/www/site", "", ""))
	assert.Equal(t, "/var/www/site/app", RepoPath("/var/www/site/", "", "app"))
	assert.Equal(t, "/srv/repos/app", RepoPath("/var/www/site", "/srv/repos/app/", "ignored"))
	assert.Equal(t, "/var/www/site/repos/app", RepoPath("/var/www/site", "repos/app", "ignored"))
}

func TestResolver(t *testing.T) {
	base := newBase(t)
	v := NewValidator(base)
	site := mkSite(t, base, "example.com")

	t.Run("explicit web dir climbs to root", func(t *testing.T) {
		r := NewResolver(v, Explicit(filepath.Join(site, "web")))
		got, ok := r.Resolve()
		require.True(t, ok)
		assert.Equal(t, site, got)
	})

	t.Run("wccms dir climbs to root", func(t *testing.T) {
		r := NewResolver(v, Explicit(filepath.Join(site, "web", "wccms")))
		got, ok := r.Resolve()
		require.True(t, ok)
		assert.Equal(t, site, got)
	})

	t.Run("first valid provider wins", func(t *testing.T) {
		other := mkSite(t, base, "other.com")
		r := NewResolver(v,
			ProviderFunc(func() []string { return []string{"", "/nonexistent"} }),
			Explicit(other),
			Explicit(site),
		)
		got, ok := r.Resolve()
		require.True(t, ok)
		assert.Equal(t, other, got)
	})

	t.Run("none valid", func(t *testing.T) {
		r := NewResolver(v, Explicit(""), Explicit("/nonexistent"))
		_, ok := r.Resolve()
		assert.False(t, ok)
	})
}

func TestDefaultProviders(t *testing.T) {
	providers := DefaultProviders("/var/www/site")
	require.Len(t, providers, 3)
	assert.Equal(t, []string{"/var/www/site", "/var/www"}, providers[0].Candidates())
	assert.NotEmpty(t, providers[1].Candidates())
	assert.NotEmpty(t, providers[2].Candidates())
}
