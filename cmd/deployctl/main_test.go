package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/rossigee/cms-deployer/internal/site"
	"github.com/rossigee/cms-deployer/pkg/types"
)

type env struct {
	base   string
	root   string
	migDir string
}

func setup(t *testing.T) *env {
	t.Helper()
	base, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	root := filepath.Join(base, "example.com")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "web", "wccms", "deploy_scripts"), 0o755))
	migDir := t.TempDir()

	t.Setenv("DB_DRIVER", "sqlite3")
	t.Setenv("DB_DSN", filepath.Join(t.TempDir(), "cms.db"))
	t.Setenv("SITE_BASE_DIR", base)
	t.Setenv("MIGRATIONS_DIR", migDir)
	t.Setenv("DB_CONNECT_RETRY_ATTEMPTS", "1")
	t.Setenv("CMS_SITE_ROOT", "")
	return &env{base: base, root: root, migDir: migDir}
}

func run(t *testing.T, args ...string) (string, int) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	a := newApp(&stdout, &stderr)
	a.ExitErrHandler = func(*cli.Context, error) {}

	err := a.RunContext(context.Background(), append([]string{"deployctl"}, args...))
	var exitErr cli.ExitCoder
	switch {
	case errors.As(err, &exitErr):
		return stdout.String(), exitErr.ExitCode()
	case err != nil:
		return stdout.String() + err.Error(), 1
	}
	return stdout.String(), 0
}

func TestJobsCommands(t *testing.T) {
	e := setup(t)

	out, code := run(t, "jobs", "init-schema")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "cms_deploy_jobs is ready")

	out, code = run(t, "--user-id", "12", "jobs", "enqueue", "--site-root", e.root)
	require.Equal(t, 0, code, out)
	var enq types.EnqueueResponse
	require.NoError(t, json.Unmarshal([]byte(out), &enq))
	assert.Equal(t, int64(1), enq.JobID)

	out, code = run(t, "jobs", "list", "--site-root", e.root)
	require.Equal(t, 0, code, out)
	var list types.JobListResponse
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list.Jobs, 1)
	require.NotNil(t, list.Jobs[0].RequestedBy)
	assert.Equal(t, int64(12), *list.Jobs[0].RequestedBy)

	out, code = run(t, "jobs", "show", "1")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, `"status": "queued"`)

	_, code = run(t, "jobs", "show", "42")
	assert.Equal(t, 1, code)
}

func TestEnqueue_DisallowedRoot(t *testing.T) {
	setup(t)

	_, code := run(t, "jobs", "enqueue", "--site-root", "/etc")
	assert.Equal(t, 2, code)
}

func TestSiteDetect(t *testing.T) {
	e := setup(t)

	out, code := run(t, "site", "detect", "--site-root", filepath.Join(e.root, "web", "wccms"))
	require.Equal(t, 0, code, out)
	assert.Equal(t, e.root+"\n", out)
}

func TestDeployCommands(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
	e := setup(t)
	require.NoError(t, os.WriteFile(site.ReleaseScriptPath(e.root),
		[]byte("#!/bin/sh\necho \"mode=$1\"\n[ \"$1\" = check ] || exit 3\n"), 0o755))

	_, code := run(t, "jobs", "init-schema")
	require.Equal(t, 0, code)

	out, code := run(t, "deploy", "check", "--site-root", e.root)
	assert.Equal(t, 0, code)
	assert.Equal(t, "mode=check\n", out)

	out, code = run(t, "deploy", "run", "--site-root", e.root)
	assert.Equal(t, 3, code)
	assert.Contains(t, out, "status=failed exit=3")

	_, code = run(t, "deploy", "run", "--site-root", e.root, "--type", "sideways")
	assert.Equal(t, 2, code)
}

func TestMigrateCommands(t *testing.T) {
	e := setup(t)
	require.NoError(t, os.WriteFile(filepath.Join(e.migDir, "001_a.sql"), []byte("CREATE TABLE a (id INTEGER);"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(e.migDir, "002_b.sql"), []byte("CREATE TABLE b (id INTEGER);"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(e.migDir, "003_c.sql"), []byte("INSERT INTO missing VALUES (1);"), 0o600))

	out, code := run(t, "migrate", "status")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "3 pending")

	out, code = run(t, "migrate", "next")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "Applied 001_a.sql")

	out, code = run(t, "migrate", "all")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "Applied 002_b.sql")
	assert.NotContains(t, out, "Applied 003_c.sql")

	out, code = run(t, "migrate", "run", "001_a.sql")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "already applied")
}
