package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rossigee/cms-deployer/internal/auth"
	"github.com/rossigee/cms-deployer/internal/config"
	"github.com/rossigee/cms-deployer/internal/database"
	"github.com/rossigee/cms-deployer/internal/deploy"
	"github.com/rossigee/cms-deployer/internal/migrate"
	"github.com/rossigee/cms-deployer/internal/process"
	"github.com/rossigee/cms-deployer/internal/retry"
	"github.com/rossigee/cms-deployer/internal/schema"
	"github.com/rossigee/cms-deployer/internal/site"
	"github.com/rossigee/cms-deployer/internal/storage"
	"github.com/rossigee/cms-deployer/pkg/types"
)

const (
	operatorToken = "operator-token"
	viewerToken   = "viewer-token"
)

// MockRunner for testing
type MockRunner struct {
	result process.Result
	calls  int
}

func (m *MockRunner) RunScript(context.Context, string, process.Mode, map[string]string) process.Result {
	m.calls++
	return m.result
}

func (m *MockRunner) Run(context.Context, []string, string, map[string]string) process.Result {
	m.calls++
	return m.result
}

// MockSyncer for testing
type MockSyncer struct {
	err        error
	lastPrefix string
}

func (m *MockSyncer) Coverage(_ context.Context, prefix string) (*schema.Coverage, error) {
	m.lastPrefix = prefix
	return &schema.Coverage{
		Summary: schema.CoverageSummary{TablePrefix: prefix, SourceTablesInScope: 2, MissingTables: 1},
		Rows:    []schema.CoverageRow{{Table: "cms_orders", InTarget: false}, {Table: "cms_users", InTarget: true}},
	}, nil
}

func (m *MockSyncer) Plan(_ context.Context, prefix string) (*schema.Plan, error) {
	m.lastPrefix = prefix
	return &schema.Plan{Summary: schema.PlanSummary{TablePrefix: prefix}, Operations: []schema.Operation{}}, nil
}

func (m *MockSyncer) Sync(ctx context.Context, prefix string) (*schema.Plan, []schema.Applied, error) {
	plan, _ := m.Plan(ctx, prefix)
	return plan, []schema.Applied{}, m.err
}

type testEnv struct {
	router *gin.Engine
	store  *storage.Store
	runner *MockRunner
	syncer *MockSyncer
	root   string
	migDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	opts := database.DefaultOptions()
	opts.PingRetry = retry.Config{MaxAttempts: 1}
	db, err := database.Open(context.Background(), database.SQLite, ":memory:", opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close() // Ignore error in test
	})

	store := storage.NewStore(db, database.SQLite)
	require.NoError(t, store.EnsureSchema(context.Background()))

	base, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	root := filepath.Join(base, "example.com")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "web"), 0o755))

	tokens := filepath.Join(t.TempDir(), "api-tokens")
	require.NoError(t, os.WriteFile(tokens, []byte(operatorToken+":7:4\n"+viewerToken+":8:1\n"), 0o600))
	validator, err := auth.NewValidator(config.Server{TokensFile: tokens})
	require.NoError(t, err)

	migDir := t.TempDir()
	runner := &MockRunner{result: process.Result{ExitCode: 0, Output: "released"}}
	syncer := &MockSyncer{}
	svc := deploy.NewService(store, runner, site.NewValidator(base))
	handler := NewHandler(svc, store, Options{
		Migrator: migrate.NewRunner(db, database.SQLite, migDir),
		Schema:   syncer,
		Ping:     db.PingContext,
		Version:  "test",
	})

	router := gin.New()
	SetupRoutes(router, handler, validator.Middleware())

	return &testEnv{router: router, store: store, runner: runner, syncer: syncer, root: root, migDir: migDir}
}

func (e *testEnv) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestSetupRoutes(t *testing.T) {
	env := newTestEnv(t)

	routePaths := make(map[string]bool)
	for _, route := range env.router.Routes() {
		routePaths[route.Method+" "+route.Path] = true
	}

	for _, r := range []string{
		"POST /api/v1/jobs",
		"GET /api/v1/jobs",
		"GET /api/v1/jobs/latest",
		"GET /api/v1/jobs/:id",
		"POST /api/v1/deploy/run",
		"POST /api/v1/deploy/check",
		"GET /api/v1/migrations",
		"POST /api/v1/migrations/run",
		"GET /api/v1/schema/coverage",
		"GET /api/v1/schema/plan",
		"POST /api/v1/schema/apply",
		"GET /health",
	} {
		assert.True(t, routePaths[r], r)
	}
}

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/health", "", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp types.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "ok", resp.Database)
	assert.Equal(t, "test", resp.Version)
	assert.NotEmpty(t, w.Header().Get("X-Correlation-ID"))
}

func TestAPIRequiresAuthentication(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/v1/jobs?site_root="+env.root, "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestEnqueueJob(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/v1/jobs", operatorToken, types.EnqueueRequest{SiteRoot: env.root + "/", CorrelationID: "abc"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp types.EnqueueResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, types.StatusQueued, resp.Status)
	assert.Equal(t, "abc", resp.CorrelationID)

	job, err := env.store.GetJob(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, env.root, job.SiteRoot)
	require.NotNil(t, job.RequestedBy)
	assert.Equal(t, int64(7), *job.RequestedBy)
}

func TestEnqueueJob_Validation(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/v1/jobs", operatorToken, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid request")

	w = env.do(http.MethodPost, "/api/v1/jobs", viewerToken, types.EnqueueRequest{SiteRoot: env.root})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestListAndGetJobs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.store.Enqueue(ctx, env.root, nil)
	require.NoError(t, err)
	second, err := env.store.Enqueue(ctx, env.root, nil)
	require.NoError(t, err)

	w := env.do(http.MethodGet, "/api/v1/jobs?site_root="+env.root+"&limit=1", viewerToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list types.JobListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Jobs, 1)
	assert.Equal(t, second, list.Jobs[0].ID)

	w = env.do(http.MethodGet, "/api/v1/jobs/"+strconv.FormatInt(first, 10), viewerToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var job types.JobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, first, job.ID)
	assert.Equal(t, types.StatusQueued, job.Status)

	w = env.do(http.MethodGet, "/api/v1/jobs/latest?site_root="+env.root, viewerToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, second, job.ID)

	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/api/v1/jobs/999", viewerToken, nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/api/v1/jobs/abc", viewerToken, nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/api/v1/jobs", viewerToken, nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/api/v1/jobs?site_root=/x&job_type=bogus", viewerToken, nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/api/v1/jobs/latest?site_root=/nowhere", viewerToken, nil).Code)
}

func TestRunDeploy(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/v1/deploy/run", operatorToken, types.DeployRunRequest{
		SiteRoot: env.root,
		JobType:  types.JobTypeFrontendDeploy,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var job types.JobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, types.StatusSuccess, job.Status)
	assert.Equal(t, "released", job.Output)
	assert.Equal(t, 1, env.runner.calls)

	w = env.do(http.MethodPost, "/api/v1/deploy/run", operatorToken, types.DeployRunRequest{
		SiteRoot: "/etc",
		JobType:  types.JobTypeFrontendDeploy,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "not an allowed deploy target")
}

func TestCheckDeploy(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/v1/deploy/check", operatorToken, types.CheckRequest{SiteRoot: env.root})
	require.Equal(t, http.StatusOK, w.Code)

	var resp types.CheckResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.ExitCode)
	assert.Equal(t, "released", resp.Output)

	w = env.do(http.MethodPost, "/api/v1/deploy/check", viewerToken, types.CheckRequest{SiteRoot: env.root})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestMigrations(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(env.migDir, "001_widgets.sql"),
		[]byte("CREATE TABLE widgets (id INTEGER PRIMARY KEY);"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(env.migDir, "002_gadgets.sql"),
		[]byte("CREATE TABLE gadgets (id INTEGER PRIMARY KEY);"), 0o600))

	w := env.do(http.MethodGet, "/api/v1/migrations", viewerToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status types.MigrationStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, 2, status.Pending)

	w = env.do(http.MethodPost, "/api/v1/migrations/run", operatorToken, types.MigrationRunRequest{Mode: "next"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var run types.MigrationRunResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &run))
	assert.Equal(t, []string{"001_widgets.sql"}, run.Applied)

	w = env.do(http.MethodPost, "/api/v1/migrations/run", operatorToken, types.MigrationRunRequest{Mode: "one", Name: "001_widgets.sql"})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &run))
	assert.Empty(t, run.Applied)
	assert.Contains(t, run.Message, "already applied")

	w = env.do(http.MethodPost, "/api/v1/migrations/run", operatorToken, types.MigrationRunRequest{Mode: "all"})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &run))
	assert.Equal(t, []string{"002_gadgets.sql"}, run.Applied)

	w = env.do(http.MethodPost, "/api/v1/migrations/run", operatorToken, types.MigrationRunRequest{Mode: "one", Name: "../x.sql"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(http.MethodPost, "/api/v1/migrations/run", operatorToken, types.MigrationRunRequest{Mode: "sideways"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSchemaEndpoints(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/v1/schema/coverage", viewerToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, schema.DefaultCoveragePrefix, env.syncer.lastPrefix)
	assert.Contains(t, w.Body.String(), `"missing_tables":1`)

	w = env.do(http.MethodGet, "/api/v1/schema/plan?table_prefix=app_", viewerToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "app_", env.syncer.lastPrefix)

	w = env.do(http.MethodPost, "/api/v1/schema/apply", viewerToken, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(http.MethodPost, "/api/v1/schema/apply", operatorToken, types.SchemaApplyRequest{TablePrefix: "cms_"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"applied":[]`)

	env.syncer.err = errors.New("operation 1 failed")
	w = env.do(http.MethodPost, "/api/v1/schema/apply", operatorToken, types.SchemaApplyRequest{})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "operation 1 failed")
}

func TestNotConfigured(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewHandler(nil, nil, Options{})
	router := gin.New()
	SetupRoutes(router, handler)

	for _, path := range []string{"/api/v1/migrations", "/api/v1/schema/coverage"} {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, path, nil)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, path)
	}
}
