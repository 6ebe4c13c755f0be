package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.JobEnqueued()
		m.JobClaimed()
		m.JobFinished("success")
		m.StaleReaped(3)
		m.ObserveRelease("frontend_deploy", "deploy", time.Second)
		m.SchemaOperation("create_table", "applied")
		m.MigrationApplied()
	})
	assert.Nil(t, m.Registry())
	assert.NoError(t, m.Push(context.Background(), "http://unused", "job", nil))
}

func TestCounters(t *testing.T) {
	m := New()

	m.JobClaimed()
	m.JobClaimed()
	m.JobFinished("failed")
	m.StaleReaped(2)
	m.StaleReaped(0)
	m.SchemaOperation("add_foreign_key", "skipped")
	m.MigrationApplied()

	body := scrape(t, m)
	assert.Contains(t, body, "cms_deployer_jobs_claimed_total 2\n")
	assert.Contains(t, body, `cms_deployer_jobs_finished_total{status="failed"} 1`)
	assert.Contains(t, body, "cms_deployer_stale_jobs_reaped_total 2\n")
	assert.Contains(t, body, `cms_deployer_schema_operations_total{result="skipped",type="add_foreign_key"} 1`)
	assert.Contains(t, body, "cms_deployer_migrations_applied_total 1\n")
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestHandler(t *testing.T) {
	m := New()
	m.JobEnqueued()

	assert.Contains(t, scrape(t, m), "cms_deployer_jobs_enqueued_total 1")
}

func TestPush(t *testing.T) {
	var gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := New()
	m.JobClaimed()

	require.NoError(t, m.Push(context.Background(), srv.URL, "deploy_worker", map[string]string{"instance": "web1"}))
	assert.True(t, strings.HasPrefix(gotPath, "/metrics/job/deploy_worker"))
	assert.Contains(t, gotPath, "/instance/web1")
	assert.NotEmpty(t, gotBody)

	assert.NoError(t, m.Push(context.Background(), "", "deploy_worker", nil))
}
