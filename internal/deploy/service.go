// Package deploy runs release scripts and backend git updates against site
// roots and records the outcome in the job queue.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rossigee/cms-deployer/internal/audit"
	"github.com/rossigee/cms-deployer/internal/metrics"
	"github.com/rossigee/cms-deployer/internal/prefs"
	"github.com/rossigee/cms-deployer/internal/process"
	"github.com/rossigee/cms-deployer/internal/site"
	"github.com/rossigee/cms-deployer/internal/storage"
	"github.com/rossigee/cms-deployer/pkg/types"
)

var (
	// ErrSiteNotAllowed is returned for site roots outside the allow-list.
	ErrSiteNotAllowed = errors.New("site root is not an allowed deploy target")
	// ErrForbidden is returned when the caller's role is below the configured minimum.
	ErrForbidden = errors.New("insufficient role for deploy tools")
)

// Runner executes external programs. *process.Executor satisfies it.
type Runner interface {
	RunScript(ctx context.Context, scriptPath string, mode process.Mode, env map[string]string) process.Result
	Run(ctx context.Context, argv []string, dir string, env map[string]string) process.Result
}

// Archiver stores the complete output of a finished job.
type Archiver interface {
	StoreOutput(ctx context.Context, jobID int64, output string) (string, error)
}

// Caller is the authorised identity behind a request, as resolved by the
// external authoriser.
type Caller struct {
	Actor audit.Actor
	Role  int
}

// Outcome is the result of one executed job.
type Outcome struct {
	JobID    int64
	SiteRoot string
	JobType  types.JobType
	Status   types.JobStatus
	ExitCode int
	Output   string
}

// Service executes deploy jobs. It holds no per-job state and is safe to share.
type Service struct {
	store     *storage.Store
	runner    Runner
	validator *site.Validator
	prefs     prefs.Source
	audit     audit.Sink
	metrics   *metrics.Metrics
	archive   Archiver
}

// Option customises a Service.
type Option func(*Service)

// WithPrefs sets the preference source for role and repo settings.
func WithPrefs(src prefs.Source) Option {
	return func(s *Service) { s.prefs = src }
}

// WithAudit sets the audit sink.
func WithAudit(sink audit.Sink) Option {
	return func(s *Service) { s.audit = sink }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithArchive uploads the full output of every finished job.
func WithArchive(a Archiver) Option {
	return func(s *Service) { s.archive = a }
}

// NewService creates a deploy service.
func NewService(store *storage.Store, runner Runner, validator *site.Validator, opts ...Option) *Service {
	s := &Service{
		store:     store,
		runner:    runner,
		validator: validator,
		audit:     audit.Discard{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Validator returns the site-root allow-list in use.
func (s *Service) Validator() *site.Validator {
	return s.validator
}

// Authorize checks the caller's role against the configured minimum.
func (s *Service) Authorize(ctx context.Context, caller Caller) error {
	if required := prefs.MinRole(ctx, s.prefs); caller.Role < required {
		return fmt.Errorf("%w: role %d, requires %d", ErrForbidden, caller.Role, required)
	}
	return nil
}

// InvalidSiteOutput is the diagnostic stored on jobs whose site root fails validation.
func (s *Service) InvalidSiteOutput(root string) string {
	return fmt.Sprintf("[worker] Invalid or disallowed site_root: %s\n"+
		"Allowed roots must be canonical %s/* with a web/ directory.", root, s.validator.Base())
}

// Environment builds the variables passed to the release script for root.
func (s *Service) Environment(ctx context.Context, root string) map[string]string {
	name := site.RepoName(prefs.String(ctx, s.prefs, prefs.ScopeCMS, prefs.KeyRepoName, ""))
	path := site.RepoPath(root, prefs.String(ctx, s.prefs, prefs.ScopeCMS, prefs.KeyRepoPath, ""), name)
	return map[string]string{
		"FRONTEND_REPO":      path,
		"FRONTEND_REPO_NAME": name,
	}
}

// Enqueue queues a frontend deploy for the worker. The site root is stored as
// given and validated when the job is claimed.
func (s *Service) Enqueue(ctx context.Context, siteRoot string, caller Caller) (int64, error) {
	id, err := s.store.Enqueue(ctx, siteRoot, caller.Actor.UserID)
	if err != nil {
		return 0, err
	}
	s.metrics.JobEnqueued()

	s.audit.Record(ctx, audit.Entry{
		Action:   "frontend_deploy_enqueue",
		Name:     "Frontend deploy queued",
		Table:    storage.JobsTable,
		RecordID: strconv.FormatInt(id, 10),
		SQL: fmt.Sprintf("INSERT INTO %s (site_root, job_type, status) VALUES ('%s', '%s', '%s')",
			storage.JobsTable, escape(siteRoot), types.JobTypeFrontendDeploy, types.StatusQueued),
		Actor: caller.Actor,
	})

	logrus.WithFields(logrus.Fields{
		"job_id":    id,
		"site_root": siteRoot,
	}).Info("Frontend deploy queued")
	return id, nil
}

// RunNow records a running job of jobType for siteRoot and executes it
// synchronously.
func (s *Service) RunNow(ctx context.Context, siteRoot string, jobType types.JobType, caller Caller) (*Outcome, error) {
	if !jobType.Valid() {
		return nil, fmt.Errorf("unknown job type %q", jobType)
	}
	root, ok := s.validator.Canonical(siteRoot)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSiteNotAllowed, siteRoot)
	}

	id, err := s.store.StartJob(ctx, root, jobType, caller.Actor.UserID)
	if err != nil {
		return nil, err
	}
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}

	out, err := s.Execute(ctx, job)
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, audit.Entry{
		Action:   string(jobType) + "_run",
		Table:    storage.JobsTable,
		RecordID: strconv.FormatInt(id, 10),
		SQL: fmt.Sprintf("UPDATE %s SET status = '%s', exit_code = %d WHERE id = %d",
			storage.JobsTable, out.Status, out.ExitCode, id),
		Actor: caller.Actor,
	})
	return out, nil
}

// RunFrontend runs the release script in deploy mode for siteRoot.
func (s *Service) RunFrontend(ctx context.Context, siteRoot string, caller Caller) (*Outcome, error) {
	return s.RunNow(ctx, siteRoot, types.JobTypeFrontendDeploy, caller)
}

// RunBackend fast-forwards the CMS checkout for siteRoot.
func (s *Service) RunBackend(ctx context.Context, siteRoot string, caller Caller) (*Outcome, error) {
	return s.RunNow(ctx, siteRoot, types.JobTypeBackendDeploy, caller)
}

// Check runs the release script in check mode. No job is recorded.
func (s *Service) Check(ctx context.Context, siteRoot string, caller Caller) (process.Result, error) {
	root, ok := s.validator.Canonical(siteRoot)
	if !ok {
		return process.Result{}, fmt.Errorf("%w: %s", ErrSiteNotAllowed, siteRoot)
	}

	res := s.runner.RunScript(ctx, site.ReleaseScriptPath(root), process.ModeCheck, s.Environment(ctx, root))
	s.metrics.ObserveRelease(string(types.JobTypeFrontendDeploy), string(process.ModeCheck), res.Duration)

	s.audit.Record(ctx, audit.Entry{
		Action:   "frontend_deploy_check",
		Name:     "Frontend release check",
		Table:    storage.JobsTable,
		RecordID: "0",
		SQL:      fmt.Sprintf("-- %s check (exit %d)", root, res.ExitCode),
		Actor:    caller.Actor,
	})
	return res, nil
}

// Execute runs a claimed or started job and records its terminal state. Site
// roots failing validation are finished as failed without running anything.
func (s *Service) Execute(ctx context.Context, job *storage.Job) (*Outcome, error) {
	out := &Outcome{JobID: job.ID, SiteRoot: job.SiteRoot, JobType: job.JobType}

	root, ok := s.validator.Canonical(job.SiteRoot)
	if !ok {
		out.Status = types.StatusFailed
		out.ExitCode = 2
		out.Output = s.InvalidSiteOutput(job.SiteRoot)
		return out, s.finish(ctx, out)
	}

	start := time.Now()
	var res process.Result
	switch job.JobType {
	case types.JobTypeBackendDeploy:
		res = s.runBackend(ctx, root)
	default:
		res = s.runner.RunScript(ctx, site.ReleaseScriptPath(root), process.ModeDeploy, s.Environment(ctx, root))
	}
	s.metrics.ObserveRelease(string(job.JobType), string(process.ModeDeploy), time.Since(start))

	out.ExitCode = res.ExitCode
	out.Output = res.Output
	out.Status = types.StatusFailed
	if res.Succeeded() {
		out.Status = types.StatusSuccess
	}
	return out, s.finish(ctx, out)
}

func (s *Service) finish(ctx context.Context, out *Outcome) error {
	if s.archive != nil {
		if _, err := s.archive.StoreOutput(ctx, out.JobID, out.Output); err != nil {
			logrus.WithError(err).WithField("job_id", out.JobID).Warn("Failed to archive job output")
		}
	}

	code := out.ExitCode
	if err := s.store.Finish(ctx, out.JobID, out.Status, &code, out.Output); err != nil {
		return err
	}
	s.metrics.JobFinished(string(out.Status))

	logrus.WithFields(logrus.Fields{
		"job_id":    out.JobID,
		"job_type":  out.JobType,
		"status":    out.Status,
		"exit_code": out.ExitCode,
	}).Info("Job finished")
	return nil
}

// runBackend fast-forwards the git checkout under web/wccms on its current branch.
func (s *Service) runBackend(ctx context.Context, root string) process.Result {
	repo := site.BackendRepoPath(root)
	if !isDir(repo) {
		return failed(process.ExitNotFound, "Backend path not found: "+repo)
	}
	if !isDir(filepath.Join(repo, ".git")) {
		return failed(process.ExitNotFound, "Backend path is not a git repo: "+repo)
	}

	branch := "main"
	head := s.runner.Run(ctx, []string{"git", "-C", repo, "rev-parse", "--abbrev-ref", "HEAD"}, "", nil)
	if name := strings.TrimSpace(head.Stdout); head.Succeeded() && name != "" && name != "HEAD" {
		branch = name
	}

	fetch := s.runner.Run(ctx, []string{"git", "-C", repo, "fetch", "origin"}, "", nil)
	if !fetch.Succeeded() {
		fetch.Output = "[backend] fetch failed on branch " + branch + "\n" + fetch.Output
		return fetch
	}

	pull := s.runner.Run(ctx, []string{"git", "-C", repo, "pull", "--ff-only", "origin", branch}, "", nil)
	pull.Output = joinNonEmpty("[backend] repo="+repo, "[backend] branch="+branch, fetch.Output, pull.Output)
	return pull
}

func failed(code int, msg string) process.Result {
	return process.Result{ExitCode: code, Stderr: msg, Output: msg}
}

func joinNonEmpty(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n")
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// escape doubles single quotes for the human-readable SQL recorded in the audit log.
func escape(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
