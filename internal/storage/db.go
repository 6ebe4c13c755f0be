package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/rossigee/cms-deployer/internal/database"
	"github.com/rossigee/cms-deployer/pkg/types"
)

const (
	// MaxOutputBytes caps the stored output of a single job.
	MaxOutputBytes = 1000000
	// TruncationNote is appended to output cut at MaxOutputBytes.
	TruncationNote = "\n[worker] Output truncated to 1,000,000 bytes."
	// StaleNote is appended to the output of reaped jobs.
	StaleNote = "\n[worker] Marked failed after stale running timeout."
	// StaleExitCode is recorded for reaped jobs.
	StaleExitCode = 124

	MinStaleMinutes     = 5
	MaxStaleMinutes     = 1440
	DefaultStaleMinutes = 120

	DefaultListLimit = 20
	MaxListLimit     = 200
)

// ErrJobNotFound is returned when a job id has no row.
var ErrJobNotFound = errors.New("job not found")

const jobColumns = `id, site_root, job_type, status, requested_by, requested_at,
	started_at, finished_at, exit_code, output_text, archived`

// Job represents a row of the queue table
type Job struct {
	ID          int64           `db:"id"`
	SiteRoot    string          `db:"site_root"`
	JobType     types.JobType   `db:"job_type"`
	Status      types.JobStatus `db:"status"`
	RequestedBy *int64          `db:"requested_by"`
	RequestedAt time.Time       `db:"requested_at"`
	StartedAt   *time.Time      `db:"started_at"`
	FinishedAt  *time.Time      `db:"finished_at"`
	ExitCode    *int            `db:"exit_code"`
	OutputText  *string         `db:"output_text"`
	Archived    bool            `db:"archived"`
}

// Output returns the stored output or "" when none was recorded.
func (j *Job) Output() string {
	if j.OutputText == nil {
		return ""
	}
	return *j.OutputText
}

// Response converts the row to its API representation.
func (j *Job) Response() types.JobResponse {
	return types.JobResponse{
		ID:          j.ID,
		SiteRoot:    j.SiteRoot,
		JobType:     j.JobType,
		Status:      j.Status,
		RequestedBy: j.RequestedBy,
		RequestedAt: j.RequestedAt,
		StartedAt:   j.StartedAt,
		FinishedAt:  j.FinishedAt,
		ExitCode:    j.ExitCode,
		Output:      j.Output(),
	}
}

// Store provides job persistence on a shared database handle
type Store struct {
	db      *sqlx.DB
	dialect database.Dialect
	now     func() time.Time
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the time source used for job timestamps. Without it,
// MySQL stores read the database server's UTC clock so that every worker and
// the CMS compare against one clock.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore wraps an open connection. The caller owns db.
func NewStore(db *sqlx.DB, dialect database.Dialect, opts ...Option) *Store {
	s := &Store{
		db:      db,
		dialect: dialect,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// timestamp returns second-resolution UTC time from the injected clock, the
// database server, or the local clock, in that order of preference.
func (s *Store) timestamp(ctx context.Context, q sqlx.QueryerContext) (time.Time, error) {
	now := time.Now()
	switch query := s.dialect.NowQuery(); {
	case s.now != nil:
		now = s.now()
	case query != "":
		if err := sqlx.GetContext(ctx, q, &now, query); err != nil {
			return time.Time{}, fmt.Errorf("failed to read database clock: %w", err)
		}
	}
	return now.UTC().Truncate(time.Second), nil
}

// EnsureSchema creates the queue table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range SchemaStatements(s.dialect) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create %s: %w", JobsTable, err)
		}
	}
	logrus.WithField("table", JobsTable).Info("Job queue schema ready")
	return nil
}

// QueueTableExists reports whether the queue table is present.
func (s *Store) QueueTableExists(ctx context.Context) (bool, error) {
	return database.TableExists(ctx, s.db, s.dialect, JobsTable)
}

// Enqueue records a queued frontend deploy. site_root is stored as given and
// validated when the job is claimed.
func (s *Store) Enqueue(ctx context.Context, siteRoot string, requestedBy *int64) (int64, error) {
	now, err := s.timestamp(ctx, s.db)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO cms_deploy_jobs
		 (site_root, job_type, status, requested_by, requested_at, showonweb, archived)
		 VALUES (?, ?, ?, ?, ?, 'Yes', 0)`,
		siteRoot,
		string(types.JobTypeFrontendDeploy),
		string(types.StatusQueued),
		requestedBy,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue job: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read job id: %w", err)
	}

	logrus.WithFields(logrus.Fields{"job_id": id, "site_root": siteRoot}).Info("Deploy job queued")
	return id, nil
}

// StartJob records a job that is executed immediately by the caller, skipping
// the queue.
func (s *Store) StartJob(ctx context.Context, siteRoot string, jobType types.JobType, requestedBy *int64) (int64, error) {
	if !jobType.Valid() {
		return 0, fmt.Errorf("invalid job type: %s", jobType)
	}

	now, err := s.timestamp(ctx, s.db)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO cms_deploy_jobs
		 (site_root, job_type, status, requested_by, requested_at, started_at, showonweb, archived)
		 VALUES (?, ?, ?, ?, ?, ?, 'Yes', 0)`,
		siteRoot,
		string(jobType),
		string(types.StatusRunning),
		requestedBy,
		now,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to start job: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read job id: %w", err)
	}
	return id, nil
}

// ClaimNext moves the oldest queued frontend deploy to running and returns
// it. It returns nil when nothing is queued or another worker won the row.
func (s *Store) ClaimNext(ctx context.Context, siteRoot string) (*Job, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				logrus.WithError(rollbackErr).Warn("Failed to rollback transaction")
			}
		}
	}()

	query := `SELECT id FROM cms_deploy_jobs
		WHERE status = ? AND job_type = ? AND archived = 0`
	args := []interface{}{string(types.StatusQueued), string(types.JobTypeFrontendDeploy)}
	if siteRoot != "" {
		query += " AND site_root = ?"
		args = append(args, siteRoot)
	}
	query += " ORDER BY requested_at ASC, id ASC LIMIT 1" + s.dialect.LockClause()

	var id int64
	if err := tx.GetContext(ctx, &id, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to select queued job: %w", err)
	}

	now, err := s.timestamp(ctx, tx)
	if err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE cms_deploy_jobs
		 SET status = ?, started_at = ?, finished_at = NULL, exit_code = NULL, output_text = NULL
		 WHERE id = ? AND status = ?`,
		string(types.StatusRunning),
		now,
		id,
		string(types.StatusQueued),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected != 1 {
		logrus.WithField("job_id", id).Debug("Lost claim race")
		return nil, nil
	}

	job := &Job{}
	if err := tx.GetContext(ctx, job, "SELECT "+jobColumns+" FROM cms_deploy_jobs WHERE id = ?", id); err != nil {
		return nil, fmt.Errorf("failed to reload job %d: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true

	return job, nil
}

// TruncateOutput caps output at MaxOutputBytes, appending TruncationNote when cut.
func TruncateOutput(output string) string {
	if len(output) <= MaxOutputBytes {
		return output
	}
	return output[:MaxOutputBytes] + TruncationNote
}

// storedOutputs returns the values Finish tries for output_text: the
// truncated output, then a copy with invalid UTF-8 replaced, for utf8mb4
// columns in strict mode that reject cut or binary output.
func storedOutputs(output string) []string {
	stored := TruncateOutput(output)
	if utf8.ValidString(stored) {
		return []string{stored}
	}
	return []string{stored, strings.ToValidUTF8(stored, "\uFFFD")}
}

// Finish records the terminal state of a job. Any status other than success
// is stored as failed.
func (s *Store) Finish(ctx context.Context, id int64, status types.JobStatus, exitCode *int, output string) error {
	if status != types.StatusSuccess {
		status = types.StatusFailed
	}
	now, err := s.timestamp(ctx, s.db)
	if err != nil {
		return err
	}

	for _, stored := range storedOutputs(output) {
		_, err = s.db.ExecContext(ctx,
			`UPDATE cms_deploy_jobs
			 SET status = ?, finished_at = ?, exit_code = ?, output_text = ?
			 WHERE id = ?`,
			string(status),
			now,
			exitCode,
			stored,
			id,
		)
		if err == nil {
			return nil
		}
		logrus.WithError(err).WithField("job_id", id).Warn("Failed to store job output")
	}
	return fmt.Errorf("failed to finish job %d: %w", id, err)
}

// ClampStaleMinutes bounds a stale threshold to [MinStaleMinutes, MaxStaleMinutes].
func ClampStaleMinutes(minutes int) int {
	return clamp(minutes, MinStaleMinutes, MaxStaleMinutes)
}

// ReapStale fails running jobs started more than minutes ago and returns how
// many were updated. The OS processes behind them are not touched.
func (s *Store) ReapStale(ctx context.Context, minutes int) (int64, error) {
	minutes = ClampStaleMinutes(minutes)
	now, err := s.timestamp(ctx, s.db)
	if err != nil {
		return 0, err
	}
	cutoff := now.Add(-time.Duration(minutes) * time.Minute)

	res, err := s.db.ExecContext(ctx,
		`UPDATE cms_deploy_jobs
		 SET status = ?, finished_at = ?, exit_code = ?, output_text = `+s.dialect.Concat("output_text", "?")+`
		 WHERE status = ? AND started_at IS NOT NULL AND started_at < ?`,
		string(types.StatusFailed),
		now,
		StaleExitCode,
		StaleNote,
		string(types.StatusRunning),
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reap stale jobs: %w", err)
	}

	count, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if count > 0 {
		logrus.WithFields(logrus.Fields{"count": count, "stale_minutes": minutes}).Warn("Marked stale running jobs failed")
	}
	return count, nil
}

// ListJobsFilter defines filtering options for ListJobs
type ListJobsFilter struct {
	SiteRoot string
	JobType  types.JobType // optional
	Limit    int           // default 20, at most 200
}

// ListJobs returns non-archived jobs for a site, newest first.
func (s *Store) ListJobs(ctx context.Context, filter ListJobsFilter) ([]Job, error) {
	limit := filter.Limit
	if limit == 0 {
		limit = DefaultListLimit
	}
	limit = clamp(limit, 1, MaxListLimit)

	query := "SELECT " + jobColumns + " FROM cms_deploy_jobs WHERE site_root = ? AND archived = 0"
	args := []interface{}{filter.SiteRoot}
	if filter.JobType != "" {
		query += " AND job_type = ?"
		args = append(args, string(filter.JobType))
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	jobs := []Job{}
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	return jobs, nil
}

// LatestJob returns the newest frontend deploy for a site, or nil.
func (s *Store) LatestJob(ctx context.Context, siteRoot string) (*Job, error) {
	jobs, err := s.ListJobs(ctx, ListJobsFilter{SiteRoot: siteRoot, JobType: types.JobTypeFrontendDeploy, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return &jobs[0], nil
}

// GetJob retrieves a job by id.
func (s *Store) GetJob(ctx context.Context, id int64) (*Job, error) {
	job := &Job{}
	err := s.db.GetContext(ctx, job, "SELECT "+jobColumns+" FROM cms_deploy_jobs WHERE id = ?", id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("failed to query job: %w", err)
	}
	return job, nil
}

// CountByStatus returns the number of non-archived jobs in status.
func (s *Store) CountByStatus(ctx context.Context, status types.JobStatus) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM cms_deploy_jobs WHERE status = ? AND archived = 0", string(status))
	if err != nil {
		return 0, fmt.Errorf("failed to get job count: %w", err)
	}
	return count, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
