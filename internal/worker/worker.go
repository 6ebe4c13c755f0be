// Package worker drains the deploy queue in short batches.
package worker

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rossigee/cms-deployer/internal/deploy"
	"github.com/rossigee/cms-deployer/internal/metrics"
	"github.com/rossigee/cms-deployer/internal/storage"
)

const (
	DefaultMaxJobs = 5
	MinMaxJobs     = 1
	MaxMaxJobs     = 100
)

// Options bounds a single worker pass.
type Options struct {
	MaxJobs      int
	StaleMinutes int
	// SiteRoot restricts claims to one site. It must pass the allow-list.
	SiteRoot string
}

// DefaultOptions returns the bounds used when no flags are given.
func DefaultOptions() Options {
	return Options{MaxJobs: DefaultMaxJobs, StaleMinutes: storage.DefaultStaleMinutes}
}

// Normalized returns opts with both limits clamped. Zero is clamped like any
// other value, so callers wanting the defaults start from DefaultOptions.
func (o Options) Normalized() Options {
	if o.MaxJobs < MinMaxJobs {
		o.MaxJobs = MinMaxJobs
	}
	if o.MaxJobs > MaxMaxJobs {
		o.MaxJobs = MaxMaxJobs
	}
	o.StaleMinutes = storage.ClampStaleMinutes(o.StaleMinutes)
	return o
}

// StartupError reports a configuration problem found before any job was
// touched.
type StartupError struct {
	Message string
	Err     error
}

func (e *StartupError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// Summary describes a completed pass.
type Summary struct {
	RunID     string
	Reaped    int64
	Processed int
	Outcomes  []deploy.Outcome
}

// Worker claims queued jobs and hands them to the deploy service.
type Worker struct {
	store   *storage.Store
	service *deploy.Service
	metrics *metrics.Metrics
	out     io.Writer
}

// New creates a worker writing progress lines to out.
func New(store *storage.Store, service *deploy.Service, m *metrics.Metrics, out io.Writer) *Worker {
	if out == nil {
		out = io.Discard
	}
	return &Worker{store: store, service: service, metrics: m, out: out}
}

// Run reaps stale jobs, then claims and executes up to MaxJobs queued jobs.
// Startup problems are returned as *StartupError; any later error aborts the
// pass with the jobs finished so far left in place.
func (w *Worker) Run(ctx context.Context, opts Options) (*Summary, error) {
	opts = opts.Normalized()
	summary := &Summary{RunID: uuid.New().String()}
	log := logrus.WithField("run_id", summary.RunID)

	exists, err := w.store.QueueTableExists(ctx)
	if err != nil {
		return nil, &StartupError{Message: "Database unavailable.", Err: err}
	}
	if !exists {
		return nil, &StartupError{Message: "Missing " + storage.JobsTable + " table. Run migrations first."}
	}

	filter := ""
	if opts.SiteRoot != "" {
		root, ok := w.service.Validator().Canonical(opts.SiteRoot)
		if !ok {
			return nil, &StartupError{Message: "Refusing invalid site root filter: " + opts.SiteRoot}
		}
		filter = root
	}

	log.WithFields(logrus.Fields{
		"max_jobs":      opts.MaxJobs,
		"stale_minutes": opts.StaleMinutes,
		"site_root":     filter,
	}).Info("Worker pass starting")

	reaped, err := w.store.ReapStale(ctx, opts.StaleMinutes)
	if err != nil {
		return summary, err
	}
	summary.Reaped = reaped
	if reaped > 0 {
		w.metrics.StaleReaped(reaped)
		fmt.Fprintf(w.out, "[worker] Marked stale running jobs failed: %d\n", reaped)
	}

	for summary.Processed < opts.MaxJobs {
		job, err := w.store.ClaimNext(ctx, filter)
		if err != nil {
			return summary, err
		}
		if job == nil {
			break
		}
		w.metrics.JobClaimed()
		fmt.Fprintf(w.out, "[worker] Running job #%d for %s\n", job.ID, job.SiteRoot)

		outcome, err := w.service.Execute(ctx, job)
		if err != nil {
			return summary, fmt.Errorf("job %d: %w", job.ID, err)
		}
		fmt.Fprintf(w.out, "[worker] Job #%d finished with status=%s exit=%d\n", job.ID, outcome.Status, outcome.ExitCode)

		summary.Outcomes = append(summary.Outcomes, *outcome)
		summary.Processed++
	}

	fmt.Fprintf(w.out, "[worker] Done. Jobs processed: %d\n", summary.Processed)
	log.WithField("processed", summary.Processed).Info("Worker pass finished")
	return summary, nil
}
