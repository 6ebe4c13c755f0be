package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rossigee/cms-deployer/internal/audit"
	"github.com/rossigee/cms-deployer/internal/auth"
	"github.com/rossigee/cms-deployer/internal/deploy"
	"github.com/rossigee/cms-deployer/internal/migrate"
	"github.com/rossigee/cms-deployer/internal/process"
	"github.com/rossigee/cms-deployer/internal/schema"
	"github.com/rossigee/cms-deployer/internal/storage"
	"github.com/rossigee/cms-deployer/pkg/types"
)

const correlationHeader = "X-Correlation-ID"

// Deployer interface for deploy operations
type Deployer interface {
	Authorize(ctx context.Context, caller deploy.Caller) error
	Enqueue(ctx context.Context, siteRoot string, caller deploy.Caller) (int64, error)
	RunNow(ctx context.Context, siteRoot string, jobType types.JobType, caller deploy.Caller) (*deploy.Outcome, error)
	Check(ctx context.Context, siteRoot string, caller deploy.Caller) (process.Result, error)
}

// JobReader interface for job history
type JobReader interface {
	ListJobs(ctx context.Context, filter storage.ListJobsFilter) ([]storage.Job, error)
	LatestJob(ctx context.Context, siteRoot string) (*storage.Job, error)
	GetJob(ctx context.Context, id int64) (*storage.Job, error)
}

// Migrator interface for the migration runner
type Migrator interface {
	Dir() string
	Status(ctx context.Context) (*migrate.Status, error)
	RunNext(ctx context.Context) (*migrate.Result, error)
	RunAll(ctx context.Context) ([]migrate.Result, error)
	RunOne(ctx context.Context, name string) (*migrate.Result, bool, error)
}

// SchemaSyncer interface for master/target schema comparison
type SchemaSyncer interface {
	Coverage(ctx context.Context, prefix string) (*schema.Coverage, error)
	Plan(ctx context.Context, prefix string) (*schema.Plan, error)
	Sync(ctx context.Context, prefix string) (*schema.Plan, []schema.Applied, error)
}

// Options holds the optional collaborators of a Handler.
type Options struct {
	Migrator Migrator
	Schema   SchemaSyncer
	// Ping reports database health.
	Ping    func(ctx context.Context) error
	Metrics http.Handler
	Version string
}

// Handler handles HTTP API requests
type Handler struct {
	deployer  Deployer
	jobs      JobReader
	opts      Options
	startedAt time.Time
}

// NewHandler creates a new API handler
func NewHandler(deployer Deployer, jobs JobReader, opts Options) *Handler {
	if opts.Version == "" {
		opts.Version = "dev"
	}
	return &Handler{
		deployer:  deployer,
		jobs:      jobs,
		opts:      opts,
		startedAt: time.Now(),
	}
}

// SetupRoutes configures the API routes. middleware (normally authentication)
// guards everything under /api/v1.
func SetupRoutes(router *gin.Engine, handler *Handler, middleware ...gin.HandlerFunc) {
	router.Use(CorrelationID())

	api := router.Group("/api/v1")
	api.Use(middleware...)
	{
		api.POST("/jobs", handler.EnqueueJob)
		api.GET("/jobs", handler.ListJobs)
		api.GET("/jobs/latest", handler.LatestJob)
		api.GET("/jobs/:id", handler.GetJob)

		api.POST("/deploy/run", handler.RunDeploy)
		api.POST("/deploy/check", handler.CheckDeploy)

		api.GET("/migrations", handler.MigrationStatus)
		api.POST("/migrations/run", handler.RunMigrations)

		api.GET("/schema/coverage", handler.SchemaCoverage)
		api.GET("/schema/plan", handler.SchemaPlan)
		api.POST("/schema/apply", handler.SchemaApply)
	}

	// Health check endpoint
	router.GET("/health", handler.HealthCheck)
	if handler.opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(handler.opts.Metrics))
	}
}

// CorrelationID echoes the caller's X-Correlation-ID or assigns a new one.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(correlationHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set(correlationHeader, id)
		c.Header(correlationHeader, id)
		c.Next()
	}
}

func correlationID(c *gin.Context) string {
	return c.GetString(correlationHeader)
}

func callerFrom(c *gin.Context) deploy.Caller {
	caller := deploy.Caller{
		Actor: audit.Actor{
			IP:        c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
		},
	}
	if p, ok := auth.PrincipalFrom(c); ok {
		caller.Role = p.Role
		if p.UserID > 0 {
			userID := p.UserID
			caller.Actor.UserID = &userID
		}
	}
	return caller
}

func abortWithError(c *gin.Context, status int, errMsg string, err error) {
	resp := types.ErrorResponse{Error: errMsg, Code: status}
	if err != nil {
		resp.Message = err.Error()
	}
	if status >= http.StatusInternalServerError {
		logrus.WithError(err).WithField("correlation_id", correlationID(c)).Error(errMsg)
	}
	c.AbortWithStatusJSON(status, resp)
}

func badRequest(c *gin.Context, err error) {
	abortWithError(c, http.StatusBadRequest, "invalid request", err)
}

// authorize applies the deploy role gate. It writes the response and returns
// false when the caller may not proceed.
func (h *Handler) authorize(c *gin.Context) (deploy.Caller, bool) {
	caller := callerFrom(c)
	if err := h.deployer.Authorize(c.Request.Context(), caller); err != nil {
		abortWithError(c, http.StatusForbidden, "forbidden", err)
		return caller, false
	}
	return caller, true
}

func deployError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, deploy.ErrSiteNotAllowed):
		badRequest(c, err)
	case errors.Is(err, deploy.ErrForbidden):
		abortWithError(c, http.StatusForbidden, "forbidden", err)
	default:
		abortWithError(c, http.StatusInternalServerError, "deploy failed", err)
	}
}

// EnqueueJob queues a frontend deploy
func (h *Handler) EnqueueJob(c *gin.Context) {
	var req types.EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	caller, ok := h.authorize(c)
	if !ok {
		return
	}

	jobID, err := h.deployer.Enqueue(c.Request.Context(), strings.TrimRight(req.SiteRoot, "/"), caller)
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, "failed to enqueue job", err)
		return
	}

	correlation := req.CorrelationID
	if correlation == "" {
		correlation = correlationID(c)
	}
	c.JSON(http.StatusAccepted, types.EnqueueResponse{
		JobID:         jobID,
		Status:        types.StatusQueued,
		CorrelationID: correlation,
	})
}

// ListJobs returns recent jobs for a site
func (h *Handler) ListJobs(c *gin.Context) {
	siteRoot := strings.TrimRight(c.Query("site_root"), "/")
	if siteRoot == "" {
		badRequest(c, errors.New("site_root query parameter is required"))
		return
	}

	filter := storage.ListJobsFilter{SiteRoot: siteRoot}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			badRequest(c, errors.New("limit must be an integer"))
			return
		}
		filter.Limit = limit
	}
	if raw := c.Query("job_type"); raw != "" {
		filter.JobType = types.JobType(raw)
		if !filter.JobType.Valid() {
			badRequest(c, errors.New("job_type must be frontend_deploy or backend_deploy"))
			return
		}
	}

	jobs, err := h.jobs.ListJobs(c.Request.Context(), filter)
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, "failed to list jobs", err)
		return
	}

	resp := types.JobListResponse{SiteRoot: siteRoot, Jobs: make([]types.JobResponse, 0, len(jobs))}
	for i := range jobs {
		resp.Jobs = append(resp.Jobs, jobs[i].Response())
	}
	c.JSON(http.StatusOK, resp)
}

// LatestJob returns the newest frontend deploy for a site
func (h *Handler) LatestJob(c *gin.Context) {
	siteRoot := strings.TrimRight(c.Query("site_root"), "/")
	if siteRoot == "" {
		badRequest(c, errors.New("site_root query parameter is required"))
		return
	}

	job, err := h.jobs.LatestJob(c.Request.Context(), siteRoot)
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, "failed to load job", err)
		return
	}
	if job == nil {
		abortWithError(c, http.StatusNotFound, "job not found", errors.New("no deploys recorded for "+siteRoot))
		return
	}
	c.JSON(http.StatusOK, job.Response())
}

// GetJob returns one job including its output
func (h *Handler) GetJob(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, errors.New("id must be a positive integer"))
		return
	}

	job, err := h.jobs.GetJob(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrJobNotFound) {
			abortWithError(c, http.StatusNotFound, "job not found", err)
			return
		}
		abortWithError(c, http.StatusInternalServerError, "failed to load job", err)
		return
	}
	c.JSON(http.StatusOK, job.Response())
}

// RunDeploy executes a frontend or backend deploy synchronously
func (h *Handler) RunDeploy(c *gin.Context) {
	var req types.DeployRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	caller, ok := h.authorize(c)
	if !ok {
		return
	}

	outcome, err := h.deployer.RunNow(c.Request.Context(), req.SiteRoot, req.JobType, caller)
	if err != nil {
		deployError(c, err)
		return
	}

	job, err := h.jobs.GetJob(c.Request.Context(), outcome.JobID)
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, "failed to load job", err)
		return
	}
	c.JSON(http.StatusOK, job.Response())
}

// CheckDeploy runs the release script in check mode
func (h *Handler) CheckDeploy(c *gin.Context) {
	var req types.CheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	caller, ok := h.authorize(c)
	if !ok {
		return
	}

	res, err := h.deployer.Check(c.Request.Context(), req.SiteRoot, caller)
	if err != nil {
		deployError(c, err)
		return
	}
	c.JSON(http.StatusOK, types.CheckResponse{
		SiteRoot: req.SiteRoot,
		ExitCode: res.ExitCode,
		Output:   res.Output,
	})
}

func (h *Handler) migrator(c *gin.Context) (Migrator, bool) {
	if h.opts.Migrator == nil {
		abortWithError(c, http.StatusServiceUnavailable, "migrations not configured", nil)
		return nil, false
	}
	return h.opts.Migrator, true
}

// MigrationStatus lists migration files and their ledger state
func (h *Handler) MigrationStatus(c *gin.Context) {
	m, ok := h.migrator(c)
	if !ok {
		return
	}

	st, err := m.Status(c.Request.Context())
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, "failed to read migration status", err)
		return
	}

	resp := types.MigrationStatusResponse{
		Directory: m.Dir(),
		Pending:   st.Pending,
		Files:     make([]types.MigrationStatus, 0, len(st.Files)),
	}
	for _, f := range st.Files {
		entry := types.MigrationStatus{Name: f.Name}
		if f.Record != nil {
			entry.Applied = true
			appliedAt := f.Record.AppliedAt
			entry.AppliedAt = &appliedAt
			if f.Record.Checksum != nil {
				entry.Checksum = *f.Record.Checksum
			}
		}
		resp.Files = append(resp.Files, entry)
	}
	c.JSON(http.StatusOK, resp)
}

// RunMigrations applies the next, all, or one named pending migration
func (h *Handler) RunMigrations(c *gin.Context) {
	var req types.MigrationRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if _, ok := h.authorize(c); !ok {
		return
	}
	m, ok := h.migrator(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	resp := types.MigrationRunResponse{Applied: []string{}}
	switch req.Mode {
	case "next":
		res, err := m.RunNext(ctx)
		if err != nil {
			migrationError(c, err)
			return
		}
		if res == nil {
			resp.Message = "No pending migrations."
		} else {
			resp.Applied = append(resp.Applied, res.File)
			resp.Message = "Applied " + res.File + "."
		}
	case "all":
		results, err := m.RunAll(ctx)
		for _, r := range results {
			resp.Applied = append(resp.Applied, r.File)
		}
		if err != nil {
			var batch *migrate.BatchError
			if errors.As(err, &batch) {
				logrus.WithError(err).WithField("applied", batch.Applied).Error("Migration batch halted")
				c.AbortWithStatusJSON(http.StatusInternalServerError, types.MigrationRunResponse{
					Applied: resp.Applied,
					Message: err.Error(),
				})
				return
			}
			migrationError(c, err)
			return
		}
		resp.Message = "Applied " + strconv.Itoa(len(results)) + " migration(s)."
	case "one":
		res, already, err := m.RunOne(ctx, req.Name)
		if err != nil {
			migrationError(c, err)
			return
		}
		if already {
			resp.Message = req.Name + " was already applied."
		} else {
			resp.Applied = append(resp.Applied, res.File)
			resp.Message = "Applied " + res.File + "."
		}
	}
	c.JSON(http.StatusOK, resp)
}

func migrationError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, migrate.ErrInvalidName):
		badRequest(c, err)
	case errors.Is(err, migrate.ErrNotAvailable):
		abortWithError(c, http.StatusNotFound, "migration not found", err)
	default:
		abortWithError(c, http.StatusInternalServerError, "migration failed", err)
	}
}

func (h *Handler) schemaSyncer(c *gin.Context) (SchemaSyncer, bool) {
	if h.opts.Schema == nil {
		abortWithError(c, http.StatusServiceUnavailable, "schema sync not configured", nil)
		return nil, false
	}
	return h.opts.Schema, true
}

func tablePrefix(raw string) string {
	if raw == "" {
		return schema.DefaultCoveragePrefix
	}
	return raw
}

// SchemaCoverage reports which master tables exist in the target
func (h *Handler) SchemaCoverage(c *gin.Context) {
	s, ok := h.schemaSyncer(c)
	if !ok {
		return
	}
	cov, err := s.Coverage(c.Request.Context(), tablePrefix(c.Query("table_prefix")))
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, "failed to compute coverage", err)
		return
	}
	c.JSON(http.StatusOK, cov)
}

// SchemaPlan previews the operations a sync would apply
func (h *Handler) SchemaPlan(c *gin.Context) {
	s, ok := h.schemaSyncer(c)
	if !ok {
		return
	}
	plan, err := s.Plan(c.Request.Context(), tablePrefix(c.Query("table_prefix")))
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, "failed to build plan", err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

// SchemaApply recomputes the plan and applies it to the target
func (h *Handler) SchemaApply(c *gin.Context) {
	var req types.SchemaApplyRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	if _, ok := h.authorize(c); !ok {
		return
	}
	s, ok := h.schemaSyncer(c)
	if !ok {
		return
	}

	plan, applied, err := s.Sync(c.Request.Context(), tablePrefix(req.TablePrefix))
	body := gin.H{"applied": applied}
	if plan != nil {
		body["summary"] = plan.Summary
	}
	if err != nil {
		logrus.WithError(err).WithField("correlation_id", correlationID(c)).Error("Schema apply failed")
		body["error"] = err.Error()
		c.AbortWithStatusJSON(http.StatusInternalServerError, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

// HealthCheck provides service health information
func (h *Handler) HealthCheck(c *gin.Context) {
	response := types.HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   h.opts.Version,
		Uptime:    time.Since(h.startedAt).Round(time.Second).String(),
		Database:  "unknown",
	}

	if h.opts.Ping != nil {
		if err := h.opts.Ping(c.Request.Context()); err != nil {
			logrus.WithError(err).Warn("Health check database ping failed")
			response.Status = "degraded"
			response.Database = "unavailable"
		} else {
			response.Database = "ok"
		}
	}

	c.JSON(http.StatusOK, response)
}
