package types

import "time"

// JobStatus represents the lifecycle state of a deploy job
type JobStatus string

const (
	StatusQueued  JobStatus = "queued"
	StatusRunning JobStatus = "running"
	StatusSuccess JobStatus = "success"
	StatusFailed  JobStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// JobType identifies what a deploy job runs
type JobType string

const (
	JobTypeFrontendDeploy JobType = "frontend_deploy"
	JobTypeBackendDeploy  JobType = "backend_deploy"
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	return t == JobTypeFrontendDeploy || t == JobTypeBackendDeploy
}

// EnqueueRequest represents a request to queue a frontend deploy job
type EnqueueRequest struct {
	SiteRoot      string `json:"site_root" binding:"required"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// EnqueueResponse represents the response to an enqueue request
type EnqueueResponse struct {
	JobID         int64     `json:"job_id"`
	Status        JobStatus `json:"status"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// JobResponse represents one row of job history
type JobResponse struct {
	ID          int64      `json:"id"`
	SiteRoot    string     `json:"site_root"`
	JobType     JobType    `json:"job_type"`
	Status      JobStatus  `json:"status"`
	RequestedBy *int64     `json:"requested_by,omitempty"`
	RequestedAt time.Time  `json:"requested_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	Output      string     `json:"output,omitempty"`
}

// JobListResponse represents a page of job history
type JobListResponse struct {
	SiteRoot string        `json:"site_root"`
	Jobs     []JobResponse `json:"jobs"`
}

// DeployRunRequest asks for an immediate, synchronous deploy
type DeployRunRequest struct {
	SiteRoot string  `json:"site_root" binding:"required"`
	JobType  JobType `json:"job_type" binding:"required,oneof=frontend_deploy backend_deploy"`
}

// CheckRequest asks for a release script dry run
type CheckRequest struct {
	SiteRoot string `json:"site_root" binding:"required"`
}

// CheckResponse carries the outcome of a release script dry run
type CheckResponse struct {
	SiteRoot string `json:"site_root"`
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
}

// MigrationRunRequest selects which pending migrations to apply
type MigrationRunRequest struct {
	Mode string `json:"mode" binding:"required,oneof=next all one"`
	Name string `json:"name,omitempty"`
}

// MigrationRunResponse reports a migration run
type MigrationRunResponse struct {
	Applied []string `json:"applied"`
	Message string   `json:"message"`
}

// MigrationStatusResponse lists available migrations and their ledger state
type MigrationStatusResponse struct {
	Directory string            `json:"directory"`
	Pending   int               `json:"pending"`
	Files     []MigrationStatus `json:"files"`
}

// MigrationStatus is one file in a MigrationStatusResponse
type MigrationStatus struct {
	Name      string     `json:"name"`
	Applied   bool       `json:"applied"`
	Checksum  string     `json:"checksum,omitempty"`
	AppliedAt *time.Time `json:"applied_at,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}

// HealthResponse represents a health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	Uptime    string    `json:"uptime"`
	Database  string    `json:"database"`
}

// SchemaApplyRequest asks for the target schema to be synced from the master
type SchemaApplyRequest struct {
	TablePrefix string `json:"table_prefix"`
}
