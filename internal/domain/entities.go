// Package domain defines the core entities and ports of the analysis
// orchestration engine. Adapters implement the ports; business logic in
// internal/worker, internal/qa, and internal/orchestrator depends only on
// this package.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrSchemaInvalid       = errors.New("schema invalid")
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrNonRetryable        = errors.New("non-retryable")
	ErrLeaseLost           = errors.New("lease lost")
	ErrInternal            = errors.New("internal error")
)

// ProcessStatus enumerates the lifecycle states of a Process.
type ProcessStatus string

const (
	ProcessInitializing ProcessStatus = "initializing"
	ProcessProcessing   ProcessStatus = "processing"
	ProcessCompleted    ProcessStatus = "completed"
	ProcessFailed       ProcessStatus = "failed"
)

// Terminal reports whether the status is absorbing.
func (s ProcessStatus) Terminal() bool {
	return s == ProcessCompleted || s == ProcessFailed
}

// TaskStatus enumerates the lifecycle states of a Task.
type TaskStatus string

const (
	TaskPending      TaskStatus = "pending"
	TaskRunning      TaskStatus = "running"
	TaskAwaitingQA   TaskStatus = "awaiting_qa"
	TaskCompleted    TaskStatus = "completed"
	TaskFailed       TaskStatus = "failed"
	TaskManualReview TaskStatus = "manual_review"
)

// Terminal reports whether the status is absorbing. No transition leaves a
// terminal status; the store rejects such attempts at the CAS boundary.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskManualReview
}

// Counters tracks per-process task totals. completed+failed+manual_review
// never exceeds total; equality implies the process is terminal.
type Counters struct {
	Total        int
	Completed    int
	Failed       int
	ManualReview int
}

// Settled returns the number of tasks in a terminal state.
func (c Counters) Settled() int { return c.Completed + c.Failed + c.ManualReview }

// CounterDelta carries atomic increments for process counters.
type CounterDelta struct {
	Completed    int
	Failed       int
	ManualReview int
}

// PartyRef identifies a client or project at the external registry.
type PartyRef struct {
	ID   string `json:"id" validate:"required,uuid4"`
	Slug string `json:"slug" validate:"required"`
	Name string `json:"name"`
}

// Process is one run of one acquired external job. It exclusively owns its
// tasks; tasks outlive the run for audit and are never cascade-deleted.
type Process struct {
	ID             string
	ClientID       string
	ClientSlug     string
	ProjectID      string
	ProjectSlug    string
	ProjectName    string
	Status         ProcessStatus
	Counters       Counters
	ConfigSnapshot json.RawMessage
	CreatedAt      time.Time
	CompletedAt    *time.Time
}

// MediaRef describes one image at the external registry. The optimised
// rendition is preferred; greyscale is the fallback.
type MediaRef struct {
	ID            string `json:"id" validate:"required,uuid4"`
	Filename      string `json:"filename"`
	OptimisedPath string `json:"optimised_path" validate:"required"`
	GreyscalePath string `json:"greyscale_path"`
}

// AnalysisRef describes one requested analysis at the external registry.
type AnalysisRef struct {
	ID   string `json:"id" validate:"required,uuid4"`
	Name string `json:"name"`
	Slug string `json:"slug" validate:"required"`
}

// RegistryJob is the shape acquired from GET /next-job.
type RegistryJob struct {
	Client   PartyRef      `json:"client" validate:"required"`
	Project  PartyRef      `json:"project" validate:"required"`
	Media    []MediaRef    `json:"media" validate:"required,min=1,dive"`
	Analyses []AnalysisRef `json:"analyses" validate:"required,min=1,dive"`
}

// Task is one (media, analysis type) pair within a process.
type Task struct {
	ID             string
	ProcessID      string
	MediaID        string
	AnalysisID     string
	Type           AnalysisType
	Status         TaskStatus
	Attempt        int
	Confidence     float64
	LastError      string
	ArtifactPath   string
	ProfileVersion string
	WorkerID       string
	LeaseDeadline  *time.Time
	Submitted      bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TaskUpdate carries optional fields set alongside a status transition.
type TaskUpdate struct {
	LastError      *string
	ArtifactPath   *string
	ProfileVersion *string
	Confidence     *float64
}

// QAAttempt is one execution of one QA tier against one task. Rows are
// append-only and never mutated after insert.
type QAAttempt struct {
	ID                 string
	TaskID             string
	Tier               Tier
	AttemptIndex       int
	Passed             bool
	FailureCategories  []string
	CorrectivePromptID *string
	Confidence         float64
	Duration           time.Duration
	CreatedAt          time.Time
}

// AuditEvent is one append-only record of a state transition. Seq is assigned
// by the store and is strictly increasing per process.
type AuditEvent struct {
	ID            string
	Seq           int64
	ProcessID     string
	TaskID        *string
	Kind          string
	Severity      string
	Payload       map[string]any
	CorrelationID string
	CreatedAt     time.Time
}

// Audit severities.
const (
	SeverityInfo = "info"
	SeverityHigh = "high"
)

// Audit event kinds.
const (
	AuditProcessCreated    = "process.created"
	AuditProcessCompleted  = "process.completed"
	AuditProcessHalted     = "process.halted"
	AuditTaskEnqueued      = "task.enqueued"
	AuditTaskLeased        = "task.leased"
	AuditTaskReclaimed     = "task.reclaimed"
	AuditTaskTransition    = "task.transition"
	AuditTaskRetried       = "task.retried"
	AuditArtifactStored    = "task.artifact_stored"
	AuditParseFailed       = "task.parse_failed"
	AuditQAAttempt         = "qa.attempt"
	AuditCorrectiveApplied = "qa.corrective_applied"
	AuditSubmitOK          = "registry.submitted"
	AuditSubmitAbandoned   = "registry.submit_abandoned"
	AuditSubmitDuplicate   = "registry.submit_duplicate"
	AuditReportSubmitted   = "registry.report_submitted"
)

// Context is an alias so adapters and services share one context type.
type Context = context.Context
