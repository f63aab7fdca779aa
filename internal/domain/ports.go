package domain

import "time"

// Repositories (ports)

// ProcessRepository persists process rows. Status moves are CAS so that the
// orchestrator is the only effective writer.
type ProcessRepository interface {
	Create(ctx Context, p Process) (string, error)
	Get(ctx Context, id string) (Process, error)
	// TransitionStatus is a CAS on (id, from). Returns false without side
	// effect when the current status is not from.
	TransitionStatus(ctx Context, id string, from, to ProcessStatus) (bool, error)
	// AddCounters atomically increments counters and returns the new values.
	AddCounters(ctx Context, id string, d CounterDelta) (Counters, error)
	// MarkStatusReported flips the once-only flag for a registry status
	// update ("processing" or "completed"). Returns false if already set.
	MarkStatusReported(ctx Context, id, status string) (bool, error)
}

// TaskRepository persists task rows. All mutations are CAS on the expected
// previous status; a lease is required for any worker-side mutation.
type TaskRepository interface {
	CreateBatch(ctx Context, tasks []Task) error
	Get(ctx Context, id string) (Task, error)
	// Lease atomically transitions pending→running, stamping the worker and
	// lease deadline. Returns false when the task is not leasable.
	Lease(ctx Context, id, workerID string, ttl time.Duration) (Task, bool, error)
	RenewLease(ctx Context, id, workerID string, ttl time.Duration) (bool, error)
	// Transition is a CAS on (id, from). The audit event is written in the
	// same transaction as the update.
	Transition(ctx Context, id string, from, to TaskStatus, set TaskUpdate, audit AuditEvent) (bool, error)
	// MarkSubmitted records result-submission state. Returns false when the
	// task was already submitted (duplicate suppression).
	MarkSubmitted(ctx Context, id string) (bool, error)
	// ReclaimExpired flips running/awaiting_qa tasks whose lease deadline has
	// passed back to pending, increments their attempt counter, and emits an
	// audit event per task. Returns the number reclaimed.
	ReclaimExpired(ctx Context, limit int) (int, error)
	CountByStatus(ctx Context, processID string) (map[TaskStatus]int, error)
}

// QAAttemptRepository records QA tier executions, append-only.
type QAAttemptRepository interface {
	Record(ctx Context, a QAAttempt) (string, error)
	CountForTier(ctx Context, taskID string, tier Tier) (int, error)
	ListByTask(ctx Context, taskID string) ([]QAAttempt, error)
}

// AuditRepository appends audit events. Events are insert-only and totally
// ordered per process by their store-assigned sequence.
type AuditRepository interface {
	Emit(ctx Context, e AuditEvent) error
	ListByProcess(ctx Context, processID string) ([]AuditEvent, error)
}

// Broker (port)

// DequeuedItem is a leased broker item; it stays inflight until acked.
type DequeuedItem struct {
	Item     QueueItem
	QueueKey string
}

// Broker fans work out to per-analysis-type queues with priority tiers.
type Broker interface {
	// Enqueue appends an item. Idempotent on (task_id, queue_key). Blocks
	// while the queue is at capacity; no drops.
	Enqueue(ctx Context, queueKey string, item QueueItem, p Priority) error
	// Dequeue is peek-and-lease: the item is marked inflight and only removed
	// by Ack. Returns nil when wait elapses with no item.
	Dequeue(ctx Context, queueKey string, wait time.Duration) (*DequeuedItem, error)
	Ack(ctx Context, queueKey, taskID string) error
	Depth(ctx Context, queueKey string) (int, error)
	// ReclaimInflight requeues unacked items past their deadline at the head.
	ReclaimInflight(ctx Context) (int, error)
}

// External collaborators (ports)

// ModelParams are passed through to the vision runtime per call.
type ModelParams struct {
	Temperature float64
	TopP        float64
	TopK        int
	NumCtx      int
	MaxTokens   int
}

// GenerateRequest is one vision-model invocation.
type GenerateRequest struct {
	Model    string
	System   string
	Prompt   string
	ImageB64 string
	Params   ModelParams
}

// VisionClient invokes the local vision-model runtime.
type VisionClient interface {
	Generate(ctx Context, req GenerateRequest) (string, error)
}

// AnalysisSubmission is one per-task result reported to the registry.
type AnalysisSubmission struct {
	ProjectID        string
	MediaID          string
	AnalysisID       string
	ModelUsed        string
	UserPromptUsed   string
	SystemPromptUsed string
	AnalysisResult   map[string]any
}

// QualityReport is the process-level final report.
type QualityReport struct {
	Summary                string   `json:"summary"`
	TotalMediaProcessed    int      `json:"total_media_processed"`
	TotalAnalysesCompleted int      `json:"total_analyses_completed"`
	ProcessingTimeMinutes  float64  `json:"processing_time_minutes"`
	SuccessRate            float64  `json:"success_rate"`
	AnalysisTypesCompleted []string `json:"analysis_types_completed"`
	KeyFindings            []string `json:"key_findings"`
}

// JobRegistry is the external job-registry HTTP service.
type JobRegistry interface {
	// NextJob returns (nil, nil) when the registry has no job (404).
	NextJob(ctx Context) (*RegistryJob, error)
	UpdateProjectStatus(ctx Context, projectID, status string) error
	// SubmitAnalysis returns ErrNonRetryable-wrapped errors on 400/422.
	SubmitAnalysis(ctx Context, sub AnalysisSubmission) error
	SubmitReport(ctx Context, projectID string, rep QualityReport) error
}

// ImageProvider fetches media bytes, preferring the optimised rendition.
type ImageProvider interface {
	Fetch(ctx Context, m MediaRef) ([]byte, error)
}

// ArtifactStore persists raw analysis outputs for audit and replay.
type ArtifactStore interface {
	Save(ctx Context, taskID string, attempt int, data []byte) (string, error)
	Load(ctx Context, path string) ([]byte, error)
}

// NotifyChannel names one webhook delivery channel.
type NotifyChannel string

const (
	ChannelBatchManifest NotifyChannel = "batch_manifest"
	ChannelQAStructural  NotifyChannel = "qa_structural"
	ChannelQAContent     NotifyChannel = "qa_content"
	ChannelQADomain      NotifyChannel = "qa_domain"
	ChannelBatchReport   NotifyChannel = "batch_report"
)

// Notifier delivers webhook notifications. Best-effort: failures are logged,
// never propagated into the pipeline.
type Notifier interface {
	Notify(ctx Context, ch NotifyChannel, payload map[string]any)
}
