// Package orchestrator owns the process lifecycle: job acquisition from the
// registry, expansion into media x analysis tasks, result submission,
// counters, the per-process failure breaker, and the lease reaper.
package orchestrator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/lensworks/visionflow/internal/adapter/observability"
	"github.com/lensworks/visionflow/internal/domain"
	"github.com/lensworks/visionflow/internal/profile"
	"github.com/lensworks/visionflow/internal/qa"
)

// Config tunes the orchestrator loops.
type Config struct {
	// PollInterval is the registry acquisition cadence (default 10s).
	PollInterval time.Duration
	// ReaperInterval drives lease and inflight reclamation (default 30s).
	ReaperInterval time.Duration
	// ReclaimLimit bounds one reaper sweep.
	ReclaimLimit int
	// BreakerWindow and BreakerFailureRate shape the per-process failure
	// breaker (defaults 50 and 0.3).
	BreakerWindow      int
	BreakerFailureRate float64
	// AnalysisModelName is reported with submissions when the profile does
	// not name a model.
	AnalysisModelName string
}

func (c *Config) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.ReaperInterval <= 0 {
		c.ReaperInterval = 30 * time.Second
	}
	if c.ReclaimLimit <= 0 {
		c.ReclaimLimit = 100
	}
	if c.BreakerWindow <= 0 {
		c.BreakerWindow = 50
	}
	if c.BreakerFailureRate <= 0 {
		c.BreakerFailureRate = 0.3
	}
}

// ProfileSource serves the active profile set; satisfied by
// *profile.Registry.
type ProfileSource interface {
	Snapshot() *profile.Set
}

// Orchestrator drives processes from acquisition to final report.
type Orchestrator struct {
	cfg Config

	registry  domain.JobRegistry
	processes domain.ProcessRepository
	tasks     domain.TaskRepository
	audit     domain.AuditRepository
	broker    domain.Broker
	artifacts domain.ArtifactStore
	profiles  ProfileSource
	notifier  domain.Notifier

	validate *validator.Validate

	mu       sync.Mutex
	breakers map[string]*failureWindow
	started  map[string]time.Time
}

// New constructs an Orchestrator.
func New(cfg Config, reg domain.JobRegistry, processes domain.ProcessRepository, tasks domain.TaskRepository,
	audit domain.AuditRepository, broker domain.Broker, artifacts domain.ArtifactStore,
	profiles ProfileSource, notifier domain.Notifier) *Orchestrator {
	cfg.defaults()
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Orchestrator{
		cfg:       cfg,
		registry:  reg,
		processes: processes,
		tasks:     tasks,
		audit:     audit,
		broker:    broker,
		artifacts: artifacts,
		profiles:  profiles,
		notifier:  notifier,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		breakers:  map[string]*failureWindow{},
		started:   map[string]time.Time{},
	}
}

type nopNotifier struct{}

func (nopNotifier) Notify(domain.Context, domain.NotifyChannel, map[string]any) {}

// Run starts the acquisition, completion, priority, and reaper loops and
// blocks until ctx is done.
func (o *Orchestrator) Run(ctx domain.Context) {
	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); o.acquireLoop(ctx) }()
	go func() { defer wg.Done(); o.completionLoop(ctx) }()
	go func() { defer wg.Done(); o.priorityLoop(ctx) }()
	go func() { defer wg.Done(); o.reaperLoop(ctx) }()
	wg.Wait()
}

// acquireLoop polls the registry every PollInterval. 404 means no work.
func (o *Orchestrator) acquireLoop(ctx domain.Context) {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	for {
		o.acquireOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) acquireOnce(ctx domain.Context) {
	job, err := o.registry.NextJob(ctx)
	if err != nil {
		slog.Warn("job acquisition failed", slog.Any("error", err))
		return
	}
	if job == nil {
		return
	}
	if _, err := o.AcceptJob(ctx, job); err != nil {
		slog.Error("job rejected", slog.String("project_id", job.Project.ID), slog.Any("error", err))
	}
}

// AcceptJob validates a registry job, creates its process with a frozen
// configuration snapshot, expands it into tasks, and enqueues them.
func (o *Orchestrator) AcceptJob(ctx domain.Context, job *domain.RegistryJob) (string, error) {
	if err := o.validate.Struct(job); err != nil {
		return "", fmt.Errorf("op=orchestrator.accept: job shape: %w: %w", domain.ErrInvalidArgument, err)
	}
	pairs, err := expand(job)
	if err != nil {
		return "", err
	}

	snapshot, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("op=orchestrator.accept: snapshot: %w", err)
	}
	proc := domain.Process{
		ClientID:       job.Client.ID,
		ClientSlug:     job.Client.Slug,
		ProjectID:      job.Project.ID,
		ProjectSlug:    job.Project.Slug,
		ProjectName:    job.Project.Name,
		Status:         domain.ProcessInitializing,
		Counters:       domain.Counters{Total: len(pairs)},
		ConfigSnapshot: snapshot,
	}
	processID, err := o.processes.Create(ctx, proc)
	if err != nil {
		return "", err
	}
	o.mu.Lock()
	o.breakers[processID] = newFailureWindow(o.cfg.BreakerWindow, o.cfg.BreakerFailureRate)
	o.started[processID] = time.Now().UTC()
	o.mu.Unlock()
	o.emitAudit(ctx, processID, nil, domain.AuditProcessCreated, domain.SeverityInfo, map[string]any{
		"project_id": job.Project.ID, "media": len(job.Media), "analyses": len(job.Analyses), "tasks": len(pairs),
	})

	tasks := make([]domain.Task, 0, len(pairs))
	for _, pr := range pairs {
		tasks = append(tasks, domain.Task{
			ProcessID:  processID,
			MediaID:    pr.media.ID,
			AnalysisID: pr.analysis.ID,
			Type:       pr.analysisType,
			Status:     domain.TaskPending,
		})
	}
	if err := o.tasks.CreateBatch(ctx, tasks); err != nil {
		return "", err
	}
	if ok, err := o.processes.TransitionStatus(ctx, processID, domain.ProcessInitializing, domain.ProcessProcessing); err != nil || !ok {
		return "", fmt.Errorf("op=orchestrator.accept: mark processing (ok=%v): %w", ok, err)
	}

	for _, task := range tasks {
		if o.halted(processID) {
			slog.Warn("breaker halted enqueue", slog.String("process_id", processID))
			break
		}
		item := domain.QueueItem{TaskID: task.ID, ProcessID: processID, MediaID: task.MediaID, Type: task.Type}
		if err := o.broker.Enqueue(ctx, domain.AnalysisQueue(task.Type), item, domain.PriorityNormal); err != nil {
			return processID, fmt.Errorf("op=orchestrator.accept: enqueue %s: %w", task.ID, err)
		}
		o.emitAudit(ctx, processID, &task.ID, domain.AuditTaskEnqueued, domain.SeverityInfo, map[string]any{
			"queue": domain.AnalysisQueue(task.Type),
		})
	}

	o.notifier.Notify(ctx, domain.ChannelBatchManifest, map[string]any{
		"process_id": processID, "project_id": job.Project.ID, "tasks": len(tasks),
	})
	return processID, nil
}

type pair struct {
	media        domain.MediaRef
	analysis     domain.AnalysisRef
	analysisType domain.AnalysisType
}

// expand builds the media x analysis fan-out. Unknown analysis slugs reject
// the whole job: the closed type set is part of the contract.
func expand(job *domain.RegistryJob) ([]pair, error) {
	var pairs []pair
	for _, a := range job.Analyses {
		t := domain.AnalysisType(a.Slug)
		if !t.Valid() {
			return nil, fmt.Errorf("op=orchestrator.expand: unknown analysis type %q: %w", a.Slug, domain.ErrInvalidArgument)
		}
		for _, m := range job.Media {
			pairs = append(pairs, pair{media: m, analysis: a, analysisType: t})
		}
	}
	return pairs, nil
}

// reportProcessing sends the one-time "processing" status update to the
// registry. Called synchronously ahead of any settlement effect, so the
// registry always sees "processing" before "completed". The jsonb flag on
// the process row makes the update once-only.
func (o *Orchestrator) reportProcessing(ctx domain.Context, proc domain.Process) {
	if proc.Status.Terminal() {
		return
	}
	ok, err := o.processes.MarkStatusReported(ctx, proc.ID, "processing")
	if err != nil {
		slog.Warn("mark processing reported failed", slog.Any("error", err))
		return
	}
	if ok {
		if err := o.registry.UpdateProjectStatus(ctx, proc.ProjectID, "processing"); err != nil {
			slog.Warn("processing status update failed", slog.Any("error", err))
		}
	}
}

// completionLoop drains batch_completion: submissions, counters, breaker,
// and process finalization.
func (o *Orchestrator) completionLoop(ctx domain.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		item, err := o.broker.Dequeue(ctx, domain.QueueBatchCompletion, time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("completion dequeue failed", slog.Any("error", err))
			continue
		}
		if item == nil {
			continue
		}
		if err := o.onTaskSettled(ctx, item.Item); err != nil {
			slog.Error("settled-task handling failed", slog.String("task_id", item.Item.TaskID), slog.Any("error", err))
		}
		if err := o.broker.Ack(ctx, domain.QueueBatchCompletion, item.Item.TaskID); err != nil {
			slog.Warn("completion ack failed", slog.Any("error", err))
		}
	}
}

// onTaskSettled applies one terminal task outcome to its process exactly
// once. The per-task submission flag doubles as the settlement gate, so a
// replayed completion item never double-counts or double-submits.
func (o *Orchestrator) onTaskSettled(ctx domain.Context, ref domain.QueueItem) error {
	task, err := o.tasks.Get(ctx, ref.TaskID)
	if err != nil {
		return err
	}
	if !task.Status.Terminal() {
		return fmt.Errorf("op=orchestrator.settled: task %s in %s: %w", task.ID, task.Status, domain.ErrConflict)
	}
	ok, err := o.tasks.MarkSubmitted(ctx, task.ID)
	if err != nil {
		return err
	}
	if !ok {
		o.emitAudit(ctx, task.ProcessID, &task.ID, domain.AuditSubmitDuplicate, domain.SeverityInfo, nil)
		return nil
	}
	proc, err := o.processes.Get(ctx, task.ProcessID)
	if err != nil {
		return err
	}
	o.reportProcessing(ctx, proc)

	var delta domain.CounterDelta
	failed := false
	switch task.Status {
	case domain.TaskCompleted:
		o.submitResult(ctx, proc, task)
		delta.Completed = 1
	case domain.TaskFailed:
		delta.Failed = 1
		failed = true
	case domain.TaskManualReview:
		delta.ManualReview = 1
		failed = true
	}

	counters, err := o.processes.AddCounters(ctx, proc.ID, delta)
	if err != nil {
		return err
	}
	if tripped := o.breaker(proc.ID).Record(failed); tripped {
		observability.BreakerTripsTotal.Inc()
		o.emitAudit(ctx, proc.ID, nil, domain.AuditProcessHalted, domain.SeverityHigh, map[string]any{
			"reason": "failure rate over threshold", "window": o.cfg.BreakerWindow, "threshold": o.cfg.BreakerFailureRate,
		})
		slog.Error("process breaker tripped", slog.String("process_id", proc.ID))
	}
	if counters.Settled() >= counters.Total && counters.Total > 0 {
		// A tripped process stays in processing until an operator steps in;
		// it never auto-completes or reports a final result.
		if o.halted(proc.ID) {
			slog.Warn("process fully settled but halted, awaiting operator action",
				slog.String("process_id", proc.ID))
			return nil
		}
		return o.finalizeProcess(ctx, proc.ID)
	}
	return nil
}

// submitResult reports one completed task to the registry. The client
// retries transient failures within its own budget; anything still failing
// afterwards (validation rejections included) is audited and abandoned.
func (o *Orchestrator) submitResult(ctx domain.Context, proc domain.Process, task domain.Task) {
	raw, err := o.artifacts.Load(ctx, task.ArtifactPath)
	if err != nil {
		o.abandonSubmission(ctx, proc.ID, task.ID, err)
		return
	}
	result, err := qa.ParseObject(raw)
	if err != nil {
		o.abandonSubmission(ctx, proc.ID, task.ID, err)
		return
	}

	set := o.profiles.Snapshot()
	var system, user, model string
	if prof, perr := set.AnalysisProfile(task.Type); perr == nil {
		system = string(prof.Prompts.System)
		user = string(prof.Prompts.User)
		model = prof.Model.Name
	}
	if model == "" {
		model = o.cfg.AnalysisModelName
	}

	sub := domain.AnalysisSubmission{
		ProjectID:        proc.ProjectID,
		MediaID:          task.MediaID,
		AnalysisID:       task.AnalysisID,
		ModelUsed:        model,
		UserPromptUsed:   user,
		SystemPromptUsed: system,
		AnalysisResult:   result,
	}
	if err := o.registry.SubmitAnalysis(ctx, sub); err != nil {
		o.abandonSubmission(ctx, proc.ID, task.ID, err)
		return
	}
	o.emitAudit(ctx, proc.ID, &task.ID, domain.AuditSubmitOK, domain.SeverityInfo, nil)
}

func (o *Orchestrator) abandonSubmission(ctx domain.Context, processID, taskID string, cause error) {
	slog.Error("result submission abandoned",
		slog.String("task_id", taskID), slog.Any("error", cause))
	o.emitAudit(ctx, processID, &taskID, domain.AuditSubmitAbandoned, domain.SeverityHigh, map[string]any{
		"error": cause.Error(),
	})
}

// finalizeProcess closes a fully settled process: one status flip, one
// "completed" registry update, one final report. The CAS guarantees a single
// winner even with concurrent settlements.
func (o *Orchestrator) finalizeProcess(ctx domain.Context, processID string) error {
	ok, err := o.processes.TransitionStatus(ctx, processID, domain.ProcessProcessing, domain.ProcessCompleted)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	proc, err := o.processes.Get(ctx, processID)
	if err != nil {
		return err
	}

	if ok, err := o.processes.MarkStatusReported(ctx, processID, "completed"); err == nil && ok {
		if err := o.registry.UpdateProjectStatus(ctx, proc.ProjectID, "completed"); err != nil {
			slog.Warn("completed status update failed", slog.Any("error", err))
		}
	}

	report := o.buildReport(ctx, proc)
	if err := o.registry.SubmitReport(ctx, proc.ProjectID, report); err != nil {
		slog.Warn("final report submission failed", slog.String("process_id", processID), slog.Any("error", err))
	} else {
		o.emitAudit(ctx, processID, nil, domain.AuditReportSubmitted, domain.SeverityInfo, map[string]any{
			"success_rate": report.SuccessRate,
		})
	}
	o.emitAudit(ctx, processID, nil, domain.AuditProcessCompleted, domain.SeverityInfo, map[string]any{
		"completed": proc.Counters.Completed, "failed": proc.Counters.Failed, "manual_review": proc.Counters.ManualReview,
	})
	o.notifier.Notify(ctx, domain.ChannelBatchReport, map[string]any{
		"process_id": processID, "project_id": proc.ProjectID, "success_rate": report.SuccessRate,
	})

	o.mu.Lock()
	delete(o.breakers, processID)
	delete(o.started, processID)
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) buildReport(ctx domain.Context, proc domain.Process) domain.QualityReport {
	var minutes float64
	o.mu.Lock()
	if start, ok := o.started[proc.ID]; ok {
		minutes = time.Since(start).Minutes()
	}
	o.mu.Unlock()
	if minutes == 0 && !proc.CreatedAt.IsZero() {
		minutes = time.Since(proc.CreatedAt).Minutes()
	}

	c := proc.Counters
	rate := 0.0
	if c.Total > 0 {
		rate = float64(c.Completed) / float64(c.Total)
	}

	typesDone := map[string]bool{}
	var job domain.RegistryJob
	mediaCount := 0
	if err := json.Unmarshal(proc.ConfigSnapshot, &job); err == nil {
		mediaCount = len(job.Media)
		for _, a := range job.Analyses {
			if domain.AnalysisType(a.Slug).Valid() {
				typesDone[a.Slug] = true
			}
		}
	}
	var typeList []string
	for t := range typesDone {
		typeList = append(typeList, t)
	}

	findings := []string{
		fmt.Sprintf("%d of %d analyses completed", c.Completed, c.Total),
	}
	if c.ManualReview > 0 {
		findings = append(findings, fmt.Sprintf("%d analyses require manual review", c.ManualReview))
	}
	if c.Failed > 0 {
		findings = append(findings, fmt.Sprintf("%d analyses failed", c.Failed))
	}

	return domain.QualityReport{
		Summary: fmt.Sprintf("Processed %d media across %d analysis types: %d completed, %d failed, %d manual review.",
			mediaCount, len(typeList), c.Completed, c.Failed, c.ManualReview),
		TotalMediaProcessed:    mediaCount,
		TotalAnalysesCompleted: c.Completed,
		ProcessingTimeMinutes:  minutes,
		SuccessRate:            rate,
		AnalysisTypesCompleted: typeList,
		KeyFindings:            findings,
	}
}

// priorityLoop drains the management priority queue, re-enqueuing referenced
// tasks at high priority on their analysis queue.
func (o *Orchestrator) priorityLoop(ctx domain.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		item, err := o.broker.Dequeue(ctx, domain.QueuePriority, time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("priority dequeue failed", slog.Any("error", err))
			continue
		}
		if item == nil {
			continue
		}
		if err := o.broker.Enqueue(ctx, domain.AnalysisQueue(item.Item.Type), item.Item, domain.PriorityHigh); err != nil {
			slog.Warn("priority re-enqueue failed", slog.String("task_id", item.Item.TaskID), slog.Any("error", err))
		}
		if err := o.broker.Ack(ctx, domain.QueuePriority, item.Item.TaskID); err != nil {
			slog.Warn("priority ack failed", slog.Any("error", err))
		}
	}
}

// reaperLoop reclaims expired store leases and unacked broker items.
func (o *Orchestrator) reaperLoop(ctx domain.Context) {
	ticker := time.NewTicker(o.cfg.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if n, err := o.tasks.ReclaimExpired(ctx, o.cfg.ReclaimLimit); err != nil {
			slog.Warn("store reclaim failed", slog.Any("error", err))
		} else if n > 0 {
			observability.TasksReclaimedTotal.Add(float64(n))
			slog.Info("reclaimed expired leases", slog.Int("count", n))
		}
		if n, err := o.broker.ReclaimInflight(ctx); err != nil {
			slog.Warn("broker reclaim failed", slog.Any("error", err))
		} else if n > 0 {
			slog.Info("requeued unacked items", slog.Int("count", n))
		}
		o.sweepDepths(ctx)
	}
}

// sweepDepths exports the current depth of every provisioned queue.
func (o *Orchestrator) sweepDepths(ctx domain.Context) {
	for _, key := range domain.AllQueues() {
		n, err := o.broker.Depth(ctx, key)
		if err != nil {
			continue
		}
		observability.QueueDepth.WithLabelValues(key).Set(float64(n))
	}
}

func (o *Orchestrator) breaker(processID string) *failureWindow {
	o.mu.Lock()
	defer o.mu.Unlock()
	w, ok := o.breakers[processID]
	if !ok {
		w = newFailureWindow(o.cfg.BreakerWindow, o.cfg.BreakerFailureRate)
		o.breakers[processID] = w
	}
	return w
}

func (o *Orchestrator) halted(processID string) bool {
	return o.breaker(processID).Tripped()
}

func (o *Orchestrator) emitAudit(ctx domain.Context, processID string, taskID *string, kind, severity string, payload map[string]any) {
	if err := o.audit.Emit(ctx, domain.AuditEvent{
		ProcessID: processID,
		TaskID:    taskID,
		Kind:      kind,
		Severity:  severity,
		Payload:   payload,
	}); err != nil {
		slog.Warn("audit emit failed", slog.String("kind", kind), slog.Any("error", err))
	}
}
