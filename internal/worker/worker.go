// Package worker drains the analysis queues: lease, analyze, QA, update.
// A fixed-size pool shares one model-call semaphore with the QA pipeline so
// corrective calls compete with primary analysis for the same runtime
// capacity.
package worker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/lensworks/visionflow/internal/adapter/observability"
	"github.com/lensworks/visionflow/internal/domain"
	"github.com/lensworks/visionflow/internal/profile"
	"github.com/lensworks/visionflow/internal/qa"
)

// Config tunes the pool.
type Config struct {
	// Count is the number of worker loops (default 8).
	Count int
	// AnalysisModel is the vision model used for primary analysis.
	AnalysisModel string
	// AnalysisTimeout bounds one model call (default 60s).
	AnalysisTimeout time.Duration
	// LeaseTTL is the store lease granted per task (default 5x the call
	// deadline).
	LeaseTTL time.Duration
	// DequeueWait is how long one Dequeue blocks per queue before the worker
	// rotates to the next queue.
	DequeueWait time.Duration
	// Retry governs transport-error retries around the model call.
	Retry domain.RetryPolicy
}

func (c *Config) defaults() {
	if c.Count <= 0 {
		c.Count = 8
	}
	if c.AnalysisTimeout <= 0 {
		c.AnalysisTimeout = 60 * time.Second
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 5 * c.AnalysisTimeout
	}
	if c.DequeueWait <= 0 {
		c.DequeueWait = 500 * time.Millisecond
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry = domain.DefaultRetryPolicy()
	}
}

// ProfileSource serves the active profile set; satisfied by
// *profile.Registry.
type ProfileSource interface {
	Snapshot() *profile.Set
}

// Pool executes tasks end to end.
type Pool struct {
	cfg Config

	broker    domain.Broker
	tasks     domain.TaskRepository
	processes domain.ProcessRepository
	audit     domain.AuditRepository
	profiles  ProfileSource
	images    domain.ImageProvider
	vision    domain.VisionClient
	artifacts domain.ArtifactStore
	pipeline  *qa.Pipeline
	slots     *semaphore.Weighted

	// mediaLocks serializes analyses of one image; distinct images proceed
	// in parallel.
	mediaLocks sync.Map
	// jobCache holds the frozen job snapshot per process so media lookups
	// do not hit the store once per task.
	jobCache sync.Map
}

// New constructs a Pool. slots must be the same semaphore handed to the QA
// pipeline.
func New(cfg Config, broker domain.Broker, tasks domain.TaskRepository, processes domain.ProcessRepository,
	audit domain.AuditRepository, profiles ProfileSource, images domain.ImageProvider,
	vision domain.VisionClient, artifacts domain.ArtifactStore, pipeline *qa.Pipeline,
	slots *semaphore.Weighted) *Pool {
	cfg.defaults()
	return &Pool{
		cfg:       cfg,
		broker:    broker,
		tasks:     tasks,
		processes: processes,
		audit:     audit,
		profiles:  profiles,
		images:    images,
		vision:    vision,
		artifacts: artifacts,
		pipeline:  pipeline,
		slots:     slots,
	}
}

// mediaRef resolves the media reference for a task from the process's frozen
// configuration snapshot.
func (p *Pool) mediaRef(ctx domain.Context, processID, mediaID string) (domain.MediaRef, error) {
	jobAny, ok := p.jobCache.Load(processID)
	if !ok {
		proc, err := p.processes.Get(ctx, processID)
		if err != nil {
			return domain.MediaRef{}, err
		}
		var job domain.RegistryJob
		if err := json.Unmarshal(proc.ConfigSnapshot, &job); err != nil {
			return domain.MediaRef{}, fmt.Errorf("op=worker.media_ref: snapshot: %w", err)
		}
		jobAny, _ = p.jobCache.LoadOrStore(processID, &job)
	}
	job := jobAny.(*domain.RegistryJob)
	for _, m := range job.Media {
		if m.ID == mediaID {
			return m, nil
		}
	}
	return domain.MediaRef{}, fmt.Errorf("op=worker.media_ref: media %s not in snapshot: %w", mediaID, domain.ErrNotFound)
}

// Run starts the pool and blocks until ctx is done.
func (p *Pool) Run(ctx domain.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Count; i++ {
		wg.Add(1)
		workerID := fmt.Sprintf("worker-%d", i+1)
		go func() {
			defer wg.Done()
			p.loop(ctx, workerID)
		}()
	}
	wg.Wait()
}

// loop rotates over all analysis queues, draining whichever has work.
func (p *Pool) loop(ctx domain.Context, workerID string) {
	queues := make([]string, 0, 21)
	for _, t := range domain.AllAnalysisTypes() {
		queues = append(queues, domain.AnalysisQueue(t))
	}
	for {
		for _, key := range queues {
			if ctx.Err() != nil {
				return
			}
			item, err := p.broker.Dequeue(ctx, key, p.cfg.DequeueWait)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("dequeue failed", slog.String("queue", key), slog.Any("error", err))
				continue
			}
			if item == nil {
				continue
			}
			p.handle(ctx, workerID, item)
		}
	}
}

func (p *Pool) handle(ctx domain.Context, workerID string, item *domain.DequeuedItem) {
	taskID := item.Item.TaskID
	task, ok, err := p.tasks.Lease(ctx, taskID, workerID, p.cfg.LeaseTTL)
	if err != nil {
		slog.Error("lease failed", slog.String("task_id", taskID), slog.Any("error", err))
		return
	}
	if !ok {
		// Another worker has it, or it already settled; drop the queue item.
		if err := p.broker.Ack(ctx, item.QueueKey, taskID); err != nil {
			slog.Warn("ack of stale item failed", slog.String("task_id", taskID), slog.Any("error", err))
		}
		return
	}

	observability.TasksInFlight.Inc()
	defer observability.TasksInFlight.Dec()

	unlock := p.lockMedia(task.MediaID)
	status := p.execute(ctx, workerID, task)
	unlock()

	if err := p.broker.Ack(ctx, item.QueueKey, taskID); err != nil {
		slog.Warn("ack failed", slog.String("task_id", taskID), slog.Any("error", err))
	}
	if status.Terminal() {
		observability.TasksSettledTotal.WithLabelValues(string(status)).Inc()
		p.announceSettled(ctx, task, status)
	}
}

func (p *Pool) lockMedia(mediaID string) func() {
	muAny, _ := p.mediaLocks.LoadOrStore(mediaID, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// execute runs one leased task through analysis and QA, returning the status
// it settled (or re-parked) in.
func (p *Pool) execute(ctx domain.Context, workerID string, task domain.Task) domain.TaskStatus {
	set := p.profiles.Snapshot()
	prof, err := set.AnalysisProfile(task.Type)
	if err != nil {
		return p.fail(ctx, task, domain.TaskRunning, fmt.Sprintf("no profile for type %s", task.Type))
	}

	ref, err := p.mediaRef(ctx, task.ProcessID, task.MediaID)
	if err != nil {
		return p.fail(ctx, task, domain.TaskRunning, fmt.Sprintf("media lookup: %v", err))
	}
	imageBytes, err := p.images.Fetch(ctx, ref)
	if err != nil {
		return p.fail(ctx, task, domain.TaskRunning, fmt.Sprintf("image fetch: %v", err))
	}
	imageB64 := base64.StdEncoding.EncodeToString(imageBytes)

	values := map[string]string{profile.PlaceholderImage: imageB64}
	system := prof.Prompts.System.Render(values)
	user := prof.Prompts.User.Render(values)

	model := prof.Model.Name
	if model == "" {
		model = p.cfg.AnalysisModel
	}
	rawText, err := p.invokeModel(ctx, task, domain.GenerateRequest{
		Model:    model,
		System:   system,
		Prompt:   user,
		ImageB64: imageB64,
		Params:   prof.Model.Params(),
	})
	if err != nil {
		return p.fail(ctx, task, domain.TaskRunning, fmt.Sprintf("model call: %v", err))
	}

	// Persist the raw output before any QA verdict exists. A parse failure
	// is not fatal here: T1 fails structurally and corrective processing
	// takes over.
	output := []byte(rawText)
	if extracted, err := qa.ExtractJSON(rawText); err == nil {
		output = extracted
	} else {
		p.emitAudit(ctx, task, domain.AuditParseFailed, domain.SeverityInfo, map[string]any{
			"error": err.Error(),
		})
	}
	artifactPath, err := p.artifacts.Save(ctx, task.ID, task.Attempt, output)
	if err != nil {
		return p.fail(ctx, task, domain.TaskRunning, fmt.Sprintf("artifact save: %v", err))
	}
	p.emitAudit(ctx, task, domain.AuditArtifactStored, domain.SeverityInfo, map[string]any{
		"path": artifactPath, "attempt": task.Attempt,
	})

	version := prof.Version
	update := domain.TaskUpdate{ArtifactPath: &artifactPath, ProfileVersion: &version}
	ok, err := p.tasks.Transition(ctx, task.ID, domain.TaskRunning, domain.TaskAwaitingQA, update, domain.AuditEvent{
		ProcessID: task.ProcessID,
		Kind:      domain.AuditTaskTransition,
		Payload:   map[string]any{"from": "running", "to": "awaiting_qa"},
	})
	if err != nil || !ok {
		slog.Error("transition to awaiting_qa failed",
			slog.String("task_id", task.ID), slog.Bool("cas_ok", ok), slog.Any("error", err))
		return domain.TaskRunning
	}

	if ok, err := p.tasks.RenewLease(ctx, task.ID, workerID, p.cfg.LeaseTTL); err != nil || !ok {
		slog.Warn("lease renewal before QA failed", slog.String("task_id", task.ID), slog.Any("error", err))
		return domain.TaskAwaitingQA
	}

	outcome, err := p.pipeline.Run(ctx, task, prof, set, imageB64, output)
	if err != nil {
		return p.fail(ctx, task, domain.TaskAwaitingQA, fmt.Sprintf("qa pipeline: %v", err))
	}

	switch outcome.Status {
	case domain.TaskCompleted:
		finalPath := artifactPath
		if string(outcome.Final) != string(output) {
			// Corrective rewrites produced a new final output; persist it as
			// its own artifact.
			if fp, err := p.artifacts.Save(ctx, task.ID, task.Attempt+1000, outcome.Final); err == nil {
				finalPath = fp
			}
		}
		conf := outcome.Confidence
		upd := domain.TaskUpdate{ArtifactPath: &finalPath, Confidence: &conf}
		ok, err := p.tasks.Transition(ctx, task.ID, domain.TaskAwaitingQA, domain.TaskCompleted, upd, domain.AuditEvent{
			ProcessID: task.ProcessID,
			Kind:      domain.AuditTaskTransition,
			Payload:   map[string]any{"from": "awaiting_qa", "to": "completed", "confidence": conf},
		})
		if err != nil || !ok {
			slog.Error("completion transition failed", slog.String("task_id", task.ID), slog.Any("error", err))
			return domain.TaskAwaitingQA
		}
		return domain.TaskCompleted
	case domain.TaskManualReview:
		reason := fmt.Sprintf("qa tier %s exhausted", outcome.FailedTier)
		upd := domain.TaskUpdate{LastError: &reason}
		ok, err := p.tasks.Transition(ctx, task.ID, domain.TaskAwaitingQA, domain.TaskManualReview, upd, domain.AuditEvent{
			ProcessID: task.ProcessID,
			Kind:      domain.AuditTaskTransition,
			Severity:  domain.SeverityHigh,
			Payload:   map[string]any{"from": "awaiting_qa", "to": "manual_review", "tier": string(outcome.FailedTier)},
		})
		if err != nil || !ok {
			slog.Error("manual-review transition failed", slog.String("task_id", task.ID), slog.Any("error", err))
			return domain.TaskAwaitingQA
		}
		return domain.TaskManualReview
	default:
		return p.fail(ctx, task, domain.TaskAwaitingQA, fmt.Sprintf("unexpected qa outcome %q", outcome.Status))
	}
}

// invokeModel calls the vision runtime under the shared semaphore, retrying
// transport errors with exponential backoff. Retries are audit-logged and
// count against no user-visible limit.
func (p *Pool) invokeModel(ctx domain.Context, task domain.Task, req domain.GenerateRequest) (string, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := p.slots.Acquire(ctx, 1); err != nil {
			return "", fmt.Errorf("op=worker.invoke_model: acquire slot: %w", err)
		}
		callCtx, cancel := context.WithTimeout(ctx, p.cfg.AnalysisTimeout)
		text, err := p.vision.Generate(callCtx, req)
		cancel()
		p.slots.Release(1)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !p.cfg.Retry.Retryable(err) || attempt >= p.cfg.Retry.MaxRetries {
			return "", lastErr
		}
		delay := p.cfg.Retry.Delay(attempt)
		p.emitAudit(ctx, task, domain.AuditTaskRetried, domain.SeverityInfo, map[string]any{
			"attempt": attempt + 1, "delay_ms": delay.Milliseconds(), "error": err.Error(),
		})
		select {
		case <-ctx.Done():
			return "", errors.Join(lastErr, ctx.Err())
		case <-time.After(delay):
		}
	}
}

func (p *Pool) fail(ctx domain.Context, task domain.Task, from domain.TaskStatus, reason string) domain.TaskStatus {
	upd := domain.TaskUpdate{LastError: &reason}
	ok, err := p.tasks.Transition(ctx, task.ID, from, domain.TaskFailed, upd, domain.AuditEvent{
		ProcessID: task.ProcessID,
		Kind:      domain.AuditTaskTransition,
		Severity:  domain.SeverityHigh,
		Payload:   map[string]any{"from": string(from), "to": "failed", "reason": reason},
	})
	if err != nil || !ok {
		slog.Error("failure transition did not apply",
			slog.String("task_id", task.ID), slog.String("reason", reason), slog.Any("error", err))
		return from
	}
	slog.Warn("task failed", slog.String("task_id", task.ID), slog.String("reason", reason))
	return domain.TaskFailed
}

// announceSettled routes terminal outcomes to the management queues the
// orchestrator drains: every settled task lands on batch_completion, manual
// reviews additionally on manual_review.
func (p *Pool) announceSettled(ctx domain.Context, task domain.Task, status domain.TaskStatus) {
	item := domain.QueueItem{TaskID: task.ID, ProcessID: task.ProcessID, MediaID: task.MediaID, Type: task.Type}
	if status == domain.TaskManualReview {
		if err := p.broker.Enqueue(ctx, domain.QueueManualReview, item, domain.PriorityHigh); err != nil {
			slog.Warn("manual-review enqueue failed", slog.String("task_id", task.ID), slog.Any("error", err))
		}
	}
	if err := p.broker.Enqueue(ctx, domain.QueueBatchCompletion, item, domain.PriorityNormal); err != nil {
		slog.Warn("batch-completion enqueue failed", slog.String("task_id", task.ID), slog.Any("error", err))
	}
}

func (p *Pool) emitAudit(ctx domain.Context, task domain.Task, kind, severity string, payload map[string]any) {
	if p.audit == nil {
		return
	}
	taskID := task.ID
	if err := p.audit.Emit(ctx, domain.AuditEvent{
		ProcessID: task.ProcessID,
		TaskID:    &taskID,
		Kind:      kind,
		Severity:  severity,
		Payload:   payload,
	}); err != nil {
		slog.Warn("audit emit failed", slog.String("kind", kind), slog.Any("error", err))
	}
}
