package qa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/lensworks/visionflow/internal/adapter/observability"
	"github.com/lensworks/visionflow/internal/domain"
	"github.com/lensworks/visionflow/internal/profile"
)

// Outcome is the pipeline's terminal decision for one task.
type Outcome struct {
	// Status is TaskCompleted or TaskManualReview.
	Status domain.TaskStatus
	// Final holds the output that passed all tiers, corrective rewrites
	// included. Meaningful only when Status is TaskCompleted.
	Final []byte
	// Confidence is the T3 score of the passing attempt.
	Confidence float64
	// FailedTier names the exhausted tier when Status is TaskManualReview.
	FailedTier domain.Tier
}

// Pipeline runs the three QA tiers in order against one task's output,
// invoking the tier-scoped corrective agent on failure. One agent
// implementation exists per tier, parameterized by the corrective stage for
// the task's analysis type.
type Pipeline struct {
	vision   domain.VisionClient
	attempts domain.QAAttemptRepository
	audit    domain.AuditRepository
	notifier domain.Notifier

	qaModel   string
	qaTimeout time.Duration
	retry     domain.RetryPolicy
	// slots is shared with the analysis workers: corrective and verdict
	// calls compete with primary analysis calls for the same model capacity.
	slots *semaphore.Weighted
}

// Option adjusts pipeline construction.
type Option func(*Pipeline)

// WithRetryPolicy overrides the transport retry policy around model calls.
func WithRetryPolicy(policy domain.RetryPolicy) Option {
	return func(p *Pipeline) { p.retry = policy }
}

// New constructs a Pipeline.
func New(vision domain.VisionClient, attempts domain.QAAttemptRepository, audit domain.AuditRepository,
	notifier domain.Notifier, qaModel string, qaTimeout time.Duration, slots *semaphore.Weighted,
	opts ...Option) *Pipeline {
	if qaTimeout <= 0 {
		qaTimeout = 30 * time.Second
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	p := &Pipeline{
		vision:    vision,
		attempts:  attempts,
		audit:     audit,
		notifier:  notifier,
		qaModel:   qaModel,
		qaTimeout: qaTimeout,
		retry:     domain.DefaultRetryPolicy(),
		slots:     slots,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type nopNotifier struct{}

func (nopNotifier) Notify(domain.Context, domain.NotifyChannel, map[string]any) {}

func tierChannel(t domain.Tier) domain.NotifyChannel {
	switch t {
	case domain.TierStructural:
		return domain.ChannelQAStructural
	case domain.TierContentQuality:
		return domain.ChannelQAContent
	default:
		return domain.ChannelQADomain
	}
}

// Run validates output through T1, T2, T3 in order. All attempts of a tier
// complete before the next tier starts; a tier exhausted without a pass ends
// the pipeline in manual review and later tiers never run. Infrastructure
// errors (model runtime down, store write failed) propagate without
// consuming a QA attempt. Attempt indexes resume after rows recorded by an
// earlier run of the same task, so a reclaimed task continues its per-tier
// budget instead of colliding with its own history.
func (p *Pipeline) Run(ctx domain.Context, task domain.Task, prof *profile.AnalysisProfile,
	set *profile.Set, imageB64 string, output []byte) (Outcome, error) {

	limit := prof.QA.MaxAttempts
	if limit <= 0 || limit > domain.MaxTierAttempts {
		limit = domain.MaxTierAttempts
	}
	var confidence float64

	for _, tier := range domain.TierOrder() {
		prior, err := p.attempts.CountForTier(ctx, task.ID, tier)
		if err != nil {
			return Outcome{}, fmt.Errorf("op=qa.run: prior attempts %s/%s: %w", task.ID, tier, err)
		}
		if prior >= limit {
			return Outcome{Status: domain.TaskManualReview, FailedTier: tier}, nil
		}
		passed := false
		for attempt := prior + 1; attempt <= limit; attempt++ {
			start := time.Now()
			verdict, err := p.checkTier(ctx, tier, task.Type, prof, output)
			if err != nil {
				return Outcome{}, err
			}
			dur := time.Since(start)
			observability.ObserveQAAttempt(string(tier), verdict.Passed, dur)
			if tier == domain.TierDomainExpert {
				observability.QAConfidence.Observe(verdict.Confidence)
			}

			rec := domain.QAAttempt{
				TaskID:            task.ID,
				Tier:              tier,
				AttemptIndex:      attempt,
				Passed:            verdict.Passed,
				FailureCategories: verdict.Categories,
				Confidence:        verdict.Confidence,
				Duration:          dur,
			}

			if verdict.Passed {
				if _, err := p.attempts.Record(ctx, rec); err != nil {
					return Outcome{}, err
				}
				p.emitAttemptAudit(ctx, task, rec)
				p.notifier.Notify(ctx, tierChannel(tier), map[string]any{
					"task_id": task.ID, "tier": string(tier), "attempt": attempt, "passed": true,
				})
				confidence = verdict.Confidence
				passed = true
				break
			}

			if attempt < limit {
				stage, err := set.CorrectiveStage(task.Type, tier)
				if err != nil {
					return Outcome{}, fmt.Errorf("op=qa.run: corrective stage %s/%s: %w", task.Type, tier, err)
				}
				corrected, err := p.corrective(ctx, stage, imageB64, output)
				if err != nil {
					return Outcome{}, err
				}
				rec.CorrectivePromptID = &stage.PromptID
				if _, err := p.attempts.Record(ctx, rec); err != nil {
					return Outcome{}, err
				}
				p.emitAttemptAudit(ctx, task, rec)
				p.emitAudit(ctx, task, domain.AuditCorrectiveApplied, domain.SeverityInfo, map[string]any{
					"tier": string(tier), "attempt": attempt, "prompt_id": stage.PromptID,
				})
				output = corrected
				continue
			}

			// Tier exhausted.
			if _, err := p.attempts.Record(ctx, rec); err != nil {
				return Outcome{}, err
			}
			p.emitAttemptAudit(ctx, task, rec)
			slog.Warn("qa tier exhausted, task routed to manual review",
				slog.String("task_id", task.ID), slog.String("tier", string(tier)),
				slog.Any("categories", verdict.Categories))
			return Outcome{Status: domain.TaskManualReview, FailedTier: tier}, nil
		}
		if !passed {
			return Outcome{Status: domain.TaskManualReview, FailedTier: tier}, nil
		}
	}
	return Outcome{Status: domain.TaskCompleted, Final: output, Confidence: confidence}, nil
}

func (p *Pipeline) checkTier(ctx domain.Context, tier domain.Tier, t domain.AnalysisType,
	prof *profile.AnalysisProfile, output []byte) (Verdict, error) {
	switch tier {
	case domain.TierStructural:
		return CheckStructural(output, prof.Schema), nil
	case domain.TierContentQuality:
		if cats := scanContent(output, prof.Prohibited()); len(cats) > 0 {
			return Verdict{Categories: cats}, nil
		}
		v, err := p.agentCall(ctx, contentSystemPrompt, contentUserPrompt(output), "")
		if err != nil {
			return Verdict{}, err
		}
		return Verdict{Passed: v.Pass, Categories: v.Categories}, nil
	case domain.TierDomainExpert:
		system := fmt.Sprintf(domainExpertSystemPrompt, t)
		v, err := p.agentCall(ctx, system, domainExpertUserPrompt(t, prof.Schema, output), "")
		if err != nil {
			return Verdict{}, err
		}
		threshold := prof.QA.DomainConfidenceThreshold
		if threshold <= 0 {
			threshold = 0.8
		}
		passed := v.Pass && v.Confidence >= threshold
		cats := v.Categories
		if v.Pass && v.Confidence < threshold {
			cats = append(cats, CatLowConfidence)
		}
		return Verdict{Passed: passed, Categories: cats, Confidence: v.Confidence}, nil
	default:
		return Verdict{}, fmt.Errorf("op=qa.check_tier: unknown tier %q: %w", tier, domain.ErrInternal)
	}
}

// agentCall invokes the QA model at low temperature and parses its verdict.
func (p *Pipeline) agentCall(ctx domain.Context, system, user, imageB64 string) (agentVerdict, error) {
	text, err := p.generate(ctx, domain.GenerateRequest{
		Model:    p.qaModel,
		System:   system,
		Prompt:   user,
		ImageB64: imageB64,
		Params:   domain.ModelParams{Temperature: 0.05, NumCtx: 8192, MaxTokens: 1024},
	})
	if err != nil {
		return agentVerdict{}, err
	}
	return parseAgentVerdict(text)
}

// corrective renders the stage template with {{IMAGE}} and {{PRIOR_OUTPUT}}
// and asks the QA model to rewrite the output.
func (p *Pipeline) corrective(ctx domain.Context, stage *profile.CorrectiveStage,
	imageB64 string, output []byte) ([]byte, error) {
	prompt := stage.Template.Render(map[string]string{
		profile.PlaceholderImage:       imageB64,
		profile.PlaceholderPriorOutput: string(output),
	})
	model := stage.Model.Name
	if model == "" {
		model = p.qaModel
	}
	text, err := p.generate(ctx, domain.GenerateRequest{
		Model:    model,
		Prompt:   prompt,
		ImageB64: imageB64,
		Params:   stage.Model.Params(),
	})
	if err != nil {
		return nil, err
	}
	corrected, err := ExtractJSON(text)
	if err != nil {
		return nil, fmt.Errorf("op=qa.corrective: %w", err)
	}
	return corrected, nil
}

// generate invokes the model under the shared slot semaphore, retrying
// transport errors within the policy budget. Retries never consume a QA
// attempt.
func (p *Pipeline) generate(ctx domain.Context, req domain.GenerateRequest) (string, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		text, err := p.generateOnce(ctx, req)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !p.retry.Retryable(err) || attempt >= p.retry.MaxRetries {
			return "", lastErr
		}
		select {
		case <-ctx.Done():
			return "", errors.Join(lastErr, ctx.Err())
		case <-time.After(p.retry.Delay(attempt)):
		}
	}
}

func (p *Pipeline) generateOnce(ctx domain.Context, req domain.GenerateRequest) (string, error) {
	if p.slots != nil {
		if err := p.slots.Acquire(ctx, 1); err != nil {
			return "", fmt.Errorf("op=qa.generate: acquire slot: %w", err)
		}
		defer p.slots.Release(1)
	}
	callCtx, cancel := context.WithTimeout(ctx, p.qaTimeout)
	defer cancel()
	return p.vision.Generate(callCtx, req)
}

func (p *Pipeline) emitAttemptAudit(ctx domain.Context, task domain.Task, rec domain.QAAttempt) {
	p.emitAudit(ctx, task, domain.AuditQAAttempt, domain.SeverityInfo, map[string]any{
		"tier":       string(rec.Tier),
		"attempt":    rec.AttemptIndex,
		"passed":     rec.Passed,
		"categories": rec.FailureCategories,
		"confidence": rec.Confidence,
	})
}

func (p *Pipeline) emitAudit(ctx domain.Context, task domain.Task, kind, severity string, payload map[string]any) {
	if p.audit == nil {
		return
	}
	taskID := task.ID
	e := domain.AuditEvent{
		ProcessID: task.ProcessID,
		TaskID:    &taskID,
		Kind:      kind,
		Severity:  severity,
		Payload:   payload,
	}
	if err := p.audit.Emit(ctx, e); err != nil {
		slog.Warn("audit emit failed", slog.String("kind", kind), slog.Any("error", err))
	}
}
