package qa_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lensworks/visionflow/internal/domain"
	"github.com/lensworks/visionflow/internal/profile"
	"github.com/lensworks/visionflow/internal/qa"
)

// scriptedVision returns canned responses in order, optionally failing the
// first transientFailures calls with a transport error.
type scriptedVision struct {
	mu                sync.Mutex
	responses         []string
	transientFailures int
	calls             []domain.GenerateRequest
}

func (s *scriptedVision) Generate(_ domain.Context, req domain.GenerateRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if s.transientFailures > 0 {
		s.transientFailures--
		return "", fmt.Errorf("connect: %w", domain.ErrUpstreamUnavailable)
	}
	if len(s.responses) == 0 {
		return "", fmt.Errorf("scripted vision exhausted: %w", domain.ErrUpstreamUnavailable)
	}
	r := s.responses[0]
	s.responses = s.responses[1:]
	return r, nil
}

// memAttempts is an in-memory QAAttemptRepository enforcing the same
// (task_id, tier, attempt_index) uniqueness as the schema.
type memAttempts struct {
	mu   sync.Mutex
	rows []domain.QAAttempt
}

func (m *memAttempts) Record(_ domain.Context, a domain.QAAttempt) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.TaskID == a.TaskID && r.Tier == a.Tier && r.AttemptIndex == a.AttemptIndex {
			return "", fmt.Errorf("op=qa.record: attempt %s/%s/%d exists: %w",
				a.TaskID, a.Tier, a.AttemptIndex, domain.ErrConflict)
		}
	}
	a.ID = fmt.Sprintf("qa-%d", len(m.rows)+1)
	a.CreatedAt = time.Now()
	m.rows = append(m.rows, a)
	return a.ID, nil
}

func (m *memAttempts) CountForTier(_ domain.Context, taskID string, tier domain.Tier) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.rows {
		if r.TaskID == taskID && r.Tier == tier {
			n++
		}
	}
	return n, nil
}

func (m *memAttempts) ListByTask(_ domain.Context, taskID string) ([]domain.QAAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.QAAttempt
	for _, r := range m.rows {
		if r.TaskID == taskID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memAttempts) byTier(tier domain.Tier) []domain.QAAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.QAAttempt
	for _, r := range m.rows {
		if r.Tier == tier {
			out = append(out, r)
		}
	}
	return out
}

type memAudit struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (m *memAudit) Emit(_ domain.Context, e domain.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memAudit) ListByProcess(_ domain.Context, _ string) ([]domain.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.AuditEvent(nil), m.events...), nil
}

func testProfile() *profile.AnalysisProfile {
	prohibited := []string{"lorem ipsum"}
	return &profile.AnalysisProfile{
		Type:    domain.TypeColors,
		Version: "1.0.0",
		Model:   profile.ModelSettings{Name: "qwen2.5vl:32b", ContextSize: 8192, MaxOutputTokens: 1024},
		Schema: profile.OutputSchema{Fields: []profile.FieldSpec{
			{Name: "colors", Type: "array", Required: true, ItemType: "string", MinItems: 1},
			{Name: "dominant", Type: "string", Required: true},
		}},
		ProhibitedPhrases: &prohibited,
		QA:                profile.QASettings{MaxAttempts: 3, DomainConfidenceThreshold: 0.8},
	}
}

func testSet(p *profile.AnalysisProfile) *profile.Set {
	corrective := make(map[domain.Tier]*profile.CorrectiveStage, 3)
	for _, tier := range domain.TierOrder() {
		corrective[tier] = &profile.CorrectiveStage{
			Type:     p.Type,
			Tier:     tier,
			Version:  "1.0.0",
			PromptID: "corr-" + string(tier),
			Model:    profile.ModelSettings{Name: "qwen2.5vl:7b", ContextSize: 8192, MaxOutputTokens: 1024},
			Template: "Fix the output. Image: {{IMAGE}} Prior: {{PRIOR_OUTPUT}}",
		}
	}
	return &profile.Set{
		Analysis:   map[domain.AnalysisType]*profile.AnalysisProfile{p.Type: p},
		Corrective: map[domain.AnalysisType]map[domain.Tier]*profile.CorrectiveStage{p.Type: corrective},
	}
}

func task() domain.Task {
	return domain.Task{ID: "task-1", ProcessID: "proc-1", MediaID: "media-1", Type: domain.TypeColors}
}

const (
	passVerdict = `{"pass": true, "categories": []}`
	goodOutput  = `{"colors":["red","blue"],"dominant":"red"}`
)

func domainPass(conf float64) string {
	return fmt.Sprintf(`{"pass": true, "confidence": %.2f, "categories": []}`, conf)
}

func fastRetry() domain.RetryPolicy {
	p := domain.DefaultRetryPolicy()
	p.MaxRetries = 1
	p.InitialDelay = time.Millisecond
	return p
}

func TestPipeline_AllTiersPassFirstTry(t *testing.T) {
	t.Parallel()
	vis := &scriptedVision{responses: []string{passVerdict, domainPass(0.95)}}
	attempts := &memAttempts{}
	p := qa.New(vis, attempts, &memAudit{}, nil, "qwen2.5vl:7b", time.Second, nil)

	out, err := p.Run(context.Background(), task(), testProfile(), testSet(testProfile()), "img", []byte(goodOutput))
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, out.Status)
	assert.InDelta(t, 0.95, out.Confidence, 1e-9)
	assert.JSONEq(t, goodOutput, string(out.Final))

	for _, tier := range domain.TierOrder() {
		rows := attempts.byTier(tier)
		require.Len(t, rows, 1, tier)
		assert.True(t, rows[0].Passed)
		assert.Equal(t, 1, rows[0].AttemptIndex)
	}
}

func TestPipeline_StructuralCorrectiveRecovery(t *testing.T) {
	t.Parallel()
	// T1 fails on malformed output, the corrective agent rewrites it, T1
	// passes on attempt 2 and T2 starts with no further T1 attempts.
	vis := &scriptedVision{responses: []string{
		"Corrected: " + goodOutput, // T1 corrective
		passVerdict,                // T2 agent
		domainPass(0.9),            // T3 agent
	}}
	attempts := &memAttempts{}
	p := qa.New(vis, attempts, &memAudit{}, nil, "qwen2.5vl:7b", time.Second, nil)

	out, err := p.Run(context.Background(), task(), testProfile(), testSet(testProfile()), "img", []byte(`not json`))
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, out.Status)

	t1 := attempts.byTier(domain.TierStructural)
	require.Len(t, t1, 2)
	assert.False(t, t1[0].Passed)
	assert.Contains(t, t1[0].FailureCategories, qa.CatParseError)
	require.NotNil(t, t1[0].CorrectivePromptID)
	assert.Equal(t, "corr-structural", *t1[0].CorrectivePromptID)
	assert.True(t, t1[1].Passed)
	assert.Equal(t, 2, t1[1].AttemptIndex)
}

func TestPipeline_ContentCorrectiveRecovery(t *testing.T) {
	t.Parallel()
	// First output contains "This image shows": T1 passes, T2 fails locally
	// with meta_descriptive, corrective rewrites, T2 re-runs and passes.
	bad := `{"colors":["red"],"dominant":"red","note":"This image shows a red car"}`
	vis := &scriptedVision{responses: []string{
		goodOutput,      // T2 corrective
		passVerdict,     // T2 agent on corrected output
		domainPass(0.9), // T3 agent
	}}
	attempts := &memAttempts{}
	p := qa.New(vis, attempts, &memAudit{}, nil, "qwen2.5vl:7b", time.Second, nil)

	out, err := p.Run(context.Background(), task(), testProfile(), testSet(testProfile()), "img", []byte(bad))
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, out.Status)

	t2 := attempts.byTier(domain.TierContentQuality)
	require.Len(t, t2, 2)
	assert.False(t, t2[0].Passed)
	assert.Contains(t, t2[0].FailureCategories, qa.CatMetaDescriptive)
	assert.True(t, t2[1].Passed)
	assert.Equal(t, 2, t2[1].AttemptIndex)
}

func TestPipeline_ProhibitedPhraseFailsLocally(t *testing.T) {
	t.Parallel()
	bad := `{"colors":["red"],"dominant":"red","note":"Lorem Ipsum filler"}`
	vis := &scriptedVision{responses: []string{
		goodOutput,      // T2 corrective
		passVerdict,     // T2 agent
		domainPass(0.9), // T3 agent
	}}
	attempts := &memAttempts{}
	p := qa.New(vis, attempts, &memAudit{}, nil, "qwen2.5vl:7b", time.Second, nil)

	out, err := p.Run(context.Background(), task(), testProfile(), testSet(testProfile()), "img", []byte(bad))
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, out.Status)

	t2 := attempts.byTier(domain.TierContentQuality)
	assert.Contains(t, t2[0].FailureCategories, qa.CatProhibitedPhrase)
}

func TestPipeline_DomainExpertExhaustionManualReview(t *testing.T) {
	t.Parallel()
	// T3 scores 0.6 three consecutive times; task goes to manual review and
	// no tier exceeds three attempts.
	vis := &scriptedVision{responses: []string{
		passVerdict,                 // T2 agent
		domainPass(0.6),             // T3 attempt 1
		"rewrite: " + goodOutput,    // T3 corrective 1
		domainPass(0.6),             // T3 attempt 2
		"rewrite v2: " + goodOutput, // T3 corrective 2
		domainPass(0.6),             // T3 attempt 3
	}}
	attempts := &memAttempts{}
	p := qa.New(vis, attempts, &memAudit{}, nil, "qwen2.5vl:7b", time.Second, nil)

	out, err := p.Run(context.Background(), task(), testProfile(), testSet(testProfile()), "img", []byte(goodOutput))
	require.NoError(t, err)
	assert.Equal(t, domain.TaskManualReview, out.Status)
	assert.Equal(t, domain.TierDomainExpert, out.FailedTier)

	t3 := attempts.byTier(domain.TierDomainExpert)
	require.Len(t, t3, 3)
	for i, row := range t3 {
		assert.False(t, row.Passed)
		assert.Equal(t, i+1, row.AttemptIndex)
		assert.Contains(t, row.FailureCategories, qa.CatLowConfidence)
	}
	for _, tier := range domain.TierOrder() {
		assert.LessOrEqual(t, len(attempts.byTier(tier)), domain.MaxTierAttempts)
	}
}

func TestPipeline_InfraErrorDoesNotConsumeAttempt(t *testing.T) {
	t.Parallel()
	vis := &scriptedVision{} // exhausted immediately: T2 agent call fails
	attempts := &memAttempts{}
	p := qa.New(vis, attempts, &memAudit{}, nil, "qwen2.5vl:7b", time.Second, nil,
		qa.WithRetryPolicy(fastRetry()))

	_, err := p.Run(context.Background(), task(), testProfile(), testSet(testProfile()), "img", []byte(goodOutput))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	// T1 passed and was recorded; the failed T2 infrastructure call was not.
	assert.Len(t, attempts.byTier(domain.TierStructural), 1)
	assert.Empty(t, attempts.byTier(domain.TierContentQuality))
}

func TestPipeline_TransientModelFailureRetried(t *testing.T) {
	t.Parallel()
	// The first T2 agent call fails with a transport error; the pipeline
	// retries it without recording a QA attempt and the task completes.
	vis := &scriptedVision{
		transientFailures: 1,
		responses:         []string{passVerdict, domainPass(0.9)},
	}
	attempts := &memAttempts{}
	p := qa.New(vis, attempts, &memAudit{}, nil, "qwen2.5vl:7b", time.Second, nil,
		qa.WithRetryPolicy(fastRetry()))

	out, err := p.Run(context.Background(), task(), testProfile(), testSet(testProfile()), "img", []byte(goodOutput))
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, out.Status)
	for _, tier := range domain.TierOrder() {
		rows := attempts.byTier(tier)
		require.Len(t, rows, 1, tier)
		assert.True(t, rows[0].Passed)
	}
}

func TestPipeline_ReclaimedRunResumesAttemptIndexes(t *testing.T) {
	t.Parallel()
	// First run: T1 passes and is recorded, then the T2 agent call fails for
	// good and the run aborts. A later run of the same task (lease reclaimed,
	// re-leased) must continue the T1 index sequence instead of re-inserting
	// attempt 1 against the store's uniqueness constraint.
	attempts := &memAttempts{}
	down := &scriptedVision{}
	p1 := qa.New(down, attempts, &memAudit{}, nil, "qwen2.5vl:7b", time.Second, nil,
		qa.WithRetryPolicy(fastRetry()))
	_, err := p1.Run(context.Background(), task(), testProfile(), testSet(testProfile()), "img", []byte(goodOutput))
	require.Error(t, err)
	require.Len(t, attempts.byTier(domain.TierStructural), 1)

	up := &scriptedVision{responses: []string{passVerdict, domainPass(0.9)}}
	p2 := qa.New(up, attempts, &memAudit{}, nil, "qwen2.5vl:7b", time.Second, nil,
		qa.WithRetryPolicy(fastRetry()))
	out, err := p2.Run(context.Background(), task(), testProfile(), testSet(testProfile()), "img", []byte(goodOutput))
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, out.Status)

	t1 := attempts.byTier(domain.TierStructural)
	require.Len(t, t1, 2)
	assert.Equal(t, 1, t1[0].AttemptIndex)
	assert.Equal(t, 2, t1[1].AttemptIndex)
	assert.Len(t, attempts.byTier(domain.TierContentQuality), 1)
}
