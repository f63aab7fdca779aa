package orchestrator_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lensworks/visionflow/internal/artifact"
	"github.com/lensworks/visionflow/internal/domain"
	"github.com/lensworks/visionflow/internal/orchestrator"
	"github.com/lensworks/visionflow/internal/profile"
)

type memBroker struct {
	mu      sync.Mutex
	queues  map[string][]domain.QueueItem
	members map[string]map[string]bool
}

func newMemBroker() *memBroker {
	return &memBroker{queues: map[string][]domain.QueueItem{}, members: map[string]map[string]bool{}}
}

func (b *memBroker) Enqueue(_ domain.Context, key string, item domain.QueueItem, _ domain.Priority) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.members[key] == nil {
		b.members[key] = map[string]bool{}
	}
	if b.members[key][item.TaskID] {
		return nil
	}
	b.members[key][item.TaskID] = true
	b.queues[key] = append(b.queues[key], item)
	return nil
}

func (b *memBroker) Dequeue(_ domain.Context, key string, _ time.Duration) (*domain.DequeuedItem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[key]
	if len(q) == 0 {
		return nil, nil
	}
	item := q[0]
	b.queues[key] = q[1:]
	return &domain.DequeuedItem{Item: item, QueueKey: key}, nil
}

func (b *memBroker) Ack(_ domain.Context, key, taskID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.members[key] != nil {
		delete(b.members[key], taskID)
	}
	return nil
}

func (b *memBroker) Depth(_ domain.Context, key string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[key]), nil
}

func (b *memBroker) ReclaimInflight(domain.Context) (int, error) { return 0, nil }

func (b *memBroker) depth(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[key])
}

type memProcesses struct {
	mu    sync.Mutex
	procs map[string]*domain.Process
	flags map[string]map[string]bool
}

func newMemProcesses() *memProcesses {
	return &memProcesses{procs: map[string]*domain.Process{}, flags: map[string]map[string]bool{}}
}

func (m *memProcesses) Create(_ domain.Context, p domain.Process) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	p.CreatedAt = time.Now().UTC()
	m.procs[p.ID] = &p
	return p.ID, nil
}

func (m *memProcesses) Get(_ domain.Context, id string) (domain.Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[id]
	if !ok {
		return domain.Process{}, domain.ErrNotFound
	}
	return *p, nil
}

func (m *memProcesses) TransitionStatus(_ domain.Context, id string, from, to domain.ProcessStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[id]
	if !ok || p.Status != from {
		return false, nil
	}
	p.Status = to
	return true, nil
}

func (m *memProcesses) AddCounters(_ domain.Context, id string, d domain.CounterDelta) (domain.Counters, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[id]
	if !ok {
		return domain.Counters{}, domain.ErrNotFound
	}
	p.Counters.Completed += d.Completed
	p.Counters.Failed += d.Failed
	p.Counters.ManualReview += d.ManualReview
	return p.Counters, nil
}

func (m *memProcesses) MarkStatusReported(_ domain.Context, id, status string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.flags[id] == nil {
		m.flags[id] = map[string]bool{}
	}
	if m.flags[id][status] {
		return false, nil
	}
	m.flags[id][status] = true
	return true, nil
}

type memTasks struct {
	mu    sync.Mutex
	tasks map[string]*domain.Task
}

func newMemTasks() *memTasks { return &memTasks{tasks: map[string]*domain.Task{}} }

func (m *memTasks) CreateBatch(_ domain.Context, tasks []domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range tasks {
		if tasks[i].ID == "" {
			tasks[i].ID = uuid.New().String()
		}
		t := tasks[i]
		m.tasks[t.ID] = &t
	}
	return nil
}

func (m *memTasks) Get(_ domain.Context, id string) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	return *t, nil
}

func (m *memTasks) Lease(domain.Context, string, string, time.Duration) (domain.Task, bool, error) {
	return domain.Task{}, false, nil
}

func (m *memTasks) RenewLease(domain.Context, string, string, time.Duration) (bool, error) {
	return false, nil
}

func (m *memTasks) Transition(_ domain.Context, id string, from, to domain.TaskStatus, set domain.TaskUpdate, _ domain.AuditEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Status != from {
		return false, nil
	}
	t.Status = to
	if set.ArtifactPath != nil {
		t.ArtifactPath = *set.ArtifactPath
	}
	return true, nil
}

func (m *memTasks) MarkSubmitted(_ domain.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Submitted {
		return false, nil
	}
	t.Submitted = true
	return true, nil
}

func (m *memTasks) ReclaimExpired(domain.Context, int) (int, error) { return 0, nil }

func (m *memTasks) CountByStatus(_ domain.Context, processID string) (map[domain.TaskStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[domain.TaskStatus]int{}
	for _, t := range m.tasks {
		if t.ProcessID == processID {
			out[t.Status]++
		}
	}
	return out, nil
}

func (m *memTasks) all() []domain.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Task
	for _, t := range m.tasks {
		out = append(out, *t)
	}
	return out
}

func (m *memTasks) settle(id string, status domain.TaskStatus, artifactPath string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tasks[id]
	t.Status = status
	t.ArtifactPath = artifactPath
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

func (m *memAudit) ListByProcess(domain.Context, string) ([]domain.AuditEvent, error) {
	return nil, nil
}

func (m *memAudit) kinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		out = append(out, e.Kind)
	}
	return out
}

type fakeRegistry struct {
	mu            sync.Mutex
	job           *domain.RegistryJob
	statusUpdates []string
	submissions   []domain.AnalysisSubmission
	reports       []domain.QualityReport
	submitErr     error
}

func (f *fakeRegistry) NextJob(domain.Context) (*domain.RegistryJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.job
	f.job = nil
	return j, nil
}

func (f *fakeRegistry) UpdateProjectStatus(_ domain.Context, _, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusUpdates = append(f.statusUpdates, status)
	return nil
}

func (f *fakeRegistry) SubmitAnalysis(_ domain.Context, sub domain.AnalysisSubmission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submissions = append(f.submissions, sub)
	return nil
}

func (f *fakeRegistry) SubmitReport(_ domain.Context, _ string, rep domain.QualityReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, rep)
	return nil
}

func (f *fakeRegistry) counts() (status, subs, reps int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.statusUpdates), len(f.submissions), len(f.reports)
}

func (f *fakeRegistry) updates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.statusUpdates...)
}

type staticProfiles struct{ set *profile.Set }

func (s staticProfiles) Snapshot() *profile.Set { return s.set }

func testSet() *profile.Set {
	prof := &profile.AnalysisProfile{
		Type: domain.TypeColors, Version: "1.0.0",
		Model:   profile.ModelSettings{Name: "qwen2.5vl:32b", ContextSize: 8192, MaxOutputTokens: 1024},
		Prompts: profile.Prompts{System: "sys", User: "user"},
	}
	return &profile.Set{Analysis: map[domain.AnalysisType]*profile.AnalysisProfile{prof.Type: prof}}
}

func validJob(media, analyses int) *domain.RegistryJob {
	job := &domain.RegistryJob{
		Client:  domain.PartyRef{ID: uuid.New().String(), Slug: "acme"},
		Project: domain.PartyRef{ID: uuid.New().String(), Slug: "catalog"},
	}
	for i := 0; i < media; i++ {
		job.Media = append(job.Media, domain.MediaRef{
			ID: uuid.New().String(), OptimisedPath: fmt.Sprintf("/opt/%d.jpg", i),
		})
	}
	slugs := []string{"colors", "weather", "objects", "emotions"}
	for i := 0; i < analyses; i++ {
		job.Analyses = append(job.Analyses, domain.AnalysisRef{ID: uuid.New().String(), Slug: slugs[i]})
	}
	return job
}

func newOrchestrator(t *testing.T, reg *fakeRegistry, broker *memBroker, procs *memProcesses, tasks *memTasks, store domain.ArtifactStore) *orchestrator.Orchestrator {
	t.Helper()
	cfg := orchestrator.Config{
		PollInterval: 10 * time.Millisecond, ReaperInterval: time.Hour,
		AnalysisModelName: "qwen2.5vl:32b",
	}
	return orchestrator.New(cfg, reg, procs, tasks, &memAudit{}, broker, store, staticProfiles{set: testSet()}, nil)
}

func TestAcceptJob_ExpandsAndEnqueues(t *testing.T) {
	t.Parallel()
	broker := newMemBroker()
	procs := newMemProcesses()
	tasks := newMemTasks()
	store, _ := artifact.New(t.TempDir())
	o := newOrchestrator(t, &fakeRegistry{}, broker, procs, tasks, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	processID, err := o.AcceptJob(ctx, validJob(3, 2))
	require.NoError(t, err)
	require.NotEmpty(t, processID)

	assert.Len(t, tasks.all(), 6, "3 media x 2 analyses")
	assert.Equal(t, 3, broker.depth(domain.AnalysisQueue(domain.TypeColors)))
	assert.Equal(t, 3, broker.depth(domain.AnalysisQueue(domain.TypeWeather)))

	proc, err := procs.Get(ctx, processID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProcessProcessing, proc.Status)
	assert.Equal(t, 6, proc.Counters.Total)
	assert.NotEmpty(t, proc.ConfigSnapshot)
}

func TestAcceptJob_RejectsUnknownAnalysisType(t *testing.T) {
	t.Parallel()
	store, _ := artifact.New(t.TempDir())
	o := newOrchestrator(t, &fakeRegistry{}, newMemBroker(), newMemProcesses(), newMemTasks(), store)

	job := validJob(1, 1)
	job.Analyses[0].Slug = "sentiment"
	_, err := o.AcceptJob(context.Background(), job)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestAcceptJob_RejectsMalformedUUID(t *testing.T) {
	t.Parallel()
	store, _ := artifact.New(t.TempDir())
	o := newOrchestrator(t, &fakeRegistry{}, newMemBroker(), newMemProcesses(), newMemTasks(), store)

	job := validJob(1, 1)
	job.Media[0].ID = "not-a-uuid"
	_, err := o.AcceptJob(context.Background(), job)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestSettlement_SubmitsCountsAndFinalizes(t *testing.T) {
	t.Parallel()
	reg := &fakeRegistry{}
	broker := newMemBroker()
	procs := newMemProcesses()
	tasks := newMemTasks()
	store, err := artifact.New(t.TempDir())
	require.NoError(t, err)
	o := newOrchestrator(t, reg, broker, procs, tasks, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	processID, err := o.AcceptJob(ctx, validJob(1, 1))
	require.NoError(t, err)
	all := tasks.all()
	require.Len(t, all, 1)
	task := all[0]

	path, err := store.Save(ctx, task.ID, 1, []byte(`{"colors":["red"],"dominant":"red"}`))
	require.NoError(t, err)
	tasks.settle(task.ID, domain.TaskCompleted, path)
	item := domain.QueueItem{TaskID: task.ID, ProcessID: processID, MediaID: task.MediaID, Type: task.Type}
	require.NoError(t, broker.Enqueue(ctx, domain.QueueBatchCompletion, item, domain.PriorityNormal))

	done := make(chan struct{})
	go func() { o.Run(ctx); close(done) }()

	require.Eventually(t, func() bool {
		_, _, reps := reg.counts()
		return reps == 1
	}, 5*time.Second, 10*time.Millisecond)

	_, subs, _ := reg.counts()
	assert.Equal(t, 1, subs)
	assert.Equal(t, []string{"processing", "completed"}, reg.updates(),
		"registry must see processing before completed")

	proc, err := procs.Get(ctx, processID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProcessCompleted, proc.Status)
	assert.Equal(t, 1, proc.Counters.Completed)

	rep := reg.reports[0]
	assert.Equal(t, 1, rep.TotalAnalysesCompleted)
	assert.InDelta(t, 1.0, rep.SuccessRate, 1e-9)
	assert.Contains(t, rep.AnalysisTypesCompleted, "colors")

	// A replayed completion item is suppressed by the submission flag.
	require.NoError(t, broker.Enqueue(ctx, domain.QueueBatchCompletion, item, domain.PriorityNormal))
	require.Eventually(t, func() bool { return broker.depth(domain.QueueBatchCompletion) == 0 },
		5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	_, subs, reps := reg.counts()
	assert.Equal(t, 1, subs, "duplicate settlement must not resubmit")
	assert.Equal(t, 1, reps)

	cancel()
	<-done
}

func TestSettlement_ManualReviewCountsWithoutSubmission(t *testing.T) {
	t.Parallel()
	reg := &fakeRegistry{}
	broker := newMemBroker()
	procs := newMemProcesses()
	tasks := newMemTasks()
	store, _ := artifact.New(t.TempDir())
	o := newOrchestrator(t, reg, broker, procs, tasks, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	processID, err := o.AcceptJob(ctx, validJob(1, 1))
	require.NoError(t, err)
	task := tasks.all()[0]
	tasks.settle(task.ID, domain.TaskManualReview, "")
	item := domain.QueueItem{TaskID: task.ID, ProcessID: processID, MediaID: task.MediaID, Type: task.Type}
	require.NoError(t, broker.Enqueue(ctx, domain.QueueBatchCompletion, item, domain.PriorityNormal))

	done := make(chan struct{})
	go func() { o.Run(ctx); close(done) }()

	require.Eventually(t, func() bool {
		p, err := procs.Get(ctx, processID)
		return err == nil && p.Status == domain.ProcessCompleted
	}, 5*time.Second, 10*time.Millisecond)

	p, _ := procs.Get(ctx, processID)
	assert.Equal(t, 1, p.Counters.ManualReview)
	_, subs, _ := reg.counts()
	assert.Equal(t, 0, subs, "manual-review tasks are never submitted as completed")

	cancel()
	<-done
}

func TestSettlement_TrippedBreakerBlocksFinalization(t *testing.T) {
	t.Parallel()
	reg := &fakeRegistry{}
	broker := newMemBroker()
	procs := newMemProcesses()
	tasks := newMemTasks()
	store, _ := artifact.New(t.TempDir())
	audit := &memAudit{}
	cfg := orchestrator.Config{
		PollInterval: 10 * time.Millisecond, ReaperInterval: time.Hour,
		BreakerWindow: 50, BreakerFailureRate: 0.3,
		AnalysisModelName: "qwen2.5vl:32b",
	}
	o := orchestrator.New(cfg, reg, procs, tasks, audit, broker, store, staticProfiles{set: testSet()}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	processID, err := o.AcceptJob(ctx, validJob(3, 4))
	require.NoError(t, err)
	all := tasks.all()
	require.Len(t, all, 12)
	for _, task := range all {
		tasks.settle(task.ID, domain.TaskFailed, "")
		item := domain.QueueItem{TaskID: task.ID, ProcessID: processID, MediaID: task.MediaID, Type: task.Type}
		require.NoError(t, broker.Enqueue(ctx, domain.QueueBatchCompletion, item, domain.PriorityNormal))
	}

	done := make(chan struct{})
	go func() { o.Run(ctx); close(done) }()

	require.Eventually(t, func() bool {
		p, err := procs.Get(ctx, processID)
		return err == nil && p.Counters.Failed == 12
	}, 5*time.Second, 10*time.Millisecond)

	p, _ := procs.Get(ctx, processID)
	assert.Equal(t, domain.ProcessProcessing, p.Status, "tripped process must await operator action")
	_, _, reps := reg.counts()
	assert.Zero(t, reps, "no final report for a halted process")
	assert.NotContains(t, reg.updates(), "completed")
	assert.Contains(t, audit.kinds(), domain.AuditProcessHalted)

	cancel()
	<-done
}

func TestSettlement_SnapshotRoundTrips(t *testing.T) {
	t.Parallel()
	procs := newMemProcesses()
	store, _ := artifact.New(t.TempDir())
	o := newOrchestrator(t, &fakeRegistry{}, newMemBroker(), procs, newMemTasks(), store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	job := validJob(2, 1)
	processID, err := o.AcceptJob(ctx, job)
	require.NoError(t, err)

	proc, err := procs.Get(ctx, processID)
	require.NoError(t, err)
	var frozen domain.RegistryJob
	require.NoError(t, json.Unmarshal(proc.ConfigSnapshot, &frozen))
	assert.Equal(t, job.Project.ID, frozen.Project.ID)
	assert.Len(t, frozen.Media, 2)
}
