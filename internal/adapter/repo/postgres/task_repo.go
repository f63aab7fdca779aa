package postgres

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"

	"github.com/lensworks/visionflow/internal/domain"
)

// TaskRepo persists task rows. Every worker-visible mutation is a CAS on the
// expected previous status so concurrent writers cannot double-apply an
// outcome; the matching audit row is written inside the same transaction.
type TaskRepo struct{ Pool PgxPool }

// NewTaskRepo constructs a TaskRepo with the given pool.
func NewTaskRepo(p PgxPool) *TaskRepo { return &TaskRepo{Pool: p} }

type execer interface {
	Exec(ctx domain.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func newAuditID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), rand.Reader).String()
}

func insertAudit(ctx domain.Context, db execer, e domain.AuditEvent) error {
	id := e.ID
	if id == "" {
		id = newAuditID()
	}
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	severity := e.Severity
	if severity == "" {
		severity = domain.SeverityInfo
	}
	q := `INSERT INTO audit_events (id, process_id, task_id, kind, severity, payload, correlation_id, created_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := db.Exec(ctx, q, id, e.ProcessID, e.TaskID, e.Kind, severity, payload, e.CorrelationID, time.Now().UTC())
	return err
}

// CreateBatch inserts the task fan-out of one process in a single
// transaction. Re-running the expansion for the same process hits the
// (process_id, media_id, analysis_id) unique constraint and maps to
// ErrConflict.
func (r *TaskRepo) CreateBatch(ctx domain.Context, tasks []domain.Task) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.CreateBatch")
	defer span.End()
	if len(tasks) == 0 {
		return nil
	}
	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("op=task.create_batch: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `INSERT INTO tasks (id, process_id, media_id, analysis_id, analysis_type, status, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$7)`
	now := time.Now().UTC()
	for i := range tasks {
		t := &tasks[i]
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		if t.Status == "" {
			t.Status = domain.TaskPending
		}
		if _, err := tx.Exec(ctx, q, t.ID, t.ProcessID, t.MediaID, t.AnalysisID, t.Type, t.Status, now); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return fmt.Errorf("op=task.create_batch: duplicate (media, analysis) pair: %w", domain.ErrConflict)
			}
			return fmt.Errorf("op=task.create_batch: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=task.create_batch: %w", err)
	}
	return nil
}

const taskColumns = `id, process_id, media_id, analysis_id, analysis_type, status, attempt, confidence,
	last_error, artifact_path, profile_version, worker_id, lease_deadline, submitted, created_at, updated_at`

func scanTask(row pgx.Row) (domain.Task, error) {
	var t domain.Task
	err := row.Scan(&t.ID, &t.ProcessID, &t.MediaID, &t.AnalysisID, &t.Type, &t.Status, &t.Attempt, &t.Confidence,
		&t.LastError, &t.ArtifactPath, &t.ProfileVersion, &t.WorkerID, &t.LeaseDeadline, &t.Submitted,
		&t.CreatedAt, &t.UpdatedAt)
	return t, err
}

// Get loads a task by id.
func (r *TaskRepo) Get(ctx domain.Context, id string) (domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, id)
	t, err := scanTask(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Task{}, fmt.Errorf("op=task.get: %w", domain.ErrNotFound)
		}
		return domain.Task{}, fmt.Errorf("op=task.get: %w", err)
	}
	return t, nil
}

// Lease atomically moves a pending task to running, stamping the worker id
// and lease deadline. A false return means another worker got there first or
// the task is no longer pending.
func (r *TaskRepo) Lease(ctx domain.Context, id, workerID string, ttl time.Duration) (domain.Task, bool, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Lease")
	defer span.End()
	q := `UPDATE tasks
	      SET status=$2, worker_id=$3, lease_deadline=$4, attempt=attempt+1, updated_at=now()
	      WHERE id=$1 AND status=$5
	      RETURNING ` + taskColumns
	row := r.Pool.QueryRow(ctx, q, id, domain.TaskRunning, workerID, time.Now().UTC().Add(ttl), domain.TaskPending)
	t, err := scanTask(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Task{}, false, nil
		}
		return domain.Task{}, false, fmt.Errorf("op=task.lease: %w", err)
	}
	return t, true, nil
}

// RenewLease extends the lease deadline for the holding worker. A false
// return means the lease was lost (reclaimed or finished elsewhere).
func (r *TaskRepo) RenewLease(ctx domain.Context, id, workerID string, ttl time.Duration) (bool, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.RenewLease")
	defer span.End()
	q := `UPDATE tasks SET lease_deadline=$3, updated_at=now()
	      WHERE id=$1 AND worker_id=$2 AND status IN ($4,$5)`
	tag, err := r.Pool.Exec(ctx, q, id, workerID, time.Now().UTC().Add(ttl), domain.TaskRunning, domain.TaskAwaitingQA)
	if err != nil {
		return false, fmt.Errorf("op=task.renew_lease: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Transition is a CAS on (id, from): the status move, the optional field
// updates, and the audit event land in one transaction or not at all. A
// false return with nil error means the precondition failed and nothing was
// written.
func (r *TaskRepo) Transition(ctx domain.Context, id string, from, to domain.TaskStatus, set domain.TaskUpdate, audit domain.AuditEvent) (bool, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Transition")
	defer span.End()
	if from.Terminal() {
		return false, fmt.Errorf("op=task.transition: leaving terminal status %q: %w", from, domain.ErrConflict)
	}
	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("op=task.transition: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `UPDATE tasks SET status=$3,
	             last_error      = COALESCE($4, last_error),
	             artifact_path   = COALESCE($5, artifact_path),
	             profile_version = COALESCE($6, profile_version),
	             confidence      = COALESCE($7, confidence),
	             lease_deadline  = CASE WHEN $3 IN ('completed','failed','manual_review','pending') THEN NULL ELSE lease_deadline END,
	             updated_at      = now()
	      WHERE id=$1 AND status=$2`
	tag, err := tx.Exec(ctx, q, id, from, to, set.LastError, set.ArtifactPath, set.ProfileVersion, set.Confidence)
	if err != nil {
		return false, fmt.Errorf("op=task.transition: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}
	if audit.Kind != "" {
		if audit.TaskID == nil {
			audit.TaskID = &id
		}
		if err := insertAudit(ctx, tx, audit); err != nil {
			return false, fmt.Errorf("op=task.transition: audit: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("op=task.transition: %w", err)
	}
	return true, nil
}

// MarkSubmitted records that the task result reached the registry. Returns
// false when the task was already submitted, so duplicate submissions are
// suppressed at the store.
func (r *TaskRepo) MarkSubmitted(ctx domain.Context, id string) (bool, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.MarkSubmitted")
	defer span.End()
	q := `UPDATE tasks SET submitted=TRUE, updated_at=now() WHERE id=$1 AND NOT submitted`
	tag, err := r.Pool.Exec(ctx, q, id)
	if err != nil {
		return false, fmt.Errorf("op=task.mark_submitted: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReclaimExpired returns running or awaiting_qa tasks whose lease deadline
// passed back to pending, clearing the worker stamp and emitting an audit
// event per reclaimed task. The attempt counter stays as is; the next Lease
// increments it.
func (r *TaskRepo) ReclaimExpired(ctx domain.Context, limit int) (int, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.ReclaimExpired")
	defer span.End()
	if limit <= 0 {
		limit = 100
	}
	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("op=task.reclaim: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `UPDATE tasks SET status=$1, worker_id='', lease_deadline=NULL, updated_at=now()
	      WHERE id IN (
	          SELECT id FROM tasks
	          WHERE status IN ($2,$3) AND lease_deadline IS NOT NULL AND lease_deadline < now()
	          ORDER BY lease_deadline
	          LIMIT $4
	          FOR UPDATE SKIP LOCKED
	      )
	      RETURNING id, process_id`
	rows, err := tx.Query(ctx, q, domain.TaskPending, domain.TaskRunning, domain.TaskAwaitingQA, limit)
	if err != nil {
		return 0, fmt.Errorf("op=task.reclaim: %w", err)
	}
	type reclaimed struct{ id, processID string }
	var hits []reclaimed
	for rows.Next() {
		var rec reclaimed
		if err := rows.Scan(&rec.id, &rec.processID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("op=task.reclaim: %w", err)
		}
		hits = append(hits, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("op=task.reclaim: %w", err)
	}
	for _, h := range hits {
		taskID := h.id
		e := domain.AuditEvent{
			ProcessID: h.processID,
			TaskID:    &taskID,
			Kind:      domain.AuditTaskReclaimed,
			Severity:  domain.SeverityHigh,
			Payload:   map[string]any{"reason": "lease_expired"},
		}
		if err := insertAudit(ctx, tx, e); err != nil {
			return 0, fmt.Errorf("op=task.reclaim: audit: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("op=task.reclaim: %w", err)
	}
	return len(hits), nil
}

// CountByStatus aggregates task counts for one process.
func (r *TaskRepo) CountByStatus(ctx domain.Context, processID string) (map[domain.TaskStatus]int, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.CountByStatus")
	defer span.End()
	q := `SELECT status, COUNT(*) FROM tasks WHERE process_id=$1 GROUP BY status`
	rows, err := r.Pool.Query(ctx, q, processID)
	if err != nil {
		return nil, fmt.Errorf("op=task.count_by_status: %w", err)
	}
	defer rows.Close()
	out := make(map[domain.TaskStatus]int)
	for rows.Next() {
		var s domain.TaskStatus
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("op=task.count_by_status: %w", err)
		}
		out[s] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=task.count_by_status: %w", err)
	}
	return out, nil
}
