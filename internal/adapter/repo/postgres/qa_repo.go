package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/lensworks/visionflow/internal/domain"
)

// QARepo records QA tier executions. Rows are append-only; the unique
// constraint on (task_id, tier, attempt_index) guards double-recording.
type QARepo struct{ Pool PgxPool }

// NewQARepo constructs a QARepo with the given pool.
func NewQARepo(p PgxPool) *QARepo { return &QARepo{Pool: p} }

// Record inserts one attempt row and returns its id.
func (r *QARepo) Record(ctx domain.Context, a domain.QAAttempt) (string, error) {
	tracer := otel.Tracer("repo.qa")
	ctx, span := tracer.Start(ctx, "qa.Record")
	defer span.End()
	id := a.ID
	if id == "" {
		id = newAuditID()
	}
	cats := a.FailureCategories
	if cats == nil {
		cats = []string{}
	}
	q := `INSERT INTO qa_attempts (id, task_id, tier, attempt_index, passed, failure_categories, corrective_prompt_id, confidence, duration_ms, created_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	_, err := r.Pool.Exec(ctx, q, id, a.TaskID, a.Tier, a.AttemptIndex, a.Passed, cats,
		a.CorrectivePromptID, a.Confidence, a.Duration.Milliseconds(), time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("op=qa.record: %w", err)
	}
	return id, nil
}

// CountForTier returns how many attempts the task has consumed on the tier.
func (r *QARepo) CountForTier(ctx domain.Context, taskID string, tier domain.Tier) (int, error) {
	tracer := otel.Tracer("repo.qa")
	ctx, span := tracer.Start(ctx, "qa.CountForTier")
	defer span.End()
	var n int
	row := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM qa_attempts WHERE task_id=$1 AND tier=$2`, taskID, tier)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("op=qa.count_for_tier: %w", err)
	}
	return n, nil
}

// ListByTask returns the attempt history for one task in execution order.
func (r *QARepo) ListByTask(ctx domain.Context, taskID string) ([]domain.QAAttempt, error) {
	tracer := otel.Tracer("repo.qa")
	ctx, span := tracer.Start(ctx, "qa.ListByTask")
	defer span.End()
	q := `SELECT id, task_id, tier, attempt_index, passed, failure_categories, corrective_prompt_id, confidence, duration_ms, created_at
	      FROM qa_attempts WHERE task_id=$1 ORDER BY created_at, attempt_index`
	rows, err := r.Pool.Query(ctx, q, taskID)
	if err != nil {
		return nil, fmt.Errorf("op=qa.list_by_task: %w", err)
	}
	defer rows.Close()
	var out []domain.QAAttempt
	for rows.Next() {
		a, err := scanQAAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("op=qa.list_by_task: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=qa.list_by_task: %w", err)
	}
	return out, nil
}

func scanQAAttempt(row pgx.Row) (domain.QAAttempt, error) {
	var a domain.QAAttempt
	var durationMS int64
	err := row.Scan(&a.ID, &a.TaskID, &a.Tier, &a.AttemptIndex, &a.Passed, &a.FailureCategories,
		&a.CorrectivePromptID, &a.Confidence, &durationMS, &a.CreatedAt)
	if err != nil {
		return domain.QAAttempt{}, err
	}
	a.Duration = time.Duration(durationMS) * time.Millisecond
	return a, nil
}
