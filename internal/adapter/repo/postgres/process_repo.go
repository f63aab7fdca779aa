package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/lensworks/visionflow/internal/domain"
)

// ProcessRepo persists process rows in PostgreSQL.
type ProcessRepo struct{ Pool PgxPool }

// NewProcessRepo constructs a ProcessRepo with the given pool.
func NewProcessRepo(p PgxPool) *ProcessRepo { return &ProcessRepo{Pool: p} }

// Create inserts a new process and returns its id.
func (r *ProcessRepo) Create(ctx domain.Context, p domain.Process) (string, error) {
	tracer := otel.Tracer("repo.processes")
	ctx, span := tracer.Start(ctx, "processes.Create")
	defer span.End()
	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := p.Status
	if status == "" {
		status = domain.ProcessInitializing
	}
	q := `INSERT INTO processes (id, client_id, client_slug, project_id, project_slug, project_name, status, total, config_snapshot, created_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	_, err := r.Pool.Exec(ctx, q, id, p.ClientID, p.ClientSlug, p.ProjectID, p.ProjectSlug, p.ProjectName,
		status, p.Counters.Total, p.ConfigSnapshot, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("op=process.create: %w", err)
	}
	return id, nil
}

// Get loads a process by id.
func (r *ProcessRepo) Get(ctx domain.Context, id string) (domain.Process, error) {
	tracer := otel.Tracer("repo.processes")
	ctx, span := tracer.Start(ctx, "processes.Get")
	defer span.End()
	q := `SELECT id, client_id, client_slug, project_id, project_slug, project_name, status,
	             total, completed, failed, manual_review, config_snapshot, created_at, completed_at
	      FROM processes WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	var p domain.Process
	err := row.Scan(&p.ID, &p.ClientID, &p.ClientSlug, &p.ProjectID, &p.ProjectSlug, &p.ProjectName, &p.Status,
		&p.Counters.Total, &p.Counters.Completed, &p.Counters.Failed, &p.Counters.ManualReview,
		&p.ConfigSnapshot, &p.CreatedAt, &p.CompletedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Process{}, fmt.Errorf("op=process.get: %w", domain.ErrNotFound)
		}
		return domain.Process{}, fmt.Errorf("op=process.get: %w", err)
	}
	return p, nil
}

// TransitionStatus is a CAS on (id, from). A false return means the row was
// not in the expected status; the caller decides whether that is a conflict
// or a benign duplicate.
func (r *ProcessRepo) TransitionStatus(ctx domain.Context, id string, from, to domain.ProcessStatus) (bool, error) {
	tracer := otel.Tracer("repo.processes")
	ctx, span := tracer.Start(ctx, "processes.TransitionStatus")
	defer span.End()
	if from.Terminal() {
		return false, fmt.Errorf("op=process.transition: leaving terminal status %q: %w", from, domain.ErrConflict)
	}
	q := `UPDATE processes SET status=$3,
	             completed_at = CASE WHEN $3 IN ('completed','failed') THEN now() ELSE completed_at END
	      WHERE id=$1 AND status=$2`
	tag, err := r.Pool.Exec(ctx, q, id, from, to)
	if err != nil {
		return false, fmt.Errorf("op=process.transition: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AddCounters atomically increments the settled counters and returns the new
// values. The check constraint rejects increments past total.
func (r *ProcessRepo) AddCounters(ctx domain.Context, id string, d domain.CounterDelta) (domain.Counters, error) {
	tracer := otel.Tracer("repo.processes")
	ctx, span := tracer.Start(ctx, "processes.AddCounters")
	defer span.End()
	q := `UPDATE processes
	      SET completed = completed + $2, failed = failed + $3, manual_review = manual_review + $4
	      WHERE id=$1
	      RETURNING total, completed, failed, manual_review`
	row := r.Pool.QueryRow(ctx, q, id, d.Completed, d.Failed, d.ManualReview)
	var c domain.Counters
	if err := row.Scan(&c.Total, &c.Completed, &c.Failed, &c.ManualReview); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Counters{}, fmt.Errorf("op=process.add_counters: %w", domain.ErrNotFound)
		}
		return domain.Counters{}, fmt.Errorf("op=process.add_counters: %w", err)
	}
	return c, nil
}

// MarkStatusReported flips the once-only flag for a registry status update.
// Returns false when the flag was already set, so callers skip the duplicate
// registry call.
func (r *ProcessRepo) MarkStatusReported(ctx domain.Context, id, status string) (bool, error) {
	tracer := otel.Tracer("repo.processes")
	ctx, span := tracer.Start(ctx, "processes.MarkStatusReported")
	defer span.End()
	q := `UPDATE processes SET reported = reported || jsonb_build_object($2::text, true)
	      WHERE id=$1 AND NOT COALESCE((reported->>$2)::boolean, false)`
	tag, err := r.Pool.Exec(ctx, q, id, status)
	if err != nil {
		return false, fmt.Errorf("op=process.mark_reported: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
