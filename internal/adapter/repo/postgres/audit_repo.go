package postgres

import (
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/lensworks/visionflow/internal/domain"
)

// AuditRepo appends audit events outside of a task transition. Events tied
// to a transition go through TaskRepo.Transition instead so they share its
// transaction.
type AuditRepo struct{ Pool PgxPool }

// NewAuditRepo constructs an AuditRepo with the given pool.
func NewAuditRepo(p PgxPool) *AuditRepo { return &AuditRepo{Pool: p} }

// Emit appends one event. Seq is assigned by the store.
func (r *AuditRepo) Emit(ctx domain.Context, e domain.AuditEvent) error {
	tracer := otel.Tracer("repo.audit")
	ctx, span := tracer.Start(ctx, "audit.Emit")
	defer span.End()
	if err := insertAudit(ctx, r.Pool, e); err != nil {
		return fmt.Errorf("op=audit.emit: %w", err)
	}
	return nil
}

// ListByProcess returns the event stream for one process in sequence order.
func (r *AuditRepo) ListByProcess(ctx domain.Context, processID string) ([]domain.AuditEvent, error) {
	tracer := otel.Tracer("repo.audit")
	ctx, span := tracer.Start(ctx, "audit.ListByProcess")
	defer span.End()
	q := `SELECT seq, id, process_id, task_id, kind, severity, payload, correlation_id, created_at
	      FROM audit_events WHERE process_id=$1 ORDER BY seq`
	rows, err := r.Pool.Query(ctx, q, processID)
	if err != nil {
		return nil, fmt.Errorf("op=audit.list_by_process: %w", err)
	}
	defer rows.Close()
	var out []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		if err := rows.Scan(&e.Seq, &e.ID, &e.ProcessID, &e.TaskID, &e.Kind, &e.Severity, &e.Payload, &e.CorrelationID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=audit.list_by_process: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=audit.list_by_process: %w", err)
	}
	return out, nil
}
