package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lensworks/visionflow/internal/config"
	"github.com/lensworks/visionflow/internal/domain"
	"github.com/lensworks/visionflow/internal/profile"
)

// Reloader triggers a profile re-read; satisfied by *profile.Registry.
type Reloader interface {
	Reload() profile.Report
}

// Server aggregates the ops handlers' dependencies. Checks left nil are
// skipped by readiness.
type Server struct {
	Cfg        config.Config
	Profiles   Reloader
	Processes  domain.ProcessRepository
	Tasks      domain.TaskRepository
	Audit      domain.AuditRepository
	Broker     domain.Broker
	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
	ModelCheck func(ctx context.Context) error
}

// NewServer constructs an ops server with all checks wired.
func NewServer(cfg config.Config, profiles Reloader, processes domain.ProcessRepository, tasks domain.TaskRepository,
	audit domain.AuditRepository, broker domain.Broker,
	dbCheck, redisCheck, modelCheck func(context.Context) error) *Server {
	return &Server{
		Cfg:        cfg,
		Profiles:   profiles,
		Processes:  processes,
		Tasks:      tasks,
		Audit:      audit,
		Broker:     broker,
		DBCheck:    dbCheck,
		RedisCheck: redisCheck,
		ModelCheck: modelCheck,
	}
}

// ReadyzHandler probes the state store, the queue store, and the model
// runtime.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		probes := []struct {
			name string
			fn   func(context.Context) error
		}{
			{"db", s.DBCheck},
			{"redis", s.RedisCheck},
			{"model", s.ModelCheck},
		}
		checks := make([]check, 0, len(probes))
		ok := true
		for _, p := range probes {
			if p.fn == nil {
				continue
			}
			if err := p.fn(ctx); err != nil {
				checks = append(checks, check{Name: p.name, OK: false, Details: err.Error()})
				ok = false
			} else {
				checks = append(checks, check{Name: p.name, OK: true})
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}

// ReloadHandler forces a profile re-read. A validation failure keeps the
// active set and reports 422; a no-change reload reports swapped=false.
func (s *Server) ReloadHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		rep := s.Profiles.Reload()
		if rep.Err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"swapped": false, "error": rep.Err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"swapped": rep.Swapped, "changed": rep.Changed,
		})
	}
}

// PrioritizeHandler puts a non-terminal task on the management priority
// queue; the orchestrator re-enqueues it at high priority on its analysis
// queue. Idempotent: an item already queued for the task is not duplicated.
func (s *Server) PrioritizeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		task, err := s.Tasks.Get(r.Context(), id)
		if err != nil {
			writeError(w, err, nil)
			return
		}
		if task.Status.Terminal() {
			writeError(w, fmt.Errorf("op=http.prioritize: task %s already %s: %w", id, task.Status, domain.ErrConflict), nil)
			return
		}
		item := domain.QueueItem{TaskID: task.ID, ProcessID: task.ProcessID, MediaID: task.MediaID, Type: task.Type}
		if err := s.Broker.Enqueue(r.Context(), domain.QueuePriority, item, domain.PriorityHigh); err != nil {
			writeError(w, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"queued": true, "task_id": task.ID})
	}
}

// ProcessHandler returns one process row with its counters.
func (s *Server) ProcessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		proc, err := s.Processes.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":           proc.ID,
			"project_id":   proc.ProjectID,
			"project_slug": proc.ProjectSlug,
			"status":       proc.Status,
			"counters": map[string]int{
				"total":         proc.Counters.Total,
				"completed":     proc.Counters.Completed,
				"failed":        proc.Counters.Failed,
				"manual_review": proc.Counters.ManualReview,
			},
			"created_at":   proc.CreatedAt,
			"completed_at": proc.CompletedAt,
		})
	}
}

// ProcessAuditHandler returns the ordered audit trail for one process.
func (s *Server) ProcessAuditHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := s.Processes.Get(r.Context(), id); err != nil {
			writeError(w, err, nil)
			return
		}
		events, err := s.Audit.ListByProcess(r.Context(), id)
		if err != nil {
			writeError(w, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": events})
	}
}
