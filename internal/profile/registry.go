package profile

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/lensworks/visionflow/internal/domain"
)

// Report describes the outcome of one reload cycle.
type Report struct {
	Swapped bool
	// Changed lists profiles whose version or content differs from the
	// prior set, as "analysis/<type>" or "corrective/<type>/<tier>".
	Changed []string
	// Err is set when validation failed; the prior set stays active.
	Err error
}

// NoOp reports a reload that found no changes.
func (r Report) NoOp() bool { return r.Err == nil && !r.Swapped }

// Listener is notified once per successful swap with the diff.
type Listener func(Report)

// Registry serves the current profile set. Reads are lock-free against an
// atomic pointer; Reload validates a candidate set fully before one CAS
// swap. Listeners run on a dedicated goroutine, never under the writer lock.
type Registry struct {
	dir    string
	active atomic.Pointer[Set]

	mu        sync.Mutex // serializes reloads
	listeners []Listener
}

// NewRegistry loads the initial set from dir. Any invalid profile at startup
// is fatal to the caller.
func NewRegistry(dir string) (*Registry, error) {
	set, err := Load(dir)
	if err != nil {
		return nil, err
	}
	r := &Registry{dir: dir}
	r.active.Store(set)
	return r, nil
}

// Snapshot returns the active immutable set. Callers pin the snapshot for
// the duration of one task so behavior does not change mid-flight.
func (r *Registry) Snapshot() *Set { return r.active.Load() }

// AnalysisProfile returns the active profile for t.
func (r *Registry) AnalysisProfile(t domain.AnalysisType) (*AnalysisProfile, error) {
	return r.Snapshot().AnalysisProfile(t)
}

// CorrectiveStage returns the active corrective stage for (t, tier).
func (r *Registry) CorrectiveStage(t domain.AnalysisType, tier domain.Tier) (*CorrectiveStage, error) {
	return r.Snapshot().CorrectiveStage(t, tier)
}

// Subscribe registers a listener for successful swaps.
func (r *Registry) Subscribe(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Reload re-reads, validates, and publishes the profile tree. On validation
// failure the active set is not replaced and the report carries the error.
// A reload with no changes is a no-op and does not swap.
func (r *Registry) Reload() Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidate, err := Load(r.dir)
	if err != nil {
		slog.Error("profile reload failed; keeping active set", slog.Any("error", err))
		return Report{Err: fmt.Errorf("op=profile.reload: %w", err)}
	}

	prior := r.active.Load()
	changed := diff(prior, candidate)
	if len(changed) == 0 {
		return Report{}
	}

	r.active.Store(candidate)
	rep := Report{Swapped: true, Changed: changed}

	listeners := make([]Listener, len(r.listeners))
	copy(listeners, r.listeners)
	go func() {
		for _, l := range listeners {
			l(rep)
		}
	}()
	slog.Info("profile set swapped", slog.Int("changed", len(changed)))
	return rep
}

func diff(prior, candidate *Set) []string {
	if prior == nil {
		return []string{"*"}
	}
	if prior.Checksum == candidate.Checksum {
		return nil
	}
	var changed []string
	for _, t := range domain.AllAnalysisTypes() {
		if !sameAnalysis(prior.Analysis[t], candidate.Analysis[t]) {
			changed = append(changed, "analysis/"+string(t))
		}
		for _, tier := range domain.TierOrder() {
			if !sameCorrective(prior.Corrective[t][tier], candidate.Corrective[t][tier]) {
				changed = append(changed, fmt.Sprintf("corrective/%s/%s", t, tier))
			}
		}
	}
	sort.Strings(changed)
	return changed
}

func sameAnalysis(a, b *AnalysisProfile) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Version != b.Version {
		return false
	}
	return fmt.Sprintf("%+v", *a) == fmt.Sprintf("%+v", *b)
}

func sameCorrective(a, b *CorrectiveStage) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Version != b.Version {
		return false
	}
	return fmt.Sprintf("%+v", *a) == fmt.Sprintf("%+v", *b)
}
