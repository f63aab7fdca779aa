package orchestrator

import "sync"

// failureWindow is a per-process sliding window over terminal task outcomes.
// The process trips once the failure rate over the window crosses the
// threshold; a tripped window stays tripped.
type failureWindow struct {
	mu        sync.Mutex
	outcomes  []bool // true = failure
	size      int
	threshold float64
	minSample int
	tripped   bool
}

func newFailureWindow(size int, threshold float64) *failureWindow {
	if size <= 0 {
		size = 50
	}
	if threshold <= 0 || threshold > 1 {
		threshold = 0.3
	}
	return &failureWindow{size: size, threshold: threshold, minSample: 10}
}

// Record adds one outcome and reports whether this record tripped the
// breaker.
func (w *failureWindow) Record(failed bool) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.tripped {
		return false
	}
	w.outcomes = append(w.outcomes, failed)
	if len(w.outcomes) > w.size {
		w.outcomes = w.outcomes[len(w.outcomes)-w.size:]
	}
	if len(w.outcomes) < w.minSample {
		return false
	}
	failures := 0
	for _, f := range w.outcomes {
		if f {
			failures++
		}
	}
	if float64(failures)/float64(len(w.outcomes)) > w.threshold {
		w.tripped = true
		return true
	}
	return false
}

// Tripped reports whether the breaker has fired.
func (w *failureWindow) Tripped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tripped
}
