package server

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// JobRun is the last known outcome of one job.
type JobRun struct {
	Job        string    `json:"job"`
	RunID      string    `json:"runId,omitempty"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	Messages   []string  `json:"messages,omitempty"`
	HeldBy     string    `json:"heldBy,omitempty"`
	FinishedAt time.Time `json:"finishedAt"`
	DurationMs int64     `json:"durationMs"`
}

// JobTracker remembers the most recent run of each job and serves them
// as JSON.
type JobTracker struct {
	mu   sync.RWMutex
	runs map[string]JobRun
}

// NewJobTracker creates an empty tracker.
func NewJobTracker() *JobTracker {
	return &JobTracker{runs: make(map[string]JobRun)}
}

// Record replaces the stored run for run.Job.
func (t *JobTracker) Record(run JobRun) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs[run.Job] = run
}

// Last returns the stored run for job.
func (t *JobTracker) Last(job string) (JobRun, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	run, ok := t.runs[job]
	return run, ok
}

// Runs returns every stored run ordered by job name.
func (t *JobTracker) Runs() []JobRun {
	t.mu.RLock()
	runs := make([]JobRun, 0, len(t.runs))
	for _, r := range t.runs {
		runs = append(runs, r)
	}
	t.mu.RUnlock()
	sort.Slice(runs, func(i, j int) bool { return runs[i].Job < runs[j].Job })
	return runs
}

// ServeHTTP writes Runs as a JSON array.
func (t *JobTracker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		json.NewEncoder(w).Encode(t.Runs())
	}
}
