// Package registry tracks live jobs in process memory. It is the runtime
// authority for job status and worker handles; the durable store mirrors it
// for audit and queries. The registry is rebuilt empty on restart.
package registry

import (
	"context"
	"sync"

	api "github.com/testfleet/orchestrator/api/v1alpha1"
)

// Entry is the registry payload for a single job. Cancel is non-nil only
// while a detached worker owns the job; calling it signals the worker's
// context.
type Entry struct {
	Status      api.JobStatus
	Kind        api.JobKind
	WorkerLabel string
	Cancel      context.CancelFunc
}

type Registry struct {
	mu   sync.RWMutex
	jobs map[string]Entry
}

func New() *Registry {
	return &Registry{jobs: make(map[string]Entry)}
}

func (r *Registry) Put(jobID string, entry Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[jobID] = entry
}

// SetStatus updates the status of a tracked job, keeping the worker handle.
// Unknown jobs are ignored.
func (r *Registry) SetStatus(jobID string, status api.JobStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.jobs[jobID]
	if !ok {
		return
	}
	entry.Status = status
	r.jobs[jobID] = entry
}

// ClearHandle drops the worker handle of a job without removing the entry.
// A cleared job can no longer be signalled, making cancellation of a
// finished worker a safe no-op.
func (r *Registry) ClearHandle(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.jobs[jobID]
	if !ok {
		return
	}
	entry.Cancel = nil
	r.jobs[jobID] = entry
}

func (r *Registry) Get(jobID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.jobs[jobID]
	return entry, ok
}

func (r *Registry) Remove(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, jobID)
}

func (r *Registry) CountActive() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, entry := range r.jobs {
		if entry.Status.IsActive() {
			count++
		}
	}
	return count
}

// Summary returns a point-in-time aggregate of active jobs partitioned by
// kind. There is no ordering guarantee relative to in-flight transitions.
func (r *Registry) Summary() api.JobStatusSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var summary api.JobStatusSummary
	for _, entry := range r.jobs {
		if !entry.Status.IsActive() {
			continue
		}
		summary.TotalActiveJobs++
		switch entry.Kind {
		case api.JobKindAsync:
			summary.AsyncJobs++
		case api.JobKindSync:
			summary.SyncJobs++
		}
	}
	return summary
}
