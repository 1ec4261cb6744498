// Package dispatcher owns the job state machine. It creates job records,
// spawns detached workers for async jobs, funnels every status transition
// through a single choke point and publishes a change event per transition.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	api "github.com/testfleet/orchestrator/api/v1alpha1"
	"github.com/testfleet/orchestrator/internal/events"
	"github.com/testfleet/orchestrator/internal/executor"
	"github.com/testfleet/orchestrator/internal/registry"
	"github.com/testfleet/orchestrator/internal/store"
	"github.com/testfleet/orchestrator/pkg/metrics"
)

var activeStatuses = []api.JobStatus{api.JobStatusPending, api.JobStatusRunning}

var terminalStatuses = []api.JobStatus{api.JobStatusCompleted, api.JobStatusFailed, api.JobStatusCancelled}

// Publisher is the dispatcher's side of the event bus.
type Publisher interface {
	PublishJobChanged(ctx context.Context, event events.JobChangedEvent) error
}

type Dispatcher struct {
	store    store.Store
	registry *registry.Registry
	producer Publisher
	executor executor.Executor

	// sem gates async worker admission; nil leaves spawning unbounded
	sem       *semaphore.Weighted
	retention time.Duration

	resultsMu sync.RWMutex
	results   map[string]*api.JobResult
}

func New(s store.Store, reg *registry.Registry, producer Publisher, exec executor.Executor, maxConcurrent int, retention time.Duration) *Dispatcher {
	d := &Dispatcher{
		store:     s,
		registry:  reg,
		producer:  producer,
		executor:  exec,
		retention: retention,
		results:   make(map[string]*api.JobResult),
	}
	if maxConcurrent > 0 {
		d.sem = semaphore.NewWeighted(int64(maxConcurrent))
	}
	return d
}

// StartAsync creates a pending job and hands it to a detached worker.
// It returns as soon as the job is persisted and registered.
func (d *Dispatcher) StartAsync(ctx context.Context, tag, createdBy string) (string, error) {
	return d.startAsync(ctx, tag, "", createdBy)
}

// RerunAsync is StartAsync for a rerun: the job keeps the run id of the
// original run and the executor receives the rerun selector.
func (d *Dispatcher) RerunAsync(ctx context.Context, runID, createdBy string) (string, error) {
	return d.startAsync(ctx, fmt.Sprintf("rerun:%s", runID), runID, createdBy)
}

func (d *Dispatcher) startAsync(ctx context.Context, tag, runID, createdBy string) (string, error) {
	job := api.Job{
		ID:        uuid.NewString(),
		RunID:     runID,
		Kind:      api.JobKindAsync,
		Tag:       tag,
		Status:    api.JobStatusPending,
		StartTime: time.Now().UTC(),
		CreatedBy: createdBy,
	}

	created, err := d.store.Job().Create(ctx, job)
	if err != nil {
		return "", fmt.Errorf("creating async job: %w", err)
	}

	// the worker context is detached from the request; the cancel func is
	// the worker handle held by the registry
	workerCtx, cancel := context.WithCancel(context.Background())
	d.registry.Put(job.ID, registry.Entry{
		Status: api.JobStatusPending,
		Kind:   api.JobKindAsync,
		Cancel: cancel,
	})

	d.publish(ctx, *created, events.JobActionCreated)
	metrics.IncreaseJobsStartedTotalMetric(string(api.JobKindAsync))
	d.updateActiveMetrics()

	go d.work(workerCtx, job.ID, tag)

	zap.S().Named("dispatcher").Infow("started async job", "job_id", job.ID, "tag", tag, "created_by", createdBy)
	return job.ID, nil
}

// StartSync creates a job that is already running on the caller's own
// execution context. The caller must call Complete or Fail itself before
// returning a result to its own caller.
func (d *Dispatcher) StartSync(ctx context.Context, tag, createdBy string) (string, error) {
	label := fmt.Sprintf("sync-%s", uuid.NewString()[:8])
	job := api.Job{
		ID:          uuid.NewString(),
		RunID:       tag, // for sync jobs the run id is the tag
		Kind:        api.JobKindSync,
		Tag:         tag,
		Status:      api.JobStatusRunning,
		StartTime:   time.Now().UTC(),
		CreatedBy:   createdBy,
		WorkerLabel: label,
	}

	created, err := d.store.Job().Create(ctx, job)
	if err != nil {
		return "", fmt.Errorf("creating sync job: %w", err)
	}

	d.registry.Put(job.ID, registry.Entry{
		Status:      api.JobStatusRunning,
		Kind:        api.JobKindSync,
		WorkerLabel: label,
	})

	d.publish(ctx, *created, events.JobActionCreated)
	metrics.IncreaseJobsStartedTotalMetric(string(api.JobKindSync))
	d.updateActiveMetrics()

	zap.S().Named("dispatcher").Infow("started sync job", "job_id", job.ID, "tag", tag, "created_by", createdBy)
	return job.ID, nil
}

// Execute runs the collaborator on behalf of a sync job and records the
// outcome, mirroring what the async worker body does for detached jobs.
// The outcome is recorded on a detached context: a caller that disconnects
// mid-run cancels the execution, not the bookkeeping of its result.
func (d *Dispatcher) Execute(ctx context.Context, jobID, tag string) (*api.JobResult, error) {
	result, err := d.executor.Execute(ctx, tag)

	recordCtx := context.WithoutCancel(ctx)
	if err != nil {
		d.Fail(recordCtx, jobID, err.Error())
		return nil, err
	}
	d.Complete(recordCtx, jobID, result)
	return result, nil
}

// work is the async worker body. It always clears its own registry handle
// on exit, making cancellation of a finished job a safe no-op.
func (d *Dispatcher) work(ctx context.Context, jobID, tag string) {
	label := fmt.Sprintf("async-%s", uuid.NewString()[:8])

	defer func() {
		d.registry.ClearHandle(jobID)
		if entry, ok := d.registry.Get(jobID); ok && entry.Status.IsTerminal() {
			d.registry.Remove(jobID)
		}
		d.updateActiveMetrics()
	}()

	if d.sem != nil {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			// cancelled while queued; the cancellation controller has
			// already marked the job
			zap.S().Named("dispatcher").Debugw("worker cancelled before admission", "job_id", jobID)
			return
		}
		defer d.sem.Release(1)
	}

	d.transition(ctx, jobID, api.JobStatusRunning, "", label)

	result, err := d.executor.Execute(ctx, tag)
	switch {
	case errors.Is(err, context.Canceled):
		// the job is already CANCELLED; nothing left to record
		zap.S().Named("dispatcher").Infow("worker interrupted", "job_id", jobID, "worker", label)
	case err != nil:
		d.Fail(ctx, jobID, err.Error())
	default:
		d.Complete(ctx, jobID, result)
	}
}

// UpdateStatus is the single choke point for every transition. Unknown
// jobs are a logged no-op; transitions out of a terminal state are
// rejected.
func (d *Dispatcher) UpdateStatus(ctx context.Context, jobID string, status api.JobStatus, errorMessage string) {
	d.transition(ctx, jobID, status, errorMessage, "")
}

// Complete marks the job COMPLETED and caches the result for GetResult.
func (d *Dispatcher) Complete(ctx context.Context, jobID string, result *api.JobResult) {
	d.resultsMu.Lock()
	d.results[jobID] = result
	d.resultsMu.Unlock()

	d.transition(ctx, jobID, api.JobStatusCompleted, "", "")
}

// Fail marks the job FAILED with the collaborator's message.
func (d *Dispatcher) Fail(ctx context.Context, jobID, message string) {
	d.transition(ctx, jobID, api.JobStatusFailed, message, "")
}

// GetResult returns the cached result of a completed job.
func (d *Dispatcher) GetResult(jobID string) (*api.JobResult, bool) {
	d.resultsMu.RLock()
	defer d.resultsMu.RUnlock()
	result, ok := d.results[jobID]
	return result, ok
}

// Cancel interrupts the worker of an active job and marks it CANCELLED.
// Cancellation is cooperative and best-effort: the controller returns as
// soon as the worker has been signalled, without waiting for it to stop.
// Without a live worker it falls back to the persisted status and forces
// the transition for PENDING/RUNNING rows.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) bool {
	if entry, ok := d.registry.Get(jobID); ok {
		if !entry.Status.IsActive() {
			zap.S().Named("dispatcher").Warnw("cannot cancel job", "job_id", jobID, "status", entry.Status)
			return false
		}
		if entry.Cancel != nil {
			entry.Cancel()
		}
		d.transition(ctx, jobID, api.JobStatusCancelled, "", "")
		zap.S().Named("dispatcher").Infow("cancelled job", "job_id", jobID)
		return true
	}

	job, err := d.store.Job().Get(ctx, jobID)
	if err != nil {
		if !errors.Is(err, store.ErrRecordNotFound) {
			zap.S().Named("dispatcher").Errorw("failed to load job for cancel", "job_id", jobID, "error", err)
		} else {
			zap.S().Named("dispatcher").Warnw("attempted to cancel non-existent job", "job_id", jobID)
		}
		return false
	}
	if !job.Status.IsActive() {
		zap.S().Named("dispatcher").Warnw("cannot cancel job", "job_id", jobID, "status", job.Status)
		return false
	}

	d.transition(ctx, jobID, api.JobStatusCancelled, "", "")
	zap.S().Named("dispatcher").Infow("cancelled job without live worker", "job_id", jobID)
	return true
}

var errTerminalState = errors.New("job already in terminal state")

// transition loads the job, applies the status change and persists it,
// then publishes the change. A failed persist, at any step, still advances
// the registry and publishes: store and registry may diverge until the next
// successful write, which is logged and never compensated.
func (d *Dispatcher) transition(ctx context.Context, jobID string, status api.JobStatus, errorMessage, workerLabel string) {
	job, oldStatus, err := d.persistTransition(ctx, jobID, status, errorMessage, workerLabel)
	switch {
	case errors.Is(err, store.ErrRecordNotFound):
		zap.S().Named("dispatcher").Warnw("attempted to update non-existent job", "job_id", jobID)
		return
	case errors.Is(err, errTerminalState):
		zap.S().Named("dispatcher").Warnw("rejecting transition out of terminal state",
			"job_id", jobID, "status", oldStatus, "requested", status)
		return
	case err != nil:
		zap.S().Named("dispatcher").Errorw("failed to persist status update; registry and store now diverge",
			"job_id", jobID, "status", status, "error", err)
		if job == nil {
			// the row could not even be loaded; the registry entry is the
			// only state left to guard and advance
			entry, ok := d.registry.Get(jobID)
			if !ok {
				zap.S().Named("dispatcher").Warnw("no registry entry for unpersisted transition", "job_id", jobID)
				return
			}
			if entry.Status.IsTerminal() {
				zap.S().Named("dispatcher").Warnw("rejecting transition out of terminal state",
					"job_id", jobID, "status", entry.Status, "requested", status)
				return
			}
			oldStatus = entry.Status
			job = d.unpersistedJob(jobID, status, errorMessage)
		}
	}

	action := events.JobActionUpdated
	if status == api.JobStatusCancelled {
		action = events.JobActionCancelled
	}

	d.registry.SetStatus(jobID, status)
	if status.IsTerminal() {
		if entry, ok := d.registry.Get(jobID); ok && entry.Cancel == nil {
			d.registry.Remove(jobID)
		}
		metrics.IncreaseJobsFinishedTotalMetric(string(status))
	}
	d.updateActiveMetrics()

	d.publish(ctx, *job, action)
	zap.S().Named("dispatcher").Infow("updated job status", "job_id", jobID, "from", oldStatus, "to", status)
}

// persistTransition applies the status change to the persisted row inside a
// transaction. It returns the mutated job and its previous status; the job
// is nil only when the row could not be loaded at all.
func (d *Dispatcher) persistTransition(ctx context.Context, jobID string, status api.JobStatus, errorMessage, workerLabel string) (*api.Job, api.JobStatus, error) {
	txCtx, err := d.store.NewTransactionContext(ctx)
	if err != nil {
		return nil, "", err
	}

	job, err := d.store.Job().Get(txCtx, jobID)
	if err != nil {
		_, _ = store.Rollback(txCtx)
		return nil, "", err
	}

	oldStatus := job.Status
	if oldStatus.IsTerminal() {
		_, _ = store.Rollback(txCtx)
		return job, oldStatus, errTerminalState
	}

	job.Status = status
	job.ErrorMessage = errorMessage

	if status == api.JobStatusRunning && workerLabel != "" {
		job.WorkerLabel = workerLabel
	}

	if status.IsTerminal() {
		now := time.Now().UTC()
		job.EndTime = &now
		if result, ok := d.GetResult(jobID); ok && job.RunID == "" {
			job.RunID = result.RunID
		}
	}

	if _, err := d.store.Job().Update(txCtx, *job); err != nil {
		_, _ = store.Rollback(txCtx)
		return job, oldStatus, err
	}
	if _, err := store.Commit(txCtx); err != nil {
		return job, oldStatus, err
	}
	return job, oldStatus, nil
}

// unpersistedJob builds the event payload for a transition whose row was
// unreachable, from the registry entry and the requested change alone.
func (d *Dispatcher) unpersistedJob(jobID string, status api.JobStatus, errorMessage string) *api.Job {
	job := &api.Job{ID: jobID, Status: status, ErrorMessage: errorMessage}
	if entry, ok := d.registry.Get(jobID); ok {
		job.Kind = entry.Kind
		job.WorkerLabel = entry.WorkerLabel
	}
	if status.IsTerminal() {
		now := time.Now().UTC()
		job.EndTime = &now
	}
	return job
}

func (d *Dispatcher) publish(ctx context.Context, job api.Job, action events.JobChangedAction) {
	if d.producer == nil {
		return
	}
	if err := d.producer.PublishJobChanged(ctx, events.JobChangedEvent{Job: job, Action: action}); err != nil {
		zap.S().Named("dispatcher").Errorw("failed to publish job event", "job_id", job.ID, "error", err)
	}
}

func (d *Dispatcher) updateActiveMetrics() {
	summary := d.registry.Summary()
	metrics.UpdateActiveJobsMetric(string(api.JobKindAsync), summary.AsyncJobs)
	metrics.UpdateActiveJobsMetric(string(api.JobKindSync), summary.SyncJobs)
}
