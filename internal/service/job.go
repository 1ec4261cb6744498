package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	api "github.com/testfleet/orchestrator/api/v1alpha1"
	"github.com/testfleet/orchestrator/internal/dispatcher"
	"github.com/testfleet/orchestrator/internal/registry"
	"github.com/testfleet/orchestrator/internal/store"
)

// JobService is the transport-facing facade over the dispatcher, the
// registry and the store. Handlers talk to it exclusively.
type JobService struct {
	store      store.Store
	registry   *registry.Registry
	dispatcher *dispatcher.Dispatcher
}

func NewJobService(store store.Store, registry *registry.Registry, dispatcher *dispatcher.Dispatcher) *JobService {
	return &JobService{store: store, registry: registry, dispatcher: dispatcher}
}

// StartAsyncRun accepts a tag selector and returns the id of the pending
// job. The execution itself happens on a detached worker.
func (s *JobService) StartAsyncRun(ctx context.Context, req api.StartJobRequest) (string, error) {
	return s.dispatcher.StartAsync(ctx, req.Tag, req.CreatedBy)
}

// RerunAsyncRun starts an async job that re-executes a previous run,
// identified by its run id.
func (s *JobService) RerunAsyncRun(ctx context.Context, req api.StartJobRequest) (string, error) {
	return s.dispatcher.RerunAsync(ctx, req.RunID, req.CreatedBy)
}

// RunSync executes a run on the caller's request context and returns the
// result inline. The job record is tracked like any other, so observers
// see it appear as running and settle to a terminal state.
func (s *JobService) RunSync(ctx context.Context, req api.StartJobRequest) (string, *api.JobResult, error) {
	jobID, err := s.dispatcher.StartSync(ctx, req.Tag, req.CreatedBy)
	if err != nil {
		return "", nil, err
	}

	result, err := s.dispatcher.Execute(ctx, jobID, req.Tag)
	if err != nil {
		return jobID, nil, err
	}
	return jobID, result, nil
}

func (s *JobService) GetJob(ctx context.Context, id string) (*api.Job, error) {
	job, err := s.store.Job().Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, NewErrJobNotFound(id)
		}
		return nil, err
	}
	return job, nil
}

// GetResult returns the outcome of a completed job. For jobs completed
// before the last restart the in-memory result is gone and a reduced
// result is rebuilt from the persisted row.
func (s *JobService) GetResult(ctx context.Context, id string) (*api.JobResult, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != api.JobStatusCompleted {
		return nil, NewErrJobNotCompleted(id)
	}

	if result, ok := s.dispatcher.GetResult(id); ok {
		return result, nil
	}

	zap.S().Named("service").Debugw("result cache miss, rebuilding from store", "job_id", id)
	return &api.JobResult{Status: "Execution Completed", RunID: job.RunID}, nil
}

// CancelJob interrupts an active job. It returns ErrJobNotFound for ids
// the orchestrator has never seen and ErrJobNotCancellable for jobs
// already in a terminal state.
func (s *JobService) CancelJob(ctx context.Context, id string) error {
	if s.dispatcher.Cancel(ctx, id) {
		return nil
	}

	if _, ok := s.registry.Get(id); ok {
		return NewErrJobNotCancellable(id)
	}
	if _, err := s.store.Job().Get(ctx, id); err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return NewErrJobNotFound(id)
		}
		return err
	}
	return NewErrJobNotCancellable(id)
}

func (s *JobService) ListActiveJobs(ctx context.Context) (api.JobList, error) {
	filter := store.NewJobQueryFilter().ByStatuses([]api.JobStatus{api.JobStatusPending, api.JobStatusRunning})
	return s.store.Job().List(ctx, filter, store.NewJobQueryOptions().WithStartTimeOrder())
}

func (s *JobService) ListJobsByTag(ctx context.Context, tag string) (api.JobList, error) {
	return s.store.Job().List(ctx, store.NewJobQueryFilter().ByTag(tag), store.NewJobQueryOptions().WithStartTimeOrder())
}

func (s *JobService) ListJobsByRunID(ctx context.Context, runID string) (api.JobList, error) {
	return s.store.Job().List(ctx, store.NewJobQueryFilter().ByRunID(runID), store.NewJobQueryOptions().WithStartTimeOrder())
}

// GetStatusSummary aggregates the registry's live counts with the
// persisted rows of the active jobs.
func (s *JobService) GetStatusSummary(ctx context.Context) (*api.JobStatusSummary, error) {
	summary := s.registry.Summary()

	jobs, err := s.ListActiveJobs(ctx)
	if err != nil {
		return nil, err
	}
	summary.ActiveJobs = jobs
	return &summary, nil
}
