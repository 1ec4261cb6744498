package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	api "github.com/testfleet/orchestrator/api/v1alpha1"
	"github.com/testfleet/orchestrator/internal/store/model"
)

// Job is the persistence contract for job records. All operations are
// durable; any of them may fail with a transient I/O error and callers must
// not assume success.
type Job interface {
	Create(ctx context.Context, job api.Job) (*api.Job, error)
	Get(ctx context.Context, id string) (*api.Job, error)
	List(ctx context.Context, filter *JobQueryFilter, opts *JobQueryOptions) (api.JobList, error)
	Update(ctx context.Context, job api.Job) (*api.Job, error)
	Count(ctx context.Context, filter *JobQueryFilter) (int64, error)
	DeleteFinishedBefore(ctx context.Context, statuses []api.JobStatus, cutoff time.Time) (int64, error)
	InitialMigration(ctx context.Context) error
}

type JobStore struct {
	db *gorm.DB
}

// Make sure we conform to Job interface
var _ Job = (*JobStore)(nil)

func NewJobStore(db *gorm.DB) Job {
	return &JobStore{db: db}
}

func (s *JobStore) InitialMigration(ctx context.Context) error {
	return s.getDB(ctx).AutoMigrate(&model.Job{})
}

func (s *JobStore) Create(ctx context.Context, job api.Job) (*api.Job, error) {
	m := model.NewJobFromApiResource(&job)
	result := s.getDB(ctx).Create(m)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateKey
		}
		return nil, fmt.Errorf("creating job: %w", result.Error)
	}
	created := m.ToApiResource()
	return &created, nil
}

func (s *JobStore) Get(ctx context.Context, id string) (*api.Job, error) {
	var m model.Job
	result := s.getDB(ctx).First(&m, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("querying job: %w", result.Error)
	}
	job := m.ToApiResource()
	return &job, nil
}

func (s *JobStore) List(ctx context.Context, filter *JobQueryFilter, opts *JobQueryOptions) (api.JobList, error) {
	var jobs model.JobList

	tx := s.getDB(ctx).Model(&model.Job{})
	if filter != nil {
		for _, fn := range filter.QueryFn {
			tx = fn(tx)
		}
	}
	if opts != nil {
		for _, fn := range opts.QueryFn {
			tx = fn(tx)
		}
	}

	if result := tx.Find(&jobs); result.Error != nil {
		return nil, fmt.Errorf("listing jobs: %w", result.Error)
	}
	return jobs.ToApiResource(), nil
}

func (s *JobStore) Update(ctx context.Context, job api.Job) (*api.Job, error) {
	m := model.NewJobFromApiResource(&job)
	result := s.getDB(ctx).Model(m).
		Clauses(clause.Returning{}).
		Select("status", "run_id", "end_time", "error_message", "worker_label").
		Updates(m)
	if result.Error != nil {
		return nil, fmt.Errorf("updating job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, ErrRecordNotFound
	}

	updated := m.ToApiResource()
	return &updated, nil
}

func (s *JobStore) Count(ctx context.Context, filter *JobQueryFilter) (int64, error) {
	var count int64

	tx := s.getDB(ctx).Model(&model.Job{})
	if filter != nil {
		for _, fn := range filter.QueryFn {
			tx = fn(tx)
		}
	}

	if result := tx.Count(&count); result.Error != nil {
		return 0, fmt.Errorf("counting jobs: %w", result.Error)
	}
	return count, nil
}

func (s *JobStore) DeleteFinishedBefore(ctx context.Context, statuses []api.JobStatus, cutoff time.Time) (int64, error) {
	values := make([]string, 0, len(statuses))
	for _, st := range statuses {
		values = append(values, string(st))
	}

	result := s.getDB(ctx).
		Where("status IN ? AND end_time < ?", values, cutoff).
		Delete(&model.Job{})
	if result.Error != nil {
		return 0, fmt.Errorf("deleting finished jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *JobStore) getDB(ctx context.Context) *gorm.DB {
	tx := FromContext(ctx)
	if tx != nil {
		return tx
	}
	return s.db
}
