package store

import (
	"time"

	"gorm.io/gorm"

	api "github.com/testfleet/orchestrator/api/v1alpha1"
)

type BaseQuerier struct {
	QueryFn []func(tx *gorm.DB) *gorm.DB
}

type JobQueryFilter BaseQuerier

func NewJobQueryFilter() *JobQueryFilter {
	return &JobQueryFilter{QueryFn: make([]func(tx *gorm.DB) *gorm.DB, 0)}
}

func (qf *JobQueryFilter) ByStatuses(statuses []api.JobStatus) *JobQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		values := make([]string, 0, len(statuses))
		for _, s := range statuses {
			values = append(values, string(s))
		}
		return tx.Where("status IN ?", values)
	})
	return qf
}

func (qf *JobQueryFilter) ByTag(tag string) *JobQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("tag = ?", tag)
	})
	return qf
}

func (qf *JobQueryFilter) ByRunID(runID string) *JobQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("run_id = ?", runID)
	})
	return qf
}

func (qf *JobQueryFilter) ByEndTimeBefore(cutoff time.Time) *JobQueryFilter {
	qf.QueryFn = append(qf.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("end_time < ?", cutoff)
	})
	return qf
}

type JobQueryOptions BaseQuerier

func NewJobQueryOptions() *JobQueryOptions {
	return &JobQueryOptions{QueryFn: make([]func(tx *gorm.DB) *gorm.DB, 0)}
}

// WithStartTimeOrder sorts newest-first, matching the order the dashboard
// shows active jobs in.
func (o *JobQueryOptions) WithStartTimeOrder() *JobQueryOptions {
	o.QueryFn = append(o.QueryFn, func(tx *gorm.DB) *gorm.DB {
		return tx.Order("start_time DESC")
	})
	return o
}
