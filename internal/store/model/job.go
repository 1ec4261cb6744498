package model

import (
	"encoding/json"
	"time"

	api "github.com/testfleet/orchestrator/api/v1alpha1"
)

// Job is the persisted record of a test-execution job. The row is created
// at submission time and mutated only through status transitions.
type Job struct {
	ID           string `gorm:"primaryKey;column:id"`
	RunID        string `gorm:"column:run_id;index"`
	Kind         string `gorm:"column:kind;not null"`
	Tag          string `gorm:"column:tag;index"`
	Status       string `gorm:"column:status;index;not null"`
	StartTime    time.Time
	EndTime      *time.Time
	CreatedBy    string
	ErrorMessage *string
	WorkerLabel  *string
}

type JobList []Job

func (Job) TableName() string {
	return "jobs"
}

func (j Job) String() string {
	val, _ := json.Marshal(j)
	return string(val)
}

func NewJobFromApiResource(job *api.Job) *Job {
	m := &Job{
		ID:        job.ID,
		RunID:     job.RunID,
		Kind:      string(job.Kind),
		Tag:       job.Tag,
		Status:    string(job.Status),
		StartTime: job.StartTime,
		EndTime:   job.EndTime,
		CreatedBy: job.CreatedBy,
	}
	if job.ErrorMessage != "" {
		m.ErrorMessage = &job.ErrorMessage
	}
	if job.WorkerLabel != "" {
		m.WorkerLabel = &job.WorkerLabel
	}
	return m
}

func (j *Job) ToApiResource() api.Job {
	job := api.Job{
		ID:        j.ID,
		RunID:     j.RunID,
		Kind:      api.JobKind(j.Kind),
		Tag:       j.Tag,
		Status:    api.StringToJobStatus(j.Status),
		StartTime: j.StartTime,
		EndTime:   j.EndTime,
		CreatedBy: j.CreatedBy,
	}
	if j.ErrorMessage != nil {
		job.ErrorMessage = *j.ErrorMessage
	}
	if j.WorkerLabel != nil {
		job.WorkerLabel = *j.WorkerLabel
	}
	return job
}

func (jl JobList) ToApiResource() api.JobList {
	jobs := make(api.JobList, 0, len(jl))
	for i := range jl {
		jobs = append(jobs, jl[i].ToApiResource())
	}
	return jobs
}
