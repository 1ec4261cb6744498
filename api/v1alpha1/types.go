package v1alpha1

import "time"

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// JobKind distinguishes jobs running on a detached worker from jobs
// executed inline on the caller's request.
type JobKind string

const (
	JobKindAsync JobKind = "async"
	JobKindSync  JobKind = "sync"
)

// IsTerminal reports whether s is a final state. Terminal jobs never
// transition again.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// IsActive reports whether a job in this state still counts against the
// active job summary.
func (s JobStatus) IsActive() bool {
	return s == JobStatusPending || s == JobStatusRunning
}

func StringToJobStatus(s string) JobStatus {
	switch s {
	case string(JobStatusPending):
		return JobStatusPending
	case string(JobStatusRunning):
		return JobStatusRunning
	case string(JobStatusCompleted):
		return JobStatusCompleted
	case string(JobStatusFailed):
		return JobStatusFailed
	case string(JobStatusCancelled):
		return JobStatusCancelled
	default:
		return JobStatusPending
	}
}

// Job is the API representation of a tracked test-execution job.
type Job struct {
	ID           string     `json:"id"`
	RunID        string     `json:"runId"`
	Kind         JobKind    `json:"kind"`
	Tag          string     `json:"tag"`
	Status       JobStatus  `json:"status"`
	StartTime    time.Time  `json:"startTime"`
	EndTime      *time.Time `json:"endTime,omitempty"`
	CreatedBy    string     `json:"createdBy"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	WorkerLabel  string     `json:"workerLabel,omitempty"`
}

type JobList []Job

// StartJobRequest carries the parameters of an async/sync run request.
// RunID is set only for reruns.
type StartJobRequest struct {
	Tag       string `json:"tag"`
	CreatedBy string `json:"createdBy"`
	RunID     string `json:"runId,omitempty"`
}

// JobResult carries the outcome of a completed test execution.
type JobResult struct {
	Status       string `json:"status"`
	FailureCount int    `json:"failureCount"`
	RunID        string `json:"runId"`
}

// JobStatusSummary is an aggregate view over all active jobs.
type JobStatusSummary struct {
	TotalActiveJobs int     `json:"totalActiveJobs"`
	AsyncJobs       int     `json:"asyncJobs"`
	SyncJobs        int     `json:"syncJobs"`
	ActiveJobs      JobList `json:"activeJobs,omitempty"`
}

// Stream event types pushed over the job updates channel.
const (
	StreamEventDelta   = "delta"
	StreamEventSummary = "summary"
)

// JobDelta is the per-job payload pushed to observers on every status change.
type JobDelta struct {
	Type         string    `json:"type"`
	JobID        string    `json:"jobId"`
	Status       JobStatus `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// SummaryEvent is the aggregate payload pushed alongside each delta and as
// the first event on a new observer connection.
type SummaryEvent struct {
	Type            string    `json:"type"`
	TotalActiveJobs int       `json:"totalActiveJobs"`
	AsyncJobs       int       `json:"asyncJobs"`
	SyncJobs        int       `json:"syncJobs"`
	Timestamp       time.Time `json:"timestamp"`
}
