package models

import (
	"time"

	"github.com/preyanshu/chainwatch/internal/types"
)

// Job is the durable record of a submitted analysis job. Created on
// submission, mutated only by the worker, destroyed only by explicit
// delete.
type Job struct {
	ID              string                 `json:"id"`
	Action          types.JobAction        `json:"action"`
	Payload         map[string]interface{} `json:"payload"`
	Network         types.Network          `json:"network"`
	Type            types.JobType          `json:"type"`
	ScheduledAt     *time.Time             `json:"scheduledAt,omitempty"`
	IntervalMinutes int                    `json:"intervalMinutes,omitempty"`
	Status          types.JobStatus        `json:"status"`
	LastRunAt       *time.Time             `json:"lastRunAt,omitempty"`
	NextRunAt       *time.Time             `json:"nextRunAt,omitempty"`
	ErrorDetails    *JobError              `json:"errorDetails,omitempty"`
	CreatedAt       time.Time              `json:"createdAt"`
	UpdatedAt       time.Time              `json:"updatedAt"`
}

// JobError is the snapshot of the job's last failure
type JobError struct {
	Message   string    `json:"message"`
	Stack     string    `json:"stack,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// JobLogEntry is one entry of a job's append-only log stream. Seq is
// assigned by the store and preserves append order.
type JobLogEntry struct {
	Seq       int64           `json:"seq,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Level     types.LogLevel  `json:"level"`
	Message   string          `json:"message"`
	Function  string          `json:"function,omitempty"`
	Duration  *int64          `json:"duration,omitempty"`
	Details   string          `json:"details,omitempty"`
	Source    types.LogSource `json:"source,omitempty"`
}

// JobPatch carries the optional fields a status transition merges into
// the job record. Nil fields are left untouched.
type JobPatch struct {
	LastRunAt    *time.Time
	NextRunAt    *time.Time
	ErrorDetails *JobError
}

// JobSpec is the validated input for creating a job
type JobSpec struct {
	Action          types.JobAction        `json:"action"`
	Payload         map[string]interface{} `json:"payload"`
	Network         types.Network          `json:"network"`
	Type            types.JobType          `json:"type"`
	ScheduledAt     *time.Time             `json:"scheduledAt,omitempty"`
	IntervalMinutes int                    `json:"intervalMinutes,omitempty"`
}

// Interval returns the job's recurrence interval.
func (j *Job) Interval() time.Duration {
	return time.Duration(j.IntervalMinutes) * time.Minute
}
