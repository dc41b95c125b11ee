// Package scheduler accepts job submissions, enrols them in the delay
// queue, and executes dispatched jobs through the analyzers.
package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/preyanshu/chainwatch/internal/analyzer"
	"github.com/preyanshu/chainwatch/internal/errors"
	"github.com/preyanshu/chainwatch/internal/logging"
	"github.com/preyanshu/chainwatch/internal/models"
	"github.com/preyanshu/chainwatch/internal/queue"
	"github.com/preyanshu/chainwatch/internal/types"
)

// JobStore is the slice of the job repository the scheduler needs.
type JobStore interface {
	Create(ctx context.Context, job *models.Job) error
	GetByID(ctx context.Context, id string) (*models.Job, error)
	List(ctx context.Context, status types.JobStatus) ([]*models.Job, error)
	Delete(ctx context.Context, id string) (bool, error)
	SetStatus(ctx context.Context, id string, status types.JobStatus, patch *models.JobPatch) error
	AppendLog(ctx context.Context, jobID string, source types.LogSource, entry *models.JobLogEntry) error
	FindOrphans(ctx context.Context, age time.Duration) ([]*models.Job, error)
	FailNonTerminalRetryJobs(ctx context.Context, message string) ([]string, error)
}

// JobQueue is the slice of the delay queue the scheduler needs.
type JobQueue interface {
	Submit(ctx context.Context, payload map[string]interface{}, opts queue.Options) (string, error)
	RemoveBy(ctx context.Context, match func(payload map[string]interface{}) bool) (int, error)
	RemoveRepeatingByKey(ctx context.Context, key string) error
	Obliterate(ctx context.Context) error
	Status(ctx context.Context) (*queue.Counts, error)
}

// Scheduler validates submissions and enrols jobs in the queue.
type Scheduler struct {
	jobs   JobStore
	queue  JobQueue
	logger *logging.Logger
}

// NewScheduler creates a scheduler.
func NewScheduler(jobs JobStore, jobQueue JobQueue, logger *logging.Logger) *Scheduler {
	return &Scheduler{jobs: jobs, queue: jobQueue, logger: logger}
}

// emergencyClearMessage marks jobs failed by the clear-all surface.
const emergencyClearMessage = "Job stopped by emergency clear"

// ValidateSpec checks a submission before any side effect.
func ValidateSpec(spec *models.JobSpec) error {
	if !types.ValidAction(spec.Action) {
		return errors.NewUnknownActionError(string(spec.Action))
	}
	if !types.ValidNetwork(spec.Network) {
		return errors.NewValidationError("network", "must be one of mainnet, testnet, devnet")
	}

	switch spec.Type {
	case types.JobTypeScheduled:
		if spec.ScheduledAt == nil {
			return errors.NewValidationError("scheduledAt", "required for scheduled jobs")
		}
	case types.JobTypeRetry:
		if spec.IntervalMinutes <= 0 {
			return errors.NewValidationError("intervalMinutes", "must be a positive integer for retry jobs")
		}
	default:
		return errors.NewValidationError("type", "must be scheduled or retry")
	}

	entity := EntityAddress(spec.Action, spec.Payload)
	if entity == "" {
		return errors.NewValidationError("payload", "entity address is required")
	}
	return analyzer.ValidateAddress(entity)
}

// EntityAddress extracts the target entity from an action payload.
func EntityAddress(action types.JobAction, payload map[string]interface{}) string {
	key := "tokenAddress"
	if action == types.ActionWalletSnapshot {
		key = "wallet"
	}
	if addr, ok := payload[key].(string); ok {
		return addr
	}
	return ""
}

// Submit creates the job record and enrols it in the queue. A broker
// failure rolls the record back so no job exists without a schedule.
func (s *Scheduler) Submit(ctx context.Context, spec *models.JobSpec) (*models.Job, error) {
	if err := ValidateSpec(spec); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:              uuid.New().String(),
		Action:          spec.Action,
		Payload:         spec.Payload,
		Network:         spec.Network,
		Type:            spec.Type,
		ScheduledAt:     spec.ScheduledAt,
		IntervalMinutes: spec.IntervalMinutes,
		Status:          types.JobStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, errors.NewDatabaseError("create job", err)
	}

	if err := s.enrol(ctx, job, now); err != nil {
		if _, delErr := s.jobs.Delete(ctx, job.ID); delErr != nil {
			s.logger.WithError(delErr).WithField("jobId", job.ID).Error("failed to roll back job record after queue failure")
		}
		return nil, err
	}

	s.logger.WithFields(map[string]interface{}{
		"jobId":  job.ID,
		"action": string(job.Action),
		"type":   string(job.Type),
	}).Info("job submitted")

	return job, nil
}

// enrol schedules a job's fires. Scheduled jobs get one delayed item;
// retry jobs get an immediate item plus a repeating spec that first
// fires one interval from now.
func (s *Scheduler) enrol(ctx context.Context, job *models.Job, now time.Time) error {
	payload := map[string]interface{}{"jobId": job.ID}

	switch job.Type {
	case types.JobTypeScheduled:
		delay := job.ScheduledAt.Sub(now)
		if delay < 0 {
			delay = 0
		}
		if _, err := s.queue.Submit(ctx, payload, queue.Options{DelayMs: delay.Milliseconds()}); err != nil {
			return errors.NewQueueError("submit scheduled job", err)
		}

	case types.JobTypeRetry:
		intervalMs := job.Interval().Milliseconds()
		if _, err := s.queue.Submit(ctx, payload, queue.Options{}); err != nil {
			return errors.NewQueueError("submit immediate job", err)
		}
		if _, err := s.queue.Submit(ctx, payload, queue.Options{
			DelayMs:       intervalMs,
			RepeatEveryMs: intervalMs,
			Key:           job.ID,
		}); err != nil {
			return errors.NewQueueError("submit repeating job", err)
		}
	}

	return nil
}

// Delete removes a job's queue entries and its record. Active handlers
// for the job run to completion.
func (s *Scheduler) Delete(ctx context.Context, id string) (bool, error) {
	if _, err := s.queue.RemoveBy(ctx, func(payload map[string]interface{}) bool {
		jobID, _ := payload["jobId"].(string)
		return jobID == id
	}); err != nil {
		return false, errors.NewQueueError("remove job entries", err)
	}

	if err := s.queue.RemoveRepeatingByKey(ctx, id); err != nil {
		return false, errors.NewQueueError("remove repeat spec", err)
	}

	existed, err := s.jobs.Delete(ctx, id)
	if err != nil {
		return false, errors.NewDatabaseError("delete job", err)
	}

	return existed, nil
}

// ClearAll obliterates the queue and fails every non-terminal retry
// job. Submissions afterwards start from a clean slate.
func (s *Scheduler) ClearAll(ctx context.Context) ([]string, error) {
	if err := s.queue.Obliterate(ctx); err != nil {
		return nil, errors.NewQueueError("obliterate", err)
	}

	ids, err := s.jobs.FailNonTerminalRetryJobs(ctx, emergencyClearMessage)
	if err != nil {
		return nil, errors.NewDatabaseError("fail retry jobs", err)
	}

	s.logger.WithField("jobs", len(ids)).Warn("emergency clear executed")
	return ids, nil
}

// QueueStatus returns the queue counters.
func (s *Scheduler) QueueStatus(ctx context.Context) (*queue.Counts, error) {
	counts, err := s.queue.Status(ctx)
	if err != nil {
		return nil, errors.NewQueueError("status", err)
	}
	return counts, nil
}
