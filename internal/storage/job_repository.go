package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/preyanshu/chainwatch/internal/models"
	"github.com/preyanshu/chainwatch/internal/types"
)

// JobRepository handles durable job records and their append-only log
// streams. Log entries live in a separate job_logs table keyed by job
// id; a BIGSERIAL seq makes append order the read order.
type JobRepository struct {
	pool *pgxpool.Pool
}

// NewJobRepository creates a new job repository
func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

const jobColumns = `
	id, action, payload, network, type, scheduled_at, interval_minutes,
	status, last_run_at, next_run_at, error_details, created_at, updated_at
`

// Create inserts a new job record in pending status
func (r *JobRepository) Create(ctx context.Context, job *models.Job) error {
	payloadJSON, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := `
		INSERT INTO jobs (
			id, action, payload, network, type, scheduled_at,
			interval_minutes, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err = r.pool.Exec(
		ctx,
		query,
		job.ID,
		string(job.Action),
		payloadJSON,
		string(job.Network),
		string(job.Type),
		job.ScheduledAt,
		job.IntervalMinutes,
		string(job.Status),
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}

	return nil
}

// GetByID retrieves a job by id. Returns nil when the job does not exist.
func (r *JobRepository) GetByID(ctx context.Context, id string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	job, err := scanJob(r.pool.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query job: %w", err)
	}

	return job, nil
}

// List retrieves jobs newest first, optionally filtered by status.
func (r *JobRepository) List(ctx context.Context, status types.JobStatus) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job rows: %w", err)
	}

	return jobs, nil
}

// Delete removes a job record and its log streams. Returns whether a
// record existed.
func (r *JobRepository) Delete(ctx context.Context, id string) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM job_logs WHERE job_id = $1`, id); err != nil {
		return false, fmt.Errorf("failed to delete job logs: %w", err)
	}

	result, err := tx.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit delete: %w", err)
	}

	return result.RowsAffected() > 0, nil
}

// SetStatus transitions a job's status and merges the patch fields.
// Nil patch fields are left untouched.
func (r *JobRepository) SetStatus(ctx context.Context, id string, status types.JobStatus, patch *models.JobPatch) error {
	query := `
		UPDATE jobs SET
			status = $2,
			last_run_at = COALESCE($3, last_run_at),
			next_run_at = COALESCE($4, next_run_at),
			error_details = COALESCE($5, error_details),
			updated_at = $6
		WHERE id = $1
	`

	var lastRunAt, nextRunAt *time.Time
	var errorJSON []byte
	if patch != nil {
		lastRunAt = patch.LastRunAt
		nextRunAt = patch.NextRunAt
		if patch.ErrorDetails != nil {
			var err error
			errorJSON, err = json.Marshal(patch.ErrorDetails)
			if err != nil {
				return fmt.Errorf("failed to marshal error details: %w", err)
			}
		}
	}

	result, err := r.pool.Exec(ctx, query, id, string(status), lastRunAt, nextRunAt, errorJSON, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("job not found: %s", id)
	}

	return nil
}

// AppendLog appends one entry to a job's log stream. Order is preserved
// by the seq column; entries are never updated or reordered.
func (r *JobRepository) AppendLog(ctx context.Context, jobID string, source types.LogSource, entry *models.JobLogEntry) error {
	query := `
		INSERT INTO job_logs (job_id, source, timestamp, level, message, function, duration_ms, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.pool.Exec(
		ctx,
		query,
		jobID,
		string(source),
		entry.Timestamp,
		string(entry.Level),
		entry.Message,
		nullable(entry.Function),
		entry.Duration,
		nullable(entry.Details),
	)
	if err != nil {
		return fmt.Errorf("failed to append job log: %w", err)
	}

	return nil
}

// LogFilter narrows a log stream read
type LogFilter struct {
	Level types.LogLevel
	Limit int
}

// GetLogs retrieves one of a job's log streams, newest first.
func (r *JobRepository) GetLogs(ctx context.Context, jobID string, source types.LogSource, filter LogFilter) ([]*models.JobLogEntry, error) {
	query := `
		SELECT seq, timestamp, level, message, function, duration_ms, details
		FROM job_logs
		WHERE job_id = $1 AND source = $2
	`
	args := []interface{}{jobID, string(source)}

	if filter.Level != "" {
		query += fmt.Sprintf(` AND level = $%d`, len(args)+1)
		args = append(args, string(filter.Level))
	}

	query += ` ORDER BY seq DESC`

	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, filter.Limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query job logs: %w", err)
	}
	defer rows.Close()

	var entries []*models.JobLogEntry
	for rows.Next() {
		var entry models.JobLogEntry
		var function, details *string
		err := rows.Scan(&entry.Seq, &entry.Timestamp, &entry.Level, &entry.Message, &function, &entry.Duration, &details)
		if err != nil {
			return nil, fmt.Errorf("failed to scan log row: %w", err)
		}
		if function != nil {
			entry.Function = *function
		}
		if details != nil {
			entry.Details = *details
		}
		entry.Source = source
		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating log rows: %w", err)
	}

	return entries, nil
}

// LastErrorLog returns the most recent ERROR entry of a job's worker
// stream, or nil when it has none.
func (r *JobRepository) LastErrorLog(ctx context.Context, jobID string) (*models.JobLogEntry, error) {
	entries, err := r.GetLogs(ctx, jobID, types.LogSourceWorker, LogFilter{Level: types.LogLevelError, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[0], nil
}

// FindOrphans returns retry jobs stuck in pending whose lastRunAt is
// missing or older than the given age. These signal a crash or broker
// loss that left the queue without a live repeat entry.
func (r *JobRepository) FindOrphans(ctx context.Context, age time.Duration) ([]*models.Job, error) {
	cutoff := time.Now().UTC().Add(-age)

	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE type = $1 AND status = $2
			AND (last_run_at IS NULL OR last_run_at < $3)
		ORDER BY created_at ASC
	`

	rows, err := r.pool.Query(ctx, query, string(types.JobTypeRetry), string(types.JobStatusPending), cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query orphan jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan orphan row: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orphan rows: %w", err)
	}

	return jobs, nil
}

// FailNonTerminalRetryJobs marks every pending or running retry job as
// failed with the given message. Used by the emergency clear surface.
// Returns the ids of the jobs transitioned.
func (r *JobRepository) FailNonTerminalRetryJobs(ctx context.Context, message string) ([]string, error) {
	details, err := json.Marshal(&models.JobError{
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal error details: %w", err)
	}

	query := `
		UPDATE jobs SET
			status = $1,
			error_details = $2,
			updated_at = $3
		WHERE type = $4 AND status IN ($5, $6)
		RETURNING id
	`

	rows, err := r.pool.Query(
		ctx,
		query,
		string(types.JobStatusFailed),
		details,
		time.Now().UTC(),
		string(types.JobTypeRetry),
		string(types.JobStatusPending),
		string(types.JobStatusRunning),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fail retry jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan job id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job ids: %w", err)
	}

	return ids, nil
}

// rowScanner matches pgx.Row and pgx.Rows for shared scanning
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var payloadJSON []byte
	var errorJSON []byte
	var action, network, jobType, status string

	err := row.Scan(
		&job.ID,
		&action,
		&payloadJSON,
		&network,
		&jobType,
		&job.ScheduledAt,
		&job.IntervalMinutes,
		&status,
		&job.LastRunAt,
		&job.NextRunAt,
		&errorJSON,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Action = types.JobAction(action)
	job.Network = types.Network(network)
	job.Type = types.JobType(jobType)
	job.Status = types.JobStatus(status)

	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}
	if len(errorJSON) > 0 {
		job.ErrorDetails = &models.JobError{}
		if err := json.Unmarshal(errorJSON, job.ErrorDetails); err != nil {
			return nil, fmt.Errorf("failed to unmarshal error details: %w", err)
		}
	}

	return &job, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
