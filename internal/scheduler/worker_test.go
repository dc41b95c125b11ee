package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/preyanshu/chainwatch/internal/analyzer"
	"github.com/preyanshu/chainwatch/internal/errors"
	"github.com/preyanshu/chainwatch/internal/logging"
	"github.com/preyanshu/chainwatch/internal/models"
	"github.com/preyanshu/chainwatch/internal/types"
)

type fakeWalletRunner struct {
	snapshot *models.WalletSnapshot
	err      error
	calls    int
	inputs   []analyzer.WalletInput
}

func (r *fakeWalletRunner) Analyze(ctx context.Context, input analyzer.WalletInput) (*models.WalletSnapshot, error) {
	r.calls++
	r.inputs = append(r.inputs, input)
	// Emit an analyzer log line so capture wiring is observable.
	logging.FromContext(ctx).Info("analysis running")
	return r.snapshot, r.err
}

type fakeTokenRunner struct {
	err    error
	calls  int
	inputs []analyzer.TokenInput
}

func (r *fakeTokenRunner) Analyze(ctx context.Context, input analyzer.TokenInput) (*models.TokenFlowSnapshot, error) {
	r.calls++
	r.inputs = append(r.inputs, input)
	return nil, r.err
}

type fakeNFTRunner struct {
	err   error
	calls int
}

func (r *fakeNFTRunner) Analyze(ctx context.Context, input analyzer.NFTInput) (*models.NFTMovementSnapshot, error) {
	r.calls++
	return nil, r.err
}

type workerFixture struct {
	store  *memJobStore
	queue  *memQueue
	wallet *fakeWalletRunner
	token  *fakeTokenRunner
	nft    *fakeNFTRunner
	worker *Worker
}

func newWorkerFixture() *workerFixture {
	f := &workerFixture{
		store:  newMemJobStore(),
		queue:  newMemQueue(),
		wallet: &fakeWalletRunner{},
		token:  &fakeTokenRunner{},
		nft:    &fakeNFTRunner{},
	}
	f.worker = NewWorker(f.store, f.queue, f.wallet, f.token, f.nft, WorkerConfig{
		OrphanAge:          24 * time.Hour,
		EarlyFireTolerance: 5 * time.Second,
	}, testLogger())
	return f
}

func (f *workerFixture) seedJob(t *testing.T, jobType types.JobType, mutate func(job *models.Job)) *models.Job {
	t.Helper()
	now := time.Now().UTC()
	job := &models.Job{
		ID:      "job-1",
		Action:  types.ActionWalletSnapshot,
		Payload: map[string]interface{}{"wallet": validWallet},
		Network: types.NetworkTestnet,
		Type:    jobType,
		Status:  types.JobStatusPending,

		CreatedAt: now,
		UpdatedAt: now,
	}
	if jobType == types.JobTypeScheduled {
		at := now.Add(-time.Minute)
		job.ScheduledAt = &at
	} else {
		job.IntervalMinutes = 1
	}
	if mutate != nil {
		mutate(job)
	}
	require.NoError(t, f.store.Create(context.Background(), job))
	return job
}

func TestHandle_ScheduledJobCompletes(t *testing.T) {
	f := newWorkerFixture()
	job := f.seedJob(t, types.JobTypeScheduled, nil)

	err := f.worker.Handle(context.Background(), map[string]interface{}{"jobId": job.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, f.wallet.calls)

	stored, err := f.store.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, stored.Status)
	require.NotNil(t, stored.LastRunAt)

	logs := f.store.logsFor(job.ID, types.LogSourceWorker)
	require.NotEmpty(t, logs)
	assert.Equal(t, "Job execution started", logs[0].Message)
	assert.Equal(t, "Job completed", logs[len(logs)-1].Message)

	// Log timestamps are monotone non-decreasing.
	for i := 1; i < len(logs); i++ {
		assert.False(t, logs[i].Timestamp.Before(logs[i-1].Timestamp))
	}
}

func TestHandle_RetryJobBacksToPending(t *testing.T) {
	f := newWorkerFixture()
	job := f.seedJob(t, types.JobTypeRetry, nil)

	err := f.worker.Handle(context.Background(), map[string]interface{}{"jobId": job.ID})
	require.NoError(t, err)

	stored, err := f.store.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusPending, stored.Status)
	require.NotNil(t, stored.LastRunAt)
	require.NotNil(t, stored.NextRunAt)

	// nextRunAt mirrors the interval within handler-execution time.
	gap := stored.NextRunAt.Sub(*stored.LastRunAt)
	assert.InDelta(t, time.Minute.Seconds(), gap.Seconds(), 2)

	logs := f.store.logsFor(job.ID, types.LogSourceWorker)
	assert.Equal(t, "Recurring job completed, next run scheduled", logs[len(logs)-1].Message)
}

func TestHandle_AnalyzerFailureMarksFailed(t *testing.T) {
	f := newWorkerFixture()
	f.wallet.err = errors.NewAnalysisError("wallet_snapshot", assert.AnError)
	job := f.seedJob(t, types.JobTypeRetry, nil)

	err := f.worker.Handle(context.Background(), map[string]interface{}{"jobId": job.ID})
	require.Error(t, err)

	stored, getErr := f.store.GetByID(context.Background(), job.ID)
	require.NoError(t, getErr)
	assert.Equal(t, types.JobStatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorDetails)
	assert.Contains(t, stored.ErrorDetails.Message, "analysis failed")
	assert.NotEmpty(t, stored.ErrorDetails.Stack)

	logs := f.store.logsFor(job.ID, types.LogSourceWorker)
	last := logs[len(logs)-1]
	assert.Equal(t, types.LogLevelError, last.Level)
	assert.Contains(t, last.Message, "Job failed")
}

func TestHandle_EarlyFireDeclines(t *testing.T) {
	f := newWorkerFixture()
	job := f.seedJob(t, types.JobTypeScheduled, func(job *models.Job) {
		at := time.Now().UTC().Add(time.Hour)
		job.ScheduledAt = &at
	})

	err := f.worker.Handle(context.Background(), map[string]interface{}{"jobId": job.ID})
	require.NoError(t, err)
	assert.Zero(t, f.wallet.calls, "analyzer must not run on an early fire")

	stored, getErr := f.store.GetByID(context.Background(), job.ID)
	require.NoError(t, getErr)
	assert.Equal(t, types.JobStatusPending, stored.Status)

	logs := f.store.logsFor(job.ID, types.LogSourceWorker)
	var warned bool
	for _, entry := range logs {
		if entry.Level == types.LogLevelWarn {
			warned = true
		}
	}
	assert.True(t, warned, "expected WARN log for early fire")
}

func TestHandle_CapturesServiceLogs(t *testing.T) {
	f := newWorkerFixture()
	job := f.seedJob(t, types.JobTypeScheduled, nil)

	err := f.worker.Handle(context.Background(), map[string]interface{}{"jobId": job.ID})
	require.NoError(t, err)

	serviceLogs := f.store.logsFor(job.ID, types.LogSourceService)
	require.NotEmpty(t, serviceLogs)
	assert.Equal(t, "analysis running", serviceLogs[0].Message)
	assert.Equal(t, types.LogLevelInfo, serviceLogs[0].Level)
}

func TestHandle_MissingJobIsNoop(t *testing.T) {
	f := newWorkerFixture()

	err := f.worker.Handle(context.Background(), map[string]interface{}{"jobId": "ghost"})
	require.NoError(t, err)
	assert.Zero(t, f.wallet.calls)
}

func TestHandle_DispatchesByAction(t *testing.T) {
	f := newWorkerFixture()
	job := f.seedJob(t, types.JobTypeRetry, func(job *models.Job) {
		job.Action = types.ActionAnalyzeCoinFlows
		job.Payload = map[string]interface{}{
			"tokenAddress": validToken,
			"thresholds": map[string]interface{}{
				"largeTransfer": "10000",
				"volumeSpike":   float64(50),
			},
			"watchedAddresses": []interface{}{validWallet},
		}
	})

	err := f.worker.Handle(context.Background(), map[string]interface{}{"jobId": job.ID})
	require.NoError(t, err)
	require.Equal(t, 1, f.token.calls)

	input := f.token.inputs[0]
	assert.Equal(t, validToken, input.Address)
	require.NotNil(t, input.Thresholds.LargeTransfer)
	assert.Equal(t, "10000", input.Thresholds.LargeTransfer.String())
	assert.Equal(t, int64(50), input.Thresholds.VolumeSpikePct)
	assert.Equal(t, []string{validWallet}, input.WatchedAddresses)
}

func TestRecoverOrphans(t *testing.T) {
	f := newWorkerFixture()

	// Orphan: retry, pending, never ran.
	f.seedJob(t, types.JobTypeRetry, func(job *models.Job) { job.ID = "orphan-1" })

	// Healthy: retry, pending, ran recently.
	f.seedJob(t, types.JobTypeRetry, func(job *models.Job) {
		job.ID = "healthy-1"
		ranAt := time.Now().UTC().Add(-time.Minute)
		job.LastRunAt = &ranAt
	})

	require.NoError(t, f.worker.RecoverOrphans(context.Background()))

	// Orphan gets an immediate fire and a fresh repeat spec.
	var orphanSubmits []recordedSubmit
	for _, record := range f.queue.submits {
		if record.Payload["jobId"] == "orphan-1" {
			orphanSubmits = append(orphanSubmits, record)
		}
	}
	require.Len(t, orphanSubmits, 2)
	assert.Zero(t, orphanSubmits[0].Opts.DelayMs)
	assert.Equal(t, int64(60_000), orphanSubmits[1].Opts.RepeatEveryMs)

	for _, record := range f.queue.submits {
		assert.NotEqual(t, "healthy-1", record.Payload["jobId"], "healthy job must not be re-submitted")
	}
}
