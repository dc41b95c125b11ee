package scheduler

import (
	"context"
	"fmt"
	"math/big"
	"runtime/debug"
	"time"

	"github.com/preyanshu/chainwatch/internal/analyzer"
	"github.com/preyanshu/chainwatch/internal/errors"
	"github.com/preyanshu/chainwatch/internal/logging"
	"github.com/preyanshu/chainwatch/internal/models"
	"github.com/preyanshu/chainwatch/internal/queue"
	"github.com/preyanshu/chainwatch/internal/types"
)

// WalletRunner runs one wallet analysis cycle.
type WalletRunner interface {
	Analyze(ctx context.Context, input analyzer.WalletInput) (*models.WalletSnapshot, error)
}

// TokenRunner runs one token-flow analysis cycle.
type TokenRunner interface {
	Analyze(ctx context.Context, input analyzer.TokenInput) (*models.TokenFlowSnapshot, error)
}

// NFTRunner runs one NFT-movement analysis cycle.
type NFTRunner interface {
	Analyze(ctx context.Context, input analyzer.NFTInput) (*models.NFTMovementSnapshot, error)
}

// WorkerQueue is the slice of the delay queue the worker needs.
type WorkerQueue interface {
	Subscribe(handler queue.Handler)
	Start(ctx context.Context) error
	Stop()
	Submit(ctx context.Context, payload map[string]interface{}, opts queue.Options) (string, error)
}

// WorkerConfig tunes the worker's recovery and sanity checks.
type WorkerConfig struct {
	OrphanAge          time.Duration
	EarlyFireTolerance time.Duration
}

// Worker consumes dispatched jobs, runs the analyzers, and keeps the
// job store current.
type Worker struct {
	jobs   JobStore
	queue  WorkerQueue
	wallet WalletRunner
	token  TokenRunner
	nft    NFTRunner
	cfg    WorkerConfig
	logger *logging.Logger
}

// NewWorker creates a worker.
func NewWorker(jobs JobStore, workerQueue WorkerQueue, wallet WalletRunner, token TokenRunner, nft NFTRunner, cfg WorkerConfig, logger *logging.Logger) *Worker {
	if cfg.OrphanAge <= 0 {
		cfg.OrphanAge = 24 * time.Hour
	}
	if cfg.EarlyFireTolerance <= 0 {
		cfg.EarlyFireTolerance = 5 * time.Second
	}

	return &Worker{
		jobs:   jobs,
		queue:  workerQueue,
		wallet: wallet,
		token:  token,
		nft:    nft,
		cfg:    cfg,
		logger: logger,
	}
}

// Start subscribes the handler, recovers orphaned retry jobs, and
// starts queue consumption.
func (w *Worker) Start(ctx context.Context) error {
	w.queue.Subscribe(w.Handle)

	if err := w.RecoverOrphans(ctx); err != nil {
		w.logger.WithError(err).Error("orphan recovery failed")
	}

	return w.queue.Start(ctx)
}

// Stop drains in-flight handlers and stops queue consumption.
func (w *Worker) Stop() {
	w.queue.Stop()
	w.logger.Info("worker stopped")
}

// RecoverOrphans re-enrols retry jobs whose schedule was lost to a
// crash or broker loss: an immediate fire plus a fresh repeating spec.
func (w *Worker) RecoverOrphans(ctx context.Context) error {
	orphans, err := w.jobs.FindOrphans(ctx, w.cfg.OrphanAge)
	if err != nil {
		return err
	}

	for _, job := range orphans {
		payload := map[string]interface{}{"jobId": job.ID}

		if _, err := w.queue.Submit(ctx, payload, queue.Options{}); err != nil {
			w.logger.WithError(err).WithField("jobId", job.ID).Error("failed to re-submit orphan")
			continue
		}

		intervalMs := job.Interval().Milliseconds()
		if _, err := w.queue.Submit(ctx, payload, queue.Options{
			DelayMs:       intervalMs,
			RepeatEveryMs: intervalMs,
			Key:           job.ID,
		}); err != nil {
			w.logger.WithError(err).WithField("jobId", job.ID).Error("failed to re-arm orphan recurrence")
		}

		w.logger.WithField("jobId", job.ID).Info("orphaned retry job re-submitted")
	}

	if len(orphans) > 0 {
		w.logger.WithField("count", len(orphans)).Info("orphan recovery finished")
	}

	return nil
}

// Handle executes one dispatched job item. Errors never propagate
// beyond the job: they are classified, written to the job record, and
// surfaced to the queue's failed list via the returned error.
func (w *Worker) Handle(ctx context.Context, payload map[string]interface{}) error {
	jobID, _ := payload["jobId"].(string)
	if jobID == "" {
		w.logger.Error("dispatched item carries no jobId")
		return fmt.Errorf("missing jobId in queue payload")
	}

	job, err := w.jobs.GetByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job == nil {
		// Deleted after dispatch; nothing to run.
		w.logger.WithField("jobId", jobID).Warn("dispatched job no longer exists")
		return nil
	}

	now := time.Now().UTC()

	if err := w.jobs.SetStatus(ctx, job.ID, types.JobStatusRunning, nil); err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}
	w.appendWorkerLog(ctx, job.ID, types.LogLevelInfo, "Job execution started", "")

	// A scheduled fire arriving early means broker misdelivery; decline
	// to run rather than execute ahead of time.
	if job.Type == types.JobTypeScheduled && job.ScheduledAt != nil &&
		now.Add(w.cfg.EarlyFireTolerance).Before(*job.ScheduledAt) {
		w.appendWorkerLog(ctx, job.ID, types.LogLevelWarn,
			fmt.Sprintf("Handler fired %s before scheduledAt, declining to run", job.ScheduledAt.Sub(now)), "")
		if err := w.jobs.SetStatus(ctx, job.ID, types.JobStatusPending, nil); err != nil {
			w.logger.WithError(err).WithField("jobId", job.ID).Error("failed to restore pending status")
		}
		return nil
	}

	runErr := w.dispatch(ctx, job)
	now = time.Now().UTC()

	if runErr != nil {
		details := &models.JobError{
			Message:   runErr.Error(),
			Stack:     string(debug.Stack()),
			Timestamp: now,
		}
		if err := w.jobs.SetStatus(ctx, job.ID, types.JobStatusFailed, &models.JobPatch{
			LastRunAt:    &now,
			ErrorDetails: details,
		}); err != nil {
			w.logger.WithError(err).WithField("jobId", job.ID).Error("failed to persist failure status")
		}
		w.appendWorkerLog(ctx, job.ID, types.LogLevelError, fmt.Sprintf("Job failed: %v", runErr), details.Stack)
		return runErr
	}

	switch job.Type {
	case types.JobTypeScheduled:
		if err := w.jobs.SetStatus(ctx, job.ID, types.JobStatusCompleted, &models.JobPatch{LastRunAt: &now}); err != nil {
			return fmt.Errorf("mark job completed: %w", err)
		}
		w.appendWorkerLog(ctx, job.ID, types.LogLevelInfo, "Job completed", "")

	case types.JobTypeRetry:
		// The repeating schedule in the queue stays authoritative;
		// status alternates pending and running across cycles and
		// nextRunAt mirrors the broker schedule for observers.
		next := now.Add(job.Interval())
		if err := w.jobs.SetStatus(ctx, job.ID, types.JobStatusPending, &models.JobPatch{
			LastRunAt: &now,
			NextRunAt: &next,
		}); err != nil {
			return fmt.Errorf("mark job pending: %w", err)
		}
		w.appendWorkerLog(ctx, job.ID, types.LogLevelInfo, "Recurring job completed, next run scheduled", "")
	}

	return nil
}

// dispatch routes the job to its analyzer with a capture sink so every
// analyzer log line lands in the job's service-log stream.
func (w *Worker) dispatch(ctx context.Context, job *models.Job) error {
	capture := logging.NewCapture()
	runCtx := logging.WithLogger(ctx, logging.FromContext(ctx).WithCapture(capture).WithField("jobId", job.ID))

	var runErr error
	switch job.Action {
	case types.ActionWalletSnapshot:
		_, runErr = w.wallet.Analyze(runCtx, analyzer.WalletInput{
			Address: EntityAddress(job.Action, job.Payload),
			Network: job.Network,
		})
	case types.ActionAnalyzeCoinFlows:
		_, runErr = w.token.Analyze(runCtx, analyzer.TokenInput{
			Address:          EntityAddress(job.Action, job.Payload),
			Network:          job.Network,
			Thresholds:       tokenThresholds(job.Payload),
			WatchedAddresses: watchedAddresses(job.Payload),
		})
	case types.ActionAnalyzeNFTMovements:
		_, runErr = w.nft.Analyze(runCtx, analyzer.NFTInput{
			Address:          EntityAddress(job.Action, job.Payload),
			Network:          job.Network,
			Thresholds:       nftThresholds(job.Payload),
			WatchedAddresses: watchedAddresses(job.Payload),
		})
	default:
		runErr = errors.NewUnknownActionError(string(job.Action))
	}

	w.drainCapture(ctx, job.ID, capture)
	return runErr
}

// drainCapture appends the analyzer's captured log lines to the job's
// service-log stream, preserving timestamps and levels.
func (w *Worker) drainCapture(ctx context.Context, jobID string, capture *logging.Capture) {
	for _, entry := range capture.Entries() {
		logEntry := &models.JobLogEntry{
			Timestamp: entry.Timestamp,
			Level:     captureLevel(entry.Level),
			Message:   entry.Message,
			Function:  entry.Function,
			Duration:  entry.Duration,
		}
		if err := w.jobs.AppendLog(ctx, jobID, types.LogSourceService, logEntry); err != nil {
			w.logger.WithError(err).WithField("jobId", jobID).Error("failed to append service log")
		}
	}
}

func captureLevel(level logging.LogLevel) types.LogLevel {
	switch level {
	case logging.LevelWarn:
		return types.LogLevelWarn
	case logging.LevelError, logging.LevelFatal:
		return types.LogLevelError
	default:
		return types.LogLevelInfo
	}
}

func (w *Worker) appendWorkerLog(ctx context.Context, jobID string, level types.LogLevel, message, details string) {
	entry := &models.JobLogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		Details:   details,
	}
	if err := w.jobs.AppendLog(ctx, jobID, types.LogSourceWorker, entry); err != nil {
		w.logger.WithError(err).WithField("jobId", jobID).Error("failed to append worker log")
	}
}

// tokenThresholds reads the analyze_coin_flows thresholds from a job
// payload. Values arrive as JSON numbers or decimal strings.
func tokenThresholds(payload map[string]interface{}) analyzer.TokenThresholds {
	thresholds := analyzer.TokenThresholds{}
	raw, ok := payload["thresholds"].(map[string]interface{})
	if !ok {
		return thresholds
	}

	if v := bigValue(raw["largeTransfer"]); v != nil {
		thresholds.LargeTransfer = v
	}
	thresholds.VolumeSpikePct = intValue(raw["volumeSpike"])

	return thresholds
}

// nftThresholds reads the analyze_nft_movements thresholds from a job
// payload.
func nftThresholds(payload map[string]interface{}) analyzer.NFTThresholds {
	thresholds := analyzer.NFTThresholds{}
	raw, ok := payload["thresholds"].(map[string]interface{})
	if !ok {
		return thresholds
	}

	thresholds.MassTransferCount = int(intValue(raw["massTransferCount"]))
	thresholds.WhaleTokenCount = int(intValue(raw["whaleTokenCount"]))
	thresholds.SuspiciousMintRate = int(intValue(raw["suspiciousMintRate"]))
	thresholds.HighActivityPct = intValue(raw["highActivitySpike"])

	return thresholds
}

// watchedAddresses reads the watched-address list from a job payload.
func watchedAddresses(payload map[string]interface{}) []string {
	raw, ok := payload["watchedAddresses"].([]interface{})
	if !ok {
		return nil
	}

	var addrs []string
	for _, entry := range raw {
		if addr, ok := entry.(string); ok {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}

func bigValue(v interface{}) *big.Int {
	switch value := v.(type) {
	case string:
		if parsed, ok := new(big.Int).SetString(value, 10); ok {
			return parsed
		}
	case float64:
		return new(big.Int).SetInt64(int64(value))
	case int:
		return big.NewInt(int64(value))
	case int64:
		return big.NewInt(value)
	}
	return nil
}

func intValue(v interface{}) int64 {
	switch value := v.(type) {
	case float64:
		return int64(value)
	case int:
		return int64(value)
	case int64:
		return value
	case string:
		if parsed, ok := new(big.Int).SetString(value, 10); ok {
			return parsed.Int64()
		}
	}
	return 0
}
