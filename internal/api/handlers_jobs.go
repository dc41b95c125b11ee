package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/preyanshu/chainwatch/internal/models"
	"github.com/preyanshu/chainwatch/internal/storage"
	"github.com/preyanshu/chainwatch/internal/types"
)

// submitJobRequest is the POST /jobs body.
type submitJobRequest struct {
	Action          string                 `json:"action"`
	Payload         map[string]interface{} `json:"payload"`
	Network         string                 `json:"network"`
	Type            string                 `json:"type"`
	ScheduledAt     *time.Time             `json:"scheduledAt,omitempty"`
	IntervalMinutes int                    `json:"intervalMinutes,omitempty"`
}

// handleSubmitJob accepts a job submission.
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid JSON body", nil)
		return
	}

	network := types.Network(req.Network)
	if req.Network == "" {
		network = types.NetworkTestnet
	}

	payload := req.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}

	spec := &models.JobSpec{
		Action:          types.JobAction(req.Action),
		Payload:         payload,
		Network:         network,
		Type:            types.JobType(req.Type),
		ScheduledAt:     req.ScheduledAt,
		IntervalMinutes: req.IntervalMinutes,
	}

	job, err := s.scheduler.Submit(r.Context(), spec)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, job)
}

// handleListJobs lists jobs, optionally filtered by status.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := types.JobStatus(r.URL.Query().Get("status"))

	jobs, err := s.jobs.List(r.Context(), status)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}

	respondJSON(w, http.StatusOK, jobs)
}

// handleGetJob returns one job.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	job, err := s.jobs.GetByID(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if job == nil {
		respondError(w, http.StatusNotFound, "JOB_NOT_FOUND", "job not found: "+id, nil)
		return
	}

	respondJSON(w, http.StatusOK, job)
}

// handleJobLogs returns the worker log stream, newest first.
func (s *Server) handleJobLogs(w http.ResponseWriter, r *http.Request) {
	s.respondLogs(w, r, types.LogSourceWorker)
}

// handleJobServiceLogs returns the analyzer log stream, newest first.
func (s *Server) handleJobServiceLogs(w http.ResponseWriter, r *http.Request) {
	s.respondLogs(w, r, types.LogSourceService)
}

func (s *Server) respondLogs(w http.ResponseWriter, r *http.Request, defaultSource types.LogSource) {
	id := mux.Vars(r)["id"]
	query := r.URL.Query()

	source := defaultSource
	if requested := query.Get("source"); requested != "" {
		source = types.LogSource(requested)
	}

	filter := storage.LogFilter{
		Level: types.LogLevel(query.Get("level")),
	}
	if limitStr := query.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			respondError(w, http.StatusBadRequest, "INVALID_INPUT", "limit must be a non-negative integer", nil)
			return
		}
		filter.Limit = limit
	}

	entries, err := s.jobs.GetLogs(r.Context(), id, source, filter)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if entries == nil {
		entries = []*models.JobLogEntry{}
	}

	respondJSON(w, http.StatusOK, entries)
}

// failedJobView pairs a failed job with its last error log entry.
type failedJobView struct {
	Job       *models.Job         `json:"job"`
	LastError *models.JobLogEntry `json:"lastError,omitempty"`
}

// handleFailedJobs lists recently failed jobs with their last ERROR log.
func (s *Server) handleFailedJobs(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed <= 0 {
			respondError(w, http.StatusBadRequest, "INVALID_INPUT", "limit must be a positive integer", nil)
			return
		}
		limit = parsed
	}

	jobs, err := s.jobs.List(r.Context(), types.JobStatusFailed)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}

	views := make([]failedJobView, 0, len(jobs))
	for _, job := range jobs {
		lastError, err := s.jobs.LastErrorLog(r.Context(), job.ID)
		if err != nil {
			respondServiceError(w, err)
			return
		}
		views = append(views, failedJobView{Job: job, LastError: lastError})
	}

	respondJSON(w, http.StatusOK, views)
}

// handleDeleteJob removes a job's queue entries and record.
func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	existed, err := s.scheduler.Delete(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if !existed {
		respondError(w, http.StatusNotFound, "JOB_NOT_FOUND", "job not found: "+id, nil)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"deleted": true,
		"id":      id,
	})
}

// handleClearAll obliterates the queue and fails non-terminal retry jobs.
func (s *Server) handleClearAll(w http.ResponseWriter, r *http.Request) {
	ids, err := s.scheduler.ClearAll(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"cleared":    true,
		"failedJobs": ids,
	})
}

// handleQueueStatus returns the queue counters.
func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.scheduler.QueueStatus(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, counts)
}
