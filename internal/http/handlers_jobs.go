// Package httpx provides HTTP handlers and utilities for the courier delivery API.
package httpx

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/prospectly/courier/internal/data"
	"github.com/prospectly/courier/internal/domain/model"
	"github.com/prospectly/courier/internal/service"
)

// JobHandlers provides HTTP handlers for job submission and inspection.
type JobHandlers struct {
	Dispatcher *service.DispatcherService
	Jobs       *service.JobService
}

// SubmitJob handles HTTP requests to submit a new delivery job.
func (h *JobHandlers) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req model.EnqueueRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	job, err := h.Dispatcher.Submit(r.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, data.ErrQueueUnavailable):
			WriteError(w, ErrorParams{
				Code:    http.StatusServiceUnavailable,
				ErrCode: "queue_unavailable",
				Err:     errors.New("job store is unavailable, retry later"),
			})
		case isValidationError(err):
			WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "submit_failed", Err: err})
		default:
			WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "submit_failed", Err: errors.New("failed to submit job")})
		}
		return
	}

	WriteJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID})
}

// GetJobStatus handles HTTP requests to retrieve the status of a job on a queue.
func (h *JobHandlers) GetJobStatus(w http.ResponseWriter, r *http.Request) {
	queue, ok := queueFromPath(w, r)
	if !ok {
		return
	}
	jobID := r.PathValue("id")
	if _, err := uuid.Parse(jobID); err != nil {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_path", Err: errors.New("job id must be a UUID")})
		return
	}

	status, err := h.Jobs.GetStatus(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, data.ErrJobNotFound) {
			WriteError(w, ErrorParams{Code: http.StatusNotFound, ErrCode: "job_not_found", Err: errors.New("job not found")})
		} else {
			WriteError(w, ErrorParams{
				Code:    http.StatusInternalServerError,
				ErrCode: "get_status_failed",
				Err:     errors.New("failed to get job status"),
			})
		}
		return
	}

	// A job belongs to exactly one queue; asking on the wrong one is a miss.
	if status.Queue != queue {
		WriteError(w, ErrorParams{Code: http.StatusNotFound, ErrCode: "job_not_found", Err: errors.New("job not found")})
		return
	}

	WriteJSON(w, http.StatusOK, status)
}

// GetQueueStats handles HTTP requests to retrieve per-state job counts for a queue.
func (h *JobHandlers) GetQueueStats(w http.ResponseWriter, r *http.Request) {
	queue, ok := queueFromPath(w, r)
	if !ok {
		return
	}

	stats, err := h.Jobs.Stats(r.Context(), queue)
	if err != nil {
		WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "stats_failed", Err: errors.New("failed to get queue stats")})
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

// queueFromPath validates the {queue} path segment. Writes a 400 and returns
// false when the segment is not a known delivery channel.
func queueFromPath(w http.ResponseWriter, r *http.Request) (model.Queue, bool) {
	queue := model.Queue(r.PathValue("queue"))
	if !queue.Valid() {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_path", Err: errors.New("unknown queue")})
		return "", false
	}
	return queue, true
}
