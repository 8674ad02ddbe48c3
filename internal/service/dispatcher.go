package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prospectly/courier/internal/data"
	"github.com/prospectly/courier/internal/domain/model"
	"github.com/prospectly/courier/internal/observability/statsd"
)

// DispatcherServiceOptions groups dependencies for DispatcherService.
type DispatcherServiceOptions struct {
	Jobs    *JobService  // Required: job lifecycle service
	Logger  *slog.Logger // Optional: structured logger
	Metrics statsd.Sink  // Optional: metrics sink
}

// DispatcherService is the submission front for outbound messages. It accepts
// a message for a delivery channel, validates it, and hands it to the job
// queue. Submission is durable before Submit returns.
type DispatcherService struct {
	jobs    *JobService
	logger  *slog.Logger
	metrics statsd.Sink
}

// NewDispatcherService constructs a new DispatcherService.
func NewDispatcherService(opts DispatcherServiceOptions) (*DispatcherService, error) {
	if opts.Jobs == nil {
		return nil, errors.New("JobService is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "dispatcher_service")
	}

	return &DispatcherService{
		jobs:    opts.Jobs,
		logger:  logger,
		metrics: opts.Metrics,
	}, nil
}

// Submit enqueues an outbound message on its channel's queue. A database
// connectivity failure surfaces as data.ErrQueueUnavailable so callers can
// signal back pressure instead of a generic server error.
func (s *DispatcherService) Submit(ctx context.Context, req *model.EnqueueRequest) (*model.Job, error) {
	job, err := s.jobs.Enqueue(ctx, req)
	if err != nil {
		s.emitSubmitMetric(req, "error", errors.Is(err, data.ErrQueueUnavailable))
		return nil, fmt.Errorf("submit message: %w", err)
	}

	s.emitSubmitMetric(req, "success", false)

	if s.logger != nil {
		s.logger.InfoContext(ctx, "message submitted",
			"id", job.ID,
			"queue", job.Queue,
			"priority", job.Priority,
		)
	}

	return job, nil
}

func (s *DispatcherService) emitSubmitMetric(req *model.EnqueueRequest, result string, unavailable bool) {
	if s.metrics == nil {
		return
	}

	tags := map[string]string{"result": result}
	if req != nil {
		tags["queue"] = string(req.Queue)
	}
	if unavailable {
		tags["error_class"] = "queue_unavailable"
	}
	s.metrics.Count("dispatcher.submissions", 1, tags)
}
