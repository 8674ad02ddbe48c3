package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prospectly/courier/internal/core"
	"github.com/prospectly/courier/internal/data"
	domainjob "github.com/prospectly/courier/internal/domain/job"
	"github.com/prospectly/courier/internal/domain/model"
	"github.com/prospectly/courier/internal/domain/retry"
)

// JobServiceOptions groups dependencies for JobService.
type JobServiceOptions struct {
	Repo            core.JobRepository           // Required: job repository
	DefaultLease    time.Duration                // Required: default lease duration for jobs
	Logger          *slog.Logger                 // Optional: structured logger
	LeasePolicy     *domainjob.LeasePolicy       // Optional: override default lease policy
	Notifier        domainjob.Notifier           // Optional: custom job availability notifier
	NotifierOptions domainjob.NotifierOptions    // Optional: configure default notifier behaviour
	RetryPolicies   map[model.Queue]retry.Policy // Optional: per-queue backoff overrides
}

// JobService provides business logic for the delivery job lifecycle.
//
// This service manages:
// - Enqueueing and payload validation per delivery channel
// - Job reservation and lease management
// - Retry decisions using per-queue backoff policies
// - Pub/sub notification system for job availability
// - Graceful shutdown of all listeners.
type JobService struct {
	repo          core.JobRepository
	leasePolicy   *domainjob.LeasePolicy
	notifier      domainjob.Notifier
	logger        *slog.Logger
	retryPolicies map[model.Queue]retry.Policy
	defaultPolicy retry.Policy
}

// NewJobService constructs a new JobService.
func NewJobService(opts JobServiceOptions) (*JobService, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}

	var leasePolicy *domainjob.LeasePolicy
	switch {
	case opts.LeasePolicy != nil:
		leasePolicy = opts.LeasePolicy
	case opts.DefaultLease > 0:
		var err error
		leasePolicy, err = domainjob.NewLeasePolicy(opts.DefaultLease)
		if err != nil {
			return nil, fmt.Errorf("create lease policy: %w", err)
		}
	default:
		return nil, errors.New("DefaultLease must be positive")
	}

	notifier := opts.Notifier
	if notifier == nil {
		options := opts.NotifierOptions
		if options.Waiter == nil {
			options.Waiter = opts.Repo
		}
		var err error
		notifier, err = domainjob.NewNotifier(options)
		if err != nil {
			return nil, fmt.Errorf("create job notifier: %w", err)
		}
	}

	defaultPolicy := retry.DefaultPolicy()
	retryPolicies := make(map[model.Queue]retry.Policy, len(opts.RetryPolicies))
	for queue, policy := range opts.RetryPolicies {
		policy.Sanitize()
		retryPolicies[queue] = policy
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "job_service")
		logger.Debug("JobService initialized",
			"default_lease", leasePolicy.Default(),
		)
	}

	return &JobService{
		repo:          opts.Repo,
		leasePolicy:   leasePolicy,
		notifier:      notifier,
		logger:        logger,
		retryPolicies: retryPolicies,
		defaultPolicy: defaultPolicy,
	}, nil
}

// MustNewJobService constructs a new JobService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewJobService(opts JobServiceOptions) *JobService {
	svc, err := NewJobService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create JobService: %v", err))
	}
	return svc
}

// Enqueue validates the request against its channel's payload shape and
// persists the job. The enqueue is durable before the call returns; database
// connectivity failures surface as data.ErrQueueUnavailable.
func (s *JobService) Enqueue(ctx context.Context, req *model.EnqueueRequest) (*model.Job, error) {
	if req == nil {
		return nil, errors.New("enqueue request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := validateQueuePayload(req.Queue, req.Payload); err != nil {
		return nil, err
	}

	job, err := s.repo.Enqueue(ctx, req)
	if err != nil {
		return nil, data.MapConnectionErr(fmt.Errorf("enqueue job: %w", err))
	}

	if s.logger != nil {
		s.logger.DebugContext(
			ctx,
			"job enqueued",
			"id",
			job.ID,
			"queue",
			job.Queue,
			"priority",
			job.Priority,
		)
	}

	return job, nil
}

// validateQueuePayload checks the payload against the queue's message shape.
func validateQueuePayload(queue model.Queue, payload json.RawMessage) error {
	switch queue {
	case model.QueueDirectMessage:
		var p model.DirectMessagePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("invalid direct-message payload: %w", err)
		}
		return p.Validate()
	case model.QueueTransactionalEmail:
		var p model.EmailPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("invalid transactional-email payload: %w", err)
		}
		return p.Validate()
	case model.QueueBulkCampaign:
		var p model.CampaignPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("invalid bulk-campaign payload: %w", err)
		}
		return p.Validate()
	default:
		return fmt.Errorf("invalid queue: %s", queue)
	}
}

// ReserveNext claims the next eligible job in the queue for processing.
func (s *JobService) ReserveNext(
	ctx context.Context,
	params core.ReserveParams,
	lease time.Duration,
) (*model.Job, error) {
	decision := s.leasePolicy.Resolve(lease)
	if decision.Clamped() && s.logger != nil {
		s.logger.DebugContext(ctx, "clamped sub-second lease duration to 1 second",
			"requested_duration", decision.Requested,
			"queue", params.Queue)
	}
	params.LeaseSeconds = decision.Seconds

	job, err := s.repo.ReserveNext(ctx, params)
	if err != nil {
		if errors.Is(err, model.ErrNoJobsAvailable) {
			return nil, model.ErrNoJobsAvailable
		}
		return nil, fmt.Errorf("reserve next job: %w", err)
	}

	if s.logger != nil && job != nil {
		s.logger.DebugContext(
			ctx,
			"job reserved",
			"id",
			job.ID,
			"queue",
			params.Queue,
			"lease_seconds",
			decision.Seconds,
		)
	}

	return job, nil
}

// Subscribe creates a subscription for job notifications on the given queue.
// Returns an unsubscribe function and a channel that receives notifications.
func (s *JobService) Subscribe(queue model.Queue) (func(), <-chan struct{}) {
	if s.notifier == nil {
		ch := make(chan struct{})
		close(ch)
		return func() {}, ch
	}
	return s.notifier.Subscribe(queue)
}

// WaitForNotification waits for a notification indicating new jobs are available.
func (s *JobService) WaitForNotification(ctx context.Context, queue model.Queue) error {
	return s.repo.WaitForNotification(ctx, queue)
}

// Heartbeat extends the lease on a job to indicate it's still being processed.
func (s *JobService) Heartbeat(ctx context.Context, id string, extend time.Duration) (bool, error) {
	decision := s.leasePolicy.Resolve(extend)
	if decision.Clamped() && s.logger != nil {
		s.logger.DebugContext(ctx, "clamped sub-second heartbeat duration to 1 second",
			"requested_duration", decision.Requested,
			"job_id", id)
	}

	updated, err := s.repo.Heartbeat(ctx, id, decision.Seconds)
	if err != nil {
		return false, fmt.Errorf("heartbeat job %s: %w", id, err)
	}

	if s.logger != nil && updated {
		s.logger.DebugContext(ctx, "job heartbeat updated", "id", id, "extend_seconds", decision.Seconds)
	}

	return updated, nil
}

// Complete marks a job as completed successfully.
func (s *JobService) Complete(ctx context.Context, id string) (bool, error) {
	completed, err := s.repo.Complete(ctx, id)
	if err != nil {
		return false, fmt.Errorf("complete job %s: %w", id, err)
	}

	if s.logger != nil && completed {
		s.logger.DebugContext(ctx, "job completed", "id", id)
	}

	return completed, nil
}

// retryPolicy returns the backoff policy for the given queue.
func (s *JobService) retryPolicy(queue model.Queue) retry.Policy {
	if policy, ok := s.retryPolicies[queue]; ok {
		return policy
	}
	return s.defaultPolicy
}

// Fail records the failed attempt and commits the retry decision. A permanent
// error dead-letters the job immediately; a transient one schedules the next
// attempt with exponential backoff, or dead-letters once attempts run out.
func (s *JobService) Fail(ctx context.Context, job *model.Job, failErr error) (model.JobState, error) {
	if job == nil {
		return "", errors.New("job is required")
	}
	if failErr == nil {
		return "", errors.New("failure error is required")
	}

	permanent := retry.IsPermanent(failErr)
	policy := s.retryPolicy(job.Queue)
	// Attempts was incremented when the job was claimed, so it already
	// numbers the execution being failed.
	delay := policy.Delay(job.Attempts)

	state, err := s.repo.Fail(ctx, core.FailParams{
		ID:         job.ID,
		ErrMsg:     failErr.Error(),
		Permanent:  permanent,
		RetryDelay: delay,
	})
	if err != nil {
		return "", fmt.Errorf("fail job %s: %w", job.ID, err)
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx, "job failed",
			"id", job.ID,
			"queue", job.Queue,
			"state", state,
			"permanent", permanent,
			"retry_delay", delay,
			"error", failErr,
		)
	}

	return state, nil
}

// Stats returns counts of the queue's jobs in each lifecycle state.
func (s *JobService) Stats(ctx context.Context, queue model.Queue) (*model.QueueStats, error) {
	stats, err := s.repo.Stats(ctx, queue)
	if err != nil {
		return nil, fmt.Errorf("get queue stats for %s: %w", queue, err)
	}
	return stats, nil
}

// GetStatus returns the externally visible status of a job.
func (s *JobService) GetStatus(ctx context.Context, id string) (*model.JobStatusResponse, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}

	return &model.JobStatusResponse{
		ID:          job.ID,
		Queue:       job.Queue,
		State:       job.State,
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
		LastError:   job.LastError,
		CompletedAt: job.CompletedAt,
	}, nil
}

// GetByID returns a job by its ID.
func (s *JobService) GetByID(ctx context.Context, id string) (*model.Job, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job by id %s: %w", id, err)
	}
	return job, nil
}

// StopAllListeners stops all active job notification listeners.
// This should be called during graceful shutdown to clean up goroutines.
func (s *JobService) StopAllListeners() {
	if s.logger != nil {
		s.logger.Info("stopping all job listeners")
	}

	if s.notifier != nil {
		s.notifier.StopAll()
	}
}
