// Package worker pulls delivery jobs off a queue and hands each one to the
// channel's sender, managing leases, rate budgets, and retry classification.
package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/prospectly/courier/internal/core"
	"github.com/prospectly/courier/internal/data"
	"github.com/prospectly/courier/internal/domain/model"
	"github.com/prospectly/courier/internal/domain/retry"
	"github.com/prospectly/courier/internal/observability/metrics"
	"github.com/prospectly/courier/internal/observability/statsd"
	"github.com/prospectly/courier/internal/service"
)

// HandlerFunc processes a job and returns error to indicate failure (which will be retried per policy).
type HandlerFunc func(ctx context.Context, job *model.Job) error

// RunnerOptions configures the delivery worker adapter.
type RunnerOptions struct {
	DB     *sql.DB
	Logger *slog.Logger

	// Job processing settings
	Queue       model.Queue   // which queue to process; required
	Lease       time.Duration // per-job lease duration; defaults to 30s
	Concurrency int           // number of worker goroutines; defaults to 1
	MaxActive   int           // cap on jobs active at once for the queue; 0 means no cap

	// Sender delivers each message; required.
	Sender core.Sender

	// RateLimiter enforces the shared per-channel send budget. Nil disables
	// rate limiting.
	RateLimiter core.RateLimiter

	// Campaign fan-out pacing. Sends per second within one campaign job;
	// defaults to 10/s with a burst of 1.
	CampaignSendsPerSecond float64
	CampaignBurst          int

	// HeartbeatInterval is how often the lease gets extended during long
	// fan-outs; defaults to a third of the lease.
	HeartbeatInterval time.Duration

	// Optional dependency injections (useful for tests/decoupling)
	JobsRepo      core.JobRepository
	LeadsRepo     core.LeadRepository
	Metrics       statsd.Sink
	RetryPolicies map[model.Queue]retry.Policy
}

// Runner pulls jobs for one queue and executes them through the channel sender.
type Runner struct {
	jobs              *service.JobService
	leads             core.LeadRepository
	sender            core.Sender
	rateLimiter       core.RateLimiter
	logger            *slog.Logger
	lease             time.Duration
	queue             model.Queue
	workers           int
	maxActive         int
	heartbeatInterval time.Duration
	campaignRate      float64
	campaignBurst     int
	handlers          map[model.Queue]HandlerFunc
	metrics           statsd.Sink
}

func resolveLogger(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}

// NewRunner wires repositories/services and constructs a worker for a single queue.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.DB == nil && opts.JobsRepo == nil {
		return nil, errors.New("either DB or JobsRepo must be provided")
	}
	if !opts.Queue.Valid() {
		return nil, fmt.Errorf("invalid queue: %q", opts.Queue)
	}
	if opts.Sender == nil {
		return nil, errors.New("Sender is required")
	}

	logger := resolveLogger(opts.Logger)

	lease := opts.Lease
	if lease <= 0 {
		lease = 30 * time.Second
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = 1
	}
	heartbeat := opts.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = lease / 3
	}
	campaignRate := opts.CampaignSendsPerSecond
	if campaignRate <= 0 {
		campaignRate = 10
	}
	campaignBurst := opts.CampaignBurst
	if campaignBurst <= 0 {
		campaignBurst = 1
	}

	jobsRepo := opts.JobsRepo
	if jobsRepo == nil {
		jobsRepo = data.NewJobRepo(opts.DB, data.RepoConfig{Logger: opts.Logger})
	}
	jobSvc := service.MustNewJobService(service.JobServiceOptions{
		Repo:          jobsRepo,
		DefaultLease:  lease,
		Logger:        opts.Logger,
		RetryPolicies: opts.RetryPolicies,
	})

	leads := opts.LeadsRepo
	if leads == nil && opts.DB != nil {
		leads = data.NewLeadRepo(opts.DB)
	}

	r := &Runner{
		jobs:              jobSvc,
		leads:             leads,
		sender:            opts.Sender,
		rateLimiter:       opts.RateLimiter,
		logger:            logger,
		lease:             lease,
		queue:             opts.Queue,
		workers:           workers,
		maxActive:         opts.MaxActive,
		heartbeatInterval: heartbeat,
		campaignRate:      campaignRate,
		campaignBurst:     campaignBurst,
		handlers:          make(map[model.Queue]HandlerFunc),
		metrics:           opts.Metrics,
	}
	// Register built-in handlers
	r.handlers[model.QueueDirectMessage] = r.handleDirectMessageJob
	r.handlers[model.QueueTransactionalEmail] = r.handleEmailJob
	r.handlers[model.QueueBulkCampaign] = r.handleCampaignJob
	return r, nil
}

// Run starts worker goroutines and processes jobs until the context is cancelled.
// Returns nil on graceful shutdown, the first worker error otherwise.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting delivery worker",
		"queue", r.queue, "workers", r.workers, "lease", r.lease, "max_active", r.maxActive)

	// Subscribe for notifications for the queue we process
	unsub, ch := r.jobs.Subscribe(r.queue)
	defer unsub()

	g, ctx := errgroup.WithContext(ctx)
	for range r.workers {
		g.Go(func() error {
			return r.workerLoop(ctx, ch)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (r *Runner) workerLoop(ctx context.Context, notify <-chan struct{}) error {
	for ctx.Err() == nil {
		job, err := r.jobs.ReserveNext(ctx, core.ReserveParams{
			Queue:     r.queue,
			MaxActive: r.maxActive,
		}, r.lease)
		switch {
		case err == nil:
			if job != nil {
				r.processJob(ctx, job)
			}
		case errors.Is(err, model.ErrNoJobsAvailable):
			if !r.waitForNotify(ctx, notify) {
				return ctx.Err()
			}
		default:
			return fmt.Errorf("reserve next: %w", err)
		}
	}
	return ctx.Err()
}

func (r *Runner) waitForNotify(ctx context.Context, notify <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return false
	case <-notify:
		return true
	}
}

func (r *Runner) processJob(ctx context.Context, job *model.Job) {
	start := time.Now()
	emit := func(transition, result string, err error) {
		metrics.EmitJobLifecycle(r.metrics, metrics.JobMetric{
			Queue:      string(job.Queue),
			Transition: transition,
			Result:     result,
			Duration:   time.Since(start),
			Err:        err,
		})
	}

	h, ok := r.handlers[job.Queue]
	if !ok {
		err := retry.Permanent(fmt.Errorf("no handler for queue %s", job.Queue))
		r.fail(ctx, job, err)
		emit("failed", metrics.ResultError, err)
		return
	}
	if err := h(ctx, job); err != nil {
		state := r.fail(ctx, job, err)
		transition := "retrying"
		if state == model.JobStateDead {
			transition = "dead"
		}
		emit(transition, metrics.ResultError, err)
		return
	}
	if completed, err := r.jobs.Complete(ctx, job.ID); err != nil {
		r.logger.ErrorContext(ctx, "complete job error", "job_id", job.ID, "error", err)
		emit("completed", metrics.ResultError, err)
	} else {
		result := metrics.ResultNoop
		if completed {
			result = metrics.ResultSuccess
		}
		emit("completed", result, nil)
	}
}

func (r *Runner) fail(ctx context.Context, job *model.Job, failErr error) model.JobState {
	state, err := r.jobs.Fail(ctx, job, failErr)
	if err != nil {
		r.logger.ErrorContext(ctx, "fail job error", "job_id", job.ID, "error", err, "original_error", failErr)
		return ""
	}
	if state == model.JobStateDead {
		r.logger.WarnContext(ctx, "job dead-lettered",
			"job_id", job.ID, "queue", job.Queue, "attempts", job.Attempts, "error", failErr)
	}
	return state
}

// reserveBudget consumes one send from the shared channel budget. A denied
// reservation comes back as a transient error so the job re-enters backoff
// instead of hammering the provider.
func (r *Runner) reserveBudget(ctx context.Context) error {
	if r.rateLimiter == nil {
		return nil
	}
	res, err := r.rateLimiter.Reserve(ctx, r.queue)
	if err != nil {
		// The limiter being unreachable must not block deliveries.
		r.logger.WarnContext(ctx, "rate limiter unavailable, allowing send", "queue", r.queue, "error", err)
		if r.metrics != nil {
			r.metrics.Count("worker.rate_limit_errors", 1, map[string]string{"queue": string(r.queue)})
		}
		return nil
	}
	if !res.Allowed {
		if r.metrics != nil {
			r.metrics.Count("worker.rate_limited", 1, map[string]string{"queue": string(r.queue)})
		}
		return retry.Transient(fmt.Errorf("channel rate limit exceeded, retry after %s", res.RetryAfter))
	}
	return nil
}
