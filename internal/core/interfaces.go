package core

import (
	"context"
	"database/sql"
	"time"

	"github.com/prospectly/courier/internal/domain/model"
)

// This file contains repository interface definitions (ports in hexagonal architecture).
// These interfaces define the contracts between the service layer and data layer.
// Service implementations should depend on these interfaces, not concrete implementations.

// ReserveParams groups parameters for JobRepository.ReserveNext to keep param count ≤3.
type ReserveParams struct {
	Queue        model.Queue
	LeaseSeconds int
	// MaxActive caps the number of jobs in the active state for the queue.
	// Zero means no cap.
	MaxActive int
}

// FailParams groups parameters for JobRepository.Fail to keep param count ≤3.
type FailParams struct {
	ID     string
	ErrMsg string
	// Permanent dead-letters the job regardless of remaining attempts.
	Permanent bool
	// RetryDelay is the backoff applied before the job becomes eligible again.
	// Ignored when the transition dead-letters the job.
	RetryDelay time.Duration
}

// JobRepository defines the interface for job data operations.
type JobRepository interface {
	Enqueue(ctx context.Context, req *model.EnqueueRequest) (*model.Job, error)
	GetByID(ctx context.Context, id string) (*model.Job, error)
	ReserveNext(ctx context.Context, params ReserveParams) (*model.Job, error)
	WaitForNotification(ctx context.Context, queue model.Queue) error
	Heartbeat(ctx context.Context, jobID string, leaseSeconds int) (bool, error)
	Complete(ctx context.Context, id string) (bool, error)
	// Fail records a failed attempt and commits the retry decision in one
	// update. It returns the resulting state, retrying or dead.
	Fail(ctx context.Context, params FailParams) (model.JobState, error)
	Stats(ctx context.Context, queue model.Queue) (*model.QueueStats, error)
}

// JobRepositoryTx defines optional transactional enqueue support.
type JobRepositoryTx interface {
	EnqueueInTx(ctx context.Context, tx *sql.Tx, req *model.EnqueueRequest) (*model.Job, error)
}

// DeleteOldJobsParams groups parameters for DeleteOldJobs to keep param count ≤3.
type DeleteOldJobsParams struct {
	State     model.JobState
	MaxAge    time.Duration
	BatchSize int
}

// ReaperRepository defines the interface for job cleanup operations.
type ReaperRepository interface {
	// RecoverStalledJobs handles active jobs whose lease has expired.
	// A first stall returns the job to waiting; a second stall dead-letters it.
	// Processes up to batchSize jobs per call to prevent long locks.
	RecoverStalledJobs(ctx context.Context, batchSize int) (int64, error)

	// DeleteOldJobs deletes jobs in the given terminal state older than maxAge.
	// Processes up to batchSize jobs per call to prevent long locks.
	// Returns the number of jobs deleted.
	DeleteOldJobs(ctx context.Context, params DeleteOldJobsParams) (int64, error)

	// TrimJobs deletes the oldest jobs in the given terminal state beyond
	// maxRows per queue, regardless of age. Returns the number deleted.
	TrimJobs(ctx context.Context, params TrimJobsParams) (int64, error)
}

// TrimJobsParams groups parameters for TrimJobs to keep param count ≤3.
type TrimJobsParams struct {
	State model.JobState
	// MaxRows is the row count retained per queue. Zero disables trimming.
	MaxRows   int
	BatchSize int
}

// ProductRepository defines the interface for product catalog data operations.
type ProductRepository interface {
	Create(ctx context.Context, req *model.CreateProductRequest) (*model.Product, error)
	GetByID(ctx context.Context, id string) (*model.Product, error)
	List(ctx context.Context, limit, offset int) ([]*model.Product, error)
	// Search filters products by name substring. Results are never served
	// from the in-process catalog cache.
	Search(ctx context.Context, params SearchProductsParams) ([]*model.Product, error)
	Update(ctx context.Context, id string, req model.UpdateProductRequest) (*model.Product, error)
	Delete(ctx context.Context, id string) (bool, error)
}

// SearchProductsParams groups parameters for ProductRepository.Search.
type SearchProductsParams struct {
	Q      string
	Sort   string
	Dir    string
	Limit  int
	Offset int
}

// LeadRepository defines the interface for lead data operations.
type LeadRepository interface {
	Create(ctx context.Context, req *model.CreateLeadRequest) (*model.Lead, error)
	GetByID(ctx context.Context, id string) (*model.Lead, error)
	List(ctx context.Context, limit, offset int) ([]*model.Lead, error)
}

// ReserveResult describes the outcome of a rate limiter reservation.
type ReserveResult struct {
	// Allowed is true when the send may proceed now.
	Allowed bool
	// RetryAfter is how long to wait before the next attempt when not allowed.
	RetryAfter time.Duration
}

// RateLimiter defines the interface for shared per-channel send budgets.
// Implementations are shared across worker processes; a reservation taken by
// one process counts against every other.
type RateLimiter interface {
	// Reserve attempts to consume one send from the queue's budget.
	Reserve(ctx context.Context, queue model.Queue) (ReserveResult, error)
}
