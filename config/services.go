package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prospectly/courier/internal/domain/model"
	"github.com/prospectly/courier/internal/domain/retry"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeHTTP runs the HTTP server.
	ServiceModeHTTP ServiceMode = "http"
	// ServiceModeDMWorker runs the direct-message delivery worker.
	ServiceModeDMWorker ServiceMode = "dm-worker"
	// ServiceModeEmailWorker runs the transactional-email delivery worker.
	ServiceModeEmailWorker ServiceMode = "email-worker"
	// ServiceModeCampaignWorker runs the bulk-campaign delivery worker.
	ServiceModeCampaignWorker ServiceMode = "campaign-worker"
	// ServiceModeReaper runs the job reaper for cleanup.
	ServiceModeReaper ServiceMode = "reaper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeHTTP,
		ServiceModeDMWorker,
		ServiceModeEmailWorker,
		ServiceModeCampaignWorker,
		ServiceModeReaper,
	}
}

// Queue returns the delivery queue a worker service mode processes, or ""
// for non-worker modes.
func (m ServiceMode) Queue() model.Queue {
	switch m {
	case ServiceModeDMWorker:
		return model.QueueDirectMessage
	case ServiceModeEmailWorker:
		return model.QueueTransactionalEmail
	case ServiceModeCampaignWorker:
		return model.QueueBulkCampaign
	default:
		return ""
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeHTTP,
			ServiceModeDMWorker,
			ServiceModeEmailWorker,
			ServiceModeCampaignWorker,
			ServiceModeReaper:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: http, dm-worker, email-worker, campaign-worker, reaper)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// WorkerConfig contains per-queue delivery worker configuration.
type WorkerConfig struct {
	// Concurrency is the number of worker goroutines.
	Concurrency int `env:"CONCURRENCY" envDefault:"2"`

	// JobLease is the duration a claimed job stays leased between heartbeats.
	JobLease time.Duration `env:"JOB_LEASE" envDefault:"30s"`

	// MaxActive caps the queue's jobs in the active state across all
	// processes. Zero means no cap.
	MaxActive int `env:"MAX_ACTIVE" envDefault:"0"`

	// RateLimit is the number of sends allowed per rate window across all
	// processes. Zero disables rate limiting for the queue.
	RateLimit int `env:"RATE_LIMIT" envDefault:"0"`

	// RateWindow is the length of the shared rate limiting window.
	RateWindow time.Duration `env:"RATE_WINDOW" envDefault:"1m"`

	// Retry policy for failed attempts on this queue.
	RetryMaxAttempts  int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"5"`
	RetryInitialDelay time.Duration `env:"RETRY_INITIAL_DELAY" envDefault:"5s"`
	RetryMaxDelay     time.Duration `env:"RETRY_MAX_DELAY" envDefault:"5m"`
	RetryJitter       bool          `env:"RETRY_JITTER" envDefault:"true"`
}

// Sanitize applies guardrails to worker configuration values.
func (w *WorkerConfig) Sanitize() {
	if w.Concurrency < 1 {
		w.Concurrency = 1
	}
	if w.JobLease < 5*time.Second {
		w.JobLease = 5 * time.Second
	}
	if w.MaxActive < 0 {
		w.MaxActive = 0
	}
	if w.RateLimit < 0 {
		w.RateLimit = 0
	}
	if w.RateWindow <= 0 {
		w.RateWindow = time.Minute
	}
}

// RetryPolicy returns the sanitized backoff policy configured for the queue.
func (w *WorkerConfig) RetryPolicy() retry.Policy {
	policy := retry.Policy{
		MaxAttempts:  w.RetryMaxAttempts,
		InitialDelay: w.RetryInitialDelay,
		MaxDelay:     w.RetryMaxDelay,
		Jitter:       w.RetryJitter,
	}
	policy.Sanitize()
	return policy
}

// CampaignConfig contains bulk-campaign fan-out pacing configuration.
type CampaignConfig struct {
	// SendsPerSecond paces per-recipient sends inside one campaign job.
	SendsPerSecond float64 `env:"CAMPAIGN_SENDS_PER_SECOND" envDefault:"10"`

	// Burst is the pacing limiter's burst size.
	Burst int `env:"CAMPAIGN_BURST" envDefault:"1"`

	// HeartbeatInterval is how often the lease is extended during fan-out.
	// Zero derives a third of the worker lease.
	HeartbeatInterval time.Duration `env:"CAMPAIGN_HEARTBEAT_INTERVAL" envDefault:"0"`
}

// Sanitize applies guardrails to campaign configuration values.
func (c *CampaignConfig) Sanitize() {
	if c.SendsPerSecond <= 0 {
		c.SendsPerSecond = 10
	}
	if c.Burst < 1 {
		c.Burst = 1
	}
	if c.HeartbeatInterval < 0 {
		c.HeartbeatInterval = 0
	}
}

// ReaperConfig contains job reaper service configuration.
type ReaperConfig struct {
	// Interval is the reaper tick interval.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"5m"`

	// CompletedMaxAge is the maximum age for completed jobs before deletion.
	CompletedMaxAge time.Duration `env:"REAPER_COMPLETED_MAX_AGE" envDefault:"24h"`

	// DeadMaxAge is the maximum age for dead jobs before deletion.
	// Dead jobs are kept longer than completed ones for postmortems.
	DeadMaxAge time.Duration `env:"REAPER_DEAD_MAX_AGE" envDefault:"168h"` // 7 days

	// MaxCompletedRows caps completed rows kept per queue regardless of age.
	// Zero disables the count bound.
	MaxCompletedRows int `env:"REAPER_MAX_COMPLETED_ROWS" envDefault:"100000"`

	// MaxDeadRows caps dead rows kept per queue regardless of age.
	// Zero disables the count bound.
	MaxDeadRows int `env:"REAPER_MAX_DEAD_ROWS" envDefault:"10000"`

	// BatchSize is the maximum number of rows to process per operation.
	// Batching prevents long locks and I/O spikes on large tables.
	BatchSize int `env:"REAPER_BATCH_SIZE" envDefault:"1000"`
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	// Enforce minimum intervals to prevent excessive database load
	if r.Interval < 1*time.Minute {
		r.Interval = 1 * time.Minute
	}
	if r.CompletedMaxAge < 1*time.Hour {
		r.CompletedMaxAge = 1 * time.Hour
	}
	if r.DeadMaxAge < 1*time.Hour {
		r.DeadMaxAge = 1 * time.Hour
	}
	if r.MaxCompletedRows < 0 {
		r.MaxCompletedRows = 0
	}
	if r.MaxDeadRows < 0 {
		r.MaxDeadRows = 0
	}

	// Enforce batch size bounds to prevent excessive locks or inefficiency
	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 10000 {
		r.BatchSize = 10000
	}
}
