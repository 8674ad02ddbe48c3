package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/prospectly/courier/config"
	"github.com/prospectly/courier/internal/adapters/provider"
	"github.com/prospectly/courier/internal/adapters/reaper"
	"github.com/prospectly/courier/internal/adapters/worker"
	"github.com/prospectly/courier/internal/core"
	"github.com/prospectly/courier/internal/data"
	"github.com/prospectly/courier/internal/domain/model"
	"github.com/prospectly/courier/internal/domain/retry"
	"github.com/prospectly/courier/internal/observability/statsd"
	"github.com/prospectly/courier/internal/service"
	"github.com/redis/go-redis/v9"
)

// WorkerRunConfig contains configuration for one delivery worker.
type WorkerRunConfig struct {
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
	Queue       model.Queue
	Worker      config.WorkerConfig
	Campaign    config.CampaignConfig
	Providers   config.ProviderConfig

	// Credentials supplies cached provider tokens to the sender. Optional;
	// without it sends go out unauthenticated.
	Credentials   *service.CredentialService
	Metrics       statsd.Sink
	RetryPolicies map[model.Queue]retry.Policy
}

// RunWorker starts the delivery worker for one queue and blocks until the
// context is cancelled.
func RunWorker(ctx context.Context, cfg WorkerRunConfig) error {
	sender, err := provider.NewHTTPSender(provider.HTTPSenderOptions{
		Endpoints:   cfg.Providers.Endpoints,
		Logger:      cfg.Logger,
		Credentials: cfg.Credentials,
		Subject:     cfg.Providers.Subject,
	})
	if err != nil {
		return fmt.Errorf("create %s sender: %w", cfg.Queue, err)
	}

	runner, err := worker.NewRunner(worker.RunnerOptions{
		DB:                     cfg.DB,
		Logger:                 cfg.Logger,
		Queue:                  cfg.Queue,
		Lease:                  cfg.Worker.JobLease,
		Concurrency:            cfg.Worker.Concurrency,
		MaxActive:              cfg.Worker.MaxActive,
		Sender:                 sender,
		RateLimiter:            buildRateLimiter(cfg),
		CampaignSendsPerSecond: cfg.Campaign.SendsPerSecond,
		CampaignBurst:          cfg.Campaign.Burst,
		HeartbeatInterval:      cfg.Campaign.HeartbeatInterval,
		Metrics:                cfg.Metrics,
		RetryPolicies:          cfg.RetryPolicies,
	})
	if err != nil {
		return fmt.Errorf("create %s runner: %w", cfg.Queue, err)
	}

	if runErr := runner.Run(ctx); runErr != nil {
		return fmt.Errorf("run %s runner: %w", cfg.Queue, runErr)
	}
	return nil
}

// buildRateLimiter wires the shared send budget for the worker's queue.
// A zero rate limit disables rate limiting for the queue.
//
//nolint:ireturn // Returning RateLimiter interface is required for runner injection.
func buildRateLimiter(cfg WorkerRunConfig) core.RateLimiter {
	if cfg.RedisClient == nil || cfg.Worker.RateLimit <= 0 {
		return nil
	}
	return data.NewRedisRateLimiter(cfg.RedisClient, map[model.Queue]data.RateLimitRule{
		cfg.Queue: {
			Limit:  cfg.Worker.RateLimit,
			Window: cfg.Worker.RateWindow,
		},
	})
}

// ReaperConfig contains configuration for reaper.
type ReaperConfig struct {
	DB      *sql.DB
	Logger  *slog.Logger
	Config  config.ReaperConfig
	Metrics statsd.Sink
}

// RunReaper starts the reaper service.
func RunReaper(ctx context.Context, cfg ReaperConfig) error {
	runner, err := reaper.NewRunner(reaper.RunnerOptions{
		DB:      cfg.DB,
		Config:  cfg.Config,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create reaper runner: %w", err)
	}

	return runner.Run(ctx)
}
