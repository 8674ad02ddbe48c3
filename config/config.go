package config

import (
	"os"
	"strings"

	"github.com/prospectly/courier/internal/domain/model"
	"github.com/prospectly/courier/internal/domain/retry"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - database.go: Database and cache configuration
//   - http.go: HTTP server configuration
//   - services.go: Service mode and worker configuration
//   - cache.go: Response/credential/local cache configuration
type AppConfig struct {
	// IsDev controls development mode behavior (verbose logging, .env loading).
	// Set DEV=true or NODE_ENV=development for development mode.
	IsDev bool `env:"DEV" envDefault:"false"`

	// Database configuration
	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`
	Cache    CacheConfig

	// Credential cache configuration
	Credentials CredentialConfig

	// Provider delivery configuration
	Providers ProviderConfig

	// HTTP server configuration
	HTTP HTTPConfig

	// Service mode configuration.
	// Valid values: http, dm-worker, email-worker, campaign-worker, reaper
	Services string `env:"SERVICES" envDefault:"http"`

	// Per-queue delivery worker configuration
	DMWorker       WorkerConfig `envPrefix:"DM_WORKER_"`
	EmailWorker    WorkerConfig `envPrefix:"EMAIL_WORKER_"`
	CampaignWorker WorkerConfig `envPrefix:"CAMPAIGN_WORKER_"`

	// Campaign fan-out pacing configuration
	Campaign CampaignConfig

	// Reaper configuration
	Reaper ReaperConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.Cache.Sanitize()
	c.Credentials.Sanitize()
	c.DMWorker.Sanitize()
	c.EmailWorker.Sanitize()
	c.CampaignWorker.Sanitize()
	c.Campaign.Sanitize()
	c.Reaper.Sanitize()
	c.Observability.Sanitize()

	// Check NODE_ENV for dev mode
	c.detectDevMode()
}

// detectDevMode checks both DEV and NODE_ENV environment variables.
// This is called by Sanitize() to ensure IsDev is set correctly.
// NODE_ENV is checked as a fallback (common in frontend tooling).
func (c *AppConfig) detectDevMode() {
	if !c.IsDev {
		nodeEnv := strings.ToLower(os.Getenv("NODE_ENV"))
		c.IsDev = nodeEnv == "development" || nodeEnv == "dev"
	}
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

// IsHTTPServerEnabled returns true if the HTTP server service is enabled.
func (c *AppConfig) IsHTTPServerEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeHTTP]
}

// IsReaperEnabled returns true if the reaper service is enabled.
func (c *AppConfig) IsReaperEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeReaper]
}

// WorkerFor returns the worker configuration for the given queue.
func (c *AppConfig) WorkerFor(queue model.Queue) WorkerConfig {
	switch queue {
	case model.QueueTransactionalEmail:
		return c.EmailWorker
	case model.QueueBulkCampaign:
		return c.CampaignWorker
	default:
		return c.DMWorker
	}
}

// RetryPolicies returns the per-queue backoff policies.
func (c *AppConfig) RetryPolicies() map[model.Queue]retry.Policy {
	return map[model.Queue]retry.Policy{
		model.QueueDirectMessage:      c.DMWorker.RetryPolicy(),
		model.QueueTransactionalEmail: c.EmailWorker.RetryPolicy(),
		model.QueueBulkCampaign:       c.CampaignWorker.RetryPolicy(),
	}
}
