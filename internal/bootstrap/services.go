package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prospectly/courier/config"
	"github.com/prospectly/courier/internal/data"
	"github.com/prospectly/courier/internal/domain/localcache"
	"github.com/prospectly/courier/internal/observability/statsd"
	"github.com/prospectly/courier/internal/service"
	"github.com/redis/go-redis/v9"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Jobs          *service.JobService
	Dispatcher    *service.DispatcherService
	Catalog       *service.CatalogService
	ResponseCache *service.ResponseCacheService
	Credentials   *service.CredentialService
	Observability ObservabilityContainer
}

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	MetricsSink   *statsd.Client
	MetricsConfig config.ObservabilityMetricsConfig
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// serviceRepositories groups data adapters backing service ports.
type serviceRepositories struct {
	DB          *sql.DB
	Redis       redis.UniversalClient
	JobRepo     *data.JobRepo
	ProductRepo *data.ProductRepo
	LeadRepo    *data.LeadRepo
	CacheRepo   *data.RedisCacheRepo
	TagIndex    *data.RedisTagIndex
}

// buildObservability configures the metrics sink.
func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	obsLogger := logger
	if obsLogger == nil {
		obsLogger = slog.Default()
	}

	var metricsSink *statsd.Client
	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled:    true,
			Address:    cfg.Metrics.StatsdAddress,
			Prefix:     "courier",
			SampleRate: cfg.Metrics.SampleRate,
			Logger:     obsLogger,
		})
		if err != nil {
			obsLogger.Error("failed to initialise statsd client", "error", err)
		} else {
			metricsSink = client
		}
	}

	return ObservabilityContainer{
		MetricsSink:   metricsSink,
		MetricsConfig: cfg.Metrics,
	}
}

// buildRepositories builds repositories backing service ports; no business rules here.
func buildRepositories(db *sql.DB, redis redis.UniversalClient, logger *slog.Logger) *serviceRepositories {
	repos := &serviceRepositories{
		DB:          db,
		Redis:       redis,
		JobRepo:     data.NewJobRepo(db, data.RepoConfig{Logger: logger}),
		ProductRepo: data.NewProductRepo(db),
		LeadRepo:    data.NewLeadRepo(db),
	}
	if redis != nil {
		repos.CacheRepo = data.NewRedisCacheRepo(redis)
		repos.TagIndex = data.NewRedisTagIndex(redis)
	}
	return repos
}

func newJobService(repos *serviceRepositories, cfg *config.AppConfig, logger *slog.Logger) *service.JobService {
	return service.MustNewJobService(service.JobServiceOptions{
		Repo:          repos.JobRepo,
		DefaultLease:  30 * time.Second,
		Logger:        logger,
		RetryPolicies: cfg.RetryPolicies(),
	})
}

// newResponseCacheService wires the shared response cache. Returns nil when
// Redis is unavailable; callers treat a nil cache as caching disabled.
func newResponseCacheService(
	repos *serviceRepositories,
	observability ObservabilityContainer,
	cfg config.CacheConfig,
	logger *slog.Logger,
) (*service.ResponseCacheService, error) {
	if repos.CacheRepo == nil || repos.TagIndex == nil {
		return nil, nil
	}
	return service.NewResponseCacheService(service.ResponseCacheServiceOptions{
		Cache:   repos.CacheRepo,
		Tags:    repos.TagIndex,
		TTL:     cfg.ResponseTTL,
		Logger:  logger,
		Metrics: observability.MetricsSink,
	})
}

// newCredentialService wires the encrypted provider credential cache.
// Returns nil when Redis is unavailable.
func newCredentialService(
	repos *serviceRepositories,
	cfg config.CredentialConfig,
	logger *slog.Logger,
) (*service.CredentialService, error) {
	if repos.CacheRepo == nil {
		return nil, nil
	}
	return service.NewCredentialService(service.CredentialServiceOptions{
		Cache:     repos.CacheRepo,
		Encryptor: CreateEncryptor(cfg.EncryptionKey, logger),
		TTL:       cfg.TTL,
		TTLBuffer: cfg.TTLBuffer,
		Logger:    logger,
	})
}

func newCatalogService(
	repos *serviceRepositories,
	responseCache *service.ResponseCacheService,
	cfg config.CacheConfig,
	logger *slog.Logger,
) (*service.CatalogService, error) {
	local := localcache.New(localcache.Options{
		TTL:        cfg.LocalTTL,
		MaxEntries: cfg.LocalMaxEntries,
	})
	return service.NewCatalogService(service.CatalogServiceOptions{
		Products:      repos.ProductRepo,
		Leads:         repos.LeadRepo,
		Local:         local,
		ResponseCache: responseCache,
		Logger:        logger,
	})
}

type DomainServicesOptions struct {
	Repos         *serviceRepositories
	Observability ObservabilityContainer
	Config        *config.AppConfig
	Logger        *slog.Logger
}

// buildDomainServices wires business services using repositories and observability adapters.
func buildDomainServices(opts *DomainServicesOptions) (ServiceContainer, error) {
	if opts == nil {
		return ServiceContainer{}, errors.New("domain service options are required")
	}
	svcLogger := opts.Logger
	if svcLogger == nil {
		svcLogger = slog.Default()
	}

	appCfg := opts.Config
	if appCfg == nil {
		appCfg = &config.AppConfig{}
	}

	jobService := newJobService(opts.Repos, appCfg, svcLogger)

	dispatcher, err := service.NewDispatcherService(service.DispatcherServiceOptions{
		Jobs:    jobService,
		Logger:  svcLogger,
		Metrics: opts.Observability.MetricsSink,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build dispatcher service: %w", err)
	}

	responseCache, err := newResponseCacheService(opts.Repos, opts.Observability, appCfg.Cache, svcLogger)
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build response cache service: %w", err)
	}

	credentials, err := newCredentialService(opts.Repos, appCfg.Credentials, svcLogger)
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build credential service: %w", err)
	}

	catalog, err := newCatalogService(opts.Repos, responseCache, appCfg.Cache, svcLogger)
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build catalog service: %w", err)
	}

	return ServiceContainer{
		Jobs:          jobService,
		Dispatcher:    dispatcher,
		Catalog:       catalog,
		ResponseCache: responseCache,
		Credentials:   credentials,
		Observability: opts.Observability,
	}, nil
}

func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil {
		return ServiceContainer{}, errors.New("service deps are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var obsCfg config.ObservabilityConfig
	if deps.Config != nil {
		obsCfg = deps.Config.Observability
	}
	observability := buildObservability(logger, obsCfg)
	repos := buildRepositories(deps.DB, deps.RedisClient, logger)
	return buildDomainServices(&DomainServicesOptions{
		Repos:         repos,
		Observability: observability,
		Config:        deps.Config,
		Logger:        logger,
	})
}

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config      *config.AppConfig
	Services    ServiceContainer
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

const (
	// shutdownWaitTimeout is the maximum time to wait for services to stop gracefully.
	shutdownWaitTimeout = 15 * time.Second
)

// serviceStartupDeps groups dependencies for service startup.
type serviceStartupDeps struct {
	ctx             context.Context
	cfg             *ServiceOrchestrationConfig
	logger          *slog.Logger
	enabledServices map[config.ServiceMode]bool
	errCh           chan error
}

// backgroundService describes a startable background component.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
}

// backgroundServiceHandle tracks a running background service.
type backgroundServiceHandle struct {
	mode config.ServiceMode
	name string
	done <-chan struct{}
}

// startHTTPServerIfEnabled starts the HTTP server if enabled.
func startHTTPServerIfEnabled(deps *serviceStartupDeps) *http.Server {
	if deps == nil || deps.cfg == nil || !deps.enabledServices[config.ServiceModeHTTP] {
		return nil
	}
	return StartHTTPServer(&HTTPServerConfig{
		Config:   deps.cfg.Config,
		Services: deps.cfg.Services,
		Logger:   deps.logger,
	})
}

func launchBackground(ctx context.Context, deps *serviceStartupDeps, descriptor backgroundService) <-chan struct{} {
	if deps == nil || !deps.enabledServices[descriptor.mode] {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := descriptor.start(ctx); err != nil {
			errMsg := fmt.Errorf("%s failed: %w", descriptor.name, err)
			select {
			case deps.errCh <- errMsg:
			case <-ctx.Done():
			default:
				if deps.logger != nil {
					deps.logger.WarnContext(
						ctx,
						"dropping background service error",
						"service",
						descriptor.name,
						"error",
						errMsg,
					)
				} else {
					slog.Default().WarnContext(ctx, "dropping background service error", "service", descriptor.name, "error", errMsg)
				}
			}
		}
	}()

	if deps.logger != nil {
		deps.logger.InfoContext(ctx, "background service started", "service", descriptor.name, "mode", descriptor.mode)
	} else {
		slog.Default().InfoContext(ctx, "background service started", "service", descriptor.name, "mode", descriptor.mode)
	}

	return done
}

func startBackgroundServices(deps *serviceStartupDeps, services []backgroundService) []backgroundServiceHandle {
	if deps == nil {
		return nil
	}
	handles := make([]backgroundServiceHandle, 0, len(services))

	for _, svc := range services {
		done := launchBackground(deps.ctx, deps, svc)
		if done == nil {
			continue
		}

		handles = append(handles, backgroundServiceHandle{
			mode: svc.mode,
			name: svc.name,
			done: done,
		})
	}

	return handles
}

func newWorkerBackgroundService(deps *serviceStartupDeps, mode config.ServiceMode, name string) backgroundService {
	return backgroundService{
		mode: mode,
		name: name,
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil || deps.cfg.Config == nil {
				return nil
			}
			appCfg := deps.cfg.Config
			queue := mode.Queue()
			return RunWorker(ctx, WorkerRunConfig{
				DB:            deps.cfg.DB,
				RedisClient:   deps.cfg.RedisClient,
				Logger:        deps.logger,
				Queue:         queue,
				Worker:        appCfg.WorkerFor(queue),
				Campaign:      appCfg.Campaign,
				Providers:     appCfg.Providers,
				Credentials:   deps.cfg.Services.Credentials,
				Metrics:       deps.cfg.Services.Observability.MetricsSink,
				RetryPolicies: appCfg.RetryPolicies(),
			})
		},
	}
}

func newReaperBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeReaper,
		name: "reaper",
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil {
				return nil
			}
			var reaperCfg config.ReaperConfig
			if deps.cfg.Config != nil {
				reaperCfg = deps.cfg.Config.Reaper
			}
			return RunReaper(ctx, ReaperConfig{
				DB:      deps.cfg.DB,
				Logger:  deps.logger,
				Config:  reaperCfg,
				Metrics: deps.cfg.Services.Observability.MetricsSink,
			})
		},
	}
}

func buildBackgroundServices(deps *serviceStartupDeps) []backgroundService {
	if deps == nil {
		return nil
	}
	return []backgroundService{
		newWorkerBackgroundService(deps, config.ServiceModeDMWorker, "direct-message worker"),
		newWorkerBackgroundService(deps, config.ServiceModeEmailWorker, "email worker"),
		newWorkerBackgroundService(deps, config.ServiceModeCampaignWorker, "campaign worker"),
		newReaperBackgroundService(deps),
	}
}

// ServiceStartupResult holds the results of starting all services.
type ServiceStartupResult struct {
	HTTPServer *http.Server
	Background []backgroundServiceHandle
}

// startServices starts all enabled services and returns their completion channels.
func startServices(deps *serviceStartupDeps) ServiceStartupResult {
	return ServiceStartupResult{
		HTTPServer: startHTTPServerIfEnabled(deps),
		Background: startBackgroundServices(deps, buildBackgroundServices(deps)),
	}
}

// RunServicesWithShutdown starts all enabled services and manages their lifecycle.
// This function blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	ctx := context.Background()
	serviceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}

	// Determine which services are enabled
	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}
	errCh := make(chan error, errorChannelBufferSize(enabledServices))

	// Start all enabled services
	result := startServices(&serviceStartupDeps{
		ctx:             serviceCtx,
		cfg:             cfg,
		logger:          logger,
		enabledServices: enabledServices,
		errCh:           errCh,
	})

	// Wait for shutdown signal or error
	return waitForShutdown(shutdownConfig{
		ctx:         serviceCtx,
		cancel:      cancel,
		errCh:       errCh,
		httpServer:  result.HTTPServer,
		jobService:  cfg.Services.Jobs,
		logger:      logger,
		backgrounds: result.Background,
	})
}

func errorChannelCapacity(enabled map[config.ServiceMode]bool) int {
	modes := []config.ServiceMode{
		config.ServiceModeHTTP,
		config.ServiceModeDMWorker,
		config.ServiceModeEmailWorker,
		config.ServiceModeCampaignWorker,
		config.ServiceModeReaper,
	}

	count := 0
	for _, mode := range modes {
		if enabled[mode] {
			count++
		}
	}
	return count
}

func errorChannelBufferSize(enabled map[config.ServiceMode]bool) int {
	size := errorChannelCapacity(enabled) + 1
	if size < 1 {
		return 1
	}
	return size
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	ctx         context.Context
	cancel      context.CancelFunc
	errCh       <-chan error
	httpServer  *http.Server
	jobService  *service.JobService
	logger      *slog.Logger
	backgrounds []backgroundServiceHandle
}

// waitForShutdown waits for shutdown signal or service error.
func waitForShutdown(cfg shutdownConfig) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		cfg.logger.Info("shutting down services...")
		cfg.cancel() // Cancel service context before waiting
		return gracefulStop(cfg)
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		cfg.cancel() // Cancel service context before waiting
		if stopErr := gracefulStop(cfg); stopErr != nil {
			cfg.logger.Error("graceful stop failed", "error", stopErr)
		}
		return err
	}
}

// gracefulStop attempts to gracefully stop all services.
func gracefulStop(cfg shutdownConfig) error {
	// Gracefully stop HTTP server if running
	if cfg.httpServer != nil {
		// Create a timeout context for HTTP shutdown
		shutdownCtx, cancel := context.WithTimeout(cfg.ctx, shutdownWaitTimeout)
		defer cancel()

		if err := ShutdownHTTPServer(ShutdownConfig{
			Context:    shutdownCtx,
			Server:     cfg.httpServer,
			JobService: cfg.jobService,
			Logger:     cfg.logger,
		}); err != nil {
			return err
		}
	}

	// Wait for background services to finish
	for _, svc := range cfg.backgrounds {
		waitForService(svc.done, svc.name, cfg.logger)
	}

	return nil
}

// waitForService waits for a service to finish with timeout.
func waitForService(done <-chan struct{}, name string, logger *slog.Logger) {
	if done == nil {
		return
	}
	select {
	case <-done:
		logger.Info(name + " stopped")
	case <-time.After(shutdownWaitTimeout):
		logger.Warn("timeout waiting for " + name + " to stop")
	}
}
