package httpx

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prospectly/courier/internal/service"
)

// RouterServices holds all the services needed by the HTTP router.
type RouterServices struct {
	Dispatcher *service.DispatcherService
	Jobs       *service.JobService
	Catalog    *service.CatalogService
	// Optional: shared response cache. Nil disables response caching.
	ResponseCache *service.ResponseCacheService
	// Cache lifetimes per collection; non-positive values use the cache default.
	ProductCacheTTL time.Duration
	LeadCacheTTL    time.Duration
	Logger          *slog.Logger // Logger for HTTP errors (optional)
}

// NewRouter creates and configures a new HTTP router.
func NewRouter(services RouterServices) http.Handler {
	mux := http.NewServeMux()

	jobHandlers := &JobHandlers{Dispatcher: services.Dispatcher, Jobs: services.Jobs}
	catalogHandlers := &CatalogHandlers{Svc: services.Catalog}

	registerJobRoutes(mux, jobHandlers)
	registerCatalogRoutes(mux, catalogHandlers, services)
	mux.Handle("GET /healthz", http.HandlerFunc(healthHandler))
	mux.Handle("HEAD /healthz", http.HandlerFunc(healthHandler))

	var handler http.Handler = mux
	if services.Logger != nil {
		handler = Logging(services.Logger)(handler)
		handler = Recover(services.Logger)(handler)
	}
	return handler
}

func registerJobRoutes(mux *http.ServeMux, h *JobHandlers) {
	mux.HandleFunc("POST /api/jobs", h.SubmitJob)
	mux.HandleFunc("GET /api/queues/{queue}/jobs/{id}", h.GetJobStatus)
	mux.HandleFunc("GET /api/queues/{queue}/stats", h.GetQueueStats)
}

func registerCatalogRoutes(mux *http.ServeMux, h *CatalogHandlers, services RouterServices) {
	cacheProducts := cacheWith(services, services.ProductCacheTTL, service.CacheTagProducts)
	cacheLeads := cacheWith(services, services.LeadCacheTTL, service.CacheTagLeads)

	mux.Handle("GET /api/products", cacheProducts(http.HandlerFunc(h.ListProducts)))
	mux.Handle("GET /api/products/{id}", cacheProducts(http.HandlerFunc(h.GetProduct)))
	mux.HandleFunc("POST /api/products", h.CreateProduct)
	mux.HandleFunc("PUT /api/products/{id}", h.UpdateProduct)
	mux.HandleFunc("DELETE /api/products/{id}", h.DeleteProduct)

	mux.Handle("GET /api/leads", cacheLeads(http.HandlerFunc(h.ListLeads)))
	mux.HandleFunc("POST /api/leads", h.CreateLead)
}

func cacheWith(services RouterServices, ttl time.Duration, tags ...string) func(http.Handler) http.Handler {
	if services.ResponseCache == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return CacheMiddleware(CacheMiddlewareOptions{
		Cache:  services.ResponseCache,
		TTL:    ttl,
		Tags:   tags,
		Logger: services.Logger,
	})
}
