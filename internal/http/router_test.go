package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prospectly/courier/internal/core"
	"github.com/prospectly/courier/internal/data"
	"github.com/prospectly/courier/internal/domain/model"
	"github.com/prospectly/courier/internal/service"
)

const (
	testJobID     = "0d9430dd-9d5c-4f51-8f30-2f2b4a2f1001"
	testProductID = "4f3e9d2a-1b6c-4c8d-9e0f-5a7b8c9d2002"
)

// routerJobRepo is a scriptable core.JobRepository for handler tests.
type routerJobRepo struct {
	enqueueErr error
	jobs       map[string]*model.Job
}

func (f *routerJobRepo) Enqueue(_ context.Context, req *model.EnqueueRequest) (*model.Job, error) {
	if f.enqueueErr != nil {
		return nil, f.enqueueErr
	}
	return &model.Job{ID: testJobID, Queue: req.Queue, State: model.JobStateWaiting}, nil
}

func (f *routerJobRepo) GetByID(_ context.Context, id string) (*model.Job, error) {
	job, ok := f.jobs[id]
	if !ok {
		return nil, data.ErrJobNotFound
	}
	return job, nil
}

func (f *routerJobRepo) ReserveNext(_ context.Context, _ core.ReserveParams) (*model.Job, error) {
	return nil, model.ErrNoJobsAvailable
}

func (f *routerJobRepo) WaitForNotification(ctx context.Context, _ model.Queue) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *routerJobRepo) Heartbeat(_ context.Context, _ string, _ int) (bool, error) {
	return false, nil
}

func (f *routerJobRepo) Complete(_ context.Context, _ string) (bool, error) {
	return false, nil
}

func (f *routerJobRepo) Fail(_ context.Context, _ core.FailParams) (model.JobState, error) {
	return model.JobStateRetrying, nil
}

func (f *routerJobRepo) Stats(_ context.Context, _ model.Queue) (*model.QueueStats, error) {
	return &model.QueueStats{Waiting: 3, Active: 1, Dead: 2}, nil
}

var _ core.JobRepository = (*routerJobRepo)(nil)

// routerProductRepo stores products in memory, validating like the real repo.
type routerProductRepo struct {
	mu        sync.Mutex
	products  map[string]*model.Product
	listCalls int
}

func newRouterProductRepo() *routerProductRepo {
	return &routerProductRepo{products: make(map[string]*model.Product)}
}

func (f *routerProductRepo) Create(_ context.Context, req *model.CreateProductRequest) (*model.Product, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.products {
		if p.Name == req.Name {
			return nil, data.ErrProductNameExists
		}
	}
	product := &model.Product{
		ID:         testProductID,
		Name:       req.Name,
		PriceCents: req.PriceCents,
	}
	f.products[product.ID] = product
	return product, nil
}

func (f *routerProductRepo) GetByID(_ context.Context, id string) (*model.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	product, ok := f.products[id]
	if !ok {
		return nil, data.ErrProductNotFound
	}
	return product, nil
}

func (f *routerProductRepo) List(_ context.Context, _, _ int) ([]*model.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	out := make([]*model.Product, 0, len(f.products))
	for _, p := range f.products {
		out = append(out, p)
	}
	return out, nil
}

func (f *routerProductRepo) Search(_ context.Context, _ core.SearchProductsParams) ([]*model.Product, error) {
	return nil, nil
}

func (f *routerProductRepo) Update(
	_ context.Context,
	id string,
	req model.UpdateProductRequest,
) (*model.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	product, ok := f.products[id]
	if !ok {
		return nil, data.ErrProductNotFound
	}
	if req.Name != nil {
		product.Name = *req.Name
	}
	if req.PriceCents != nil {
		product.PriceCents = *req.PriceCents
	}
	return product, nil
}

func (f *routerProductRepo) Delete(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.products[id]
	delete(f.products, id)
	return ok, nil
}

var _ core.ProductRepository = (*routerProductRepo)(nil)

type routerLeadRepo struct {
	mu    sync.Mutex
	leads map[string]*model.Lead
}

func newRouterLeadRepo() *routerLeadRepo {
	return &routerLeadRepo{leads: make(map[string]*model.Lead)}
}

func (f *routerLeadRepo) Create(_ context.Context, req *model.CreateLeadRequest) (*model.Lead, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.leads {
		if l.Email == req.Email {
			return nil, data.ErrLeadEmailExists
		}
	}
	lead := &model.Lead{ID: testJobID, Name: req.Name, Email: req.Email, Source: req.Source}
	f.leads[lead.ID] = lead
	return lead, nil
}

func (f *routerLeadRepo) GetByID(_ context.Context, id string) (*model.Lead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lead, ok := f.leads[id]
	if !ok {
		return nil, data.ErrLeadNotFound
	}
	return lead, nil
}

func (f *routerLeadRepo) List(_ context.Context, _, _ int) ([]*model.Lead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*model.Lead, 0, len(f.leads))
	for _, l := range f.leads {
		out = append(out, l)
	}
	return out, nil
}

var _ core.LeadRepository = (*routerLeadRepo)(nil)

// routerMemCache is an in-memory CacheRepository backing the response cache.
type routerMemCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func newRouterMemCache() *routerMemCache {
	return &routerMemCache{entries: make(map[string][]byte)}
}

func (c *routerMemCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = append([]byte(nil), value...)
	return nil
}

func (c *routerMemCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.entries[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), value...), nil
}

func (c *routerMemCache) Delete(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	return ok, nil
}

func (c *routerMemCache) Exists(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok, nil
}

func (c *routerMemCache) SetTTL(_ context.Context, key string, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok, nil
}

func (c *routerMemCache) SetIfNotExists(
	ctx context.Context,
	key string,
	value []byte,
	ttl time.Duration,
) (bool, error) {
	if ok, _ := c.Exists(ctx, key); ok {
		return false, nil
	}
	return true, c.Set(ctx, key, value, ttl)
}

func (c *routerMemCache) Health(context.Context) error { return nil }

var _ core.CacheRepository = (*routerMemCache)(nil)

type routerTagIndex struct {
	cache *routerMemCache

	mu   sync.Mutex
	tags map[string][]string
}

func newRouterTagIndex(cache *routerMemCache) *routerTagIndex {
	return &routerTagIndex{cache: cache, tags: make(map[string][]string)}
}

func (i *routerTagIndex) Tag(_ context.Context, entryKey string, tags []string, _ time.Duration) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, tag := range tags {
		i.tags[tag] = append(i.tags[tag], entryKey)
	}
	return nil
}

func (i *routerTagIndex) InvalidateTag(ctx context.Context, tag string) (int64, error) {
	i.mu.Lock()
	keys := i.tags[tag]
	delete(i.tags, tag)
	i.mu.Unlock()

	var removed int64
	for _, key := range keys {
		ok, err := i.cache.Delete(ctx, key)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

var _ core.CacheTagIndex = (*routerTagIndex)(nil)

type routerFixture struct {
	handler  http.Handler
	jobRepo  *routerJobRepo
	products *routerProductRepo
	leads    *routerLeadRepo
}

func newRouterFixture(t *testing.T, withCache bool) *routerFixture {
	t.Helper()

	jobRepo := &routerJobRepo{jobs: make(map[string]*model.Job)}
	products := newRouterProductRepo()
	leads := newRouterLeadRepo()

	jobs := service.MustNewJobService(service.JobServiceOptions{
		Repo:         jobRepo,
		DefaultLease: 30 * time.Second,
	})
	t.Cleanup(jobs.StopAllListeners)

	dispatcher, err := service.NewDispatcherService(service.DispatcherServiceOptions{Jobs: jobs})
	require.NoError(t, err)

	var responseCache *service.ResponseCacheService
	if withCache {
		cache := newRouterMemCache()
		responseCache, err = service.NewResponseCacheService(service.ResponseCacheServiceOptions{
			Cache: cache,
			Tags:  newRouterTagIndex(cache),
		})
		require.NoError(t, err)
	}

	catalog, err := service.NewCatalogService(service.CatalogServiceOptions{
		Products:      products,
		Leads:         leads,
		ResponseCache: responseCache,
	})
	require.NoError(t, err)

	handler := NewRouter(RouterServices{
		Dispatcher:    dispatcher,
		Jobs:          jobs,
		Catalog:       catalog,
		ResponseCache: responseCache,
	})
	return &routerFixture{handler: handler, jobRepo: jobRepo, products: products, leads: leads}
}

func (f *routerFixture) do(t *testing.T, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestSubmitJobAccepted(t *testing.T) {
	f := newRouterFixture(t, false)

	rec := f.do(t, http.MethodPost, "/api/jobs", model.EnqueueRequest{
		Queue:   model.QueueDirectMessage,
		Payload: json.RawMessage(`{"provider":"linkedin","lead_id":"l1","body":"hi"}`),
	}, nil)

	assert.Equal(t, http.StatusAccepted, rec.Code)

	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, testJobID, out["job_id"])
}

func TestSubmitJobRejectsInvalidRequest(t *testing.T) {
	f := newRouterFixture(t, false)

	tests := []struct {
		name string
		body any
	}{
		{"unknown queue", model.EnqueueRequest{
			Queue:   "push",
			Payload: json.RawMessage(`{"provider":"x"}`),
		}},
		{"payload missing fields", model.EnqueueRequest{
			Queue:   model.QueueTransactionalEmail,
			Payload: json.RawMessage(`{"provider":"sendgrid","to":"a@example.com"}`),
		}},
		{"unknown body fields", map[string]any{
			"queue":   "direct-message",
			"payload": map[string]string{"provider": "linkedin", "lead_id": "l1", "body": "hi"},
			"extra":   true,
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/jobs", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestSubmitJobQueueUnavailable(t *testing.T) {
	f := newRouterFixture(t, false)
	f.jobRepo.enqueueErr = &pgconn.PgError{Code: "57P03"}

	rec := f.do(t, http.MethodPost, "/api/jobs", model.EnqueueRequest{
		Queue:   model.QueueDirectMessage,
		Payload: json.RawMessage(`{"provider":"linkedin","lead_id":"l1","body":"hi"}`),
	}, nil)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "queue_unavailable")
}

func TestSubmitJobInternalErrorIsNotBadRequest(t *testing.T) {
	f := newRouterFixture(t, false)
	f.jobRepo.enqueueErr = &pgconn.PgError{Code: "42P01", Message: "relation does not exist"}

	rec := f.do(t, http.MethodPost, "/api/jobs", model.EnqueueRequest{
		Queue:   model.QueueDirectMessage,
		Payload: json.RawMessage(`{"provider":"linkedin","lead_id":"l1","body":"hi"}`),
	}, nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "submit_failed")
	assert.NotContains(t, rec.Body.String(), "relation", "internal detail must not leak to clients")
}

func TestGetJobStatus(t *testing.T) {
	f := newRouterFixture(t, false)
	f.jobRepo.jobs[testJobID] = &model.Job{
		ID:       testJobID,
		Queue:    model.QueueDirectMessage,
		State:    model.JobStateRetrying,
		Attempts: 2,
	}

	t.Run("found", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/queues/direct-message/jobs/"+testJobID, nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var status model.JobStatusResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
		assert.Equal(t, model.JobStateRetrying, status.State)
		assert.Equal(t, 2, status.Attempts)
	})

	t.Run("wrong queue is a miss", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/queues/transactional-email/jobs/"+testJobID, nil, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("unknown queue segment", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/queues/push/jobs/"+testJobID, nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("non-uuid id", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/queues/direct-message/jobs/nope", nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown id", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/queues/direct-message/jobs/"+testProductID, nil, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestGetQueueStats(t *testing.T) {
	f := newRouterFixture(t, false)

	rec := f.do(t, http.MethodGet, "/api/queues/bulk-campaign/stats", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats model.QueueStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 3, stats.Waiting)
	assert.Equal(t, 2, stats.Dead)
}

func TestProductEndpoints(t *testing.T) {
	f := newRouterFixture(t, false)

	t.Run("create", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/products",
			model.CreateProductRequest{Name: "CRM Starter", PriceCents: 2900}, nil)
		require.Equal(t, http.StatusCreated, rec.Code)
	})

	t.Run("duplicate name conflicts", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/products",
			model.CreateProductRequest{Name: "CRM Starter", PriceCents: 2900}, nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Contains(t, rec.Body.String(), "product_exists")
	})

	t.Run("missing name is a bad request", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/products",
			model.CreateProductRequest{PriceCents: 100}, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("get", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/products/"+testProductID, nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var product model.Product
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &product))
		assert.Equal(t, "CRM Starter", product.Name)
	})

	t.Run("get with non-uuid id", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/products/nope", nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("update", func(t *testing.T) {
		price := int64(3900)
		rec := f.do(t, http.MethodPut, "/api/products/"+testProductID,
			model.UpdateProductRequest{PriceCents: &price}, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var product model.Product
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &product))
		assert.Equal(t, price, product.PriceCents)
	})

	t.Run("list", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/products", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "CRM Starter")
	})

	t.Run("delete", func(t *testing.T) {
		rec := f.do(t, http.MethodDelete, "/api/products/"+testProductID, nil, nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("delete again is not found", func(t *testing.T) {
		rec := f.do(t, http.MethodDelete, "/api/products/"+testProductID, nil, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("get after delete is not found", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/products/"+testProductID, nil, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestLeadEndpoints(t *testing.T) {
	f := newRouterFixture(t, false)

	t.Run("create", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/leads",
			model.CreateLeadRequest{Name: "Ada", Email: "ada@example.com", Source: "webinar"}, nil)
		require.Equal(t, http.StatusCreated, rec.Code)
	})

	t.Run("duplicate email conflicts", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/leads",
			model.CreateLeadRequest{Name: "Ada Again", Email: "ada@example.com"}, nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Contains(t, rec.Body.String(), "lead_exists")
	})

	t.Run("invalid email is a bad request", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/leads",
			model.CreateLeadRequest{Name: "Bram", Email: "not-an-email"}, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("list", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/leads", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "ada@example.com")
	})
}

func TestProductListCachedAcrossRequests(t *testing.T) {
	f := newRouterFixture(t, true)

	rec := f.do(t, http.MethodPost, "/api/products",
		model.CreateProductRequest{Name: "CRM Team", PriceCents: 9900}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	first := f.do(t, http.MethodGet, "/api/products", nil, nil)
	require.Equal(t, http.StatusOK, first.Code)
	assert.Empty(t, first.Header().Get("X-Cache"))

	second := f.do(t, http.MethodGet, "/api/products", nil, nil)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "HIT", second.Header().Get("X-Cache"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())
}

func TestProductListCacheRevalidation(t *testing.T) {
	f := newRouterFixture(t, true)

	warm := f.do(t, http.MethodGet, "/api/products", nil, nil)
	require.Equal(t, http.StatusOK, warm.Code)

	hit := f.do(t, http.MethodGet, "/api/products", nil, nil)
	require.Equal(t, http.StatusOK, hit.Code)
	etag := hit.Header().Get("ETag")
	require.NotEmpty(t, etag)

	rec := f.do(t, http.MethodGet, "/api/products", nil, http.Header{"If-None-Match": {etag}})
	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
}

func TestProductWriteInvalidatesResponseCache(t *testing.T) {
	f := newRouterFixture(t, true)

	// Warm and confirm the hit.
	f.do(t, http.MethodGet, "/api/products", nil, nil)
	hit := f.do(t, http.MethodGet, "/api/products", nil, nil)
	require.Equal(t, "HIT", hit.Header().Get("X-Cache"))

	rec := f.do(t, http.MethodPost, "/api/products",
		model.CreateProductRequest{Name: "CRM Enterprise", PriceCents: 49900}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	after := f.do(t, http.MethodGet, "/api/products", nil, nil)
	require.Equal(t, http.StatusOK, after.Code)
	assert.Empty(t, after.Header().Get("X-Cache"), "write must invalidate the products tag")
	assert.Contains(t, after.Body.String(), "CRM Enterprise")
}

func TestResponseCacheScopedPerUser(t *testing.T) {
	f := newRouterFixture(t, true)

	f.do(t, http.MethodGet, "/api/products", nil, http.Header{"X-User-ID": {"u1"}})
	other := f.do(t, http.MethodGet, "/api/products", nil, http.Header{"X-User-ID": {"u2"}})
	assert.Empty(t, other.Header().Get("X-Cache"), "users never share cache entries")

	same := f.do(t, http.MethodGet, "/api/products", nil, http.Header{"X-User-ID": {"u1"}})
	assert.Equal(t, "HIT", same.Header().Get("X-Cache"))
}

func TestResponseCacheSkipsNon200(t *testing.T) {
	f := newRouterFixture(t, true)

	for range 2 {
		rec := f.do(t, http.MethodGet, "/api/products/"+testProductID, nil, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Empty(t, rec.Header().Get("X-Cache"), "error responses are never cached")
	}
}
