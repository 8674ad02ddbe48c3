package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/prospectly/courier/internal/core"
	"github.com/prospectly/courier/internal/domain/localcache"
	"github.com/prospectly/courier/internal/domain/model"
)

// Response-cache tags carried by catalog read endpoints. Writes invalidate
// exactly the tag for the collection they touch.
const (
	CacheTagProducts = "products"
	CacheTagLeads    = "leads"
)

// CatalogServiceOptions groups dependencies for CatalogService.
type CatalogServiceOptions struct {
	Products      core.ProductRepository // Required: product repository
	Leads         core.LeadRepository    // Required: lead repository
	Local         *localcache.Cache      // Optional: in-process read cache
	ResponseCache *ResponseCacheService  // Optional: shared response cache for tag invalidation
	Logger        *slog.Logger           // Optional: structured logger
}

// CatalogService provides the catalog read and write paths. Reads go through
// a small in-process cache; writes invalidate both the local cache and the
// shared response cache tag for the touched collection.
type CatalogService struct {
	products      core.ProductRepository
	leads         core.LeadRepository
	local         *localcache.Cache
	responseCache *ResponseCacheService
	logger        *slog.Logger
}

// NewCatalogService constructs a new CatalogService.
func NewCatalogService(opts CatalogServiceOptions) (*CatalogService, error) {
	if opts.Products == nil {
		return nil, errors.New("ProductRepository is required")
	}
	if opts.Leads == nil {
		return nil, errors.New("LeadRepository is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "catalog_service")
	}

	return &CatalogService{
		products:      opts.Products,
		leads:         opts.Leads,
		local:         opts.Local,
		responseCache: opts.ResponseCache,
		logger:        logger,
	}, nil
}

// ListProductsParams groups parameters for ListProducts to keep param count ≤3.
type ListProductsParams struct {
	// User scopes the in-process cache entry. Empty means anonymous.
	User string
	// Q filters by name substring. Non-empty queries bypass the local cache.
	Q      string
	Sort   string
	Dir    string
	Limit  int
	Offset int
}

// ListProducts returns a page of products. Unfiltered listings are served
// from the per-user in-process cache when fresh; search queries always hit
// the database.
func (s *CatalogService) ListProducts(ctx context.Context, params ListProductsParams) ([]*model.Product, error) {
	p := normalizePagination(params.Limit, params.Offset)

	if params.Q != "" {
		products, err := s.products.Search(ctx, core.SearchProductsParams{
			Q:      params.Q,
			Sort:   params.Sort,
			Dir:    params.Dir,
			Limit:  p.Limit,
			Offset: p.Offset,
		})
		if err != nil {
			return nil, fmt.Errorf("search products: %w", err)
		}
		return products, nil
	}

	key := productListCacheKey(params.User, p)
	if s.local != nil {
		if cached, ok := s.local.Get(key); ok {
			if products, ok := cached.([]*model.Product); ok {
				return products, nil
			}
		}
	}

	products, err := s.products.List(ctx, p.Limit, p.Offset)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}

	if s.local != nil {
		s.local.Set(key, products)
	}
	return products, nil
}

func productListCacheKey(user string, p paginationParams) string {
	if user == "" {
		user = "anonymous"
	}
	return "products:list:" + user + ":" + strconv.Itoa(p.Limit) + ":" + strconv.Itoa(p.Offset)
}

// GetProduct returns a product by ID.
func (s *CatalogService) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	return s.products.GetByID(ctx, id)
}

// CreateProduct creates a product and invalidates the product caches.
func (s *CatalogService) CreateProduct(ctx context.Context, req *model.CreateProductRequest) (*model.Product, error) {
	product, err := s.products.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	s.invalidateProducts(ctx)
	return product, nil
}

// UpdateProduct updates a product and invalidates the product caches.
func (s *CatalogService) UpdateProduct(ctx context.Context, id string, req model.UpdateProductRequest) (*model.Product, error) {
	product, err := s.products.Update(ctx, id, req)
	if err != nil {
		return nil, err
	}
	s.invalidateProducts(ctx)
	return product, nil
}

// DeleteProduct deletes a product and invalidates the product caches.
func (s *CatalogService) DeleteProduct(ctx context.Context, id string) (bool, error) {
	deleted, err := s.products.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	if deleted {
		s.invalidateProducts(ctx)
	}
	return deleted, nil
}

// ListLeads returns a page of leads. Leads are not held in the in-process
// cache; only the shared response cache covers them.
func (s *CatalogService) ListLeads(ctx context.Context, limit, offset int) ([]*model.Lead, error) {
	p := normalizePagination(limit, offset)

	leads, err := s.leads.List(ctx, p.Limit, p.Offset)
	if err != nil {
		return nil, fmt.Errorf("list leads: %w", err)
	}
	return leads, nil
}

// GetLead returns a lead by ID.
func (s *CatalogService) GetLead(ctx context.Context, id string) (*model.Lead, error) {
	return s.leads.GetByID(ctx, id)
}

// CreateLead creates a lead and invalidates the lead caches.
func (s *CatalogService) CreateLead(ctx context.Context, req *model.CreateLeadRequest) (*model.Lead, error) {
	lead, err := s.leads.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	s.invalidateLeads(ctx)
	return lead, nil
}

func (s *CatalogService) invalidateProducts(ctx context.Context) {
	if s.local != nil {
		s.local.Flush()
	}
	if s.responseCache != nil {
		if _, err := s.responseCache.Invalidate(ctx, CacheTagProducts); err != nil && s.logger != nil {
			s.logger.WarnContext(ctx, "product cache invalidation failed", "error", err)
		}
	}
}

func (s *CatalogService) invalidateLeads(ctx context.Context) {
	if s.responseCache != nil {
		if _, err := s.responseCache.Invalidate(ctx, CacheTagLeads); err != nil && s.logger != nil {
			s.logger.WarnContext(ctx, "lead cache invalidation failed", "error", err)
		}
	}
}

// paginationParams holds normalized pagination parameters.
type paginationParams struct {
	Limit  int
	Offset int
}

// normalizePagination clamps pagination parameters to safe defaults.
// Default limit: 50, max limit: 1000, min offset: 0.
func normalizePagination(limit, offset int) paginationParams {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	return paginationParams{Limit: limit, Offset: offset}
}
