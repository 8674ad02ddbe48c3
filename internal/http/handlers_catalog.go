package httpx

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/prospectly/courier/internal/data"
	"github.com/prospectly/courier/internal/domain/model"
	"github.com/prospectly/courier/internal/service"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 1000
)

// CatalogHandlers provides HTTP handlers for the product and lead endpoints
// that exercise the cached read path.
type CatalogHandlers struct {
	Svc *service.CatalogService
}

// ListProducts handles GET /api/products, optionally filtered by ?search=.
func (h *CatalogHandlers) ListProducts(w http.ResponseWriter, r *http.Request) {
	limit, offset := ParseLimitOffset(r, defaultPageLimit, maxPageLimit)

	products, err := h.Svc.ListProducts(r.Context(), service.ListProductsParams{
		User:   requestUser(r),
		Q:      r.URL.Query().Get("search"),
		Sort:   r.URL.Query().Get("sort"),
		Dir:    r.URL.Query().Get("dir"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "list_failed", Err: errors.New("failed to list products")})
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{"products": products})
}

// GetProduct handles GET /api/products/{id}.
func (h *CatalogHandlers) GetProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := idFromPath(w, r)
	if !ok {
		return
	}

	product, err := h.Svc.GetProduct(r.Context(), id)
	if err != nil {
		writeProductErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, product)
}

// CreateProduct handles POST /api/products.
func (h *CatalogHandlers) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req model.CreateProductRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	product, err := h.Svc.CreateProduct(r.Context(), &req)
	if err != nil {
		writeProductErr(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, product)
}

// UpdateProduct handles PUT /api/products/{id}.
func (h *CatalogHandlers) UpdateProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := idFromPath(w, r)
	if !ok {
		return
	}

	var req model.UpdateProductRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	product, err := h.Svc.UpdateProduct(r.Context(), id, req)
	if err != nil {
		writeProductErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, product)
}

// DeleteProduct handles DELETE /api/products/{id}.
func (h *CatalogHandlers) DeleteProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := idFromPath(w, r)
	if !ok {
		return
	}

	deleted, err := h.Svc.DeleteProduct(r.Context(), id)
	if err != nil {
		WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "delete_failed", Err: errors.New("failed to delete product")})
		return
	}
	if !deleted {
		WriteError(w, ErrorParams{Code: http.StatusNotFound, ErrCode: "product_not_found", Err: errors.New("product not found")})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListLeads handles GET /api/leads.
func (h *CatalogHandlers) ListLeads(w http.ResponseWriter, r *http.Request) {
	limit, offset := ParseLimitOffset(r, defaultPageLimit, maxPageLimit)

	leads, err := h.Svc.ListLeads(r.Context(), limit, offset)
	if err != nil {
		WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "list_failed", Err: errors.New("failed to list leads")})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"leads": leads})
}

// CreateLead handles POST /api/leads.
func (h *CatalogHandlers) CreateLead(w http.ResponseWriter, r *http.Request) {
	var req model.CreateLeadRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	lead, err := h.Svc.CreateLead(r.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, data.ErrLeadEmailExists):
			WriteError(w, ErrorParams{Code: http.StatusConflict, ErrCode: "lead_exists", Err: err})
		case isValidationError(err):
			WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_lead", Err: err})
		default:
			WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "create_failed", Err: errors.New("failed to create lead")})
		}
		return
	}
	WriteJSON(w, http.StatusCreated, lead)
}

func idFromPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_path", Err: errors.New("id must be a UUID")})
		return "", false
	}
	return id, true
}

func writeProductErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, data.ErrProductNotFound):
		WriteError(w, ErrorParams{Code: http.StatusNotFound, ErrCode: "product_not_found", Err: errors.New("product not found")})
	case errors.Is(err, data.ErrProductNameExists):
		WriteError(w, ErrorParams{Code: http.StatusConflict, ErrCode: "product_exists", Err: err})
	case isValidationError(err):
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_product", Err: err})
	default:
		WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "internal_error", Err: errors.New("internal error")})
	}
}
