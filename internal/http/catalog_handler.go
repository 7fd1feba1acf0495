package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/fjod/go_shop/internal/cache"
	"github.com/fjod/go_shop/internal/query"
	"github.com/go-chi/chi/v5"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type CatalogService interface {
	Get(ctx context.Context, kind cache.Kind, id string) (*query.DocumentResult, error)
	List(ctx context.Context, kind cache.Kind, values url.Values, parent bson.M) (*query.ListResult, error)
	Create(ctx context.Context, kind cache.Kind, doc bson.M) (bson.M, error)
	Update(ctx context.Context, kind cache.Kind, id string, set bson.M) (bson.M, error)
	Delete(ctx context.Context, kind cache.Kind, id string) error
}

// CatalogHandler serves every catalogue resource through one set of
// handlers; the resource comes from the {kind} path segment.
type CatalogHandler struct {
	catalog CatalogService
	timeout time.Duration
	logger  *slog.Logger
}

func NewCatalogHandler(catalog CatalogService, timeout time.Duration, logger *slog.Logger) *CatalogHandler {
	return &CatalogHandler{catalog: catalog, timeout: timeout, logger: logger}
}

func kindParam(r *http.Request) cache.Kind {
	return cache.Kind(chi.URLParam(r, "kind"))
}

// GET /api/v1/{kind}
func (h *CatalogHandler) List(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, kindParam(r), nil)
}

// GET /api/v1/categories/{categoryId}/subcategories
func (h *CatalogHandler) ListSubcategories(w http.ResponseWriter, r *http.Request) {
	categoryID, err := primitive.ObjectIDFromHex(chi.URLParam(r, "categoryId"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_category_id", "categoryId must be a valid id")
		return
	}
	h.list(w, r, cache.KindSubCategory, bson.M{"category": categoryID})
}

func (h *CatalogHandler) list(w http.ResponseWriter, r *http.Request, kind cache.Kind, parent bson.M) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	res, err := h.catalog.List(ctx, kind, r.URL.Query(), parent)
	if err != nil {
		handleError(w, r, h.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, res)
}

// GET /api/v1/{kind}/{id}
func (h *CatalogHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	res, err := h.catalog.Get(ctx, kindParam(r), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, r, h.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, res)
}

// POST /api/v1/{kind}
func (h *CatalogHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	doc, ok := decodeDocument(w, r)
	if !ok {
		return
	}

	created, err := h.catalog.Create(ctx, kindParam(r), doc)
	if err != nil {
		handleError(w, r, h.logger, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{"data": created})
}

// PUT /api/v1/{kind}/{id}
func (h *CatalogHandler) Update(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	doc, ok := decodeDocument(w, r)
	if !ok {
		return
	}

	updated, err := h.catalog.Update(ctx, kindParam(r), chi.URLParam(r, "id"), doc)
	if err != nil {
		handleError(w, r, h.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"data": updated})
}

// DELETE /api/v1/{kind}/{id}
func (h *CatalogHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.catalog.Delete(ctx, kindParam(r), chi.URLParam(r, "id")); err != nil {
		handleError(w, r, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func decodeDocument(w http.ResponseWriter, r *http.Request) (bson.M, bool) {
	var doc map[string]any
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil || len(doc) == 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "a non-empty JSON object is required")
		return nil, false
	}
	return bson.M(doc), true
}
