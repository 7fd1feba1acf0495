package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/fjod/go_shop/internal/cache"
	"github.com/fjod/go_shop/internal/domain"
	"github.com/fjod/go_shop/internal/query"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

var listFixture = query.ListResult{
	Source:     "cache",
	Results:    1,
	Pagination: query.Pagination{CurrentPage: 1, Limit: 50, Pages: 1},
	Data:       []bson.M{{"title": "Mug"}},
}

func TestCatalog_ListIsPublic(t *testing.T) {
	ts := newTestServer()
	ts.catalog.list = &listFixture

	rec := ts.do(http.MethodGet, "/api/v1/products?sort=-price&limit=5", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, cache.KindProduct, ts.catalog.lastKind)
	assert.Nil(t, ts.catalog.lastParent)

	var resp query.ListResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "cache", resp.Source)
	assert.Equal(t, 1, resp.Results)
}

func TestCatalog_ListEmptyIsOK(t *testing.T) {
	ts := newTestServer()
	ts.catalog.list = &query.ListResult{Source: "db", Data: []bson.M{}}

	rec := ts.do(http.MethodGet, "/api/v1/brands", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCatalog_Subcategories(t *testing.T) {
	ts := newTestServer()
	ts.catalog.list = &listFixture
	categoryID := primitive.NewObjectID()

	rec := ts.do(http.MethodGet, "/api/v1/categories/"+categoryID.Hex()+"/subcategories", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, cache.KindSubCategory, ts.catalog.lastKind)
	assert.Equal(t, bson.M{"category": categoryID}, ts.catalog.lastParent)

	rec = ts.do(http.MethodGet, "/api/v1/categories/nope/subcategories", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCatalog_GetErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"missing document", fmt.Errorf("product %w", domain.ErrNotFound), http.StatusNotFound},
		{"unknown kind", fmt.Errorf("%w: unknown resource widgets", domain.ErrNotFound), http.StatusNotFound},
		{"bad id", fmt.Errorf("%w: id", domain.ErrInvalidInput), http.StatusBadRequest},
		{"store down", errors.New("server selection timeout"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer()
			ts.catalog.err = tt.err

			rec := ts.do(http.MethodGet, "/api/v1/products/"+primitive.NewObjectID().Hex(), "", nil)

			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestCatalog_WritePermissions(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		role   domain.Role
		bearer bool
		status int
	}{
		{"anonymous", "/api/v1/products", domain.RoleUser, false, http.StatusUnauthorized},
		{"user on products", "/api/v1/products", domain.RoleUser, true, http.StatusForbidden},
		{"user on reviews", "/api/v1/reviews", domain.RoleUser, true, http.StatusCreated},
		{"manager on products", "/api/v1/products", domain.RoleManager, true, http.StatusCreated},
		{"admin on coupons", "/api/v1/coupons", domain.RoleAdmin, true, http.StatusCreated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer()
			bearer := ""
			if tt.bearer {
				bearer = token(t, "user-1", tt.role)
			}

			rec := ts.do(http.MethodPost, tt.path, bearer, map[string]any{"title": "Mug"})

			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusCreated {
				assert.Equal(t, "Mug", ts.catalog.created["title"])
			} else {
				assert.Nil(t, ts.catalog.created)
			}
		})
	}
}

func TestCatalog_UpdateAndDelete(t *testing.T) {
	ts := newTestServer()
	bearer := token(t, "admin-1", domain.RoleAdmin)
	id := primitive.NewObjectID().Hex()

	rec := ts.do(http.MethodPut, "/api/v1/products/"+id, bearer, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodPut, "/api/v1/products/"+id, bearer, map[string]any{"price": 12})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodDelete, "/api/v1/brands/"+id, bearer, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, cache.KindBrand, ts.catalog.lastKind)
}
