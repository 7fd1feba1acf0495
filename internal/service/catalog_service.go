package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/fjod/go_shop/internal/cache"
	"github.com/fjod/go_shop/internal/domain"
	"github.com/fjod/go_shop/internal/query"
	"github.com/fjod/go_shop/internal/repository"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

var ErrUnknownResource = fmt.Errorf("resource %w", domain.ErrNotFound)

// DefaultCollections is the static read and cache configuration of every
// catalogue resource.
func DefaultCollections() map[cache.Kind]query.Collection {
	return map[cache.Kind]query.Collection{
		cache.KindProduct: {
			Kind:         cache.KindProduct,
			Name:         "products",
			Cached:       true,
			SearchFields: []string{"title", "description"},
			Populate:     &repository.Populate{From: "reviews", LocalField: "_id", ForeignField: "product", As: "reviews"},
			Variant:      "reviews",
		},
		cache.KindCategory:    named(cache.KindCategory, "categories", true),
		cache.KindSubCategory: named(cache.KindSubCategory, "subcategories", true),
		cache.KindBrand:       named(cache.KindBrand, "brands", true),
		cache.KindCoupon:      named(cache.KindCoupon, "coupons", false),
		cache.KindReview:      named(cache.KindReview, "reviews", false),
	}
}

func named(kind cache.Kind, collection string, cached bool) query.Collection {
	return query.Collection{
		Kind:         kind,
		Name:         collection,
		Cached:       cached,
		SearchFields: []string{"name"},
	}
}

// CatalogService is generic CRUD over catalogue resources. Reads go through
// the look-aside pipeline; every write invalidates the written document
// inline and the resource's lists in the background.
type CatalogService struct {
	reader      *query.Reader
	store       repository.DocumentStore
	inv         *cache.Invalidator
	collections map[cache.Kind]query.Collection
	logger      *slog.Logger
}

func NewCatalogService(reader *query.Reader, store repository.DocumentStore, inv *cache.Invalidator, collections map[cache.Kind]query.Collection, logger *slog.Logger) *CatalogService {
	if collections == nil {
		collections = DefaultCollections()
	}
	for _, col := range collections {
		if col.Cached {
			inv.Keys().RegisterVariants(col.Kind, col.Variant)
		}
	}
	return &CatalogService{
		reader:      reader,
		store:       store,
		inv:         inv,
		collections: collections,
		logger:      logger,
	}
}

func (s *CatalogService) collection(kind cache.Kind) (query.Collection, error) {
	col, ok := s.collections[kind]
	if !ok {
		return query.Collection{}, ErrUnknownResource
	}
	return col, nil
}

func (s *CatalogService) Get(ctx context.Context, kind cache.Kind, id string) (*query.DocumentResult, error) {
	col, err := s.collection(kind)
	if err != nil {
		return nil, err
	}
	oid, err := parseID(id)
	if err != nil {
		return nil, err
	}
	return s.reader.Document(ctx, col, oid)
}

// List applies parent as a constraint the request cannot override, e.g. the
// category of a nested subcategory listing.
func (s *CatalogService) List(ctx context.Context, kind cache.Kind, values url.Values, parent bson.M) (*query.ListResult, error) {
	col, err := s.collection(kind)
	if err != nil {
		return nil, err
	}
	p, err := query.Parse(values)
	if err != nil {
		return nil, err
	}
	return s.reader.List(ctx, col, p, parent)
}

func (s *CatalogService) Create(ctx context.Context, kind cache.Kind, doc bson.M) (bson.M, error) {
	col, err := s.collection(kind)
	if err != nil {
		return nil, err
	}
	doc, err = sanitize(kind, doc)
	if err != nil {
		return nil, err
	}

	created, err := s.store.Insert(ctx, col.Name, doc)
	if err != nil {
		return nil, err
	}

	s.changed(ctx, kind, created)
	return created, nil
}

func (s *CatalogService) Update(ctx context.Context, kind cache.Kind, id string, set bson.M) (bson.M, error) {
	col, err := s.collection(kind)
	if err != nil {
		return nil, err
	}
	oid, err := parseID(id)
	if err != nil {
		return nil, err
	}
	set, err = sanitize(kind, set)
	if err != nil {
		return nil, err
	}

	updated, err := s.store.Update(ctx, col.Name, oid, set)
	if err != nil {
		return nil, err
	}

	s.changed(ctx, kind, updated)
	return updated, nil
}

func (s *CatalogService) Delete(ctx context.Context, kind cache.Kind, id string) error {
	col, err := s.collection(kind)
	if err != nil {
		return err
	}
	oid, err := parseID(id)
	if err != nil {
		return err
	}

	var previous bson.M
	if kind == cache.KindReview {
		// needed to find the product whose populated view embeds it
		previous, _ = s.store.FindByID(ctx, col.Name, oid, nil)
	}

	if err := s.store.Delete(ctx, col.Name, oid); err != nil {
		return err
	}

	if previous == nil {
		previous = bson.M{"_id": oid}
	}
	s.changed(ctx, kind, previous)
	return nil
}

// changed runs cache invalidation for a written document. A review is also
// part of its product's populated view, so that product is invalidated too.
func (s *CatalogService) changed(ctx context.Context, kind cache.Kind, doc bson.M) {
	id, _ := doc["_id"].(primitive.ObjectID)
	s.inv.EntityChanged(ctx, kind, id.Hex())

	if kind == cache.KindReview {
		if productID, ok := doc["product"].(primitive.ObjectID); ok {
			if err := s.inv.Document(ctx, cache.KindProduct, productID.Hex()); err != nil {
				s.logger.WarnContext(ctx, "product cache invalidation failed",
					slog.String("product_id", productID.Hex()), slog.Any("error", err))
			}
		}
	}
}

func parseID(id string) (primitive.ObjectID, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return primitive.NilObjectID, domain.InvalidInput("invalid id %q", id)
	}
	return oid, nil
}

// sanitize rejects operator keys and normalizes kind-specific fields.
// Hex strings in reference fields become ObjectIDs so they join and filter
// like stored references.
func sanitize(kind cache.Kind, doc bson.M) (bson.M, error) {
	out := make(bson.M, len(doc))
	for k, v := range doc {
		if k == "" || strings.HasPrefix(k, "$") || strings.Contains(k, ".") {
			return nil, domain.InvalidInput("invalid field name %q", k)
		}
		if k == "_id" {
			continue
		}
		out[k] = v
	}

	for _, ref := range []string{"product", "category", "brand"} {
		if s, ok := out[ref].(string); ok {
			oid, err := primitive.ObjectIDFromHex(s)
			if err != nil {
				return nil, domain.InvalidInput("invalid %s id %q", ref, s)
			}
			out[ref] = oid
		}
	}

	if kind == cache.KindCoupon {
		if name, ok := out["name"].(string); ok {
			out["name"] = domain.NormalizeCouponName(name)
		}
		if raw, ok := out["expire"].(string); ok {
			expire, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return nil, domain.InvalidInput("expire must be an RFC 3339 timestamp")
			}
			out["expire"] = expire
		}
		if d, ok := out["discount"].(float64); ok && (d < 1 || d > 100) {
			return nil, domain.InvalidInput("discount must be between 1 and 100")
		}
	}
	return out, nil
}
