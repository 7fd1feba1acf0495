package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fjod/go_shop/internal/cache"
	"github.com/fjod/go_shop/internal/domain"
	"github.com/fjod/go_shop/internal/repository"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupTestRedis(t *testing.T) (*cache.RedisCache, *cache.Invalidator, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	c := cache.NewRedisCache(client, cache.DefaultOptions())
	inv := cache.NewInvalidator(c, cache.NewKeySpace(nil), discardLogger(), cache.InvalidatorOptions{})
	t.Cleanup(inv.Close)
	return c, inv, mr
}

// mockCartRepository keeps one cart per user and recomputes totals the way
// the store does.
type mockCartRepository struct {
	m     sync.RWMutex
	carts map[string]*domain.Cart
	gets  int
	err   error
}

func newMockCartRepository() *mockCartRepository {
	return &mockCartRepository{carts: map[string]*domain.Cart{}}
}

func (m *mockCartRepository) copyOf(c *domain.Cart) *domain.Cart {
	out := *c
	out.Items = append([]domain.CartItem(nil), c.Items...)
	return &out
}

func (m *mockCartRepository) GetCart(_ context.Context, userID string) (*domain.Cart, error) {
	m.m.Lock()
	defer m.m.Unlock()
	m.gets++
	if m.err != nil {
		return nil, m.err
	}
	c, ok := m.carts[userID]
	if !ok {
		return nil, repository.ErrCartNotFound
	}
	return m.copyOf(c), nil
}

func (m *mockCartRepository) GetCartByID(_ context.Context, id primitive.ObjectID) (*domain.Cart, error) {
	m.m.RLock()
	defer m.m.RUnlock()
	for _, c := range m.carts {
		if c.ID == id {
			return m.copyOf(c), nil
		}
	}
	return nil, repository.ErrCartNotFound
}

func (m *mockCartRepository) AddItem(_ context.Context, userID string, item domain.CartItem) (*domain.Cart, error) {
	m.m.Lock()
	defer m.m.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	c, ok := m.carts[userID]
	if !ok {
		c = &domain.Cart{ID: primitive.NewObjectID(), UserID: userID}
		m.carts[userID] = c
	}
	merged := false
	for i := range c.Items {
		if c.Items[i].ProductID == item.ProductID && c.Items[i].Color == item.Color {
			c.Items[i].Quantity += item.Quantity
			merged = true
		}
	}
	if !merged {
		c.Items = append(c.Items, item)
	}
	c.Recalculate()
	return m.copyOf(c), nil
}

func (m *mockCartRepository) UpdateItemQuantity(_ context.Context, userID string, itemID primitive.ObjectID, quantity int) (*domain.Cart, error) {
	m.m.Lock()
	defer m.m.Unlock()
	c, ok := m.carts[userID]
	if !ok {
		return nil, repository.ErrCartNotFound
	}
	for i := range c.Items {
		if c.Items[i].ID == itemID {
			c.Items[i].Quantity = quantity
			c.Recalculate()
			return m.copyOf(c), nil
		}
	}
	return nil, repository.ErrItemNotFound
}

func (m *mockCartRepository) RemoveItem(_ context.Context, userID string, itemID primitive.ObjectID) (*domain.Cart, error) {
	m.m.Lock()
	defer m.m.Unlock()
	c, ok := m.carts[userID]
	if !ok {
		return nil, repository.ErrCartNotFound
	}
	for i := range c.Items {
		if c.Items[i].ID == itemID {
			c.Items = append(c.Items[:i], c.Items[i+1:]...)
			c.Recalculate()
			return m.copyOf(c), nil
		}
	}
	return nil, repository.ErrItemNotFound
}

func (m *mockCartRepository) ApplyDiscount(_ context.Context, userID string, coupon string, percent float64) (*domain.Cart, error) {
	m.m.Lock()
	defer m.m.Unlock()
	c, ok := m.carts[userID]
	if !ok {
		return nil, repository.ErrCartNotFound
	}
	c.ApplyCoupon(coupon, percent)
	return m.copyOf(c), nil
}

func (m *mockCartRepository) DeleteCart(_ context.Context, userID string) error {
	m.m.Lock()
	defer m.m.Unlock()
	delete(m.carts, userID)
	return nil
}

func (m *mockCartRepository) DeleteCartByID(_ context.Context, id primitive.ObjectID) error {
	m.m.Lock()
	defer m.m.Unlock()
	for user, c := range m.carts {
		if c.ID == id {
			delete(m.carts, user)
			return nil
		}
	}
	return repository.ErrCartNotFound
}

type mockProductRepository struct {
	m        sync.RWMutex
	products map[primitive.ObjectID]domain.Product
}

func newMockProducts(products ...domain.Product) *mockProductRepository {
	m := &mockProductRepository{products: map[primitive.ObjectID]domain.Product{}}
	for _, p := range products {
		m.products[p.ID] = p
	}
	return m
}

func (m *mockProductRepository) GetProduct(_ context.Context, id primitive.ObjectID) (*domain.Product, error) {
	m.m.RLock()
	defer m.m.RUnlock()
	p, ok := m.products[id]
	if !ok {
		return nil, repository.ErrProductNotFound
	}
	return &p, nil
}

func (m *mockProductRepository) FindProducts(_ context.Context, ids []primitive.ObjectID) (map[primitive.ObjectID]domain.Product, error) {
	m.m.RLock()
	defer m.m.RUnlock()
	out := map[primitive.ObjectID]domain.Product{}
	for _, id := range ids {
		if p, ok := m.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (m *mockProductRepository) DecrementStock(_ context.Context, changes []domain.StockChange) error {
	m.m.Lock()
	defer m.m.Unlock()
	for _, c := range changes {
		if m.products[c.ProductID].Quantity < c.Quantity {
			return repository.ErrStockConflict
		}
	}
	for _, c := range changes {
		p := m.products[c.ProductID]
		p.Quantity -= c.Quantity
		p.Sold += c.Quantity
		m.products[c.ProductID] = p
	}
	return nil
}

type mockCouponRepository struct {
	coupons map[string]domain.Coupon
}

func (m *mockCouponRepository) FindValid(_ context.Context, name string, now time.Time) (*domain.Coupon, error) {
	c, ok := m.coupons[domain.NormalizeCouponName(name)]
	if !ok || !c.ValidAt(now) {
		return nil, repository.ErrCouponNotFound
	}
	return &c, nil
}

// mockDocumentStore is a minimal in-memory catalogue keyed by collection.
type mockDocumentStore struct {
	m        sync.RWMutex
	docs     map[string]map[primitive.ObjectID]bson.M
	lastFind repository.FindOptions
}

func newMockDocumentStore() *mockDocumentStore {
	return &mockDocumentStore{docs: map[string]map[primitive.ObjectID]bson.M{}}
}

func (m *mockDocumentStore) FindByID(_ context.Context, collection string, id primitive.ObjectID, _ *repository.Populate) (bson.M, error) {
	m.m.RLock()
	defer m.m.RUnlock()
	doc, ok := m.docs[collection][id]
	if !ok {
		return nil, repository.ErrDocumentNotFound
	}
	return doc, nil
}

func (m *mockDocumentStore) Find(_ context.Context, collection string, opts repository.FindOptions) ([]bson.M, error) {
	m.m.Lock()
	defer m.m.Unlock()
	m.lastFind = opts
	out := []bson.M{}
	for _, d := range m.docs[collection] {
		out = append(out, d)
	}
	return out, nil
}

func (m *mockDocumentStore) Count(_ context.Context, collection string, _ bson.M) (int64, error) {
	m.m.RLock()
	defer m.m.RUnlock()
	return int64(len(m.docs[collection])), nil
}

func (m *mockDocumentStore) Insert(_ context.Context, collection string, doc bson.M) (bson.M, error) {
	m.m.Lock()
	defer m.m.Unlock()
	id := primitive.NewObjectID()
	out := bson.M{"_id": id}
	for k, v := range doc {
		out[k] = v
	}
	if m.docs[collection] == nil {
		m.docs[collection] = map[primitive.ObjectID]bson.M{}
	}
	m.docs[collection][id] = out
	return out, nil
}

func (m *mockDocumentStore) Update(_ context.Context, collection string, id primitive.ObjectID, set bson.M) (bson.M, error) {
	m.m.Lock()
	defer m.m.Unlock()
	doc, ok := m.docs[collection][id]
	if !ok {
		return nil, repository.ErrDocumentNotFound
	}
	for k, v := range set {
		doc[k] = v
	}
	return doc, nil
}

func (m *mockDocumentStore) Delete(_ context.Context, collection string, id primitive.ObjectID) error {
	m.m.Lock()
	defer m.m.Unlock()
	if _, ok := m.docs[collection][id]; !ok {
		return repository.ErrDocumentNotFound
	}
	delete(m.docs[collection], id)
	return nil
}

func (m *mockDocumentStore) findOptions() repository.FindOptions {
	m.m.RLock()
	defer m.m.RUnlock()
	return m.lastFind
}
