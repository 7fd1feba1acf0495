package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fjod/go_shop/internal/cache"
	"github.com/fjod/go_shop/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type cartFixture struct {
	svc      *CartService
	repo     *mockCartRepository
	products *mockProductRepository
	coupons  *mockCouponRepository
	inv      *cache.Invalidator
	mr       *miniredis.Miniredis
}

func newCartFixture(t *testing.T, products ...domain.Product) cartFixture {
	c, inv, mr := setupTestRedis(t)
	repo := newMockCartRepository()
	productRepo := newMockProducts(products...)
	coupons := &mockCouponRepository{coupons: map[string]domain.Coupon{}}
	svc := NewCartService(repo, productRepo, coupons, c, inv, discardLogger())
	return cartFixture{svc: svc, repo: repo, products: productRepo, coupons: coupons, inv: inv, mr: mr}
}

func product(price float64, quantity int) domain.Product {
	return domain.Product{ID: primitive.NewObjectID(), Title: "product", Price: price, Quantity: quantity}
}

func TestAddItem_MergesSameProductAndColor(t *testing.T) {
	a := product(10, 100)
	f := newCartFixture(t, a)
	ctx := context.Background()

	_, err := f.svc.AddItem(ctx, "u1", AddItemInput{ProductID: a.ID, Quantity: 3, Color: "red"})
	require.NoError(t, err)
	cart, err := f.svc.AddItem(ctx, "u1", AddItemInput{ProductID: a.ID, Quantity: 2, Color: "red"})
	require.NoError(t, err)

	require.Len(t, cart.Items, 1)
	assert.Equal(t, 5, cart.Items[0].Quantity)
	assert.Equal(t, 50.0, cart.TotalCartPrice)
}

func TestAddItem_SnapshotsPrice(t *testing.T) {
	a := product(10, 100)
	f := newCartFixture(t, a)
	ctx := context.Background()

	_, err := f.svc.AddItem(ctx, "u1", AddItemInput{ProductID: a.ID, Quantity: 1})
	require.NoError(t, err)

	// a later price change does not touch the line already in the cart
	a.Price = 99
	f.products.products[a.ID] = a

	cart, err := f.svc.GetCart(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 10.0, cart.Items[0].Price)
}

func TestAddItem_Errors(t *testing.T) {
	a := product(10, 100)
	f := newCartFixture(t, a)
	ctx := context.Background()

	_, err := f.svc.AddItem(ctx, "u1", AddItemInput{ProductID: primitive.NewObjectID(), Quantity: 1})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.svc.AddItem(ctx, "u1", AddItemInput{ProductID: a.ID, Quantity: 0})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestMutations_InvalidateCartCache(t *testing.T) {
	a := product(10, 100)
	f := newCartFixture(t, a)
	ctx := context.Background()
	key := cache.CartKey("u1")

	require.NoError(t, f.mr.Set(key, `{"user_id":"u1"}`))
	cart, err := f.svc.AddItem(ctx, "u1", AddItemInput{ProductID: a.ID, Quantity: 1})
	require.NoError(t, err)
	assert.False(t, f.mr.Exists(key))

	require.NoError(t, f.mr.Set(key, `{"user_id":"u1"}`))
	_, err = f.svc.UpdateItemQuantity(ctx, "u1", cart.Items[0].ID, 2)
	require.NoError(t, err)
	assert.False(t, f.mr.Exists(key))

	require.NoError(t, f.mr.Set(key, `{"user_id":"u1"}`))
	_, err = f.svc.RemoveItem(ctx, "u1", cart.Items[0].ID)
	require.NoError(t, err)
	assert.False(t, f.mr.Exists(key))

	require.NoError(t, f.mr.Set(key, `{"user_id":"u1"}`))
	require.NoError(t, f.svc.Clear(ctx, "u1"))
	assert.False(t, f.mr.Exists(key))
}

func TestGetCart_ReadThrough(t *testing.T) {
	a := product(10, 100)
	f := newCartFixture(t, a)
	ctx := context.Background()

	_, err := f.svc.AddItem(ctx, "u1", AddItemInput{ProductID: a.ID, Quantity: 2})
	require.NoError(t, err)

	cart, err := f.svc.GetCart(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 20.0, cart.TotalCartPrice)

	require.Eventually(t, func() bool { return f.mr.Exists(cache.CartKey("u1")) }, time.Second, 10*time.Millisecond)
	gets := f.repo.gets

	cart, err = f.svc.GetCart(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 20.0, cart.TotalCartPrice)
	assert.Equal(t, gets, f.repo.gets, "second read is served from cache")
}

// holdWorkers occupies every invalidator worker until the returned func is
// called, so later fills wait in the queue.
func holdWorkers(t *testing.T, inv *cache.Invalidator, workers int) func() {
	t.Helper()
	started := make(chan struct{}, workers)
	release := make(chan struct{})
	for i := 0; i < workers; i++ {
		inv.Go("hold", func(context.Context) error {
			started <- struct{}{}
			<-release
			return nil
		})
	}
	for i := 0; i < workers; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("workers did not start")
		}
	}
	return func() { close(release) }
}

func TestGetCart_FillQueuedBeforeWriteIsDiscarded(t *testing.T) {
	a := product(10, 100)
	f := newCartFixture(t, a)
	ctx := context.Background()

	_, err := f.svc.AddItem(ctx, "u1", AddItemInput{ProductID: a.ID, Quantity: 1})
	require.NoError(t, err)

	release := holdWorkers(t, f.inv, 2)

	// miss: the fill carrying total 10 waits behind the held workers
	cart, err := f.svc.GetCart(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 10.0, cart.TotalCartPrice)

	cart, err = f.svc.AddItem(ctx, "u1", AddItemInput{ProductID: a.ID, Quantity: 4})
	require.NoError(t, err)
	assert.Equal(t, 50.0, cart.TotalCartPrice)

	release()
	f.inv.Close()
	assert.False(t, f.mr.Exists(cache.CartKey("u1")), "stale fill must not be stored")

	cart, err = f.svc.GetCart(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 50.0, cart.TotalCartPrice)
}

func TestGetCart_NotFound(t *testing.T) {
	f := newCartFixture(t)

	_, err := f.svc.GetCart(context.Background(), "nobody")

	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGetCart_ConcurrentReads(t *testing.T) {
	a := product(10, 100)
	f := newCartFixture(t, a)
	ctx := context.Background()
	_, err := f.svc.AddItem(ctx, "u1", AddItemInput{ProductID: a.ID, Quantity: 1})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cart, err := f.svc.GetCart(ctx, "u1")
			assert.NoError(t, err)
			assert.Equal(t, 10.0, cart.TotalCartPrice)
		}()
	}
	wg.Wait()
}

func TestUpdateItemQuantity_Validation(t *testing.T) {
	a := product(10, 3)
	f := newCartFixture(t, a)
	ctx := context.Background()
	cart, err := f.svc.AddItem(ctx, "u1", AddItemInput{ProductID: a.ID, Quantity: 1})
	require.NoError(t, err)
	itemID := cart.Items[0].ID

	_, err = f.svc.UpdateItemQuantity(ctx, "u1", itemID, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = f.svc.UpdateItemQuantity(ctx, "u1", primitive.NewObjectID(), 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.svc.UpdateItemQuantity(ctx, "u1", itemID, 4)
	var stockErr *domain.StockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, 3, stockErr.Available)
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)

	cart, err = f.svc.UpdateItemQuantity(ctx, "u1", itemID, 3)
	require.NoError(t, err)
	assert.Equal(t, 30.0, cart.TotalCartPrice)
}

func TestRemoveItem_RecomputesTotal(t *testing.T) {
	a, b := product(10, 100), product(30, 100)
	f := newCartFixture(t, a, b)
	ctx := context.Background()
	_, err := f.svc.AddItem(ctx, "u1", AddItemInput{ProductID: a.ID, Quantity: 2})
	require.NoError(t, err)
	cart, err := f.svc.AddItem(ctx, "u1", AddItemInput{ProductID: b.ID, Quantity: 1})
	require.NoError(t, err)

	cart, err = f.svc.RemoveItem(ctx, "u1", cart.Items[1].ID)
	require.NoError(t, err)

	assert.Equal(t, 20.0, cart.TotalCartPrice)

	_, err = f.svc.RemoveItem(ctx, "nobody", cart.Items[0].ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestApplyCoupon(t *testing.T) {
	a := product(100, 100)
	f := newCartFixture(t, a)
	ctx := context.Background()
	now := time.Now()
	f.coupons.coupons["SAVE10"] = domain.Coupon{Name: "SAVE10", Discount: 10, Expire: now.Add(time.Hour)}
	f.coupons.coupons["OLD"] = domain.Coupon{Name: "OLD", Discount: 50, Expire: now.Add(-time.Hour)}

	_, err := f.svc.ApplyCoupon(ctx, "u1", "SAVE10")
	assert.ErrorIs(t, err, domain.ErrNotFound, "no cart yet")

	_, err = f.svc.AddItem(ctx, "u1", AddItemInput{ProductID: a.ID, Quantity: 1})
	require.NoError(t, err)

	cart, err := f.svc.ApplyCoupon(ctx, "u1", "save10")
	require.NoError(t, err)
	assert.Equal(t, 90.0, cart.TotalPriceAfterDiscount)

	_, err = f.svc.ApplyCoupon(ctx, "u1", "OLD")
	assert.ErrorIs(t, err, domain.ErrInvalidCoupon)

	cart, err = f.svc.GetCart(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, cart.TotalCartPrice)
	assert.Equal(t, 90.0, cart.TotalPriceAfterDiscount, "expired coupon leaves totals unchanged")
}

func TestClear_Idempotent(t *testing.T) {
	a := product(10, 100)
	f := newCartFixture(t, a)
	ctx := context.Background()
	_, err := f.svc.AddItem(ctx, "u1", AddItemInput{ProductID: a.ID, Quantity: 1})
	require.NoError(t, err)

	require.NoError(t, f.svc.Clear(ctx, "u1"))
	require.NoError(t, f.svc.Clear(ctx, "u1"))

	_, err = f.svc.GetCart(ctx, "u1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCartTotal_InvariantAcrossMutations(t *testing.T) {
	a, b := product(2.5, 100), product(7.25, 100)
	f := newCartFixture(t, a, b)
	ctx := context.Background()

	cart, err := f.svc.AddItem(ctx, "u1", AddItemInput{ProductID: a.ID, Quantity: 3})
	require.NoError(t, err)
	cart, err = f.svc.AddItem(ctx, "u1", AddItemInput{ProductID: b.ID, Quantity: 2, Color: "blue"})
	require.NoError(t, err)
	cart, err = f.svc.AddItem(ctx, "u1", AddItemInput{ProductID: a.ID, Quantity: 1})
	require.NoError(t, err)
	cart, err = f.svc.UpdateItemQuantity(ctx, "u1", cart.Items[1].ID, 5)
	require.NoError(t, err)
	cart, err = f.svc.RemoveItem(ctx, "u1", cart.Items[0].ID)
	require.NoError(t, err)

	assert.Equal(t, cart.ComputeTotal().InexactFloat64(), cart.TotalCartPrice)
	assert.Equal(t, 36.25, cart.TotalCartPrice)
}
