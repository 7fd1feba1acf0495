package repository

import (
	"context"
	"time"

	"github.com/fjod/go_shop/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	cartsCollection    = "carts"
	productsCollection = "products"
	couponsCollection  = "coupons"
	ordersCollection   = "orders"
)

// CartRepository defines the interface for cart data operations.
// Every mutation is a single conditional update and keeps
// total_cart_price equal to the sum of price*quantity over items.
type CartRepository interface {
	GetCart(ctx context.Context, userID string) (*domain.Cart, error)
	GetCartByID(ctx context.Context, cartID primitive.ObjectID) (*domain.Cart, error)
	AddItem(ctx context.Context, userID string, item domain.CartItem) (*domain.Cart, error)
	UpdateItemQuantity(ctx context.Context, userID string, itemID primitive.ObjectID, quantity int) (*domain.Cart, error)
	RemoveItem(ctx context.Context, userID string, itemID primitive.ObjectID) (*domain.Cart, error)
	ApplyDiscount(ctx context.Context, userID string, coupon string, percent float64) (*domain.Cart, error)
	DeleteCart(ctx context.Context, userID string) error
	DeleteCartByID(ctx context.Context, cartID primitive.ObjectID) error
}

// ProductRepository is the inventory view of the product catalogue.
type ProductRepository interface {
	GetProduct(ctx context.Context, id primitive.ObjectID) (*domain.Product, error)
	FindProducts(ctx context.Context, ids []primitive.ObjectID) (map[primitive.ObjectID]domain.Product, error)
	DecrementStock(ctx context.Context, changes []domain.StockChange) error
}

type CouponRepository interface {
	FindValid(ctx context.Context, name string, now time.Time) (*domain.Coupon, error)
}

type OrderRepository interface {
	CreateOrder(ctx context.Context, order *domain.Order) error
	GetOrder(ctx context.Context, id primitive.ObjectID) (*domain.Order, error)
	FindByPaymentRef(ctx context.Context, ref string) (*domain.Order, error)
	SetPaid(ctx context.Context, id primitive.ObjectID, at time.Time) (*domain.Order, error)
	SetDelivered(ctx context.Context, id primitive.ObjectID, at time.Time) (*domain.Order, error)
}

// Populate joins related documents into a single-document read.
type Populate struct {
	From         string
	LocalField   string
	ForeignField string
	As           string
}

type FindOptions struct {
	Filter     bson.M
	Sort       bson.D
	Skip       int64
	Limit      int64
	Projection bson.M
}

// DocumentStore serves untyped catalogue documents for the generic CRUD
// and listing pipeline.
type DocumentStore interface {
	FindByID(ctx context.Context, collection string, id primitive.ObjectID, populate *Populate) (bson.M, error)
	Find(ctx context.Context, collection string, opts FindOptions) ([]bson.M, error)
	Count(ctx context.Context, collection string, filter bson.M) (int64, error)
	Insert(ctx context.Context, collection string, doc bson.M) (bson.M, error)
	Update(ctx context.Context, collection string, id primitive.ObjectID, set bson.M) (bson.M, error)
	Delete(ctx context.Context, collection string, id primitive.ObjectID) error
}

// Transactor runs fn inside a multi-document transaction. fn receives the
// session context and must pass it to every repository call that should
// join the transaction. fn may be retried on transient errors.
type Transactor interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
