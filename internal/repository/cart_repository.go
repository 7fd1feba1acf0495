package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_shop/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const maxUpsertAttempts = 3

type cartRepository struct {
	collection *mongo.Collection
}

func NewCartRepository(db *mongo.Database) CartRepository {
	return &cartRepository{
		collection: db.Collection(cartsCollection),
	}
}

func (m *cartRepository) GetCart(ctx context.Context, userID string) (*domain.Cart, error) {
	return m.findOne(ctx, bson.M{"user_id": userID})
}

func (m *cartRepository) GetCartByID(ctx context.Context, cartID primitive.ObjectID) (*domain.Cart, error) {
	return m.findOne(ctx, bson.M{"_id": cartID})
}

func (m *cartRepository) findOne(ctx context.Context, filter bson.M) (*domain.Cart, error) {
	var cart domain.Cart
	err := m.collection.FindOne(ctx, filter).Decode(&cart)
	if err != nil {
		if isNoDocuments(err) {
			return nil, ErrCartNotFound
		}
		return nil, fmt.Errorf("failed to get cart: %w", err)
	}
	return &cart, nil
}

// AddItem merges into an existing (product, color) line or appends a new
// one, creating the cart on first add. A duplicate key on user_id means a
// concurrent first add won the insert, so the whole sequence is retried.
func (m *cartRepository) AddItem(ctx context.Context, userID string, item domain.CartItem) (*domain.Cart, error) {
	if item.ID.IsZero() {
		item.ID = primitive.NewObjectID()
	}

	for attempt := 0; attempt < maxUpsertAttempts; attempt++ {
		cart, err := m.incrementExisting(ctx, userID, item)
		if err == nil {
			return cart, nil
		}
		if !errors.Is(err, ErrItemNotFound) {
			return nil, err
		}

		cart, err = m.appendItem(ctx, userID, item)
		if err == nil {
			return cart, nil
		}
		if !errors.Is(err, errCartConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("failed to add item after %d attempts: %w", maxUpsertAttempts, errCartConflict)
}

func (m *cartRepository) incrementExisting(ctx context.Context, userID string, item domain.CartItem) (*domain.Cart, error) {
	filter := bson.M{
		"user_id": userID,
		"items": bson.M{"$elemMatch": bson.M{
			"product_id": item.ProductID,
			"color":      item.Color,
		}},
	}

	merged := bson.M{"$map": bson.M{
		"input": "$items",
		"as":    "it",
		"in": bson.M{"$cond": bson.A{
			bson.M{"$and": bson.A{
				bson.M{"$eq": bson.A{"$$it.product_id", item.ProductID}},
				bson.M{"$eq": bson.A{"$$it.color", bson.M{"$literal": item.Color}}},
			}},
			bson.M{"$mergeObjects": bson.A{"$$it", bson.M{"quantity": bson.M{"$add": bson.A{"$$it.quantity", item.Quantity}}}}},
			"$$it",
		}},
	}}

	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{"items": merged}}},
	}
	cart, err := m.mutate(ctx, filter, append(pipeline, afterItemsChanged(time.Now())...), false)
	if errors.Is(err, ErrCartNotFound) {
		return nil, ErrItemNotFound
	}
	return cart, err
}

func (m *cartRepository) appendItem(ctx context.Context, userID string, item domain.CartItem) (*domain.Cart, error) {
	now := time.Now()
	filter := bson.M{
		"user_id": userID,
		"items": bson.M{"$not": bson.M{"$elemMatch": bson.M{
			"product_id": item.ProductID,
			"color":      item.Color,
		}}},
	}

	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"items":      bson.M{"$concatArrays": bson.A{bson.M{"$ifNull": bson.A{"$items", bson.A{}}}, bson.A{bson.M{"$literal": item}}}},
			"created_at": bson.M{"$ifNull": bson.A{"$created_at", now}},
		}}},
	}
	cart, err := m.mutate(ctx, filter, append(pipeline, afterItemsChanged(now)...), true)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, errCartConflict
		}
		return nil, err
	}
	return cart, nil
}

func (m *cartRepository) UpdateItemQuantity(ctx context.Context, userID string, itemID primitive.ObjectID, quantity int) (*domain.Cart, error) {
	filter := bson.M{"user_id": userID, "items._id": itemID}

	updated := bson.M{"$map": bson.M{
		"input": "$items",
		"as":    "it",
		"in": bson.M{"$cond": bson.A{
			bson.M{"$eq": bson.A{"$$it._id", itemID}},
			bson.M{"$mergeObjects": bson.A{"$$it", bson.M{"quantity": quantity}}},
			"$$it",
		}},
	}}

	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{"items": updated}}},
	}
	cart, err := m.mutate(ctx, filter, append(pipeline, afterItemsChanged(time.Now())...), false)
	if errors.Is(err, ErrCartNotFound) {
		return nil, m.missing(ctx, userID)
	}
	return cart, err
}

func (m *cartRepository) RemoveItem(ctx context.Context, userID string, itemID primitive.ObjectID) (*domain.Cart, error) {
	filter := bson.M{"user_id": userID, "items._id": itemID}

	remaining := bson.M{"$filter": bson.M{
		"input": "$items",
		"as":    "it",
		"cond":  bson.M{"$ne": bson.A{"$$it._id", itemID}},
	}}

	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{"items": remaining}}},
	}
	cart, err := m.mutate(ctx, filter, append(pipeline, afterItemsChanged(time.Now())...), false)
	if errors.Is(err, ErrCartNotFound) {
		return nil, m.missing(ctx, userID)
	}
	return cart, err
}

// ApplyDiscount derives total_price_after_discount from the current total,
// so applying the same coupon twice gives the same result.
func (m *cartRepository) ApplyDiscount(ctx context.Context, userID string, coupon string, percent float64) (*domain.Cart, error) {
	discounted := bson.M{"$round": bson.A{
		bson.M{"$subtract": bson.A{
			"$total_cart_price",
			bson.M{"$divide": bson.A{bson.M{"$multiply": bson.A{"$total_cart_price", percent}}, 100}},
		}},
		2,
	}}

	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"coupon":                     bson.M{"$literal": coupon},
			"total_price_after_discount": discounted,
			"updated_at":                 time.Now(),
		}}},
		{{Key: "$unset", Value: "cleared_coupon"}},
	}
	return m.mutate(ctx, bson.M{"user_id": userID}, pipeline, false)
}

// DeleteCart is idempotent.
func (m *cartRepository) DeleteCart(ctx context.Context, userID string) error {
	_, err := m.collection.DeleteOne(ctx, bson.M{"user_id": userID})
	if err != nil {
		return fmt.Errorf("failed to delete cart: %w", err)
	}
	return nil
}

// DeleteCartByID reports ErrCartNotFound when the cart is already gone,
// which is how a second checkout of the same cart loses.
func (m *cartRepository) DeleteCartByID(ctx context.Context, cartID primitive.ObjectID) error {
	result, err := m.collection.DeleteOne(ctx, bson.M{"_id": cartID})
	if err != nil {
		return fmt.Errorf("failed to delete cart: %w", err)
	}
	if result.DeletedCount == 0 {
		return ErrCartNotFound
	}
	return nil
}

func (m *cartRepository) mutate(ctx context.Context, filter bson.M, pipeline mongo.Pipeline, upsert bool) (*domain.Cart, error) {
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetUpsert(upsert)

	var cart domain.Cart
	err := m.collection.FindOneAndUpdate(ctx, filter, pipeline, opts).Decode(&cart)
	if err != nil {
		if isNoDocuments(err) {
			return nil, ErrCartNotFound
		}
		if mongo.IsDuplicateKeyError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to update cart: %w", err)
	}
	return &cart, nil
}

func (m *cartRepository) missing(ctx context.Context, userID string) error {
	n, err := m.collection.CountDocuments(ctx, bson.M{"user_id": userID})
	if err != nil {
		return fmt.Errorf("failed to check cart: %w", err)
	}
	if n == 0 {
		return ErrCartNotFound
	}
	return ErrItemNotFound
}

func (m *cartRepository) CreateIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "updated_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(90 * 24 * 60 * 60), // 90 days TTL
		},
	}

	_, err := m.collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		return fmt.Errorf("failed to create cart indexes: %w", err)
	}
	return nil
}

// afterItemsChanged recomputes the total from the items and drops any
// applied coupon, which must be re-applied against the new total. The
// dropped coupon's name moves to cleared_coupon.
func afterItemsChanged(now time.Time) mongo.Pipeline {
	total := bson.M{"$round": bson.A{
		bson.M{"$sum": bson.M{"$map": bson.M{
			"input": "$items",
			"as":    "it",
			"in":    bson.M{"$multiply": bson.A{"$$it.price", "$$it.quantity"}},
		}}},
		2,
	}}

	return mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"total_cart_price":           total,
			"total_price_after_discount": 0,
			"cleared_coupon":             bson.M{"$ifNull": bson.A{"$coupon", "$$REMOVE"}},
			"updated_at":                 now,
		}}},
		{{Key: "$unset", Value: "coupon"}},
	}
}
