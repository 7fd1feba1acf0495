package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/fjod/go_shop/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type orderRepository struct {
	collection *mongo.Collection
}

func NewOrderRepository(db *mongo.Database) OrderRepository {
	return &orderRepository{
		collection: db.Collection(ordersCollection),
	}
}

// CreateOrder inserts the order and fills in its id and timestamps.
// A second order for the same payment reference fails with
// domain.ErrDuplicateOrder.
func (o *orderRepository) CreateOrder(ctx context.Context, order *domain.Order) error {
	now := time.Now()
	if order.ID.IsZero() {
		order.ID = primitive.NewObjectID()
	}
	order.CreatedAt = now
	order.UpdatedAt = now

	if _, err := o.collection.InsertOne(ctx, order); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.ErrDuplicateOrder
		}
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

func (o *orderRepository) GetOrder(ctx context.Context, id primitive.ObjectID) (*domain.Order, error) {
	return o.findOne(ctx, bson.M{"_id": id})
}

func (o *orderRepository) FindByPaymentRef(ctx context.Context, ref string) (*domain.Order, error) {
	return o.findOne(ctx, bson.M{"payment_ref": ref})
}

func (o *orderRepository) SetPaid(ctx context.Context, id primitive.ObjectID, at time.Time) (*domain.Order, error) {
	return o.set(ctx, id, bson.M{"is_paid": true, "paid_at": at, "updated_at": at})
}

func (o *orderRepository) SetDelivered(ctx context.Context, id primitive.ObjectID, at time.Time) (*domain.Order, error) {
	return o.set(ctx, id, bson.M{"is_delivered": true, "delivered_at": at, "updated_at": at})
}

func (o *orderRepository) findOne(ctx context.Context, filter bson.M) (*domain.Order, error) {
	var order domain.Order
	if err := o.collection.FindOne(ctx, filter).Decode(&order); err != nil {
		if isNoDocuments(err) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return &order, nil
}

func (o *orderRepository) set(ctx context.Context, id primitive.ObjectID, fields bson.M) (*domain.Order, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var order domain.Order
	err := o.collection.FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{"$set": fields}, opts).Decode(&order)
	if err != nil {
		if isNoDocuments(err) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to update order: %w", err)
	}
	return &order, nil
}

func (o *orderRepository) CreateIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "payment_ref", Value: 1}},
			Options: options.Index().SetUnique(true).SetSparse(true),
		},
		{
			Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}},
		},
	}

	if _, err := o.collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create order indexes: %w", err)
	}
	return nil
}
