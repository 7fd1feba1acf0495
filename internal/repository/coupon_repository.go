package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/fjod/go_shop/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type couponRepository struct {
	collection *mongo.Collection
}

func NewCouponRepository(db *mongo.Database) CouponRepository {
	return &couponRepository{
		collection: db.Collection(couponsCollection),
	}
}

// FindValid returns the coupon only while expire > now.
func (c *couponRepository) FindValid(ctx context.Context, name string, now time.Time) (*domain.Coupon, error) {
	filter := bson.M{
		"name":   domain.NormalizeCouponName(name),
		"expire": bson.M{"$gt": now},
	}

	var coupon domain.Coupon
	err := c.collection.FindOne(ctx, filter).Decode(&coupon)
	if err != nil {
		if isNoDocuments(err) {
			return nil, ErrCouponNotFound
		}
		return nil, fmt.Errorf("failed to get coupon: %w", err)
	}
	return &coupon, nil
}

func (c *couponRepository) CreateIndexes(ctx context.Context) error {
	_, err := c.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create coupon indexes: %w", err)
	}
	return nil
}
