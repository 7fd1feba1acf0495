package repository

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func ConnectMongoDB(ctx context.Context, uri, database string) (*mongo.Database, error) {
	clientOpts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(10 * time.Second).
		SetServerSelectionTimeout(5 * time.Second).
		SetMaxPoolSize(100).
		SetMinPoolSize(10)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	// Ping to verify connection
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return client.Database(database), nil
}

// CreateIndexes builds every index the repositories rely on for correctness.
func CreateIndexes(ctx context.Context, db *mongo.Database) error {
	carts := &cartRepository{collection: db.Collection(cartsCollection)}
	if err := carts.CreateIndexes(ctx); err != nil {
		return err
	}
	orders := &orderRepository{collection: db.Collection(ordersCollection)}
	if err := orders.CreateIndexes(ctx); err != nil {
		return err
	}
	coupons := &couponRepository{collection: db.Collection(couponsCollection)}
	return coupons.CreateIndexes(ctx)
}
