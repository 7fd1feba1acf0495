package repository

import (
	"context"
	"fmt"

	"github.com/fjod/go_shop/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type productRepository struct {
	collection *mongo.Collection
}

func NewProductRepository(db *mongo.Database) ProductRepository {
	return &productRepository{
		collection: db.Collection(productsCollection),
	}
}

var inventoryProjection = bson.M{"title": 1, "price": 1, "quantity": 1, "sold": 1}

func (p *productRepository) GetProduct(ctx context.Context, id primitive.ObjectID) (*domain.Product, error) {
	var product domain.Product
	opts := options.FindOne().SetProjection(inventoryProjection)
	err := p.collection.FindOne(ctx, bson.M{"_id": id}, opts).Decode(&product)
	if err != nil {
		if isNoDocuments(err) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return &product, nil
}

// FindProducts loads the current stock of every listed product. Missing
// products are simply absent from the result.
func (p *productRepository) FindProducts(ctx context.Context, ids []primitive.ObjectID) (map[primitive.ObjectID]domain.Product, error) {
	result := make(map[primitive.ObjectID]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	opts := options.Find().SetProjection(inventoryProjection)
	cursor, err := p.collection.Find(ctx, bson.M{"_id": bson.M{"$in": ids}}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find products: %w", err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var product domain.Product
		if err := cursor.Decode(&product); err != nil {
			return nil, fmt.Errorf("failed to decode product: %w", err)
		}
		result[product.ID] = product
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate products: %w", err)
	}
	return result, nil
}

// DecrementStock moves quantity to sold for every change in one bulk write.
// Each update only matches while quantity >= requested, so stock can never
// go negative; a short match count is reported as ErrStockConflict and the
// caller's transaction must abort.
func (p *productRepository) DecrementStock(ctx context.Context, changes []domain.StockChange) error {
	if len(changes) == 0 {
		return nil
	}

	models := make([]mongo.WriteModel, 0, len(changes))
	for _, c := range changes {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": c.ProductID, "quantity": bson.M{"$gte": c.Quantity}}).
			SetUpdate(bson.M{"$inc": bson.M{"quantity": -c.Quantity, "sold": c.Quantity}}))
	}

	result, err := p.collection.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(true))
	if err != nil {
		return fmt.Errorf("failed to update stock: %w", err)
	}
	if result.MatchedCount != int64(len(changes)) {
		return ErrStockConflict
	}
	return nil
}
