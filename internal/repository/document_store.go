package repository

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type mongoDocumentStore struct {
	db *mongo.Database
}

func NewDocumentStore(db *mongo.Database) DocumentStore {
	return &mongoDocumentStore{db: db}
}

func (s *mongoDocumentStore) FindByID(ctx context.Context, collection string, id primitive.ObjectID, populate *Populate) (bson.M, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"_id": id}}},
		{{Key: "$limit", Value: 1}},
	}
	if populate != nil {
		pipeline = append(pipeline, bson.D{{Key: "$lookup", Value: bson.M{
			"from":         populate.From,
			"localField":   populate.LocalField,
			"foreignField": populate.ForeignField,
			"as":           populate.As,
		}}})
	}

	cursor, err := s.db.Collection(collection).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to find %s document: %w", collection, err)
	}
	defer cursor.Close(ctx)

	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode %s document: %w", collection, err)
	}
	if len(docs) == 0 {
		return nil, ErrDocumentNotFound
	}
	return docs[0], nil
}

func (s *mongoDocumentStore) Find(ctx context.Context, collection string, opts FindOptions) ([]bson.M, error) {
	findOpts := options.Find()
	if len(opts.Sort) > 0 {
		findOpts.SetSort(opts.Sort)
	}
	if opts.Skip > 0 {
		findOpts.SetSkip(opts.Skip)
	}
	if opts.Limit > 0 {
		findOpts.SetLimit(opts.Limit)
	}
	if len(opts.Projection) > 0 {
		findOpts.SetProjection(opts.Projection)
	}

	filter := opts.Filter
	if filter == nil {
		filter = bson.M{}
	}

	cursor, err := s.db.Collection(collection).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collection, err)
	}
	defer cursor.Close(ctx)

	docs := make([]bson.M, 0)
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", collection, err)
	}
	return docs, nil
}

func (s *mongoDocumentStore) Count(ctx context.Context, collection string, filter bson.M) (int64, error) {
	if filter == nil {
		filter = bson.M{}
	}
	n, err := s.db.Collection(collection).CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", collection, err)
	}
	return n, nil
}

func (s *mongoDocumentStore) Insert(ctx context.Context, collection string, doc bson.M) (bson.M, error) {
	now := time.Now().UTC()
	out := make(bson.M, len(doc)+3)
	for k, v := range doc {
		out[k] = v
	}
	out["_id"] = primitive.NewObjectID()
	out["created_at"] = now
	out["updated_at"] = now

	if _, err := s.db.Collection(collection).InsertOne(ctx, out); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("%s: %w", collection, errDuplicate)
		}
		return nil, fmt.Errorf("failed to insert into %s: %w", collection, err)
	}
	return out, nil
}

func (s *mongoDocumentStore) Update(ctx context.Context, collection string, id primitive.ObjectID, set bson.M) (bson.M, error) {
	fields := make(bson.M, len(set)+1)
	for k, v := range set {
		if k == "_id" || k == "created_at" {
			continue
		}
		fields[k] = v
	}
	fields["updated_at"] = time.Now().UTC()

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc bson.M
	err := s.db.Collection(collection).FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{"$set": fields}, opts).Decode(&doc)
	if err != nil {
		if isNoDocuments(err) {
			return nil, ErrDocumentNotFound
		}
		if mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("%s: %w", collection, errDuplicate)
		}
		return nil, fmt.Errorf("failed to update %s: %w", collection, err)
	}
	return doc, nil
}

func (s *mongoDocumentStore) Delete(ctx context.Context, collection string, id primitive.ObjectID) error {
	result, err := s.db.Collection(collection).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete from %s: %w", collection, err)
	}
	if result.DeletedCount == 0 {
		return ErrDocumentNotFound
	}
	return nil
}
