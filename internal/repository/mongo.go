package repository

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const DefaultDocumentID = "default"

// MongoBackend keeps the document as a single MongoDB document.
type MongoBackend struct {
	Collection *mongo.Collection
	DocumentID string
}

type mongoDocument struct {
	ID       string `bson:"_id"`
	Document `bson:",inline"`
}

func NewMongoBackend(db *mongo.Database, collection string) *MongoBackend {
	return &MongoBackend{
		Collection: db.Collection(collection),
		DocumentID: DefaultDocumentID,
	}
}

func (m *MongoBackend) Load(ctx context.Context) (*Document, error) {
	var stored mongoDocument
	err := m.Collection.FindOne(ctx, bson.D{{Key: "_id", Value: m.DocumentID}}).Decode(&stored)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return NewDocument(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("find document: %w", err)
	}

	return stored.Document.normalize(), nil
}

func (m *MongoBackend) Save(ctx context.Context, doc *Document) error {
	filter := bson.D{{Key: "_id", Value: m.DocumentID}}
	opts := options.Replace().SetUpsert(true)
	if _, err := m.Collection.ReplaceOne(ctx, filter, mongoDocument{ID: m.DocumentID, Document: *doc}, opts); err != nil {
		return fmt.Errorf("replace document: %w", err)
	}

	return nil
}
