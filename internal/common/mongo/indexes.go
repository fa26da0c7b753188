package mongo

import (
	"context"
	"log/slog"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// IndexDefinition defines a MongoDB index
type IndexDefinition struct {
	Collection string
	Keys       bson.D
	Options    *options.IndexOptions
}

// IndexInitializer creates indexes on startup
type IndexInitializer struct {
	client *Client
}

// NewIndexInitializer creates a new index initializer
func NewIndexInitializer(client *Client) *IndexInitializer {
	return &IndexInitializer{client: client}
}

// Initialize creates all required indexes
func (i *IndexInitializer) Initialize(ctx context.Context) error {
	indexes := i.getIndexDefinitions()

	for _, idx := range indexes {
		if err := i.createIndex(ctx, idx); err != nil {
			slog.Warn("Failed to create index (may already exist)",
				"error", err,
				"collection", idx.Collection)
		}
	}

	slog.Info("Index initialization complete", "count", len(indexes))
	return nil
}

func (i *IndexInitializer) createIndex(ctx context.Context, idx IndexDefinition) error {
	collection := i.client.Collection(idx.Collection)

	indexModel := mongo.IndexModel{
		Keys:    idx.Keys,
		Options: idx.Options,
	}

	_, err := collection.Indexes().CreateOne(ctx, indexModel)
	return err
}

func (i *IndexInitializer) getIndexDefinitions() []IndexDefinition {
	return []IndexDefinition{
		// documents: primary cache-backed collection. Unique key index backs
		// both the point lookup path and the CAS replaceOne filter
		// ({key, version}); version is not unique on its own since every
		// document restarts its version sequence at 0.
		{
			Collection: "documents",
			Keys:       bson.D{{Key: "key", Value: 1}},
			Options:    options.Index().SetUnique(true),
		},
		{
			Collection: "documents",
			Keys:       bson.D{{Key: "key", Value: 1}, {Key: "version", Value: 1}},
		},

		// stream_checkpoints: resume token persistence, keyed by stream name
		{
			Collection: "stream_checkpoints",
			Keys:       bson.D{{Key: "updatedAt", Value: -1}},
		},
	}
}
