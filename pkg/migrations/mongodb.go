package migrations

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const RecordsCollection = "email_records"

// EnsureRecordIndexes creates the indexes the record store relies on. The
// collection itself is created on first insert.
func EnsureRecordIndexes(ctx context.Context, db *mongo.Database) error {
	collection := db.Collection(RecordsCollection)

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "partition_key", Value: 1}, {Key: "row_key", Value: 1}},
			Options: options.Index().SetName("idx_email_records_key").SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "partition_key", Value: 1}, {Key: "processed_at", Value: -1}},
			Options: options.Index().SetName("idx_email_records_processed_at"),
		},
		{
			Keys:    bson.D{{Key: "partition_key", Value: 1}, {Key: "category", Value: 1}, {Key: "processed_at", Value: -1}},
			Options: options.Index().SetName("idx_email_records_category"),
		},
		{
			Keys:    bson.D{{Key: "message_id", Value: 1}},
			Options: options.Index().SetName("idx_email_records_message_id"),
		},
	}

	_, err := collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		if !strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("failed to create indexes: %w", err)
		}
	}

	return nil
}
