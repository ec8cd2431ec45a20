package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"mailguard/internal/classifier"
	"mailguard/pkg/migrations"
)

type mongoRecord struct {
	PartitionKey string    `bson:"partition_key"`
	RowKey       string    `bson:"row_key"`
	MessageID    string    `bson:"message_id"`
	Sender       string    `bson:"sender"`
	Message      string    `bson:"message"`
	Category     string    `bson:"category"`
	Score        float64   `bson:"score"`
	Reason       string    `bson:"reason"`
	ProcessedAt  time.Time `bson:"processed_at"`
}

type MongoStore struct {
	collection *mongo.Collection
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{collection: db.Collection(migrations.RecordsCollection)}
}

func (s *MongoStore) Persist(ctx context.Context, record Record) error {
	if err := Validate(record); err != nil {
		return err
	}

	doc := mongoRecord{
		PartitionKey: record.PartitionKey,
		RowKey:       record.RowKey,
		MessageID:    record.MessageID,
		Sender:       record.Sender,
		Message:      record.Message,
		Category:     string(record.Verdict.Category),
		Score:        record.Verdict.Score,
		Reason:       record.Verdict.Reason,
		ProcessedAt:  record.ProcessedAt,
	}

	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return rejectedBy("mongodb", err)
		}
		return unavailable("mongodb", err)
	}
	return nil
}

func (s *MongoStore) ListByPartition(ctx context.Context, partition string, opts ListOptions) ([]Record, error) {
	filter := bson.M{"partition_key": partition}
	if opts.Category != "" {
		filter["category"] = string(opts.Category)
	}

	findOpts := options.Find().SetSort(bson.D{{Key: "processed_at", Value: -1}})
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}

	cursor, err := s.collection.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, unavailable("mongodb", fmt.Errorf("failed to find records: %w", err))
	}
	defer cursor.Close(ctx)

	var records []Record
	for cursor.Next(ctx) {
		var doc mongoRecord
		if err := cursor.Decode(&doc); err != nil {
			return nil, unavailable("mongodb", fmt.Errorf("failed to decode record: %w", err))
		}
		records = append(records, Record{
			RowKey:       doc.RowKey,
			PartitionKey: doc.PartitionKey,
			Sender:       doc.Sender,
			Message:      doc.Message,
			Verdict: classifier.Verdict{
				Category: classifier.Category(doc.Category),
				Score:    doc.Score,
				Reason:   doc.Reason,
			},
			ProcessedAt: doc.ProcessedAt.UTC(),
			MessageID:   doc.MessageID,
		})
	}

	if err := cursor.Err(); err != nil {
		return nil, unavailable("mongodb", fmt.Errorf("cursor error: %w", err))
	}

	return records, nil
}

// Close is a no-op; the client belongs to the caller.
func (s *MongoStore) Close() error {
	return nil
}
