package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"mailguard/internal/classifier"
	"mailguard/pkg/errors"
	"mailguard/pkg/models"
)

// Record is the durable outcome of classifying one delivery. Records are
// written once and never updated by the pipeline.
type Record struct {
	RowKey       string             `json:"rowKey"`
	PartitionKey string             `json:"partitionKey"`
	Sender       string             `json:"sender"`
	Message      string             `json:"message"`
	Verdict      classifier.Verdict `json:"verdict"`
	ProcessedAt  time.Time          `json:"timestamp"`
	// MessageID is the envelope id. Redeliveries produce new records with the
	// same MessageID.
	MessageID string `json:"messageId,omitempty"`
}

type ListOptions struct {
	// Limit caps the result; zero means no cap.
	Limit    int
	Category classifier.Category
}

type Store interface {
	Persist(ctx context.Context, record Record) error
	ListByPartition(ctx context.Context, partition string, opts ListOptions) ([]Record, error)
	Close() error
}

func NewRecord(partition string, env models.Envelope, verdict classifier.Verdict, processedAt time.Time) Record {
	return Record{
		RowKey:       uuid.New().String(),
		PartitionKey: partition,
		Sender:       env.Sender,
		Message:      env.Message,
		Verdict:      verdict,
		ProcessedAt:  processedAt.UTC(),
		MessageID:    env.ID,
	}
}

// Validate rejects records no backend would accept, before any write.
func Validate(r Record) error {
	if r.PartitionKey == "" {
		return rejected("partition_key", "partition key is required")
	}
	if r.RowKey == "" {
		return rejected("row_key", "row key is required")
	}
	if _, err := uuid.Parse(r.RowKey); err != nil {
		return rejected("row_key", "row key must be a uuid")
	}
	if r.Sender == "" {
		return rejected("sender", "sender is required")
	}
	switch r.Verdict.Category {
	case classifier.CategoryNormal, classifier.CategorySpam, classifier.CategoryFraud, classifier.CategoryUnknown:
	default:
		return rejected("type", "category must be one of normal, spam, fraud, unknown")
	}
	if r.Verdict.Score < 0 || r.Verdict.Score > 1 {
		return rejected("score", "score must be within [0,1]")
	}
	if r.Verdict.Reason == "" {
		return rejected("reason", "reason is required")
	}
	if r.ProcessedAt.IsZero() {
		return rejected("timestamp", "processed time is required")
	}
	return nil
}

func rejected(field, message string) error {
	return errors.ErrStoreRejected.WithDetail("field", field).WithDetail("message", message)
}

func unavailable(backend string, err error) error {
	return errors.ErrStoreUnavailable.WithCause(err).WithDetail("backend", backend)
}

func rejectedBy(backend string, err error) error {
	return errors.ErrStoreRejected.WithCause(err).WithDetail("backend", backend)
}
