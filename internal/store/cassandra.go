package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"mailguard/internal/classifier"
)

const CassandraRecordsTable = "email_records"

// EnsureCassandraSchema creates the records table in the session's keyspace.
// Rows cluster by processed_at descending so partition scans come back
// newest first.
func EnsureCassandraSchema(ctx context.Context, session *gocql.Session) error {
	stmt := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			partition_key text,
			row_key uuid,
			message_id text,
			sender text,
			message text,
			category text,
			score double,
			reason text,
			processed_at timestamp,
			PRIMARY KEY ((partition_key), processed_at, row_key)
		) WITH CLUSTERING ORDER BY (processed_at DESC, row_key ASC)`, CassandraRecordsTable)

	if err := session.Query(stmt).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("failed to create cassandra table: %w", err)
	}
	return nil
}

type CassandraStore struct {
	session *gocql.Session
}

func NewCassandraStore(session *gocql.Session) *CassandraStore {
	return &CassandraStore{session: session}
}

func (s *CassandraStore) Persist(ctx context.Context, record Record) error {
	if err := Validate(record); err != nil {
		return err
	}

	rowKey, err := gocql.ParseUUID(record.RowKey)
	if err != nil {
		return rejected("row_key", "row key must be a uuid")
	}

	stmt := fmt.Sprintf(`
		INSERT INTO %s (
			partition_key, row_key, message_id, sender, message,
			category, score, reason, processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`, CassandraRecordsTable)

	existing := make(map[string]interface{})
	applied, err := s.session.Query(stmt,
		record.PartitionKey,
		rowKey,
		record.MessageID,
		record.Sender,
		record.Message,
		string(record.Verdict.Category),
		record.Verdict.Score,
		record.Verdict.Reason,
		record.ProcessedAt,
	).WithContext(ctx).MapScanCAS(existing)
	if err != nil {
		return classifyCassandraError(err)
	}
	if !applied {
		return rejected("row_key", "row key already exists")
	}
	return nil
}

// ListByPartition filters by category client-side; category is not part of
// the primary key.
func (s *CassandraStore) ListByPartition(ctx context.Context, partition string, opts ListOptions) ([]Record, error) {
	stmt := fmt.Sprintf(`
		SELECT partition_key, row_key, message_id, sender, message,
		       category, score, reason, processed_at
		FROM %s WHERE partition_key = ?`, CassandraRecordsTable)

	iter := s.session.Query(stmt, partition).WithContext(ctx).Iter()
	scanner := iter.Scanner()

	var records []Record
	for scanner.Next() {
		var (
			r           Record
			rowKey      gocql.UUID
			category    string
			processedAt time.Time
		)
		if err := scanner.Scan(
			&r.PartitionKey,
			&rowKey,
			&r.MessageID,
			&r.Sender,
			&r.Message,
			&category,
			&r.Verdict.Score,
			&r.Verdict.Reason,
			&processedAt,
		); err != nil {
			_ = iter.Close()
			return nil, unavailable("cassandra", fmt.Errorf("failed to scan record: %w", err))
		}

		r.Verdict.Category = classifier.Category(category)
		if opts.Category != "" && r.Verdict.Category != opts.Category {
			continue
		}
		r.RowKey = rowKey.String()
		r.ProcessedAt = processedAt.UTC()
		records = append(records, r)

		if opts.Limit > 0 && len(records) >= opts.Limit {
			break
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, unavailable("cassandra", fmt.Errorf("failed to iterate records: %w", err))
	}
	if err := iter.Close(); err != nil {
		return nil, unavailable("cassandra", fmt.Errorf("failed to close iterator: %w", err))
	}

	return records, nil
}

// Close is a no-op; the session belongs to the caller.
func (s *CassandraStore) Close() error {
	return nil
}

func classifyCassandraError(err error) error {
	var reqErr gocql.RequestError
	if errors.As(err, &reqErr) {
		switch reqErr.Code() {
		case gocql.ErrCodeInvalid, gocql.ErrCodeSyntax:
			return rejectedBy("cassandra", err)
		}
	}
	return unavailable("cassandra", err)
}
