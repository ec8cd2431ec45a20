package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"

	"mailguard/internal/classifier"
)

//go:embed migrations/postgres/*.sql
var PostgresMigrations embed.FS

const PostgresMigrationsDir = "migrations/postgres"

// MigratePostgres applies the embedded schema migrations.
func MigratePostgres(db *sql.DB) error {
	source, err := iofs.New(PostgresMigrations, PostgresMigrationsDir)
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Persist(ctx context.Context, record Record) error {
	if err := Validate(record); err != nil {
		return err
	}

	query := `
		INSERT INTO email_records (
			partition_key, row_key, message_id, sender, message,
			category, score, reason, processed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := s.db.ExecContext(ctx, query,
		record.PartitionKey,
		record.RowKey,
		record.MessageID,
		record.Sender,
		record.Message,
		string(record.Verdict.Category),
		record.Verdict.Score,
		record.Verdict.Reason,
		record.ProcessedAt,
	)
	if err != nil {
		return classifyPostgresError(err)
	}
	return nil
}

func (s *PostgresStore) ListByPartition(ctx context.Context, partition string, opts ListOptions) ([]Record, error) {
	var (
		b    strings.Builder
		args = []interface{}{partition}
	)

	b.WriteString(`
		SELECT partition_key, row_key, message_id, sender, message,
		       category, score, reason, processed_at
		FROM email_records
		WHERE partition_key = $1`)

	if opts.Category != "" {
		args = append(args, string(opts.Category))
		fmt.Fprintf(&b, " AND category = $%d", len(args))
	}

	b.WriteString(" ORDER BY processed_at DESC")

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, unavailable("postgres", fmt.Errorf("failed to query records: %w", err))
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r        Record
			category string
		)
		if err := rows.Scan(
			&r.PartitionKey,
			&r.RowKey,
			&r.MessageID,
			&r.Sender,
			&r.Message,
			&category,
			&r.Verdict.Score,
			&r.Verdict.Reason,
			&r.ProcessedAt,
		); err != nil {
			return nil, unavailable("postgres", fmt.Errorf("failed to scan record: %w", err))
		}
		r.Verdict.Category = classifier.Category(category)
		r.ProcessedAt = r.ProcessedAt.UTC()
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, unavailable("postgres", fmt.Errorf("rows iteration error: %w", err))
	}

	return records, nil
}

// Close is a no-op; the connection pool belongs to the caller.
func (s *PostgresStore) Close() error {
	return nil
}

// classifyPostgresError maps integrity and data exceptions (SQLSTATE classes
// 23 and 22) to rejection. Everything else is treated as an outage.
func classifyPostgresError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "22", "23":
			return rejectedBy("postgres", err)
		}
	}
	return unavailable("postgres", err)
}
