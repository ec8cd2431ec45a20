package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/gocql/gocql"
	"go.mongodb.org/mongo-driver/mongo"

	"mailguard/internal/config"
	"mailguard/internal/constants"
	"mailguard/pkg/circuitbreaker"
	"mailguard/pkg/migrations"
)

// Deps carries the connections opened by the service bootstrap. Only the one
// matching store.type is required.
type Deps struct {
	Postgres  *sql.DB
	Mongo     *mongo.Database
	Cassandra *gocql.Session
	Tables    *aztables.Client
}

// New builds the configured backend and decorates it with per-call timeouts,
// metrics and, when enabled, a circuit breaker. With database.run_migrations
// set, the backend schema is created first.
func New(ctx context.Context, cfg *config.Config, deps Deps) (Store, error) {
	var (
		s   Store
		err error
	)

	backend := cfg.Store.Type
	switch backend {
	case constants.StoreTypeMemory:
		s = NewMemoryStore()
	case constants.StoreTypePostgres:
		if deps.Postgres == nil {
			return nil, fmt.Errorf("postgres store requires a database connection")
		}
		if cfg.Database.RunMigrations {
			if err = MigratePostgres(deps.Postgres); err != nil {
				return nil, err
			}
		}
		s = NewPostgresStore(deps.Postgres)
	case constants.StoreTypeMongoDB:
		if deps.Mongo == nil {
			return nil, fmt.Errorf("mongodb store requires a database handle")
		}
		if cfg.Database.RunMigrations {
			if err = migrations.EnsureRecordIndexes(ctx, deps.Mongo); err != nil {
				return nil, err
			}
		}
		s = NewMongoStore(deps.Mongo)
	case constants.StoreTypeCassandra:
		if deps.Cassandra == nil {
			return nil, fmt.Errorf("cassandra store requires a session")
		}
		if cfg.Database.RunMigrations {
			if err = EnsureCassandraSchema(ctx, deps.Cassandra); err != nil {
				return nil, err
			}
		}
		s = NewCassandraStore(deps.Cassandra)
	case constants.StoreTypeTables:
		client := deps.Tables
		if client == nil {
			if client, err = NewTablesClient(cfg.Store); err != nil {
				return nil, err
			}
		}
		if err = EnsureTable(ctx, client); err != nil {
			return nil, err
		}
		s = NewTablesStore(client)
	default:
		return nil, fmt.Errorf("unknown store type: %s", backend)
	}

	s = NewMeteredStore(s, backend)

	if cfg.CircuitBreaker.Enabled {
		s = NewCircuitBreakerStore(s, circuitbreaker.FromConfig("store-"+backend, cfg.CircuitBreaker))
	}

	if cfg.Store.Timeout > 0 {
		s = NewTimeoutStore(s, cfg.Store.Timeout)
	}

	return s, nil
}

// TimeoutStore bounds every call with its own deadline.
type TimeoutStore struct {
	next    Store
	timeout time.Duration
}

func NewTimeoutStore(next Store, timeout time.Duration) *TimeoutStore {
	return &TimeoutStore{next: next, timeout: timeout}
}

func (s *TimeoutStore) Persist(ctx context.Context, record Record) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.next.Persist(ctx, record)
}

func (s *TimeoutStore) ListByPartition(ctx context.Context, partition string, opts ListOptions) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.next.ListByPartition(ctx, partition, opts)
}

func (s *TimeoutStore) Close() error {
	return s.next.Close()
}
