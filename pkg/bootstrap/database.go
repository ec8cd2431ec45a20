package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	"github.com/gocql/gocql"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"mailguard/internal/config"
	"mailguard/internal/constants"
	"mailguard/internal/logger"
	"mailguard/internal/store"
	"mailguard/pkg/health"
)

// DatabaseConnector opens the connections a service needs and closes every
// one it opened in ShutdownDatabases.
type DatabaseConnector struct {
	Config *config.Config
	Logger logger.Logger

	redis     *redis.Client
	postgres  *sql.DB
	mongo     *mongo.Client
	cassandra *gocql.Session
}

func NewDatabaseConnector(cfg *config.Config, log logger.Logger) *DatabaseConnector {
	return &DatabaseConnector{
		Config: cfg,
		Logger: log,
	}
}

func (dc *DatabaseConnector) InitRedis(ctx context.Context) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", dc.Config.Database.Redis.Host, dc.Config.Database.Redis.Port),
		Password: dc.Config.Database.Redis.Password,
		DB:       dc.Config.Database.Redis.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	dc.Logger.Infow("Redis connected successfully")
	dc.redis = rdb
	return rdb, nil
}

func (dc *DatabaseConnector) InitPostgreSQL(ctx context.Context) (*sql.DB, error) {
	pg := dc.Config.Database.Postgres

	db, err := sql.Open("postgres", PostgresDSN(pg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	dc.Logger.Infow("PostgreSQL connected successfully", "host", pg.Host, "database", pg.DBName)
	dc.postgres = db
	return db, nil
}

// PostgresDSN builds a postgres:// URL, escaping the credentials.
func PostgresDSN(pg config.PostgresConfig) string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(pg.User, pg.Password),
		Host:     fmt.Sprintf("%s:%d", pg.Host, pg.Port),
		Path:     "/" + pg.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(pg.SSLMode),
	}
	return u.String()
}

func (dc *DatabaseConnector) InitMongoDB(ctx context.Context) (*mongo.Client, error) {
	mongoOpts := options.Client().ApplyURI(dc.Config.Database.MongoDB.URI)
	mongoClient, err := mongo.Connect(ctx, mongoOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := mongoClient.Ping(ctx, nil); err != nil {
		mongoClient.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	dc.Logger.Infow("MongoDB connected successfully")
	dc.mongo = mongoClient
	return mongoClient, nil
}

// InitCassandra connects to the configured keyspace. With run_migrations set
// it first creates the keyspace with SimpleStrategy, replication factor 1.
func (dc *DatabaseConnector) InitCassandra(ctx context.Context) (*gocql.Session, error) {
	cc := dc.Config.Database.Cassandra

	cluster := gocql.NewCluster(cc.Hosts...)
	if cc.Timeout > 0 {
		cluster.Timeout = cc.Timeout
		cluster.ConnectTimeout = cc.Timeout
	}
	if cc.Username != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cc.Username,
			Password: cc.Password,
		}
	}
	if cc.Consistency != "" {
		consistency, err := gocql.ParseConsistencyWrapper(strings.ToUpper(cc.Consistency))
		if err != nil {
			return nil, fmt.Errorf("invalid cassandra consistency %q: %w", cc.Consistency, err)
		}
		cluster.Consistency = consistency
	}

	if dc.Config.Database.RunMigrations {
		admin, err := cluster.CreateSession()
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Cassandra: %w", err)
		}
		stmt := fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s
			WITH replication = {'class': 'SimpleStrategy', 'replication_factor': 1}`, cc.Keyspace)
		err = admin.Query(stmt).WithContext(ctx).Exec()
		admin.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to create keyspace %s: %w", cc.Keyspace, err)
		}
	}

	cluster.Keyspace = cc.Keyspace
	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Cassandra: %w", err)
	}

	dc.Logger.Infow("Cassandra connected successfully", "keyspace", cc.Keyspace)
	dc.cassandra = session
	return session, nil
}

// InitStore opens the connection store.type needs and builds the store.
// Each dependency it opened is registered with registry when non-nil.
func (dc *DatabaseConnector) InitStore(ctx context.Context, registry *health.CheckerRegistry) (store.Store, error) {
	var deps store.Deps

	switch dc.Config.Store.Type {
	case constants.StoreTypePostgres:
		db, err := dc.InitPostgreSQL(ctx)
		if err != nil {
			return nil, err
		}
		deps.Postgres = db
		if registry != nil {
			registry.Register(health.NewPostgreSQLChecker(db))
		}
	case constants.StoreTypeMongoDB:
		client, err := dc.InitMongoDB(ctx)
		if err != nil {
			return nil, err
		}
		dbName := dc.Config.Database.MongoDB.Database
		if dbName == "" {
			dbName = constants.DefaultMongoDBName
		}
		deps.Mongo = client.Database(dbName)
		if registry != nil {
			registry.Register(health.NewMongoDBChecker(client))
		}
	case constants.StoreTypeCassandra:
		session, err := dc.InitCassandra(ctx)
		if err != nil {
			return nil, err
		}
		deps.Cassandra = session
		if registry != nil {
			registry.Register(health.NewCassandraChecker(session))
		}
	case constants.StoreTypeTables:
		client, err := store.NewTablesClient(dc.Config.Store)
		if err != nil {
			return nil, err
		}
		deps.Tables = client
		if registry != nil {
			registry.Register(health.NewFuncChecker("tables", func(ctx context.Context) error {
				return store.PingTable(ctx, client)
			}))
		}
	}

	s, err := store.New(ctx, dc.Config, deps)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s store: %w", dc.Config.Store.Type, err)
	}

	dc.Logger.Infow("Record store ready", "type", dc.Config.Store.Type, "partition", dc.Config.Store.Partition)
	return s, nil
}

func (dc *DatabaseConnector) ShutdownDatabases(ctx context.Context) []error {
	var errs []error

	if dc.redis != nil {
		if err := dc.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}

	if dc.postgres != nil {
		if err := dc.postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("postgres close error: %w", err))
		}
	}

	if dc.mongo != nil {
		if err := dc.mongo.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("mongodb disconnect error: %w", err))
		}
	}

	if dc.cassandra != nil {
		dc.cassandra.Close()
	}

	return errs
}
