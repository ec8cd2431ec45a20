package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"mailguard/internal/constants"
)

// LoadConfig reads configFile (YAML) on top of built-in defaults and applies
// environment overrides. An empty configFile loads defaults and environment
// only.
func LoadConfig(configFile string) (*Config, error) {
	viper.Reset()

	viper.SetConfigType("yaml")

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()
	bindEnvVariables()

	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := ValidateStatic(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 15*time.Second)
	viper.SetDefault("server.write_timeout", 15*time.Second)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	viper.SetDefault("broker.type", constants.BrokerTypeMemory)
	viper.SetDefault("broker.topic", constants.DefaultTopic)
	viper.SetDefault("broker.subscription", constants.DefaultSubscription)
	viper.SetDefault("broker.max_delivery_count", constants.DefaultMaxDeliveryCount)
	viper.SetDefault("broker.poll_timeout", 5*time.Second)
	viper.SetDefault("broker.lock_duration", 60*time.Second)
	viper.SetDefault("broker.kafka.group_id", constants.DefaultSubscription)
	viper.SetDefault("broker.rabbitmq.prefetch_count", 1)

	viper.SetDefault("classifier.inspector_url", "http://localhost:8081/inspect")
	viper.SetDefault("classifier.timeout", 30*time.Second)
	viper.SetDefault("classifier.cache.ttl", 24*time.Hour)

	viper.SetDefault("store.type", constants.StoreTypeMemory)
	viper.SetDefault("store.partition", constants.DefaultPartition)
	viper.SetDefault("store.table", constants.DefaultTable)
	viper.SetDefault("store.timeout", 10*time.Second)

	viper.SetDefault("database.postgres.port", 5432)
	viper.SetDefault("database.postgres.sslmode", "disable")
	viper.SetDefault("database.redis.port", 6379)
	viper.SetDefault("database.mongodb.database", constants.DefaultMongoDBName)
	viper.SetDefault("database.cassandra.keyspace", constants.DefaultCassandraKeyspace)
	viper.SetDefault("database.cassandra.consistency", "local_quorum")
	viper.SetDefault("database.cassandra.timeout", 10*time.Second)

	viper.SetDefault("consumer.workers", 1)
	viper.SetDefault("consumer.receive_backoff.initial_interval", 500*time.Millisecond)
	viper.SetDefault("consumer.receive_backoff.max_interval", 30*time.Second)
	viper.SetDefault("consumer.receive_backoff.multiplier", 2.0)

	viper.SetDefault("publisher.retry.max_attempts", 1)
	viper.SetDefault("publisher.rate_limit.rps", 10.0)
	viper.SetDefault("publisher.rate_limit.burst", 20)
	viper.SetDefault("publisher.rate_limit.cleanup_interval", 5*time.Minute)
	viper.SetDefault("publisher.rate_limit.max_age", 10*time.Minute)

	viper.SetDefault("inspection.provider", constants.InspectionProviderAzure)
	viper.SetDefault("inspection.api_version", "2024-05-01-preview")
	viper.SetDefault("inspection.timeout", 60*time.Second)

	viper.SetDefault("viewer.default_limit", constants.DefaultLimit)
	viper.SetDefault("viewer.max_limit", constants.MaxLimit)
}

func bindEnvVariables() {
	// The second name is the variable older deployment manifests set.
	viper.BindEnv("broker.servicebus.namespace", "BROKER_SERVICEBUS_NAMESPACE", "SERVICEBUS_NAMESPACE")
	viper.BindEnv("broker.servicebus.connection_string", "BROKER_SERVICEBUS_CONNECTION_STRING", "SERVICEBUS_CONNECTION_STRING")
	viper.BindEnv("broker.topic", "BROKER_TOPIC", "SERVICEBUS_TOPIC_NAME")
	viper.BindEnv("broker.subscription", "BROKER_SUBSCRIPTION", "SERVICEBUS_SUBSCRIPTION_NAME")
	viper.BindEnv("broker.kafka.brokers", "BROKER_KAFKA_BROKERS")
	viper.BindEnv("broker.kafka.group_id", "BROKER_KAFKA_GROUP_ID")
	viper.BindEnv("broker.kafka.dlq_topic", "BROKER_KAFKA_DLQ_TOPIC")
	viper.BindEnv("broker.rabbitmq.url", "BROKER_RABBITMQ_URL")

	viper.BindEnv("classifier.inspector_url", "CLASSIFIER_INSPECTOR_URL", "INSPECTOR_URL")

	viper.BindEnv("store.table", "STORE_TABLE", "TABLE_NAME")
	viper.BindEnv("store.tables.account_name", "STORE_TABLES_ACCOUNT_NAME", "STORAGE_ACCOUNT_NAME")
	viper.BindEnv("store.tables.connection_string", "STORE_TABLES_CONNECTION_STRING")

	viper.BindEnv("database.postgres.host", "DATABASE_POSTGRES_HOST")
	viper.BindEnv("database.postgres.port", "DATABASE_POSTGRES_PORT")
	viper.BindEnv("database.postgres.user", "DATABASE_POSTGRES_USER")
	viper.BindEnv("database.postgres.password", "DATABASE_POSTGRES_PASSWORD")
	viper.BindEnv("database.postgres.dbname", "DATABASE_POSTGRES_DBNAME")
	viper.BindEnv("database.postgres.sslmode", "DATABASE_POSTGRES_SSLMODE")

	viper.BindEnv("database.redis.host", "DATABASE_REDIS_HOST")
	viper.BindEnv("database.redis.port", "DATABASE_REDIS_PORT")
	viper.BindEnv("database.redis.password", "DATABASE_REDIS_PASSWORD")

	viper.BindEnv("database.mongodb.uri", "DATABASE_MONGODB_URI")
	viper.BindEnv("database.mongodb.database", "DATABASE_MONGODB_DATABASE")

	viper.BindEnv("database.cassandra.hosts", "DATABASE_CASSANDRA_HOSTS")
	viper.BindEnv("database.cassandra.username", "DATABASE_CASSANDRA_USERNAME")
	viper.BindEnv("database.cassandra.password", "DATABASE_CASSANDRA_PASSWORD")

	viper.BindEnv("inspection.endpoint", "INSPECTION_ENDPOINT", "AZURE_OPENAI_ENDPOINT")
	viper.BindEnv("inspection.api_key", "INSPECTION_API_KEY", "AZURE_OPENAI_API_KEY")
	viper.BindEnv("inspection.deployment", "INSPECTION_DEPLOYMENT", "AZURE_OPENAI_DEPLOYMENT")
	viper.BindEnv("inspection.api_version", "INSPECTION_API_VERSION", "AZURE_OPENAI_API_VERSION")

	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("logging.level", "LOGGING_LEVEL")
	viper.BindEnv("logging.format", "LOGGING_FORMAT")

	viper.BindEnv("tracing.otlp.endpoint", "TRACING_OTLP_ENDPOINT")
	viper.BindEnv("tracing.otlp.insecure", "TRACING_OTLP_INSECURE")
	viper.BindEnv("tracing.enabled", "TRACING_ENABLED")
	viper.BindEnv("tracing.service_name", "TRACING_SERVICE_NAME")
}

// applyEnvOverrides handles list-valued variables, which viper leaves as a
// single comma-joined element, and defaults derived from other keys.
func applyEnvOverrides(cfg *Config) {
	if brokers := splitList(viper.GetString("BROKER_KAFKA_BROKERS")); len(brokers) > 0 {
		cfg.Broker.Kafka.Brokers = brokers
	}

	if hosts := splitList(viper.GetString("DATABASE_CASSANDRA_HOSTS")); len(hosts) > 0 {
		cfg.Database.Cassandra.Hosts = hosts
	}

	if cfg.Broker.Kafka.DLQTopic == "" {
		cfg.Broker.Kafka.DLQTopic = cfg.Broker.Topic + constants.DLQTopicSuffix
	}
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
