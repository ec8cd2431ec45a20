package config

import (
	"fmt"
	"net/url"
	"strings"

	"mailguard/internal/constants"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// ValidateStatic checks the settings every service shares, plus the
// backend-specific sections selected by broker.type and store.type.
func ValidateStatic(cfg *Config) error {
	var errors []error

	if err := validateServer(cfg.Server); err != nil {
		errors = append(errors, err)
	}

	if err := validateBroker(cfg.Broker); err != nil {
		errors = append(errors, err)
	}

	if err := validateStore(cfg.Store, cfg.Database); err != nil {
		errors = append(errors, err)
	}

	if err := validateClassifier(cfg.Classifier, cfg.Database); err != nil {
		errors = append(errors, err)
	}

	if err := validateConsumer(cfg.Consumer); err != nil {
		errors = append(errors, err)
	}

	if err := validateRetry("publisher.retry", cfg.Publisher.Retry); err != nil {
		errors = append(errors, err)
	}

	if err := validateInspection(cfg.Inspection); err != nil {
		errors = append(errors, err)
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errors)
	}

	return nil
}

func validateServer(cfg ServerConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.ReadTimeout <= 0 {
		return &ValidationError{
			Field:   "server.read_timeout",
			Message: "read timeout must be positive",
		}
	}

	if cfg.WriteTimeout <= 0 {
		return &ValidationError{
			Field:   "server.write_timeout",
			Message: "write timeout must be positive",
		}
	}

	return nil
}

func validateBroker(cfg BrokerConfig) error {
	if cfg.Topic == "" {
		return &ValidationError{Field: "broker.topic", Message: "topic is required"}
	}

	if cfg.Subscription == "" {
		return &ValidationError{Field: "broker.subscription", Message: "subscription is required"}
	}

	if cfg.MaxDeliveryCount < 1 {
		return &ValidationError{
			Field:   "broker.max_delivery_count",
			Message: fmt.Sprintf("max_delivery_count must be at least 1, got %d", cfg.MaxDeliveryCount),
		}
	}

	if cfg.PollTimeout <= 0 {
		return &ValidationError{Field: "broker.poll_timeout", Message: "poll timeout must be positive"}
	}

	switch cfg.Type {
	case constants.BrokerTypeMemory:
		return nil
	case constants.BrokerTypeKafka:
		return validateKafka(cfg.Kafka)
	case constants.BrokerTypeRabbitMQ:
		return validateRabbitMQ(cfg.RabbitMQ)
	case constants.BrokerTypeServiceBus:
		return validateServiceBus(cfg.ServiceBus)
	case "":
		return &ValidationError{Field: "broker.type", Message: "broker type is required"}
	default:
		return &ValidationError{
			Field:   "broker.type",
			Message: fmt.Sprintf("unknown broker type: %s (supported: memory, kafka, rabbitmq, servicebus)", cfg.Type),
		}
	}
}

func validateKafka(cfg KafkaConfig) error {
	if len(cfg.Brokers) == 0 {
		return &ValidationError{
			Field:   "broker.kafka.brokers",
			Message: "at least one Kafka broker is required",
		}
	}

	for i, broker := range cfg.Brokers {
		if broker == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("broker.kafka.brokers[%d]", i),
				Message: "broker address cannot be empty",
			}
		}
	}

	if cfg.GroupID == "" {
		return &ValidationError{
			Field:   "broker.kafka.group_id",
			Message: "Kafka consumer group ID is required",
		}
	}

	return nil
}

func validateRabbitMQ(cfg RabbitMQConfig) error {
	if !strings.HasPrefix(cfg.URL, "amqp://") && !strings.HasPrefix(cfg.URL, "amqps://") {
		return &ValidationError{
			Field:   "broker.rabbitmq.url",
			Message: "RabbitMQ URL must start with amqp:// or amqps://",
		}
	}

	if cfg.PrefetchCount < 1 {
		return &ValidationError{
			Field:   "broker.rabbitmq.prefetch_count",
			Message: "prefetch_count must be at least 1",
		}
	}

	return nil
}

func validateServiceBus(cfg ServiceBusConfig) error {
	if cfg.Namespace == "" && cfg.ConnectionString == "" {
		return &ValidationError{
			Field:   "broker.servicebus.namespace",
			Message: "either namespace or connection_string is required",
		}
	}
	return nil
}

func validateStore(cfg StoreConfig, db DatabaseConfig) error {
	if cfg.Partition == "" {
		return &ValidationError{Field: "store.partition", Message: "partition label is required"}
	}

	if cfg.Table == "" {
		return &ValidationError{Field: "store.table", Message: "table name is required"}
	}

	if cfg.Timeout <= 0 {
		return &ValidationError{Field: "store.timeout", Message: "store timeout must be positive"}
	}

	switch cfg.Type {
	case constants.StoreTypeMemory:
		return nil
	case constants.StoreTypePostgres:
		return validatePostgres(db.Postgres)
	case constants.StoreTypeMongoDB:
		return validateMongoDB(db.MongoDB)
	case constants.StoreTypeCassandra:
		return validateCassandra(db.Cassandra)
	case constants.StoreTypeTables:
		if cfg.Tables.AccountName == "" && cfg.Tables.ConnectionString == "" {
			return &ValidationError{
				Field:   "store.tables.account_name",
				Message: "either account_name or connection_string is required",
			}
		}
		return nil
	default:
		return &ValidationError{
			Field:   "store.type",
			Message: fmt.Sprintf("unknown store type: %s (supported: memory, postgres, mongodb, tables, cassandra)", cfg.Type),
		}
	}
}

func validatePostgres(cfg PostgresConfig) error {
	if cfg.Host == "" {
		return &ValidationError{
			Field:   "database.postgres.host",
			Message: "PostgreSQL host is required",
		}
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "database.postgres.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.User == "" {
		return &ValidationError{
			Field:   "database.postgres.user",
			Message: "PostgreSQL user is required",
		}
	}

	if cfg.DBName == "" {
		return &ValidationError{
			Field:   "database.postgres.dbname",
			Message: "PostgreSQL database name is required",
		}
	}

	validSSLModes := map[string]bool{
		"disable": true, "allow": true, "prefer": true,
		"require": true, "verify-ca": true, "verify-full": true,
	}
	if cfg.SSLMode != "" && !validSSLModes[strings.ToLower(cfg.SSLMode)] {
		return &ValidationError{
			Field:   "database.postgres.sslmode",
			Message: fmt.Sprintf("invalid SSL mode: %s (valid: disable, allow, prefer, require, verify-ca, verify-full)", cfg.SSLMode),
		}
	}

	return nil
}

func validateRedis(cfg RedisConfig) error {
	if cfg.Host == "" {
		return &ValidationError{
			Field:   "database.redis.host",
			Message: "Redis host is required",
		}
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "database.redis.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	return nil
}

func validateMongoDB(cfg MongoDBConfig) error {
	if !strings.HasPrefix(cfg.URI, "mongodb://") && !strings.HasPrefix(cfg.URI, "mongodb+srv://") {
		return &ValidationError{
			Field:   "database.mongodb.uri",
			Message: "MongoDB URI must start with mongodb:// or mongodb+srv://",
		}
	}

	if cfg.Database == "" {
		return &ValidationError{
			Field:   "database.mongodb.database",
			Message: "MongoDB database name is required",
		}
	}

	return nil
}

func validateCassandra(cfg CassandraConfig) error {
	if len(cfg.Hosts) == 0 {
		return &ValidationError{
			Field:   "database.cassandra.hosts",
			Message: "at least one Cassandra host is required",
		}
	}

	if cfg.Keyspace == "" {
		return &ValidationError{
			Field:   "database.cassandra.keyspace",
			Message: "Cassandra keyspace is required",
		}
	}

	return nil
}

func validateClassifier(cfg ClassifierConfig, db DatabaseConfig) error {
	u, err := url.Parse(cfg.InspectorURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ValidationError{
			Field:   "classifier.inspector_url",
			Message: fmt.Sprintf("inspector URL must be an absolute http(s) URL, got %q", cfg.InspectorURL),
		}
	}

	if cfg.Timeout <= 0 {
		return &ValidationError{Field: "classifier.timeout", Message: "classifier timeout must be positive"}
	}

	if cfg.Cache.Enabled {
		if cfg.Cache.TTL <= 0 {
			return &ValidationError{Field: "classifier.cache.ttl", Message: "cache TTL must be positive"}
		}
		return validateRedis(db.Redis)
	}

	return nil
}

func validateConsumer(cfg ConsumerConfig) error {
	if cfg.Workers < 1 {
		return &ValidationError{
			Field:   "consumer.workers",
			Message: fmt.Sprintf("workers must be at least 1, got %d", cfg.Workers),
		}
	}

	if cfg.LockRenewInterval < 0 {
		return &ValidationError{
			Field:   "consumer.lock_renew_interval",
			Message: "lock_renew_interval must be non-negative",
		}
	}

	return validateRetry("consumer.receive_backoff", cfg.ReceiveBackoff)
}

func validateRetry(field string, cfg RetryConfig) error {
	if cfg.MaxAttempts < 0 {
		return &ValidationError{
			Field:   field + ".max_attempts",
			Message: "max_attempts must be non-negative",
		}
	}

	if cfg.InitialInterval < 0 {
		return &ValidationError{
			Field:   field + ".initial_interval",
			Message: "initial_interval must be non-negative",
		}
	}

	if cfg.MaxInterval > 0 && cfg.InitialInterval > 0 && cfg.MaxInterval < cfg.InitialInterval {
		return &ValidationError{
			Field:   field + ".max_interval",
			Message: "max_interval must be greater than or equal to initial_interval",
		}
	}

	if cfg.Multiplier < 0 {
		return &ValidationError{
			Field:   field + ".multiplier",
			Message: "multiplier must be non-negative",
		}
	}

	return nil
}

func validateInspection(cfg InspectionConfig) error {
	switch cfg.Provider {
	case constants.InspectionProviderAzure, constants.InspectionProviderOpenAI:
		return nil
	default:
		return &ValidationError{
			Field:   "inspection.provider",
			Message: fmt.Sprintf("unknown inspection provider: %s (supported: azure, openai)", cfg.Provider),
		}
	}
}
