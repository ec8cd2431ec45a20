package constants

import "time"

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
)

const (
	DefaultHTTPTimeout = 10 * time.Second
	ShutdownTimeout    = 10 * time.Second
)

const (
	BrokerTypeMemory     = "memory"
	BrokerTypeKafka      = "kafka"
	BrokerTypeRabbitMQ   = "rabbitmq"
	BrokerTypeServiceBus = "servicebus"
)

const (
	StoreTypeMemory    = "memory"
	StoreTypePostgres  = "postgres"
	StoreTypeMongoDB   = "mongodb"
	StoreTypeTables    = "tables"
	StoreTypeCassandra = "cassandra"
)

const (
	InspectionProviderAzure  = "azure"
	InspectionProviderOpenAI = "openai"
)

const (
	DefaultTopic            = "events"
	DefaultSubscription     = "mails"
	DefaultMaxDeliveryCount = 10
	DefaultPartition        = "emails"
	DefaultTable            = "email"
)

// Broker message headers.
const (
	HeaderDeliveryCount  = "x-delivery-count"
	HeaderMessageID      = "x-message-id"
	HeaderDLQReason      = "dlq_reason"
	HeaderDLQSourceTopic = "dlq_source_topic"
	HeaderDLQTimestamp   = "dlq_timestamp"
)

const DLQTopicSuffix = ".dlq"

const (
	DefaultMongoDBName       = "mailguard"
	DefaultCassandraKeyspace = "mailguard"
)

const (
	CacheKeyPrefixVerdict = "verdict:"
)

const (
	DefaultLimit       = 100
	MaxLimit           = 1000
	DefaultTruncateLen = 200
)

const (
	ServicePublisher = "publisher-service"
	ServiceReceiver  = "receiver-service"
	ServiceInspector = "inspector-service"
	ServiceViewer    = "viewer-service"
)
