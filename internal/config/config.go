package config

import (
	"time"
)

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Broker         BrokerConfig         `mapstructure:"broker"`
	Classifier     ClassifierConfig     `mapstructure:"classifier"`
	Store          StoreConfig          `mapstructure:"store"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Consumer       ConsumerConfig       `mapstructure:"consumer"`
	Publisher      PublisherConfig      `mapstructure:"publisher"`
	Inspection     InspectionConfig     `mapstructure:"inspection"`
	Viewer         ViewerConfig         `mapstructure:"viewer"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Tracing        TracingConfig        `mapstructure:"tracing"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type BrokerConfig struct {
	Type         string `mapstructure:"type"`
	Topic        string `mapstructure:"topic"`
	Subscription string `mapstructure:"subscription"`
	// MaxDeliveryCount is the redelivery ceiling after which the broker
	// dead-letters a message. The consumer keeps no counter of its own.
	MaxDeliveryCount int              `mapstructure:"max_delivery_count"`
	PollTimeout      time.Duration    `mapstructure:"poll_timeout"`
	LockDuration     time.Duration    `mapstructure:"lock_duration"`
	Kafka            KafkaConfig      `mapstructure:"kafka"`
	RabbitMQ         RabbitMQConfig   `mapstructure:"rabbitmq"`
	ServiceBus       ServiceBusConfig `mapstructure:"servicebus"`
}

type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	GroupID  string   `mapstructure:"group_id"`
	DLQTopic string   `mapstructure:"dlq_topic"`
}

type RabbitMQConfig struct {
	URL           string `mapstructure:"url"`
	PrefetchCount int    `mapstructure:"prefetch_count"`
}

type ServiceBusConfig struct {
	// Namespace is the fully qualified namespace, authenticated with the
	// default Azure credential chain. ConnectionString takes precedence.
	Namespace        string `mapstructure:"namespace"`
	ConnectionString string `mapstructure:"connection_string"`
}

type ClassifierConfig struct {
	InspectorURL string        `mapstructure:"inspector_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Cache        CacheConfig   `mapstructure:"cache"`
}

type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type StoreConfig struct {
	Type      string        `mapstructure:"type"`
	Partition string        `mapstructure:"partition"`
	Table     string        `mapstructure:"table"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Tables    TablesConfig  `mapstructure:"tables"`
}

type TablesConfig struct {
	AccountName      string `mapstructure:"account_name"`
	ConnectionString string `mapstructure:"connection_string"`
}

type DatabaseConfig struct {
	Postgres      PostgresConfig  `mapstructure:"postgres"`
	Redis         RedisConfig     `mapstructure:"redis"`
	MongoDB       MongoDBConfig   `mapstructure:"mongodb"`
	Cassandra     CassandraConfig `mapstructure:"cassandra"`
	RunMigrations bool            `mapstructure:"run_migrations"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MongoDBConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type CassandraConfig struct {
	Hosts       []string      `mapstructure:"hosts"`
	Keyspace    string        `mapstructure:"keyspace"`
	Consistency string        `mapstructure:"consistency"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
}

type ConsumerConfig struct {
	Workers int `mapstructure:"workers"`
	// LockRenewInterval > 0 renews the delivery lock while a message is in
	// flight.
	LockRenewInterval time.Duration `mapstructure:"lock_renew_interval"`
	ReceiveBackoff    RetryConfig   `mapstructure:"receive_backoff"`
}

type PublisherConfig struct {
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Retry     RetryConfig     `mapstructure:"retry"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

type RateLimitConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	RPS             float64       `mapstructure:"rps"`
	Burst           int           `mapstructure:"burst"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	MaxAge          time.Duration `mapstructure:"max_age"`
}

type InspectionConfig struct {
	Provider   string        `mapstructure:"provider"` // "azure" or "openai"
	Endpoint   string        `mapstructure:"endpoint"`
	APIKey     string        `mapstructure:"api_key"`
	Deployment string        `mapstructure:"deployment"`
	APIVersion string        `mapstructure:"api_version"`
	Model      string        `mapstructure:"model"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type ViewerConfig struct {
	DefaultLimit int `mapstructure:"default_limit"`
	MaxLimit     int `mapstructure:"max_limit"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

type TracingConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	OTLP        OTLPConfig    `mapstructure:"otlp"`
	Sampler     SamplerConfig `mapstructure:"sampler"`
}

type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

type SamplerConfig struct {
	Type  string  `mapstructure:"type"`
	Param float64 `mapstructure:"param"`
}

func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}
