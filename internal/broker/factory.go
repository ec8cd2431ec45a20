package broker

import (
	"context"
	"fmt"

	"mailguard/internal/config"
	"mailguard/internal/constants"
	"mailguard/internal/logger"
)

// Factory builds producers and receivers for the configured backend. The
// in-memory backend is shared by everything built from one Factory.
type Factory struct {
	cfg    config.BrokerConfig
	log    logger.Logger
	memory *MemoryBroker
}

func NewFactory(cfg config.BrokerConfig, log logger.Logger) *Factory {
	f := &Factory{cfg: cfg, log: log}
	if cfg.Type == constants.BrokerTypeMemory {
		f.memory = NewMemoryBroker(cfg)
	}
	return f
}

// Memory returns the shared in-memory broker, or nil for other backends.
func (f *Factory) Memory() *MemoryBroker {
	return f.memory
}

func (f *Factory) Type() string {
	return f.cfg.Type
}

func (f *Factory) NewProducer() (Producer, error) {
	switch f.cfg.Type {
	case constants.BrokerTypeMemory:
		return f.memory.Producer(), nil
	case constants.BrokerTypeKafka:
		return NewKafkaProducer(f.cfg.Kafka, f.log), nil
	case constants.BrokerTypeRabbitMQ:
		return NewRabbitMQProducer(f.cfg, f.log)
	case constants.BrokerTypeServiceBus:
		return NewServiceBusProducer(f.cfg, f.log)
	default:
		return nil, fmt.Errorf("unknown broker type: %s", f.cfg.Type)
	}
}

func (f *Factory) NewReceiver(ctx context.Context) (Receiver, error) {
	switch f.cfg.Type {
	case constants.BrokerTypeMemory:
		return f.memory.Receiver(f.cfg.Topic, f.cfg.Subscription), nil
	case constants.BrokerTypeKafka:
		return NewKafkaReceiver(f.cfg, f.log), nil
	case constants.BrokerTypeRabbitMQ:
		return NewRabbitMQReceiver(ctx, f.cfg, f.log)
	case constants.BrokerTypeServiceBus:
		return NewServiceBusReceiver(f.cfg, f.log)
	default:
		return nil, fmt.Errorf("unknown broker type: %s", f.cfg.Type)
	}
}

func NewProducer(cfg config.BrokerConfig, log logger.Logger) (Producer, error) {
	return NewFactory(cfg, log).NewProducer()
}

func NewReceiver(ctx context.Context, cfg config.BrokerConfig, log logger.Logger) (Receiver, error) {
	return NewFactory(cfg, log).NewReceiver(ctx)
}
