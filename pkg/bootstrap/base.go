package bootstrap

import (
	"context"
	"fmt"

	"mailguard/internal/broker"
	"mailguard/internal/config"
	"mailguard/internal/logger"
)

// Base holds what every service builds first: config, logger and the broker
// factory. Services that write to the broker also get a Producer.
type Base struct {
	Config   *config.Config
	Logger   logger.Logger
	Brokers  *broker.Factory
	Producer broker.Producer
}

func NewBase(cfg *config.Config, log logger.Logger) *Base {
	return &Base{
		Config:  cfg,
		Logger:  log,
		Brokers: broker.NewFactory(cfg.Broker, log),
	}
}

func (b *Base) InitProducer() error {
	producer, err := b.Brokers.NewProducer()
	if err != nil {
		return fmt.Errorf("failed to create producer: %w", err)
	}

	b.Producer = producer
	b.Logger.Infow("Broker producer ready", "type", b.Brokers.Type(), "topic", b.Config.Broker.Topic)
	return nil
}

func (b *Base) ShutdownBroker() []error {
	var errs []error

	if b.Producer != nil {
		if err := b.Producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("producer close error: %w", err))
		}
	}

	return errs
}

func (b *Base) Shutdown(ctx context.Context, additionalShutdown func(ctx context.Context) []error) error {
	b.Logger.InfowCtx(ctx, "Shutting down application...")

	var errs []error

	if additionalShutdown != nil {
		errs = append(errs, additionalShutdown(ctx)...)
	}

	errs = append(errs, b.ShutdownBroker()...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	b.Logger.InfowCtx(ctx, "Application exited successfully")
	return nil
}
