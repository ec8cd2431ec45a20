package broker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"mailguard/internal/config"
	"mailguard/internal/constants"
	"mailguard/internal/logger"
	"mailguard/pkg/metrics"
	"mailguard/pkg/models"
	"mailguard/pkg/tracing"
)

const dlxSuffix = "-dlx"

// RabbitMQProducer publishes envelopes to a fanout exchange named after the
// topic and waits for the broker confirm.
type RabbitMQProducer struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	confirms chan amqp.Confirmation
	logger   logger.Logger

	mu       sync.Mutex
	declared map[string]bool
}

func NewRabbitMQProducer(cfg config.BrokerConfig, log logger.Logger) (*RabbitMQProducer, error) {
	conn, err := amqp.Dial(cfg.RabbitMQ.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	return &RabbitMQProducer{
		conn:     conn,
		ch:       ch,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
		logger:   log,
		declared: make(map[string]bool),
	}, nil
}

func (p *RabbitMQProducer) Publish(ctx context.Context, topic string, env models.Envelope) (PublishReceipt, error) {
	body, err := models.Marshal(env)
	if err != nil {
		return PublishReceipt{}, publishError(topic, err)
	}

	headers := amqp.Table{}
	for k, v := range tracing.InjectHeaders(ctx, nil) {
		headers[k] = v
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.declared[topic] {
		if err := p.ch.ExchangeDeclare(topic, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
			return PublishReceipt{}, publishError(topic, fmt.Errorf("failed to declare exchange: %w", err))
		}
		p.declared[topic] = true
	}

	start := time.Now()
	err = p.ch.Publish(topic, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.ID,
		Timestamp:    env.Timestamp,
		Headers:      headers,
		Body:         body,
	})
	if err != nil {
		return PublishReceipt{}, publishError(topic, err)
	}

	select {
	case confirm, ok := <-p.confirms:
		if !ok {
			return PublishReceipt{}, publishError(topic, fmt.Errorf("rabbitmq channel closed before confirm"))
		}
		if !confirm.Ack {
			return PublishReceipt{}, publishError(topic, fmt.Errorf("rabbitmq nacked delivery tag %d", confirm.DeliveryTag))
		}
	case <-ctx.Done():
		return PublishReceipt{}, publishError(topic, ctx.Err())
	}

	metrics.ObservePublishDuration(constants.BrokerTypeRabbitMQ, time.Since(start))
	metrics.IncBrokerMessage(constants.BrokerTypeRabbitMQ, topic, "out", len(body))
	return PublishReceipt{MessageID: env.ID, Topic: topic}, nil
}

func (p *RabbitMQProducer) Close() error {
	if err := p.ch.Close(); err != nil {
		p.conn.Close()
		return err
	}
	return p.conn.Close()
}

// RabbitMQReceiver consumes the subscription queue. The queue is a quorum
// queue so the broker tracks x-delivery-count and dead-letters to
// <subscription>-dlx past x-delivery-limit.
type RabbitMQReceiver struct {
	cfg         config.BrokerConfig
	conn        *amqp.Connection
	ch          *amqp.Channel
	deliveries  <-chan amqp.Delivery
	closed      chan *amqp.Error
	logger      logger.Logger
	mu          sync.Mutex
	outstanding map[LockHandle]amqp.Delivery
}

func NewRabbitMQReceiver(ctx context.Context, cfg config.BrokerConfig, log logger.Logger) (*RabbitMQReceiver, error) {
	conn, err := amqp.Dial(cfg.RabbitMQ.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}

	if err := setupSubscription(ch, cfg); err != nil {
		conn.Close()
		return nil, err
	}

	if err := ch.Qos(cfg.RabbitMQ.PrefetchCount, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := ch.Consume(cfg.Subscription, "", false, false, false, false, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	log.InfowCtx(ctx, "RabbitMQ receiver ready",
		"exchange", cfg.Topic,
		"queue", cfg.Subscription,
		"prefetch", cfg.RabbitMQ.PrefetchCount,
	)

	return &RabbitMQReceiver{
		cfg:         cfg,
		conn:        conn,
		ch:          ch,
		deliveries:  deliveries,
		closed:      conn.NotifyClose(make(chan *amqp.Error, 1)),
		logger:      log,
		outstanding: make(map[LockHandle]amqp.Delivery),
	}, nil
}

func setupSubscription(ch *amqp.Channel, cfg config.BrokerConfig) error {
	if err := ch.ExchangeDeclare(cfg.Topic, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", cfg.Topic, err)
	}

	dlx := cfg.Subscription + dlxSuffix
	if err := ch.ExchangeDeclare(dlx, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", dlx, err)
	}
	if _, err := ch.QueueDeclare(dlx, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", dlx, err)
	}
	if err := ch.QueueBind(dlx, "", dlx, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", dlx, err)
	}

	// x-delivery-limit counts failed deliveries, so the total is limit+1.
	limit := cfg.MaxDeliveryCount - 1
	if limit < 0 {
		limit = 0
	}
	args := amqp.Table{
		"x-queue-type":           "quorum",
		"x-delivery-limit":       int32(limit),
		"x-dead-letter-exchange": dlx,
	}
	if _, err := ch.QueueDeclare(cfg.Subscription, true, false, false, false, args); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", cfg.Subscription, err)
	}
	if err := ch.QueueBind(cfg.Subscription, "", cfg.Topic, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", cfg.Subscription, err)
	}
	return nil
}

func (r *RabbitMQReceiver) Receive(ctx context.Context) (*Delivery, error) {
	timer := time.NewTimer(r.cfg.PollTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case amqpErr := <-r.closed:
		return nil, receiverClosed(amqpErr)
	case m, ok := <-r.deliveries:
		if !ok {
			return nil, receiverClosed(nil)
		}
		metrics.IncBrokerMessage(constants.BrokerTypeRabbitMQ, r.cfg.Topic, "in", len(m.Body))

		headers := make(map[string]string, len(m.Headers))
		for k, v := range m.Headers {
			headers[k] = fmt.Sprint(v)
		}

		handle := LockHandle(strconv.FormatUint(m.DeliveryTag, 10))
		r.mu.Lock()
		r.outstanding[handle] = m
		r.mu.Unlock()

		return &Delivery{
			Body:          m.Body,
			Handle:        handle,
			DeliveryCount: amqpDeliveryCount(m.Headers) + 1,
			Headers:       headers,
			MessageID:     m.MessageId,
		}, nil
	}
}

// receiverClosed reports a dropped connection or cancelled consumer. Unacked
// deliveries on the dead channel go back to the queue.
func receiverClosed(amqpErr *amqp.Error) error {
	if amqpErr != nil {
		return ErrReceiverClosed.WithCause(amqpErr).WithDetail("broker", constants.BrokerTypeRabbitMQ)
	}
	return ErrReceiverClosed.WithDetail("broker", constants.BrokerTypeRabbitMQ)
}

// amqpDeliveryCount reads the quorum queue's count of earlier deliveries.
func amqpDeliveryCount(headers amqp.Table) int {
	switch v := headers[constants.HeaderDeliveryCount].(type) {
	case int64:
		return int(v)
	case int32:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func (r *RabbitMQReceiver) take(d *Delivery) (amqp.Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.outstanding[d.Handle]
	if !ok {
		return amqp.Delivery{}, ErrLockLost.WithDetail("handle", string(d.Handle))
	}
	delete(r.outstanding, d.Handle)
	return m, nil
}

func (r *RabbitMQReceiver) Complete(ctx context.Context, d *Delivery) error {
	m, err := r.take(d)
	if err != nil {
		return err
	}
	return m.Ack(false)
}

func (r *RabbitMQReceiver) Abandon(ctx context.Context, d *Delivery, reason string) error {
	m, err := r.take(d)
	if err != nil {
		return err
	}
	if d.DeliveryCount >= r.cfg.MaxDeliveryCount {
		metrics.IncDLQ(constants.BrokerTypeRabbitMQ, r.cfg.Topic, "max_delivery_count_exceeded")
	}
	return m.Nack(false, true)
}

// RenewLock is a no-op: an unacked delivery stays claimed while the channel
// is open.
func (r *RabbitMQReceiver) RenewLock(ctx context.Context, d *Delivery) error {
	return nil
}

func (r *RabbitMQReceiver) Close() error {
	if err := r.ch.Close(); err != nil {
		r.conn.Close()
		return err
	}
	return r.conn.Close()
}
