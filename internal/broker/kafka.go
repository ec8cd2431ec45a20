package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"mailguard/internal/config"
	"mailguard/internal/constants"
	"mailguard/internal/logger"
	"mailguard/pkg/metrics"
	"mailguard/pkg/models"
	"mailguard/pkg/tracing"
)

type KafkaProducer struct {
	writer *kafka.Writer
	logger logger.Logger
}

func NewKafkaProducer(cfg config.KafkaConfig, log logger.Logger) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: constants.KafkaBatchTimeout,
		WriteTimeout: constants.KafkaWriteTimeout,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}
	return &KafkaProducer{writer: w, logger: log}
}

func (p *KafkaProducer) Publish(ctx context.Context, topic string, env models.Envelope) (PublishReceipt, error) {
	body, err := models.Marshal(env)
	if err != nil {
		return PublishReceipt{}, publishError(topic, err)
	}

	headers := []kafka.Header{
		{Key: constants.HeaderMessageID, Value: []byte(env.ID)},
		{Key: constants.HeaderDeliveryCount, Value: []byte("0")},
	}
	for k, v := range tracing.InjectHeaders(ctx, nil) {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	if err := p.write(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(env.ID),
		Value:   body,
		Headers: headers,
		Time:    time.Now(),
	}); err != nil {
		return PublishReceipt{}, publishError(topic, err)
	}

	return PublishReceipt{MessageID: env.ID, Topic: topic}, nil
}

func (p *KafkaProducer) write(ctx context.Context, msg kafka.Message) error {
	start := time.Now()
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}
	metrics.ObservePublishDuration(constants.BrokerTypeKafka, time.Since(start))
	metrics.IncBrokerMessage(constants.BrokerTypeKafka, msg.Topic, "out", len(msg.Value))
	return nil
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

// KafkaReceiver reads one consumer-group member's share of the topic. Kafka
// has no per-message abandon, so an abandoned message is re-published to the
// topic with an incremented delivery count and its offset committed. Once the
// count reaches the ceiling it goes to the DLQ topic instead.
type KafkaReceiver struct {
	cfg         config.BrokerConfig
	reader      *kafka.Reader
	producer    *KafkaProducer
	logger      logger.Logger
	mu          sync.Mutex
	outstanding map[LockHandle]kafka.Message
}

// KafkaDLQTopic is broker.kafka.dlq_topic, or the subscribed topic with the
// ".dlq" suffix when unset.
func KafkaDLQTopic(cfg config.BrokerConfig) string {
	if cfg.Kafka.DLQTopic != "" {
		return cfg.Kafka.DLQTopic
	}
	return cfg.Topic + constants.DLQTopicSuffix
}

func NewKafkaReceiver(cfg config.BrokerConfig, log logger.Logger) *KafkaReceiver {
	log.Infow("Creating Kafka reader",
		"topic", cfg.Topic,
		"brokers", cfg.Kafka.Brokers,
		"group_id", cfg.Kafka.GroupID,
		"dlq_topic", KafkaDLQTopic(cfg),
	)

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Kafka.Brokers,
		GroupID:  cfg.Kafka.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 10e3,
		MaxBytes: 10e6,
		MaxWait:  cfg.PollTimeout,
	})

	return &KafkaReceiver{
		cfg:         cfg,
		reader:      reader,
		producer:    NewKafkaProducer(cfg.Kafka, log),
		logger:      log,
		outstanding: make(map[LockHandle]kafka.Message),
	}
}

func (r *KafkaReceiver) Receive(ctx context.Context) (*Delivery, error) {
	pollCtx, cancel := context.WithTimeout(ctx, r.cfg.PollTimeout)
	defer cancel()

	m, err := r.reader.FetchMessage(pollCtx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch kafka message: %w", err)
	}

	metrics.IncBrokerMessage(constants.BrokerTypeKafka, m.Topic, "in", len(m.Value))

	headers := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		headers[h.Key] = string(h.Value)
	}

	// The header counts previous deliveries; this one is the next.
	previous, _ := strconv.Atoi(headers[constants.HeaderDeliveryCount])

	handle := LockHandle(fmt.Sprintf("%s/%d/%d", m.Topic, m.Partition, m.Offset))
	r.mu.Lock()
	r.outstanding[handle] = m
	r.mu.Unlock()

	return &Delivery{
		Body:          m.Value,
		Handle:        handle,
		DeliveryCount: previous + 1,
		Headers:       headers,
		MessageID:     headers[constants.HeaderMessageID],
	}, nil
}

func (r *KafkaReceiver) take(d *Delivery) (kafka.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.outstanding[d.Handle]
	if !ok {
		return kafka.Message{}, ErrLockLost.WithDetail("handle", string(d.Handle))
	}
	delete(r.outstanding, d.Handle)
	return m, nil
}

func (r *KafkaReceiver) Complete(ctx context.Context, d *Delivery) error {
	m, err := r.take(d)
	if err != nil {
		return err
	}
	if err := r.reader.CommitMessages(ctx, m); err != nil {
		return fmt.Errorf("failed to commit kafka message: %w", err)
	}
	return nil
}

func (r *KafkaReceiver) Abandon(ctx context.Context, d *Delivery, reason string) error {
	m, err := r.take(d)
	if err != nil {
		return err
	}

	if d.DeliveryCount >= r.cfg.MaxDeliveryCount {
		if err := r.sendToDLQ(ctx, m, d.DeliveryCount, reason); err != nil {
			return err
		}
	} else {
		retry := kafka.Message{
			Topic:   m.Topic,
			Key:     m.Key,
			Value:   m.Value,
			Headers: setHeader(m.Headers, constants.HeaderDeliveryCount, strconv.Itoa(d.DeliveryCount)),
			Time:    time.Now(),
		}
		if err := r.producer.write(ctx, retry); err != nil {
			return err
		}
	}

	if err := r.reader.CommitMessages(ctx, m); err != nil {
		return fmt.Errorf("failed to commit kafka message: %w", err)
	}
	return nil
}

func (r *KafkaReceiver) sendToDLQ(ctx context.Context, m kafka.Message, deliveryCount int, reason string) error {
	dlqTopic := KafkaDLQTopic(r.cfg)

	headers := setHeader(m.Headers, constants.HeaderDeliveryCount, strconv.Itoa(deliveryCount))
	headers = setHeader(headers, constants.HeaderDLQReason, reason)
	headers = setHeader(headers, constants.HeaderDLQSourceTopic, m.Topic)
	headers = setHeader(headers, constants.HeaderDLQTimestamp, time.Now().UTC().Format(time.RFC3339))

	if err := r.producer.write(ctx, kafka.Message{
		Topic:   dlqTopic,
		Key:     m.Key,
		Value:   m.Value,
		Headers: headers,
		Time:    time.Now(),
	}); err != nil {
		return fmt.Errorf("failed to publish to DLQ: %w", err)
	}

	metrics.IncDLQ(constants.BrokerTypeKafka, m.Topic, "max_delivery_count_exceeded")
	r.logger.InfowCtx(ctx, "Message sent to DLQ",
		"source_topic", m.Topic,
		"dlq_topic", dlqTopic,
		"reason", reason,
	)
	return nil
}

// RenewLock is a no-op: a fetched Kafka message stays claimed until its
// offset is committed or the group rebalances.
func (r *KafkaReceiver) RenewLock(ctx context.Context, d *Delivery) error {
	return nil
}

func (r *KafkaReceiver) Close() error {
	err := r.reader.Close()
	if closeErr := r.producer.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

func setHeader(headers []kafka.Header, key, value string) []kafka.Header {
	out := make([]kafka.Header, 0, len(headers)+1)
	for _, h := range headers {
		if h.Key != key {
			out = append(out, h)
		}
	}
	return append(out, kafka.Header{Key: key, Value: []byte(value)})
}
