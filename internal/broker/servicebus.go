package broker

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"

	"mailguard/internal/config"
	"mailguard/internal/constants"
	"mailguard/internal/logger"
	"mailguard/pkg/metrics"
	"mailguard/pkg/models"
	"mailguard/pkg/tracing"
)

const abandonReasonProperty = "abandon_reason"

func newServiceBusClient(cfg config.ServiceBusConfig) (*azservicebus.Client, error) {
	if cfg.ConnectionString != "" {
		client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create service bus client: %w", err)
		}
		return client, nil
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create azure credential: %w", err)
	}

	client, err := azservicebus.NewClient(cfg.Namespace, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create service bus client: %w", err)
	}
	return client, nil
}

type ServiceBusProducer struct {
	client *azservicebus.Client
	logger logger.Logger

	mu      sync.Mutex
	senders map[string]*azservicebus.Sender
}

func NewServiceBusProducer(cfg config.BrokerConfig, log logger.Logger) (*ServiceBusProducer, error) {
	client, err := newServiceBusClient(cfg.ServiceBus)
	if err != nil {
		return nil, err
	}
	return &ServiceBusProducer{
		client:  client,
		logger:  log,
		senders: make(map[string]*azservicebus.Sender),
	}, nil
}

func (p *ServiceBusProducer) sender(topic string) (*azservicebus.Sender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.senders[topic]; ok {
		return s, nil
	}
	s, err := p.client.NewSender(topic, nil)
	if err != nil {
		return nil, err
	}
	p.senders[topic] = s
	return s, nil
}

func (p *ServiceBusProducer) Publish(ctx context.Context, topic string, env models.Envelope) (PublishReceipt, error) {
	body, err := models.Marshal(env)
	if err != nil {
		return PublishReceipt{}, publishError(topic, err)
	}

	sender, err := p.sender(topic)
	if err != nil {
		return PublishReceipt{}, publishError(topic, err)
	}

	props := make(map[string]any)
	for k, v := range tracing.InjectHeaders(ctx, nil) {
		props[k] = v
	}

	start := time.Now()
	err = sender.SendMessage(ctx, &azservicebus.Message{
		Body:                  body,
		MessageID:             to.Ptr(env.ID),
		ContentType:           to.Ptr("application/json"),
		ApplicationProperties: props,
	}, nil)
	if err != nil {
		return PublishReceipt{}, publishError(topic, err)
	}

	metrics.ObservePublishDuration(constants.BrokerTypeServiceBus, time.Since(start))
	metrics.IncBrokerMessage(constants.BrokerTypeServiceBus, topic, "out", len(body))
	return PublishReceipt{MessageID: env.ID, Topic: topic}, nil
}

func (p *ServiceBusProducer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for topic, s := range p.senders {
		if err := s.Close(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close sender for %s: %w", topic, err)
		}
	}
	if err := p.client.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// ServiceBusReceiver receives from a topic subscription in peek-lock mode.
// Dead-lettering past MaxDeliveryCount is done by the service itself using
// the subscription's own setting.
type ServiceBusReceiver struct {
	cfg         config.BrokerConfig
	client      *azservicebus.Client
	receiver    *azservicebus.Receiver
	logger      logger.Logger
	mu          sync.Mutex
	outstanding map[LockHandle]*azservicebus.ReceivedMessage
}

func NewServiceBusReceiver(cfg config.BrokerConfig, log logger.Logger) (*ServiceBusReceiver, error) {
	client, err := newServiceBusClient(cfg.ServiceBus)
	if err != nil {
		return nil, err
	}

	receiver, err := client.NewReceiverForSubscription(cfg.Topic, cfg.Subscription, &azservicebus.ReceiverOptions{
		ReceiveMode: azservicebus.ReceiveModePeekLock,
	})
	if err != nil {
		client.Close(context.Background())
		return nil, fmt.Errorf("failed to create subscription receiver: %w", err)
	}

	return &ServiceBusReceiver{
		cfg:         cfg,
		client:      client,
		receiver:    receiver,
		logger:      log,
		outstanding: make(map[LockHandle]*azservicebus.ReceivedMessage),
	}, nil
}

func (r *ServiceBusReceiver) Receive(ctx context.Context) (*Delivery, error) {
	pollCtx, cancel := context.WithTimeout(ctx, r.cfg.PollTimeout)
	defer cancel()

	msgs, err := r.receiver.ReceiveMessages(pollCtx, 1, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("failed to receive service bus message: %w", err)
		}
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	m := msgs[0]
	metrics.IncBrokerMessage(constants.BrokerTypeServiceBus, r.cfg.Topic, "in", len(m.Body))

	headers := make(map[string]string, len(m.ApplicationProperties))
	for k, v := range m.ApplicationProperties {
		headers[k] = fmt.Sprint(v)
	}

	handle := LockHandle(hex.EncodeToString(m.LockToken[:]))
	r.mu.Lock()
	r.outstanding[handle] = m
	r.mu.Unlock()

	d := &Delivery{
		Body:          m.Body,
		Handle:        handle,
		DeliveryCount: int(m.DeliveryCount),
		Headers:       headers,
		MessageID:     m.MessageID,
	}
	if m.LockedUntil != nil {
		d.LockedUntil = *m.LockedUntil
	}
	return d, nil
}

func (r *ServiceBusReceiver) take(d *Delivery) (*azservicebus.ReceivedMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.outstanding[d.Handle]
	if !ok {
		return nil, ErrLockLost.WithDetail("handle", string(d.Handle))
	}
	delete(r.outstanding, d.Handle)
	return m, nil
}

func (r *ServiceBusReceiver) lookup(d *Delivery) (*azservicebus.ReceivedMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.outstanding[d.Handle]
	if !ok {
		return nil, ErrLockLost.WithDetail("handle", string(d.Handle))
	}
	return m, nil
}

func (r *ServiceBusReceiver) Complete(ctx context.Context, d *Delivery) error {
	m, err := r.take(d)
	if err != nil {
		return err
	}
	return mapServiceBusError(d, r.receiver.CompleteMessage(ctx, m, nil))
}

func (r *ServiceBusReceiver) Abandon(ctx context.Context, d *Delivery, reason string) error {
	m, err := r.take(d)
	if err != nil {
		return err
	}
	if d.DeliveryCount >= r.cfg.MaxDeliveryCount {
		metrics.IncDLQ(constants.BrokerTypeServiceBus, r.cfg.Topic, "max_delivery_count_exceeded")
	}
	return mapServiceBusError(d, r.receiver.AbandonMessage(ctx, m, &azservicebus.AbandonMessageOptions{
		PropertiesToModify: map[string]any{abandonReasonProperty: reason},
	}))
}

func (r *ServiceBusReceiver) RenewLock(ctx context.Context, d *Delivery) error {
	m, err := r.lookup(d)
	if err != nil {
		return err
	}
	if err := r.receiver.RenewMessageLock(ctx, m, nil); err != nil {
		return mapServiceBusError(d, err)
	}
	if m.LockedUntil != nil {
		d.LockedUntil = *m.LockedUntil
	}
	return nil
}

func (r *ServiceBusReceiver) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()

	err := r.receiver.Close(ctx)
	if closeErr := r.client.Close(ctx); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

func mapServiceBusError(d *Delivery, err error) error {
	if err == nil {
		return nil
	}
	var sbErr *azservicebus.Error
	if errors.As(err, &sbErr) && sbErr.Code == azservicebus.CodeLockLost {
		return ErrLockLost.WithCause(err).WithDetail("handle", string(d.Handle))
	}
	return err
}
