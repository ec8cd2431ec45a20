package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"mailguard/internal/config"
	"mailguard/internal/constants"
	"mailguard/pkg/metrics"
	"mailguard/pkg/models"
	"mailguard/pkg/tracing"
)

// DeadLetter is a message the memory broker gave up on.
type DeadLetter struct {
	MessageID     string
	Body          []byte
	DeliveryCount int
	Reason        string
	At            time.Time
}

type memMessage struct {
	id            string
	body          []byte
	headers       map[string]string
	deliveryCount int
	handle        LockHandle
	lockedUntil   time.Time
}

type memSubscription struct {
	topic       string
	ready       []*memMessage
	inflight    map[LockHandle]*memMessage
	deadLetters []DeadLetter
}

// MemoryBroker is an in-process topic with competing receivers per
// subscription. Locks expire after lock_duration and a message is
// dead-lettered once its delivery count reaches max_delivery_count.
type MemoryBroker struct {
	mu            sync.Mutex
	changed       chan struct{}
	subscriptions map[string]map[string]*memSubscription
	maxDelivery   int
	lockDuration  time.Duration
	pollTimeout   time.Duration
	now           func() time.Time
}

func NewMemoryBroker(cfg config.BrokerConfig) *MemoryBroker {
	b := &MemoryBroker{
		changed:       make(chan struct{}),
		subscriptions: make(map[string]map[string]*memSubscription),
		maxDelivery:   cfg.MaxDeliveryCount,
		lockDuration:  cfg.LockDuration,
		pollTimeout:   cfg.PollTimeout,
		now:           time.Now,
	}
	if b.maxDelivery <= 0 {
		b.maxDelivery = constants.DefaultMaxDeliveryCount
	}
	if b.lockDuration <= 0 {
		b.lockDuration = time.Minute
	}
	if b.pollTimeout <= 0 {
		b.pollTimeout = 5 * time.Second
	}
	return b
}

// Subscribe creates the subscription if it does not exist. Messages published
// to a topic before any subscription exists are dropped.
func (b *MemoryBroker) Subscribe(topic, subscription string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscriptionLocked(topic, subscription)
}

func (b *MemoryBroker) subscriptionLocked(topic, subscription string) *memSubscription {
	subs, ok := b.subscriptions[topic]
	if !ok {
		subs = make(map[string]*memSubscription)
		b.subscriptions[topic] = subs
	}
	sub, ok := subs[subscription]
	if !ok {
		sub = &memSubscription{topic: topic, inflight: make(map[LockHandle]*memMessage)}
		subs[subscription] = sub
	}
	return sub
}

func (b *MemoryBroker) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

func (b *MemoryBroker) publish(ctx context.Context, topic string, env models.Envelope) (PublishReceipt, error) {
	body, err := models.Marshal(env)
	if err != nil {
		return PublishReceipt{}, publishError(topic, err)
	}

	headers := tracing.InjectHeaders(ctx, map[string]string{constants.HeaderMessageID: env.ID})

	b.mu.Lock()
	for _, sub := range b.subscriptions[topic] {
		sub.ready = append(sub.ready, &memMessage{
			id:      env.ID,
			body:    body,
			headers: copyHeaders(headers),
		})
	}
	b.notifyLocked()
	b.mu.Unlock()

	metrics.IncBrokerMessage(constants.BrokerTypeMemory, topic, "out", len(body))
	return PublishReceipt{MessageID: env.ID, Topic: topic}, nil
}

// reclaimLocked returns expired claims to the queue and reports how long until
// the next claim expires.
func (b *MemoryBroker) reclaimLocked(sub *memSubscription, now time.Time) time.Duration {
	next := time.Duration(-1)
	for handle, msg := range sub.inflight {
		if !msg.lockedUntil.After(now) {
			delete(sub.inflight, handle)
			b.releaseLocked(sub, msg, "lock expired", now)
			continue
		}
		if wait := msg.lockedUntil.Sub(now); next < 0 || wait < next {
			next = wait
		}
	}
	return next
}

func (b *MemoryBroker) releaseLocked(sub *memSubscription, msg *memMessage, reason string, now time.Time) {
	msg.handle = ""
	if msg.deliveryCount >= b.maxDelivery {
		sub.deadLetters = append(sub.deadLetters, DeadLetter{
			MessageID:     msg.id,
			Body:          msg.body,
			DeliveryCount: msg.deliveryCount,
			Reason:        reason,
			At:            now,
		})
		metrics.IncDLQ(constants.BrokerTypeMemory, sub.topic, "max_delivery_count_exceeded")
		return
	}
	sub.ready = append(sub.ready, msg)
	b.notifyLocked()
}

func (b *MemoryBroker) receive(ctx context.Context, topic, subscription string) (*Delivery, error) {
	deadline := time.NewTimer(b.pollTimeout)
	defer deadline.Stop()

	for {
		b.mu.Lock()
		sub := b.subscriptionLocked(topic, subscription)
		now := b.now()
		nextExpiry := b.reclaimLocked(sub, now)

		if len(sub.ready) > 0 {
			msg := sub.ready[0]
			sub.ready = sub.ready[1:]
			msg.deliveryCount++
			msg.handle = LockHandle(uuid.New().String())
			msg.lockedUntil = now.Add(b.lockDuration)
			sub.inflight[msg.handle] = msg

			d := &Delivery{
				Body:          msg.body,
				Handle:        msg.handle,
				DeliveryCount: msg.deliveryCount,
				LockedUntil:   msg.lockedUntil,
				Headers:       copyHeaders(msg.headers),
				MessageID:     msg.id,
			}
			b.mu.Unlock()
			metrics.IncBrokerMessage(constants.BrokerTypeMemory, topic, "in", len(msg.body))
			return d, nil
		}

		changed := b.changed
		b.mu.Unlock()

		var (
			expiry      <-chan time.Time
			expiryTimer *time.Timer
		)
		if nextExpiry >= 0 {
			expiryTimer = time.NewTimer(nextExpiry)
			expiry = expiryTimer.C
		}

		var timedOut bool
		select {
		case <-ctx.Done():
		case <-deadline.C:
			timedOut = true
		case <-changed:
		case <-expiry:
		}
		if expiryTimer != nil {
			expiryTimer.Stop()
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if timedOut {
			return nil, nil
		}
	}
}

func (b *MemoryBroker) resolve(topic, subscription string, d *Delivery, abandon bool, reason string) error {
	if d == nil {
		return ErrLockLost.WithMessage("nil delivery")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sub := b.subscriptionLocked(topic, subscription)
	msg, ok := sub.inflight[d.Handle]
	if !ok {
		return ErrLockLost.WithDetail("handle", string(d.Handle))
	}
	delete(sub.inflight, d.Handle)

	now := b.now()
	if !msg.lockedUntil.After(now) {
		b.releaseLocked(sub, msg, "lock expired", now)
		return ErrLockLost.WithDetail("handle", string(d.Handle))
	}

	if abandon {
		b.releaseLocked(sub, msg, reason, now)
	}
	return nil
}

func (b *MemoryBroker) renew(topic, subscription string, d *Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := b.subscriptionLocked(topic, subscription)
	msg, ok := sub.inflight[d.Handle]
	now := b.now()
	if !ok || !msg.lockedUntil.After(now) {
		return ErrLockLost.WithDetail("handle", string(d.Handle))
	}
	msg.lockedUntil = now.Add(b.lockDuration)
	d.LockedUntil = msg.lockedUntil
	return nil
}

// DeadLetters returns a copy of the dead-letter list of a subscription.
func (b *MemoryBroker) DeadLetters(topic, subscription string) []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := b.subscriptionLocked(topic, subscription)
	out := make([]DeadLetter, len(sub.deadLetters))
	copy(out, sub.deadLetters)
	return out
}

// Pending counts messages waiting or in flight on a subscription.
func (b *MemoryBroker) Pending(topic, subscription string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := b.subscriptionLocked(topic, subscription)
	return len(sub.ready) + len(sub.inflight)
}

func (b *MemoryBroker) Producer() Producer {
	return &memoryProducer{broker: b}
}

// Receiver subscribes to topic and returns a receiver competing with every
// other receiver on the same subscription.
func (b *MemoryBroker) Receiver(topic, subscription string) Receiver {
	b.Subscribe(topic, subscription)
	return &memoryReceiver{broker: b, topic: topic, subscription: subscription}
}

type memoryProducer struct {
	broker *MemoryBroker
}

func (p *memoryProducer) Publish(ctx context.Context, topic string, env models.Envelope) (PublishReceipt, error) {
	return p.broker.publish(ctx, topic, env)
}

func (p *memoryProducer) Close() error {
	return nil
}

type memoryReceiver struct {
	broker       *MemoryBroker
	topic        string
	subscription string
}

func (r *memoryReceiver) Receive(ctx context.Context) (*Delivery, error) {
	return r.broker.receive(ctx, r.topic, r.subscription)
}

func (r *memoryReceiver) Complete(ctx context.Context, d *Delivery) error {
	return r.broker.resolve(r.topic, r.subscription, d, false, "")
}

func (r *memoryReceiver) Abandon(ctx context.Context, d *Delivery, reason string) error {
	return r.broker.resolve(r.topic, r.subscription, d, true, reason)
}

func (r *memoryReceiver) RenewLock(ctx context.Context, d *Delivery) error {
	return r.broker.renew(r.topic, r.subscription, d)
}

func (r *memoryReceiver) Close() error {
	return nil
}

func copyHeaders(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
