package broker

import (
	"context"
	"net/http"
	"time"

	"mailguard/pkg/errors"
	"mailguard/pkg/models"
)

// ErrLockLost is returned when a delivery is resolved or renewed after its
// claim has expired or was already resolved.
var ErrLockLost = errors.NewError("LOCK_LOST", "delivery lock lost", http.StatusConflict)

// ErrReceiverClosed is returned by Receive once the session behind a receiver
// is gone for good. The receiver must be closed and a new one opened.
var ErrReceiverClosed = errors.NewError("RECEIVER_CLOSED", "receive session closed", http.StatusServiceUnavailable).AsRetryable()

// LockHandle identifies one claim on one delivery. A redelivery of the same
// message carries a new handle.
type LockHandle string

type PublishReceipt struct {
	MessageID string
	Topic     string
}

// Delivery is one received copy of a message. Body is the raw wire payload.
type Delivery struct {
	Body          []byte
	Handle        LockHandle
	DeliveryCount int
	LockedUntil   time.Time
	Headers       map[string]string
	MessageID     string
}

type Producer interface {
	Publish(ctx context.Context, topic string, env models.Envelope) (PublishReceipt, error)
	Close() error
}

// Receiver owns one receive session on the configured subscription. It is
// used by a single worker.
type Receiver interface {
	// Receive returns nil, nil when the poll timeout elapses without a message.
	Receive(ctx context.Context) (*Delivery, error)
	Complete(ctx context.Context, d *Delivery) error
	Abandon(ctx context.Context, d *Delivery, reason string) error
	RenewLock(ctx context.Context, d *Delivery) error
	Close() error
}

func publishError(topic string, err error) error {
	return errors.ErrPublish.WithCause(err).WithDetail("topic", topic)
}
