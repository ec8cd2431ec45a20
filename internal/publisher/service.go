package publisher

import (
	"context"
	"errors"
	"strings"
	"time"

	"mailguard/internal/broker"
	"mailguard/internal/config"
	"mailguard/internal/logger"
	apperrors "mailguard/pkg/errors"
	"mailguard/pkg/logging"
	"mailguard/pkg/metrics"
	"mailguard/pkg/models"
	"mailguard/pkg/retry"
	"mailguard/pkg/tracing"
)

const StatusSent = "sent"

// SubmitRequest is the publish body. Message may be empty but must be present.
type SubmitRequest struct {
	Sender   string            `json:"sender" example:"alice@example.com"`
	Message  *string           `json:"message" example:"Congratulations, you won a prize!"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type PublishAck struct {
	MessageID  string    `json:"message_id"`
	Topic      string    `json:"topic"`
	Status     string    `json:"status"`
	AcceptedAt time.Time `json:"accepted_at"`
}

type Service interface {
	Submit(ctx context.Context, req SubmitRequest) (*PublishAck, error)
}

type service struct {
	producer   broker.Producer
	topic      string
	brokerType string
	retry      retry.Policy
	logger     logger.Logger
	now        func() time.Time
}

type ServiceOption func(*service)

// WithRetry retries failed publishes under policy. Without it a submission
// makes a single broker call.
func WithRetry(policy retry.Policy) ServiceOption {
	return func(s *service) {
		s.retry = policy
	}
}

func WithClock(now func() time.Time) ServiceOption {
	return func(s *service) {
		s.now = now
	}
}

func NewService(producer broker.Producer, cfg config.BrokerConfig, log logger.Logger, opts ...ServiceOption) Service {
	s := &service{
		producer:   producer,
		topic:      cfg.Topic,
		brokerType: cfg.Type,
		retry:      retry.Policy{MaxAttempts: 1},
		logger:     log,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PolicyFromConfig converts the publisher.retry section.
func PolicyFromConfig(cfg config.RetryConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts:     cfg.MaxAttempts,
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
		Multiplier:      cfg.Multiplier,
		MaxElapsedTime:  cfg.MaxElapsedTime,
	}
}

func (s *service) Submit(ctx context.Context, req SubmitRequest) (*PublishAck, error) {
	if err := validate(req); err != nil {
		metrics.IncPublished(s.topic, "invalid")
		return nil, err
	}

	traceID := tracing.TraceIDFromContext(ctx)
	if traceID == "" {
		traceID = logging.GetTraceID(ctx)
	}

	env := models.NewEnvelopeBuilder().
		WithSender(req.Sender).
		WithMessage(*req.Message).
		WithMetadata(req.Metadata).
		WithTraceID(traceID).
		WithTimestamp(s.now().UTC()).
		Build()

	ctx = logging.WithMessageID(ctx, env.ID)
	s.logger.InfowCtx(ctx, "Publishing message", "sender", env.Sender, "topic", s.topic)

	start := time.Now()
	var receipt broker.PublishReceipt
	err := retry.RetryWithCallback(ctx, s.retry, func() error {
		var publishErr error
		receipt, publishErr = s.producer.Publish(ctx, s.topic, env)
		return publishErr
	}, func(attempt int, err error, next time.Duration) {
		s.logger.WarnwCtx(ctx, "Publish failed, retrying", "attempt", attempt, "next_delay", next, "error", err)
	})
	metrics.ObservePublishDuration(s.brokerType, time.Since(start))

	if err != nil {
		metrics.IncPublished(s.topic, "failed")
		s.logger.ErrorwCtx(ctx, "Failed to publish message", "topic", s.topic, "error", err)
		if apperrors.IsValidation(err) {
			return nil, err
		}
		return nil, asPublishError(s.topic, err)
	}

	metrics.IncPublished(s.topic, "sent")

	messageID := receipt.MessageID
	if messageID == "" {
		messageID = env.ID
	}

	return &PublishAck{
		MessageID:  messageID,
		Topic:      s.topic,
		Status:     StatusSent,
		AcceptedAt: env.Timestamp,
	}, nil
}

func validate(req SubmitRequest) error {
	if strings.TrimSpace(req.Sender) == "" {
		return apperrors.ErrValidation.
			WithDetail("field", "sender").
			WithDetail("message", "sender is required")
	}
	if req.Message == nil {
		return apperrors.ErrValidation.
			WithDetail("field", "message").
			WithDetail("message", "message is required")
	}
	return nil
}

func asPublishError(topic string, err error) error {
	if errors.Is(err, apperrors.ErrPublish) {
		return err
	}
	return apperrors.ErrPublish.WithCause(err).WithDetail("topic", topic)
}
