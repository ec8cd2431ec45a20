package consumer

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"mailguard/internal/broker"
	"mailguard/internal/classifier"
	"mailguard/internal/config"
	"mailguard/internal/logger"
	"mailguard/internal/store"
	apperrors "mailguard/pkg/errors"
	"mailguard/pkg/logging"
	"mailguard/pkg/metrics"
	"mailguard/pkg/models"
	"mailguard/pkg/retry"
	"mailguard/pkg/tracing"
)

const defaultResolveTimeout = 30 * time.Second

type Config struct {
	BrokerType        string
	Partition         string
	ClassifyTimeout   time.Duration
	StoreTimeout      time.Duration
	ResolveTimeout    time.Duration
	LockRenewInterval time.Duration
	ReceiveBackoff    retry.Policy
}

func ConfigFrom(cfg *config.Config) Config {
	return Config{
		BrokerType:        cfg.Broker.Type,
		Partition:         cfg.Store.Partition,
		ClassifyTimeout:   cfg.Classifier.Timeout,
		StoreTimeout:      cfg.Store.Timeout,
		ResolveTimeout:    defaultResolveTimeout,
		LockRenewInterval: cfg.Consumer.LockRenewInterval,
		ReceiveBackoff: retry.Policy{
			InitialInterval: cfg.Consumer.ReceiveBackoff.InitialInterval,
			MaxInterval:     cfg.Consumer.ReceiveBackoff.MaxInterval,
			Multiplier:      cfg.Consumer.ReceiveBackoff.Multiplier,
		},
	}
}

// Worker pulls deliveries from one receiver and handles them one at a time.
type Worker struct {
	id         int
	receiver   broker.Receiver
	classifier classifier.Classifier
	store      store.Store
	cfg        Config
	logger     logger.Logger
	now        func() time.Time
}

func NewWorker(id int, receiver broker.Receiver, cls classifier.Classifier, st store.Store, cfg Config, log logger.Logger) *Worker {
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = defaultResolveTimeout
	}
	return &Worker{
		id:         id,
		receiver:   receiver,
		classifier: cls,
		store:      st,
		cfg:        cfg,
		logger:     log,
		now:        time.Now,
	}
}

// Run receives until ctx is cancelled or the receiver reports
// broker.ErrReceiverClosed. A message already in flight when ctx ends is
// still classified, stored and resolved.
func (w *Worker) Run(ctx context.Context) error {
	ctx = logging.WithWorkerID(ctx, w.id)
	w.logger.InfowCtx(ctx, "Worker started")
	defer w.logger.InfowCtx(ctx, "Worker stopped")

	bo := w.cfg.ReceiveBackoff.NewBackOff()
	bo.Reset()

	for {
		if ctx.Err() != nil {
			return nil
		}

		d, err := w.receiver.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, broker.ErrReceiverClosed) {
				return err
			}

			metrics.IncReceiveError(w.cfg.BrokerType)
			delay := bo.NextBackOff()
			if delay == backoff.Stop {
				bo.Reset()
				delay = bo.NextBackOff()
			}
			w.logger.WarnwCtx(ctx, "Receive failed, backing off", "error", err, "delay", delay)

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
			continue
		}
		bo.Reset()

		if d == nil {
			continue
		}

		w.Process(context.WithoutCancel(ctx), d)
	}
}

// Process handles one delivery and resolves it exactly once.
func (w *Worker) Process(ctx context.Context, d *broker.Delivery) Result {
	start := time.Now()

	ctx, span := tracing.StartSpanFromHeaders(ctx, "mailguard.process", d.Headers)
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.message.id", d.MessageID),
		attribute.Int("messaging.delivery_count", d.DeliveryCount),
	)

	ctx = logging.WithDeliveryCount(ctx, d.DeliveryCount)
	if d.MessageID != "" {
		ctx = logging.WithMessageID(ctx, d.MessageID)
	}

	stopRenewer := w.startLockRenewer(ctx, d)
	result := w.Handle(ctx, d)
	stopRenewer()

	w.resolve(ctx, d, result)
	span.SetAttributes(attribute.String("mailguard.outcome", string(result.Outcome)))
	if result.Err != nil {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, result.Reason)
	}
	metrics.ObserveDelivery(string(result.Outcome), time.Since(start))
	return result
}

// Handle runs decode, classify and persist for one delivery without touching
// the broker. A panic becomes a retryable result.
func (w *Worker) Handle(ctx context.Context, d *broker.Delivery) (result Result) {
	stage := StageReceived
	defer func() {
		if r := recover(); r != nil {
			result = retryable(stage, "panic", apperrors.RecoverPanic(r))
		}
	}()

	env, err := models.Unmarshal(d.Body)
	if err != nil {
		return terminal(stage, "decode", apperrors.ErrDecode.WithCause(err))
	}
	if logging.GetMessageID(ctx) == "" {
		ctx = logging.WithMessageID(ctx, env.ID)
	}
	if traceID := tracing.TraceIDFromContext(ctx); traceID != "" {
		ctx = logging.WithTraceID(ctx, traceID)
	} else if env.TraceID != "" {
		ctx = logging.WithTraceID(ctx, env.TraceID)
	}

	stage = StageClassifying
	verdict, err := w.classify(ctx, env)
	if err != nil {
		return retryable(stage, "classifier unavailable", err)
	}
	processedAt := w.now()

	w.logger.DebugwCtx(ctx, "Message classified",
		"category", verdict.Category, "score", verdict.Score)

	stage = StagePersisting
	record := store.NewRecord(w.cfg.Partition, env, verdict, processedAt)
	if err := w.persist(ctx, record); err != nil {
		if errors.Is(err, apperrors.ErrStoreRejected) {
			return terminal(stage, "store rejected", err)
		}
		return retryable(stage, "store unavailable", err)
	}

	return completed(record)
}

func (w *Worker) classify(ctx context.Context, env models.Envelope) (classifier.Verdict, error) {
	if w.cfg.ClassifyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.ClassifyTimeout)
		defer cancel()
	}

	verdict, err := w.classifier.Classify(ctx, env.Sender, env.Message)
	if err != nil {
		if errors.Is(err, apperrors.ErrClassifierUnavailable) {
			return classifier.Verdict{}, err
		}
		return classifier.Verdict{}, apperrors.ErrClassifierUnavailable.WithCause(err)
	}
	return verdict, nil
}

func (w *Worker) persist(ctx context.Context, record store.Record) error {
	if w.cfg.StoreTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.StoreTimeout)
		defer cancel()
	}

	err := w.store.Persist(ctx, record)
	if err == nil || errors.Is(err, apperrors.ErrStoreRejected) || errors.Is(err, apperrors.ErrStoreUnavailable) {
		return err
	}
	return apperrors.ErrStoreUnavailable.WithCause(err)
}

func (w *Worker) resolve(ctx context.Context, d *broker.Delivery, result Result) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.ResolveTimeout)
	defer cancel()

	var (
		op  string
		err error
	)
	if result.Outcome == OutcomeCompleted {
		op = "complete"
		err = w.receiver.Complete(ctx, d)
	} else {
		op = "abandon"
		err = w.receiver.Abandon(ctx, d, result.Reason)
	}

	switch result.Outcome {
	case OutcomeCompleted:
		w.logger.InfowCtx(ctx, "Message processed",
			"row_key", result.Record.RowKey, "category", result.Record.Verdict.Category)
	case OutcomeTerminal:
		w.logger.ErrorwCtx(ctx, "Message failed permanently",
			"terminal", true, "stage", result.Stage, "reason", result.Reason, "error", result.Err)
	default:
		w.logger.WarnwCtx(ctx, "Message failed, abandoned for redelivery",
			"terminal", false, "stage", result.Stage, "reason", result.Reason, "error", result.Err)
	}

	if err != nil {
		metrics.IncResolutionError(op)
		w.logger.ErrorwCtx(ctx, "Failed to resolve delivery",
			"operation", op, "lock_lost", errors.Is(err, broker.ErrLockLost), "error", err)
	}
}

func (w *Worker) startLockRenewer(ctx context.Context, d *broker.Delivery) (stop func()) {
	if w.cfg.LockRenewInterval <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(w.cfg.LockRenewInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.receiver.RenewLock(ctx, d); err != nil {
					if ctx.Err() != nil {
						return
					}
					metrics.IncLockRenewal("failed")
					w.logger.WarnwCtx(ctx, "Failed to renew lock", "error", err)
					continue
				}
				metrics.IncLockRenewal("renewed")
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
