package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"mailguard/internal/broker"
	"mailguard/internal/classifier"
	"mailguard/internal/logger"
	"mailguard/internal/store"
	"mailguard/pkg/metrics"
)

// ReceiverFactory opens a receive session for one worker.
type ReceiverFactory func(ctx context.Context) (broker.Receiver, error)

// Pool runs a fixed number of workers sharing the classifier and store. Each
// worker has its own receiver.
type Pool struct {
	workers     int
	newReceiver ReceiverFactory
	classifier  classifier.Classifier
	store       store.Store
	cfg         Config
	logger      logger.Logger
}

func NewPool(workers int, newReceiver ReceiverFactory, cls classifier.Classifier, st store.Store, cfg Config, log logger.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		workers:     workers,
		newReceiver: newReceiver,
		classifier:  cls,
		store:       st,
		cfg:         cfg,
		logger:      log,
	}
}

// Run blocks until ctx is cancelled and every worker has finished its
// in-flight message, or a receiver cannot be opened at startup. A receiver
// that later reports broker.ErrReceiverClosed is replaced under the receive
// backoff policy.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < p.workers; i++ {
		id := i
		g.Go(func() error {
			receiver, err := p.newReceiver(gctx)
			if err != nil {
				return fmt.Errorf("worker %d: failed to open receiver: %w", id, err)
			}

			metrics.ActiveWorkers.Inc()
			defer metrics.ActiveWorkers.Dec()

			for {
				err := NewWorker(id, receiver, p.classifier, p.store, p.cfg, p.logger).Run(gctx)
				p.closeReceiver(id, receiver)
				if !errors.Is(err, broker.ErrReceiverClosed) {
					return err
				}

				p.logger.Warnw("Receiver closed, reopening", "worker_id", id, "error", err)
				if receiver = p.reopen(gctx, id); receiver == nil {
					return nil
				}
			}
		})
	}

	return g.Wait()
}

// reopen retries newReceiver until it succeeds or ctx ends, in which case it
// returns nil.
func (p *Pool) reopen(ctx context.Context, id int) broker.Receiver {
	bo := p.cfg.ReceiveBackoff.NewBackOff()
	bo.Reset()

	for {
		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			bo.Reset()
			delay = bo.NextBackOff()
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		receiver, err := p.newReceiver(ctx)
		if err == nil {
			p.logger.Infow("Receiver reopened", "worker_id", id)
			return receiver
		}
		if ctx.Err() != nil {
			return nil
		}
		metrics.IncReceiveError(p.cfg.BrokerType)
		p.logger.Warnw("Failed to reopen receiver", "worker_id", id, "delay", delay, "error", err)
	}
}

func (p *Pool) closeReceiver(id int, receiver broker.Receiver) {
	if err := receiver.Close(); err != nil {
		p.logger.Errorw("Failed to close receiver", "worker_id", id, "error", err)
	}
}
