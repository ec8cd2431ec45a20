package store

import (
	"context"
	"errors"
	"fmt"

	"mailguard/pkg/circuitbreaker"
	apperrors "mailguard/pkg/errors"
)

// CircuitBreakerStore fails fast while the backend is unreachable. Rejected
// records count as successful calls so bad data cannot open the breaker.
type CircuitBreakerStore struct {
	next Store
	cb   *circuitbreaker.Wrapper
	name string
}

func NewCircuitBreakerStore(next Store, cfg circuitbreaker.Config) *CircuitBreakerStore {
	cfg.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, apperrors.ErrStoreRejected)
	}
	return &CircuitBreakerStore{
		next: next,
		cb:   circuitbreaker.NewWrapper(cfg),
		name: cfg.Name,
	}
}

func (s *CircuitBreakerStore) Persist(ctx context.Context, record Record) error {
	_, err := circuitbreaker.Do(ctx, s.cb, func() (struct{}, error) {
		return struct{}{}, s.next.Persist(ctx, record)
	})
	return s.mapError(err)
}

func (s *CircuitBreakerStore) ListByPartition(ctx context.Context, partition string, opts ListOptions) ([]Record, error) {
	records, err := circuitbreaker.Do(ctx, s.cb, func() ([]Record, error) {
		return s.next.ListByPartition(ctx, partition, opts)
	})
	if err != nil {
		return nil, s.mapError(err)
	}
	return records, nil
}

func (s *CircuitBreakerStore) Close() error {
	return s.next.Close()
}

func (s *CircuitBreakerStore) State() string {
	return s.cb.State().String()
}

func (s *CircuitBreakerStore) mapError(err error) error {
	if err != nil && circuitbreaker.IsRejection(err) {
		return apperrors.ErrStoreUnavailable.
			WithCause(fmt.Errorf("circuit breaker is open for %s: %w", s.name, err))
	}
	return err
}
