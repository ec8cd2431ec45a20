package store

import (
	"context"
	"time"

	"mailguard/pkg/metrics"
)

type MeteredStore struct {
	next    Store
	backend string
}

func NewMeteredStore(next Store, backend string) *MeteredStore {
	return &MeteredStore{next: next, backend: backend}
}

func (s *MeteredStore) Persist(ctx context.Context, record Record) error {
	start := time.Now()
	err := s.next.Persist(ctx, record)
	metrics.ObserveStoreOperation(s.backend, "persist", operationStatus(err), time.Since(start))
	return err
}

func (s *MeteredStore) ListByPartition(ctx context.Context, partition string, opts ListOptions) ([]Record, error) {
	start := time.Now()
	records, err := s.next.ListByPartition(ctx, partition, opts)
	metrics.ObserveStoreOperation(s.backend, "list", operationStatus(err), time.Since(start))
	return records, err
}

func (s *MeteredStore) Close() error {
	return s.next.Close()
}

func operationStatus(err error) string {
	if err == nil {
		return "success"
	}
	return "error"
}
