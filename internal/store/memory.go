package store

import (
	"context"
	"sort"
	"sync"
)

type MemoryStore struct {
	mu         sync.RWMutex
	partitions map[string][]Record
	keys       map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		partitions: make(map[string][]Record),
		keys:       make(map[string]struct{}),
	}
}

func (s *MemoryStore) Persist(ctx context.Context, record Record) error {
	if err := Validate(record); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return unavailable("memory", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := record.PartitionKey + "/" + record.RowKey
	if _, exists := s.keys[key]; exists {
		return rejected("row_key", "row key already exists")
	}
	s.keys[key] = struct{}{}
	s.partitions[record.PartitionKey] = append(s.partitions[record.PartitionKey], record)
	return nil
}

// ListByPartition returns records newest first.
func (s *MemoryStore) ListByPartition(ctx context.Context, partition string, opts ListOptions) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for _, r := range s.partitions[partition] {
		if opts.Category != "" && r.Verdict.Category != opts.Category {
			continue
		}
		out = append(out, r)
	}

	sortNewestFirst(out)
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func sortNewestFirst(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].ProcessedAt.After(records[j].ProcessedAt)
	})
}
