package viewer

import (
	"context"
	"time"

	"mailguard/internal/classifier"
	"mailguard/internal/config"
	"mailguard/internal/store"
	"mailguard/pkg/cel"
	"mailguard/pkg/errors"
	"mailguard/pkg/metrics"
)

// EmailItem is the record shape served by GET /emails.
type EmailItem struct {
	Sender    string  `json:"sender"`
	Message   string  `json:"message"`
	Type      string  `json:"type"`
	Score     float64 `json:"score"`
	Reason    string  `json:"reason"`
	Timestamp string  `json:"timestamp"`
	RowKey    string  `json:"rowKey"`
}

func ToEmailItem(r store.Record) EmailItem {
	return EmailItem{
		Sender:    r.Sender,
		Message:   r.Message,
		Type:      string(r.Verdict.Category),
		Score:     r.Verdict.Score,
		Reason:    r.Verdict.Reason,
		Timestamp: r.ProcessedAt.UTC().Format(time.RFC3339Nano),
		RowKey:    r.RowKey,
	}
}

type Query struct {
	Category string
	// Limit of zero means the configured default.
	Limit  int
	Filter string
}

type Service interface {
	ListEmails(ctx context.Context) ([]EmailItem, error)
	ListRecords(ctx context.Context, q Query) ([]EmailItem, error)
}

type service struct {
	store        store.Store
	evaluator    *cel.Evaluator
	partition    string
	defaultLimit int
	maxLimit     int
}

func NewService(st store.Store, evaluator *cel.Evaluator, partition string, cfg config.ViewerConfig) Service {
	return &service{
		store:        st,
		evaluator:    evaluator,
		partition:    partition,
		defaultLimit: cfg.DefaultLimit,
		maxLimit:     cfg.MaxLimit,
	}
}

// ListEmails returns the newest records of the partition, up to the maximum
// page size.
func (s *service) ListEmails(ctx context.Context) ([]EmailItem, error) {
	records, err := s.store.ListByPartition(ctx, s.partition, store.ListOptions{Limit: s.maxLimit})
	if err != nil {
		metrics.IncViewerQuery("error")
		return nil, err
	}
	metrics.IncViewerQuery("success")
	return toItems(records), nil
}

func (s *service) ListRecords(ctx context.Context, q Query) ([]EmailItem, error) {
	opts, filter, err := s.prepare(q)
	if err != nil {
		metrics.IncViewerQuery("invalid")
		return nil, err
	}

	limit := opts.Limit
	if filter != nil {
		// Filter after reading, then trim.
		opts.Limit = s.maxLimit
	}

	records, err := s.store.ListByPartition(ctx, s.partition, opts)
	if err != nil {
		metrics.IncViewerQuery("error")
		return nil, err
	}

	if filter != nil {
		matched := records[:0]
		for _, r := range records {
			ok, err := filter.Match(ctx, varsOf(r))
			if err != nil {
				metrics.IncViewerQuery("invalid")
				return nil, errors.ErrValidation.
					WithCause(err).
					WithDetail("field", "filter")
			}
			if ok {
				matched = append(matched, r)
			}
		}
		records = matched
		if len(records) > limit {
			records = records[:limit]
		}
	}

	metrics.IncViewerQuery("success")
	return toItems(records), nil
}

func (s *service) prepare(q Query) (store.ListOptions, *cel.Filter, error) {
	var opts store.ListOptions

	if q.Category != "" {
		category, ok := classifier.ParseCategory(q.Category)
		if !ok {
			return opts, nil, errors.ErrValidation.
				WithDetail("field", "category").
				WithDetail("message", "category must be one of normal, spam, fraud, unknown")
		}
		opts.Category = category
	}

	switch {
	case q.Limit < 0:
		return opts, nil, errors.ErrValidation.
			WithDetail("field", "limit").
			WithDetail("message", "limit must be positive")
	case q.Limit == 0:
		opts.Limit = s.defaultLimit
	case q.Limit > s.maxLimit:
		opts.Limit = s.maxLimit
	default:
		opts.Limit = q.Limit
	}

	if q.Filter == "" {
		return opts, nil, nil
	}

	filter, err := s.evaluator.CompileFilter(q.Filter)
	if err != nil {
		return opts, nil, errors.ErrValidation.
			WithCause(err).
			WithDetail("field", "filter").
			WithDetail("message", "invalid filter expression")
	}
	return opts, filter, nil
}

func varsOf(r store.Record) cel.Vars {
	return cel.Vars{
		Sender:    r.Sender,
		Message:   r.Message,
		Type:      string(r.Verdict.Category),
		Score:     r.Verdict.Score,
		Reason:    r.Verdict.Reason,
		Timestamp: r.ProcessedAt,
		MessageID: r.MessageID,
	}
}

func toItems(records []store.Record) []EmailItem {
	items := make([]EmailItem, 0, len(records))
	for _, r := range records {
		items = append(items, ToEmailItem(r))
	}
	return items
}
