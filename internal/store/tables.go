package store

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	jsoniter "github.com/json-iterator/go"

	"mailguard/internal/classifier"
	"mailguard/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// TablesStore writes records as Azure Table Storage entities. The processed
// time is kept as an ISO-8601 string property named "timestamp", separate
// from the service-managed Timestamp.
type TablesStore struct {
	client *aztables.Client
}

func NewTablesClient(cfg config.StoreConfig) (*aztables.Client, error) {
	var (
		svc *aztables.ServiceClient
		err error
	)

	if cfg.Tables.ConnectionString != "" {
		svc, err = aztables.NewServiceClientFromConnectionString(cfg.Tables.ConnectionString, nil)
	} else {
		cred, credErr := azidentity.NewDefaultAzureCredential(nil)
		if credErr != nil {
			return nil, fmt.Errorf("failed to create azure credential: %w", credErr)
		}
		serviceURL := fmt.Sprintf("https://%s.table.core.windows.net/", cfg.Tables.AccountName)
		svc, err = aztables.NewServiceClient(serviceURL, cred, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create table service client: %w", err)
	}

	return svc.NewClient(cfg.Table), nil
}

// EnsureTable creates the table if it does not exist.
func EnsureTable(ctx context.Context, client *aztables.Client) error {
	_, err := client.CreateTable(ctx, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists) {
			return nil
		}
		return fmt.Errorf("failed to create table: %w", err)
	}
	return nil
}

// PingTable reads at most one entity to confirm the table is reachable.
func PingTable(ctx context.Context, client *aztables.Client) error {
	pager := client.NewListEntitiesPager(&aztables.ListEntitiesOptions{Top: to.Ptr(int32(1))})
	if _, err := pager.NextPage(ctx); err != nil {
		return fmt.Errorf("table ping failed: %w", err)
	}
	return nil
}

func NewTablesStore(client *aztables.Client) *TablesStore {
	return &TablesStore{client: client}
}

func (s *TablesStore) Persist(ctx context.Context, record Record) error {
	if err := Validate(record); err != nil {
		return err
	}

	entity := aztables.EDMEntity{
		Entity: aztables.Entity{
			PartitionKey: record.PartitionKey,
			RowKey:       record.RowKey,
		},
		Properties: map[string]any{
			"sender":     record.Sender,
			"message":    record.Message,
			"type":       string(record.Verdict.Category),
			"score":      record.Verdict.Score,
			"reason":     record.Verdict.Reason,
			"timestamp":  record.ProcessedAt.UTC().Format(time.RFC3339Nano),
			"message_id": record.MessageID,
		},
	}

	payload, err := json.Marshal(entity)
	if err != nil {
		return rejectedBy("tables", fmt.Errorf("failed to marshal entity: %w", err))
	}

	if _, err := s.client.AddEntity(ctx, payload, nil); err != nil {
		return classifyTablesError(err)
	}
	return nil
}

// ListByPartition returns records newest first among the entities read. With
// a limit, the service picks which entities are read (row key order).
func (s *TablesStore) ListByPartition(ctx context.Context, partition string, opts ListOptions) ([]Record, error) {
	filter := fmt.Sprintf("PartitionKey eq '%s'", escapeODataString(partition))
	if opts.Category != "" {
		filter += fmt.Sprintf(" and type eq '%s'", escapeODataString(string(opts.Category)))
	}

	listOpts := &aztables.ListEntitiesOptions{Filter: to.Ptr(filter)}
	if opts.Limit > 0 {
		listOpts.Top = to.Ptr(int32(opts.Limit))
	}

	var records []Record
	pager := s.client.NewListEntitiesPager(listOpts)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, unavailable("tables", fmt.Errorf("failed to list entities: %w", err))
		}

		for _, raw := range page.Entities {
			var entity aztables.EDMEntity
			if err := json.Unmarshal(raw, &entity); err != nil {
				return nil, unavailable("tables", fmt.Errorf("failed to decode entity: %w", err))
			}
			records = append(records, recordFromEntity(entity))
		}

		if opts.Limit > 0 && len(records) >= opts.Limit {
			records = records[:opts.Limit]
			break
		}
	}

	sortNewestFirst(records)
	return records, nil
}

// Close is a no-op; the table client holds no connection state.
func (s *TablesStore) Close() error {
	return nil
}

func recordFromEntity(entity aztables.EDMEntity) Record {
	props := entity.Properties
	r := Record{
		RowKey:       entity.RowKey,
		PartitionKey: entity.PartitionKey,
		Sender:       stringProp(props, "sender"),
		Message:      stringProp(props, "message"),
		MessageID:    stringProp(props, "message_id"),
		Verdict: classifier.Verdict{
			Category: classifier.Category(stringProp(props, "type")),
			Score:    floatProp(props, "score"),
			Reason:   stringProp(props, "reason"),
		},
	}
	if ts, err := time.Parse(time.RFC3339Nano, stringProp(props, "timestamp")); err == nil {
		r.ProcessedAt = ts.UTC()
	}
	return r
}

func stringProp(props map[string]any, key string) string {
	if v, ok := props[key].(string); ok {
		return v
	}
	return ""
}

func floatProp(props map[string]any, key string) float64 {
	switch v := props[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case int:
		return float64(v)
	default:
		return 0
	}
}

func escapeODataString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func classifyTablesError(err error) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusBadRequest, http.StatusConflict, http.StatusRequestEntityTooLarge:
			return rejectedBy("tables", err)
		}
	}
	return unavailable("tables", err)
}
