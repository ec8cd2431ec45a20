package viewer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailguard/internal/classifier"
	"mailguard/internal/config"
	"mailguard/internal/logger"
	"mailguard/internal/store"
	"mailguard/pkg/cel"
	"mailguard/pkg/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func init() {
	gin.SetMode(gin.TestMode)
}

type failingStore struct {
	store.Store
}

func (failingStore) ListByPartition(context.Context, string, store.ListOptions) ([]store.Record, error) {
	return nil, context.DeadlineExceeded
}

func seed(t *testing.T, st store.Store) []store.Record {
	t.Helper()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	verdicts := []classifier.Verdict{
		{Category: classifier.CategoryNormal, Score: 0.1, Reason: "newsletter"},
		{Category: classifier.CategorySpam, Score: 0.7, Reason: "bulk promotion"},
		{Category: classifier.CategoryFraud, Score: 0.95, Reason: "phishing link"},
		{Category: classifier.CategorySpam, Score: 0.4, Reason: "prize bait"},
	}
	var records []store.Record
	for i, v := range verdicts {
		env := models.NewEnvelopeBuilder().
			WithSender("alice@example.com").
			WithMessage("message body").
			Build()
		r := store.NewRecord("emails", env, v, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, st.Persist(context.Background(), r))
		records = append(records, r)
	}
	return records
}

func newRouter(t *testing.T, st store.Store) *gin.Engine {
	t.Helper()
	evaluator, err := cel.NewEvaluator()
	require.NoError(t, err)

	svc := NewService(st, evaluator, "emails", config.ViewerConfig{DefaultLimit: 2, MaxLimit: 3})
	router := gin.New()
	NewHandler(svc, logger.NopLogger()).RegisterRoutes(router)
	return router
}

func get(router http.Handler, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

func TestListEmails(t *testing.T) {
	st := store.NewMemoryStore()
	records := seed(t, st)
	router := newRouter(t, st)

	w := get(router, "/emails")
	require.Equal(t, http.StatusOK, w.Code)

	var resp ItemsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	// capped at max_limit, newest first
	require.Len(t, resp.Items, 3)
	assert.Equal(t, records[3].RowKey, resp.Items[0].RowKey)
	assert.Equal(t, "spam", resp.Items[0].Type)
	assert.Equal(t, 0.4, resp.Items[0].Score)
	assert.Equal(t, "prize bait", resp.Items[0].Reason)
	assert.Equal(t, "2024-05-01T12:03:00Z", resp.Items[0].Timestamp)
	assert.Equal(t, records[1].RowKey, resp.Items[2].RowKey)
}

func TestListEmails_RawShape(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st)

	w := get(newRouter(t, st), "/emails")
	require.Equal(t, http.StatusOK, w.Code)

	var raw map[string][]map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw))
	require.NotEmpty(t, raw["items"])
	for _, key := range []string{"sender", "message", "type", "score", "reason", "timestamp", "rowKey"} {
		assert.Contains(t, raw["items"][0], key)
	}
}

func TestListEmails_StoreFailure(t *testing.T) {
	w := get(newRouter(t, failingStore{}), "/emails")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), `"detail"`)
}

func TestListRecords(t *testing.T) {
	st := store.NewMemoryStore()
	records := seed(t, st)
	router := newRouter(t, st)

	tests := []struct {
		name    string
		query   url.Values
		rowKeys []string
	}{
		{
			name:    "default limit",
			query:   url.Values{},
			rowKeys: []string{records[3].RowKey, records[2].RowKey},
		},
		{
			name:    "category",
			query:   url.Values{"category": {"SPAM"}},
			rowKeys: []string{records[3].RowKey, records[1].RowKey},
		},
		{
			name:    "limit above max is capped",
			query:   url.Values{"limit": {"50"}},
			rowKeys: []string{records[3].RowKey, records[2].RowKey, records[1].RowKey},
		},
		{
			name:    "filter",
			query:   url.Values{"filter": {`score >= 0.5`}},
			rowKeys: []string{records[2].RowKey, records[1].RowKey},
		},
		{
			name:    "filter and limit",
			query:   url.Values{"filter": {`reason.contains("p")`}, "limit": {"1"}},
			rowKeys: []string{records[3].RowKey},
		},
		{
			name:    "filter and category",
			query:   url.Values{"filter": {`score < 0.5`}, "category": {"spam"}},
			rowKeys: []string{records[3].RowKey},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(router, "/api/v1/records?"+tt.query.Encode())
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())

			var resp RecordsResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, len(tt.rowKeys), resp.Count)

			var got []string
			for _, item := range resp.Items {
				got = append(got, item.RowKey)
			}
			assert.Equal(t, tt.rowKeys, got)
		})
	}
}

func TestListRecords_BadRequests(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st)
	router := newRouter(t, st)

	tests := []struct {
		name  string
		query url.Values
	}{
		{name: "unknown category", query: url.Values{"category": {"phishing"}}},
		{name: "non numeric limit", query: url.Values{"limit": {"ten"}}},
		{name: "negative limit", query: url.Values{"limit": {"-1"}}},
		{name: "syntax error", query: url.Values{"filter": {"score >>"}}},
		{name: "non boolean filter", query: url.Values{"filter": {"score + 1.0"}}},
		{name: "unknown variable", query: url.Values{"filter": {`priority == "high"`}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(router, "/api/v1/records?"+tt.query.Encode())
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), "VALIDATION_ERROR")
		})
	}
}

func TestListRecords_StoreFailure(t *testing.T) {
	w := get(newRouter(t, failingStore{}), "/api/v1/records")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestFilterExamples(t *testing.T) {
	w := get(newRouter(t, store.NewMemoryStore()), "/api/v1/records/filters/examples")
	require.Equal(t, http.StatusOK, w.Code)

	var examples map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &examples))
	assert.NotEmpty(t, examples)

	evaluator, err := cel.NewEvaluator()
	require.NoError(t, err)
	for name, expr := range examples {
		assert.NoError(t, evaluator.ValidateFilterExpression(expr), name)
	}
}

func TestPing(t *testing.T) {
	w := get(newRouter(t, store.NewMemoryStore()), "/ping")
	assert.Equal(t, http.StatusOK, w.Code)
}
