package viewer

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailguard/internal/broker"
	"mailguard/internal/classifier"
	"mailguard/internal/config"
	"mailguard/internal/constants"
	"mailguard/internal/consumer"
	"mailguard/internal/logger"
	"mailguard/internal/publisher"
	"mailguard/internal/store"
	"mailguard/pkg/cel"
	"mailguard/pkg/retry"
)

// TestPipeline publishes over HTTP, lets a worker pool classify through a
// stub inspector and reads the verdict back through the viewer routes.
func TestPipeline(t *testing.T) {
	inspector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"type":"fraud","score":0.97,"reason":"credential phishing"}`))
	}))
	defer inspector.Close()

	brokerCfg := config.BrokerConfig{
		Type:             constants.BrokerTypeMemory,
		Topic:            constants.DefaultTopic,
		Subscription:     constants.DefaultSubscription,
		MaxDeliveryCount: 3,
		PollTimeout:      20 * time.Millisecond,
		LockDuration:     time.Minute,
	}
	log := logger.NopLogger()
	factory := broker.NewFactory(brokerCfg, log)
	factory.Memory().Subscribe(brokerCfg.Topic, brokerCfg.Subscription)

	producer, err := factory.NewProducer()
	require.NoError(t, err)

	st := store.NewMemoryStore()
	cls := classifier.NewInspectorClient(config.ClassifierConfig{
		InspectorURL: inspector.URL + "/inspect",
		Timeout:      time.Second,
	})
	pool := consumer.NewPool(2, factory.NewReceiver, cls, st, consumer.Config{
		BrokerType:      constants.BrokerTypeMemory,
		Partition:       constants.DefaultPartition,
		ClassifyTimeout: time.Second,
		StoreTimeout:    time.Second,
		ReceiveBackoff:  retry.Policy{InitialInterval: 5 * time.Millisecond, MaxInterval: 20 * time.Millisecond, Multiplier: 2},
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()
	defer func() {
		cancel()
		assert.NoError(t, <-done)
	}()

	evaluator, err := cel.NewEvaluator()
	require.NoError(t, err)

	router := gin.New()
	publisher.NewHandler(publisher.NewService(producer, brokerCfg, log), log).RegisterRoutes(router)
	NewHandler(NewService(st, evaluator, constants.DefaultPartition, config.ViewerConfig{DefaultLimit: 10, MaxLimit: 100}), log).
		RegisterRoutes(router.Group("/viewer"))

	body := []byte(`{"sender":"it@examp1e-support.com","message":"Your mailbox is full, log in here to keep it"}`)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/message", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var sent publisher.SendResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sent))
	assert.Equal(t, publisher.StatusSent, sent.Status)

	var items ItemsResponse
	require.Eventually(t, func() bool {
		w := get(router, "/viewer/emails")
		if w.Code != http.StatusOK {
			return false
		}
		items = ItemsResponse{}
		return json.Unmarshal(w.Body.Bytes(), &items) == nil && len(items.Items) == 1
	}, 3*time.Second, 20*time.Millisecond)

	got := items.Items[0]
	assert.Equal(t, "it@examp1e-support.com", got.Sender)
	assert.Equal(t, "fraud", got.Type)
	assert.Equal(t, 0.97, got.Score)
	assert.Equal(t, "credential phishing", got.Reason)

	w = get(router, `/viewer/api/v1/records?filter=`+url.QueryEscape(`type == "fraud" && sender.endsWith("support.com")`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var filtered RecordsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &filtered))
	assert.Equal(t, 1, filtered.Count)

	assert.Equal(t, 0, factory.Memory().Pending(brokerCfg.Topic, brokerCfg.Subscription))
	assert.Empty(t, factory.Memory().DeadLetters(brokerCfg.Topic, brokerCfg.Subscription))
}
