package consumer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailguard/internal/broker"
	"mailguard/internal/classifier"
	"mailguard/internal/config"
	"mailguard/internal/logger"
	"mailguard/internal/store"
	apperrors "mailguard/pkg/errors"
	"mailguard/pkg/models"
	"mailguard/pkg/retry"
)

const (
	testTopic = "events"
	testSub   = "mails"
)

func testBroker(maxDelivery int) *broker.MemoryBroker {
	return broker.NewMemoryBroker(config.BrokerConfig{
		Type:             "memory",
		Topic:            testTopic,
		Subscription:     testSub,
		MaxDeliveryCount: maxDelivery,
		PollTimeout:      20 * time.Millisecond,
		LockDuration:     time.Minute,
	})
}

func testConfig() Config {
	return Config{
		BrokerType:      "memory",
		Partition:       "emails",
		ClassifyTimeout: time.Second,
		StoreTimeout:    time.Second,
		ReceiveBackoff: retry.Policy{
			InitialInterval: 5 * time.Millisecond,
			MaxInterval:     20 * time.Millisecond,
			Multiplier:      2,
		},
	}
}

// recordingReceiver wraps a receiver and counts resolutions per handle.
type recordingReceiver struct {
	broker.Receiver

	mu          sync.Mutex
	resolutions map[broker.LockHandle]int
	abandoned   []string
	renewals    int32

	// failFirstComplete makes the first Complete report a lost lock after
	// putting the message back, as a broker does when a lock expires.
	failFirstComplete bool
}

func record(r broker.Receiver) *recordingReceiver {
	return &recordingReceiver{Receiver: r, resolutions: make(map[broker.LockHandle]int)}
}

func (r *recordingReceiver) Complete(ctx context.Context, d *broker.Delivery) error {
	r.mu.Lock()
	r.resolutions[d.Handle]++
	fail := r.failFirstComplete
	r.failFirstComplete = false
	r.mu.Unlock()

	if fail {
		_ = r.Receiver.Abandon(ctx, d, "lock expired")
		return broker.ErrLockLost
	}
	return r.Receiver.Complete(ctx, d)
}

func (r *recordingReceiver) Abandon(ctx context.Context, d *broker.Delivery, reason string) error {
	r.mu.Lock()
	r.resolutions[d.Handle]++
	r.abandoned = append(r.abandoned, reason)
	r.mu.Unlock()
	return r.Receiver.Abandon(ctx, d, reason)
}

func (r *recordingReceiver) RenewLock(ctx context.Context, d *broker.Delivery) error {
	atomic.AddInt32(&r.renewals, 1)
	return r.Receiver.RenewLock(ctx, d)
}

func (r *recordingReceiver) assertSingleResolution(t *testing.T) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	for handle, n := range r.resolutions {
		assert.Equal(t, 1, n, "handle %s resolved %d times", handle, n)
	}
}

func rawClassifier(raw string) classifier.Classifier {
	return classifier.ClassifierFunc(func(ctx context.Context, sender, message string) (classifier.Verdict, error) {
		return classifier.ParseVerdict(raw), nil
	})
}

func publish(t *testing.T, b *broker.MemoryBroker, sender, message string) models.Envelope {
	t.Helper()
	env := models.NewEnvelopeBuilder().WithSender(sender).WithMessage(message).Build()
	_, err := b.Producer().Publish(context.Background(), testTopic, env)
	require.NoError(t, err)
	return env
}

func receiveOne(t *testing.T, r broker.Receiver) *broker.Delivery {
	t.Helper()
	d, err := r.Receive(context.Background())
	require.NoError(t, err)
	require.NotNil(t, d)
	return d
}

func listAll(t *testing.T, s store.Store) []store.Record {
	t.Helper()
	records, err := s.ListByPartition(context.Background(), "emails", store.ListOptions{})
	require.NoError(t, err)
	return records
}

func TestProcess_SpamIsStoredAndCompleted(t *testing.T) {
	b := testBroker(10)
	rec := record(b.Receiver(testTopic, testSub))
	st := store.NewMemoryStore()

	cls := rawClassifier(`{"type":"spam","score":0.92,"reason":"Unsolicited prize offer"}`)
	w := NewWorker(0, rec, cls, st, testConfig(), logger.NopLogger())

	env := publish(t, b, "promo@example.com", "You won a free cruise!")
	result := w.Process(context.Background(), receiveOne(t, rec))

	assert.Equal(t, OutcomeCompleted, result.Outcome)
	records := listAll(t, st)
	require.Len(t, records, 1)
	assert.Equal(t, classifier.CategorySpam, records[0].Verdict.Category)
	assert.Equal(t, 0.92, records[0].Verdict.Score)
	assert.Equal(t, "Unsolicited prize offer", records[0].Verdict.Reason)
	assert.Equal(t, "promo@example.com", records[0].Sender)
	assert.Equal(t, env.ID, records[0].MessageID)

	assert.Equal(t, 0, b.Pending(testTopic, testSub))
	rec.assertSingleResolution(t)
}

func TestProcess_ClassifierTimeoutAbandonsWithoutRecord(t *testing.T) {
	b := testBroker(10)
	rec := record(b.Receiver(testTopic, testSub))
	st := store.NewMemoryStore()

	slow := classifier.ClassifierFunc(func(ctx context.Context, sender, message string) (classifier.Verdict, error) {
		<-ctx.Done()
		return classifier.Verdict{}, apperrors.ErrClassifierUnavailable.WithCause(ctx.Err())
	})
	cfg := testConfig()
	cfg.ClassifyTimeout = 20 * time.Millisecond
	w := NewWorker(0, rec, slow, st, cfg, logger.NopLogger())

	publish(t, b, "a@example.com", "hello")
	result := w.Process(context.Background(), receiveOne(t, rec))

	assert.Equal(t, OutcomeRetryable, result.Outcome)
	assert.Equal(t, StageClassifying, result.Stage)
	assert.True(t, errors.Is(result.Err, apperrors.ErrClassifierUnavailable))
	assert.Empty(t, listAll(t, st))

	again := receiveOne(t, rec)
	assert.Equal(t, 2, again.DeliveryCount)
	rec.assertSingleResolution(t)
}

func TestProcess_NonJSONInspectorReplyStoresUnknown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("I think this is probably spam."))
	}))
	defer server.Close()

	b := testBroker(10)
	rec := record(b.Receiver(testTopic, testSub))
	st := store.NewMemoryStore()
	cls := classifier.NewInspectorClient(config.ClassifierConfig{InspectorURL: server.URL, Timeout: time.Second})
	w := NewWorker(0, rec, cls, st, testConfig(), logger.NopLogger())

	publish(t, b, "a@example.com", "hello")
	result := w.Process(context.Background(), receiveOne(t, rec))

	assert.Equal(t, OutcomeCompleted, result.Outcome)
	records := listAll(t, st)
	require.Len(t, records, 1)
	assert.Equal(t, classifier.CategoryUnknown, records[0].Verdict.Category)
	assert.Equal(t, 0.0, records[0].Verdict.Score)
	assert.Contains(t, records[0].Verdict.Reason, "I think this is probably spam.")
	rec.assertSingleResolution(t)
}

func TestProcess_ScoreIsClamped(t *testing.T) {
	b := testBroker(10)
	rec := record(b.Receiver(testTopic, testSub))
	st := store.NewMemoryStore()
	w := NewWorker(0, rec, rawClassifier(`{"type":"fraud","score":1.7,"reason":"Credential phishing"}`), st, testConfig(), logger.NopLogger())

	publish(t, b, "a@example.com", "verify your account")
	w.Process(context.Background(), receiveOne(t, rec))

	records := listAll(t, st)
	require.Len(t, records, 1)
	assert.Equal(t, classifier.CategoryFraud, records[0].Verdict.Category)
	assert.Equal(t, 1.0, records[0].Verdict.Score)
}

func TestProcess_RedeliveryAfterLostLockDuplicatesRecord(t *testing.T) {
	b := testBroker(10)
	rec := record(b.Receiver(testTopic, testSub))
	rec.failFirstComplete = true
	st := store.NewMemoryStore()
	w := NewWorker(0, rec, rawClassifier(`{"type":"normal","score":0.1,"reason":"Greeting"}`), st, testConfig(), logger.NopLogger())

	env := publish(t, b, "a@example.com", "hi there")

	first := w.Process(context.Background(), receiveOne(t, rec))
	assert.Equal(t, OutcomeCompleted, first.Outcome)

	redelivered := receiveOne(t, rec)
	assert.Equal(t, 2, redelivered.DeliveryCount)
	second := w.Process(context.Background(), redelivered)
	assert.Equal(t, OutcomeCompleted, second.Outcome)

	records := listAll(t, st)
	require.Len(t, records, 2)
	assert.Equal(t, env.ID, records[0].MessageID)
	assert.Equal(t, env.ID, records[1].MessageID)
	assert.NotEqual(t, records[0].RowKey, records[1].RowKey)

	assert.Equal(t, 0, b.Pending(testTopic, testSub))
	rec.assertSingleResolution(t)
}

func TestProcess_MalformedBodyIsTerminal(t *testing.T) {
	b := testBroker(1)
	rec := record(b.Receiver(testTopic, testSub))
	st := store.NewMemoryStore()

	var calls int32
	cls := classifier.ClassifierFunc(func(ctx context.Context, sender, message string) (classifier.Verdict, error) {
		atomic.AddInt32(&calls, 1)
		return classifier.Verdict{}, nil
	})
	w := NewWorker(0, rec, cls, st, testConfig(), logger.NopLogger())

	result := w.Process(context.Background(), &broker.Delivery{Body: []byte("not json"), Handle: "h-1", DeliveryCount: 1})
	assert.Equal(t, OutcomeTerminal, result.Outcome)
	assert.Equal(t, StageReceived, result.Stage)
	assert.True(t, errors.Is(result.Err, apperrors.ErrDecode))
	assert.Equal(t, int32(0), calls)
	assert.Equal(t, []string{"decode"}, rec.abandoned)
}

func TestProcess_MalformedBodyIsDeadLetteredAtCeiling(t *testing.T) {
	b := testBroker(1)
	rec := record(b.Receiver(testTopic, testSub))
	w := NewWorker(0, rec, rawClassifier(`{}`), store.NewMemoryStore(), testConfig(), logger.NopLogger())

	publish(t, b, "", "")
	d := receiveOne(t, rec)
	w.Process(context.Background(), d)

	dead := b.DeadLetters(testTopic, testSub)
	require.Len(t, dead, 1)
	assert.Equal(t, "decode", dead[0].Reason)
	assert.Equal(t, 0, b.Pending(testTopic, testSub))
}

type stubStore struct {
	store.MemoryStore
	err error
}

func (s *stubStore) Persist(ctx context.Context, r store.Record) error {
	return s.err
}

func TestProcess_StoreFailures(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		outcome Outcome
		reason  string
	}{
		{name: "unavailable", err: apperrors.ErrStoreUnavailable.WithCause(errors.New("dial tcp")), outcome: OutcomeRetryable, reason: "store unavailable"},
		{name: "rejected", err: apperrors.ErrStoreRejected.WithDetail("field", "type"), outcome: OutcomeTerminal, reason: "store rejected"},
		{name: "unclassified", err: errors.New("driver exploded"), outcome: OutcomeRetryable, reason: "store unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := testBroker(10)
			rec := record(b.Receiver(testTopic, testSub))
			st := &stubStore{err: tt.err}
			w := NewWorker(0, rec, rawClassifier(`{"type":"spam","score":0.5,"reason":"x"}`), st, testConfig(), logger.NopLogger())

			publish(t, b, "a@example.com", "hello")
			result := w.Process(context.Background(), receiveOne(t, rec))

			assert.Equal(t, tt.outcome, result.Outcome)
			assert.Equal(t, StagePersisting, result.Stage)
			assert.Equal(t, []string{tt.reason}, rec.abandoned)
			rec.assertSingleResolution(t)
		})
	}
}

func TestProcess_PanicIsRetryable(t *testing.T) {
	b := testBroker(10)
	rec := record(b.Receiver(testTopic, testSub))
	cls := classifier.ClassifierFunc(func(ctx context.Context, sender, message string) (classifier.Verdict, error) {
		panic("nil map")
	})
	w := NewWorker(0, rec, cls, store.NewMemoryStore(), testConfig(), logger.NopLogger())

	publish(t, b, "a@example.com", "hello")
	result := w.Process(context.Background(), receiveOne(t, rec))

	assert.Equal(t, OutcomeRetryable, result.Outcome)
	assert.Equal(t, StageClassifying, result.Stage)
	assert.Equal(t, []string{"panic"}, rec.abandoned)
	assert.Equal(t, 1, b.Pending(testTopic, testSub))
}

func TestProcess_RenewsLockWhileInFlight(t *testing.T) {
	b := testBroker(10)
	rec := record(b.Receiver(testTopic, testSub))
	slow := classifier.ClassifierFunc(func(ctx context.Context, sender, message string) (classifier.Verdict, error) {
		time.Sleep(60 * time.Millisecond)
		return classifier.Verdict{Category: classifier.CategoryNormal, Score: 0.2, Reason: "ok"}, nil
	})
	cfg := testConfig()
	cfg.LockRenewInterval = 10 * time.Millisecond
	w := NewWorker(0, rec, slow, store.NewMemoryStore(), cfg, logger.NopLogger())

	publish(t, b, "a@example.com", "hello")
	result := w.Process(context.Background(), receiveOne(t, rec))

	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&rec.renewals), int32(2))
}

func TestRun_ProcessesUntilCancelled(t *testing.T) {
	b := testBroker(10)
	rec := record(b.Receiver(testTopic, testSub))
	st := store.NewMemoryStore()
	w := NewWorker(0, rec, rawClassifier(`{"type":"normal","score":0.1,"reason":"ok"}`), st, testConfig(), logger.NopLogger())

	for i := 0; i < 3; i++ {
		publish(t, b, "a@example.com", "hello")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return len(listAll(t, st)) == 3 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	rec.assertSingleResolution(t)
}

func TestRun_CancelMidClassifyStillResolves(t *testing.T) {
	b := testBroker(10)
	rec := record(b.Receiver(testTopic, testSub))
	st := store.NewMemoryStore()

	started := make(chan struct{})
	var finished int32
	cls := classifier.ClassifierFunc(func(ctx context.Context, sender, message string) (classifier.Verdict, error) {
		close(started)
		time.Sleep(100 * time.Millisecond)
		if ctx.Err() != nil {
			return classifier.Verdict{}, ctx.Err()
		}
		atomic.StoreInt32(&finished, 1)
		return classifier.ParseVerdict(`{"type":"spam","score":0.9,"reason":"bulk"}`), nil
	})
	w := NewWorker(0, rec, cls, st, testConfig(), logger.NopLogger())

	publish(t, b, "a@example.com", "Win a free prize now!")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("message was not picked up")
	}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&finished))
	records := listAll(t, st)
	require.Len(t, records, 1)
	assert.Equal(t, classifier.CategorySpam, records[0].Verdict.Category)
	assert.Equal(t, 0, b.Pending(testTopic, testSub))
	assert.Empty(t, b.DeadLetters(testTopic, testSub))
	assert.Empty(t, rec.abandoned)
	rec.mu.Lock()
	assert.Len(t, rec.resolutions, 1)
	rec.mu.Unlock()
	rec.assertSingleResolution(t)
}

type flakyReceiver struct {
	broker.Receiver
	failures int32
}

func (r *flakyReceiver) Receive(ctx context.Context) (*broker.Delivery, error) {
	if atomic.AddInt32(&r.failures, -1) >= 0 {
		return nil, errors.New("connection reset")
	}
	return r.Receiver.Receive(ctx)
}

func TestRun_BacksOffOnReceiveErrors(t *testing.T) {
	b := testBroker(10)
	rec := &flakyReceiver{Receiver: b.Receiver(testTopic, testSub), failures: 3}
	st := store.NewMemoryStore()
	w := NewWorker(0, rec, rawClassifier(`{"type":"normal","score":0.1,"reason":"ok"}`), st, testConfig(), logger.NopLogger())

	publish(t, b, "a@example.com", "hello")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.Eventually(t, func() bool { return len(listAll(t, st)) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestPool_SharesWorkAcrossWorkers(t *testing.T) {
	b := testBroker(10)
	st := store.NewMemoryStore()

	var opened int32
	factory := func(ctx context.Context) (broker.Receiver, error) {
		atomic.AddInt32(&opened, 1)
		return b.Receiver(testTopic, testSub), nil
	}
	pool := NewPool(3, factory, rawClassifier(`{"type":"spam","score":0.8,"reason":"bulk"}`), st, testConfig(), logger.NopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	for i := 0; i < 10; i++ {
		publish(t, b, "a@example.com", "hello")
	}

	require.Eventually(t, func() bool { return len(listAll(t, st)) == 10 }, 3*time.Second, 10*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
	assert.Equal(t, int32(3), atomic.LoadInt32(&opened))
	assert.Equal(t, 0, b.Pending(testTopic, testSub))
}

// sessionReceiver stands in for a broker session that can drop.
type sessionReceiver struct {
	broker.Receiver
	lost   int32
	closed int32
}

func (r *sessionReceiver) Receive(ctx context.Context) (*broker.Delivery, error) {
	if atomic.LoadInt32(&r.lost) == 1 {
		return nil, broker.ErrReceiverClosed
	}
	return r.Receiver.Receive(ctx)
}

func (r *sessionReceiver) Close() error {
	atomic.StoreInt32(&r.closed, 1)
	return r.Receiver.Close()
}

func TestRun_ReturnsWhenReceiverCloses(t *testing.T) {
	b := testBroker(10)
	rec := &sessionReceiver{Receiver: b.Receiver(testTopic, testSub), lost: 1}
	w := NewWorker(0, rec, rawClassifier(`{}`), store.NewMemoryStore(), testConfig(), logger.NopLogger())

	err := w.Run(context.Background())
	assert.True(t, errors.Is(err, broker.ErrReceiverClosed))
}

func TestPool_ReopensClosedReceiver(t *testing.T) {
	b := testBroker(10)
	st := store.NewMemoryStore()

	first := &sessionReceiver{Receiver: b.Receiver(testTopic, testSub), lost: 1}
	var opened int32
	factory := func(ctx context.Context) (broker.Receiver, error) {
		switch atomic.AddInt32(&opened, 1) {
		case 1:
			return first, nil
		case 2:
			return nil, errors.New("connection refused")
		default:
			return &sessionReceiver{Receiver: b.Receiver(testTopic, testSub)}, nil
		}
	}
	pool := NewPool(1, factory, rawClassifier(`{"type":"normal","score":0.1,"reason":"ok"}`), st, testConfig(), logger.NopLogger())

	publish(t, b, "a@example.com", "hello")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, func() bool { return len(listAll(t, st)) == 1 }, 3*time.Second, 10*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)

	assert.Equal(t, int32(1), atomic.LoadInt32(&first.closed))
	assert.Equal(t, int32(3), atomic.LoadInt32(&opened))
	assert.Equal(t, 0, b.Pending(testTopic, testSub))
}

func TestPool_ReopenStopsOnCancel(t *testing.T) {
	b := testBroker(10)
	var opened int32
	factory := func(ctx context.Context) (broker.Receiver, error) {
		if atomic.AddInt32(&opened, 1) == 1 {
			return &sessionReceiver{Receiver: b.Receiver(testTopic, testSub), lost: 1}, nil
		}
		return nil, errors.New("connection refused")
	}
	pool := NewPool(1, factory, rawClassifier(`{}`), store.NewMemoryStore(), testConfig(), logger.NopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&opened) >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}
}

func TestPool_ReceiverFailureStopsPool(t *testing.T) {
	factory := func(ctx context.Context) (broker.Receiver, error) {
		return nil, errors.New("unauthorized")
	}
	pool := NewPool(2, factory, rawClassifier(`{}`), store.NewMemoryStore(), testConfig(), logger.NopLogger())

	err := pool.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unauthorized")
}
