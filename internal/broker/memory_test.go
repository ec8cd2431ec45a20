package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailguard/internal/config"
	"mailguard/internal/logger"
	"mailguard/pkg/models"
)

const (
	testTopic = "events"
	testSub   = "mails"
)

func testBrokerConfig() config.BrokerConfig {
	return config.BrokerConfig{
		Type:             "memory",
		Topic:            testTopic,
		Subscription:     testSub,
		MaxDeliveryCount: 3,
		PollTimeout:      50 * time.Millisecond,
		LockDuration:     time.Minute,
	}
}

func testEnvelope(sender string) models.Envelope {
	return models.NewEnvelopeBuilder().WithSender(sender).WithMessage("hello").Build()
}

func TestMemory_PublishReceiveComplete(t *testing.T) {
	b := NewMemoryBroker(testBrokerConfig())
	r := b.Receiver(testTopic, testSub)
	ctx := context.Background()

	env := testEnvelope("alice@example.com")
	receipt, err := b.Producer().Publish(ctx, testTopic, env)
	require.NoError(t, err)
	assert.Equal(t, env.ID, receipt.MessageID)

	d, err := r.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, 1, d.DeliveryCount)
	assert.Equal(t, env.ID, d.MessageID)
	assert.NotEmpty(t, d.Handle)

	decoded, err := models.Unmarshal(d.Body)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", decoded.Sender)

	require.NoError(t, r.Complete(ctx, d))
	assert.Equal(t, 0, b.Pending(testTopic, testSub))
}

func TestMemory_SecondResolutionIsRejected(t *testing.T) {
	b := NewMemoryBroker(testBrokerConfig())
	r := b.Receiver(testTopic, testSub)
	ctx := context.Background()

	_, err := b.Producer().Publish(ctx, testTopic, testEnvelope("a@example.com"))
	require.NoError(t, err)

	d, err := r.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, r.Complete(ctx, d))

	assert.True(t, errors.Is(r.Complete(ctx, d), ErrLockLost))
	assert.True(t, errors.Is(r.Abandon(ctx, d, "late"), ErrLockLost))
}

func TestMemory_AbandonRedeliversWithHigherCount(t *testing.T) {
	b := NewMemoryBroker(testBrokerConfig())
	r := b.Receiver(testTopic, testSub)
	ctx := context.Background()

	_, err := b.Producer().Publish(ctx, testTopic, testEnvelope("a@example.com"))
	require.NoError(t, err)

	first, err := r.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, r.Abandon(ctx, first, "classifier unavailable"))

	second, err := r.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, 2, second.DeliveryCount)
	assert.NotEqual(t, first.Handle, second.Handle)
	assert.Equal(t, first.MessageID, second.MessageID)
}

func TestMemory_DeadLettersAtCeiling(t *testing.T) {
	b := NewMemoryBroker(testBrokerConfig())
	r := b.Receiver(testTopic, testSub)
	ctx := context.Background()

	_, err := b.Producer().Publish(ctx, testTopic, testEnvelope("a@example.com"))
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		d, err := r.Receive(ctx)
		require.NoError(t, err)
		require.NotNil(t, d)
		assert.Equal(t, i, d.DeliveryCount)
		require.NoError(t, r.Abandon(ctx, d, "still failing"))
	}

	d, err := r.Receive(ctx)
	require.NoError(t, err)
	assert.Nil(t, d)

	dead := b.DeadLetters(testTopic, testSub)
	require.Len(t, dead, 1)
	assert.Equal(t, 3, dead[0].DeliveryCount)
	assert.Equal(t, "still failing", dead[0].Reason)
}

func TestMemory_ExpiredLockIsRedelivered(t *testing.T) {
	cfg := testBrokerConfig()
	cfg.LockDuration = 20 * time.Millisecond
	cfg.PollTimeout = 200 * time.Millisecond
	b := NewMemoryBroker(cfg)
	r := b.Receiver(testTopic, testSub)
	ctx := context.Background()

	_, err := b.Producer().Publish(ctx, testTopic, testEnvelope("a@example.com"))
	require.NoError(t, err)

	first, err := r.Receive(ctx)
	require.NoError(t, err)

	second, err := r.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, 2, second.DeliveryCount)

	assert.True(t, errors.Is(r.Complete(ctx, first), ErrLockLost))
	require.NoError(t, r.Complete(ctx, second))
}

func TestMemory_RenewLockExtendsClaim(t *testing.T) {
	cfg := testBrokerConfig()
	cfg.LockDuration = 40 * time.Millisecond
	b := NewMemoryBroker(cfg)
	r := b.Receiver(testTopic, testSub)
	ctx := context.Background()

	_, err := b.Producer().Publish(ctx, testTopic, testEnvelope("a@example.com"))
	require.NoError(t, err)

	d, err := r.Receive(ctx)
	require.NoError(t, err)
	before := d.LockedUntil

	for i := 0; i < 3; i++ {
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, r.RenewLock(ctx, d))
	}
	assert.True(t, d.LockedUntil.After(before))
	require.NoError(t, r.Complete(ctx, d))
}

func TestMemory_PollTimeoutReturnsNil(t *testing.T) {
	b := NewMemoryBroker(testBrokerConfig())
	r := b.Receiver(testTopic, testSub)

	start := time.Now()
	d, err := r.Receive(context.Background())
	require.NoError(t, err)
	assert.Nil(t, d)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestMemory_ReceiveHonoursCancellation(t *testing.T) {
	cfg := testBrokerConfig()
	cfg.PollTimeout = time.Minute
	b := NewMemoryBroker(cfg)
	r := b.Receiver(testTopic, testSub)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	d, err := r.Receive(ctx)
	assert.Nil(t, d)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemory_WakesWaitingReceiver(t *testing.T) {
	cfg := testBrokerConfig()
	cfg.PollTimeout = time.Second
	b := NewMemoryBroker(cfg)
	r := b.Receiver(testTopic, testSub)

	got := make(chan *Delivery, 1)
	go func() {
		d, _ := r.Receive(context.Background())
		got <- d
	}()

	time.Sleep(10 * time.Millisecond)
	_, err := b.Producer().Publish(context.Background(), testTopic, testEnvelope("a@example.com"))
	require.NoError(t, err)

	select {
	case d := <-got:
		assert.NotNil(t, d)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("receiver was not woken by publish")
	}
}

func TestMemory_CompetingReceiversShareSubscription(t *testing.T) {
	b := NewMemoryBroker(testBrokerConfig())
	ctx := context.Background()
	receivers := []Receiver{b.Receiver(testTopic, testSub), b.Receiver(testTopic, testSub)}

	const total = 20
	for i := 0; i < total; i++ {
		_, err := b.Producer().Publish(ctx, testTopic, testEnvelope("a@example.com"))
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for _, r := range receivers {
		wg.Add(1)
		go func(r Receiver) {
			defer wg.Done()
			for {
				d, err := r.Receive(ctx)
				if err != nil || d == nil {
					return
				}
				mu.Lock()
				seen[d.MessageID]++
				mu.Unlock()
				_ = r.Complete(ctx, d)
			}
		}(r)
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}

func TestMemory_FanOutToSubscriptions(t *testing.T) {
	b := NewMemoryBroker(testBrokerConfig())
	ctx := context.Background()
	mails := b.Receiver(testTopic, "mails")
	audit := b.Receiver(testTopic, "audit")

	_, err := b.Producer().Publish(ctx, testTopic, testEnvelope("a@example.com"))
	require.NoError(t, err)

	d1, err := mails.Receive(ctx)
	require.NoError(t, err)
	d2, err := audit.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, d1)
	require.NotNil(t, d2)
	assert.Equal(t, d1.MessageID, d2.MessageID)
}

func TestFactory_SharesMemoryBroker(t *testing.T) {
	f := NewFactory(testBrokerConfig(), logger.NopLogger())
	require.NotNil(t, f.Memory())

	r, err := f.NewReceiver(context.Background())
	require.NoError(t, err)
	p, err := f.NewProducer()
	require.NoError(t, err)

	_, err = p.Publish(context.Background(), testTopic, testEnvelope("a@example.com"))
	require.NoError(t, err)

	d, err := r.Receive(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, d)
}

func TestFactory_UnknownType(t *testing.T) {
	cfg := testBrokerConfig()
	cfg.Type = "sqs"
	_, err := NewProducer(cfg, logger.NopLogger())
	assert.Error(t, err)
}
