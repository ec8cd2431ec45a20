package broker

import (
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"

	"mailguard/internal/config"
	"mailguard/internal/constants"
)

func TestKafkaDLQTopic(t *testing.T) {
	cfg := config.BrokerConfig{Topic: "events"}
	assert.Equal(t, "events.dlq", KafkaDLQTopic(cfg))

	cfg.Kafka.DLQTopic = "poison"
	assert.Equal(t, "poison", KafkaDLQTopic(cfg))
}

func TestSetHeader_ReplacesExisting(t *testing.T) {
	in := []kafka.Header{
		{Key: constants.HeaderDeliveryCount, Value: []byte("1")},
		{Key: "traceparent", Value: []byte("00-abc")},
	}

	out := setHeader(in, constants.HeaderDeliveryCount, "2")

	assert.Len(t, out, 2)
	assert.Equal(t, "1", string(in[0].Value))
	for _, h := range out {
		if h.Key == constants.HeaderDeliveryCount {
			assert.Equal(t, "2", string(h.Value))
		}
	}
}

func TestAMQPDeliveryCount(t *testing.T) {
	assert.Equal(t, 0, amqpDeliveryCount(nil))
	assert.Equal(t, 2, amqpDeliveryCount(amqp.Table{constants.HeaderDeliveryCount: int64(2)}))
	assert.Equal(t, 4, amqpDeliveryCount(amqp.Table{constants.HeaderDeliveryCount: int32(4)}))
	assert.Equal(t, 0, amqpDeliveryCount(amqp.Table{constants.HeaderDeliveryCount: "x"}))
}

func TestReceiverClosed(t *testing.T) {
	err := receiverClosed(&amqp.Error{Code: amqp.ConnectionForced, Reason: "broker shutdown"})
	assert.ErrorIs(t, err, ErrReceiverClosed)
	assert.Contains(t, err.Error(), "broker shutdown")

	err = receiverClosed(nil)
	assert.ErrorIs(t, err, ErrReceiverClosed)
	assert.True(t, ErrReceiverClosed.IsRetryable())
}
