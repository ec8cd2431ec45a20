package logging

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetLogFields(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetLogFields(ctx))

	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithMessageID(ctx, "msg-1")
	ctx = WithServiceName(ctx, "receiver-service")
	ctx = WithWorkerID(ctx, 2)
	ctx = WithDeliveryCount(ctx, 3)

	assert.Equal(t, []interface{}{
		"trace_id", "trace-1",
		"message_id", "msg-1",
		"service_name", "receiver-service",
		"worker_id", 2,
		"delivery_count", 3,
	}, GetLogFields(ctx))
}

func TestGetters_PlainStringKeysDoNotCollide(t *testing.T) {
	//nolint:staticcheck
	ctx := context.WithValue(context.Background(), "trace_id", "foreign")
	assert.Equal(t, "", GetTraceID(ctx))
}

func TestEarlyLog(t *testing.T) {
	var out, errOut bytes.Buffer
	l := &EarlyLog{service: "publisher-service", out: &out, errOut: &errOut}

	l.Info("loading %s", "config.yaml")
	l.Error("failed: %v", "boom")

	assert.Equal(t, "INFO [publisher-service] loading config.yaml\n", out.String())
	assert.Equal(t, "ERROR [publisher-service] failed: boom\n", errOut.String())
}
