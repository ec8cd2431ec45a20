package models

import (
	"time"

	"github.com/google/uuid"
)

type EnvelopeBuilder struct {
	envelope Envelope
}

func NewEnvelopeBuilder() *EnvelopeBuilder {
	return &EnvelopeBuilder{}
}

func (b *EnvelopeBuilder) WithID(id string) *EnvelopeBuilder {
	b.envelope.ID = id
	return b
}

func (b *EnvelopeBuilder) WithSender(sender string) *EnvelopeBuilder {
	b.envelope.Sender = sender
	return b
}

func (b *EnvelopeBuilder) WithMessage(message string) *EnvelopeBuilder {
	b.envelope.Message = message
	return b
}

func (b *EnvelopeBuilder) WithTimestamp(timestamp time.Time) *EnvelopeBuilder {
	b.envelope.Timestamp = timestamp
	return b
}

// WithMetadata copies metadata so later changes by the caller do not leak
// into a published envelope.
func (b *EnvelopeBuilder) WithMetadata(metadata map[string]string) *EnvelopeBuilder {
	if len(metadata) == 0 {
		b.envelope.SourceMetadata = nil
		return b
	}
	b.envelope.SourceMetadata = make(map[string]string, len(metadata))
	for k, v := range metadata {
		b.envelope.SourceMetadata[k] = v
	}
	return b
}

func (b *EnvelopeBuilder) WithTraceID(traceID string) *EnvelopeBuilder {
	b.envelope.TraceID = traceID
	return b
}

// Build fills in a random ID and the current UTC time when they were not set.
func (b *EnvelopeBuilder) Build() Envelope {
	env := b.envelope
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	return env
}
