package models

import "time"

// Envelope is the unit published to and received from the broker. It is
// never modified after publish.
type Envelope struct {
	ID             string            `json:"id"`
	Sender         string            `json:"sender"`
	Message        string            `json:"message"`
	SourceMetadata map[string]string `json:"source_metadata,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	TraceID        string            `json:"trace_id,omitempty"`
}

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "validation error for field '" + e.Field + "': " + e.Message
}

// Validate checks the fields a decoded envelope must carry. Message may be
// empty on the wire.
func (e *Envelope) Validate() error {
	if e == nil {
		return &ValidationError{Field: "envelope", Message: "envelope cannot be nil"}
	}

	if e.Sender == "" {
		return &ValidationError{Field: "sender", Message: "sender is required"}
	}

	return nil
}
