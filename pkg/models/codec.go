package models

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Marshal encodes an envelope into its wire form.
func Marshal(env Envelope) ([]byte, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return body, nil
}

// Unmarshal decodes a wire payload and validates it.
func Unmarshal(body []byte) (Envelope, error) {
	var env Envelope
	if len(body) == 0 {
		return env, &ValidationError{Field: "body", Message: "empty payload"}
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return env, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return env, err
	}
	return env, nil
}
