package classifier

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"mailguard/internal/config"
	"mailguard/pkg/errors"
	"mailguard/pkg/metrics"
)

const maxInspectorResponse = 1 << 20

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type inspectRequest struct {
	Sender  string `json:"sender"`
	Message string `json:"message"`
}

// InspectorClient posts messages to the inspection endpoint and parses its
// free-form reply.
type InspectorClient struct {
	url     string
	timeout time.Duration
	client  *http.Client
}

func NewInspectorClient(cfg config.ClassifierConfig) *InspectorClient {
	return &InspectorClient{
		url:     cfg.InspectorURL,
		timeout: cfg.Timeout,
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (c *InspectorClient) Classify(ctx context.Context, sender, message string) (Verdict, error) {
	start := time.Now()
	verdict, err := c.classify(ctx, sender, message)
	status := "success"
	if err != nil {
		status = "unavailable"
	}
	metrics.ObserveClassification(status, time.Since(start))
	if err == nil {
		metrics.IncVerdict(string(verdict.Category))
	}
	return verdict, err
}

func (c *InspectorClient) classify(ctx context.Context, sender, message string) (Verdict, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	body, err := json.Marshal(inspectRequest{Sender: sender, Message: message})
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to marshal inspect request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Verdict{}, errors.ErrClassifierUnavailable.WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Verdict{}, errors.ErrClassifierUnavailable.WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxInspectorResponse))
	if err != nil {
		return Verdict{}, errors.ErrClassifierUnavailable.WithCause(err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return Verdict{}, errors.ErrClassifierUnavailable.
			WithCause(fmt.Errorf("inspector returned status: %d", resp.StatusCode)).
			WithDetail("status", resp.StatusCode)
	}

	return ParseVerdict(string(raw)), nil
}
