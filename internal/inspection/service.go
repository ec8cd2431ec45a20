package inspection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"mailguard/internal/config"
	"mailguard/internal/constants"
	"mailguard/internal/logger"
	apperrors "mailguard/pkg/errors"
	"mailguard/pkg/metrics"
)

const defaultOpenAIModel = openai.GPT4oMini

// ErrUpstream means the completion endpoint failed or returned nothing usable.
var ErrUpstream = apperrors.NewError("INSPECTION_UPSTREAM_ERROR", "inspection upstream failed", http.StatusBadGateway).AsRetryable()

// Completer is the slice of the OpenAI client the service uses.
type Completer interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type Service interface {
	// Inspect returns the model's reply verbatim. The caller parses it.
	Inspect(ctx context.Context, sender, message string) (string, error)
}

type service struct {
	client  Completer
	model   string
	timeout time.Duration
	logger  logger.Logger
}

// NewClient builds an OpenAI client for the configured provider. In Azure
// mode every request is routed to the configured deployment.
func NewClient(cfg config.InspectionConfig) (*openai.Client, error) {
	var clientCfg openai.ClientConfig

	switch cfg.Provider {
	case constants.InspectionProviderAzure:
		if cfg.Endpoint == "" || cfg.Deployment == "" {
			return nil, fmt.Errorf("azure inspection requires endpoint and deployment")
		}
		clientCfg = openai.DefaultAzureConfig(cfg.APIKey, cfg.Endpoint)
		if cfg.APIVersion != "" {
			clientCfg.APIVersion = cfg.APIVersion
		}
		deployment := cfg.Deployment
		clientCfg.AzureModelMapperFunc = func(model string) string {
			return deployment
		}
	case constants.InspectionProviderOpenAI:
		clientCfg = openai.DefaultConfig(cfg.APIKey)
		if cfg.Endpoint != "" {
			clientCfg.BaseURL = cfg.Endpoint
		}
	default:
		return nil, fmt.Errorf("unknown inspection provider: %s", cfg.Provider)
	}

	clientCfg.HTTPClient = &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	return openai.NewClientWithConfig(clientCfg), nil
}

func NewService(client Completer, cfg config.InspectionConfig, log logger.Logger) Service {
	model := cfg.Model
	if model == "" {
		if cfg.Provider == constants.InspectionProviderAzure {
			model = cfg.Deployment
		} else {
			model = defaultOpenAIModel
		}
	}
	return &service{
		client:  client,
		model:   model,
		timeout: cfg.Timeout,
		logger:  log,
	}
}

func (s *service) Inspect(ctx context.Context, sender, message string) (string, error) {
	start := time.Now()
	content, err := s.inspect(ctx, sender, message)
	status := "success"
	if err != nil {
		status = "failed"
	}
	metrics.ObserveInspection(status, time.Since(start))
	return content, err
}

func (s *service) inspect(ctx context.Context, sender, message string) (string, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt(sender, message)},
		},
	})
	if err != nil {
		s.logger.ErrorwCtx(ctx, "Chat completion failed", "model", s.model, "error", err)
		return "", upstreamError(err)
	}

	if len(resp.Choices) == 0 {
		return "", ErrUpstream.WithMessage("completion returned no choices")
	}

	content := resp.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return "", ErrUpstream.WithMessage("completion returned empty content")
	}

	s.logger.DebugwCtx(ctx, "Message inspected",
		"model", s.model, "finish_reason", resp.Choices[0].FinishReason, "total_tokens", resp.Usage.TotalTokens)
	return content, nil
}

func upstreamError(err error) error {
	e := ErrUpstream.WithCause(err)
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		e = e.WithDetail("upstream_status", apiErr.HTTPStatusCode)
	}
	return e
}
