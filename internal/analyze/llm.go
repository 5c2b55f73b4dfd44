package analyze

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"

	"github.com/netpanic/netpanic/internal/core"
)

// ErrLLMUnavailable wraps every transport, timeout or breaker failure of an
// LLM backend.
var ErrLLMUnavailable = errors.New("llm unavailable")

// LLM completes a rendered prompt and returns the model's raw text.
type LLM interface {
	Complete(ctx context.Context, prompt Prompt) (string, error)
}

// LLMFunc adapts a function to LLM.
type LLMFunc func(ctx context.Context, prompt Prompt) (string, error)

func (f LLMFunc) Complete(ctx context.Context, prompt Prompt) (string, error) {
	return f(ctx, prompt)
}

// OpenAIAdapter talks to any OpenAI-compatible chat completion endpoint
// (OpenAI, Ollama, LocalAI, vLLM). Calls run inside a circuit breaker so a
// dead endpoint stops costing a timeout per finding.
type OpenAIAdapter struct {
	client      *openai.Client
	cb          *gobreaker.CircuitBreaker
	model       string
	temperature float32
	maxTokens   int
	timeout     time.Duration
	logger      zerolog.Logger
}

// NewOpenAIAdapter creates an adapter for cfg. cfg.BaseURL must be set.
func NewOpenAIAdapter(cfg core.LLMConfig, logger zerolog.Logger) (*OpenAIAdapter, error) {
	if !cfg.Enabled() {
		return nil, errors.New("llm base_url is not configured")
	}
	timeout := cfg.RequestTimeout()

	config := openai.DefaultConfig(cfg.APIKey)
	config.BaseURL = cfg.BaseURL
	config.HTTPClient = &http.Client{Timeout: timeout}

	logger = logger.With().Str("component", "llm_adapter").Logger()
	return &OpenAIAdapter{
		client: openai.NewClientWithConfig(config),
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "LLM",
			MaxRequests: 3,
			Interval:    10 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("llm circuit breaker state changed")
			},
		}),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     timeout,
		logger:      logger,
	}, nil
}

// Complete implements LLM. Every failure wraps ErrLLMUnavailable.
func (a *OpenAIAdapter) Complete(ctx context.Context, prompt Prompt) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	result, err := a.cb.Execute(func() (interface{}, error) {
		resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: a.model,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: prompt.System},
				{Role: openai.ChatMessageRoleUser, Content: prompt.User},
			},
			Temperature: a.temperature,
			MaxTokens:   a.maxTokens,
		})
		if err != nil {
			return "", fmt.Errorf("chat completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			return "", errors.New("chat completion returned no choices")
		}
		return resp.Choices[0].Message.Content, nil
	})
	if err != nil {
		a.logger.Debug().Err(err).Str("model", a.model).Msg("llm call failed")
		return "", fmt.Errorf("%w: %w", ErrLLMUnavailable, err)
	}
	return result.(string), nil
}

// BreakerState reports the circuit breaker state ("closed", "open",
// "half-open").
func (a *OpenAIAdapter) BreakerState() string {
	return a.cb.State().String()
}
