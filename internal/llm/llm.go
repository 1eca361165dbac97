// Package llm wraps the chat-completion backend behind a small Completer
// interface.
//
// The runtime only ever needs one call: send a prompt, get text back.
// Transient backend failures are retried with capped exponential backoff and
// requests are rate limited client-side.
package llm

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fernwell/frontdesk/internal/config"
	"github.com/fernwell/frontdesk/internal/logging"
)

// Request is one completion call.
type Request struct {
	// System primes the model with instructions.
	System string
	// Prompt is the user-side content.
	Prompt string
}

// Response is the model's reply.
type Response struct {
	Text string
}

// Completer produces a completion for a request.
type Completer interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// contentGenerator is the slice of the backend client the completer uses.
type contentGenerator interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

// Client is a Completer backed by an OpenAI-compatible endpoint.
type Client struct {
	model   contentGenerator
	limiter *rate.Limiter
	logger  *logging.Logger

	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
}

// NewClient builds a completer from model configuration. The API key is
// read from the environment variable named in the config, never from the
// config file itself.
func NewClient(cfg config.ModelConfig, logger *logging.Logger) (*Client, error) {
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("model API key missing: set %s", cfg.APIKeyEnv)
	}

	opts := []openai.Option{
		openai.WithModel(cfg.Name),
		openai.WithToken(apiKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating model client: %w", err)
	}

	return newClient(model, cfg, logger), nil
}

func newClient(model contentGenerator, cfg config.ModelConfig, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.NewNop()
	}
	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Limit(float64(cfg.RequestsPerMinute) / 60.0)
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Client{
		model:        model,
		limiter:      rate.NewLimiter(limit, 1),
		logger:       logger,
		maxAttempts:  maxAttempts,
		initialDelay: time.Duration(cfg.InitialDelaySec) * time.Second,
		maxDelay:     time.Duration(cfg.MaxDelaySec) * time.Second,
	}
}

// Complete implements Completer with capped exponential backoff.
func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	messages := []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeHuman, req.Prompt),
	}
	if req.System != "" {
		messages = append([]llms.MessageContent{
			llms.TextParts(schema.ChatMessageTypeSystem, req.System),
		}, messages...)
	}

	delay := c.initialDelay
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return Response{}, fmt.Errorf("rate limit wait: %w", err)
		}

		resp, err := c.model.GenerateContent(ctx, messages)
		if err == nil {
			if len(resp.Choices) == 0 {
				return Response{}, fmt.Errorf("model returned no choices")
			}
			return Response{Text: resp.Choices[0].Content}, nil
		}
		lastErr = err

		if attempt == c.maxAttempts {
			break
		}
		c.logger.Warn(ctx, "completion attempt failed, backing off",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.maxDelay {
			delay = c.maxDelay
		}
	}
	return Response{}, fmt.Errorf("completion failed after %d attempts: %w", c.maxAttempts, lastErr)
}
